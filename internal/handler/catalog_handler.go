package handler

import (
	"net/http"

	"github.com/hitoshi/toolshelf/internal/middleware"
)

// CatalogHandler はツールディレクトリのトップページを表示する。
type CatalogHandler struct{}

// NewCatalogHandler はCatalogHandlerを生成する。
func NewCatalogHandler() *CatalogHandler {
	return &CatalogHandler{}
}

// Index はログイン中のアカウントとログアウトフォームを表示する。
// RequireAuthenticatedの内側に配置する。
// GET /
func (h *CatalogHandler) Index(w http.ResponseWriter, r *http.Request) {
	renderPage(w, indexTemplate, indexPageData{
		Account:   middleware.CurrentAccount(r.Context()),
		CSRFToken: middleware.CSRFToken(r.Context()),
	})
}
