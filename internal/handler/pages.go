package handler

import (
	"bytes"
	"embed"
	"html/template"
	"log/slog"
	"net/http"

	"github.com/hitoshi/toolshelf/internal/model"
)

//go:embed templates/*.html
var templateFS embed.FS

var (
	loginTemplate = parsePage("templates/login.html")
	indexTemplate = parsePage("templates/index.html")
)

func parsePage(name string) *template.Template {
	return template.Must(template.ParseFS(templateFS, "templates/layout.html", name))
}

// providerOption はログイン画面に表示するプロバイダーの選択肢。
type providerOption struct {
	Name  model.Provider
	Label string
	URL   string
}

type loginPageData struct {
	Providers []providerOption
	Flash     string
	LogoURL   string
}

type indexPageData struct {
	Account   *model.Account
	CSRFToken string
}

// providerLabels はログイン画面に表示するプロバイダー名。
var providerLabels = map[model.Provider]string{
	model.ProviderMicrosoft: "Microsoft",
	model.ProviderGoogle:    "Google",
}

// renderPage はテンプレートをバッファに描画してからレスポンスに書き込む。
// 描画に失敗した場合はHTMLを書き込まずに500を返す。
func renderPage(w http.ResponseWriter, tmpl *template.Template, data any) {
	var buf bytes.Buffer
	if err := tmpl.ExecuteTemplate(&buf, "layout", data); err != nil {
		slog.Error("failed to render page", slog.String("error", err.Error()))
		http.Error(w, "internal server error", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Header().Set("Cache-Control", "no-store")
	buf.WriteTo(w)
}
