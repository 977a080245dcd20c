package handler

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/hitoshi/toolshelf/internal/login"
	"github.com/hitoshi/toolshelf/internal/middleware"
	"github.com/hitoshi/toolshelf/internal/model"
	"github.com/hitoshi/toolshelf/internal/repository"
)

// AuditListerInterface は監査ログの参照インターフェース。
type AuditListerInterface interface {
	List(ctx context.Context, filter repository.AuditFilter) ([]*model.AuditEntry, error)
}

// AccountUnlockerInterface はアカウントのロック解除インターフェース。
type AccountUnlockerInterface interface {
	Unlock(ctx context.Context, actor *model.Account, accountID string) (*model.Account, error)
}

// AdminHandler は管理者向けのHTTPハンドラー。RequireAdminの内側に配置する。
type AdminHandler struct {
	audits   AuditListerInterface
	unlocker AccountUnlockerInterface
}

// NewAdminHandler はAdminHandlerを生成する。
func NewAdminHandler(audits AuditListerInterface, unlocker AccountUnlockerInterface) *AdminHandler {
	return &AdminHandler{audits: audits, unlocker: unlocker}
}

type auditEntryResponse struct {
	ID        int64     `json:"id"`
	ActorID   string    `json:"actor_id,omitempty"`
	Action    string    `json:"action"`
	Detail    string    `json:"detail"`
	CreatedAt time.Time `json:"created_at"`
}

type auditListResponse struct {
	Entries []auditEntryResponse `json:"entries"`
	// NextBefore は次ページ取得用のカーソル。最終ページの場合は省略する。
	NextBefore int64 `json:"next_before,omitempty"`
}

type accountResponse struct {
	ID             string     `json:"id"`
	Email          string     `json:"email"`
	Name           string     `json:"name"`
	Provider       string     `json:"provider"`
	IsAdmin        bool       `json:"is_admin"`
	FailedAttempts int        `json:"failed_attempts"`
	LockExpiresAt  *time.Time `json:"lock_expires_at,omitempty"`
	LastLoginAt    *time.Time `json:"last_login_at,omitempty"`
}

// ListAudit は監査ログを新しい順に返す。
// GET /admin/audit?limit=50&before=123
func (h *AdminHandler) ListAudit(w http.ResponseWriter, r *http.Request) {
	filter := repository.AuditFilter{}

	query := r.URL.Query()
	if v := query.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			middleware.WriteErrorResponse(w, http.StatusBadRequest, model.NewInvalidCursorError(v))
			return
		}
		filter.Limit = n
	}
	if v := query.Get("before"); v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil || n <= 0 {
			middleware.WriteErrorResponse(w, http.StatusBadRequest, model.NewInvalidCursorError(v))
			return
		}
		filter.BeforeID = n
	}

	entries, err := h.audits.List(r.Context(), filter)
	if err != nil {
		slog.Error("failed to list audit entries", slog.String("error", err.Error()))
		middleware.WriteInternalServerError(w)
		return
	}

	resp := auditListResponse{Entries: make([]auditEntryResponse, 0, len(entries))}
	for _, e := range entries {
		resp.Entries = append(resp.Entries, auditEntryResponse{
			ID:        e.ID,
			ActorID:   e.ActorID,
			Action:    string(e.Action),
			Detail:    e.Detail,
			CreatedAt: e.CreatedAt,
		})
	}
	if len(entries) > 0 && len(entries) == filter.EffectiveLimit() {
		resp.NextBefore = entries[len(entries)-1].ID
	}

	middleware.WriteJSON(w, http.StatusOK, resp)
}

// UnlockAccount はロック中のアカウントを解除する。
// POST /admin/accounts/{id}/unlock
func (h *AdminHandler) UnlockAccount(w http.ResponseWriter, r *http.Request) {
	accountID := chi.URLParam(r, "id")

	account, err := h.unlocker.Unlock(r.Context(), middleware.CurrentAccount(r.Context()), accountID)
	if err != nil {
		switch {
		case errors.Is(err, login.ErrAccountNotFound):
			middleware.WriteErrorResponse(w, http.StatusNotFound, model.NewAccountNotFoundError(accountID))
		case errors.Is(err, model.ErrForbidden), errors.Is(err, model.ErrUnauthenticated):
			middleware.WriteErrorResponse(w, http.StatusForbidden, model.NewForbiddenError())
		default:
			slog.Error("failed to unlock account",
				slog.String("account_id", accountID),
				slog.String("error", err.Error()),
			)
			middleware.WriteInternalServerError(w)
		}
		return
	}

	middleware.WriteJSON(w, http.StatusOK, toAccountResponse(account))
}

func toAccountResponse(a *model.Account) accountResponse {
	return accountResponse{
		ID:             a.ID,
		Email:          a.Email,
		Name:           a.Name,
		Provider:       string(a.Provider),
		IsAdmin:        a.IsAdmin,
		FailedAttempts: a.FailedAttempts,
		LockExpiresAt:  a.LockExpiresAt,
		LastLoginAt:    a.LastLoginAt,
	}
}
