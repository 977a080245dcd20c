// Package model はドメインモデルを定義する。
package model

import (
	"errors"
	"fmt"
)

// APIError は統一エラーフォーマットを表す。
// UIに表示する原因カテゴリと対処方法を含む。
type APIError struct {
	Code     string // エラーコード
	Message  string // エラーメッセージ
	Category string // カテゴリ: auth, validation, system
	Action   string // ユーザー向け対処方法
}

// Error はerrorインターフェースを実装する。
func (e *APIError) Error() string {
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// 定義済みエラーコード
const (
	ErrCodeUnauthenticated = "UNAUTHENTICATED"
	ErrCodeForbidden       = "FORBIDDEN"
	ErrCodeAccountNotFound = "ACCOUNT_NOT_FOUND"
	ErrCodeInvalidCursor   = "INVALID_CURSOR"
	ErrCodeRateLimited     = "RATE_LIMIT_EXCEEDED"
	ErrCodeInternal        = "INTERNAL_ERROR"
)

// 認可判定の結果を表す型付きエラー。
var (
	ErrUnauthenticated = errors.New("unauthenticated")
	ErrForbidden       = errors.New("forbidden")
)

// NewForbiddenError は管理者権限が必要な操作のエラーを生成する。
func NewForbiddenError() *APIError {
	return &APIError{
		Code:     ErrCodeForbidden,
		Message:  "この操作には管理者権限が必要です。",
		Category: "auth",
		Action:   "管理者に権限の付与を依頼してください。",
	}
}

// NewAccountNotFoundError はアカウントが見つからない場合のエラーを生成する。
func NewAccountNotFoundError(accountID string) *APIError {
	return &APIError{
		Code:     ErrCodeAccountNotFound,
		Message:  fmt.Sprintf("指定されたアカウントが見つかりません: %s", accountID),
		Category: "validation",
		Action:   "アカウントIDを確認してください。",
	}
}

// NewInvalidCursorError は監査ログの取得範囲指定が不正な場合のエラーを生成する。
func NewInvalidCursorError(value string) *APIError {
	return &APIError{
		Code:     ErrCodeInvalidCursor,
		Message:  fmt.Sprintf("無効な取得範囲です: %s", value),
		Category: "validation",
		Action:   "limit と before には正の整数を指定してください。",
	}
}

// NewRateLimitedError はログイン経路のレート制限超過エラーを生成する。
func NewRateLimitedError() *APIError {
	return &APIError{
		Code:     ErrCodeRateLimited,
		Message:  "ログインの試行回数が多すぎます。",
		Category: "system",
		Action:   "しばらく待ってから再度お試しください。",
	}
}

// NewInternalError は詳細を伏せた内部エラーを生成する。
func NewInternalError() *APIError {
	return &APIError{
		Code:     ErrCodeInternal,
		Message:  "内部エラーが発生しました。",
		Category: "system",
		Action:   "しばらく待ってから再度お試しください。",
	}
}

// ProviderError はIdPとのやり取り（通信、トークン、署名、state不一致）の失敗を表す。
// ログインフローをやり直せば回復し得る。
type ProviderError struct {
	Provider string
	Err      error
}

func (e *ProviderError) Error() string {
	return fmt.Sprintf("provider %s: %v", e.Provider, e.Err)
}

func (e *ProviderError) Unwrap() error { return e.Err }

// RejectReason はポリシーによるログイン拒否理由。
type RejectReason string

const (
	RejectProviderFailure     RejectReason = "provider failure"
	RejectNoEmail             RejectReason = "no email"
	RejectDomainNotAuthorized RejectReason = "domain not authorized"
	RejectEmailNotVerified    RejectReason = "email not verified"
	RejectLocked              RejectReason = "locked"
)

// PolicyRejection はドメイン制限やアカウントロックによる拒否を表す。
// 原因となる状態が変わるまで再試行しても結果は変わらない。
type PolicyRejection struct {
	Reason RejectReason
}

func (e *PolicyRejection) Error() string {
	return "login rejected: " + string(e.Reason)
}

// ConfigurationError は起動時に検出される致命的な設定不備を表す。
type ConfigurationError struct {
	Key     string
	Problem string
}

func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("invalid configuration %s: %s", e.Key, e.Problem)
}

// StoreError は永続化層の障害を表す。リクエストは中断され、部分的な状態は残らない。
type StoreError struct {
	Op  string
	Err error
}

func (e *StoreError) Error() string {
	return fmt.Sprintf("store %s: %v", e.Op, e.Err)
}

func (e *StoreError) Unwrap() error { return e.Err }
