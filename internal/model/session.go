package model

import "time"

// Session はブラウザに発行したログインセッションのサーバー側レコード。
// サーバーは生のトークンを保持せず、SHA-256ハッシュ（検証子）のみを保存する。
type Session struct {
	ID        string
	TokenHash string
	AccountID string
	ExpiresAt time.Time
	CreatedAt time.Time
}
