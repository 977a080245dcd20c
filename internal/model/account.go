// Package model はドメインモデルを定義する。
package model

import "time"

// Provider はアカウントを最初に登録した外部IdPを表す。
type Provider string

const (
	// ProviderMicrosoft はMicrosoft Entra ID（OIDC）を表す。
	ProviderMicrosoft Provider = "microsoft"
	// ProviderGoogle はGoogle（OIDC）を表す。
	ProviderGoogle Provider = "google"
)

// KnownProviders はサポートするIdPの一覧。ログイン画面の表示順でもある。
var KnownProviders = []Provider{ProviderMicrosoft, ProviderGoogle}

// ParseProvider は文字列をProviderに変換する。未知の値の場合はfalseを返す。
func ParseProvider(s string) (Provider, bool) {
	for _, p := range KnownProviders {
		if string(p) == s {
			return p, true
		}
	}
	return "", false
}

// Account はディレクトリの利用者を表す。
// メールアドレス（小文字正規化済み）がIdPをまたいだ唯一の自然キーとなる。
type Account struct {
	ID    string
	Email string
	Name  string
	// Provider は初回登録時のIdP。以降のログインで上書きされない。
	Provider Provider
	// IsAdmin はログインのたびに設定から再計算される射影値。
	IsAdmin     bool
	LastLoginAt *time.Time

	// FailedAttempts と LockExpiresAt はlockoutパッケージのみが変更する。
	FailedAttempts int
	LockExpiresAt  *time.Time

	CreatedAt time.Time
	UpdatedAt time.Time
}
