package model

import "time"

// AuditAction は監査ログのアクション種別。
type AuditAction string

const (
	AuditLoginSuccess            AuditAction = "login-success"
	AuditLoginRejectedDomain     AuditAction = "login-rejected-domain"
	AuditLoginRejectedLocked     AuditAction = "login-rejected-locked"
	AuditLoginRejectedUnverified AuditAction = "login-rejected-unverified"
	AuditProviderFailure         AuditAction = "provider-failure"
	AuditAdminGrantChange        AuditAction = "admin-grant-change"
	AuditLogout                  AuditAction = "logout"
	AuditAccountUnlocked         AuditAction = "account-unlocked"
)

// AuditEntry は追記専用の監査ログエントリ。書き込み後は変更・削除されない。
// IDは書き込み順に単調増加し、全順序を定める。
type AuditEntry struct {
	ID int64
	// ActorID は操作主体のアカウントID。認証前のイベントでは空文字列。
	ActorID   string
	Action    AuditAction
	Detail    string
	CreatedAt time.Time
}
