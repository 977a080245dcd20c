// Package lockout はアカウント単位の認証失敗回数と一時ロックを管理する。
// Account.FailedAttempts と Account.LockExpiresAt を変更してよいのはこのパッケージのみ。
package lockout

import (
	"time"

	"github.com/hitoshi/toolshelf/internal/model"
)

const (
	// DefaultThreshold はロックに至る連続失敗回数。
	DefaultThreshold = 5
	// DefaultDuration はロックの継続時間。
	DefaultDuration = 15 * time.Minute
)

// Policy はロックアウトの閾値と期間を保持する。状態は持たない。
type Policy struct {
	Threshold int
	Duration  time.Duration
}

// DefaultPolicy は5回失敗で15分ロックするPolicyを返す。
func DefaultPolicy() Policy {
	return Policy{Threshold: DefaultThreshold, Duration: DefaultDuration}
}

// IsLocked はnow時点でアカウントがロック中かどうかを返す。
// 期限切れのLockExpiresAtは残っていてもロック扱いしない（遅延失効）。
func (p Policy) IsLocked(a *model.Account, now time.Time) bool {
	return a.LockExpiresAt != nil && a.LockExpiresAt.After(now)
}

// RecordFailure は失敗回数を1増やし、閾値に達していればnow+Durationまでロックする。
// 今回の呼び出しでロックを設定した場合にtrueを返す。
func (p Policy) RecordFailure(a *model.Account, now time.Time) bool {
	a.FailedAttempts++
	if a.FailedAttempts < p.Threshold {
		return false
	}
	until := now.Add(p.Duration)
	a.LockExpiresAt = &until
	return true
}

// RecordSuccess は失敗回数とロック期限を無条件にリセットする。
func (p Policy) RecordSuccess(a *model.Account) {
	a.FailedAttempts = 0
	a.LockExpiresAt = nil
}

// RetryAfter はロック解除までの残り時間を返す。ロック中でなければ0。
func (p Policy) RetryAfter(a *model.Account, now time.Time) time.Duration {
	if !p.IsLocked(a, now) {
		return 0
	}
	return a.LockExpiresAt.Sub(now)
}
