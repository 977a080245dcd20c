package middleware

import (
	"context"
	"log/slog"
	"math"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/hitoshi/toolshelf/internal/metrics"
	"github.com/hitoshi/toolshelf/internal/model"
)

const (
	// DefaultLoginRateLimit はウィンドウあたりのハンドシェイク試行回数の上限。
	DefaultLoginRateLimit = 10
	// DefaultLoginRateWindow はレート制限のウィンドウ。
	DefaultLoginRateWindow = time.Minute
)

// Limiter は呼び出し元キーごとの試行回数を制限する。
// 拒否した場合は再試行までの待ち時間を返す。
type Limiter interface {
	Allow(ctx context.Context, key string) (bool, time.Duration)
}

// visitor は呼び出し元ごとのトークンバケットと最終アクセス時刻を保持する。
type visitor struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// MemoryLimiter はプロセス内のトークンバケットによるLimiter。
// バックグラウンドのゴルーチンは持たず、Allowの呼び出し時に古いエントリを掃除する。
type MemoryLimiter struct {
	every  rate.Limit
	burst  int
	window time.Duration

	mu        sync.Mutex
	visitors  map[string]*visitor
	lastSweep time.Time
	now       func() time.Time
}

// NewMemoryLimiter はwindowあたりlimit回まで許可するMemoryLimiterを生成する。
func NewMemoryLimiter(limit int, window time.Duration) *MemoryLimiter {
	if limit <= 0 {
		limit = DefaultLoginRateLimit
	}
	if window <= 0 {
		window = DefaultLoginRateWindow
	}
	return &MemoryLimiter{
		every:    rate.Every(window / time.Duration(limit)),
		burst:    limit,
		window:   window,
		visitors: make(map[string]*visitor),
		now:      time.Now,
	}
}

// Allow はkeyの試行を1回消費する。
func (l *MemoryLimiter) Allow(_ context.Context, key string) (bool, time.Duration) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	l.sweep(now)

	v, ok := l.visitors[key]
	if !ok {
		v = &visitor{limiter: rate.NewLimiter(l.every, l.burst)}
		l.visitors[key] = v
	}
	v.lastSeen = now

	if v.limiter.AllowN(now, 1) {
		return true, 0
	}

	r := v.limiter.ReserveN(now, 1)
	delay := r.DelayFrom(now)
	r.CancelAt(now)
	return false, delay
}

// Len は現在保持している呼び出し元の数を返す。テスト用。
func (l *MemoryLimiter) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.visitors)
}

// sweep はウィンドウ以上アクセスの無いエントリを削除する。
// その間にバケットは満杯まで回復しているため、削除しても判定は変わらない。
func (l *MemoryLimiter) sweep(now time.Time) {
	if now.Sub(l.lastSweep) < l.window {
		return
	}
	for key, v := range l.visitors {
		if now.Sub(v.lastSeen) >= l.window {
			delete(l.visitors, key)
		}
	}
	l.lastSweep = now
}

var _ Limiter = (*MemoryLimiter)(nil)

// NewRateLimitMiddleware は呼び出し元IPごとにlimiterで試行回数を制限するミドルウェアを返す。
// 上限はrouteごとに独立して数え、routeはメトリクスとログのラベルにも使う。
func NewRateLimitMiddleware(limiter Limiter, route string, collector metrics.MetricsCollector) func(next http.Handler) http.Handler {
	if collector == nil {
		collector = metrics.Nop{}
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ip := clientIP(r)
			allowed, retryAfter := limiter.Allow(r.Context(), route+":"+ip)
			if !allowed {
				collector.RecordRateLimited(route)
				slog.Warn("rate limit exceeded",
					slog.String("client_ip", ip),
					slog.String("route", route),
				)
				writeRateLimitResponse(w, retryAfter)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// clientIP はRemoteAddrからポートを除いたIPを返す。
// プロキシ配下ではNewClientIPMiddlewareの後に配置する。
func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// SetRetryAfter はRetry-Afterヘッダーに再試行までの秒数（切り上げ、最低1秒）を設定する。
func SetRetryAfter(w http.ResponseWriter, retryAfter time.Duration) {
	retryAfterSec := int(math.Ceil(retryAfter.Seconds()))
	if retryAfterSec < 1 {
		retryAfterSec = 1
	}
	w.Header().Set("Retry-After", strconv.Itoa(retryAfterSec))
}

// writeRateLimitResponse は429 Too Many Requestsレスポンスを書き込む。
func writeRateLimitResponse(w http.ResponseWriter, retryAfter time.Duration) {
	SetRetryAfter(w, retryAfter)
	WriteErrorResponse(w, http.StatusTooManyRequests, model.NewRateLimitedError())
}
