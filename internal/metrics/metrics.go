// Package metrics はPrometheusメトリクスの収集と公開を提供する。
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// MetricsCollector はメトリクス収集のインターフェース。
// ログイン処理、ミドルウェア、監査ログから利用する。
type MetricsCollector interface {
	RecordLogin(provider, outcome string)
	RecordHandshakeDuration(provider string, duration time.Duration)
	RecordRateLimited(route string)
	RecordAuditPublishFailure()
	RecordHTTPStatus(statusCode int)
}

// Collector はPrometheusメトリクスを収集する実装。
type Collector struct {
	loginTotal           *prometheus.CounterVec
	handshakeDuration    *prometheus.HistogramVec
	rateLimited          *prometheus.CounterVec
	auditPublishFailures prometheus.Counter
	httpStatus           *prometheus.CounterVec
}

// NewCollector は新しいCollectorを生成し、指定されたレジストリにメトリクスを登録する。
func NewCollector(reg prometheus.Registerer) *Collector {
	c := &Collector{
		loginTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "toolshelf_login_total",
			Help: "プロバイダー・結果別のログイン試行数",
		}, []string{"provider", "outcome"}),
		handshakeDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "toolshelf_handshake_duration_seconds",
			Help:    "IdPとのコード交換とトークン検証にかかった時間（秒）",
			Buckets: prometheus.DefBuckets,
		}, []string{"provider"}),
		rateLimited: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "toolshelf_rate_limited_total",
			Help: "レート制限で拒否されたリクエスト数",
		}, []string{"route"}),
		auditPublishFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "toolshelf_audit_publish_failures_total",
			Help: "監査ログの外部配信に失敗した回数",
		}),
		httpStatus: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "toolshelf_http_status_total",
			Help: "HTTPステータスコード別のレスポンス数",
		}, []string{"status_code"}),
	}

	reg.MustRegister(
		c.loginTotal,
		c.handshakeDuration,
		c.rateLimited,
		c.auditPublishFailures,
		c.httpStatus,
	)

	return c
}

// RecordLogin はログイン試行の結果を記録する。
func (c *Collector) RecordLogin(provider, outcome string) {
	c.loginTotal.WithLabelValues(provider, outcome).Inc()
}

// RecordHandshakeDuration はコールバック処理のうちIdPとの通信時間を記録する。
func (c *Collector) RecordHandshakeDuration(provider string, duration time.Duration) {
	c.handshakeDuration.WithLabelValues(provider).Observe(duration.Seconds())
}

// RecordRateLimited はレート制限による拒否を記録する。
func (c *Collector) RecordRateLimited(route string) {
	c.rateLimited.WithLabelValues(route).Inc()
}

// RecordAuditPublishFailure は監査ログの外部配信失敗を記録する。
func (c *Collector) RecordAuditPublishFailure() {
	c.auditPublishFailures.Inc()
}

// RecordHTTPStatus はHTTPステータスコードを記録する。
func (c *Collector) RecordHTTPStatus(statusCode int) {
	c.httpStatus.WithLabelValues(strconv.Itoa(statusCode)).Inc()
}

// Handler はPrometheusスクレイプ用のHTTPハンドラーを返す。
func Handler(gatherer prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})
}

// SetupMetricsRoute は/metricsエンドポイントを提供するHTTPハンドラーを返す。
func SetupMetricsRoute(gatherer prometheus.Gatherer) http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", Handler(gatherer))
	return mux
}

// Nop は何も記録しないMetricsCollector。メトリクスを使わないテストやツールで使う。
type Nop struct{}

func (Nop) RecordLogin(string, string)                    {}
func (Nop) RecordHandshakeDuration(string, time.Duration) {}
func (Nop) RecordRateLimited(string)                      {}
func (Nop) RecordAuditPublishFailure()                    {}
func (Nop) RecordHTTPStatus(int)                          {}

var (
	_ MetricsCollector = (*Collector)(nil)
	_ MetricsCollector = Nop{}
)
