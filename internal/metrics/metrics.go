// Package metrics はPrometheusメトリクスの収集と公開を提供する。
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Recorder はメトリクス収集のインターフェース。
// 実行器・トークン管理・OTP制御の各層から利用する。
type Recorder interface {
	RecordRequest(path string, outcome string)
	RecordRetry(path string)
	RecordHTTPStatus(statusCode int)
	RecordRequestLatency(duration time.Duration)
	RecordTokenRefresh(outcome string)
	RecordRefreshCoalesced()
	RecordOTPDispatch(channel string)
	RecordOTPVerifyFailure()
}

// Collector はPrometheusメトリクスを収集する実装。
type Collector struct {
	requests       *prometheus.CounterVec
	retries        *prometheus.CounterVec
	httpStatus     *prometheus.CounterVec
	requestLatency prometheus.Histogram
	tokenRefresh   *prometheus.CounterVec
	coalesced      prometheus.Counter
	otpDispatch    *prometheus.CounterVec
	otpVerifyFail  prometheus.Counter
}

// NewCollector は新しいCollectorを生成し、指定されたレジストリにメトリクスを登録する。
func NewCollector(reg prometheus.Registerer) *Collector {
	c := &Collector{
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "coinauth_requests_total",
			Help: "認証APIリクエストの合計数（パス・結果別）",
		}, []string{"path", "outcome"}),
		retries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "coinauth_request_retries_total",
			Help: "リトライされたリクエストの合計数（パス別）",
		}, []string{"path"}),
		httpStatus: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "coinauth_http_status_total",
			Help: "HTTPステータスコード別のレスポンス数",
		}, []string{"status_code"}),
		requestLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "coinauth_request_latency_seconds",
			Help:    "認証APIリクエストのレイテンシ（秒）",
			Buckets: prometheus.DefBuckets,
		}),
		tokenRefresh: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "coinauth_token_refresh_total",
			Help: "トークンリフレッシュの合計数（結果別）",
		}, []string{"outcome"}),
		coalesced: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "coinauth_token_refresh_coalesced_total",
			Help: "進行中のリフレッシュに合流した呼び出しの合計数",
		}),
		otpDispatch: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "coinauth_otp_dispatch_total",
			Help: "OTP送信要求の合計数（チャネル別）",
		}, []string{"channel"}),
		otpVerifyFail: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "coinauth_otp_verify_fail_total",
			Help: "OTP検証失敗の合計数",
		}),
	}

	reg.MustRegister(
		c.requests,
		c.retries,
		c.httpStatus,
		c.requestLatency,
		c.tokenRefresh,
		c.coalesced,
		c.otpDispatch,
		c.otpVerifyFail,
	)

	return c
}

// RecordRequest はリクエストの完了を記録する。outcomeはsuccess/failure。
func (c *Collector) RecordRequest(path string, outcome string) {
	c.requests.WithLabelValues(path, outcome).Inc()
}

// RecordRetry はリトライの発生を記録する。
func (c *Collector) RecordRetry(path string) {
	c.retries.WithLabelValues(path).Inc()
}

// RecordHTTPStatus はHTTPステータスコードを記録する。
func (c *Collector) RecordHTTPStatus(statusCode int) {
	c.httpStatus.WithLabelValues(strconv.Itoa(statusCode)).Inc()
}

// RecordRequestLatency はリクエストのレイテンシを記録する。
func (c *Collector) RecordRequestLatency(duration time.Duration) {
	c.requestLatency.Observe(duration.Seconds())
}

// RecordTokenRefresh はトークンリフレッシュの結果を記録する。outcomeはsuccess/failure。
func (c *Collector) RecordTokenRefresh(outcome string) {
	c.tokenRefresh.WithLabelValues(outcome).Inc()
}

// RecordRefreshCoalesced は進行中のリフレッシュへの合流を記録する。
func (c *Collector) RecordRefreshCoalesced() {
	c.coalesced.Inc()
}

// RecordOTPDispatch はOTP送信要求を記録する。
func (c *Collector) RecordOTPDispatch(channel string) {
	c.otpDispatch.WithLabelValues(channel).Inc()
}

// RecordOTPVerifyFailure はOTP検証失敗を記録する。
func (c *Collector) RecordOTPVerifyFailure() {
	c.otpVerifyFail.Inc()
}

// Nop は何も記録しないRecorder。テストおよびメトリクス無効時に使う。
type Nop struct{}

func (Nop) RecordRequest(string, string)        {}
func (Nop) RecordRetry(string)                  {}
func (Nop) RecordHTTPStatus(int)                {}
func (Nop) RecordRequestLatency(time.Duration)  {}
func (Nop) RecordTokenRefresh(string)           {}
func (Nop) RecordRefreshCoalesced()             {}
func (Nop) RecordOTPDispatch(string)            {}
func (Nop) RecordOTPVerifyFailure()             {}

// Handler はPrometheusスクレイプ用のHTTPハンドラーを返す。
func Handler(gatherer prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})
}
