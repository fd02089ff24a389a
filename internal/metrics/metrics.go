// Package metrics はPrometheusメトリクスの収集と公開を提供する。
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// 解錠の種別ラベル
const (
	UnlockFirst  = "first"
	UnlockReview = "review"
)

// MetricsCollector はメトリクス収集のインターフェース。
// サービス層やミドルウェアから利用する。
type MetricsCollector interface {
	RecordSessionStarted()
	RecordSubmission()
	RecordValidationFailure()
	RecordMatchLatency(duration time.Duration)
	RecordMatchFallback()
	RecordSkippedCareers(count int)
	RecordRecommendationFailure()
	RecordUnlock(kind string)
	RecordGrantRejection(reason string)
	RecordGrantIssued(grantType string)
	RecordNotificationFailure(kind string)
	RecordHTTPStatus(statusCode int)
}

// Collector はPrometheusメトリクスを収集する実装。
type Collector struct {
	sessionsStarted        prometheus.Counter
	submissions            prometheus.Counter
	validationFailures     prometheus.Counter
	matchLatency           prometheus.Histogram
	matchFallbacks         prometheus.Counter
	skippedCareers         prometheus.Counter
	recommendationFailures prometheus.Counter
	unlocks                *prometheus.CounterVec
	grantRejections        *prometheus.CounterVec
	grantsIssued           *prometheus.CounterVec
	notificationFailures   *prometheus.CounterVec
	httpStatus             *prometheus.CounterVec
}

// NewCollector は新しいCollectorを生成し、指定されたレジストリにメトリクスを登録する。
func NewCollector(reg prometheus.Registerer) *Collector {
	c := &Collector{
		sessionsStarted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "careerlens_sessions_started_total",
			Help: "開始されたテストセッションの合計数",
		}),
		submissions: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "careerlens_submissions_total",
			Help: "保存された受検結果の合計数",
		}),
		validationFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "careerlens_validation_failures_total",
			Help: "回答検証エラーの合計数",
		}),
		matchLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "careerlens_match_latency_seconds",
			Help:    "キャリア照合の処理時間（秒）",
			Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1},
		}),
		matchFallbacks: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "careerlens_match_fallbacks_total",
			Help: "絞り込み条件を外して再照合した回数",
		}),
		skippedCareers: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "careerlens_skipped_careers_total",
			Help: "不正なプロファイルによりスキップしたキャリアの合計数",
		}),
		recommendationFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "careerlens_recommendation_failures_total",
			Help: "コース推奨の生成失敗の合計数",
		}),
		unlocks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "careerlens_unlocks_total",
			Help: "結果閲覧の合計数（初回解錠/再閲覧別）",
		}, []string{"kind"}),
		grantRejections: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "careerlens_grant_rejections_total",
			Help: "無効なアクセストークンの理由別件数",
		}, []string{"reason"}),
		grantsIssued: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "careerlens_grants_issued_total",
			Help: "発行されたアクセストークンの種別別件数",
		}, []string{"type"}),
		notificationFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "careerlens_notification_failures_total",
			Help: "メール通知の送信失敗件数",
		}, []string{"kind"}),
		httpStatus: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "careerlens_http_status_total",
			Help: "HTTPステータスコード別のレスポンス数",
		}, []string{"status_code"}),
	}

	reg.MustRegister(
		c.sessionsStarted,
		c.submissions,
		c.validationFailures,
		c.matchLatency,
		c.matchFallbacks,
		c.skippedCareers,
		c.recommendationFailures,
		c.unlocks,
		c.grantRejections,
		c.grantsIssued,
		c.notificationFailures,
		c.httpStatus,
	)

	return c
}

// RecordSessionStarted はセッション開始を記録する。
func (c *Collector) RecordSessionStarted() {
	c.sessionsStarted.Inc()
}

// RecordSubmission は結果保存を記録する。
func (c *Collector) RecordSubmission() {
	c.submissions.Inc()
}

// RecordValidationFailure は回答検証エラーを記録する。
func (c *Collector) RecordValidationFailure() {
	c.validationFailures.Inc()
}

// RecordMatchLatency はキャリア照合の処理時間を記録する。
func (c *Collector) RecordMatchLatency(duration time.Duration) {
	c.matchLatency.Observe(duration.Seconds())
}

// RecordMatchFallback はフォールバック照合を記録する。
func (c *Collector) RecordMatchFallback() {
	c.matchFallbacks.Inc()
}

// RecordSkippedCareers はスキップしたキャリア数を記録する。
func (c *Collector) RecordSkippedCareers(count int) {
	c.skippedCareers.Add(float64(count))
}

// RecordRecommendationFailure はコース推奨の生成失敗を記録する。
func (c *Collector) RecordRecommendationFailure() {
	c.recommendationFailures.Inc()
}

// RecordUnlock は結果閲覧を記録する。kindはUnlockFirstまたはUnlockReview。
func (c *Collector) RecordUnlock(kind string) {
	c.unlocks.WithLabelValues(kind).Inc()
}

// RecordGrantRejection は無効なアクセストークンを理由別に記録する。
func (c *Collector) RecordGrantRejection(reason string) {
	c.grantRejections.WithLabelValues(reason).Inc()
}

// RecordGrantIssued はアクセストークンの発行を記録する。
func (c *Collector) RecordGrantIssued(grantType string) {
	c.grantsIssued.WithLabelValues(grantType).Inc()
}

// RecordNotificationFailure はメール送信失敗を記録する。
func (c *Collector) RecordNotificationFailure(kind string) {
	c.notificationFailures.WithLabelValues(kind).Inc()
}

// RecordHTTPStatus はHTTPステータスコードを記録する。
func (c *Collector) RecordHTTPStatus(statusCode int) {
	c.httpStatus.WithLabelValues(strconv.Itoa(statusCode)).Inc()
}

// Handler はPrometheusスクレイプ用のHTTPハンドラーを返す。
func Handler(gatherer prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})
}

// Nop は何も記録しないMetricsCollector。メトリクスを使わない構成やテストで利用する。
type Nop struct{}

func (Nop) RecordSessionStarted() {}
func (Nop) RecordSubmission() {}
func (Nop) RecordValidationFailure() {}
func (Nop) RecordMatchLatency(time.Duration) {}
func (Nop) RecordMatchFallback() {}
func (Nop) RecordSkippedCareers(int) {}
func (Nop) RecordRecommendationFailure() {}
func (Nop) RecordUnlock(string) {}
func (Nop) RecordGrantRejection(string) {}
func (Nop) RecordGrantIssued(string) {}
func (Nop) RecordNotificationFailure(string) {}
func (Nop) RecordHTTPStatus(int) {}

var (
	_ MetricsCollector = (*Collector)(nil)
	_ MetricsCollector = Nop{}
)
