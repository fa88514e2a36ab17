// Package metrics はPrometheusメトリクスの収集と公開を提供する。
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// MetricsCollector はメトリクス収集のインターフェース。
// ゲートウェイ、承認フロー、WebSocketトランスポートから利用する。
type MetricsCollector interface {
	RecordRegistration()
	RecordApproval(outcome string)
	RecordNotifyFailure()
	RecordMessageAccepted(channelID string)
	RecordSendRejected(code string)
	RecordAppendLatency(duration time.Duration)
	RecordConnectionOpened()
	RecordConnectionClosed()
	SetOnlineCount(n int)
}

// Collector はPrometheusメトリクスを収集する実装。
type Collector struct {
	registrations    prometheus.Counter
	approvals        *prometheus.CounterVec
	notifyFail       prometheus.Counter
	messagesAccepted *prometheus.CounterVec
	sendRejected     *prometheus.CounterVec
	appendLatency    prometheus.Histogram
	connections      prometheus.Gauge
	connectionsTotal prometheus.Counter
	online           prometheus.Gauge
}

// NewCollector は新しいCollectorを生成し、指定されたレジストリにメトリクスを登録する。
func NewCollector(reg prometheus.Registerer) *Collector {
	c := &Collector{
		registrations: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "garage_band_registrations_total",
			Help: "バンド登録の合計数",
		}),
		approvals: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "garage_band_approvals_total",
			Help: "承認リンク処理の結果別件数",
		}, []string{"outcome"}),
		notifyFail: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "garage_notify_fail_total",
			Help: "管理者通知の送信失敗数",
		}),
		messagesAccepted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "garage_messages_accepted_total",
			Help: "チャンネル別の受理メッセージ数",
		}, []string{"channel"}),
		sendRejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "garage_send_rejected_total",
			Help: "エラーコード別の送信拒否数",
		}, []string{"code"}),
		appendLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "garage_append_latency_seconds",
			Help:    "メッセージ追記のレイテンシ（秒）",
			Buckets: prometheus.DefBuckets,
		}),
		connections: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "garage_ws_connections",
			Help: "接続中のWebSocket数",
		}),
		connectionsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "garage_ws_connections_total",
			Help: "WebSocket接続の累計数",
		}),
		online: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "garage_online_participants",
			Help: "認証済みのオンライン参加者数",
		}),
	}

	reg.MustRegister(
		c.registrations,
		c.approvals,
		c.notifyFail,
		c.messagesAccepted,
		c.sendRejected,
		c.appendLatency,
		c.connections,
		c.connectionsTotal,
		c.online,
	)

	return c
}

// RecordRegistration はバンド登録を記録する。
func (c *Collector) RecordRegistration() {
	c.registrations.Inc()
}

// RecordApproval は承認リンクの処理結果を記録する。
func (c *Collector) RecordApproval(outcome string) {
	c.approvals.WithLabelValues(outcome).Inc()
}

// RecordNotifyFailure は管理者通知の失敗を記録する。
func (c *Collector) RecordNotifyFailure() {
	c.notifyFail.Inc()
}

// RecordMessageAccepted は受理されたメッセージを記録する。
func (c *Collector) RecordMessageAccepted(channelID string) {
	c.messagesAccepted.WithLabelValues(channelID).Inc()
}

// RecordSendRejected は送信拒否をエラーコード別に記録する。
func (c *Collector) RecordSendRejected(code string) {
	c.sendRejected.WithLabelValues(code).Inc()
}

// RecordAppendLatency は追記のレイテンシを記録する。
func (c *Collector) RecordAppendLatency(duration time.Duration) {
	c.appendLatency.Observe(duration.Seconds())
}

// RecordConnectionOpened はWebSocket接続の開始を記録する。
func (c *Collector) RecordConnectionOpened() {
	c.connections.Inc()
	c.connectionsTotal.Inc()
}

// RecordConnectionClosed はWebSocket接続の終了を記録する。
func (c *Collector) RecordConnectionClosed() {
	c.connections.Dec()
}

// SetOnlineCount はオンライン参加者数を設定する。
func (c *Collector) SetOnlineCount(n int) {
	c.online.Set(float64(n))
}

// Nop は何も記録しないMetricsCollector。テストと未設定時に使う。
type Nop struct{}

func (Nop) RecordRegistration()               {}
func (Nop) RecordApproval(string)             {}
func (Nop) RecordNotifyFailure()              {}
func (Nop) RecordMessageAccepted(string)      {}
func (Nop) RecordSendRejected(string)         {}
func (Nop) RecordAppendLatency(time.Duration) {}
func (Nop) RecordConnectionOpened()           {}
func (Nop) RecordConnectionClosed()           {}
func (Nop) SetOnlineCount(int)                {}

var (
	_ MetricsCollector = (*Collector)(nil)
	_ MetricsCollector = Nop{}
)

// Handler はPrometheusスクレイプ用のHTTPハンドラーを返す。
func Handler(gatherer prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})
}
