package monitoring

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "mailforge"

// Metrics 监控指标
//
// 所有 Record 方法对 nil 接收者安全，核心组件可以不注入指标。
type Metrics struct {
	registry prometheus.Gatherer

	// HTTP 请求指标
	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec

	// 地址生成指标
	IdentitiesGenerated  *prometheus.CounterVec
	GenerationCollisions *prometheus.CounterVec
	GenerationExhausted  *prometheus.CounterVec

	// 验证码轮询指标
	PollAttempts *prometheus.CounterVec
	PollResults  *prometheus.CounterVec
	PollDuration *prometheus.HistogramVec

	// 批量任务指标
	BatchUnits    *prometheus.CounterVec
	BatchesActive prometheus.Gauge

	// SMTP 收件指标
	SinkMessagesReceived prometheus.Counter
	SinkMessagesRejected prometheus.Counter

	// 错误指标
	PanicsTotal prometheus.Counter
}

// NewMetrics 在给定注册表上创建监控指标，reg 为空时使用默认注册表
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	gatherer := prometheus.DefaultGatherer
	if g, ok := reg.(prometheus.Gatherer); ok {
		gatherer = g
	}
	factory := promauto.With(reg)

	return &Metrics{
		registry: gatherer,

		HTTPRequestsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "http_requests_total",
				Help:      "Total number of HTTP requests",
			},
			[]string{"method", "endpoint", "status_code"},
		),

		HTTPRequestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "http_request_duration_seconds",
				Help:      "HTTP request duration in seconds",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"method", "endpoint"},
		),

		IdentitiesGenerated: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "identities_generated_total",
				Help:      "Addresses successfully reserved, by strategy",
			},
			[]string{"strategy"},
		),

		GenerationCollisions: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "generation_collisions_total",
				Help:      "Candidate addresses rejected because they were already taken",
			},
			[]string{"strategy"},
		),

		GenerationExhausted: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "generation_exhausted_total",
				Help:      "Proposals that ran out of attempts",
			},
			[]string{"strategy"},
		),

		PollAttempts: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "poll_attempts_total",
				Help:      "Verification fetch attempts by backend and outcome",
			},
			[]string{"backend", "outcome"},
		),

		PollResults: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "poll_results_total",
				Help:      "Terminal verification states by backend",
			},
			[]string{"backend", "state"},
		),

		PollDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "poll_duration_seconds",
				Help:      "Time from poll start to terminal state",
				Buckets:   []float64{1, 3, 5, 10, 20, 30, 60, 120, 300},
			},
			[]string{"backend"},
		),

		BatchUnits: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "batch_units_total",
				Help:      "Batch units by result",
			},
			[]string{"result"},
		),

		BatchesActive: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "batches_active",
				Help:      "Number of running batch jobs",
			},
		),

		SinkMessagesReceived: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "sink_messages_received_total",
				Help:      "Messages accepted by the SMTP sink",
			},
		),

		SinkMessagesRejected: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "sink_messages_rejected_total",
				Help:      "Recipients rejected by the SMTP sink",
			},
		),

		PanicsTotal: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "panics_total",
				Help:      "Recovered panics",
			},
		),
	}
}

// RecordHTTPRequest 记录 HTTP 请求
func (m *Metrics) RecordHTTPRequest(method, endpoint, statusCode string, duration time.Duration) {
	if m == nil {
		return
	}
	m.HTTPRequestsTotal.WithLabelValues(method, endpoint, statusCode).Inc()
	m.HTTPRequestDuration.WithLabelValues(method, endpoint).Observe(duration.Seconds())
}

// RecordGenerated 记录成功预留的地址
func (m *Metrics) RecordGenerated(strategy string) {
	if m == nil {
		return
	}
	m.IdentitiesGenerated.WithLabelValues(strategy).Inc()
}

// RecordCollision 记录地址冲突
func (m *Metrics) RecordCollision(strategy string) {
	if m == nil {
		return
	}
	m.GenerationCollisions.WithLabelValues(strategy).Inc()
}

// RecordExhausted 记录重试耗尽
func (m *Metrics) RecordExhausted(strategy string) {
	if m == nil {
		return
	}
	m.GenerationExhausted.WithLabelValues(strategy).Inc()
}

// RecordPollAttempt 记录一次拉取
func (m *Metrics) RecordPollAttempt(backend, outcome string) {
	if m == nil {
		return
	}
	m.PollAttempts.WithLabelValues(backend, outcome).Inc()
}

// RecordPollResult 记录轮询终态与耗时
func (m *Metrics) RecordPollResult(backend, state string, duration time.Duration) {
	if m == nil {
		return
	}
	m.PollResults.WithLabelValues(backend, state).Inc()
	m.PollDuration.WithLabelValues(backend).Observe(duration.Seconds())
}

// RecordBatchUnit 记录批量单元结果（completed / failed）
func (m *Metrics) RecordBatchUnit(result string) {
	if m == nil {
		return
	}
	m.BatchUnits.WithLabelValues(result).Inc()
}

// BatchStarted 活跃批次 +1
func (m *Metrics) BatchStarted() {
	if m == nil {
		return
	}
	m.BatchesActive.Inc()
}

// BatchFinished 活跃批次 -1
func (m *Metrics) BatchFinished() {
	if m == nil {
		return
	}
	m.BatchesActive.Dec()
}

// RecordSinkMessage 记录 SMTP 收件结果
func (m *Metrics) RecordSinkMessage(accepted bool) {
	if m == nil {
		return
	}
	if accepted {
		m.SinkMessagesReceived.Inc()
		return
	}
	m.SinkMessagesRejected.Inc()
}

// RecordPanic 记录 panic
func (m *Metrics) RecordPanic() {
	if m == nil {
		return
	}
	m.PanicsTotal.Inc()
}

// HTTPHandler 返回 Prometheus HTTP 处理器
func (m *Metrics) HTTPHandler() http.Handler {
	if m == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
