package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Call results used as the "result" label on api_calls_total.
const (
	ResultOK             = "ok"
	ResultProviderError  = "provider_error"
	ResultThrottled      = "throttled"
	ResultTransportError = "transport_error"
)

// Send results used as the "result" label on sends_total.
const (
	SendDelivered = "sent"
	SendSkipped   = "skipped"
	SendSimulated = "simulated"
)

// Run results used as the "result" label on broadcast_runs_total.
const (
	RunOK     = "ok"
	RunFailed = "failed"
)

// QueueStats is the narrow slice of dispatch-queue state exported as gauges.
type QueueStats struct {
	Pending    int
	InFlight   int
	WindowUsed int
}

// Collector owns a private registry; nothing registers globally so tests and
// multiple instances never collide.
type Collector struct {
	reg *prometheus.Registry

	apiCalls        *prometheus.CounterVec
	apiDuration     *prometheus.HistogramVec
	throttleRetries prometheus.Counter
	sends           *prometheus.CounterVec
	runs            *prometheus.CounterVec
	updatesIn       prometheus.Counter
	updatesDropped  prometheus.Counter
}

func New() *Collector {
	c := &Collector{
		reg: prometheus.NewRegistry(),
		apiCalls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "vksender_api_calls_total",
			Help: "Outbound VK API calls by method and result.",
		}, []string{"method", "result"}),
		apiDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "vksender_api_call_duration_seconds",
			Help:    "VK API call latency.",
			Buckets: prometheus.DefBuckets,
		}, []string{"method"}),
		throttleRetries: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "vksender_throttle_retries_total",
			Help: "Send retries issued after a throttle hint.",
		}),
		sends: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "vksender_sends_total",
			Help: "Per-recipient send outcomes.",
		}, []string{"result"}),
		runs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "vksender_broadcast_runs_total",
			Help: "Broadcast runs by terminal state.",
		}, []string{"result"}),
		updatesIn: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "vksender_longpoll_updates_total",
			Help: "Long-poll updates received.",
		}),
		updatesDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "vksender_longpoll_updates_dropped_total",
			Help: "Long-poll updates dropped because the intake channel was full.",
		}),
	}

	c.reg.MustRegister(
		c.apiCalls,
		c.apiDuration,
		c.throttleRetries,
		c.sends,
		c.runs,
		c.updatesIn,
		c.updatesDropped,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return c
}

// RegisterQueue exports live dispatch-queue state via gauge funcs.
func (c *Collector) RegisterQueue(stats func() QueueStats) {
	if stats == nil {
		return
	}
	c.reg.MustRegister(
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Name: "vksender_queue_pending",
			Help: "Tasks admitted but not yet started.",
		}, func() float64 { return float64(stats().Pending) }),
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Name: "vksender_queue_in_flight",
			Help: "Tasks currently executing.",
		}, func() float64 { return float64(stats().InFlight) }),
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Name: "vksender_queue_window_used",
			Help: "Starts consumed in the current rate window.",
		}, func() float64 { return float64(stats().WindowUsed) }),
	)
}

// Handler serves the collector's registry in Prometheus text format.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.reg, promhttp.HandlerOpts{})
}

func (c *Collector) ObserveCall(method, result string, d time.Duration) {
	c.apiCalls.WithLabelValues(method, result).Inc()
	c.apiDuration.WithLabelValues(method).Observe(d.Seconds())
}

func (c *Collector) ThrottleRetry() { c.throttleRetries.Inc() }

func (c *Collector) Send(result string) { c.sends.WithLabelValues(result).Inc() }

func (c *Collector) RunFinished(result string) { c.runs.WithLabelValues(result).Inc() }

func (c *Collector) UpdateReceived() { c.updatesIn.Inc() }
func (c *Collector) UpdateDropped() { c.updatesDropped.Inc() }
