package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/rickgao/signalfeed/internal/dispatch"
	"github.com/rickgao/signalfeed/internal/feed"
	"github.com/rickgao/signalfeed/internal/model"
)

const namespace = "signalfeed"

// Recorder owns a private Prometheus registry and the signalfeed metrics.
type Recorder struct {
	reg *prometheus.Registry

	connectionUp      prometheus.Gauge
	connects          prometheus.Counter
	disconnects       *prometheus.CounterVec
	reconnectAttempts prometheus.Counter
	reconnectDelay    prometheus.Histogram
	transportErrors   *prometheus.CounterVec
	parseErrors       prometheus.Counter
	events            *prometheus.CounterVec
	handlerFailures   *prometheus.CounterVec
	signals           *prometheus.CounterVec
	confidence        prometheus.Histogram
	httpRequests      *prometheus.CounterVec
	httpDuration      *prometheus.HistogramVec
}

// New creates a Recorder with Go runtime and process collectors registered.
func New() *Recorder {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	f := promauto.With(reg)

	return &Recorder{
		reg: reg,
		connectionUp: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "connection_up",
			Help:      "1 while the stream connection is open",
		}),
		connects: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "connects_total",
			Help:      "Successful stream connections",
		}),
		disconnects: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "disconnects_total",
			Help:      "Stream disconnections by cleanliness",
		}, []string{"clean"}),
		reconnectAttempts: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reconnect_attempts_total",
			Help:      "Scheduled reconnect attempts",
		}),
		reconnectDelay: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "reconnect_delay_seconds",
			Help:      "Back-off delay before each reconnect attempt",
			Buckets:   []float64{0.5, 1, 2, 4, 8, 16, 30, 60},
		}),
		transportErrors: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "transport_errors_total",
			Help:      "Transport errors, terminal when retries are exhausted",
		}, []string{"terminal"}),
		parseErrors: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "parse_errors_total",
			Help:      "Inbound frames that could not be decoded",
		}),
		events: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_total",
			Help:      "Events published by kind",
		}, []string{"kind"}),
		handlerFailures: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "handler_failures_total",
			Help:      "Event handler errors and panics by kind",
		}, []string{"kind"}),
		signals: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "signals_total",
			Help:      "Signals accepted into the feed by direction",
		}, []string{"direction"}),
		confidence: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "signal_confidence",
			Help:      "Confidence of accepted signals",
			Buckets:   prometheus.LinearBuckets(10, 10, 10),
		}),
		httpRequests: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "Status API requests",
		}, []string{"route", "method", "status"}),
		httpDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "Status API request duration in seconds",
			Buckets:   []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1},
		}, []string{"route", "method"}),
	}
}

// Registry returns the registry the metrics are registered with.
func (r *Recorder) Registry() *prometheus.Registry {
	return r.reg
}

// Handler serves the registry in the Prometheus exposition format.
func (r *Recorder) Handler() http.Handler {
	return promhttp.HandlerFor(r.reg, promhttp.HandlerOpts{Registry: r.reg})
}

// Bind subscribes the recorder to every event kind on d.
func (r *Recorder) Bind(d *dispatch.Dispatcher) ([]dispatch.Token, error) {
	tokens := make([]dispatch.Token, 0, len(dispatch.Kinds()))
	for _, kind := range dispatch.Kinds() {
		tok, err := d.Subscribe(kind, r.record)
		if err != nil {
			for _, t := range tokens {
				d.Unsubscribe(t)
			}
			return nil, err
		}
		tokens = append(tokens, tok)
	}
	d.OnFailure(func(kind dispatch.Kind, _ error) {
		r.handlerFailures.WithLabelValues(string(kind)).Inc()
	})
	return tokens, nil
}

// ObserveFeed exports the feed length and counts accepted signals.
// It may be called once per Recorder.
func (r *Recorder) ObserveFeed(f *feed.Feed) (cancel func()) {
	r.reg.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "feed_length",
		Help:      "Signals currently held in the feed",
	}, func() float64 { return float64(f.Len()) }))

	r.reg.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "feed_capacity",
		Help:      "Maximum signals held in the feed",
	}, func() float64 { return float64(f.Cap()) }))

	return f.Observe(r.signalAccepted)
}

// ObserveHTTP records one status API request.
func (r *Recorder) ObserveHTTP(route, method string, status int, elapsed time.Duration) {
	r.httpRequests.WithLabelValues(route, method, strconv.Itoa(status)).Inc()
	r.httpDuration.WithLabelValues(route, method).Observe(elapsed.Seconds())
}

func (r *Recorder) record(ev dispatch.Event) error {
	r.events.WithLabelValues(string(ev.Kind())).Inc()

	switch e := ev.(type) {
	case dispatch.Connected:
		r.connectionUp.Set(1)
		r.connects.Inc()
	case dispatch.Disconnected:
		r.connectionUp.Set(0)
		r.disconnects.WithLabelValues(strconv.FormatBool(e.Clean)).Inc()
	case dispatch.Reconnecting:
		r.reconnectAttempts.Inc()
		r.reconnectDelay.Observe(e.Delay.Seconds())
	case dispatch.Error:
		r.transportErrors.WithLabelValues(strconv.FormatBool(e.Terminal)).Inc()
	case dispatch.ParseError:
		r.parseErrors.Inc()
	}
	return nil
}

func (r *Recorder) signalAccepted(s model.Signal) {
	r.signals.WithLabelValues(string(s.Direction)).Inc()
	r.confidence.Observe(s.Confidence)
}
