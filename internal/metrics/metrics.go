package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

type Metrics struct {
	TurnsTotal          prometheus.Counter
	StreamTokensTotal   prometheus.Counter
	ProviderErrorsTotal prometheus.Counter
	HTTPRequestsTotal   prometheus.Counter
	ActiveStreams       prometheus.Gauge
}

var (
	once   sync.Once
	global *Metrics
)

func Global() *Metrics {
	once.Do(func() {
		global = &Metrics{
			TurnsTotal: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: "unichat",
				Name:      "chat_turns_total",
				Help:      "Total completed chat turns",
			}),
			StreamTokensTotal: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: "unichat",
				Name:      "stream_tokens_total",
				Help:      "Total streamed tokens relayed to clients",
			}),
			ProviderErrorsTotal: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: "unichat",
				Name:      "provider_errors_total",
				Help:      "Total model provider failures",
			}),
			HTTPRequestsTotal: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: "unichat",
				Name:      "http_requests_total",
				Help:      "Total HTTP requests served",
			}),
			ActiveStreams: prometheus.NewGauge(prometheus.GaugeOpts{
				Namespace: "unichat",
				Name:      "active_streams",
				Help:      "Open streaming chat connections",
			}),
		}
		prometheus.MustRegister(
			global.TurnsTotal,
			global.StreamTokensTotal,
			global.ProviderErrorsTotal,
			global.HTTPRequestsTotal,
			global.ActiveStreams,
		)
	})
	return global
}
