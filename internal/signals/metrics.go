package signals

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Prometheus метрики сигналов окружения
var (
	// ConnectivityTransitionsTotal — переходы online/offline.
	ConnectivityTransitionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "rc_connectivity_transitions_total",
		Help: "Количество переходов состояния сети",
	}, []string{"state"})

	// ActivityEventsTotal — зафиксированные события активности пользователя.
	ActivityEventsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "rc_activity_events_total",
		Help: "Количество событий активности пользователя",
	})

	// probeDurationSeconds — длительность проверки доступности сети.
	probeDurationSeconds = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "rc_connectivity_probe_duration_seconds",
		Help:    "Длительность проверки доступности сети в секундах",
		Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 10},
	})
)
