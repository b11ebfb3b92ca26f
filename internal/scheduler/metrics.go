package scheduler

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Prometheus метрики планировщика
var (
	// armsTotal — вызовы Arm по результату (armed, blocked).
	armsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "rc_scheduler_arms_total",
		Help: "Количество попыток взвести планировщик",
	}, []string{"result"})

	// deferralsTotal — срабатывания, отложенные по причине.
	deferralsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "rc_scheduler_deferrals_total",
		Help: "Количество отложенных срабатываний планировщика",
	}, []string{"reason"})

	// firesTotal — выполненные перезагрузки.
	firesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "rc_scheduler_fires_total",
		Help: "Количество выполненных перезагрузок",
	})

	// delaySeconds — выбранные задержки.
	delaySeconds = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "rc_scheduler_delay_seconds",
		Help:    "Случайная задержка планировщика в секундах",
		Buckets: []float64{1, 5, 15, 30, 60, 120, 180, 300, 600},
	})
)
