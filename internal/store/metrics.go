package store

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// OperationErrorsTotal — ошибки операций с общим хранилищем.
// Обновляется бэкендами и вызывающими компонентами.
var OperationErrorsTotal = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Name: "rc_store_errors_total",
		Help: "Количество ошибок операций с общим хранилищем",
	},
	[]string{"backend", "operation"},
)
