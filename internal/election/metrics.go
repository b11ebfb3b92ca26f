package election

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Prometheus метрики выборов
var (
	// ClaimsTotal — попытки захвата лидерства по результату (won, lost, error).
	ClaimsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "rc_election_claims_total",
		Help: "Количество попыток захвата лидерства",
	}, []string{"result"})

	// HeartbeatsTotal — записи heartbeat по результату (ok, error).
	HeartbeatsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "rc_election_heartbeats_total",
		Help: "Количество записей heartbeat",
	}, []string{"result"})

	// PromotionsTotal — захваты лидерства follower после устаревания записи.
	PromotionsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "rc_election_promotions_total",
		Help: "Количество повышений follower до leader",
	})

	// LeadersGauge — число контекстов процесса в роли leader.
	LeadersGauge = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "rc_election_leaders",
		Help: "Количество контекстов процесса в роли leader",
	})
)
