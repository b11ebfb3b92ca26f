// dephealth.go — интеграция с topologymetrics SDK для мониторинга зависимостей.
//
// Reload Coordinator мониторит:
//   - сайт, страницы которого перезагружаются (HTTP GET origin, critical)
//
// Метрики доступны на /metrics вместе с остальными Prometheus-метриками:
//   - app_dependency_health — состояние зависимости (1 = ok, 0 = fail)
//   - app_dependency_latency_seconds — задержка проверки
//   - app_dependency_status — категория статуса
//   - app_dependency_status_detail — детальный статус
//
// Используется встроенный HTTP checker из dephealth SDK.
package service

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"github.com/BigKAA/topologymetrics/sdk-go/dephealth"
	_ "github.com/BigKAA/topologymetrics/sdk-go/dephealth/checks" // Регистрация фабрик checker-ов (HTTP и др.)
	"github.com/prometheus/client_golang/prometheus"
)

// DephealthService — сервис мониторинга зависимостей через topologymetrics.
type DephealthService struct {
	dh      *dephealth.DepHealth
	depName string
	logger  *slog.Logger
}

// NewDephealthService создаёт сервис мониторинга зависимостей.
// Метрики регистрируются в глобальном Prometheus registry.
//
// Параметры:
//   - name — имя вершины графа текущего приложения (DEPHEALTH_NAME)
//   - group — имя группы в метриках (RC_DEPHEALTH_GROUP)
//   - depName — имя зависимости (RC_DEPHEALTH_DEP_NAME)
//   - siteURL — origin сайта (RC_SITE_ORIGIN)
//   - checkInterval — интервал проверки (RC_DEPHEALTH_CHECK_INTERVAL)
//   - tlsSkipVerify — пропуск проверки сертификата сайта (RC_TLS_SKIP_VERIFY)
func NewDephealthService(
	name string,
	group string,
	depName string,
	siteURL string,
	checkInterval time.Duration,
	tlsSkipVerify bool,
	logger *slog.Logger,
) (*DephealthService, error) {
	return newDephealthService(name, group, depName, siteURL, checkInterval, tlsSkipVerify, logger)
}

// NewDephealthServiceWithRegisterer создаёт сервис с указанным Prometheus registerer.
// Используется в тестах для изоляции метрик.
func NewDephealthServiceWithRegisterer(
	name string,
	group string,
	depName string,
	siteURL string,
	checkInterval time.Duration,
	tlsSkipVerify bool,
	logger *slog.Logger,
	registerer prometheus.Registerer,
) (*DephealthService, error) {
	return newDephealthService(name, group, depName, siteURL, checkInterval, tlsSkipVerify,
		logger, dephealth.WithRegisterer(registerer))
}

// newDephealthService — внутренний конструктор.
func newDephealthService(
	name string,
	group string,
	depName string,
	siteURL string,
	checkInterval time.Duration,
	tlsSkipVerify bool,
	logger *slog.Logger,
	extraOpts ...dephealth.Option,
) (*DephealthService, error) {
	siteOpts := []dephealth.DependencyOption{
		dephealth.FromURL(siteURL),
		dephealth.CheckInterval(checkInterval),
		dephealth.Critical(true),
	}
	if strings.HasPrefix(siteURL, "https://") {
		siteOpts = append(siteOpts, dephealth.WithHTTPTLSSkipVerify(tlsSkipVerify))
	}

	opts := []dephealth.Option{
		dephealth.WithLogger(logger),
		dephealth.HTTP(depName, siteOpts...),
	}
	opts = append(opts, extraOpts...)

	dh, err := dephealth.New(name, group, opts...)
	if err != nil {
		return nil, err
	}

	return &DephealthService{
		dh:      dh,
		depName: depName,
		logger:  logger.With(slog.String("component", "dephealth")),
	}, nil
}

// Start запускает периодическую проверку зависимостей.
func (ds *DephealthService) Start(ctx context.Context) error {
	ds.logger.Info("Мониторинг зависимостей запущен")
	return ds.dh.Start(ctx)
}

// Stop останавливает мониторинг зависимостей.
func (ds *DephealthService) Stop() {
	ds.dh.Stop()
	ds.logger.Info("Мониторинг зависимостей остановлен")
}

// Health возвращает текущее состояние зависимостей.
// Ключ — имя зависимости, значение — true если ok.
func (ds *DephealthService) Health() map[string]bool {
	return ds.dh.Health()
}

// SiteHealthy сообщает последнее известное состояние сайта.
// false, если проверка ещё не выполнялась.
func (ds *DephealthService) SiteHealthy() (healthy bool, known bool) {
	for key, ok := range ds.dh.Health() {
		if key == ds.depName || strings.HasPrefix(key, ds.depName+":") {
			return ok, true
		}
	}
	return false, false
}
