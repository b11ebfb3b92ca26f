// health.go — обработчики health endpoints для Kubernetes probes.
package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/bigkaa/goartstore/reload-coordinator/internal/store"
)

const (
	// serviceName — имя сервиса в ответах health.
	serviceName = "reload-coordinator"
	// statusFail — строковая константа для статуса "fail" в health checks.
	statusFail = "fail"
	// pingTimeout — таймаут проверки хранилища.
	pingTimeout = 2 * time.Second
)

// StartedChecker — проверка, что все слоты запустили первый контекст.
type StartedChecker interface {
	Started() bool
}

// SiteHealthChecker — состояние зависимости «сайт» из dephealth.
type SiteHealthChecker interface {
	// SiteHealthy возвращает состояние; known == false до первой проверки.
	SiteHealthy() (healthy, known bool)
}

// HealthHandler реализует health endpoints: /health/live, /health/ready.
type HealthHandler struct {
	version string
	backend string
	st      store.Store
	pool    StartedChecker
	// site — nil, если dephealth не запущен
	site SiteHealthChecker
}

// NewHealthHandler создаёт обработчик health endpoints.
// st — клиент хранилища API, backend — имя бэкенда для ответа.
func NewHealthHandler(version, backend string, st store.Store, pool StartedChecker, site SiteHealthChecker) *HealthHandler {
	return &HealthHandler{
		version: version,
		backend: backend,
		st:      st,
		pool:    pool,
		site:    site,
	}
}

// HealthLive обрабатывает GET /health/live.
// Возвращает 200, если процесс жив. Не проверяет зависимости.
func (h *HealthHandler) HealthLive(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":    "ok",
		"timestamp": time.Now().UTC().Format(time.RFC3339),
		"version":   h.version,
		"service":   serviceName,
	})
}

// HealthReady обрабатывает GET /health/ready.
// Проверяет: доступность хранилища, запуск контекстов, доступность сайта.
// Недоступность сайта даёт degraded без снятия готовности.
func (h *HealthHandler) HealthReady(w http.ResponseWriter, r *http.Request) {
	overallStatus := "ok"
	httpStatus := http.StatusOK

	storeCheck := h.checkStore(r.Context())
	if storeCheck["status"] != "ok" {
		overallStatus = statusFail
		httpStatus = http.StatusServiceUnavailable
	}

	tabsCheck := map[string]any{"status": "ok"}
	if h.pool != nil && !h.pool.Started() {
		tabsCheck = map[string]any{
			"status":  statusFail,
			"message": "Контексты ещё не запущены",
		}
		overallStatus = statusFail
		httpStatus = http.StatusServiceUnavailable
	}

	checks := map[string]any{
		"store": storeCheck,
		"tabs":  tabsCheck,
	}

	if h.site != nil {
		siteCheck := h.checkSite()
		checks["site"] = siteCheck
		if siteCheck["status"] == statusFail && overallStatus != statusFail {
			overallStatus = "degraded"
		}
	}

	writeJSON(w, httpStatus, map[string]any{
		"status":    overallStatus,
		"timestamp": time.Now().UTC().Format(time.RFC3339),
		"version":   h.version,
		"service":   serviceName,
		"checks":    checks,
	})
}

// checkStore проверяет доступность общего хранилища.
func (h *HealthHandler) checkStore(ctx context.Context) map[string]any {
	if h.st == nil {
		return map[string]any{
			"status":  "ok",
			"message": "Проверка не настроена",
		}
	}

	ctx, cancel := context.WithTimeout(ctx, pingTimeout)
	defer cancel()

	if err := h.st.Ping(ctx); err != nil {
		return map[string]any{
			"status":  statusFail,
			"backend": h.backend,
			"message": "Хранилище недоступно: " + err.Error(),
		}
	}
	return map[string]any{
		"status":  "ok",
		"backend": h.backend,
	}
}

// checkSite возвращает последнее состояние сайта по данным dephealth.
func (h *HealthHandler) checkSite() map[string]any {
	healthy, known := h.site.SiteHealthy()
	switch {
	case !known:
		return map[string]any{
			"status":  "ok",
			"message": "Проверка ещё не выполнялась",
		}
	case !healthy:
		return map[string]any{
			"status":  statusFail,
			"message": "Сайт недоступен",
		}
	}
	return map[string]any{"status": "ok"}
}

// writeJSON записывает JSON-ответ с указанным статусом.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
