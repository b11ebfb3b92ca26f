// handler.go — APIHandler реализует ServerInterface, делегируя вызовы
// в отдельные handler'ы по доменам.
package handlers

import (
	"net/http"
)

// ServerInterface — операции HTTP API (operationId из api/openapi.yaml).
type ServerInterface interface {
	// GET /health/live
	HealthLive(w http.ResponseWriter, r *http.Request)
	// GET /health/ready
	HealthReady(w http.ResponseWriter, r *http.Request)
	// GET /metrics
	GetMetrics(w http.ResponseWriter, r *http.Request)
	// GET /api/v1/status
	GetStatus(w http.ResponseWriter, r *http.Request)
	// POST /api/v1/activity
	RecordActivity(w http.ResponseWriter, r *http.Request)
	// PUT /api/v1/connectivity
	SetConnectivity(w http.ResponseWriter, r *http.Request)
	// POST /api/v1/scheduler/pause
	PauseScheduler(w http.ResponseWriter, r *http.Request)
	// POST /api/v1/scheduler/resume
	ResumeScheduler(w http.ResponseWriter, r *http.Request)
	// PUT /api/v1/scheduler/auto-reload
	SetAutoReload(w http.ResponseWriter, r *http.Request)
	// GET /api/v1/settings
	GetSettings(w http.ResponseWriter, r *http.Request)
	// PATCH /api/v1/settings
	PatchSettings(w http.ResponseWriter, r *http.Request)
	// GET /api/v1/reloads
	ListReloads(w http.ResponseWriter, r *http.Request, params ListReloadsParams)
}

// APIHandler — единая реализация ServerInterface, собирающая
// все доменные handlers в один объект.
type APIHandler struct {
	health   *HealthHandler
	status   *StatusHandler
	control  *ControlHandler
	settings *SettingsHandler
	reloads  *ReloadsHandler
	metrics  http.Handler
}

// NewAPIHandler создаёт единый handler для всех endpoints.
func NewAPIHandler(
	health *HealthHandler,
	status *StatusHandler,
	control *ControlHandler,
	settings *SettingsHandler,
	reloads *ReloadsHandler,
	metrics http.Handler,
) *APIHandler {
	return &APIHandler{
		health:   health,
		status:   status,
		control:  control,
		settings: settings,
		reloads:  reloads,
		metrics:  metrics,
	}
}

// --- Health ---

func (h *APIHandler) HealthLive(w http.ResponseWriter, r *http.Request) {
	h.health.HealthLive(w, r)
}

func (h *APIHandler) HealthReady(w http.ResponseWriter, r *http.Request) {
	h.health.HealthReady(w, r)
}

// --- Metrics ---

func (h *APIHandler) GetMetrics(w http.ResponseWriter, r *http.Request) {
	h.metrics.ServeHTTP(w, r)
}

// --- Status ---

func (h *APIHandler) GetStatus(w http.ResponseWriter, r *http.Request) {
	h.status.GetStatus(w, r)
}

// --- Control ---

func (h *APIHandler) RecordActivity(w http.ResponseWriter, r *http.Request) {
	h.control.RecordActivity(w, r)
}

func (h *APIHandler) SetConnectivity(w http.ResponseWriter, r *http.Request) {
	h.control.SetConnectivity(w, r)
}

func (h *APIHandler) PauseScheduler(w http.ResponseWriter, r *http.Request) {
	h.control.PauseScheduler(w, r)
}

func (h *APIHandler) ResumeScheduler(w http.ResponseWriter, r *http.Request) {
	h.control.ResumeScheduler(w, r)
}

func (h *APIHandler) SetAutoReload(w http.ResponseWriter, r *http.Request) {
	h.control.SetAutoReload(w, r)
}

// --- Settings ---

func (h *APIHandler) GetSettings(w http.ResponseWriter, r *http.Request) {
	h.settings.GetSettings(w, r)
}

func (h *APIHandler) PatchSettings(w http.ResponseWriter, r *http.Request) {
	h.settings.PatchSettings(w, r)
}

// --- Reloads ---

func (h *APIHandler) ListReloads(w http.ResponseWriter, r *http.Request, params ListReloadsParams) {
	h.reloads.ListReloads(w, r, params)
}

// Проверка соответствия интерфейсу на этапе компиляции.
var _ ServerInterface = (*APIHandler)(nil)
