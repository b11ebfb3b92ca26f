// control.go — обработчики управления: активность пользователя,
// состояние связи, пауза и отключение автоперезагрузки.
// Планировщики подписаны на Signals и Control и реагируют сами.
package handlers

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	apierrors "github.com/bigkaa/goartstore/reload-coordinator/internal/api/errors"
	"github.com/bigkaa/goartstore/reload-coordinator/internal/api/middleware"
	"github.com/bigkaa/goartstore/reload-coordinator/internal/scheduler"
	"github.com/bigkaa/goartstore/reload-coordinator/internal/signals"
)

// maxBodySize — предельный размер тела запроса управления.
const maxBodySize = 64 << 10

// ConnectivityRequest — тело PUT /api/v1/connectivity.
type ConnectivityRequest struct {
	Online *bool `json:"online"`
}

// AutoReloadRequest — тело PUT /api/v1/scheduler/auto-reload.
type AutoReloadRequest struct {
	Enabled *bool `json:"enabled"`
}

// ActivityResponse — ответ POST /api/v1/activity.
type ActivityResponse struct {
	Online       bool      `json:"online"`
	LastActivity time.Time `json:"last_activity"`
	// Client — имя клиента из токена (пусто без аутентификации).
	Client string `json:"client,omitempty"`
	// Targeted — входит ли клиент в targetedClients настроек.
	Targeted bool `json:"targeted"`
}

// TargetChecker — проверка адресности уведомлений для клиента.
type TargetChecker interface {
	IsTargeted(client string) bool
}

// ControlHandler — обработчик endpoints управления.
type ControlHandler struct {
	signals *signals.Signals
	control *scheduler.Control
	targets TargetChecker
	logger  *slog.Logger
}

// NewControlHandler создаёт обработчик управления.
func NewControlHandler(sig *signals.Signals, control *scheduler.Control, targets TargetChecker, logger *slog.Logger) *ControlHandler {
	return &ControlHandler{
		signals: sig,
		control: control,
		targets: targets,
		logger:  logger.With(slog.String("component", "control_handler")),
	}
}

// RecordActivity обрабатывает POST /api/v1/activity.
func (h *ControlHandler) RecordActivity(w http.ResponseWriter, r *http.Request) {
	at := h.signals.RecordActivity()

	resp := ActivityResponse{
		Online:       h.signals.Online(),
		LastActivity: at,
	}
	if p, ok := middleware.PrincipalFromContext(r.Context()); ok && p.Client != "" {
		resp.Client = p.Client
		resp.Targeted = h.targets != nil && h.targets.IsTargeted(p.Client)
	}

	h.logger.Debug("Активность пользователя", caller(r))
	writeJSON(w, http.StatusOK, resp)
}

// SetConnectivity обрабатывает PUT /api/v1/connectivity.
// Следующая проверка доступности перезапишет ручное значение.
func (h *ControlHandler) SetConnectivity(w http.ResponseWriter, r *http.Request) {
	var req ConnectivityRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if req.Online == nil {
		apierrors.ValidationError(w, "Поле online обязательно")
		return
	}

	if h.signals.SetOnline(*req.Online) {
		h.logger.Info("Состояние связи изменено вручную",
			slog.Bool("online", *req.Online),
			caller(r),
		)
	}
	writeJSON(w, http.StatusOK, SignalsDTO{
		Online:       h.signals.Online(),
		LastActivity: h.signals.LastActivity(),
	})
}

// PauseScheduler обрабатывает POST /api/v1/scheduler/pause.
func (h *ControlHandler) PauseScheduler(w http.ResponseWriter, r *http.Request) {
	state := h.control.Pause()
	h.logger.Info("Планировщик приостановлен через API",
		slog.String("resume_at", formatTime(state.ResumeAt)),
		caller(r),
	)
	writeJSON(w, http.StatusOK, state)
}

// ResumeScheduler обрабатывает POST /api/v1/scheduler/resume.
func (h *ControlHandler) ResumeScheduler(w http.ResponseWriter, r *http.Request) {
	state := h.control.Resume()
	h.logger.Info("Пауза снята через API",
		caller(r),
	)
	writeJSON(w, http.StatusOK, state)
}

// SetAutoReload обрабатывает PUT /api/v1/scheduler/auto-reload.
func (h *ControlHandler) SetAutoReload(w http.ResponseWriter, r *http.Request) {
	var req AutoReloadRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if req.Enabled == nil {
		apierrors.ValidationError(w, "Поле enabled обязательно")
		return
	}

	state := h.control.SetDisabled(!*req.Enabled)
	h.logger.Info("Автоперезагрузка переключена через API",
		slog.Bool("enabled", *req.Enabled),
		caller(r),
	)
	writeJSON(w, http.StatusOK, state)
}

// caller — атрибут лога с вызывающей стороной из токена.
func caller(r *http.Request) slog.Attr {
	p, _ := middleware.PrincipalFromContext(r.Context())
	return slog.Group("caller",
		slog.String("subject", p.Subject),
		slog.String("client", p.Client),
	)
}

// decodeBody разбирает JSON-тело запроса. При ошибке пишет 400 и возвращает false.
func decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodySize))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		apierrors.ValidationError(w, "Некорректное тело запроса: "+err.Error())
		return false
	}
	return true
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339)
}
