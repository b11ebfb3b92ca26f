// status.go — обработчик GET /api/v1/status: состояние контекстов,
// сигналов окружения, переопределений и счётчика перезагрузок.
package handlers

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/bigkaa/goartstore/reload-coordinator/internal/navigator"
	"github.com/bigkaa/goartstore/reload-coordinator/internal/scheduler"
	"github.com/bigkaa/goartstore/reload-coordinator/internal/signals"
	"github.com/bigkaa/goartstore/reload-coordinator/internal/store"
	"github.com/bigkaa/goartstore/reload-coordinator/internal/tab"
)

// StatusSource — источник снимков контекстов (tab.Pool).
type StatusSource interface {
	Statuses() []tab.Status
}

// StatusResponse — ответ GET /api/v1/status.
type StatusResponse struct {
	Client      string                 `json:"client"`
	Backend     string                 `json:"backend"`
	Version     string                 `json:"version"`
	Signals     SignalsDTO             `json:"signals"`
	Control     scheduler.ControlState `json:"control"`
	ReloadCount int64                  `json:"reload_count"`
	Tabs        []TabDTO               `json:"tabs"`
}

// SignalsDTO — сигналы окружения.
type SignalsDTO struct {
	Online       bool      `json:"online"`
	LastActivity time.Time `json:"last_activity,omitzero"`
}

// TabDTO — состояние одного контекста.
type TabDTO struct {
	Slot       int          `json:"slot"`
	Generation int          `json:"generation"`
	TabID      string       `json:"tab_id"`
	Location   string       `json:"location"`
	StartedAt  time.Time    `json:"started_at"`
	Role       string       `json:"role"`
	LeaderID   string       `json:"leader_id,omitempty"`
	Scheduler  SchedulerDTO `json:"scheduler"`
}

// SchedulerDTO — состояние планировщика контекста.
type SchedulerDTO struct {
	State        string    `json:"state"`
	ArmedUntil   time.Time `json:"armed_until,omitzero"`
	DelaySeconds float64   `json:"delay_seconds,omitempty"`
	BlockedBy    string    `json:"blocked_by,omitempty"`
	Fired        bool      `json:"fired"`
	LastFire     *FireDTO  `json:"last_fire,omitempty"`
}

// FireDTO — последнее срабатывание планировщика.
type FireDTO struct {
	Target      string    `json:"target"`
	Candidate   string    `json:"candidate"`
	ReloadCount int64     `json:"reload_count"`
	At          time.Time `json:"at"`
}

// StatusHandler — обработчик GET /api/v1/status.
type StatusHandler struct {
	client  string
	backend string
	version string
	source  StatusSource
	signals *signals.Signals
	control *scheduler.Control
	counter *navigator.Counter
	logger  *slog.Logger
}

// NewStatusHandler создаёт обработчик состояния.
// st — клиент хранилища API (для чтения счётчика перезагрузок).
func NewStatusHandler(
	client, backend, version string,
	source StatusSource,
	sig *signals.Signals,
	control *scheduler.Control,
	st store.Store,
	logger *slog.Logger,
) *StatusHandler {
	return &StatusHandler{
		client:  client,
		backend: backend,
		version: version,
		source:  source,
		signals: sig,
		control: control,
		counter: navigator.NewCounter(st),
		logger:  logger.With(slog.String("component", "status_handler")),
	}
}

// GetStatus обрабатывает GET /api/v1/status.
// Ошибка чтения счётчика не прерывает ответ: счётчик отдаётся как 0.
func (h *StatusHandler) GetStatus(w http.ResponseWriter, r *http.Request) {
	count, err := h.counter.Value(r.Context())
	if err != nil {
		h.logger.Warn("Ошибка чтения счётчика перезагрузок",
			slog.String("error", err.Error()),
		)
	}

	statuses := h.source.Statuses()
	tabs := make([]TabDTO, 0, len(statuses))
	for _, st := range statuses {
		tabs = append(tabs, tabToDTO(st))
	}

	writeJSON(w, http.StatusOK, StatusResponse{
		Client:  h.client,
		Backend: h.backend,
		Version: h.version,
		Signals: SignalsDTO{
			Online:       h.signals.Online(),
			LastActivity: h.signals.LastActivity(),
		},
		Control:     h.control.State(),
		ReloadCount: count,
		Tabs:        tabs,
	})
}

func tabToDTO(st tab.Status) TabDTO {
	snap := st.Scheduler
	dto := TabDTO{
		Slot:       st.Slot,
		Generation: st.Generation,
		TabID:      st.TabID,
		Location:   st.Location,
		StartedAt:  st.StartedAt,
		Role:       string(st.Role),
		LeaderID:   st.LeaderID,
		Scheduler: SchedulerDTO{
			State:        string(snap.State),
			ArmedUntil:   snap.ArmedUntil,
			DelaySeconds: snap.Delay.Seconds(),
			BlockedBy:    string(snap.BlockedBy),
			Fired:        snap.Fired,
		},
	}
	if f := snap.LastFire; f != nil {
		dto.Scheduler.LastFire = &FireDTO{
			Target:      f.Target,
			Candidate:   f.Candidate,
			ReloadCount: f.Count,
			At:          f.At,
		}
	}
	return dto
}
