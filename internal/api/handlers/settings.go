// settings.go — обработчики GET/PATCH /api/v1/settings.
// Изменения пишутся в общее хранилище отдельным клиентом API;
// контексты получают их через уведомления об изменениях.
package handlers

import (
	"io"
	"log/slog"
	"net/http"

	apierrors "github.com/bigkaa/goartstore/reload-coordinator/internal/api/errors"
	"github.com/bigkaa/goartstore/reload-coordinator/internal/settings"
)

// SettingsResponse — текущие настройки.
type SettingsResponse struct {
	PageCandidates  []string          `json:"pageCandidates"`
	MinDelaySeconds float64           `json:"minDelaySeconds"`
	MaxDelaySeconds float64           `json:"maxDelaySeconds"`
	TargetedClients []string          `json:"targetedClients"`
	SoundURLs       map[string]string `json:"soundUrls"`
}

// SettingsHandler — обработчик настроек.
type SettingsHandler struct {
	provider *settings.Provider
	logger   *slog.Logger
}

// NewSettingsHandler создаёт обработчик настроек.
func NewSettingsHandler(provider *settings.Provider, logger *slog.Logger) *SettingsHandler {
	return &SettingsHandler{
		provider: provider,
		logger:   logger.With(slog.String("component", "settings_handler")),
	}
}

// GetSettings обрабатывает GET /api/v1/settings.
func (h *SettingsHandler) GetSettings(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, settingsToResponse(h.provider.Current()))
}

// PatchSettings обрабатывает PATCH /api/v1/settings.
// При ошибке записи в хранилище возвращает 503, настройки не меняются.
func (h *SettingsHandler) PatchSettings(w http.ResponseWriter, r *http.Request) {
	data, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodySize))
	if err != nil {
		apierrors.ValidationError(w, "Не удалось прочитать тело запроса: "+err.Error())
		return
	}

	patch, err := settings.DecodePatch(data)
	if err != nil {
		apierrors.ValidationError(w, err.Error())
		return
	}
	if patch.Empty() {
		apierrors.ValidationError(w, "Патч настроек не содержит изменений")
		return
	}

	next, err := h.provider.Apply(r.Context(), patch)
	if err != nil {
		h.logger.Error("Ошибка сохранения настроек",
			slog.String("error", err.Error()),
		)
		apierrors.StoreUnavailable(w, "Не удалось сохранить настройки: "+err.Error())
		return
	}

	h.logger.Info("Настройки изменены через API",
		slog.Int("pages", len(next.PageCandidates)),
		caller(r),
	)
	writeJSON(w, http.StatusOK, settingsToResponse(next))
}

func settingsToResponse(s settings.Settings) SettingsResponse {
	doc := s.Document()
	resp := SettingsResponse{
		PageCandidates:  doc.PageCandidates,
		MinDelaySeconds: doc.MinDelaySeconds,
		MaxDelaySeconds: doc.MaxDelaySeconds,
		TargetedClients: doc.TargetedClients,
		SoundURLs:       doc.SoundURLs,
	}
	if resp.PageCandidates == nil {
		resp.PageCandidates = []string{}
	}
	if resp.TargetedClients == nil {
		resp.TargetedClients = []string{}
	}
	if resp.SoundURLs == nil {
		resp.SoundURLs = map[string]string{}
	}
	return resp
}
