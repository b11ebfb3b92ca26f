// reloads.go — обработчик GET /api/v1/reloads (история перезагрузок процесса).
package handlers

import (
	"net/http"

	apierrors "github.com/bigkaa/goartstore/reload-coordinator/internal/api/errors"
	"github.com/bigkaa/goartstore/reload-coordinator/internal/tab"
)

// Границы параметра limit.
const (
	DefaultReloadsLimit = 20
	MaxReloadsLimit     = 100
)

// ReloadsResponse — ответ GET /api/v1/reloads.
type ReloadsResponse struct {
	Items []tab.Entry `json:"items"`
	Total int         `json:"total"`
}

// ReloadsHandler — обработчик истории перезагрузок.
type ReloadsHandler struct {
	history *tab.History
}

// NewReloadsHandler создаёт обработчик истории.
func NewReloadsHandler(history *tab.History) *ReloadsHandler {
	return &ReloadsHandler{history: history}
}

// ListReloads обрабатывает GET /api/v1/reloads. Записи — от новых к старым.
func (h *ReloadsHandler) ListReloads(w http.ResponseWriter, _ *http.Request, params ListReloadsParams) {
	limit := DefaultReloadsLimit
	if params.Limit != nil {
		limit = *params.Limit
	}
	if limit < 1 || limit > MaxReloadsLimit {
		apierrors.ValidationError(w, "Параметр limit должен быть в диапазоне 1..100")
		return
	}

	items := h.history.List(limit)
	if items == nil {
		items = []tab.Entry{}
	}
	writeJSON(w, http.StatusOK, ReloadsResponse{
		Items: items,
		Total: h.history.Len(),
	})
}
