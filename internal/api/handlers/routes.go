// routes.go — привязка ServerInterface к chi-роутеру.
// Параметры запроса разбираются runtime-хелперами oapi-codegen.
package handlers

import (
	"fmt"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/oapi-codegen/runtime"

	apierrors "github.com/bigkaa/goartstore/reload-coordinator/internal/api/errors"
)

// ListReloadsParams — параметры GET /api/v1/reloads.
type ListReloadsParams struct {
	// Limit — число записей (1..100), по умолчанию DefaultReloadsLimit.
	Limit *int `form:"limit,omitempty" json:"limit,omitempty"`
}

// serverInterfaceWrapper разбирает параметры и вызывает реализацию.
type serverInterfaceWrapper struct {
	handler ServerInterface
}

func (siw *serverInterfaceWrapper) listReloads(w http.ResponseWriter, r *http.Request) {
	var params ListReloadsParams

	err := runtime.BindQueryParameter("form", true, false, "limit", r.URL.Query(), &params.Limit)
	if err != nil {
		apierrors.ValidationError(w, fmt.Sprintf("Некорректный параметр limit: %v", err))
		return
	}

	siw.handler.ListReloads(w, r, params)
}

// HandlerFromMux регистрирует маршруты API на роутере r.
func HandlerFromMux(si ServerInterface, r chi.Router) http.Handler {
	wrapper := &serverInterfaceWrapper{handler: si}

	r.Get("/health/live", si.HealthLive)
	r.Get("/health/ready", si.HealthReady)
	r.Get("/metrics", si.GetMetrics)

	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/status", si.GetStatus)
		r.Post("/activity", si.RecordActivity)
		r.Put("/connectivity", si.SetConnectivity)
		r.Post("/scheduler/pause", si.PauseScheduler)
		r.Post("/scheduler/resume", si.ResumeScheduler)
		r.Put("/scheduler/auto-reload", si.SetAutoReload)
		r.Get("/settings", si.GetSettings)
		r.Patch("/settings", si.PatchSettings)
		r.Get("/reloads", wrapper.listReloads)
	})

	return r
}
