package v1

import (
	"net/http"

	"ocrgate"
)

type HealthController struct {
	router *ocrgate.Router
}

func NewHealthController(router *ocrgate.Router) *HealthController {
	controller := &HealthController{
		router: router,
	}
	controller.registerHandlers()
	return controller
}

func (hc *HealthController) registerHandlers() {
	hc.router.RegisterHandler("GET /health", hc.handleHealth)
}

type HealthResponse struct {
	Status  string `json:"status"`
	Version string `json:"version"`
	Tasks   int    `json:"tasks"`
}

func (hc *HealthController) handleHealth(ctx *ocrgate.Context) error {
	ctx.WriteJSON(http.StatusOK, HealthResponse{
		Status:  "ok",
		Version: ocrgate.Version,
		Tasks:   ctx.Orchestrator().ActiveTasks(),
	})
	return nil
}
