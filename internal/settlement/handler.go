package settlement

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/odyssey-erp/staffing/internal/platform/httpx"
	"github.com/odyssey-erp/staffing/internal/shared"
)

type recomputeService interface {
	Recompute(ctx context.Context, in RecomputeInput) (Result, error)
}

// Handler exposes turnout recomputation over HTTP.
type Handler struct {
	logger  *slog.Logger
	service recomputeService
}

// NewHandler builds the handler.
func NewHandler(logger *slog.Logger, service recomputeService) *Handler {
	return &Handler{logger: logger, service: service}
}

// MountRoutes registers turnout routes.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Post("/turnouts/{id}/recompute", h.recompute)
}

type recomputeRequest struct {
	DeductionWorkerID *int64 `json:"deduction_worker_id" validate:"omitempty,gt=0"`
	ForceCommit       bool   `json:"force_commit"`
}

func (h *Handler) recompute(w http.ResponseWriter, r *http.Request) {
	id, err := httpx.ParamInt64(r, "id")
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	var req recomputeRequest
	if r.ContentLength != 0 {
		if err := httpx.DecodeJSON(r, &req); err != nil {
			httpx.RespondError(w, err)
			return
		}
	}
	res, err := h.service.Recompute(r.Context(), RecomputeInput{
		TurnoutID:         id,
		AuthorID:          shared.ActorFromContext(r.Context()),
		DeductionWorkerID: req.DeductionWorkerID,
		ForceCommit:       req.ForceCommit,
	})
	if err != nil {
		h.logger.Error("recompute turnout failed", slog.Int64("turnout_id", id), slog.Any("error", err))
		httpx.RespondError(w, err)
		return
	}
	status := http.StatusOK
	if res.ConfirmationRequired && !res.Committed {
		status = http.StatusConflict
	}
	httpx.JSON(w, status, res)
}
