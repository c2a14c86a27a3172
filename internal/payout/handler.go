package payout

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/httprate"

	"github.com/odyssey-erp/staffing/internal/platform/httpx"
	"github.com/odyssey-erp/staffing/internal/shared"
)

const maxWebhookBody = 1 << 20

type payoutService interface {
	StartPaysheetPayments(ctx context.Context, paysheetID, authorID int64) (Summary, error)
	CloseIfReady(ctx context.Context, paysheetID int64) (bool, error)
	WorkerStates(ctx context.Context, paysheetID int64) (map[int64]string, error)
	Attempts(ctx context.Context, paysheetID int64) ([]Attempt, error)
	HandleWebhook(ctx context.Context, body []byte) (int64, error)
}

// Handler exposes payout triggers and the bank webhook.
type Handler struct {
	logger    *slog.Logger
	service   payoutService
	scheduler Scheduler
}

// NewHandler builds the handler. With a scheduler, ?async=true queues the
// payout run instead of running it inline.
func NewHandler(logger *slog.Logger, service payoutService, scheduler Scheduler) *Handler {
	return &Handler{logger: logger, service: service, scheduler: scheduler}
}

// MountPaysheetRoutes registers routes under /paysheets/{id}.
func (h *Handler) MountPaysheetRoutes(r chi.Router) {
	r.Post("/payouts", h.start)
	r.Get("/payouts", h.states)
	r.Get("/payouts/attempts", h.attempts)
	r.Post("/payouts/close", h.closeIfReady)
}

// MountWebhook registers the bank callback.
func (h *Handler) MountWebhook(r chi.Router) {
	limiter := httprate.Limit(300, time.Minute, httprate.WithKeyFuncs(httprate.KeyByIP))
	r.With(limiter).Post("/talkbank/on_income_registered", h.webhook)
}

func (h *Handler) start(w http.ResponseWriter, r *http.Request) {
	id, err := httpx.ParamInt64(r, "id")
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	actor := shared.ActorFromContext(r.Context())
	if h.scheduler != nil && r.URL.Query().Get("async") == "true" {
		if err := h.scheduler.EnqueuePayoutStart(r.Context(), id, actor); err != nil {
			h.logger.Error("enqueue payout start", slog.Int64("paysheet_id", id), slog.Any("error", err))
			httpx.RespondError(w, err)
			return
		}
		httpx.JSON(w, http.StatusAccepted, map[string]any{"paysheet_id": id, "queued": true})
		return
	}
	sum, err := h.service.StartPaysheetPayments(r.Context(), id, actor)
	if err != nil {
		h.logger.Warn("start payouts failed", slog.Int64("paysheet_id", id), slog.Any("error", err))
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, sum)
}

func (h *Handler) states(w http.ResponseWriter, r *http.Request) {
	id, err := httpx.ParamInt64(r, "id")
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	states, err := h.service.WorkerStates(r.Context(), id)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, states)
}

type attemptView struct {
	WorkerID    int64     `json:"worker_id"`
	Step        string    `json:"step"`
	Outcome     string    `json:"outcome"`
	Description string    `json:"description,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
}

func (h *Handler) attempts(w http.ResponseWriter, r *http.Request) {
	id, err := httpx.ParamInt64(r, "id")
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	attempts, err := h.service.Attempts(r.Context(), id)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	out := make([]attemptView, 0, len(attempts))
	for _, a := range attempts {
		out = append(out, attemptView{WorkerID: a.WorkerID, Step: a.Step, Outcome: a.Outcome, Description: a.Description, CreatedAt: a.CreatedAt})
	}
	httpx.JSON(w, http.StatusOK, out)
}

func (h *Handler) closeIfReady(w http.ResponseWriter, r *http.Request) {
	id, err := httpx.ParamInt64(r, "id")
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	closed, err := h.service.CloseIfReady(r.Context(), id)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]bool{"closed": closed})
}

func (h *Handler) webhook(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxWebhookBody))
	if err != nil {
		h.logger.Warn("read webhook body", slog.Any("error", err))
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}
	eventID, err := h.service.HandleWebhook(r.Context(), body)
	if err != nil {
		// Nothing was stored; let the bank deliver again.
		h.logger.Error("store webhook failed", slog.Any("error", err))
		http.Error(w, http.StatusText(http.StatusServiceUnavailable), http.StatusServiceUnavailable)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"status": "ok", "event_id": eventID})
}
