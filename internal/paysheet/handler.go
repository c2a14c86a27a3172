package paysheet

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"github.com/odyssey-erp/staffing/internal/platform/httpx"
	"github.com/odyssey-erp/staffing/internal/shared"
	"github.com/odyssey-erp/staffing/report"
)

const maxRegistryUpload = 10 << 20

type paysheetService interface {
	Create(ctx context.Context, in CreateInput) (Paysheet, error)
	Get(ctx context.Context, id int64) (Paysheet, []Entry, error)
	List(ctx context.Context, customerID int64, onlyOpen bool, page, perPage int) ([]Paysheet, shared.Pagination, error)
	AddWorker(ctx context.Context, paysheetID, workerID int64, filterByCustomer bool) (Entry, error)
	RemoveWorker(ctx context.Context, paysheetID, workerID int64) error
	ResetWorkers(ctx context.Context, paysheetID int64) error
	Recreate(ctx context.Context, paysheetID, authorID int64) error
	ToggleLock(ctx context.Context, paysheetID, authorID int64) (Paysheet, error)
	UpdateEntryAmount(ctx context.Context, paysheetID, entryID int64, amount decimal.Decimal) (Entry, error)
	AddPhotoProof(ctx context.Context, proof PhotoProof) (PhotoProof, error)
	AddRegistryFile(ctx context.Context, paysheetID int64, file io.Reader) (int, error)
	ReadyToClose(ctx context.Context, paysheetID int64) (Readiness, error)
	Close(ctx context.Context, paysheetID, authorID, paymentAccountID int64) (Paysheet, error)
	Report(ctx context.Context, paysheetID int64) (report.PaymentReport, error)
}

// Handler wires HTTP endpoints for paysheets.
type Handler struct {
	logger           *slog.Logger
	service          paysheetService
	paymentAccountID int64
}

// NewHandler builds the handler; paymentAccountID is credited on close.
func NewHandler(logger *slog.Logger, service paysheetService, paymentAccountID int64) *Handler {
	return &Handler{logger: logger, service: service, paymentAccountID: paymentAccountID}
}

// MountRoutes registers paysheet routes. extra mounts further routes under
// /paysheets/{id}.
func (h *Handler) MountRoutes(r chi.Router, extra ...func(chi.Router)) {
	r.Route("/paysheets", func(r chi.Router) {
		r.Get("/", h.list)
		r.Post("/", h.create)
		r.Route("/{id}", func(r chi.Router) {
			r.Get("/", h.get)
			r.Post("/workers", h.addWorker)
			r.Delete("/workers", h.resetWorkers)
			r.Delete("/workers/{workerID}", h.removeWorker)
			r.Post("/recreate", h.recreate)
			r.Post("/toggle-lock", h.toggleLock)
			r.Post("/registry", h.uploadRegistry)
			r.Post("/photos", h.addPhoto)
			r.Put("/entries/{entryID}/amount", h.updateAmount)
			r.Get("/ready", h.ready)
			r.Post("/close", h.close)
			r.Get("/report", h.report)
			r.Get("/report.xlsx", h.reportXLSX)
			for _, mount := range extra {
				mount(r)
			}
		})
	})
}

type createRequest struct {
	FirstDay         string  `json:"first_day" validate:"required,datetime=2006-01-02"`
	LastDay          string  `json:"last_day" validate:"required,datetime=2006-01-02"`
	CustomerID       *int64  `json:"customer_id" validate:"omitempty,gt=0"`
	LocationID       *int64  `json:"location_id" validate:"omitempty,gt=0"`
	WorkerIDs        []int64 `json:"worker_ids" validate:"dive,gt=0"`
	SelectCandidates bool    `json:"select_candidates"`
}

func (h *Handler) create(w http.ResponseWriter, r *http.Request) {
	var req createRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.RespondError(w, err)
		return
	}
	first, _ := time.Parse(time.DateOnly, req.FirstDay)
	last, _ := time.Parse(time.DateOnly, req.LastDay)
	p, err := h.service.Create(r.Context(), CreateInput{
		FirstDay:         first,
		LastDay:          last,
		CustomerID:       req.CustomerID,
		LocationID:       req.LocationID,
		AuthorID:         shared.ActorFromContext(r.Context()),
		WorkerIDs:        req.WorkerIDs,
		SelectCandidates: req.SelectCandidates,
	})
	if err != nil {
		h.fail(w, "create paysheet failed", err)
		return
	}
	httpx.JSON(w, http.StatusCreated, p)
}

type paysheetView struct {
	Paysheet
	Entries []Entry `json:"entries"`
}

func (h *Handler) get(w http.ResponseWriter, r *http.Request) {
	id, ok := h.paysheetID(w, r)
	if !ok {
		return
	}
	p, entries, err := h.service.Get(r.Context(), id)
	if err != nil {
		h.fail(w, "get paysheet failed", err)
		return
	}
	httpx.JSON(w, http.StatusOK, paysheetView{Paysheet: p, Entries: entries})
}

type listView struct {
	Items      []Paysheet        `json:"items"`
	Pagination shared.Pagination `json:"pagination"`
}

func (h *Handler) list(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	var customerID int64
	if raw := q.Get("customer_id"); raw != "" {
		v, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || v <= 0 {
			httpx.Problem(w, http.StatusBadRequest, http.StatusText(http.StatusBadRequest), "invalid customer_id")
			return
		}
		customerID = v
	}
	page, _ := strconv.Atoi(q.Get("page"))
	perPage, _ := strconv.Atoi(q.Get("per_page"))
	items, meta, err := h.service.List(r.Context(), customerID, q.Get("open") == "true", page, min(perPage, 100))
	if err != nil {
		h.fail(w, "list paysheets failed", err)
		return
	}
	if items == nil {
		items = []Paysheet{}
	}
	httpx.JSON(w, http.StatusOK, listView{Items: items, Pagination: meta})
}

type addWorkerRequest struct {
	WorkerID         int64 `json:"worker_id" validate:"required,gt=0"`
	FilterByCustomer *bool `json:"filter_by_customer"`
}

func (h *Handler) addWorker(w http.ResponseWriter, r *http.Request) {
	id, ok := h.paysheetID(w, r)
	if !ok {
		return
	}
	var req addWorkerRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.RespondError(w, err)
		return
	}
	filter := req.FilterByCustomer == nil || *req.FilterByCustomer
	entry, err := h.service.AddWorker(r.Context(), id, req.WorkerID, filter)
	if err != nil {
		h.fail(w, "add worker failed", err)
		return
	}
	httpx.JSON(w, http.StatusOK, entry)
}

func (h *Handler) removeWorker(w http.ResponseWriter, r *http.Request) {
	id, ok := h.paysheetID(w, r)
	if !ok {
		return
	}
	workerID, err := httpx.ParamInt64(r, "workerID")
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	if err := h.service.RemoveWorker(r.Context(), id, workerID); err != nil {
		h.fail(w, "remove worker failed", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) resetWorkers(w http.ResponseWriter, r *http.Request) {
	id, ok := h.paysheetID(w, r)
	if !ok {
		return
	}
	if err := h.service.ResetWorkers(r.Context(), id); err != nil {
		h.fail(w, "reset workers failed", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) recreate(w http.ResponseWriter, r *http.Request) {
	id, ok := h.paysheetID(w, r)
	if !ok {
		return
	}
	if err := h.service.Recreate(r.Context(), id, shared.ActorFromContext(r.Context())); err != nil {
		h.fail(w, "recreate paysheet failed", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) toggleLock(w http.ResponseWriter, r *http.Request) {
	id, ok := h.paysheetID(w, r)
	if !ok {
		return
	}
	p, err := h.service.ToggleLock(r.Context(), id, shared.ActorFromContext(r.Context()))
	if err != nil {
		h.fail(w, "toggle lock failed", err)
		return
	}
	httpx.JSON(w, http.StatusOK, p)
}

func (h *Handler) uploadRegistry(w http.ResponseWriter, r *http.Request) {
	id, ok := h.paysheetID(w, r)
	if !ok {
		return
	}
	if err := r.ParseMultipartForm(maxRegistryUpload); err != nil {
		httpx.RespondError(w, fmt.Errorf("%w: %v", httpx.ErrValidation, err))
		return
	}
	file, _, err := r.FormFile("file")
	if err != nil {
		httpx.RespondError(w, fmt.Errorf("%w: file field required", httpx.ErrValidation))
		return
	}
	defer func() {
		_ = file.Close()
	}()
	n, err := h.service.AddRegistryFile(r.Context(), id, file)
	if err != nil {
		h.fail(w, "import registry failed", err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]int{"imported": n})
}

func (h *Handler) addPhoto(w http.ResponseWriter, r *http.Request) {
	id, ok := h.paysheetID(w, r)
	if !ok {
		return
	}
	var proof PhotoProof
	if err := httpx.DecodeJSON(r, &proof); err != nil {
		httpx.RespondError(w, err)
		return
	}
	proof.PaysheetID = id
	out, err := h.service.AddPhotoProof(r.Context(), proof)
	if err != nil {
		h.fail(w, "add photo proof failed", err)
		return
	}
	httpx.JSON(w, http.StatusCreated, out)
}

type amountRequest struct {
	Amount decimal.Decimal `json:"amount"`
}

func (h *Handler) updateAmount(w http.ResponseWriter, r *http.Request) {
	id, ok := h.paysheetID(w, r)
	if !ok {
		return
	}
	entryID, err := httpx.ParamInt64(r, "entryID")
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	var req amountRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.RespondError(w, err)
		return
	}
	entry, err := h.service.UpdateEntryAmount(r.Context(), id, entryID, req.Amount)
	if err != nil {
		h.fail(w, "update entry amount failed", err)
		return
	}
	httpx.JSON(w, http.StatusOK, entry)
}

func (h *Handler) ready(w http.ResponseWriter, r *http.Request) {
	id, ok := h.paysheetID(w, r)
	if !ok {
		return
	}
	res, err := h.service.ReadyToClose(r.Context(), id)
	if err != nil {
		h.fail(w, "ready to close failed", err)
		return
	}
	httpx.JSON(w, http.StatusOK, res)
}

func (h *Handler) close(w http.ResponseWriter, r *http.Request) {
	id, ok := h.paysheetID(w, r)
	if !ok {
		return
	}
	p, err := h.service.Close(r.Context(), id, shared.ActorFromContext(r.Context()), h.paymentAccountID)
	if err != nil {
		h.fail(w, "close paysheet failed", err)
		return
	}
	httpx.JSON(w, http.StatusOK, p)
}

func (h *Handler) report(w http.ResponseWriter, r *http.Request) {
	id, ok := h.paysheetID(w, r)
	if !ok {
		return
	}
	rep, err := h.service.Report(r.Context(), id)
	if err != nil {
		h.fail(w, "payment report failed", err)
		return
	}
	httpx.JSON(w, http.StatusOK, rep)
}

func (h *Handler) reportXLSX(w http.ResponseWriter, r *http.Request) {
	id, ok := h.paysheetID(w, r)
	if !ok {
		return
	}
	rep, err := h.service.Report(r.Context(), id)
	if err != nil {
		h.fail(w, "payment report failed", err)
		return
	}
	w.Header().Set("Content-Type", "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet")
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=paysheet-%d.xlsx", id))
	if err := report.WritePaymentXLSX(w, rep); err != nil {
		h.logger.Error("write payment report failed", slog.Int64("paysheet_id", id), slog.Any("error", err))
	}
}

func (h *Handler) paysheetID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := httpx.ParamInt64(r, "id")
	if err != nil {
		httpx.RespondError(w, err)
		return 0, false
	}
	return id, true
}

func (h *Handler) fail(w http.ResponseWriter, msg string, err error) {
	h.logger.Warn(msg, slog.Any("error", err))
	httpx.RespondError(w, err)
}
