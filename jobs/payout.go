package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/hibiken/asynq"

	jobmetrics "github.com/odyssey-erp/staffing/internal/jobs"
	"github.com/odyssey-erp/staffing/internal/payout"
	"github.com/odyssey-erp/staffing/internal/paysheet"
	"github.com/odyssey-erp/staffing/internal/platform/lock"
	"github.com/odyssey-erp/staffing/internal/shared"
)

// PayoutService is the orchestration surface driven by the queue.
type PayoutService interface {
	StartPaysheetPayments(ctx context.Context, paysheetID, authorID int64) (payout.Summary, error)
	CloseIfReady(ctx context.Context, paysheetID int64) (bool, error)
	ReplayWebhook(ctx context.Context, eventID int64) error
}

// PayoutJobs handles the payout task family.
type PayoutJobs struct {
	Service PayoutService
	Logger  *slog.Logger
	Metrics *jobmetrics.Metrics
}

// NewPayoutJobs constructs the handlers.
func NewPayoutJobs(service PayoutService, logger *slog.Logger, metrics *jobmetrics.Metrics) *PayoutJobs {
	return &PayoutJobs{Service: service, Logger: logger, Metrics: metrics}
}

// Handlers returns the task registrations for the worker.
func (j *PayoutJobs) Handlers() []TaskHandler {
	return []TaskHandler{
		{Type: TaskPayoutStart, Handler: j.HandleStart},
		{Type: TaskPayoutCloseRetry, Handler: j.HandleCloseRetry},
		{Type: TaskWebhookDeadLetter, Handler: j.HandleDeadLetter},
	}
}

// HandleStart runs a queued payout. A busy paysheet is retried; a closed or
// missing one is dropped.
func (j *PayoutJobs) HandleStart(ctx context.Context, task *asynq.Task) (err error) {
	var payload PayoutStartPayload
	if err := json.Unmarshal(task.Payload(), &payload); err != nil || payload.PaysheetID <= 0 {
		return fmt.Errorf("%s: bad payload: %w", TaskPayoutStart, asynq.SkipRetry)
	}
	tracker := j.metrics().Track(TaskPayoutStart)
	defer func() { err = tracker.End(err) }()

	sum, err := j.Service.StartPaysheetPayments(ctx, payload.PaysheetID, payload.AuthorID)
	if err != nil {
		return j.classify(TaskPayoutStart, payload.PaysheetID, err)
	}
	j.log(TaskPayoutStart).Info("payouts started",
		slog.Int64("paysheet_id", payload.PaysheetID),
		slog.Int("workers", sum.Workers),
		slog.Any("outcomes", sum.Outcomes))
	return nil
}

// HandleCloseRetry closes the paysheet once its lease is free.
func (j *PayoutJobs) HandleCloseRetry(ctx context.Context, task *asynq.Task) (err error) {
	var payload PaysheetPayload
	if err := json.Unmarshal(task.Payload(), &payload); err != nil || payload.PaysheetID <= 0 {
		return fmt.Errorf("%s: bad payload: %w", TaskPayoutCloseRetry, asynq.SkipRetry)
	}
	tracker := j.metrics().Track(TaskPayoutCloseRetry)
	defer func() { err = tracker.End(err) }()

	closed, err := j.Service.CloseIfReady(ctx, payload.PaysheetID)
	if err != nil {
		return j.classify(TaskPayoutCloseRetry, payload.PaysheetID, err)
	}
	j.log(TaskPayoutCloseRetry).Info("close retried", slog.Int64("paysheet_id", payload.PaysheetID), slog.Bool("closed", closed))
	return nil
}

// HandleDeadLetter replays a stored webhook. Malformed events are never
// retried.
func (j *PayoutJobs) HandleDeadLetter(ctx context.Context, task *asynq.Task) (err error) {
	var payload WebhookEventPayload
	if err := json.Unmarshal(task.Payload(), &payload); err != nil || payload.EventID <= 0 {
		return fmt.Errorf("%s: bad payload: %w", TaskWebhookDeadLetter, asynq.SkipRetry)
	}
	tracker := j.metrics().Track(TaskWebhookDeadLetter)
	defer func() { err = tracker.End(err) }()

	err = j.Service.ReplayWebhook(ctx, payload.EventID)
	switch {
	case err == nil:
		j.log(TaskWebhookDeadLetter).Info("webhook replayed", slog.Int64("event_id", payload.EventID))
		return nil
	case errors.Is(err, payout.ErrInvalidEvent), errors.Is(err, payout.ErrEventNotFound):
		j.log(TaskWebhookDeadLetter).Error("webhook dropped", slog.Int64("event_id", payload.EventID), slog.Any("error", err))
		return fmt.Errorf("%w: %w", err, asynq.SkipRetry)
	default:
		j.log(TaskWebhookDeadLetter).Warn("webhook replay failed", slog.Int64("event_id", payload.EventID), slog.Any("error", err))
		return err
	}
}

func (j *PayoutJobs) classify(task string, paysheetID int64, err error) error {
	switch {
	case errors.Is(err, lock.ErrBusy), errors.Is(err, lock.ErrLeaseLost):
		j.log(task).Info("paysheet busy, will retry", slog.Int64("paysheet_id", paysheetID))
		return err
	case errors.Is(err, paysheet.ErrPaysheetClosed), errors.Is(err, shared.ErrNotFound):
		j.log(task).Warn("task dropped", slog.Int64("paysheet_id", paysheetID), slog.Any("error", err))
		return fmt.Errorf("%w: %w", err, asynq.SkipRetry)
	default:
		j.log(task).Error("task failed", slog.Int64("paysheet_id", paysheetID), slog.Any("error", err))
		return err
	}
}

func (j *PayoutJobs) metrics() *jobmetrics.Metrics {
	if j != nil && j.Metrics != nil {
		return j.Metrics
	}
	return defaultJobMetrics
}

func (j *PayoutJobs) log(task string) *slog.Logger {
	if j != nil && j.Logger != nil {
		return j.Logger.With(slog.String("job", task))
	}
	return slog.Default().With(slog.String("job", task))
}
