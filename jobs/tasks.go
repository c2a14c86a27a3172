package jobs

import (
	"encoding/json"
	"strconv"
	"time"

	"github.com/hibiken/asynq"

	jobmetrics "github.com/odyssey-erp/staffing/internal/jobs"
)

const (
	// QueueDefault is the default queue name for background jobs.
	QueueDefault = "default"
	// QueuePayouts carries bank-facing payout work.
	QueuePayouts = "payouts"

	// TaskPayoutStart runs payouts of a paysheet in the background.
	TaskPayoutStart = "payout:start"
	// TaskPayoutCloseRetry closes a paysheet whose lease was busy when the
	// last webhook arrived.
	TaskPayoutCloseRetry = "payout:close_retry"
	// TaskWebhookDeadLetter replays a bank webhook that failed interpretation.
	TaskWebhookDeadLetter = "payout:webhook_dead_letter"
	// TaskIdempotencyCleanup purges expired idempotency keys.
	TaskIdempotencyCleanup = "retention:idempotency_cleanup"
)

var defaultJobMetrics = jobmetrics.NewMetrics(nil)

// PayoutStartPayload identifies the paysheet to pay out.
type PayoutStartPayload struct {
	PaysheetID int64 `json:"paysheet_id"`
	AuthorID   int64 `json:"author_id"`
}

// PaysheetPayload identifies a paysheet.
type PaysheetPayload struct {
	PaysheetID int64 `json:"paysheet_id"`
}

// WebhookEventPayload identifies a stored webhook event.
type WebhookEventPayload struct {
	EventID int64 `json:"event_id"`
}

// CleanupPayload configures retention jobs.
type CleanupPayload struct {
	RetentionHours int `json:"retention_hours"`
}

// NewPayoutStartTask builds a payout run task. Only one run per paysheet can
// be queued at a time.
func NewPayoutStartTask(paysheetID, authorID int64) (*asynq.Task, error) {
	body, err := json.Marshal(PayoutStartPayload{PaysheetID: paysheetID, AuthorID: authorID})
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskPayoutStart, body,
		asynq.Queue(QueuePayouts),
		asynq.TaskID(TaskPayoutStart+":"+strconv.FormatInt(paysheetID, 10)),
		asynq.MaxRetry(3),
		asynq.Timeout(30*time.Minute),
	), nil
}

// NewPayoutCloseRetryTask builds a delayed close attempt.
func NewPayoutCloseRetryTask(paysheetID int64) (*asynq.Task, error) {
	body, err := json.Marshal(PaysheetPayload{PaysheetID: paysheetID})
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskPayoutCloseRetry, body,
		asynq.Queue(QueuePayouts),
		asynq.TaskID(TaskPayoutCloseRetry+":"+strconv.FormatInt(paysheetID, 10)),
		asynq.ProcessIn(30*time.Second),
		asynq.MaxRetry(10),
	), nil
}

// NewWebhookDeadLetterTask builds a replay of a stored webhook event.
func NewWebhookDeadLetterTask(eventID int64) (*asynq.Task, error) {
	body, err := json.Marshal(WebhookEventPayload{EventID: eventID})
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskWebhookDeadLetter, body,
		asynq.Queue(QueuePayouts),
		asynq.ProcessIn(time.Minute),
		asynq.MaxRetry(8),
	), nil
}

// NewIdempotencyCleanupTask builds the retention task.
func NewIdempotencyCleanupTask(retention time.Duration) (*asynq.Task, error) {
	body, err := json.Marshal(CleanupPayload{RetentionHours: int(retention.Hours())})
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskIdempotencyCleanup, body, asynq.Queue(QueueDefault)), nil
}
