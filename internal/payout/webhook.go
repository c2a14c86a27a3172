package payout

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/go-playground/validator/v10"

	"github.com/odyssey-erp/staffing/internal/talkbank"
)

// Webhook results counted by the recorder.
const (
	WebhookProcessed = "processed"
	WebhookFailed    = "failed"
)

var validate = validator.New()

// HandleWebhook stores the raw body, then interprets it. Interpretation
// failures are marked on the event row and dead-lettered; they are not
// returned, so the bank always sees success once the body is stored.
func (s *Service) HandleWebhook(ctx context.Context, body []byte) (int64, error) {
	var eventID int64
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		var err error
		eventID, err = tx.InsertWebhookEvent(ctx, body, s.now())
		return err
	})
	if err != nil {
		return 0, fmt.Errorf("payout: store webhook: %w", err)
	}

	if err := s.process(ctx, eventID, body); err != nil {
		s.logger.Error("webhook interpretation failed", slog.Int64("event_id", eventID), slog.Any("error", err))
		if s.scheduler != nil {
			if qerr := s.scheduler.EnqueueWebhookDeadLetter(context.WithoutCancel(ctx), eventID); qerr != nil {
				s.logger.Error("enqueue webhook dead letter", slog.Int64("event_id", eventID), slog.Any("error", qerr))
			}
		}
	}
	return eventID, nil
}

// ReplayWebhook re-interprets a stored event and returns the failure, if any,
// so the queue can retry it.
func (s *Service) ReplayWebhook(ctx context.Context, eventID int64) error {
	var ev WebhookEvent
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		var err error
		ev, err = tx.GetWebhookEvent(ctx, eventID)
		return err
	})
	if err != nil {
		return err
	}
	if ev.ProcessedAt != nil && ev.Error == "" {
		return nil
	}
	return s.process(ctx, eventID, ev.Body)
}

func (s *Service) process(ctx context.Context, eventID int64, body []byte) error {
	ierr := s.interpret(ctx, body)
	errText := ""
	result := WebhookProcessed
	if ierr != nil {
		errText = ierr.Error()
		result = WebhookFailed
	}
	s.metrics.WebhookEvent(result)
	err := s.repo.WithTx(context.WithoutCancel(ctx), func(ctx context.Context, tx TxRepository) error {
		return tx.MarkWebhookEvent(ctx, eventID, s.now(), errText)
	})
	if err != nil {
		s.logger.Warn("mark webhook event", slog.Int64("event_id", eventID), slog.Any("error", err))
	}
	return ierr
}

func (s *Service) interpret(ctx context.Context, body []byte) error {
	ev, err := talkbank.ParseIncomeEvent(body)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidEvent, err)
	}
	if err := validate.Struct(ev); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidEvent, err)
	}
	switch ev.Data.Status {
	case talkbank.ReceiptSent:
		if ev.Data.Link == "" {
			return fmt.Errorf("%w: sent event without receipt link", ErrInvalidEvent)
		}
		return s.OnIncomeRegistered(ctx, ev.Data.ClientID, ev.Data.ID, ev.Data.Link)
	default:
		reason := strings.Join(ev.Data.Errors, "; ")
		if reason == "" {
			reason = "income registration failed"
		}
		return s.OnIncomeRegistrationFailed(ctx, ev.Data.ClientID, ev.Data.ID, reason)
	}
}
