// Package payout drives self-employed workers of a paysheet through bank
// binding, income registration and payment.
package payout

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/odyssey-erp/staffing/internal/shared"
)

// Steps of the orchestration recorded in the attempt log.
const (
	StepBind     = "bind"
	StepIncome   = "register_income"
	StepPayment  = "payment"
	StepRetry    = "retry"
	StepWebhook  = "webhook"
	incomeModule = "payout.income"
)

var (
	ErrBankClientNotFound   = fmt.Errorf("payout: bank client %w", shared.ErrNotFound)
	ErrRegistrationNotFound = fmt.Errorf("payout: income registration %w", shared.ErrNotFound)
	ErrPaymentNotFound      = fmt.Errorf("payout: payment %w", shared.ErrNotFound)
	ErrEventNotFound        = fmt.Errorf("payout: webhook event %w", shared.ErrNotFound)
	ErrInvalidEvent         = fmt.Errorf("payout: invalid webhook event: %w", shared.ErrInvalidInput)
)

// WorkerState is the current state row of a (paysheet, worker) pair.
type WorkerState struct {
	PaysheetID int64
	WorkerID   int64
	State      State
	Attempts   int
	UpdatedAt  time.Time
}

// Attempt is one append-only orchestration log row.
type Attempt struct {
	ID          int64
	PaysheetID  int64
	WorkerID    int64
	Step        string
	Outcome     string
	Description string
	CreatedAt   time.Time
}

// BankClient links a worker to the bank partner identity. The row is written
// before the bank is asked to create the client.
type BankClient struct {
	WorkerID  int64
	ClientID  string
	Confirmed bool
	CreatedAt time.Time
}

// IncomeRegistration joins webhook callbacks back to a paysheet entry.
type IncomeRegistration struct {
	ID         int64
	PaysheetID int64
	WorkerID   int64
	ClientID   string
	RequestID  string
	Amount     decimal.Decimal
	ReceiptURL string
	CreatedAt  time.Time
}

// Payment is a completed bank transfer.
type Payment struct {
	ID                int64
	PaysheetID        int64
	WorkerID          int64
	Amount            decimal.Decimal
	Commission        decimal.Decimal
	PartnerCommission decimal.Decimal
	OrderSlug         string
	CreatedAt         time.Time
}

// WebhookEvent is a raw inbound bank callback.
type WebhookEvent struct {
	ID          int64
	Body        []byte
	ReceivedAt  time.Time
	ProcessedAt *time.Time
	Error       string
}

// Summary counts outcomes of a payout run.
type Summary struct {
	PaysheetID int64          `json:"paysheet_id"`
	Workers    int            `json:"workers"`
	Outcomes   map[string]int `json:"outcomes"`
}
