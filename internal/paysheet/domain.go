// Package paysheet aggregates worker postings into payroll batches and
// settles them on close.
package paysheet

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/odyssey-erp/staffing/internal/shared"
)

// PaymentStatus summarises bank payout progress of a paysheet.
type PaymentStatus string

const (
	PaymentStatusNone       PaymentStatus = "NONE"
	PaymentStatusInProgress PaymentStatus = "IN_PROGRESS"
	PaymentStatusComplete   PaymentStatus = "COMPLETE"
)

// AllowedDiscrepancy is how far an entry may overshoot the worker's saldo.
var AllowedDiscrepancy = decimal.NewFromInt(5)

var (
	ErrPaysheetNotFound     = fmt.Errorf("paysheet: paysheet %w", shared.ErrNotFound)
	ErrEntryNotFound        = fmt.Errorf("paysheet: entry %w", shared.ErrNotFound)
	ErrPaysheetClosed       = fmt.Errorf("paysheet: paysheet is closed: %w", shared.ErrConflict)
	ErrEntrySettled         = fmt.Errorf("paysheet: entry already has a settlement posting: %w", shared.ErrConflict)
	ErrWorkerInOpenPaysheet = fmt.Errorf("paysheet: worker already in an open paysheet: %w", shared.ErrConflict)
	ErrNotReadyToClose      = fmt.Errorf("paysheet: not ready to close: %w", shared.ErrPrecondition)
	ErrInvalidPeriod        = fmt.Errorf("paysheet: invalid period: %w", shared.ErrInvalidInput)
)

// Paysheet is a payroll batch for a pay period.
type Paysheet struct {
	ID            int64         `json:"id"`
	FirstDay      time.Time     `json:"first_day"`
	LastDay       time.Time     `json:"last_day"`
	CustomerID    *int64        `json:"customer_id,omitempty"`
	LocationID    *int64        `json:"location_id,omitempty"`
	IsClosed      bool          `json:"is_closed"`
	IsLocked      bool          `json:"is_locked"`
	PaymentStatus PaymentStatus `json:"payment_status"`
	AuthorID      int64         `json:"author_id"`
	CreatedAt     time.Time     `json:"created_at"`
}

// ListFilter narrows paysheet listings. Zero values match everything.
type ListFilter struct {
	CustomerID int64
	OnlyOpen   bool
	Limit      int
	Offset     int
}

// Entry is one worker's line in a paysheet.
type Entry struct {
	ID                  int64           `json:"id"`
	PaysheetID          int64           `json:"paysheet_id"`
	WorkerID            int64           `json:"worker_id"`
	Amount              decimal.Decimal `json:"amount"`
	SettlementPostingID *int64          `json:"settlement_posting_id,omitempty"`
	ReceiptURL          string          `json:"receipt_url,omitempty"`
	PostingIDs          []int64         `json:"posting_ids"`
}

// Settled reports whether the entry already has its final posting.
func (e Entry) Settled() bool {
	return e.SettlementPostingID != nil
}

// PhotoProof is a photo confirming a worker received cash.
type PhotoProof struct {
	ID         int64     `json:"id"`
	PaysheetID int64     `json:"paysheet_id"`
	WorkerID   int64     `json:"worker_id" validate:"required,gt=0"`
	URL        string    `json:"url" validate:"required,url"`
	CreatedAt  time.Time `json:"created_at"`
}

// RegistryReceipt is a tax receipt imported from a bank registry file.
type RegistryReceipt struct {
	PaysheetID int64
	WorkerID   int64
	ReceiptURL string
}

// CreateInput describes a new paysheet.
type CreateInput struct {
	FirstDay   time.Time
	LastDay    time.Time
	CustomerID *int64
	LocationID *int64
	AuthorID   int64
	// WorkerIDs seeds the paysheet explicitly; when empty and
	// SelectCandidates is set the eligible workers are selected.
	WorkerIDs        []int64
	SelectCandidates bool
}

// Readiness reports whether a paysheet may be closed.
type Readiness struct {
	Ready    bool     `json:"ready"`
	Problems []string `json:"problems,omitempty"`
}

// CandidateQuery selects postings eligible for a worker's entry.
type CandidateQuery struct {
	WorkerID   int64
	AccountID  int64
	FirstDay   time.Time
	LastDay    time.Time
	CustomerID *int64
	LocationID *int64
}
