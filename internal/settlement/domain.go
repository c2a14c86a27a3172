// Package settlement turns recorded turnouts into ledger postings.
package settlement

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/odyssey-erp/staffing/internal/shared"
)

// LinkKind names the concept a posting represents for a turnout.
type LinkKind string

const (
	KindCustomerCharge       LinkKind = "CUSTOMER_CHARGE"
	KindWorkerAccrual        LinkKind = "WORKER_ACCRUAL"
	KindTaxProvision         LinkKind = "TAX_PROVISION"
	KindBalancingAdjustment  LinkKind = "BALANCING_ADJUSTMENT"
	KindCrossWorkerDeduction LinkKind = "CROSS_WORKER_DEDUCTION"
)

// Kinds lists link kinds in commit order.
var Kinds = []LinkKind{
	KindCustomerCharge,
	KindWorkerAccrual,
	KindTaxProvision,
	KindBalancingAdjustment,
	KindCrossWorkerDeduction,
}

// Account mapping keys resolved under MappingModule.
const (
	MappingModule     = "SETTLEMENT"
	MappingRevenue    = "settlement.revenue"
	MappingLabour     = "settlement.labour"
	MappingTaxExpense = "settlement.tax_expense"
	MappingTaxReserve = "settlement.tax_reserve"
)

var (
	// ErrTurnoutNotFound indicates a missing turnout.
	ErrTurnoutNotFound = fmt.Errorf("settlement: turnout %w", shared.ErrNotFound)
	// ErrCustomerAccountMissing indicates the billed customer has no ledger account.
	ErrCustomerAccountMissing = fmt.Errorf("settlement: customer account missing: %w", shared.ErrPrecondition)
)

// Turnout is one worker's recorded shift.
type Turnout struct {
	ID                int64
	WorkerID          int64
	TimesheetID       int64
	Hours             decimal.Decimal
	IsForeman         bool
	PositionID        int64
	CustomerServiceID *int64
}

// Timesheet groups turnouts of one customer site and date.
type Timesheet struct {
	ID         int64
	CustomerID int64
	LocationID int64
	Date       time.Time
}

// CustomerService is a billing contract line with hourly rates.
type CustomerService struct {
	ID           int64
	CustomerID   int64
	LocationID   int64
	Name         string
	CustomerRate decimal.Decimal
	WorkerRate   decimal.Decimal
	ForemanRate  decimal.Decimal
}

// PositionSurcharge is an extra hourly payment for a position at a customer.
type PositionSurcharge struct {
	CustomerID   int64
	PositionID   int64
	From         *time.Time
	To           *time.Time
	HourlyAmount decimal.Decimal
}

// ActiveOn reports whether the surcharge applies on date.
func (s PositionSurcharge) ActiveOn(date time.Time) bool {
	if s.From != nil && date.Before(*s.From) {
		return false
	}
	if s.To != nil && date.After(*s.To) {
		return false
	}
	return true
}

// RecomputeInput parameterises Service.Recompute.
type RecomputeInput struct {
	TurnoutID         int64
	AuthorID          int64
	DeductionWorkerID *int64
	ForceCommit       bool
}

// Result reports the outcome of a recompute.
type Result struct {
	Messages             []string `json:"messages"`
	ConfirmationRequired bool     `json:"confirmation_required"`
	Committed            bool     `json:"committed"`
}
