// Package ledger is the double-entry ledger the settlement engine posts to.
//
// Turnover saldo of an account is the sum of postings debiting it minus the
// sum of postings crediting it. A worker account that is owed money therefore
// carries a negative saldo.
package ledger

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/odyssey-erp/staffing/internal/shared"
)

var (
	// ErrPostingNotFound indicates a missing posting.
	ErrPostingNotFound = fmt.Errorf("ledger: posting %w", shared.ErrNotFound)
	// ErrPostingLocked indicates a locked posting was mutated.
	ErrPostingLocked = fmt.Errorf("ledger: posting locked: %w", shared.ErrConflict)
	// ErrMappingNotFound indicates account mapping missing.
	ErrMappingNotFound = fmt.Errorf("ledger: account mapping %w", shared.ErrNotFound)
	// ErrInvalidPosting indicates malformed posting input.
	ErrInvalidPosting = fmt.Errorf("ledger: invalid posting: %w", shared.ErrInvalidInput)
)

// Account is a node of the account tree.
type Account struct {
	ID       int64
	ParentID *int64
	Code     string
	Name     string
}

// Posting is one movement between two accounts.
type Posting struct {
	ID        int64
	DebitID   int64
	CreditID  int64
	Amount    decimal.Decimal
	Timepoint time.Time
	Comment   string
	AuthorID  int64
	Locked    bool
	CreatedAt time.Time
}

// Effect returns the posting's contribution to accountID's saldo.
func (p Posting) Effect(accountID int64) decimal.Decimal {
	var effect decimal.Decimal
	if p.DebitID == accountID {
		effect = effect.Add(p.Amount)
	}
	if p.CreditID == accountID {
		effect = effect.Sub(p.Amount)
	}
	return effect
}

// Touches reports whether the posting debits or credits accountID.
func (p Posting) Touches(accountID int64) bool {
	return p.DebitID == accountID || p.CreditID == accountID
}

// PostingInput carries the mutable attributes of a posting.
type PostingInput struct {
	DebitID   int64
	CreditID  int64
	Amount    decimal.Decimal
	Timepoint time.Time
	Comment   string
	AuthorID  int64
	Locked    bool
}

// Normalize validates the input and rounds the amount to cents.
func (in PostingInput) Normalize() (PostingInput, error) {
	if in.DebitID <= 0 || in.CreditID <= 0 {
		return in, fmt.Errorf("%w: debit and credit accounts required", ErrInvalidPosting)
	}
	if in.DebitID == in.CreditID {
		return in, fmt.Errorf("%w: debit equals credit (%d)", ErrInvalidPosting, in.DebitID)
	}
	if in.Amount.IsNegative() {
		return in, fmt.Errorf("%w: negative amount %s", ErrInvalidPosting, in.Amount)
	}
	if in.Timepoint.IsZero() {
		return in, fmt.Errorf("%w: timepoint required", ErrInvalidPosting)
	}
	in.Amount = in.Amount.Round(2)
	return in, nil
}

// Matches reports whether p already carries exactly the attributes of in.
func (p Posting) Matches(in PostingInput) bool {
	return p.DebitID == in.DebitID &&
		p.CreditID == in.CreditID &&
		p.Amount.Equal(in.Amount.Round(2)) &&
		p.Timepoint.Equal(in.Timepoint) &&
		p.Comment == in.Comment
}
