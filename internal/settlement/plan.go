package settlement

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/odyssey-erp/staffing/internal/ledger"
)

// Parties holds the ledger accounts involved in a turnout's postings.
type Parties struct {
	CustomerAccountID  int64
	RevenueID          int64
	LabourID           int64
	TaxExpenseID       int64
	TaxReserveID       int64
	WorkerAccountID    int64
	DeductionAccountID int64
}

// planState is everything the planner needs besides the amounts.
type planState struct {
	turnoutID int64
	authorID  int64
	date      time.Time
	parties   Parties
	amounts   Amounts
	current   map[LinkKind]ledger.Posting
	// accrualPaid is set when the current accrual posting sits in a locked
	// or closed paysheet entry.
	accrualPaid bool
	// workerSaldo is the worker account's saldo before any change.
	workerSaldo decimal.Decimal
}

// directed builds a posting moving amount from credit to debit. Negative
// amounts swap the parties; zero means the posting must not exist.
func directed(debitID, creditID int64, amount decimal.Decimal, at time.Time, comment string, authorID int64) *ledger.PostingInput {
	amount = amount.Round(2)
	if amount.IsZero() {
		return nil
	}
	if amount.IsNegative() {
		debitID, creditID = creditID, debitID
		amount = amount.Neg()
	}
	return &ledger.PostingInput{
		DebitID:   debitID,
		CreditID:  creditID,
		Amount:    amount,
		Timepoint: at,
		Comment:   comment,
		AuthorID:  authorID,
	}
}

// workerGain is how much the posting pays accountID (negative for a charge).
func workerGain(debitID, creditID int64, amount decimal.Decimal, accountID int64) decimal.Decimal {
	p := ledger.Posting{DebitID: debitID, CreditID: creditID, Amount: amount}
	return p.Effect(accountID).Neg()
}

func gainOfInput(in *ledger.PostingInput, accountID int64) decimal.Decimal {
	if in == nil {
		return decimal.Zero
	}
	return workerGain(in.DebitID, in.CreditID, in.Amount, accountID)
}

func gainOfPosting(p *ledger.Posting, accountID int64) decimal.Decimal {
	if p == nil {
		return decimal.Zero
	}
	return workerGain(p.DebitID, p.CreditID, p.Amount, accountID)
}

func (s planState) comment(kind LinkKind) string {
	switch kind {
	case KindCustomerCharge:
		return fmt.Sprintf("Turnout #%d: customer charge", s.turnoutID)
	case KindWorkerAccrual:
		return fmt.Sprintf("Turnout #%d: worker accrual", s.turnoutID)
	case KindTaxProvision:
		return fmt.Sprintf("Turnout #%d: tax provision", s.turnoutID)
	case KindBalancingAdjustment:
		return fmt.Sprintf("Turnout #%d: adjustment of paid accrual", s.turnoutID)
	default:
		return fmt.Sprintf("Turnout #%d: deduction from another worker", s.turnoutID)
	}
}

// buildPlan returns the desired posting for every kind (nil = absent).
func buildPlan(s planState) map[LinkKind]*ledger.PostingInput {
	p := s.parties
	plan := make(map[LinkKind]*ledger.PostingInput, len(Kinds))
	full := s.amounts.Accrual

	if s.amounts.Billable {
		plan[KindCustomerCharge] = directed(p.CustomerAccountID, p.RevenueID, s.amounts.Charge, s.date, s.comment(KindCustomerCharge), s.authorID)
		plan[KindTaxProvision] = directed(p.TaxExpenseID, p.TaxReserveID, s.amounts.Tax, s.date, s.comment(KindTaxProvision), s.authorID)
	}

	currentAccrual, hasAccrual := s.current[KindWorkerAccrual]
	if !s.accrualPaid || !hasAccrual {
		plan[KindWorkerAccrual] = directed(p.LabourID, p.WorkerAccountID, full, s.date, s.comment(KindWorkerAccrual), s.authorID)
		return plan
	}

	// The accrual was already paid out: keep it and settle the difference.
	frozen := gainOfPosting(&currentAccrual, p.WorkerAccountID)
	plan[KindWorkerAccrual] = &ledger.PostingInput{
		DebitID:   currentAccrual.DebitID,
		CreditID:  currentAccrual.CreditID,
		Amount:    currentAccrual.Amount,
		Timepoint: currentAccrual.Timepoint,
		Comment:   currentAccrual.Comment,
		AuthorID:  currentAccrual.AuthorID,
	}
	diff := full.Sub(frozen)
	if diff.IsPositive() || p.DeductionAccountID == 0 {
		plan[KindBalancingAdjustment] = directed(p.LabourID, p.WorkerAccountID, diff, s.date, s.comment(KindBalancingAdjustment), s.authorID)
		return plan
	}

	deduction := diff.Neg()
	var existingAdjustment *ledger.Posting
	if adj, ok := s.current[KindBalancingAdjustment]; ok {
		existingAdjustment = &adj
	}
	// Owed balance, ignoring the adjustment this plan replaces.
	owed := s.workerSaldo.Add(gainOfPosting(existingAdjustment, p.WorkerAccountID)).Neg()
	absorbable := decimal.Max(decimal.Zero, owed)
	own := decimal.Min(deduction, absorbable)
	shortfall := deduction.Sub(own)

	plan[KindBalancingAdjustment] = directed(p.LabourID, p.WorkerAccountID, own.Neg(), s.date, s.comment(KindBalancingAdjustment), s.authorID)
	plan[KindCrossWorkerDeduction] = directed(p.DeductionAccountID, p.LabourID, shortfall, s.date, s.comment(KindCrossWorkerDeduction), s.authorID)
	return plan
}

// Op is the change applied to one link kind.
type Op int

const (
	OpNone Op = iota
	OpCreate
	OpUpdate
	OpDelete
)

// Change pairs the current and planned posting of one kind.
type Change struct {
	Kind    LinkKind
	Op      Op
	Current *ledger.Posting
	Planned *ledger.PostingInput
}

func diffPlan(current map[LinkKind]ledger.Posting, plan map[LinkKind]*ledger.PostingInput) []Change {
	changes := make([]Change, 0, len(Kinds))
	for _, kind := range Kinds {
		ch := Change{Kind: kind, Planned: plan[kind]}
		if cur, ok := current[kind]; ok {
			cur := cur
			ch.Current = &cur
		}
		switch {
		case ch.Current == nil && ch.Planned == nil:
			ch.Op = OpNone
		case ch.Current == nil:
			ch.Op = OpCreate
		case ch.Planned == nil:
			ch.Op = OpDelete
		case ch.Current.Matches(*ch.Planned):
			ch.Op = OpNone
		default:
			ch.Op = OpUpdate
		}
		changes = append(changes, ch)
	}
	return changes
}

// reports describes the changes and flags those that worsen somebody's
// position: a smaller accrual, an adjustment moving toward a deduction or a
// larger deduction charged to another worker.
func reports(changes []Change, parties Parties) ([]string, bool) {
	var messages []string
	confirm := false
	for _, ch := range changes {
		if ch.Op == OpNone {
			continue
		}
		var before, after decimal.Decimal
		worse := false
		switch ch.Kind {
		case KindWorkerAccrual:
			before = gainOfPosting(ch.Current, parties.WorkerAccountID)
			after = gainOfInput(ch.Planned, parties.WorkerAccountID)
			worse = after.LessThan(before)
		case KindBalancingAdjustment:
			before = gainOfPosting(ch.Current, parties.WorkerAccountID)
			after = gainOfInput(ch.Planned, parties.WorkerAccountID)
			worse = after.LessThan(before)
		case KindCrossWorkerDeduction:
			if ch.Current != nil {
				before = ch.Current.Amount
			}
			if ch.Planned != nil {
				after = ch.Planned.Amount
			}
			worse = after.GreaterThan(before)
		default:
			before = signedAmount(ch.Current, parties)
			if ch.Planned != nil {
				after = signedInputAmount(ch.Planned, parties)
			}
		}
		msg := fmt.Sprintf("%s: %s -> %s", describe(ch.Kind), before.StringFixed(2), after.StringFixed(2))
		if worse {
			msg += " (requires confirmation)"
			confirm = true
		}
		messages = append(messages, msg)
	}
	return messages, confirm
}

// signedAmount reports charge and tax in their natural direction.
func signedAmount(p *ledger.Posting, parties Parties) decimal.Decimal {
	if p == nil {
		return decimal.Zero
	}
	if p.DebitID == parties.CustomerAccountID || p.DebitID == parties.TaxExpenseID {
		return p.Amount
	}
	return p.Amount.Neg()
}

func signedInputAmount(in *ledger.PostingInput, parties Parties) decimal.Decimal {
	return signedAmount(&ledger.Posting{DebitID: in.DebitID, Amount: in.Amount}, parties)
}

func describe(kind LinkKind) string {
	switch kind {
	case KindCustomerCharge:
		return "customer charge"
	case KindWorkerAccrual:
		return "worker accrual"
	case KindTaxProvision:
		return "tax provision"
	case KindBalancingAdjustment:
		return "balancing adjustment"
	case KindCrossWorkerDeduction:
		return "cross-worker deduction"
	}
	return string(kind)
}
