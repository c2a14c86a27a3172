package settlement

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"

	"github.com/odyssey-erp/staffing/internal/ledger"
	"github.com/odyssey-erp/staffing/internal/shared"
	"github.com/odyssey-erp/staffing/internal/workforce"
)

// TxRepository exposes transactional operations.
type TxRepository interface {
	ledger.Store
	// LockTurnout loads the turnout holding a row lock until commit.
	LockTurnout(ctx context.Context, id int64) (Turnout, error)
	GetTimesheet(ctx context.Context, id int64) (Timesheet, error)
	GetCustomerService(ctx context.Context, id int64) (CustomerService, error)
	ListSurcharges(ctx context.Context, customerID, positionID int64) ([]PositionSurcharge, error)
	GetWorker(ctx context.Context, id int64) (workforce.Worker, error)
	CustomerAccount(ctx context.Context, customerID int64) (int64, error)
	ListLinks(ctx context.Context, turnoutID int64) (map[LinkKind]int64, error)
	InsertLink(ctx context.Context, turnoutID int64, kind LinkKind, postingID int64) error
	DeleteLink(ctx context.Context, turnoutID int64, kind LinkKind) error
	// AccrualPaid reports whether the posting is swept into an entry of a
	// locked or closed paysheet.
	AccrualPaid(ctx context.Context, postingID int64) (bool, error)
}

// Repository opens settlement transactions.
type Repository interface {
	WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error
}

// DependentRecomputer refreshes postings derived from a turnout, such as a
// housing bonus tied to the hours worked that day.
type DependentRecomputer interface {
	RecomputeDependents(ctx context.Context, turnout Turnout, authorID int64) error
}

// Service recomputes turnout postings.
type Service struct {
	repo       Repository
	dependents DependentRecomputer
	audit      shared.AuditRecorder
	logger     *slog.Logger
}

// NewService constructs the settlement service.
func NewService(repo Repository, audit shared.AuditRecorder, logger *slog.Logger) *Service {
	if audit == nil {
		audit = shared.NoopAudit{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{repo: repo, audit: audit, logger: logger}
}

// SetDependentRecomputer injects the collaborator called after commit.
func (s *Service) SetDependentRecomputer(d DependentRecomputer) {
	s.dependents = d
}

// Recompute brings the turnout's postings in line with its current data.
// When the change worsens a worker's position and ForceCommit is unset,
// nothing is written and ConfirmationRequired is returned instead.
func (s *Service) Recompute(ctx context.Context, in RecomputeInput) (Result, error) {
	if in.TurnoutID <= 0 {
		return Result{}, fmt.Errorf("%w: turnout id required", shared.ErrInvalidInput)
	}
	var (
		result  Result
		turnout Turnout
	)
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		var err error
		turnout, err = tx.LockTurnout(ctx, in.TurnoutID)
		if err != nil {
			return err
		}
		state, err := s.loadState(ctx, tx, turnout, in)
		if err != nil {
			return err
		}
		plan := buildPlan(state)
		changes := diffPlan(state.current, plan)
		result.Messages, result.ConfirmationRequired = reports(changes, state.parties)
		if result.ConfirmationRequired && !in.ForceCommit {
			return nil
		}
		if err := applyChanges(ctx, tx, turnout.ID, changes); err != nil {
			return err
		}
		result.Committed = true
		return nil
	})
	if err != nil {
		return Result{}, err
	}
	if !result.Committed {
		return result, nil
	}

	if s.dependents != nil {
		if err := s.dependents.RecomputeDependents(ctx, turnout, in.AuthorID); err != nil {
			s.logger.Error("recompute dependents failed", slog.Int64("turnout_id", turnout.ID), slog.Any("error", err))
		}
	}
	if len(result.Messages) > 0 {
		if err := s.audit.Record(ctx, shared.AuditLog{
			ActorID:  in.AuthorID,
			Action:   "turnout.recompute",
			Entity:   shared.AuditEntityTurnout,
			EntityID: strconv.FormatInt(turnout.ID, 10),
			Meta:     map[string]any{"messages": result.Messages, "forced": in.ForceCommit},
		}); err != nil {
			s.logger.Warn("audit turnout recompute", slog.Any("error", err))
		}
	}
	return result, nil
}

func (s *Service) loadState(ctx context.Context, tx TxRepository, turnout Turnout, in RecomputeInput) (planState, error) {
	state := planState{turnoutID: turnout.ID, authorID: in.AuthorID}

	timesheet, err := tx.GetTimesheet(ctx, turnout.TimesheetID)
	if err != nil {
		return state, fmt.Errorf("settlement: load timesheet: %w", err)
	}
	state.date = timesheet.Date

	worker, err := tx.GetWorker(ctx, turnout.WorkerID)
	if err != nil {
		return state, fmt.Errorf("settlement: load worker: %w", err)
	}

	calc := CalcInput{Hours: turnout.Hours, IsForeman: turnout.IsForeman, SelfEmployed: worker.SelfEmployed}
	if turnout.CustomerServiceID != nil {
		svc, err := tx.GetCustomerService(ctx, *turnout.CustomerServiceID)
		if err != nil {
			return state, fmt.Errorf("settlement: load customer service: %w", err)
		}
		calc.Service = &svc
		surcharges, err := tx.ListSurcharges(ctx, timesheet.CustomerID, turnout.PositionID)
		if err != nil {
			return state, fmt.Errorf("settlement: load surcharges: %w", err)
		}
		calc.Surcharge = SurchargeOn(surcharges, timesheet.Date)
	}
	state.amounts = ComputeAmounts(calc)

	if state.parties, err = resolveParties(ctx, tx, state.amounts.Billable, timesheet.CustomerID); err != nil {
		return state, err
	}
	state.parties.WorkerAccountID = worker.AccountID

	links, err := tx.ListLinks(ctx, turnout.ID)
	if err != nil {
		return state, fmt.Errorf("settlement: list links: %w", err)
	}
	state.current = make(map[LinkKind]ledger.Posting, len(links))
	for kind, postingID := range links {
		p, err := tx.GetPosting(ctx, postingID)
		if err != nil {
			return state, fmt.Errorf("settlement: load %s posting: %w", kind, err)
		}
		state.current[kind] = p
	}

	if accrual, ok := state.current[KindWorkerAccrual]; ok {
		if state.accrualPaid, err = tx.AccrualPaid(ctx, accrual.ID); err != nil {
			return state, fmt.Errorf("settlement: check accrual paid: %w", err)
		}
	}
	if state.accrualPaid {
		if state.workerSaldo, err = tx.TurnoverSaldo(ctx, worker.AccountID); err != nil {
			return state, fmt.Errorf("settlement: worker saldo: %w", err)
		}
		switch {
		case in.DeductionWorkerID != nil:
			other, err := tx.GetWorker(ctx, *in.DeductionWorkerID)
			if err != nil {
				return state, fmt.Errorf("settlement: load deduction worker: %w", err)
			}
			state.parties.DeductionAccountID = other.AccountID
		case hasKind(state.current, KindCrossWorkerDeduction):
			state.parties.DeductionAccountID = state.current[KindCrossWorkerDeduction].DebitID
		}
	}
	return state, nil
}

func hasKind(m map[LinkKind]ledger.Posting, kind LinkKind) bool {
	_, ok := m[kind]
	return ok
}

func resolveParties(ctx context.Context, tx TxRepository, billable bool, customerID int64) (Parties, error) {
	var p Parties
	accounts := []struct {
		key    string
		target *int64
	}{
		{MappingLabour, &p.LabourID},
		{MappingRevenue, &p.RevenueID},
		{MappingTaxExpense, &p.TaxExpenseID},
		{MappingTaxReserve, &p.TaxReserveID},
	}
	for _, a := range accounts {
		id, err := tx.AccountMapping(ctx, MappingModule, a.key)
		if err != nil {
			return p, err
		}
		*a.target = id
	}
	if !billable {
		return p, nil
	}
	id, err := tx.CustomerAccount(ctx, customerID)
	if err != nil {
		return p, err
	}
	if id == 0 {
		return p, fmt.Errorf("%w: customer %d", ErrCustomerAccountMissing, customerID)
	}
	p.CustomerAccountID = id
	return p, nil
}

func applyChanges(ctx context.Context, tx TxRepository, turnoutID int64, changes []Change) error {
	for _, ch := range changes {
		switch ch.Op {
		case OpCreate:
			p, err := tx.CreatePosting(ctx, *ch.Planned)
			if err != nil {
				return fmt.Errorf("settlement: create %s: %w", ch.Kind, err)
			}
			if err := tx.InsertLink(ctx, turnoutID, ch.Kind, p.ID); err != nil {
				return fmt.Errorf("settlement: link %s: %w", ch.Kind, err)
			}
		case OpUpdate:
			if _, err := ledger.UpdateLocked(ctx, tx, ch.Current.ID, *ch.Planned); err != nil {
				return fmt.Errorf("settlement: update %s: %w", ch.Kind, err)
			}
		case OpDelete:
			if ch.Current.Locked {
				return fmt.Errorf("settlement: delete %s posting %d: %w", ch.Kind, ch.Current.ID, ledger.ErrPostingLocked)
			}
			if err := tx.DeleteLink(ctx, turnoutID, ch.Kind); err != nil {
				return fmt.Errorf("settlement: unlink %s: %w", ch.Kind, err)
			}
			if err := tx.DeletePosting(ctx, ch.Current.ID); err != nil && !errors.Is(err, ledger.ErrPostingNotFound) {
				return fmt.Errorf("settlement: delete %s: %w", ch.Kind, err)
			}
		}
	}
	return nil
}
