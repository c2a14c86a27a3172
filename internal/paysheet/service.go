package paysheet

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/odyssey-erp/staffing/internal/ledger"
	"github.com/odyssey-erp/staffing/internal/platform/lock"
	"github.com/odyssey-erp/staffing/internal/shared"
	"github.com/odyssey-erp/staffing/internal/workforce"
	"github.com/odyssey-erp/staffing/report"
)

// TxRepository exposes transactional operations.
type TxRepository interface {
	ledger.Store
	InsertPaysheet(ctx context.Context, p Paysheet) (Paysheet, error)
	GetPaysheet(ctx context.Context, id int64) (Paysheet, error)
	// ListPaysheets returns one page, newest first, and the total match count.
	ListPaysheets(ctx context.Context, f ListFilter) ([]Paysheet, int, error)
	// LockPaysheet loads the paysheet holding a row lock until commit.
	LockPaysheet(ctx context.Context, id int64) (Paysheet, error)
	UpdatePaysheetFlags(ctx context.Context, id int64, isLocked, isClosed bool) error
	SetPaymentStatus(ctx context.Context, id int64, status PaymentStatus) error
	ListEntries(ctx context.Context, paysheetID int64) ([]Entry, error)
	// InsertEntry fails with ErrWorkerInOpenPaysheet when the worker holds
	// an open entry elsewhere.
	InsertEntry(ctx context.Context, paysheetID, workerID int64) (Entry, error)
	AttachPostings(ctx context.Context, entryID int64, postingIDs []int64) error
	UpdateEntryAmount(ctx context.Context, entryID int64, amount decimal.Decimal) error
	SetEntrySettlement(ctx context.Context, entryID, postingID int64) error
	SetEntryReceipt(ctx context.Context, entryID int64, url string) error
	DeleteEntry(ctx context.Context, entryID int64) error
	CloseEntries(ctx context.Context, paysheetID int64) error
	CandidatePostings(ctx context.Context, q CandidateQuery) ([]ledger.Posting, error)
	// CandidateWorkers lists workers with unlocked postings in the period
	// that may join the paysheet.
	CandidateWorkers(ctx context.Context, p Paysheet, maxPayoutAttempts int) ([]int64, error)
	GetWorker(ctx context.Context, id int64) (workforce.Worker, error)
	InsertPhotoProof(ctx context.Context, proof PhotoProof) (PhotoProof, error)
	ListPhotoProofs(ctx context.Context, paysheetID int64) ([]PhotoProof, error)
	InsertRegistryReceipt(ctx context.Context, r RegistryReceipt) error
	ListRegistryReceipts(ctx context.Context, paysheetID int64) ([]RegistryReceipt, error)
}

// Repository opens paysheet transactions.
type Repository interface {
	WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error
}

// Options tune the service.
type Options struct {
	LeaseTTL          time.Duration
	MaxPayoutAttempts int
}

// Service implements the paysheet lifecycle.
type Service struct {
	repo   Repository
	locker lock.Locker
	audit  shared.AuditRecorder
	logger *slog.Logger
	opts   Options
	states PayoutStateSource
	now    func() time.Time
}

// NewService constructs the paysheet service.
func NewService(repo Repository, locker lock.Locker, audit shared.AuditRecorder, logger *slog.Logger, opts Options) *Service {
	if audit == nil {
		audit = shared.NoopAudit{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	if opts.LeaseTTL <= 0 {
		opts.LeaseTTL = 5 * time.Minute
	}
	if opts.MaxPayoutAttempts <= 0 {
		opts.MaxPayoutAttempts = 3
	}
	return &Service{repo: repo, locker: locker, audit: audit, logger: logger, opts: opts, now: time.Now}
}

// WithNow overrides the clock for deterministic tests.
func (s *Service) WithNow(now func() time.Time) {
	if now != nil {
		s.now = now
	}
}

// Create opens a new paysheet under the creation lease.
func (s *Service) Create(ctx context.Context, in CreateInput) (Paysheet, error) {
	if in.FirstDay.IsZero() || in.LastDay.IsZero() || in.LastDay.Before(in.FirstDay) {
		return Paysheet{}, ErrInvalidPeriod
	}
	var created Paysheet
	err := lock.With(ctx, s.locker, shared.PaysheetCreateLockKey, s.opts.LeaseTTL, func(ctx context.Context) error {
		return s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
			p, err := tx.InsertPaysheet(ctx, Paysheet{
				FirstDay:      in.FirstDay,
				LastDay:       in.LastDay,
				CustomerID:    in.CustomerID,
				LocationID:    in.LocationID,
				PaymentStatus: PaymentStatusNone,
				AuthorID:      in.AuthorID,
				CreatedAt:     s.now(),
			})
			if err != nil {
				return err
			}
			workers := in.WorkerIDs
			if len(workers) == 0 && in.SelectCandidates {
				if workers, err = tx.CandidateWorkers(ctx, p, s.opts.MaxPayoutAttempts); err != nil {
					return fmt.Errorf("paysheet: select workers: %w", err)
				}
			}
			for _, workerID := range workers {
				if _, err := s.addWorkerTx(ctx, tx, p, workerID, true); err != nil {
					return fmt.Errorf("paysheet: add worker %d: %w", workerID, err)
				}
			}
			created = p
			return nil
		})
	})
	if err != nil {
		return Paysheet{}, err
	}
	s.record(ctx, in.AuthorID, "paysheet.create", created.ID, map[string]any{
		"first_day": created.FirstDay.Format(time.DateOnly),
		"last_day":  created.LastDay.Format(time.DateOnly),
	})
	return created, nil
}

// Get returns the paysheet with its entries.
func (s *Service) Get(ctx context.Context, id int64) (Paysheet, []Entry, error) {
	var (
		p       Paysheet
		entries []Entry
	)
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		var err error
		if p, err = tx.GetPaysheet(ctx, id); err != nil {
			return err
		}
		entries, err = tx.ListEntries(ctx, id)
		return err
	})
	return p, entries, err
}

// List returns a page of paysheets with pagination metadata.
func (s *Service) List(ctx context.Context, customerID int64, onlyOpen bool, page, perPage int) ([]Paysheet, shared.Pagination, error) {
	meta := shared.NewPagination(page, perPage, 0)
	var (
		items []Paysheet
		total int
	)
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		var err error
		items, total, err = tx.ListPaysheets(ctx, ListFilter{
			CustomerID: customerID,
			OnlyOpen:   onlyOpen,
			Limit:      meta.PerPage,
			Offset:     (meta.Page - 1) * meta.PerPage,
		})
		return err
	})
	if err != nil {
		return nil, shared.Pagination{}, err
	}
	return items, shared.NewPagination(meta.Page, meta.PerPage, total), nil
}

// GetEntry returns the worker's entry in the paysheet.
func (s *Service) GetEntry(ctx context.Context, paysheetID, workerID int64) (Entry, error) {
	_, entries, err := s.Get(ctx, paysheetID)
	if err != nil {
		return Entry{}, err
	}
	e, ok := findWorker(entries, workerID)
	if !ok {
		return Entry{}, fmt.Errorf("%w: worker %d in paysheet %d", ErrEntryNotFound, workerID, paysheetID)
	}
	return e, nil
}

// AddWorker adds the worker's eligible postings as a new entry. Adding a
// worker that already has an entry is a no-op.
func (s *Service) AddWorker(ctx context.Context, paysheetID, workerID int64, filterByCustomer bool) (Entry, error) {
	var entry Entry
	err := s.mutate(ctx, paysheetID, func(ctx context.Context, tx TxRepository, p Paysheet) error {
		var err error
		entry, err = s.addWorkerTx(ctx, tx, p, workerID, filterByCustomer)
		return err
	})
	return entry, err
}

func (s *Service) addWorkerTx(ctx context.Context, tx TxRepository, p Paysheet, workerID int64, filterByCustomer bool) (Entry, error) {
	entries, err := tx.ListEntries(ctx, p.ID)
	if err != nil {
		return Entry{}, err
	}
	if existing, ok := findWorker(entries, workerID); ok {
		return existing, nil
	}
	worker, err := tx.GetWorker(ctx, workerID)
	if err != nil {
		return Entry{}, err
	}
	q := CandidateQuery{WorkerID: workerID, AccountID: worker.AccountID, FirstDay: p.FirstDay, LastDay: p.LastDay}
	if filterByCustomer {
		q.CustomerID, q.LocationID = p.CustomerID, p.LocationID
	}
	postings, err := tx.CandidatePostings(ctx, q)
	if err != nil {
		return Entry{}, err
	}
	entry, err := tx.InsertEntry(ctx, p.ID, workerID)
	if err != nil {
		return Entry{}, err
	}
	ids := make([]int64, 0, len(postings))
	for _, posting := range postings {
		ids = append(ids, posting.ID)
	}
	if err := tx.AttachPostings(ctx, entry.ID, ids); err != nil {
		return Entry{}, err
	}
	if p.IsLocked {
		if err := tx.SetLocked(ctx, ids, true); err != nil {
			return Entry{}, err
		}
	}
	entry.PostingIDs = ids

	saldo, err := tx.TurnoverSaldo(ctx, worker.AccountID)
	if err != nil {
		return Entry{}, err
	}
	entry.Amount = EntryAmount(postings, worker, saldo)
	if err := tx.UpdateEntryAmount(ctx, entry.ID, entry.Amount); err != nil {
		return Entry{}, err
	}
	return entry, nil
}

// EntryAmount nets the postings in the worker's favour, clamps the result
// to what the account owes the worker and floors it to hundreds for workers
// paid in cash.
func EntryAmount(postings []ledger.Posting, worker workforce.Worker, saldo decimal.Decimal) decimal.Decimal {
	total := decimal.Zero
	for _, p := range postings {
		total = total.Sub(p.Effect(worker.AccountID))
	}
	amount := ClampToSaldo(total, saldo)
	if !worker.SelfEmployed {
		hundred := decimal.NewFromInt(100)
		amount = amount.Div(hundred).Floor().Mul(hundred)
	}
	return amount
}

// ClampToSaldo bounds amount to [0, max(0, -saldo)].
func ClampToSaldo(amount, saldo decimal.Decimal) decimal.Decimal {
	limit := decimal.Max(decimal.Zero, saldo.Neg())
	return decimal.Max(decimal.Zero, decimal.Min(amount, limit))
}

// RemoveWorker deletes the worker's entry and releases its postings.
func (s *Service) RemoveWorker(ctx context.Context, paysheetID, workerID int64) error {
	return s.mutate(ctx, paysheetID, func(ctx context.Context, tx TxRepository, p Paysheet) error {
		entries, err := tx.ListEntries(ctx, p.ID)
		if err != nil {
			return err
		}
		entry, ok := findWorker(entries, workerID)
		if !ok {
			return fmt.Errorf("%w: worker %d in paysheet %d", ErrEntryNotFound, workerID, p.ID)
		}
		return s.removeEntryTx(ctx, tx, p, entry)
	})
}

func (s *Service) removeEntryTx(ctx context.Context, tx TxRepository, p Paysheet, entry Entry) error {
	if entry.Settled() {
		return fmt.Errorf("%w: entry %d", ErrEntrySettled, entry.ID)
	}
	if p.IsLocked {
		if err := tx.SetLocked(ctx, entry.PostingIDs, false); err != nil {
			return err
		}
	}
	return tx.DeleteEntry(ctx, entry.ID)
}

// ResetWorkers removes every entry.
func (s *Service) ResetWorkers(ctx context.Context, paysheetID int64) error {
	return s.mutate(ctx, paysheetID, func(ctx context.Context, tx TxRepository, p Paysheet) error {
		_, err := s.resetTx(ctx, tx, p)
		return err
	})
}

func (s *Service) resetTx(ctx context.Context, tx TxRepository, p Paysheet) ([]int64, error) {
	entries, err := tx.ListEntries(ctx, p.ID)
	if err != nil {
		return nil, err
	}
	workers := make([]int64, 0, len(entries))
	for _, e := range entries {
		if err := s.removeEntryTx(ctx, tx, p, e); err != nil {
			return nil, err
		}
		workers = append(workers, e.WorkerID)
	}
	return workers, nil
}

// Recreate rebuilds every entry from the current postings.
func (s *Service) Recreate(ctx context.Context, paysheetID, authorID int64) error {
	err := s.mutate(ctx, paysheetID, func(ctx context.Context, tx TxRepository, p Paysheet) error {
		workers, err := s.resetTx(ctx, tx, p)
		if err != nil {
			return err
		}
		for _, workerID := range workers {
			if _, err := s.addWorkerTx(ctx, tx, p, workerID, true); err != nil {
				return fmt.Errorf("paysheet: re-add worker %d: %w", workerID, err)
			}
		}
		return nil
	})
	if err == nil {
		s.record(ctx, authorID, "paysheet.recreate", paysheetID, nil)
	}
	return err
}

// ToggleLock flips the lock flag of the paysheet and its postings.
func (s *Service) ToggleLock(ctx context.Context, paysheetID, authorID int64) (Paysheet, error) {
	var out Paysheet
	err := s.mutate(ctx, paysheetID, func(ctx context.Context, tx TxRepository, p Paysheet) error {
		if err := setLockedTx(ctx, tx, p, !p.IsLocked); err != nil {
			return err
		}
		p.IsLocked = !p.IsLocked
		out = p
		return nil
	})
	if err == nil {
		s.record(ctx, authorID, "paysheet.toggle_lock", paysheetID, map[string]any{"locked": out.IsLocked})
	}
	return out, err
}

func setLockedTx(ctx context.Context, tx TxRepository, p Paysheet, locked bool) error {
	entries, err := tx.ListEntries(ctx, p.ID)
	if err != nil {
		return err
	}
	var ids []int64
	for _, e := range entries {
		ids = append(ids, e.PostingIDs...)
	}
	if err := tx.SetLocked(ctx, ids, locked); err != nil {
		return err
	}
	return tx.UpdatePaysheetFlags(ctx, p.ID, locked, p.IsClosed)
}

// UpdateEntryAmount overrides an entry amount, clamped to the saldo.
func (s *Service) UpdateEntryAmount(ctx context.Context, paysheetID, entryID int64, amount decimal.Decimal) (Entry, error) {
	var out Entry
	err := s.mutate(ctx, paysheetID, func(ctx context.Context, tx TxRepository, p Paysheet) error {
		entries, err := tx.ListEntries(ctx, p.ID)
		if err != nil {
			return err
		}
		entry, ok := findEntry(entries, entryID)
		if !ok {
			return fmt.Errorf("%w: %d", ErrEntryNotFound, entryID)
		}
		if entry.Settled() {
			return fmt.Errorf("%w: entry %d", ErrEntrySettled, entry.ID)
		}
		worker, err := tx.GetWorker(ctx, entry.WorkerID)
		if err != nil {
			return err
		}
		saldo, err := tx.TurnoverSaldo(ctx, worker.AccountID)
		if err != nil {
			return err
		}
		entry.Amount = ClampToSaldo(amount.Round(2), saldo)
		out = entry
		return tx.UpdateEntryAmount(ctx, entry.ID, entry.Amount)
	})
	return out, err
}

// AddPhotoProof attaches a cash-receipt photo for a worker.
func (s *Service) AddPhotoProof(ctx context.Context, proof PhotoProof) (PhotoProof, error) {
	var out PhotoProof
	err := s.mutate(ctx, proof.PaysheetID, func(ctx context.Context, tx TxRepository, p Paysheet) error {
		if proof.CreatedAt.IsZero() {
			proof.CreatedAt = s.now()
		}
		var err error
		out, err = tx.InsertPhotoProof(ctx, proof)
		return err
	})
	return out, err
}

// AddRegistryFile imports receipts from a bank registry spreadsheet and
// returns how many matched workers of the paysheet.
func (s *Service) AddRegistryFile(ctx context.Context, paysheetID int64, file io.Reader) (int, error) {
	records, err := report.ParseRegistry(file)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", shared.ErrInvalidInput, err)
	}
	imported := 0
	err = s.mutate(ctx, paysheetID, func(ctx context.Context, tx TxRepository, p Paysheet) error {
		entries, err := tx.ListEntries(ctx, p.ID)
		if err != nil {
			return err
		}
		for _, rec := range records {
			if _, ok := findWorker(entries, rec.WorkerID); !ok {
				continue
			}
			if err := tx.InsertRegistryReceipt(ctx, RegistryReceipt{PaysheetID: p.ID, WorkerID: rec.WorkerID, ReceiptURL: rec.ReceiptURL}); err != nil {
				return err
			}
			imported++
		}
		return nil
	})
	return imported, err
}

// SetEntryReceipt stores the tax receipt link of the worker's entry.
func (s *Service) SetEntryReceipt(ctx context.Context, paysheetID, workerID int64, url string) error {
	return s.mutate(ctx, paysheetID, func(ctx context.Context, tx TxRepository, p Paysheet) error {
		entries, err := tx.ListEntries(ctx, p.ID)
		if err != nil {
			return err
		}
		entry, ok := findWorker(entries, workerID)
		if !ok {
			return fmt.Errorf("%w: worker %d in paysheet %d", ErrEntryNotFound, workerID, p.ID)
		}
		return tx.SetEntryReceipt(ctx, entry.ID, url)
	})
}

// SetPaymentStatus updates the payout summary flag.
func (s *Service) SetPaymentStatus(ctx context.Context, paysheetID int64, status PaymentStatus) error {
	return s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		if _, err := tx.LockPaysheet(ctx, paysheetID); err != nil {
			return err
		}
		return tx.SetPaymentStatus(ctx, paysheetID, status)
	})
}

// ReadyToClose checks photo proofs, receipts and amounts against saldo.
func (s *Service) ReadyToClose(ctx context.Context, paysheetID int64) (Readiness, error) {
	var out Readiness
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		if _, err := tx.GetPaysheet(ctx, paysheetID); err != nil {
			return err
		}
		var err error
		out, err = readinessTx(ctx, tx, paysheetID)
		return err
	})
	return out, err
}

func readinessTx(ctx context.Context, tx TxRepository, paysheetID int64) (Readiness, error) {
	entries, err := tx.ListEntries(ctx, paysheetID)
	if err != nil {
		return Readiness{}, err
	}
	proofs, err := tx.ListPhotoProofs(ctx, paysheetID)
	if err != nil {
		return Readiness{}, err
	}
	receipts, err := tx.ListRegistryReceipts(ctx, paysheetID)
	if err != nil {
		return Readiness{}, err
	}
	withPhoto := make(map[int64]bool, len(proofs))
	for _, p := range proofs {
		withPhoto[p.WorkerID] = true
	}
	withReceipt := make(map[int64]bool, len(receipts))
	for _, r := range receipts {
		withReceipt[r.WorkerID] = true
	}

	var problems []string
	for _, e := range entries {
		worker, err := tx.GetWorker(ctx, e.WorkerID)
		if err != nil {
			return Readiness{}, err
		}
		if worker.SelfEmployed {
			if !withReceipt[e.WorkerID] && e.ReceiptURL == "" {
				problems = append(problems, fmt.Sprintf("worker %d: no tax receipt", e.WorkerID))
			}
		} else if !withPhoto[e.WorkerID] {
			problems = append(problems, fmt.Sprintf("worker %d: no photo proof", e.WorkerID))
		}
		if e.Amount.IsNegative() {
			problems = append(problems, fmt.Sprintf("worker %d: negative amount %s", e.WorkerID, e.Amount.StringFixed(2)))
			continue
		}
		if e.Settled() {
			continue
		}
		saldo, err := tx.TurnoverSaldo(ctx, worker.AccountID)
		if err != nil {
			return Readiness{}, err
		}
		if after := saldo.Add(e.Amount); after.GreaterThan(AllowedDiscrepancy) {
			problems = append(problems, fmt.Sprintf("worker %d: amount %s exceeds saldo %s", e.WorkerID, e.Amount.StringFixed(2), saldo.StringFixed(2)))
		}
	}
	return Readiness{Ready: len(problems) == 0, Problems: problems}, nil
}

// Close settles every entry with one locked posting against the payment
// account and makes the paysheet immutable.
func (s *Service) Close(ctx context.Context, paysheetID, authorID, paymentAccountID int64) (Paysheet, error) {
	if paymentAccountID <= 0 {
		return Paysheet{}, fmt.Errorf("%w: payment account required", shared.ErrInvalidInput)
	}
	current, _, err := s.Get(ctx, paysheetID)
	if err != nil {
		return Paysheet{}, err
	}
	if current.IsClosed {
		return Paysheet{}, fmt.Errorf("%w: %d", ErrPaysheetClosed, paysheetID)
	}
	readiness, err := s.ReadyToClose(ctx, paysheetID)
	if err != nil {
		return Paysheet{}, err
	}
	if !readiness.Ready {
		return Paysheet{}, fmt.Errorf("%w: %s", ErrNotReadyToClose, strings.Join(readiness.Problems, "; "))
	}

	var out Paysheet
	err = s.mutate(ctx, paysheetID, func(ctx context.Context, tx TxRepository, p Paysheet) error {
		// Entries may have changed since the check above; the row lock
		// holds them still from here on.
		readiness, err := readinessTx(ctx, tx, p.ID)
		if err != nil {
			return err
		}
		if !readiness.Ready {
			return fmt.Errorf("%w: %s", ErrNotReadyToClose, strings.Join(readiness.Problems, "; "))
		}
		if !p.IsLocked {
			if err := setLockedTx(ctx, tx, p, true); err != nil {
				return err
			}
			p.IsLocked = true
		}
		entries, err := tx.ListEntries(ctx, p.ID)
		if err != nil {
			return err
		}
		at := s.now()
		for _, e := range entries {
			if e.Settled() {
				continue
			}
			worker, err := tx.GetWorker(ctx, e.WorkerID)
			if err != nil {
				return err
			}
			posting, err := tx.CreatePosting(ctx, ledger.PostingInput{
				DebitID:   worker.AccountID,
				CreditID:  paymentAccountID,
				Amount:    e.Amount,
				Timepoint: at,
				Comment:   fmt.Sprintf("Paysheet #%d payout", p.ID),
				AuthorID:  authorID,
				Locked:    true,
			})
			if err != nil {
				return fmt.Errorf("paysheet: settle entry %d: %w", e.ID, err)
			}
			if err := tx.SetEntrySettlement(ctx, e.ID, posting.ID); err != nil {
				return err
			}
		}
		if err := tx.CloseEntries(ctx, p.ID); err != nil {
			return err
		}
		if err := tx.UpdatePaysheetFlags(ctx, p.ID, true, true); err != nil {
			return err
		}
		p.IsClosed = true
		out = p
		return nil
	})
	if err != nil {
		return Paysheet{}, err
	}
	s.record(ctx, authorID, "paysheet.close", paysheetID, map[string]any{"payment_account_id": paymentAccountID})
	return out, nil
}

// mutate runs fn on a row-locked open paysheet.
func (s *Service) mutate(ctx context.Context, paysheetID int64, fn func(context.Context, TxRepository, Paysheet) error) error {
	return s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		p, err := tx.LockPaysheet(ctx, paysheetID)
		if err != nil {
			return err
		}
		if p.IsClosed {
			return fmt.Errorf("%w: %d", ErrPaysheetClosed, paysheetID)
		}
		return fn(ctx, tx, p)
	})
}

func (s *Service) record(ctx context.Context, actorID int64, action string, paysheetID int64, meta map[string]any) {
	err := s.audit.Record(ctx, shared.AuditLog{
		ActorID:  actorID,
		Action:   action,
		Entity:   shared.AuditEntityPaysheet,
		EntityID: strconv.FormatInt(paysheetID, 10),
		Meta:     meta,
		At:       s.now(),
	})
	if err != nil && !errors.Is(err, context.Canceled) {
		s.logger.Warn("audit paysheet", slog.String("action", action), slog.Any("error", err))
	}
}

func findWorker(entries []Entry, workerID int64) (Entry, bool) {
	for _, e := range entries {
		if e.WorkerID == workerID {
			return e, true
		}
	}
	return Entry{}, false
}

func findEntry(entries []Entry, entryID int64) (Entry, bool) {
	for _, e := range entries {
		if e.ID == entryID {
			return e, true
		}
	}
	return Entry{}, false
}
