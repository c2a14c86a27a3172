package payout

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"github.com/odyssey-erp/staffing/internal/paysheet"
	"github.com/odyssey-erp/staffing/internal/platform/lock"
	"github.com/odyssey-erp/staffing/internal/shared"
	"github.com/odyssey-erp/staffing/internal/talkbank"
	"github.com/odyssey-erp/staffing/internal/workforce"
)

const (
	incomeTypeLegalEntity = "FromLegalEntity"
	passportDocumentType  = "21"
)

// Bank is the subset of the bank partner API used by payouts.
type Bank interface {
	CreateClient(ctx context.Context, in talkbank.CreateClientInput) (string, error)
	SelfEmploymentStatus(ctx context.Context, clientID string) (talkbank.SelfEmployment, error)
	BindSelfEmployment(ctx context.Context, clientID string) (string, error)
	RegisterIncome(ctx context.Context, clientID string, in talkbank.IncomeInput) (string, error)
	Transfer(ctx context.Context, in talkbank.TransferInput) (talkbank.TransferResult, error)
	CancelReceipt(ctx context.Context, clientID, receiptID, reason string) error
}

// Paysheets is the paysheet lifecycle as seen by payouts.
type Paysheets interface {
	Get(ctx context.Context, id int64) (paysheet.Paysheet, []paysheet.Entry, error)
	RemoveWorker(ctx context.Context, paysheetID, workerID int64) error
	SetEntryReceipt(ctx context.Context, paysheetID, workerID int64, url string) error
	SetPaymentStatus(ctx context.Context, paysheetID int64, status paysheet.PaymentStatus) error
	ReadyToClose(ctx context.Context, paysheetID int64) (paysheet.Readiness, error)
	Close(ctx context.Context, paysheetID, authorID, paymentAccountID int64) (paysheet.Paysheet, error)
}

// Scheduler defers work to the background queue.
type Scheduler interface {
	EnqueuePayoutStart(ctx context.Context, paysheetID, authorID int64) error
	EnqueueCloseRetry(ctx context.Context, paysheetID int64) error
	EnqueueWebhookDeadLetter(ctx context.Context, eventID int64) error
}

// Recorder counts payout outcomes and webhook results.
type Recorder interface {
	PayoutOutcome(step, outcome string)
	WebhookEvent(result string)
}

// Idempotency remembers processed webhook keys.
type Idempotency interface {
	CheckAndInsert(ctx context.Context, key, module string) error
	Delete(ctx context.Context, key string) error
}

// TxRepository exposes transactional payout storage.
type TxRepository interface {
	GetWorker(ctx context.Context, id int64) (workforce.Worker, error)
	// LockState returns the state row, NOT_BOUND when absent, locked until
	// commit.
	LockState(ctx context.Context, paysheetID, workerID int64) (WorkerState, error)
	SaveState(ctx context.Context, st WorkerState) error
	ListStates(ctx context.Context, paysheetID int64) ([]WorkerState, error)
	AppendAttempt(ctx context.Context, a Attempt) error
	ListAttempts(ctx context.Context, paysheetID int64) ([]Attempt, error)
	GetBankClient(ctx context.Context, workerID int64) (BankClient, error)
	SaveBankClient(ctx context.Context, c BankClient) error
	InsertIncomeRegistration(ctx context.Context, r IncomeRegistration) (IncomeRegistration, error)
	FindIncomeRegistration(ctx context.Context, clientID, requestID string) (IncomeRegistration, error)
	SetRegistrationReceipt(ctx context.Context, id int64, url string) error
	InsertPayment(ctx context.Context, p Payment) (Payment, error)
	FindPayment(ctx context.Context, paysheetID, workerID int64) (Payment, error)
	InsertWebhookEvent(ctx context.Context, body []byte, receivedAt time.Time) (int64, error)
	GetWebhookEvent(ctx context.Context, id int64) (WebhookEvent, error)
	MarkWebhookEvent(ctx context.Context, id int64, processedAt time.Time, errText string) error
}

// Repository opens payout transactions.
type Repository interface {
	WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error
}

// Options configure payouts.
type Options struct {
	LeaseTTL             time.Duration
	MaxAttempts          int
	Concurrency          int
	CustomerINN          string
	CustomerOrganization string
	ServiceName          string
	PaymentAccountID     int64
	SystemActorID        int64
}

// Service orchestrates bank payouts of paysheet entries.
type Service struct {
	repo      Repository
	bank      Bank
	paysheets Paysheets
	locker    lock.Locker
	logger    *slog.Logger
	opts      Options

	idem      Idempotency
	scheduler Scheduler
	metrics   Recorder
	audit     shared.AuditRecorder
	group     singleflight.Group
	now       func() time.Time
}

// NewService wires the orchestrator.
func NewService(repo Repository, bank Bank, paysheets Paysheets, locker lock.Locker, logger *slog.Logger, opts Options) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	if opts.LeaseTTL <= 0 {
		opts.LeaseTTL = 5 * time.Minute
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = 3
	}
	if opts.Concurrency <= 0 {
		opts.Concurrency = 4
	}
	if opts.ServiceName == "" {
		opts.ServiceName = "Staffing services"
	}
	return &Service{
		repo:      repo,
		bank:      bank,
		paysheets: paysheets,
		locker:    locker,
		logger:    logger,
		opts:      opts,
		metrics:   noopRecorder{},
		audit:     shared.NoopAudit{},
		now:       time.Now,
	}
}

// SetIdempotency enables the persistent webhook key store.
func (s *Service) SetIdempotency(idem Idempotency) { s.idem = idem }

// SetScheduler enables background retries.
func (s *Service) SetScheduler(sch Scheduler) { s.scheduler = sch }

// SetRecorder installs metrics.
func (s *Service) SetRecorder(r Recorder) {
	if r != nil {
		s.metrics = r
	}
}

// SetAudit installs the audit recorder.
func (s *Service) SetAudit(a shared.AuditRecorder) {
	if a != nil {
		s.audit = a
	}
}

// WithNow overrides the clock for deterministic tests.
func (s *Service) WithNow(now func() time.Time) {
	if now != nil {
		s.now = now
	}
}

// StartPaysheetPayments binds and registers income for every self-employed
// entry. One worker's bank failure never aborts the run.
func (s *Service) StartPaysheetPayments(ctx context.Context, paysheetID, authorID int64) (Summary, error) {
	sum := Summary{PaysheetID: paysheetID, Outcomes: map[string]int{}}
	err := lock.With(ctx, s.locker, shared.PaysheetLockKey(paysheetID), s.opts.LeaseTTL, func(ctx context.Context) error {
		p, entries, err := s.paysheets.Get(ctx, paysheetID)
		if err != nil {
			return err
		}
		if p.IsClosed {
			return fmt.Errorf("%w: %d", paysheet.ErrPaysheetClosed, p.ID)
		}
		if err := s.paysheets.SetPaymentStatus(ctx, p.ID, paysheet.PaymentStatusInProgress); err != nil {
			return err
		}

		var mu sync.Mutex
		g, gctx := errgroup.WithContext(ctx)
		g.SetLimit(s.opts.Concurrency)
		for _, e := range entries {
			if e.Settled() || !e.Amount.IsPositive() {
				continue
			}
			g.Go(func() error {
				outcome, err := s.processEntry(gctx, p, e)
				if err != nil {
					if ctxErr := gctx.Err(); ctxErr != nil {
						return ctxErr
					}
					s.logger.Error("payout worker failed",
						slog.Int64("paysheet_id", p.ID),
						slog.Int64("worker_id", e.WorkerID),
						slog.Any("error", err))
					outcome = "error"
				}
				if outcome == "" {
					return nil
				}
				mu.Lock()
				sum.Workers++
				sum.Outcomes[outcome]++
				mu.Unlock()
				return nil
			})
		}
		return g.Wait()
	})
	if err != nil {
		return Summary{}, err
	}
	s.record(ctx, authorID, "payout.start", paysheetID, map[string]any{"outcomes": sum.Outcomes})
	return sum, nil
}

func (s *Service) processEntry(ctx context.Context, p paysheet.Paysheet, e paysheet.Entry) (string, error) {
	var (
		worker workforce.Worker
		st     WorkerState
	)
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		var err error
		if worker, err = tx.GetWorker(ctx, e.WorkerID); err != nil {
			return err
		}
		st, err = tx.LockState(ctx, p.ID, e.WorkerID)
		return err
	})
	if err != nil {
		return "", err
	}
	if !worker.SelfEmployed || st.State.InFlight() {
		return "", nil
	}
	if st.State.Failed() {
		if _, err := s.advance(ctx, p.ID, worker.ID, StepRetry, OutcomeRetry, "retrying after "+string(st.State), nil); err != nil {
			return "", err
		}
	}

	if st.State == StateBound {
		client, err := s.ensureClient(ctx, worker)
		if err != nil {
			return "", err
		}
		return s.registerIncome(ctx, p, e, worker, client.ClientID)
	}
	clientID, outcome, err := s.bind(ctx, p.ID, worker)
	if err != nil || outcome != OutcomeBound {
		return outcome, err
	}
	return s.registerIncome(ctx, p, e, worker, clientID)
}

func (s *Service) bind(ctx context.Context, paysheetID int64, worker workforce.Worker) (string, string, error) {
	client, err := s.ensureClient(ctx, worker)
	if err != nil {
		return "", "", err
	}
	if !client.Confirmed {
		clientID, err := s.bank.CreateClient(ctx, createClientInput(worker, clientKey(worker.ID)))
		if err != nil && !errors.Is(err, talkbank.ErrClientAlreadyExists) {
			outcome, ferr := s.fail(ctx, paysheetID, worker.ID, StepBind, OutcomeCreateFailed, err)
			return "", outcome, ferr
		}
		if err == nil && clientID != "" {
			client.ClientID = clientID
		}
		client.Confirmed = true
		if err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
			return tx.SaveBankClient(ctx, client)
		}); err != nil {
			return "", "", err
		}
	}

	status, err := s.bank.SelfEmploymentStatus(ctx, client.ClientID)
	if err != nil {
		outcome, ferr := s.fail(ctx, paysheetID, worker.ID, StepBind, OutcomeStatusError, err)
		return "", outcome, ferr
	}
	switch status.Status {
	case talkbank.StatusRegistered:
		_, err := s.advance(ctx, paysheetID, worker.ID, StepBind, OutcomeBound, status.Description, nil)
		return client.ClientID, OutcomeBound, err
	case talkbank.StatusUnregistered:
		outcome, ferr := s.fail(ctx, paysheetID, worker.ID, StepBind, OutcomeClientUnregistered, errors.New(describe(status)))
		return "", outcome, ferr
	case talkbank.StatusUnbound:
		if _, err := s.bank.BindSelfEmployment(ctx, client.ClientID); err != nil {
			if errors.Is(err, talkbank.ErrAlreadyBound) {
				_, err := s.advance(ctx, paysheetID, worker.ID, StepBind, OutcomeBound, err.Error(), nil)
				return client.ClientID, OutcomeBound, err
			}
			outcome, ferr := s.fail(ctx, paysheetID, worker.ID, StepBind, OutcomeBindFailed, err)
			return "", outcome, ferr
		}
		_, err := s.advance(ctx, paysheetID, worker.ID, StepBind, OutcomeClientUnbound, "bind requested", nil)
		return "", OutcomeClientUnbound, err
	default:
		outcome, ferr := s.fail(ctx, paysheetID, worker.ID, StepBind, OutcomeStatusError,
			fmt.Errorf("unexpected self-employment status %q: %s", status.Status, status.Description))
		return "", outcome, ferr
	}
}

func describe(st talkbank.SelfEmployment) string {
	if st.Description != "" {
		return st.Description
	}
	return st.Status
}

// ensureClient persists the bank row before the bank is asked to create the
// client, so a failed create never leaves an untracked remote client. Until
// the create is confirmed the row carries the idempotency key; afterwards it
// carries the id the bank assigned.
func (s *Service) ensureClient(ctx context.Context, worker workforce.Worker) (BankClient, error) {
	var client BankClient
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		var err error
		client, err = tx.GetBankClient(ctx, worker.ID)
		if errors.Is(err, ErrBankClientNotFound) {
			client = BankClient{WorkerID: worker.ID, ClientID: clientKey(worker.ID), CreatedAt: s.now()}
			return tx.SaveBankClient(ctx, client)
		}
		return err
	})
	return client, err
}

// clientKey is the idempotency key of the bank client creation.
func clientKey(workerID int64) string {
	return strconv.FormatInt(workerID, 10)
}

func createClientInput(w workforce.Worker, clientID string) talkbank.CreateClientInput {
	return talkbank.CreateClientInput{
		ClientID: clientID,
		Person: talkbank.Person{
			FirstName:  w.FirstName,
			LastName:   w.LastName,
			MiddleName: w.Patronymic,
			BirthDay:   w.BirthDate,
			Phone:      w.Phone,
		},
		Document: talkbank.Document{
			Type:      passportDocumentType,
			Series:    w.PassportSeries,
			Number:    w.PassportNumber,
			IssueDate: w.PassportIssuedAt,
		},
		INN: w.INN,
	}
}

func (s *Service) registerIncome(ctx context.Context, p paysheet.Paysheet, e paysheet.Entry, worker workforce.Worker, clientID string) (string, error) {
	// A worker already past BOUND belongs to another run or the webhook.
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		st, err := tx.LockState(ctx, p.ID, worker.ID)
		if err != nil {
			return err
		}
		if st.State != StateBound {
			return ErrIllegalTransition{From: st.State, To: StateIncomePending}
		}
		return nil
	})
	if err != nil {
		return "", err
	}
	requestID, err := s.bank.RegisterIncome(ctx, clientID, talkbank.IncomeInput{
		OperationTime:        s.now(),
		Services:             []talkbank.Service{{Name: s.opts.ServiceName, Amount: e.Amount, Quantity: 1}},
		TotalAmount:          e.Amount,
		IncomeType:           incomeTypeLegalEntity,
		CustomerINN:          s.opts.CustomerINN,
		CustomerOrganization: s.opts.CustomerOrganization,
	})
	if err != nil {
		return s.fail(ctx, p.ID, worker.ID, StepIncome, OutcomeIncomeRegistrationFailed, err)
	}
	_, err = s.advance(ctx, p.ID, worker.ID, StepIncome, OutcomeIncomeRegistrationRequested, "request "+requestID,
		func(ctx context.Context, tx TxRepository) error {
			_, err := tx.InsertIncomeRegistration(ctx, IncomeRegistration{
				PaysheetID: p.ID,
				WorkerID:   worker.ID,
				ClientID:   clientID,
				RequestID:  requestID,
				Amount:     e.Amount,
				CreatedAt:  s.now(),
			})
			return err
		})
	return OutcomeIncomeRegistrationRequested, err
}

// OnIncomeRegistered resumes the flow when the bank issued the receipt.
// Repeated deliveries for the same request are no-ops once the worker is
// paid; a delivery that finds the receipt accepted but no payment resumes
// the transfer.
func (s *Service) OnIncomeRegistered(ctx context.Context, clientID, requestID, receiptURL string) error {
	_, err, _ := s.group.Do("sent/"+clientID+"/"+requestID, func() (any, error) {
		return nil, s.onIncomeRegistered(ctx, clientID, requestID, receiptURL)
	})
	return err
}

func (s *Service) onIncomeRegistered(ctx context.Context, clientID, requestID, receiptURL string) error {
	reg, st, err := s.registration(ctx, clientID, requestID)
	if err != nil {
		return err
	}
	switch st.State {
	case StateIncomePending:
		accepted, err := s.acceptReceipt(ctx, &reg, receiptURL)
		if err != nil || !accepted {
			return err
		}
	case StateIncomeRegistered:
		s.logger.Info("resuming payment of registered income",
			slog.Int64("paysheet_id", reg.PaysheetID),
			slog.Int64("worker_id", reg.WorkerID),
			slog.String("request_id", requestID))
	default:
		s.logger.Info("duplicate income webhook ignored",
			slog.String("client_id", clientID),
			slog.String("request_id", requestID),
			slog.String("state", string(st.State)))
		return nil
	}

	if err := s.makePayment(ctx, reg); err != nil {
		return err
	}
	s.closeAfterWebhook(ctx, reg.PaysheetID)
	return nil
}

// acceptReceipt stores the receipt and moves the worker to
// INCOME_REGISTERED. The idempotency key is released only when that move did
// not commit; from then on the worker state drives any resumption.
func (s *Service) acceptReceipt(ctx context.Context, reg *IncomeRegistration, receiptURL string) (bool, error) {
	key := "income:" + reg.ClientID + ":" + reg.RequestID
	if s.idem != nil {
		if err := s.idem.CheckAndInsert(ctx, key, incomeModule); err != nil {
			if errors.Is(err, shared.ErrIdempotencyConflict) {
				return false, nil
			}
			return false, err
		}
	}
	if err := s.storeReceipt(ctx, *reg, receiptURL); err != nil {
		if s.idem != nil {
			if derr := s.idem.Delete(context.WithoutCancel(ctx), key); derr != nil {
				s.logger.Error("release income idempotency key", slog.String("key", key), slog.Any("error", derr))
			}
		}
		return false, err
	}
	reg.ReceiptURL = receiptURL
	return true, nil
}

func (s *Service) storeReceipt(ctx context.Context, reg IncomeRegistration, receiptURL string) error {
	if err := s.paysheets.SetEntryReceipt(ctx, reg.PaysheetID, reg.WorkerID, receiptURL); err != nil {
		if !errors.Is(err, paysheet.ErrEntryNotFound) && !errors.Is(err, paysheet.ErrPaysheetClosed) {
			return err
		}
		s.logger.Warn("income receipt without open entry",
			slog.Int64("paysheet_id", reg.PaysheetID),
			slog.Int64("worker_id", reg.WorkerID),
			slog.Any("error", err))
	}
	_, err := s.advance(ctx, reg.PaysheetID, reg.WorkerID, StepWebhook, OutcomeIncomeRegistered, receiptURL,
		func(ctx context.Context, tx TxRepository) error {
			return tx.SetRegistrationReceipt(ctx, reg.ID, receiptURL)
		})
	return err
}

// OnIncomeRegistrationFailed drops the worker from the paysheet. A repeated
// delivery finds the state already failed and does nothing.
func (s *Service) OnIncomeRegistrationFailed(ctx context.Context, clientID, requestID, reason string) error {
	_, err, _ := s.group.Do("failed/"+clientID+"/"+requestID, func() (any, error) {
		reg, st, err := s.registration(ctx, clientID, requestID)
		if err != nil {
			return nil, err
		}
		if st.State != StateIncomePending {
			return nil, nil
		}
		if _, err := s.fail(ctx, reg.PaysheetID, reg.WorkerID, StepWebhook, OutcomeIncomeRegistrationFailed, errors.New(reason)); err != nil {
			return nil, err
		}
		s.closeAfterWebhook(ctx, reg.PaysheetID)
		return nil, nil
	})
	return err
}

func (s *Service) registration(ctx context.Context, clientID, requestID string) (IncomeRegistration, WorkerState, error) {
	var (
		reg IncomeRegistration
		st  WorkerState
	)
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		var err error
		if reg, err = tx.FindIncomeRegistration(ctx, clientID, requestID); err != nil {
			return err
		}
		st, err = tx.LockState(ctx, reg.PaysheetID, reg.WorkerID)
		return err
	})
	return reg, st, err
}

// makePayment transfers the registered amount under the worker's payment
// lease. A delivery that finds the lease taken leaves the transfer to its
// holder.
func (s *Service) makePayment(ctx context.Context, reg IncomeRegistration) error {
	err := lock.With(ctx, s.locker, shared.PaymentLockKey(reg.PaysheetID, reg.WorkerID), s.opts.LeaseTTL, func(ctx context.Context) error {
		return s.pay(ctx, reg)
	})
	if errors.Is(err, lock.ErrBusy) {
		s.logger.Info("payment already in progress",
			slog.Int64("paysheet_id", reg.PaysheetID),
			slog.Int64("worker_id", reg.WorkerID))
		return nil
	}
	return err
}

// pay skips workers that already have a payment. A failed transfer cancels
// the receipt; a failed cancellation is recorded for manual reconciliation.
func (s *Service) pay(ctx context.Context, reg IncomeRegistration) error {
	var worker workforce.Worker
	paid := false
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		_, err := tx.FindPayment(ctx, reg.PaysheetID, reg.WorkerID)
		switch {
		case err == nil:
			paid = true
			return nil
		case !errors.Is(err, ErrPaymentNotFound):
			return err
		}
		worker, err = tx.GetWorker(ctx, reg.WorkerID)
		return err
	})
	if err != nil || paid {
		return err
	}

	slug := orderSlug(reg)
	var res talkbank.TransferResult
	err = s.payable(ctx, reg)
	if err == nil {
		res, err = s.bank.Transfer(ctx, talkbank.TransferInput{
			Amount:      reg.Amount,
			Account:     worker.BankAccount,
			BIK:         worker.BIK,
			Name:        worker.FullName(),
			INN:         worker.INN,
			Description: fmt.Sprintf("Payout for paysheet #%d", reg.PaysheetID),
			OrderSlug:   slug,
		})
	}
	if err == nil && !res.Completed {
		err = fmt.Errorf("%w: transfer not completed, status %q", talkbank.ErrAPI, res.Status)
	}
	if err != nil {
		outcome := OutcomePaymentFailed
		cause := err
		if cerr := s.bank.CancelReceipt(ctx, reg.ClientID, reg.RequestID, "payment failed"); cerr != nil {
			outcome = OutcomeInvoiceCancellationFailed
			cause = fmt.Errorf("%w; cancel receipt: %w", err, cerr)
		}
		_, ferr := s.fail(ctx, reg.PaysheetID, reg.WorkerID, StepPayment, outcome, cause)
		return ferr
	}

	if res.OrderSlug != "" {
		slug = res.OrderSlug
	}
	_, err = s.advance(ctx, reg.PaysheetID, reg.WorkerID, StepPayment, OutcomePaid, "order "+slug,
		func(ctx context.Context, tx TxRepository) error {
			_, err := tx.InsertPayment(ctx, Payment{
				PaysheetID:        reg.PaysheetID,
				WorkerID:          reg.WorkerID,
				Amount:            reg.Amount,
				Commission:        res.Commission,
				PartnerCommission: res.PartnerCommission,
				OrderSlug:         slug,
				CreatedAt:         s.now(),
			})
			return err
		})
	return err
}

// orderSlug is stable per registration so a resumed transfer reuses the
// order the bank may already have accepted.
func orderSlug(reg IncomeRegistration) string {
	return uuid.NewSHA1(uuid.NameSpaceURL, []byte("income:"+reg.ClientID+":"+reg.RequestID)).String()
}

// payable guards against paying an entry that was removed or already
// settled while the bank was issuing the receipt.
func (s *Service) payable(ctx context.Context, reg IncomeRegistration) error {
	p, entries, err := s.paysheets.Get(ctx, reg.PaysheetID)
	if err != nil {
		return err
	}
	if p.IsClosed {
		return fmt.Errorf("paysheet %d is closed", p.ID)
	}
	for _, e := range entries {
		if e.WorkerID != reg.WorkerID {
			continue
		}
		if e.Settled() {
			return fmt.Errorf("entry %d already settled", e.ID)
		}
		return nil
	}
	return fmt.Errorf("worker %d has no entry in paysheet %d", reg.WorkerID, reg.PaysheetID)
}

func (s *Service) closeAfterWebhook(ctx context.Context, paysheetID int64) {
	closed, err := s.CloseIfReady(ctx, paysheetID)
	switch {
	case errors.Is(err, lock.ErrBusy):
		if s.scheduler == nil {
			s.logger.Warn("paysheet busy, close skipped", slog.Int64("paysheet_id", paysheetID))
			return
		}
		if err := s.scheduler.EnqueueCloseRetry(ctx, paysheetID); err != nil {
			s.logger.Error("enqueue close retry", slog.Int64("paysheet_id", paysheetID), slog.Any("error", err))
		}
	case err != nil:
		s.logger.Warn("close after webhook", slog.Int64("paysheet_id", paysheetID), slog.Any("error", err))
	case closed:
		s.logger.Info("paysheet closed after payouts", slog.Int64("paysheet_id", paysheetID))
	}
}

// CloseIfReady closes the paysheet once every self-employed entry is paid
// and the ordinary close checks pass.
func (s *Service) CloseIfReady(ctx context.Context, paysheetID int64) (bool, error) {
	closed := false
	err := lock.With(ctx, s.locker, shared.PaysheetLockKey(paysheetID), s.opts.LeaseTTL, func(ctx context.Context) error {
		p, entries, err := s.paysheets.Get(ctx, paysheetID)
		if err != nil {
			return err
		}
		if p.IsClosed {
			closed = true
			return nil
		}
		pending := false
		err = s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
			states, err := tx.ListStates(ctx, paysheetID)
			if err != nil {
				return err
			}
			byWorker := make(map[int64]State, len(states))
			for _, st := range states {
				byWorker[st.WorkerID] = st.State
			}
			for _, e := range entries {
				if e.Settled() || !e.Amount.IsPositive() {
					continue
				}
				w, err := tx.GetWorker(ctx, e.WorkerID)
				if err != nil {
					return err
				}
				if w.SelfEmployed && byWorker[e.WorkerID] != StatePaid {
					pending = true
					return nil
				}
			}
			return nil
		})
		if err != nil || pending {
			return err
		}
		readiness, err := s.paysheets.ReadyToClose(ctx, paysheetID)
		if err != nil || !readiness.Ready {
			return err
		}
		if err := s.paysheets.SetPaymentStatus(ctx, paysheetID, paysheet.PaymentStatusComplete); err != nil {
			return err
		}
		if _, err := s.paysheets.Close(ctx, paysheetID, s.opts.SystemActorID, s.opts.PaymentAccountID); err != nil {
			return err
		}
		closed = true
		return nil
	})
	if err == nil && closed {
		s.record(ctx, s.opts.SystemActorID, "payout.close", paysheetID, nil)
	}
	return closed, err
}

// WorkerStates reports the payout state of every worker of the paysheet.
func (s *Service) WorkerStates(ctx context.Context, paysheetID int64) (map[int64]string, error) {
	out := map[int64]string{}
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		states, err := tx.ListStates(ctx, paysheetID)
		if err != nil {
			return err
		}
		for _, st := range states {
			out[st.WorkerID] = string(st.State)
		}
		return nil
	})
	return out, err
}

// Attempts returns the attempt log of the paysheet.
func (s *Service) Attempts(ctx context.Context, paysheetID int64) ([]Attempt, error) {
	var out []Attempt
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		var err error
		out, err = tx.ListAttempts(ctx, paysheetID)
		return err
	})
	return out, err
}

// advance moves the worker state along outcome and appends the attempt row
// in one transaction together with extra.
func (s *Service) advance(ctx context.Context, paysheetID, workerID int64, step, outcome, description string, extra func(context.Context, TxRepository) error) (WorkerState, error) {
	to, ok := outcomeState[outcome]
	if !ok {
		return WorkerState{}, fmt.Errorf("payout: unknown outcome %q", outcome)
	}
	var out WorkerState
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		st, err := tx.LockState(ctx, paysheetID, workerID)
		if err != nil {
			return err
		}
		if !CanTransition(st.State, to) {
			return ErrIllegalTransition{From: st.State, To: to}
		}
		st.State = to
		st.UpdatedAt = s.now()
		switch {
		case to == StateInvoiceCancellationFailed:
			// Never retried automatically.
			st.Attempts = max(st.Attempts+1, s.opts.MaxAttempts)
		case to.Failed():
			st.Attempts++
		}
		if err := tx.SaveState(ctx, st); err != nil {
			return err
		}
		if err := tx.AppendAttempt(ctx, Attempt{
			PaysheetID:  paysheetID,
			WorkerID:    workerID,
			Step:        step,
			Outcome:     outcome,
			Description: description,
			CreatedAt:   s.now(),
		}); err != nil {
			return err
		}
		if extra != nil {
			if err := extra(ctx, tx); err != nil {
				return err
			}
		}
		out = st
		return nil
	})
	if err != nil {
		return WorkerState{}, err
	}
	s.metrics.PayoutOutcome(step, outcome)
	return out, nil
}

// fail records a failure outcome and drops the worker's entry so a later
// paysheet can pick them up.
func (s *Service) fail(ctx context.Context, paysheetID, workerID int64, step, outcome string, cause error) (string, error) {
	s.logger.Warn("payout step failed",
		slog.Int64("paysheet_id", paysheetID),
		slog.Int64("worker_id", workerID),
		slog.String("step", step),
		slog.String("outcome", outcome),
		slog.Any("error", cause))
	if _, err := s.advance(ctx, paysheetID, workerID, step, outcome, cause.Error(), nil); err != nil {
		return outcome, err
	}
	err := s.paysheets.RemoveWorker(ctx, paysheetID, workerID)
	switch {
	case err == nil, errors.Is(err, paysheet.ErrEntryNotFound):
	case errors.Is(err, paysheet.ErrPaysheetClosed), errors.Is(err, paysheet.ErrEntrySettled):
		s.logger.Warn("failed worker kept in paysheet", slog.Int64("paysheet_id", paysheetID), slog.Int64("worker_id", workerID), slog.Any("error", err))
	default:
		return outcome, fmt.Errorf("payout: drop worker %d: %w", workerID, err)
	}
	return outcome, nil
}

func (s *Service) record(ctx context.Context, actorID int64, action string, paysheetID int64, meta map[string]any) {
	err := s.audit.Record(ctx, shared.AuditLog{
		ActorID:  actorID,
		Action:   action,
		Entity:   shared.AuditEntityPayout,
		EntityID: strconv.FormatInt(paysheetID, 10),
		Meta:     meta,
		At:       s.now(),
	})
	if err != nil && !errors.Is(err, context.Canceled) {
		s.logger.Warn("audit payout", slog.String("action", action), slog.Any("error", err))
	}
}

type noopRecorder struct{}

func (noopRecorder) PayoutOutcome(string, string) {}
func (noopRecorder) WebhookEvent(string)          {}
