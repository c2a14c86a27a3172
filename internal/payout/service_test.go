package payout_test

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/odyssey-erp/staffing/internal/paysheet"
	"github.com/odyssey-erp/staffing/internal/paysheet/paysheettest"
	"github.com/odyssey-erp/staffing/internal/payout"
	"github.com/odyssey-erp/staffing/internal/platform/lock"
	"github.com/odyssey-erp/staffing/internal/shared"
	"github.com/odyssey-erp/staffing/internal/talkbank"
	"github.com/odyssey-erp/staffing/internal/workforce"
)

const (
	labourAcct  = 2
	paymentAcct = 60
	cashWorker  = 1
	freelancer  = 2
	maxAttempts = 3
)

var inPeriod = time.Date(2024, 5, 6, 10, 0, 0, 0, time.UTC)

type fakeBank struct {
	mu          sync.Mutex
	status      string
	createErr   error
	statusErr   error
	bindErr     error
	incomeErr   error
	transferErr error
	cancelErr   error

	// assignedID is returned by CreateClient instead of the requested key.
	assignedID string

	// onIncome runs inside RegisterIncome without the bank mutex held.
	onIncome func()

	creates, binds, incomes, transfers, cancels int
	lastTransfer                                talkbank.TransferInput
	clientIDs                                   []string
}

func (b *fakeBank) CreateClient(_ context.Context, in talkbank.CreateClientInput) (string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.creates++
	if b.assignedID != "" {
		return b.assignedID, b.createErr
	}
	return in.ClientID, b.createErr
}

func (b *fakeBank) SelfEmploymentStatus(_ context.Context, clientID string) (talkbank.SelfEmployment, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.clientIDs = append(b.clientIDs, "status:"+clientID)
	return talkbank.SelfEmployment{Status: b.status}, b.statusErr
}

func (b *fakeBank) BindSelfEmployment(_ context.Context, clientID string) (string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.binds++
	b.clientIDs = append(b.clientIDs, "bind:"+clientID)
	return "success", b.bindErr
}

func (b *fakeBank) RegisterIncome(_ context.Context, clientID string, _ talkbank.IncomeInput) (string, error) {
	b.mu.Lock()
	b.incomes++
	b.clientIDs = append(b.clientIDs, "income:"+clientID)
	hook, err := b.onIncome, b.incomeErr
	b.mu.Unlock()
	if hook != nil {
		hook()
	}
	if err != nil {
		return "", err
	}
	return "req-1", nil
}

func (b *fakeBank) Transfer(_ context.Context, in talkbank.TransferInput) (talkbank.TransferResult, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.transfers++
	b.lastTransfer = in
	if b.transferErr != nil {
		return talkbank.TransferResult{}, b.transferErr
	}
	return talkbank.TransferResult{Completed: true, Status: "done", OrderSlug: in.OrderSlug, Commission: decimal.RequireFromString("12.50")}, nil
}

func (b *fakeBank) CancelReceipt(_ context.Context, clientID, _, _ string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.cancels++
	b.clientIDs = append(b.clientIDs, "cancel:"+clientID)
	return b.cancelErr
}

func (b *fakeBank) calls() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]string(nil), b.clientIDs...)
}

func (b *fakeBank) count(n *int) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return *n
}

type fakeScheduler struct {
	mu          sync.Mutex
	starts      []int64
	closeRetry  []int64
	deadLetters []int64
}

func (s *fakeScheduler) EnqueuePayoutStart(_ context.Context, paysheetID, _ int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.starts = append(s.starts, paysheetID)
	return nil
}

func (s *fakeScheduler) EnqueueCloseRetry(_ context.Context, paysheetID int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closeRetry = append(s.closeRetry, paysheetID)
	return nil
}

func (s *fakeScheduler) EnqueueWebhookDeadLetter(_ context.Context, eventID int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.deadLetters = append(s.deadLetters, eventID)
	return nil
}

type countingRecorder struct {
	mu       sync.Mutex
	outcomes map[string]int
	webhooks map[string]int
}

func (r *countingRecorder) PayoutOutcome(_, outcome string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.outcomes[outcome]++
}

func (r *countingRecorder) WebhookEvent(result string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.webhooks[result]++
}

type memoryIdempotency struct {
	mu   sync.Mutex
	keys map[string]bool
}

func (m *memoryIdempotency) CheckAndInsert(_ context.Context, key, _ string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.keys[key] {
		return shared.ErrIdempotencyConflict
	}
	m.keys[key] = true
	return nil
}

func (m *memoryIdempotency) Delete(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.keys, key)
	return nil
}

type fixture struct {
	ps        *paysheettest.Repo
	paysheets *paysheet.Service
	repo      *memoryRepo
	bank      *fakeBank
	scheduler *fakeScheduler
	recorder  *countingRecorder
	mr        *miniredis.Miniredis
	locker    *lock.Client
	svc       *payout.Service
	sheet     paysheet.Paysheet
}

func newFixture(t *testing.T, tune ...func(*payout.Options)) *fixture {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	locker := lock.New(rdb)
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	ps := paysheettest.New()
	ps.Workers[cashWorker] = workforce.Worker{ID: cashWorker, LastName: "Ivanov", AccountID: 10}
	ps.Workers[freelancer] = workforce.Worker{ID: freelancer, LastName: "Petrov", AccountID: 20, SelfEmployed: true, BankAccount: "40817810000000000001", BIK: "044525974", INN: "770000000001"}
	paysheets := paysheet.NewService(ps, locker, nil, logger, paysheet.Options{})
	paysheets.WithNow(func() time.Time { return inPeriod.AddDate(0, 0, 14) })

	f := &fixture{
		ps:        ps,
		paysheets: paysheets,
		repo:      newMemoryRepo(ps.Workers),
		bank:      &fakeBank{status: talkbank.StatusRegistered},
		scheduler: &fakeScheduler{},
		recorder:  &countingRecorder{outcomes: map[string]int{}, webhooks: map[string]int{}},
		mr:        mr,
		locker:    locker,
	}
	opts := payout.Options{
		MaxAttempts:      maxAttempts,
		PaymentAccountID: paymentAcct,
		SystemActorID:    99,
		CustomerINN:      "7700000000",
	}
	for _, fn := range tune {
		fn(&opts)
	}
	f.svc = payout.NewService(f.repo, f.bank, paysheets, locker, logger, opts)
	f.svc.SetScheduler(f.scheduler)
	f.svc.SetRecorder(f.recorder)
	f.svc.SetIdempotency(&memoryIdempotency{keys: map[string]bool{}})
	paysheets.SetPayoutStateSource(f.svc)
	ps.Attempts = func(paysheetID, workerID int64) int {
		return f.repo.state(paysheetID, workerID).Attempts
	}

	ps.Post(labourAcct, 20, "851", inPeriod)
	sheet, err := paysheets.Create(context.Background(), paysheet.CreateInput{
		FirstDay:  time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC),
		LastDay:   time.Date(2024, 5, 15, 0, 0, 0, 0, time.UTC),
		WorkerIDs: []int64{freelancer},
	})
	require.NoError(t, err)
	f.sheet = sheet
	return f
}

func (f *fixture) start(t *testing.T) payout.Summary {
	t.Helper()
	sum, err := f.svc.StartPaysheetPayments(context.Background(), f.sheet.ID, 7)
	require.NoError(t, err)
	return sum
}

func (f *fixture) hasEntry(t *testing.T, workerID int64) bool {
	t.Helper()
	_, err := f.paysheets.GetEntry(context.Background(), f.sheet.ID, workerID)
	if errors.Is(err, paysheet.ErrEntryNotFound) {
		return false
	}
	require.NoError(t, err)
	return true
}

const sentEvent = `{"type":"income","data":{"client_id":"2","id":"req-1","status":"sent","link":"https://lknpd.example/receipt/1"}}`

func TestHappyPathPaysAndClosesPaysheet(t *testing.T) {
	f := newFixture(t)
	sum := f.start(t)
	require.Equal(t, 1, sum.Workers)
	require.Equal(t, 1, sum.Outcomes[payout.OutcomeIncomeRegistrationRequested])
	require.Equal(t, payout.StateIncomePending, f.repo.state(f.sheet.ID, freelancer).State)

	p, _, err := f.paysheets.Get(context.Background(), f.sheet.ID)
	require.NoError(t, err)
	require.Equal(t, paysheet.PaymentStatusInProgress, p.PaymentStatus)

	eventID, err := f.svc.HandleWebhook(context.Background(), []byte(sentEvent))
	require.NoError(t, err)
	require.Empty(t, f.repo.event(eventID).Error)

	require.Equal(t, payout.StatePaid, f.repo.state(f.sheet.ID, freelancer).State)
	require.Equal(t, 1, f.bank.count(&f.bank.transfers))
	require.Equal(t, "851", f.bank.lastTransfer.Amount.String())
	require.Equal(t, "40817810000000000001", f.bank.lastTransfer.Account)
	require.Equal(t, []string{
		payout.OutcomeBound,
		payout.OutcomeIncomeRegistrationRequested,
		payout.OutcomeIncomeRegistered,
		payout.OutcomePaid,
	}, f.repo.outcomes(freelancer))

	p, entries, err := f.paysheets.Get(context.Background(), f.sheet.ID)
	require.NoError(t, err)
	require.True(t, p.IsClosed)
	require.Equal(t, paysheet.PaymentStatusComplete, p.PaymentStatus)
	require.Equal(t, "https://lknpd.example/receipt/1", entries[0].ReceiptURL)
	require.True(t, entries[0].Settled())

	rep, err := f.paysheets.Report(context.Background(), f.sheet.ID)
	require.NoError(t, err)
	require.Equal(t, string(payout.StatePaid), rep.Rows[0].PayoutState)
}

func TestDuplicateSuccessWebhookPaysOnce(t *testing.T) {
	f := newFixture(t)
	f.start(t)

	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.svc.HandleWebhook(context.Background(), []byte(sentEvent))
			assert.NoError(t, err)
		}()
	}
	wg.Wait()
	_, err := f.svc.HandleWebhook(context.Background(), []byte(sentEvent))
	require.NoError(t, err)

	require.Equal(t, 1, f.bank.count(&f.bank.transfers))
	require.Equal(t, payout.StatePaid, f.repo.state(f.sheet.ID, freelancer).State)
	require.Equal(t, 6, f.recorder.webhooks[payout.WebhookProcessed])
}

func TestUnboundClientRequestsBinding(t *testing.T) {
	f := newFixture(t)
	f.bank.status = talkbank.StatusUnbound

	sum := f.start(t)
	require.Equal(t, 1, sum.Outcomes[payout.OutcomeClientUnbound])
	require.Equal(t, 1, f.bank.count(&f.bank.binds))
	require.Zero(t, f.bank.count(&f.bank.incomes))
	require.Equal(t, payout.StateBindRequested, f.repo.state(f.sheet.ID, freelancer).State)
	require.True(t, f.hasEntry(t, freelancer))

	// Once the bank finished binding, a rerun registers income.
	f.bank.mu.Lock()
	f.bank.status = talkbank.StatusRegistered
	f.bank.mu.Unlock()
	sum = f.start(t)
	require.Equal(t, 1, sum.Outcomes[payout.OutcomeIncomeRegistrationRequested])
	require.Equal(t, 1, f.bank.count(&f.bank.creates))
}

func TestUnregisteredWorkerIsDropped(t *testing.T) {
	f := newFixture(t)
	f.bank.status = talkbank.StatusUnregistered

	sum := f.start(t)
	require.Equal(t, 1, sum.Outcomes[payout.OutcomeClientUnregistered])
	st := f.repo.state(f.sheet.ID, freelancer)
	require.Equal(t, payout.StateUnregistered, st.State)
	require.Equal(t, 1, st.Attempts)
	require.False(t, f.hasEntry(t, freelancer))
}

func TestStatusAndCreateFailures(t *testing.T) {
	t.Run("status error", func(t *testing.T) {
		f := newFixture(t)
		f.bank.statusErr = errors.New("timeout")
		sum := f.start(t)
		require.Equal(t, 1, sum.Outcomes[payout.OutcomeStatusError])
		require.False(t, f.hasEntry(t, freelancer))
	})
	t.Run("unknown status", func(t *testing.T) {
		f := newFixture(t)
		f.bank.status = talkbank.StatusError
		sum := f.start(t)
		require.Equal(t, 1, sum.Outcomes[payout.OutcomeStatusError])
	})
	t.Run("create failed keeps local identity", func(t *testing.T) {
		f := newFixture(t)
		f.bank.createErr = fmt.Errorf("create client: %w", talkbank.ErrInternalServer)
		sum := f.start(t)
		require.Equal(t, 1, sum.Outcomes[payout.OutcomeCreateFailed])
		client, ok := f.repo.clients[freelancer]
		require.True(t, ok)
		require.Equal(t, "2", client.ClientID)
		require.False(t, client.Confirmed)
	})
	t.Run("bind failed", func(t *testing.T) {
		f := newFixture(t)
		f.bank.status = talkbank.StatusUnbound
		f.bank.bindErr = errors.New("bank down")
		sum := f.start(t)
		require.Equal(t, 1, sum.Outcomes[payout.OutcomeBindFailed])
	})
}

func TestIncomeRegistrationFailureDropsWorker(t *testing.T) {
	f := newFixture(t)
	f.bank.incomeErr = errors.New("tax service unavailable")

	sum := f.start(t)
	require.Equal(t, 1, sum.Outcomes[payout.OutcomeIncomeRegistrationFailed])
	require.Equal(t, payout.StateIncomeRegistrationFailed, f.repo.state(f.sheet.ID, freelancer).State)
	require.False(t, f.hasEntry(t, freelancer))
}

func TestPaymentFailureCancelsReceipt(t *testing.T) {
	f := newFixture(t)
	f.bank.transferErr = errors.New("transfer timeout")
	f.start(t)

	_, err := f.svc.HandleWebhook(context.Background(), []byte(sentEvent))
	require.NoError(t, err)
	require.Equal(t, 1, f.bank.count(&f.bank.cancels))
	st := f.repo.state(f.sheet.ID, freelancer)
	require.Equal(t, payout.StatePaymentFailed, st.State)
	require.Equal(t, 1, st.Attempts)
	require.False(t, f.hasEntry(t, freelancer))
}

func TestPaymentAndCancellationFailure(t *testing.T) {
	f := newFixture(t)
	f.bank.transferErr = errors.New("transfer timeout")
	f.bank.cancelErr = errors.New("cancel rejected")
	f.start(t)

	_, err := f.svc.HandleWebhook(context.Background(), []byte(sentEvent))
	require.NoError(t, err)
	st := f.repo.state(f.sheet.ID, freelancer)
	require.Equal(t, payout.StateInvoiceCancellationFailed, st.State)
	require.GreaterOrEqual(t, st.Attempts, maxAttempts)
	outcomes := f.repo.outcomes(freelancer)
	require.Equal(t, payout.OutcomeInvoiceCancellationFailed, outcomes[len(outcomes)-1])
	require.NotContains(t, outcomes, payout.OutcomePaymentFailed)
	require.Equal(t, 1, f.recorder.outcomes[payout.OutcomeInvoiceCancellationFailed])
}

func TestFailedWebhookIsIdempotent(t *testing.T) {
	f := newFixture(t)
	f.start(t)
	failed := []byte(`{"type":"income","data":{"client_id":"2","id":"req-1","status":"failed","errors":["INN mismatch"]}}`)

	_, err := f.svc.HandleWebhook(context.Background(), failed)
	require.NoError(t, err)
	require.False(t, f.hasEntry(t, freelancer))
	st := f.repo.state(f.sheet.ID, freelancer)
	require.Equal(t, payout.StateIncomeRegistrationFailed, st.State)
	before := len(f.repo.outcomes(freelancer))

	_, err = f.svc.HandleWebhook(context.Background(), failed)
	require.NoError(t, err)
	require.Len(t, f.repo.outcomes(freelancer), before)
	require.Equal(t, st.Attempts, f.repo.state(f.sheet.ID, freelancer).Attempts)
	require.Zero(t, f.bank.count(&f.bank.transfers))
}

func TestUninterpretableWebhookIsDeadLettered(t *testing.T) {
	f := newFixture(t)

	id, err := f.svc.HandleWebhook(context.Background(), []byte(`{"data":{"client_id":"9","id":"nope","status":"sent","link":"x"}}`))
	require.NoError(t, err)
	ev := f.repo.event(id)
	require.NotEmpty(t, ev.Error)
	require.Equal(t, []int64{id}, f.scheduler.deadLetters)
	require.Equal(t, 1, f.recorder.webhooks[payout.WebhookFailed])

	id, err = f.svc.HandleWebhook(context.Background(), []byte(`not json`))
	require.NoError(t, err)
	require.Contains(t, f.repo.event(id).Error, "invalid webhook event")
	require.ErrorIs(t, f.svc.ReplayWebhook(context.Background(), id), payout.ErrInvalidEvent)
}

func TestReplayProcessesLateRegistration(t *testing.T) {
	f := newFixture(t)
	// The webhook outruns the registration row.
	id, err := f.svc.HandleWebhook(context.Background(), []byte(sentEvent))
	require.NoError(t, err)
	require.NotEmpty(t, f.repo.event(id).Error)

	f.start(t)
	require.NoError(t, f.svc.ReplayWebhook(context.Background(), id))
	require.Equal(t, payout.StatePaid, f.repo.state(f.sheet.ID, freelancer).State)
	require.Empty(t, f.repo.event(id).Error)
}

func TestBusyPaysheetDefersClose(t *testing.T) {
	f := newFixture(t)
	f.start(t)

	lease, err := f.locker.Obtain(context.Background(), shared.PaysheetLockKey(f.sheet.ID), time.Minute)
	require.NoError(t, err)
	_, err = f.svc.HandleWebhook(context.Background(), []byte(sentEvent))
	require.NoError(t, err)
	require.Equal(t, payout.StatePaid, f.repo.state(f.sheet.ID, freelancer).State)
	require.Equal(t, []int64{f.sheet.ID}, f.scheduler.closeRetry)

	_, err = f.svc.StartPaysheetPayments(context.Background(), f.sheet.ID, 7)
	require.ErrorIs(t, err, lock.ErrBusy)
	require.NoError(t, lease.Release(context.Background()))

	closed, err := f.svc.CloseIfReady(context.Background(), f.sheet.ID)
	require.NoError(t, err)
	require.True(t, closed)
}

func TestCashWorkersAreNotSentToBank(t *testing.T) {
	f := newFixture(t)
	f.ps.Post(labourAcct, 10, "1000", inPeriod)
	_, err := f.paysheets.AddWorker(context.Background(), f.sheet.ID, cashWorker, true)
	require.NoError(t, err)

	sum := f.start(t)
	require.Equal(t, 1, sum.Workers)
	require.Equal(t, payout.StateNotBound, f.repo.state(f.sheet.ID, cashWorker).State)

	// The cash worker still needs a photo proof before the paysheet closes.
	_, err = f.svc.HandleWebhook(context.Background(), []byte(sentEvent))
	require.NoError(t, err)
	p, _, err := f.paysheets.Get(context.Background(), f.sheet.ID)
	require.NoError(t, err)
	require.False(t, p.IsClosed)

	_, err = f.paysheets.AddPhotoProof(context.Background(), paysheet.PhotoProof{PaysheetID: f.sheet.ID, WorkerID: cashWorker, URL: "https://photos/1.jpg"})
	require.NoError(t, err)
	closed, err := f.svc.CloseIfReady(context.Background(), f.sheet.ID)
	require.NoError(t, err)
	require.True(t, closed)
}

func TestStartRejectsClosedPaysheet(t *testing.T) {
	f := newFixture(t)
	f.start(t)
	_, err := f.svc.HandleWebhook(context.Background(), []byte(sentEvent))
	require.NoError(t, err)

	_, err = f.svc.StartPaysheetPayments(context.Background(), f.sheet.ID, 7)
	require.ErrorIs(t, err, paysheet.ErrPaysheetClosed)
}

func TestBankAssignedClientIDIsUsedForLaterCalls(t *testing.T) {
	f := newFixture(t)
	f.bank.assignedID = "tb-777"
	f.bank.transferErr = errors.New("transfer timeout")

	f.start(t)
	client, ok := f.repo.client(freelancer)
	require.True(t, ok)
	require.True(t, client.Confirmed)
	require.Equal(t, "tb-777", client.ClientID)
	reg, ok := f.repo.registrationFor(f.sheet.ID, freelancer)
	require.True(t, ok)
	require.Equal(t, "tb-777", reg.ClientID)

	// A webhook keyed by the creation key does not match.
	id, err := f.svc.HandleWebhook(context.Background(), []byte(sentEvent))
	require.NoError(t, err)
	require.NotEmpty(t, f.repo.event(id).Error)

	_, err = f.svc.HandleWebhook(context.Background(), []byte(
		`{"type":"income","data":{"client_id":"tb-777","id":"req-1","status":"sent","link":"https://lknpd.example/receipt/1"}}`))
	require.NoError(t, err)
	require.Equal(t, []string{"status:tb-777", "income:tb-777", "cancel:tb-777"}, f.bank.calls())
}

func TestLeaseIsKeptForTheWholeRun(t *testing.T) {
	const ttl = 90 * time.Millisecond
	f := newFixture(t, func(o *payout.Options) { o.LeaseTTL = ttl })

	var (
		once  sync.Once
		rerun error
	)
	f.bank.onIncome = func() {
		once.Do(func() {
			// Two pauses longer than the refresh interval; without refreshes
			// the lease would have expired after the second fast-forward.
			for i := 0; i < 2; i++ {
				time.Sleep(70 * time.Millisecond)
				f.mr.FastForward(60 * time.Millisecond)
			}
			_, rerun = f.svc.StartPaysheetPayments(context.Background(), f.sheet.ID, 7)
		})
	}

	sum := f.start(t)
	require.Equal(t, 1, sum.Outcomes[payout.OutcomeIncomeRegistrationRequested])
	require.ErrorIs(t, rerun, lock.ErrBusy)
	require.Equal(t, 1, f.bank.count(&f.bank.incomes))
}

func TestReplayResumesPaymentOfRegisteredIncome(t *testing.T) {
	f := newFixture(t)
	f.start(t)
	f.repo.inject(&f.repo.failFindPayment)

	id, err := f.svc.HandleWebhook(context.Background(), []byte(sentEvent))
	require.NoError(t, err)
	require.Contains(t, f.repo.event(id).Error, "storage unavailable")
	require.Equal(t, []int64{id}, f.scheduler.deadLetters)
	require.Equal(t, payout.StateIncomeRegistered, f.repo.state(f.sheet.ID, freelancer).State)
	require.Zero(t, f.bank.count(&f.bank.transfers))

	require.NoError(t, f.svc.ReplayWebhook(context.Background(), id))
	require.Empty(t, f.repo.event(id).Error)
	require.Equal(t, payout.StatePaid, f.repo.state(f.sheet.ID, freelancer).State)
	require.Equal(t, 1, f.bank.count(&f.bank.transfers))
	p, _, err := f.paysheets.Get(context.Background(), f.sheet.ID)
	require.NoError(t, err)
	require.True(t, p.IsClosed)

	_, err = f.svc.HandleWebhook(context.Background(), []byte(sentEvent))
	require.NoError(t, err)
	require.Equal(t, 1, f.bank.count(&f.bank.transfers))
}

func TestReplayAfterUncommittedReceiptReleasesIdempotencyKey(t *testing.T) {
	f := newFixture(t)
	f.start(t)
	f.repo.inject(&f.repo.failReceipt)

	id, err := f.svc.HandleWebhook(context.Background(), []byte(sentEvent))
	require.NoError(t, err)
	require.NotEmpty(t, f.repo.event(id).Error)
	require.Equal(t, payout.StateIncomePending, f.repo.state(f.sheet.ID, freelancer).State)

	require.NoError(t, f.svc.ReplayWebhook(context.Background(), id))
	require.Equal(t, payout.StatePaid, f.repo.state(f.sheet.ID, freelancer).State)
	require.Equal(t, 1, f.bank.count(&f.bank.transfers))
}

func TestFailedWorkerIsRetriedOnNextRun(t *testing.T) {
	f := newFixture(t)
	f.bank.statusErr = errors.New("timeout")
	f.start(t)
	require.False(t, f.hasEntry(t, freelancer))

	f.bank.mu.Lock()
	f.bank.statusErr = nil
	f.bank.mu.Unlock()
	_, err := f.paysheets.AddWorker(context.Background(), f.sheet.ID, freelancer, false)
	require.NoError(t, err)

	sum := f.start(t)
	require.Equal(t, 1, sum.Outcomes[payout.OutcomeIncomeRegistrationRequested])
	st := f.repo.state(f.sheet.ID, freelancer)
	require.Equal(t, payout.StateIncomePending, st.State)
	require.Equal(t, 1, st.Attempts)
	require.Equal(t, []string{
		payout.OutcomeStatusError,
		payout.OutcomeRetry,
		payout.OutcomeBound,
		payout.OutcomeIncomeRegistrationRequested,
	}, f.repo.outcomes(freelancer))
}

func TestExhaustedAttemptsExcludeWorkerFromNewPaysheets(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.bank.statusErr = errors.New("timeout")
	for i := 0; i < maxAttempts; i++ {
		if i > 0 {
			_, err := f.paysheets.AddWorker(ctx, f.sheet.ID, freelancer, false)
			require.NoError(t, err)
		}
		f.start(t)
	}
	require.Equal(t, maxAttempts, f.repo.state(f.sheet.ID, freelancer).Attempts)

	f.ps.Post(labourAcct, 10, "400", inPeriod)
	next, err := f.paysheets.Create(ctx, paysheet.CreateInput{
		FirstDay:         time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC),
		LastDay:          time.Date(2024, 5, 15, 0, 0, 0, 0, time.UTC),
		SelectCandidates: true,
	})
	require.NoError(t, err)
	_, entries, err := f.paysheets.Get(ctx, next.ID)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	require.Equal(t, int64(cashWorker), entries[0].WorkerID)
}
