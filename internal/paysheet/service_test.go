package paysheet_test

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/odyssey-erp/staffing/internal/ledger"
	"github.com/odyssey-erp/staffing/internal/paysheet"
	"github.com/odyssey-erp/staffing/internal/paysheet/paysheettest"
	"github.com/odyssey-erp/staffing/internal/platform/lock"
	"github.com/odyssey-erp/staffing/internal/shared"
	"github.com/odyssey-erp/staffing/internal/workforce"
)

const (
	labourAcct  = 2
	cashAcct    = 50
	paymentAcct = 60
	cashWorker  = 1
	freelancer  = 2
)

var (
	firstDay = time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC)
	lastDay  = time.Date(2024, 5, 15, 0, 0, 0, 0, time.UTC)
	inPeriod = time.Date(2024, 5, 6, 10, 0, 0, 0, time.UTC)
)

type fixture struct {
	repo   *paysheettest.Repo
	svc    *paysheet.Service
	locker *lock.Client
}

func newFixture(t *testing.T) fixture {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	locker := lock.New(rdb)

	repo := paysheettest.New()
	repo.Workers[cashWorker] = workforce.Worker{ID: cashWorker, LastName: "Ivanov", AccountID: 10}
	repo.Workers[freelancer] = workforce.Worker{ID: freelancer, LastName: "Petrov", AccountID: 20, SelfEmployed: true}
	svc := paysheet.NewService(repo, locker, nil, slog.New(slog.NewTextHandler(io.Discard, nil)), paysheet.Options{LeaseTTL: time.Minute})
	svc.WithNow(func() time.Time { return lastDay.Add(48 * time.Hour) })
	return fixture{repo: repo, svc: svc, locker: locker}
}

func (f fixture) create(t *testing.T, workers ...int64) paysheet.Paysheet {
	t.Helper()
	p, err := f.svc.Create(context.Background(), paysheet.CreateInput{FirstDay: firstDay, LastDay: lastDay, AuthorID: 7, WorkerIDs: workers})
	require.NoError(t, err)
	return p
}

func (f fixture) entry(t *testing.T, paysheetID, workerID int64) paysheet.Entry {
	t.Helper()
	e, err := f.svc.GetEntry(context.Background(), paysheetID, workerID)
	require.NoError(t, err)
	return e
}

func TestAddWorkerNetsPostingsAndFloorsCashWorkers(t *testing.T) {
	f := newFixture(t)
	f.repo.Post(labourAcct, 10, "850", inPeriod)
	f.repo.Post(10, cashAcct, "100", inPeriod)
	f.repo.Post(labourAcct, 20, "850", inPeriod)
	f.repo.Post(20, cashAcct, "100", inPeriod)

	p := f.create(t, cashWorker, freelancer)
	require.Equal(t, "700", f.entry(t, p.ID, cashWorker).Amount.String())
	require.Equal(t, "750", f.entry(t, p.ID, freelancer).Amount.String())
	require.Len(t, f.entry(t, p.ID, cashWorker).PostingIDs, 2)
}

func TestAddWorkerClampsToSaldo(t *testing.T) {
	f := newFixture(t)
	f.repo.Post(labourAcct, 20, "850", inPeriod)
	// Advance paid before the period.
	f.repo.Post(20, cashAcct, "300", firstDay.AddDate(0, 0, -10))

	p := f.create(t, freelancer)
	require.Equal(t, "550", f.entry(t, p.ID, freelancer).Amount.String())

	// The worker owes money: amount is clamped to zero.
	f.repo.Post(10, cashAcct, "400", firstDay.AddDate(0, 0, -10))
	f.repo.Post(labourAcct, 10, "100", inPeriod)
	e, err := f.svc.AddWorker(context.Background(), p.ID, cashWorker, true)
	require.NoError(t, err)
	require.True(t, e.Amount.IsZero())
}

func TestAddWorkerIsIdempotentAndSkipsOutOfPeriodPostings(t *testing.T) {
	f := newFixture(t)
	f.repo.Post(labourAcct, 10, "500", inPeriod)
	f.repo.Post(labourAcct, 10, "500", lastDay.AddDate(0, 0, 1))
	p := f.create(t)

	first, err := f.svc.AddWorker(context.Background(), p.ID, cashWorker, true)
	require.NoError(t, err)
	require.Len(t, first.PostingIDs, 1)
	second, err := f.svc.AddWorker(context.Background(), p.ID, cashWorker, true)
	require.NoError(t, err)
	require.Equal(t, first.ID, second.ID)
}

func TestAddWorkerCustomerFilter(t *testing.T) {
	f := newFixture(t)
	ours := f.repo.Post(labourAcct, 10, "300", inPeriod)
	theirs := f.repo.Post(labourAcct, 10, "400", inPeriod)
	bonus := f.repo.Post(labourAcct, 10, "50", inPeriod)
	f.repo.Billing[ours.ID] = paysheettest.Scope{CustomerID: 5, LocationID: 1}
	f.repo.Billing[theirs.ID] = paysheettest.Scope{CustomerID: 6, LocationID: 1}

	customer := int64(5)
	p, err := f.svc.Create(context.Background(), paysheet.CreateInput{FirstDay: firstDay, LastDay: lastDay, CustomerID: &customer})
	require.NoError(t, err)

	e, err := f.svc.AddWorker(context.Background(), p.ID, cashWorker, true)
	require.NoError(t, err)
	require.ElementsMatch(t, []int64{ours.ID, bonus.ID}, e.PostingIDs)

	require.NoError(t, f.svc.RemoveWorker(context.Background(), p.ID, cashWorker))
	e, err = f.svc.AddWorker(context.Background(), p.ID, cashWorker, false)
	require.NoError(t, err)
	require.Len(t, e.PostingIDs, 3)
}

func TestWorkerMayBelongToOneOpenPaysheet(t *testing.T) {
	f := newFixture(t)
	f.repo.Post(labourAcct, 10, "500", inPeriod)
	f.create(t, cashWorker)
	other := f.create(t)

	_, err := f.svc.AddWorker(context.Background(), other.ID, cashWorker, true)
	require.ErrorIs(t, err, paysheet.ErrWorkerInOpenPaysheet)
	require.ErrorIs(t, err, shared.ErrConflict)
}

func TestCreateSelectsCandidates(t *testing.T) {
	f := newFixture(t)
	f.repo.Workers[3] = workforce.Worker{ID: 3, AccountID: 30}
	f.repo.Workers[4] = workforce.Worker{ID: 4, AccountID: 40}
	f.repo.Post(labourAcct, 10, "500", inPeriod)
	f.repo.Post(labourAcct, 20, "500", inPeriod)
	f.repo.Post(labourAcct, 30, "500", inPeriod)
	f.repo.Excluded[3] = true
	f.create(t, freelancer)

	p, err := f.svc.Create(context.Background(), paysheet.CreateInput{FirstDay: firstDay, LastDay: lastDay, SelectCandidates: true})
	require.NoError(t, err)
	_, entries, err := f.svc.Get(context.Background(), p.ID)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	require.Equal(t, int64(cashWorker), entries[0].WorkerID)
}

func TestCreateSkipsWorkersOutOfPayoutAttempts(t *testing.T) {
	f := newFixture(t)
	f.repo.Workers[3] = workforce.Worker{ID: 3, AccountID: 30}
	f.repo.Workers[4] = workforce.Worker{ID: 4, AccountID: 40}
	for _, acct := range []int64{10, 20, 30, 40} {
		f.repo.Post(labourAcct, acct, "500", inPeriod)
	}
	earlier, err := f.svc.Create(context.Background(), paysheet.CreateInput{
		FirstDay: firstDay.AddDate(0, -1, 0),
		LastDay:  firstDay.AddDate(0, 0, -1),
	})
	require.NoError(t, err)
	overlapping := f.create(t)

	attempts := map[[2]int64]int{
		{overlapping.ID, freelancer}: 3,
		{overlapping.ID, 3}:          1,
		{earlier.ID, 3}:              5,
		{overlapping.ID, 4}:          2,
	}
	f.repo.Attempts = func(paysheetID, workerID int64) int {
		return attempts[[2]int64{paysheetID, workerID}]
	}

	p, err := f.svc.Create(context.Background(), paysheet.CreateInput{FirstDay: firstDay, LastDay: lastDay, SelectCandidates: true})
	require.NoError(t, err)
	_, entries, err := f.svc.Get(context.Background(), p.ID)
	require.NoError(t, err)
	var got []int64
	for _, e := range entries {
		got = append(got, e.WorkerID)
	}
	require.Equal(t, []int64{cashWorker, 3, 4}, got)
}

func TestListPaginatesNewestFirst(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	var ids []int64
	for i := 0; i < 3; i++ {
		p, err := f.svc.Create(ctx, paysheet.CreateInput{FirstDay: firstDay.AddDate(0, i, 0), LastDay: lastDay.AddDate(0, i, 0)})
		require.NoError(t, err)
		ids = append(ids, p.ID)
	}
	require.NoError(t, f.repo.UpdatePaysheetFlags(ctx, ids[2], false, true))

	items, meta, err := f.svc.List(ctx, 0, false, 1, 2)
	require.NoError(t, err)
	require.Equal(t, shared.Pagination{Page: 1, PerPage: 2, Total: 3, TotalPages: 2}, meta)
	require.Equal(t, []int64{ids[2], ids[1]}, []int64{items[0].ID, items[1].ID})

	items, meta, err = f.svc.List(ctx, 0, true, 0, 0)
	require.NoError(t, err)
	require.Equal(t, 2, meta.Total)
	require.Equal(t, 20, meta.PerPage)
	require.Equal(t, []int64{ids[1], ids[0]}, []int64{items[0].ID, items[1].ID})

	items, _, err = f.svc.List(ctx, 0, false, 5, 2)
	require.NoError(t, err)
	require.Empty(t, items)
}

func TestCreateFailsFastWhileLeaseHeld(t *testing.T) {
	f := newFixture(t)
	l, err := f.locker.Obtain(context.Background(), shared.PaysheetCreateLockKey, time.Minute)
	require.NoError(t, err)
	defer func() { _ = l.Release(context.Background()) }()

	_, err = f.svc.Create(context.Background(), paysheet.CreateInput{FirstDay: firstDay, LastDay: lastDay})
	require.ErrorIs(t, err, lock.ErrBusy)
}

func TestCreateRejectsInvertedPeriod(t *testing.T) {
	f := newFixture(t)
	_, err := f.svc.Create(context.Background(), paysheet.CreateInput{FirstDay: lastDay, LastDay: firstDay})
	require.ErrorIs(t, err, paysheet.ErrInvalidPeriod)
}

func TestToggleLockLocksAndReleasesPostings(t *testing.T) {
	f := newFixture(t)
	posting := f.repo.Post(labourAcct, 10, "500", inPeriod)
	p := f.create(t, cashWorker)

	locked, err := f.svc.ToggleLock(context.Background(), p.ID, 7)
	require.NoError(t, err)
	require.True(t, locked.IsLocked)
	got, err := f.repo.GetPosting(context.Background(), posting.ID)
	require.NoError(t, err)
	require.True(t, got.Locked)

	// Postings added while locked are locked too; removal releases them.
	extra := f.repo.Post(labourAcct, 20, "300", inPeriod)
	_, err = f.svc.AddWorker(context.Background(), p.ID, freelancer, true)
	require.NoError(t, err)
	got, _ = f.repo.GetPosting(context.Background(), extra.ID)
	require.True(t, got.Locked)
	require.NoError(t, f.svc.RemoveWorker(context.Background(), p.ID, freelancer))
	got, _ = f.repo.GetPosting(context.Background(), extra.ID)
	require.False(t, got.Locked)

	unlocked, err := f.svc.ToggleLock(context.Background(), p.ID, 7)
	require.NoError(t, err)
	require.False(t, unlocked.IsLocked)
	got, _ = f.repo.GetPosting(context.Background(), posting.ID)
	require.False(t, got.Locked)
}

func TestUpdateEntryAmountClamps(t *testing.T) {
	f := newFixture(t)
	f.repo.Post(labourAcct, 20, "800", inPeriod)
	p := f.create(t, freelancer)
	e := f.entry(t, p.ID, freelancer)

	updated, err := f.svc.UpdateEntryAmount(context.Background(), p.ID, e.ID, decimal.NewFromInt(1000))
	require.NoError(t, err)
	require.Equal(t, "800", updated.Amount.String())

	updated, err = f.svc.UpdateEntryAmount(context.Background(), p.ID, e.ID, decimal.NewFromInt(-5))
	require.NoError(t, err)
	require.True(t, updated.Amount.IsZero())

	updated, err = f.svc.UpdateEntryAmount(context.Background(), p.ID, e.ID, decimal.RequireFromString("123.45"))
	require.NoError(t, err)
	require.Equal(t, "123.45", updated.Amount.String())
}

func TestCloseRejectsEntryExceedingSaldo(t *testing.T) {
	f := newFixture(t)
	f.repo.Post(labourAcct, 20, "500", inPeriod)
	p := f.create(t, freelancer)
	require.Equal(t, "500", f.entry(t, p.ID, freelancer).Amount.String())
	require.NoError(t, f.svc.SetEntryReceipt(context.Background(), p.ID, freelancer, "https://receipt/1"))

	// A later deduction leaves the worker owed only 300.
	f.repo.Post(20, labourAcct, "200", lastDay.AddDate(0, 0, 3))

	ready, err := f.svc.ReadyToClose(context.Background(), p.ID)
	require.NoError(t, err)
	require.False(t, ready.Ready)
	require.Len(t, ready.Problems, 1)

	_, err = f.svc.Close(context.Background(), p.ID, 7, paymentAcct)
	require.ErrorIs(t, err, paysheet.ErrNotReadyToClose)

	got, _, err := f.svc.Get(context.Background(), p.ID)
	require.NoError(t, err)
	require.False(t, got.IsClosed)
	require.False(t, got.IsLocked)
}

func TestReadyToCloseToleratesSmallDiscrepancy(t *testing.T) {
	f := newFixture(t)
	f.repo.Post(labourAcct, 20, "500", inPeriod)
	p := f.create(t, freelancer)
	require.NoError(t, f.svc.SetEntryReceipt(context.Background(), p.ID, freelancer, "https://receipt/1"))
	f.repo.Post(20, labourAcct, "5", lastDay.AddDate(0, 0, 3))

	ready, err := f.svc.ReadyToClose(context.Background(), p.ID)
	require.NoError(t, err)
	require.True(t, ready.Ready, ready.Problems)
}

func TestReadyToCloseRequiresProofs(t *testing.T) {
	f := newFixture(t)
	f.repo.Post(labourAcct, 10, "500", inPeriod)
	f.repo.Post(labourAcct, 20, "500", inPeriod)
	p := f.create(t, cashWorker, freelancer)

	ready, err := f.svc.ReadyToClose(context.Background(), p.ID)
	require.NoError(t, err)
	require.False(t, ready.Ready)
	require.Len(t, ready.Problems, 2)

	_, err = f.svc.AddPhotoProof(context.Background(), paysheet.PhotoProof{PaysheetID: p.ID, WorkerID: cashWorker, URL: "https://photos/1.jpg"})
	require.NoError(t, err)
	require.NoError(t, f.repo.InsertRegistryReceipt(context.Background(), paysheet.RegistryReceipt{PaysheetID: p.ID, WorkerID: freelancer, ReceiptURL: "https://receipt/2"}))

	ready, err = f.svc.ReadyToClose(context.Background(), p.ID)
	require.NoError(t, err)
	require.True(t, ready.Ready, ready.Problems)
}

func TestCloseSettlesEntriesAndFreezesPaysheet(t *testing.T) {
	f := newFixture(t)
	accrual := f.repo.Post(labourAcct, 10, "750", inPeriod)
	p := f.create(t, cashWorker)
	_, err := f.svc.AddPhotoProof(context.Background(), paysheet.PhotoProof{PaysheetID: p.ID, WorkerID: cashWorker, URL: "https://photos/1.jpg"})
	require.NoError(t, err)

	closed, err := f.svc.Close(context.Background(), p.ID, 7, paymentAcct)
	require.NoError(t, err)
	require.True(t, closed.IsClosed)
	require.True(t, closed.IsLocked)

	e := f.entry(t, p.ID, cashWorker)
	require.True(t, e.Settled())
	settlement, err := f.repo.GetPosting(context.Background(), *e.SettlementPostingID)
	require.NoError(t, err)
	require.Equal(t, int64(10), settlement.DebitID)
	require.Equal(t, int64(paymentAcct), settlement.CreditID)
	require.Equal(t, "700", settlement.Amount.String())
	require.True(t, settlement.Locked)

	got, _ := f.repo.GetPosting(context.Background(), accrual.ID)
	require.True(t, got.Locked)

	_, err = f.svc.Close(context.Background(), p.ID, 7, paymentAcct)
	require.ErrorIs(t, err, paysheet.ErrPaysheetClosed)
	_, err = f.svc.ToggleLock(context.Background(), p.ID, 7)
	require.ErrorIs(t, err, paysheet.ErrPaysheetClosed)
	require.ErrorIs(t, f.svc.RemoveWorker(context.Background(), p.ID, cashWorker), paysheet.ErrPaysheetClosed)
	_, err = f.svc.UpdateEntryAmount(context.Background(), p.ID, e.ID, decimal.NewFromInt(1))
	require.ErrorIs(t, err, paysheet.ErrPaysheetClosed)

	// The worker can join a new paysheet; settled postings are not picked up again.
	f.repo.Post(labourAcct, 10, "200", inPeriod)
	next := f.create(t, cashWorker)
	require.Len(t, f.entry(t, next.ID, cashWorker).PostingIDs, 1)
}

// racingRepo runs a hook right before its n-th transaction starts.
type racingRepo struct {
	*paysheettest.Repo
	txs   int
	hooks map[int]func()
}

func (r *racingRepo) WithTx(ctx context.Context, fn func(context.Context, paysheet.TxRepository) error) error {
	r.txs++
	if hook, ok := r.hooks[r.txs]; ok {
		hook()
	}
	return r.Repo.WithTx(ctx, fn)
}

func TestCloseRechecksReadinessWhileSettling(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.repo.Post(labourAcct, 10, "500", inPeriod)
	f.repo.Post(labourAcct, 20, "500", inPeriod)
	p := f.create(t, freelancer)
	require.NoError(t, f.repo.InsertRegistryReceipt(ctx, paysheet.RegistryReceipt{PaysheetID: p.ID, WorkerID: freelancer, ReceiptURL: "https://receipt/2"}))

	// Close reads the paysheet, checks readiness, then settles. A worker
	// without a photo proof joins between the check and the settlement.
	repo := &racingRepo{Repo: f.repo, hooks: map[int]func(){3: func() {
		_, err := f.svc.AddWorker(ctx, p.ID, cashWorker, false)
		require.NoError(t, err)
	}}}
	svc := paysheet.NewService(repo, f.locker, nil, slog.New(slog.NewTextHandler(io.Discard, nil)), paysheet.Options{LeaseTTL: time.Minute})
	svc.WithNow(func() time.Time { return lastDay.Add(48 * time.Hour) })

	_, err := svc.Close(ctx, p.ID, 7, paymentAcct)
	require.ErrorIs(t, err, paysheet.ErrNotReadyToClose)
	require.Contains(t, err.Error(), "no photo proof")

	got, entries, err := f.svc.Get(ctx, p.ID)
	require.NoError(t, err)
	require.False(t, got.IsClosed)
	require.Len(t, entries, 2)
	for _, e := range entries {
		require.False(t, e.Settled())
	}
}

func TestSettledEntryCannotBeChanged(t *testing.T) {
	f := newFixture(t)
	f.repo.Post(labourAcct, 20, "500", inPeriod)
	p := f.create(t, freelancer)
	e := f.entry(t, p.ID, freelancer)
	settlement := f.repo.Post(20, paymentAcct, "500", inPeriod)
	require.NoError(t, f.repo.SetEntrySettlement(context.Background(), e.ID, settlement.ID))

	require.ErrorIs(t, f.svc.RemoveWorker(context.Background(), p.ID, freelancer), paysheet.ErrEntrySettled)
	require.ErrorIs(t, f.svc.ResetWorkers(context.Background(), p.ID), paysheet.ErrEntrySettled)
	_, err := f.svc.UpdateEntryAmount(context.Background(), p.ID, e.ID, decimal.NewFromInt(10))
	require.ErrorIs(t, err, paysheet.ErrEntrySettled)
	again, err := f.svc.AddWorker(context.Background(), p.ID, freelancer, true)
	require.NoError(t, err)
	require.Equal(t, e.ID, again.ID)
}

func TestRecreatePicksUpNewPostings(t *testing.T) {
	f := newFixture(t)
	f.repo.Post(labourAcct, 20, "500", inPeriod)
	p := f.create(t, freelancer)
	f.repo.Post(labourAcct, 20, "250", inPeriod)

	require.NoError(t, f.svc.Recreate(context.Background(), p.ID, 7))
	e := f.entry(t, p.ID, freelancer)
	require.Len(t, e.PostingIDs, 2)
	require.Equal(t, "750", e.Amount.String())
}

type stubStates map[int64]string

func (s stubStates) WorkerStates(context.Context, int64) (map[int64]string, error) { return s, nil }

func TestReport(t *testing.T) {
	f := newFixture(t)
	f.repo.Post(labourAcct, 10, "650", inPeriod)
	f.repo.Post(labourAcct, 20, "851", inPeriod)
	p := f.create(t, cashWorker, freelancer)
	f.svc.SetPayoutStateSource(stubStates{freelancer: "PAID"})

	rep, err := f.svc.Report(context.Background(), p.ID)
	require.NoError(t, err)
	require.Len(t, rep.Rows, 2)
	require.Equal(t, "1451", rep.Total.String())
	require.Equal(t, "PAID", rep.Rows[1].PayoutState)
	require.Equal(t, "Petrov", rep.Rows[1].WorkerName)
}

func TestEntryAmountHelpers(t *testing.T) {
	w := workforce.Worker{AccountID: 10}
	postings := []ledger.Posting{
		{DebitID: labourAcct, CreditID: 10, Amount: decimal.NewFromInt(1290)},
	}
	require.Equal(t, "1200", paysheet.EntryAmount(postings, w, decimal.NewFromInt(-1290)).String())
	require.Equal(t, "0", paysheet.ClampToSaldo(decimal.NewFromInt(10), decimal.NewFromInt(4)).String())
}
