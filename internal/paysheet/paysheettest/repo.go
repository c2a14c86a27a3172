// Package paysheettest provides an in-memory paysheet repository.
package paysheettest

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/odyssey-erp/staffing/internal/ledger"
	"github.com/odyssey-erp/staffing/internal/ledger/ledgertest"
	"github.com/odyssey-erp/staffing/internal/paysheet"
	"github.com/odyssey-erp/staffing/internal/workforce"
)

// Scope tags a posting with the customer site it was billed to.
type Scope struct {
	CustomerID int64
	LocationID int64
}

type entryRow struct {
	paysheet.Entry
	open bool
}

// Repo implements paysheet.Repository in memory. Transactions are
// serialised and not rolled back.
type Repo struct {
	*ledgertest.Ledger

	txMu      sync.Mutex
	nextID    int64
	paysheets map[int64]paysheet.Paysheet
	entries   map[int64]*entryRow
	proofs    []paysheet.PhotoProof
	receipts  map[[2]int64]paysheet.RegistryReceipt

	Workers map[int64]workforce.Worker
	// Billing scopes postings created by turnout settlement.
	Billing map[int64]Scope
	// Excluded workers hold an unsettled prepayment and are skipped by
	// candidate selection.
	Excluded map[int64]bool
	// Attempts reports the payout attempts of a worker within a paysheet.
	// Candidate selection sums them over paysheets overlapping the period.
	Attempts func(paysheetID, workerID int64) int
}

// New constructs an empty repository over a fresh ledger.
func New() *Repo {
	return &Repo{
		Ledger:    ledgertest.New(),
		paysheets: map[int64]paysheet.Paysheet{},
		entries:   map[int64]*entryRow{},
		receipts:  map[[2]int64]paysheet.RegistryReceipt{},
		Workers:   map[int64]workforce.Worker{},
		Billing:   map[int64]Scope{},
		Excluded:  map[int64]bool{},
	}
}

// WithTx implements paysheet.Repository.
func (r *Repo) WithTx(ctx context.Context, fn func(context.Context, paysheet.TxRepository) error) error {
	r.txMu.Lock()
	defer r.txMu.Unlock()
	return fn(ctx, r)
}

func (r *Repo) id() int64 {
	r.nextID++
	return r.nextID
}

func (r *Repo) InsertPaysheet(_ context.Context, p paysheet.Paysheet) (paysheet.Paysheet, error) {
	p.ID = r.id()
	r.paysheets[p.ID] = p
	return p, nil
}

func (r *Repo) GetPaysheet(_ context.Context, id int64) (paysheet.Paysheet, error) {
	p, ok := r.paysheets[id]
	if !ok {
		return paysheet.Paysheet{}, fmt.Errorf("%w: %d", paysheet.ErrPaysheetNotFound, id)
	}
	return p, nil
}

func (r *Repo) ListPaysheets(_ context.Context, f paysheet.ListFilter) ([]paysheet.Paysheet, int, error) {
	var matched []paysheet.Paysheet
	for _, p := range r.paysheets {
		if f.CustomerID != 0 && (p.CustomerID == nil || *p.CustomerID != f.CustomerID) {
			continue
		}
		if f.OnlyOpen && p.IsClosed {
			continue
		}
		matched = append(matched, p)
	}
	sort.Slice(matched, func(i, j int) bool {
		if !matched[i].FirstDay.Equal(matched[j].FirstDay) {
			return matched[i].FirstDay.After(matched[j].FirstDay)
		}
		return matched[i].ID > matched[j].ID
	})
	total := len(matched)
	if f.Offset >= total {
		return nil, total, nil
	}
	end := total
	if f.Limit > 0 && f.Offset+f.Limit < end {
		end = f.Offset + f.Limit
	}
	return matched[f.Offset:end], total, nil
}

func (r *Repo) LockPaysheet(ctx context.Context, id int64) (paysheet.Paysheet, error) {
	return r.GetPaysheet(ctx, id)
}

func (r *Repo) UpdatePaysheetFlags(_ context.Context, id int64, isLocked, isClosed bool) error {
	p := r.paysheets[id]
	p.IsLocked, p.IsClosed = isLocked, isClosed
	r.paysheets[id] = p
	return nil
}

func (r *Repo) SetPaymentStatus(_ context.Context, id int64, status paysheet.PaymentStatus) error {
	p := r.paysheets[id]
	p.PaymentStatus = status
	r.paysheets[id] = p
	return nil
}

func (r *Repo) ListEntries(_ context.Context, paysheetID int64) ([]paysheet.Entry, error) {
	var out []paysheet.Entry
	for _, e := range r.entries {
		if e.PaysheetID == paysheetID {
			cp := e.Entry
			cp.PostingIDs = append([]int64(nil), e.PostingIDs...)
			out = append(out, cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (r *Repo) InsertEntry(_ context.Context, paysheetID, workerID int64) (paysheet.Entry, error) {
	for _, e := range r.entries {
		if e.WorkerID == workerID && e.open {
			return paysheet.Entry{}, fmt.Errorf("%w: worker %d", paysheet.ErrWorkerInOpenPaysheet, workerID)
		}
	}
	e := &entryRow{Entry: paysheet.Entry{ID: r.id(), PaysheetID: paysheetID, WorkerID: workerID, Amount: decimal.Zero}, open: true}
	r.entries[e.ID] = e
	return e.Entry, nil
}

func (r *Repo) AttachPostings(_ context.Context, entryID int64, postingIDs []int64) error {
	r.entries[entryID].PostingIDs = append(r.entries[entryID].PostingIDs, postingIDs...)
	return nil
}

func (r *Repo) UpdateEntryAmount(_ context.Context, entryID int64, amount decimal.Decimal) error {
	r.entries[entryID].Amount = amount
	return nil
}

func (r *Repo) SetEntrySettlement(_ context.Context, entryID, postingID int64) error {
	id := postingID
	r.entries[entryID].SettlementPostingID = &id
	return nil
}

func (r *Repo) SetEntryReceipt(_ context.Context, entryID int64, url string) error {
	r.entries[entryID].ReceiptURL = url
	return nil
}

func (r *Repo) DeleteEntry(_ context.Context, entryID int64) error {
	delete(r.entries, entryID)
	return nil
}

func (r *Repo) CloseEntries(_ context.Context, paysheetID int64) error {
	for _, e := range r.entries {
		if e.PaysheetID == paysheetID {
			e.open = false
		}
	}
	return nil
}

func (r *Repo) inScope(postingID int64, customerID, locationID *int64) bool {
	if customerID == nil && locationID == nil {
		return true
	}
	scope, billed := r.Billing[postingID]
	if !billed {
		return true
	}
	if customerID != nil && scope.CustomerID != *customerID {
		return false
	}
	if locationID != nil && scope.LocationID != *locationID {
		return false
	}
	return true
}

func inPeriod(at, first, last time.Time) bool {
	return !at.Before(first) && at.Before(last.AddDate(0, 0, 1))
}

func (r *Repo) CandidatePostings(_ context.Context, q paysheet.CandidateQuery) ([]ledger.Posting, error) {
	settlement := map[int64]bool{}
	swept := map[int64]bool{}
	for _, e := range r.entries {
		if e.SettlementPostingID != nil {
			settlement[*e.SettlementPostingID] = true
		}
		if e.WorkerID == q.WorkerID {
			for _, id := range e.PostingIDs {
				swept[id] = true
			}
		}
	}
	var out []ledger.Posting
	for _, p := range r.Postings() {
		if !p.Touches(q.AccountID) || p.Locked || !inPeriod(p.Timepoint, q.FirstDay, q.LastDay) {
			continue
		}
		if settlement[p.ID] || swept[p.ID] || !r.inScope(p.ID, q.CustomerID, q.LocationID) {
			continue
		}
		out = append(out, p)
	}
	return out, nil
}

func (r *Repo) payoutAttempts(workerID int64, ps paysheet.Paysheet) int {
	if r.Attempts == nil {
		return 0
	}
	total := 0
	for _, other := range r.paysheets {
		if other.FirstDay.After(ps.LastDay) || other.LastDay.Before(ps.FirstDay) {
			continue
		}
		total += r.Attempts(other.ID, workerID)
	}
	return total
}

func (r *Repo) CandidateWorkers(ctx context.Context, ps paysheet.Paysheet, maxPayoutAttempts int) ([]int64, error) {
	var ids []int64
	for id, w := range r.Workers {
		if r.Excluded[id] || r.payoutAttempts(id, ps) >= maxPayoutAttempts {
			continue
		}
		busy := false
		for _, e := range r.entries {
			if e.WorkerID == id && e.open {
				busy = true
			}
		}
		if busy {
			continue
		}
		postings, err := r.CandidatePostings(ctx, paysheet.CandidateQuery{
			WorkerID: id, AccountID: w.AccountID, FirstDay: ps.FirstDay, LastDay: ps.LastDay,
			CustomerID: ps.CustomerID, LocationID: ps.LocationID,
		})
		if err != nil {
			return nil, err
		}
		if len(postings) > 0 {
			ids = append(ids, id)
		}
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids, nil
}

func (r *Repo) GetWorker(_ context.Context, id int64) (workforce.Worker, error) {
	w, ok := r.Workers[id]
	if !ok {
		return workforce.Worker{}, fmt.Errorf("%w: %d", workforce.ErrWorkerNotFound, id)
	}
	return w, nil
}

func (r *Repo) InsertPhotoProof(_ context.Context, proof paysheet.PhotoProof) (paysheet.PhotoProof, error) {
	proof.ID = r.id()
	r.proofs = append(r.proofs, proof)
	return proof, nil
}

func (r *Repo) ListPhotoProofs(_ context.Context, paysheetID int64) ([]paysheet.PhotoProof, error) {
	var out []paysheet.PhotoProof
	for _, p := range r.proofs {
		if p.PaysheetID == paysheetID {
			out = append(out, p)
		}
	}
	return out, nil
}

func (r *Repo) InsertRegistryReceipt(_ context.Context, rec paysheet.RegistryReceipt) error {
	r.receipts[[2]int64{rec.PaysheetID, rec.WorkerID}] = rec
	return nil
}

func (r *Repo) ListRegistryReceipts(_ context.Context, paysheetID int64) ([]paysheet.RegistryReceipt, error) {
	var out []paysheet.RegistryReceipt
	for key, rec := range r.receipts {
		if key[0] == paysheetID {
			out = append(out, rec)
		}
	}
	return out, nil
}

var _ paysheet.Repository = (*Repo)(nil)
