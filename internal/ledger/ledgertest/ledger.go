// Package ledgertest provides an in-memory ledger for tests.
package ledgertest

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/odyssey-erp/staffing/internal/ledger"
)

// Ledger is a goroutine-safe in-memory ledger.Store.
type Ledger struct {
	mu       sync.Mutex
	nextID   int64
	postings map[int64]ledger.Posting
	mappings map[string]int64
	now      func() time.Time
}

// New constructs an empty ledger.
func New() *Ledger {
	return &Ledger{
		postings: make(map[int64]ledger.Posting),
		mappings: make(map[string]int64),
		now:      time.Now,
	}
}

// MapAccount registers an account mapping.
func (l *Ledger) MapAccount(module, key string, accountID int64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.mappings[strings.ToUpper(module)+"/"+key] = accountID
}

// Postings returns every posting ordered by id.
func (l *Ledger) Postings() []ledger.Posting {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]ledger.Posting, 0, len(l.postings))
	for _, p := range l.postings {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Post creates a posting directly; it panics on invalid input.
func (l *Ledger) Post(debitID, creditID int64, amount string, at time.Time) ledger.Posting {
	p, err := l.CreatePosting(context.Background(), ledger.PostingInput{
		DebitID:   debitID,
		CreditID:  creditID,
		Amount:    decimal.RequireFromString(amount),
		Timepoint: at,
	})
	if err != nil {
		panic(err)
	}
	return p
}

// CreatePosting implements ledger.Store.
func (l *Ledger) CreatePosting(_ context.Context, in ledger.PostingInput) (ledger.Posting, error) {
	in, err := in.Normalize()
	if err != nil {
		return ledger.Posting{}, err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.nextID++
	p := ledger.Posting{
		ID:        l.nextID,
		DebitID:   in.DebitID,
		CreditID:  in.CreditID,
		Amount:    in.Amount,
		Timepoint: in.Timepoint,
		Comment:   in.Comment,
		AuthorID:  in.AuthorID,
		Locked:    in.Locked,
		CreatedAt: l.now(),
	}
	l.postings[p.ID] = p
	return p, nil
}

// GetPosting implements ledger.Store.
func (l *Ledger) GetPosting(_ context.Context, id int64) (ledger.Posting, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	p, ok := l.postings[id]
	if !ok {
		return ledger.Posting{}, fmt.Errorf("%w: %d", ledger.ErrPostingNotFound, id)
	}
	return p, nil
}

// UpdatePosting implements ledger.Store.
func (l *Ledger) UpdatePosting(_ context.Context, id int64, in ledger.PostingInput) (ledger.Posting, error) {
	in, err := in.Normalize()
	if err != nil {
		return ledger.Posting{}, err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	p, ok := l.postings[id]
	if !ok {
		return ledger.Posting{}, fmt.Errorf("%w: %d", ledger.ErrPostingNotFound, id)
	}
	if p.Locked {
		return ledger.Posting{}, fmt.Errorf("%w: %d", ledger.ErrPostingLocked, id)
	}
	p.DebitID, p.CreditID, p.Amount = in.DebitID, in.CreditID, in.Amount
	p.Timepoint, p.Comment, p.AuthorID = in.Timepoint, in.Comment, in.AuthorID
	l.postings[id] = p
	return p, nil
}

// DeletePosting implements ledger.Store.
func (l *Ledger) DeletePosting(_ context.Context, id int64) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	p, ok := l.postings[id]
	if !ok {
		return fmt.Errorf("%w: %d", ledger.ErrPostingNotFound, id)
	}
	if p.Locked {
		return fmt.Errorf("%w: %d", ledger.ErrPostingLocked, id)
	}
	delete(l.postings, id)
	return nil
}

// SetLocked implements ledger.Store.
func (l *Ledger) SetLocked(_ context.Context, ids []int64, locked bool) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, id := range ids {
		p, ok := l.postings[id]
		if !ok {
			continue
		}
		p.Locked = locked
		l.postings[id] = p
	}
	return nil
}

// TurnoverSaldo implements ledger.Store.
func (l *Ledger) TurnoverSaldo(_ context.Context, accountID int64) (decimal.Decimal, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	saldo := decimal.Zero
	for _, p := range l.postings {
		saldo = saldo.Add(p.Effect(accountID))
	}
	return saldo, nil
}

// AccountMapping implements ledger.Store.
func (l *Ledger) AccountMapping(_ context.Context, module, key string) (int64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	id, ok := l.mappings[strings.ToUpper(module)+"/"+key]
	if !ok {
		return 0, fmt.Errorf("%w: %s/%s", ledger.ErrMappingNotFound, module, key)
	}
	return id, nil
}

var _ ledger.Store = (*Ledger)(nil)
