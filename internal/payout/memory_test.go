package payout_test

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"sort"
	"sync"
	"time"

	"github.com/odyssey-erp/staffing/internal/payout"
	"github.com/odyssey-erp/staffing/internal/workforce"
)

type stateKey struct{ paysheetID, workerID int64 }

type memoryRepo struct {
	mu            sync.Mutex
	nextID        int64
	workers       map[int64]workforce.Worker
	states        map[stateKey]payout.WorkerState
	attempts      []payout.Attempt
	clients       map[int64]payout.BankClient
	registrations map[int64]payout.IncomeRegistration
	payments      map[stateKey]payout.Payment
	events        map[int64]payout.WebhookEvent

	// Injected failures, each consumed by one call.
	failFindPayment int
	failReceipt     int
}

var errStorage = errors.New("storage unavailable")

func newMemoryRepo(workers map[int64]workforce.Worker) *memoryRepo {
	return &memoryRepo{
		workers:       workers,
		states:        map[stateKey]payout.WorkerState{},
		clients:       map[int64]payout.BankClient{},
		registrations: map[int64]payout.IncomeRegistration{},
		payments:      map[stateKey]payout.Payment{},
		events:        map[int64]payout.WebhookEvent{},
	}
}

// WithTx serialises transactions and rolls back every table on error.
func (r *memoryRepo) WithTx(ctx context.Context, fn func(context.Context, payout.TxRepository) error) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	states, attempts, clients := maps.Clone(r.states), len(r.attempts), maps.Clone(r.clients)
	registrations, payments, events := maps.Clone(r.registrations), maps.Clone(r.payments), maps.Clone(r.events)
	if err := fn(ctx, r); err != nil {
		r.states, r.attempts, r.clients = states, r.attempts[:attempts], clients
		r.registrations, r.payments, r.events = registrations, payments, events
		return err
	}
	return nil
}

func (r *memoryRepo) inject(n *int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	*n++
}

func consume(n *int) bool {
	if *n == 0 {
		return false
	}
	*n--
	return true
}

func (r *memoryRepo) id() int64 {
	r.nextID++
	return r.nextID
}

func (r *memoryRepo) state(paysheetID, workerID int64) payout.WorkerState {
	r.mu.Lock()
	defer r.mu.Unlock()
	st, ok := r.states[stateKey{paysheetID, workerID}]
	if !ok {
		return payout.WorkerState{PaysheetID: paysheetID, WorkerID: workerID, State: payout.StateNotBound}
	}
	return st
}

func (r *memoryRepo) outcomes(workerID int64) []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []string
	for _, a := range r.attempts {
		if a.WorkerID == workerID {
			out = append(out, a.Outcome)
		}
	}
	return out
}

func (r *memoryRepo) client(workerID int64) (payout.BankClient, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.clients[workerID]
	return c, ok
}

func (r *memoryRepo) registrationFor(paysheetID, workerID int64) (payout.IncomeRegistration, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, reg := range r.registrations {
		if reg.PaysheetID == paysheetID && reg.WorkerID == workerID {
			return reg, true
		}
	}
	return payout.IncomeRegistration{}, false
}

func (r *memoryRepo) event(id int64) payout.WebhookEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.events[id]
}

func (r *memoryRepo) GetWorker(_ context.Context, id int64) (workforce.Worker, error) {
	w, ok := r.workers[id]
	if !ok {
		return workforce.Worker{}, fmt.Errorf("%w: %d", workforce.ErrWorkerNotFound, id)
	}
	return w, nil
}

func (r *memoryRepo) LockState(_ context.Context, paysheetID, workerID int64) (payout.WorkerState, error) {
	st, ok := r.states[stateKey{paysheetID, workerID}]
	if !ok {
		return payout.WorkerState{PaysheetID: paysheetID, WorkerID: workerID, State: payout.StateNotBound}, nil
	}
	return st, nil
}

func (r *memoryRepo) SaveState(_ context.Context, st payout.WorkerState) error {
	r.states[stateKey{st.PaysheetID, st.WorkerID}] = st
	return nil
}

func (r *memoryRepo) ListStates(_ context.Context, paysheetID int64) ([]payout.WorkerState, error) {
	var out []payout.WorkerState
	for k, st := range r.states {
		if k.paysheetID == paysheetID {
			out = append(out, st)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].WorkerID < out[j].WorkerID })
	return out, nil
}

func (r *memoryRepo) AppendAttempt(_ context.Context, a payout.Attempt) error {
	a.ID = r.id()
	r.attempts = append(r.attempts, a)
	return nil
}

func (r *memoryRepo) ListAttempts(_ context.Context, paysheetID int64) ([]payout.Attempt, error) {
	var out []payout.Attempt
	for _, a := range r.attempts {
		if a.PaysheetID == paysheetID {
			out = append(out, a)
		}
	}
	return out, nil
}

func (r *memoryRepo) GetBankClient(_ context.Context, workerID int64) (payout.BankClient, error) {
	c, ok := r.clients[workerID]
	if !ok {
		return payout.BankClient{}, payout.ErrBankClientNotFound
	}
	return c, nil
}

func (r *memoryRepo) SaveBankClient(_ context.Context, c payout.BankClient) error {
	r.clients[c.WorkerID] = c
	return nil
}

func (r *memoryRepo) InsertIncomeRegistration(_ context.Context, reg payout.IncomeRegistration) (payout.IncomeRegistration, error) {
	reg.ID = r.id()
	r.registrations[reg.ID] = reg
	return reg, nil
}

func (r *memoryRepo) FindIncomeRegistration(_ context.Context, clientID, requestID string) (payout.IncomeRegistration, error) {
	for _, reg := range r.registrations {
		if reg.ClientID == clientID && reg.RequestID == requestID {
			return reg, nil
		}
	}
	return payout.IncomeRegistration{}, payout.ErrRegistrationNotFound
}

func (r *memoryRepo) SetRegistrationReceipt(_ context.Context, id int64, url string) error {
	if consume(&r.failReceipt) {
		return errStorage
	}
	reg := r.registrations[id]
	reg.ReceiptURL = url
	r.registrations[id] = reg
	return nil
}

func (r *memoryRepo) InsertPayment(_ context.Context, p payout.Payment) (payout.Payment, error) {
	p.ID = r.id()
	r.payments[stateKey{p.PaysheetID, p.WorkerID}] = p
	return p, nil
}

func (r *memoryRepo) FindPayment(_ context.Context, paysheetID, workerID int64) (payout.Payment, error) {
	if consume(&r.failFindPayment) {
		return payout.Payment{}, errStorage
	}
	p, ok := r.payments[stateKey{paysheetID, workerID}]
	if !ok {
		return payout.Payment{}, payout.ErrPaymentNotFound
	}
	return p, nil
}

func (r *memoryRepo) InsertWebhookEvent(_ context.Context, body []byte, receivedAt time.Time) (int64, error) {
	id := r.id()
	r.events[id] = payout.WebhookEvent{ID: id, Body: append([]byte(nil), body...), ReceivedAt: receivedAt}
	return id, nil
}

func (r *memoryRepo) GetWebhookEvent(_ context.Context, id int64) (payout.WebhookEvent, error) {
	ev, ok := r.events[id]
	if !ok {
		return payout.WebhookEvent{}, payout.ErrEventNotFound
	}
	return ev, nil
}

func (r *memoryRepo) MarkWebhookEvent(_ context.Context, id int64, processedAt time.Time, errText string) error {
	ev := r.events[id]
	ev.ProcessedAt = &processedAt
	ev.Error = errText
	r.events[id] = ev
	return nil
}
