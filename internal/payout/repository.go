package payout

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/odyssey-erp/staffing/internal/platform/db"
	"github.com/odyssey-erp/staffing/internal/workforce"
)

// PGRepository persists payout state in PostgreSQL.
type PGRepository struct {
	pool *pgxpool.Pool
}

// NewRepository constructs PGRepository.
func NewRepository(pool *pgxpool.Pool) *PGRepository {
	return &PGRepository{pool: pool}
}

type txRepository struct {
	tx pgx.Tx
}

// WithTx executes fn within repeatable-read transaction.
func (r *PGRepository) WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error {
	if r == nil || r.pool == nil {
		return errors.New("payout repository not initialised")
	}
	return db.WithTx(ctx, r.pool, func(tx pgx.Tx) error {
		return fn(ctx, &txRepository{tx: tx})
	})
}

func (r *txRepository) GetWorker(ctx context.Context, id int64) (workforce.Worker, error) {
	return workforce.QueryWorker(ctx, r.tx, id)
}

func (r *txRepository) LockState(ctx context.Context, paysheetID, workerID int64) (WorkerState, error) {
	st := WorkerState{PaysheetID: paysheetID, WorkerID: workerID}
	var state string
	err := r.tx.QueryRow(ctx, `SELECT state, attempts, updated_at FROM payout_states
WHERE paysheet_id=$1 AND worker_id=$2 FOR UPDATE`, paysheetID, workerID).Scan(&state, &st.Attempts, &st.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		st.State = StateNotBound
		return st, nil
	}
	if err != nil {
		return WorkerState{}, err
	}
	st.State = State(state)
	return st, nil
}

func (r *txRepository) SaveState(ctx context.Context, st WorkerState) error {
	_, err := r.tx.Exec(ctx, `INSERT INTO payout_states (paysheet_id, worker_id, state, attempts, updated_at)
VALUES ($1,$2,$3,$4,$5)
ON CONFLICT (paysheet_id, worker_id) DO UPDATE SET state=EXCLUDED.state, attempts=EXCLUDED.attempts, updated_at=EXCLUDED.updated_at`,
		st.PaysheetID, st.WorkerID, string(st.State), st.Attempts, st.UpdatedAt)
	return err
}

func (r *txRepository) ListStates(ctx context.Context, paysheetID int64) ([]WorkerState, error) {
	rows, err := r.tx.Query(ctx, `SELECT worker_id, state, attempts, updated_at FROM payout_states WHERE paysheet_id=$1 ORDER BY worker_id`, paysheetID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []WorkerState
	for rows.Next() {
		st := WorkerState{PaysheetID: paysheetID}
		var state string
		if err := rows.Scan(&st.WorkerID, &state, &st.Attempts, &st.UpdatedAt); err != nil {
			return nil, err
		}
		st.State = State(state)
		out = append(out, st)
	}
	return out, rows.Err()
}

func (r *txRepository) AppendAttempt(ctx context.Context, a Attempt) error {
	_, err := r.tx.Exec(ctx, `INSERT INTO payout_attempts (paysheet_id, worker_id, step, outcome, description, created_at)
VALUES ($1,$2,$3,$4,$5,$6)`, a.PaysheetID, a.WorkerID, a.Step, a.Outcome, a.Description, a.CreatedAt)
	return err
}

func (r *txRepository) ListAttempts(ctx context.Context, paysheetID int64) ([]Attempt, error) {
	rows, err := r.tx.Query(ctx, `SELECT id, worker_id, step, outcome, description, created_at
FROM payout_attempts WHERE paysheet_id=$1 ORDER BY id`, paysheetID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Attempt
	for rows.Next() {
		a := Attempt{PaysheetID: paysheetID}
		if err := rows.Scan(&a.ID, &a.WorkerID, &a.Step, &a.Outcome, &a.Description, &a.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

func (r *txRepository) GetBankClient(ctx context.Context, workerID int64) (BankClient, error) {
	c := BankClient{WorkerID: workerID}
	err := r.tx.QueryRow(ctx, `SELECT client_id, confirmed, created_at FROM bank_clients WHERE worker_id=$1`, workerID).
		Scan(&c.ClientID, &c.Confirmed, &c.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return BankClient{}, fmt.Errorf("%w: worker %d", ErrBankClientNotFound, workerID)
	}
	return c, err
}

func (r *txRepository) SaveBankClient(ctx context.Context, c BankClient) error {
	_, err := r.tx.Exec(ctx, `INSERT INTO bank_clients (worker_id, client_id, confirmed, created_at) VALUES ($1,$2,$3,$4)
ON CONFLICT (worker_id) DO UPDATE SET client_id=EXCLUDED.client_id, confirmed=EXCLUDED.confirmed`,
		c.WorkerID, c.ClientID, c.Confirmed, c.CreatedAt)
	return err
}

const registrationColumns = `id, paysheet_id, worker_id, client_id, request_id, amount, COALESCE(receipt_url, ''), created_at`

func (r *txRepository) InsertIncomeRegistration(ctx context.Context, reg IncomeRegistration) (IncomeRegistration, error) {
	err := r.tx.QueryRow(ctx, `INSERT INTO income_registrations (paysheet_id, worker_id, client_id, request_id, amount, created_at)
VALUES ($1,$2,$3,$4,$5,$6) RETURNING id`,
		reg.PaysheetID, reg.WorkerID, reg.ClientID, reg.RequestID, reg.Amount, reg.CreatedAt).Scan(&reg.ID)
	return reg, err
}

func (r *txRepository) FindIncomeRegistration(ctx context.Context, clientID, requestID string) (IncomeRegistration, error) {
	var reg IncomeRegistration
	err := r.tx.QueryRow(ctx, `SELECT `+registrationColumns+` FROM income_registrations WHERE client_id=$1 AND request_id=$2`, clientID, requestID).
		Scan(&reg.ID, &reg.PaysheetID, &reg.WorkerID, &reg.ClientID, &reg.RequestID, &reg.Amount, &reg.ReceiptURL, &reg.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return IncomeRegistration{}, fmt.Errorf("%w: client %s request %s", ErrRegistrationNotFound, clientID, requestID)
	}
	return reg, err
}

func (r *txRepository) SetRegistrationReceipt(ctx context.Context, id int64, url string) error {
	_, err := r.tx.Exec(ctx, `UPDATE income_registrations SET receipt_url=$2 WHERE id=$1`, id, url)
	return err
}

func (r *txRepository) InsertPayment(ctx context.Context, p Payment) (Payment, error) {
	err := r.tx.QueryRow(ctx, `INSERT INTO payout_payments (paysheet_id, worker_id, amount, commission, partner_commission, order_slug, created_at)
VALUES ($1,$2,$3,$4,$5,$6,$7) RETURNING id`,
		p.PaysheetID, p.WorkerID, p.Amount, p.Commission, p.PartnerCommission, p.OrderSlug, p.CreatedAt).Scan(&p.ID)
	return p, err
}

func (r *txRepository) FindPayment(ctx context.Context, paysheetID, workerID int64) (Payment, error) {
	p := Payment{PaysheetID: paysheetID, WorkerID: workerID}
	err := r.tx.QueryRow(ctx, `SELECT id, amount, commission, partner_commission, order_slug, created_at
FROM payout_payments WHERE paysheet_id=$1 AND worker_id=$2`, paysheetID, workerID).
		Scan(&p.ID, &p.Amount, &p.Commission, &p.PartnerCommission, &p.OrderSlug, &p.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return Payment{}, fmt.Errorf("%w: paysheet %d worker %d", ErrPaymentNotFound, paysheetID, workerID)
	}
	return p, err
}

func (r *txRepository) InsertWebhookEvent(ctx context.Context, body []byte, receivedAt time.Time) (int64, error) {
	var id int64
	err := r.tx.QueryRow(ctx, `INSERT INTO webhook_events (body, received_at) VALUES ($1,$2) RETURNING id`, string(body), receivedAt).Scan(&id)
	return id, err
}

func (r *txRepository) GetWebhookEvent(ctx context.Context, id int64) (WebhookEvent, error) {
	ev := WebhookEvent{ID: id}
	var body string
	err := r.tx.QueryRow(ctx, `SELECT body, received_at, processed_at, COALESCE(error, '') FROM webhook_events WHERE id=$1`, id).
		Scan(&body, &ev.ReceivedAt, &ev.ProcessedAt, &ev.Error)
	if errors.Is(err, pgx.ErrNoRows) {
		return WebhookEvent{}, fmt.Errorf("%w: %d", ErrEventNotFound, id)
	}
	ev.Body = []byte(body)
	return ev, err
}

func (r *txRepository) MarkWebhookEvent(ctx context.Context, id int64, processedAt time.Time, errText string) error {
	_, err := r.tx.Exec(ctx, `UPDATE webhook_events SET processed_at=$2, error=NULLIF($3, '') WHERE id=$1`, id, processedAt, errText)
	return err
}
