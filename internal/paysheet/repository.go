package paysheet

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/odyssey-erp/staffing/internal/ledger"
	"github.com/odyssey-erp/staffing/internal/platform/db"
	"github.com/odyssey-erp/staffing/internal/workforce"
)

const openEntryConstraint = "uq_paysheet_entries_open_worker"

// PGRepository persists paysheets in PostgreSQL.
type PGRepository struct {
	pool *pgxpool.Pool
}

// NewRepository constructs PGRepository.
func NewRepository(pool *pgxpool.Pool) *PGRepository {
	return &PGRepository{pool: pool}
}

type txRepository struct {
	*ledger.SQLStore
	tx pgx.Tx
}

// WithTx executes fn within repeatable-read transaction.
func (r *PGRepository) WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error {
	if r == nil || r.pool == nil {
		return errors.New("paysheet repository not initialised")
	}
	return db.WithTx(ctx, r.pool, func(tx pgx.Tx) error {
		return fn(ctx, &txRepository{SQLStore: ledger.NewSQLStore(tx), tx: tx})
	})
}

const paysheetColumns = `id, first_day, last_day, customer_id, location_id, is_closed, is_locked, payment_status, author_id, created_at`

func scanPaysheet(row pgx.Row, id int64) (Paysheet, error) {
	var (
		p      Paysheet
		status string
	)
	err := row.Scan(&p.ID, &p.FirstDay, &p.LastDay, &p.CustomerID, &p.LocationID, &p.IsClosed, &p.IsLocked, &status, &p.AuthorID, &p.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Paysheet{}, fmt.Errorf("%w: %d", ErrPaysheetNotFound, id)
		}
		return Paysheet{}, err
	}
	p.PaymentStatus = PaymentStatus(status)
	return p, nil
}

func (r *txRepository) InsertPaysheet(ctx context.Context, p Paysheet) (Paysheet, error) {
	row := r.tx.QueryRow(ctx, `INSERT INTO paysheets (first_day, last_day, customer_id, location_id, payment_status, author_id, created_at)
VALUES ($1,$2,$3,$4,$5,$6,$7) RETURNING `+paysheetColumns,
		p.FirstDay, p.LastDay, p.CustomerID, p.LocationID, string(p.PaymentStatus), p.AuthorID, p.CreatedAt)
	return scanPaysheet(row, 0)
}

func (r *txRepository) GetPaysheet(ctx context.Context, id int64) (Paysheet, error) {
	return scanPaysheet(r.tx.QueryRow(ctx, `SELECT `+paysheetColumns+` FROM paysheets WHERE id=$1`, id), id)
}

func (r *txRepository) ListPaysheets(ctx context.Context, f ListFilter) ([]Paysheet, int, error) {
	const where = ` WHERE ($1::bigint = 0 OR customer_id = $1::bigint) AND (NOT $2::boolean OR NOT is_closed)`
	var total int
	if err := r.tx.QueryRow(ctx, `SELECT COUNT(*) FROM paysheets`+where, f.CustomerID, f.OnlyOpen).Scan(&total); err != nil {
		return nil, 0, err
	}
	rows, err := r.tx.Query(ctx, `SELECT `+paysheetColumns+` FROM paysheets`+where+` ORDER BY first_day DESC, id DESC LIMIT $3 OFFSET $4`,
		f.CustomerID, f.OnlyOpen, f.Limit, f.Offset)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()
	var out []Paysheet
	for rows.Next() {
		p, err := scanPaysheet(rows, 0)
		if err != nil {
			return nil, 0, err
		}
		out = append(out, p)
	}
	return out, total, rows.Err()
}

func (r *txRepository) LockPaysheet(ctx context.Context, id int64) (Paysheet, error) {
	return scanPaysheet(r.tx.QueryRow(ctx, `SELECT `+paysheetColumns+` FROM paysheets WHERE id=$1 FOR UPDATE`, id), id)
}

func (r *txRepository) UpdatePaysheetFlags(ctx context.Context, id int64, isLocked, isClosed bool) error {
	_, err := r.tx.Exec(ctx, `UPDATE paysheets SET is_locked=$2, is_closed=$3 WHERE id=$1`, id, isLocked, isClosed)
	return err
}

func (r *txRepository) SetPaymentStatus(ctx context.Context, id int64, status PaymentStatus) error {
	_, err := r.tx.Exec(ctx, `UPDATE paysheets SET payment_status=$2 WHERE id=$1`, id, string(status))
	return err
}

func (r *txRepository) ListEntries(ctx context.Context, paysheetID int64) ([]Entry, error) {
	rows, err := r.tx.Query(ctx, `SELECT id, paysheet_id, worker_id, amount, settlement_posting_id, receipt_url
FROM paysheet_entries WHERE paysheet_id=$1 ORDER BY id`, paysheetID)
	if err != nil {
		return nil, err
	}
	var entries []Entry
	index := map[int64]int{}
	for rows.Next() {
		var e Entry
		if err := rows.Scan(&e.ID, &e.PaysheetID, &e.WorkerID, &e.Amount, &e.SettlementPostingID, &e.ReceiptURL); err != nil {
			rows.Close()
			return nil, err
		}
		index[e.ID] = len(entries)
		entries = append(entries, e)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	links, err := r.tx.Query(ctx, `SELECT ep.entry_id, ep.posting_id FROM paysheet_entry_postings ep
JOIN paysheet_entries e ON e.id = ep.entry_id WHERE e.paysheet_id=$1 ORDER BY ep.posting_id`, paysheetID)
	if err != nil {
		return nil, err
	}
	defer links.Close()
	for links.Next() {
		var entryID, postingID int64
		if err := links.Scan(&entryID, &postingID); err != nil {
			return nil, err
		}
		if i, ok := index[entryID]; ok {
			entries[i].PostingIDs = append(entries[i].PostingIDs, postingID)
		}
	}
	return entries, links.Err()
}

func (r *txRepository) InsertEntry(ctx context.Context, paysheetID, workerID int64) (Entry, error) {
	e := Entry{PaysheetID: paysheetID, WorkerID: workerID}
	err := r.tx.QueryRow(ctx, `INSERT INTO paysheet_entries (paysheet_id, worker_id, amount, is_open) VALUES ($1,$2,0,TRUE) RETURNING id`, paysheetID, workerID).Scan(&e.ID)
	if err != nil {
		if db.IsUniqueViolation(err, openEntryConstraint) {
			return Entry{}, fmt.Errorf("%w: worker %d", ErrWorkerInOpenPaysheet, workerID)
		}
		return Entry{}, err
	}
	return e, nil
}

func (r *txRepository) AttachPostings(ctx context.Context, entryID int64, postingIDs []int64) error {
	if len(postingIDs) == 0 {
		return nil
	}
	_, err := r.tx.Exec(ctx, `INSERT INTO paysheet_entry_postings (entry_id, posting_id) SELECT $1, unnest($2::bigint[])`, entryID, postingIDs)
	return err
}

func (r *txRepository) UpdateEntryAmount(ctx context.Context, entryID int64, amount decimal.Decimal) error {
	_, err := r.tx.Exec(ctx, `UPDATE paysheet_entries SET amount=$2 WHERE id=$1`, entryID, amount)
	return err
}

func (r *txRepository) SetEntrySettlement(ctx context.Context, entryID, postingID int64) error {
	_, err := r.tx.Exec(ctx, `UPDATE paysheet_entries SET settlement_posting_id=$2 WHERE id=$1`, entryID, postingID)
	return err
}

func (r *txRepository) SetEntryReceipt(ctx context.Context, entryID int64, url string) error {
	_, err := r.tx.Exec(ctx, `UPDATE paysheet_entries SET receipt_url=$2 WHERE id=$1`, entryID, url)
	return err
}

func (r *txRepository) DeleteEntry(ctx context.Context, entryID int64) error {
	_, err := r.tx.Exec(ctx, `DELETE FROM paysheet_entries WHERE id=$1 AND settlement_posting_id IS NULL`, entryID)
	return err
}

func (r *txRepository) CloseEntries(ctx context.Context, paysheetID int64) error {
	_, err := r.tx.Exec(ctx, `UPDATE paysheet_entries SET is_open=FALSE WHERE paysheet_id=$1`, paysheetID)
	return err
}

// scopeFilter keeps postings unrelated to billing or billed to the scope.
const scopeFilter = `(($2::bigint IS NULL AND $3::bigint IS NULL)
	OR NOT EXISTS (SELECT 1 FROM turnout_settlement_links l WHERE l.posting_id = p.id)
	OR EXISTS (
		SELECT 1 FROM turnout_settlement_links l
		JOIN turnouts t ON t.id = l.turnout_id
		JOIN timesheets ts ON ts.id = t.timesheet_id
		WHERE l.posting_id = p.id
		  AND ($2::bigint IS NULL OR ts.customer_id = $2)
		  AND ($3::bigint IS NULL OR ts.location_id = $3)))`

func (r *txRepository) CandidatePostings(ctx context.Context, q CandidateQuery) ([]ledger.Posting, error) {
	rows, err := r.tx.Query(ctx, `SELECT p.id, p.debit_id, p.credit_id, p.amount, p.timepoint, p.comment, p.author_id, p.locked, p.created_at
FROM ledger_postings p
WHERE (p.debit_id = $1 OR p.credit_id = $1)
  AND NOT p.locked
  AND p.timepoint >= $4 AND p.timepoint < $5::date + 1
  AND NOT EXISTS (SELECT 1 FROM paysheet_entries e WHERE e.settlement_posting_id = p.id)
  AND NOT EXISTS (
	SELECT 1 FROM paysheet_entry_postings ep JOIN paysheet_entries e ON e.id = ep.entry_id
	WHERE ep.posting_id = p.id AND e.worker_id = $6)
  AND `+scopeFilter+`
ORDER BY p.timepoint, p.id`, q.AccountID, q.CustomerID, q.LocationID, q.FirstDay, q.LastDay, q.WorkerID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []ledger.Posting
	for rows.Next() {
		var p ledger.Posting
		if err := rows.Scan(&p.ID, &p.DebitID, &p.CreditID, &p.Amount, &p.Timepoint, &p.Comment, &p.AuthorID, &p.Locked, &p.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func (r *txRepository) CandidateWorkers(ctx context.Context, ps Paysheet, maxPayoutAttempts int) ([]int64, error) {
	rows, err := r.tx.Query(ctx, `SELECT DISTINCT w.id
FROM workers w
JOIN ledger_postings p ON p.debit_id = w.account_id OR p.credit_id = w.account_id
WHERE NOT p.locked
  AND p.timepoint >= $4 AND p.timepoint < $5::date + 1
  AND NOT EXISTS (SELECT 1 FROM paysheet_entries e WHERE e.worker_id = w.id AND e.is_open)
  AND NOT EXISTS (SELECT 1 FROM prepayments pp WHERE pp.worker_id = w.id AND NOT pp.settled)
  AND COALESCE((
	SELECT SUM(s.attempts) FROM payout_states s
	JOIN paysheets other ON other.id = s.paysheet_id
	WHERE s.worker_id = w.id AND other.first_day <= $5 AND other.last_day >= $4), 0) < $1
  AND `+scopeFilter+`
ORDER BY w.id`, maxPayoutAttempts, ps.CustomerID, ps.LocationID, ps.FirstDay, ps.LastDay)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (r *txRepository) GetWorker(ctx context.Context, id int64) (workforce.Worker, error) {
	return workforce.QueryWorker(ctx, r.tx, id)
}

func (r *txRepository) InsertPhotoProof(ctx context.Context, proof PhotoProof) (PhotoProof, error) {
	err := r.tx.QueryRow(ctx, `INSERT INTO paysheet_photo_proofs (paysheet_id, worker_id, url, created_at) VALUES ($1,$2,$3,$4) RETURNING id`,
		proof.PaysheetID, proof.WorkerID, proof.URL, proof.CreatedAt).Scan(&proof.ID)
	return proof, err
}

func (r *txRepository) ListPhotoProofs(ctx context.Context, paysheetID int64) ([]PhotoProof, error) {
	rows, err := r.tx.Query(ctx, `SELECT id, paysheet_id, worker_id, url, created_at FROM paysheet_photo_proofs WHERE paysheet_id=$1 ORDER BY id`, paysheetID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []PhotoProof
	for rows.Next() {
		var p PhotoProof
		if err := rows.Scan(&p.ID, &p.PaysheetID, &p.WorkerID, &p.URL, &p.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func (r *txRepository) InsertRegistryReceipt(ctx context.Context, rec RegistryReceipt) error {
	_, err := r.tx.Exec(ctx, `INSERT INTO paysheet_registry_receipts (paysheet_id, worker_id, receipt_url) VALUES ($1,$2,$3)
ON CONFLICT (paysheet_id, worker_id) DO UPDATE SET receipt_url = EXCLUDED.receipt_url`, rec.PaysheetID, rec.WorkerID, rec.ReceiptURL)
	return err
}

func (r *txRepository) ListRegistryReceipts(ctx context.Context, paysheetID int64) ([]RegistryReceipt, error) {
	rows, err := r.tx.Query(ctx, `SELECT paysheet_id, worker_id, receipt_url FROM paysheet_registry_receipts WHERE paysheet_id=$1`, paysheetID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []RegistryReceipt
	for rows.Next() {
		var rec RegistryReceipt
		if err := rows.Scan(&rec.PaysheetID, &rec.WorkerID, &rec.ReceiptURL); err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}
