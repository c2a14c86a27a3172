package settlement

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/odyssey-erp/staffing/internal/ledger"
	"github.com/odyssey-erp/staffing/internal/platform/db"
	"github.com/odyssey-erp/staffing/internal/shared"
	"github.com/odyssey-erp/staffing/internal/workforce"
)

// PGRepository persists settlement links in PostgreSQL.
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
		return errors.New("settlement repository not initialised")
	}
	return db.WithTx(ctx, r.pool, func(tx pgx.Tx) error {
		return fn(ctx, &txRepository{SQLStore: ledger.NewSQLStore(tx), tx: tx})
	})
}

func (r *txRepository) LockTurnout(ctx context.Context, id int64) (Turnout, error) {
	var t Turnout
	err := r.tx.QueryRow(ctx, `SELECT id, worker_id, timesheet_id, hours, is_foreman, position_id, customer_service_id
FROM turnouts WHERE id=$1 FOR UPDATE`, id).
		Scan(&t.ID, &t.WorkerID, &t.TimesheetID, &t.Hours, &t.IsForeman, &t.PositionID, &t.CustomerServiceID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Turnout{}, fmt.Errorf("%w: %d", ErrTurnoutNotFound, id)
		}
		return Turnout{}, err
	}
	return t, nil
}

func (r *txRepository) GetTimesheet(ctx context.Context, id int64) (Timesheet, error) {
	var ts Timesheet
	err := r.tx.QueryRow(ctx, `SELECT id, customer_id, location_id, sheet_date FROM timesheets WHERE id=$1`, id).
		Scan(&ts.ID, &ts.CustomerID, &ts.LocationID, &ts.Date)
	if errors.Is(err, pgx.ErrNoRows) {
		return Timesheet{}, fmt.Errorf("settlement: timesheet %d %w", id, shared.ErrNotFound)
	}
	return ts, err
}

func (r *txRepository) GetCustomerService(ctx context.Context, id int64) (CustomerService, error) {
	var cs CustomerService
	err := r.tx.QueryRow(ctx, `SELECT id, customer_id, location_id, name, customer_rate, worker_rate, foreman_rate
FROM customer_services WHERE id=$1`, id).
		Scan(&cs.ID, &cs.CustomerID, &cs.LocationID, &cs.Name, &cs.CustomerRate, &cs.WorkerRate, &cs.ForemanRate)
	if errors.Is(err, pgx.ErrNoRows) {
		return CustomerService{}, fmt.Errorf("settlement: customer service %d %w", id, shared.ErrNotFound)
	}
	return cs, err
}

func (r *txRepository) ListSurcharges(ctx context.Context, customerID, positionID int64) ([]PositionSurcharge, error) {
	rows, err := r.tx.Query(ctx, `SELECT hourly_amount, valid_from, valid_to FROM position_surcharges
WHERE customer_id=$1 AND position_id=$2 ORDER BY id`, customerID, positionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []PositionSurcharge
	for rows.Next() {
		s := PositionSurcharge{CustomerID: customerID, PositionID: positionID}
		if err := rows.Scan(&s.HourlyAmount, &s.From, &s.To); err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

func (r *txRepository) GetWorker(ctx context.Context, id int64) (workforce.Worker, error) {
	return workforce.QueryWorker(ctx, r.tx, id)
}

func (r *txRepository) CustomerAccount(ctx context.Context, customerID int64) (int64, error) {
	var accountID *int64
	err := r.tx.QueryRow(ctx, `SELECT account_id FROM customers WHERE id=$1`, customerID).Scan(&accountID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, fmt.Errorf("settlement: customer %d %w", customerID, shared.ErrNotFound)
		}
		return 0, err
	}
	if accountID == nil {
		return 0, nil
	}
	return *accountID, nil
}

func (r *txRepository) ListLinks(ctx context.Context, turnoutID int64) (map[LinkKind]int64, error) {
	rows, err := r.tx.Query(ctx, `SELECT kind, posting_id FROM turnout_settlement_links WHERE turnout_id=$1`, turnoutID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	links := make(map[LinkKind]int64)
	for rows.Next() {
		var (
			kind      string
			postingID int64
		)
		if err := rows.Scan(&kind, &postingID); err != nil {
			return nil, err
		}
		links[LinkKind(kind)] = postingID
	}
	return links, rows.Err()
}

func (r *txRepository) InsertLink(ctx context.Context, turnoutID int64, kind LinkKind, postingID int64) error {
	_, err := r.tx.Exec(ctx, `INSERT INTO turnout_settlement_links (turnout_id, kind, posting_id) VALUES ($1,$2,$3)`, turnoutID, string(kind), postingID)
	if db.IsUniqueViolation(err, "uq_turnout_settlement_links") {
		return fmt.Errorf("settlement: %s link for turnout %d exists: %w", kind, turnoutID, shared.ErrConflict)
	}
	return err
}

func (r *txRepository) DeleteLink(ctx context.Context, turnoutID int64, kind LinkKind) error {
	_, err := r.tx.Exec(ctx, `DELETE FROM turnout_settlement_links WHERE turnout_id=$1 AND kind=$2`, turnoutID, string(kind))
	return err
}

func (r *txRepository) AccrualPaid(ctx context.Context, postingID int64) (bool, error) {
	var paid bool
	err := r.tx.QueryRow(ctx, `SELECT EXISTS (
	SELECT 1 FROM paysheet_entry_postings ep
	JOIN paysheet_entries e ON e.id = ep.entry_id
	JOIN paysheets p ON p.id = e.paysheet_id
	WHERE ep.posting_id=$1 AND (p.is_locked OR p.is_closed))`, postingID).Scan(&paid)
	return paid, err
}
