package ledger

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/shopspring/decimal"

	"github.com/odyssey-erp/staffing/internal/platform/db"
)

// Store is the posting API consumed by settlement and paysheet code. It is
// always bound to a single transaction.
type Store interface {
	CreatePosting(ctx context.Context, in PostingInput) (Posting, error)
	GetPosting(ctx context.Context, id int64) (Posting, error)
	// UpdatePosting rewrites an unlocked posting in place, keeping its id.
	UpdatePosting(ctx context.Context, id int64, in PostingInput) (Posting, error)
	DeletePosting(ctx context.Context, id int64) error
	SetLocked(ctx context.Context, ids []int64, locked bool) error
	TurnoverSaldo(ctx context.Context, accountID int64) (decimal.Decimal, error)
	AccountMapping(ctx context.Context, module, key string) (int64, error)
}

// UpdateLocked updates a posting regardless of its lock flag: a locked
// posting is unlocked, rewritten and locked again.
func UpdateLocked(ctx context.Context, s Store, id int64, in PostingInput) (Posting, error) {
	current, err := s.GetPosting(ctx, id)
	if err != nil {
		return Posting{}, err
	}
	if !current.Locked {
		return s.UpdatePosting(ctx, id, in)
	}
	if err := s.SetLocked(ctx, []int64{id}, false); err != nil {
		return Posting{}, err
	}
	updated, err := s.UpdatePosting(ctx, id, in)
	if err != nil {
		return Posting{}, err
	}
	if err := s.SetLocked(ctx, []int64{id}, true); err != nil {
		return Posting{}, err
	}
	updated.Locked = true
	return updated, nil
}

// SQLStore implements Store over a pgx connection or transaction.
type SQLStore struct {
	q db.Querier
}

// NewSQLStore binds the store to q.
func NewSQLStore(q db.Querier) *SQLStore {
	return &SQLStore{q: q}
}

const postingColumns = `id, debit_id, credit_id, amount, timepoint, comment, author_id, locked, created_at`

func scanPosting(row pgx.Row) (Posting, error) {
	var p Posting
	err := row.Scan(&p.ID, &p.DebitID, &p.CreditID, &p.Amount, &p.Timepoint, &p.Comment, &p.AuthorID, &p.Locked, &p.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Posting{}, ErrPostingNotFound
		}
		return Posting{}, err
	}
	return p, nil
}

// CreatePosting inserts a new posting.
func (s *SQLStore) CreatePosting(ctx context.Context, in PostingInput) (Posting, error) {
	in, err := in.Normalize()
	if err != nil {
		return Posting{}, err
	}
	row := s.q.QueryRow(ctx, `INSERT INTO ledger_postings (debit_id, credit_id, amount, timepoint, comment, author_id, locked)
VALUES ($1,$2,$3,$4,$5,$6,$7) RETURNING `+postingColumns,
		in.DebitID, in.CreditID, in.Amount, in.Timepoint, in.Comment, in.AuthorID, in.Locked)
	return scanPosting(row)
}

// GetPosting loads a posting by id.
func (s *SQLStore) GetPosting(ctx context.Context, id int64) (Posting, error) {
	return scanPosting(s.q.QueryRow(ctx, `SELECT `+postingColumns+` FROM ledger_postings WHERE id=$1`, id))
}

// UpdatePosting rewrites an unlocked posting.
func (s *SQLStore) UpdatePosting(ctx context.Context, id int64, in PostingInput) (Posting, error) {
	in, err := in.Normalize()
	if err != nil {
		return Posting{}, err
	}
	row := s.q.QueryRow(ctx, `UPDATE ledger_postings SET debit_id=$2, credit_id=$3, amount=$4, timepoint=$5, comment=$6, author_id=$7
WHERE id=$1 AND NOT locked RETURNING `+postingColumns,
		id, in.DebitID, in.CreditID, in.Amount, in.Timepoint, in.Comment, in.AuthorID)
	p, err := scanPosting(row)
	if errors.Is(err, ErrPostingNotFound) {
		return Posting{}, s.missingOrLocked(ctx, id)
	}
	return p, err
}

// DeletePosting removes an unlocked posting.
func (s *SQLStore) DeletePosting(ctx context.Context, id int64) error {
	tag, err := s.q.Exec(ctx, `DELETE FROM ledger_postings WHERE id=$1 AND NOT locked`, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return s.missingOrLocked(ctx, id)
	}
	return nil
}

func (s *SQLStore) missingOrLocked(ctx context.Context, id int64) error {
	var locked bool
	err := s.q.QueryRow(ctx, `SELECT locked FROM ledger_postings WHERE id=$1`, id).Scan(&locked)
	if errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("%w: %d", ErrPostingNotFound, id)
	}
	if err != nil {
		return err
	}
	return fmt.Errorf("%w: %d", ErrPostingLocked, id)
}

// SetLocked flips the lock flag on every listed posting.
func (s *SQLStore) SetLocked(ctx context.Context, ids []int64, locked bool) error {
	if len(ids) == 0 {
		return nil
	}
	_, err := s.q.Exec(ctx, `UPDATE ledger_postings SET locked=$2 WHERE id = ANY($1)`, ids, locked)
	return err
}

// TurnoverSaldo returns Σdebit − Σcredit for the account.
func (s *SQLStore) TurnoverSaldo(ctx context.Context, accountID int64) (decimal.Decimal, error) {
	var saldo decimal.Decimal
	err := s.q.QueryRow(ctx, `SELECT
	COALESCE(SUM(CASE WHEN debit_id=$1 THEN amount ELSE 0 END),0) -
	COALESCE(SUM(CASE WHEN credit_id=$1 THEN amount ELSE 0 END),0)
FROM ledger_postings WHERE debit_id=$1 OR credit_id=$1`, accountID).Scan(&saldo)
	return saldo, err
}

// AccountMapping resolves an account mapping for the specified key.
func (s *SQLStore) AccountMapping(ctx context.Context, module, key string) (int64, error) {
	if module == "" || key == "" {
		return 0, errors.New("ledger: module and key required")
	}
	var accountID int64
	err := s.q.QueryRow(ctx, `SELECT account_id FROM account_mappings WHERE module=$1 AND key=$2`, strings.ToUpper(module), key).Scan(&accountID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, fmt.Errorf("%w: %s/%s", ErrMappingNotFound, module, key)
		}
		return 0, err
	}
	return accountID, nil
}
