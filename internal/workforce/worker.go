// Package workforce exposes the worker read model used by payroll.
package workforce

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"

	"github.com/odyssey-erp/staffing/internal/platform/db"
	"github.com/odyssey-erp/staffing/internal/shared"
)

// ErrWorkerNotFound indicates a missing worker.
var ErrWorkerNotFound = fmt.Errorf("workforce: worker %w", shared.ErrNotFound)

// Worker is the payroll-relevant projection of a worker record.
type Worker struct {
	ID               int64
	LastName         string
	FirstName        string
	Patronymic       string
	AccountID        int64
	SelfEmployed     bool
	INN              string
	BirthDate        string
	PassportSeries   string
	PassportNumber   string
	PassportIssuedAt string
	Phone            string
	BankAccount      string
	BIK              string
}

// FullName joins the name parts.
func (w Worker) FullName() string {
	parts := make([]string, 0, 3)
	for _, p := range []string{w.LastName, w.FirstName, w.Patronymic} {
		if p = strings.TrimSpace(p); p != "" {
			parts = append(parts, p)
		}
	}
	return strings.Join(parts, " ")
}

const workerColumns = `id, last_name, first_name, patronymic, account_id, self_employed, inn, birth_date,
passport_series, passport_number, passport_issued_at, phone, bank_account, bik`

// QueryWorker loads a worker through q.
func QueryWorker(ctx context.Context, q db.Querier, id int64) (Worker, error) {
	var w Worker
	err := q.QueryRow(ctx, `SELECT `+workerColumns+` FROM workers WHERE id=$1`, id).Scan(
		&w.ID, &w.LastName, &w.FirstName, &w.Patronymic, &w.AccountID, &w.SelfEmployed, &w.INN, &w.BirthDate,
		&w.PassportSeries, &w.PassportNumber, &w.PassportIssuedAt, &w.Phone, &w.BankAccount, &w.BIK)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Worker{}, fmt.Errorf("%w: %d", ErrWorkerNotFound, id)
		}
		return Worker{}, err
	}
	return w, nil
}
