package paysheet

import (
	"context"

	"golang.org/x/sync/errgroup"

	"github.com/odyssey-erp/staffing/internal/workforce"
	"github.com/odyssey-erp/staffing/report"
)

// PayoutStateSource reports the bank payout state per worker.
type PayoutStateSource interface {
	WorkerStates(ctx context.Context, paysheetID int64) (map[int64]string, error)
}

// SetPayoutStateSource injects payout states into reports.
func (s *Service) SetPayoutStateSource(src PayoutStateSource) {
	s.states = src
}

// Report builds the payment report. Entries and payout states are loaded
// concurrently.
func (s *Service) Report(ctx context.Context, paysheetID int64) (report.PaymentReport, error) {
	var (
		p       Paysheet
		entries []Entry
		workers = map[int64]workforce.Worker{}
		states  map[int64]string
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return s.repo.WithTx(gctx, func(ctx context.Context, tx TxRepository) error {
			var err error
			if p, err = tx.GetPaysheet(ctx, paysheetID); err != nil {
				return err
			}
			if entries, err = tx.ListEntries(ctx, paysheetID); err != nil {
				return err
			}
			for _, e := range entries {
				w, err := tx.GetWorker(ctx, e.WorkerID)
				if err != nil {
					return err
				}
				workers[e.WorkerID] = w
			}
			return nil
		})
	})
	if s.states != nil {
		g.Go(func() error {
			var err error
			states, err = s.states.WorkerStates(gctx, paysheetID)
			return err
		})
	}
	if err := g.Wait(); err != nil {
		return report.PaymentReport{}, err
	}

	rep := report.PaymentReport{
		PaysheetID:    p.ID,
		FirstDay:      p.FirstDay,
		LastDay:       p.LastDay,
		PaymentStatus: string(p.PaymentStatus),
	}
	for _, e := range entries {
		w := workers[e.WorkerID]
		rep.Rows = append(rep.Rows, report.PaymentRow{
			WorkerID:     e.WorkerID,
			WorkerName:   w.FullName(),
			SelfEmployed: w.SelfEmployed,
			Amount:       e.Amount,
			Settled:      e.Settled(),
			ReceiptURL:   e.ReceiptURL,
			PayoutState:  states[e.WorkerID],
		})
	}
	rep.Sum()
	return rep, nil
}
