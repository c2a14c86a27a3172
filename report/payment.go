// Package report renders paysheet payment reports and reads bank registry
// spreadsheets.
package report

import (
	"fmt"
	"io"
	"time"

	"github.com/shopspring/decimal"
	"github.com/xuri/excelize/v2"
	"golang.org/x/text/language"
	"golang.org/x/text/message"
)

const paymentSheet = "Payments"

// PaymentRow is one worker line of a payment report.
type PaymentRow struct {
	WorkerID     int64           `json:"worker_id"`
	WorkerName   string          `json:"worker_name"`
	SelfEmployed bool            `json:"self_employed"`
	Amount       decimal.Decimal `json:"amount"`
	Settled      bool            `json:"settled"`
	ReceiptURL   string          `json:"receipt_url,omitempty"`
	PayoutState  string          `json:"payout_state,omitempty"`
}

// PaymentReport lists the entries of one paysheet.
type PaymentReport struct {
	PaysheetID    int64           `json:"paysheet_id"`
	FirstDay      time.Time       `json:"first_day"`
	LastDay       time.Time       `json:"last_day"`
	PaymentStatus string          `json:"payment_status"`
	Rows          []PaymentRow    `json:"rows"`
	Total         decimal.Decimal `json:"total"`
}

// Sum recomputes Total from the rows.
func (r *PaymentReport) Sum() {
	total := decimal.Zero
	for _, row := range r.Rows {
		total = total.Add(row.Amount)
	}
	r.Total = total
}

var printer = message.NewPrinter(language.Russian)

// FormatAmount renders money with grouped thousands.
func FormatAmount(d decimal.Decimal) string {
	f, _ := d.Round(2).Float64()
	return printer.Sprintf("%.2f", f)
}

var paymentHeadings = []string{"Worker ID", "Worker", "Self-employed", "Amount", "Amount (formatted)", "Settled", "Payout state", "Receipt"}

// WritePaymentXLSX writes the report as a spreadsheet.
func WritePaymentXLSX(w io.Writer, rep PaymentReport) error {
	f := excelize.NewFile()
	defer func() {
		_ = f.Close()
	}()
	if err := f.SetSheetName("Sheet1", paymentSheet); err != nil {
		return err
	}

	title := fmt.Sprintf("Paysheet #%d, %s - %s", rep.PaysheetID, rep.FirstDay.Format(time.DateOnly), rep.LastDay.Format(time.DateOnly))
	if err := f.SetCellValue(paymentSheet, "A1", title); err != nil {
		return err
	}
	for i, h := range paymentHeadings {
		cell, err := excelize.CoordinatesToCellName(i+1, 2)
		if err != nil {
			return err
		}
		if err := f.SetCellValue(paymentSheet, cell, h); err != nil {
			return err
		}
	}

	rowNo := 3
	for _, row := range rep.Rows {
		amount, _ := row.Amount.Round(2).Float64()
		values := []any{row.WorkerID, row.WorkerName, yesNo(row.SelfEmployed), amount, FormatAmount(row.Amount), yesNo(row.Settled), row.PayoutState, row.ReceiptURL}
		cell, err := excelize.CoordinatesToCellName(1, rowNo)
		if err != nil {
			return err
		}
		if err := f.SetSheetRow(paymentSheet, cell, &values); err != nil {
			return err
		}
		rowNo++
	}
	total, _ := rep.Total.Round(2).Float64()
	if err := f.SetCellValue(paymentSheet, fmt.Sprintf("C%d", rowNo), "Total"); err != nil {
		return err
	}
	if err := f.SetCellValue(paymentSheet, fmt.Sprintf("D%d", rowNo), total); err != nil {
		return err
	}
	return f.Write(w)
}

func yesNo(v bool) string {
	if v {
		return "yes"
	}
	return "no"
}
