package report

import (
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/xuri/excelize/v2"
)

// ErrRegistryFormat indicates an unreadable registry spreadsheet.
var ErrRegistryFormat = errors.New("report: invalid registry file")

// RegistryRecord is one receipt line of a bank registry.
type RegistryRecord struct {
	WorkerID   int64
	ReceiptURL string
}

// ParseRegistry reads the first sheet of a registry spreadsheet. The header
// row must contain "worker_id" and "receipt_url" columns; rows without a
// receipt are skipped.
func ParseRegistry(r io.Reader) ([]RegistryRecord, error) {
	f, err := excelize.OpenReader(r)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrRegistryFormat, err)
	}
	defer func() {
		_ = f.Close()
	}()
	sheets := f.GetSheetList()
	if len(sheets) == 0 {
		return nil, fmt.Errorf("%w: no sheets", ErrRegistryFormat)
	}
	rows, err := f.GetRows(sheets[0])
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrRegistryFormat, err)
	}
	if len(rows) == 0 {
		return nil, fmt.Errorf("%w: empty sheet", ErrRegistryFormat)
	}

	workerCol, receiptCol := -1, -1
	for i, h := range rows[0] {
		switch strings.ToLower(strings.TrimSpace(h)) {
		case "worker_id":
			workerCol = i
		case "receipt_url":
			receiptCol = i
		}
	}
	if workerCol < 0 || receiptCol < 0 {
		return nil, fmt.Errorf("%w: worker_id and receipt_url columns required", ErrRegistryFormat)
	}

	var out []RegistryRecord
	for n, row := range rows[1:] {
		if workerCol >= len(row) || receiptCol >= len(row) {
			continue
		}
		url := strings.TrimSpace(row[receiptCol])
		if url == "" {
			continue
		}
		id, err := strconv.ParseInt(strings.TrimSpace(row[workerCol]), 10, 64)
		if err != nil {
			return nil, fmt.Errorf("%w: row %d: worker id %q", ErrRegistryFormat, n+2, row[workerCol])
		}
		out = append(out, RegistryRecord{WorkerID: id, ReceiptURL: url})
	}
	return out, nil
}
