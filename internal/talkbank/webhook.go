package talkbank

import (
	"encoding/json"
	"fmt"
)

// Income registration outcomes delivered by webhook.
const (
	ReceiptSent   = "sent"
	ReceiptFailed = "failed"
)

// IncomeEvent is the body of an income registration webhook.
type IncomeEvent struct {
	Type string `json:"type"`
	Data struct {
		ClientID string   `json:"client_id" validate:"required"`
		ID       string   `json:"id" validate:"required"`
		Status   string   `json:"status" validate:"required,oneof=sent failed"`
		Link     string   `json:"link"`
		Errors   []string `json:"errors"`
	} `json:"data"`
}

// ParseIncomeEvent decodes a webhook body.
func ParseIncomeEvent(raw []byte) (IncomeEvent, error) {
	var ev IncomeEvent
	if err := json.Unmarshal(raw, &ev); err != nil {
		return IncomeEvent{}, fmt.Errorf("talkbank: decode webhook: %w", err)
	}
	return ev, nil
}
