package talkbank

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"time"

	"github.com/shopspring/decimal"
)

// Self-employment statuses reported by the bank.
const (
	StatusRegistered   = "registered"
	StatusUnregistered = "unregistered"
	StatusUnbound      = "unbound"
	StatusError        = "error"
)

// Person identifies a client.
type Person struct {
	FirstName  string `json:"first_name"`
	LastName   string `json:"last_name"`
	MiddleName string `json:"middle_name,omitempty"`
	BirthDay   string `json:"birth_day"`
	Phone      string `json:"phone,omitempty"`
}

// Document is an identity document.
type Document struct {
	Type      string `json:"type"`
	Series    string `json:"serial"`
	Number    string `json:"number"`
	IssueDate string `json:"issue_date"`
}

// CreateClientInput is the simple-identification payload.
type CreateClientInput struct {
	ClientID string   `json:"client_id"`
	Person   Person   `json:"person"`
	Document Document `json:"document"`
	INN      string   `json:"inn,omitempty"`
}

// CreateClient registers a client. ClientID doubles as the idempotency key.
func (c *Client) CreateClient(ctx context.Context, in CreateClientInput) (string, error) {
	var out struct {
		ClientID string `json:"client_id"`
	}
	err := c.do(ctx, "POST", "/clients", nil, in, &out, map[string]string{"Idempotency-Key": in.ClientID})
	if err != nil {
		return "", err
	}
	if out.ClientID == "" {
		out.ClientID = in.ClientID
	}
	return out.ClientID, nil
}

// SelfEmployment is the client's tax registration state.
type SelfEmployment struct {
	Status      string `json:"status"`
	Description string `json:"description"`
}

// SelfEmploymentStatus queries the binding state.
func (c *Client) SelfEmploymentStatus(ctx context.Context, clientID string) (SelfEmployment, error) {
	var out SelfEmployment
	err := c.do(ctx, "GET", "/selfemployments/"+url.PathEscape(clientID), nil, nil, &out, nil)
	return out, err
}

// BindSelfEmployment requests binding. The bank completes it asynchronously.
func (c *Client) BindSelfEmployment(ctx context.Context, clientID string) (string, error) {
	var out struct {
		Status string `json:"status"`
	}
	if err := c.do(ctx, "POST", "/selfemployments/"+url.PathEscape(clientID)+"/bind", nil, struct{}{}, &out, nil); err != nil {
		return "", err
	}
	return out.Status, nil
}

// Service is one line of an income receipt.
type Service struct {
	Name     string
	Amount   decimal.Decimal
	Quantity int
}

// IncomeInput describes income to register with the tax service.
type IncomeInput struct {
	OperationTime        time.Time
	Services             []Service
	TotalAmount          decimal.Decimal
	IncomeType           string
	CustomerINN          string
	CustomerOrganization string
}

type serviceWire struct {
	Name     string      `json:"Name"`
	Amount   json.Number `json:"Amount"`
	Quantity int         `json:"Quantity"`
}

type incomeWire struct {
	OperationTime        string        `json:"OperationTime"`
	Services             []serviceWire `json:"Services"`
	TotalAmount          json.Number   `json:"TotalAmount"`
	IncomeType           string        `json:"IncomeType"`
	CustomerInn          string        `json:"CustomerInn,omitempty"`
	CustomerOrganization string        `json:"CustomerOrganization,omitempty"`
}

// RegisterIncome submits an income registration and returns the bank
// request id. The receipt arrives later through the webhook.
func (c *Client) RegisterIncome(ctx context.Context, clientID string, in IncomeInput) (string, error) {
	wire := incomeWire{
		OperationTime:        in.OperationTime.UTC().Format(time.RFC3339),
		TotalAmount:          json.Number(in.TotalAmount.StringFixed(2)),
		IncomeType:           in.IncomeType,
		CustomerInn:          in.CustomerINN,
		CustomerOrganization: in.CustomerOrganization,
	}
	for _, s := range in.Services {
		wire.Services = append(wire.Services, serviceWire{Name: s.Name, Amount: json.Number(s.Amount.StringFixed(2)), Quantity: s.Quantity})
	}
	var out struct {
		Status string `json:"status"`
		Data   struct {
			ID string `json:"Id"`
		} `json:"data"`
	}
	if err := c.do(ctx, "POST", "/selfemployments/"+url.PathEscape(clientID)+"/receipt-async", nil, wire, &out, nil); err != nil {
		return "", err
	}
	if out.Data.ID == "" {
		return "", fmt.Errorf("%w: income registration without request id (status %q)", ErrAPI, out.Status)
	}
	return out.Data.ID, nil
}

// CancelReceipt annuls a registered income receipt.
func (c *Client) CancelReceipt(ctx context.Context, clientID, receiptID, reason string) error {
	path := "/selfemployments/" + url.PathEscape(clientID) + "/receipts/" + url.PathEscape(receiptID) + "/cancel"
	return c.do(ctx, "POST", path, nil, map[string]string{"reason": reason}, nil, nil)
}

// TransferInput pays a worker's bank account.
type TransferInput struct {
	Amount      decimal.Decimal
	Account     string
	BIK         string
	Name        string
	INN         string
	Description string
	OrderSlug   string
}

type transferWire struct {
	Amount      int64  `json:"amount"`
	Account     string `json:"account"`
	BIK         string `json:"bik"`
	Name        string `json:"name"`
	INN         string `json:"inn"`
	Description string `json:"description,omitempty"`
	OrderSlug   string `json:"order_slug,omitempty"`
}

// TransferResult reports a completed transfer with commissions in currency
// units.
type TransferResult struct {
	Completed         bool
	Status            string
	OrderSlug         string
	Commission        decimal.Decimal
	PartnerCommission decimal.Decimal
}

// Transfer sends money. Amounts travel as integer minor units.
func (c *Client) Transfer(ctx context.Context, in TransferInput) (TransferResult, error) {
	wire := transferWire{
		Amount:      in.Amount.Shift(2).Round(0).IntPart(),
		Account:     in.Account,
		BIK:         in.BIK,
		Name:        in.Name,
		INN:         in.INN,
		Description: in.Description,
		OrderSlug:   in.OrderSlug,
	}
	var out struct {
		Completed         bool   `json:"completed"`
		Status            string `json:"status"`
		OrderSlug         string `json:"order_slug"`
		Commission        int64  `json:"commission"`
		PartnerCommission int64  `json:"partner_commission"`
	}
	var headers map[string]string
	if in.OrderSlug != "" {
		headers = map[string]string{"Idempotency-Key": in.OrderSlug}
	}
	if err := c.do(ctx, "POST", "/account/transfer", nil, wire, &out, headers); err != nil {
		return TransferResult{}, err
	}
	return TransferResult{
		Completed:         out.Completed,
		Status:            out.Status,
		OrderSlug:         out.OrderSlug,
		Commission:        decimal.New(out.Commission, -2),
		PartnerCommission: decimal.New(out.PartnerCommission, -2),
	}, nil
}
