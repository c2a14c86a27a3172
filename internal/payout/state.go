package payout

import "fmt"

// State is the payout progress of one worker within one paysheet.
type State string

const (
	StateNotBound                  State = "NOT_BOUND"
	StateBindRequested             State = "BIND_REQUESTED"
	StateBound                     State = "BOUND"
	StateUnregistered              State = "UNREGISTERED"
	StateStatusError               State = "STATUS_ERROR"
	StateCreateFailed              State = "CREATE_FAILED"
	StateBindFailed                State = "BIND_FAILED"
	StateIncomePending             State = "INCOME_PENDING"
	StateIncomeRegistered          State = "INCOME_REGISTERED"
	StateIncomeRegistrationFailed  State = "INCOME_REGISTRATION_FAILED"
	StatePaid                      State = "PAID"
	StatePaymentFailed             State = "PAYMENT_FAILED"
	StateInvoiceCancellationFailed State = "INVOICE_CANCELLATION_FAILED"
)

var transitions = map[State][]State{
	StateNotBound:                 {StateBindRequested, StateBound, StateUnregistered, StateStatusError, StateCreateFailed, StateBindFailed},
	StateBindRequested:            {StateBound, StateUnregistered, StateStatusError, StateBindFailed, StateBindRequested},
	StateBound:                    {StateIncomePending, StateIncomeRegistrationFailed},
	StateIncomePending:            {StateIncomeRegistered, StateIncomeRegistrationFailed},
	StateIncomeRegistered:         {StatePaid, StatePaymentFailed, StateInvoiceCancellationFailed},
	StateUnregistered:             {StateNotBound},
	StateStatusError:              {StateNotBound},
	StateCreateFailed:             {StateNotBound},
	StateBindFailed:               {StateNotBound},
	StateIncomeRegistrationFailed: {StateNotBound},
	StatePaymentFailed:            {StateNotBound},
}

// CanTransition reports whether from → to is a legal step.
func CanTransition(from, to State) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Failed reports states that count against the retry budget.
func (s State) Failed() bool {
	switch s {
	case StateUnregistered, StateStatusError, StateCreateFailed, StateBindFailed,
		StateIncomeRegistrationFailed, StatePaymentFailed, StateInvoiceCancellationFailed:
		return true
	}
	return false
}

// InFlight reports states owned by the webhook continuation or finished.
func (s State) InFlight() bool {
	switch s {
	case StateIncomePending, StateIncomeRegistered, StatePaid, StateInvoiceCancellationFailed:
		return true
	}
	return false
}

// ErrIllegalTransition is returned for a step the state table forbids.
type ErrIllegalTransition struct {
	From, To State
}

func (e ErrIllegalTransition) Error() string {
	return fmt.Sprintf("payout: illegal transition %s -> %s", e.From, e.To)
}

// Outcome tags written to the attempt log.
const (
	OutcomeBound                       = "bound"
	OutcomeClientUnbound               = "client_unbound"
	OutcomeClientUnregistered          = "client_unregistered"
	OutcomeStatusError                 = "status_error"
	OutcomeCreateFailed                = "create_failed"
	OutcomeBindFailed                  = "bind_failed"
	OutcomeIncomeRegistrationRequested = "income_registration_requested"
	OutcomeIncomeRegistrationFailed    = "income_registration_failed"
	OutcomeIncomeRegistered            = "income_registered"
	OutcomePaid                        = "paid"
	OutcomePaymentFailed               = "payment_failed"
	OutcomeInvoiceCancellationFailed   = "invoice_cancellation_failed"
	OutcomeRetry                       = "retry"
)

var outcomeState = map[string]State{
	OutcomeBound:                       StateBound,
	OutcomeClientUnbound:               StateBindRequested,
	OutcomeClientUnregistered:          StateUnregistered,
	OutcomeStatusError:                 StateStatusError,
	OutcomeCreateFailed:                StateCreateFailed,
	OutcomeBindFailed:                  StateBindFailed,
	OutcomeIncomeRegistrationRequested: StateIncomePending,
	OutcomeIncomeRegistrationFailed:    StateIncomeRegistrationFailed,
	OutcomeIncomeRegistered:            StateIncomeRegistered,
	OutcomePaid:                        StatePaid,
	OutcomePaymentFailed:               StatePaymentFailed,
	OutcomeInvoiceCancellationFailed:   StateInvoiceCancellationFailed,
	OutcomeRetry:                       StateNotBound,
}
