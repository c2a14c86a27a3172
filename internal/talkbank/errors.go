package talkbank

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
)

// Error kinds. An *Error unwraps to exactly one of them.
var (
	ErrAPI                 = errors.New("talkbank: api error")
	ErrBadRequest          = errors.New("talkbank: bad request")
	ErrAccessDenied        = errors.New("talkbank: access denied")
	ErrForbidden           = errors.New("talkbank: forbidden")
	ErrAlreadyExists       = errors.New("talkbank: already exists")
	ErrClientAlreadyExists = fmt.Errorf("talkbank: client %w", ErrAlreadyExists)
	ErrAlreadyBound        = fmt.Errorf("talkbank: self-employment binding %w", ErrAlreadyExists)
	ErrInternalServer      = errors.New("talkbank: internal server error")
)

// Error is a non-2xx bank response.
type Error struct {
	Status  int
	Message string
	Errors  []string
	kind    error
}

func (e *Error) Error() string {
	msg := e.Message
	if msg == "" && len(e.Errors) > 0 {
		msg = strings.Join(e.Errors, "; ")
	}
	if msg == "" {
		msg = http.StatusText(e.Status)
	}
	return fmt.Sprintf("%s (status %d): %s", e.kind, e.Status, msg)
}

func (e *Error) Unwrap() error { return e.kind }

type errorBody struct {
	Description string   `json:"description"`
	Message     string   `json:"message"`
	Errors      []string `json:"errors"`
}

func newError(status int, body errorBody) *Error {
	msg := body.Description
	if msg == "" {
		msg = body.Message
	}
	e := &Error{Status: status, Message: msg, Errors: body.Errors}
	text := strings.ToLower(msg + " " + strings.Join(body.Errors, " "))
	switch {
	case status == http.StatusBadRequest:
		e.kind = ErrBadRequest
	case status == http.StatusUnauthorized:
		e.kind = ErrAccessDenied
	case status == http.StatusForbidden:
		e.kind = ErrForbidden
	case status == http.StatusConflict && strings.Contains(text, "client"):
		e.kind = ErrClientAlreadyExists
	case status == http.StatusConflict && strings.Contains(text, "bind"):
		e.kind = ErrAlreadyBound
	case status == http.StatusConflict:
		e.kind = ErrAlreadyExists
	case status >= http.StatusInternalServerError:
		e.kind = ErrInternalServer
	default:
		e.kind = ErrAPI
	}
	return e
}
