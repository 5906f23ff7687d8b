package gateway

import (
	"errors"
	"fmt"
)

var (
	// ErrSessionClosed is returned by calls on a session that has been torn down.
	ErrSessionClosed = errors.New("session closed")
	// ErrNoSessions means no principal holds an open session. Callers may fall
	// back to local-only accounting.
	ErrNoSessions = errors.New("no open sessions")
	// ErrNoSessionForPrincipal means other principals have sessions but this one
	// does not, which is a usage error.
	ErrNoSessionForPrincipal = errors.New("no session for principal")
	// ErrSessionExists is returned when opening a second session for a principal.
	ErrSessionExists = errors.New("session already open for principal")
)

// PolicyDenied is a remote refusal that budget changes will not fix.
type PolicyDenied struct {
	Message string
	Contact string
}

func (e *PolicyDenied) Error() string {
	if e.Contact != "" {
		return fmt.Sprintf("policy denied: %s (contact %s)", e.Message, e.Contact)
	}
	return "policy denied: " + e.Message
}

// BudgetExceeded is the remote side's budget rejection. Sessions turn it into a
// rejected transaction rather than returning it.
type BudgetExceeded struct {
	Code    string
	Message string
}

func (e *BudgetExceeded) Error() string { return e.Reason() }

// Reason is the rejection reason recorded on the transaction.
func (e *BudgetExceeded) Reason() string {
	if e.Message == "" {
		return e.Code
	}
	return e.Code + ": " + e.Message
}

// ProtocolError reports a response that is missing a required field or has
// the wrong shape.
type ProtocolError struct {
	Op    string
	Field string
	Err   error
}

func (e *ProtocolError) Error() string {
	msg := fmt.Sprintf("%s: malformed_response: field %s", e.Op, e.Field)
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *ProtocolError) Unwrap() error { return e.Err }

// TransportError covers network failures and 5xx answers. The outcome of the
// request is unknown.
type TransportError struct {
	Op     string
	Status int
	Err    error
}

func (e *TransportError) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("%s: status %d: %v", e.Op, e.Status, e.Err)
	}
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// Temporary reports that the request may be retried.
func (e *TransportError) Temporary() bool { return true }

// APIError is any other non-2xx answer.
type APIError struct {
	Status  int
	Code    string
	Message string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error %d %s: %s", e.Status, e.Code, e.Message)
}

// SessionRejected is returned by WithSession and SpendOnce when the remote
// side refuses to open the session on budget grounds.
type SessionRejected struct {
	Principal string
	Reason    string
}

func (e *SessionRejected) Error() string {
	return fmt.Sprintf("open session for %s rejected: %s", e.Principal, e.Reason)
}
