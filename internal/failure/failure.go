// Package failure defines the typed errors shared by the live session
// controller, the action gateway, the readiness poller and the swarm.
// Callers match them with errors.As or switch on KindOf.
package failure

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind tags an error with its place in the taxonomy.
type Kind int

const (
	KindUnknown Kind = iota
	KindInvalidTransition
	KindActionRejected
	KindActionUnreachable
	KindConflictingOperation
	KindPollExhausted
)

func (k Kind) String() string {
	switch k {
	case KindInvalidTransition:
		return "invalid_transition"
	case KindActionRejected:
		return "action_rejected"
	case KindActionUnreachable:
		return "action_unreachable"
	case KindConflictingOperation:
		return "conflicting_operation"
	case KindPollExhausted:
		return "poll_exhausted"
	default:
		return "unknown"
	}
}

// InvalidTransition is returned when an operation is not legal from the
// session's current state. State is never mutated when it is returned.
type InvalidTransition struct {
	Operation string
	From      string
}

func (e *InvalidTransition) Error() string {
	return fmt.Sprintf("invalid transition: %s not allowed from %s", e.Operation, e.From)
}

// ActionRejected is returned when the origin API answered with a non-2xx status.
type ActionRejected struct {
	Action string
	Status int
	// Body is the decoded JSON error body, nil when the body was not JSON.
	Body map[string]any
	// Raw holds the (truncated) response body as text.
	Raw string
}

func (e *ActionRejected) Error() string {
	if detail, ok := e.Body["detail"].(string); ok && detail != "" {
		return fmt.Sprintf("%s rejected: %d %s: %s", e.Action, e.Status, http.StatusText(e.Status), detail)
	}
	return fmt.Sprintf("%s rejected: %d %s", e.Action, e.Status, http.StatusText(e.Status))
}

// ActionUnreachable is returned when no response was received for an action.
type ActionUnreachable struct {
	Action string
	Err    error
}

func (e *ActionUnreachable) Error() string {
	return fmt.Sprintf("%s unreachable: %v", e.Action, e.Err)
}

func (e *ActionUnreachable) Unwrap() error { return e.Err }

// ConflictingOperation is returned when an operation is attempted while
// another one is still in flight.
type ConflictingOperation struct {
	Operation string
	InFlight  string
}

func (e *ConflictingOperation) Error() string {
	if e.InFlight == "" || e.InFlight == e.Operation {
		return fmt.Sprintf("conflicting operation: %s already in flight", e.Operation)
	}
	return fmt.Sprintf("conflicting operation: %s rejected while %s is in flight", e.Operation, e.InFlight)
}

// PollExhausted is returned by a bounded readiness poll that ran out of attempts.
type PollExhausted struct {
	URL      string
	Attempts int
}

func (e *PollExhausted) Error() string {
	return fmt.Sprintf("manifest %s not ready after %d attempts", e.URL, e.Attempts)
}

// KindOf reports the taxonomy kind of err, looking through wrapped errors.
func KindOf(err error) Kind {
	var (
		it *InvalidTransition
		ar *ActionRejected
		au *ActionUnreachable
		co *ConflictingOperation
		pe *PollExhausted
	)
	switch {
	case err == nil:
		return KindUnknown
	case errors.As(err, &it):
		return KindInvalidTransition
	case errors.As(err, &ar):
		return KindActionRejected
	case errors.As(err, &au):
		return KindActionUnreachable
	case errors.As(err, &co):
		return KindConflictingOperation
	case errors.As(err, &pe):
		return KindPollExhausted
	default:
		return KindUnknown
	}
}

// Retryable reports whether the failure is worth retrying after user
// confirmation. Only network-level failures are.
func Retryable(err error) bool {
	return KindOf(err) == KindActionUnreachable
}
