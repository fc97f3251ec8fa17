package failure

import (
	"errors"
	"fmt"
	"strings"
	"testing"
)

func TestKindOf(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want Kind
	}{
		{"nil", nil, KindUnknown},
		{"plain", errors.New("boom"), KindUnknown},
		{"invalid_transition", &InvalidTransition{Operation: "stop", From: "Idle"}, KindInvalidTransition},
		{"rejected", &ActionRejected{Action: "start", Status: 403}, KindActionRejected},
		{"unreachable", &ActionUnreachable{Action: "start", Err: errors.New("dial")}, KindActionUnreachable},
		{"conflict", &ConflictingOperation{Operation: "start"}, KindConflictingOperation},
		{"exhausted", &PollExhausted{URL: "http://x", Attempts: 3}, KindPollExhausted},
		{"wrapped", fmt.Errorf("start session: %w", &ActionRejected{Action: "start", Status: 400}), KindActionRejected},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := KindOf(tc.err); got != tc.want {
				t.Errorf("KindOf: got %v want %v", got, tc.want)
			}
		})
	}
}

func TestRetryable(t *testing.T) {
	if !Retryable(&ActionUnreachable{Action: "stop", Err: errors.New("reset")}) {
		t.Error("unreachable should be retryable")
	}
	if Retryable(&ActionRejected{Action: "stop", Status: 409}) {
		t.Error("rejected should not be retryable")
	}
}

func TestActionRejected_Error_uses_detail(t *testing.T) {
	err := &ActionRejected{Action: "harvest", Status: 400, Body: map[string]any{"detail": "live is not stopped"}}
	if !strings.Contains(err.Error(), "live is not stopped") {
		t.Errorf("expected detail in message: %s", err.Error())
	}
}

func TestActionUnreachable_Unwrap(t *testing.T) {
	inner := errors.New("connection refused")
	err := &ActionUnreachable{Action: "start", Err: inner}
	if !errors.Is(err, inner) {
		t.Error("expected errors.Is to reach the transport error")
	}
}

func TestInvalidTransition_Error_names_operation_and_state(t *testing.T) {
	err := &InvalidTransition{Operation: "harvest", From: "Running"}
	if !strings.Contains(err.Error(), "harvest") || !strings.Contains(err.Error(), "Running") {
		t.Errorf("unexpected message: %s", err.Error())
	}
}
