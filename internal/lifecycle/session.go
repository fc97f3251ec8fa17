// Package lifecycle drives a live session from creation to its published
// recording. The Controller owns the session state and is the only place
// where it changes.
package lifecycle

import "time"

// State is the production state of a live session.
type State string

const (
	StateIdle       State = "idle"
	StateStarting   State = "starting"
	StateJoinable   State = "joinable"
	StateRunning    State = "running"
	StateStopping   State = "stopping"
	StateHarvesting State = "harvesting"
	StateRecorded   State = "recorded"
	StateErrored    State = "errored"
)

// transitions lists the legal edges. Errored is reachable from every
// non-terminal state.
var transitions = map[State][]State{
	StateIdle:       {StateStarting, StateErrored},
	StateStarting:   {StateJoinable, StateErrored},
	StateJoinable:   {StateRunning, StateStopping, StateErrored},
	StateRunning:    {StateStopping, StateErrored},
	StateStopping:   {StateHarvesting, StateErrored},
	StateHarvesting: {StateRecorded, StateErrored},
}

// Terminal reports whether no edge leaves s.
func (s State) Terminal() bool {
	return len(transitions[s]) == 0
}

// CanTransition reports whether from -> to is a legal edge.
func CanTransition(from, to State) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// States lists every state in production order.
func States() []State {
	return []State{StateIdle, StateStarting, StateJoinable, StateRunning,
		StateStopping, StateHarvesting, StateRecorded, StateErrored}
}

// Session is a snapshot of one live session.
type Session struct {
	ID           string     `json:"id"`
	State        State      `json:"state"`
	ManifestURL  string     `json:"manifest_url,omitempty"`
	StartedAt    *time.Time `json:"started_at,omitempty"`
	StoppedAt    *time.Time `json:"stopped_at,omitempty"`
	RecordingURL string     `json:"recording_url,omitempty"`

	SharedPage     int  `json:"shared_page,omitempty"`
	PublishedToVOD bool `json:"published_to_vod,omitempty"`

	// Failure describes the error that moved the session to Errored.
	Failure         string `json:"failure,omitempty"`
	FailureKind     string `json:"failure_kind,omitempty"`
	FailedOperation string `json:"failed_operation,omitempty"`
	Err             error  `json:"-"`
}
