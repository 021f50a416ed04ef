package broadcast

import (
	"errors"
	"time"
)

// State is the phase a run is in. Transitions are linear; Failed is
// reachable from every state except Done.
type State string

const (
	StateIdle        State = "idle"
	StateEnumerating State = "enumerating"
	StateFiltering   State = "filtering"
	StateDispatching State = "dispatching"
	StateDraining    State = "draining"
	StateDone        State = "done"
	StateFailed      State = "failed"
)

// ErrRunActive rejects a Run while another one is still in flight.
// One run at a time, to completion.
var ErrRunActive = errors.New("broadcast: run already active")

// ErrEnumerate wraps member enumeration failures. Enumeration is fatal to
// the run: nothing has been dispatched yet, so the run aborts cleanly.
var ErrEnumerate = errors.New("broadcast: enumeration failed")

// Outcome is the per-run tally. Processed == Sent + Skipped once the run
// drains. A zero Outcome with a nil error means no recipient matched.
type Outcome struct {
	Processed int `json:"processed"`
	Sent      int `json:"sent"`
	Skipped   int `json:"skipped"`
}

// Status is a point-in-time snapshot of the current (or last) run.
type Status struct {
	State      State     `json:"state"`
	DryRun     bool      `json:"dry_run"`
	Total      int       `json:"total"`     // filtered recipients
	Members    int       `json:"members"`   // enumerated before filtering
	Processed  int       `json:"processed"` // terminal recipients so far
	Sent       int       `json:"sent"`
	Skipped    int       `json:"skipped"`
	StartedAt  time.Time `json:"started_at,omitempty"`
	FinishedAt time.Time `json:"finished_at,omitempty"`
	LastError  string    `json:"last_error,omitempty"`
}

// Outcome reduces the snapshot to the run tally.
func (s Status) Outcome() Outcome {
	return Outcome{Processed: s.Processed, Sent: s.Sent, Skipped: s.Skipped}
}

// StateChange is the payload of broadcast.state events.
type StateChange struct {
	From State `json:"from"`
	To   State `json:"to"`
}

// Pulse is the payload of broadcast.progress events, published every
// ProgressEvery-th completion and on the final one.
type Pulse struct {
	Processed int  `json:"processed"`
	Sent      int  `json:"sent"`
	Skipped   int  `json:"skipped"`
	Total     int  `json:"total"`
	DryRun    bool `json:"dry_run"`
}

// Done is the payload of broadcast.done events.
type Done struct {
	Outcome Outcome       `json:"outcome"`
	DryRun  bool          `json:"dry_run"`
	Took    time.Duration `json:"took"`
	Err     string        `json:"err,omitempty"`
}
