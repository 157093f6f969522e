package meal

import "time"

// OutcomeKind is the terminal state of one reservation cycle.
type OutcomeKind string

const (
	OutcomeSuccess         OutcomeKind = "success"
	OutcomeAlreadyReserved OutcomeKind = "already_reserved"
	OutcomeSkipped         OutcomeKind = "skipped"
	OutcomeFatal           OutcomeKind = "fatal"
)

// Outcome is what a cycle produced. It is not persisted as its own entity;
// the attempt rows in the history are.
type Outcome struct {
	Kind        OutcomeKind
	UserID      string
	CycleID     string
	ServiceDate time.Time
	Menu        string
	Reason      string
	LastError   string
	Attempts    int
	Tried       []string
	// FromHistory is set when AlreadyReserved came from local history and
	// no notification should be sent again.
	FromHistory bool
}

// Succeeded reports whether the service date ended up reserved.
func (o Outcome) Succeeded() bool {
	return o.Kind == OutcomeSuccess || o.Kind == OutcomeAlreadyReserved
}

// Notifiable reports whether this outcome should reach the user.
func (o Outcome) Notifiable() bool {
	return !o.FromHistory
}

// Err returns the outcome as a *FatalCycleError when it is fatal.
func (o Outcome) Err() error {
	if o.Kind != OutcomeFatal {
		return nil
	}
	return &FatalCycleError{Reason: o.Reason, LastError: o.LastError}
}
