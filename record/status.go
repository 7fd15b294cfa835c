package record

import "golang.org/x/xerrors"

// Status is the lifecycle state of a record.
type Status string

const (
	StatusWaiting   Status = "waiting"
	StatusRunning   Status = "running"
	StatusComplete  Status = "complete"
	StatusError     Status = "error"
	StatusCancelled Status = "cancelled"
	StatusInvalid   Status = "invalid"
	StatusDeleted   Status = "deleted"
)

// AllStatuses lists every status, in no particular order.
var AllStatuses = []Status{
	StatusWaiting,
	StatusRunning,
	StatusComplete,
	StatusError,
	StatusCancelled,
	StatusInvalid,
	StatusDeleted,
}

// transitions is the full edge set of the record state machine. A record
// never moves along an edge not listed here; deleted is terminal (hard
// delete removes the row instead).
var transitions = map[Status][]Status{
	StatusWaiting:   {StatusRunning, StatusCancelled, StatusDeleted},
	StatusRunning:   {StatusComplete, StatusError, StatusCancelled, StatusDeleted},
	StatusError:     {StatusWaiting, StatusCancelled, StatusDeleted},
	StatusCancelled: {StatusWaiting, StatusDeleted},
	StatusComplete:  {StatusInvalid, StatusDeleted},
	StatusInvalid:   {StatusWaiting, StatusDeleted},
	StatusDeleted:   {},
}

func ParseStatus(s string) (Status, error) {
	for _, st := range AllStatuses {
		if string(st) == s {
			return st, nil
		}
	}
	return "", xerrors.Errorf("unknown record status %q", s)
}

// CanTransition reports whether the state machine allows from -> to.
func CanTransition(from, to Status) bool {
	for _, t := range transitions[from] {
		if t == to {
			return true
		}
	}
	return false
}

// ValidateTransition returns an InvalidTransitionError if from -> to is not
// a legal edge.
func ValidateTransition(from, to Status) error {
	if !CanTransition(from, to) {
		return &InvalidTransitionError{From: from, To: to}
	}
	return nil
}

// Finished reports whether the status is past execution: anything other
// than waiting or running. Only unfinished records carry a live task or
// service entry.
func (s Status) Finished() bool {
	return s != StatusWaiting && s != StatusRunning
}

// Priority orders tasks within a tag: higher claims first.
type Priority int

const (
	PriorityLow    Priority = 0
	PriorityNormal Priority = 1
	PriorityHigh   Priority = 2
)

func (p Priority) String() string {
	switch p {
	case PriorityLow:
		return "low"
	case PriorityHigh:
		return "high"
	default:
		return "normal"
	}
}

func ParsePriority(s string) (Priority, error) {
	switch s {
	case "low":
		return PriorityLow, nil
	case "normal", "":
		return PriorityNormal, nil
	case "high":
		return PriorityHigh, nil
	}
	return 0, xerrors.Errorf("unknown priority %q", s)
}
