package record

import (
	"encoding/json"
	"fmt"
)

// InvalidTransitionError rejects an illegal state machine edge. The record
// is left unchanged.
type InvalidTransitionError struct {
	From Status
	To   Status
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("invalid status transition %s -> %s", e.From, e.To)
}

// NotOwnerError rejects a result posted by a manager that does not hold the
// task's lease.
type NotOwnerError struct {
	Manager  string
	RecordID int64
}

func (e *NotOwnerError) Error() string {
	return fmt.Sprintf("manager %s does not own the task for record %d", e.Manager, e.RecordID)
}

// NotActiveError rejects an operation against a record that no longer has a
// live task or service, typically a result posted after cancellation.
type NotActiveError struct {
	RecordID int64
}

func (e *NotActiveError) Error() string {
	return fmt.Sprintf("record %d is not active", e.RecordID)
}

// NotFoundError is returned where the caller explicitly requires existence.
// Bulk getters return nil slots instead.
type NotFoundError struct {
	What string
	ID   int64
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s %d not found", e.What, e.ID)
}

// StillReferencedError rejects a hard delete of a record some live service
// still depends on.
type StillReferencedError struct {
	RecordID   int64
	Dependents int64
}

func (e *StillReferencedError) Error() string {
	return fmt.Sprintf("record %d is a dependency of %d live services", e.RecordID, e.Dependents)
}

// ManagerNotActiveError rejects claims, results and heartbeats from
// managers that are unknown or have been deactivated.
type ManagerNotActiveError struct {
	Name string
}

func (e *ManagerNotActiveError) Error() string {
	return fmt.Sprintf("manager %s is not active", e.Name)
}

// The json methods let the RPC error registry carry the error fields across
// the wire, so clients reconstruct the same values instead of zeroed ones.

func (e *InvalidTransitionError) MarshalJSON() ([]byte, error) {
	type alias InvalidTransitionError
	return json.Marshal((*alias)(e))
}

func (e *InvalidTransitionError) UnmarshalJSON(b []byte) error {
	type alias InvalidTransitionError
	return json.Unmarshal(b, (*alias)(e))
}

func (e *NotOwnerError) MarshalJSON() ([]byte, error) {
	type alias NotOwnerError
	return json.Marshal((*alias)(e))
}

func (e *NotOwnerError) UnmarshalJSON(b []byte) error {
	type alias NotOwnerError
	return json.Unmarshal(b, (*alias)(e))
}

func (e *NotActiveError) MarshalJSON() ([]byte, error) {
	type alias NotActiveError
	return json.Marshal((*alias)(e))
}

func (e *NotActiveError) UnmarshalJSON(b []byte) error {
	type alias NotActiveError
	return json.Unmarshal(b, (*alias)(e))
}

func (e *NotFoundError) MarshalJSON() ([]byte, error) {
	type alias NotFoundError
	return json.Marshal((*alias)(e))
}

func (e *NotFoundError) UnmarshalJSON(b []byte) error {
	type alias NotFoundError
	return json.Unmarshal(b, (*alias)(e))
}

func (e *StillReferencedError) MarshalJSON() ([]byte, error) {
	type alias StillReferencedError
	return json.Marshal((*alias)(e))
}

func (e *StillReferencedError) UnmarshalJSON(b []byte) error {
	type alias StillReferencedError
	return json.Unmarshal(b, (*alias)(e))
}

func (e *ManagerNotActiveError) MarshalJSON() ([]byte, error) {
	type alias ManagerNotActiveError
	return json.Marshal((*alias)(e))
}

func (e *ManagerNotActiveError) UnmarshalJSON(b []byte) error {
	type alias ManagerNotActiveError
	return json.Unmarshal(b, (*alias)(e))
}

// DependencyFailedError marks a service whose children errored and which
// tolerates no partial failure.
type DependencyFailedError struct {
	ServiceRecordID int64
	FailedIDs       []int64
}

func (e *DependencyFailedError) Error() string {
	return fmt.Sprintf("service record %d has %d failed dependencies", e.ServiceRecordID, len(e.FailedIDs))
}

// ErrorClass buckets compute failures for the automatic reset policy. Each
// class carries its own retry limit.
type ErrorClass string

const (
	ErrorClassUnknown     ErrorClass = "unknown_error"
	ErrorClassComputeLost ErrorClass = "compute_lost"
	ErrorClassRandom      ErrorClass = "random_error"
)

// ClassifyError maps a compute error type reported by a manager onto a
// reset-policy class. Unrecognized types count against the unknown class.
func ClassifyError(errType string) ErrorClass {
	switch errType {
	case string(ErrorClassComputeLost):
		return ErrorClassComputeLost
	case string(ErrorClassRandom):
		return ErrorClassRandom
	default:
		return ErrorClassUnknown
	}
}
