package image

import "fmt"

// Status is the lifecycle state of an image record.
type Status string

const (
	// StatusQueued means the record exists but no payload has arrived yet.
	StatusQueued Status = "queued"
	// StatusSaving means a payload upload is in flight.
	StatusSaving Status = "saving"
	// StatusActive means the payload is fully stored and verified.
	StatusActive Status = "active"
	// StatusKilled means the upload failed or was rejected; the record is
	// kept so the failure can be audited and the upload re-attempted.
	StatusKilled Status = "killed"
	// StatusDeleted is terminal; the blob is scheduled for backend cleanup.
	StatusDeleted Status = "deleted"
	// StatusPendingDelete is terminal; backend blob removal is in flight.
	StatusPendingDelete Status = "pending_delete"
)

// transitions is the single source of truth for legal status changes.
// Every status write in the metadata store passes through ValidateTransition,
// so no call site can move a record along an edge that is not listed here.
var transitions = map[Status][]Status{
	StatusQueued:        {StatusSaving, StatusActive, StatusKilled, StatusDeleted},
	StatusSaving:        {StatusActive, StatusKilled, StatusDeleted},
	StatusActive:        {StatusDeleted, StatusPendingDelete},
	StatusKilled:        {StatusDeleted, StatusPendingDelete},
	StatusDeleted:       {},
	StatusPendingDelete: {},
}

// Valid reports whether s is a known status value.
func (s Status) Valid() bool {
	_, ok := transitions[s]
	return ok
}

// Terminal reports whether no further transition is legal from s.
func (s Status) Terminal() bool {
	return len(transitions[s]) == 0 && s.Valid()
}

// CanTransition reports whether s -> to is a legal lifecycle edge.
func (s Status) CanTransition(to Status) bool {
	for _, next := range transitions[s] {
		if next == to {
			return true
		}
	}
	return false
}

// ValidateTransition returns ErrInvalidTransition (wrapped with the offending
// edge) unless from -> to is legal. A no-op transition is never legal.
func ValidateTransition(from, to Status) error {
	if !from.Valid() {
		return fmt.Errorf("%w: unknown status %q", ErrInvalidTransition, from)
	}
	if !to.Valid() {
		return fmt.Errorf("%w: unknown status %q", ErrInvalidTransition, to)
	}
	if !from.CanTransition(to) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
	}
	return nil
}
