package decision

import (
	"errors"
)

var (
	// ErrDuplicateID rejects a request for an id that is already pending.
	ErrDuplicateID = errors.New("popup already pending")
	// ErrNotFound is returned when resolving an id that is not pending.
	ErrNotFound = errors.New("popup not found in pending decisions")
	// ErrInvalidDecision rejects anything other than close, keep or dismiss.
	ErrInvalidDecision = errors.New("invalid decision")
	// ErrInvalidRecord rejects requests with a missing id or tab.
	ErrInvalidRecord = errors.New("invalid record")
	// ErrClosed is returned after Close.
	ErrClosed = errors.New("decision manager closed")
)

// Result envelope messages.
const (
	MsgNotFound        = "Popup not found in pending decisions"
	MsgInvalidDecision = "Invalid decision"
	MsgDuplicateID     = "Popup already awaiting a decision"
	MsgInvalidRecord   = "Invalid record"
	MsgStoreFailure    = "Failed to persist decision"
	MsgClosed          = "Decision manager is shutting down"
)

// StoreError wraps a persistence failure. The decision outcome it belongs to
// was not durably recorded.
type StoreError struct {
	Op  string
	Err error
}

func (e *StoreError) Error() string {
	if e == nil || e.Err == nil {
		return "store error"
	}
	return "store " + e.Op + ": " + e.Err.Error()
}

func (e *StoreError) Unwrap() error { return e.Err }

// IsStoreError reports whether err wraps a StoreError.
func IsStoreError(err error) bool {
	var se *StoreError
	return errors.As(err, &se)
}

// Message maps an error returned by the manager to its envelope text.
func Message(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrNotFound):
		return MsgNotFound
	case errors.Is(err, ErrInvalidDecision):
		return MsgInvalidDecision
	case errors.Is(err, ErrDuplicateID):
		return MsgDuplicateID
	case errors.Is(err, ErrInvalidRecord):
		return MsgInvalidRecord
	case errors.Is(err, ErrClosed):
		return MsgClosed
	case IsStoreError(err):
		return MsgStoreFailure
	default:
		return err.Error()
	}
}
