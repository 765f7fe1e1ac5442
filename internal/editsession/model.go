package editsession

import (
	"errors"
	"fmt"
	"maps"
)

// Fields is a flat view of an editable entity, keyed by field name.
type Fields map[string]any

// Clone returns a shallow copy.
func (f Fields) Clone() Fields {
	if f == nil {
		return Fields{}
	}
	return maps.Clone(f)
}

// SaveState is the status of the manual save flow.
type SaveState int

const (
	StateIdle SaveState = iota
	StateSaving
	StateSaved
	StateError
)

func (s SaveState) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateSaving:
		return "saving"
	case StateSaved:
		return "saved"
	case StateError:
		return "error"
	default:
		return "unknown"
	}
}

var (
	// ErrSaveInProgress rejects a save issued while another save is running.
	ErrSaveInProgress = errors.New("editsession: save already in progress")
	// ErrSessionClosed is returned once the owning view has been torn down.
	ErrSessionClosed = errors.New("editsession: session closed")
	// ErrStaleSnapshot reports a server snapshot older than the state already applied.
	ErrStaleSnapshot = errors.New("editsession: stale snapshot")
	// ErrMalformedSnapshot reports a snapshot that cannot be applied.
	ErrMalformedSnapshot = errors.New("editsession: malformed snapshot")
	// ErrInvalidField reports an empty field name.
	ErrInvalidField = errors.New("editsession: invalid field name")
)

// ContractError is a typed rejection of a call the session state does not allow.
type ContractError struct {
	Operation string
	Err       error
}

func (e *ContractError) Error() string {
	return fmt.Sprintf("%s rejected: %v", e.Operation, e.Err)
}

func (e *ContractError) Unwrap() error {
	return e.Err
}

// SaveError reports a failed write. The draft has already been rolled back.
type SaveError struct {
	Fields []string
	Err    error
}

func (e *SaveError) Error() string {
	return fmt.Sprintf("editsession: saving %v failed: %v", e.Fields, e.Err)
}

func (e *SaveError) Unwrap() error {
	return e.Err
}

// Result describes a successful save.
type Result struct {
	Fields    []string
	Committed Fields
}
