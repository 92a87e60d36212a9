package resilience

import (
	"errors"
	"fmt"
	"strings"
)

// ErrCycleInProgress is returned when a cycle is started while another one
// still holds the cycle lock.
var ErrCycleInProgress = errors.New("engine: cycle already in progress")

// MalformedInputError reports a single upstream record that failed
// validation. The record is rejected; the batch continues.
type MalformedInputError struct {
	RecordKind string
	RecordID   string
	Reason     string
}

func (e *MalformedInputError) Error() string {
	if e.RecordID == "" {
		return fmt.Sprintf("malformed %s: %s", e.RecordKind, e.Reason)
	}
	return fmt.Sprintf("malformed %s %q: %s", e.RecordKind, e.RecordID, e.Reason)
}

// NewMalformedInput builds a MalformedInputError.
func NewMalformedInput(kind, id, reason string) *MalformedInputError {
	return &MalformedInputError{RecordKind: kind, RecordID: id, Reason: reason}
}

// IsMalformedInput reports whether err carries a MalformedInputError.
func IsMalformedInput(err error) bool {
	var me *MalformedInputError
	return errors.As(err, &me)
}

// InconsistentStateError reports state that contradicts itself, such as an
// inherited axis whose parent is gone. Handled locally, never fatal.
type InconsistentStateError struct {
	SubjectID string
	Axis      string
	Reason    string
}

func (e *InconsistentStateError) Error() string {
	if e.Axis == "" {
		return fmt.Sprintf("inconsistent state for %q: %s", e.SubjectID, e.Reason)
	}
	return fmt.Sprintf("inconsistent state for %q axis %s: %s", e.SubjectID, e.Axis, e.Reason)
}

// IsInconsistentState reports whether err carries an InconsistentStateError.
func IsInconsistentState(err error) bool {
	var ie *InconsistentStateError
	return errors.As(err, &ie)
}

// ThresholdMisconfigurationError reports an invalid category or trigger
// table. Fatal for the cycle and raised before any state is touched.
type ThresholdMisconfigurationError struct {
	Table    string
	Problems []string
}

func (e *ThresholdMisconfigurationError) Error() string {
	return fmt.Sprintf("%s table misconfigured: %s", e.Table, strings.Join(e.Problems, "; "))
}

// IsThresholdMisconfiguration reports whether err carries a
// ThresholdMisconfigurationError.
func IsThresholdMisconfiguration(err error) bool {
	var te *ThresholdMisconfigurationError
	return errors.As(err, &te)
}
