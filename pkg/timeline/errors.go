package timeline

import (
	"fmt"

	"github.com/pkg/errors"
)

var (
	ErrConsistencyConflict = errors.New("consistency conflict")
	ErrDuplicateSubmission = errors.New("submission key already present")
	ErrUnknownSubmission   = errors.New("unknown submission key")
	ErrInvalidRequestID    = errors.New("request id is unassigned")
	ErrInvalidSubmission   = errors.New("submission key is empty")
	ErrNotProvisional      = errors.New("record already accepted by the remote service")
)

// ConflictError reports a write that would have overwritten a terminal or
// durable field with a different value. The first value is kept.
type ConflictError struct {
	Field    string
	Key      string
	Kept     string
	Rejected string
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("consistency conflict on %s for %s: kept %s, rejected %s", e.Field, e.Key, e.Kept, e.Rejected)
}

func (e *ConflictError) Is(target error) bool {
	return target == ErrConsistencyConflict
}
