package oracle

import (
	"errors"
	"fmt"
)

// ErrStaleState indicates an accessor was called before the first successful
// Update. This is a programming error in the caller, not a runtime condition.
var ErrStaleState = errors.New("oracle: state read before first successful update")

// QueryError wraps a transport failure during Update. The client keeps the
// last successfully reconciled view and the caller decides whether to retry.
type QueryError struct {
	Op  string
	Err error
}

func (e *QueryError) Error() string {
	return fmt.Sprintf("oracle: %s query failed: %v", e.Op, e.Err)
}

func (e *QueryError) Unwrap() error { return e.Err }
