package git

import (
	"errors"
	"fmt"
)

// ErrMergeConflict is matched by errors from a merge that stopped on conflicts.
var ErrMergeConflict = errors.New("merge conflict")

// OperationError reports a failed git operation
type OperationError struct {
	Op     string
	Detail string
	Err    error
}

func newOpError(op, detail string, err error) *OperationError {
	return &OperationError{Op: op, Detail: detail, Err: err}
}

func (e *OperationError) Error() string {
	msg := fmt.Sprintf("git %s failed", e.Op)
	if e.Detail != "" {
		msg += ": " + e.Detail
	}
	if e.Err != nil && e.Detail == "" {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *OperationError) Unwrap() error {
	return e.Err
}

// CommitSpec describes a commit object to create
type CommitSpec struct {
	Tree    string
	Parents []string
	Message string
}
