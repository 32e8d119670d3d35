package loader

import (
	"fmt"
)

// InvalidRecordError reports an input document that cannot be turned into a
// Record (not an object, no derivable identity, unencodable payload).
type InvalidRecordError struct {
	Index  int
	Reason string
}

func (e *InvalidRecordError) Error() string {
	return fmt.Sprintf("invalid record at index %d: %s", e.Index, e.Reason)
}

// DependencyResolutionError reports a dependency that could neither be
// located nor created.
type DependencyResolutionError struct {
	Key DependencyKey
	Err error
}

func (e *DependencyResolutionError) Error() string {
	return fmt.Sprintf("resolve %s/%s: %v", e.Key.ResourceType, e.Key.ID, e.Err)
}

func (e *DependencyResolutionError) Unwrap() error { return e.Err }

// TransientSinkError wraps the last retryable failure (timeout, 429, 5xx,
// transport error) once the attempt budget is spent.
type TransientSinkError struct {
	Attempts int
	Err      error
}

func (e *TransientSinkError) Error() string {
	return fmt.Sprintf("gave up after %d attempt(s): %v", e.Attempts, e.Err)
}

func (e *TransientSinkError) Unwrap() error { return e.Err }

// PermanentSinkError wraps a non-retryable rejection (4xx other than 429).
type PermanentSinkError struct {
	Err error
}

func (e *PermanentSinkError) Error() string {
	return fmt.Sprintf("rejected: %v", e.Err)
}

func (e *PermanentSinkError) Unwrap() error { return e.Err }

// FatalConfigurationError aborts a run before any batch is dispatched.
type FatalConfigurationError struct {
	Op  string
	Err error
}

func (e *FatalConfigurationError) Error() string {
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *FatalConfigurationError) Unwrap() error { return e.Err }

// CancelledError reports a record abandoned during a retry backoff because
// the run was interrupted.
type CancelledError struct {
	Attempts int
	Err      error
}

func (e *CancelledError) Error() string {
	return fmt.Sprintf("cancelled after %d attempt(s): %v", e.Attempts, e.Err)
}

func (e *CancelledError) Unwrap() error { return e.Err }
