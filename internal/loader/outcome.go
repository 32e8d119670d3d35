package loader

import (
	"errors"
	"time"
)

// OutcomeKind is the final state of one record in a run.
type OutcomeKind string

const (
	OutcomeCreated OutcomeKind = "CREATED"
	OutcomeUpdated OutcomeKind = "UPDATED"
	OutcomeFailed  OutcomeKind = "FAILED"
	OutcomeSkipped OutcomeKind = "SKIPPED"
)

// Reason categorises a FAILED outcome.
type Reason string

const (
	ReasonInvalid            Reason = "invalid"
	ReasonDependency         Reason = "dependency"
	ReasonTransientExhausted Reason = "transient-exhausted"
	ReasonRejected           Reason = "rejected"
	ReasonCancelled          Reason = "cancelled"
)

// Outcome is emitted exactly once per record.
type Outcome struct {
	ExternalID string
	Hash       string
	Class      Classification
	Kind       OutcomeKind
	Reason     Reason
	// Detail is a human-readable description of the failure: HTTP status,
	// server diagnostics or the underlying error.
	Detail   string
	Attempts int
	Elapsed  time.Duration
	Batch    int
	Worker   int
	// CreatedDeps lists the dependency kinds this record's processing
	// created on the sink.
	CreatedDeps []string
}

// Succeeded reports whether the record reached the sink.
func (o Outcome) Succeeded() bool {
	return o.Kind == OutcomeCreated || o.Kind == OutcomeUpdated
}

// FailureReason maps a worker error to its outcome category.
func FailureReason(err error) Reason {
	var (
		cancelled *CancelledError
		invalid   *InvalidRecordError
		dep       *DependencyResolutionError
		transient *TransientSinkError
	)
	switch {
	case errors.As(err, &cancelled):
		return ReasonCancelled
	case errors.As(err, &invalid):
		return ReasonInvalid
	case errors.As(err, &dep):
		return ReasonDependency
	case errors.As(err, &transient):
		return ReasonTransientExhausted
	default:
		return ReasonRejected
	}
}

func skippedOutcome(item WorkItem, batch, worker int) Outcome {
	return Outcome{
		ExternalID: item.Record.ExternalID,
		Hash:       item.Record.Hash,
		Class:      item.Class,
		Kind:       OutcomeSkipped,
		Detail:     "run interrupted before the record was started",
		Batch:      batch,
		Worker:     worker,
	}
}
