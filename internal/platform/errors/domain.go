package errors

import "fmt"

// Kind classifies a failure the way §7 of the job engine's design groups
// them: per-row failures are absorbed by the caller, job-level failures
// bubble up to the orchestrator and the queue's retry policy.
type Kind string

const (
	// KindValidation is a per-row input validation failure.
	KindValidation Kind = "validation_error"
	// KindReferentialIntegrity is a per-row foreign-key pre-check failure.
	KindReferentialIntegrity Kind = "referential_integrity"
	// KindRowDB is a per-row database error caught at a savepoint.
	KindRowDB Kind = "row_db_error"
	// KindTransaction is a transaction-level database error; the whole
	// batch is rolled back.
	KindTransaction Kind = "transaction_error"
	// KindDecode is a decoder-level parse error.
	KindDecode Kind = "decode_error"
	// KindFatalIO covers object storage, queue, or DB unavailability.
	KindFatalIO Kind = "fatal_io_error"
	// KindLockLost means the distributed lock was lost mid-run.
	KindLockLost Kind = "lock_lost"
	// KindNotFound means a requested job or record does not exist.
	KindNotFound Kind = "not_found"
	// KindConflict means an optimistic-concurrency precondition failed.
	KindConflict Kind = "conflict"
)

// DomainError is a classified error carrying enough context to decide
// whether a caller should retry, record, or abort.
type DomainError struct {
	Kind    Kind
	Message string
	Field   string
	Cause   error
}

func (e *DomainError) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("%s: %s (field=%s)", e.Kind, e.Message, e.Field)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *DomainError) Unwrap() error {
	return e.Cause
}

// New constructs a DomainError of the given kind.
func New(kind Kind, message string) *DomainError {
	return &DomainError{Kind: kind, Message: message}
}

// Wrap constructs a DomainError of the given kind wrapping cause.
func Wrap(kind Kind, cause error, message string) *DomainError {
	return &DomainError{Kind: kind, Message: message, Cause: cause}
}

// WithField returns a copy of e with Field set.
func (e *DomainError) WithField(field string) *DomainError {
	cp := *e
	cp.Field = field
	return &cp
}

// IsKind reports whether err is a *DomainError of the given kind.
func IsKind(err error, kind Kind) bool {
	var de *DomainError
	if ok := As(err, &de); ok {
		return de.Kind == kind
	}
	return false
}

// As is a thin local wrapper to avoid importing the stdlib errors package
// under the same name as this package.
func As(err error, target **DomainError) bool {
	for err != nil {
		if de, ok := err.(*DomainError); ok {
			*target = de
			return true
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return false
		}
		err = u.Unwrap()
	}
	return false
}
