package shared

import "errors"

// Error taxonomy shared by the reconciliation packages. Domain sentinels wrap one
// of these so transports can classify failures with errors.Is.
var (
	// ErrNotFound indicates a reference, obligation, advance, cutoff or group is absent.
	ErrNotFound = errors.New("not found")
	// ErrInsufficientBalance indicates a commit would drive a transfer balance negative.
	ErrInsufficientBalance = errors.New("insufficient balance")
	// ErrBlocked indicates a reference is fully reserved by other obligations.
	ErrBlocked = errors.New("blocked")
	// ErrAlreadyLinked indicates an orphan advance was linked concurrently.
	ErrAlreadyLinked = errors.New("already linked")
	// ErrImmutable indicates a mutation on a paid group or transfer.
	ErrImmutable = errors.New("immutable")
	// ErrShortAllocation flags funding below the target. It is a warning, never a rejection.
	ErrShortAllocation = errors.New("short allocation")
	// ErrValidation indicates malformed input rejected before persistence.
	ErrValidation = errors.New("validation failed")
	// ErrConflict indicates a uniqueness or membership conflict.
	ErrConflict = errors.New("conflict")
)
