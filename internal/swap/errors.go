package swap

import (
	"errors"
	"fmt"
)

// Repository and state errors.
var (
	ErrNotFound                = errors.New("swap not found")
	ErrConflict                = errors.New("swap status changed concurrently")
	ErrDuplicateCorrelationKey = errors.New("correlation key already in use")
	ErrInvalidTransition       = errors.New("invalid status transition")
)

// Engine errors.
var (
	ErrQuantumIntegrityViolation = errors.New("quantum integrity violation")
	ErrLegNotConfirmed           = errors.New("swap leg not confirmed")
	ErrRetriesExhausted          = errors.New("retries exhausted")
	ErrExpired                   = errors.New("swap expired")
	ErrNoAdapter                 = errors.New("no adapter for chain")
	ErrAmountOutOfBounds         = errors.New("amount out of bounds")
)

// Chain rejection causes adapters wrap in permanent errors.
var (
	ErrInsufficientFunds = errors.New("insufficient funds")
	ErrInvalidAddress    = errors.New("invalid address")
)

// errStatusChanged stops a retry loop when another writer moved the swap.
var errStatusChanged = errors.New("status changed during retry")

// Public failure reasons. Only these strings are persisted.
const (
	ReasonInsufficientFunds = "insufficient funds"
	ReasonInvalidAddress    = "invalid address"
	ReasonAdapterRejected   = "adapter rejected"
	ReasonRetriesExhausted  = "retries exhausted"
	ReasonExpired           = "expired"
	ReasonKeyMismatch       = "correlation key mismatch"
	ReasonAmountOutOfBounds = "amount out of bounds"
)

// ValidationError is a caller mistake. It is never retried.
type ValidationError struct {
	Field  string
	Reason string
	Err    error
}

func (e *ValidationError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("invalid %s: %s: %v", e.Field, e.Reason, e.Err)
	}
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

func (e *ValidationError) Unwrap() error { return e.Err }

// AdapterError is a chain adapter failure. Transient errors are retried
// with backoff; permanent ones fail the swap immediately.
type AdapterError struct {
	Chain     string
	Op        string
	Permanent bool
	Err       error
}

func (e *AdapterError) Error() string {
	kind := "transient"
	if e.Permanent {
		kind = "permanent"
	}
	prefix := "adapter"
	if e.Chain != "" {
		prefix += " " + e.Chain
	}
	if e.Op != "" {
		prefix += " " + e.Op
	}
	return fmt.Sprintf("%s: %s: %v", prefix, kind, e.Err)
}

func (e *AdapterError) Unwrap() error { return e.Err }

// Transient marks err as a retryable adapter error. Nil stays nil.
func Transient(err error) error {
	if err == nil {
		return nil
	}
	return &AdapterError{Err: err}
}

// Permanent marks err as a chain-level rejection. Nil stays nil.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &AdapterError{Permanent: true, Err: err}
}

// NewTransientAdapterError builds a retryable adapter error.
func NewTransientAdapterError(chain, op string, err error) *AdapterError {
	return &AdapterError{Chain: chain, Op: op, Err: err}
}

// NewPermanentAdapterError builds a non-retryable adapter error.
func NewPermanentAdapterError(chain, op string, err error) *AdapterError {
	return &AdapterError{Chain: chain, Op: op, Permanent: true, Err: err}
}

// IsPermanent reports whether err is a permanent adapter error.
// Unclassified errors are transient.
func IsPermanent(err error) bool {
	var ae *AdapterError
	return errors.As(err, &ae) && ae.Permanent
}

// IntegrityError reports a cross-leg consistency failure. It wraps
// ErrQuantumIntegrityViolation and is never retried.
type IntegrityError struct {
	SwapID string
	Detail string
}

func (e *IntegrityError) Error() string {
	if e.SwapID == "" {
		return fmt.Sprintf("%v: %s", ErrQuantumIntegrityViolation, e.Detail)
	}
	return fmt.Sprintf("%v: swap %s: %s", ErrQuantumIntegrityViolation, e.SwapID, e.Detail)
}

func (e *IntegrityError) Unwrap() error { return ErrQuantumIntegrityViolation }

// CryptoError is a protection provider failure.
type CryptoError struct {
	Op  string
	Err error
}

func (e *CryptoError) Error() string { return fmt.Sprintf("protection %s: %v", e.Op, e.Err) }

func (e *CryptoError) Unwrap() error { return e.Err }

// RedactReason maps an error to the short reason stored on a failed swap.
// Raw adapter and crypto detail never reaches the record.
func RedactReason(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrExpired):
		return ReasonExpired
	case errors.Is(err, ErrQuantumIntegrityViolation):
		return ReasonKeyMismatch
	case errors.Is(err, ErrRetriesExhausted):
		return ReasonRetriesExhausted
	case errors.Is(err, ErrInsufficientFunds):
		return ReasonInsufficientFunds
	case errors.Is(err, ErrInvalidAddress):
		return ReasonInvalidAddress
	case errors.Is(err, ErrAmountOutOfBounds):
		return ReasonAmountOutOfBounds
	default:
		return ReasonAdapterRejected
	}
}
