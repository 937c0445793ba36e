package swap

import "fmt"

// Trigger names the cause of a status change.
type Trigger string

const (
	TriggerSourceLockConfirmed Trigger = "source_lock_confirmed"
	TriggerSettlementConfirmed Trigger = "settlement_confirmed"
	TriggerAtomicityVerified   Trigger = "atomicity_verified"
	TriggerPermanentError      Trigger = "permanent_error"
	TriggerIntegrityViolation  Trigger = "integrity_violation"
	TriggerExpired             Trigger = "expired"
)

// transitions is the complete status table. Terminal statuses have no
// outgoing edges.
var transitions = map[Status]map[Trigger]Status{
	StatusPending: {
		TriggerSourceLockConfirmed: StatusSourceLocked,
		TriggerPermanentError:      StatusFailed,
		TriggerExpired:             StatusFailed,
	},
	StatusSourceLocked: {
		TriggerSettlementConfirmed: StatusDestinationSettled,
		TriggerPermanentError:      StatusFailed,
		TriggerIntegrityViolation:  StatusManualReview,
	},
	StatusDestinationSettled: {
		TriggerAtomicityVerified:  StatusCompleted,
		TriggerPermanentError:     StatusFailed,
		TriggerIntegrityViolation: StatusManualReview,
	},
}

// IsTerminal returns true for statuses that never change again.
func IsTerminal(s Status) bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusManualReview:
		return true
	default:
		return false
	}
}

// Transition returns the status reached from `from` on trigger t.
func Transition(from Status, t Trigger) (Status, error) {
	if to, ok := transitions[from][t]; ok {
		return to, nil
	}
	return "", fmt.Errorf("%w: %s on %s", ErrInvalidTransition, from, t)
}

// CanTransition reports whether from -> to is an edge of the status table.
func CanTransition(from, to Status) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// TriggerFor returns the trigger of the from -> to edge.
func TriggerFor(from, to Status) (Trigger, bool) {
	for t, next := range transitions[from] {
		if next == to {
			if to == StatusFailed && from == StatusPending {
				// Pending -> Failed has two triggers; the edge itself is what matters.
				return TriggerPermanentError, true
			}
			return t, true
		}
	}
	return "", false
}

// ValidateUpdate checks a compare-and-swap request against the table.
// A same-status update only patches fields and is allowed on non-terminal
// swaps.
func ValidateUpdate(expected Status, upd StatusUpdate) error {
	if !expected.Valid() || !upd.Status.Valid() {
		return fmt.Errorf("%w: unknown status %q -> %q", ErrInvalidTransition, expected, upd.Status)
	}
	if IsTerminal(expected) {
		return fmt.Errorf("%w: %s is terminal", ErrInvalidTransition, expected)
	}
	if upd.Status != expected && !CanTransition(expected, upd.Status) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, expected, upd.Status)
	}
	return nil
}
