package swap

import (
	"context"
	"errors"

	"github.com/klingon-exchange/klingon-bridge/pkg/helpers"
)

// VerifyAtomicity checks that both legs are confirmed and carry the same
// correlation key. A key mismatch is an *IntegrityError.
func (e *Engine) VerifyAtomicity(lock, settle TxReceipt) error {
	if !lock.Confirmed || !settle.Confirmed {
		return ErrLegNotConfirmed
	}
	if err := checkKey(settle.CorrelationKey, lock.CorrelationKey); err != nil {
		return &IntegrityError{Detail: "destination " + err.Error()}
	}
	return nil
}

var (
	errKeyMissing  = errors.New("correlation key missing")
	errKeyMismatch = errors.New("correlation key mismatch")
)

// checkKey compares an observed correlation key with the expected one in
// constant time.
func checkKey(observed, expected string) error {
	if observed == "" || expected == "" {
		return errKeyMissing
	}
	if !helpers.ConstantTimeEqualString(observed, expected) {
		return errKeyMismatch
	}
	return nil
}

// finalize completes a DestinationSettled swap, or escalates it when the
// legs do not match.
func (e *Engine) finalize(ctx context.Context, s *SwapOperation, lock, settle *TxReceipt) (*SwapOperation, error) {
	if err := e.VerifyAtomicity(*lock, *settle); err != nil {
		var ierr *IntegrityError
		if errors.As(err, &ierr) {
			ierr.SwapID = s.ID
			return e.escalate(ctx, s, ierr)
		}
		return s, err
	}

	cur, applied, err := e.update(ctx, s, StatusUpdate{Status: StatusCompleted}, string(TriggerAtomicityVerified))
	if err != nil {
		return s, err
	}
	if applied {
		e.log.Info("Swap completed",
			"swap_id", s.ID, "source_tx", cur.SourceTxHash, "destination_tx", cur.DestinationTxHash)
	}
	return cur, nil
}

// finalizeStored finalizes s from the legs recorded on it.
func (e *Engine) finalizeStored(ctx context.Context, s *SwapOperation) (*SwapOperation, error) {
	if s.Status != StatusDestinationSettled {
		return s, nil
	}
	lock := storedLockReceipt(s)
	settle := &TxReceipt{
		TxHash:         s.DestinationTxHash,
		Confirmed:      s.DestinationTxHash != "",
		CorrelationKey: s.Metadata[MetaDestinationKey],
	}
	return e.finalize(ctx, s, lock, settle)
}

// storedLockReceipt rebuilds the confirmed source leg of a swap that is
// past Pending.
func storedLockReceipt(s *SwapOperation) *TxReceipt {
	return &TxReceipt{
		TxHash:         s.SourceTxHash,
		Confirmed:      s.SourceTxHash != "",
		CorrelationKey: s.CorrelationKey,
	}
}
