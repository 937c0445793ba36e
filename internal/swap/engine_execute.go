package swap

import (
	"context"
	"errors"
	"fmt"
	"strconv"
)

// ExecuteForward drives a forward (EVM to non-EVM) swap. Calling it on a
// swap that is past Pending returns the current swap without touching any
// adapter. A swap whose lock is already submitted only has that lock
// looked up again.
func (e *Engine) ExecuteForward(ctx context.Context, id string) (*SwapOperation, error) {
	return e.execute(ctx, id, DirectionForward)
}

// ExecuteReverse drives a reverse (non-EVM to EVM) swap.
func (e *Engine) ExecuteReverse(ctx context.Context, id string) (*SwapOperation, error) {
	return e.execute(ctx, id, DirectionReverse)
}

func (e *Engine) execute(ctx context.Context, id string, dir Direction) (*SwapOperation, error) {
	return e.shared(ctx, "exec:"+id, func(ctx context.Context) (*SwapOperation, error) {
		e.inflight.Store(id, struct{}{})
		defer e.inflight.Delete(id)
		unlock := e.lockSwap(id)
		defer unlock()
		return e.run(ctx, id, dir)
	})
}

func (e *Engine) run(ctx context.Context, id string, dir Direction) (*SwapOperation, error) {
	s, err := e.repo.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if s.Direction != dir {
		return s, &ValidationError{Field: "direction", Reason: fmt.Sprintf("swap %s is %s", id, s.Direction)}
	}
	if s.Status != StatusPending {
		return s, nil
	}

	src, dst, err := e.legs(s)
	if err != nil {
		return s, err
	}

	if s.SourceTxHash != "" {
		s, lock, owned, err := e.recheckLock(ctx, s, src)
		if err != nil || !owned {
			return s, err
		}
		return e.settle(ctx, s, dst, lock)
	}

	if s.Expired(e.now()) {
		cur, _, err := e.update(ctx, s, StatusUpdate{Status: StatusFailed, FailureReason: ReasonExpired}, string(TriggerExpired))
		if err != nil {
			return s, err
		}
		return cur, ErrExpired
	}

	s, memo, err := e.protect(ctx, s, src)
	if err != nil {
		return s, err
	}
	if s.Status != StatusPending || s.SourceTxHash != "" {
		return s, nil
	}

	s, lock, owned, err := e.lockSource(ctx, s, src, memo)
	if err != nil || !owned {
		return s, err
	}
	return e.settle(ctx, s, dst, lock)
}

// legs returns the source and destination adapters for s.
func (e *Engine) legs(s *SwapOperation) (src, dst ChainAdapter, err error) {
	src, ok := e.adapters[s.FromChain]
	if !ok {
		return nil, nil, fmt.Errorf("%w: %s", ErrNoAdapter, s.FromChain)
	}
	dst, ok = e.adapters[s.ToChain]
	if !ok {
		return nil, nil, fmt.Errorf("%w: %s", ErrNoAdapter, s.ToChain)
	}
	return src, dst, nil
}

// protect obtains the swap's key id and correlation key and persists them.
// The protected payload is returned for the lock call and never stored.
func (e *Engine) protect(ctx context.Context, s *SwapOperation, src ChainAdapter) (*SwapOperation, []byte, error) {
	if s.CorrelationKey != "" {
		return s, nil, nil
	}

	p, err := e.protector.Protect(ctx, ProtectionFields{
		SwapID:    s.ID,
		UserID:    s.UserID,
		FromChain: s.FromChain,
		ToChain:   s.ToChain,
		Amount:    s.Amount,
		Recipient: s.Recipient,
	})
	if err != nil {
		return s, nil, &CryptoError{Op: "protect", Err: err}
	}
	if p == nil || p.KeyID == "" || p.CorrelationKey == "" {
		return s, nil, &CryptoError{Op: "protect", Err: errors.New("provider returned an empty key")}
	}

	upd := StatusUpdate{
		Status:         StatusPending,
		QuantumKeyID:   p.KeyID,
		CorrelationKey: p.CorrelationKey,
	}
	if signer, ok := src.(AttestationSigner); ok {
		sig, err := signer.SignAttestation(ctx, p.CorrelationKey)
		if err != nil {
			e.log.Warn("Source attestation failed", "swap_id", s.ID, "chain", src.Chain(), "error", err)
		} else {
			upd.Metadata = map[string]string{MetaSourceAttestation: sig}
		}
	}

	cur, applied, err := e.update(ctx, s, upd, "")
	if err != nil {
		return s, nil, err
	}
	if !applied {
		return cur, nil, nil
	}
	e.log.Debug("Swap protected", "swap_id", s.ID, "key_id", p.KeyID)
	return cur, p.Payload.Ciphertext, nil
}

// lockSource submits the source leg. owned reports whether this call moved
// the swap to SourceLocked and therefore drives settlement.
func (e *Engine) lockSource(ctx context.Context, s *SwapOperation, src ChainAdapter, memo []byte) (*SwapOperation, *TxReceipt, bool, error) {
	req := LockRequest{
		SwapID:         s.ID,
		Amount:         s.Amount,
		RecipientChain: s.ToChain,
		Recipient:      s.Recipient,
		CorrelationKey: s.CorrelationKey,
		Wallet:         s.Metadata[MetaSourceWallet],
		ProtectedMemo:  memo,
	}
	rcpt, err := e.callAdapter(ctx, s, src.Chain(), "lock", func(ctx context.Context) (*TxReceipt, error) {
		return src.Lock(ctx, req)
	})
	if err != nil {
		cur, err := e.abort(ctx, s, err)
		return cur, nil, false, err
	}

	if !rcpt.Confirmed {
		cur, _, err := e.update(ctx, s, StatusUpdate{Status: StatusPending, SourceTxHash: rcpt.TxHash}, "")
		if err != nil {
			return s, nil, false, err
		}
		e.log.Info("Source lock submitted, awaiting confirmation", "swap_id", s.ID, "tx", rcpt.TxHash)
		return cur, rcpt, false, nil
	}

	return e.confirmLock(ctx, s, rcpt)
}

// confirmLock records a confirmed source leg. owned reports whether this
// call moved the swap to SourceLocked and therefore drives settlement.
func (e *Engine) confirmLock(ctx context.Context, s *SwapOperation, rcpt *TxReceipt) (*SwapOperation, *TxReceipt, bool, error) {
	upd := StatusUpdate{
		Status:       StatusSourceLocked,
		SourceTxHash: rcpt.TxHash,
		Metadata:     map[string]string{MetaSourceBlock: strconv.FormatUint(rcpt.BlockHeight, 10)},
	}
	cur, applied, err := e.update(ctx, s, upd, string(TriggerSourceLockConfirmed))
	if err != nil {
		return s, nil, false, err
	}
	if !applied {
		if cur.Status == s.Status {
			e.log.Warn("Source tx hash rejected", "swap_id", s.ID, "tx", rcpt.TxHash, "recorded", cur.SourceTxHash)
		}
		return cur, rcpt, false, nil
	}

	if kerr := checkKey(rcpt.CorrelationKey, cur.CorrelationKey); kerr != nil {
		cur, err = e.escalate(ctx, cur, &IntegrityError{SwapID: cur.ID, Detail: "source receipt " + kerr.Error()})
		return cur, rcpt, false, err
	}
	return cur, rcpt, true, nil
}

// recheckLock looks up the submitted source leg of a Pending swap. A
// confirmed leg moves the swap to SourceLocked. A leg the chain does not
// hold fails the swap once the lock grace past expiry has run out.
func (e *Engine) recheckLock(ctx context.Context, s *SwapOperation, src ChainAdapter) (*SwapOperation, *TxReceipt, bool, error) {
	rcpt, err := src.LockStatus(ctx, s.CorrelationKey)
	if err != nil {
		return s, nil, false, fmt.Errorf("lock status on %s: %w", src.Chain(), err)
	}

	switch {
	case rcpt == nil:
		if e.now().Before(s.ExpiresAt.Add(e.lockGrace)) {
			return s, nil, false, nil
		}
		e.log.Warn("Submitted source lock never landed, expiring swap", "swap_id", s.ID, "source_tx", s.SourceTxHash)
		cur, applied, err := e.update(ctx, s, StatusUpdate{Status: StatusFailed, FailureReason: ReasonExpired}, string(TriggerExpired))
		if err != nil {
			return s, nil, false, err
		}
		if !applied {
			return cur, nil, false, nil
		}
		return cur, nil, false, ErrExpired
	case !rcpt.Confirmed:
		return s, nil, false, nil
	case rcpt.TxHash != s.SourceTxHash:
		detail := fmt.Sprintf("source lock mined as %s, submitted %s", rcpt.TxHash, s.SourceTxHash)
		cur, err := e.escalate(ctx, s, &IntegrityError{SwapID: s.ID, Detail: detail})
		return cur, nil, false, err
	}
	return e.confirmLock(ctx, s, rcpt)
}

// settle submits the destination leg for a SourceLocked swap.
func (e *Engine) settle(ctx context.Context, s *SwapOperation, dst ChainAdapter, lock *TxReceipt) (*SwapOperation, error) {
	req := SettleRequest{
		SwapID:         s.ID,
		Amount:         s.Amount,
		Recipient:      s.Recipient,
		CorrelationKey: s.CorrelationKey,
	}
	rcpt, err := e.callAdapter(ctx, s, dst.Chain(), "mint_or_unlock", func(ctx context.Context) (*TxReceipt, error) {
		return dst.MintOrUnlock(ctx, req)
	})
	if err != nil {
		return e.abort(ctx, s, err)
	}

	if !rcpt.Confirmed {
		cur, _, err := e.update(ctx, s, StatusUpdate{Status: StatusSourceLocked, DestinationTxHash: rcpt.TxHash}, "")
		if err != nil {
			return s, err
		}
		e.log.Info("Settlement submitted, awaiting confirmation", "swap_id", s.ID, "tx", rcpt.TxHash)
		return cur, nil
	}

	upd := StatusUpdate{
		Status:            StatusDestinationSettled,
		DestinationTxHash: rcpt.TxHash,
		Metadata: map[string]string{
			MetaDestinationBlock: strconv.FormatUint(rcpt.BlockHeight, 10),
			MetaDestinationKey:   rcpt.CorrelationKey,
		},
	}
	cur, applied, err := e.update(ctx, s, upd, string(TriggerSettlementConfirmed))
	if err != nil {
		return s, err
	}
	if !applied {
		return cur, nil
	}
	return e.finalize(ctx, cur, lock, rcpt)
}

// abort maps a leg error to the swap's next state. Permanent errors fail
// the swap; cancellation leaves it untouched.
func (e *Engine) abort(ctx context.Context, s *SwapOperation, err error) (*SwapOperation, error) {
	switch {
	case errors.Is(err, errStatusChanged):
		cur, gerr := e.repo.GetByID(ctx, s.ID)
		if gerr != nil {
			return s, gerr
		}
		return cur, nil
	case ctx.Err() != nil:
		return s, ctx.Err()
	case IsPermanent(err):
		return e.fail(ctx, s, err)
	default:
		return s, err
	}
}

// fail moves s to Failed with a redacted reason. If another writer moved
// the swap first, the observed swap is returned with a nil error.
func (e *Engine) fail(ctx context.Context, s *SwapOperation, cause error) (*SwapOperation, error) {
	reason := RedactReason(cause)
	cur, applied, err := e.update(ctx, s, StatusUpdate{Status: StatusFailed, FailureReason: reason}, string(TriggerPermanentError))
	if err != nil {
		return s, err
	}
	if !applied {
		return cur, nil
	}
	if s.Status == StatusPending {
		e.log.Warn("Swap failed", "swap_id", s.ID, "reason", reason, "error", cause)
	} else {
		e.log.Error("Swap failed after source lock, refund required",
			"swap_id", s.ID, "source_tx", s.SourceTxHash, "reason", reason, "error", cause)
	}
	return cur, cause
}

// escalate moves s to ManualReview.
func (e *Engine) escalate(ctx context.Context, s *SwapOperation, ierr *IntegrityError) (*SwapOperation, error) {
	upd := StatusUpdate{
		Status:        StatusManualReview,
		FailureReason: ReasonKeyMismatch,
		Metadata:      map[string]string{MetaIntegrityDetail: ierr.Detail},
	}
	cur, applied, err := e.update(ctx, s, upd, string(TriggerIntegrityViolation))
	if err != nil {
		return s, err
	}
	if applied {
		e.log.Error("Integrity violation, swap needs manual review", "swap_id", s.ID, "detail", ierr.Detail)
	}
	return cur, ierr
}

// Resume continues a swap whose source leg is locked: it settles a
// SourceLocked swap with no destination leg and finalizes a
// DestinationSettled one. Other swaps are returned unchanged. Resume waits
// for a running execution of the same swap to finish first.
func (e *Engine) Resume(ctx context.Context, id string) (*SwapOperation, error) {
	return e.shared(ctx, "resume:"+id, func(ctx context.Context) (*SwapOperation, error) {
		unlock := e.lockSwap(id)
		defer unlock()

		s, err := e.repo.GetByID(ctx, id)
		if err != nil {
			return nil, err
		}
		switch s.Status {
		case StatusSourceLocked:
			if s.DestinationTxHash != "" {
				return s, nil
			}
			_, dst, err := e.legs(s)
			if err != nil {
				return s, err
			}
			return e.settle(ctx, s, dst, storedLockReceipt(s))
		case StatusDestinationSettled:
			return e.finalizeStored(ctx, s)
		default:
			return s, nil
		}
	})
}

// ResumePending re-drives every swap left between the two legs, e.g. after
// a restart. It returns the number of swaps resumed.
func (e *Engine) ResumePending(ctx context.Context) (int, error) {
	n := 0
	for _, status := range []Status{StatusSourceLocked, StatusDestinationSettled} {
		swaps, err := e.repo.List(ctx, ListFilter{Status: status})
		if err != nil {
			return n, fmt.Errorf("failed to list %s swaps: %w", status, err)
		}
		for _, s := range swaps {
			if ctx.Err() != nil {
				return n, ctx.Err()
			}
			if s.Status == StatusSourceLocked && s.DestinationTxHash != "" {
				continue
			}
			cur, err := e.Resume(ctx, s.ID)
			if err != nil {
				e.log.Warn("Failed to resume swap", "swap_id", s.ID, "status", s.Status, "error", err)
				continue
			}
			n++
			e.log.Info("Resumed swap", "swap_id", s.ID, "status", cur.Status)
		}
	}
	return n, nil
}

// ExpirePending fails Pending swaps past their expiry that have no
// submitted source lock. Swaps with a running execution are left alone. It
// returns the number of swaps expired.
func (e *Engine) ExpirePending(ctx context.Context, limit int) (int, error) {
	swaps, err := e.repo.ListExpiredPending(ctx, ExpiryQuery{Before: e.now().UTC(), Limit: limit})
	if err != nil {
		return 0, fmt.Errorf("failed to list expired swaps: %w", err)
	}

	n := 0
	for _, s := range swaps {
		if ctx.Err() != nil {
			return n, ctx.Err()
		}
		if _, running := e.inflight.Load(s.ID); running {
			continue
		}

		_, applied, err := e.update(ctx, s, StatusUpdate{Status: StatusFailed, FailureReason: ReasonExpired}, string(TriggerExpired))
		if err != nil {
			e.log.Warn("Failed to expire swap", "swap_id", s.ID, "error", err)
			continue
		}
		if applied {
			n++
		}
	}
	return n, nil
}

// RecheckStalledLocks looks up the source leg of expired Pending swaps
// whose lock was submitted but never confirmed. Confirmed legs are settled
// and legs the chain does not hold past the lock grace fail the swap. It
// returns the number of swaps that left Pending.
func (e *Engine) RecheckStalledLocks(ctx context.Context, limit int) (int, error) {
	swaps, err := e.repo.ListExpiredPending(ctx, ExpiryQuery{Before: e.now().UTC(), LockSubmitted: true, Limit: limit})
	if err != nil {
		return 0, fmt.Errorf("failed to list stalled locks: %w", err)
	}

	n := 0
	for _, s := range swaps {
		if ctx.Err() != nil {
			return n, ctx.Err()
		}
		if _, running := e.inflight.Load(s.ID); running {
			continue
		}

		cur, err := e.execute(ctx, s.ID, s.Direction)
		if err != nil && !errors.Is(err, ErrExpired) {
			e.log.Warn("Failed to recheck submitted lock", "swap_id", s.ID, "source_tx", s.SourceTxHash, "error", err)
		}
		if cur != nil && cur.Status != StatusPending {
			n++
		}
	}
	return n, nil
}
