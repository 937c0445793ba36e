package swap

import (
	"fmt"
	"time"
)

// ApplyUpdate returns a copy of cur with upd applied, enforcing the
// compare-and-swap rules every Repository shares: cur must still be in
// expected, the edge must exist in the status table and write-once fields
// may not be overwritten with a different value.
func ApplyUpdate(cur *SwapOperation, expected Status, upd StatusUpdate) (*SwapOperation, error) {
	if err := ValidateUpdate(expected, upd); err != nil {
		return nil, err
	}
	if cur.Status != expected {
		return nil, fmt.Errorf("%w: %s is %s, expected %s", ErrConflict, cur.ID, cur.Status, expected)
	}

	next := cur.Clone()
	for _, f := range []struct {
		name string
		dst  *string
		val  string
	}{
		{"quantum_key_id", &next.QuantumKeyID, upd.QuantumKeyID},
		{"correlation_key", &next.CorrelationKey, upd.CorrelationKey},
		{"source_tx_hash", &next.SourceTxHash, upd.SourceTxHash},
		{"destination_tx_hash", &next.DestinationTxHash, upd.DestinationTxHash},
	} {
		if f.val == "" {
			continue
		}
		if *f.dst != "" && *f.dst != f.val {
			return nil, fmt.Errorf("%w: %s is already set on %s", ErrConflict, f.name, cur.ID)
		}
		*f.dst = f.val
	}

	if upd.FailureReason != "" {
		next.FailureReason = upd.FailureReason
	}
	if len(upd.Metadata) > 0 {
		if next.Metadata == nil {
			next.Metadata = make(map[string]string, len(upd.Metadata))
		}
		for k, v := range upd.Metadata {
			next.Metadata[k] = v
		}
	}

	at := upd.At
	if at.IsZero() {
		at = time.Now().UTC()
	}
	next.Status = upd.Status
	next.UpdatedAt = at
	if IsTerminal(next.Status) {
		next.CompletedAt = at
	}
	return next, nil
}
