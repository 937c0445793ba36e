// Package swap implements the cross-chain swap orchestration core: the swap
// state machine, the Engine that drives a swap from a caller's request and
// the Reconciler that applies transitions observed on-chain.
//
// Chains, persistence and post-quantum protection are consumed through the
// ChainAdapter, Repository and ProtectionProvider interfaces.
package swap

import (
	"time"
)

// Status represents the current state of a swap.
type Status string

const (
	StatusPending            Status = "pending"             // Created, nothing locked yet
	StatusSourceLocked       Status = "source_locked"       // Funds locked/burned on the source chain
	StatusDestinationSettled Status = "destination_settled" // Minted/unlocked on the destination chain
	StatusCompleted          Status = "completed"           // Atomicity verified (terminal)
	StatusFailed             Status = "failed"              // Permanent failure or expiry (terminal)
	StatusManualReview       Status = "manual_review"       // Integrity violation (terminal)
)

// AllStatuses lists every status in lifecycle order.
var AllStatuses = []Status{
	StatusPending,
	StatusSourceLocked,
	StatusDestinationSettled,
	StatusCompleted,
	StatusFailed,
	StatusManualReview,
}

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	for _, known := range AllStatuses {
		if s == known {
			return true
		}
	}
	return false
}

// Direction says which side of the bridge a swap starts on.
type Direction string

const (
	DirectionForward Direction = "forward" // EVM -> non-EVM
	DirectionReverse Direction = "reverse" // non-EVM -> EVM
	DirectionInbound Direction = "inbound" // synthesized from an unsolicited deposit
)

// Metadata keys written by the engine and reconciler.
const (
	MetaSourceAttestation = "source_attestation"
	MetaSourceBlock       = "source_block"
	MetaDestinationBlock  = "destination_block"
	MetaSubject           = "subject"
	MetaOrigin            = "origin"
	MetaIntegrityDetail   = "integrity_detail"
	MetaDestinationKey    = "destination_correlation_key"
	MetaSourceWallet      = "source_wallet"
)

// SwapOperation is the persisted record of one bridge swap.
type SwapOperation struct {
	ID        string
	UserID    string
	FromChain string
	ToChain   string
	Direction Direction

	// Amount is in bridge asset base units and never changes.
	Amount    uint64
	Recipient string
	Status    Status

	CreatedAt   time.Time
	UpdatedAt   time.Time
	ExpiresAt   time.Time
	CompletedAt time.Time // zero until a terminal status

	// QuantumKeyID and CorrelationKey are set once by protection (or by the
	// reconciler for inbound swaps).
	QuantumKeyID   string
	CorrelationKey string

	// Tx hashes are write-once.
	SourceTxHash      string
	DestinationTxHash string

	// FailureReason is a redacted, user-visible reason.
	FailureReason string

	Metadata map[string]string
}

// IsTerminal returns true if the swap is in a terminal state.
func (s *SwapOperation) IsTerminal() bool {
	return IsTerminal(s.Status)
}

// Expired reports whether a Pending swap is past its expiry at now.
func (s *SwapOperation) Expired(now time.Time) bool {
	return s.Status == StatusPending && !s.ExpiresAt.IsZero() && !now.Before(s.ExpiresAt)
}

// Clone returns a deep copy of the swap.
func (s *SwapOperation) Clone() *SwapOperation {
	if s == nil {
		return nil
	}
	cp := *s
	if s.Metadata != nil {
		cp.Metadata = make(map[string]string, len(s.Metadata))
		for k, v := range s.Metadata {
			cp.Metadata[k] = v
		}
	}
	return &cp
}

// EventKind is the kind of on-chain bridge activity an adapter reports.
type EventKind string

const (
	EventLocked     EventKind = "locked"
	EventUnlocked   EventKind = "unlocked"
	EventMinted     EventKind = "minted"
	EventBurned     EventKind = "burned"
	EventDeposit    EventKind = "deposit"
	EventWithdrawal EventKind = "withdrawal"
)

// IsDeposit reports whether the event commits funds on its chain (the source leg).
func (k EventKind) IsDeposit() bool {
	switch k {
	case EventLocked, EventBurned, EventDeposit:
		return true
	}
	return false
}

// IsSettlement reports whether the event releases funds on its chain (the destination leg).
func (k EventKind) IsSettlement() bool {
	switch k {
	case EventMinted, EventUnlocked, EventWithdrawal:
		return true
	}
	return false
}

// ChainEvent is one finalized bridge event observed on a chain. It is
// consumed by the Reconciler and never persisted.
type ChainEvent struct {
	Chain          string
	Kind           EventKind
	Subject        string // address that interacted with the bridge
	Amount         uint64
	CorrelationKey string // empty when the chain does not surface one
	TxHash         string
	Confirmations  uint64
	BlockHeight    uint64

	// RecipientChain and Recipient are echoed by the bridge contract on
	// deposits when the depositor named a destination.
	RecipientChain string
	Recipient      string
}

// TxReceipt is an adapter's report of a submitted leg. The hash format is
// chain-specific and opaque to the core.
type TxReceipt struct {
	TxHash         string
	Confirmed      bool
	CorrelationKey string
	BlockHeight    uint64
}

// SwapStatusChanged is emitted after every applied status change.
type SwapStatusChanged struct {
	SwapID string
	Old    Status
	New    Status
	Reason string
	At     time.Time
}
