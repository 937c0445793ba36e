package swap

import (
	"context"
	"time"
)

// ChainAdapter is the engine's and reconciler's view of one chain.
//
// Lock and MintOrUnlock must be idempotent per correlation key on-chain:
// a repeated call for a key that already has a leg returns that leg's
// receipt or a permanent error, never a second transfer.
type ChainAdapter interface {
	// Chain returns the chain symbol, e.g. "ETH".
	Chain() string

	// Lock commits the source leg, tagging the transaction with the
	// request's correlation key.
	Lock(ctx context.Context, req LockRequest) (*TxReceipt, error)

	// MintOrUnlock releases the destination leg.
	MintOrUnlock(ctx context.Context, req SettleRequest) (*TxReceipt, error)

	// LockStatus reports the source leg recorded for correlationKey
	// without submitting anything. It returns nil when the chain has no
	// such leg.
	LockStatus(ctx context.Context, correlationKey string) (*TxReceipt, error)

	// SubscribeEvents streams finalized bridge events. The channel closes
	// when ctx is done or the stream is lost; callers resubscribe.
	SubscribeEvents(ctx context.Context) (<-chan ChainEvent, error)
}

// LockRequest asks a source adapter to lock or burn funds.
type LockRequest struct {
	SwapID         string
	Amount         uint64
	RecipientChain string
	Recipient      string
	CorrelationKey string

	// Wallet is the user's source-chain account the funds come from.
	Wallet string

	// ProtectedMemo is the encrypted swap payload. Adapters may attach it
	// to the transaction; it is never stored.
	ProtectedMemo []byte
}

// SettleRequest asks a destination adapter to mint or unlock funds.
type SettleRequest struct {
	SwapID         string
	Amount         uint64
	Recipient      string
	CorrelationKey string
}

// AttestationSigner is an optional adapter capability. When the source
// adapter implements it the engine records a signature over the
// correlation key in the swap metadata.
type AttestationSigner interface {
	SignAttestation(ctx context.Context, correlationKey string) (string, error)
}

// ProtectionFields are the sensitive swap fields handed to the provider.
type ProtectionFields struct {
	SwapID    string
	UserID    string
	FromChain string
	ToChain   string
	Amount    uint64
	Recipient string
}

// ProtectedPayload is the provider's ciphertext and integrity proof. It
// lives only for the duration of one execution.
type ProtectedPayload struct {
	Ciphertext []byte
	Proof      []byte
}

// Protection is the provider result. Only KeyID and CorrelationKey are
// persisted.
type Protection struct {
	KeyID          string
	CorrelationKey string
	Payload        ProtectedPayload
}

// ProtectionProvider protects swap fields with post-quantum cryptography.
type ProtectionProvider interface {
	Protect(ctx context.Context, fields ProtectionFields) (*Protection, error)
}

// StatusUpdate is the patch applied by CompareAndSwapStatus. Empty string
// fields are left unchanged. Write-once fields (keys, tx hashes) may only
// be set when empty or re-set to the same value.
type StatusUpdate struct {
	Status            Status
	QuantumKeyID      string
	CorrelationKey    string
	SourceTxHash      string
	DestinationTxHash string
	FailureReason     string
	Metadata          map[string]string // merged into the existing map
	At                time.Time
}

// ListFilter selects swaps for operator listing.
type ListFilter struct {
	Status    Status
	Direction Direction
	Limit     int
}

// ExpiryQuery selects Pending swaps past their expiry.
type ExpiryQuery struct {
	// Before selects swaps with ExpiresAt <= Before.
	Before time.Time

	// LockSubmitted selects swaps with a recorded source tx instead of
	// swaps without one.
	LockSubmitted bool

	Limit int
}

// Repository persists swaps with compare-and-swap status updates.
type Repository interface {
	// Create stores a new swap. A correlation key already held by a
	// non-terminal swap yields ErrDuplicateCorrelationKey.
	Create(ctx context.Context, s *SwapOperation) error

	// GetByID returns ErrNotFound for unknown ids.
	GetByID(ctx context.Context, id string) (*SwapOperation, error)

	// GetByCorrelationKey prefers the non-terminal holder of key and
	// otherwise returns the most recent swap that used it.
	GetByCorrelationKey(ctx context.Context, key string) (*SwapOperation, error)

	// CompareAndSwapStatus applies upd only if the swap's status is still
	// expected. A lost race or write-once clash yields ErrConflict.
	CompareAndSwapStatus(ctx context.Context, id string, expected Status, upd StatusUpdate) (*SwapOperation, error)

	// ListExpiredPending returns Pending swaps matching q, earliest
	// expiry first.
	ListExpiredPending(ctx context.Context, q ExpiryQuery) ([]*SwapOperation, error)

	// List returns swaps newest first.
	List(ctx context.Context, filter ListFilter) ([]*SwapOperation, error)
}

// EventSink receives status changes. Implementations must not block.
type EventSink interface {
	OnStatusChanged(ev SwapStatusChanged)
}

// EventSinkFunc adapts a function to EventSink.
type EventSinkFunc func(ev SwapStatusChanged)

// OnStatusChanged calls f(ev).
func (f EventSinkFunc) OnStatusChanged(ev SwapStatusChanged) { f(ev) }

// Recorder receives engine and reconciler measurements.
type Recorder interface {
	SwapInitiated(fromChain, toChain string)
	Transition(from, to Status)
	ReconcilerEvent(chain string, outcome Outcome)
	AdapterRetry(chain, op string)
	StreamActive(chain string, delta int)
}

type nopRecorder struct{}

func (nopRecorder) SwapInitiated(string, string)    {}
func (nopRecorder) Transition(Status, Status)       {}
func (nopRecorder) ReconcilerEvent(string, Outcome) {}
func (nopRecorder) AdapterRetry(string, string)     {}
func (nopRecorder) StreamActive(string, int)        {}
