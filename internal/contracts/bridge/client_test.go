// Integration tests require a node with the bridge contract deployed:
//
//	BRIDGE_RPC_URL=http://localhost:8545 BRIDGE_CONTRACT=0x... go test ./internal/contracts/bridge/... -run TestIntegration
package bridge

import (
	"context"
	"errors"
	"math/big"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
)

// =============================================================================
// Unit Tests (no network required)
// =============================================================================

func packLog(t *testing.T, name string, topics []common.Hash, args ...interface{}) types.Log {
	t.Helper()
	ev := parsedABI.Events[name]
	data, err := ev.Inputs.NonIndexed().Pack(args...)
	if err != nil {
		t.Fatalf("pack %s: %v", name, err)
	}
	return types.Log{
		Topics:      append([]common.Hash{ev.ID}, topics...),
		Data:        data,
		TxHash:      common.HexToHash("0xabc1"),
		BlockNumber: 42,
	}
}

func TestParseLockedLog(t *testing.T) {
	key := common.HexToHash("0x11")
	from := common.HexToAddress("0x00000000000000000000000000000000000000aa")
	log := packLog(t, "Locked",
		[]common.Hash{key, common.BytesToHash(from.Bytes())},
		big.NewInt(5_000_000), "NEAR", "alice.near")

	ev, err := ParseLog(log)
	if err != nil {
		t.Fatalf("ParseLog failed: %v", err)
	}
	if ev.Kind != EventLocked {
		t.Errorf("kind = %s, want Locked", ev.Kind)
	}
	if ev.CorrelationKey != [32]byte(key) || !ev.HasCorrelationKey() {
		t.Errorf("correlation key = %x", ev.CorrelationKey)
	}
	if ev.Account != from {
		t.Errorf("account = %s, want %s", ev.Account, from)
	}
	if ev.Amount.Cmp(big.NewInt(5_000_000)) != 0 {
		t.Errorf("amount = %s", ev.Amount)
	}
	if ev.ToChain != "NEAR" || ev.Recipient != "alice.near" {
		t.Errorf("destination = %s/%s", ev.ToChain, ev.Recipient)
	}
	if ev.BlockNumber != 42 || ev.TxHash != common.HexToHash("0xabc1") {
		t.Errorf("position = %d %s", ev.BlockNumber, ev.TxHash)
	}
}

func TestParseReleasedAndDepositedLogs(t *testing.T) {
	to := common.HexToAddress("0x00000000000000000000000000000000000000bb")

	released, err := ParseLog(packLog(t, "Released",
		[]common.Hash{common.HexToHash("0x22"), common.BytesToHash(to.Bytes())},
		big.NewInt(7)))
	if err != nil {
		t.Fatalf("ParseLog(Released) failed: %v", err)
	}
	if released.Kind != EventReleased || released.Account != to || released.ToChain != "" {
		t.Errorf("unexpected released event: %+v", released)
	}

	deposited, err := ParseLog(packLog(t, "Deposited",
		[]common.Hash{common.BytesToHash(to.Bytes())},
		big.NewInt(9), "NEAR", "bob.near"))
	if err != nil {
		t.Fatalf("ParseLog(Deposited) failed: %v", err)
	}
	if deposited.HasCorrelationKey() {
		t.Error("deposit should carry no correlation key")
	}
	if deposited.Recipient != "bob.near" || deposited.Amount.Int64() != 9 {
		t.Errorf("unexpected deposited event: %+v", deposited)
	}
}

func TestParseLogRejectsForeignLogs(t *testing.T) {
	if _, err := ParseLog(types.Log{}); !errors.Is(err, ErrUnknownEvent) {
		t.Errorf("empty log: err = %v", err)
	}

	transfer := crypto.Keccak256Hash([]byte("Transfer(address,address,uint256)"))
	if _, err := ParseLog(types.Log{Topics: []common.Hash{transfer}}); !errors.Is(err, ErrUnknownEvent) {
		t.Errorf("foreign log: err = %v", err)
	}

	// Correct topic, wrong topic count.
	log := packLog(t, "Locked", nil, big.NewInt(1), "NEAR", "a.near")
	if _, err := ParseLog(log); err == nil || errors.Is(err, ErrUnknownEvent) {
		t.Errorf("malformed Locked: err = %v", err)
	}
}

func TestParseLogsSkipsRemovedAndForeign(t *testing.T) {
	good := packLog(t, "Deposited",
		[]common.Hash{common.HexToHash("0x01")}, big.NewInt(1), "NEAR", "a.near")
	removed := good
	removed.Removed = true
	foreign := types.Log{Topics: []common.Hash{common.HexToHash("0xdead")}}

	events, err := parseLogs([]types.Log{removed, foreign, good})
	if err != nil {
		t.Fatalf("parseLogs failed: %v", err)
	}
	if len(events) != 1 {
		t.Fatalf("got %d events, want 1", len(events))
	}
}

func TestCorrelationKeyEncoding(t *testing.T) {
	s := "0xab" + strings.Repeat("00", 30) + "01"
	key, err := ParseCorrelationKey(s)
	if err != nil {
		t.Fatalf("ParseCorrelationKey failed: %v", err)
	}
	if got := FormatCorrelationKey(key); got != s {
		t.Errorf("round trip = %s, want %s", got, s)
	}

	for _, bad := range []string{"", "ab", "0x1234", "0xzz" + s[4:]} {
		if _, err := ParseCorrelationKey(bad); err == nil {
			t.Errorf("ParseCorrelationKey(%q) should fail", bad)
		}
	}
}

func TestLegState(t *testing.T) {
	tests := []struct {
		state LegState
		want  string
	}{
		{LegStateNone, "none"},
		{LegStateLocked, "locked"},
		{LegStateReleased, "released"},
		{LegState(9), "unknown"},
	}
	for _, tt := range tests {
		if got := tt.state.String(); got != tt.want {
			t.Errorf("LegState(%d).String() = %s, want %s", tt.state, got, tt.want)
		}
	}
}

// =============================================================================
// Integration Tests (require a node)
// =============================================================================

func integrationClient(t *testing.T) *Client {
	t.Helper()
	rpcURL := os.Getenv("BRIDGE_RPC_URL")
	contract := os.Getenv("BRIDGE_CONTRACT")
	if rpcURL == "" || contract == "" {
		t.Skip("BRIDGE_RPC_URL and BRIDGE_CONTRACT not set")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	client, err := NewClient(ctx, rpcURL, common.HexToAddress(contract))
	if err != nil {
		t.Fatalf("NewClient failed: %v", err)
	}
	t.Cleanup(client.Close)
	return client
}

func TestIntegrationLegStateAndEvents(t *testing.T) {
	client := integrationClient(t)
	ctx := context.Background()

	state, err := client.LegState(ctx, [32]byte{0x42})
	if err != nil {
		t.Fatalf("LegState failed: %v", err)
	}
	if state != LegStateNone {
		t.Errorf("unused key state = %s", state)
	}

	head, err := client.BlockNumber(ctx)
	if err != nil {
		t.Fatalf("BlockNumber failed: %v", err)
	}
	from := uint64(0)
	if head > 1000 {
		from = head - 1000
	}
	if _, err := client.FilterEvents(ctx, from, head); err != nil {
		t.Fatalf("FilterEvents failed: %v", err)
	}
}
