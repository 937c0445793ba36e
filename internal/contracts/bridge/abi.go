// Package bridge provides a Go client for the KlingonBridge lock/release
// contract.
package bridge

import (
	"errors"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/core/types"
)

// KlingonBridgeABI is the subset of the bridge contract ABI the client uses.
const KlingonBridgeABI = `[
  {"type":"function","name":"lock","stateMutability":"nonpayable","inputs":[
    {"name":"correlationKey","type":"bytes32"},
    {"name":"from","type":"address"},
    {"name":"amount","type":"uint256"},
    {"name":"toChain","type":"string"},
    {"name":"recipient","type":"string"},
    {"name":"memo","type":"bytes"}],"outputs":[]},
  {"type":"function","name":"release","stateMutability":"nonpayable","inputs":[
    {"name":"correlationKey","type":"bytes32"},
    {"name":"to","type":"address"},
    {"name":"amount","type":"uint256"}],"outputs":[]},
  {"type":"function","name":"legState","stateMutability":"view","inputs":[
    {"name":"correlationKey","type":"bytes32"}],"outputs":[
    {"name":"","type":"uint8"}]},
  {"type":"event","name":"Locked","anonymous":false,"inputs":[
    {"name":"correlationKey","type":"bytes32","indexed":true},
    {"name":"from","type":"address","indexed":true},
    {"name":"amount","type":"uint256","indexed":false},
    {"name":"toChain","type":"string","indexed":false},
    {"name":"recipient","type":"string","indexed":false}]},
  {"type":"event","name":"Released","anonymous":false,"inputs":[
    {"name":"correlationKey","type":"bytes32","indexed":true},
    {"name":"to","type":"address","indexed":true},
    {"name":"amount","type":"uint256","indexed":false}]},
  {"type":"event","name":"Deposited","anonymous":false,"inputs":[
    {"name":"from","type":"address","indexed":true},
    {"name":"amount","type":"uint256","indexed":false},
    {"name":"toChain","type":"string","indexed":false},
    {"name":"recipient","type":"string","indexed":false}]}
]`

// parsedABI is the parsed KlingonBridgeABI.
var parsedABI = mustParseABI()

func mustParseABI() abi.ABI {
	parsed, err := abi.JSON(strings.NewReader(KlingonBridgeABI))
	if err != nil {
		panic(fmt.Sprintf("bridge: invalid ABI: %v", err))
	}
	return parsed
}

// ABI returns the parsed contract ABI.
func ABI() abi.ABI {
	return parsedABI
}

// LegState is the contract's record of a correlation key.
type LegState uint8

const (
	LegStateNone     LegState = 0
	LegStateLocked   LegState = 1
	LegStateReleased LegState = 2
)

func (s LegState) String() string {
	switch s {
	case LegStateNone:
		return "none"
	case LegStateLocked:
		return "locked"
	case LegStateReleased:
		return "released"
	default:
		return "unknown"
	}
}

// EventKind names a bridge contract event.
type EventKind string

const (
	EventLocked    EventKind = "Locked"
	EventReleased  EventKind = "Released"
	EventDeposited EventKind = "Deposited"
)

// ErrUnknownEvent is returned for logs that are not bridge events.
var ErrUnknownEvent = errors.New("not a bridge event")

// Event is a parsed bridge contract log.
type Event struct {
	Kind           EventKind
	CorrelationKey [32]byte // zero for Deposited
	Account        common.Address
	Amount         *big.Int
	ToChain        string
	Recipient      string
	TxHash         common.Hash
	BlockNumber    uint64
}

// HasCorrelationKey reports whether the event carries a correlation key.
func (e *Event) HasCorrelationKey() bool {
	return e.CorrelationKey != [32]byte{}
}

// ParseLog decodes a bridge contract log. Logs from other contracts or
// with unknown topics yield ErrUnknownEvent.
func ParseLog(log types.Log) (*Event, error) {
	if len(log.Topics) == 0 {
		return nil, ErrUnknownEvent
	}

	var (
		kind EventKind
		ev   abi.Event
	)
	for name, candidate := range parsedABI.Events {
		if candidate.ID == log.Topics[0] {
			kind, ev = EventKind(name), candidate
			break
		}
	}
	if kind == "" {
		return nil, ErrUnknownEvent
	}

	values := make(map[string]interface{})
	if err := ev.Inputs.NonIndexed().UnpackIntoMap(values, log.Data); err != nil {
		return nil, fmt.Errorf("failed to unpack %s data: %w", kind, err)
	}

	out := &Event{
		Kind:        kind,
		TxHash:      log.TxHash,
		BlockNumber: log.BlockNumber,
	}
	if amount, ok := values["amount"].(*big.Int); ok {
		out.Amount = amount
	} else {
		return nil, fmt.Errorf("%s: missing amount", kind)
	}
	out.ToChain, _ = values["toChain"].(string)
	out.Recipient, _ = values["recipient"].(string)

	switch kind {
	case EventLocked, EventReleased:
		if len(log.Topics) != 3 {
			return nil, fmt.Errorf("%s: expected 3 topics, got %d", kind, len(log.Topics))
		}
		out.CorrelationKey = log.Topics[1]
		out.Account = common.BytesToAddress(log.Topics[2].Bytes())
	case EventDeposited:
		if len(log.Topics) != 2 {
			return nil, fmt.Errorf("%s: expected 2 topics, got %d", kind, len(log.Topics))
		}
		out.Account = common.BytesToAddress(log.Topics[1].Bytes())
	}

	return out, nil
}

// ParseCorrelationKey decodes a 0x-prefixed 32-byte hex key.
func ParseCorrelationKey(s string) ([32]byte, error) {
	var key [32]byte
	b, err := hexutil.Decode(s)
	if err != nil {
		return key, fmt.Errorf("invalid correlation key: %w", err)
	}
	if len(b) != 32 {
		return key, fmt.Errorf("correlation key must be 32 bytes, got %d", len(b))
	}
	copy(key[:], b)
	return key, nil
}

// FormatCorrelationKey encodes key as 0x-prefixed lowercase hex.
func FormatCorrelationKey(key [32]byte) string {
	return common.Hash(key).Hex()
}
