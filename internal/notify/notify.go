// Package notify publishes swap status changes.
//
// Sinks plug into the engine as swap.EventSink. The outbox sink persists
// each change and a Relay delivers it to NATS with retries, so a broker
// outage never drops a notification.
package notify

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/klingon-exchange/klingon-bridge/internal/swap"
	"github.com/klingon-exchange/klingon-bridge/pkg/logging"
)

// DefaultSubject is the subject prefix for status change messages.
const DefaultSubject = "bridge.swaps"

// Message is the JSON body published for one status change.
type Message struct {
	EventID string    `json:"event_id"`
	SwapID  string    `json:"swap_id"`
	Old     string    `json:"old,omitempty"`
	New     string    `json:"new"`
	Reason  string    `json:"reason,omitempty"`
	At      time.Time `json:"at"`
}

// EventID identifies a status change. A swap enters each status at most
// once, so the id is stable across redeliveries.
func EventID(ev swap.SwapStatusChanged) string {
	return ev.SwapID + ":" + string(ev.New)
}

// NewMessage builds the message for ev.
func NewMessage(ev swap.SwapStatusChanged) Message {
	return Message{
		EventID: EventID(ev),
		SwapID:  ev.SwapID,
		Old:     string(ev.Old),
		New:     string(ev.New),
		Reason:  ev.Reason,
		At:      ev.At.UTC(),
	}
}

// Subject returns the subject for ev under prefix, e.g.
// "bridge.swaps.completed".
func Subject(prefix string, ev swap.SwapStatusChanged) string {
	if prefix == "" {
		prefix = DefaultSubject
	}
	return prefix + "." + string(ev.New)
}

// Publisher sends one message. *nats.Conn satisfies it.
type Publisher interface {
	Publish(subject string, data []byte) error
}

// Compile-time interface check.
var _ Publisher = (*nats.Conn)(nil)

// Connect dials the NATS server at url. Reconnects are handled by the
// client; disconnects and reconnects are logged.
func Connect(url, name string) (*nats.Conn, error) {
	log := logging.GetDefault().Component("notify")
	nc, err := nats.Connect(url,
		nats.Name(name),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				log.Warn("NATS disconnected", "error", err)
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Info("NATS reconnected", "url", nc.ConnectedUrl())
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}
	return nc, nil
}

// LogSink logs every status change.
type LogSink struct {
	log *logging.Logger
}

// NewLogSink creates a log sink.
func NewLogSink() *LogSink {
	return &LogSink{log: logging.GetDefault().Component("notify")}
}

// OnStatusChanged implements swap.EventSink.
func (s *LogSink) OnStatusChanged(ev swap.SwapStatusChanged) {
	switch ev.New {
	case swap.StatusManualReview:
		s.log.Error("Swap needs manual review", "swap_id", ev.SwapID, "from", ev.Old, "reason", ev.Reason)
	case swap.StatusFailed:
		s.log.Warn("Swap failed", "swap_id", ev.SwapID, "from", ev.Old, "reason", ev.Reason)
	default:
		s.log.Info("Swap status", "swap_id", ev.SwapID, "from", ev.Old, "to", ev.New)
	}
}

// NATSSink publishes status changes directly, without persistence. A
// failed publish is logged and dropped.
type NATSSink struct {
	pub     Publisher
	subject string
	log     *logging.Logger
}

// NewNATSSink creates a sink publishing under subject.
func NewNATSSink(pub Publisher, subject string) *NATSSink {
	return &NATSSink{
		pub:     pub,
		subject: subject,
		log:     logging.GetDefault().Component("notify"),
	}
}

// OnStatusChanged implements swap.EventSink.
func (s *NATSSink) OnStatusChanged(ev swap.SwapStatusChanged) {
	data, err := json.Marshal(NewMessage(ev))
	if err != nil {
		s.log.Error("Failed to encode status change", "swap_id", ev.SwapID, "error", err)
		return
	}
	if err := s.pub.Publish(Subject(s.subject, ev), data); err != nil {
		s.log.Warn("Failed to publish status change", "swap_id", ev.SwapID, "error", err)
	}
}
