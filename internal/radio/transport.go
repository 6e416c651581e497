// Package radio abstracts the store-and-forward radio link. The MAC/PHY
// stack lives outside this process; the agent reaches it through the
// network server's application interface.
package radio

import (
	"context"
	"errors"
)

type EventType int

const (
	// Joined fires when the link to the network comes up (also after a
	// reconnect).
	Joined EventType = iota
	// TxComplete reports the outcome of a Send. Ack mirrors whether the
	// network accepted the uplink; Payload carries a piggybacked downlink
	// received in the RX window, if any.
	TxComplete
	// RxComplete carries an unsolicited downlink.
	RxComplete
	// TimeSync carries a network time reference, answering
	// RequestNetworkTime. Best-effort: may never arrive.
	TimeSync
	// LinkError reports a transport-level fault. Informational only.
	LinkError
)

func (t EventType) String() string {
	switch t {
	case Joined:
		return "joined"
	case TxComplete:
		return "tx-complete"
	case RxComplete:
		return "rx-complete"
	case TimeSync:
		return "time-sync"
	case LinkError:
		return "link-error"
	}
	return "unknown"
}

type Event struct {
	Type    EventType
	Ack     bool
	Payload []byte
	Epoch   uint32
	Err     error
}

// ErrBusy means a transmission is already pending at the link layer.
var ErrBusy = errors.New("radio: transmission already pending")

// Transport is the radio link as the engine sees it. Send is non-blocking;
// completion arrives as a TxComplete event. All inbound traffic and link
// signals arrive on the single Events channel so the engine stays one
// control flow.
type Transport interface {
	Send(payload []byte) error
	Events() <-chan Event
	RequestNetworkTime()
	Close(ctx context.Context) error
}
