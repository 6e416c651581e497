// Package engine is the schedule and command synchronization core: it owns
// the weekly schedule table, the engine flags and the single pending uplink,
// and sequences the periodic job against the radio link events.
package engine

import (
	"context"
	"errors"
	"time"

	"github.com/hangarf9/relaywan/internal/clock"
	"github.com/hangarf9/relaywan/internal/logging"
	"github.com/hangarf9/relaywan/internal/radio"
	"github.com/hangarf9/relaywan/internal/relaywan"
	"github.com/hangarf9/relaywan/internal/schedule"
	"github.com/hangarf9/relaywan/internal/wire"
)

type Config struct {
	TickInterval  time.Duration
	TZOffsetHours int
}

// pendingUplink is the single outbound-command slot. Building a new one
// overwrites the previous; the slot is cleared when handed to the transport.
type pendingUplink struct {
	cmd    string
	myTime uint32
	state  relaywan.OutputState
}

func (p *pendingUplink) encode() ([]byte, error) {
	if p.cmd == wire.CmdStart {
		return wire.EncodeStart(p.myTime)
	}
	return wire.EncodeStatus(p.myTime, p.state)
}

type Engine struct {
	cfg       Config
	clock     clock.Clock
	transport radio.Transport
	driver    relaywan.OutputDriver

	table   schedule.Table
	outputs relaywan.OutputState
	pending *pendingUplink

	startupComplete bool
	txInFlight      bool
	timeSynced      bool
}

func New(cfg Config, clk clock.Clock, transport radio.Transport, driver relaywan.OutputDriver) *Engine {
	if cfg.TickInterval <= 0 {
		cfg.TickInterval = 300 * time.Second
	}
	return &Engine{
		cfg:       cfg,
		clock:     clk,
		transport: transport,
		driver:    driver,
	}
}

// Run services the periodic job and the link events on one goroutine.
// Everything the engine owns is touched only from this control flow, so no
// locks; handlers must not block on each other.
func (e *Engine) Run(ctx context.Context) {
	timer := time.NewTimer(0) // first tick right away, as on device boot
	defer timer.Stop()

	logging.Info("engine started", "tick", e.cfg.TickInterval.String(), "tzOffsetHours", e.cfg.TZOffsetHours)
	for {
		select {
		case <-ctx.Done():
			logging.Info("engine stopped")
			return
		case <-timer.C:
			e.tick(ctx)
			// single-shot re-arm: exactly one firing pending at a time
			timer.Reset(e.cfg.TickInterval)
		case ev, ok := <-e.transport.Events():
			if !ok {
				logging.Info("engine: link closed")
				return
			}
			e.handleEvent(ctx, ev)
		}
	}
}

// tick is one firing of the periodic job: build the uplink, run the
// schedule, then try to transmit.
func (e *Engine) tick(ctx context.Context) {
	e.buildUplink()
	if e.startupComplete {
		e.evaluateAndApply(ctx)
	}
	e.trySend()
}

func (e *Engine) buildUplink() {
	now := e.clock.Epoch()
	if !e.startupComplete {
		// Nothing authoritative to report until the controller uploads a
		// schedule; keep announcing ourselves instead.
		e.pending = &pendingUplink{cmd: wire.CmdStart, myTime: now}
		return
	}
	if _, minute := schedule.HourMinute(now, e.cfg.TZOffsetHours); minute%5 == 0 {
		e.pending = &pendingUplink{cmd: wire.CmdStatus, myTime: now, state: e.outputs}
		return
	}
	e.pending = nil
}

func (e *Engine) evaluateAndApply(ctx context.Context) {
	next := e.table.Evaluate(e.clock.Epoch(), e.cfg.TZOffsetHours, e.outputs[0])
	if next != e.outputs[0] {
		logging.Info("schedule transition", "output", 0, "on", next)
		e.outputs[0] = next
	}
	// The driver dedupes unchanged levels, so this is a no-op between
	// transitions and an implicit retry after a failed write.
	if err := e.driver.Apply(ctx, e.outputs); err != nil {
		logging.Warn("output apply", "error", err)
	}
}

// trySend hands the pending uplink to the transport if the link is idle.
// No retry here: a skipped or failed send is superseded by whatever the
// next tick builds.
func (e *Engine) trySend() {
	if e.pending == nil {
		return
	}
	if e.txInFlight {
		logging.Debug("transmission in flight, not sending", "cmd", e.pending.cmd)
		return
	}
	payload, err := e.pending.encode()
	if err != nil {
		logging.Error("uplink encode", "cmd", e.pending.cmd, "error", err)
		e.pending = nil
		return
	}

	switch err := e.transport.Send(payload); {
	case err == nil:
		logging.Debug("uplink queued", "cmd", e.pending.cmd, "bytes", len(payload))
		e.txInFlight = true
		e.pending = nil
	case errors.Is(err, radio.ErrBusy):
		logging.Debug("link busy, not sending", "cmd", e.pending.cmd)
	default:
		logging.Warn("uplink send", "cmd", e.pending.cmd, "error", err)
		e.pending = nil
	}
}

func (e *Engine) handleEvent(ctx context.Context, ev radio.Event) {
	switch ev.Type {
	case radio.Joined:
		logging.Info("link up, requesting network time")
		e.transport.RequestNetworkTime()
	case radio.TxComplete:
		// Complete is complete, acknowledged or not.
		e.txInFlight = false
		if ev.Ack {
			logging.Debug("uplink acknowledged")
		}
		if len(ev.Payload) > 0 {
			e.handleDownlink(ctx, ev.Payload)
		}
	case radio.RxComplete:
		e.handleDownlink(ctx, ev.Payload)
	case radio.TimeSync:
		logging.Info("network time received", "epoch", ev.Epoch)
		e.clock.SetEpoch(ev.Epoch)
		e.timeSynced = true
	case radio.LinkError:
		logging.Warn("link error", "error", ev.Err)
	default:
		logging.Warn("unknown link event", "type", int(ev.Type))
	}
}
