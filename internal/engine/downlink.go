package engine

import (
	"context"

	"github.com/hangarf9/relaywan/internal/logging"
	"github.com/hangarf9/relaywan/internal/wire"
)

// handleDownlink decodes and applies one controller document. Malformed or
// oversized payloads are dropped whole: the clock, the table and the engine
// flags stay exactly as they were.
func (e *Engine) handleDownlink(ctx context.Context, payload []byte) {
	dl, err := wire.DecodeDownlink(payload)
	if err != nil {
		logging.Warn("downlink discarded", "bytes", len(payload), "error", err)
		return
	}
	if !dl.IsInit() {
		// Only init is defined today; anything else is a forward-compat no-op.
		logging.Debug("ignoring downlink command", "cmd", dl.Cmd)
		return
	}

	if err := e.table.Replace(dl.Entries); err != nil {
		logging.Warn("downlink discarded", "error", err)
		return
	}
	e.clock.SetEpoch(dl.CurTime)
	first := !e.startupComplete
	e.startupComplete = true
	logging.Info("schedule installed", "entries", e.table.Len(), "epoch", dl.CurTime, "firstInit", first)

	// Take effect now rather than waiting for the next tick.
	e.evaluateAndApply(ctx)
}
