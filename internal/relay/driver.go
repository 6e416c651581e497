// Package relay drives the switched power outputs. The board hangs off a
// small modbus bus, one coil per output.
package relay

import (
	"context"
	"fmt"
	"strings"

	"github.com/hangarf9/relaywan/internal/config"
	"github.com/hangarf9/relaywan/internal/logging"
	"github.com/hangarf9/relaywan/internal/relaywan"
)

// CoilDriver writes output levels to relay coils. Failed writes are logged
// and retried implicitly: the coil stays marked dirty, so the next Apply
// (every tick while the engine is started) tries again.
type CoilDriver struct {
	client Client
	addrs  [relaywan.NumOutputs]uint16
	cache  outputCache
}

func NewCoilDriver(bus *config.BusConfig) (*CoilDriver, error) {
	var client Client
	switch strings.ToLower(bus.Type) {
	case "rtu":
		client = NewRTUClient(bus)
	case "tcp":
		client = NewTCPClient(bus)
	default:
		return nil, fmt.Errorf("unsupported bus type: %s", bus.Type)
	}
	return &CoilDriver{client: client, addrs: bus.CoilAddrs}, nil
}

// NewCoilDriverWithClient wires an existing bus client, for tests and sims.
func NewCoilDriverWithClient(client Client, addrs [relaywan.NumOutputs]uint16) *CoilDriver {
	return &CoilDriver{client: client, addrs: addrs}
}

func (d *CoilDriver) Apply(ctx context.Context, outputs relaywan.OutputState) error {
	var lastErr error
	for i, on := range outputs {
		if !d.cache.HasChanged(i, on) {
			continue
		}
		if err := d.client.WriteCoil(ctx, d.addrs[i], on); err != nil {
			logging.Error("relay coil write", "output", i, "addr", d.addrs[i], "on", on, "error", err)
			lastErr = err
			continue
		}
		logging.Info("relay output set", "output", i, "on", on)
		d.cache.Update(i, on)
	}
	return lastErr
}

func (d *CoilDriver) Close() {
	d.client.Close()
}

// LogDriver is the no-board fallback: it only logs transitions. Useful on a
// bench without the relay hardware attached.
type LogDriver struct {
	cache outputCache
}

func NewLogDriver() *LogDriver {
	return &LogDriver{}
}

func (d *LogDriver) Apply(_ context.Context, outputs relaywan.OutputState) error {
	for i, on := range outputs {
		if !d.cache.HasChanged(i, on) {
			continue
		}
		logging.Info("relay output set (no board)", "output", i, "on", on)
		d.cache.Update(i, on)
	}
	return nil
}
