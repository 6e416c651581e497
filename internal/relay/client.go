package relay

import (
	"context"
	"time"

	"github.com/goburrow/modbus"

	"github.com/hangarf9/relaywan/internal/config"
	"github.com/hangarf9/relaywan/internal/logging"
)

// Client is the minimal bus access the relay driver needs: the board is
// write-only from the agent's point of view.
type Client interface {
	EnsureConnected(ctx context.Context) error
	WriteCoil(ctx context.Context, addr uint16, on bool) error
	Close()
}

// ModbusHandler is satisfied by both the RTU and TCP handlers.
type ModbusHandler interface {
	modbus.ClientHandler
	Connect() error
	Close() error
}

type modbusClient struct {
	handler ModbusHandler
	client  modbus.Client

	// Connection and backoff state
	connOK      bool
	backoff     time.Duration
	backoffMin  time.Duration
	backoffMax  time.Duration
	lastConnErr error
}

func newModbusClient(handler ModbusHandler) *modbusClient {
	return &modbusClient{
		handler:    handler,
		client:     modbus.NewClient(handler),
		connOK:     true,
		backoff:    0, // means "ready to try now"
		backoffMin: 200 * time.Millisecond,
		backoffMax: 5 * time.Second,
	}
}

func NewRTUClient(bus *config.BusConfig) Client {
	handler := modbus.NewRTUClientHandler(bus.Port)
	handler.BaudRate = bus.Baud
	handler.DataBits = bus.DataBits
	handler.Parity = bus.Parity
	handler.StopBits = bus.StopBits
	handler.Timeout = bus.Timeout()
	handler.SlaveId = bus.UnitId
	if bus.Debug {
		handler.Logger = logging.WrapSlog("bus", bus.Port)
	}
	return newModbusClient(handler)
}

func NewTCPClient(bus *config.BusConfig) Client {
	handler := modbus.NewTCPClientHandler(bus.TCPAddr)
	handler.Timeout = bus.Timeout()
	handler.SlaveId = bus.UnitId
	if bus.Debug {
		handler.Logger = logging.WrapSlog("bus", bus.TCPAddr)
	}
	return newModbusClient(handler)
}

func (m *modbusClient) EnsureConnected(ctx context.Context) error {
	if m.connOK {
		return nil
	}
	if m.backoff > 0 {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(m.backoff):
		}
	}

	m.Close() // cleanup any stale
	if err := m.handler.Connect(); err != nil {
		m.bumpBackoff(err)
		return err
	}

	m.client = modbus.NewClient(m.handler)
	m.connOK = true
	m.backoff = 0
	m.lastConnErr = nil
	return nil
}

func (m *modbusClient) WriteCoil(ctx context.Context, addr uint16, on bool) error {
	if err := m.EnsureConnected(ctx); err != nil {
		return err
	}
	value := uint16(0x0000)
	if on {
		value = 0xFF00
	}
	if _, err := m.client.WriteSingleCoil(addr, value); err != nil {
		m.bumpBackoff(err)
		return err
	}
	return nil
}

func (m *modbusClient) Close() {
	m.handler.Close()
	m.connOK = false
}

func (m *modbusClient) bumpBackoff(err error) {
	m.connOK = false
	m.lastConnErr = err
	if m.backoff == 0 {
		m.backoff = m.backoffMin
	} else {
		m.backoff *= 2
		if m.backoff > m.backoffMax {
			m.backoff = m.backoffMax
		}
	}
}
