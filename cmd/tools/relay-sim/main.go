package main

// cSpell:ignore mbserver Modbus
import (
	"log"
	"os"
	"time"

	"github.com/goburrow/serial"
	tcpsim "github.com/tbrandon/mbserver"
	rtusim "github.com/womat/mbserver"

	"github.com/hangarf9/relaywan/internal/config"
)

// relay-sim stands in for the relay board: a modbus slave with the coils the
// node's driver writes. Reads the same node config as the agent so the bus
// settings always match.
func main() {
	configPath := os.Getenv("NODE_CONFIG_PATH")
	if configPath == "" {
		log.Fatal("NODE_CONFIG_PATH not set")
	}
	nodeConfig, err := config.LoadNodeConfig(configPath)
	if err != nil {
		log.Fatalf("node config error: %v", err)
	}
	bus := nodeConfig.RelayBus
	if bus == nil {
		log.Fatal("node config has no relayBus section")
	}

	switch bus.Type {
	case "tcp":
		runTCPSimulator(bus)
	case "rtu":
		runRTUSimulator(bus)
	default:
		log.Fatalf("unsupported bus type: %s", bus.Type)
	}
}

func runTCPSimulator(bus *config.BusConfig) {
	srv := tcpsim.NewServer()
	// Both relay channels start open
	srv.Coils[bus.CoilAddrs[0]] = 0
	srv.Coils[bus.CoilAddrs[1]] = 0

	if err := srv.ListenTCP(bus.TCPAddr); err != nil {
		log.Fatalf("ListenTCP: %v", err)
	}
	defer srv.Close()
	log.Printf("relay board sim (TCP) listening on %s, coils %v", bus.TCPAddr, bus.CoilAddrs)
	// Wait forever
	for {
		time.Sleep(1 * time.Second)
	}
}

func runRTUSimulator(bus *config.BusConfig) {
	s := rtusim.NewServer()
	id := bus.UnitId
	if id != 1 {
		if err := s.NewDevice(id); err != nil {
			log.Fatalf("NewDevice(%d): %v", id, err)
		}
	}
	s.Devices[id].Coils[bus.CoilAddrs[0]] = 0
	s.Devices[id].Coils[bus.CoilAddrs[1]] = 0

	port, err := serial.Open(&serial.Config{
		Address:  bus.Port,
		BaudRate: bus.Baud,
		DataBits: bus.DataBits,
		StopBits: bus.StopBits,
		Parity:   bus.Parity,
		Timeout:  2 * time.Second,
	})
	if err != nil {
		log.Fatalf("serial open %s: %v", bus.Port, err)
	}
	defer port.Close()

	if err := s.ListenRTU(port); err != nil {
		log.Fatalf("listenRTU: %v", err)
	}
	log.Printf("relay board sim (RTU) ready on %s, unit %d, coils %v", bus.Port, id, bus.CoilAddrs)
	for {
		time.Sleep(1 * time.Second)
	}
}
