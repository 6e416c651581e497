package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/hangarf9/relaywan/internal/clock"
	"github.com/hangarf9/relaywan/internal/config"
	"github.com/hangarf9/relaywan/internal/engine"
	"github.com/hangarf9/relaywan/internal/logging"
	"github.com/hangarf9/relaywan/internal/radio"
	"github.com/hangarf9/relaywan/internal/relay"
	"github.com/hangarf9/relaywan/internal/relaywan"
)

func getenv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func main() {

	path := getenv("NODE_CONFIG_PATH", "/etc/relaywan/node-config.json")

	logging.Init()
	cfg, err := config.LoadNodeConfig(path)
	if err != nil {
		logging.Fatal("Node config error", "error", err)
	}
	if v := os.Getenv("MQTT_URL"); v != "" {
		cfg.BrokerURL = v
	}

	logging.Info("Loaded config",
		"node", cfg.NodeName,
		"txIntervalSec", cfg.TxIntervalSec,
		"tzOffsetHours", cfg.TZOffsetHours,
		"relayBus", cfg.RelayBus != nil,
	)

	// Graceful shutdown context
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	transport := radio.NewMQTTTransport(radio.MQTTConfig{
		BrokerURL:        cfg.BrokerURL,
		ClientName:       cfg.NodeName,
		TopicPrefix:      cfg.TopicPrefix,
		ConnectTimeout:   10 * time.Second,
		PublishTimeout:   5 * time.Second,
		SubscribeTimeout: 5 * time.Second,
	})
	// A failed first connect is not fatal: the client keeps reconnecting and
	// the engine keeps evaluating its last schedule in the meantime.
	if err := transport.Connect(ctx); err != nil {
		logging.Warn("link connect", "error", err)
	}
	defer transport.Close(ctx)

	var driver relaywan.OutputDriver
	if cfg.RelayBus != nil {
		coil, err := relay.NewCoilDriver(cfg.RelayBus)
		if err != nil {
			logging.Fatal("relay driver init", "error", err)
		}
		defer coil.Close()
		driver = coil
	} else {
		driver = relay.NewLogDriver()
	}

	eng := engine.New(engine.Config{
		TickInterval:  cfg.TxInterval(),
		TZOffsetHours: cfg.TZOffsetHours,
	}, clock.NewSystem(), transport, driver)
	go eng.Run(ctx)

	// Wait for SIGINT/SIGTERM
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	s := <-sigCh
	logging.Info("Shutting down", "signal", s)

	// Give the engine a moment to exit cleanly (it honors ctx)
	cancel()
	time.Sleep(200 * time.Millisecond)
	logging.Info("bye")
}
