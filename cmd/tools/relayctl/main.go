package main

import (
	"encoding/binary"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/hangarf9/relaywan/internal/schedule"
	"github.com/hangarf9/relaywan/internal/wire"
)

func usage() {
	fmt.Fprintf(os.Stderr, `Usage:
  relayctl push --prefix PREFIX --schedule FILE
  relayctl watch --prefix PREFIX [--serve-time]

'push' uploads a weekly schedule to the node as an init downlink.
The schedule file is a JSON array of entries:
  [ { "st": true, "dow": 1, "tm": "0630" }, ... ]   (up to %d entries)

'watch' prints the node's uplinks; with --serve-time it also answers
network time requests with the local clock.

Common flags:
  --prefix   (string)   Node topic prefix, e.g. relaywan/node1 (required)
  --broker   (string)   MQTT broker address (default: tcp://localhost:1883)

`, schedule.Capacity)
	flag.PrintDefaults()
}

func main() {
	if len(os.Args) < 2 {
		fmt.Fprintf(os.Stderr, "Missing command (push or watch)\n")
		usage()
		os.Exit(2)
	}

	switch os.Args[1] {
	case "push":
		runPush(os.Args[2:])
	case "watch":
		runWatch(os.Args[2:])
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", os.Args[1])
		usage()
		os.Exit(2)
	}
}

func connect(broker string) mqtt.Client {
	opts := mqtt.NewClientOptions().AddBroker(broker)
	opts.SetClientID(fmt.Sprintf("relayctl-%d", os.Getpid()))
	c := mqtt.NewClient(opts)
	if tok := c.Connect(); tok.Wait() && tok.Error() != nil {
		fmt.Fprintf(os.Stderr, "mqtt connect: %v\n", tok.Error())
		os.Exit(1)
	}
	return c
}

// scheduleEntryDoc mirrors the wire sub-document so schedule files read the
// same as the protocol.
type scheduleEntryDoc struct {
	St  bool   `json:"st"`
	Dow int    `json:"dow"`
	Tm  string `json:"tm"`
}

func runPush(args []string) {
	pushFlags := flag.NewFlagSet("push", flag.ExitOnError)
	prefix := pushFlags.String("prefix", "", "Node topic prefix (required)")
	schedFile := pushFlags.String("schedule", "", "Schedule JSON file (required)")
	broker := pushFlags.String("broker", "tcp://localhost:1883", "MQTT broker address")
	pushFlags.Usage = usage
	if err := pushFlags.Parse(args); err != nil {
		os.Exit(2)
	}
	if *prefix == "" || *schedFile == "" {
		fmt.Fprintf(os.Stderr, "--prefix and --schedule are required\n")
		usage()
		os.Exit(2)
	}

	raw, err := os.ReadFile(*schedFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "read schedule: %v\n", err)
		os.Exit(1)
	}
	var docs []scheduleEntryDoc
	if err := json.Unmarshal(raw, &docs); err != nil {
		fmt.Fprintf(os.Stderr, "parse schedule: %v\n", err)
		os.Exit(1)
	}

	entries := make([]schedule.Entry, 0, len(docs))
	for i, d := range docs {
		hour, minute, err := wire.ParseTM(d.Tm)
		if err != nil {
			fmt.Fprintf(os.Stderr, "entry %d: %v\n", i, err)
			os.Exit(1)
		}
		entries = append(entries, schedule.Entry{Weekday: d.Dow, Hour: hour, Minute: minute, On: d.St})
	}

	payload, err := wire.EncodeInit(uint32(time.Now().Unix()), entries)
	if err != nil {
		fmt.Fprintf(os.Stderr, "encode init: %v\n", err)
		os.Exit(1)
	}

	c := connect(*broker)
	defer c.Disconnect(250)

	topic := *prefix + "/down"
	tok := c.Publish(topic, 1, false, payload)
	tok.Wait()
	if tok.Error() != nil {
		fmt.Fprintf(os.Stderr, "publish: %v\n", tok.Error())
		os.Exit(1)
	}
	fmt.Printf("pushed %d entries to %s (%d bytes)\n", len(entries), topic, len(payload))
}

func runWatch(args []string) {
	watchFlags := flag.NewFlagSet("watch", flag.ExitOnError)
	prefix := watchFlags.String("prefix", "", "Node topic prefix (required)")
	broker := watchFlags.String("broker", "tcp://localhost:1883", "MQTT broker address")
	serveTime := watchFlags.Bool("serve-time", false, "Answer network time requests with the local clock")
	watchFlags.Usage = usage
	if err := watchFlags.Parse(args); err != nil {
		os.Exit(2)
	}
	if *prefix == "" {
		fmt.Fprintf(os.Stderr, "--prefix is required\n")
		usage()
		os.Exit(2)
	}

	c := connect(*broker)
	defer c.Disconnect(250)

	upTopic := *prefix + "/up"
	if tok := c.Subscribe(upTopic, 1, func(_ mqtt.Client, msg mqtt.Message) {
		ul, err := wire.DecodeUplink(msg.Payload())
		if err != nil {
			fmt.Printf("%s  %s  undecodable (%d bytes): %v\n", time.Now().Format(time.RFC3339), msg.Topic(), len(msg.Payload()), err)
			return
		}
		line := fmt.Sprintf("%s  cmd=%s my-time=%d", time.Now().Format(time.RFC3339), ul.Cmd, ul.MyTime)
		if ul.State != nil {
			line += fmt.Sprintf(" state=%v", ul.State)
		}
		fmt.Println(line)
	}); tok.Wait() && tok.Error() != nil {
		fmt.Fprintf(os.Stderr, "subscribe %s: %v\n", upTopic, tok.Error())
		os.Exit(1)
	}
	fmt.Printf("watching %s\n", upTopic)

	if *serveTime {
		reqTopic := *prefix + "/time/req"
		rspTopic := *prefix + "/time/rsp"
		if tok := c.Subscribe(reqTopic, 0, func(_ mqtt.Client, _ mqtt.Message) {
			var buf [4]byte
			binary.BigEndian.PutUint32(buf[:], uint32(time.Now().Unix()))
			c.Publish(rspTopic, 0, false, buf[:])
			fmt.Printf("%s  answered time request\n", time.Now().Format(time.RFC3339))
		}); tok.Wait() && tok.Error() != nil {
			fmt.Fprintf(os.Stderr, "subscribe %s: %v\n", reqTopic, tok.Error())
			os.Exit(1)
		}
		fmt.Printf("serving time on %s\n", reqTopic)
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh
}
