// internal/config/config-node.go
package config

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"regexp"
	"slices"
	"strings"
	"time"
)

/* =========================
   Types
   ========================= */

type NodeConfig struct {
	NodeName      string     `json:"nodeName"`
	BrokerURL     string     `json:"brokerUrl"`
	TopicPrefix   string     `json:"topicPrefix"`   // defaults to relaywan/<nodeName>
	TxIntervalSec int        `json:"txIntervalSec"` // periodic job cadence, 30..300
	TZOffsetHours int        `json:"tzOffsetHours"` // whole hours only
	RelayBus      *BusConfig `json:"relayBus"`      // nil = no physical relay board
}

type BusConfig struct {
	Type      string    `json:"type"` // "rtu" | "tcp"
	TCPAddr   string    `json:"tcpAddr"`
	Port      string    `json:"port"`
	Baud      int       `json:"baud"`
	DataBits  int       `json:"dataBits"`
	StopBits  int       `json:"stopBits"`
	Parity    string    `json:"parity"`
	TimeoutMs int       `json:"timeoutMs"`
	UnitId    uint8     `json:"unitId"`
	CoilAddrs [2]uint16 `json:"coilAddrs"` // one coil per switched output
	Debug     bool      `json:"debug"`
}

/* =========================
   Helpers
   ========================= */

func (b BusConfig) Timeout() time.Duration { return time.Duration(b.TimeoutMs) * time.Millisecond }

func (c NodeConfig) TxInterval() time.Duration {
	return time.Duration(c.TxIntervalSec) * time.Second
}

/* =========================
   Strict load + validate
   ========================= */

func LoadNodeConfig(path string) (*NodeConfig, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	return parseNodeConfig(raw)
}

func LoadNodeConfigFromReader(r io.Reader) (*NodeConfig, error) {
	raw, err := io.ReadAll(r)
	if err != nil {
		return nil, err
	}
	return parseNodeConfig(raw)
}

func parseNodeConfig(raw []byte) (*NodeConfig, error) {
	clean := stripJSONComments(raw)

	dec := json.NewDecoder(strings.NewReader(string(clean)))
	dec.DisallowUnknownFields()

	var cfg NodeConfig
	if err := dec.Decode(&cfg); err != nil {
		return nil, fmt.Errorf("invalid JSON: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return &cfg, nil
}

func (c *NodeConfig) Validate() error {
	var errs multiErr

	if strings.TrimSpace(c.NodeName) == "" {
		errs.add("nodeName is required")
	}
	if strings.TrimSpace(c.BrokerURL) == "" {
		errs.add("brokerUrl is required")
	}
	if c.TopicPrefix == "" {
		c.TopicPrefix = "relaywan/" + c.NodeName
	}

	if c.TxIntervalSec == 0 {
		c.TxIntervalSec = 300 // 5 min, the field default
	}
	if c.TxIntervalSec < 30 || c.TxIntervalSec > 300 {
		errs.addf("txIntervalSec must be 30..300, got %d", c.TxIntervalSec)
	}
	if c.TZOffsetHours < -12 || c.TZOffsetHours > 14 {
		errs.addf("tzOffsetHours must be -12..14, got %d", c.TZOffsetHours)
	}

	if b := c.RelayBus; b != nil {
		switch strings.ToLower(b.Type) {
		case "tcp":
			if strings.TrimSpace(b.TCPAddr) == "" {
				errs.add("relayBus: tcpAddr is required for type=tcp")
			}
		case "rtu":
			if strings.TrimSpace(b.Port) == "" {
				errs.add("relayBus: port is required for type=rtu")
			}
			if b.Baud <= 0 {
				errs.add("relayBus: baud must be > 0 for type=rtu")
			}
			if b.DataBits == 0 {
				b.DataBits = 8
			}
			if b.StopBits == 0 {
				b.StopBits = 1
			}
			if b.Parity == "" {
				b.Parity = "N"
			}
			if !slices.Contains([]string{"N", "E", "O"}, strings.ToUpper(b.Parity)) {
				errs.add("relayBus: parity must be one of N,E,O")
			}
		default:
			errs.add("relayBus: type must be 'rtu' or 'tcp'")
		}

		if b.TimeoutMs <= 0 {
			b.TimeoutMs = 150
		}
		if b.UnitId == 0 || b.UnitId > 247 {
			errs.addf("relayBus: unitId must be 1..247, got %d", b.UnitId)
		}
		if b.CoilAddrs[0] == b.CoilAddrs[1] {
			errs.addf("relayBus: coilAddrs must be distinct, got %d twice", b.CoilAddrs[0])
		}
	}

	if len(errs) > 0 {
		return errs
	}
	return nil
}

/* =========================
   Comment stripping + utils
   ========================= */

var (
	lineComments  = regexp.MustCompile(`(?m)//[^\n\r]*`)
	blockComments = regexp.MustCompile(`(?s)/\*.*?\*/`)
)

func stripJSONComments(in []byte) []byte {
	text := string(in)
	text = blockComments.ReplaceAllString(text, "")
	text = lineComments.ReplaceAllString(text, "")
	return []byte(text)
}

// small multi-error
type multiErr []string

func (m *multiErr) add(s string)            { *m = append(*m, s) }
func (m *multiErr) addf(f string, a ...any) { *m = append(*m, fmt.Sprintf(f, a...)) }
func (m multiErr) Error() string            { return "validation errors: " + strings.Join(m, "; ") }
