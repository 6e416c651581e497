// Package wire encodes and decodes the structured documents exchanged with
// the remote controller over the radio link. The link is duty-cycle
// constrained, so documents are compact CBOR maps. Field names are fixed by
// the controller protocol.
package wire

import (
	"errors"
	"fmt"
	"strings"

	"github.com/fxamacker/cbor/v2"

	"github.com/hangarf9/relaywan/internal/relaywan"
	"github.com/hangarf9/relaywan/internal/schedule"
)

// Commands on the link. Matching is case-insensitive on the downlink side.
const (
	CmdInit   = "init"
	CmdStart  = "start"
	CmdStatus = "status"
)

const (
	keyCmd     = "cmd"
	keyCurTime = "cur-time"
	keyCmdData = "cmd-data"
	keyMyTime  = "my-time"
	keyState   = "state"

	keyEntryState   = "st"
	keyEntryWeekday = "dow"
	keyEntryTime    = "tm"
)

var ErrEmptyPayload = errors.New("wire: empty payload")

// Downlink is a decoded controller-to-device document.
type Downlink struct {
	Cmd     string
	CurTime uint32
	Entries []schedule.Entry // populated for init only
}

// IsInit reports whether the downlink carries a schedule upload.
func (d *Downlink) IsInit() bool {
	return strings.EqualFold(d.Cmd, CmdInit)
}

// Uplink is a decoded device-to-controller document.
type Uplink struct {
	Cmd    string
	MyTime uint32
	State  []bool
}

// EncodeStart builds the startup announcement sent until the controller
// answers with an init.
func EncodeStart(myTime uint32) ([]byte, error) {
	return cbor.Marshal(map[string]any{
		keyCmd:    CmdStart,
		keyMyTime: myTime,
	})
}

// EncodeStatus builds the periodic status report.
func EncodeStatus(myTime uint32, outputs relaywan.OutputState) ([]byte, error) {
	state := make([]bool, len(outputs))
	copy(state, outputs[:])
	return cbor.Marshal(map[string]any{
		keyCmd:    CmdStatus,
		keyMyTime: myTime,
		keyState:  state,
	})
}

// EncodeInit builds a schedule upload, as the controller would send it.
// Used by the controller-side tooling and by tests.
func EncodeInit(curTime uint32, entries []schedule.Entry) ([]byte, error) {
	if len(entries) > schedule.Capacity {
		return nil, schedule.ErrTooManyEntries
	}
	docs := make([]map[string]any, 0, len(entries))
	for i, e := range entries {
		if err := e.Validate(); err != nil {
			return nil, fmt.Errorf("wire: entry %d: %w", i, err)
		}
		docs = append(docs, map[string]any{
			keyEntryState:   e.On,
			keyEntryWeekday: e.Weekday,
			keyEntryTime:    FormatTM(e.Hour, e.Minute),
		})
	}
	return cbor.Marshal(map[string]any{
		keyCmd:     CmdInit,
		keyCurTime: curTime,
		keyCmdData: docs,
	})
}

// DecodeDownlink parses a controller document. The whole payload is rejected
// on any shape error; callers apply either all of it or none of it.
func DecodeDownlink(data []byte) (*Downlink, error) {
	if len(data) == 0 {
		return nil, ErrEmptyPayload
	}
	var doc map[string]any
	if err := cbor.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("wire: decode downlink: %w", err)
	}

	cmd, ok := asString(doc[keyCmd])
	if !ok {
		return nil, errors.New("wire: downlink missing cmd")
	}
	dl := &Downlink{Cmd: cmd}
	if !dl.IsInit() {
		// Forward-compatibility: unknown commands decode, the engine ignores them.
		if t, ok := asUint32(doc[keyCurTime]); ok {
			dl.CurTime = t
		}
		return dl, nil
	}

	curTime, ok := asUint32(doc[keyCurTime])
	if !ok {
		return nil, errors.New("wire: init missing cur-time")
	}
	dl.CurTime = curTime

	seq, ok := asSlice(doc[keyCmdData])
	if !ok {
		return nil, errors.New("wire: init missing cmd-data")
	}
	if len(seq) > schedule.Capacity {
		return nil, fmt.Errorf("wire: init carries %d entries: %w", len(seq), schedule.ErrTooManyEntries)
	}

	entries := make([]schedule.Entry, 0, len(seq))
	for i, raw := range seq {
		sub, ok := asStringMap(raw)
		if !ok {
			return nil, fmt.Errorf("wire: cmd-data[%d] is not a document", i)
		}
		entry, err := decodeEntry(sub)
		if err != nil {
			return nil, fmt.Errorf("wire: cmd-data[%d]: %w", i, err)
		}
		entries = append(entries, entry)
	}
	dl.Entries = entries
	return dl, nil
}

// DecodeUplink parses a device document, for the controller-side tooling and
// round-trip tests.
func DecodeUplink(data []byte) (*Uplink, error) {
	if len(data) == 0 {
		return nil, ErrEmptyPayload
	}
	var doc map[string]any
	if err := cbor.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("wire: decode uplink: %w", err)
	}
	cmd, ok := asString(doc[keyCmd])
	if !ok {
		return nil, errors.New("wire: uplink missing cmd")
	}
	myTime, ok := asUint32(doc[keyMyTime])
	if !ok {
		return nil, errors.New("wire: uplink missing my-time")
	}
	ul := &Uplink{Cmd: cmd, MyTime: myTime}
	if raw, present := doc[keyState]; present {
		seq, ok := asSlice(raw)
		if !ok {
			return nil, errors.New("wire: uplink state is not a sequence")
		}
		for i, v := range seq {
			b, ok := v.(bool)
			if !ok {
				return nil, fmt.Errorf("wire: state[%d] is not a bool", i)
			}
			ul.State = append(ul.State, b)
		}
	}
	return ul, nil
}

func decodeEntry(doc map[string]any) (schedule.Entry, error) {
	var e schedule.Entry

	on, ok := doc[keyEntryState].(bool)
	if !ok {
		return e, errors.New("missing st")
	}
	wd, ok := asInt(doc[keyEntryWeekday])
	if !ok {
		return e, errors.New("missing dow")
	}
	tm, ok := asString(doc[keyEntryTime])
	if !ok {
		return e, errors.New("missing tm")
	}
	hour, minute, err := ParseTM(tm)
	if err != nil {
		return e, err
	}

	e = schedule.Entry{Weekday: int(wd), Hour: hour, Minute: minute, On: on}
	if err := e.Validate(); err != nil {
		return schedule.Entry{}, err
	}
	return e, nil
}

// FormatTM renders hour and minute as the 4-digit HHMM wire string.
func FormatTM(hour, minute int) string {
	return fmt.Sprintf("%02d%02d", hour, minute)
}

// ParseTM splits a 4-digit HHMM wire string, e.g. "0630" -> 6, 30.
func ParseTM(s string) (hour, minute int, err error) {
	if len(s) != 4 {
		return 0, 0, fmt.Errorf("tm %q is not 4 characters", s)
	}
	for _, r := range s {
		if r < '0' || r > '9' {
			return 0, 0, fmt.Errorf("tm %q is not numeric", s)
		}
	}
	hour = int(s[0]-'0')*10 + int(s[1]-'0')
	minute = int(s[2]-'0')*10 + int(s[3]-'0')
	return hour, minute, nil
}

/* =========================
   Loose CBOR value helpers
   ========================= */

// CBOR integers surface as uint64 or int64 depending on sign and encoder;
// nested maps decode as map[interface{}]interface{} when the target is any.

func asString(v any) (string, bool) {
	s, ok := v.(string)
	return s, ok
}

func asUint32(v any) (uint32, bool) {
	switch n := v.(type) {
	case uint64:
		if n > 0xFFFFFFFF {
			return 0, false
		}
		return uint32(n), true
	case int64:
		if n < 0 || n > 0xFFFFFFFF {
			return 0, false
		}
		return uint32(n), true
	}
	return 0, false
}

func asInt(v any) (int64, bool) {
	switch n := v.(type) {
	case int64:
		return n, true
	case uint64:
		return int64(n), true
	}
	return 0, false
}

func asSlice(v any) ([]any, bool) {
	s, ok := v.([]any)
	return s, ok
}

func asStringMap(v any) (map[string]any, bool) {
	switch m := v.(type) {
	case map[string]any:
		return m, true
	case map[any]any:
		out := make(map[string]any, len(m))
		for k, val := range m {
			ks, ok := k.(string)
			if !ok {
				return nil, false
			}
			out[ks] = val
		}
		return out, true
	}
	return nil, false
}
