package engine

import (
	"context"
	"testing"
	"time"

	"github.com/fxamacker/cbor/v2"

	"github.com/hangarf9/relaywan/internal/clock"
	"github.com/hangarf9/relaywan/internal/radio"
	"github.com/hangarf9/relaywan/internal/relaywan"
	"github.com/hangarf9/relaywan/internal/schedule"
	"github.com/hangarf9/relaywan/internal/wire"
)

type fakeTransport struct {
	events       chan radio.Event
	sent         [][]byte
	busy         bool
	timeRequests int
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{events: make(chan radio.Event, 8)}
}

func (f *fakeTransport) Send(payload []byte) error {
	if f.busy {
		return radio.ErrBusy
	}
	f.sent = append(f.sent, payload)
	return nil
}

func (f *fakeTransport) Events() <-chan radio.Event { return f.events }
func (f *fakeTransport) RequestNetworkTime()        { f.timeRequests++ }
func (f *fakeTransport) Close(context.Context) error { return nil }

type fakeDriver struct {
	applies []relaywan.OutputState
}

func (f *fakeDriver) Apply(_ context.Context, outputs relaywan.OutputState) error {
	f.applies = append(f.applies, outputs)
	return nil
}

// Mon 5 Jan 1970.
func mondayAt(hour, minute int) uint32 {
	return uint32(4*86400 + hour*3600 + minute*60)
}

func newTestEngine(epoch uint32) (*Engine, *fakeTransport, *fakeDriver, *clock.Manual) {
	clk := clock.NewManual(epoch)
	tr := newFakeTransport()
	drv := &fakeDriver{}
	e := New(Config{TickInterval: time.Minute}, clk, tr, drv)
	return e, tr, drv, clk
}

func lastUplink(t *testing.T, tr *fakeTransport) *wire.Uplink {
	t.Helper()
	if len(tr.sent) == 0 {
		t.Fatal("expected at least one transmitted uplink")
	}
	ul, err := wire.DecodeUplink(tr.sent[len(tr.sent)-1])
	if err != nil {
		t.Fatalf("decode sent uplink: %v", err)
	}
	return ul
}

func mustInitPayload(t *testing.T, curTime uint32, entries []schedule.Entry) []byte {
	t.Helper()
	payload, err := wire.EncodeInit(curTime, entries)
	if err != nil {
		t.Fatalf("EncodeInit: %v", err)
	}
	return payload
}

func TestTick_StartUntilFirstInit(t *testing.T) {
	// Minute 45 is a status minute; before init the start command must still win.
	e, tr, _, _ := newTestEngine(mondayAt(8, 45))
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		e.tick(ctx)
		e.handleEvent(ctx, radio.Event{Type: radio.TxComplete, Ack: true})
	}

	if len(tr.sent) != 3 {
		t.Fatalf("sent %d uplinks, want 3", len(tr.sent))
	}
	for i, payload := range tr.sent {
		ul, err := wire.DecodeUplink(payload)
		if err != nil {
			t.Fatalf("uplink %d: %v", i, err)
		}
		if ul.Cmd != wire.CmdStart {
			t.Errorf("uplink %d cmd = %q, want start", i, ul.Cmd)
		}
		if ul.MyTime != mondayAt(8, 45) {
			t.Errorf("uplink %d my-time = %d", i, ul.MyTime)
		}
	}
}

func TestTick_StatusOnlyOnFiveMinuteMarks(t *testing.T) {
	e, tr, _, clk := newTestEngine(mondayAt(8, 45))
	ctx := context.Background()

	e.handleDownlink(ctx, mustInitPayload(t, mondayAt(8, 45), nil))
	if !e.startupComplete {
		t.Fatal("startupComplete should be true after init")
	}

	e.tick(ctx)
	ul := lastUplink(t, tr)
	if ul.Cmd != wire.CmdStatus {
		t.Fatalf("minute 45: cmd = %q, want status", ul.Cmd)
	}
	if len(ul.State) != relaywan.NumOutputs {
		t.Errorf("status state has %d outputs, want %d", len(ul.State), relaywan.NumOutputs)
	}
	e.handleEvent(ctx, radio.Event{Type: radio.TxComplete, Ack: true})

	// Minute 47: not a report minute, the pending slot stays empty.
	clk.SetEpoch(mondayAt(8, 47))
	before := len(tr.sent)
	e.tick(ctx)
	if len(tr.sent) != before {
		t.Errorf("minute 47 transmitted an uplink")
	}
	if e.pending != nil {
		t.Errorf("minute 47 left a pending command: %+v", e.pending)
	}
}

func TestTick_InFlightBlocksSend(t *testing.T) {
	e, tr, _, _ := newTestEngine(mondayAt(8, 7))
	ctx := context.Background()

	e.tick(ctx)
	if len(tr.sent) != 1 {
		t.Fatalf("sent %d, want 1", len(tr.sent))
	}
	if !e.txInFlight {
		t.Fatal("txInFlight should be set after hand-off")
	}
	if e.pending != nil {
		t.Fatal("pending should be cleared after hand-off")
	}

	// No completion event yet: the next tick rebuilds pending but must not send.
	e.tick(ctx)
	if len(tr.sent) != 1 {
		t.Errorf("sent %d while in flight, want still 1", len(tr.sent))
	}
	if e.pending == nil {
		t.Error("pending should be rebuilt and kept while in flight")
	}

	// Completion (even a NACK) releases the slot for the next tick.
	e.handleEvent(ctx, radio.Event{Type: radio.TxComplete, Ack: false})
	if e.txInFlight {
		t.Error("txInFlight should clear on completion regardless of ack")
	}
	e.tick(ctx)
	if len(tr.sent) != 2 {
		t.Errorf("sent %d after completion, want 2", len(tr.sent))
	}
}

func TestTick_BusyTransportSkipsSend(t *testing.T) {
	e, tr, _, _ := newTestEngine(mondayAt(8, 7))
	ctx := context.Background()

	tr.busy = true
	e.tick(ctx)
	if len(tr.sent) != 0 {
		t.Fatalf("sent %d on busy link, want 0", len(tr.sent))
	}
	if e.txInFlight {
		t.Error("busy send must not set txInFlight")
	}

	tr.busy = false
	e.tick(ctx)
	if len(tr.sent) != 1 {
		t.Errorf("sent %d after link freed, want 1", len(tr.sent))
	}
}

func TestInit_InstallsScheduleAndEvaluates(t *testing.T) {
	// 08:45 Monday; the uploaded schedule turns output 0 on from 08:30.
	e, _, drv, clk := newTestEngine(mondayAt(8, 45))
	ctx := context.Background()

	entries := []schedule.Entry{
		{Weekday: 1, Hour: 8, Minute: 30, On: true},
		{Weekday: 1, Hour: 22, Minute: 0, On: false},
	}
	e.handleDownlink(ctx, mustInitPayload(t, 777, entries))

	if !e.startupComplete {
		t.Error("startupComplete not set")
	}
	if clk.Epoch() != 777 {
		t.Errorf("clock epoch = %d, want 777 from cur-time", clk.Epoch())
	}
	if e.table.Len() != 2 {
		t.Errorf("table has %d entries, want 2", e.table.Len())
	}
	// Init re-evaluates immediately; the clock now says 777, so rerun at the
	// original time to check the rule itself.
	clk.SetEpoch(mondayAt(8, 45))
	e.evaluateAndApply(ctx)
	if !e.outputs[0] {
		t.Error("output 0 should be on at 08:45")
	}
	if len(drv.applies) == 0 {
		t.Fatal("driver never applied")
	}
	last := drv.applies[len(drv.applies)-1]
	if !last[0] || last[1] {
		t.Errorf("applied %v, want [true false]", last)
	}
}

func TestInit_SecondUploadReplacesWholeTable(t *testing.T) {
	e, _, _, _ := newTestEngine(mondayAt(8, 0))
	ctx := context.Background()

	e.handleDownlink(ctx, mustInitPayload(t, 1, []schedule.Entry{
		{Weekday: 1, Hour: 8, Minute: 0, On: true},
		{Weekday: 2, Hour: 8, Minute: 0, On: true},
	}))
	e.handleDownlink(ctx, mustInitPayload(t, 2, []schedule.Entry{
		{Weekday: 3, Hour: 9, Minute: 15, On: false},
	}))

	got := e.table.Entries()
	if len(got) != 1 {
		t.Fatalf("table has %d entries after second init, want 1", len(got))
	}
	if got[0] != (schedule.Entry{Weekday: 3, Hour: 9, Minute: 15, On: false}) {
		t.Errorf("entry = %+v", got[0])
	}
}

func TestDownlink_OversizeRejectedWithoutSideEffects(t *testing.T) {
	e, _, drv, clk := newTestEngine(mondayAt(8, 0))
	ctx := context.Background()

	overfull := make([]any, schedule.Capacity+1)
	for i := range overfull {
		overfull[i] = map[string]any{"st": true, "dow": 1, "tm": "0800"}
	}
	payload, err := cbor.Marshal(map[string]any{
		"cmd": "init", "cur-time": uint32(555), "cmd-data": overfull,
	})
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}

	e.handleDownlink(ctx, payload)

	if e.startupComplete {
		t.Error("oversize init must not complete startup")
	}
	if clk.Epoch() == 555 {
		t.Error("oversize init must not touch the clock")
	}
	if e.table.Len() != 0 {
		t.Error("oversize init must not touch the table")
	}
	if len(drv.applies) != 0 {
		t.Error("oversize init must not drive outputs")
	}
}

func TestDownlink_MalformedAndUnknownIgnored(t *testing.T) {
	e, _, _, clk := newTestEngine(mondayAt(8, 0))
	ctx := context.Background()

	e.handleDownlink(ctx, []byte{0xde, 0xad, 0xbe, 0xef})

	unknown, err := cbor.Marshal(map[string]any{"cmd": "reboot", "cur-time": uint32(9)})
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	e.handleDownlink(ctx, unknown)

	if e.startupComplete || e.table.Len() != 0 {
		t.Error("bad downlinks mutated engine state")
	}
	if clk.Epoch() == 9 {
		t.Error("unknown command must not set the clock")
	}
}

func TestEvent_TxCompleteRoutesPiggybackedDownlink(t *testing.T) {
	e, _, _, _ := newTestEngine(mondayAt(8, 7))
	ctx := context.Background()

	e.tick(ctx) // sends start, sets txInFlight

	payload := mustInitPayload(t, 888, []schedule.Entry{{Weekday: 1, Hour: 8, Minute: 0, On: true}})
	e.handleEvent(ctx, radio.Event{Type: radio.TxComplete, Ack: true, Payload: payload})

	if e.txInFlight {
		t.Error("txInFlight not cleared")
	}
	if !e.startupComplete {
		t.Error("piggybacked init not applied")
	}
}

func TestEvent_JoinedRequestsNetworkTime(t *testing.T) {
	e, tr, _, _ := newTestEngine(0)
	e.handleEvent(context.Background(), radio.Event{Type: radio.Joined})
	if tr.timeRequests != 1 {
		t.Errorf("timeRequests = %d, want 1", tr.timeRequests)
	}
}

func TestEvent_TimeSyncSetsClock(t *testing.T) {
	e, _, _, clk := newTestEngine(0)
	e.handleEvent(context.Background(), radio.Event{Type: radio.TimeSync, Epoch: 1234})
	if clk.Epoch() != 1234 {
		t.Errorf("epoch = %d, want 1234", clk.Epoch())
	}
	if !e.timeSynced {
		t.Error("timeSynced not set")
	}
}

func TestEvaluate_RepeatTickKeepsState(t *testing.T) {
	e, _, drv, _ := newTestEngine(mondayAt(8, 45))
	ctx := context.Background()

	e.handleDownlink(ctx, mustInitPayload(t, mondayAt(8, 45), []schedule.Entry{
		{Weekday: 1, Hour: 8, Minute: 30, On: true},
	}))
	first := e.outputs

	e.evaluateAndApply(ctx)
	e.evaluateAndApply(ctx)

	if e.outputs != first {
		t.Errorf("outputs changed across idempotent re-evaluation: %v -> %v", first, e.outputs)
	}
	for i, applied := range drv.applies {
		if applied != first {
			t.Errorf("apply %d = %v, want %v every time", i, applied, first)
		}
	}
}
