package clock

import (
	"sync"
	"time"
)

// Calendar is the decomposed view an RTC exposes.
type Calendar struct {
	Year   int
	Month  int
	Day    int
	Hour   int
	Minute int
	Second int
}

// Clock is the device-local time source. The epoch is seconds since
// 1 Jan 1970 UTC and is settable, because the only trustworthy references
// are the network time answer and the controller's init downlink.
type Clock interface {
	Epoch() uint32
	SetEpoch(epoch uint32)
	Calendar() Calendar
}

// System stands in for a battery-backed RTC: it keeps an adjustable offset
// over the host clock so SetEpoch survives without touching the host time.
type System struct {
	mu     sync.Mutex
	offset int64 // device epoch minus host epoch
}

func NewSystem() *System {
	return &System{}
}

func (c *System) Epoch() uint32 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return uint32(time.Now().Unix() + c.offset)
}

func (c *System) SetEpoch(epoch uint32) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.offset = int64(epoch) - time.Now().Unix()
}

func (c *System) Calendar() Calendar {
	return calendarAt(c.Epoch())
}

// Manual is a hand-stepped clock for tests and bench rigs.
type Manual struct {
	epoch uint32
}

func NewManual(epoch uint32) *Manual {
	return &Manual{epoch: epoch}
}

func (c *Manual) Epoch() uint32         { return c.epoch }
func (c *Manual) SetEpoch(epoch uint32) { c.epoch = epoch }

// Advance steps the clock forward by whole seconds.
func (c *Manual) Advance(seconds uint32) { c.epoch += seconds }

func (c *Manual) Calendar() Calendar {
	return calendarAt(c.epoch)
}

func calendarAt(epoch uint32) Calendar {
	t := time.Unix(int64(epoch), 0).UTC()
	return Calendar{
		Year:   t.Year(),
		Month:  int(t.Month()),
		Day:    t.Day(),
		Hour:   t.Hour(),
		Minute: t.Minute(),
		Second: t.Second(),
	}
}
