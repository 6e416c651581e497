package schedule

import (
	"errors"
	"fmt"
)

// Capacity is the fixed maximum number of weekly rules the device holds.
// A downlink carrying more entries is a protocol violation and is rejected.
const Capacity = 25

var ErrTooManyEntries = errors.New("schedule: entry count exceeds capacity")

// Entry is one weekly rule: from Hour:Minute on Weekday, the schedule-driven
// output should be On. Weekday 0 is Sunday.
type Entry struct {
	Weekday int
	Hour    int
	Minute  int
	On      bool
}

func (e Entry) Validate() error {
	if e.Weekday < 0 || e.Weekday > 6 {
		return fmt.Errorf("weekday %d out of range 0..6", e.Weekday)
	}
	if e.Hour < 0 || e.Hour > 23 {
		return fmt.Errorf("hour %d out of range 0..23", e.Hour)
	}
	if e.Minute < 0 || e.Minute > 59 {
		return fmt.Errorf("minute %d out of range 0..59", e.Minute)
	}
	return nil
}

// Table is the ordered weekly rule set. Insertion order is evaluation order;
// the table is only ever replaced whole, never merged.
type Table struct {
	entries []Entry
}

// Replace swaps in a new rule set atomically. On error the previous
// entries are untouched.
func (t *Table) Replace(entries []Entry) error {
	if len(entries) > Capacity {
		return ErrTooManyEntries
	}
	for i, e := range entries {
		if err := e.Validate(); err != nil {
			return fmt.Errorf("entry %d: %w", i, err)
		}
	}
	t.entries = append([]Entry(nil), entries...)
	return nil
}

func (t *Table) Len() int {
	return len(t.entries)
}

// Entries returns a copy of the rule set in evaluation order.
func (t *Table) Entries() []Entry {
	return append([]Entry(nil), t.entries...)
}

// Evaluate folds the rule table into the desired output level at the given
// time. Among entries matching the current weekday and hour whose minute
// threshold has passed, the last one in table order wins; once a threshold
// passes it stays authoritative for the rest of that hour. With no match the
// previous level carries over.
func (t *Table) Evaluate(epoch uint32, tzOffsetHours int, prev bool) bool {
	wd := Weekday(epoch, tzOffsetHours)
	hour, minute := HourMinute(epoch, tzOffsetHours)

	state := prev
	for _, e := range t.entries {
		if e.Weekday == wd && e.Hour == hour && e.Minute <= minute {
			state = e.On
		}
	}
	return state
}

// Weekday returns the day of week (0 = Sunday) for a Unix epoch shifted by a
// whole-hour timezone offset. 1 Jan 1970 was a Thursday, which anchors the
// modulo-7 walk. Fractional-hour timezones are not supported.
func Weekday(epoch uint32, tzOffsetHours int) int {
	local := int64(epoch) + int64(tzOffsetHours)*3600
	days := local / 86400
	if local < 0 && local%86400 != 0 {
		days--
	}
	return int(((days+4)%7 + 7) % 7)
}

// HourMinute returns the local hour and minute for the shifted epoch.
func HourMinute(epoch uint32, tzOffsetHours int) (hour, minute int) {
	local := int64(epoch) + int64(tzOffsetHours)*3600
	local = ((local % 86400) + 86400) % 86400
	return int(local / 3600), int(local / 60 % 60)
}
