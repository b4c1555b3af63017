package serialhdl

import (
	"math"
	"testing"
)

func TestClockSyncTracksRealFrequency(t *testing.T) {
	// The MCU crystal runs 0.025% fast; the regression must converge on
	// the real rate
	const nominal = 16000000.
	const actual = 16004000.
	cs := NewClockSync(nominal, nil)
	cs.Initialize(0, 0.)
	for i := 1; i <= 120; i++ {
		sent := float64(i)
		clock := uint64(sent * actual)
		cs.Handle_clock(uint32(clock), sent, sent+.002)
	}
	slope := float64(cs.Get_clock(101.) - cs.Get_clock(100.))
	if math.Abs(slope-actual)/actual > .001 {
		t.Fatalf("estimated frequency %v, want near %v", slope, actual)
	}
	if !cs.Is_active() {
		t.Fatalf("clock sync must be active while responses arrive")
	}
}

func TestClockSyncIgnoresOutliers(t *testing.T) {
	const freq = 16000000.
	cs := NewClockSync(freq, nil)
	cs.Initialize(0, 0.)
	for i := 1; i <= 60; i++ {
		sent := float64(i)
		cs.Handle_clock(uint32(uint64(sent*freq)), sent, sent+.001)
	}
	before := cs.Get_clock(61.)
	// One wildly delayed sample must not yank the estimate forward
	cs.Handle_clock(uint32(uint64(61.5*freq)), 61., 61.5)
	after := cs.Get_clock(61.)
	if math.Abs(float64(after)-float64(before)) > .01*freq {
		t.Fatalf("outlier moved the estimate by %v ticks", float64(after)-float64(before))
	}
}

func TestClock32To64Rollover(t *testing.T) {
	cs := NewClockSync(16000000., nil)
	cs.last_clock = 0xfffffff0
	if got := cs.Clock32_to_clock64(0x10); got != 0x100000010 {
		t.Fatalf("rollover extension gave %x", got)
	}
	// Readings slightly behind the last clock stay in the same epoch
	cs.last_clock = 0x100000010
	if got := cs.Clock32_to_clock64(0xfffffff0); got != 0xfffffff0 {
		t.Fatalf("backward extension gave %x", got)
	}
}

func TestPrintTimeConversion(t *testing.T) {
	cs := NewClockSync(16000000., nil)
	if got := cs.Print_time_to_clock(1.5); got != 24000000 {
		t.Fatalf("print time conversion gave %d", got)
	}
	if got := cs.Clock_to_print_time(24000000); math.Abs(got-1.5) > 1e-12 {
		t.Fatalf("clock conversion gave %v", got)
	}
}

func TestQueriesPendingGateActivity(t *testing.T) {
	cs := NewClockSync(16000000., nil)
	for i := 0; i < 5; i++ {
		cs.Note_query_sent()
	}
	if cs.Is_active() {
		t.Fatalf("five unanswered queries must mark the sync inactive")
	}
	cs.Handle_clock(1000, 1., 1.001)
	if !cs.Is_active() {
		t.Fatalf("a response must reactivate the sync")
	}
}
