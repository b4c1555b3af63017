package motion

import (
	"math"
	"testing"
)

type recordedCommand struct {
	payload   []uint32
	min_clock uint64
	req_clock uint64
}

type recordingSink struct {
	cmds []recordedCommand
}

func (self *recordingSink) Queue_command(payload []uint32, min_clock, req_clock uint64) {
	self.cmds = append(self.cmds, recordedCommand{payload, min_clock, req_clock})
}

func newSyncedSteppers(t *testing.T) (*StepperSync, *recordingSink, *TrapQ, []*StepperKinematics) {
	t.Helper()
	tq := NewTrapq()
	var sks []*StepperKinematics
	for i, axis := range []byte{'x', 'y'} {
		kin, err := NewCartesianKinematics(axis)
		if err != nil {
			t.Fatalf("unexpected kinematics error: %v", err)
		}
		sk := NewStepperKinematics("stepper_"+string(axis), .0025, kin)
		sc := NewStepCompress(uint32(i))
		sc.Fill(400, false, testQueueStepTag, testSetDirTag)
		sk.Set_stepcompress(sc)
		sk.Set_trapq(tq)
		sks = append(sks, sk)
	}
	sink := &recordingSink{}
	sync := NewStepperSync(sink, sks, []*TrapQ{tq}, 4)
	sync.Set_time(0., testMcuFreq)
	return sync, sink, tq, sks
}

func TestFlushMergesByClock(t *testing.T) {
	sync, sink, tq, sks := newSyncedSteppers(t)
	// Diagonal cruise so both steppers emit interleaved commands
	tq.Append(0., Coord{}, Coord{X: .7071, Y: .7071}, &TrapAccelDecel{
		Cruise_t: 1., Start_v: 50., Cruise_v: 50., Accel_order: 2,
	})
	for _, sk := range sks {
		if err := sk.Set_position(Coord{}); err != nil {
			t.Fatalf("unexpected set_position error: %v", err)
		}
	}
	if err := sync.Flush(1., math.MaxUint64); err != nil {
		t.Fatalf("unexpected flush error: %v", err)
	}
	if len(sink.cmds) == 0 {
		t.Fatalf("expected commands from flush")
	}
	lastReq := uint64(0)
	lastPerOid := map[uint32]uint64{}
	for i, cmd := range sink.cmds {
		if cmd.req_clock < lastReq {
			t.Fatalf("command %d req_clock %d out of order (prev %d)",
				i, cmd.req_clock, lastReq)
		}
		lastReq = cmd.req_clock
		oid := cmd.payload[1]
		if cmd.req_clock < lastPerOid[oid] {
			t.Fatalf("command %d reorders stepper %d", i, oid)
		}
		lastPerOid[oid] = cmd.req_clock
	}
}

func TestFlushPacesAgainstMoveQueue(t *testing.T) {
	sync, sink, tq, sks := newSyncedSteppers(t)
	tq.Append(0., Coord{}, Coord{X: 1.}, &TrapAccelDecel{
		Cruise_t: 1., Start_v: 100., Cruise_v: 100., Accel_order: 2,
	})
	if err := sks[0].Set_position(Coord{}); err != nil {
		t.Fatalf("unexpected set_position error: %v", err)
	}
	if err := sync.Flush(1., math.MaxUint64); err != nil {
		t.Fatalf("unexpected flush error: %v", err)
	}
	// With a 4 entry move queue the fifth command may not be sent until
	// the first is retired
	if len(sink.cmds) > 4 {
		for i := 4; i < len(sink.cmds); i++ {
			if sink.cmds[i].min_clock < sink.cmds[i-4].req_clock {
				t.Fatalf("command %d min_clock %d ignores move queue depth",
					i, sink.cmds[i].min_clock)
			}
		}
	}
}

func TestFlushPrunesSharedTrajectory(t *testing.T) {
	sync, _, tq, sks := newSyncedSteppers(t)
	tq.Append(0., Coord{}, Coord{X: 1.}, &TrapAccelDecel{
		Cruise_t: .5, Start_v: 50., Cruise_v: 50., Accel_order: 2,
	})
	tq.Append(.5, Coord{X: 25.}, Coord{Y: 1.}, &TrapAccelDecel{
		Cruise_t: .5, Start_v: 50., Cruise_v: 50., Accel_order: 2,
	})
	for _, sk := range sks {
		if err := sk.Set_position(Coord{}); err != nil {
			t.Fatalf("unexpected set_position error: %v", err)
		}
	}
	// Flushing half way keeps the move still being generated
	if err := sync.Flush(.75, math.MaxUint64); err != nil {
		t.Fatalf("unexpected flush error: %v", err)
	}
	for _, m := range tq.moves {
		if m.Print_time+m.Move_t < .75 {
			t.Fatalf("flush pruned a segment ending %v before its flush time",
				m.Print_time+m.Move_t)
		}
	}
	if len(tq.moves) == 0 {
		t.Fatalf("live segment must survive the flush")
	}
}
