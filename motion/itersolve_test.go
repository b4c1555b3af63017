package motion

import (
	"errors"
	"math"
	"testing"
)

func newCartesianStepper(t *testing.T, axis byte, step_dist float64) (*StepperKinematics, *StepCompress, *TrapQ) {
	t.Helper()
	kin, err := NewCartesianKinematics(axis)
	if err != nil {
		t.Fatalf("unexpected kinematics error: %v", err)
	}
	sk := NewStepperKinematics("stepper_"+string(axis), step_dist, kin)
	sc := newTestCompress(400, false)
	tq := NewTrapq()
	sk.Set_stepcompress(sc)
	sk.Set_trapq(tq)
	return sk, sc, tq
}

func appendCruise(tq *TrapQ, print_time, cruise_v, move_t float64, axes_r Coord) {
	tq.Append(print_time, Coord{}, axes_r, &TrapAccelDecel{
		Cruise_t:    move_t,
		Start_v:     cruise_v,
		Cruise_v:    cruise_v,
		Accel_order: 2,
	})
}

func TestCruiseStepGeneration(t *testing.T) {
	// 100mm/s for 1s at 0.0025mm per step: exactly 40000 steps 25us apart
	sk, sc, tq := newCartesianStepper(t, 'x', .0025)
	appendCruise(tq, 0., 100., 1., Coord{X: 1.})
	if err := sk.Set_position(Coord{}); err != nil {
		t.Fatalf("unexpected set_position error: %v", err)
	}
	if err := sk.Generate_steps(1.); err != nil {
		t.Fatalf("unexpected generate_steps error: %v", err)
	}
	clocks := decodeSteps(t, sc.Flush(math.MaxUint64), 0)
	if len(clocks) != 40000 {
		t.Fatalf("expected 40000 steps, got %d", len(clocks))
	}
	for i, c := range clocks {
		// Steps fire at the half-step boundary: 12.5us + i*25us
		want := uint64(200 + i*400)
		diff := int64(c) - int64(want)
		if diff < -400 || diff > 400 {
			t.Fatalf("step %d at clock %d, want near %d", i, c, want)
		}
	}
	if !nearlyEqual(sk.Get_commanded_pos(), 100., .0025+1e-9) {
		t.Fatalf("commanded position %v after 100mm move", sk.Get_commanded_pos())
	}
}

func TestGenerateStepsIdempotent(t *testing.T) {
	sk, sc, tq := newCartesianStepper(t, 'x', .0025)
	appendCruise(tq, 0., 100., 1., Coord{X: 1.})
	if err := sk.Set_position(Coord{}); err != nil {
		t.Fatalf("unexpected set_position error: %v", err)
	}
	if err := sk.Generate_steps(.5); err != nil {
		t.Fatalf("unexpected generate_steps error: %v", err)
	}
	first := len(decodeSteps(t, sc.Flush(math.MaxUint64), 0))
	if first == 0 {
		t.Fatalf("expected steps from the first flush")
	}
	// Same flush time again: nothing new may be generated
	if err := sk.Generate_steps(.5); err != nil {
		t.Fatalf("unexpected generate_steps error: %v", err)
	}
	if extra := len(sc.Flush(math.MaxUint64)); extra != 0 {
		t.Fatalf("repeated generate_steps emitted %d extra messages", extra)
	}
}

func TestCheckActive(t *testing.T) {
	sk, _, tq := newCartesianStepper(t, 'y', .0025)
	if sk.Check_active(10.) != TimeNever {
		t.Fatalf("idle stepper must report the inactive sentinel")
	}
	// A pure X move does not involve the Y stepper
	appendCruise(tq, 2., 50., 1., Coord{X: 1.})
	if sk.Check_active(10.) != TimeNever {
		t.Fatalf("x-only motion must not activate the y stepper")
	}
	appendCruise(tq, 3., 50., 1., Coord{Y: 1.})
	if got := sk.Check_active(10.); !nearlyEqual(got, 3., 1e-12) {
		t.Fatalf("expected activity at 3.0, got %v", got)
	}
}

func TestDeltaOutOfRange(t *testing.T) {
	kin := NewDeltaKinematics(100., 50., 0.) // arm 10mm, tower at x=50
	sk := NewStepperKinematics("stepper_a", .0025, kin)
	sc := newTestCompress(400, false)
	tq := NewTrapq()
	sk.Set_stepcompress(sc)
	sk.Set_trapq(tq)

	// The origin is outside the tower's reach
	var kre *KinematicRangeError
	if err := sk.Set_position(Coord{}); !errors.As(err, &kre) {
		t.Fatalf("expected KinematicRangeError, got %v", err)
	}
	if sk.Get_commanded_pos() != 0. {
		t.Fatalf("commanded position must be unchanged on error")
	}

	// Start in range at (45,0,0), then move through the edge of the envelope
	if err := sk.Set_position(Coord{X: 45.}); err != nil {
		t.Fatalf("unexpected set_position error: %v", err)
	}
	tq.Append(0., Coord{X: 45.}, Coord{X: -1.}, &TrapAccelDecel{
		Cruise_t: 1., Start_v: 20., Cruise_v: 20., Accel_order: 2,
	})
	err := sk.Generate_steps(1.)
	if !errors.As(err, &kre) {
		t.Fatalf("expected KinematicRangeError from generate_steps, got %v", err)
	}
}

func TestSetPositionRoundsToStepLattice(t *testing.T) {
	sk, sc, _ := newCartesianStepper(t, 'x', .01)
	if err := sk.Set_position(Coord{X: 1.234}); err != nil {
		t.Fatalf("unexpected set_position error: %v", err)
	}
	if !nearlyEqual(sk.Get_commanded_pos(), 1.234, 1e-12) {
		t.Fatalf("commanded position %v", sk.Get_commanded_pos())
	}
	if got := sc.last_position; got != 123 {
		t.Fatalf("expected step index 123, got %d", got)
	}
}
