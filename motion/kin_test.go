package motion

import (
	"math"
	"testing"
)

func TestCorexyTransform(t *testing.T) {
	plus, err := NewCorexyKinematics('+')
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	minus, err := NewCorexyKinematics('-')
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	skp := NewStepperKinematics("stepper_a", .0025, plus)
	skm := NewStepperKinematics("stepper_b", .0025, minus)
	c := Coord{X: 3., Y: 4.}
	if got := plus.Calc_from_coord(skp, c); !nearlyEqual(got, 7., 1e-12) {
		t.Fatalf("plus motor position %v", got)
	}
	if got := minus.Calc_from_coord(skm, c); !nearlyEqual(got, -1., 1e-12) {
		t.Fatalf("minus motor position %v", got)
	}
	if _, err := NewCorexyKinematics('x'); err == nil {
		t.Fatalf("expected error for bad motor type")
	}
}

func TestPolarAngleWrap(t *testing.T) {
	kin, err := NewPolarKinematics('a')
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	sk := NewStepperKinematics("stepper_angle", .001, kin)
	// Park the bed just below +pi
	near := 3.04
	if err := sk.Set_position(Coord{X: math.Cos(near), Y: math.Sin(near)}); err != nil {
		t.Fatalf("unexpected set_position error: %v", err)
	}
	if !nearlyEqual(sk.Get_commanded_pos(), near, 1e-9) {
		t.Fatalf("commanded angle %v", sk.Get_commanded_pos())
	}
	// A point just past -pi must unwrap to stay within pi of the
	// commanded angle instead of jumping a full turn
	got := kin.Calc_from_coord(sk, Coord{X: math.Cos(-near), Y: math.Sin(-near)})
	if !nearlyEqual(got, 2.*math.Pi-near, 1e-9) {
		t.Fatalf("wrapped angle %v, want %v", got, 2.*math.Pi-near)
	}
	if math.Abs(got-sk.Get_commanded_pos()) > math.Pi {
		t.Fatalf("unwrapped angle %v too far from commanded %v", got, near)
	}
}

func TestPolarRadius(t *testing.T) {
	kin, err := NewPolarKinematics('r')
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	sk := NewStepperKinematics("stepper_radius", .001, kin)
	if got := kin.Calc_from_coord(sk, Coord{X: 3., Y: 4.}); !nearlyEqual(got, 5., 1e-12) {
		t.Fatalf("radius %v", got)
	}
}

func TestWinchDistance(t *testing.T) {
	kin := NewWinchKinematics(10., 0., 10.)
	sk := NewStepperKinematics("stepper_w", .001, kin)
	got := kin.Calc_from_coord(sk, Coord{X: 10., Y: 0., Z: 0.})
	if !nearlyEqual(got, 10., 1e-12) {
		t.Fatalf("cable length %v", got)
	}
	got = kin.Calc_from_coord(sk, Coord{X: 13., Y: 4., Z: 10.})
	if !nearlyEqual(got, 5., 1e-12) {
		t.Fatalf("cable length %v", got)
	}
}

func TestExtruderPressureAdvanceSteadyState(t *testing.T) {
	kin := NewExtruderKinematics()
	sk := NewStepperKinematics("extruder", .001, kin)
	tq := NewTrapq()
	sk.Set_trapq(tq)
	appendCruise(tq, 0., 5., 2., Coord{X: 1.})
	kin.Set_pressure_advance(sk, .05, .04)

	if sk.gen_steps_pre_active != .02 || sk.gen_steps_post_active != .02 {
		t.Fatalf("smoothing window must widen step generation: %v/%v",
			sk.gen_steps_pre_active, sk.gen_steps_post_active)
	}
	// Steady extrusion at 5mm/s: the smoothed position is the raw
	// position plus pa times velocity
	got := kin.Calc_position(sk, 1.)
	want := 5. + .05*5.
	if !nearlyEqual(got, want, 1e-6) {
		t.Fatalf("smoothed position %v, want %v", got, want)
	}
}

func TestExtruderWithoutSmoothing(t *testing.T) {
	kin := NewExtruderKinematics()
	sk := NewStepperKinematics("extruder", .001, kin)
	tq := NewTrapq()
	sk.Set_trapq(tq)
	appendCruise(tq, 0., 5., 2., Coord{X: 1.})

	// No smoothing window: raw filament position, no advance term
	got := kin.Calc_position(sk, 1.)
	if !nearlyEqual(got, 5., 1e-12) {
		t.Fatalf("raw position %v", got)
	}
	pa, st := kin.Get_pressure_advance()
	if pa != 0. || st != 0. {
		t.Fatalf("unexpected defaults %v/%v", pa, st)
	}
}
