package motion

import (
	"errors"
	"math"
	"testing"
)

func nearlyEqual(a, b, tol float64) bool {
	return math.Abs(a-b) <= tol
}

func addSimpleMove(t *testing.T, mq *MoveQueue, dist, junction_v, speed, accel float64) {
	t.Helper()
	err := mq.Add_move(dist, junction_v*junction_v, speed, 2, accel, accel, 0., 0., 0.)
	if err != nil {
		t.Fatalf("unexpected add_move error: %v", err)
	}
}

func TestAddMoveValidation(t *testing.T) {
	mq := NewMoveQueue()
	var ime *InvalidMoveError
	if err := mq.Add_move(0., 2500., 50., 2, 500., 500., 0., 0., 0.); !errors.As(err, &ime) {
		t.Fatalf("expected InvalidMoveError for zero distance, got %v", err)
	}
	if err := mq.Add_move(10., 2500., 0., 2, 500., 500., 0., 0., 0.); !errors.As(err, &ime) {
		t.Fatalf("expected InvalidMoveError for zero velocity, got %v", err)
	}
	if err := mq.Add_move(10., 2500., 50., 2, -1., 500., 0., 0., 0.); !errors.As(err, &ime) {
		t.Fatalf("expected InvalidMoveError for negative accel, got %v", err)
	}
	if err := mq.Add_move(10., 2500., 50., 3, 500., 500., 0., 0., 0.); !errors.As(err, &ime) {
		t.Fatalf("expected InvalidMoveError for bad accel order, got %v", err)
	}
	if mq.Len() != 0 {
		t.Fatalf("rejected moves must not be buffered, queue len %d", mq.Len())
	}
}

func TestPlanStraightLine(t *testing.T) {
	// Three colinear 10mm moves at 50mm/s with accel 500mm/s^2: the
	// junctions stay at full speed and only the first/last move ramp.
	mq := NewMoveQueue()
	for i := 0; i < 3; i++ {
		addSimpleMove(t, mq, 10., 50., 50., 500.)
	}
	if n := mq.Plan(false); n != 3 {
		t.Fatalf("expected 3 planned moves, got %d", n)
	}

	first := mq.Getmove()
	if first == nil {
		t.Fatalf("expected a finalized move")
	}
	ad := first.AD
	if !nearlyEqual(ad.Start_v, 0., 1e-9) || !nearlyEqual(ad.Cruise_v, 50., 1e-9) {
		t.Fatalf("unexpected first move velocities: %+v", ad)
	}
	if !nearlyEqual(ad.Accel_t, .1, 1e-9) {
		t.Fatalf("expected 0.1s accel phase, got %v", ad.Accel_t)
	}
	if !nearlyEqual(ad.Decel_t, 0., 1e-9) {
		t.Fatalf("first move must not decelerate, got %v", ad.Decel_t)
	}
	if !nearlyEqual(ad.End_v(), 50., 1e-9) {
		t.Fatalf("expected 50mm/s exit, got %v", ad.End_v())
	}

	middle := mq.Getmove()
	ad = middle.AD
	if !nearlyEqual(ad.Accel_t, 0., 1e-9) || !nearlyEqual(ad.Decel_t, 0., 1e-9) {
		t.Fatalf("middle move must be pure cruise: %+v", ad)
	}
	if !nearlyEqual(ad.Cruise_t, .2, 1e-9) {
		t.Fatalf("expected 0.2s cruise, got %v", ad.Cruise_t)
	}

	last := mq.Getmove()
	ad = last.AD
	if !nearlyEqual(ad.Decel_t, .1, 1e-9) {
		t.Fatalf("expected 0.1s decel phase, got %v", ad.Decel_t)
	}
	if !nearlyEqual(ad.End_v(), 0., 1e-9) {
		t.Fatalf("machine must stop after the last move, got %v", ad.End_v())
	}
	if mq.Getmove() != nil {
		t.Fatalf("queue should be empty")
	}
}

func TestPlanLazyHoldsBackTail(t *testing.T) {
	mq := NewMoveQueue()
	for i := 0; i < 3; i++ {
		addSimpleMove(t, mq, 10., 50., 50., 500.)
	}
	n := mq.Plan(true)
	if n <= 0 || n >= 3 {
		t.Fatalf("lazy plan must finalize some but not all moves, got %d", n)
	}
	for i := 0; i < n; i++ {
		if mq.Getmove() == nil {
			t.Fatalf("expected %d retrievable moves", n)
		}
	}
	if mq.Getmove() != nil {
		t.Fatalf("unplanned tail must not be retrievable")
	}
	// A full plan finalizes the remainder
	rest := mq.Plan(false)
	if rest != mq.Len() {
		t.Fatalf("full plan should flush the tail, got %d of %d", rest, mq.Len())
	}
}

func TestJunctionSpeedNeverExceedsCap(t *testing.T) {
	mq := NewMoveQueue()
	caps := []float64{30., 10., 45., 5., 50.}
	for _, c := range caps {
		err := mq.Add_move(8., c*c, 50., 2, 800., 400., 0., 0., 0.)
		if err != nil {
			t.Fatalf("unexpected add_move error: %v", err)
		}
	}
	mq.Plan(false)
	prevEnd := 0.
	for i, move := range mq.queue {
		if move.Start_v2 > move.Junction_max_v2+1e-9 && i > 0 {
			t.Fatalf("move %d junction %v exceeds cap %v",
				i, move.Start_v2, move.Junction_max_v2)
		}
		if move.Cruise_v2 > move.Max_cruise_v2+1e-9 {
			t.Fatalf("move %d cruise %v exceeds limit %v",
				i, move.Cruise_v2, move.Max_cruise_v2)
		}
		if move.Start_v2 > prevEnd+1e-9 {
			t.Fatalf("move %d starts faster (%v) than move %d ends (%v)",
				i, move.Start_v2, i-1, prevEnd)
		}
		// The forward pass may only reach speeds attainable from the
		// previous junction under the accel limit
		if move.Cruise_v2 > move.Start_v2+move.Delta_v2+1e-9 {
			t.Fatalf("move %d cruise %v unreachable from %v",
				i, move.Cruise_v2, move.Start_v2)
		}
		prevEnd = move.End_v2
	}
	if !nearlyEqual(prevEnd, 0., 1e-9) {
		t.Fatalf("planner must assume a full stop after the last move, got %v", prevEnd)
	}
}

func TestSmoothedProfileKeepsDistance(t *testing.T) {
	for _, order := range []int{4, 6} {
		mq := NewMoveQueue()
		err := mq.Add_move(10., 0., 50., order, 1000., 500., 100000., .02, 0.)
		if err != nil {
			t.Fatalf("unexpected add_move error: %v", err)
		}
		mq.Plan(false)
		fm := mq.Getmove()
		if fm == nil {
			t.Fatalf("expected a finalized move")
		}
		ad := fm.AD
		if ad.Accel > 1000.+1e-9 {
			t.Fatalf("order %d: effective accel %v exceeds limit", order, ad.Accel)
		}
		d := ramp_dist(ad.Start_v, ad.Cruise_v, ad.Accel_t) +
			ad.Cruise_v*ad.Cruise_t +
			ramp_dist(ad.Cruise_v, ad.End_v(), ad.Decel_t)
		if !nearlyEqual(d, 10., 1e-6) {
			t.Fatalf("order %d: profile covers %vmm, want 10mm", order, d)
		}
	}
}

func TestResetClearsQueue(t *testing.T) {
	mq := NewMoveQueue()
	addSimpleMove(t, mq, 10., 50., 50., 500.)
	mq.Plan(false)
	mq.Reset()
	if mq.Len() != 0 || mq.Getmove() != nil {
		t.Fatalf("reset must drop buffered moves")
	}
}
