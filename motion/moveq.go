/*
// Lookahead planning over queued candidate moves
//
// Copyright (C) 2016-2021  Kevin O"Connor <kevin@koconnor.net>
//
// This file may be distributed under the terms of the GNU GPLv3 license.
*/
package motion

import (
	"math"
)

/*
// Common suffixes: _d is distance (in mm), _v is velocity (in
//   mm/second), _v2 is velocity squared (mm^2/s^2), _t is time (in
//   seconds), _r is ratio (scalar between 0.0 and 1.0)
*/

// QMove is a buffered candidate move.  Junction speeds are tracked in
// velocity squared.
type QMove struct {
	Move_d              float64
	Junction_max_v2     float64
	Velocity            float64
	Accel_order         int
	Accel               float64
	Smoothed_accel      float64
	Jerk                float64
	Min_jerk_limit_time float64
	Accel_comp          float64

	Max_cruise_v2   float64
	Delta_v2        float64
	Smooth_delta_v2 float64
	Max_start_v2    float64
	Max_smoothed_v2 float64

	// Filled in by Plan
	Start_v2  float64
	Cruise_v2 float64
	End_v2    float64
}

func (self *QMove) set_junction(start_v2, cruise_v2, end_v2 float64) {
	self.Start_v2 = start_v2
	self.Cruise_v2 = cruise_v2
	self.End_v2 = end_v2
}

// jerk_ramp_time returns the minimum ramp duration that keeps peak jerk
// within the move's jerk limit for its acceleration order.
func (self *QMove) jerk_ramp_time(delta_v float64) float64 {
	if self.Jerk <= 0. || delta_v <= 0. {
		return 0.
	}
	// Peak jerk of a smoothed ramp of duration T is c*delta_v/T^2
	c := 6.
	if self.Accel_order == 6 {
		c = 10. / math.Sqrt(3.)
	}
	t := math.Sqrt(c * delta_v / self.Jerk)
	if t < self.Min_jerk_limit_time {
		// Too short for jerk limiting to matter
		return 0.
	}
	return t
}

// gen_profile converts the planned junction velocities into ramp timings.
// For smoothed orders the ramp uses the lower of the accel-bound and
// jerk-bound effective acceleration, so both limits hold.
func (self *QMove) gen_profile() *TrapAccelDecel {
	start_v2, cruise_v2, end_v2 := self.Start_v2, self.Cruise_v2, self.End_v2
	eff_accel := self.Accel
	if self.Accel_order > 2 {
		dv := math.Max(math.Sqrt(cruise_v2)-math.Sqrt(start_v2),
			math.Sqrt(cruise_v2)-math.Sqrt(end_v2))
		tj := self.jerk_ramp_time(dv)
		if tj > 0. && dv/tj < eff_accel {
			eff_accel = dv / tj
		}
		// A lower ramp accel may make the planned cruise speed
		// unreachable within the move distance
		max_cruise_v2 := .5 * (2.*eff_accel*self.Move_d + start_v2 + end_v2)
		if cruise_v2 > max_cruise_v2 {
			cruise_v2 = max_cruise_v2
		}
	}
	half_inv_accel := .5 / eff_accel
	accel_d := (cruise_v2 - start_v2) * half_inv_accel
	decel_d := (cruise_v2 - end_v2) * half_inv_accel
	cruise_d := self.Move_d - accel_d - decel_d
	if cruise_d < 0. {
		cruise_d = 0.
	}
	start_v := math.Sqrt(start_v2)
	cruise_v := math.Sqrt(cruise_v2)
	end_v := math.Sqrt(end_v2)
	ad := &TrapAccelDecel{
		Start_v:     start_v,
		Cruise_v:    cruise_v,
		Accel:       eff_accel,
		Accel_order: self.Accel_order,
	}
	// Time is distance divided by average velocity
	if accel_d > 0. {
		ad.Accel_t = accel_d / ((start_v + cruise_v) * .5)
	}
	if cruise_v > 0. {
		ad.Cruise_t = cruise_d / cruise_v
	}
	if decel_d > 0. {
		ad.Decel_t = decel_d / ((end_v + cruise_v) * .5)
	}
	return ad
}

// FinalMove is a planned move popped from the queue, ready to be converted
// into a trajectory segment.
type FinalMove struct {
	Move_d     float64
	Accel_comp float64
	AD         *TrapAccelDecel
}

// MoveQueue tracks pending move requests and performs lookahead across them
// to reduce acceleration between moves.  Strict FIFO; moves are never
// reordered.
type MoveQueue struct {
	queue       []*QMove
	flush_count int
}

func NewMoveQueue() *MoveQueue {
	return &MoveQueue{queue: []*QMove{}}
}

func (self *MoveQueue) Reset() {
	self.queue = self.queue[:0]
	self.flush_count = 0
}

func (self *MoveQueue) Len() int {
	return len(self.queue)
}

// Add_move appends a candidate move to the lookahead buffer.
func (self *MoveQueue) Add_move(distance, junction_max_v2, velocity float64,
	accel_order int, accel, smoothed_accel, jerk, min_jerk_limit_time,
	accel_comp float64) error {
	if distance <= 0. {
		return &InvalidMoveError{Reason: "distance must be positive"}
	}
	if velocity <= 0. {
		return &InvalidMoveError{Reason: "velocity must be positive"}
	}
	if accel <= 0. {
		return &InvalidMoveError{Reason: "accel must be positive"}
	}
	switch accel_order {
	case 2, 4, 6:
	default:
		return &InvalidMoveError{Reason: "accel_order must be 2, 4 or 6"}
	}
	if smoothed_accel <= 0. || smoothed_accel > accel {
		smoothed_accel = accel
	}
	move := &QMove{
		Move_d:              distance,
		Junction_max_v2:     junction_max_v2,
		Velocity:            velocity,
		Accel_order:         accel_order,
		Accel:               accel,
		Smoothed_accel:      smoothed_accel,
		Jerk:                jerk,
		Min_jerk_limit_time: min_jerk_limit_time,
		Accel_comp:          accel_comp,
		Max_cruise_v2:       velocity * velocity,
		Delta_v2:            2. * distance * accel,
		Smooth_delta_v2:     2. * distance * smoothed_accel,
	}
	if n := len(self.queue); n > 0 {
		prev := self.queue[n-1]
		move.Max_start_v2 = customMin(junction_max_v2, move.Max_cruise_v2,
			prev.Max_cruise_v2, prev.Max_start_v2+prev.Delta_v2)
		move.Max_smoothed_v2 = math.Min(move.Max_start_v2,
			prev.Max_smoothed_v2+prev.Smooth_delta_v2)
	}
	self.queue = append(self.queue, move)
	return nil
}

type delayedMove struct {
	move  *QMove
	ms_v2 float64
	me_v2 float64
}

func customMin(values ...float64) float64 {
	minValue := values[0]
	for _, v := range values[1:] {
		if v < minValue {
			minValue = v
		}
	}
	return minValue
}

// Plan traverses the queue from last to first move and determines maximum
// junction speeds assuming the machine comes to a complete stop after the
// last move.  With lazy true only moves whose exit velocity can no longer
// change are finalized; with lazy false everything is.  Returns the number
// of moves ready for Getmove.
func (self *MoveQueue) Plan(lazy bool) int {
	update_flush_count := lazy
	queue := self.queue
	flush_count := len(queue)
	delayed := []delayedMove{}
	next_end_v2, next_smoothed_v2, peak_cruise_v2 := 0., 0., 0.
	for i := flush_count - 1; i >= 0; i-- {
		move := queue[i]
		reachable_start_v2 := next_end_v2 + move.Delta_v2
		start_v2 := math.Min(move.Max_start_v2, reachable_start_v2)
		reachable_smoothed_v2 := next_smoothed_v2 + move.Smooth_delta_v2
		smoothed_v2 := math.Min(move.Max_smoothed_v2, reachable_smoothed_v2)
		if smoothed_v2 < reachable_smoothed_v2 {
			// It's possible for this move to accelerate
			if smoothed_v2+move.Smooth_delta_v2 > next_smoothed_v2 || len(delayed) > 0 {
				// This move can decelerate or this is a full accel
				// move after a full decel move
				if update_flush_count && peak_cruise_v2 != 0. {
					flush_count = i
					update_flush_count = false
				}
				peak_cruise_v2 = math.Min(move.Max_cruise_v2,
					(smoothed_v2+reachable_smoothed_v2)*.5)
				if len(delayed) > 0 {
					// Propagate peak_cruise_v2 to any delayed moves
					if !update_flush_count && i < flush_count {
						mc_v2 := peak_cruise_v2
						for j := len(delayed) - 1; j >= 0; j-- {
							d := delayed[j]
							mc_v2 = math.Min(mc_v2, d.ms_v2)
							d.move.set_junction(math.Min(d.ms_v2, mc_v2),
								mc_v2, math.Min(d.me_v2, mc_v2))
						}
					}
					delayed = delayed[:0]
				}
			}
			if !update_flush_count && i < flush_count {
				cruise_v2 := customMin((start_v2+reachable_start_v2)*.5,
					move.Max_cruise_v2, peak_cruise_v2)
				move.set_junction(math.Min(start_v2, cruise_v2), cruise_v2,
					math.Min(next_end_v2, cruise_v2))
			}
		} else {
			// Delay calculating this move until peak_cruise_v2 is known
			delayed = append(delayed, delayedMove{move, start_v2, next_end_v2})
		}
		next_end_v2 = start_v2
		next_smoothed_v2 = smoothed_v2
	}
	if update_flush_count || flush_count < 0 {
		flush_count = 0
	}
	self.flush_count = flush_count
	return flush_count
}

// Getmove pops one finalized move.  Returns nil when no planned moves are
// available; call Plan first.
func (self *MoveQueue) Getmove() *FinalMove {
	if self.flush_count <= 0 || len(self.queue) == 0 {
		return nil
	}
	move := self.queue[0]
	self.queue = self.queue[1:]
	self.flush_count--
	return &FinalMove{
		Move_d:     move.Move_d,
		Accel_comp: move.Accel_comp,
		AD:         move.gen_profile(),
	}
}
