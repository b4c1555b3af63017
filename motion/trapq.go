/*
// Trajectory queue of moves as closed-form position functions of time
//
// Copyright (C) 2018-2021  Kevin O"Connor <kevin@koconnor.net>
//
// This file may be distributed under the terms of the GNU GPLv3 license.
*/
package motion

import (
	"khost/common/logger"
	"math"
)

type Coord struct {
	X, Y, Z float64
}

// TrapAccelDecel describes the velocity profile of one finalized move:
// an acceleration ramp, a cruise phase and a deceleration ramp.  Accel_order
// 2 is a plain trapezoid; orders 4 and 6 use jerk-limited smoothed ramps.
// For every supported order the average ramp velocity is the midpoint of the
// ramp endpoints, so distance bookkeeping is order independent.
type TrapAccelDecel struct {
	Accel_t     float64
	Cruise_t    float64
	Decel_t     float64
	Start_v     float64
	Cruise_v    float64
	Accel       float64
	Accel_order int
}

func (self *TrapAccelDecel) Total_t() float64 {
	return self.Accel_t + self.Cruise_t + self.Decel_t
}

// End_v derives the exit velocity; Accel is the effective (ramp average)
// acceleration for all orders.
func (self *TrapAccelDecel) End_v() float64 {
	return self.Cruise_v - self.Accel*self.Decel_t
}

// ramp_velocity returns velocity at time t into a ramp from v0 to v1 over
// duration T for the given acceleration order.
func ramp_velocity(v0, v1, T, t float64, order int) float64 {
	if T <= 0. {
		return v1
	}
	u := t / T
	dv := v1 - v0
	switch order {
	case 4:
		return v0 + dv*u*u*(3.-2.*u)
	case 6:
		return v0 + dv*u*u*u*(10.+u*(-15.+6.*u))
	default:
		return v0 + dv*u
	}
}

// ramp_dist_at returns distance covered t seconds into the ramp.
func ramp_dist_at(v0, v1, T, t float64, order int) float64 {
	if T <= 0. {
		return 0.
	}
	u := t / T
	dv := v1 - v0
	switch order {
	case 4:
		return v0*t + dv*T*u*u*u*(1.-.5*u)
	case 6:
		return v0*t + dv*T*u*u*u*u*(2.5+u*(-3.+u))
	default:
		return v0*t + .5*dv*t*u
	}
}

func ramp_dist(v0, v1, T float64) float64 {
	// Exact for all supported orders
	return .5 * (v0 + v1) * T
}

// TrapMove is one finalized trajectory segment.  Owned by the TrapQ once
// appended; solvers treat it as read only.
type TrapMove struct {
	Print_time float64
	Move_t     float64
	Start_pos  Coord
	Axes_r     Coord
	AD         TrapAccelDecel
}

// Dist_at returns the scalar distance travelled along Axes_r at the given
// time into the move.
func (self *TrapMove) Dist_at(move_time float64) float64 {
	ad := &self.AD
	t := move_time
	if t <= 0. {
		return 0.
	}
	if t > self.Move_t {
		t = self.Move_t
	}
	end_v := ad.End_v()
	if t < ad.Accel_t {
		return ramp_dist_at(ad.Start_v, ad.Cruise_v, ad.Accel_t, t, ad.Accel_order)
	}
	d := ramp_dist(ad.Start_v, ad.Cruise_v, ad.Accel_t)
	t -= ad.Accel_t
	if t < ad.Cruise_t {
		return d + ad.Cruise_v*t
	}
	d += ad.Cruise_v * ad.Cruise_t
	t -= ad.Cruise_t
	return d + ramp_dist_at(ad.Cruise_v, end_v, ad.Decel_t, t, ad.Accel_order)
}

func (self *TrapMove) Velocity_at(move_time float64) float64 {
	ad := &self.AD
	t := move_time
	if t <= 0. {
		return ad.Start_v
	}
	if t >= self.Move_t {
		t = self.Move_t
	}
	if t < ad.Accel_t {
		return ramp_velocity(ad.Start_v, ad.Cruise_v, ad.Accel_t, t, ad.Accel_order)
	}
	t -= ad.Accel_t
	if t < ad.Cruise_t {
		return ad.Cruise_v
	}
	t -= ad.Cruise_t
	return ramp_velocity(ad.Cruise_v, ad.End_v(), ad.Decel_t, t, ad.Accel_order)
}

// Get_coord returns the Cartesian coordinate at the given time into the move.
func (self *TrapMove) Get_coord(move_time float64) Coord {
	d := self.Dist_at(move_time)
	return Coord{
		X: self.Start_pos.X + self.Axes_r.X*d,
		Y: self.Start_pos.Y + self.Axes_r.Y*d,
		Z: self.Start_pos.Z + self.Axes_r.Z*d,
	}
}

func (self *TrapMove) End_pos() Coord {
	return self.Get_coord(self.Move_t)
}

// TrapQ stores finalized moves keyed by increasing print time.  Append only;
// Free_moves is the single deletion path.
type TrapQ struct {
	moves   []*TrapMove
	history []*TrapMove
}

const trapq_history_max = 128

func NewTrapq() *TrapQ {
	return &TrapQ{}
}

// Append inserts a finalized move.  The caller guarantees print_time is not
// before the end of the previously appended move.
func (self *TrapQ) Append(print_time float64, start_pos, axes_r Coord, ad *TrapAccelDecel) {
	if n := len(self.moves); n > 0 {
		last := self.moves[n-1]
		if print_time < last.Print_time+last.Move_t-.000000001 {
			logger.Warnf("trapq append time %.6f overlaps move ending %.6f",
				print_time, last.Print_time+last.Move_t)
		}
	}
	m := &TrapMove{
		Print_time: print_time,
		Move_t:     ad.Total_t(),
		Start_pos:  start_pos,
		Axes_r:     axes_r,
		AD:         *ad,
	}
	self.moves = append(self.moves, m)
}

// Set_position force-places the queue at a new position, discarding any
// queued moves at or after print_time.  Used on homing and kinematic resets.
func (self *TrapQ) Set_position(print_time float64, pos Coord) {
	keep := len(self.moves)
	for keep > 0 && self.moves[keep-1].Print_time >= print_time {
		keep--
	}
	self.moves = self.moves[:keep]
	if keep > 0 {
		// Truncate a move in progress at the placement time
		last := self.moves[keep-1]
		if last.Print_time+last.Move_t > print_time {
			last.Move_t = print_time - last.Print_time
		}
	}
	marker := &TrapAccelDecel{Accel_order: 2}
	self.Append(print_time, pos, Coord{}, marker)
}

// Free_moves discards all moves that end before the given print time.
// Never removes a move whose end time is at or after it.
func (self *TrapQ) Free_moves(before_time float64) {
	n := 0
	for n < len(self.moves) {
		m := self.moves[n]
		if m.Print_time+m.Move_t >= before_time {
			break
		}
		n++
	}
	if n == 0 {
		return
	}
	self.history = append(self.history, self.moves[:n]...)
	if len(self.history) > trapq_history_max {
		self.history = self.history[len(self.history)-trapq_history_max:]
	}
	self.moves = self.moves[n:]
}

func (self *TrapQ) find(print_time float64) *TrapMove {
	for _, m := range self.moves {
		if print_time < m.Print_time+m.Move_t {
			return m
		}
	}
	if n := len(self.moves); n > 0 {
		return self.moves[n-1]
	}
	return nil
}

// Get_position analytically evaluates position at an arbitrary print time.
func (self *TrapQ) Get_position(print_time float64) (Coord, bool) {
	m := self.find(print_time)
	if m == nil {
		return Coord{}, false
	}
	t := math.Max(0., math.Min(m.Move_t, print_time-m.Print_time))
	return m.Get_coord(t), true
}

// Get_velocity evaluates the scalar toolhead velocity at a print time.
func (self *TrapQ) Get_velocity(print_time float64) (float64, bool) {
	m := self.find(print_time)
	if m == nil {
		return 0., false
	}
	t := math.Max(0., math.Min(m.Move_t, print_time-m.Print_time))
	return m.Velocity_at(t), true
}

// Extract_old reports pruned moves overlapping [start_time, end_time], most
// recent first, for motion telemetry.
func (self *TrapQ) Extract_old(max int, start_time, end_time float64) []*TrapMove {
	out := []*TrapMove{}
	for i := len(self.history) - 1; i >= 0 && len(out) < max; i-- {
		m := self.history[i]
		if m.Print_time > end_time {
			continue
		}
		if m.Print_time+m.Move_t < start_time {
			break
		}
		out = append(out, m)
	}
	return out
}
