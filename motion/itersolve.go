/*
// Iterative solver for kinematic position to step time conversion
//
// Copyright (C) 2018-2021  Kevin O"Connor <kevin@koconnor.net>
//
// This file may be distributed under the terms of the GNU GPLv3 license.
*/
package motion

import (
	"math"
)

const (
	AF_X uint8 = 1 << iota
	AF_Y
	AF_Z
)

// TimeNever is the Check_active sentinel for a stepper with no queued motion.
const TimeNever = math.MaxFloat64

// Kinematics maps a trajectory position to a stepper's scalar coordinate.
// This is the single extension point for new machine geometries.
type Kinematics interface {
	// Calc_position evaluates the stepper coordinate at a print time
	// against the stepper's trajectory queue.  Returns NaN when the
	// position has no real solution.
	Calc_position(sk *StepperKinematics, print_time float64) float64
	// Calc_from_coord maps a Cartesian coordinate directly.
	Calc_from_coord(sk *StepperKinematics, c Coord) float64
	Active_flags() uint8
}

// StepperKinematics drives one stepper from a trajectory queue into a step
// compressor.
type StepperKinematics struct {
	Name      string
	Step_dist float64

	kin Kinematics
	tq  *TrapQ
	sc  *StepCompress

	commanded_pos   float64
	last_flush_time float64
	sdir            int

	// Extra step generation window around active moves (pressure advance
	// smoothing needs steps outside the extruder's own segments).
	gen_steps_pre_active  float64
	gen_steps_post_active float64
}

func NewStepperKinematics(name string, step_dist float64, kin Kinematics) *StepperKinematics {
	return &StepperKinematics{
		Name:      name,
		Step_dist: step_dist,
		kin:       kin,
		sdir:      1,
	}
}

func (self *StepperKinematics) Set_trapq(tq *TrapQ)               { self.tq = tq }
func (self *StepperKinematics) Set_stepcompress(sc *StepCompress) { self.sc = sc }
func (self *StepperKinematics) Get_commanded_pos() float64        { return self.commanded_pos }
func (self *StepperKinematics) Last_flush_time() float64          { return self.last_flush_time }

// Coord_at evaluates the trajectory coordinate at a print time.
func (self *StepperKinematics) Coord_at(print_time float64) Coord {
	if self.tq == nil {
		return Coord{}
	}
	c, _ := self.tq.Get_position(print_time)
	return c
}

// Calc_position_from_coord maps a Cartesian position to this stepper's
// coordinate without touching solver state.
func (self *StepperKinematics) Calc_position_from_coord(c Coord) (float64, error) {
	pos := self.kin.Calc_from_coord(self, c)
	if math.IsNaN(pos) {
		return 0., &KinematicRangeError{Stepper: self.Name, Time: 0.}
	}
	return pos, nil
}

// Set_position resets the commanded step position to the step index nearest
// the given position.  The commanded position is unchanged on a kinematic
// range error.
func (self *StepperKinematics) Set_position(c Coord) error {
	pos, err := self.Calc_position_from_coord(c)
	if err != nil {
		return err
	}
	self.commanded_pos = pos
	if self.sc != nil {
		self.sc.Set_last_position(int64(math.Round(pos / self.Step_dist)))
	}
	return nil
}

// is_active reports whether the move changes this stepper's position.
func (self *StepperKinematics) is_active(m *TrapMove) bool {
	flags := self.kin.Active_flags()
	if flags&AF_X != 0 && m.Axes_r.X != 0. {
		return true
	}
	if flags&AF_Y != 0 && m.Axes_r.Y != 0. {
		return true
	}
	if flags&AF_Z != 0 && m.Axes_r.Z != 0. {
		return true
	}
	return false
}

// Check_active returns the print time at which this stepper next requires
// servicing before flush_time, or TimeNever when it is idle.
func (self *StepperKinematics) Check_active(flush_time float64) float64 {
	if self.tq == nil {
		return TimeNever
	}
	for _, m := range self.tq.moves {
		if m.Print_time >= flush_time {
			break
		}
		if m.Print_time+m.Move_t+self.gen_steps_post_active <= self.last_flush_time {
			continue
		}
		if self.is_active(m) {
			return math.Max(m.Print_time-self.gen_steps_pre_active,
				self.last_flush_time)
		}
	}
	return TimeNever
}

type timepos struct {
	time     float64
	position float64
}

// find_step locates the time the position function crosses target within
// the low/high bracket using the false position method.
func (self *StepperKinematics) find_step(low, high timepos, target float64) timepos {
	best_guess := high
	low.position -= target
	high.position -= target
	if high.position == 0. {
		// The high range was a perfect guess for the next step
		return best_guess
	}
	high_sign := math.Signbit(high.position)
	if high_sign == math.Signbit(low.position) {
		// The target is not in the low/high range - return low range
		return timepos{low.time, target}
	}
	for {
		guess_time := (low.time*high.position - high.time*low.position) /
			(high.position - low.position)
		if math.Abs(guess_time-best_guess.time) <= .000000001 {
			break
		}
		best_guess.time = guess_time
		best_guess.position = self.kin.Calc_position(self, guess_time)
		guess_position := best_guess.position - target
		if math.Signbit(guess_position) == high_sign {
			high.time = guess_time
			high.position = guess_position
		} else {
			low.time = guess_time
			low.position = guess_position
		}
	}
	return best_guess
}

const seek_time_reset = .000100

// gen_steps_range finds all step crossings in [tstart, tend] and appends
// them to the step compressor.
func (self *StepperKinematics) gen_steps_range(tstart, tend float64) error {
	half_step := .5 * self.Step_dist
	start_pos := self.kin.Calc_position(self, tstart)
	if math.IsNaN(start_pos) {
		return &KinematicRangeError{Stepper: self.Name, Time: tstart}
	}
	last := timepos{tstart, self.commanded_pos}
	low, high := last, last
	seek_time_delta := seek_time_reset
	sdir := self.sdir

	seek_new_high_range := func() (bool, error) {
		if high.time >= tend {
			return false, nil
		}
		low = high
		high.time = math.Min(high.time+seek_time_delta, tend)
		seek_time_delta += seek_time_delta
		high.position = self.kin.Calc_position(self, high.time)
		if math.IsNaN(high.position) {
			return false, &KinematicRangeError{Stepper: self.Name, Time: high.time}
		}
		return true, nil
	}

	for {
		dist := high.position - last.position
		if math.Abs(dist) < half_step {
			ok, err := seek_new_high_range()
			if err != nil {
				return err
			}
			if !ok {
				break
			}
			continue
		}
		next_sdir := 0
		if dist > 0. {
			next_sdir = 1
		}
		if next_sdir != sdir {
			if math.Abs(dist) < half_step+.000000001 {
				// Only change direction when going past the midway point
				ok, err := seek_new_high_range()
				if err != nil {
					return err
				}
				if !ok {
					break
				}
				continue
			}
			if last.time >= low.time && high.time > last.time {
				// Must seek a new low range to avoid re-finding the
				// previous step time
				high.time = (last.time + high.time) * .5
				high.position = self.kin.Calc_position(self, high.time)
				if math.IsNaN(high.position) {
					return &KinematicRangeError{Stepper: self.Name, Time: high.time}
				}
				continue
			}
			sdir = next_sdir
		}
		target := last.position - half_step
		if sdir != 0 {
			target = last.position + half_step
		}
		next := self.find_step(low, high, target)
		self.sc.Append(sdir, next.time)
		seek_time_delta = next.time - last.time
		if seek_time_delta < .000000001 {
			seek_time_delta = .000000001
		}
		if sdir != 0 {
			last.position = target + half_step
		} else {
			last.position = target - half_step
		}
		last.time = next.time
		low = next
		if last.time >= high.time {
			// The high range is no longer valid - recalculate it
			ok, err := seek_new_high_range()
			if err != nil {
				return err
			}
			if !ok {
				break
			}
		}
	}
	self.commanded_pos = last.position
	self.sdir = sdir
	return nil
}

// Generate_steps walks the trajectory queue from the last generated time up
// to flush_time, producing step events for every active move.
func (self *StepperKinematics) Generate_steps(flush_time float64) error {
	start := self.last_flush_time
	if flush_time <= start {
		return nil
	}
	if self.tq == nil || self.sc == nil {
		self.last_flush_time = flush_time
		return nil
	}
	// Collect active windows, widened by the pre/post activity margins
	type trange struct{ s, e float64 }
	var ranges []trange
	for _, m := range self.tq.moves {
		if m.Print_time-self.gen_steps_pre_active >= flush_time {
			break
		}
		if !self.is_active(m) {
			continue
		}
		s := math.Max(m.Print_time-self.gen_steps_pre_active, start)
		e := math.Min(m.Print_time+m.Move_t+self.gen_steps_post_active, flush_time)
		if e <= s {
			continue
		}
		if n := len(ranges); n > 0 && s <= ranges[n-1].e {
			ranges[n-1].e = math.Max(ranges[n-1].e, e)
			continue
		}
		ranges = append(ranges, trange{s, e})
	}
	for _, r := range ranges {
		if err := self.gen_steps_range(r.s, r.e); err != nil {
			return err
		}
	}
	self.last_flush_time = flush_time
	return nil
}
