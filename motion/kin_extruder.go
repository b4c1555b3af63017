/*
// Extruder stepper pulse time generation
//
// Copyright (C) 2018-2021  Kevin O"Connor <kevin@koconnor.net>
//
// This file may be distributed under the terms of the GNU GPLv3 license.
*/
package motion

import (
	"math"
	"sort"
)

// ExtruderKinematics tracks filament position with optional pressure
// advance.  The advance term is proportional to the extrusion velocity and
// is averaged over a smoothing window so the step rate stays bounded at
// velocity discontinuities.
type ExtruderKinematics struct {
	pressure_advance float64
	smooth_time      float64
}

func NewExtruderKinematics() *ExtruderKinematics {
	return &ExtruderKinematics{}
}

// Set_pressure_advance updates the advance coefficient and smoothing window
// and widens the stepper's step generation window to cover the smoothing
// lookahead on both sides of each move.
func (self *ExtruderKinematics) Set_pressure_advance(sk *StepperKinematics, pressure_advance, smooth_time float64) {
	self.pressure_advance = pressure_advance
	self.smooth_time = smooth_time
	hst := .5 * smooth_time
	sk.gen_steps_pre_active = hst
	sk.gen_steps_post_active = hst
}

func (self *ExtruderKinematics) Get_pressure_advance() (float64, float64) {
	return self.pressure_advance, self.smooth_time
}

// extrude_pos evaluates raw filament position plus the advance term at one
// print time.
func (self *ExtruderKinematics) extrude_pos(sk *StepperKinematics, print_time, pa float64) float64 {
	m := sk.tq.find(print_time)
	if m == nil {
		return 0.
	}
	t := math.Max(0., math.Min(m.Move_t, print_time-m.Print_time))
	return m.Start_pos.X + m.Axes_r.X*(m.Dist_at(t)+pa*m.Velocity_at(t))
}

func simpson(f func(float64) float64, a, b float64) float64 {
	h := (b - a) * .25
	s := f(a) + f(b) + 4.*(f(a+h)+f(a+3.*h)) + 2.*f(a+2.*h)
	return s * h / 3.
}

func (self *ExtruderKinematics) Calc_position(sk *StepperKinematics, print_time float64) float64 {
	if sk.tq == nil {
		return 0.
	}
	if self.smooth_time == 0. {
		return self.extrude_pos(sk, print_time, 0.)
	}
	pa := self.pressure_advance
	hst := .5 * self.smooth_time
	inv_hst2 := 1. / (hst * hst)
	a, b := print_time-hst, print_time+hst
	f := func(tau float64) float64 {
		// Triangular weight, unit integral over the window
		w := (hst - math.Abs(tau-print_time)) * inv_hst2
		return w * self.extrude_pos(sk, tau, pa)
	}
	// Split the window at move boundaries and at the weight peak so the
	// quadrature only ever sees a smooth integrand
	cuts := []float64{a}
	for _, m := range sk.tq.moves {
		if m.Print_time >= b {
			break
		}
		for _, edge := range [2]float64{m.Print_time, m.Print_time + m.Move_t} {
			if edge > cuts[len(cuts)-1] && edge < b {
				cuts = append(cuts, edge)
			}
		}
	}
	cuts = append(cuts, print_time, b)
	sort.Float64s(cuts)
	total := 0.
	for i := 1; i < len(cuts); i++ {
		total += simpson(f, cuts[i-1], cuts[i])
	}
	return total
}

func (self *ExtruderKinematics) Calc_from_coord(sk *StepperKinematics, c Coord) float64 {
	return c.X
}

func (self *ExtruderKinematics) Active_flags() uint8 {
	return AF_X
}
