/*
// Delta kinematics stepper position calculation
//
// Copyright (C) 2018-2021  Kevin O"Connor <kevin@koconnor.net>
//
// This file may be distributed under the terms of the GNU GPLv3 license.
*/
package motion

import "math"

// DeltaKinematics computes the carriage height on one tower of a linear
// delta.  Positions outside the arm-length envelope have no real solution.
type DeltaKinematics struct {
	arm2    float64 // arm length squared
	tower_x float64
	tower_y float64
}

func NewDeltaKinematics(arm2, tower_x, tower_y float64) *DeltaKinematics {
	return &DeltaKinematics{arm2: arm2, tower_x: tower_x, tower_y: tower_y}
}

func (self *DeltaKinematics) Calc_from_coord(sk *StepperKinematics, c Coord) float64 {
	dx := self.tower_x - c.X
	dy := self.tower_y - c.Y
	// Sqrt of a negative operand yields NaN, reported by the solver as a
	// kinematic range error
	return c.Z + math.Sqrt(self.arm2-dx*dx-dy*dy)
}

func (self *DeltaKinematics) Calc_position(sk *StepperKinematics, print_time float64) float64 {
	return self.Calc_from_coord(sk, sk.Coord_at(print_time))
}

func (self *DeltaKinematics) Active_flags() uint8 {
	return AF_X | AF_Y | AF_Z
}
