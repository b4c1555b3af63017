/*
// Cable winch kinematics stepper position calculation
//
// Copyright (C) 2018-2021  Kevin O"Connor <kevin@koconnor.net>
//
// This file may be distributed under the terms of the GNU GPLv3 license.
*/
package motion

import "math"

// WinchKinematics tracks the cable length from a fixed anchor point.
type WinchKinematics struct {
	anchor Coord
}

func NewWinchKinematics(anchor_x, anchor_y, anchor_z float64) *WinchKinematics {
	return &WinchKinematics{anchor: Coord{anchor_x, anchor_y, anchor_z}}
}

func (self *WinchKinematics) Calc_from_coord(sk *StepperKinematics, c Coord) float64 {
	dx := c.X - self.anchor.X
	dy := c.Y - self.anchor.Y
	dz := c.Z - self.anchor.Z
	return math.Sqrt(dx*dx + dy*dy + dz*dz)
}

func (self *WinchKinematics) Calc_position(sk *StepperKinematics, print_time float64) float64 {
	return self.Calc_from_coord(sk, sk.Coord_at(print_time))
}

func (self *WinchKinematics) Active_flags() uint8 {
	return AF_X | AF_Y | AF_Z
}
