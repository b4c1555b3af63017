/*
// CoreXY kinematics stepper position calculation
//
// Copyright (C) 2018-2021  Kevin O"Connor <kevin@koconnor.net>
//
// This file may be distributed under the terms of the GNU GPLv3 license.
*/
package motion

import "fmt"

type CorexyKinematics struct {
	plus bool
}

// NewCorexyKinematics creates a corexy transform; type '+' is the x+y
// motor, '-' the x-y motor.
func NewCorexyKinematics(motor byte) (*CorexyKinematics, error) {
	switch motor {
	case '+':
		return &CorexyKinematics{plus: true}, nil
	case '-':
		return &CorexyKinematics{plus: false}, nil
	}
	return nil, fmt.Errorf("corexy motor must be + or - (got %c)", motor)
}

func (self *CorexyKinematics) Calc_from_coord(sk *StepperKinematics, c Coord) float64 {
	if self.plus {
		return c.X + c.Y
	}
	return c.X - c.Y
}

func (self *CorexyKinematics) Calc_position(sk *StepperKinematics, print_time float64) float64 {
	return self.Calc_from_coord(sk, sk.Coord_at(print_time))
}

func (self *CorexyKinematics) Active_flags() uint8 {
	return AF_X | AF_Y
}
