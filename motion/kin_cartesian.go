/*
// Cartesian kinematics stepper position calculation
//
// Copyright (C) 2018-2021  Kevin O"Connor <kevin@koconnor.net>
//
// This file may be distributed under the terms of the GNU GPLv3 license.
*/
package motion

import "fmt"

type CartesianKinematics struct {
	axis  byte
	flags uint8
}

func NewCartesianKinematics(axis byte) (*CartesianKinematics, error) {
	var flags uint8
	switch axis {
	case 'x':
		flags = AF_X
	case 'y':
		flags = AF_Y
	case 'z':
		flags = AF_Z
	default:
		return nil, fmt.Errorf("cartesian axis must be x, y or z (got %c)", axis)
	}
	return &CartesianKinematics{axis: axis, flags: flags}, nil
}

func (self *CartesianKinematics) Calc_from_coord(sk *StepperKinematics, c Coord) float64 {
	switch self.axis {
	case 'x':
		return c.X
	case 'y':
		return c.Y
	default:
		return c.Z
	}
}

func (self *CartesianKinematics) Calc_position(sk *StepperKinematics, print_time float64) float64 {
	return self.Calc_from_coord(sk, sk.Coord_at(print_time))
}

func (self *CartesianKinematics) Active_flags() uint8 {
	return self.flags
}
