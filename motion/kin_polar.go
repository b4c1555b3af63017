/*
// Polar kinematics stepper position calculation
//
// Copyright (C) 2018-2021  Kevin O"Connor <kevin@koconnor.net>
//
// This file may be distributed under the terms of the GNU GPLv3 license.
*/
package motion

import (
	"fmt"
	"math"
)

type PolarKinematics struct {
	angle bool
}

// NewPolarKinematics creates a polar transform; type 'r' tracks the arm
// radius, 'a' the bed angle.
func NewPolarKinematics(motor byte) (*PolarKinematics, error) {
	switch motor {
	case 'r':
		return &PolarKinematics{angle: false}, nil
	case 'a':
		return &PolarKinematics{angle: true}, nil
	}
	return nil, fmt.Errorf("polar motor must be r or a (got %c)", motor)
}

func (self *PolarKinematics) Calc_from_coord(sk *StepperKinematics, c Coord) float64 {
	if !self.angle {
		return math.Sqrt(c.X*c.X + c.Y*c.Y)
	}
	// XXX - handle x==y==0
	angle := math.Atan2(c.Y, c.X)
	if angle-sk.commanded_pos > math.Pi {
		angle -= 2. * math.Pi
	} else if angle-sk.commanded_pos < -math.Pi {
		angle += 2. * math.Pi
	}
	return angle
}

func (self *PolarKinematics) Calc_position(sk *StepperKinematics, print_time float64) float64 {
	return self.Calc_from_coord(sk, sk.Coord_at(print_time))
}

func (self *PolarKinematics) Active_flags() uint8 {
	return AF_X | AF_Y
}
