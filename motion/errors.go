package motion

import "fmt"

// InvalidMoveError reports a rejected planner input.  The offending move is
// discarded; retrying with the same parameters will fail again.
type InvalidMoveError struct {
	Reason string
}

func (e *InvalidMoveError) Error() string {
	return fmt.Sprintf("invalid move: %s", e.Reason)
}

// KinematicRangeError reports a position with no real kinematic solution
// (e.g. a delta effector outside the arm-length envelope).  Fatal to the
// in-progress move; the commanded step position is left unchanged.
type KinematicRangeError struct {
	Stepper string
	Time    float64
}

func (e *KinematicRangeError) Error() string {
	return fmt.Sprintf("stepper %s: no kinematic solution at print time %.6f",
		e.Stepper, e.Time)
}

// ClockRegressionError reports an attempt to rebase a step compressor to a
// clock earlier than steps already emitted.  Fatal; forces a full link reset.
type ClockRegressionError struct {
	Oid       uint32
	LastClock uint64
	ResetTo   uint64
}

func (e *ClockRegressionError) Error() string {
	return fmt.Sprintf("stepcompress oid=%d: reset clock %d before last step clock %d",
		e.Oid, e.ResetTo, e.LastClock)
}
