/*
// Stepper step synchronization and message flushing
//
// Copyright (C) 2016-2021  Kevin O"Connor <kevin@koconnor.net>
//
// This file may be distributed under the terms of the GNU GPLv3 license.
*/
package motion

import (
	"sort"

	"go.uber.org/multierr"
)

// StepSink receives compressed stepper commands for transmission.  Commands
// must be sent in order; min_clock holds a command back until the MCU has
// retired earlier moves, req_clock is its deadline.
type StepSink interface {
	Queue_command(payload []uint32, min_clock, req_clock uint64)
}

// StepperSync drives a group of steppers sharing one MCU: it generates
// steps up to a flush time, merges the compressed commands of all steppers
// into a single clock-ordered stream and paces them against the MCU's move
// queue depth.
type StepperSync struct {
	sink     StepSink
	steppers []*StepperKinematics
	scs      []*StepCompress
	tqs      []*TrapQ

	// Min-heap of the req_clocks of in-flight commands, sized to the MCU
	// move queue
	move_clocks []uint64
}

func NewStepperSync(sink StepSink, steppers []*StepperKinematics,
	tqs []*TrapQ, move_num int) *StepperSync {
	self := &StepperSync{
		sink:        sink,
		steppers:    steppers,
		tqs:         tqs,
		move_clocks: make([]uint64, move_num),
	}
	for _, sk := range steppers {
		self.scs = append(self.scs, sk.sc)
	}
	return self
}

// Set_time updates the print-time to MCU clock conversion on every stepper.
func (self *StepperSync) Set_time(time_offset, mcu_freq float64) {
	for _, sc := range self.scs {
		sc.Set_time(time_offset, mcu_freq)
	}
}

// heap_replace pops the heap minimum and inserts req_clock.
func (self *StepperSync) heap_replace(req_clock uint64) {
	mc := self.move_clocks
	pos := 0
	for {
		child1, child2 := 2*pos+1, 2*pos+2
		if child1 >= len(mc) {
			break
		}
		if child2 < len(mc) && mc[child2] < mc[child1] {
			child1 = child2
		}
		if mc[child1] >= req_clock {
			break
		}
		mc[pos] = mc[child1]
		pos = child1
	}
	mc[pos] = req_clock
}

// Flush generates steps on every stepper up to flush_time, drains the
// compressed commands scheduled before move_clock into the sink in clock
// order and prunes trajectory history no stepper needs anymore.  Step
// generation errors are aggregated; flushing continues on the remaining
// steppers so their queues stay aligned.
func (self *StepperSync) Flush(flush_time float64, move_clock uint64) error {
	var errs error
	for _, sk := range self.steppers {
		errs = multierr.Append(errs, sk.Generate_steps(flush_time))
	}
	var msgs []*QueueMessage
	for _, sc := range self.scs {
		msgs = append(msgs, sc.Flush(move_clock)...)
	}
	// Stable sort keeps each stepper's commands in FIFO order on ties
	sort.SliceStable(msgs, func(i, j int) bool {
		return msgs[i].Req_clock < msgs[j].Req_clock
	})
	for _, qm := range msgs {
		if oldest := self.move_clocks[0]; qm.Min_clock < oldest {
			qm.Min_clock = oldest
		}
		self.heap_replace(qm.Req_clock)
		self.sink.Queue_command(qm.Payload, qm.Min_clock, qm.Req_clock)
	}
	// Trajectory segments are only freed once every stepper has stepped
	// past them
	free_time := flush_time
	for _, sk := range self.steppers {
		if sk.last_flush_time < free_time {
			free_time = sk.last_flush_time
		}
	}
	for _, tq := range self.tqs {
		tq.Free_moves(free_time)
	}
	return errs
}
