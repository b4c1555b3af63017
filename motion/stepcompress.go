/*
// Compression of stepper step times into interval/count/add commands
//
// Copyright (C) 2016-2021  Kevin O"Connor <kevin@koconnor.net>
//
// This file may be distributed under the terms of the GNU GPLv3 license.
*/
package motion

import (
	"math"

	"khost/common/logger"
)

// QueueMessage is a compressed command bound for the MCU, tagged with the
// transport scheduling clocks.
type QueueMessage struct {
	Payload   []uint32 // msgtag followed by command arguments
	Min_clock uint64
	Req_clock uint64
}

// HistorySteps records one emitted queue_step command for telemetry and
// past-position queries.
type HistorySteps struct {
	First_clock    uint64
	Last_clock     uint64
	Start_position int64
	Step_count     int
	Interval       int
	Add            int
}

type stepMove struct {
	interval uint32
	count    uint16
	add      int16
}

const (
	max_count_per_msg     = 65535
	history_expire_chunks = 4096
)

// StepCompress encodes one stepper's absolute step clock sequence into
// minimal queue_step commands keeping every step within max_error ticks.
type StepCompress struct {
	oid                      uint32
	max_error                uint32
	invert_sdir              uint32
	queue_step_msgtag        int32
	set_next_step_dir_msgtag int32

	queue           []uint64 // pending absolute step clocks
	last_step_clock uint64
	sdir            int // -1 while unknown
	emitted         bool

	msgs    []*QueueMessage
	history []HistorySteps

	last_position int64

	mcu_freq    float64
	time_offset float64
}

func NewStepCompress(oid uint32) *StepCompress {
	return &StepCompress{oid: oid, sdir: -1}
}

// Fill sets the allowed timing error (in clock ticks), the direction invert
// flag and the two outgoing message tags.
func (self *StepCompress) Fill(max_error uint32, invert_sdir bool,
	queue_step_msgtag, set_next_step_dir_msgtag int32) {
	self.max_error = max_error
	self.invert_sdir = 0
	if invert_sdir {
		self.invert_sdir = 1
	}
	self.queue_step_msgtag = queue_step_msgtag
	self.set_next_step_dir_msgtag = set_next_step_dir_msgtag
}

func (self *StepCompress) Oid() uint32             { return self.oid }
func (self *StepCompress) Last_step_clock() uint64 { return self.last_step_clock }

// Set_time updates the host print-time to MCU clock conversion.
func (self *StepCompress) Set_time(time_offset, mcu_freq float64) {
	self.time_offset = time_offset
	self.mcu_freq = mcu_freq
}

func (self *StepCompress) clock_from_time(step_time float64) uint64 {
	c := (step_time + self.time_offset) * self.mcu_freq
	if c < 0. {
		return 0
	}
	return uint64(c + .5)
}

// minmax returns the earliest and latest acceptable clock offsets (relative
// to last_step_clock) for the queued step at index i.  A step may be
// scheduled up to max_error ticks early, capped at half the preceding
// interval.
func (self *StepCompress) minmax(i int) (int32, int32) {
	point := uint32(self.queue[i] - self.last_step_clock)
	prevpoint := uint32(0)
	if i > 0 {
		prevpoint = uint32(self.queue[i-1] - self.last_step_clock)
	}
	max_error := (point - prevpoint) / 2
	if max_error > self.max_error {
		max_error = self.max_error
	}
	return int32(point - max_error), int32(point)
}

func idivUp(n, d int32) int32 {
	if n >= 0 {
		return (n + d - 1) / d
	}
	return n / d
}

func idivDown(n, d int32) int32 {
	if n >= 0 {
		return n / d
	}
	return (n - d + 1) / d
}

// compress_bisect_add finds the longest valid (interval, count, add) run
// for the head of the queue.  Longer runs (fewer messages) win ties; an
// add of zero is preferred when nearly as long.
func (self *StepCompress) compress_bisect_add() stepMove {
	qlast := len(self.queue)
	if qlast > max_count_per_msg {
		qlast = max_count_per_msg
	}
	outer_mininterval, outer_maxinterval := self.minmax(0)
	var add, minadd, maxadd int32 = 0, -0x8000, 0x7fff
	var bestinterval, bestadd int32 = 0, 1
	var bestcount int32 = 1
	var bestreach int32 = math.MinInt32
	var zerointerval, zerocount int32 = 0, 0

	for {
		// Find longest valid sequence with the given 'add'
		nextmininterval := outer_mininterval
		nextmaxinterval := outer_maxinterval
		interval := nextmaxinterval
		var nextcount int32 = 1
		var nextminp, nextmaxp int32
		for {
			nextcount++
			if int(nextcount-1) >= qlast {
				count := nextcount - 1
				return stepMove{uint32(interval), uint16(count), int16(add)}
			}
			nextminp, nextmaxp = self.minmax(int(nextcount - 1))
			nextaddfactor := nextcount * (nextcount - 1) / 2
			c := add * nextaddfactor
			if nextmininterval*nextcount < nextminp-c {
				nextmininterval = idivUp(nextminp-c, nextcount)
			}
			if nextmaxinterval*nextcount > nextmaxp-c {
				nextmaxinterval = idivDown(nextmaxp-c, nextcount)
			}
			if nextmininterval > nextmaxinterval {
				break
			}
			interval = nextmaxinterval
		}
		// Check if this is the best sequence found so far
		count := nextcount - 1
		addfactor := count * (count - 1) / 2
		reach := add*addfactor + interval*count
		if reach > bestreach || (reach == bestreach && interval > bestinterval) {
			bestinterval = interval
			bestcount = count
			bestadd = add
			bestreach = reach
			if add == 0 {
				zerointerval = interval
				zerocount = count
			}
			if count > 0x200 {
				// No 'add' will improve sequence; avoid integer overflow
				break
			}
		}
		// Check if a greater or lesser add could extend the sequence
		nextaddfactor := nextcount * (nextcount - 1) / 2
		nextreach := add*nextaddfactor + interval*nextcount
		if nextreach < nextminp {
			minadd = add + 1
			outer_maxinterval = nextmaxinterval
		} else {
			maxadd = add - 1
			outer_mininterval = nextmininterval
		}
		// The maximum valid deviation between two quadratic sequences
		// can be calculated and used to further limit the add range
		if count > 1 {
			errdelta := int32(self.max_error) * 2 / (count * count)
			if minadd < add-errdelta {
				minadd = add - errdelta
			}
			if maxadd > add+errdelta {
				maxadd = add + errdelta
			}
		}
		// See if the next point would further limit the add range
		if nextaddfactor > 0 {
			c := outer_maxinterval * nextcount
			if minadd*nextaddfactor < nextminp-c {
				minadd = idivUp(nextminp-c, nextaddfactor)
			}
			c = outer_mininterval * nextcount
			if maxadd*nextaddfactor > nextmaxp-c {
				maxadd = idivDown(nextmaxp-c, nextaddfactor)
			}
		}
		// Bisect valid add range and try again with new 'add'
		if minadd > maxadd {
			break
		}
		add = maxadd - (maxadd-minadd)/2
	}
	if zerocount+zerocount/16 >= bestcount {
		// Prefer add=0 if it's nearly as long as the best sequence
		return stepMove{uint32(zerointerval), uint16(zerocount), 0}
	}
	return stepMove{uint32(bestinterval), uint16(bestcount), int16(bestadd)}
}

// flush_queue compresses pending steps into queue_step messages until
// last_step_clock reaches move_clock or the queue empties.
func (self *StepCompress) flush_queue(move_clock uint64) {
	if len(self.queue) == 0 {
		return
	}
	for self.last_step_clock < move_clock && len(self.queue) > 0 {
		move := self.compress_bisect_add()
		count := uint64(move.count)
		addsum := uint64(int64(move.add) * int64(count) * int64(count-1) / 2)
		new_clock := self.last_step_clock + uint64(move.interval)*count + addsum
		qm := &QueueMessage{
			Payload: []uint32{uint32(self.queue_step_msgtag), self.oid,
				move.interval, uint32(move.count), uint32(int32(move.add))},
			Min_clock: self.last_step_clock,
			Req_clock: self.last_step_clock,
		}
		if (self.last_step_clock >> 32) != (new_clock >> 32) {
			// Slow down on 32bit clock rollover so the MCU sees the
			// high bits advance
			qm.Req_clock = new_clock
		}
		step := 1
		if self.sdir == 0 {
			step = -1
		}
		self.history = append(self.history, HistorySteps{
			First_clock:    self.last_step_clock,
			Last_clock:     new_clock,
			Start_position: self.last_position,
			Step_count:     step * int(move.count),
			Interval:       int(move.interval),
			Add:            int(move.add),
		})
		if len(self.history) > history_expire_chunks {
			self.history = self.history[len(self.history)-history_expire_chunks:]
		}
		self.last_position += int64(step * int(move.count))
		self.last_step_clock = new_clock
		self.msgs = append(self.msgs, qm)
		self.emitted = true
		self.queue = self.queue[move.count:]
	}
}

// set_next_step_dir flushes pending steps and emits a direction change.
func (self *StepCompress) set_next_step_dir(sdir int) {
	if sdir == self.sdir {
		return
	}
	self.flush_queue(math.MaxUint64)
	self.sdir = sdir
	qm := &QueueMessage{
		Payload: []uint32{uint32(self.set_next_step_dir_msgtag), self.oid,
			uint32(sdir) ^ self.invert_sdir},
		Min_clock: self.last_step_clock,
		Req_clock: self.last_step_clock,
	}
	self.msgs = append(self.msgs, qm)
}

// Append schedules one step at the given print time moving in direction
// sdir (1 forward, 0 reverse).  Called by the kinematic solver.
func (self *StepCompress) Append(sdir int, step_time float64) {
	if sdir != self.sdir {
		self.set_next_step_dir(sdir)
	}
	clock := self.clock_from_time(step_time)
	if clock <= self.last_step_clock {
		// Never schedule in the past; nudge onto the next tick
		clock = self.last_step_clock + 1
	}
	if n := len(self.queue); n > 0 && clock < self.queue[n-1] {
		clock = self.queue[n-1]
	}
	self.queue = append(self.queue, clock)
}

// Queue_msg flushes pending steps and appends a raw passthrough command on
// this stepper's queue, preserving ordering with step commands.
func (self *StepCompress) Queue_msg(data []uint32) {
	self.flush_queue(math.MaxUint64)
	self.msgs = append(self.msgs, &QueueMessage{
		Payload:   append([]uint32{}, data...),
		Min_clock: self.last_step_clock,
		Req_clock: self.last_step_clock,
	})
}

// Flush compresses pending steps up to move_clock and returns the emitted
// messages, clearing the internal message queue.
func (self *StepCompress) Flush(move_clock uint64) []*QueueMessage {
	self.flush_queue(move_clock)
	msgs := self.msgs
	self.msgs = nil
	return msgs
}

// Reset rebases the compressor clock origin after a resync or link reset.
func (self *StepCompress) Reset(last_step_clock uint64) error {
	if self.emitted && last_step_clock < self.last_step_clock {
		return &ClockRegressionError{
			Oid:       self.oid,
			LastClock: self.last_step_clock,
			ResetTo:   last_step_clock,
		}
	}
	if len(self.queue) > 0 {
		logger.Warnf("stepcompress oid=%d reset with %d pending steps",
			self.oid, len(self.queue))
		self.queue = self.queue[:0]
	}
	self.last_step_clock = last_step_clock
	self.sdir = -1
	self.emitted = false
	return nil
}

// Set_last_position rebases the tracked commanded position.
func (self *StepCompress) Set_last_position(last_position int64) {
	self.last_position = last_position
}

// Find_past_position reports the commanded position at a historical clock.
func (self *StepCompress) Find_past_position(clock uint64) int64 {
	last_position := self.last_position
	for i := len(self.history) - 1; i >= 0; i-- {
		hs := &self.history[i]
		if clock < hs.First_clock {
			last_position = hs.Start_position
			continue
		}
		if clock >= hs.Last_clock {
			return hs.Start_position + int64(hs.Step_count)
		}
		// Interpolate within the chunk
		interval, add := int64(hs.Interval), int64(hs.Add)
		ticks := int64(clock - hs.First_clock)
		offset := int64(0)
		count := int64(0)
		for count < int64(abs(hs.Step_count)) {
			offset += interval + add*count
			if offset > ticks {
				break
			}
			count++
		}
		if hs.Step_count < 0 {
			count = -count
		}
		return hs.Start_position + count
	}
	return last_position
}

func abs(v int) int {
	if v < 0 {
		return -v
	}
	return v
}

// Extract_old reports emitted step chunks overlapping the clock range,
// most recent first.
func (self *StepCompress) Extract_old(max int, start_clock, end_clock uint64) []HistorySteps {
	out := []HistorySteps{}
	for i := len(self.history) - 1; i >= 0 && len(out) < max; i-- {
		hs := self.history[i]
		if hs.First_clock >= end_clock {
			continue
		}
		if hs.Last_clock <= start_clock {
			break
		}
		out = append(out, hs)
	}
	return out
}
