/*
// Micro-controller clock synchronization
//
// Copyright (C) 2016-2021  Kevin O"Connor <kevin@koconnor.net>
//
// This file may be distributed under the terms of the GNU GPLv3 license.
*/
package serialhdl

import (
	"fmt"
	"math"
	"sync"
)

const (
	// Aging factor for the best observed round-trip time
	RTT_AGE = .000010 / (60. * 60.)
	// Exponential decay of the clock regression
	DECAY = 1. / 30.
	// Margin added to the regression sample time to cover transmit delay
	TRANSMIT_EXTRA = .001
)

// ClockSync tracks the MCU clock against host time with a decayed linear
// regression over round-trip clock queries and pushes each new estimate
// into the serial queue's conversion snapshot.
type ClockSync struct {
	mcu_freq float64
	sq       *SerialQueue

	mu sync.Mutex

	last_clock uint64

	clock_est_sample_time float64
	clock_est_clock       uint64
	clock_est_freq        float64

	min_half_rtt float64
	min_rtt_time float64

	time_avg             float64
	time_variance        float64
	clock_avg            float64
	clock_covariance     float64
	prediction_variance  float64
	last_prediction_time float64

	queries_pending int
}

func NewClockSync(mcu_freq float64, sq *SerialQueue) *ClockSync {
	return &ClockSync{
		mcu_freq:       mcu_freq,
		sq:             sq,
		min_half_rtt:   999999999.9,
		clock_est_freq: mcu_freq,
	}
}

// Initialize seeds the regression from the first observed clock.
func (self *ClockSync) Initialize(clock uint64, sent_time float64) {
	self.mu.Lock()
	defer self.mu.Unlock()
	self.last_clock = clock
	self.clock_avg = float64(clock)
	self.time_avg = sent_time
	self.clock_est_sample_time = sent_time
	self.clock_est_clock = clock
	self.clock_est_freq = self.mcu_freq
	self.prediction_variance = (.001 * self.mcu_freq) * (.001 * self.mcu_freq)
	if self.sq != nil {
		self.sq.Set_clock_est(self.mcu_freq, sent_time+TRANSMIT_EXTRA,
			clock, clock)
	}
}

// Handle_clock folds one clock query response into the regression.
// Outliers are discarded; drift is corrected incrementally, never treated
// as an error.
func (self *ClockSync) Handle_clock(clock32 uint32, sent_time, receive_time float64) {
	self.mu.Lock()
	defer self.mu.Unlock()
	self.queries_pending = 0
	clock := self.clock32_to_clock64(clock32)
	self.last_clock = clock
	if sent_time == 0. {
		return
	}

	half_rtt := .5 * (receive_time - sent_time)
	aged_rtt := (sent_time - self.min_rtt_time) * RTT_AGE
	if half_rtt < self.min_half_rtt+aged_rtt {
		self.min_half_rtt = half_rtt
		self.min_rtt_time = sent_time
	}

	// Filter out samples that are extreme outliers
	exp_clock := (sent_time-self.time_avg)*self.clock_est_freq + self.clock_avg
	clock_diff2 := (float64(clock) - exp_clock) * (float64(clock) - exp_clock)
	threshold := .000500 * self.mcu_freq
	if clock_diff2 > 25.*self.prediction_variance && clock_diff2 > threshold*threshold {
		if float64(clock) > exp_clock && sent_time < self.last_prediction_time+10. {
			return
		}
		self.prediction_variance = (.001 * self.mcu_freq) * (.001 * self.mcu_freq)
	} else {
		self.last_prediction_time = sent_time
		self.prediction_variance = (1. - DECAY) *
			(self.prediction_variance + clock_diff2*DECAY)
	}

	diff_sent_time := sent_time - self.time_avg
	self.time_avg += DECAY * diff_sent_time
	self.time_variance = (1. - DECAY) *
		(self.time_variance + diff_sent_time*diff_sent_time*DECAY)
	diff_clock := float64(clock) - self.clock_avg
	self.clock_avg += DECAY * diff_clock
	self.clock_covariance = (1. - DECAY) *
		(self.clock_covariance + diff_sent_time*diff_clock*DECAY)

	new_freq := self.mcu_freq
	if self.time_variance > 0. {
		new_freq = self.clock_covariance / self.time_variance
	}
	self.clock_est_sample_time = self.time_avg + self.min_half_rtt
	self.clock_est_clock = uint64(self.clock_avg)
	self.clock_est_freq = new_freq

	if self.sq != nil {
		pred_stddev := math.Sqrt(self.prediction_variance)
		conv_clock := uint64(self.clock_avg - 3.*pred_stddev)
		self.sq.Set_clock_est(new_freq, self.time_avg+TRANSMIT_EXTRA,
			conv_clock, clock)
	}
}

func (self *ClockSync) clock32_to_clock64(clock32 uint32) uint64 {
	delta := int64(int32(clock32 - uint32(self.last_clock)))
	return uint64(int64(self.last_clock) + delta)
}

// Clock32_to_clock64 extends a 32-bit MCU clock reading using the last
// known 64-bit clock.
func (self *ClockSync) Clock32_to_clock64(clock32 uint32) uint64 {
	self.mu.Lock()
	defer self.mu.Unlock()
	return self.clock32_to_clock64(clock32)
}

// Get_clock returns the estimated MCU clock at a host event time.
func (self *ClockSync) Get_clock(eventtime float64) uint64 {
	self.mu.Lock()
	defer self.mu.Unlock()
	return uint64(float64(self.clock_est_clock) +
		(eventtime-self.clock_est_sample_time)*self.clock_est_freq)
}

func (self *ClockSync) Print_time_to_clock(print_time float64) uint64 {
	return uint64(print_time * self.mcu_freq)
}

func (self *ClockSync) Clock_to_print_time(clock uint64) float64 {
	return float64(clock) / self.mcu_freq
}

func (self *ClockSync) Estimated_print_time(eventtime float64) float64 {
	return self.Clock_to_print_time(self.Get_clock(eventtime))
}

func (self *ClockSync) Mcu_freq() float64 { return self.mcu_freq }

func (self *ClockSync) Get_last_clock() uint64 {
	self.mu.Lock()
	defer self.mu.Unlock()
	return self.last_clock
}

// Is_active reports whether clock responses are still arriving.
func (self *ClockSync) Is_active() bool {
	self.mu.Lock()
	defer self.mu.Unlock()
	return self.queries_pending <= 4
}

func (self *ClockSync) Note_query_sent() {
	self.mu.Lock()
	self.queries_pending++
	self.mu.Unlock()
}

func (self *ClockSync) Stats() string {
	self.mu.Lock()
	defer self.mu.Unlock()
	return fmt.Sprintf("freq=%.0f last_clock=%d est=(%.3f %d %.3f)"+
		" min_half_rtt=%.6f pred_stddev=%.3f",
		self.mcu_freq, self.last_clock, self.clock_est_sample_time,
		self.clock_est_clock, self.clock_est_freq,
		self.min_half_rtt, math.Sqrt(self.prediction_variance))
}
