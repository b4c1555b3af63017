/*
// Serial port command queuing and retransmission
//
// Copyright (C) 2016-2021  Kevin O"Connor <kevin@koconnor.net>
//
// This file may be distributed under the terms of the GNU GPLv3 license.
*/
package serialhdl

import (
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"khost/common/logger"
)

const (
	min_rto                = .025
	max_rto                = 5.000
	retransmit_limit       = 12
	receive_ch_depth       = 64
	old_messages_max       = 100
	default_receive_window = 8
	wake_interval          = 10 * time.Millisecond
)

// ClockEst is the host-time to MCU-clock conversion snapshot.  It is
// replaced atomically as a whole so readers never see a torn estimate.
type ClockEst struct {
	Freq       float64
	Conv_time  float64
	Conv_clock uint64
	Last_clock uint64
}

// RawMessage is one command or response payload with its scheduling clocks
// and transmission timestamps.
type RawMessage struct {
	Data         []byte
	Min_clock    uint64
	Req_clock    uint64
	Sent_time    float64
	Receive_time float64
}

// CommandQueue is one FIFO lane of outbound commands.  All lanes of a
// serial queue merge into a single wire stream ordered by requested clock;
// within a lane the enqueue order is preserved.
type CommandQueue struct {
	name string
	msgs []*RawMessage
}

// inflight is a framed block sent but not yet acknowledged.
type inflight struct {
	data       []byte
	seq        uint64
	first_sent float64
	last_sent  float64
	retries    int
	contents   []*RawMessage
}

// SerialQueue schedules framed commands onto a serial link with sequence
// numbering, acknowledgment tracking and bounded retransmission.
type SerialQueue struct {
	port io.ReadWriteCloser
	name string

	mu   sync.Mutex
	cond *sync.Cond
	wg   sync.WaitGroup

	queues []*CommandQueue
	sent   []*inflight
	window int

	retransmit_limit int

	send_seq       uint64
	receive_seq    uint64
	retransmit_seq uint64
	retransmit_now bool

	srtt, rttvar, rto float64

	last_ack_time          float64
	last_ack_clock         uint64
	last_receive_sent_time float64

	exiting bool
	fatal   error
	done    chan struct{}
	once    sync.Once

	clock_est atomic.Value // ClockEst

	start time.Time

	bytes_write      uint64
	bytes_read       uint64
	bytes_retransmit uint64
	bytes_invalid    uint64

	receive_ch  chan *RawMessage
	old_sent    []*RawMessage
	old_receive []*RawMessage
}

func NewSerialQueue(port io.ReadWriteCloser, name string, receive_window int) *SerialQueue {
	if receive_window <= 0 {
		receive_window = default_receive_window
	}
	self := &SerialQueue{
		port:             port,
		name:             name,
		window:           receive_window,
		retransmit_limit: retransmit_limit,
		send_seq:         1,
		receive_seq:      1,
		retransmit_seq:   1,
		rto:              min_rto,
		done:             make(chan struct{}),
		start:            time.Now(),
		receive_ch:       make(chan *RawMessage, receive_ch_depth),
	}
	self.cond = sync.NewCond(&self.mu)
	self.clock_est.Store(ClockEst{})
	self.wg.Add(3)
	go self.writer_thread()
	go self.reader_thread()
	go self.wake_thread()
	return self
}

func (self *SerialQueue) monotonic() float64 {
	return time.Since(self.start).Seconds()
}

// Alloc_command_queue registers a new outbound FIFO lane.
func (self *SerialQueue) Alloc_command_queue(name string) *CommandQueue {
	cq := &CommandQueue{name: name}
	self.mu.Lock()
	self.queues = append(self.queues, cq)
	self.mu.Unlock()
	return cq
}

// Send enqueues wire bytes on a command queue.  The background writer will
// not transmit before min_clock and targets transmission at req_clock.
func (self *SerialQueue) Send(cq *CommandQueue, data []byte, min_clock, req_clock uint64) {
	m := &RawMessage{Data: data, Min_clock: min_clock, Req_clock: req_clock}
	self.mu.Lock()
	if !self.exiting {
		cq.msgs = append(cq.msgs, m)
		self.cond.Broadcast()
	}
	self.mu.Unlock()
}

// Set_clock_est atomically replaces the clock conversion snapshot.
func (self *SerialQueue) Set_clock_est(freq, conv_time float64, conv_clock, last_clock uint64) {
	self.clock_est.Store(ClockEst{
		Freq: freq, Conv_time: conv_time,
		Conv_clock: conv_clock, Last_clock: last_clock,
	})
	self.mu.Lock()
	if last_clock > self.last_ack_clock {
		self.last_ack_clock = last_clock
	}
	self.cond.Broadcast()
	self.mu.Unlock()
}

func (self *SerialQueue) Get_clock_est() ClockEst {
	return self.clock_est.Load().(ClockEst)
}

// Pull blocks until a received message is available.  Buffered messages are
// drained before shutdown is reported; after that a link failure surfaces
// as LinkLostError and an orderly exit as ChannelClosedError.
func (self *SerialQueue) Pull() (*RawMessage, error) {
	select {
	case m := <-self.receive_ch:
		return m, nil
	default:
	}
	select {
	case m := <-self.receive_ch:
		return m, nil
	case <-self.done:
		self.mu.Lock()
		err := self.fatal
		self.mu.Unlock()
		if err != nil {
			return nil, err
		}
		return nil, &ChannelClosedError{Name: self.name}
	}
}

// Exit stops the background workers and closes the port.
func (self *SerialQueue) Exit() {
	self.mu.Lock()
	self.exiting = true
	self.cond.Broadcast()
	self.mu.Unlock()
	self.once.Do(func() { close(self.done) })
	self.port.Close()
	self.wg.Wait()
}

// Free releases queued state after Exit.
func (self *SerialQueue) Free() {
	self.mu.Lock()
	for _, cq := range self.queues {
		cq.msgs = nil
	}
	self.sent = nil
	self.old_sent = nil
	self.old_receive = nil
	self.mu.Unlock()
}

// set_fatal records a link failure and unblocks all waiters.  Only the
// first failure is kept.
func (self *SerialQueue) set_fatal(reason string) {
	self.mu.Lock()
	if self.fatal == nil && !self.exiting {
		self.fatal = &LinkLostError{Name: self.name, Reason: reason}
		logger.Errorf("serial %s: link lost: %s", self.name, reason)
	}
	self.exiting = true
	self.cond.Broadcast()
	self.mu.Unlock()
	self.once.Do(func() { close(self.done) })
}

// wake_thread periodically kicks the writer so retransmit timeouts fire
// even when no new commands arrive.
func (self *SerialQueue) wake_thread() {
	defer self.wg.Done()
	t := time.NewTicker(wake_interval)
	defer t.Stop()
	for {
		select {
		case <-self.done:
			return
		case <-t.C:
			self.mu.Lock()
			self.cond.Broadcast()
			self.mu.Unlock()
		}
	}
}

// pop_sendable removes and returns the next transmittable message not
// larger than space, or nil.  Eligibility requires the MCU to have reached
// the message's min_clock; among eligible lane heads the earliest
// req_clock wins.  Caller holds the lock.
func (self *SerialQueue) pop_sendable(space int) *RawMessage {
	if len(self.sent) >= self.window {
		return nil
	}
	var best *CommandQueue
	for _, cq := range self.queues {
		if len(cq.msgs) == 0 {
			continue
		}
		m := cq.msgs[0]
		if m.Min_clock > self.last_ack_clock || len(m.Data) > space {
			continue
		}
		if best == nil || m.Req_clock < best.msgs[0].Req_clock {
			best = cq
		}
	}
	if best == nil {
		return nil
	}
	m := best.msgs[0]
	best.msgs = best.msgs[1:]
	return m
}

// check_retransmit resends all unacknowledged frames when the oldest has
// outlived the retransmission timeout.  Caller holds the lock; it is
// released around the blocking port write.
func (self *SerialQueue) check_retransmit(now float64) {
	if len(self.sent) == 0 {
		return
	}
	if !self.retransmit_now && now < self.sent[0].last_sent+self.rto {
		return
	}
	self.retransmit_now = false
	if self.sent[0].retries >= self.retransmit_limit {
		self.mu.Unlock()
		self.set_fatal(fmt.Sprintf("no ack after %d retransmits", self.retransmit_limit))
		self.mu.Lock()
		return
	}
	// Leading sync char forces the MCU parser back to a frame boundary
	out := []byte{MESSAGE_SYNC}
	for _, f := range self.sent {
		out = append(out, f.data...)
		f.last_sent = now
		f.retries++
	}
	self.rto = self.rto * 2
	if self.rto > max_rto {
		self.rto = max_rto
	}
	self.retransmit_seq = self.send_seq
	self.bytes_retransmit += uint64(len(out))
	logger.Warnf("serial %s: retransmitting %d frames (seq %d-%d rto %.3f)",
		self.name, len(self.sent), self.sent[0].seq, self.send_seq-1, self.rto)
	self.mu.Unlock()
	_, err := self.port.Write(out)
	self.mu.Lock()
	if err != nil {
		self.mu.Unlock()
		self.set_fatal(fmt.Sprintf("write: %v", err))
		self.mu.Lock()
	}
}

func (self *SerialQueue) writer_thread() {
	defer self.wg.Done()
	self.mu.Lock()
	defer self.mu.Unlock()
	for {
		if self.exiting {
			return
		}
		now := self.monotonic()
		self.check_retransmit(now)
		if self.exiting {
			return
		}
		// Pack as many eligible messages as fit into one block
		var batch []*RawMessage
		space := MESSAGE_PAYLOAD_MAX
		for {
			m := self.pop_sendable(space)
			if m == nil {
				break
			}
			batch = append(batch, m)
			space -= len(m.Data)
		}
		if len(batch) == 0 {
			self.cond.Wait()
			continue
		}
		payload := make([]byte, 0, MESSAGE_PAYLOAD_MAX-space)
		for _, m := range batch {
			payload = append(payload, m.Data...)
			m.Sent_time = now
		}
		frame := Encode_msgblock(self.send_seq, payload)
		self.sent = append(self.sent, &inflight{
			data: frame, seq: self.send_seq,
			first_sent: now, last_sent: now, contents: batch,
		})
		self.send_seq++
		self.bytes_write += uint64(len(frame))
		self.old_sent = append_old(self.old_sent, batch...)
		// Write without the lock; the pipe may block until the peer reads
		self.mu.Unlock()
		_, err := self.port.Write(frame)
		self.mu.Lock()
		if err != nil {
			self.mu.Unlock()
			self.set_fatal(fmt.Sprintf("write: %v", err))
			self.mu.Lock()
			return
		}
	}
}

func (self *SerialQueue) reader_thread() {
	defer self.wg.Done()
	var pending []byte
	buf := make([]byte, 4096)
	for {
		n, err := self.port.Read(buf)
		if n > 0 {
			self.mu.Lock()
			self.bytes_read += uint64(n)
			self.mu.Unlock()
			pending = append(pending, buf[:n]...)
			for {
				used, seq, payload := Check_msgblock(pending)
				if used == 0 {
					break
				}
				if used < 0 {
					self.mu.Lock()
					self.bytes_invalid += uint64(-used)
					self.mu.Unlock()
					pending = pending[-used:]
					continue
				}
				self.handle_frame(seq, payload, self.monotonic())
				pending = pending[used:]
			}
		}
		if err != nil {
			self.mu.Lock()
			exiting := self.exiting
			self.mu.Unlock()
			if !exiting {
				self.set_fatal(fmt.Sprintf("read: %v", err))
			}
			return
		}
	}
}

// handle_frame processes one valid incoming block: its sequence number
// acknowledges earlier sends, an empty payload is an ack/nak, a non-empty
// payload is delivered to Pull.
func (self *SerialQueue) handle_frame(seq uint8, payload []byte, eventtime float64) {
	self.mu.Lock()
	rseq := self.receive_seq&^uint64(MESSAGE_SEQ_MASK) | uint64(seq)
	if rseq < self.receive_seq {
		rseq += MESSAGE_SEQ_MASK + 1
	}
	if rseq > self.receive_seq {
		self.update_receive_seq(rseq, eventtime)
	} else if len(payload) == 0 && rseq == self.receive_seq &&
		self.send_seq > self.retransmit_seq {
		// Duplicate empty ack is a nak; resend without waiting for the
		// timeout
		self.retransmit_now = true
		self.cond.Broadcast()
	}
	if len(payload) == 0 {
		self.mu.Unlock()
		return
	}
	m := &RawMessage{
		Data:         append([]byte(nil), payload...),
		Sent_time:    self.last_receive_sent_time,
		Receive_time: eventtime,
	}
	self.old_receive = append_old(self.old_receive, m)
	closed := self.exiting
	self.mu.Unlock()
	if closed {
		return
	}
	select {
	case self.receive_ch <- m:
	default:
		logger.Warnf("serial %s: receive queue overflow, dropping message", self.name)
	}
}

// update_receive_seq retires acknowledged frames and refreshes the
// round-trip estimate.  Caller holds the lock.
func (self *SerialQueue) update_receive_seq(rseq uint64, eventtime float64) {
	for len(self.sent) > 0 && self.sent[0].seq < rseq {
		f := self.sent[0]
		self.sent = self.sent[1:]
		if f.retries == 0 {
			// Round-trip timing per RFC 6298
			rtt := eventtime - f.first_sent
			if self.srtt == 0. {
				self.srtt = rtt
				self.rttvar = .5 * rtt
			} else {
				delta := rtt - self.srtt
				if delta < 0. {
					delta = -delta
				}
				self.rttvar = .75*self.rttvar + .25*delta
				self.srtt = .875*self.srtt + .125*rtt
			}
			self.rto = self.srtt + 4.*self.rttvar
			if self.rto < min_rto {
				self.rto = min_rto
			} else if self.rto > max_rto {
				self.rto = max_rto
			}
			self.last_receive_sent_time = f.first_sent
		} else {
			// Retransmitted frames give no usable round-trip sample
			self.last_receive_sent_time = 0.
		}
	}
	self.receive_seq = rseq
	self.last_ack_time = eventtime
	est := self.clock_est.Load().(ClockEst)
	if est.Freq != 0. {
		ack_clock := est.Conv_clock +
			uint64((eventtime-est.Conv_time)*est.Freq)
		if ack_clock > self.last_ack_clock {
			self.last_ack_clock = ack_clock
		}
	}
	self.cond.Broadcast()
}

// Get_stats reports transport telemetry as implementation-defined text.
func (self *SerialQueue) Get_stats() string {
	self.mu.Lock()
	defer self.mu.Unlock()
	ready_bytes, stalled_bytes := 0, 0
	for _, cq := range self.queues {
		for _, m := range cq.msgs {
			if m.Min_clock > self.last_ack_clock {
				stalled_bytes += len(m.Data)
			} else {
				ready_bytes += len(m.Data)
			}
		}
	}
	return fmt.Sprintf("bytes_write=%d bytes_read=%d bytes_retransmit=%d"+
		" bytes_invalid=%d send_seq=%d receive_seq=%d retransmit_seq=%d"+
		" srtt=%.3f rttvar=%.3f rto=%.3f ready_bytes=%d stalled_bytes=%d",
		self.bytes_write, self.bytes_read, self.bytes_retransmit,
		self.bytes_invalid, self.send_seq, self.receive_seq,
		self.retransmit_seq, self.srtt, self.rttvar, self.rto,
		ready_bytes, stalled_bytes)
}

// Extract_old copies recently sent or received messages, most recent
// first, without mutating queue state.
func (self *SerialQueue) Extract_old(sentq bool, max int) []*RawMessage {
	self.mu.Lock()
	defer self.mu.Unlock()
	src := self.old_receive
	if sentq {
		src = self.old_sent
	}
	out := []*RawMessage{}
	for i := len(src) - 1; i >= 0 && len(out) < max; i-- {
		out = append(out, src[i])
	}
	return out
}

func append_old(ring []*RawMessage, msgs ...*RawMessage) []*RawMessage {
	ring = append(ring, msgs...)
	if len(ring) > old_messages_max {
		ring = ring[len(ring)-old_messages_max:]
	}
	return ring
}
