/*
// Serial port management
//
// Copyright (C) 2016-2021  Kevin O"Connor <kevin@koconnor.net>
//
// This file may be distributed under the terms of the GNU GPLv3 license.
*/
package serialhdl

import (
	"fmt"
	"io"

	uuid "github.com/satori/go.uuid"
	"github.com/tarm/serial"

	"khost/common/logger"
)

// SerialHdl owns one physical MCU link: the opened port, the framed queue
// on top of it and the clock synchronization state.  A fresh session id is
// minted per connection so reconnects are distinguishable in telemetry.
type SerialHdl struct {
	portname       string
	baud           int
	mcu_freq       float64
	receive_window int

	session string
	port    io.ReadWriteCloser
	sq      *SerialQueue
	cs      *ClockSync
}

func NewSerialHdl(portname string, baud int, mcu_freq float64, receive_window int) *SerialHdl {
	return &SerialHdl{
		portname:       portname,
		baud:           baud,
		mcu_freq:       mcu_freq,
		receive_window: receive_window,
	}
}

// Connect opens the serial device and starts the background workers.
func (self *SerialHdl) Connect() error {
	port, err := serial.OpenPort(&serial.Config{
		Name: self.portname,
		Baud: self.baud,
	})
	if err != nil {
		return fmt.Errorf("open serial port %s: %w", self.portname, err)
	}
	return self.Connect_pipe(port)
}

// Connect_pipe attaches to an already-open byte stream.  Tests use this
// with an in-memory pipe in place of a physical port.
func (self *SerialHdl) Connect_pipe(port io.ReadWriteCloser) error {
	self.port = port
	self.session = uuid.NewV4().String()
	self.sq = NewSerialQueue(port, self.portname, self.receive_window)
	self.cs = NewClockSync(self.mcu_freq, self.sq)
	logger.Infof("serial %s connected baud=%d session=%s",
		self.portname, self.baud, self.session)
	return nil
}

func (self *SerialHdl) Serialqueue() *SerialQueue { return self.sq }
func (self *SerialHdl) Clocksync() *ClockSync     { return self.cs }
func (self *SerialHdl) Session() string           { return self.session }

// Alloc_command_queue registers a new outbound lane on the link.
func (self *SerialHdl) Alloc_command_queue(name string) *CommandQueue {
	return self.sq.Alloc_command_queue(name)
}

// Send enqueues one encoded command.
func (self *SerialHdl) Send(cq *CommandQueue, words []uint32, min_clock, req_clock uint64) {
	self.sq.Send(cq, Encode_command(words), min_clock, req_clock)
}

// Pull blocks until the MCU sends a message or the link shuts down.
func (self *SerialHdl) Pull() (*RawMessage, error) {
	return self.sq.Pull()
}

// Handle_clock feeds one clock query response into the synchronization
// regression.
func (self *SerialHdl) Handle_clock(clock32 uint32, sent_time, receive_time float64) {
	self.cs.Handle_clock(clock32, sent_time, receive_time)
}

// Stats aggregates link telemetry.
func (self *SerialHdl) Stats() string {
	return fmt.Sprintf("session=%s %s clocksync: %s",
		self.session, self.sq.Get_stats(), self.cs.Stats())
}

// Disconnect stops the workers and closes the port.
func (self *SerialHdl) Disconnect() {
	if self.sq != nil {
		self.sq.Exit()
		self.sq.Free()
	}
	logger.Infof("serial %s disconnected session=%s", self.portname, self.session)
}

// StepQueue adapts one command lane to the stepper synchronizer's sink
// interface, encoding compressed step commands on the way through.
type StepQueue struct {
	sq *SerialQueue
	cq *CommandQueue
}

func (self *SerialHdl) New_step_queue(name string) *StepQueue {
	return &StepQueue{sq: self.sq, cq: self.sq.Alloc_command_queue(name)}
}

func (self *StepQueue) Queue_command(words []uint32, min_clock, req_clock uint64) {
	self.sq.Send(self.cq, Encode_command(words), min_clock, req_clock)
}
