package serialhdl

import "fmt"

// LinkLostError reports an unrecoverable serial link failure after the
// retransmit limit is exhausted.  Motion must be halted by the caller.
type LinkLostError struct {
	Name   string
	Reason string
}

func (self *LinkLostError) Error() string {
	return fmt.Sprintf("serial link %s lost: %s", self.Name, self.Reason)
}

// ChannelClosedError signals an orderly shutdown of the receive channel.
type ChannelClosedError struct {
	Name string
}

func (self *ChannelClosedError) Error() string {
	return fmt.Sprintf("serial channel %s closed", self.Name)
}
