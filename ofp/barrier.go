package ofp

import (
	"io"
)

// BarrierRequest is sent by the controller to ensure message
// dependencies have been met or receive notifications for completed
// operations.
//
// Upon receipt the switch must finish processing all previously
// received messages, including sending corresponding reply or error
// messages, before executing any messages after the barrier.
type BarrierRequest struct{}

// WriteTo implements io.WriterTo interface. BarrierRequest carries no
// body besides the OpenFlow header.
func (BarrierRequest) WriteTo(w io.Writer) (int64, error) {
	return 0, nil
}

// ReadFrom implements io.ReaderFrom interface.
func (*BarrierRequest) ReadFrom(r io.Reader) (int64, error) {
	return 0, nil
}

// BarrierReply is sent by the switch in response to a BarrierRequest.
type BarrierReply struct{}

// WriteTo implements io.WriterTo interface.
func (BarrierReply) WriteTo(w io.Writer) (int64, error) {
	return 0, nil
}

// ReadFrom implements io.ReaderFrom interface.
func (*BarrierReply) ReadFrom(r io.Reader) (int64, error) {
	return 0, nil
}
