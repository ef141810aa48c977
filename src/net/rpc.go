package net

// RPC encapsulates an inbound message and provides a reply mechanism. For
// one-way data pushes RespChan is nil.
type RPC struct {
	Message  Message
	RespChan chan<- Message
}

// Respond delivers a reply when the sender supplied a reply channel. Reply
// channels are closed when the client connection goes away; a send racing
// that close is swallowed.
func (r *RPC) Respond(resp Message) {
	if r.RespChan == nil {
		return
	}
	defer func() {
		recover()
	}()
	r.RespChan <- resp
}
