// Package expect drives interactive programs over a byte stream:
// pattern matching on accumulated output, bounded waits, scripted
// send/expect dialogues, and transcript logging.
package expect

import (
	"io"
	"time"
)

// Stream is the transport an Expect session drives. A *proc.Process
// satisfies it directly; anything else exposing a descriptor-backed
// byte stream works too.
type Stream interface {
	io.Reader
	io.Writer
	io.Closer
	Fd() uintptr
}

// readDeadliner is implemented by streams whose blocked reads can be
// unblocked by poking a deadline. When the stream supports it, timeouts
// interrupt the pending read instead of abandoning a goroutine.
type readDeadliner interface {
	SetReadDeadline(t time.Time) error
}

// Interrupter is implemented by streams that can deliver an interrupt
// to the party on the other end.
type Interrupter interface {
	Interrupt() error
}

// EOFSender is implemented by streams that can signal end-of-input.
type EOFSender interface {
	SendEOF() error
}
