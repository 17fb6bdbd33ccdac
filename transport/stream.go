package transport

import (
	"fmt"
	"sync/atomic"
)

// StreamState represents the send/recv half-closed state of a stream.
type StreamState int32

const (
	// StreamOpen is open for sends and receives.
	StreamOpen StreamState = iota
	// StreamSendClosed is closed for sends, but may still receive data.
	StreamSendClosed
	// StreamRecvClosed is closed for receives, but may still send data.
	StreamRecvClosed
	// StreamClosed is closed for both sends and receives. Terminal.
	StreamClosed
)

var streamStateTexts = map[StreamState]string{
	StreamOpen:       "OPEN",
	StreamSendClosed: "SEND_CLOSED",
	StreamRecvClosed: "RECV_CLOSED",
	StreamClosed:     "CLOSED",
}

func (s StreamState) String() string {
	if text, ok := streamStateTexts[s]; ok {
		return text
	}
	return fmt.Sprintf("StreamState(%d)", int32(s))
}

// Terminal reports whether the state is StreamClosed.
func (s StreamState) Terminal() bool {
	return s == StreamClosed
}

// Stream is the caller-allocated handle for one logical call multiplexed
// over a Transport. The caller owns the Stream value itself, the way it owns
// any slot it allocates; everything the transport tracks for the stream
// lives inside the transport and is reached through this handle, and the
// caller must not depend on it. A Stream is unusable until InitStream
// succeeds on it, belongs to exactly one Transport afterwards, and must not
// be reused after DestroyStream.
type Stream struct {
	id    uint64
	state atomic.Int32
}

// ID returns the transport-assigned identity of the stream. It is zero
// until InitStream succeeds.
func (s *Stream) ID() uint64 {
	return s.id
}

// State returns the stream's current state.
func (s *Stream) State() StreamState {
	return StreamState(s.state.Load())
}

// Attach binds the transport-assigned identity to the handle and marks the
// stream open. Transport implementations call Attach from InitStream; the
// call layer never calls it.
func (s *Stream) Attach(id uint64) {
	s.id = id
	s.state.Store(int32(StreamOpen))
}

// CloseSend marks the send direction closed and returns the resulting
// state. Transport implementations only. The transition is monotonic: a
// stream whose receive direction is already closed becomes StreamClosed.
func (s *Stream) CloseSend() StreamState {
	return s.transition(func(cur StreamState) StreamState {
		switch cur {
		case StreamOpen:
			return StreamSendClosed
		case StreamRecvClosed:
			return StreamClosed
		default:
			return cur
		}
	})
}

// CloseRecv marks the receive direction closed and returns the resulting
// state. Transport implementations only.
func (s *Stream) CloseRecv() StreamState {
	return s.transition(func(cur StreamState) StreamState {
		switch cur {
		case StreamOpen:
			return StreamRecvClosed
		case StreamSendClosed:
			return StreamClosed
		default:
			return cur
		}
	})
}

// Terminate closes both directions at once, as abort and transport close
// do, and returns StreamClosed. Transport implementations only.
func (s *Stream) Terminate() StreamState {
	return s.transition(func(StreamState) StreamState {
		return StreamClosed
	})
}

func (s *Stream) transition(next func(StreamState) StreamState) StreamState {
	for {
		cur := StreamState(s.state.Load())
		want := next(cur)
		if want == cur {
			return cur
		}
		if s.state.CompareAndSwap(int32(cur), int32(want)) {
			return want
		}
	}
}
