package transport

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestStreamState_String(t *testing.T) {
	assert.Equal(t, "OPEN", StreamOpen.String())
	assert.Equal(t, "SEND_CLOSED", StreamSendClosed.String())
	assert.Equal(t, "RECV_CLOSED", StreamRecvClosed.String())
	assert.Equal(t, "CLOSED", StreamClosed.String())
	assert.Equal(t, "StreamState(42)", StreamState(42).String())
}

func TestStream_Attach(t *testing.T) {
	var s Stream
	s.Attach(7)

	assert.Equal(t, uint64(7), s.ID())
	assert.Equal(t, StreamOpen, s.State())
}

func TestStream_SendThenRecv(t *testing.T) {
	var s Stream
	s.Attach(1)

	assert.Equal(t, StreamSendClosed, s.CloseSend())
	assert.Equal(t, StreamSendClosed, s.State())
	assert.False(t, s.State().Terminal())

	assert.Equal(t, StreamClosed, s.CloseRecv())
	assert.True(t, s.State().Terminal())
}

func TestStream_RecvThenSend(t *testing.T) {
	var s Stream
	s.Attach(1)

	assert.Equal(t, StreamRecvClosed, s.CloseRecv())
	assert.Equal(t, StreamClosed, s.CloseSend())
}

func TestStream_ClosedIsTerminal(t *testing.T) {
	var s Stream
	s.Attach(1)
	s.Terminate()

	// No transition leaves CLOSED.
	assert.Equal(t, StreamClosed, s.CloseSend())
	assert.Equal(t, StreamClosed, s.CloseRecv())
	assert.Equal(t, StreamClosed, s.Terminate())
}

func TestStream_CloseSameDirectionTwice(t *testing.T) {
	var s Stream
	s.Attach(1)

	assert.Equal(t, StreamSendClosed, s.CloseSend())
	assert.Equal(t, StreamSendClosed, s.CloseSend())

	assert.Equal(t, StreamClosed, s.CloseRecv())
}

func TestStream_Terminate(t *testing.T) {
	var s Stream
	s.Attach(1)
	s.CloseSend()

	assert.Equal(t, StreamClosed, s.Terminate())
}
