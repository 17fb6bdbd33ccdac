package transport

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubTransport struct {
	inits int
	sizes int
}

func (st *stubTransport) StreamSize() int { st.sizes++; return 64 }
func (st *stubTransport) InitStream(*Stream, ServerData) error {
	st.inits++
	return nil
}
func (st *stubTransport) DestroyStream(*Stream)              {}
func (st *stubTransport) SetAllowWindowUpdates(*Stream, bool) {}
func (st *stubTransport) SendBatch(*Stream, []Op, bool)      {}
func (st *stubTransport) Ping(func())                        {}
func (st *stubTransport) AbortStream(*Stream, StatusCode)    {}
func (st *stubTransport) Register(Reactor)                   {}
func (st *stubTransport) GoAway(StatusCode, []byte)          {}
func (st *stubTransport) Close()                             {}
func (st *stubTransport) Destroy()                           {}

func TestNoReentry_AllowsInitStream(t *testing.T) {
	st := &stubTransport{}
	guarded := NoReentry(st)

	var s Stream
	require.NoError(t, guarded.InitStream(&s, nil))
	assert.Equal(t, 1, st.inits)

	assert.Equal(t, 64, guarded.StreamSize())
	assert.Equal(t, 1, st.sizes)
}

func TestNoReentry_PanicsOnOperations(t *testing.T) {
	guarded := NoReentry(&stubTransport{})
	var s Stream

	assert.PanicsWithValue(t, "callwire: SendBatch reentered from an upcall", func() {
		guarded.SendBatch(&s, nil, false)
	})
	assert.PanicsWithValue(t, "callwire: DestroyStream reentered from an upcall", func() {
		guarded.DestroyStream(&s)
	})
	assert.PanicsWithValue(t, "callwire: AbortStream reentered from an upcall", func() {
		guarded.AbortStream(&s, StatusCancelled)
	})
	assert.PanicsWithValue(t, "callwire: Ping reentered from an upcall", func() {
		guarded.Ping(func() {})
	})
	assert.PanicsWithValue(t, "callwire: Close reentered from an upcall", func() {
		guarded.Close()
	})
	assert.PanicsWithValue(t, "callwire: GoAway reentered from an upcall", func() {
		guarded.GoAway(StatusOK, nil)
	})
	assert.PanicsWithValue(t, "callwire: Destroy reentered from an upcall", func() {
		guarded.Destroy()
	})
	assert.PanicsWithValue(t, "callwire: SetAllowWindowUpdates reentered from an upcall", func() {
		guarded.SetAllowWindowUpdates(&s, true)
	})
	assert.PanicsWithValue(t, "callwire: Register reentered from an upcall", func() {
		guarded.Register(GoReactor{})
	})
}

func TestStatusError_Error(t *testing.T) {
	err := &StatusError{Code: StatusUnavailable}
	assert.Equal(t, "callwire: unavailable", err.Error())

	err = &StatusError{Code: StatusInternal, Message: "boom"}
	assert.Equal(t, "callwire: internal error: boom", err.Error())

	assert.Equal(t, "callwire: status(99)", StatusCode(99).String())
}
