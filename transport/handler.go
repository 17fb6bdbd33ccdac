package transport

// ServerData is the opaque token an AcceptStream upcall supplies for a
// server-initiated stream. The call layer passes it back, unmodified, to
// exactly one InitStream call on the same transport; it carries no meaning
// outside that round trip.
type ServerData any

// Handler is the callback contract a Transport invokes into the owning
// layer. The binding of a Handler to a Transport happens once, through the
// ResultFunc of a Setup (or an implementation's constructor), and lasts for
// the transport's lifetime.
//
// Every upcall may run on the transport's own execution context, possibly a
// network thread, with transport-internal locks held. Upcall code must not
// block on further network activity and must not reenter the transport's
// operation surface; the sole exception is the InitStream call AcceptStream
// is required to make.
type Handler interface {
	// AllocRecvBuffer returns a buffer for the transport to receive data
	// into. The returned buffer must be non-empty; its size may differ from
	// sizeHint in either direction and the transport must not assume the
	// hint was honored. s is nil when the target stream is not yet known.
	AllocRecvBuffer(t Transport, s *Stream, sizeHint int) []byte

	// AcceptStream asks the owning layer to adopt a server-initiated
	// stream. It must result in exactly one InitStream call on t, passing
	// serverData, within the same call stack, and must not trigger any
	// other transport operation synchronously.
	AcceptStream(t Transport, serverData ServerData)

	// RecvBatch delivers a batch of received operations for s. Ownership of
	// ops and their buffers transfers to the handler. final reports the
	// stream's state as of the last operation in the batch; when it is
	// StreamClosed this is the last delivery for s and the handler becomes
	// responsible for eventually calling DestroyStream, from a different
	// call stack.
	RecvBatch(t Transport, s *Stream, ops []Op, final StreamState)

	// GoAway reports the peer's advisory of impending termination. Existing
	// streams remain valid. Fires at most once per transport, before Closed
	// when both occur.
	GoAway(t Transport, code StatusCode, debug []byte)

	// Closed reports that the transport has closed. Every stream that was
	// open has received its terminal delivery before or as part of this
	// upcall. Fires at most once per transport.
	Closed(t Transport)
}

// NoReentry wraps t so that every operation except InitStream panics with a
// diagnostic instead of deadlocking on the transport's internal locks.
// Transport implementations pass the wrapped transport to Handler upcalls;
// InitStream stays callable because AcceptStream is required to invoke it
// on the same stack.
func NoReentry(t Transport) Transport {
	return &reentryGuard{t: t}
}

type reentryGuard struct {
	t Transport
}

func (g *reentryGuard) StreamSize() int {
	// Pure query, safe from any context.
	return g.t.StreamSize()
}

func (g *reentryGuard) InitStream(s *Stream, serverData ServerData) error {
	return g.t.InitStream(s, serverData)
}

func (g *reentryGuard) DestroyStream(*Stream) {
	panic("callwire: DestroyStream reentered from an upcall")
}

func (g *reentryGuard) SetAllowWindowUpdates(*Stream, bool) {
	panic("callwire: SetAllowWindowUpdates reentered from an upcall")
}

func (g *reentryGuard) SendBatch(*Stream, []Op, bool) {
	panic("callwire: SendBatch reentered from an upcall")
}

func (g *reentryGuard) Ping(func()) {
	panic("callwire: Ping reentered from an upcall")
}

func (g *reentryGuard) AbortStream(*Stream, StatusCode) {
	panic("callwire: AbortStream reentered from an upcall")
}

func (g *reentryGuard) Register(Reactor) {
	panic("callwire: Register reentered from an upcall")
}

func (g *reentryGuard) GoAway(StatusCode, []byte) {
	panic("callwire: GoAway reentered from an upcall")
}

func (g *reentryGuard) Close() {
	panic("callwire: Close reentered from an upcall")
}

func (g *reentryGuard) Destroy() {
	panic("callwire: Destroy reentered from an upcall")
}
