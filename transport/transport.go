package transport

// Reactor is the I/O multiplexing facility a transport registers itself
// with. The concrete reactor belongs to the surrounding system; a transport
// only needs to schedule work onto its workers. Scheduled functions may run
// concurrently and must not assume any particular worker.
type Reactor interface {
	Go(f func())
}

// GoReactor runs each scheduled function on a fresh goroutine. It is the
// reactor transports fall back to before Register is called.
type GoReactor struct{}

func (GoReactor) Go(f func()) { go f() }

// Transport is one multiplexed connection and the operation surface the
// call layer drives it through. Implementations must synchronize all stream
// set mutations internally: the submitting side and the transport's own
// upcall-driving side share the object freely.
//
// Operating on a stream after a delivery with final state StreamClosed,
// other than DestroyStream, is a caller error; such preconditions are
// documented, not checked.
type Transport interface {
	// StreamSize reports the per-stream footprint in bytes the transport
	// allocates internally when a stream is initialized. Pure query with no
	// side effects, usable for accounting and pooling decisions.
	StreamSize() int

	// InitStream initializes the caller-allocated handle s on this
	// transport. A nil serverData denotes a client-initiated stream;
	// otherwise serverData must be the exact value supplied by an
	// AcceptStream upcall of this transport, consumed at most once. On
	// failure the returned error wraps a transport-defined StatusError
	// where one applies, and s is unusable: the caller must not submit
	// batches on it nor destroy it.
	InitStream(s *Stream, serverData ServerData) error

	// DestroyStream releases the transport's resources for s; the handle's
	// memory stays with the caller. Preconditions: a batch with final state
	// StreamClosed has already been delivered for s, and the call is not
	// made from the call stack that delivered it.
	DestroyStream(s *Stream)

	// SetAllowWindowUpdates toggles the stream's flow-control gate. With
	// allow false the transport stops opening new receive window for s;
	// data already in flight under previously granted window is still
	// accepted and delivered. Re-enabling is symmetric and idempotent.
	SetAllowWindowUpdates(s *Stream, allow bool)

	// SendBatch submits ops for transmission on s. Ownership of every op
	// and its buffers transfers to the transport when the call returns,
	// whether or not transmission has occurred; actual transmission is
	// asynchronous. last marks this the final batch the caller will submit
	// for the stream's send direction. The transport closes the send
	// direction only through this flag, never by inferring it from content.
	SendBatch(s *Stream, ops []Op, last bool)

	// Ping requests a liveness round trip. cb fires exactly once when a
	// response is observed; on transport failure or close the transport is
	// not obligated to fire it, so callers needing guaranteed completion
	// pair Ping with Closed/GoAway observation. cb may run with transport
	// internal locks held and must not call back into the transport
	// synchronously.
	Ping(cb func())

	// AbortStream terminates both directions of s immediately. Exactly one
	// subsequent local delivery of an empty batch with final state
	// StreamClosed occurs, synchronously or asynchronously at the
	// transport's choice, after which no further deliveries happen for s.
	AbortStream(s *Stream, code StatusCode)

	// Register attaches the transport to an I/O multiplexing facility.
	// Work the transport spawns after registration is scheduled through r.
	Register(r Reactor)

	// GoAway advises the peer of impending termination. Existing streams
	// are not severed.
	GoAway(code StatusCode, debug []byte)

	// Close closes the transport. All open streams are aborted as part of
	// the same transition, so none remains open once Close completes, and
	// the Closed upcall fires at most once.
	Close()

	// Destroy releases the transport's own resources. Stream handles remain
	// caller-owned.
	Destroy()
}
