// Package transport defines the boundary between a byte-stream transport
// implementation and the call layer of the callwire RPC framework.
//
// A Transport manages one multiplexed connection and the Streams riding on
// it. The call layer drives a Transport through its operation surface
// (InitStream, SendBatch, AbortStream, ...); the Transport drives the call
// layer back through the Handler upcalls (AcceptStream, RecvBatch, Closed,
// ...). Batches of typed operations cross the boundary in both directions,
// and ownership of every operation and buffer they reference transfers with
// the batch.
//
// # Stream lifecycle
//
// Streams move through a monotonic state machine: from StreamOpen the send
// and receive directions close independently (StreamSendClosed,
// StreamRecvClosed), and only the combination of both yields StreamClosed,
// which is terminal. A batch delivered with final state StreamClosed is the
// last delivery for that stream; the receiver is then responsible for
// eventually calling DestroyStream, from a different call stack than the one
// that delivered the batch.
//
// # Threading
//
// A Transport issues upcalls from its own execution context, possibly a
// network thread, and may hold internal locks while doing so. Upcall code
// must not block on further network activity and must not reenter the
// transport's operation surface; NoReentry wraps a transport so that such
// reentry is caught early instead of deadlocking.
//
// # Implementations
//
// Two implementations ship with this module:
//
//   - transport/inproc: an in-memory loopback pair, the reference
//     implementation of this contract and the substrate for its tests
//   - transport/quicmux: a QUIC-backed transport mapping each Stream onto
//     one QUIC stream, via the quicwire abstraction
package transport
