// Package quicwire is a narrow abstraction over a QUIC implementation,
// scoped to what the callwire transport layer needs: opening and accepting
// bidirectional streams on one connection. Keeping quic-go behind these
// interfaces lets transport/quicmux run against mocks in tests and against
// either a raw QUIC connection or a WebTransport session in production.
package quicwire

import (
	"context"
	"net"

	"github.com/quic-go/quic-go"
)

// Connection is one multiplexed QUIC connection.
type Connection interface {
	// OpenStreamSync opens a new bidirectional stream, blocking until the
	// peer's stream limit allows it.
	OpenStreamSync(ctx context.Context) (Stream, error)

	// AcceptStream waits for and returns the next incoming bidirectional
	// stream.
	AcceptStream(ctx context.Context) (Stream, error)

	// CloseWithError closes the connection with an application error code.
	CloseWithError(code ApplicationErrorCode, msg string) error

	// Context is canceled when the connection closes.
	Context() context.Context

	// LocalAddr returns the local network address.
	LocalAddr() net.Addr

	// RemoteAddr returns the remote network address.
	RemoteAddr() net.Addr
}

// Stream is one bidirectional QUIC stream.
type Stream interface {
	Read(p []byte) (int, error)
	Write(p []byte) (int, error)

	// Close closes the send direction (a FIN to the peer).
	Close() error

	// CancelRead aborts the receive direction with the given error code.
	CancelRead(code StreamErrorCode)

	// CancelWrite aborts the send direction with the given error code.
	CancelWrite(code StreamErrorCode)

	// StreamID returns the stream's identifier on its connection.
	StreamID() StreamID
}

// StreamID uniquely identifies a stream within a connection.
type StreamID = quic.StreamID

// Error code types of the wrapped implementation.
type (
	ApplicationErrorCode = quic.ApplicationErrorCode
	StreamErrorCode      = quic.StreamErrorCode
)

// ApplicationError is a connection-level application error.
type ApplicationError = quic.ApplicationError

// StreamError is returned from Read and Write when a direction was
// canceled.
type StreamError = quic.StreamError
