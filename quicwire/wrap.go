package quicwire

import (
	"context"
	"net"

	"github.com/quic-go/quic-go"
	"github.com/quic-go/webtransport-go"
)

// WrapConnection adapts a quic-go connection to the Connection interface.
func WrapConnection(conn quic.Connection) Connection {
	return &quicConnection{conn: conn}
}

type quicConnection struct {
	conn quic.Connection
}

func (c *quicConnection) OpenStreamSync(ctx context.Context) (Stream, error) {
	str, err := c.conn.OpenStreamSync(ctx)
	if err != nil {
		return nil, err
	}
	return str, nil
}

func (c *quicConnection) AcceptStream(ctx context.Context) (Stream, error) {
	str, err := c.conn.AcceptStream(ctx)
	if err != nil {
		return nil, err
	}
	return str, nil
}

func (c *quicConnection) CloseWithError(code ApplicationErrorCode, msg string) error {
	return c.conn.CloseWithError(code, msg)
}

func (c *quicConnection) Context() context.Context {
	return c.conn.Context()
}

func (c *quicConnection) LocalAddr() net.Addr {
	return c.conn.LocalAddr()
}

func (c *quicConnection) RemoteAddr() net.Addr {
	return c.conn.RemoteAddr()
}

// WrapWebTransportSession adapts a WebTransport session to the Connection
// interface. WebTransport uses its own error-code spaces; codes are
// narrowed on the way through.
func WrapWebTransportSession(sess *webtransport.Session) Connection {
	return &wtConnection{sess: sess}
}

type wtConnection struct {
	sess *webtransport.Session
}

func (c *wtConnection) OpenStreamSync(ctx context.Context) (Stream, error) {
	str, err := c.sess.OpenStreamSync(ctx)
	if err != nil {
		return nil, err
	}
	return &wtStream{str: str}, nil
}

func (c *wtConnection) AcceptStream(ctx context.Context) (Stream, error) {
	str, err := c.sess.AcceptStream(ctx)
	if err != nil {
		return nil, err
	}
	return &wtStream{str: str}, nil
}

func (c *wtConnection) CloseWithError(code ApplicationErrorCode, msg string) error {
	return c.sess.CloseWithError(webtransport.SessionErrorCode(code), msg)
}

func (c *wtConnection) Context() context.Context {
	return c.sess.Context()
}

func (c *wtConnection) LocalAddr() net.Addr {
	return c.sess.LocalAddr()
}

func (c *wtConnection) RemoteAddr() net.Addr {
	return c.sess.RemoteAddr()
}

type wtStream struct {
	str webtransport.Stream
}

func (s *wtStream) Read(p []byte) (int, error) {
	return s.str.Read(p)
}

func (s *wtStream) Write(p []byte) (int, error) {
	return s.str.Write(p)
}

func (s *wtStream) Close() error {
	return s.str.Close()
}

func (s *wtStream) CancelRead(code StreamErrorCode) {
	s.str.CancelRead(webtransport.StreamErrorCode(code))
}

func (s *wtStream) CancelWrite(code StreamErrorCode) {
	s.str.CancelWrite(webtransport.StreamErrorCode(code))
}

func (s *wtStream) StreamID() StreamID {
	return s.str.StreamID()
}
