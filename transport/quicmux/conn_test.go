package quicmux

import (
	"context"
	"errors"
	"io"
	"net"
	"sync"

	"github.com/callwire/callwire/quicwire"
)

// pipeConn is an in-memory quicwire.Connection pair for exercising the
// transport without a network. It mimics the behavior the transport relies
// on: stream resets surface as *quicwire.StreamError with Remote set on
// the receiving side, and closing the connection cancels both contexts and
// fails every stream.

type pipeAddr struct{}

func (pipeAddr) Network() string { return "pipe" }
func (pipeAddr) String() string  { return "pipe" }

type pipeBuf struct {
	mu   sync.Mutex
	cond *sync.Cond
	data []byte
	eof  bool
	err  error
}

func newPipeBuf() *pipeBuf {
	b := &pipeBuf{}
	b.cond = sync.NewCond(&b.mu)
	return b
}

func (b *pipeBuf) read(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for len(b.data) == 0 && !b.eof && b.err == nil {
		b.cond.Wait()
	}
	if b.err != nil {
		return 0, b.err
	}
	if len(b.data) == 0 {
		return 0, io.EOF
	}
	n := copy(p, b.data)
	b.data = b.data[n:]
	return n, nil
}

func (b *pipeBuf) write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.err != nil {
		return 0, b.err
	}
	if b.eof {
		return 0, errors.New("write on closed stream")
	}
	b.data = append(b.data, p...)
	b.cond.Broadcast()
	return len(p), nil
}

func (b *pipeBuf) closeEOF() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.eof = true
	b.cond.Broadcast()
}

// fail discards buffered data, the way a reset does.
func (b *pipeBuf) fail(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.err == nil {
		b.err = err
	}
	b.data = nil
	b.cond.Broadcast()
}

type pipeStream struct {
	id  quicwire.StreamID
	in  *pipeBuf
	out *pipeBuf

	wmu  sync.Mutex
	werr error
}

func (s *pipeStream) Read(p []byte) (int, error) { return s.in.read(p) }

func (s *pipeStream) Write(p []byte) (int, error) {
	s.wmu.Lock()
	werr := s.werr
	s.wmu.Unlock()
	if werr != nil {
		return 0, werr
	}
	return s.out.write(p)
}

func (s *pipeStream) Close() error {
	s.out.closeEOF()
	return nil
}

func (s *pipeStream) CancelWrite(code quicwire.StreamErrorCode) {
	s.wmu.Lock()
	if s.werr == nil {
		s.werr = &quicwire.StreamError{StreamID: s.id, ErrorCode: code}
	}
	s.wmu.Unlock()
	s.out.fail(&quicwire.StreamError{StreamID: s.id, ErrorCode: code, Remote: true})
}

func (s *pipeStream) CancelRead(code quicwire.StreamErrorCode) {
	s.in.fail(&quicwire.StreamError{StreamID: s.id, ErrorCode: code})
}

func (s *pipeStream) StreamID() quicwire.StreamID { return s.id }

type pipeConn struct {
	accept chan quicwire.Stream
	peer   *pipeConn
	ctx    context.Context
	cancel context.CancelFunc

	mu      sync.Mutex
	nextID  quicwire.StreamID
	streams []*pipeStream
	closed  bool
}

func newPipeConnPair() (client, server *pipeConn) {
	client = &pipeConn{accept: make(chan quicwire.Stream, 16)}
	server = &pipeConn{accept: make(chan quicwire.Stream, 16), nextID: 1}
	client.ctx, client.cancel = context.WithCancel(context.Background())
	server.ctx, server.cancel = context.WithCancel(context.Background())
	client.peer, server.peer = server, client
	return client, server
}

var _ quicwire.Connection = (*pipeConn)(nil)

func (c *pipeConn) OpenStreamSync(ctx context.Context) (quicwire.Stream, error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, errors.New("connection closed")
	}
	id := c.nextID
	c.nextID += 4
	c.mu.Unlock()

	toPeer, fromPeer := newPipeBuf(), newPipeBuf()
	local := &pipeStream{id: id, in: fromPeer, out: toPeer}
	remote := &pipeStream{id: id, in: toPeer, out: fromPeer}

	c.mu.Lock()
	c.streams = append(c.streams, local)
	c.mu.Unlock()
	c.peer.mu.Lock()
	c.peer.streams = append(c.peer.streams, remote)
	c.peer.mu.Unlock()

	select {
	case c.peer.accept <- remote:
		return local, nil
	case <-c.ctx.Done():
		return nil, c.ctx.Err()
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (c *pipeConn) AcceptStream(ctx context.Context) (quicwire.Stream, error) {
	select {
	case s := <-c.accept:
		return s, nil
	case <-c.ctx.Done():
		return nil, c.ctx.Err()
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (c *pipeConn) CloseWithError(code quicwire.ApplicationErrorCode, msg string) error {
	appErr := &quicwire.ApplicationError{ErrorCode: code, ErrorMessage: msg}
	c.shutdown(appErr)
	c.peer.shutdown(&quicwire.ApplicationError{ErrorCode: code, ErrorMessage: msg, Remote: true})
	return nil
}

func (c *pipeConn) shutdown(err error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	streams := make([]*pipeStream, len(c.streams))
	copy(streams, c.streams)
	c.mu.Unlock()

	c.cancel()
	for _, s := range streams {
		s.in.fail(err)
		s.out.fail(err)
	}
}

func (c *pipeConn) Context() context.Context { return c.ctx }
func (c *pipeConn) LocalAddr() net.Addr      { return pipeAddr{} }
func (c *pipeConn) RemoteAddr() net.Addr     { return pipeAddr{} }
