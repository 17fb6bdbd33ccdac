// Package quicmux implements the callwire transport contract over a QUIC
// connection. Every stream rides one bidirectional QUIC stream; a dedicated
// control stream, opened by the client half, carries ping, goaway and
// window-grant frames. Flow control is accounted at this framing layer:
// each side starts a stream with an initialWindow byte budget, deliveries
// consume it, and the receiver returns grants on the control stream.
// Disabling a stream's gate withholds those grants without touching data
// already sent under budget, which keeps being delivered.
package quicmux

import (
	"errors"
	"io"
	"log/slog"
	"sync"
	"unsafe"

	"github.com/quic-go/quic-go/quicvarint"

	"github.com/callwire/callwire/quicwire"
	"github.com/callwire/callwire/transport"
)

var errEmptyRecvBuffer = errors.New("quicmux: alloc_recv_buffer returned an empty buffer")

// NewClientTransport binds the client half of a transport onto an
// established connection. The client opens the control stream.
func NewClientTransport(conn quicwire.Connection, result transport.ResultFunc, logger *slog.Logger) *Transport {
	t := newTransport(conn, logger)
	t.handler = result(t)
	t.guarded = transport.NoReentry(t)
	t.start(true)
	return t
}

// NewServerTransport binds the server half of a transport onto an accepted
// connection. The control stream is expected from the peer.
func NewServerTransport(conn quicwire.Connection, result transport.ResultFunc, logger *slog.Logger) *Transport {
	t := newTransport(conn, logger)
	t.handler = result(t)
	t.guarded = transport.NoReentry(t)
	t.start(false)
	return t
}

// Transport is one half of a QUIC-backed transport.
type Transport struct {
	logger  *slog.Logger
	conn    quicwire.Connection
	handler transport.Handler
	guarded transport.Transport

	ctrlq *byteQueue // frames bound for the control stream

	wg sync.WaitGroup

	mu       sync.Mutex
	reactor  transport.Reactor
	streams  map[*transport.Stream]*streamRec
	byQID    map[quicwire.StreamID]*streamRec
	nextID   uint64
	pings    map[uint64]func()
	nextPing uint64

	goawayFired bool
	closeOnce   sync.Once
	closedAll   bool
	destroyed   bool
}

type streamRec struct {
	id uint64
	s  *transport.Stream
	qs quicwire.Stream

	sendq    *byteQueue
	sendDone chan struct{} // closed when the write loop exits

	// Window accounting, guarded by the transport mutex.
	sendWindow  int        // bytes the peer has granted and we have not spent
	pending     []outBatch // batches waiting for send window
	allowWindow bool       // the advisory gate; off withholds new grants
	recvPending int        // consumed budget withheld while the gate is off

	deliverMu sync.Mutex // serializes deliveries; done guarded by it
	done      bool
}

type outBatch struct {
	ops  []transport.Op
	last bool
}

func dataLen(ops []transport.Op) int {
	var n int
	for _, op := range ops {
		if data, ok := op.(transport.DataOp); ok {
			n += len(data.Payload)
		}
	}
	return n
}

func newTransport(conn quicwire.Connection, logger *slog.Logger) *Transport {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Transport{
		logger:  logger,
		conn:    conn,
		ctrlq:   newByteQueue(),
		reactor: transport.GoReactor{},
		streams: make(map[*transport.Stream]*streamRec),
		byQID:   make(map[quicwire.StreamID]*streamRec),
		pings:   make(map[uint64]func()),
	}
}

func (t *Transport) start(client bool) {
	t.spawn(func() { t.acceptLoop() })
	t.spawn(func() { t.superviseConn() })
	if client {
		t.spawn(func() { t.openControl() })
	}
}

// spawn schedules f on the current reactor and tracks it for Destroy.
func (t *Transport) spawn(f func()) {
	t.mu.Lock()
	r := t.reactor
	t.mu.Unlock()

	t.wg.Add(1)
	r.Go(func() {
		defer t.wg.Done()
		f()
	})
}

var _ transport.Transport = (*Transport)(nil)

func (t *Transport) StreamSize() int {
	return int(unsafe.Sizeof(streamRec{}))
}

func (t *Transport) InitStream(s *transport.Stream, serverData transport.ServerData) error {
	if serverData == nil {
		return t.initClientStream(s)
	}

	token, ok := serverData.(*accepted)
	if !ok || token.t != t {
		return transport.ErrUnknownServerData
	}
	if token.used {
		return transport.ErrServerDataConsumed
	}
	token.used = true
	t.adopt(s, token.qs)
	return nil
}

func (t *Transport) initClientStream(s *transport.Stream) error {
	qs, err := t.conn.OpenStreamSync(t.conn.Context())
	if err != nil {
		t.logger.Error("failed to open stream", "error", err)
		return &transport.StatusError{Code: transport.StatusUnavailable, Message: err.Error()}
	}

	buf := quicvarint.Append(nil, streamTypeData)
	if _, err := qs.Write(buf); err != nil {
		qs.CancelWrite(quicwire.StreamErrorCode(transport.StatusInternal))
		qs.CancelRead(quicwire.StreamErrorCode(transport.StatusInternal))
		t.logger.Error("failed to write stream type", "error", err)
		return &transport.StatusError{Code: transport.StatusUnavailable, Message: err.Error()}
	}

	t.adopt(s, qs)
	return nil
}

// adopt registers the stream and starts its read and write loops.
func (t *Transport) adopt(s *transport.Stream, qs quicwire.Stream) {
	rec := &streamRec{
		s:           s,
		qs:          qs,
		sendq:       newByteQueue(),
		sendDone:    make(chan struct{}),
		sendWindow:  initialWindow,
		allowWindow: true,
	}

	t.mu.Lock()
	t.nextID++
	rec.id = t.nextID
	s.Attach(rec.id)
	t.streams[s] = rec
	t.byQID[qs.StreamID()] = rec
	t.mu.Unlock()

	t.logger.Debug("stream initialized", "stream_id", rec.id, "quic_stream_id", qs.StreamID())

	t.spawn(func() { t.readLoop(rec) })
	t.spawn(func() { t.writeLoop(rec) })
}

func (t *Transport) DestroyStream(s *transport.Stream) {
	t.mu.Lock()
	rec, ok := t.streams[s]
	if ok {
		delete(t.streams, s)
		delete(t.byQID, rec.qs.StreamID())
	}
	t.mu.Unlock()

	if ok {
		t.logger.Debug("stream destroyed", "stream_id", rec.id)
	}
}

func (t *Transport) SetAllowWindowUpdates(s *transport.Stream, allow bool) {
	t.mu.Lock()
	rec, ok := t.streams[s]
	if !ok || rec.allowWindow == allow {
		t.mu.Unlock()
		return
	}
	rec.allowWindow = allow
	var release int
	if allow {
		// Return the budget withheld while the gate was off.
		release = rec.recvPending
		rec.recvPending = 0
	}
	t.mu.Unlock()

	if release > 0 {
		t.grantWindow(rec, release)
	}
}

func (t *Transport) SendBatch(s *transport.Stream, ops []transport.Op, last bool) {
	t.mu.Lock()
	rec, ok := t.streams[s]
	if !ok {
		t.mu.Unlock()
		t.logger.Warn("batch dropped on unusable stream")
		return
	}
	rec.pending = append(rec.pending, outBatch{ops: ops, last: last})
	t.flushLocked(rec)
	t.mu.Unlock()

	if last {
		s.CloseSend()
	}
}

// flushLocked encodes and queues pending batches covered by send window.
// Batches go out whole, in order; one too large for the remaining window
// blocks those behind it.
func (t *Transport) flushLocked(rec *streamRec) {
	for len(rec.pending) > 0 {
		b := rec.pending[0]
		need := dataLen(b.ops)
		if need > rec.sendWindow {
			return
		}
		rec.sendWindow -= need
		rec.pending = rec.pending[1:]
		rec.sendq.push(appendBatch(nil, b.ops, b.last), b.last)
	}
}

// grantWindow returns consumed receive budget to the peer over the control
// stream. QUIC stream identifiers are shared with the peer, so they key the
// grant; the stream's own send direction may already be finished.
func (t *Transport) grantWindow(rec *streamRec, n int) {
	buf := quicvarint.Append(nil, ctrlWindow)
	buf = quicvarint.Append(buf, uint64(rec.qs.StreamID()))
	buf = quicvarint.Append(buf, uint64(n))
	t.ctrlq.push(buf, false)
}

// replenish runs after a delivery: grant the consumed budget back unless
// the gate withholds it.
func (t *Transport) replenish(rec *streamRec, n int) {
	t.mu.Lock()
	if !rec.allowWindow {
		rec.recvPending += n
		t.mu.Unlock()
		return
	}
	t.mu.Unlock()
	t.grantWindow(rec, n)
}

func (t *Transport) Ping(cb func()) {
	t.mu.Lock()
	if t.closedAll {
		t.mu.Unlock()
		return
	}
	id := t.nextPing
	t.nextPing++
	t.pings[id] = cb
	t.mu.Unlock()

	buf := quicvarint.Append(nil, ctrlPing)
	buf = quicvarint.Append(buf, id)
	t.ctrlq.push(buf, false)
}

func (t *Transport) AbortStream(s *transport.Stream, code transport.StatusCode) {
	t.mu.Lock()
	rec, ok := t.streams[s]
	t.mu.Unlock()
	if !ok {
		return
	}

	t.logger.Debug("stream aborted", "stream_id", rec.id, "code", code)
	rec.qs.CancelWrite(quicwire.StreamErrorCode(code))
	rec.qs.CancelRead(quicwire.StreamErrorCode(code))
	// The terminal delivery happens on this stack; the destroy-stack rule
	// then keeps DestroyStream out of the handler's RecvBatch body as
	// usual.
	t.terminal(rec, nil)
}

// terminal makes the exactly-once terminal delivery for a stream.
func (t *Transport) terminal(rec *streamRec, ops []transport.Op) {
	rec.deliverMu.Lock()
	defer rec.deliverMu.Unlock()
	if rec.done {
		return
	}
	rec.done = true
	rec.sendq.close()
	rec.s.Terminate()
	t.handler.RecvBatch(t.guarded, rec.s, ops, transport.StreamClosed)
}

func (t *Transport) Register(r transport.Reactor) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if r != nil {
		t.reactor = r
	}
}

func (t *Transport) GoAway(code transport.StatusCode, debug []byte) {
	buf := quicvarint.Append(nil, ctrlGoAway)
	buf = quicvarint.Append(buf, uint64(code))
	buf = quicvarint.Append(buf, uint64(len(debug)))
	buf = append(buf, debug...)
	t.ctrlq.push(buf, false)
}

func (t *Transport) Close() {
	t.conn.CloseWithError(quicwire.ApplicationErrorCode(transport.StatusOK), "transport closed")
	t.teardown()
}

// teardown aborts every live stream and fires Closed, exactly once across
// local Close and peer-driven connection failure.
func (t *Transport) teardown() {
	t.closeOnce.Do(func() {
		t.mu.Lock()
		t.closedAll = true
		recs := make([]*streamRec, 0, len(t.streams))
		for _, rec := range t.streams {
			recs = append(recs, rec)
		}
		t.pings = make(map[uint64]func())
		t.mu.Unlock()

		t.logger.Info("closing transport", "open_streams", len(recs))

		t.ctrlq.close()
		for _, rec := range recs {
			rec.qs.CancelWrite(quicwire.StreamErrorCode(transport.StatusUnavailable))
			rec.qs.CancelRead(quicwire.StreamErrorCode(transport.StatusUnavailable))
			t.terminal(rec, nil)
		}

		t.handler.Closed(t.guarded)
	})
}

func (t *Transport) Destroy() {
	t.mu.Lock()
	if t.destroyed {
		t.mu.Unlock()
		return
	}
	t.destroyed = true
	t.mu.Unlock()

	t.conn.CloseWithError(quicwire.ApplicationErrorCode(transport.StatusOK), "transport destroyed")
	t.teardown()
	t.wg.Wait()

	t.mu.Lock()
	t.streams = make(map[*transport.Stream]*streamRec)
	t.byQID = make(map[quicwire.StreamID]*streamRec)
	t.mu.Unlock()

	t.logger.Debug("transport destroyed")
}

// superviseConn watches the connection context and runs teardown when the
// connection dies for any reason, peer-initiated included.
func (t *Transport) superviseConn() {
	<-t.conn.Context().Done()
	t.teardown()
}

// accepted is the opaque server data handed to AcceptStream, valid for
// exactly one InitStream call on the issuing transport.
type accepted struct {
	t    *Transport
	qs   quicwire.Stream
	used bool
}

func (t *Transport) acceptLoop() {
	for {
		qs, err := t.conn.AcceptStream(t.conn.Context())
		if err != nil {
			t.logger.Debug("accept loop stopping", "error", err)
			return
		}

		// Stream types fit in one byte. Reading exactly one byte leaves the
		// rest of the stream for its own loop's reader; a buffered reader
		// here could swallow bytes past the type.
		var tb [1]byte
		if _, err := io.ReadFull(qs, tb[:]); err != nil {
			t.logger.Error("failed to read stream type", "error", err)
			qs.CancelRead(quicwire.StreamErrorCode(transport.StatusInternal))
			qs.CancelWrite(quicwire.StreamErrorCode(transport.StatusInternal))
			continue
		}

		switch uint64(tb[0]) {
		case streamTypeControl:
			t.spawn(func() { t.controlWriteLoop(qs) })
			t.spawn(func() { t.controlReadLoop(qs) })
		case streamTypeData:
			token := &accepted{t: t, qs: qs}
			t.handler.AcceptStream(t.guarded, token)
			if !token.used {
				t.logger.Error("accept_stream returned without initializing the stream",
					"quic_stream_id", qs.StreamID(),
				)
				qs.CancelRead(quicwire.StreamErrorCode(transport.StatusInternal))
				qs.CancelWrite(quicwire.StreamErrorCode(transport.StatusInternal))
			}
		default:
			t.logger.Error("unknown stream type", "stream_type", tb[0])
			qs.CancelRead(quicwire.StreamErrorCode(transport.StatusInternal))
			qs.CancelWrite(quicwire.StreamErrorCode(transport.StatusInternal))
		}
	}
}

func (t *Transport) openControl() {
	qs, err := t.conn.OpenStreamSync(t.conn.Context())
	if err != nil {
		t.logger.Error("failed to open control stream", "error", err)
		t.conn.CloseWithError(quicwire.ApplicationErrorCode(transport.StatusInternal), "control stream failed")
		return
	}
	if _, err := qs.Write(quicvarint.Append(nil, streamTypeControl)); err != nil {
		t.logger.Error("failed to write control stream type", "error", err)
		t.conn.CloseWithError(quicwire.ApplicationErrorCode(transport.StatusInternal), "control stream failed")
		return
	}

	t.spawn(func() { t.controlWriteLoop(qs) })
	t.spawn(func() { t.controlReadLoop(qs) })
}

func (t *Transport) controlWriteLoop(qs quicwire.Stream) {
	for {
		buf, done, _ := t.ctrlq.pop()
		if done {
			return
		}
		if _, err := qs.Write(buf); err != nil {
			t.logger.Debug("control write failed", "error", err)
			return
		}
	}
}

func (t *Transport) controlReadLoop(qs quicwire.Stream) {
	r := quicvarint.NewReader(qs)
	for {
		kind, err := quicvarint.Read(r)
		if err != nil {
			t.logger.Debug("control read loop stopping", "error", err)
			return
		}

		switch kind {
		case ctrlPing:
			id, err := quicvarint.Read(r)
			if err != nil {
				return
			}
			buf := quicvarint.Append(nil, ctrlPong)
			buf = quicvarint.Append(buf, id)
			t.ctrlq.push(buf, false)
		case ctrlPong:
			id, err := quicvarint.Read(r)
			if err != nil {
				return
			}
			t.firePing(id)
		case ctrlGoAway:
			code, err := quicvarint.Read(r)
			if err != nil {
				return
			}
			length, err := quicvarint.Read(r)
			if err != nil {
				return
			}
			debug := make([]byte, length)
			if _, err := io.ReadFull(r, debug); err != nil {
				return
			}
			t.fireGoAway(transport.StatusCode(code), debug)
		case ctrlWindow:
			qsid, err := quicvarint.Read(r)
			if err != nil {
				return
			}
			n, err := quicvarint.Read(r)
			if err != nil {
				return
			}
			t.mu.Lock()
			if rec, ok := t.byQID[quicwire.StreamID(qsid)]; ok {
				rec.sendWindow += int(n)
				t.flushLocked(rec)
			}
			t.mu.Unlock()
		default:
			t.logger.Error("unknown control frame", "kind", kind)
			return
		}
	}
}

func (t *Transport) firePing(id uint64) {
	t.mu.Lock()
	cb, ok := t.pings[id]
	if ok {
		delete(t.pings, id)
	}
	r := t.reactor
	t.mu.Unlock()

	if !ok {
		return
	}
	// Queued after releasing transport locks; callers may not rely on
	// in-lock execution.
	r.Go(cb)
}

func (t *Transport) fireGoAway(code transport.StatusCode, debug []byte) {
	t.mu.Lock()
	if t.goawayFired || t.closedAll {
		t.mu.Unlock()
		return
	}
	t.goawayFired = true
	t.mu.Unlock()

	t.logger.Info("goaway received", "code", code)
	t.handler.GoAway(t.guarded, code, debug)
}

func (t *Transport) writeLoop(rec *streamRec) {
	defer close(rec.sendDone)
	for {
		buf, done, finish := rec.sendq.pop()
		if done {
			if finish {
				rec.qs.Close()
			}
			return
		}
		if _, err := rec.qs.Write(buf); err != nil {
			t.logger.Debug("stream write failed", "stream_id", rec.id, "error", err)
			return
		}
	}
}

// readLoop decodes batches and delivers them in order. It runs on the
// transport's own execution context and never on a submitter's stack.
func (t *Transport) readLoop(rec *streamRec) {
	r := quicvarint.NewReader(rec.qs)
	alloc := func(sizeHint int) ([]byte, bool) {
		buf := t.handler.AllocRecvBuffer(t.guarded, rec.s, sizeHint)
		return buf, len(buf) > 0
	}

	for {
		ops, last, err := readBatch(r, alloc)
		if err != nil {
			t.handleReadError(rec, err)
			return
		}
		consumed := dataLen(ops)

		var final transport.StreamState
		if last {
			final = rec.s.CloseRecv()
		} else {
			final = rec.s.State()
		}

		rec.deliverMu.Lock()
		if rec.done {
			rec.deliverMu.Unlock()
			return
		}
		if final == transport.StreamClosed {
			rec.done = true
		}
		t.handler.RecvBatch(t.guarded, rec.s, ops, final)
		rec.deliverMu.Unlock()

		if consumed > 0 {
			t.replenish(rec, consumed)
		}

		if final == transport.StreamClosed {
			return
		}
		if last {
			// Receive direction is done; leave the loop to the writer.
			t.awaitSendClose(rec)
			return
		}
	}
}

// awaitSendClose parks until the send direction has also finished, then
// makes the terminal delivery that carries the stream into StreamClosed.
func (t *Transport) awaitSendClose(rec *streamRec) {
	<-rec.sendDone
	t.terminal(rec, nil)
}

func (t *Transport) handleReadError(rec *streamRec, err error) {
	if errors.Is(err, errEmptyRecvBuffer) {
		// Contract violation by the handler; flag the whole transport.
		t.logger.Error("alloc_recv_buffer returned an empty buffer", "stream_id", rec.id)
		t.conn.CloseWithError(quicwire.ApplicationErrorCode(transport.StatusInternal), "empty receive buffer")
		t.teardown()
		return
	}

	var ops []transport.Op
	var streamErr *quicwire.StreamError
	if errors.As(err, &streamErr) && streamErr.Remote {
		// Peer reset: surface the code with the terminal delivery.
		ops = []transport.Op{transport.StatusOp{Code: transport.StatusCode(streamErr.ErrorCode)}}
	}
	rec.qs.CancelWrite(quicwire.StreamErrorCode(transport.StatusAborted))
	t.terminal(rec, ops)
}
