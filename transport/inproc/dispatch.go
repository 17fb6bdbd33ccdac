package inproc

import (
	"sync"

	"github.com/callwire/callwire/transport"
)

type frameKind int

const (
	frameOpen frameKind = iota
	frameBatch
	frameWindow
	frameAbort
	framePing
	framePong
	frameGoAway
	frameConnClose
	// Local frames never cross to the peer; they carry deliveries that must
	// flow through the dispatch queue to stay ordered and off the
	// submitter's stack.
	frameLocalTerminal
	frameLocalClosed
)

type frame struct {
	kind     frameKind
	streamID uint64
	ops      []transport.Op
	last     bool
	window   int
	code     transport.StatusCode
	debug    []byte
	pingID   uint64
}

// accepted is the opaque server data handed to AcceptStream. It is valid
// for exactly one InitStream call on the issuing transport.
type accepted struct {
	t    *Transport
	id   uint64
	used bool
}

func newFrameQueue() *frameQueue {
	return &frameQueue{cond: sync.NewCond(&sync.Mutex{})}
}

type frameQueue struct {
	cond   *sync.Cond
	frames []frame
	closed bool
}

func (q *frameQueue) push(f frame) {
	q.cond.L.Lock()
	defer q.cond.L.Unlock()
	if q.closed {
		return
	}
	q.frames = append(q.frames, f)
	q.cond.Signal()
}

func (q *frameQueue) pop() (frame, bool) {
	q.cond.L.Lock()
	defer q.cond.L.Unlock()
	for len(q.frames) == 0 && !q.closed {
		q.cond.Wait()
	}
	if len(q.frames) == 0 {
		return frame{}, false
	}
	f := q.frames[0]
	q.frames = q.frames[1:]
	return f, true
}

func (q *frameQueue) close() {
	q.cond.L.Lock()
	defer q.cond.L.Unlock()
	q.closed = true
	q.frames = nil
	q.cond.Broadcast()
}

// dispatch drains the inbound queue and drives every upcall. Running all
// deliveries on this one goroutine gives each stream strictly ordered
// deliveries and keeps them off the submitter's call stack.
func (t *Transport) dispatch() {
	defer t.wg.Done()
	for {
		f, ok := t.q.pop()
		if !ok {
			return
		}
		t.handleFrame(f)
	}
}

func (t *Transport) handleFrame(f frame) {
	switch f.kind {
	case frameOpen:
		t.handleOpen(f)
	case frameBatch:
		t.handleBatch(f)
	case frameWindow:
		t.handleWindow(f)
	case frameAbort:
		t.handleAbort(f)
	case framePing:
		t.peer.q.push(frame{kind: framePong, pingID: f.pingID})
	case framePong:
		t.handlePong(f)
	case frameGoAway:
		t.handleGoAway(f)
	case frameConnClose:
		t.handleConnClose()
	case frameLocalTerminal:
		t.handleLocalTerminal(f)
	case frameLocalClosed:
		t.fireClosed()
	}
}

func (t *Transport) handleOpen(f frame) {
	t.mu.Lock()
	if t.state != connOpen {
		t.mu.Unlock()
		return
	}
	t.mu.Unlock()

	token := &accepted{t: t, id: f.streamID}
	t.handler.AcceptStream(t.guarded, token)

	if !token.used {
		// The contract requires AcceptStream to initialize the stream on
		// the same stack. Refuse the stream rather than strand the peer.
		t.logger.Error("accept_stream returned without initializing the stream",
			"stream_id", f.streamID,
		)
		t.peer.q.push(frame{kind: frameAbort, streamID: f.streamID, code: transport.StatusInternal})
	}
}

func (t *Transport) handleBatch(f frame) {
	t.mu.Lock()
	rec, ok := t.byID[f.streamID]
	if !ok || rec.done || rec.aborting || t.state != connOpen {
		t.mu.Unlock()
		return
	}
	s := rec.s
	allow := rec.allowWindow
	t.mu.Unlock()

	consumed := dataLen(f.ops)
	ops, ok := t.reslice(s, f.ops)
	if !ok {
		return // transport flagged and closing
	}

	var final transport.StreamState
	if f.last {
		final = s.CloseRecv()
	} else {
		final = s.State()
	}

	if final == transport.StreamClosed {
		t.mu.Lock()
		rec.done = true
		t.mu.Unlock()
	}

	t.handler.RecvBatch(t.guarded, s, ops, final)

	if consumed > 0 {
		t.replenish(rec, allow, consumed)
	}
}

// reslice copies received payloads into buffers obtained from the handler,
// splitting a payload across several DataOps when the handler returns
// buffers smaller than the hint. A handler returning an empty buffer
// violates the contract; the transport is flagged and closed.
func (t *Transport) reslice(s *transport.Stream, in []transport.Op) ([]transport.Op, bool) {
	out := make([]transport.Op, 0, len(in))
	for _, op := range in {
		data, ok := op.(transport.DataOp)
		if !ok {
			out = append(out, op)
			continue
		}
		payload := data.Payload
		for len(payload) > 0 {
			buf := t.handler.AllocRecvBuffer(t.guarded, s, len(payload))
			if len(buf) == 0 {
				t.logger.Error("alloc_recv_buffer returned an empty buffer")
				t.Close()
				return nil, false
			}
			n := copy(buf, payload)
			out = append(out, transport.DataOp{Payload: buf[:n]})
			payload = payload[n:]
		}
	}
	return out, true
}

// replenish grants the peer back the window a delivery consumed, unless the
// flow-control gate withholds it.
func (t *Transport) replenish(rec *streamRec, allowAtDelivery bool, n int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.state != connOpen {
		return
	}
	if allowAtDelivery && rec.allowWindow {
		t.peer.q.push(frame{kind: frameWindow, streamID: rec.id, window: n})
		return
	}
	rec.recvPending += n
}

func (t *Transport) handleWindow(f frame) {
	t.mu.Lock()
	defer t.mu.Unlock()
	rec, ok := t.byID[f.streamID]
	if !ok || rec.done || rec.aborting {
		return
	}
	rec.sendWindow += f.window
	t.flushLocked(rec)
}

func (t *Transport) handleAbort(f frame) {
	t.mu.Lock()
	rec, ok := t.byID[f.streamID]
	if !ok || rec.done {
		t.mu.Unlock()
		return
	}
	rec.done = true
	rec.sendq = nil
	s := rec.s
	t.mu.Unlock()

	s.Terminate()
	t.logger.Debug("stream aborted by peer", "stream_id", f.streamID, "code", f.code)
	t.handler.RecvBatch(t.guarded, s, []transport.Op{
		transport.StatusOp{Code: f.code},
	}, transport.StreamClosed)
}

func (t *Transport) handlePong(f frame) {
	t.mu.Lock()
	cb, ok := t.pings[f.pingID]
	if ok {
		delete(t.pings, f.pingID)
	}
	reactor := t.reactor
	t.mu.Unlock()

	if !ok {
		return
	}
	// Dispatched as a queued task after releasing transport locks; callers
	// may not rely on in-lock execution.
	reactor.Go(cb)
}

func (t *Transport) handleGoAway(f frame) {
	t.mu.Lock()
	if t.goawayFired || t.closedFired {
		t.mu.Unlock()
		return
	}
	t.goawayFired = true
	t.mu.Unlock()

	t.logger.Info("goaway received", "code", f.code)
	t.handler.GoAway(t.guarded, f.code, f.debug)
}

// handleConnClose reacts to the peer closing the connection: every live
// stream gets its terminal delivery, then Closed fires.
func (t *Transport) handleConnClose() {
	t.mu.Lock()
	if t.state != connOpen {
		t.mu.Unlock()
		return
	}
	t.state = connClosing
	recs := t.openRecsLocked()
	t.mu.Unlock()

	t.logger.Info("transport closed by peer", "open_streams", len(recs))

	for _, rec := range recs {
		t.q.push(frame{kind: frameLocalTerminal, streamID: rec.id})
	}
	t.q.push(frame{kind: frameLocalClosed})
}

// handleLocalTerminal makes the guaranteed empty terminal delivery for an
// aborted stream.
func (t *Transport) handleLocalTerminal(f frame) {
	t.mu.Lock()
	rec, ok := t.byID[f.streamID]
	if !ok || rec.done {
		t.mu.Unlock()
		return
	}
	rec.done = true
	s := rec.s
	t.mu.Unlock()

	s.Terminate()
	t.handler.RecvBatch(t.guarded, s, nil, transport.StreamClosed)
}

func (t *Transport) fireClosed() {
	t.mu.Lock()
	if t.closedFired {
		t.mu.Unlock()
		return
	}
	t.closedFired = true
	t.state = connClosed
	t.pings = make(map[uint64]func())
	t.mu.Unlock()

	t.handler.Closed(t.guarded)
}
