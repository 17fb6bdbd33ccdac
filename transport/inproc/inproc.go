// Package inproc provides an in-memory transport pair implementing the
// callwire transport contract. The two halves exchange frames over
// unbounded in-process queues; each half drives its upcalls from its own
// dispatch goroutine, so deliveries never run on the submitter's call
// stack. inproc is the reference implementation of the contract and the
// substrate for its conformance tests.
package inproc

import (
	"io"
	"log/slog"
	"sync"
	"unsafe"

	"github.com/callwire/callwire/transport"
)

// initialWindow is the receive window each side grants a new stream.
const initialWindow = 64 * 1024

// NewPair creates two linked in-memory transports and binds each side's
// Handler through its ResultFunc, the same finalization step a Setup
// performs. The client half initiates streams with odd identifiers, the
// server half with even ones, so the two spaces never collide.
func NewPair(clientBind, serverBind transport.ResultFunc, logger *slog.Logger) (client, server *Transport) {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}

	client = newTransport(1, logger.With("role", "client"))
	server = newTransport(2, logger.With("role", "server"))
	client.peer = server
	server.peer = client

	client.bind(clientBind)
	server.bind(serverBind)

	client.start()
	server.start()

	return client, server
}

type connState int

const (
	connOpen connState = iota
	connClosing
	connClosed
	connDestroyed
)

// Transport is one half of an in-memory transport pair.
type Transport struct {
	logger  *slog.Logger
	peer    *Transport
	handler transport.Handler
	guarded transport.Transport // passed to upcalls in place of t

	q  *frameQueue // inbound frames, local and from the peer
	wg sync.WaitGroup

	mu          sync.Mutex
	reactor     transport.Reactor
	state       connState
	nextID      uint64
	streams     map[*transport.Stream]*streamRec
	byID        map[uint64]*streamRec
	pings       map[uint64]func()
	nextPing    uint64
	goawayFired bool
	closedFired bool
}

type streamRec struct {
	id uint64
	s  *transport.Stream

	// send half
	sendWindow int
	sendq      []outBatch
	sendClosed bool

	// receive half
	allowWindow bool
	recvPending int // consumed window withheld while the gate is off

	aborting bool // terminal delivery queued, drop further inbound frames
	done     bool // terminal delivery made
}

type outBatch struct {
	ops  []transport.Op
	last bool
}

func newTransport(firstID uint64, logger *slog.Logger) *Transport {
	return &Transport{
		logger:  logger,
		q:       newFrameQueue(),
		reactor: transport.GoReactor{},
		nextID:  firstID,
		streams: make(map[*transport.Stream]*streamRec),
		byID:    make(map[uint64]*streamRec),
		pings:   make(map[uint64]func()),
	}
}

func (t *Transport) bind(result transport.ResultFunc) {
	t.handler = result(t)
	t.guarded = transport.NoReentry(t)
}

func (t *Transport) start() {
	t.wg.Add(1)
	go t.dispatch()
}

var _ transport.Transport = (*Transport)(nil)

// StreamSize reports the bytes of transport-internal record allocated per
// stream.
func (t *Transport) StreamSize() int {
	return int(unsafe.Sizeof(streamRec{}))
}

func (t *Transport) InitStream(s *transport.Stream, serverData transport.ServerData) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.state != connOpen {
		return transport.ErrTransportClosed
	}

	if serverData == nil {
		// Client-initiated: allocate an identifier from this half's space
		// and announce the stream to the peer.
		id := t.nextID
		t.nextID += 2
		t.register(s, id)
		t.peer.q.push(frame{kind: frameOpen, streamID: id})
		t.logger.Debug("stream initialized", "stream_id", id)
		return nil
	}

	token, ok := serverData.(*accepted)
	if !ok || token.t != t {
		return transport.ErrUnknownServerData
	}
	if token.used {
		return transport.ErrServerDataConsumed
	}
	token.used = true
	t.register(s, token.id)
	t.logger.Debug("stream adopted", "stream_id", token.id)
	return nil
}

// register must be called with t.mu held.
func (t *Transport) register(s *transport.Stream, id uint64) {
	s.Attach(id)
	rec := &streamRec{
		id:          id,
		s:           s,
		sendWindow:  initialWindow,
		allowWindow: true,
	}
	t.streams[s] = rec
	t.byID[id] = rec
}

func (t *Transport) DestroyStream(s *transport.Stream) {
	t.mu.Lock()
	defer t.mu.Unlock()

	rec, ok := t.streams[s]
	if !ok {
		return
	}
	delete(t.streams, s)
	delete(t.byID, rec.id)
	t.logger.Debug("stream destroyed", "stream_id", rec.id)
}

func (t *Transport) SetAllowWindowUpdates(s *transport.Stream, allow bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	rec, ok := t.streams[s]
	if !ok || rec.done {
		return
	}
	if rec.allowWindow == allow {
		return
	}
	rec.allowWindow = allow
	if allow && rec.recvPending > 0 {
		// Release the window withheld while the gate was off.
		t.peer.q.push(frame{kind: frameWindow, streamID: rec.id, window: rec.recvPending})
		rec.recvPending = 0
	}
}

func (t *Transport) SendBatch(s *transport.Stream, ops []transport.Op, last bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	rec, ok := t.streams[s]
	if !ok || rec.done || rec.aborting || rec.sendClosed || t.state != connOpen {
		// Ownership transferred regardless; there is nowhere to send it.
		t.logger.Warn("batch dropped on unusable stream")
		return
	}

	rec.sendq = append(rec.sendq, outBatch{ops: ops, last: last})
	if last {
		rec.sendClosed = true
		if s.CloseSend() == transport.StreamClosed {
			// The receive direction closed first; this send-close completes
			// the stream, so the terminal delivery is owed now.
			t.q.push(frame{kind: frameLocalTerminal, streamID: rec.id})
		}
	}
	t.flushLocked(rec)
}

// flushLocked transmits queued batches for which send window is available.
// Batches are transmitted whole, in order; a batch whose data exceeds the
// remaining window blocks those behind it.
func (t *Transport) flushLocked(rec *streamRec) {
	for len(rec.sendq) > 0 {
		b := rec.sendq[0]
		need := dataLen(b.ops)
		if need > rec.sendWindow {
			return
		}
		rec.sendWindow -= need
		rec.sendq = rec.sendq[1:]
		t.peer.q.push(frame{kind: frameBatch, streamID: rec.id, ops: b.ops, last: b.last})
	}
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

func (t *Transport) Ping(cb func()) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.state != connOpen {
		// Not obligated to fire the callback once closing has begun.
		return
	}
	id := t.nextPing
	t.nextPing++
	t.pings[id] = cb
	t.peer.q.push(frame{kind: framePing, pingID: id})
}

func (t *Transport) AbortStream(s *transport.Stream, code transport.StatusCode) {
	t.mu.Lock()
	defer t.mu.Unlock()

	rec, ok := t.streams[s]
	if !ok || rec.done || rec.aborting {
		return
	}
	rec.aborting = true
	rec.sendq = nil
	t.logger.Debug("stream aborted", "stream_id", rec.id, "code", code)

	t.peer.q.push(frame{kind: frameAbort, streamID: rec.id, code: code})
	// The guaranteed empty terminal delivery goes through the dispatch
	// queue so it stays ordered with earlier deliveries and never runs on
	// this call stack.
	t.q.push(frame{kind: frameLocalTerminal, streamID: rec.id})
}

func (t *Transport) Register(r transport.Reactor) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if r != nil {
		t.reactor = r
	}
}

func (t *Transport) GoAway(code transport.StatusCode, debug []byte) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.state != connOpen {
		return
	}
	t.peer.q.push(frame{kind: frameGoAway, code: code, debug: debug})
}

func (t *Transport) Close() {
	t.mu.Lock()
	if t.state != connOpen {
		t.mu.Unlock()
		return
	}
	t.state = connClosing
	recs := t.openRecsLocked()
	t.mu.Unlock()

	t.logger.Info("closing transport", "open_streams", len(recs))

	t.peer.q.push(frame{kind: frameConnClose})
	for _, rec := range recs {
		t.q.push(frame{kind: frameLocalTerminal, streamID: rec.id})
	}
	t.q.push(frame{kind: frameLocalClosed})
}

// openRecsLocked marks every live stream aborting and returns them.
func (t *Transport) openRecsLocked() []*streamRec {
	recs := make([]*streamRec, 0, len(t.byID))
	for _, rec := range t.byID {
		if rec.done || rec.aborting {
			continue
		}
		rec.aborting = true
		rec.sendq = nil
		recs = append(recs, rec)
	}
	return recs
}

func (t *Transport) Destroy() {
	t.mu.Lock()
	if t.state == connDestroyed {
		t.mu.Unlock()
		return
	}
	t.state = connDestroyed
	t.mu.Unlock()

	t.q.close()
	t.wg.Wait()

	t.mu.Lock()
	t.streams = nil
	t.byID = nil
	t.pings = nil
	t.mu.Unlock()

	t.logger.Debug("transport destroyed")
}
