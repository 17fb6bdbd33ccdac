package quicmux

import (
	"fmt"
	"io"
	"sync"

	"github.com/quic-go/quic-go/quicvarint"

	"github.com/callwire/callwire/transport"
)

// Stream-type identifiers, written as the first varint of every QUIC
// stream.
const (
	streamTypeControl = 0x00
	streamTypeData    = 0x01
)

// Control-stream frame kinds.
const (
	ctrlPing   = 0x01
	ctrlPong   = 0x02
	ctrlGoAway = 0x03
	ctrlWindow = 0x04
)

// initialWindow is the receive budget each side grants a new stream. The
// budget is accounted at this framing layer, above the wrapped
// implementation's own flow control: data already granted must keep
// flowing even while the advisory gate withholds further grants, which
// QUIC's window alone cannot express. Grants travel on the control stream,
// keyed by QUIC stream identifier, because a stream's send direction may
// already be finished when its receive side owes one.
const initialWindow = 64 * 1024

// Data-stream op kinds.
const (
	opMetadata     = 0x01
	opBeginMessage = 0x02
	opData         = 0x03
	opStatus       = 0x04
)

const batchFlagLast = 0x01

// appendBatch encodes a batch: flags, op count, then each op.
func appendBatch(b []byte, ops []transport.Op, last bool) []byte {
	var flags uint64
	if last {
		flags |= batchFlagLast
	}
	b = quicvarint.Append(b, flags)
	b = quicvarint.Append(b, uint64(len(ops)))
	for _, op := range ops {
		b = appendOp(b, op)
	}
	return b
}

func appendOp(b []byte, op transport.Op) []byte {
	switch op := op.(type) {
	case transport.MetadataOp:
		b = quicvarint.Append(b, opMetadata)
		var trailing uint64
		if op.Trailing {
			trailing = 1
		}
		b = quicvarint.Append(b, trailing)
		b = quicvarint.Append(b, uint64(len(op.Entries)))
		for _, e := range op.Entries {
			b = quicvarint.Append(b, uint64(len(e.Key)))
			b = append(b, e.Key...)
			b = quicvarint.Append(b, uint64(len(e.Value)))
			b = append(b, e.Value...)
		}
	case transport.BeginMessageOp:
		b = quicvarint.Append(b, opBeginMessage)
		b = quicvarint.Append(b, uint64(op.Length))
	case transport.DataOp:
		b = quicvarint.Append(b, opData)
		b = quicvarint.Append(b, uint64(len(op.Payload)))
		b = append(b, op.Payload...)
	case transport.StatusOp:
		b = quicvarint.Append(b, opStatus)
		b = quicvarint.Append(b, uint64(op.Code))
		b = quicvarint.Append(b, uint64(len(op.Message)))
		b = append(b, op.Message...)
	}
	return b
}

// allocFunc supplies receive buffers; it reports false when the handler
// violated the non-empty-buffer contract.
type allocFunc func(sizeHint int) ([]byte, bool)

// readBatch decodes one batch. Data payloads are read into buffers obtained
// from alloc, split across several DataOps when the buffers run smaller
// than the remaining payload.
func readBatch(r quicvarint.Reader, alloc allocFunc) (ops []transport.Op, last bool, err error) {
	flags, err := quicvarint.Read(r)
	if err != nil {
		return nil, false, err
	}
	last = flags&batchFlagLast != 0

	count, err := quicvarint.Read(r)
	if err != nil {
		return nil, false, err
	}
	ops = make([]transport.Op, 0, count)
	for i := uint64(0); i < count; i++ {
		decoded, err := readOp(r, alloc)
		if err != nil {
			return nil, false, err
		}
		ops = append(ops, decoded...)
	}
	return ops, last, nil
}

func readOp(r quicvarint.Reader, alloc allocFunc) ([]transport.Op, error) {
	kind, err := quicvarint.Read(r)
	if err != nil {
		return nil, err
	}
	switch kind {
	case opMetadata:
		trailing, err := quicvarint.Read(r)
		if err != nil {
			return nil, err
		}
		count, err := quicvarint.Read(r)
		if err != nil {
			return nil, err
		}
		entries := make([]transport.MetadataEntry, 0, count)
		for i := uint64(0); i < count; i++ {
			key, err := readString(r)
			if err != nil {
				return nil, err
			}
			value, err := readString(r)
			if err != nil {
				return nil, err
			}
			entries = append(entries, transport.MetadataEntry{Key: key, Value: value})
		}
		return []transport.Op{transport.MetadataOp{Entries: entries, Trailing: trailing != 0}}, nil
	case opBeginMessage:
		length, err := quicvarint.Read(r)
		if err != nil {
			return nil, err
		}
		return []transport.Op{transport.BeginMessageOp{Length: int(length)}}, nil
	case opData:
		length, err := quicvarint.Read(r)
		if err != nil {
			return nil, err
		}
		var out []transport.Op
		remaining := int(length)
		for remaining > 0 {
			buf, ok := alloc(remaining)
			if !ok {
				return nil, errEmptyRecvBuffer
			}
			n := min(len(buf), remaining)
			if _, err := io.ReadFull(r, buf[:n]); err != nil {
				return nil, err
			}
			out = append(out, transport.DataOp{Payload: buf[:n]})
			remaining -= n
		}
		return out, nil
	case opStatus:
		code, err := quicvarint.Read(r)
		if err != nil {
			return nil, err
		}
		msg, err := readString(r)
		if err != nil {
			return nil, err
		}
		return []transport.Op{transport.StatusOp{Code: transport.StatusCode(code), Message: msg}}, nil
	default:
		return nil, fmt.Errorf("quicmux: unknown op kind %d", kind)
	}
}

func readString(r quicvarint.Reader) (string, error) {
	length, err := quicvarint.Read(r)
	if err != nil {
		return "", err
	}
	buf := make([]byte, length)
	if _, err := io.ReadFull(r, buf); err != nil {
		return "", err
	}
	return string(buf), nil
}

// byteQueue is an unbounded FIFO of encoded frames feeding one writer
// goroutine, so submission never blocks on the connection's write path.
type byteQueue struct {
	cond   *sync.Cond
	bufs   [][]byte
	fin    bool // close the send direction after draining
	closed bool
}

func newByteQueue() *byteQueue {
	return &byteQueue{cond: sync.NewCond(&sync.Mutex{})}
}

func (q *byteQueue) push(buf []byte, fin bool) {
	q.cond.L.Lock()
	defer q.cond.L.Unlock()
	if q.closed || q.fin {
		return
	}
	q.bufs = append(q.bufs, buf)
	q.fin = fin
	q.cond.Signal()
}

// pop returns the next frame. done is true once the queue is exhausted and
// no more frames can arrive; finish then tells whether the send direction
// should be closed cleanly.
func (q *byteQueue) pop() (buf []byte, done, finish bool) {
	q.cond.L.Lock()
	defer q.cond.L.Unlock()
	for len(q.bufs) == 0 && !q.closed && !q.fin {
		q.cond.Wait()
	}
	if len(q.bufs) > 0 {
		buf = q.bufs[0]
		q.bufs = q.bufs[1:]
		return buf, false, false
	}
	return nil, true, q.fin && !q.closed
}

func (q *byteQueue) close() {
	q.cond.L.Lock()
	defer q.cond.L.Unlock()
	q.closed = true
	q.bufs = nil
	q.cond.Broadcast()
}
