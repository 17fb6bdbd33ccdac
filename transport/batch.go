package transport

// Op is one typed operation in a stream operation batch. A batch is an
// ordered []Op submitted or delivered atomically. Ownership of every op and
// of any buffer it references transfers to the receiver of the batch:
// SendBatch transfers to the transport the moment it returns, RecvBatch
// transfers to the call layer. The relinquishing side must not touch the
// ops or their buffers again.
type Op interface {
	op()
}

// MetadataEntry is one key/value pair of stream metadata.
type MetadataEntry struct {
	Key   string
	Value string
}

// MetadataOp carries request or response headers, or trailers when Trailing
// is set. On a server-bound stream the first MetadataOp delivered is the
// request metadata for the call.
type MetadataOp struct {
	Entries  []MetadataEntry
	Trailing bool
}

// BeginMessageOp announces a message of Length bytes. The message payload
// is carried by the DataOps that follow, across batch boundaries if
// necessary, until Length bytes have been seen.
type BeginMessageOp struct {
	Length int
}

// DataOp carries a payload slice.
type DataOp struct {
	Payload []byte
}

// StatusOp carries the terminal status of a call.
type StatusOp struct {
	Code    StatusCode
	Message string
}

func (MetadataOp) op()     {}
func (BeginMessageOp) op() {}
func (DataOp) op()         {}
func (StatusOp) op()       {}
