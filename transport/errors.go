package transport

import (
	"errors"
	"fmt"
)

var (
	// ErrTransportClosed is returned when attempting to use a closed
	// transport.
	ErrTransportClosed = errors.New("callwire: transport closed")

	// ErrServerDataConsumed is returned by InitStream when the server data
	// from an AcceptStream upcall is presented a second time.
	ErrServerDataConsumed = errors.New("callwire: server data already consumed")

	// ErrUnknownServerData is returned by InitStream when the server data
	// did not originate from an AcceptStream upcall of this transport.
	ErrUnknownServerData = errors.New("callwire: unknown server data")

	// ErrSetupCanceled is reported by Setup implementations when connection
	// establishment is abandoned because Cancel was called.
	ErrSetupCanceled = errors.New("callwire: setup canceled")
)

// StatusCode identifies the disposition of a stream or connection. The
// codes travel with StatusOp, AbortStream, GoAway and the GoAway upcall.
type StatusCode int

const (
	StatusOK                StatusCode = 0
	StatusCancelled         StatusCode = 1
	StatusUnknown           StatusCode = 2
	StatusDeadlineExceeded  StatusCode = 4
	StatusResourceExhausted StatusCode = 8
	StatusAborted           StatusCode = 10
	StatusUnimplemented     StatusCode = 12
	StatusInternal          StatusCode = 13
	StatusUnavailable       StatusCode = 14
)

var statusCodeTexts = map[StatusCode]string{
	StatusOK:                "callwire: ok",
	StatusCancelled:         "callwire: cancelled",
	StatusUnknown:           "callwire: unknown",
	StatusDeadlineExceeded:  "callwire: deadline exceeded",
	StatusResourceExhausted: "callwire: resource exhausted",
	StatusAborted:           "callwire: aborted",
	StatusUnimplemented:     "callwire: unimplemented",
	StatusInternal:          "callwire: internal error",
	StatusUnavailable:       "callwire: unavailable",
}

func (code StatusCode) String() string {
	if text, ok := statusCodeTexts[code]; ok {
		return text
	}
	return fmt.Sprintf("callwire: status(%d)", int(code))
}

// StatusError carries a transport-defined status code alongside a message.
// InitStream failures and setup failures wrap their codes in a StatusError
// so callers can branch on Code.
type StatusError struct {
	Code    StatusCode
	Message string
}

func (err *StatusError) Error() string {
	if err.Message == "" {
		return err.Code.String()
	}
	return fmt.Sprintf("%s: %s", err.Code.String(), err.Message)
}
