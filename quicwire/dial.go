package quicwire

import (
	"context"
	"crypto/tls"
	"errors"
	"net/http"

	"github.com/quic-go/quic-go"
	"github.com/quic-go/webtransport-go"
)

// Config carries the wrapped implementation's connection settings.
type Config = quic.Config

// DialAddrFunc establishes a connection to a remote address. quicmux setups
// take one of these so tests can substitute an in-memory connection.
type DialAddrFunc func(ctx context.Context, addr string, tlsConfig *tls.Config, config *Config) (Connection, error)

// DialQUIC dials a raw QUIC connection using quic-go's 0-RTT dialer.
func DialQUIC(ctx context.Context, addr string, tlsConfig *tls.Config, config *Config) (Connection, error) {
	conn, err := quic.DialAddrEarly(ctx, addr, tlsConfig, config)
	if err != nil {
		return nil, err
	}
	return WrapConnection(conn), nil
}

// DialWebTransport dials a WebTransport session over HTTPS and wraps it as
// a Connection.
func DialWebTransport(ctx context.Context, url string, header http.Header) (Connection, error) {
	var d webtransport.Dialer
	_, sess, err := d.Dial(ctx, url, header)
	if err != nil {
		return nil, err
	}
	if sess == nil {
		return nil, errors.New("quicwire: webtransport session is nil after dial")
	}
	return WrapWebTransportSession(sess), nil
}
