package quicmux

import (
	"context"
	"crypto/tls"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/callwire/callwire/quicwire"
	"github.com/callwire/callwire/transport"
)

const defaultSetupTimeout = 5 * time.Second

// DialConfig configures a client-side Setup.
type DialConfig struct {
	// TLSConfig is used for the QUIC handshake.
	TLSConfig *tls.Config

	// QUICConfig carries the wrapped implementation's settings.
	QUICConfig *quicwire.Config

	// DialFunc establishes the connection. Defaults to quicwire.DialQUIC;
	// tests and WebTransport deployments substitute their own.
	DialFunc quicwire.DialAddrFunc

	// SetupTimeout bounds connection establishment.
	SetupTimeout time.Duration

	// Logger receives setup and transport lifecycle events.
	Logger *slog.Logger
}

func (cfg *DialConfig) dialFunc() quicwire.DialAddrFunc {
	if cfg.DialFunc != nil {
		return cfg.DialFunc
	}
	return quicwire.DialQUIC
}

func (cfg *DialConfig) setupTimeout() time.Duration {
	if cfg.SetupTimeout != 0 {
		return cfg.SetupTimeout
	}
	return defaultSetupTimeout
}

func (cfg *DialConfig) logger() *slog.Logger {
	if cfg.Logger != nil {
		return cfg.Logger
	}
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// NewSetup returns a Setup that dials addr and, on success, binds a client
// transport through result. Cancel aborts a dial in progress; once Cancel
// returns, no transport will be produced.
func NewSetup(addr string, result transport.ResultFunc, cfg *DialConfig) transport.Setup {
	if cfg == nil {
		cfg = &DialConfig{}
	}
	return &setup{
		addr:   addr,
		result: result,
		cfg:    cfg,
		logger: cfg.logger().With("addr", addr),
	}
}

type setup struct {
	addr   string
	result transport.ResultFunc
	cfg    *DialConfig
	logger *slog.Logger

	guard transport.SetupGuard
	once  sync.Once

	mu     sync.Mutex
	cancel context.CancelFunc
}

func (s *setup) Initiate() {
	s.once.Do(func() {
		ctx, cancel := context.WithTimeout(context.Background(), s.cfg.setupTimeout())
		s.mu.Lock()
		s.cancel = cancel
		s.mu.Unlock()

		go s.establish(ctx)
	})
}

func (s *setup) establish(ctx context.Context) {
	conn, err := s.cfg.dialFunc()(ctx, s.addr, s.cfg.TLSConfig, s.cfg.QUICConfig)
	if err != nil {
		s.logger.Error("dial failed", "error", err)
		return
	}

	// The guard window spans transport creation and handler binding: once
	// Cancel returns, no new transport can be produced.
	if !s.guard.Begin() {
		s.logger.Debug("setup canceled, discarding connection")
		conn.CloseWithError(quicwire.ApplicationErrorCode(transport.StatusCancelled), "setup canceled")
		return
	}
	defer s.guard.End()

	NewClientTransport(conn, s.result, s.logger)
	s.logger.Info("transport established")
}

func (s *setup) Cancel() {
	s.mu.Lock()
	cancel := s.cancel
	s.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	s.guard.Cancel()
}
