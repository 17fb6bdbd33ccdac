package inproc

import (
	"io"
	"log/slog"
	"sync"

	"github.com/callwire/callwire/transport"
)

// A Listener is the rendezvous point in-process setups connect to. Each
// established connection binds its server-side transport through the
// listener's ResultFunc.
type Listener struct {
	bind   transport.ResultFunc
	logger *slog.Logger
}

func NewListener(bind transport.ResultFunc, logger *slog.Logger) *Listener {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Listener{bind: bind, logger: logger}
}

// NewSetup returns a Setup that, once initiated, asynchronously builds a
// transport pair against ln and binds the client side through bind.
func NewSetup(ln *Listener, bind transport.ResultFunc, logger *slog.Logger) transport.Setup {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &setup{ln: ln, bind: bind, logger: logger}
}

type setup struct {
	ln     *Listener
	bind   transport.ResultFunc
	logger *slog.Logger
	guard  transport.SetupGuard
	once   sync.Once
}

func (s *setup) Initiate() {
	s.once.Do(func() {
		go s.establish()
	})
}

func (s *setup) establish() {
	// The guard window spans transport creation and handler binding: once
	// Cancel returns, no new transport can be produced.
	if !s.guard.Begin() {
		s.logger.Debug("setup canceled before establishment")
		return
	}
	defer s.guard.End()

	NewPair(s.bind, s.ln.bind, s.logger)
	s.logger.Debug("in-process transport pair established")
}

func (s *setup) Cancel() {
	s.guard.Cancel()
}
