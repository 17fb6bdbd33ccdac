package transport

import "sync"

// ResultFunc finalizes setup of a freshly created transport and returns the
// Handler that will receive its upcalls. Any setup argument the caller
// needs is captured by the closure, the way any opaque user state is.
type ResultFunc func(t Transport) Handler

// Setup is a one-shot asynchronous, transport-agnostic connection
// establishment process. Initiate triggers name resolution, connect and
// handshake as the implementation requires and, on success, runs the
// ResultFunc supplied at construction to bind a Handler to the new
// Transport.
type Setup interface {
	// Initiate begins connection establishment. Implementations that watch
	// a continuously available source may make this a no-op.
	Initiate()

	// Cancel abandons setup. After Cancel returns no new Transport will be
	// produced by this Setup; a result callback already in flight completes
	// before or as part of the call. The Setup is invalid afterwards and
	// may release its own resources as the last action of Cancel.
	Cancel()
}

// SetupGuard is the cancellation bookkeeping shared by Setup
// implementations. The result callback runs inside a Begin/End window;
// Cancel flips a single flag so no new window can open, then waits out any
// window already in flight. The zero value is ready to use.
type SetupGuard struct {
	mu       sync.Mutex
	canceled bool
	inflight sync.WaitGroup
}

// Begin attempts to open the result-callback window. It returns false once
// Cancel has been called; a true return obligates the caller to call End.
func (g *SetupGuard) Begin() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.canceled {
		return false
	}
	g.inflight.Add(1)
	return true
}

// End closes the window opened by Begin.
func (g *SetupGuard) End() {
	g.inflight.Done()
}

// Cancel forbids new windows and blocks until any in-flight window has
// ended. Safe to call more than once.
func (g *SetupGuard) Cancel() {
	g.mu.Lock()
	g.canceled = true
	g.mu.Unlock()
	g.inflight.Wait()
}

// Canceled reports whether Cancel has been called.
func (g *SetupGuard) Canceled() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.canceled
}
