// Package signal turns SIGINT and SIGTERM into context cancellation for
// tide commands.
//
// The first signal cancels the command context: review polling stops at
// once, while workers already running finish their task so the output tree
// and the store stay consistent. A second signal runs the force hook,
// which by default exits the process with status 130.
//
// Import rules:
//   - CAN import: std lib only
//   - MUST NOT import: internal packages (to avoid circular dependencies)
package signal

import (
	"context"
	"os"
	"os/signal"
	"sync"
	"syscall"
)

// ForceExitCode is the exit status used when a second signal forces exit.
const ForceExitCode = 130

// Handler cancels a context when the process is signalled.
type Handler struct {
	ctx         context.Context //nolint:containedctx // handler owns the command context
	cancel      context.CancelFunc
	interrupted chan struct{}
	done        chan struct{}
	sigChan     chan os.Signal
	force       func()

	mu       sync.Mutex
	received int
	stopOnce sync.Once
}

// Option configures a Handler.
type Option func(*Handler)

// WithForce replaces the hook run on the second signal.
func WithForce(fn func()) Option {
	return func(h *Handler) {
		h.force = fn
	}
}

// NewHandler starts listening for SIGINT and SIGTERM.
//
//	h := signal.NewHandler(ctx)
//	defer h.Stop()
//	out, err := engine.Advance(h.Context(), specID, opts)
func NewHandler(parent context.Context, opts ...Option) *Handler {
	ctx, cancel := context.WithCancel(parent)
	h := &Handler{
		ctx:         ctx,
		cancel:      cancel,
		interrupted: make(chan struct{}),
		done:        make(chan struct{}),
		// buffered so Notify never drops a signal while we are busy
		sigChan: make(chan os.Signal, 1),
		force:   func() { os.Exit(ForceExitCode) },
	}
	for _, opt := range opts {
		opt(h)
	}

	signal.Notify(h.sigChan, syscall.SIGINT, syscall.SIGTERM)
	go h.listen()
	return h
}

// Context returns the context cancelled by the first signal.
func (h *Handler) Context() context.Context {
	return h.ctx
}

// Interrupted is closed when the first signal arrives.
func (h *Handler) Interrupted() <-chan struct{} {
	return h.interrupted
}

// Received returns how many signals arrived so far.
func (h *Handler) Received() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.received
}

// Stop stops listening and cancels the context. It is safe to call twice.
func (h *Handler) Stop() {
	h.stopOnce.Do(func() {
		signal.Stop(h.sigChan)
		close(h.done)
		h.cancel()
	})
}

func (h *Handler) handleSignal() {
	h.mu.Lock()
	h.received++
	n := h.received
	h.mu.Unlock()

	switch n {
	case 1:
		h.cancel()
		close(h.interrupted)
	case 2:
		h.force()
	}
}

// listen keeps draining signals after the first so a second one can force
// exit even while the command is still winding down.
func (h *Handler) listen() {
	for {
		select {
		case <-h.done:
			return
		case <-h.sigChan:
			h.handleSignal()
		}
	}
}
