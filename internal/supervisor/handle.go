package supervisor

import (
	"context"
	"log/slog"
)

// Handle is given to each subsystem so it can observe and trigger shutdown.
type Handle struct {
	name   string
	sup    *Supervisor
	ctx    context.Context
	logger *slog.Logger
}

// Name returns the subsystem's registered name
func (h *Handle) Name() string {
	return h.name
}

// RequestShutdown starts shutdown of the whole supervisor. It is safe to call
// from any goroutine and any number of times.
func (h *Handle) RequestShutdown() {
	h.sup.requestShutdown(h.name)
}

// ShutdownRequested is closed once the supervisor is shutting down
func (h *Handle) ShutdownRequested() <-chan struct{} {
	return h.ctx.Done()
}

// Logger returns a logger tagged with the subsystem name
func (h *Handle) Logger() *slog.Logger {
	return h.logger
}
