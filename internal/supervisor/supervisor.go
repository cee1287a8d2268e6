// Package supervisor runs named subsystems and coordinates their shutdown.
//
// A Supervisor moves through three states. While Running, every subsystem
// executes in its own goroutine. The first of the following triggers moves it
// to ShuttingDown: an OS signal, a call to RequestShutdown (directly or via a
// subsystem's Handle), cancellation of the parent context, a subsystem
// failing or panicking, or every subsystem returning on its own. Entering
// ShuttingDown cancels the context handed to the subsystems and starts the
// grace timer. Once all subsystems have returned, or the grace timer fires,
// the supervisor is Stopped and Run reports the outcome.
//
// Example usage:
//
//	sup := supervisor.New(supervisor.Options{Timeout: time.Second, CatchSignals: true})
//	sup.Add("app1", func(ctx context.Context, h *supervisor.Handle) error {
//		defer h.RequestShutdown()
//		return doWork(ctx)
//	})
//	if err := sup.Run(ctx); err != nil {
//		os.Exit(1)
//	}
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/google/uuid"

	apperrors "github.com/bebsworthy/appstrap/internal/errors"
	"github.com/bebsworthy/appstrap/internal/logging"
	"github.com/bebsworthy/appstrap/internal/metrics"
)

// DefaultTimeout is the grace period used when Options.Timeout is zero.
const DefaultTimeout = 1 * time.Second

// State of a supervisor
type State int32

const (
	StateRunning State = iota
	StateShuttingDown
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateRunning:
		return "running"
	case StateShuttingDown:
		return "shutting_down"
	case StateStopped:
		return "stopped"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// Cause identifies what moved the supervisor into ShuttingDown
type Cause string

const (
	CauseNone            Cause = ""
	CauseSignal          Cause = "signal"
	CauseRequested       Cause = "requested"
	CauseSubsystemFailed Cause = "subsystem_failed"
	CauseContext         Cause = "context"
	CauseAllFinished     Cause = "all_finished"
)

// Subsystem is a unit of supervised work. It should return when ctx is
// cancelled; returning ctx's cancellation error at that point counts as a
// clean exit.
type Subsystem func(ctx context.Context, h *Handle) error

// Options configures a Supervisor
type Options struct {
	// Timeout is the grace period between the shutdown trigger and
	// abandoning subsystems that have not returned.
	Timeout time.Duration

	// CatchSignals installs OS signal handling for the duration of Run.
	CatchSignals bool

	// Signals to catch; defaults to SIGINT and SIGTERM.
	Signals []os.Signal

	Logger  *slog.Logger
	Metrics *metrics.SupervisorMetrics
}

// Result describes how one subsystem ended
type Result struct {
	Name     string
	Outcome  string
	Err      error
	Duration time.Duration
}

type registration struct {
	name string
	fn   Subsystem
}

// Supervisor runs subsystems and coordinates their shutdown
type Supervisor struct {
	opts    Options
	logger  *slog.Logger
	metrics *metrics.SupervisorMetrics
	runID   string
	logCtx  context.Context

	mu         sync.Mutex
	subsystems []registration
	names      map[string]struct{}
	started    bool
	cause      Cause
	results    []Result

	state       atomic.Int32
	requestOnce sync.Once
	requested   chan struct{}
	ready       chan struct{}
}

// New creates a supervisor. Subsystems are added with Add before Run.
func New(opts Options) *Supervisor {
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultTimeout
	}
	if len(opts.Signals) == 0 {
		opts.Signals = []os.Signal{syscall.SIGINT, syscall.SIGTERM}
	}
	logger := opts.Logger
	if logger == nil {
		logger = logging.Default().Logger
	}

	runID := uuid.NewString()
	return &Supervisor{
		opts:      opts,
		logger:    logger.With(slog.String("component", "supervisor")),
		metrics:   opts.Metrics,
		runID:     runID,
		logCtx:    logging.WithCorrelationID(context.Background(), runID),
		names:     make(map[string]struct{}),
		requested: make(chan struct{}),
		ready:     make(chan struct{}),
	}
}

// Add registers a subsystem under a unique, non-empty name.
func (s *Supervisor) Add(name string, fn Subsystem) error {
	if name == "" {
		return apperrors.ValidationError(apperrors.CodeInvalidInput, "subsystem name cannot be empty", nil)
	}
	if fn == nil {
		return apperrors.NewErrorf(apperrors.ErrorTypeValidation, apperrors.CodeInvalidInput, "subsystem %q has no function", name)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.started {
		return apperrors.NewErrorf(apperrors.ErrorTypeValidation, apperrors.CodeAlreadyRunning, "cannot add subsystem %q after Run", name)
	}
	if _, exists := s.names[name]; exists {
		return apperrors.NewErrorf(apperrors.ErrorTypeValidation, apperrors.CodeDuplicateSubsystem, "subsystem %q already registered", name)
	}

	s.names[name] = struct{}{}
	s.subsystems = append(s.subsystems, registration{name: name, fn: fn})
	return nil
}

// RequestShutdown asks a running supervisor to shut down. Only the first
// call has any effect; calls before Run make Run shut down immediately.
func (s *Supervisor) RequestShutdown() {
	s.requestShutdown("")
}

func (s *Supervisor) requestShutdown(by string) {
	s.requestOnce.Do(func() {
		if by != "" {
			s.logger.InfoContext(s.logCtx, "shutdown requested", slog.String("subsystem", by))
		} else {
			s.logger.InfoContext(s.logCtx, "shutdown requested")
		}
		close(s.requested)
	})
}

// State returns the current state
func (s *Supervisor) State() State {
	return State(s.state.Load())
}

// Ready is closed once signal handling is installed and every subsystem has
// been started.
func (s *Supervisor) Ready() <-chan struct{} {
	return s.ready
}

// Cause returns what triggered shutdown, or CauseNone while running.
func (s *Supervisor) Cause() Cause {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cause
}

// Results returns one entry per subsystem in the order they ended, followed
// by abandoned subsystems. It is empty until Run returns.
func (s *Supervisor) Results() []Result {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Result, len(s.results))
	copy(out, s.results)
	return out
}

// RunID identifies this supervisor in logs as the correlation ID.
func (s *Supervisor) RunID() string {
	return s.runID
}

// Run starts every subsystem and blocks until the supervisor stops. It
// returns nil only if every subsystem returned without error before the
// grace period expired; otherwise the returned error joins one
// SUBSYSTEM_FAILED error per failed subsystem and, if any were abandoned, a
// SHUTDOWN_TIMEOUT error naming them.
func (s *Supervisor) Run(ctx context.Context) error {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return apperrors.ValidationError(apperrors.CodeAlreadyRunning, "Supervisor already running", nil)
	}
	s.started = true
	subsystems := make([]registration, len(s.subsystems))
	copy(subsystems, s.subsystems)
	s.mu.Unlock()

	ctx = logging.WithCorrelationID(ctx, s.runID)

	var sigCh chan os.Signal
	if s.opts.CatchSignals {
		sigCh = make(chan os.Signal, 1)
		signal.Notify(sigCh, s.opts.Signals...)
		defer signal.Stop(sigCh)
	}

	subCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	done := make(chan Result, len(subsystems))
	running := make(map[string]struct{}, len(subsystems))
	for _, reg := range subsystems {
		running[reg.name] = struct{}{}
		h := &Handle{
			name:   reg.name,
			sup:    s,
			ctx:    subCtx,
			logger: s.logger.With(slog.String("subsystem", reg.name)),
		}
		s.metrics.SubsystemStarted()
		s.logger.InfoContext(ctx, "subsystem started", slog.String("subsystem", reg.name))
		go runSubsystem(subCtx, reg, h, done)
	}
	close(s.ready)

	var (
		failures      []error
		results       []Result
		graceTimer    *time.Timer
		graceC        <-chan time.Time
		shutdownStart time.Time
	)
	defer func() {
		if graceTimer != nil {
			graceTimer.Stop()
		}
	}()

	beginShutdown := func(cause Cause) {
		if !s.state.CompareAndSwap(int32(StateRunning), int32(StateShuttingDown)) {
			return
		}
		s.mu.Lock()
		s.cause = cause
		s.mu.Unlock()

		shutdownStart = time.Now()
		s.metrics.ShutdownTriggered(string(cause))
		s.logger.InfoContext(ctx, "shutting down",
			slog.String("cause", string(cause)),
			slog.Duration("timeout", s.opts.Timeout),
			slog.Int("running", len(running)))

		cancel()
		graceTimer = time.NewTimer(s.opts.Timeout)
		graceC = graceTimer.C
	}

	collect := func(r Result) {
		delete(running, r.Name)
		results = append(results, r)
		s.metrics.SubsystemStopped(r.Name, r.Outcome, r.Duration)

		if r.Err == nil {
			s.logger.InfoContext(ctx, "subsystem finished",
				slog.String("subsystem", r.Name),
				slog.Duration("duration", r.Duration))
			return
		}

		s.logger.ErrorContext(ctx, "subsystem finished",
			slog.String("subsystem", r.Name),
			slog.String("outcome", r.Outcome),
			slog.Duration("duration", r.Duration),
			slog.String("error", r.Err.Error()))
		failures = append(failures, subsystemFailure(r))
		beginShutdown(CauseSubsystemFailed)
	}

	parentDone := ctx.Done()
	requested := s.requested

loop:
	for len(running) > 0 {
		select {
		case sig := <-sigCh:
			if s.State() == StateRunning {
				s.logger.InfoContext(ctx, "signal received", slog.String("signal", sig.String()))
				beginShutdown(CauseSignal)
			} else {
				s.logger.WarnContext(ctx, "signal received while shutting down, still waiting",
					slog.String("signal", sig.String()))
			}

		case <-parentDone:
			parentDone = nil
			beginShutdown(CauseContext)

		case <-requested:
			requested = nil
			beginShutdown(CauseRequested)

		case r := <-done:
			collect(r)

		case <-graceC:
			break loop
		}
	}

	// The grace timer can win the select against results already queued.
	for _, r := range drainReady(done, len(running)) {
		collect(r)
	}

	// Everything returned before a trigger was observed.
	if s.State() == StateRunning {
		select {
		case <-s.requested:
			beginShutdown(CauseRequested)
		default:
			if ctx.Err() != nil {
				beginShutdown(CauseContext)
			} else {
				beginShutdown(CauseAllFinished)
			}
		}
	}

	if len(running) > 0 {
		stillRunning := make([]string, 0, len(running))
		for name := range running {
			stillRunning = append(stillRunning, name)
		}
		sort.Strings(stillRunning)

		for _, name := range stillRunning {
			s.metrics.SubsystemAbandoned(name)
			results = append(results, Result{Name: name, Outcome: metrics.OutcomeAbandoned})
		}

		timeoutErr := apperrors.TimeoutError(apperrors.CodeShutdownTimeout,
			fmt.Sprintf("subsystems still running after %v: %s", s.opts.Timeout, strings.Join(stillRunning, ", ")), nil)
		timeoutErr.WithDetails("still_running", stillRunning)
		failures = append(failures, timeoutErr)
	}

	s.mu.Lock()
	s.results = results
	s.mu.Unlock()
	s.state.Store(int32(StateStopped))
	s.metrics.ShutdownFinished(time.Since(shutdownStart))

	if len(failures) == 0 {
		s.logger.InfoContext(ctx, "shutdown complete", slog.Duration("duration", time.Since(shutdownStart)))
		return nil
	}

	err := errors.Join(failures...)
	s.logger.ErrorContext(ctx, "shutdown failed", slog.Int("failures", len(failures)))
	return err
}

func runSubsystem(ctx context.Context, reg registration, h *Handle, done chan<- Result) {
	start := time.Now()
	err := apperrors.WithRecover(ctx, func() error {
		return reg.fn(ctx, h)
	})

	if err != nil && ctx.Err() != nil && errors.Is(err, context.Canceled) {
		err = nil
	}

	r := Result{
		Name:     reg.name,
		Outcome:  metrics.OutcomeCompleted,
		Err:      err,
		Duration: time.Since(start),
	}
	switch {
	case err == nil:
	case apperrors.IsCode(err, apperrors.CodePanicRecovered):
		r.Outcome = metrics.OutcomePanicked
	default:
		r.Outcome = metrics.OutcomeFailed
	}

	// done is buffered for every subsystem
	done <- r
}

// drainReady returns up to limit results already waiting on done without
// blocking.
func drainReady(done <-chan Result, limit int) []Result {
	var out []Result
	for len(out) < limit {
		select {
		case r := <-done:
			out = append(out, r)
		default:
			return out
		}
	}
	return out
}

func subsystemFailure(r Result) error {
	verb := "failed"
	if r.Outcome == metrics.OutcomePanicked {
		verb = "panicked"
	}
	err := apperrors.SubsystemError(apperrors.CodeSubsystemFailed, fmt.Sprintf("subsystem %q %s", r.Name, verb), r.Err)
	err.WithDetails("subsystem", r.Name).WithDuration(r.Duration)
	return err
}

// Run supervises subsystems until they finish, a subsystem requests
// shutdown, or SIGINT/SIGTERM arrives, waiting at most timeout after the
// trigger. Subsystems start in name order.
func Run(ctx context.Context, subsystems map[string]Subsystem, timeout time.Duration) error {
	s := New(Options{Timeout: timeout, CatchSignals: true})

	names := make([]string, 0, len(subsystems))
	for name := range subsystems {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		if err := s.Add(name, subsystems[name]); err != nil {
			return err
		}
	}
	return s.Run(ctx)
}
