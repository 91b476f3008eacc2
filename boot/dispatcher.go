package boot

import (
	"context"
	"io"
	"os"
	"sync/atomic"

	cerrors "github.com/cockroachdb/errors"
	"github.com/pkg/errors"
	"golang.org/x/exp/slog"
)

// ErrHookFailure marks the error a failing startup or shutdown hook produced.
// Hook failure is always fatal; the mark exists so the abort log line is
// classifiable, not so callers can recover.
var ErrHookFailure error = errors.New("hook failure")

// State is the dispatcher's position in the bootstrap lifecycle. Transitions
// are linear; the only deviation is a fatal abort on hook failure.
type State int32

const (
	StateNotStarted State = iota
	StateHooksRunning
	StateUserCodeRunning
	StateShutdownRunning
	StateTerminated
)

func (s State) String() string {
	switch s {
	case StateNotStarted:
		return "not-started"
	case StateHooksRunning:
		return "hooks-running"
	case StateUserCodeRunning:
		return "user-code-running"
	case StateShutdownRunning:
		return "shutdown-running"
	case StateTerminated:
		return "terminated"
	}
	return "invalid"
}

// LoadReason is the event a library trampoline is reporting.
type LoadReason int

const (
	// ReasonAttach means the module was loaded into the process image.
	ReasonAttach LoadReason = iota
	// ReasonDetach means the module is being unloaded.
	ReasonDetach
)

// Config adjusts dispatcher behavior.
type Config struct {
	// ReinvokeOnReload controls what happens when a library trampoline sees an
	// attach after the process is already initialized: false (the default)
	// makes the reload a no-op, true re-invokes the user entry point. Startup
	// hooks never run twice either way.
	ReinvokeOnReload bool
	// ExitFunc replaces os.Exit for the fatal hook failure path. Tests only.
	ExitFunc func(code int)
	// Logger receives bootstrap diagnostics. nil discards logs.
	Logger *slog.Logger
}

// Dispatcher runs the bootstrap state machine for one process image: startup
// hooks, the user entry point, then shutdown hooks. The package-level
// trampolines drive a process-wide dispatcher bound to the default registry;
// constructing one directly is for exercising dispatch in isolation.
type Dispatcher struct {
	registry *Registry
	config   Config
	logger   *slog.Logger

	state       atomic.Int32
	initialized atomic.Bool

	shutdownHooks []*HookEntry
}

// NewDispatcher creates a dispatcher over the given registry.
func NewDispatcher(registry *Registry, config Config) *Dispatcher {
	if config.ExitFunc == nil {
		config.ExitFunc = os.Exit
	}
	logger := config.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard))
	}

	return &Dispatcher{
		registry: registry,
		config:   config,
		logger:   logger,
	}
}

// State reports the dispatcher's current lifecycle state.
func (d *Dispatcher) State() State {
	return State(d.state.Load())
}

// Initialized reports whether startup hooks have completed in this process
// image. Library trampolines consult it to detect re-entry.
func (d *Dispatcher) Initialized() bool {
	return d.initialized.Load()
}

// MainExecutable is the executable-format trampoline body: it runs startup
// hooks, invokes entry with the argument vector untouched, runs shutdown
// hooks in reverse, and returns the entry's status code. It must be called
// exactly once per process.
func (d *Dispatcher) MainExecutable(args []string, entry func(args []string) int) int {
	if !d.state.CompareAndSwap(int32(StateNotStarted), int32(StateHooksRunning)) {
		panic("bootstrap dispatched twice in the same process image")
	}

	if !d.runStartupHooks() {
		return 1
	}

	d.state.Store(int32(StateUserCodeRunning))
	status := entry(args)

	d.state.Store(int32(StateShutdownRunning))
	if !d.runShutdownHooks() {
		return 1
	}

	d.state.Store(int32(StateTerminated))
	return status
}

// LibraryLoad is the loadable-library trampoline body. On first attach it
// runs startup hooks and the entry point like an executable launch; on a
// repeat attach it skips hooks entirely and either no-ops or re-invokes the
// entry point per Config.ReinvokeOnReload. Detach runs shutdown hooks once.
func (d *Dispatcher) LibraryLoad(reason LoadReason, entry func(args []string) int) int {
	switch reason {
	case ReasonAttach:
		if !d.state.CompareAndSwap(int32(StateNotStarted), int32(StateHooksRunning)) {
			// Re-entry: the process image is already initialized.
			if !d.config.ReinvokeOnReload {
				d.logger.LogAttrs(context.Background(), slog.LevelDebug,
					"module reloaded, skipping initialization")
				return 0
			}
			return entry(os.Args)
		}

		if !d.runStartupHooks() {
			return 1
		}
		d.state.Store(int32(StateUserCodeRunning))
		return entry(os.Args)

	case ReasonDetach:
		if !d.state.CompareAndSwap(int32(StateUserCodeRunning), int32(StateShutdownRunning)) {
			return 0
		}
		if !d.runShutdownHooks() {
			return 1
		}
		d.state.Store(int32(StateTerminated))
		return 0
	}

	panic("invalid load reason")
}

// runStartupHooks seals the registry and runs every startup hook in resolved
// order. Any failure is fatal: user code must never observe partially
// initialized runtime state. Returns false when dispatch must not continue.
func (d *Dispatcher) runStartupHooks() bool {
	startup, shutdown, err := d.registry.seal()
	if err != nil {
		return d.fatal("hook registry is unresolvable", err)
	}
	d.shutdownHooks = shutdown

	for _, hook := range startup {
		d.logger.LogAttrs(context.Background(), slog.LevelDebug, "running startup hook",
			slog.String("hook", hook.Name),
			slog.Int("order", hook.Order),
		)
		err := hook.fn()
		if err != nil {
			return d.fatal("startup hook "+hook.Name+" failed", cerrors.Mark(err, ErrHookFailure))
		}
	}

	d.initialized.Store(true)
	return true
}

// runShutdownHooks runs shutdown hooks in reverse resolved order, mirroring
// scope exit. Failures are fatal like startup failures; there is no safe way
// to continue tearing down around a half-finalized subsystem.
func (d *Dispatcher) runShutdownHooks() bool {
	for i := len(d.shutdownHooks) - 1; i >= 0; i-- {
		hook := d.shutdownHooks[i]
		d.logger.LogAttrs(context.Background(), slog.LevelDebug, "running shutdown hook",
			slog.String("hook", hook.Name),
			slog.Int("order", hook.Order),
		)
		err := hook.fn()
		if err != nil {
			return d.fatal("shutdown hook "+hook.Name+" failed", cerrors.Mark(err, ErrHookFailure))
		}
	}
	return true
}

// fatal terminates the lifecycle. ExitFunc normally does not return; when a
// replacement one does, fatal reports false so callers abort dispatch instead
// of proceeding into user code.
func (d *Dispatcher) fatal(msg string, err error) bool {
	d.logger.LogAttrs(context.Background(), slog.LevelError, msg,
		slog.Any("error", err),
	)
	d.state.Store(int32(StateTerminated))
	d.config.ExitFunc(1)
	return false
}

var processDispatcher = NewDispatcher(defaultRegistry, Config{})

// MainExecutable runs the process-wide bootstrap for an executable launch:
// startup hooks from the default registry, then entry with os.Args, then
// shutdown hooks. Returns the status code entry produced; pass it to os.Exit.
func MainExecutable(entry func(args []string) int) int {
	return processDispatcher.MainExecutable(os.Args, entry)
}

// LibraryLoad runs the process-wide bootstrap for a loadable-library event.
func LibraryLoad(reason LoadReason, entry func(args []string) int) int {
	return processDispatcher.LibraryLoad(reason, entry)
}
