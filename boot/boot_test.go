package boot

import (
	"testing"

	cerrors "github.com/cockroachdb/errors"
	"github.com/stretchr/testify/require"
)

func TestStartupHooksRunInDeclaredOrder(t *testing.T) {
	registry := NewRegistry()

	var ran []int
	registry.OnStartup("third", 2, func() error {
		ran = append(ran, 2)
		return nil
	})
	registry.OnStartup("first", 0, func() error {
		ran = append(ran, 0)
		return nil
	})
	registry.OnStartup("second", 1, func() error {
		ran = append(ran, 1)
		return nil
	})

	dispatcher := NewDispatcher(registry, Config{})
	status := dispatcher.MainExecutable(nil, func(args []string) int { return 0 })

	require.Zero(t, status)
	require.Equal(t, []int{0, 1, 2}, ran)
}

func TestShutdownHooksRunLIFO(t *testing.T) {
	registry := NewRegistry()

	var ran []string
	registry.OnShutdown("a", 0, func() error {
		ran = append(ran, "a")
		return nil
	})
	registry.OnShutdown("b", 0, func() error {
		ran = append(ran, "b")
		return nil
	})
	registry.OnShutdown("c", 0, func() error {
		ran = append(ran, "c")
		return nil
	})

	dispatcher := NewDispatcher(registry, Config{})
	dispatcher.MainExecutable(nil, func(args []string) int { return 0 })

	require.Equal(t, []string{"c", "b", "a"}, ran)
}

func TestShutdownHooksRunInReverseDeclaredOrder(t *testing.T) {
	registry := NewRegistry()

	// Registration order deliberately disagrees with declared order; the
	// highest order unwinds first regardless of when it was registered.
	var ran []int
	registry.OnShutdown("third", 2, func() error {
		ran = append(ran, 2)
		return nil
	})
	registry.OnShutdown("first", 0, func() error {
		ran = append(ran, 0)
		return nil
	})
	registry.OnShutdown("second", 1, func() error {
		ran = append(ran, 1)
		return nil
	})

	dispatcher := NewDispatcher(registry, Config{})
	dispatcher.MainExecutable(nil, func(args []string) int { return 0 })

	require.Equal(t, []int{2, 1, 0}, ran)
}

func TestPairedHooksUnwindInReverse(t *testing.T) {
	registry := NewRegistry()

	var ran []string
	for _, sub := range []struct {
		name  string
		order int
	}{{"vm", 0}, {"sched", 1}, {"io", 2}} {
		sub := sub
		registry.OnStartup(sub.name, sub.order, func() error {
			ran = append(ran, "up:"+sub.name)
			return nil
		})
		registry.OnShutdown(sub.name, sub.order, func() error {
			ran = append(ran, "down:"+sub.name)
			return nil
		})
	}

	dispatcher := NewDispatcher(registry, Config{})
	dispatcher.MainExecutable(nil, func(args []string) int { return 0 })

	require.Equal(t, []string{
		"up:vm", "up:sched", "up:io",
		"down:io", "down:sched", "down:vm",
	}, ran)
}

func TestExecutableTrampoline(t *testing.T) {
	registry := NewRegistry()

	var startupRuns, shutdownRuns, entryRuns int
	registry.OnStartup("count", 0, func() error {
		startupRuns++
		return nil
	})
	registry.OnShutdown("count", 0, func() error {
		shutdownRuns++
		return nil
	})

	dispatcher := NewDispatcher(registry, Config{})

	var seenArgs []string
	status := dispatcher.MainExecutable([]string{"prog", "--flag"}, func(args []string) int {
		entryRuns++
		seenArgs = args
		require.Equal(t, 1, startupRuns, "startup hooks must finish before the entry point")
		require.Zero(t, shutdownRuns, "shutdown hooks must not run before the entry point returns")
		return 7
	})

	require.Equal(t, 7, status)
	require.Equal(t, []string{"prog", "--flag"}, seenArgs)
	require.Equal(t, 1, startupRuns)
	require.Equal(t, 1, entryRuns)
	require.Equal(t, 1, shutdownRuns)
	require.Equal(t, StateTerminated, dispatcher.State())
}

func TestDispatchTwicePanics(t *testing.T) {
	dispatcher := NewDispatcher(NewRegistry(), Config{})
	dispatcher.MainExecutable(nil, func(args []string) int { return 0 })

	require.Panics(t, func() {
		dispatcher.MainExecutable(nil, func(args []string) int { return 0 })
	})
}

func TestHookFailureIsFatal(t *testing.T) {
	registry := NewRegistry()

	registry.OnStartup("boom", 0, func() error {
		return cerrors.New("subsystem failed to come up")
	})

	// A real process is gone once ExitFunc fires; the test variant records
	// the code and lets the call return, so dispatch must abort on its own.
	exitCode := -1
	dispatcher := NewDispatcher(registry, Config{
		ExitFunc: func(code int) { exitCode = code },
	})

	entryRuns := 0
	status := dispatcher.MainExecutable(nil, func(args []string) int {
		entryRuns++
		return 0
	})

	require.Equal(t, 1, exitCode)
	require.Equal(t, 1, status)
	require.Zero(t, entryRuns, "the entry point must never run after a failed startup hook")
	require.False(t, dispatcher.Initialized())
	require.Equal(t, StateTerminated, dispatcher.State())
}

func TestRegisterAfterDispatchPanics(t *testing.T) {
	registry := NewRegistry()
	dispatcher := NewDispatcher(registry, Config{})
	dispatcher.MainExecutable(nil, func(args []string) int { return 0 })

	require.Panics(t, func() {
		registry.OnStartup("late", 0, func() error { return nil })
	})
}

func TestNegativeOrderReservedForRuntime(t *testing.T) {
	require.Panics(t, func() {
		OnStartup("sneaky", -5, func() error { return nil })
	})

	// Instance registries enforce the same reservation.
	registry := NewRegistry()
	require.Panics(t, func() {
		registry.OnStartup("sneaky", -5, func() error { return nil })
	})
	require.Panics(t, func() {
		registry.OnShutdown("sneaky", -5, func() error { return nil })
	})
}

func TestLibraryReloadSkipsHooks(t *testing.T) {
	registry := NewRegistry()

	startupRuns := 0
	registry.OnStartup("count", 0, func() error {
		startupRuns++
		return nil
	})

	dispatcher := NewDispatcher(registry, Config{})

	entryRuns := 0
	entry := func(args []string) int {
		entryRuns++
		return 0
	}

	dispatcher.LibraryLoad(ReasonAttach, entry)
	require.Equal(t, 1, startupRuns)
	require.Equal(t, 1, entryRuns)
	require.True(t, dispatcher.Initialized())

	// A reload never re-runs startup hooks and, by default, does not
	// re-invoke the entry point either.
	dispatcher.LibraryLoad(ReasonAttach, entry)
	require.Equal(t, 1, startupRuns)
	require.Equal(t, 1, entryRuns)
}

func TestLibraryReloadReinvokesEntryWhenConfigured(t *testing.T) {
	registry := NewRegistry()

	startupRuns := 0
	registry.OnStartup("count", 0, func() error {
		startupRuns++
		return nil
	})

	dispatcher := NewDispatcher(registry, Config{ReinvokeOnReload: true})

	entryRuns := 0
	entry := func(args []string) int {
		entryRuns++
		return 0
	}

	dispatcher.LibraryLoad(ReasonAttach, entry)
	dispatcher.LibraryLoad(ReasonAttach, entry)

	require.Equal(t, 1, startupRuns)
	require.Equal(t, 2, entryRuns)
}

func TestLibraryDetachRunsShutdownOnce(t *testing.T) {
	registry := NewRegistry()

	shutdownRuns := 0
	registry.OnShutdown("count", 0, func() error {
		shutdownRuns++
		return nil
	})

	dispatcher := NewDispatcher(registry, Config{})
	dispatcher.LibraryLoad(ReasonAttach, func(args []string) int { return 0 })

	dispatcher.LibraryLoad(ReasonDetach, nil)
	require.Equal(t, 1, shutdownRuns)

	dispatcher.LibraryLoad(ReasonDetach, nil)
	require.Equal(t, 1, shutdownRuns)
	require.Equal(t, StateTerminated, dispatcher.State())
}

func TestAfterConstraintOverridesOrder(t *testing.T) {
	registry := NewRegistry()

	var ran []string
	lateID := registry.OnStartup("late", 5, func() error {
		ran = append(ran, "late")
		return nil
	})
	registry.OnStartup("early", 0, func() error {
		ran = append(ran, "early")
		return nil
	}, After(lateID))

	dispatcher := NewDispatcher(registry, Config{})
	dispatcher.MainExecutable(nil, func(args []string) int { return 0 })

	require.Equal(t, []string{"late", "early"}, ran)
}

func TestConstraintCycleIsFatal(t *testing.T) {
	registry := NewRegistry()

	// Hook IDs are deterministic per registration site, so a cycle can be
	// declared by registering the second hook with a forward reference
	// resolved afterward.
	var firstID, secondID HookID
	firstID = registry.OnStartup("first", 0, func() error { return nil })
	secondID = registry.OnStartup("second", 0, func() error { return nil }, After(firstID))

	// Close the cycle through the registry internals the way a misdeclared
	// constraint pair would.
	for _, entry := range registry.entries {
		if entry.ID == firstID {
			entry.after = append(entry.after, secondID)
		}
	}

	exitCode := -1
	dispatcher := NewDispatcher(registry, Config{
		ExitFunc: func(code int) { exitCode = code },
	})
	status := dispatcher.MainExecutable(nil, func(args []string) int { return 0 })

	require.Equal(t, 1, exitCode)
	require.Equal(t, 1, status)
}

func TestHookIDsDistinguishRegistrationSites(t *testing.T) {
	registry := NewRegistry()

	id1 := registry.OnStartup("same-name", 0, func() error { return nil })
	id2 := registry.OnStartup("same-name", 0, func() error { return nil })

	require.NotEqual(t, id1, id2)
	require.NotEmpty(t, id1.String())
}

func TestEqualOrderRunsInRegistrationOrder(t *testing.T) {
	registry := NewRegistry()

	var ran []string
	for _, name := range []string{"a", "b", "c", "d"} {
		name := name
		registry.OnStartup(name, 3, func() error {
			ran = append(ran, name)
			return nil
		})
	}

	dispatcher := NewDispatcher(registry, Config{})
	dispatcher.MainExecutable(nil, func(args []string) int { return 0 })

	require.Equal(t, []string{"a", "b", "c", "d"}, ran)
}
