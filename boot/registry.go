package boot

import (
	"encoding/hex"
	"fmt"
	"runtime"

	cerrors "github.com/cockroachdb/errors"
	"github.com/zeebo/blake3"
	"golang.org/x/exp/slices"
)

// OrderRuntime is the declared order of the runtime's own startup hook. It
// sorts before every user hook, so by the time any order >= 0 hook runs, the
// virtual memory layer is initialized and hooks may allocate freely.
const OrderRuntime = -1 << 31

// HookFunc is a startup or shutdown callback. A non-nil error is fatal: the
// process aborts rather than running user code against partially initialized
// state.
type HookFunc func() error

// HookID identifies a registered hook. It is derived from the registration
// site and the hook name, so it is stable across runs of the same build.
type HookID [32]byte

func (id HookID) String() string {
	return hex.EncodeToString(id[:8])
}

// HookKind distinguishes startup hooks from shutdown hooks.
type HookKind int

const (
	KindStartup HookKind = iota
	KindShutdown
)

func (k HookKind) String() string {
	if k == KindStartup {
		return "startup"
	}
	return "shutdown"
}

// HookEntry is one registered hook. Entries are created only during package
// initialization and live for the life of the process image.
type HookEntry struct {
	Name  string
	Order int
	Kind  HookKind
	ID    HookID

	fn    HookFunc
	after []HookID
}

// HookOption adjusts a hook at registration time.
type HookOption func(*HookEntry)

// After constrains the hook to run after the hook with the given id,
// regardless of their relative declared orders. Constraint cycles are a fatal
// bootstrap error, detected at dispatch.
func After(id HookID) HookOption {
	return func(e *HookEntry) {
		e.after = append(e.after, id)
	}
}

// Registry holds the hooks registered for one process image. The package
// default registry is what OnStartup and OnShutdown feed; separate registries
// exist so dispatch behavior can be exercised in isolation.
type Registry struct {
	sealed  bool
	entries []*HookEntry
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{}
}

var defaultRegistry = NewRegistry()

// OnStartup registers fn to run before the user entry point, at the given
// order. Must be called during package initialization; registering after
// dispatch has begun panics. Order must be >= 0, lower orders run first,
// equal orders run in registration order. Equal-order sequencing is a build
// artifact, not a guarantee; hooks that need a relative order should declare
// it with After.
func OnStartup(name string, order int, fn HookFunc, opts ...HookOption) HookID {
	if order < 0 {
		panic(fmt.Sprintf("startup hook %q declared a negative order %d, which is reserved for the runtime", name, order))
	}
	return defaultRegistry.register(callerHookID(name), name, order, KindStartup, fn, opts...)
}

// OnShutdown registers fn to run after the user entry point returns. Shutdown
// hooks run in reverse declared order (LIFO), mirroring scope exit: the
// shutdown hook with the highest order runs first, and equal orders unwind in
// reverse registration order. The same registration rules as OnStartup apply.
func OnShutdown(name string, order int, fn HookFunc, opts ...HookOption) HookID {
	if order < 0 {
		panic(fmt.Sprintf("shutdown hook %q declared a negative order %d, which is reserved for the runtime", name, order))
	}
	return defaultRegistry.register(callerHookID(name), name, order, KindShutdown, fn, opts...)
}

// OnStartup registers a startup hook on this registry. See the package-level
// OnStartup for the registration rules.
func (r *Registry) OnStartup(name string, order int, fn HookFunc, opts ...HookOption) HookID {
	if order < 0 {
		panic(fmt.Sprintf("startup hook %q declared a negative order %d, which is reserved for the runtime", name, order))
	}
	return r.register(callerHookID(name), name, order, KindStartup, fn, opts...)
}

// OnShutdown registers a shutdown hook on this registry. See the
// package-level OnShutdown for the registration rules.
func (r *Registry) OnShutdown(name string, order int, fn HookFunc, opts ...HookOption) HookID {
	if order < 0 {
		panic(fmt.Sprintf("shutdown hook %q declared a negative order %d, which is reserved for the runtime", name, order))
	}
	return r.register(callerHookID(name), name, order, KindShutdown, fn, opts...)
}

func (r *Registry) register(id HookID, name string, order int, kind HookKind, fn HookFunc, opts ...HookOption) HookID {
	if r.sealed {
		panic(fmt.Sprintf("%s hook %q registered after dispatch; hooks must be registered from init functions", kind, name))
	}
	if fn == nil {
		panic(fmt.Sprintf("%s hook %q registered with a nil function", kind, name))
	}

	entry := &HookEntry{
		Name:  name,
		Order: order,
		Kind:  kind,
		ID:    id,
		fn:    fn,
	}
	for _, opt := range opts {
		opt(entry)
	}

	r.entries = append(r.entries, entry)
	return entry.ID
}

// callerHookID hashes the registration site and the hook name, so two hooks
// with the same name registered from different files stay distinct. The skip
// count assumes it is called directly from a registration entry point.
func callerHookID(name string) HookID {
	_, file, line, _ := runtime.Caller(2)
	return HookID(blake3.Sum256([]byte(fmt.Sprintf("%s:%d:%s", file, line, name))))
}

// seal freezes the registry and returns the resolved run orders. Both kinds
// resolve through the same declared-order sort and constraint pass; shutdown
// runs LIFO, so the dispatcher walks the resolved shutdown slice backward.
// Constraint cycles surface as an error.
func (r *Registry) seal() (startup []*HookEntry, shutdown []*HookEntry, err error) {
	r.sealed = true

	for _, entry := range r.entries {
		switch entry.Kind {
		case KindStartup:
			startup = append(startup, entry)
		case KindShutdown:
			shutdown = append(shutdown, entry)
		}
	}

	startup, err = resolveOrder(startup)
	if err != nil {
		return nil, nil, err
	}

	shutdown, err = resolveOrder(shutdown)
	if err != nil {
		return nil, nil, err
	}

	return startup, shutdown, nil
}

// resolveOrder sorts entries by declared order (registration order breaking
// ties) and then applies After constraints with a stable topological pass.
func resolveOrder(entries []*HookEntry) ([]*HookEntry, error) {
	sorted := slices.Clone(entries)
	slices.SortStableFunc(sorted, func(a, b *HookEntry) bool {
		return a.Order < b.Order
	})

	byID := make(map[HookID]*HookEntry, len(sorted))
	for _, entry := range sorted {
		byID[entry.ID] = entry
	}

	// Kahn's algorithm, always picking the earliest ready entry from the
	// order-sorted list so unconstrained hooks keep their positions.
	blockers := make(map[*HookEntry]int, len(sorted))
	dependents := make(map[HookID][]*HookEntry)
	for _, entry := range sorted {
		for _, afterID := range entry.after {
			if _, registered := byID[afterID]; !registered {
				return nil, cerrors.Newf("%s hook %q runs after unregistered hook %s", entry.Kind, entry.Name, afterID)
			}
			blockers[entry]++
			dependents[afterID] = append(dependents[afterID], entry)
		}
	}

	resolved := make([]*HookEntry, 0, len(sorted))
	done := make(map[*HookEntry]bool, len(sorted))
	for len(resolved) < len(sorted) {
		progressed := false
		for _, entry := range sorted {
			if done[entry] || blockers[entry] > 0 {
				continue
			}

			resolved = append(resolved, entry)
			done[entry] = true
			for _, dependent := range dependents[entry.ID] {
				blockers[dependent]--
			}
			progressed = true
		}

		if !progressed {
			return nil, cerrors.Newf("hook ordering constraints form a cycle among %d hooks", len(sorted)-len(resolved))
		}
	}

	return resolved, nil
}
