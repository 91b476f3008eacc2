package boot

import (
	"github.com/substrate-rt/substrate/vmem"
)

// The runtime's own startup hook: discover the host page size so every
// allocator hook at order >= 0 can reserve and commit memory. It registers at
// OrderRuntime, below any order a user hook can declare.
func init() {
	defaultRegistry.register(
		callerHookID("runtime/vmem"),
		"runtime/vmem", OrderRuntime, KindStartup,
		func() error {
			vmem.PageSize()
			return nil
		},
	)
}
