//go:build darwin

package boot

import "runtime"

var currentTarget = Target{
	Arch:   Arch(runtime.GOARCH),
	OS:     OSDarwin,
	Format: FormatMachO,
}
