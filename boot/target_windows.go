//go:build windows

package boot

import "runtime"

var currentTarget = Target{
	Arch:   Arch(runtime.GOARCH),
	OS:     OSWindows,
	Format: FormatPE,
}
