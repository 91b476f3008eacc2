//go:build linux

package boot

import "runtime"

var currentTarget = Target{
	Arch:   Arch(runtime.GOARCH),
	OS:     OSLinux,
	Format: FormatELF,
}
