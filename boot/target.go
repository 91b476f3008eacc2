// Package boot owns process bootstrap: the startup/shutdown hook registry and
// the entry point dispatcher that runs hooks around the user entry point for
// both executable and loadable-library launch modes.
package boot

// Arch is the instruction set the binary was compiled for.
type Arch string

const (
	ArchAMD64 Arch = "amd64"
	ArchARM64 Arch = "arm64"
)

// OS is the operating system family the binary targets.
type OS string

const (
	OSLinux   OS = "linux"
	OSDarwin  OS = "darwin"
	OSWindows OS = "windows"
)

// Format is the executable file format the target OS loads.
type Format string

const (
	FormatELF   Format = "elf"
	FormatMachO Format = "mach-o"
	FormatPE    Format = "pe"
)

// Target is the build-time platform triple. It selects which virtual memory
// backend and which loader conventions are compiled in, and is never
// constructed at runtime.
type Target struct {
	Arch   Arch
	OS     OS
	Format Format
}

// CurrentTarget returns the triple this binary was built for.
func CurrentTarget() Target {
	return currentTarget
}
