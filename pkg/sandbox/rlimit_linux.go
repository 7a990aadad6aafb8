//go:build linux

package sandbox

import "golang.org/x/sys/unix"

// applyResourceLimits pins the child's address space and CPU time via
// prlimit. The CPU allowance is derived from the wall clock and core count
// so a spinning process cannot outlive its attempt window.
func applyResourceLimits(pid int, limits Limits) error {
	mem := unix.Rlimit{
		Cur: uint64(limits.MemoryBytes),
		Max: uint64(limits.MemoryBytes),
	}
	if err := unix.Prlimit(pid, unix.RLIMIT_AS, &mem, nil); err != nil {
		return err
	}

	secs := cpuSecondsFor(limits)
	cpu := unix.Rlimit{Cur: secs, Max: secs}
	return unix.Prlimit(pid, unix.RLIMIT_CPU, &cpu, nil)
}
