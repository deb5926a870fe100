//go:build linux

package affinity

import (
	"fmt"

	"golang.org/x/sys/unix"
)

// Pin binds the calling OS thread to cpu. The caller must have already
// locked the goroutine to its OS thread via runtime.LockOSThread, since
// affinity is a thread, not a goroutine, property.
func Pin(cpu int) error {
	if cpu < 0 {
		return nil
	}
	var set unix.CPUSet
	set.Zero()
	set.Set(cpu)
	if err := unix.SchedSetaffinity(0, &set); err != nil {
		return fmt.Errorf("affinity: pin to cpu %d: %w", cpu, err)
	}
	return nil
}

// SetNice lowers (or raises) the calling OS thread's scheduling priority.
// Background scene loaders use this to avoid contending with simulation
// workers for CPU time.
func SetNice(priority int) error {
	if err := unix.Setpriority(unix.PRIO_PROCESS, 0, priority); err != nil {
		return fmt.Errorf("affinity: setpriority %d: %w", priority, err)
	}
	return nil
}

// Supported reports whether CPU affinity is available on this platform.
func Supported() bool { return true }
