//go:build !linux

package affinity

// Pin is a no-op outside Linux: affinity is a best-effort hint everywhere
// else, so correctness never depends on it succeeding.
func Pin(cpu int) error { return nil }

// SetNice is a no-op outside Linux.
func SetNice(priority int) error { return nil }

// Supported reports whether CPU affinity is available on this platform.
func Supported() bool { return false }
