//go:build !linux

package sandbox

// applyResourceLimits is a no-op where prlimit is unavailable; the wall
// clock stays the only hard limit on those platforms.
func applyResourceLimits(pid int, limits Limits) error {
	return nil
}
