//go:build windows

package diagnostics

// CountFDs returns the number of open file descriptors and the maximum
// allowed. Windows has no /proc/self/fd equivalent; FD monitoring is
// reported as unavailable there.
func CountFDs() (open, limit int) {
	return 0, 0
}
