//go:build !linux

package sandbox

// residentBytes is unavailable without procfs; the kernel limits set by
// the worker still apply.
func residentBytes(int) (int64, bool) {
	return 0, false
}
