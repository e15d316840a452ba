package sandbox

import "github.com/prometheus/procfs"

// residentBytes reads the resident set size of pid from /proc.
func residentBytes(pid int) (int64, bool) {
	proc, err := procfs.NewProc(pid)
	if err != nil {
		return 0, false
	}
	stat, err := proc.Stat()
	if err != nil {
		return 0, false
	}
	return int64(stat.ResidentMemory()), true
}
