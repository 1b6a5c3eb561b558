//go:build !linux

package worker

// collectProcMetrics has no /proc to read outside Linux; the memory and
// CPU fields of ThreadMetrics stay zero.
func collectProcMetrics() (vmPeakKB, utime uint64) {
	return 0, 0
}
