//go:build linux

package worker

import "github.com/c9s/goprocinfo/linux"

// collectProcMetrics samples /proc/self/* once per self-report. Every
// worker thread shares the process, so the numbers are process-wide.
func collectProcMetrics() (vmPeakKB, utime uint64) {
	status, err := linux.ReadProcessStatus("/proc/self/status")
	if err == nil {
		vmPeakKB = status.VmPeak
	}
	stat, err := linux.ReadProcessStat("/proc/self/stat")
	if err == nil {
		utime = stat.Utime
	}
	return vmPeakKB, utime
}
