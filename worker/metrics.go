package worker

import "runtime"

// ThreadMetrics is one WorkerThread's periodic self-report.
type ThreadMetrics struct {
	ThreadIndex     int
	ActivePipelines int
	ChunkCount      int
	GoroutineCount  int

	// VMPeakKB/UtimeTicks are populated only on Linux, where /proc is
	// available; zero elsewhere.
	VMPeakKB   uint64
	UtimeTicks uint64
}

func goroutineCount() int {
	return runtime.NumGoroutine()
}
