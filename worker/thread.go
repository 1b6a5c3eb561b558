// Package worker implements WorkerThread and WorkerManager: one event
// loop per worker, fanned out to from a manager for start, reload, and
// shutdown.
package worker

import (
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/akitasoftware/pipedge/buffer"
	"github.com/akitasoftware/pipedge/pipeline"
)

var errNilLayout = errors.New("worker: candidate worker has no pipeline layout")

// task is a closure posted to a WorkerThread's loop, the Go analogue of
// "posting a closure to the target thread's event loop".
type task func()

// Worker is the current codebase incarnation bound to a thread: just its
// root pipeline layout, in this core's scope.
type Worker struct {
	Layout  *pipeline.Layout
	Version string
}

// WorkerThread owns one goroutine running one cooperative loop: it drains
// posted tasks, runs the 1s recycle tick, and tracks active pipeline
// count.
type WorkerThread struct {
	Index int
	log   *logrus.Entry

	mu              sync.Mutex
	current         *Worker
	pendingWorker   *Worker
	activePipelines int
	shuttingDown    bool

	tasks   chan task
	stop    chan struct{}
	stopped chan struct{}
	started chan error
}

// NewThread constructs a WorkerThread; it does not start running until
// Start is called.
func NewThread(index int) *WorkerThread {
	return &WorkerThread{
		Index:   index,
		log:     logrus.StandardLogger().WithFields(logrus.Fields{"component": "worker-thread", "thread": index}),
		tasks:   make(chan task, 64),
		stop:    make(chan struct{}),
		stopped: make(chan struct{}),
		started: make(chan error, 1),
	}
}

// Start launches the thread's goroutine with the given initial Worker and
// blocks until it has signaled started or failed.
func (wt *WorkerThread) Start(initial *Worker) error {
	go wt.loop(initial)
	return <-wt.started
}

func (wt *WorkerThread) loop(initial *Worker) {
	defer close(wt.stopped)

	// Binding the initial Worker plays the role of "load the entry module,
	// construct a Worker": actual script loading is an external
	// collaborator, so the only load step that can fail here
	// is a candidate with no layout to serve.
	if initial == nil || initial.Layout == nil {
		wt.started <- errNilLayout
		return
	}
	wt.mu.Lock()
	wt.current = initial
	wt.mu.Unlock()
	wt.started <- nil

	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-wt.stop:
			return
		case t := <-wt.tasks:
			t()
		case <-ticker.C:
			if wt.recycle() {
				return
			}
		}
	}
}

// recycle runs the 1s periodic task. The runtime's allocator owns free
// memory here, so its only job is the shutdown-when-idle check.
func (wt *WorkerThread) recycle() (shouldStop bool) {
	wt.mu.Lock()
	defer wt.mu.Unlock()
	return wt.shuttingDown && wt.activePipelines == 0
}

// post runs fn on the thread's loop and blocks until it completes. The
// reload phases go through it; the pipeline counters, Current, and the
// shutdown flag are instead read and written directly under mu.
func (wt *WorkerThread) post(fn func()) {
	done := make(chan struct{})
	select {
	case wt.tasks <- func() { fn(); close(done) }:
		<-done
	case <-wt.stopped:
	}
}

// Current returns the Worker presently live on this thread.
func (wt *WorkerThread) Current() *Worker {
	wt.mu.Lock()
	defer wt.mu.Unlock()
	return wt.current
}

// IncrementPipelines/DecrementPipelines track the thread's live pipeline
// count, consulted by recycle() and by WorkerManager's graceful stop.
func (wt *WorkerThread) IncrementPipelines() {
	wt.mu.Lock()
	wt.activePipelines++
	wt.mu.Unlock()
}

func (wt *WorkerThread) DecrementPipelines() {
	wt.mu.Lock()
	wt.activePipelines--
	wt.mu.Unlock()
}

func (wt *WorkerThread) ActivePipelines() int {
	wt.mu.Lock()
	defer wt.mu.Unlock()
	return wt.activePipelines
}

// prepareReload runs phase 1 of reload on this thread: bind the candidate
// Worker without making it current.
func (wt *WorkerThread) prepareReload(candidate *Worker) error {
	errCh := make(chan error, 1)
	wt.post(func() {
		if candidate.Layout == nil {
			errCh <- errNilLayout
			return
		}
		wt.mu.Lock()
		wt.pendingWorker = candidate
		wt.mu.Unlock()
		errCh <- nil
	})
	return <-errCh
}

// commitReload runs phase 2a: the pending worker becomes current.
func (wt *WorkerThread) commitReload() {
	wt.post(func() {
		wt.mu.Lock()
		wt.current = wt.pendingWorker
		wt.pendingWorker = nil
		wt.mu.Unlock()
	})
}

// discardReload runs phase 2b: the pending worker is dropped, old worker
// keeps serving.
func (wt *WorkerThread) discardReload() {
	wt.post(func() {
		wt.mu.Lock()
		wt.pendingWorker = nil
		wt.mu.Unlock()
	})
}

// RequestStop marks the thread for graceful shutdown; its loop exits once
// activePipelines reaches zero on a subsequent recycle tick.
func (wt *WorkerThread) RequestStop() {
	wt.mu.Lock()
	wt.shuttingDown = true
	wt.mu.Unlock()
}

// ForceStop stops the loop immediately regardless of active pipelines.
func (wt *WorkerThread) ForceStop() {
	select {
	case <-wt.stop:
	default:
		close(wt.stop)
	}
}

// Join blocks until this thread's loop has exited.
func (wt *WorkerThread) Join() {
	<-wt.stopped
}

// Metrics produces this thread's self-report.
func (wt *WorkerThread) Metrics() ThreadMetrics {
	vmPeak, utime := collectProcMetrics()
	return ThreadMetrics{
		ThreadIndex:     wt.Index,
		ActivePipelines: wt.ActivePipelines(),
		ChunkCount:      int(buffer.LiveChunkCount()),
		GoroutineCount:  goroutineCount(),
		VMPeakKB:        vmPeak,
		UtimeTicks:      utime,
	}
}
