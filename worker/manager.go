package worker

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"

	"github.com/gorilla/mux"
	"github.com/hashicorp/go-version"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

// Manager is the singleton WorkerManager orchestrating N WorkerThreads.
// It is an explicit struct rather than package-level state so tests can
// construct more than one in isolation.
type Manager struct {
	log     *logrus.Entry
	threads []*WorkerThread

	mu             sync.Mutex
	currentVersion *version.Version
	statsInFlight  bool
	admin          *http.Server
	statsSources   []func() []ListenerStats
	nextAssign     int
}

// NewManager constructs an unstarted Manager with n worker threads.
func NewManager(n int) *Manager {
	m := &Manager{
		log: logrus.StandardLogger().WithField("component", "worker-manager"),
	}
	for i := 0; i < n; i++ {
		m.threads = append(m.threads, NewThread(i))
	}
	return m
}

// Start constructs and starts every thread with initial. If any thread
// fails, every already-started thread is force-stopped and the failure is
// reported.
func (m *Manager) Start(initial *Worker) error {
	v, err := version.NewVersion(initial.Version)
	if err != nil {
		v, _ = version.NewVersion("0.0.0")
	}
	m.mu.Lock()
	m.currentVersion = v
	m.mu.Unlock()

	started := make([]*WorkerThread, 0, len(m.threads))
	for _, wt := range m.threads {
		if err := wt.Start(initial); err != nil {
			m.log.WithError(err).WithField("thread", wt.Index).Error("worker thread failed to start, tearing down")
			for _, s := range started {
				s.ForceStop()
				s.Join()
			}
			return errors.Wrapf(err, "worker thread %d failed to start", wt.Index)
		}
		started = append(started, wt)
	}
	m.log.WithField("threads", len(m.threads)).Info("worker manager started")
	return nil
}

// Reload swaps the codebase in two phases: phase 1 binds candidate on
// every thread without activating it; phase 2 activates it everywhere
// only if every thread's phase 1 succeeded, otherwise every thread
// discards the candidate. Either all threads switch atomically, or none
// do.
func (m *Manager) Reload(candidate *Worker) error {
	type result struct {
		idx int
		err error
	}
	results := make(chan result, len(m.threads))
	for _, wt := range m.threads {
		go func(wt *WorkerThread) {
			results <- result{idx: wt.Index, err: wt.prepareReload(candidate)}
		}(wt)
	}

	var firstErr error
	for range m.threads {
		r := <-results
		if r.err != nil && firstErr == nil {
			firstErr = errors.Wrapf(r.err, "thread %d", r.idx)
		}
	}

	if firstErr != nil {
		m.log.WithError(firstErr).Warn("reload phase 1 failed on at least one thread, discarding on all threads")
		var wg sync.WaitGroup
		for _, wt := range m.threads {
			wg.Add(1)
			go func(wt *WorkerThread) { defer wg.Done(); wt.discardReload() }(wt)
		}
		wg.Wait()
		return firstErr
	}

	var wg sync.WaitGroup
	for _, wt := range m.threads {
		wg.Add(1)
		go func(wt *WorkerThread) { defer wg.Done(); wt.commitReload() }(wt)
	}
	wg.Wait()

	if v, err := version.NewVersion(candidate.Version); err == nil {
		m.mu.Lock()
		m.currentVersion = v
		m.mu.Unlock()
	}
	m.log.WithField("version", candidate.Version).Info("reload committed on all threads")
	return nil
}

// Stop tears down all threads. If force is true, every thread stops
// immediately regardless of active pipelines. Otherwise every thread is
// told to drain gracefully and Stop blocks until all have exited, or ctx
// is done.
func (m *Manager) Stop(ctx context.Context, force bool) error {
	if force {
		for _, wt := range m.threads {
			wt.ForceStop()
		}
		for _, wt := range m.threads {
			wt.Join()
		}
		return nil
	}

	for _, wt := range m.threads {
		wt.RequestStop()
	}

	done := make(chan struct{})
	go func() {
		for _, wt := range m.threads {
			wt.Join()
		}
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		for _, wt := range m.threads {
			wt.ForceStop()
		}
		for _, wt := range m.threads {
			wt.Join()
		}
		return ctx.Err()
	}
}

// AssignThread hands out worker threads round-robin. Listeners register
// the returned thread as their pipeline tracker so every connection's
// pipeline is counted against exactly one thread, which is what the
// graceful-stop drain and the recycle tick's idle check observe.
func (m *Manager) AssignThread() *WorkerThread {
	m.mu.Lock()
	defer m.mu.Unlock()
	wt := m.threads[m.nextAssign%len(m.threads)]
	m.nextAssign++
	return wt
}

// ListenerStats is one bound listener's contribution to Stats: cumulative
// traffic totals and the count of currently live inbounds.
type ListenerStats struct {
	Key        string
	TrafficIn  int64
	TrafficOut int64
	Live       int
}

// Stats is the aggregate response of a collect cycle.
type Stats struct {
	Threads   []ThreadMetrics
	Listeners []ListenerStats
	Version   string
}

// AddStatsSource registers a supplier of per-listener stats folded into
// every subsequent collect. The manager does not depend on the listener
// package directly; the driver wires each bound listener in through this
// hook.
func (m *Manager) AddStatsSource(fn func() []ListenerStats) {
	m.mu.Lock()
	m.statsSources = append(m.statsSources, fn)
	m.mu.Unlock()
}

// CollectBlocking reads every thread's metrics concurrently and waits for
// all of them before returning, for use from administrative call sites.
// The reads go through each thread's mutex, not through its loop: no task
// is posted, and a thread whose loop has exited still reports.
func (m *Manager) CollectBlocking() Stats {
	out := make([]ThreadMetrics, len(m.threads))
	var wg sync.WaitGroup
	for i, wt := range m.threads {
		wg.Add(1)
		go func(i int, wt *WorkerThread) {
			defer wg.Done()
			out[i] = wt.Metrics()
		}(i, wt)
	}
	wg.Wait()

	m.mu.Lock()
	v := m.currentVersion
	sources := m.statsSources
	m.mu.Unlock()
	vs := ""
	if v != nil {
		vs = v.String()
	}

	var listeners []ListenerStats
	for _, src := range sources {
		listeners = append(listeners, src()...)
	}
	return Stats{Threads: out, Listeners: listeners, Version: vs}
}

// CollectNonBlocking posts to each thread, coalesces on a running counter,
// and invokes cb exactly once with the aggregate result. A second
// non-blocking collect started while one is in flight is refused.
func (m *Manager) CollectNonBlocking(cb func(Stats)) bool {
	m.mu.Lock()
	if m.statsInFlight {
		m.mu.Unlock()
		return false
	}
	m.statsInFlight = true
	m.mu.Unlock()

	go func() {
		stats := m.CollectBlocking()
		m.mu.Lock()
		m.statsInFlight = false
		m.mu.Unlock()
		cb(stats)
	}()
	return true
}

// ServeAdmin starts a JSON administrative HTTP endpoint exposing
// CollectBlocking. The admin service proper lives elsewhere; this is the
// stats hook it consumes.
func (m *Manager) ServeAdmin(addr string) error {
	router := mux.NewRouter().StrictSlash(true)
	router.HandleFunc("/stats", func(w http.ResponseWriter, r *http.Request) {
		stats := m.CollectBlocking()
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(stats)
	}).Methods("GET")

	m.mu.Lock()
	m.admin = &http.Server{Addr: addr, Handler: router}
	srv := m.admin
	m.mu.Unlock()

	return srv.ListenAndServe()
}

// ShutdownAdmin stops the admin HTTP server, if running.
func (m *Manager) ShutdownAdmin(ctx context.Context) error {
	m.mu.Lock()
	srv := m.admin
	m.mu.Unlock()
	if srv == nil {
		return nil
	}
	return srv.Shutdown(ctx)
}
