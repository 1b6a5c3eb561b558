// Package listener implements Listener: a bound {protocol, address, port}
// with a staged-commit lifecycle (SetNextState/Commit/Rollback) so a new
// pipeline layout can be verified bindable before it atomically replaces
// the current one, or be discarded without disturbing existing traffic.
package listener

import (
	"context"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/imdario/mergo"
	"github.com/jpillora/backoff"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/akitasoftware/pipedge/inbound"
	"github.com/akitasoftware/pipedge/pipeline"
)

// Protocol is the transport a Listener binds.
type Protocol string

const (
	TCP Protocol = "tcp"
	UDP Protocol = "udp"
)

// State is a Listener's lifecycle position.
type State int

const (
	Stopped State = iota
	Preparing
	Listening
	PreparingReload
)

func (s State) String() string {
	switch s {
	case Stopped:
		return "Stopped"
	case Preparing:
		return "Preparing"
	case Listening:
		return "Listening"
	case PreparingReload:
		return "PreparingReload"
	default:
		return "Unknown"
	}
}

// Options configures socket-level behavior. Zero-valued fields are merged
// with DefaultOptions via mergo, so partial structs layer over defaults
// without clobbering unset fields.
type Options struct {
	ReusePort   bool
	Transparent bool // TCP only: enables SO_ORIGINAL_DST lookup.
	Masquerade  bool // UDP only: raw-socket spoofed-source egress.

	// MasqueradeSource is the source address stamped on outbound masqueraded
	// datagrams. Left nil, the listener's own local address is used.
	MasqueradeSource net.IP

	// Tracker receives pipeline-lifetime notifications for every inbound
	// this listener accepts, keeping the owning worker thread's
	// active-pipeline count accurate for graceful shutdown. Typically a
	// *worker.WorkerThread.
	Tracker inbound.PipelineTracker

	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	IdleTimeout  time.Duration

	// RebindBackoff governs retry delay when (re)binding the socket fails
	// transiently (e.g. address still in TIME_WAIT).
	RebindBackoff backoff.Backoff
	RebindRetries int
}

// DefaultOptions is the stock listener configuration.
func DefaultOptions() Options {
	return Options{
		IdleTimeout:   60 * time.Second,
		RebindRetries: 3,
		RebindBackoff: backoff.Backoff{Min: 50 * time.Millisecond, Max: time.Second, Factor: 2},
	}
}

// interfaceError pairs a background accept-loop failure with the
// listener that produced it.
type interfaceError struct {
	key string
	err error
}

// Listener binds one (protocol, address, port) and demultiplexes accepted
// connections into InboundTCP/InboundUDP objects running a live
// PipelineLayout.
type Listener struct {
	Protocol Protocol
	Address  string
	Port     int
	opts     Options
	log      *logrus.Entry

	mu          sync.Mutex
	state       State
	layout      *pipeline.Layout
	nextLayout  *pipeline.Layout
	nextOptions *Options

	ln     net.Listener   // TCP only
	pc     net.PacketConn // UDP only
	udpL   *inbound.UDPListener
	live   map[uint64]*inbound.TCP
	stopCh chan struct{}
	doneWG sync.WaitGroup
	errCh  chan interfaceError

	// totalIn/totalOut accumulate the traffic counters of inbounds that
	// have already terminated; TrafficTotals adds the live ones on top.
	totalIn  int64
	totalOut int64
}

// New constructs a Listener in the Stopped state. Call SetNextState then
// Commit to bind and start accepting.
func New(proto Protocol, address string, port int, opts Options) *Listener {
	merged := DefaultOptions()
	_ = mergo.Merge(&merged, opts, mergo.WithOverride)

	return &Listener{
		Protocol: proto,
		Address:  address,
		Port:     port,
		opts:     merged,
		state:    Stopped,
		live:     make(map[uint64]*inbound.TCP),
		log: logrus.StandardLogger().WithFields(logrus.Fields{
			"component": "listener",
			"protocol":  string(proto),
			"address":   address,
			"port":      port,
		}),
	}
}

func (l *Listener) key() string {
	return string(l.Protocol) + ":" + l.Address + ":" + strconv.Itoa(l.Port)
}

// Key identifies this listener by its (protocol, address, port) triple.
func (l *Listener) Key() string { return l.key() }

// TrafficTotals reports cumulative bytes in/out across every inbound this
// listener has accepted, live and terminated — the per-listener totals the
// admin stats endpoint surfaces.
func (l *Listener) TrafficTotals() (in, out int64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	in, out = l.totalIn, l.totalOut
	for _, t := range l.live {
		in += t.Counters.In()
		out += t.Counters.Out()
	}
	return in, out
}

// State reports the listener's current lifecycle state.
func (l *Listener) State() State {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.state
}

// SetNextState stages new_layout/options for the next Commit. For a first
// bind (Stopped) with force false, bindability is probed up front: a
// failure returns false so the caller can Rollback before anything is
// bound. A Listening listener stages unconditionally — its bound socket
// is reused on Commit, so the staged change cannot fail to bind and
// existing traffic is never disturbed.
func (l *Listener) SetNextState(layout *pipeline.Layout, opts Options, force bool) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.state == Stopped {
		// Nothing is bound yet, so bindability can be probed for real: a
		// failure here lets the caller Rollback before Commit ever binds.
		if !force {
			if err := l.probeBind(); err != nil {
				l.log.WithError(err).Warn("staged listener cannot bind, rolling back is safe")
				return false, err
			}
		}
		l.nextLayout = layout
		merged := l.opts
		_ = mergo.Merge(&merged, opts, mergo.WithOverride)
		l.nextOptions = &merged
		l.state = Preparing
		return true, nil
	}

	// Already Listening: Commit of a staged reload reuses the bound socket
	// rather than rebinding, so there is nothing to probe — a fresh bind on
	// the same endpoint would only collide with our own listener and make
	// every live reload roll back.
	l.nextLayout = layout
	merged := l.opts
	_ = mergo.Merge(&merged, opts, mergo.WithOverride)
	l.nextOptions = &merged
	l.state = PreparingReload
	return true, nil
}

// probeBind attempts (and immediately releases) a bind to the listener's
// endpoint, reporting whether a later Commit could bind it. Only valid
// while nothing is bound; a Listening listener reuses its socket instead.
func (l *Listener) probeBind() error {
	probe, err := l.bindSocket()
	if err != nil {
		return err
	}
	switch v := probe.(type) {
	case net.Listener:
		return v.Close()
	case net.PacketConn:
		return v.Close()
	}
	return nil
}

// Commit atomically swaps to the staged layout. Existing inbounds keep
// running their own pipeline (spawned from the previous layout) until they
// terminate naturally.
func (l *Listener) Commit() error {
	l.mu.Lock()
	if l.nextLayout == nil {
		l.mu.Unlock()
		return errors.New("listener: commit with no staged change")
	}
	wasListening := l.state == PreparingReload
	layout, opts := l.nextLayout, *l.nextOptions
	l.nextLayout, l.nextOptions = nil, nil
	l.mu.Unlock()

	if wasListening {
		l.mu.Lock()
		l.layout = layout
		l.opts = opts
		l.state = Listening
		l.mu.Unlock()
		l.log.Info("committed new pipeline layout to existing listener")
		return nil
	}

	return l.bindAndServe(layout, opts)
}

// Rollback discards a staged change, leaving the listener exactly as it
// was.
func (l *Listener) Rollback() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.nextLayout, l.nextOptions = nil, nil
	if l.state == Preparing {
		l.state = Stopped
	} else if l.state == PreparingReload {
		l.state = Listening
	}
}

func (l *Listener) bindSocket() (interface{}, error) {
	addr := net.JoinHostPort(l.Address, strconv.Itoa(l.Port))

	var lc net.ListenConfig
	if l.opts.ReusePort {
		lc.Control = reusePortControl
	}

	if l.Protocol == UDP {
		return lc.ListenPacket(context.Background(), "udp", addr)
	}
	return lc.Listen(context.Background(), "tcp", addr)
}

func (l *Listener) bindAndServe(layout *pipeline.Layout, opts Options) error {
	b := opts.RebindBackoff
	var lastErr error
	for attempt := 0; attempt <= opts.RebindRetries; attempt++ {
		sock, err := l.bindSocket()
		if err == nil {
			l.mu.Lock()
			l.layout, l.opts = layout, opts
			l.state = Listening
			l.stopCh = make(chan struct{})
			l.errCh = make(chan interfaceError, 1)
			switch v := sock.(type) {
			case net.Listener:
				l.ln = v
				l.doneWG.Add(1)
				go l.acceptLoop()
			case net.PacketConn:
				l.pc = v
				l.udpL = inbound.NewUDPListener(v, layout, inbound.UDPOptions{
					IdleTimeout: opts.IdleTimeout,
					Masquerade:  opts.Masquerade,
					OriginalDst: opts.MasqueradeSource,
					Tracker:     opts.Tracker,
					Logger:      logrus.StandardLogger(),
				})
				l.doneWG.Add(1)
				go l.udpServeLoop()
			}
			l.mu.Unlock()
			return nil
		}
		lastErr = err
		l.log.WithError(err).WithField("attempt", attempt).Debug("bind failed, retrying")
		time.Sleep(b.Duration())
	}

	l.mu.Lock()
	l.state = Stopped
	l.mu.Unlock()
	return errors.Wrap(lastErr, "listener: failed to bind after retries")
}

func (l *Listener) acceptLoop() {
	defer l.doneWG.Done()
	for {
		conn, err := l.ln.Accept()
		if err != nil {
			select {
			case <-l.stopCh:
				return
			default:
			}
			l.errCh <- interfaceError{key: l.key(), err: err}
			return
		}

		l.mu.Lock()
		layout := l.layout
		opts := l.opts
		l.mu.Unlock()

		t := inbound.NewTCP(conn, inbound.TCPOptions{
			ReadTimeout:  opts.ReadTimeout,
			WriteTimeout: opts.WriteTimeout,
			IdleTimeout:  opts.IdleTimeout,
			Transparent:  opts.Transparent,
			Tracker:      opts.Tracker,
			OnClose: func(tc *inbound.TCP) {
				l.mu.Lock()
				l.totalIn += tc.Counters.In()
				l.totalOut += tc.Counters.Out()
				delete(l.live, tc.Info.ID)
				l.mu.Unlock()
			},
		})

		l.mu.Lock()
		l.live[t.Info.ID] = t
		l.mu.Unlock()

		t.Start(layout)
	}
}

func (l *Listener) udpServeLoop() {
	defer l.doneWG.Done()
	if err := l.udpL.Serve(); err != nil {
		select {
		case <-l.stopCh:
			return
		default:
		}
		l.errCh <- interfaceError{key: l.key(), err: err}
	}
}

// BoundAddr returns the actual bound address once Listening, which differs
// from the requested one when port 0 asked the kernel for an ephemeral
// port. Returns nil while not bound.
func (l *Listener) BoundAddr() net.Addr {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.ln != nil {
		return l.ln.Addr()
	}
	if l.pc != nil {
		return l.pc.LocalAddr()
	}
	return nil
}

// LiveCount returns the number of currently active TCP inbounds.
func (l *Listener) LiveCount() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.live)
}

// Errors exposes background accept-loop failures for the owner to
// observe.
func (l *Listener) Errors() <-chan interfaceError {
	return l.errCh
}

// Stop tears the listener down. If ctx has a deadline, live TCP inbounds
// are force-closed once it expires; otherwise Stop waits for them to drain
// naturally.
func (l *Listener) Stop(ctx context.Context) error {
	l.mu.Lock()
	if l.state == Stopped {
		l.mu.Unlock()
		return nil
	}
	close(l.stopCh)
	if l.ln != nil {
		l.ln.Close()
	}
	if l.pc != nil {
		l.pc.Close()
	}
	live := make([]*inbound.TCP, 0, len(l.live))
	for _, t := range l.live {
		live = append(live, t)
	}
	l.mu.Unlock()

	drained := make(chan struct{})
	go func() {
		l.doneWG.Wait()
		for l.LiveCount() > 0 {
			time.Sleep(10 * time.Millisecond)
		}
		close(drained)
	}()

	if deadline, ok := ctx.Deadline(); ok {
		timer := time.NewTimer(time.Until(deadline))
		defer timer.Stop()
		select {
		case <-drained:
		case <-timer.C:
			for _, t := range live {
				t.Shutdown()
			}
		}
	} else {
		<-drained
	}

	l.mu.Lock()
	l.state = Stopped
	l.mu.Unlock()
	return nil
}
