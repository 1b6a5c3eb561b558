package inbound

import (
	"io"
	"net"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/akitasoftware/pipedge/buffer"
	"github.com/akitasoftware/pipedge/event"
	"github.com/akitasoftware/pipedge/filter"
	"github.com/akitasoftware/pipedge/pipeline"
)

// readState is InboundTCP's read-side state machine:
// Accepting -> Reading -> Paused -> Reading -> Lingering -> Closed.
type readState int32

const (
	stateAccepting readState = iota
	stateReading
	statePaused
	stateLingering
	stateClosed
)

func (s readState) String() string {
	switch s {
	case stateAccepting:
		return "Accepting"
	case stateReading:
		return "Reading"
	case statePaused:
		return "Paused"
	case stateLingering:
		return "Lingering"
	default:
		return "Closed"
	}
}

const defaultReadBufSize = 16 * 1024

// TCPOptions configures one InboundTCP.
type TCPOptions struct {
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	IdleTimeout  time.Duration

	// Transparent enables SO_ORIGINAL_DST lookup on Linux.
	Transparent bool

	// OnClose is invoked exactly once, after the socket has closed and the
	// traffic counters have stopped moving. Listeners use it to drop their
	// weak reference and fold the final counters into per-listener totals.
	OnClose func(*TCP)

	// Tracker, if set, is told about this connection's pipeline lifetime so
	// the owning worker thread's active-pipeline count stays accurate.
	Tracker PipelineTracker

	Logger *logrus.Logger
}

// TCP is one accepted TCP connection: read/write pump, timers, and
// backpressure. It implements filter.EventTarget, so a Pipeline can use a
// *TCP directly as its sink — events emitted by the tail filter become
// writes to the peer.
type TCP struct {
	Info
	Counters

	conn     net.Conn
	opts     TCPOptions
	log      *logrus.Entry
	pipeline *pipeline.Pipeline

	mu            sync.Mutex
	state         readState
	writeBuf      *buffer.ByteBuffer
	pumping       bool
	streamEndSeen bool
	closeOnce     sync.Once
	pauseDepth    int
	resumeCh      chan struct{}

	readTimer  *time.Timer
	writeTimer *time.Timer
	idleTimer  *time.Timer

	done chan struct{}
}

var _ filter.EventTarget = (*TCP)(nil)
var _ filter.TapController = (*TCP)(nil)

// NewTCP wraps an accepted connection. Call Start to spawn its pipeline and
// begin pumping.
func NewTCP(conn net.Conn, opts TCPOptions) *TCP {
	id := allocID()

	local, _ := conn.LocalAddr().(*net.TCPAddr)
	remote, _ := conn.RemoteAddr().(*net.TCPAddr)

	t := &TCP{
		Info: Info{
			ID: id,
		},
		conn:     conn,
		opts:     opts,
		state:    stateAccepting,
		writeBuf: buffer.New(),
		resumeCh: make(chan struct{}, 1),
		done:     make(chan struct{}),
	}
	if local != nil {
		t.Info.LocalAddr, t.Info.LocalPort = local.IP, uint16(local.Port)
	}
	if remote != nil {
		t.Info.RemoteAddr, t.Info.RemotePort = remote.IP, uint16(remote.Port)
	}
	t.log = logEntry(opts.Logger, "tcp", id)

	if opts.Transparent {
		if addr, port, err := lookupOriginalDst(conn); err == nil {
			t.Info.OriginalDstAddr, t.Info.OriginalDstPort = addr, port
		} else {
			t.log.WithError(err).Debug("original destination lookup failed")
		}
	}

	return t
}

// Start spawns a pipeline from layout and begins the read pump. The
// pipeline's sink is this *TCP, so events the tail filter emits become
// writes to the peer.
func (t *TCP) Start(layout *pipeline.Layout) {
	ctx := pipeline.NewContext(t)
	t.pipeline = pipeline.Make(layout, ctx, t, t)
	if tr := t.opts.Tracker; tr != nil {
		tr.IncrementPipelines()
		t.pipeline.OnEnd(tr.DecrementPipelines)
	}
	t.pipeline.Start()

	t.mu.Lock()
	t.state = stateReading
	t.mu.Unlock()

	// Accept counts as the initial I/O progress: a peer that connects and
	// never sends a byte must still be reaped by the idle timeout.
	t.armIdleTimer()

	go t.readLoop()
}

// Pipeline returns the live pipeline instance backing this connection.
func (t *TCP) Pipeline() *pipeline.Pipeline { return t.pipeline }

func (t *TCP) readLoop() {
	buf := make([]byte, defaultReadBufSize)
	for {
		t.armReadTimer()
		n, err := t.conn.Read(buf)
		t.cancelReadTimer()

		if n > 0 {
			data := buffer.NewFromBytes(buf[:n])
			t.drainAvailable(data, buf)
			t.Counters.AddIn(data.Size())
			t.armIdleTimer()
			// A read that completes after Pause holds its bytes until Resume.
			if t.waitIfPaused() {
				data.Release()
				return
			}
			t.pipeline.Input(event.NewData(data))
		}

		if err != nil {
			t.handleReadError(err)
			return
		}

		if t.waitIfPaused() {
			// Socket was closed while we were paused.
			return
		}
	}
}

// drainAvailable sets a read deadline of now and reads again into data
// before clearing the deadline. The Go runtime fails a read whose deadline
// has already passed before trying the socket, so bytes already sitting in
// the kernel receive queue are not absorbed here; the next loop iteration
// reads them into a separate Data event.
func (t *TCP) drainAvailable(data *buffer.ByteBuffer, scratch []byte) {
	for {
		if err := t.conn.SetReadDeadline(time.Now()); err != nil {
			return
		}
		n, err := t.conn.Read(scratch)
		if n > 0 {
			data.Push(scratch[:n])
		}
		if err != nil || n < len(scratch) {
			break
		}
	}
	t.conn.SetReadDeadline(time.Time{})
}

func (t *TCP) handleReadError(err error) {
	if err == io.EOF {
		t.enterLingering()
		return
	}
	if ne, ok := err.(net.Error); ok && ne.Timeout() {
		// The read loop leaves no deadline set on conn, so this branch only
		// ends the loop quietly.
		return
	}
	// Read/idle timeouts do not use deadlines: their timer callbacks
	// (armReadTimer/armIdleTimer) emit their own StreamEnd kind and close
	// the connection, so the read error that follows finds the connection
	// already closed and closeWith is a no-op.
	t.closeWith(event.ConnectionReset)
}

// enterLingering emits StreamEnd(NoError) downstream on peer EOF and waits
// for the write side to drain and for the socket to be closed elsewhere
// before fully releasing.
func (t *TCP) enterLingering() {
	t.mu.Lock()
	if t.state == stateClosed || t.state == stateLingering {
		t.mu.Unlock()
		return
	}
	t.state = stateLingering
	t.mu.Unlock()

	t.log.Debug("peer EOF, entering lingering state")
	t.pipeline.Input(event.StreamEnd{Error: event.NoError})
	t.maybeFinishWrite()
}

// waitIfPaused blocks the read goroutine while downstream backpressure
// has paused this connection. Returns true if the connection was closed
// while waiting.
func (t *TCP) waitIfPaused() bool {
	t.mu.Lock()
	paused := t.state == statePaused
	t.mu.Unlock()
	if !paused {
		return false
	}
	select {
	case <-t.resumeCh:
		t.mu.Lock()
		t.state = stateReading
		t.mu.Unlock()
		return false
	case <-t.done:
		return true
	}
}

// Pause implements filter.TapController: a filter downstream signals that
// the inbound should stop reading. Pause/Resume nest via pauseDepth; only
// the transition to/from zero moves the state machine.
func (t *TCP) Pause() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.pauseDepth++
	if t.pauseDepth == 1 && t.state == stateReading {
		t.state = statePaused
		t.log.Debug("tap closed, pausing reads")
	}
}

// Resume implements filter.TapController, re-arming the read loop.
func (t *TCP) Resume() {
	t.mu.Lock()
	t.pauseDepth--
	if t.pauseDepth < 0 {
		t.pauseDepth = 0
	}
	shouldResume := t.pauseDepth == 0 && t.state == statePaused
	if shouldResume {
		t.state = stateReading
	}
	t.mu.Unlock()

	if shouldResume {
		t.log.Debug("tap opened, resuming reads")
		select {
		case t.resumeCh <- struct{}{}:
		default:
		}
	}
}

// Process implements filter.EventTarget: the pipeline's tail filter's
// output lands here and becomes writes to the peer.
func (t *TCP) Process(e event.Event) {
	switch v := e.(type) {
	case event.Data:
		if v.Buffer == nil {
			return
		}
		t.mu.Lock()
		t.writeBuf.Append(v.Buffer)
		t.mu.Unlock()
		t.kickWriter()
	case event.StreamEnd:
		t.mu.Lock()
		t.streamEndSeen = true
		t.mu.Unlock()
		t.maybeFinishWrite()
	}
}

// kickWriter starts the deferred write dispatcher. A second write is never
// issued while one is in flight; the pumping flag guards that.
func (t *TCP) kickWriter() {
	t.mu.Lock()
	if t.pumping {
		t.mu.Unlock()
		return
	}
	t.pumping = true
	t.mu.Unlock()

	go t.pumpWrites()
}

func (t *TCP) pumpWrites() {
	for {
		t.mu.Lock()
		if t.writeBuf.Empty() {
			t.pumping = false
			streamEnded := t.streamEndSeen
			t.mu.Unlock()
			if streamEnded {
				t.shutdownAndClose()
			}
			return
		}
		chunk := t.writeBuf.ToBytes()
		t.mu.Unlock()

		t.armWriteTimer()
		n, err := t.conn.Write(chunk)
		t.cancelWriteTimer()

		if n > 0 {
			t.Counters.AddOut(n)
			t.armIdleTimer()
			t.mu.Lock()
			t.writeBuf.Shift(n).Release()
			t.mu.Unlock()
		}
		if err != nil {
			t.mu.Lock()
			t.pumping = false
			t.mu.Unlock()
			t.closeWith(event.WriteError)
			return
		}
	}
}

// maybeFinishWrite closes the connection once StreamEnd has been seen and
// the write buffer has fully drained.
func (t *TCP) maybeFinishWrite() {
	t.mu.Lock()
	empty := t.writeBuf.Empty()
	pumping := t.pumping
	streamEnded := t.streamEndSeen
	t.mu.Unlock()
	if !streamEnded {
		return
	}
	if empty && !pumping {
		t.shutdownAndClose()
	} else {
		t.kickWriter()
	}
}

func (t *TCP) shutdownAndClose() {
	if tc, ok := t.conn.(*net.TCPConn); ok {
		_ = tc.CloseWrite()
	}
	t.close(stateClosed)
}

func (t *TCP) closeWith(kind event.ErrorKind) {
	t.mu.Lock()
	alreadyClosed := t.state == stateClosed
	t.mu.Unlock()
	if alreadyClosed {
		return
	}
	if t.pipeline != nil && !t.pipeline.Ended() {
		t.pipeline.Input(event.StreamEnd{Error: kind})
	}
	t.close(stateClosed)
}

func (t *TCP) close(s readState) {
	t.closeOnce.Do(func() {
		t.mu.Lock()
		t.state = s
		t.mu.Unlock()
		close(t.done)
		t.cancelAllTimers()
		_ = t.conn.Close()
		t.log.Debug("inbound closed")
		if t.opts.OnClose != nil {
			t.opts.OnClose(t)
		}
	})
}

// Shutdown forcibly closes the connection, used by Listener for forced
// teardown.
func (t *TCP) Shutdown() {
	t.closeWith(event.NoError)
}

func (t *TCP) armReadTimer() {
	if t.opts.ReadTimeout <= 0 {
		return
	}
	t.readTimer = time.AfterFunc(t.opts.ReadTimeout, func() {
		t.log.Debug("read timeout fired")
		t.closeWith(event.ReadTimeout)
	})
}

func (t *TCP) cancelReadTimer() {
	if t.readTimer != nil {
		t.readTimer.Stop()
		t.readTimer = nil
	}
}

func (t *TCP) armWriteTimer() {
	if t.opts.WriteTimeout <= 0 {
		return
	}
	t.writeTimer = time.AfterFunc(t.opts.WriteTimeout, func() {
		t.log.Debug("write timeout fired")
		t.closeWith(event.WriteTimeout)
	})
}

func (t *TCP) cancelWriteTimer() {
	if t.writeTimer != nil {
		t.writeTimer.Stop()
		t.writeTimer = nil
	}
}

// armIdleTimer re-arms on every I/O progress event.
func (t *TCP) armIdleTimer() {
	if t.opts.IdleTimeout <= 0 {
		return
	}
	if t.idleTimer != nil {
		t.idleTimer.Stop()
	}
	t.idleTimer = time.AfterFunc(t.opts.IdleTimeout, func() {
		t.log.Debug("idle timeout fired")
		t.closeWith(event.IdleTimeout)
	})
}

func (t *TCP) cancelAllTimers() {
	t.cancelReadTimer()
	t.cancelWriteTimer()
	if t.idleTimer != nil {
		t.idleTimer.Stop()
		t.idleTimer = nil
	}
}
