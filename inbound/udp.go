package inbound

import (
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/patrickmn/go-cache"
	"github.com/sirupsen/logrus"

	"github.com/akitasoftware/pipedge/buffer"
	"github.com/akitasoftware/pipedge/event"
	"github.com/akitasoftware/pipedge/filter"
	"github.com/akitasoftware/pipedge/pipeline"
)

// UDPOptions configures a UDPListener's session table.
type UDPOptions struct {
	IdleTimeout time.Duration

	// Masquerade, when set, makes every session's outbound datagram go out
	// a raw IPv4 socket with source address OriginalDst instead of the
	// listening socket's own address.
	Masquerade  bool
	OriginalDst net.IP

	// Tracker, if set, is told about every session's pipeline lifetime so
	// the owning worker thread's active-pipeline count stays accurate.
	Tracker PipelineTracker

	Logger *logrus.Logger
}

// sessionSink abstracts the raw send path so UDPListener can be unit tested
// without a real socket.
type sessionSink interface {
	SendTo(peer *net.UDPAddr, payload []byte) error
}

// udpConnSink sends via the listening net.PacketConn (non-masquerade path).
type udpConnSink struct{ pc net.PacketConn }

func (s udpConnSink) SendTo(peer *net.UDPAddr, payload []byte) error {
	_, err := s.pc.WriteTo(payload, peer)
	return err
}

// masqueradeSink crafts a raw IPv4+UDP datagram with a spoofed source
// address and writes it to a raw socket, letting the proxy impersonate
// the original server address on the return path.
type masqueradeSink struct {
	raw    net.PacketConn // an IPv4 IPPROTO_RAW PacketConn, platform-specific setup
	srcIP  net.IP
	srcPrt uint16
}

func (s masqueradeSink) SendTo(peer *net.UDPAddr, payload []byte) error {
	ip := &layers.IPv4{
		Version:  4,
		IHL:      5,
		TTL:      23,
		Protocol: layers.IPProtocolUDP,
		SrcIP:    s.srcIP,
		DstIP:    peer.IP,
		// Checksum left at zero: the kernel fills both the IP and UDP
		// checksums on the outbound raw socket.
	}
	udp := &layers.UDP{
		SrcPort: layers.UDPPort(s.srcPrt),
		DstPort: layers.UDPPort(peer.Port),
	}
	buf := gopacket.NewSerializeBuffer()
	opts := gopacket.SerializeOptions{FixLengths: true, ComputeChecksums: false}
	if err := gopacket.SerializeLayers(buf, opts, ip, udp, gopacket.Payload(payload)); err != nil {
		return err
	}
	_, err := s.raw.WriteTo(buf.Bytes(), &net.IPAddr{IP: peer.IP})
	return err
}

// UDPListener demultiplexes datagrams on one UDP socket into per-peer
// sessions. It owns the go-cache session table: expiring entries stop
// their session via OnEvicted, giving the idle timeout a single
// implementation shared with every session instead of one timer goroutine
// per session.
type UDPListener struct {
	pc     net.PacketConn
	opts   UDPOptions
	layout *pipeline.Layout
	log    *logrus.Entry

	mu       sync.Mutex
	sessions *cache.Cache
	sink     sessionSink
}

// NewUDPListener wraps an already-bound UDP PacketConn.
func NewUDPListener(pc net.PacketConn, layout *pipeline.Layout, opts UDPOptions) *UDPListener {
	idle := opts.IdleTimeout
	if idle <= 0 {
		idle = cache.NoExpiration
	}
	l := &UDPListener{
		pc:       pc,
		opts:     opts,
		layout:   layout,
		log:      logEntry(opts.Logger, "udp-listener", 0),
		sessions: cache.New(idle, idle/2),
	}
	if opts.Masquerade {
		l.sink = newMasqueradeSinkOrWarn(pc, opts, l.log)
	} else {
		l.sink = udpConnSink{pc: pc}
	}
	l.sessions.OnEvicted(func(key string, v interface{}) {
		sess := v.(*UDPSession)
		sess.log.Debug("idle timeout fired")
		sess.pipeline.Input(event.StreamEnd{Error: event.IdleTimeout})
	})
	return l
}

// SetSink overrides the outbound send path chosen by NewUDPListener (which
// already opens the masquerade raw socket itself when Masquerade is set).
func (l *UDPListener) SetSink(s sessionSink) { l.sink = s }

// newMasqueradeSinkOrWarn opens the raw socket backing masquerade mode,
// falling back to a dropping sink with a logged warning if it cannot be
// opened — typically a missing CAP_NET_RAW or an unsupported platform
// (masquerade_other.go).
func newMasqueradeSinkOrWarn(pc net.PacketConn, opts UDPOptions, log *logrus.Entry) sessionSink {
	srcIP := opts.OriginalDst
	var srcPort uint16
	if la, ok := pc.LocalAddr().(*net.UDPAddr); ok {
		if srcIP == nil {
			srcIP = la.IP
		}
		srcPort = uint16(la.Port)
	}

	sink, err := newMasqueradeSink(srcIP, srcPort)
	if err != nil {
		log.WithError(err).Warn("failed to open masquerade raw socket, outbound datagrams will be dropped")
		return nil
	}
	return sink
}

// Serve reads datagrams until pc is closed or err is returned.
func (l *UDPListener) Serve() error {
	buf := make([]byte, 64*1024)
	for {
		n, addr, err := l.pc.ReadFrom(buf)
		if err != nil {
			return err
		}
		peer, ok := addr.(*net.UDPAddr)
		if !ok {
			continue
		}
		l.dispatch(peer, buf[:n])
	}
}

func (l *UDPListener) dispatch(peer *net.UDPAddr, datagram []byte) {
	key := peer.String()

	l.mu.Lock()
	var sess *UDPSession
	if v, found := l.sessions.Get(key); found {
		sess = v.(*UDPSession)
	} else {
		sess = l.newSession(peer)
		l.sessions.SetDefault(key, sess)
		l.log.WithField("remote", key).Debug("new udp session")
	}
	l.mu.Unlock()

	l.sessions.SetDefault(key, sess) // refresh TTL on traffic
	sess.onDatagram(datagram)
}

func (l *UDPListener) newSession(peer *net.UDPAddr) *UDPSession {
	id := allocID()
	s := &UDPSession{
		Info: Info{
			ID:         id,
			RemoteAddr: peer.IP,
			RemotePort: uint16(peer.Port),
		},
		peer: peer,
		sink: l.sink,
		log:  logEntry(l.opts.Logger, "udp", id),
	}
	ctx := pipeline.NewContext(s)
	s.pipeline = pipeline.Make(l.layout, ctx, s, filter.NoopTapController)
	if tr := l.opts.Tracker; tr != nil {
		tr.IncrementPipelines()
		s.pipeline.OnEnd(tr.DecrementPipelines)
	}
	s.pipeline.OnEnd(func() {
		l.mu.Lock()
		l.sessions.Delete(peer.String())
		l.mu.Unlock()
	})
	s.pipeline.Start()
	return s
}

// UDPSession is one synthetic "connection" keyed by peer endpoint. It
// implements filter.EventTarget as the pipeline's sink: the
// MessageStart/Data/MessageEnd the pipeline emits become exactly one
// outbound datagram.
type UDPSession struct {
	Info
	Counters

	peer     *net.UDPAddr
	sink     sessionSink
	pipeline *pipeline.Pipeline
	log      *logrus.Entry

	mu          sync.Mutex
	sendBuf     *buffer.ByteBuffer
	sendingSize int64
}

var _ filter.EventTarget = (*UDPSession)(nil)

// onDatagram wraps one received datagram as MessageStart, Data,
// MessageEnd and feeds it to the pipeline.
func (s *UDPSession) onDatagram(datagram []byte) {
	s.Counters.AddIn(len(datagram))
	s.pipeline.Input(event.MessageStart{})
	s.pipeline.Input(event.NewData(buffer.NewFromBytes(datagram)))
	s.pipeline.Input(event.MessageEnd{})
}

// Process implements filter.EventTarget: it accumulates a send buffer
// between MessageStart and MessageEnd and issues exactly one send on
// MessageEnd.
func (s *UDPSession) Process(e event.Event) {
	switch v := e.(type) {
	case event.MessageStart:
		s.mu.Lock()
		s.sendBuf = buffer.New()
		s.mu.Unlock()
	case event.Data:
		if v.Buffer == nil {
			return
		}
		s.mu.Lock()
		if s.sendBuf == nil {
			s.sendBuf = buffer.New()
		}
		s.sendBuf.Append(v.Buffer)
		s.mu.Unlock()
	case event.MessageEnd:
		s.flush()
	}
}

func (s *UDPSession) flush() {
	s.mu.Lock()
	if s.sendBuf == nil || s.sendBuf.Empty() {
		s.mu.Unlock()
		return
	}
	payload := s.sendBuf.ToBytes()
	s.sendBuf.Release()
	s.sendBuf = nil
	s.sendingSize += int64(len(payload))
	s.mu.Unlock()

	if s.sink == nil {
		s.log.Warn("udp session has no send sink, dropping outbound datagram")
		return
	}
	if err := s.sink.SendTo(s.peer, payload); err != nil {
		s.log.WithError(err).Debug("udp send failed")
	} else {
		s.Counters.AddOut(len(payload))
	}

	s.mu.Lock()
	s.sendingSize -= int64(len(payload))
	s.mu.Unlock()
}

// SendingSize reports bytes currently in flight, for backpressure metrics.
func (s *UDPSession) SendingSize() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sendingSize
}

func (s *UDPSession) String() string {
	return fmt.Sprintf("udp-session(id=%d, peer=%s)", s.ID, s.peer)
}
