package raopd

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pion/rtp"
	"golang.org/x/net/ipv4"
	"golang.org/x/sys/unix"
)

// udpPacket is one datagram read off a socket by a reader goroutine,
// handed to the worker loop over a channel. Go has no portable multi-fd
// select() over sockets, so a select()-with-timeout loop is modeled as:
// one reader goroutine per socket feeding a channel, plus a ticker
// standing in for the timeout branch.
type udpPacket struct {
	data []byte
	addr *net.UDPAddr
}

// Session is one active audio stream. Identity/crypto material is
// immutable after construction, the lifecycle and mailbox fields are
// guarded by mu, and the sockets, reorder buffer, control-peer address,
// and sync anchor are exclusive to the worker goroutine once Active.
type Session struct {
	ID string

	logger  Logger
	sink    Sink
	cfg     *Config
	metrics *Metrics

	// Identity/crypto material — immutable for the session.
	remoteFamily string // "udp4" or "udp6"
	remoteIP     net.IP
	aesKey       []byte
	aesIV        []byte
	ecdhSecret   []byte // retained for API parity; unused here — ECDH/AES
	// key-derivation primitives are out of scope for this module.

	buffer *Buffer

	// Lifecycle — guarded by mu.
	mu      sync.Mutex
	running bool
	joined  bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup

	// Event mailbox — guarded by mu.
	mailbox mailbox

	// Remote ports / sockets — exclusive to the worker once Active.
	timingRport  uint16
	controlRport uint16

	controlConn *net.UDPConn
	timingConn  *net.UDPConn
	dataConn    *net.UDPConn

	controlLport, timingLport, dataLport int

	// Written only by the worker goroutine.
	controlSaddr *net.UDPAddr
	controlSeq   uint16
	anchor       syncAnchor

	// Last-observed cumulative Buffer counters, so bufferLosses/
	// bufferDuplicates can be reported as Prometheus counter deltas.
	lastLosses, lastDuplicates uint64
}

// Option configures optional, non-spec-mandated Session construction
// parameters (decoder capability, shared metrics) via the functional
// options idiom, keeping the constructor's required-parameter list small
// and explicit.
type Option func(*sessionOptions)

type sessionOptions struct {
	decoder Decoder
	metrics *Metrics
}

// WithDecoder injects the ALAC (or other codec) decode capability. If
// omitted, PassthroughDecoder is used.
func WithDecoder(d Decoder) Option {
	return func(o *sessionOptions) { o.decoder = d }
}

// WithMetrics attaches a shared Metrics handle. If omitted, metrics are
// disabled (every increment is a no-op check against a nil pointer).
func WithMetrics(m *Metrics) Option {
	return func(o *sessionOptions) { o.metrics = m }
}

// NewSession parses the remote address, allocates the reorder buffer with
// the supplied crypto material, and returns a Session in the Idle state.
// logger may be nil, in which case a *StdLogger is built from cfg's
// log_level.
func NewSession(logger Logger, sink Sink, remoteAddrBytes, aesKey, aesIV, ecdhSecret []byte, timingRport uint16, cfg *Config, opts ...Option) (*Session, error) {
	if sink == nil {
		return nil, newKindError(KindInvalidArgument, ErrNilCallbacks)
	}
	family, ip, err := parseRemoteAddr(remoteAddrBytes)
	if err != nil {
		return nil, newKindError(KindInvalidArgument, err)
	}

	normCfg, err := cfg.normalize()
	if err != nil {
		return nil, newKindError(KindInvalidArgument, err)
	}

	var so sessionOptions
	for _, opt := range opts {
		opt(&so)
	}

	buf, err := NewBuffer(normCfg.BufferCapacity, aesKey, aesIV, so.decoder)
	if err != nil {
		return nil, err
	}

	if logger == nil {
		logger = NewStdLogger("raopd ", normCfg.logLevel())
	}

	s := &Session{
		ID:           uuid.New().String(),
		logger:       logger,
		sink:         sink,
		cfg:          normCfg,
		metrics:      so.metrics,
		remoteFamily: family,
		remoteIP:     ip,
		aesKey:       aesKey,
		aesIV:        aesIV,
		ecdhSecret:   ecdhSecret,
		timingRport:  timingRport,
		buffer:       buf,
		joined:       true, // Idle state: running=false, joined=true
		mailbox:      newMailbox(),
	}
	logger.Logf(LevelInfo, "session %s initialized for %s", s.ID, ip)
	return s, nil
}

// parseRemoteAddr classifies the remote address by length: 4 bytes is
// IPv4, 16 bytes is IPv6, anything else fails. The parsed family is
// followed end-to-end for socket creation — it is never silently
// overridden back to IPv4 once computed.
func parseRemoteAddr(remote []byte) (family string, ip net.IP, err error) {
	switch len(remote) {
	case 4:
		return "udp4", net.IPv4(remote[0], remote[1], remote[2], remote[3]), nil
	case 16:
		ipCopy := make(net.IP, 16)
		copy(ipCopy, remote)
		return "udp6", ipCopy, nil
	default:
		return "", nil, ErrBadRemoteAddr
	}
}

// StartAudio binds the three ephemeral UDP sockets, publishes their local
// ports, and spawns the worker goroutine. It is idempotent: if the
// session is not Idle, the call returns the previously published ports
// without effect. useUDP is accepted for API symmetry with the session
// lifecycle but has no effect here — non-UDP transport isn't supported.
func (s *Session) StartAudio(useUDP bool, controlRport uint16) (controlLport, timingLport, dataLport uint16, err error) {
	_ = useUDP

	s.mu.Lock()
	if s.running || !s.joined {
		cl, tl, dl := s.controlLport, s.timingLport, s.dataLport
		s.mu.Unlock()
		return uint16(cl), uint16(tl), uint16(dl), nil
	}

	cconn, tconn, dconn, bindErr := s.bindSockets()
	if bindErr != nil {
		s.logger.Logf(LevelInfo, "session %s: initializing sockets failed: %v", s.ID, bindErr)
		s.mu.Unlock()
		return 0, 0, 0, newKindError(KindResourceExhausted, bindErr)
	}

	s.controlConn, s.timingConn, s.dataConn = cconn, tconn, dconn
	s.controlLport = localPort(cconn)
	s.timingLport = localPort(tconn)
	s.dataLport = localPort(dconn)
	s.controlRport = controlRport

	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	s.running = true
	s.joined = false

	s.wg.Add(1)
	go s.runWorker(ctx)

	cl, tl, dl := s.controlLport, s.timingLport, s.dataLport
	s.mu.Unlock()

	s.logger.Logf(LevelInfo, "session %s: started audio (control=%d timing=%d data=%d)", s.ID, cl, tl, dl)
	if s.metrics != nil {
		s.metrics.sessionsActive.Inc()
	}
	return uint16(cl), uint16(tl), uint16(dl), nil
}

func localPort(conn *net.UDPConn) int {
	if conn == nil {
		return 0
	}
	if a, ok := conn.LocalAddr().(*net.UDPAddr); ok {
		return a.Port
	}
	return 0
}

// bindSockets allocates the three ephemeral sockets and applies the
// best-effort socket tuning (SO_RCVBUF sizing, DSCP marking). Any tuning
// failure is logged and non-fatal — a socket still works without it.
func (s *Session) bindSockets() (control, timing, data *net.UDPConn, err error) {
	control, err = net.ListenUDP(s.remoteFamily, nil)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("control socket: %w", err)
	}
	timing, err = net.ListenUDP(s.remoteFamily, nil)
	if err != nil {
		control.Close()
		return nil, nil, nil, fmt.Errorf("timing socket: %w", err)
	}
	data, err = net.ListenUDP(s.remoteFamily, nil)
	if err != nil {
		control.Close()
		timing.Close()
		return nil, nil, nil, fmt.Errorf("data socket: %w", err)
	}

	if s.cfg.RecvBufferBytes > 0 {
		setRecvBuffer(control, s.cfg.RecvBufferBytes, s.logger)
		setRecvBuffer(data, s.cfg.RecvBufferBytes, s.logger)
	}
	if s.remoteFamily == "udp4" {
		if pc := ipv4.NewConn(control); pc != nil {
			// DSCP Expedited Forwarding (0x2e<<2), real-time control
			// traffic's conventional codepoint.
			if err := pc.SetTOS(0x2e << 2); err != nil {
				s.logger.Logf(LevelDebug, "session %s: SetTOS failed: %v", s.ID, err)
			}
		}
	}
	return control, timing, data, nil
}

func setRecvBuffer(conn *net.UDPConn, bytes int, logger Logger) {
	raw, err := conn.SyscallConn()
	if err != nil {
		return
	}
	ctlErr := raw.Control(func(fd uintptr) {
		if err := unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_RCVBUF, bytes); err != nil {
			logger.Logf(LevelDebug, "SO_RCVBUF failed: %v", err)
		}
	})
	if ctlErr != nil {
		logger.Logf(LevelDebug, "SyscallConn.Control failed: %v", ctlErr)
	}
}

// IsRunning reports true whenever the session is not Idle: either
// actively running, or stopped but not yet joined.
func (s *Session) IsRunning() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running || !s.joined
}

// Stop is a no-op unless Active. It flips running to false, cancels the
// worker, closes all three sockets (which unblocks the reader goroutines),
// waits for the worker and its readers to exit, flushes the reorder buffer
// to its initial (undefined-cursor) state, and transitions back to Idle.
func (s *Session) Stop() {
	s.mu.Lock()
	if !s.running || s.joined {
		s.mu.Unlock()
		return
	}
	s.running = false
	cancel := s.cancel
	control, timing, data := s.controlConn, s.timingConn, s.dataConn
	s.mu.Unlock()

	cancel()
	control.Close()
	timing.Close()
	data.Close()

	s.wg.Wait()

	s.buffer.flush(0, true)

	s.mu.Lock()
	s.joined = true
	s.controlConn, s.timingConn, s.dataConn = nil, nil, nil
	s.controlSaddr = nil
	s.anchor = syncAnchor{}
	s.mu.Unlock()

	s.logger.Logf(LevelInfo, "session %s: stopped", s.ID)
	if s.metrics != nil {
		s.metrics.sessionsActive.Dec()
	}
}

// Destroy stops the session (if active) and releases owned resources.
// Unconsumed mailbox blobs are dropped along with the rest of the
// session; Go's GC reclaims them, so there is no manual free step.
func (s *Session) Destroy() {
	s.Stop()
}

// SetVolume clamps to [-144.0, 0.0] dB, forcing any positive value to 0
// rather than treating it as an error, and marks the mailbox slot
// changed.
func (s *Session) SetVolume(v float64) {
	if v > 0.0 {
		v = 0.0
	} else if v < -144.0 {
		v = -144.0
	}
	s.mu.Lock()
	s.mailbox.volume = v
	s.mailbox.volumeChanged = true
	s.mu.Unlock()
}

// SetMetadata stores a copy of data for delivery on the next drain.
// Non-positive length is rejected.
func (s *Session) SetMetadata(data []byte) error {
	if len(data) <= 0 {
		return newKindError(KindInvalidArgument, ErrEmptyBlob)
	}
	cp := append([]byte(nil), data...)
	s.mu.Lock()
	s.mailbox.metadata = cp
	s.mu.Unlock()
	return nil
}

// SetCoverArt stores a copy of data for delivery on the next drain.
// Non-positive length is rejected.
func (s *Session) SetCoverArt(data []byte) error {
	if len(data) <= 0 {
		return newKindError(KindInvalidArgument, ErrEmptyBlob)
	}
	cp := append([]byte(nil), data...)
	s.mu.Lock()
	s.mailbox.coverart = cp
	s.mu.Unlock()
	return nil
}

// RemoteControlID stores the sender's DACP identifiers; both are
// required.
func (s *Session) RemoteControlID(dacpID, activeRemoteHeader string) error {
	if dacpID == "" || activeRemoteHeader == "" {
		return newKindError(KindInvalidArgument, ErrMissingRemoteID)
	}
	s.mu.Lock()
	s.mailbox.dacpID = dacpID
	s.mailbox.activeRemoteHeader = activeRemoteHeader
	s.mailbox.hasRemoteControlID = true
	s.mu.Unlock()
	return nil
}

// SetProgress stores the now-playing progress triple.
func (s *Session) SetProgress(start, curr, end uint32) {
	s.mu.Lock()
	s.mailbox.progressStart = start
	s.mailbox.progressCurr = curr
	s.mailbox.progressEnd = end
	s.mailbox.progressChanged = true
	s.mu.Unlock()
}

// FlushToUndefined requests the reorder buffer reset to an undefined
// cursor rather than realigning to a specific sequence number.
const FlushToUndefined int32 = -1

// Flush stores nextSeq as the pending flush target, applied at the start
// of the worker's next loop iteration. Pass FlushToUndefined to clear the
// buffer without realigning to a specific sequence.
func (s *Session) Flush(nextSeq int32) {
	s.mu.Lock()
	s.mailbox.flush = nextSeq
	s.mu.Unlock()
}

// runWorker is the worker goroutine body. It owns the sockets and the
// reorder buffer exclusively once started.
func (s *Session) runWorker(ctx context.Context) {
	defer s.wg.Done()

	cbData, err := s.sink.AudioInit()
	if err != nil {
		// A fatal setup failure here leaves the session looking "running"
		// until Stop() is called explicitly, since nothing else observes
		// this goroutine's early exit.
		s.logger.Logf(LevelWarn, "session %s: AudioInit failed: %v", s.ID, err)
		return
	}
	defer s.sink.AudioDestroy(cbData)

	controlCh := make(chan udpPacket, 32)
	dataCh := make(chan udpPacket, 32)
	fatalCh := make(chan struct{}, 1)

	var readers sync.WaitGroup
	readers.Add(2)
	go s.readLoop(ctx, s.controlConn, controlCh, fatalCh, &readers)
	go s.readLoop(ctx, s.dataConn, dataCh, fatalCh, &readers)
	defer readers.Wait()

	ticker := time.NewTicker(s.cfg.SelectTimeout)
	defer ticker.Stop()

loop:
	for {
		if !s.drainMailbox(cbData) {
			break
		}
		select {
		case pkt, ok := <-controlCh:
			if !ok {
				controlCh = nil
				continue
			}
			s.handleControlPacket(pkt)
		case pkt, ok := <-dataCh:
			if !ok {
				dataCh = nil
				continue
			}
			s.handleDataPacket(pkt, cbData)
		case <-ticker.C:
			// Timeout branch: nothing to do, loop back to drain + recheck.
		case <-fatalCh:
			break loop
		case <-ctx.Done():
			break loop
		}
	}

	s.logger.Logf(LevelInfo, "session %s: worker loop exiting", s.ID)
}

// readLoop is one socket's dedicated reader goroutine, the Go stand-in
// for select()-then-recvfrom on that fd (see udpPacket's doc comment):
// read, copy the buffer since the kernel reuses it, forward, repeat until
// the socket is closed out from under it or ctx is cancelled.
func (s *Session) readLoop(ctx context.Context, conn *net.UDPConn, out chan<- udpPacket, fatalCh chan<- struct{}, wg *sync.WaitGroup) {
	defer wg.Done()
	defer close(out)
	buf := make([]byte, 2048)
	for {
		n, addr, err := conn.ReadFromUDP(buf)
		if err != nil {
			if !errors.Is(err, net.ErrClosed) {
				s.logger.Logf(LevelWarn, "session %s: recvfrom error: %v", s.ID, err)
				select {
				case fatalCh <- struct{}{}:
				default:
				}
			}
			return
		}
		cp := make([]byte, n)
		copy(cp, buf[:n])
		select {
		case out <- udpPacket{data: cp, addr: addr}:
		case <-ctx.Done():
			return
		}
	}
}

// drainMailbox snapshots under the session mutex, clears changed bits and
// blob ownership, releases the mutex, then dispatches in the fixed order
// volume -> flush -> metadata -> cover art -> remote-control id ->
// progress. Returns false if the session is no longer running, signalling
// the worker loop to exit.
func (s *Session) drainMailbox(cbData interface{}) bool {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return false
	}
	snap := s.mailbox.drain()
	s.mu.Unlock()

	if snap.changed() {
		s.logger.Logf(LevelDebug, "session %s: mailbox drained with pending events", s.ID)
		if s.metrics != nil {
			s.metrics.mailboxDrains.WithLabelValues(s.ID).Inc()
		}
	}

	if snap.volumeChanged {
		if vs, ok := s.sink.(VolumeSink); ok {
			vs.AudioSetVolume(cbData, snap.volume)
		}
	}

	if snap.flush != noFlush {
		if snap.flush == FlushToUndefined {
			s.buffer.flush(0, true)
		} else {
			s.buffer.flush(uint16(snap.flush), false)
		}
		if fs, ok := s.sink.(FlushSink); ok {
			fs.AudioFlush(cbData)
		}
	}

	if snap.metadata != nil {
		if ms, ok := s.sink.(MetadataSink); ok {
			ms.AudioSetMetadata(cbData, snap.metadata)
		}
	}

	if snap.coverart != nil {
		if cs, ok := s.sink.(CoverArtSink); ok {
			cs.AudioSetCoverArt(cbData, snap.coverart)
		}
	}

	if snap.hasRemoteControlID {
		if rs, ok := s.sink.(RemoteControlSink); ok {
			rs.AudioRemoteControlID(snap.dacpID, snap.activeRemoteHeader)
		}
	}

	if snap.progressChanged {
		if ps, ok := s.sink.(ProgressSink); ok {
			ps.AudioSetProgress(cbData, snap.progressStart, snap.progressCurr, snap.progressEnd)
		}
	}

	return true
}

// handleControlPacket captures the sender address, classifies by payload
// type, and either admits a retransmitted audio packet or updates the
// clock-sync anchor.
func (s *Session) handleControlPacket(pkt udpPacket) {
	s.controlSaddr = pkt.addr
	if s.metrics != nil {
		s.metrics.packetsReceived.WithLabelValues(s.ID, "control").Inc()
	}

	pt, ok := payloadType(pkt.data)
	if !ok {
		s.logger.Logf(LevelDebug, "session %s: control packet too short", s.ID)
		return
	}

	switch pt {
	case payloadTypeRetransmit:
		if len(pkt.data) < retransmitEnvelopeLen+rtpHeaderLen {
			s.dropPacket("short_retransmit")
			return
		}
		if err := s.buffer.queue(pkt.data[retransmitEnvelopeLen:]); err != nil {
			s.logger.Logf(LevelDebug, "session %s: retransmit drop: %v", s.ID, err)
			s.dropPacket("retransmit_invalid")
		}
	case payloadTypeSync:
		fields, ok := parseSyncPacket(pkt.data)
		if !ok {
			s.dropPacket("malformed_sync")
			return
		}
		s.anchor = syncAnchor{
			ntpUnixMicros: ntpToUnixMicros(fields.ntpTimestamp),
			rtpTimestamp:  fields.rtpTimestamp,
			defined:       true,
		}
		if s.metrics != nil {
			s.metrics.syncAnchorUpdated.WithLabelValues(s.ID).Inc()
		}
	default:
		s.logger.Logf(LevelDebug, "session %s: unknown control payload type 0x%02x", s.ID, pt)
	}
}

// handleDataPacket admits the packet, drains every in-order decoded frame
// to the sink, then requests resends for any gaps within the horizon.
//
// pion/rtp is used here only as a fast-path validator/classifier for the
// data-plane socket — the packet is still handed to Buffer.queue as raw
// bytes, since admission follows the module's own byte-offset parsing,
// not a general RTP parse. Packets pion/rtp rejects are dropped before
// admission. Buffer itself only checks for the 12-byte header and treats
// everything after it as payload; CSRC lists and header extensions, which
// this profile never carries, are not stripped.
func (s *Session) handleDataPacket(pkt udpPacket, cbData interface{}) {
	if s.metrics != nil {
		s.metrics.packetsReceived.WithLabelValues(s.ID, "data").Inc()
	}
	if len(pkt.data) < rtpHeaderLen {
		s.dropPacket("short_data")
		return
	}

	var probe rtp.Packet
	if err := probe.Unmarshal(pkt.data); err != nil {
		s.logger.Logf(LevelDebug, "session %s: data packet failed RTP validation: %v", s.ID, err)
		s.dropPacket("invalid_rtp")
		return
	}

	if err := s.buffer.queue(pkt.data); err != nil {
		s.logger.Logf(LevelDebug, "session %s: queue drop: %v", s.ID, err)
		s.dropPacket("queue_invalid")
		return
	}

	noResend := s.controlRport == 0
	for {
		payload, ts, ok := s.buffer.dequeue(noResend)
		if !ok {
			break
		}
		frame := Frame{PTS: s.anchor.pts(ts), Data: payload}
		s.sink.AudioProcess(cbData, frame)
		if s.metrics != nil {
			s.metrics.framesEmitted.WithLabelValues(s.ID).Inc()
			s.metrics.bufferOccupancy.WithLabelValues(s.ID).Set(float64(s.buffer.occupancy()))
		}
	}

	if !noResend {
		s.buffer.handleResends(s.cfg.ResendHorizon, s.sendResendRequest)
	}

	s.reportBufferCounters()
}

// reportBufferCounters translates Buffer's cumulative loss/duplicate
// counts into Prometheus counter increments, since promauto counters only
// support Add(), not Set().
func (s *Session) reportBufferCounters() {
	if s.metrics == nil {
		return
	}
	losses, duplicates := s.buffer.counters()
	if d := losses - s.lastLosses; d > 0 {
		s.metrics.bufferLosses.WithLabelValues(s.ID).Add(float64(d))
		s.lastLosses = losses
	}
	if d := duplicates - s.lastDuplicates; d > 0 {
		s.metrics.bufferDuplicates.WithLabelValues(s.ID).Add(float64(d))
		s.lastDuplicates = duplicates
	}
}

func (s *Session) dropPacket(reason string) {
	s.logger.Logf(LevelDebug, "session %s: packet dropped (%s)", s.ID, reason)
	if s.metrics != nil {
		s.metrics.packetsDropped.WithLabelValues(s.ID, reason).Inc()
	}
}

// sendResendRequest builds and sends one outbound resend-request packet.
// This only ever fires when a control-peer endpoint has been captured and
// a control port is configured — both already guarded by the caller
// (handleDataPacket checks controlRport; controlSaddr is checked here).
func (s *Session) sendResendRequest(first, count uint16) {
	if s.controlSaddr == nil || s.controlRport == 0 {
		return
	}
	seq := s.controlSeq
	s.controlSeq++ // uint16 wraps automatically, matching the wire field width.

	pkt := buildResendRequest(seq, first, count)
	s.logger.Logf(LevelDebug, "session %s: resend request first=%d count=%d", s.ID, first, count)

	if _, err := s.controlConn.WriteToUDP(pkt[:], s.controlSaddr); err != nil {
		s.logger.Logf(LevelWarn, "session %s: resend send failed: %v", s.ID, err)
		if s.metrics != nil {
			s.metrics.resendsFailed.WithLabelValues(s.ID).Inc()
		}
		return
	}
	if s.metrics != nil {
		s.metrics.resendsSent.WithLabelValues(s.ID).Inc()
	}
}
