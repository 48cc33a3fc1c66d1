package media

import (
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pion/rtp"
)

const (
	// maxRTPPacket is the maximum UDP packet size we handle.
	maxRTPPacket = 1500

	// minRTPHeader is the minimum RTP header size (12 bytes, no CSRCs).
	minRTPHeader = 12

	// readTimeout is the read deadline for the relay socket so the reader
	// can periodically check the stopped flag.
	readTimeout = 100 * time.Millisecond

	// learningWindow bounds symmetric-RTP endpoint learning to the start
	// of a call. After it closes, packets from unknown sources are dropped.
	learningWindow = 10 * time.Second

	// qosSampleInterval runs the jitter analysis on every Nth packet per
	// direction to bound per-packet CPU. Sequence accounting is integer
	// work and runs on every packet.
	qosSampleInterval = 10
)

// VoicemailSink receives RTP payloads diverted from the relay when a call
// goes to voicemail. pt is the RTP payload type of the packet.
type VoicemailSink func(payload []byte, pt int)

// DigitSink receives DTMF digits decoded from telephone-event packets
// observed on the media path.
type DigitSink func(digit byte)

// RelayHandler relays RTP for one call through a single UDP socket. Both
// parties send to the same relay port; sources are told apart by the SDP
// endpoints and by symmetric-RTP learning:
//
//   - a packet from a known (learned or SDP) address belongs to that side;
//   - within the learning window, the first unknown source becomes A, the
//     second becomes B;
//   - anything else is dropped.
//
// Learning handles NAT, where the address a phone advertises in SDP is not
// the address its packets actually come from. The two separate learned
// slots keep attribution correct when both phones sit behind one NAT.
type RelayHandler struct {
	callID  string
	conn    *net.UDPConn
	rtpPort int
	started time.Time
	logger  *slog.Logger

	mu       sync.Mutex
	sdpA     *net.UDPAddr
	sdpB     *net.UDPAddr
	learnedA *net.UDPAddr
	learnedB *net.UDPAddr
	statsA   *DirectionStats // packets flowing A -> B
	statsB   *DirectionStats // packets flowing B -> A
	sink     VoicemailSink
	rxCountA uint64 // sampling counters, guarded by mu
	rxCountB uint64

	dtmfPT     int
	digits     DigitSink
	dtmfSeen   bool
	lastDTMFTs uint32

	stopped atomic.Bool
	dropped atomic.Uint64
	wg      sync.WaitGroup
}

// NewRelayHandler binds the relay socket on 0.0.0.0:port. The reader does
// not run until Start.
func NewRelayHandler(callID string, port int, logger *slog.Logger) (*RelayHandler, error) {
	conn, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4zero, Port: port})
	if err != nil {
		return nil, fmt.Errorf("binding relay port %d: %w", port, err)
	}
	// Port 0 means an ephemeral bind; report the real port either way.
	boundPort := conn.LocalAddr().(*net.UDPAddr).Port

	return &RelayHandler{
		callID:  callID,
		conn:    conn,
		rtpPort: boundPort,
		started: time.Now(),
		logger:  logger.With("subsystem", "rtp-relay", "call_id", callID, "port", port),
		statsA:  NewDirectionStats(DirectionAToB, defaultClockRate),
		statsB:  NewDirectionStats(DirectionBToA, defaultClockRate),
		dtmfPT:  -1,
	}, nil
}

// Start spawns the reader goroutine.
func (h *RelayHandler) Start() {
	h.wg.Add(1)
	go h.readLoop()
	h.logger.Info("rtp relay started")
}

// Stop ends forwarding, closes the socket and waits for the reader.
func (h *RelayHandler) Stop() {
	if !h.stopped.CompareAndSwap(false, true) {
		return
	}
	h.conn.Close()
	h.wg.Wait()

	a, b := h.Summaries()
	h.logger.Info("rtp relay stopped",
		"packets_a_to_b", a.PacketsReceived,
		"packets_b_to_a", b.PacketsReceived,
		"dropped", h.dropped.Load(),
	)
}

// Port returns the relay's RTP port. The RTCP port is Port()+1.
func (h *RelayHandler) Port() int {
	return h.rtpPort
}

// SetEndpoints updates the SDP endpoint slots. A nil argument preserves
// the existing value for that side: the caller's SDP is known at INVITE
// time but the callee's only arrives with the 200 OK.
func (h *RelayHandler) SetEndpoints(a, b *net.UDPAddr) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if a != nil {
		h.sdpA = a
	}
	if b != nil {
		h.sdpB = b
	}
}

// SetVoicemailSink diverts A-side audio to the given sink instead of
// forwarding to B. Used when the call is answered by voicemail.
func (h *RelayHandler) SetVoicemailSink(sink VoicemailSink) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.sink = sink
}

// SetDTMF enables telephone-event observation for the negotiated payload
// type. The packets still pass through; completed digits go to sink.
func (h *RelayHandler) SetDTMF(payloadType int, sink DigitSink) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.dtmfPT = payloadType
	h.digits = sink
}

// AddLatencySample feeds an externally measured one-way latency (ms) into
// a direction's window, typically from RTCP.
func (h *RelayHandler) AddLatencySample(direction string, ms float64) {
	h.mu.Lock()
	defer h.mu.Unlock()
	switch direction {
	case DirectionAToB:
		h.statsA.AddLatencySample(ms)
	case DirectionBToA:
		h.statsB.AddLatencySample(ms)
	}
}

// Summaries returns the current QoS snapshot for both directions.
func (h *RelayHandler) Summaries() (aToB, bToA DirectionSummary) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.statsA.Summary(), h.statsB.Summary()
}

// Dropped returns the count of datagrams discarded by the forwarder.
func (h *RelayHandler) Dropped() uint64 {
	return h.dropped.Load()
}

func (h *RelayHandler) readLoop() {
	defer h.wg.Done()

	buf := make([]byte, maxRTPPacket)
	for {
		if h.stopped.Load() {
			return
		}

		h.conn.SetReadDeadline(time.Now().Add(readTimeout))
		n, srcAddr, err := h.conn.ReadFromUDP(buf)
		if err != nil {
			if h.stopped.Load() {
				return
			}
			if errors.Is(err, os.ErrDeadlineExceeded) {
				continue
			}
			h.logger.Debug("rtp read error", "error", err)
			continue
		}

		h.handlePacket(buf[:n], srcAddr)
	}
}

// handlePacket runs the forwarding algorithm for one datagram.
func (h *RelayHandler) handlePacket(pkt []byte, src *net.UDPAddr) {
	if len(pkt) < minRTPHeader {
		h.dropped.Add(1)
		return
	}

	var hdr rtp.Header
	hdrLen, err := hdr.Unmarshal(pkt)
	if err != nil {
		h.dropped.Add(1)
		return
	}

	now := time.Now()

	h.mu.Lock()

	// Identify the source, learned slots first, then SDP, then learning.
	var stats *DirectionStats
	var count *uint64
	var dst *net.UDPAddr
	var sink VoicemailSink

	switch {
	case sameAddr(src, h.learnedA) || (h.learnedA == nil && sameAddr(src, h.sdpA)):
		// Latch the actual source so the learning slot closes for this side.
		h.learnedA = src
		stats, count = h.statsA, &h.rxCountA
		dst = pick(h.learnedB, h.sdpB)
		sink = h.sink
	case sameAddr(src, h.learnedB) || (h.learnedB == nil && sameAddr(src, h.sdpB)):
		h.learnedB = src
		stats, count = h.statsB, &h.rxCountB
		dst = pick(h.learnedA, h.sdpA)
	case now.Sub(h.started) < learningWindow && h.learnedA == nil:
		h.learnedA = src
		stats, count = h.statsA, &h.rxCountA
		dst = pick(h.learnedB, h.sdpB)
		sink = h.sink
		h.logger.Info("symmetric rtp: learned endpoint a", "address", src.String())
	case now.Sub(h.started) < learningWindow && h.learnedB == nil:
		h.learnedB = src
		stats, count = h.statsB, &h.rxCountB
		dst = pick(h.learnedA, h.sdpA)
		h.logger.Info("symmetric rtp: learned endpoint b", "address", src.String())
	default:
		// Unknown third party, or the learning window has expired.
		h.mu.Unlock()
		h.dropped.Add(1)
		return
	}

	stats.RecordReceived()
	stats.ObserveSequence(hdr.SequenceNumber)
	*count++
	if *count%qosSampleInterval == 1 {
		stats.ObserveJitter(hdr.Timestamp, now)
	}

	// Telephone-event packets carry DTMF in-band. The end-of-event packet
	// is retransmitted, so each event timestamp yields exactly one digit.
	var digitFn DigitSink
	var digit byte
	if h.digits != nil && int(hdr.PayloadType) == h.dtmfPT && hdrLen < len(pkt) {
		if ev, err := ParseTelephoneEvent(pkt[hdrLen:]); err == nil && ev.End {
			if !h.dtmfSeen || hdr.Timestamp != h.lastDTMFTs {
				h.dtmfSeen = true
				h.lastDTMFTs = hdr.Timestamp
				digitFn, digit = h.digits, ev.Digit
			}
		}
	}

	if sink != nil {
		h.mu.Unlock()
		if digitFn != nil {
			digitFn(digit)
		}
		if hdrLen < len(pkt) {
			sink(pkt[hdrLen:], int(hdr.PayloadType))
		}
		return
	}

	if dst == nil {
		h.mu.Unlock()
		if digitFn != nil {
			digitFn(digit)
		}
		h.dropped.Add(1)
		return
	}

	stats.RecordForwarded()
	h.mu.Unlock()

	if digitFn != nil {
		digitFn(digit)
	}
	if _, err := h.conn.WriteToUDP(pkt, dst); err != nil {
		h.logger.Debug("rtp write error", "dst", dst.String(), "error", err)
	}
}

func sameAddr(a, b *net.UDPAddr) bool {
	if a == nil || b == nil {
		return false
	}
	return a.Port == b.Port && a.IP.Equal(b.IP)
}

func pick(learned, sdp *net.UDPAddr) *net.UDPAddr {
	if learned != nil {
		return learned
	}
	return sdp
}
