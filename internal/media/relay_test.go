package media

import (
	"fmt"
	"log/slog"
	"net"
	"testing"
	"time"

	"github.com/pion/rtp"
)

func testLogger() *slog.Logger {
	return slog.New(slog.DiscardHandler)
}

// newTestRelay binds a relay on an ephemeral port and tears it down with
// the test.
func newTestRelay(t *testing.T) *RelayHandler {
	t.Helper()
	h, err := NewRelayHandler("test-call", 0, testLogger())
	if err != nil {
		t.Fatalf("NewRelayHandler() error: %v", err)
	}
	h.Start()
	t.Cleanup(h.Stop)
	return h
}

// newEndpoint binds a loopback UDP socket acting as one phone.
func newEndpoint(t *testing.T) *net.UDPConn {
	t.Helper()
	conn, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	if err != nil {
		t.Fatalf("binding endpoint socket: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func rtpPacket(t *testing.T, seq uint16, ts uint32, ssrc uint32) []byte {
	t.Helper()
	pkt := rtp.Packet{
		Header: rtp.Header{
			Version:        2,
			PayloadType:    PayloadPCMU,
			SequenceNumber: seq,
			Timestamp:      ts,
			SSRC:           ssrc,
		},
		Payload: make([]byte, 160),
	}
	data, err := pkt.Marshal()
	if err != nil {
		t.Fatalf("marshaling rtp packet: %v", err)
	}
	return data
}

func sendTo(t *testing.T, conn *net.UDPConn, port int, data []byte) {
	t.Helper()
	if _, err := conn.WriteToUDP(data, &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: port}); err != nil {
		t.Fatalf("sending to relay: %v", err)
	}
}

func recvFrom(t *testing.T, conn *net.UDPConn, timeout time.Duration) ([]byte, bool) {
	t.Helper()
	buf := make([]byte, maxRTPPacket)
	conn.SetReadDeadline(time.Now().Add(timeout))
	n, _, err := conn.ReadFromUDP(buf)
	if err != nil {
		return nil, false
	}
	return buf[:n], true
}

func TestRelaySymmetricLearning(t *testing.T) {
	relay := newTestRelay(t)
	phoneA := newEndpoint(t)
	phoneB := newEndpoint(t)

	// SDP advertises private addresses that are not where packets will
	// actually come from (both phones behind NAT).
	relay.SetEndpoints(
		&net.UDPAddr{IP: net.IPv4(192, 168, 1, 10), Port: 5000},
		&net.UDPAddr{IP: net.IPv4(192, 168, 1, 20), Port: 5001},
	)

	// First packet from an unknown source inside the learning window is
	// adopted as endpoint A; its forward target is still the (wrong) SDP
	// address of B, so nothing arrives anywhere yet.
	sendTo(t, phoneA, relay.Port(), rtpPacket(t, 1, 160, 0xA))
	time.Sleep(50 * time.Millisecond)

	// Second unknown source is adopted as B; its packet goes to learned A.
	sendTo(t, phoneB, relay.Port(), rtpPacket(t, 1000, 160, 0xB))
	if _, ok := recvFrom(t, phoneA, time.Second); !ok {
		t.Fatal("packet from B was not forwarded to learned endpoint A")
	}

	// Now both are learned; A's packets reach B's real socket.
	sendTo(t, phoneA, relay.Port(), rtpPacket(t, 2, 320, 0xA))
	if _, ok := recvFrom(t, phoneB, time.Second); !ok {
		t.Fatal("packet from A was not forwarded to learned endpoint B")
	}
}

func TestRelayForwardsBothDirectionsWithoutEcho(t *testing.T) {
	relay := newTestRelay(t)
	phoneA := newEndpoint(t)
	phoneB := newEndpoint(t)

	relay.SetEndpoints(
		phoneA.LocalAddr().(*net.UDPAddr),
		phoneB.LocalAddr().(*net.UDPAddr),
	)

	sendTo(t, phoneA, relay.Port(), rtpPacket(t, 1, 160, 0xA))
	got, ok := recvFrom(t, phoneB, time.Second)
	if !ok {
		t.Fatal("A's packet not forwarded to B")
	}
	var hdr rtp.Header
	if _, err := hdr.Unmarshal(got); err != nil {
		t.Fatalf("forwarded packet unparseable: %v", err)
	}
	if hdr.SequenceNumber != 1 || hdr.SSRC != 0xA {
		t.Errorf("forwarded header = seq %d ssrc %x, payload must pass unchanged", hdr.SequenceNumber, hdr.SSRC)
	}

	// The packet is forwarded exactly once, never echoed to its source.
	if _, ok := recvFrom(t, phoneA, 200*time.Millisecond); ok {
		t.Error("packet echoed back to its source")
	}

	sendTo(t, phoneB, relay.Port(), rtpPacket(t, 500, 160, 0xB))
	if _, ok := recvFrom(t, phoneA, time.Second); !ok {
		t.Fatal("B's packet not forwarded to A")
	}
}

func TestRelayDropsUnknownThirdParty(t *testing.T) {
	relay := newTestRelay(t)
	phoneA := newEndpoint(t)
	phoneB := newEndpoint(t)
	intruder := newEndpoint(t)

	relay.SetEndpoints(
		phoneA.LocalAddr().(*net.UDPAddr),
		phoneB.LocalAddr().(*net.UDPAddr),
	)

	// Fill both learned slots.
	sendTo(t, phoneA, relay.Port(), rtpPacket(t, 1, 160, 0xA))
	sendTo(t, phoneB, relay.Port(), rtpPacket(t, 100, 160, 0xB))
	recvFrom(t, phoneB, time.Second)
	recvFrom(t, phoneA, time.Second)

	before := relay.Dropped()
	sendTo(t, intruder, relay.Port(), rtpPacket(t, 9999, 160, 0xBAD))
	time.Sleep(100 * time.Millisecond)

	if relay.Dropped() != before+1 {
		t.Errorf("Dropped() = %d, want %d after third-party packet", relay.Dropped(), before+1)
	}
	if _, ok := recvFrom(t, phoneA, 100*time.Millisecond); ok {
		t.Error("third-party packet forwarded to A")
	}
}

func TestRelayQoSCleanStream(t *testing.T) {
	relay := newTestRelay(t)
	phoneA := newEndpoint(t)
	phoneB := newEndpoint(t)

	relay.SetEndpoints(
		phoneA.LocalAddr().(*net.UDPAddr),
		phoneB.LocalAddr().(*net.UDPAddr),
	)

	// 50 packets each way, paced so arrival deltas track timestamp deltas.
	seqA, seqB := uint16(1000), uint16(30000)
	tsA, tsB := uint32(160), uint32(320)
	for i := 0; i < 50; i++ {
		sendTo(t, phoneA, relay.Port(), rtpPacket(t, seqA, tsA, 0xA))
		sendTo(t, phoneB, relay.Port(), rtpPacket(t, seqB, tsB, 0xB))
		seqA++
		seqB++
		tsA += 40 // 5 ms at 8 kHz
		tsB += 40
		time.Sleep(5 * time.Millisecond)
	}
	// Drain so the reader has processed everything before snapshotting.
	for {
		if _, ok := recvFrom(t, phoneB, 100*time.Millisecond); !ok {
			break
		}
	}
	for {
		if _, ok := recvFrom(t, phoneA, 100*time.Millisecond); !ok {
			break
		}
	}

	aToB, bToA := relay.Summaries()
	for _, s := range []DirectionSummary{aToB, bToA} {
		if s.PacketsReceived != 50 {
			t.Errorf("%s: PacketsReceived = %d, want 50", s.Direction, s.PacketsReceived)
		}
		if s.PacketsLost != 0 {
			t.Errorf("%s: PacketsLost = %d, want 0 for gap-free streams", s.Direction, s.PacketsLost)
		}
		if s.LossPct != 0.0 {
			t.Errorf("%s: LossPct = %f, want 0.0", s.Direction, s.LossPct)
		}
		if s.MOS < 4.0 {
			t.Errorf("%s: MOS = %f, want >= 4.0 for a clean loopback stream", s.Direction, s.MOS)
		}
	}
}

func TestRelayVoicemailSinkDiverts(t *testing.T) {
	relay := newTestRelay(t)
	phoneA := newEndpoint(t)
	phoneB := newEndpoint(t)

	relay.SetEndpoints(
		phoneA.LocalAddr().(*net.UDPAddr),
		phoneB.LocalAddr().(*net.UDPAddr),
	)

	payloads := make(chan []byte, 10)
	relay.SetVoicemailSink(func(payload []byte, pt int) {
		if pt == PayloadPCMU {
			payloads <- payload
		}
	})

	sendTo(t, phoneA, relay.Port(), rtpPacket(t, 1, 160, 0xA))

	select {
	case p := <-payloads:
		if len(p) != 160 {
			t.Errorf("sink payload = %d bytes, want 160", len(p))
		}
	case <-time.After(time.Second):
		t.Fatal("voicemail sink never received A's audio")
	}

	// B must no longer receive A's packets.
	if _, ok := recvFrom(t, phoneB, 200*time.Millisecond); ok {
		t.Error("packet forwarded to B although voicemail sink is attached")
	}
}

func dtmfPacket(t *testing.T, seq uint16, ts uint32, end bool) []byte {
	t.Helper()
	payload := []byte{0x05, 0x0A, 0x01, 0x40} // event 5, volume 10
	if end {
		payload[1] |= 0x80
	}
	pkt := rtp.Packet{
		Header: rtp.Header{
			Version:        2,
			PayloadType:    101,
			SequenceNumber: seq,
			Timestamp:      ts,
			SSRC:           0xA,
		},
		Payload: payload,
	}
	data, err := pkt.Marshal()
	if err != nil {
		t.Fatalf("marshaling telephone-event packet: %v", err)
	}
	return data
}

func TestRelayObservesTelephoneEventDigits(t *testing.T) {
	relay := newTestRelay(t)
	phoneA := newEndpoint(t)
	phoneB := newEndpoint(t)

	relay.SetEndpoints(
		phoneA.LocalAddr().(*net.UDPAddr),
		phoneB.LocalAddr().(*net.UDPAddr),
	)

	digits := make(chan byte, 10)
	relay.SetDTMF(101, func(d byte) { digits <- d })

	// Start-of-event packets never produce a digit; the end packet is
	// retransmitted and must deliver the digit exactly once.
	sendTo(t, phoneA, relay.Port(), dtmfPacket(t, 1, 160, false))
	for seq := uint16(2); seq <= 4; seq++ {
		sendTo(t, phoneA, relay.Port(), dtmfPacket(t, seq, 160, true))
	}

	select {
	case d := <-digits:
		if d != '5' {
			t.Errorf("digit = %c, want 5", d)
		}
	case <-time.After(time.Second):
		t.Fatal("digit never delivered")
	}
	select {
	case d := <-digits:
		t.Fatalf("retransmitted end packet delivered extra digit %c", d)
	case <-time.After(200 * time.Millisecond):
	}

	// Telephone-event packets still pass through to the far side.
	if _, ok := recvFrom(t, phoneB, time.Second); !ok {
		t.Fatal("telephone-event packet not forwarded to B")
	}

	// A new event at a new timestamp is a new digit.
	sendTo(t, phoneA, relay.Port(), dtmfPacket(t, 5, 1760, true))
	select {
	case <-digits:
	case <-time.After(time.Second):
		t.Fatal("second digit never delivered")
	}
}

func TestRelayPreservesEndpointOnNilUpdate(t *testing.T) {
	relay := newTestRelay(t)

	a := &net.UDPAddr{IP: net.IPv4(10, 0, 0, 1), Port: 4000}
	b := &net.UDPAddr{IP: net.IPv4(10, 0, 0, 2), Port: 5000}

	relay.SetEndpoints(a, nil)
	relay.SetEndpoints(nil, b)

	relay.mu.Lock()
	defer relay.mu.Unlock()
	if !sameAddr(relay.sdpA, a) {
		t.Error("endpoint A lost after SetEndpoints(nil, b)")
	}
	if !sameAddr(relay.sdpB, b) {
		t.Error("endpoint B not applied")
	}
}

func TestEngineAllocateRelease(t *testing.T) {
	engine := NewEngine(34000, 34007, testLogger())

	h, err := engine.Allocate("call-1")
	if err != nil {
		t.Fatalf("Allocate() error: %v", err)
	}
	if h.Port()%2 != 0 {
		t.Errorf("allocated RTP port %d is odd", h.Port())
	}
	if engine.ActiveCount() != 1 {
		t.Errorf("ActiveCount() = %d, want 1", engine.ActiveCount())
	}
	if engine.Get("call-1") != h {
		t.Error("Get() did not return the allocated handler")
	}

	freeBefore := engine.FreePortPairs()
	summaries := engine.Release("call-1")
	if summaries == nil {
		t.Fatal("Release() returned nil summaries for live call")
	}
	if engine.FreePortPairs() != freeBefore+1 {
		t.Error("port pair not returned to the pool on release")
	}
	if engine.ActiveCount() != 0 {
		t.Errorf("ActiveCount() after release = %d, want 0", engine.ActiveCount())
	}

	if engine.Release("call-1") != nil {
		t.Error("second Release() returned summaries, want nil")
	}
}

func TestEngineQuarantinesUnbindablePort(t *testing.T) {
	blocker, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4zero, Port: 34200})
	if err != nil {
		t.Skipf("cannot bind blocker port: %v", err)
	}
	defer blocker.Close()

	engine := NewEngine(34200, 34207, testLogger())
	t.Cleanup(engine.ReleaseAll)

	// Every allocation trips over the blocked lowest port and succeeds on
	// the next pair; the failure count advances each round.
	for i := 0; i < portFailureLimit; i++ {
		h, err := engine.Allocate(fmt.Sprintf("call-%d", i))
		if err != nil {
			t.Fatalf("Allocate() round %d error: %v", i, err)
		}
		if h.Port() == 34200 {
			t.Fatal("allocated the blocked port")
		}
		engine.Release(fmt.Sprintf("call-%d", i))
	}

	// The blocked pair is quarantined and no longer counted free.
	if got := engine.FreePortPairs(); got != 3 {
		t.Errorf("FreePortPairs() = %d after quarantine, want 3", got)
	}

	h, err := engine.Allocate("final")
	if err != nil {
		t.Fatalf("Allocate() after quarantine error: %v", err)
	}
	if h.Port() == 34200 {
		t.Error("quarantined port handed out again")
	}
}

func TestEngineDuplicateCall(t *testing.T) {
	engine := NewEngine(34100, 34103, testLogger())
	t.Cleanup(engine.ReleaseAll)

	if _, err := engine.Allocate("call-1"); err != nil {
		t.Fatalf("Allocate() error: %v", err)
	}
	if _, err := engine.Allocate("call-1"); err == nil {
		t.Error("duplicate Allocate() succeeded, want error")
	}
}
