package media

import (
	"math"
	"time"
)

// Relay direction labels, caller leg = A, callee leg = B.
const (
	DirectionAToB = "a_to_b"
	DirectionBToA = "b_to_a"
)

const (
	// jitterWindowSize bounds the sliding sample windows so long calls
	// cannot grow memory.
	jitterWindowSize  = 100
	latencyWindowSize = 100

	// defaultClockRate is the RTP timestamp clock for telephony codecs.
	defaultClockRate = 8000
)

// DirectionStats accumulates QoS counters for one relay direction. All
// methods must be called under the owning RelayHandler's lock.
type DirectionStats struct {
	direction string
	clockRate int

	packetsSent     uint64
	packetsReceived uint64
	packetsLost     uint64
	outOfOrder      uint64

	jitterWindow  []float64
	latencyWindow []float64

	seenSeq bool
	lastSeq uint16

	seenSample    bool
	lastTimestamp uint32
	lastArrival   time.Time
}

// NewDirectionStats creates a stats accumulator with the given codec
// clock rate (8000 for all telephony codecs offered here).
func NewDirectionStats(direction string, clockRate int) *DirectionStats {
	if clockRate <= 0 {
		clockRate = defaultClockRate
	}
	return &DirectionStats{
		direction: direction,
		clockRate: clockRate,
	}
}

// RecordReceived counts a packet received from this direction's source.
func (d *DirectionStats) RecordReceived() {
	d.packetsReceived++
}

// RecordForwarded counts a packet forwarded to this direction's sink.
func (d *DirectionStats) RecordForwarded() {
	d.packetsSent++
}

// ObserveSequence runs sequence-gap analysis on a received packet. This
// runs on every packet: gaps advance the loss counter, regressions count
// as out-of-order and do not move the expected sequence backwards.
func (d *DirectionStats) ObserveSequence(seq uint16) {
	if !d.seenSeq {
		d.seenSeq = true
		d.lastSeq = seq
		return
	}

	expected := d.lastSeq + 1 // wraps at 2^16
	switch {
	case seq == expected:
		// in order
	case seqAfter(seq, expected):
		d.packetsLost += uint64(seq - expected)
	default:
		d.outOfOrder++
		return
	}
	d.lastSeq = seq
}

// ObserveJitter updates the jitter window from a sampled packet. Jitter is
// |arrival delta - timestamp delta| between consecutive samples, with the
// timestamp delta converted through the codec clock; sampling every Nth
// packet leaves the estimate intact because both deltas scale together.
func (d *DirectionStats) ObserveJitter(timestamp uint32, arrival time.Time) {
	if !d.seenSample {
		d.seenSample = true
		d.lastTimestamp = timestamp
		d.lastArrival = arrival
		return
	}

	arrivalDeltaMs := float64(arrival.Sub(d.lastArrival)) / float64(time.Millisecond)
	tsDeltaMs := float64(timestamp-d.lastTimestamp) / float64(d.clockRate) * 1000.0
	jitter := math.Abs(arrivalDeltaMs - tsDeltaMs)
	d.jitterWindow = appendBounded(d.jitterWindow, jitter, jitterWindowSize)

	d.lastTimestamp = timestamp
	d.lastArrival = arrival
}

// AddLatencySample records an externally measured one-way latency in ms
// (from RTCP or an explicit probe).
func (d *DirectionStats) AddLatencySample(ms float64) {
	d.latencyWindow = appendBounded(d.latencyWindow, ms, latencyWindowSize)
}

// DirectionSummary is an immutable snapshot of one direction's quality.
type DirectionSummary struct {
	Direction       string
	PacketsSent     uint64
	PacketsReceived uint64
	PacketsLost     uint64
	OutOfOrder      uint64
	LossPct         float64
	AvgJitterMs     float64
	MaxJitterMs     float64
	AvgLatencyMs    float64
	MaxLatencyMs    float64
	MOS             float64
	Quality         string
}

// Summary computes the current snapshot including MOS and quality bucket.
func (d *DirectionStats) Summary() DirectionSummary {
	s := DirectionSummary{
		Direction:       d.direction,
		PacketsSent:     d.packetsSent,
		PacketsReceived: d.packetsReceived,
		PacketsLost:     d.packetsLost,
		OutOfOrder:      d.outOfOrder,
	}

	if total := d.packetsReceived + d.packetsLost; total > 0 {
		s.LossPct = float64(d.packetsLost) / float64(total) * 100.0
	}
	s.AvgJitterMs, s.MaxJitterMs = windowStats(d.jitterWindow)
	s.AvgLatencyMs, s.MaxLatencyMs = windowStats(d.latencyWindow)

	hasData := d.packetsReceived > 0 || len(d.latencyWindow) > 0
	s.MOS = MOS(s.LossPct, s.AvgLatencyMs, s.AvgJitterMs, hasData)
	s.Quality = QualityRating(s.MOS)
	return s
}

// MOS computes the simplified E-Model score. Without any received packets
// or latency samples there is nothing to rate and the 0.0 sentinel is
// returned; a real MOS is always within [1.0, 4.5].
func MOS(lossPct, oneWayDelayMs, avgJitterMs float64, hasData bool) float64 {
	if !hasData {
		return 0.0
	}

	r := 93.2
	r -= lossPct * 2.5
	if oneWayDelayMs > 160 {
		r -= (oneWayDelayMs - 160) * 0.3
	}
	if avgJitterMs > 30 {
		r -= (avgJitterMs - 30) * 0.1
	}
	// The cubic term turns positive again for negative R, so impairment
	// past the scale's floor must not feed the polynomial.
	if r < 0 {
		return 1.0
	}

	mos := 1 + 0.035*r + 7e-6*r*(r-60)*(100-r)
	if mos < 1.0 {
		return 1.0
	}
	if mos > 4.5 {
		return 4.5
	}
	return mos
}

// QualityRating buckets a MOS score for display.
func QualityRating(mos float64) string {
	switch {
	case mos >= 4.3:
		return "Excellent"
	case mos >= 4.0:
		return "Good"
	case mos >= 3.6:
		return "Fair"
	case mos >= 3.1:
		return "Poor"
	default:
		return "Bad"
	}
}

// seqAfter reports whether a comes after b in 16-bit sequence space.
func seqAfter(a, b uint16) bool {
	return a != b && int16(a-b) > 0
}

func appendBounded(window []float64, v float64, limit int) []float64 {
	window = append(window, v)
	if len(window) > limit {
		window = window[len(window)-limit:]
	}
	return window
}

func windowStats(window []float64) (avg, max float64) {
	if len(window) == 0 {
		return 0, 0
	}
	sum := 0.0
	for _, v := range window {
		sum += v
		if v > max {
			max = v
		}
	}
	return sum / float64(len(window)), max
}
