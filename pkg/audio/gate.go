package audio

import "math"

// DefaultGateThreshold is the default RMS level (on the 16-bit linear
// scale, full-scale 32767) below which a frame is considered line noise.
const DefaultGateThreshold = 800

// RMS computes the root-mean-square magnitude of a PCM frame on the
// 16-bit linear scale. An empty frame has RMS 0.
func RMS(pcm []int16) float64 {
	if len(pcm) == 0 {
		return 0
	}
	var sum float64
	for _, s := range pcm {
		f := float64(s)
		sum += f * f
	}
	return math.Sqrt(sum / float64(len(pcm)))
}

// Gate suppresses near-silent frames so that line noise and dead air are
// not forwarded to the realtime backend. The threshold is a fixed tunable,
// not adaptive.
type Gate struct {
	// Threshold is the RMS level a frame must exceed to pass. Zero or
	// negative disables the gate (every frame passes).
	Threshold float64
}

// Pass reports whether frame carries enough energy to forward. A frame
// whose RMS exactly equals the threshold is dropped; only strictly greater
// passes.
func (g Gate) Pass(frame []int16) bool {
	if g.Threshold <= 0 {
		return true
	}
	return RMS(frame) > g.Threshold
}
