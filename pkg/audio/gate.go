package audio

import "math"

// Default gate parameters. The threshold is an RMS level over normalised
// float samples; 0.005 corresponds to near-silence on typical capture gain.
const (
	DefaultGateThreshold  = 0.005
	DefaultGateGraceCount = 3
)

// Gate is an energy-based voice-activity heuristic applied to resampled
// float samples before provider transmission. Chunks whose RMS falls below
// the threshold are suppressed once more than a small grace window of
// consecutive quiet chunks has passed. The grace window lets a short tail of
// silence through so a downstream or server-side VAD can still observe the
// utterance end.
//
// A Gate is not safe for concurrent use; create one per stream.
type Gate struct {
	threshold float64
	grace     int
	quiet     int
}

// GateOption is a functional option for configuring a [Gate].
type GateOption func(*Gate)

// WithGateThreshold overrides the RMS threshold below which a chunk counts
// as quiet.
func WithGateThreshold(threshold float64) GateOption {
	return func(g *Gate) {
		if threshold > 0 {
			g.threshold = threshold
		}
	}
}

// WithGateGrace overrides how many consecutive quiet chunks pass through
// before suppression begins.
func WithGateGrace(n int) GateOption {
	return func(g *Gate) {
		if n >= 0 {
			g.grace = n
		}
	}
}

// NewGate creates a Gate with the default threshold and grace window.
func NewGate(opts ...GateOption) *Gate {
	g := &Gate{
		threshold: DefaultGateThreshold,
		grace:     DefaultGateGraceCount,
	}
	for _, o := range opts {
		o(g)
	}
	return g
}

// Pass reports whether the chunk should be transmitted to the provider.
// Chunks at or above the threshold always pass and reset the quiet counter.
func (g *Gate) Pass(samples []float32) bool {
	if RMS(samples) >= g.threshold {
		g.quiet = 0
		return true
	}
	g.quiet++
	return g.quiet <= g.grace
}

// Reset clears the consecutive-quiet counter, e.g. when a session restarts.
func (g *Gate) Reset() {
	g.quiet = 0
}

// RMS computes the root-mean-square energy of samples. Returns 0 for empty
// input.
func RMS(samples []float32) float64 {
	if len(samples) == 0 {
		return 0
	}
	var sum float64
	for _, s := range samples {
		sum += float64(s) * float64(s)
	}
	return math.Sqrt(sum / float64(len(samples)))
}
