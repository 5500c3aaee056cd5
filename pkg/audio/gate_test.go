package audio

import "testing"

func loudSamples(n int) []float32 {
	out := make([]float32, n)
	for i := range out {
		out[i] = 0.1
	}
	return out
}

func quietSamples(n int) []float32 {
	return make([]float32, n)
}

func TestGate_LoudChunksAlwaysPass(t *testing.T) {
	g := NewGate()
	for i := range 100 {
		if !g.Pass(loudSamples(160)) {
			t.Fatalf("loud chunk %d was suppressed", i)
		}
	}
}

func TestGate_SuppressesAfterGraceWindow(t *testing.T) {
	g := NewGate(WithGateGrace(3))

	// Grace window of quiet chunks passes through so a server-side VAD can
	// observe the utterance end.
	for i := range 3 {
		if !g.Pass(quietSamples(160)) {
			t.Fatalf("quiet chunk %d within grace window was suppressed", i)
		}
	}

	// Everything beyond the window is suppressed.
	for i := range 5 {
		if g.Pass(quietSamples(160)) {
			t.Fatalf("quiet chunk %d beyond grace window passed", i)
		}
	}
}

func TestGate_LoudChunkResetsWindow(t *testing.T) {
	g := NewGate(WithGateGrace(2))

	g.Pass(quietSamples(160))
	g.Pass(quietSamples(160))
	if !g.Pass(loudSamples(160)) {
		t.Fatal("loud chunk was suppressed")
	}

	// Counter restarts after speech.
	if !g.Pass(quietSamples(160)) {
		t.Error("first quiet chunk after speech was suppressed")
	}
	if !g.Pass(quietSamples(160)) {
		t.Error("second quiet chunk after speech was suppressed")
	}
	if g.Pass(quietSamples(160)) {
		t.Error("third quiet chunk after speech passed")
	}
}

func TestGate_Reset(t *testing.T) {
	g := NewGate(WithGateGrace(1))
	g.Pass(quietSamples(160))
	g.Pass(quietSamples(160))
	g.Reset()
	if !g.Pass(quietSamples(160)) {
		t.Error("quiet chunk after Reset was suppressed")
	}
}

func TestRMS(t *testing.T) {
	tests := []struct {
		name    string
		samples []float32
		want    float64
	}{
		{"empty", nil, 0},
		{"zeros", make([]float32, 10), 0},
		{"constant", []float32{0.5, 0.5, 0.5, 0.5}, 0.5},
		{"alternating sign", []float32{0.5, -0.5}, 0.5},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := RMS(tt.samples)
			if diff := got - tt.want; diff > 1e-9 || diff < -1e-9 {
				t.Errorf("RMS() = %g, want %g", got, tt.want)
			}
		})
	}
}
