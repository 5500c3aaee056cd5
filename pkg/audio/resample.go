package audio

import "math"

// Resampler converts little-endian int16 mono PCM at a fixed source rate into
// float32 mono samples at a target rate. It applies a single-pole IIR low-pass
// filter with the cutoff at the target Nyquist frequency before
// linear-interpolation resampling, so that downsampled output does not alias.
//
// By default the filter memory is reset at the start of every chunk, which
// introduces a small discontinuity at chunk boundaries. Construct with
// [WithCarryState] to carry filter state across chunks instead.
//
// A Resampler is not safe for concurrent use; create one per stream.
type Resampler struct {
	srcRate int
	dstRate int
	alpha   float64

	carry bool
	prev  float64
}

// ResamplerOption is a functional option for configuring a [Resampler].
type ResamplerOption func(*Resampler)

// WithCarryState makes the anti-alias filter carry its memory across chunks
// instead of resetting per chunk.
func WithCarryState() ResamplerOption {
	return func(r *Resampler) {
		r.carry = true
	}
}

// NewResampler creates a Resampler converting srcRate to dstRate. Both rates
// must be positive.
func NewResampler(srcRate, dstRate int, opts ...ResamplerOption) *Resampler {
	r := &Resampler{
		srcRate: srcRate,
		dstRate: dstRate,
		// Anti-alias cutoff at the target Nyquist frequency.
		alpha: 1 - math.Exp(-2*math.Pi*(float64(dstRate)/2)/float64(srcRate)),
	}
	for _, o := range opts {
		o(r)
	}
	return r
}

// Resample converts one chunk of int16LE mono PCM to float32 samples at the
// target rate. For n input samples it produces floor(n*dstRate/srcRate)
// output samples. A trailing odd byte is ignored. Returns nil when the input
// is too short to yield any output sample.
func (r *Resampler) Resample(pcm []byte) []float32 {
	n := len(pcm) / 2
	if n == 0 || r.srcRate <= 0 || r.dstRate <= 0 {
		return nil
	}

	// Decode and normalise to [-1, 1).
	samples := make([]float64, n)
	for i := range samples {
		s := int16(pcm[i*2]) | int16(pcm[i*2+1])<<8
		samples[i] = float64(s) / 32768
	}

	// Causal single-pole low-pass, sample by sample.
	prev := 0.0
	if r.carry {
		prev = r.prev
	}
	for i, s := range samples {
		prev += r.alpha * (s - prev)
		samples[i] = prev
	}
	if r.carry {
		r.prev = prev
	}

	// Linear-interpolation resample at ratio dstRate/srcRate.
	ratio := float64(r.dstRate) / float64(r.srcRate)
	outN := int(float64(n) * ratio)
	if outN == 0 {
		return nil
	}
	out := make([]float32, outN)
	step := 1 / ratio
	for i := range out {
		pos := float64(i) * step
		idx := int(pos)
		frac := pos - float64(idx)

		s0 := samples[idx]
		s1 := s0
		if idx+1 < n {
			s1 = samples[idx+1]
		}
		out[i] = float32(s0*(1-frac) + s1*frac)
	}
	return out
}

// Reset clears any carried filter state.
func (r *Resampler) Reset() {
	r.prev = 0
}

// Float32ToPCM16 converts float32 samples in [-1, 1] back to little-endian
// int16 PCM, clamping out-of-range values. Used for providers that require
// 16-bit input after rate conversion.
func Float32ToPCM16(samples []float32) []byte {
	out := make([]byte, len(samples)*2)
	for i, s := range samples {
		v := float64(s) * 32767
		if v > 32767 {
			v = 32767
		} else if v < -32768 {
			v = -32768
		}
		iv := int16(v)
		out[i*2] = byte(iv)
		out[i*2+1] = byte(iv >> 8)
	}
	return out
}

// PCM16ToFloat32 decodes little-endian int16 PCM into normalised float32
// samples in [-1, 1).
func PCM16ToFloat32(pcm []byte) []float32 {
	n := len(pcm) / 2
	out := make([]float32, n)
	for i := 0; i < n; i++ {
		s := int16(uint16(pcm[i*2]) | uint16(pcm[i*2+1])<<8)
		out[i] = float32(s) / 32768
	}
	return out
}

// Float32ToBytes encodes float32 samples as little-endian IEEE-754 bytes.
// Used for providers that consume raw float32 streams.
func Float32ToBytes(samples []float32) []byte {
	out := make([]byte, len(samples)*4)
	for i, s := range samples {
		bits := math.Float32bits(s)
		out[i*4] = byte(bits)
		out[i*4+1] = byte(bits >> 8)
		out[i*4+2] = byte(bits >> 16)
		out[i*4+3] = byte(bits >> 24)
	}
	return out
}
