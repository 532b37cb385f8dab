package live

import "math"

// CalculateRMSEnergy computes the root-mean-square energy of PCM audio.
// Input is assumed to be 16-bit signed little-endian PCM.
// Returns a value between 0.0 and 1.0.
func CalculateRMSEnergy(pcm []byte) float64 {
	samples := len(pcm) / 2
	if samples == 0 {
		return 0
	}

	var sum float64
	for i := 0; i < len(pcm)-1; i += 2 {
		normalized := float64(sampleAt(pcm, i)) / 32768.0
		sum += normalized * normalized
	}

	return math.Sqrt(sum / float64(samples))
}

// CalculatePeakAmplitude returns the maximum absolute amplitude in the PCM data.
// Returns a value between 0.0 and 1.0.
func CalculatePeakAmplitude(pcm []byte) float64 {
	if len(pcm) < 2 {
		return 0
	}

	var maxAbs float64
	for i := 0; i < len(pcm)-1; i += 2 {
		// float64 avoids overflow when negating -32768
		abs := math.Abs(float64(sampleAt(pcm, i)))
		if abs > maxAbs {
			maxAbs = abs
		}
	}

	return maxAbs / 32768.0
}

// Probe frequencies for VoiceBandRatio. Voice probes cover 300-3400Hz; the
// rest sample mains hum, rumble and hiss.
var (
	voiceProbes = probeRange(300, 3400, 100)
	noiseProbes = append(probeRange(50, 250, 50), probeRange(3600, 8000, 200)...)
)

func probeRange(from, to, step float64) []float64 {
	var out []float64
	for f := from; f <= to; f += step {
		out = append(out, f)
	}
	return out
}

// VoiceBandRatio estimates the share of a chunk's energy that falls inside the
// speech band, using Goertzel probes. It returns 0 for silence. Probes at or
// above the Nyquist frequency are skipped.
func VoiceBandRatio(pcm []byte, sampleRate int) float64 {
	n := len(pcm) / 2
	if n == 0 || sampleRate <= 0 {
		return 0
	}
	samples := make([]float64, n)
	for i := range samples {
		samples[i] = float64(sampleAt(pcm, i*2)) / 32768.0
	}

	nyquist := float64(sampleRate) / 2
	var voice, other float64
	for _, f := range voiceProbes {
		if f < nyquist {
			voice += goertzelPower(samples, f, sampleRate)
		}
	}
	for _, f := range noiseProbes {
		if f < nyquist {
			other += goertzelPower(samples, f, sampleRate)
		}
	}
	total := voice + other
	if total <= 1e-12 {
		return 0
	}
	return voice / total
}

func goertzelPower(samples []float64, freq float64, sampleRate int) float64 {
	w := 2 * math.Pi * freq / float64(sampleRate)
	coeff := 2 * math.Cos(w)
	var s1, s2 float64
	for _, x := range samples {
		s0 := x + coeff*s1 - s2
		s2 = s1
		s1 = s0
	}
	p := s1*s1 + s2*s2 - coeff*s1*s2
	if p < 0 {
		return 0
	}
	return p
}

func sampleAt(pcm []byte, i int) int16 {
	return int16(pcm[i]) | int16(pcm[i+1])<<8
}
