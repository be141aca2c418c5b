package audio

import "math"

// Default voice-activity parameters. Thresholds are on the normalized [0, 1]
// amplitude scale after gain compensation.
const (
	// defaultGainCompensation offsets hardware/browser noise suppression that
	// attenuates microphone amplitude before it reaches the capture API.
	defaultGainCompensation = 2.0

	// defaultRMSThreshold is the primary energy threshold for speech.
	defaultRMSThreshold = 0.015

	// defaultPeakThreshold catches short loud bursts that don't move the RMS.
	defaultPeakThreshold = 0.06
)

// VADConfig tunes the [Detector]. Zero numeric fields take the package
// defaults; Disabled turns filtering off entirely (every chunk passes).
type VADConfig struct {
	// Disabled forwards every chunk regardless of energy.
	Disabled bool

	// GainCompensation multiplies measured amplitudes before thresholding.
	GainCompensation float64

	// RMSThreshold is the primary threshold on gain-compensated RMS energy.
	RMSThreshold float64

	// PeakThreshold is the secondary threshold on gain-compensated peak
	// amplitude.
	PeakThreshold float64
}

func (c VADConfig) withDefaults() VADConfig {
	if c.GainCompensation <= 0 {
		c.GainCompensation = defaultGainCompensation
	}
	if c.RMSThreshold <= 0 {
		c.RMSThreshold = defaultRMSThreshold
	}
	if c.PeakThreshold <= 0 {
		c.PeakThreshold = defaultPeakThreshold
	}
	return c
}

// Analysis is the voice-activity measurement for one chunk of audio.
type Analysis struct {
	// RMS is the gain-compensated root-mean-square energy, normalized to [0, 1].
	RMS float64

	// Peak is the gain-compensated peak amplitude, normalized to [0, 1].
	Peak float64

	// Voiced reports whether the chunk crossed either threshold (always true
	// when detection is disabled).
	Voiced bool
}

// Detector classifies chunks as voiced or silent using RMS energy with a
// peak-amplitude escape hatch. It is stateless and safe for concurrent use.
type Detector struct {
	cfg VADConfig
}

// NewDetector returns a Detector for cfg.
func NewDetector(cfg VADConfig) *Detector {
	return &Detector{cfg: cfg.withDefaults()}
}

// Analyze measures pcm (little-endian int16) and classifies it. A chunk is
// voiced when compensated RMS exceeds the primary threshold OR compensated
// peak exceeds the secondary threshold.
func (d *Detector) Analyze(pcm []byte) Analysis {
	rms, peak := measure(pcm)
	rms *= d.cfg.GainCompensation
	peak *= d.cfg.GainCompensation
	if rms > 1 {
		rms = 1
	}
	if peak > 1 {
		peak = 1
	}

	return Analysis{
		RMS:    rms,
		Peak:   peak,
		Voiced: d.cfg.Disabled || rms > d.cfg.RMSThreshold || peak > d.cfg.PeakThreshold,
	}
}

// measure computes normalized RMS and peak over int16 PCM bytes.
func measure(pcm []byte) (rms, peak float64) {
	n := len(pcm) / 2
	if n == 0 {
		return 0, 0
	}

	var sumSquares float64
	var maxAbs float64
	for i := 0; i < n; i++ {
		s := float64(int16(uint16(pcm[2*i]) | uint16(pcm[2*i+1])<<8))
		sumSquares += s * s
		if a := math.Abs(s); a > maxAbs {
			maxAbs = a
		}
	}

	const maxInt16 = 32768.0
	rms = math.Sqrt(sumSquares/float64(n)) / maxInt16
	peak = maxAbs / maxInt16
	return rms, peak
}
