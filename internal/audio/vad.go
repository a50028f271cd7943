package audio

import "math"

// EnergyVAD is a small energy-threshold voice activity detector over PCM16
// little-endian frames. It exists to gate VAD events for subscribers; Apps
// that need precise segmentation run their own models on audio_chunk.
type EnergyVAD struct {
	threshold float64

	// hangover keeps the detector in the speaking state for a few silent
	// frames so a breath pause does not flap the state.
	hangover  int
	remaining int
}

// NewEnergyVAD creates a detector with defaults tuned for 16 kHz PCM16.
func NewEnergyVAD() *EnergyVAD {
	return &EnergyVAD{
		threshold: 500,
		hangover:  5,
	}
}

// Process consumes one frame and returns the resulting speaking state.
func (v *EnergyVAD) Process(data []byte) bool {
	if len(data) < 2 {
		if v.remaining > 0 {
			v.remaining--
			return true
		}
		return false
	}

	var sum float64
	n := 0
	for i := 0; i+1 < len(data); i += 2 {
		sample := int16(uint16(data[i]) | uint16(data[i+1])<<8)
		f := float64(sample)
		sum += f * f
		n++
	}
	if n == 0 {
		return v.remaining > 0
	}

	rms := math.Sqrt(sum / float64(n))
	if rms >= v.threshold {
		v.remaining = v.hangover
		return true
	}

	if v.remaining > 0 {
		v.remaining--
		return true
	}
	return false
}
