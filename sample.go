package midiseq

type (
	// Sample is raw 16-bit PCM played by the sample mixer. The mixer only
	// reads it.
	Sample struct {
		Name       string
		Data       []int16 // interleaved
		Channels   int
		SampleRate int
	}

	// SampleSet is a sample library indexed by key, one entry per pitch.
	SampleSet interface {
		Sample(key uint8) *Sample
	}

	// SampleMap is the simplest SampleSet.
	SampleMap map[uint8]*Sample
)

// Frames returns the number of sample frames.
func (s *Sample) Frames() int {
	if s.Channels <= 0 {
		return 0
	}
	return len(s.Data) / s.Channels
}

func (m SampleMap) Sample(key uint8) *Sample { return m[key] }
