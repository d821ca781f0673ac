package audio

import "time"

// Frame is one fixed-duration block of mono float32 PCM captured from the
// microphone. Frames are immutable once produced; Seq increases strictly
// within a session with no reordering.
type Frame struct {
	Seq      uint64
	Samples  []float32
	Captured time.Time
}

// Duration returns the frame length for the given sample rate.
func (f Frame) Duration(sampleRate int) time.Duration {
	if sampleRate <= 0 {
		return 0
	}
	return time.Duration(len(f.Samples)) * time.Second / time.Duration(sampleRate)
}
