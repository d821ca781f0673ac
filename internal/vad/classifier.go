package vad

import "math"

// Classifier scores one frame of mono float32 PCM with a speech probability
// in [0, 1]. Implementations must be fast enough to run inside the inter-frame
// interval; anything slower belongs behind its own worker.
type Classifier interface {
	Classify(samples []float32) float64
}

// EnergyClassifier maps frame RMS energy to a pseudo-probability. It is the
// default classifier; a model-backed implementation can replace it without
// touching the segmenter.
type EnergyClassifier struct {
	// ReferenceRMS is the energy treated as certain speech. Typical close-mic
	// speech sits around 0.05-0.2 in float32 full scale.
	ReferenceRMS float64
}

func NewEnergyClassifier() *EnergyClassifier {
	return &EnergyClassifier{ReferenceRMS: 0.1}
}

func (c *EnergyClassifier) Classify(samples []float32) float64 {
	if len(samples) == 0 {
		return 0
	}
	var sumSq float64
	for _, s := range samples {
		sumSq += float64(s) * float64(s)
	}
	rms := math.Sqrt(sumSq / float64(len(samples)))
	ref := c.ReferenceRMS
	if ref <= 0 {
		ref = 0.1
	}
	p := rms / ref
	if p > 1 {
		p = 1
	}
	return p
}
