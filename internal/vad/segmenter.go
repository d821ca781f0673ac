package vad

import (
	"log/slog"

	"github.com/loqalabs/loqa-dictate/internal/audio"
	"github.com/loqalabs/loqa-dictate/internal/config"
)

// EventKind discriminates segmenter outputs.
type EventKind int

const (
	// SegmentOpened starts a new utterance; Prefill carries the look-back
	// padding frames so the onset is not clipped.
	SegmentOpened EventKind = iota
	// SegmentAudio attaches one frame to the open segment.
	SegmentAudio
	// SegmentClosed ends the open segment. Forced marks a close that skipped
	// the hangover (session stop or max duration).
	SegmentClosed
)

// Event is one segmentation decision, delivered in frame order.
type Event struct {
	Kind      EventKind
	SegmentID int
	Frame     audio.Frame
	Prefill   []audio.Frame
	Forced    bool
}

const dcAlpha = 0.001

// Segmenter turns the frame stream into non-overlapping speech segments.
// A segment opens after OnsetFrames consecutive speech frames (with the
// preceding PrefillMS of audio prepended), stays open across pauses shorter
// than HangoverMS, and closes when the hangover elapses, the maximum segment
// duration is hit, or Flush is called.
//
// The per-frame work is DC-offset removal, an RMS noise gate, one classifier
// call and a couple of counters, so it runs inline on the frame pump.
type Segmenter struct {
	classifier Classifier
	log        *slog.Logger

	threshold        float64
	onsetFrames      int
	hangoverFrames   int
	prefillFrames    int
	maxSegmentFrames int
	dynamicThreshold bool
	noiseFloorAlpha  float64
	noiseFloorMargin float64
	maxThreshold     float64
	noiseGateRMS     float64

	prefill       []audio.Frame
	inSpeech      bool
	onsetCount    int
	hangoverCount int
	noiseFloor    float64
	dcEstimate    float64
	nextSegmentID int
	segmentFrames int
	scratch       []float32
}

// NewSegmenter derives frame counts from the millisecond config values.
func NewSegmenter(cfg config.VADConfig, frameDurationMS, maxSegmentMS int, classifier Classifier, log *slog.Logger) *Segmenter {
	if frameDurationMS <= 0 {
		frameDurationMS = 30
	}
	hangover := cfg.HangoverMS / frameDurationMS
	prefill := cfg.PrefillMS / frameDurationMS
	maxSegment := maxSegmentMS / frameDurationMS
	if maxSegment < 1 {
		maxSegment = 1
	}
	return &Segmenter{
		classifier:       classifier,
		log:              log.With(slog.String("component", "vad")),
		threshold:        cfg.Threshold,
		onsetFrames:      cfg.OnsetFrames,
		hangoverFrames:   hangover,
		prefillFrames:    prefill,
		maxSegmentFrames: maxSegment,
		dynamicThreshold: cfg.DynamicThreshold,
		noiseFloorAlpha:  cfg.NoiseFloorAlpha,
		noiseFloorMargin: cfg.NoiseFloorMargin,
		maxThreshold:     cfg.MaxThreshold,
		noiseGateRMS:     cfg.NoiseGateRMS,
	}
}

// Process classifies one frame and returns zero or more events, in order.
func (s *Segmenter) Process(f audio.Frame) []Event {
	prob := s.classifier.Classify(s.preprocess(f.Samples))
	threshold := s.effectiveThreshold(prob)
	isSpeech := prob >= threshold

	var events []Event
	switch {
	case !s.inSpeech && isSpeech:
		s.onsetCount++
		if s.onsetCount >= s.onsetFrames {
			events = s.open(f)
		} else {
			s.pushPrefill(f)
		}
	case s.inSpeech && isSpeech:
		s.hangoverCount = s.hangoverFrames
		events = s.appendFrame(f)
	case s.inSpeech && !isSpeech:
		if s.hangoverCount > 0 {
			s.hangoverCount--
			events = s.appendFrame(f)
		} else {
			events = s.close(false)
			s.pushPrefill(f)
		}
	default:
		s.onsetCount = 0
		s.pushPrefill(f)
	}
	return events
}

// Flush force-closes the open segment, if any. Called on session stop; no
// padding is added.
func (s *Segmenter) Flush() []Event {
	if !s.inSpeech {
		return nil
	}
	return s.close(true)
}

// Reset clears all state between sessions. Segment ids restart at zero.
func (s *Segmenter) Reset() {
	s.prefill = s.prefill[:0]
	s.inSpeech = false
	s.onsetCount = 0
	s.hangoverCount = 0
	s.noiseFloor = 0
	s.dcEstimate = 0
	s.nextSegmentID = 0
	s.segmentFrames = 0
}

func (s *Segmenter) open(f audio.Frame) []Event {
	id := s.nextSegmentID
	s.nextSegmentID++
	s.inSpeech = true
	s.onsetCount = 0
	s.hangoverCount = s.hangoverFrames

	prefill := make([]audio.Frame, len(s.prefill))
	copy(prefill, s.prefill)
	s.prefill = s.prefill[:0]
	s.segmentFrames = len(prefill)

	s.log.Debug("segment opened", slog.Int("segment", id), slog.Int("prefill_frames", len(prefill)))
	events := []Event{{Kind: SegmentOpened, SegmentID: id, Prefill: prefill}}
	return append(events, s.appendFrame(f)...)
}

func (s *Segmenter) appendFrame(f audio.Frame) []Event {
	id := s.nextSegmentID - 1
	events := []Event{{Kind: SegmentAudio, SegmentID: id, Frame: f}}
	s.segmentFrames++
	if s.segmentFrames >= s.maxSegmentFrames {
		s.log.Debug("segment hit max duration", slog.Int("segment", id))
		events = append(events, s.close(true)...)
	}
	return events
}

func (s *Segmenter) close(forced bool) []Event {
	id := s.nextSegmentID - 1
	s.inSpeech = false
	s.onsetCount = 0
	s.hangoverCount = 0
	s.segmentFrames = 0
	s.log.Debug("segment closed", slog.Int("segment", id), slog.Bool("forced", forced))
	return []Event{{Kind: SegmentClosed, SegmentID: id, Forced: forced}}
}

func (s *Segmenter) pushPrefill(f audio.Frame) {
	if s.prefillFrames <= 0 {
		return
	}
	s.prefill = append(s.prefill, f)
	if len(s.prefill) > s.prefillFrames {
		s.prefill = s.prefill[len(s.prefill)-s.prefillFrames:]
	}
}

// preprocess removes DC offset and gates out near-silence before
// classification. The raw frame is left untouched; decoding always sees the
// original samples.
func (s *Segmenter) preprocess(samples []float32) []float32 {
	if cap(s.scratch) < len(samples) {
		s.scratch = make([]float32, len(samples))
	}
	out := s.scratch[:len(samples)]
	var sumSq float64
	for i, sample := range samples {
		s.dcEstimate += dcAlpha * (float64(sample) - s.dcEstimate)
		v := float64(sample) - s.dcEstimate
		out[i] = float32(v)
		sumSq += v * v
	}
	if len(out) == 0 {
		return out
	}
	power := sumSq / float64(len(out))
	if power < s.noiseGateRMS*s.noiseGateRMS {
		for i := range out {
			out[i] = 0
		}
	}
	return out
}

// effectiveThreshold tracks the noise floor while out of speech and keeps the
// trigger margin above it, clamped to [threshold, maxThreshold].
func (s *Segmenter) effectiveThreshold(prob float64) float64 {
	if !s.dynamicThreshold {
		return s.threshold
	}
	if !s.inSpeech {
		alpha := s.noiseFloorAlpha
		if alpha < 0 {
			alpha = 0
		}
		if alpha > 1 {
			alpha = 1
		}
		s.noiseFloor = (1-alpha)*s.noiseFloor + alpha*prob
	}
	threshold := s.noiseFloor + s.noiseFloorMargin
	if threshold < s.threshold {
		threshold = s.threshold
	}
	if threshold > s.maxThreshold {
		threshold = s.maxThreshold
	}
	return threshold
}
