package vad

import (
	"io"
	"log/slog"
	"testing"

	"github.com/loqalabs/loqa-dictate/internal/audio"
	"github.com/loqalabs/loqa-dictate/internal/config"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

func testConfig() config.VADConfig {
	return config.VADConfig{
		Threshold:        0.5,
		OnsetFrames:      2,
		HangoverMS:       60, // 2 frames at 30ms
		PrefillMS:        60, // 2 frames
		DynamicThreshold: false,
		NoiseGateRMS:     0.004,
		MaxThreshold:     0.9,
	}
}

func frame(seq uint64, amplitude float32) audio.Frame {
	// Alternating sign keeps the fixture DC-free, like real speech.
	samples := make([]float32, 480)
	for i := range samples {
		if i%2 == 0 {
			samples[i] = amplitude
		} else {
			samples[i] = -amplitude
		}
	}
	return audio.Frame{Seq: seq, Samples: samples}
}

func newTestSegmenter(t *testing.T, cfg config.VADConfig, maxSegmentMS int) *Segmenter {
	t.Helper()
	return NewSegmenter(cfg, 30, maxSegmentMS, NewEnergyClassifier(), testLogger())
}

func collect(s *Segmenter, frames ...audio.Frame) []Event {
	var events []Event
	for _, f := range frames {
		events = append(events, s.Process(f)...)
	}
	return events
}

func TestSilenceProducesNoSegments(t *testing.T) {
	s := newTestSegmenter(t, testConfig(), 30000)
	var frames []audio.Frame
	for i := uint64(0); i < 100; i++ {
		frames = append(frames, frame(i, 0))
	}
	if events := collect(s, frames...); len(events) != 0 {
		t.Fatalf("expected no events for silence, got %d", len(events))
	}
	if events := s.Flush(); len(events) != 0 {
		t.Fatalf("expected no flush events, got %d", len(events))
	}
}

func TestUtteranceLifecycle(t *testing.T) {
	s := newTestSegmenter(t, testConfig(), 30000)

	// Onset debounce: first loud frame only arms the counter.
	if events := s.Process(frame(0, 0.5)); len(events) != 0 {
		t.Fatalf("expected debounce on first speech frame, got %d events", len(events))
	}

	// Second loud frame opens the segment with the first frame as prefill.
	events := s.Process(frame(1, 0.5))
	if len(events) != 2 {
		t.Fatalf("expected open + audio, got %d events", len(events))
	}
	if events[0].Kind != SegmentOpened || events[0].SegmentID != 0 {
		t.Fatalf("expected segment 0 opened, got %+v", events[0])
	}
	if len(events[0].Prefill) != 1 || events[0].Prefill[0].Seq != 0 {
		t.Fatalf("expected prefill to carry frame 0, got %+v", events[0].Prefill)
	}
	if events[1].Kind != SegmentAudio || events[1].Frame.Seq != 1 {
		t.Fatalf("expected audio frame 1, got %+v", events[1])
	}

	// Trailing silence: hangover keeps the segment open for two frames.
	for seq := uint64(2); seq < 4; seq++ {
		events = s.Process(frame(seq, 0))
		if len(events) != 1 || events[0].Kind != SegmentAudio {
			t.Fatalf("expected hangover audio at seq %d, got %+v", seq, events)
		}
	}

	// Hangover elapsed: segment closes, not forced.
	events = s.Process(frame(4, 0))
	if len(events) != 1 || events[0].Kind != SegmentClosed {
		t.Fatalf("expected close, got %+v", events)
	}
	if events[0].Forced {
		t.Fatal("hangover close must not be marked forced")
	}
}

func TestPauseWithinHangoverStaysOneSegment(t *testing.T) {
	s := newTestSegmenter(t, testConfig(), 30000)
	collect(s, frame(0, 0.5), frame(1, 0.5)) // open

	// One silent frame, then speech resumes: same segment.
	events := collect(s, frame(2, 0), frame(3, 0.5), frame(4, 0.5))
	for _, e := range events {
		if e.Kind != SegmentAudio || e.SegmentID != 0 {
			t.Fatalf("expected continuous segment 0 audio, got %+v", e)
		}
	}
}

func TestSegmentIDsIncrement(t *testing.T) {
	s := newTestSegmenter(t, testConfig(), 30000)
	collect(s, frame(0, 0.5), frame(1, 0.5))          // open 0
	collect(s, frame(2, 0), frame(3, 0), frame(4, 0)) // close 0

	events := collect(s, frame(5, 0.5), frame(6, 0.5))
	if events[0].Kind != SegmentOpened || events[0].SegmentID != 1 {
		t.Fatalf("expected segment 1 opened, got %+v", events[0])
	}
}

func TestFlushForcesClose(t *testing.T) {
	s := newTestSegmenter(t, testConfig(), 30000)
	collect(s, frame(0, 0.5), frame(1, 0.5))

	events := s.Flush()
	if len(events) != 1 || events[0].Kind != SegmentClosed || !events[0].Forced {
		t.Fatalf("expected forced close, got %+v", events)
	}
	// Idempotent: a second flush is a no-op.
	if events := s.Flush(); len(events) != 0 {
		t.Fatalf("expected no events on second flush, got %+v", events)
	}
}

func TestMaxSegmentDurationForcesClose(t *testing.T) {
	s := newTestSegmenter(t, testConfig(), 150) // 5 frames at 30ms
	var closed bool
	for seq := uint64(0); seq < 20 && !closed; seq++ {
		for _, e := range s.Process(frame(seq, 0.5)) {
			if e.Kind == SegmentClosed {
				if !e.Forced {
					t.Fatal("max duration close must be forced")
				}
				closed = true
			}
		}
	}
	if !closed {
		t.Fatal("expected forced close at max segment duration")
	}
}

func TestPrefillWindowIsBounded(t *testing.T) {
	s := newTestSegmenter(t, testConfig(), 30000)
	// Long silence first; prefill must retain at most 2 frames.
	for seq := uint64(0); seq < 20; seq++ {
		s.Process(frame(seq, 0))
	}
	events := collect(s, frame(20, 0.5), frame(21, 0.5))
	if events[0].Kind != SegmentOpened {
		t.Fatalf("expected open, got %+v", events[0])
	}
	if len(events[0].Prefill) != 2 {
		t.Fatalf("expected 2 prefill frames, got %d", len(events[0].Prefill))
	}
	if events[0].Prefill[1].Seq != 20 {
		t.Fatalf("expected newest prefill frame 20, got %d", events[0].Prefill[1].Seq)
	}
}

func TestResetRestartsSegmentIDs(t *testing.T) {
	s := newTestSegmenter(t, testConfig(), 30000)
	collect(s, frame(0, 0.5), frame(1, 0.5))
	s.Flush()
	s.Reset()

	events := collect(s, frame(0, 0.5), frame(1, 0.5))
	if events[0].SegmentID != 0 {
		t.Fatalf("expected segment ids to restart at 0, got %d", events[0].SegmentID)
	}
}
