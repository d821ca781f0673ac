package session

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/loqalabs/loqa-dictate/internal/audio"
	"github.com/loqalabs/loqa-dictate/internal/config"
	"github.com/loqalabs/loqa-dictate/internal/decoder"
	"github.com/loqalabs/loqa-dictate/internal/protocol"
	"github.com/loqalabs/loqa-dictate/internal/transcript"
	"github.com/loqalabs/loqa-dictate/internal/vad"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

func testConfig() config.Config {
	return config.Config{
		Audio: config.AudioConfig{
			Mode:            "mock",
			SampleRate:      16000,
			Channels:        1,
			FrameDurationMS: 30,
			RingDurationMS:  2000,
		},
		VAD: config.VADConfig{
			Threshold:    0.5,
			OnsetFrames:  2,
			HangoverMS:   60,
			PrefillMS:    60,
			MaxThreshold: 0.9,
			NoiseGateRMS: 0.004,
		},
		Decoder: config.DecoderConfig{
			Mode:              "mock",
			PartialIntervalMS: 60,
			ContextWindowMS:   30000,
			Concurrency:       2,
		},
		Session: config.SessionConfig{
			MaxSegmentMS:     30000,
			DrainTimeoutMS:   2000,
			FeedBufferFrames: 64,
		},
	}
}

// scriptedSource loads the whole frame script into the ring up front, so the
// pump and drain path see a deterministic stream.
type scriptedSource struct {
	ring   *audio.Ring
	frames []audio.Frame
	errs   chan error
}

func (s *scriptedSource) Start(context.Context) error {
	for _, f := range s.frames {
		s.ring.Push(f)
	}
	return nil
}

func (s *scriptedSource) Stop()                 {}
func (s *scriptedSource) Errors() <-chan error { return s.errs }

// segmentScript drives one segment's decode output, keyed by the segment's
// peak amplitude so concurrent decode tasks stay distinguishable.
type segmentScript struct {
	partials []string
	final    string
	finalErr error
	calls    int
}

type stubEngine struct {
	mu      sync.Mutex
	scripts map[int]*segmentScript
}

func amplitudeKey(samples []float32) int {
	var max float32
	for _, s := range samples {
		if s < 0 {
			s = -s
		}
		if s > max {
			max = s
		}
	}
	return int(max*100 + 0.5)
}

func (e *stubEngine) Transcribe(_ context.Context, samples []float32, final bool) (decoder.Result, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	script := e.scripts[amplitudeKey(samples)]
	if script == nil {
		return decoder.Result{}, nil
	}
	if final {
		return decoder.Result{Text: script.final}, script.finalErr
	}
	var text string
	if script.calls < len(script.partials) {
		text = script.partials[script.calls]
	} else if len(script.partials) > 0 {
		text = script.partials[len(script.partials)-1]
	}
	script.calls++
	return decoder.Result{Text: text}, nil
}

func (e *stubEngine) Close() error { return nil }

type eventRecorder struct {
	mu     sync.Mutex
	events []transcript.Event
}

func (r *eventRecorder) record(_ string, e transcript.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
}

func (r *eventRecorder) all() []transcript.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]transcript.Event(nil), r.events...)
}

type statusRecorder struct {
	mu       sync.Mutex
	statuses []protocol.SessionStatus
}

func (r *statusRecorder) record(st protocol.SessionStatus) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.statuses = append(r.statuses, st)
}

func (r *statusRecorder) all() []protocol.SessionStatus {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]protocol.SessionStatus(nil), r.statuses...)
}

type fixture struct {
	ctrl     *Controller
	sink     *transcript.MemorySink
	events   *eventRecorder
	statuses *statusRecorder
	source   *scriptedSource
}

func newFixture(t *testing.T, cfg config.Config, engine decoder.Engine, frames []audio.Frame) *fixture {
	t.Helper()
	log := testLogger()
	ring := audio.NewRing(256)
	source := &scriptedSource{ring: ring, frames: frames, errs: make(chan error, 1)}
	segmenter := vad.NewSegmenter(cfg.VAD, cfg.Audio.FrameDurationMS, cfg.Session.MaxSegmentMS, vad.NewEnergyClassifier(), log)
	adapter := decoder.NewAdapter(cfg.Decoder, cfg.Audio, engine, log)

	sink := transcript.NewMemorySink()
	events := &eventRecorder{}
	statuses := &statusRecorder{}
	hooks := Hooks{
		NewSink:  func(string) transcript.Sink { return sink },
		Notify:   events.record,
		OnStatus: statuses.record,
	}
	ctrl := NewController(cfg, ring, source, segmenter, adapter, hooks, log)
	return &fixture{ctrl: ctrl, sink: sink, events: events, statuses: statuses, source: source}
}

// speechFrames builds DC-free frames at the given peak amplitude. Zero
// amplitude means silence.
func speechFrames(n int, amplitude float32, startSeq uint64) []audio.Frame {
	frames := make([]audio.Frame, n)
	for i := range frames {
		samples := make([]float32, 480)
		for j := range samples {
			if j%2 == 0 {
				samples[j] = amplitude
			} else {
				samples[j] = -amplitude
			}
		}
		frames[i] = audio.Frame{Seq: startSeq + uint64(i), Samples: samples, Captured: time.Now()}
	}
	return frames
}

func TestSessionHappyPath(t *testing.T) {
	engine := &stubEngine{scripts: map[int]*segmentScript{
		30: {partials: []string{"he", "hell", "hello"}, final: "hello"},
	}}
	f := newFixture(t, testConfig(), engine, speechFrames(10, 0.3, 0))

	id, err := f.ctrl.Start(context.Background())
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	if id == "" {
		t.Fatal("expected a session id")
	}
	if err := f.ctrl.Stop(context.Background()); err != nil {
		t.Fatalf("stop: %v", err)
	}
	if got := f.ctrl.State(); got != StateIdle {
		t.Fatalf("expected idle after stop, got %v", got)
	}

	if got := f.sink.Text(); got != "hello" {
		t.Fatalf("expected injected text hello, got %q", got)
	}

	events := f.events.all()
	if len(events) != 5 {
		t.Fatalf("expected 3 partials + final + session end, got %d: %+v", len(events), events)
	}
	for i := 0; i < 3; i++ {
		if events[i].Kind != transcript.EventPartial || events[i].Revision != i+1 {
			t.Fatalf("event %d: expected partial revision %d, got %+v", i, i+1, events[i])
		}
	}
	if events[3].Kind != transcript.EventFinal || events[3].Text != "hello" {
		t.Fatalf("expected final hello, got %+v", events[3])
	}
	if events[4].Kind != transcript.EventSessionEnded || events[4].Aborted {
		t.Fatalf("expected clean session end, got %+v", events[4])
	}

	var states []string
	for _, st := range f.statuses.all() {
		states = append(states, st.State)
	}
	want := []string{"capturing", "draining", "idle"}
	if len(states) != len(want) {
		t.Fatalf("expected status states %v, got %v", want, states)
	}
	for i := range want {
		if states[i] != want[i] {
			t.Fatalf("status %d: expected %s, got %s", i, want[i], states[i])
		}
	}
}

func TestSilenceProducesNoSegments(t *testing.T) {
	engine := &stubEngine{scripts: map[int]*segmentScript{}}
	f := newFixture(t, testConfig(), engine, speechFrames(8, 0, 0))

	if _, err := f.ctrl.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	if err := f.ctrl.Stop(context.Background()); err != nil {
		t.Fatalf("stop: %v", err)
	}

	if got := f.sink.Text(); got != "" {
		t.Fatalf("expected no injected text, got %q", got)
	}
	events := f.events.all()
	if len(events) != 1 || events[0].Kind != transcript.EventSessionEnded {
		t.Fatalf("expected only a session end event, got %+v", events)
	}
	last := f.statuses.all()[len(f.statuses.all())-1]
	if last.Segments != 0 {
		t.Fatalf("expected zero segments, got %d", last.Segments)
	}
}

func TestDecodeFailureDoesNotPoisonLaterSegments(t *testing.T) {
	engine := &stubEngine{scripts: map[int]*segmentScript{
		30: {finalErr: errors.New("model crashed")},
		60: {final: "second"},
	}}
	var frames []audio.Frame
	frames = append(frames, speechFrames(6, 0.3, 0)...)
	frames = append(frames, speechFrames(4, 0, 6)...)
	frames = append(frames, speechFrames(6, 0.6, 10)...)
	f := newFixture(t, testConfig(), engine, frames)

	if _, err := f.ctrl.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	if err := f.ctrl.Stop(context.Background()); err != nil {
		t.Fatalf("stop: %v", err)
	}

	if got := f.sink.Text(); got != "second" {
		t.Fatalf("expected only the healthy segment injected, got %q", got)
	}

	events := f.events.all()
	if len(events) != 3 {
		t.Fatalf("expected two finals + session end, got %+v", events)
	}
	if events[0].Kind != transcript.EventFinal || events[0].SegmentID != 0 || events[0].Text != "" {
		t.Fatalf("expected empty final for failed segment 0, got %+v", events[0])
	}
	if events[1].Kind != transcript.EventFinal || events[1].SegmentID != 1 || events[1].Text != "second" {
		t.Fatalf("expected final for segment 1, got %+v", events[1])
	}
	if events[2].Kind != transcript.EventSessionEnded {
		t.Fatalf("expected session end, got %+v", events[2])
	}

	last := f.statuses.all()[len(f.statuses.all())-1]
	if last.Segments != 2 {
		t.Fatalf("expected two segments counted, got %d", last.Segments)
	}
}

func TestStartWhileActiveIsRejected(t *testing.T) {
	engine := &stubEngine{scripts: map[int]*segmentScript{}}
	f := newFixture(t, testConfig(), engine, nil)

	if _, err := f.ctrl.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	if _, err := f.ctrl.Start(context.Background()); !errors.Is(err, ErrSessionActive) {
		t.Fatalf("expected ErrSessionActive, got %v", err)
	}
	if err := f.ctrl.Stop(context.Background()); err != nil {
		t.Fatalf("stop: %v", err)
	}
}

func TestStopWithoutSessionFails(t *testing.T) {
	engine := &stubEngine{scripts: map[int]*segmentScript{}}
	f := newFixture(t, testConfig(), engine, nil)

	if err := f.ctrl.Stop(context.Background()); !errors.Is(err, ErrNoActiveSession) {
		t.Fatalf("expected ErrNoActiveSession, got %v", err)
	}
}

func TestAbortDiscardsAndIsIdempotent(t *testing.T) {
	engine := &stubEngine{scripts: map[int]*segmentScript{
		30: {final: "never injected"},
	}}
	f := newFixture(t, testConfig(), engine, speechFrames(10, 0.3, 0))

	// No active session: no-op.
	f.ctrl.Abort()

	if _, err := f.ctrl.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	f.ctrl.Abort()
	f.ctrl.Abort()

	if got := f.ctrl.State(); got != StateIdle {
		t.Fatalf("expected idle after abort, got %v", got)
	}
	if got := f.sink.Text(); got != "" {
		t.Fatalf("expected nothing injected after abort, got %q", got)
	}
	events := f.events.all()
	if len(events) == 0 {
		t.Fatal("expected a session end event")
	}
	last := events[len(events)-1]
	if last.Kind != transcript.EventSessionEnded || !last.Aborted {
		t.Fatalf("expected aborted session end, got %+v", last)
	}
	for _, e := range events[:len(events)-1] {
		if e.Kind == transcript.EventFinal {
			t.Fatalf("no finals should be delivered after abort, got %+v", e)
		}
	}

	// Session is gone; a fresh one can start.
	if _, err := f.ctrl.Start(context.Background()); err != nil {
		t.Fatalf("restart after abort: %v", err)
	}
	if err := f.ctrl.Stop(context.Background()); err != nil {
		t.Fatalf("stop: %v", err)
	}
}

// blockingEngine never completes a final pass until its context is canceled.
type blockingEngine struct{}

func (e *blockingEngine) Transcribe(ctx context.Context, _ []float32, final bool) (decoder.Result, error) {
	if !final {
		return decoder.Result{}, nil
	}
	<-ctx.Done()
	return decoder.Result{}, ctx.Err()
}

func (e *blockingEngine) Close() error { return nil }

func TestDrainTimeoutForcesTermination(t *testing.T) {
	cfg := testConfig()
	cfg.Session.DrainTimeoutMS = 50
	f := newFixture(t, cfg, &blockingEngine{}, speechFrames(10, 0.3, 0))

	if _, err := f.ctrl.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	err := f.ctrl.Stop(context.Background())
	if !errors.Is(err, ErrDrainTimeout) {
		t.Fatalf("expected ErrDrainTimeout, got %v", err)
	}
	if got := f.ctrl.State(); got != StateIdle {
		t.Fatalf("expected idle after forced termination, got %v", got)
	}
	events := f.events.all()
	last := events[len(events)-1]
	if last.Kind != transcript.EventSessionEnded || !last.Aborted {
		t.Fatalf("expected aborted session end after drain timeout, got %+v", last)
	}
}

func TestCaptureFailureAbortsSession(t *testing.T) {
	engine := &stubEngine{scripts: map[int]*segmentScript{
		30: {final: "hello"},
	}}
	f := newFixture(t, testConfig(), engine, speechFrames(10, 0.3, 0))

	if _, err := f.ctrl.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	f.source.errs <- audio.ErrDeviceUnavailable

	deadline := time.Now().Add(5 * time.Second)
	for f.ctrl.State() != StateIdle {
		if time.Now().After(deadline) {
			t.Fatal("session did not end after capture failure")
		}
		time.Sleep(5 * time.Millisecond)
	}

	events := f.events.all()
	if len(events) == 0 {
		t.Fatal("expected a session end event")
	}
	last := events[len(events)-1]
	if last.Kind != transcript.EventSessionEnded || !last.Aborted {
		t.Fatalf("expected aborted session end, got %+v", last)
	}

	var sawError bool
	for _, st := range f.statuses.all() {
		if st.Error != "" {
			sawError = true
		}
	}
	if !sawError {
		t.Fatal("expected capture error surfaced in status")
	}

	// Pipeline is ready for the next press-to-talk.
	if _, err := f.ctrl.Start(context.Background()); err != nil {
		t.Fatalf("restart after capture failure: %v", err)
	}
	if err := f.ctrl.Stop(context.Background()); err != nil {
		t.Fatalf("stop: %v", err)
	}
}
