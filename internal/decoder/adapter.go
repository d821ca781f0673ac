package decoder

import (
	"context"
	"log/slog"

	"github.com/loqalabs/loqa-dictate/internal/audio"
	"github.com/loqalabs/loqa-dictate/internal/config"
)

// Hypothesis is one decoder output for a segment. Revisions increase strictly
// per segment; each partial carries the full current best text and supersedes
// the previous partial. A Final is terminal for its segment id.
type Hypothesis struct {
	SegmentID int
	Revision  int
	Text      string
	Final     bool
}

// Context holds the streaming state for one segment's decode. It is uniquely
// owned by the segment's decode task; the Adapter never touches a Context
// from two goroutines.
type Context struct {
	segmentID       int
	samples         []float32
	revision        int
	framesSinceLast int
	lastText        string
	closed          bool
}

// SegmentID reports which segment this context decodes.
func (c *Context) SegmentID() int { return c.segmentID }

// Adapter feeds segment audio into an Engine incrementally and shapes the
// engine output into rate-limited, strictly-revisioned hypotheses. Partial
// emission is bounded to at most one per partialEveryFrames fed frames; the
// sliding window cap keeps partial passes from re-decoding unbounded audio.
type Adapter struct {
	engine             Engine
	log                *slog.Logger
	partialEveryFrames int
	maxContextSamples  int
	minPartialSamples  int
}

func NewAdapter(cfg config.DecoderConfig, audioCfg config.AudioConfig, engine Engine, log *slog.Logger) *Adapter {
	frameMS := audioCfg.FrameDurationMS
	if frameMS <= 0 {
		frameMS = 30
	}
	partialEvery := 0
	if cfg.PartialIntervalMS > 0 {
		partialEvery = cfg.PartialIntervalMS / frameMS
		if partialEvery < 1 {
			partialEvery = 1
		}
	}
	maxContext := cfg.ContextWindowMS * audioCfg.SampleRate / 1000
	return &Adapter{
		engine:             engine,
		log:                log.With(slog.String("component", "decoder")),
		partialEveryFrames: partialEvery,
		maxContextSamples:  maxContext,
		minPartialSamples:  audioCfg.SampleRate / 10,
	}
}

// Open creates a fresh decoding context for a segment. No state crosses
// segment boundaries.
func (a *Adapter) Open(segmentID int) *Context {
	return &Context{segmentID: segmentID}
}

// Feed appends one frame and, if the partial rate limit allows, runs a
// partial decode pass. Returns a hypothesis when a new partial was produced,
// nil when the frame was only buffered. An engine error is returned for
// logging; the segment keeps decoding.
func (a *Adapter) Feed(ctx context.Context, dc *Context, f audio.Frame) (*Hypothesis, error) {
	if dc.closed {
		return nil, nil
	}
	dc.samples = append(dc.samples, f.Samples...)
	if a.maxContextSamples > 0 && len(dc.samples) > a.maxContextSamples {
		dc.samples = dc.samples[len(dc.samples)-a.maxContextSamples:]
	}
	dc.framesSinceLast++

	if a.partialEveryFrames <= 0 || dc.framesSinceLast < a.partialEveryFrames {
		return nil, nil
	}
	if len(dc.samples) < a.minPartialSamples {
		return nil, nil
	}
	dc.framesSinceLast = 0

	result, err := a.engine.Transcribe(ctx, dc.samples, false)
	if err != nil {
		return nil, err
	}
	if result.Text == "" || result.Text == dc.lastText {
		return nil, nil
	}
	dc.revision++
	dc.lastText = result.Text
	return &Hypothesis{
		SegmentID: dc.segmentID,
		Revision:  dc.revision,
		Text:      result.Text,
	}, nil
}

// Close runs the final decode pass and consumes the context. A decode error
// yields a synthetic empty Final so the session can continue; the error is
// returned for logging.
func (a *Adapter) Close(ctx context.Context, dc *Context) (Hypothesis, error) {
	dc.closed = true
	final := Hypothesis{
		SegmentID: dc.segmentID,
		Revision:  dc.revision + 1,
		Final:     true,
	}
	result, err := a.engine.Transcribe(ctx, dc.samples, true)
	dc.samples = nil
	if err != nil {
		return final, err
	}
	final.Text = result.Text
	return final, nil
}
