package transcript

import (
	"io"
	"log/slog"
	"testing"

	"github.com/loqalabs/loqa-dictate/internal/decoder"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

func newTestCoordinator() (*Coordinator, *MemorySink, *[]Event) {
	sink := NewMemorySink()
	events := &[]Event{}
	c := NewCoordinator(sink, func(e Event) { *events = append(*events, e) }, testLogger())
	return c, sink, events
}

func partial(seg, rev int, text string) decoder.Hypothesis {
	return decoder.Hypothesis{SegmentID: seg, Revision: rev, Text: text}
}

func final(seg, rev int, text string) decoder.Hypothesis {
	return decoder.Hypothesis{SegmentID: seg, Revision: rev, Text: text, Final: true}
}

func TestPartialsBecomeSuffixReplacements(t *testing.T) {
	c, sink, events := newTestCoordinator()

	c.Submit(partial(0, 1, "he"))
	c.Submit(partial(0, 2, "hell"))
	c.Submit(partial(0, 3, "hello"))
	c.Submit(final(0, 4, "hello"))
	c.End(false)

	if got := sink.Text(); got != "hello" {
		t.Fatalf("expected injected text hello, got %q", got)
	}
	ops := sink.Ops()
	want := []string{`insert("he")`, `replace(2,2,"ll")`, `replace(4,4,"o")`}
	if len(ops) != len(want) {
		t.Fatalf("expected %d ops, got %v", len(want), ops)
	}
	for i := range want {
		if ops[i] != want[i] {
			t.Fatalf("op %d: expected %s, got %s", i, want[i], ops[i])
		}
	}

	// Exactly 4 transcript events for segment 0, then SessionEnded.
	if len(*events) != 5 {
		t.Fatalf("expected 5 events, got %d: %+v", len(*events), *events)
	}
	for i := 0; i < 3; i++ {
		e := (*events)[i]
		if e.Kind != EventPartial || e.Revision != i+1 {
			t.Fatalf("event %d: expected partial revision %d, got %+v", i, i+1, e)
		}
	}
	if (*events)[3].Kind != EventFinal || (*events)[3].Text != "hello" {
		t.Fatalf("expected final hello, got %+v", (*events)[3])
	}
	if (*events)[4].Kind != EventSessionEnded || (*events)[4].Aborted {
		t.Fatalf("expected clean session end, got %+v", (*events)[4])
	}
}

func TestRescoringRewritesEarlierText(t *testing.T) {
	c, sink, _ := newTestCoordinator()

	c.Submit(partial(0, 1, "recognize speech"))
	c.Submit(final(0, 2, "wreck a nice beach"))

	if got := sink.Text(); got != "wreck a nice beach" {
		t.Fatalf("expected rescored text, got %q", got)
	}
}

func TestOutOfOrderCompletionIsResequenced(t *testing.T) {
	c, sink, events := newTestCoordinator()

	// Segment 1 finishes before segment 0.
	c.Submit(partial(1, 1, "world"))
	c.Submit(final(1, 2, "world"))
	if got := sink.Text(); got != "" {
		t.Fatalf("segment 1 must wait for segment 0, sink has %q", got)
	}

	c.Submit(partial(0, 1, "hello"))
	c.Submit(final(0, 2, "hello"))
	c.End(false)

	if got := sink.Text(); got != "hello world" {
		t.Fatalf("expected ordered text, got %q", got)
	}

	// Events must come out in segment order despite submission order.
	var segs []int
	for _, e := range *events {
		if e.Kind == EventFinal {
			segs = append(segs, e.SegmentID)
		}
	}
	if len(segs) != 2 || segs[0] != 0 || segs[1] != 1 {
		t.Fatalf("expected finals for segments [0 1], got %v", segs)
	}
}

func TestChainedFlushAcrossBufferedSegments(t *testing.T) {
	c, sink, _ := newTestCoordinator()

	c.Submit(final(2, 1, "three"))
	c.Submit(final(1, 1, "two"))
	c.Submit(final(0, 1, "one"))

	if got := sink.Text(); got != "one two three" {
		t.Fatalf("expected full chain delivery, got %q", got)
	}
}

func TestEmptyFinalForFailedSegment(t *testing.T) {
	c, sink, events := newTestCoordinator()

	// Decode failed for segment 0: synthetic empty final, then segment 1
	// proceeds normally.
	c.Submit(final(0, 1, ""))
	c.Submit(partial(1, 1, "fine"))
	c.Submit(final(1, 2, "fine"))
	c.End(false)

	if got := sink.Text(); got != "fine" {
		t.Fatalf("expected only segment 1 text, got %q", got)
	}
	if (*events)[0].Kind != EventFinal || (*events)[0].SegmentID != 0 || (*events)[0].Text != "" {
		t.Fatalf("expected empty final for segment 0 first, got %+v", (*events)[0])
	}
}

func TestAbortDiscardsBufferedResults(t *testing.T) {
	c, sink, events := newTestCoordinator()

	c.Submit(final(1, 1, "late"))
	c.End(true)

	if got := sink.Text(); got != "" {
		t.Fatalf("expected no delivery after abort, got %q", got)
	}
	last := (*events)[len(*events)-1]
	if last.Kind != EventSessionEnded || !last.Aborted {
		t.Fatalf("expected aborted session end, got %+v", last)
	}

	// Late hypotheses after the end are dropped.
	c.Submit(final(0, 1, "too late"))
	if got := sink.Text(); got != "" {
		t.Fatalf("expected late hypothesis dropped, got %q", got)
	}
}

func TestEndIsIdempotent(t *testing.T) {
	c, _, events := newTestCoordinator()
	c.End(false)
	c.End(false)
	if len(*events) != 1 {
		t.Fatalf("expected exactly one session end event, got %d", len(*events))
	}
}
