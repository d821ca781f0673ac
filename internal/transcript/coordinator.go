package transcript

import (
	"log/slog"

	"github.com/loqalabs/loqa-dictate/internal/decoder"
)

// EventKind discriminates coordinator notifications.
type EventKind int

const (
	EventPartial EventKind = iota
	EventFinal
	EventSessionEnded
)

// Event mirrors what was delivered to the sink, for the UI boundary.
type Event struct {
	Kind      EventKind
	SegmentID int
	Revision  int
	Text      string
	Aborted   bool
}

type segmentState struct {
	base int // rune offset of this segment's text within the session
	text []rune
}

// Coordinator re-sequences hypotheses into session order and translates them
// into non-overlapping insert/replace operations against the sink.
//
// Hypotheses may arrive out of completion order across segments (never within
// one); a reorder buffer keyed by segment id holds them until every earlier
// segment has delivered its Final. Partials for the segment at the cursor are
// delivered immediately as replace operations covering only the changed
// suffix of the previously injected text.
//
// The coordinator is not safe for concurrent use: the session controller owns
// it and feeds it from a single collector goroutine.
type Coordinator struct {
	sink   Sink
	notify func(Event)
	log    *slog.Logger

	next       int // segment id currently allowed to deliver
	pending    map[int][]decoder.Hypothesis
	segments   map[int]*segmentState
	totalRunes int
	ended      bool
}

func NewCoordinator(sink Sink, notify func(Event), log *slog.Logger) *Coordinator {
	return &Coordinator{
		sink:     sink,
		notify:   notify,
		log:      log.With(slog.String("component", "coordinator")),
		pending:  make(map[int][]decoder.Hypothesis),
		segments: make(map[int]*segmentState),
	}
}

// Submit accepts one hypothesis. Safe to call with segments completing in any
// order; delivery happens strictly in segment-creation order.
func (c *Coordinator) Submit(h decoder.Hypothesis) {
	if c.ended {
		c.log.Debug("dropping hypothesis after session end", slog.Int("segment", h.SegmentID))
		return
	}
	if h.SegmentID < c.next {
		c.log.Warn("dropping hypothesis for finalized segment", slog.Int("segment", h.SegmentID))
		return
	}
	if h.SegmentID > c.next {
		c.pending[h.SegmentID] = append(c.pending[h.SegmentID], h)
		return
	}

	c.deliver(h)
	for h.Final {
		c.next++
		buffered := c.pending[c.next]
		if len(buffered) == 0 {
			return
		}
		delete(c.pending, c.next)
		var finalized bool
		for _, b := range buffered {
			c.deliver(b)
			finalized = b.Final
		}
		if !finalized {
			return
		}
		h = buffered[len(buffered)-1]
	}
}

// End closes the session stream. With aborted set, buffered undelivered
// results are discarded; otherwise the caller guarantees all finals have been
// submitted. Either way the terminal event is emitted exactly once and all
// per-segment delivery state is released.
func (c *Coordinator) End(aborted bool) {
	if c.ended {
		return
	}
	c.ended = true
	if !aborted && len(c.pending) > 0 {
		c.log.Warn("session ended with undelivered segments", slog.Int("pending", len(c.pending)))
	}
	c.pending = make(map[int][]decoder.Hypothesis)
	c.segments = make(map[int]*segmentState)
	c.emit(Event{Kind: EventSessionEnded, Aborted: aborted})
}

func (c *Coordinator) deliver(h decoder.Hypothesis) {
	state := c.segments[h.SegmentID]
	text := []rune(h.Text)

	switch {
	case state == nil && len(text) > 0:
		insert := string(text)
		base := c.totalRunes
		if c.totalRunes > 0 {
			insert = " " + insert
			base++
		}
		if err := c.sink.Insert(insert); err != nil {
			c.log.Warn("sink insert failed", slog.String("error", err.Error()))
		}
		c.totalRunes = base + len(text)
		c.segments[h.SegmentID] = &segmentState{base: base, text: text}

	case state != nil:
		prefix := commonPrefix(state.text, text)
		if prefix != len(state.text) || prefix != len(text) {
			start := state.base + prefix
			end := state.base + len(state.text)
			if err := c.sink.Replace(start, end, string(text[prefix:])); err != nil {
				c.log.Warn("sink replace failed", slog.String("error", err.Error()))
			}
			c.totalRunes += len(text) - len(state.text)
			state.text = text
		}
	}

	kind := EventPartial
	if h.Final {
		kind = EventFinal
		delete(c.segments, h.SegmentID)
	}
	c.emit(Event{Kind: kind, SegmentID: h.SegmentID, Revision: h.Revision, Text: h.Text})
}

func (c *Coordinator) emit(e Event) {
	if c.notify != nil {
		c.notify(e)
	}
}

func commonPrefix(a, b []rune) int {
	n := len(a)
	if len(b) < n {
		n = len(b)
	}
	for i := 0; i < n; i++ {
		if a[i] != b[i] {
			return i
		}
	}
	return n
}
