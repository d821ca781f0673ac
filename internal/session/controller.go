package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"

	"github.com/loqalabs/loqa-dictate/internal/audio"
	"github.com/loqalabs/loqa-dictate/internal/config"
	"github.com/loqalabs/loqa-dictate/internal/decoder"
	"github.com/loqalabs/loqa-dictate/internal/protocol"
	"github.com/loqalabs/loqa-dictate/internal/transcript"
	"github.com/loqalabs/loqa-dictate/internal/vad"
)

var (
	// ErrSessionActive rejects Start while a session is not idle.
	ErrSessionActive = errors.New("dictation session already active")
	// ErrNoActiveSession rejects Stop when nothing is capturing.
	ErrNoActiveSession = errors.New("no active dictation session")
	// ErrDrainTimeout reports that pending decodes did not finish within the
	// drain window and the session was force-terminated.
	ErrDrainTimeout = errors.New("drain timeout exceeded")
)

// State is the session lifecycle state.
type State int

const (
	StateIdle State = iota
	StateCapturing
	StateDraining
	StateAborting
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateCapturing:
		return "capturing"
	case StateDraining:
		return "draining"
	case StateAborting:
		return "aborting"
	default:
		return "unknown"
	}
}

// Hooks let the service layer observe a session without the controller knowing
// about transports. All hooks are optional; nil hooks are skipped. Notify is
// invoked from the session's collector goroutine, OnStatus from whichever
// goroutine drove the transition.
type Hooks struct {
	NewSink  func(sessionID string) transcript.Sink
	Notify   func(sessionID string, e transcript.Event)
	OnStatus func(st protocol.SessionStatus)
}

// Controller owns the capture-to-transcript pipeline for one session at a
// time: frames are pumped from the ring through the segmenter, each segment is
// decoded on its own task goroutine, and a single collector feeds the
// coordinator.
type Controller struct {
	cfg       config.Config
	ring      *audio.Ring
	source    audio.Source
	segmenter *vad.Segmenter
	adapter   *decoder.Adapter
	hooks     Hooks
	log       *slog.Logger
	sem       chan struct{}

	droppedCounter     metric.Int64Counter
	decodeErrorCounter metric.Int64Counter

	mu      sync.Mutex
	state   State
	session *activeSession
}

type activeSession struct {
	id     string
	ctx    context.Context
	cancel context.CancelFunc
	coord  *transcript.Coordinator

	results  chan decoder.Hypothesis
	stopCh   chan struct{}
	stopOnce sync.Once
	pumpDone chan struct{}
	done     chan struct{}
	wg       sync.WaitGroup

	segments   atomic.Int32
	feedDrops  atomic.Uint64
	aborted    atomic.Bool
	finishOnce sync.Once
}

func NewController(cfg config.Config, ring *audio.Ring, source audio.Source, segmenter *vad.Segmenter, adapter *decoder.Adapter, hooks Hooks, log *slog.Logger) *Controller {
	concurrency := cfg.Decoder.Concurrency
	if concurrency < 1 {
		concurrency = 1
	}
	if hooks.NewSink == nil {
		hooks.NewSink = func(string) transcript.Sink { return transcript.NewMemorySink() }
	}
	c := &Controller{
		cfg:       cfg,
		ring:      ring,
		source:    source,
		segmenter: segmenter,
		adapter:   adapter,
		hooks:     hooks,
		log:       log.With(slog.String("component", "session")),
		sem:       make(chan struct{}, concurrency),
	}
	meter := otel.Meter("github.com/loqalabs/loqa-dictate/runtime")
	var err error
	if c.droppedCounter, err = meter.Int64Counter("dictate.frames.dropped"); err != nil {
		c.log.Warn("failed to initialize metrics", slog.String("error", err.Error()))
	}
	if c.decodeErrorCounter, err = meter.Int64Counter("dictate.decode.errors"); err != nil {
		c.log.Warn("failed to initialize metrics", slog.String("error", err.Error()))
	}
	return c
}

// State reports the current lifecycle state.
func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Status snapshots the current session for the status subject.
func (c *Controller) Status() protocol.SessionStatus {
	c.mu.Lock()
	sess := c.session
	state := c.state
	c.mu.Unlock()

	st := protocol.SessionStatus{State: state.String(), Timestamp: time.Now().UTC()}
	if sess != nil {
		st.SessionID = sess.id
		st.Segments = int(sess.segments.Load())
		st.FramesDropped = c.ring.Dropped() + sess.feedDrops.Load()
	}
	return st
}

// Start begins a new capture session. Exactly one session runs at a time;
// Start while not idle fails with ErrSessionActive.
func (c *Controller) Start(ctx context.Context) (string, error) {
	c.mu.Lock()
	if c.state != StateIdle {
		c.mu.Unlock()
		return "", ErrSessionActive
	}

	id := uuid.NewString()
	c.ring.Reset()
	c.segmenter.Reset()

	sctx, cancel := context.WithCancel(ctx)
	sess := &activeSession{
		id:       id,
		ctx:      sctx,
		cancel:   cancel,
		results:  make(chan decoder.Hypothesis, 64),
		stopCh:   make(chan struct{}),
		pumpDone: make(chan struct{}),
		done:     make(chan struct{}),
	}
	sess.coord = transcript.NewCoordinator(c.hooks.NewSink(id), func(e transcript.Event) {
		if c.hooks.Notify != nil {
			c.hooks.Notify(id, e)
		}
	}, c.log)
	c.session = sess
	c.state = StateCapturing
	c.mu.Unlock()

	if err := c.source.Start(sctx); err != nil {
		cancel()
		c.mu.Lock()
		c.session = nil
		c.state = StateIdle
		c.mu.Unlock()
		return "", fmt.Errorf("start capture: %w", err)
	}

	go c.pump(sess)
	go func() {
		<-sess.pumpDone
		sess.wg.Wait()
		close(sess.results)
	}()
	go c.collect(sess)
	go c.watchCapture(sess)

	c.log.Info("session started", slog.String("session_id", id))
	c.publishStatus(sess, StateCapturing, nil)
	return id, nil
}

// Stop ends capture and drains: remaining ring frames are segmented, the open
// segment is force-closed, and every pending decode delivers its Final before
// the terminal event. Blocks until drained or the drain timeout elapses; on
// timeout the session is force-terminated and ErrDrainTimeout returned.
func (c *Controller) Stop(ctx context.Context) error {
	c.mu.Lock()
	sess := c.session
	if sess == nil || c.state != StateCapturing {
		c.mu.Unlock()
		return ErrNoActiveSession
	}
	c.state = StateDraining
	c.mu.Unlock()

	c.log.Info("session draining", slog.String("session_id", sess.id))
	c.publishStatus(sess, StateDraining, nil)

	c.source.Stop()
	sess.stopOnce.Do(func() { close(sess.stopCh) })

	timeout := time.Duration(c.cfg.Session.DrainTimeoutMS) * time.Millisecond
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	var cause error
	select {
	case <-sess.done:
	case <-time.After(timeout):
		c.log.Warn("drain timeout, force-terminating", slog.String("session_id", sess.id))
		sess.aborted.Store(true)
		sess.cancel()
		<-sess.done
		cause = ErrDrainTimeout
	case <-ctx.Done():
		sess.aborted.Store(true)
		sess.cancel()
		<-sess.done
		cause = ctx.Err()
	}

	c.finish(sess, cause)
	return cause
}

// Abort discards the session immediately: in-flight decodes are canceled and
// nothing further is injected. Safe to call in any state; aborting with no
// active session is a no-op.
func (c *Controller) Abort() {
	c.mu.Lock()
	sess := c.session
	if sess == nil || c.state == StateAborting {
		c.mu.Unlock()
		return
	}
	c.state = StateAborting
	c.mu.Unlock()

	c.log.Info("session aborting", slog.String("session_id", sess.id))
	c.publishStatus(sess, StateAborting, nil)

	c.source.Stop()
	sess.aborted.Store(true)
	sess.cancel()
	<-sess.done

	c.finish(sess, nil)
}

// pump moves frames from the ring through the segmenter. On stop it drains
// whatever the ring still holds, then force-closes the open segment.
func (c *Controller) pump(sess *activeSession) {
	defer close(sess.pumpDone)

	var feed chan audio.Frame
	defer func() {
		if feed != nil {
			close(feed)
		}
	}()

	for {
		select {
		case <-sess.ctx.Done():
			return
		case <-sess.stopCh:
			for {
				f, ok := c.ring.Pop()
				if !ok {
					break
				}
				feed = c.dispatch(sess, feed, c.segmenter.Process(f))
			}
			feed = c.dispatch(sess, feed, c.segmenter.Flush())
			return
		default:
		}

		f, ok := c.ring.Pop()
		if !ok {
			select {
			case <-sess.ctx.Done():
				return
			case <-sess.stopCh:
			case <-time.After(time.Millisecond):
			}
			continue
		}
		feed = c.dispatch(sess, feed, c.segmenter.Process(f))
	}
}

// dispatch routes segmenter events: opens spawn a decode task fed over a
// bounded channel, audio frames are offered without blocking the pump, closes
// end the task's input.
func (c *Controller) dispatch(sess *activeSession, feed chan audio.Frame, events []vad.Event) chan audio.Frame {
	for _, ev := range events {
		switch ev.Kind {
		case vad.SegmentOpened:
			bufFrames := c.cfg.Session.FeedBufferFrames
			if bufFrames < 1 {
				bufFrames = 64
			}
			feed = make(chan audio.Frame, bufFrames)
			sess.segments.Add(1)
			sess.wg.Add(1)
			go c.decodeSegment(sess, c.adapter.Open(ev.SegmentID), feed)
			for _, pf := range ev.Prefill {
				c.offer(sess, feed, pf)
			}
		case vad.SegmentAudio:
			c.offer(sess, feed, ev.Frame)
		case vad.SegmentClosed:
			if feed != nil {
				close(feed)
				feed = nil
			}
		}
	}
	return feed
}

// offer hands a frame to the decode task. A full feed buffer drops the frame
// rather than stalling the pump; the decoder works from a slightly thinner
// segment and the drop shows up in the session counters.
func (c *Controller) offer(sess *activeSession, feed chan audio.Frame, f audio.Frame) {
	if feed == nil {
		return
	}
	select {
	case feed <- f:
	default:
		sess.feedDrops.Add(1)
		c.log.Debug("decode feed full, dropping frame", slog.Uint64("seq", f.Seq))
	}
}

// decodeSegment is one segment's decode task. It owns the decoder context
// exclusively: partials stream out as frames arrive, and the closed channel
// triggers the final pass. An aborted session context skips the final.
func (c *Controller) decodeSegment(sess *activeSession, dc *decoder.Context, feed <-chan audio.Frame) {
	defer sess.wg.Done()
	for {
		select {
		case <-sess.ctx.Done():
			return
		case f, ok := <-feed:
			if !ok {
				final, err := c.transcribeClose(sess, dc)
				if err != nil && sess.ctx.Err() == nil {
					if c.decodeErrorCounter != nil {
						c.decodeErrorCounter.Add(context.Background(), 1)
					}
					c.log.Warn("final decode failed",
						slog.Int("segment", dc.SegmentID()),
						slog.String("error", err.Error()))
				}
				select {
				case sess.results <- final:
				case <-sess.ctx.Done():
				}
				return
			}
			hyp, err := c.transcribeFeed(sess, dc, f)
			if err != nil {
				if sess.ctx.Err() != nil {
					return
				}
				if c.decodeErrorCounter != nil {
					c.decodeErrorCounter.Add(context.Background(), 1)
				}
				c.log.Warn("partial decode failed",
					slog.Int("segment", dc.SegmentID()),
					slog.String("error", err.Error()))
				continue
			}
			if hyp != nil {
				select {
				case sess.results <- *hyp:
				case <-sess.ctx.Done():
					return
				}
			}
		}
	}
}

// transcribeFeed and transcribeClose bound concurrent engine passes with the
// decoder semaphore so a slow model cannot fan out unbounded work.
func (c *Controller) transcribeFeed(sess *activeSession, dc *decoder.Context, f audio.Frame) (*decoder.Hypothesis, error) {
	select {
	case c.sem <- struct{}{}:
	case <-sess.ctx.Done():
		return nil, sess.ctx.Err()
	}
	defer func() { <-c.sem }()
	return c.adapter.Feed(sess.ctx, dc, f)
}

func (c *Controller) transcribeClose(sess *activeSession, dc *decoder.Context) (decoder.Hypothesis, error) {
	select {
	case c.sem <- struct{}{}:
	case <-sess.ctx.Done():
		return decoder.Hypothesis{SegmentID: dc.SegmentID(), Final: true}, sess.ctx.Err()
	}
	defer func() { <-c.sem }()
	return c.adapter.Close(sess.ctx, dc)
}

// collect is the only goroutine that touches the coordinator.
func (c *Controller) collect(sess *activeSession) {
	defer close(sess.done)
	for hyp := range sess.results {
		if sess.aborted.Load() {
			continue
		}
		sess.coord.Submit(hyp)
	}
	sess.coord.End(sess.aborted.Load())
}

// watchCapture aborts the session when the capture device fails mid-way:
// in-flight decodes are canceled and the terminal event is marked aborted.
func (c *Controller) watchCapture(sess *activeSession) {
	select {
	case <-sess.done:
		return
	case err, ok := <-c.source.Errors():
		if !ok || err == nil {
			return
		}
		c.log.Error("capture failed, aborting session",
			slog.String("session_id", sess.id),
			slog.String("error", err.Error()))

		c.mu.Lock()
		if c.session != sess || c.state == StateAborting {
			c.mu.Unlock()
			return
		}
		c.state = StateAborting
		c.mu.Unlock()

		c.publishStatus(sess, StateAborting, err)
		c.source.Stop()
		sess.aborted.Store(true)
		sess.cancel()
		<-sess.done
		c.finish(sess, err)
	}
}

func (c *Controller) finish(sess *activeSession, cause error) {
	sess.finishOnce.Do(func() {
		sess.cancel()
		c.mu.Lock()
		if c.session == sess {
			c.session = nil
			c.state = StateIdle
		}
		c.mu.Unlock()

		if dropped := c.ring.Dropped() + sess.feedDrops.Load(); dropped > 0 && c.droppedCounter != nil {
			c.droppedCounter.Add(context.Background(), int64(dropped))
		}
		c.log.Info("session finished",
			slog.String("session_id", sess.id),
			slog.Int("segments", int(sess.segments.Load())),
			slog.Uint64("frames_dropped", c.ring.Dropped()+sess.feedDrops.Load()),
			slog.Bool("aborted", sess.aborted.Load()))
		c.publishStatus(sess, StateIdle, cause)
	})
}

func (c *Controller) publishStatus(sess *activeSession, state State, cause error) {
	if c.hooks.OnStatus == nil {
		return
	}
	st := protocol.SessionStatus{
		SessionID:     sess.id,
		State:         state.String(),
		Segments:      int(sess.segments.Load()),
		FramesDropped: c.ring.Dropped() + sess.feedDrops.Load(),
		Timestamp:     time.Now().UTC(),
	}
	if cause != nil {
		st.Error = cause.Error()
	}
	c.hooks.OnStatus(st)
}
