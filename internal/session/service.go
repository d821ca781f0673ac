package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"

	"github.com/loqalabs/loqa-dictate/internal/audio"
	"github.com/loqalabs/loqa-dictate/internal/bus"
	"github.com/loqalabs/loqa-dictate/internal/config"
	"github.com/loqalabs/loqa-dictate/internal/decoder"
	"github.com/loqalabs/loqa-dictate/internal/history"
	"github.com/loqalabs/loqa-dictate/internal/protocol"
	"github.com/loqalabs/loqa-dictate/internal/transcript"
	"github.com/loqalabs/loqa-dictate/internal/vad"
)

// Service exposes the session controller over the bus: request-reply start,
// stop and abort, plus broadcast status, transcript and text-op streams. It
// also mirrors finalized transcripts into the history store.
type Service struct {
	cfg   config.Config
	bus   *bus.Client
	ctrl  *Controller
	store *history.Store
	log   *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	subs   []*nats.Subscription
	ready  bool

	mu          sync.Mutex
	lastOutcome string

	meter             metric.Meter
	sessionsStarted   metric.Int64Counter
	segmentsFinalized metric.Int64Counter
	sessionsAborted   metric.Int64Counter
}

func NewService(parent context.Context, cfg config.Config, busClient *bus.Client, store *history.Store, ring *audio.Ring, source audio.Source, segmenter *vad.Segmenter, adapter *decoder.Adapter, log *slog.Logger) *Service {
	ctx, cancel := context.WithCancel(parent)
	s := &Service{
		cfg:    cfg,
		bus:    busClient,
		store:  store,
		log:    log.With(slog.String("component", "session-service")),
		ctx:    ctx,
		cancel: cancel,
		meter:  otel.Meter("github.com/loqalabs/loqa-dictate/runtime"),
	}
	s.initMetrics()

	hooks := Hooks{
		NewSink:  s.newSink,
		Notify:   s.publishTranscript,
		OnStatus: s.publishStatus,
	}
	s.ctrl = NewController(cfg, ring, source, segmenter, adapter, hooks, log)
	return s
}

func (s *Service) initMetrics() {
	var err error
	if s.sessionsStarted, err = s.meter.Int64Counter("dictate.sessions.started"); err != nil {
		s.log.Warn("failed to initialize metrics", slogError(err))
		return
	}
	if s.segmentsFinalized, err = s.meter.Int64Counter("dictate.segments.finalized"); err != nil {
		s.log.Warn("failed to initialize metrics", slogError(err))
		return
	}
	if s.sessionsAborted, err = s.meter.Int64Counter("dictate.sessions.aborted"); err != nil {
		s.log.Warn("failed to initialize metrics", slogError(err))
	}
}

// Controller exposes the underlying state machine, mainly for health checks.
func (s *Service) Controller() *Controller {
	return s.ctrl
}

func (s *Service) Start() error {
	conn := s.bus.Conn()

	startSub, err := conn.Subscribe(protocol.SubjectSessionStart, s.handleStart)
	if err != nil {
		return fmt.Errorf("subscribe session start: %w", err)
	}
	s.subs = append(s.subs, startSub)

	stopSub, err := conn.Subscribe(protocol.SubjectSessionStop, s.handleStop)
	if err != nil {
		return fmt.Errorf("subscribe session stop: %w", err)
	}
	s.subs = append(s.subs, stopSub)

	abortSub, err := conn.Subscribe(protocol.SubjectSessionAbort, s.handleAbort)
	if err != nil {
		return fmt.Errorf("subscribe session abort: %w", err)
	}
	s.subs = append(s.subs, abortSub)

	s.ready = true
	return nil
}

func (s *Service) Close() {
	s.ctrl.Abort()
	s.cancel()
	for _, sub := range s.subs {
		_ = sub.Drain()
	}
}

func (s *Service) Healthy() bool {
	return s.ready
}

func (s *Service) handleStart(msg *nats.Msg) {
	var req protocol.StartRequest
	if len(msg.Data) > 0 {
		if err := json.Unmarshal(msg.Data, &req); err != nil {
			s.log.Warn("malformed start request", slogError(err))
		}
	}

	var reply protocol.StartReply
	id, err := s.ctrl.Start(s.ctx)
	if err != nil {
		reply.Error = err.Error()
	} else {
		reply.SessionID = id
		if s.sessionsStarted != nil {
			s.sessionsStarted.Add(s.ctx, 1)
		}
		if err := s.store.BeginSession(s.ctx, id); err != nil {
			s.log.Warn("failed to record session start", slogError(err))
		}
	}
	s.respond(msg, reply)
}

func (s *Service) handleStop(msg *nats.Msg) {
	st := s.ctrl.Status()
	var reply protocol.StopReply
	reply.SessionID = st.SessionID
	if err := s.ctrl.Stop(s.ctx); err != nil {
		reply.Error = err.Error()
	}
	s.respond(msg, reply)
}

func (s *Service) handleAbort(msg *nats.Msg) {
	st := s.ctrl.Status()
	s.ctrl.Abort()
	if s.sessionsAborted != nil && st.SessionID != "" {
		s.sessionsAborted.Add(s.ctx, 1)
	}
	s.respond(msg, protocol.StopReply{SessionID: st.SessionID})
}

func (s *Service) respond(msg *nats.Msg, reply any) {
	if msg.Reply == "" {
		return
	}
	data, err := json.Marshal(reply)
	if err != nil {
		s.log.Warn("failed to marshal reply", slogError(err))
		return
	}
	if err := msg.Respond(data); err != nil {
		s.log.Warn("failed to respond", slogError(err))
	}
}

func (s *Service) newSink(sessionID string) transcript.Sink {
	return transcript.NewBusSink(s.bus, sessionID)
}

func (s *Service) publishTranscript(sessionID string, e transcript.Event) {
	evt := protocol.TranscriptEvent{
		SessionID: sessionID,
		SegmentID: e.SegmentID,
		Revision:  e.Revision,
		Text:      e.Text,
		Aborted:   e.Aborted,
		Timestamp: time.Now().UTC(),
	}
	switch e.Kind {
	case transcript.EventPartial:
		evt.Type = protocol.EventTypePartial
	case transcript.EventFinal:
		evt.Type = protocol.EventTypeFinal
		if s.segmentsFinalized != nil {
			s.segmentsFinalized.Add(s.ctx, 1)
		}
		if err := s.store.AppendUtterance(s.ctx, history.Utterance{
			SessionID: sessionID,
			SegmentID: e.SegmentID,
			Text:      e.Text,
		}); err != nil {
			s.log.Warn("failed to record utterance", slogError(err))
		}
	case transcript.EventSessionEnded:
		evt.Type = protocol.EventTypeSessionEnded
		outcome := "completed"
		if e.Aborted {
			outcome = "aborted"
		}
		s.mu.Lock()
		s.lastOutcome = outcome
		s.mu.Unlock()
	}

	data, err := json.Marshal(evt)
	if err != nil {
		s.log.Warn("failed to marshal transcript event", slogError(err))
		return
	}
	if err := s.bus.Conn().Publish(protocol.SubjectTranscriptEvent, data); err != nil {
		s.log.Warn("failed to publish transcript event", slogError(err))
	}
}

func (s *Service) publishStatus(st protocol.SessionStatus) {
	if st.State == StateIdle.String() && st.SessionID != "" {
		s.mu.Lock()
		outcome := s.lastOutcome
		s.lastOutcome = ""
		s.mu.Unlock()
		if outcome == "" {
			outcome = "completed"
		}
		if st.Error != "" {
			outcome = "failed"
		}
		if err := s.store.FinishSession(s.ctx, st.SessionID, outcome, st.Segments, st.FramesDropped); err != nil {
			s.log.Warn("failed to record session end", slogError(err))
		}
	}

	data, err := json.Marshal(st)
	if err != nil {
		s.log.Warn("failed to marshal session status", slogError(err))
		return
	}
	if err := s.bus.Conn().Publish(protocol.SubjectSessionStatus, data); err != nil {
		// Shutdown races a final status publish; only warn while running.
		if !errors.Is(err, nats.ErrConnectionClosed) {
			s.log.Warn("failed to publish session status", slogError(err))
		}
	}
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
