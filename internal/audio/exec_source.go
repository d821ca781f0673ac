package audio

import (
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"time"

	"github.com/mattn/go-shellwords"

	"github.com/loqalabs/loqa-dictate/internal/config"
)

// ExecSource spawns a capture command (arecord, sox, ffmpeg and friends) and
// reads raw little-endian PCM16 from its stdout, one frame at a time. The
// command is expected to emit interleaved samples at the configured rate and
// channel count; multi-channel input is downmixed to mono by averaging.
type ExecSource struct {
	cfg    config.AudioConfig
	ring   *Ring
	log    *slog.Logger
	args   []string
	cancel context.CancelFunc
	errs   chan error
	done   chan struct{}
}

func NewExecSource(cfg config.AudioConfig, ring *Ring, log *slog.Logger) (*ExecSource, error) {
	parser := shellwords.NewParser()
	args, err := parser.Parse(cfg.Command)
	if err != nil {
		return nil, fmt.Errorf("parse audio command: %w", err)
	}
	if len(args) == 0 {
		return nil, fmt.Errorf("audio command is empty")
	}
	if cfg.Device != "" {
		args = append(args, cfg.Device)
	}
	return &ExecSource{
		cfg:  cfg,
		ring: ring,
		log:  log.With(slog.String("component", "audio")),
		args: args,
		errs: make(chan error, 1),
	}, nil
}

func (s *ExecSource) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.done = make(chan struct{})

	cmd := exec.CommandContext(ctx, s.args[0], s.args[1:]...)
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		cancel()
		return fmt.Errorf("audio command stdout: %w", err)
	}
	if err := cmd.Start(); err != nil {
		cancel()
		return fmt.Errorf("start audio command: %w", err)
	}
	s.log.Info("capture command started", slog.String("command", s.args[0]))

	go func() {
		defer close(s.done)
		defer func() { _ = cmd.Wait() }()
		s.capture(ctx, stdout)
	}()
	return nil
}

func (s *ExecSource) capture(ctx context.Context, stdout io.Reader) {
	frameSamples := s.cfg.SampleRate * s.cfg.FrameDurationMS / 1000
	raw := make([]byte, frameSamples*s.cfg.Channels*2)
	var seq uint64

	for {
		if _, err := io.ReadFull(stdout, raw); err != nil {
			if ctx.Err() != nil {
				return
			}
			select {
			case s.errs <- fmt.Errorf("%w: %v", ErrDeviceUnavailable, err):
			default:
			}
			return
		}
		samples := make([]float32, frameSamples)
		for i := 0; i < frameSamples; i++ {
			var sum float32
			for ch := 0; ch < s.cfg.Channels; ch++ {
				off := (i*s.cfg.Channels + ch) * 2
				sum += float32(int16(binary.LittleEndian.Uint16(raw[off:]))) / 32768
			}
			samples[i] = sum / float32(s.cfg.Channels)
		}
		s.ring.Push(Frame{Seq: seq, Samples: samples, Captured: time.Now()})
		seq++
	}
}

func (s *ExecSource) Stop() {
	if s.cancel != nil {
		s.cancel()
		<-s.done
	}
}

func (s *ExecSource) Errors() <-chan error {
	return s.errs
}
