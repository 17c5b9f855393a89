// Package twin implements the session controller of the digital-twin voice
// overlay.
//
// A [Controller] owns at most one session at a time. Opening a session
// acquires the microphone and the speaker, starts the provider handshake and,
// once the provider accepts the session, streams captured microphone chunks
// to the model while scheduling the model's speech for gapless playback.
//
// Every event that changes a session (provider events, capture failures and
// user requests) is handled on one goroutine per session, so the session's
// state never needs to be reconciled across concurrent callbacks. Sessions
// end in [StateClosed] with a [Reason]; there is no automatic reconnect.
package twin

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/MrWong99/voicetwin/internal/observe"
	"github.com/MrWong99/voicetwin/pkg/audio"
	"github.com/MrWong99/voicetwin/pkg/audio/capture"
	"github.com/MrWong99/voicetwin/pkg/audio/codec"
	"github.com/MrWong99/voicetwin/pkg/audio/playback"
	"github.com/MrWong99/voicetwin/pkg/provider/s2s"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

const (
	// DefaultPlaybackRate is used when neither the config nor the provider
	// name an output rate.
	DefaultPlaybackRate = 24000

	recordTimeout = 5 * time.Second
	subscriberBuf = 8
)

// Devices acquires the audio endpoints of one session. Both are released by
// the controller when the session closes.
type Devices interface {
	// OpenInput acquires the microphone.
	OpenInput(ctx context.Context) (capture.Source, error)

	// OpenOutput acquires a speaker that plays format.
	OpenOutput(ctx context.Context, format audio.Format) (playback.Device, error)
}

// Recorder archives closed sessions.
type Recorder interface {
	Save(ctx context.Context, rec Record) error
}

// Config is the fixed configuration applied to every new session.
type Config struct {
	// Voice is the provider's prebuilt voice name.
	Voice string

	// Instructions is the persona sent as the system instruction.
	Instructions string

	// OutputTranscription requests the text of the model's speech.
	OutputTranscription bool

	// Capture controls microphone framing. A zero SampleRate selects the
	// provider's input rate.
	Capture capture.Config

	// PlaybackRate is the speaker rate in Hz. Zero selects the provider's
	// output rate.
	PlaybackRate int
}

// Validate reports every invalid field.
func (c Config) Validate() error {
	var errs []error
	if c.Capture.FrameSize < 0 {
		errs = append(errs, fmt.Errorf("twin: capture frame size must not be negative, got %d", c.Capture.FrameSize))
	}
	if c.Capture.SampleRate < 0 {
		errs = append(errs, fmt.Errorf("twin: capture sample rate must not be negative, got %d", c.Capture.SampleRate))
	}
	if c.PlaybackRate < 0 {
		errs = append(errs, fmt.Errorf("twin: playback rate must not be negative, got %d", c.PlaybackRate))
	}
	return errors.Join(errs...)
}

// ── Options ────────────────────────────────────────────────────────────────────

// Option configures a [Controller].
type Option func(*Controller)

// WithLogger sets the base logger. Session records additionally carry the
// session's trace ID. Default: slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(c *Controller) { c.log = l }
}

// WithMetrics sets the metric instruments. Defaults to [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(c *Controller) {
		if m != nil {
			c.metrics = m
		}
	}
}

// WithRecorder archives every closed session through r.
func WithRecorder(r Recorder) Option {
	return func(c *Controller) { c.recorder = r }
}

// ── Controller ─────────────────────────────────────────────────────────────────

// Controller drives the overlay's voice sessions. All exported methods are
// safe for concurrent use.
type Controller struct {
	provider s2s.Provider
	devices  Devices
	log      *slog.Logger
	metrics  *observe.Metrics
	recorder Recorder

	mu     sync.Mutex
	cfg    Config
	cur    *session
	status Status
	subs   map[chan Status]struct{}
}

// New builds an idle controller.
func New(provider s2s.Provider, devices Devices, cfg Config, opts ...Option) (*Controller, error) {
	if provider == nil {
		return nil, errors.New("twin: provider must not be nil")
	}
	if devices == nil {
		return nil, errors.New("twin: devices must not be nil")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	c := &Controller{
		provider: provider,
		devices:  devices,
		cfg:      cfg,
		status:   Status{State: StateIdle, Provider: provider.Capabilities().Name},
		subs:     make(map[chan Status]struct{}),
	}
	for _, o := range opts {
		o(c)
	}
	if c.metrics == nil {
		c.metrics = observe.DefaultMetrics()
	}
	return c, nil
}

// Reconfigure replaces the configuration used by the next [Controller.Open].
// A session that is already running keeps the configuration it started with.
func (c *Controller) Reconfigure(cfg Config) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cfg = cfg
	return nil
}

// CaptureRate is the rate at which microphone chunks are sent to the
// provider.
func (c *Controller) CaptureRate() int {
	c.mu.Lock()
	cfg := c.cfg
	c.mu.Unlock()
	return c.captureConfig(cfg).SampleRate
}

// PlaybackFormat is the fixed speaker format.
func (c *Controller) PlaybackFormat() audio.Format {
	c.mu.Lock()
	cfg := c.cfg
	c.mu.Unlock()
	return c.playbackFormat(cfg)
}

func (c *Controller) captureConfig(cfg Config) capture.Config {
	cc := cfg.Capture
	if cc.FrameSize == 0 {
		cc.FrameSize = capture.DefaultFrameSize
	}
	if cc.SampleRate == 0 {
		cc.SampleRate = c.provider.Capabilities().InputSampleRate
	}
	if cc.SampleRate <= 0 {
		cc.SampleRate = capture.DefaultSampleRate
	}
	return cc
}

func (c *Controller) playbackFormat(cfg Config) audio.Format {
	rate := cfg.PlaybackRate
	if rate == 0 {
		rate = c.provider.Capabilities().OutputSampleRate
	}
	if rate <= 0 {
		rate = DefaultPlaybackRate
	}
	return audio.Format{SampleRate: rate, Channels: 1}
}

// ── Observers ──────────────────────────────────────────────────────────────────

// Status returns a snapshot of the current session.
func (c *Controller) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.status
}

// State returns the current lifecycle state.
func (c *Controller) State() State { return c.Status().State }

// Reason returns why the last session closed, or [ReasonNone].
func (c *Controller) Reason() Reason { return c.Status().Reason }

// Transcript returns the joined transcript of the current or most recent
// session.
func (c *Controller) Transcript() string {
	c.mu.Lock()
	s := c.cur
	c.mu.Unlock()
	if s == nil {
		return ""
	}
	return s.transcript.String()
}

// Fragments returns the raw transcript fragments of the current or most
// recent session.
func (c *Controller) Fragments() []string {
	c.mu.Lock()
	s := c.cur
	c.mu.Unlock()
	if s == nil {
		return nil
	}
	return s.transcript.Fragments()
}

// Subscribe returns a channel that receives every status change, starting
// with the current status. Slow subscribers only miss intermediate updates;
// the newest status always replaces an unread one. Call cancel to
// unsubscribe; it closes the channel.
func (c *Controller) Subscribe() (updates <-chan Status, cancel func()) {
	ch := make(chan Status, subscriberBuf)
	c.mu.Lock()
	c.subs[ch] = struct{}{}
	ch <- c.status
	c.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			c.mu.Lock()
			delete(c.subs, ch)
			close(ch)
			c.mu.Unlock()
		})
	}
}

// publishLocked fans st out without blocking. Callers hold c.mu.
func (c *Controller) publishLocked() {
	st := c.status
	for ch := range c.subs {
		select {
		case ch <- st:
			continue
		default:
		}
		select {
		case <-ch:
		default:
		}
		select {
		case ch <- st:
		default:
		}
	}
}

// ── Lifecycle ──────────────────────────────────────────────────────────────────

type connectResult struct {
	sess s2s.Session
	err  error
}

// session is the state of one Open..closed cycle. Apart from the immutable
// fields and transcript, it is only touched by the session loop.
type session struct {
	id       string
	provider string
	cfg      Config
	openedAt time.Time
	ctx      context.Context
	cancel   context.CancelFunc
	span     trace.Span
	log      *slog.Logger
	attrs    metric.MeasurementOption

	transcript TranscriptBuffer

	closeReq  chan struct{}
	closeOnce sync.Once
	done      chan struct{}

	src        capture.Source
	sched      *playback.Scheduler
	pipe       *capture.Pipeline
	captureCfg capture.Config
	outputRate int
	conv       audio.FormatConverter

	transport s2s.Session
	pending   chan connectResult
	live      bool
	forwarder sync.WaitGroup
}

// Open starts a new session. It is allowed from idle and closed, acquires the
// audio devices and starts the provider handshake, then returns without
// waiting for the provider to accept. It returns [ErrSessionActive] while a
// session is connecting or live.
//
// The session outlives ctx; only [Controller.Close] or a fault ends it.
func (c *Controller) Open(ctx context.Context) error {
	c.mu.Lock()
	if c.status.State.Active() {
		c.mu.Unlock()
		return ErrSessionActive
	}
	cfg := c.cfg
	caps := c.provider.Capabilities()

	s := &session{
		id:       uuid.NewString(),
		provider: caps.Name,
		cfg:      cfg,
		openedAt: time.Now(),
		closeReq: make(chan struct{}),
		done:     make(chan struct{}),
		attrs:    metric.WithAttributes(attribute.String("provider", caps.Name)),
	}
	s.captureCfg = c.captureConfig(cfg)
	format := c.playbackFormat(cfg)
	s.conv.Target = format
	s.outputRate = caps.OutputSampleRate
	if s.outputRate <= 0 {
		s.outputRate = format.SampleRate
	}

	sctx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	sctx, s.span = observe.StartSessionSpan(sctx, s.id, caps.Name)
	s.ctx, s.cancel = sctx, cancel
	base := c.log
	if base == nil {
		base = slog.Default()
	}
	s.log = observe.WithTrace(base, sctx).With("session_id", s.id, "provider", caps.Name)

	c.cur = s
	c.status = Status{
		SessionID: s.id,
		Provider:  caps.Name,
		State:     StateConnecting,
		OpenedAt:  s.openedAt,
	}
	c.publishLocked()
	c.mu.Unlock()

	c.metrics.RecordSessionOpened(sctx, caps.Name)
	s.log.Info("twin: opening session",
		"voice", cfg.Voice,
		"capture_rate", s.captureCfg.SampleRate,
		"playback_rate", format.SampleRate,
	)

	if err := c.acquire(ctx, s, format); err != nil {
		c.finish(s, ReasonDeviceError, err)
		return fmt.Errorf("twin: open: %w", err)
	}

	go c.run(s)
	return nil
}

// acquire opens the speaker and the microphone and builds the per-session
// pipeline stages.
func (c *Controller) acquire(ctx context.Context, s *session, format audio.Format) error {
	out, err := c.devices.OpenOutput(ctx, format)
	if err != nil {
		return fmt.Errorf("open output: %w", err)
	}
	sched, err := playback.New(out, format, playback.WithLogger(s.log))
	if err != nil {
		_ = out.Close()
		return err
	}
	s.sched = sched

	src, err := c.devices.OpenInput(ctx)
	if err != nil {
		return fmt.Errorf("open input: %w", &capture.DeviceError{Err: err})
	}
	s.src = src

	pipe, err := capture.New(s.captureCfg, capture.WithLogger(s.log))
	if err != nil {
		return err
	}
	s.pipe = pipe
	return nil
}

// Close ends the current session with [ReasonUserClosed] and waits until its
// resources are released. It is a no-op when no session is active.
func (c *Controller) Close() error {
	c.mu.Lock()
	s := c.cur
	c.mu.Unlock()
	if s == nil {
		return nil
	}
	s.closeOnce.Do(func() { close(s.closeReq) })
	<-s.done
	return nil
}

// run is the session loop. It owns every mutable field of s.
func (c *Controller) run(s *session) {
	s.pending = make(chan connectResult, 1)
	go func(pending chan<- connectResult) {
		sess, err := c.provider.Connect(s.ctx, s2s.SessionConfig{
			Voice:               s.cfg.Voice,
			Instructions:        s.cfg.Instructions,
			OutputTranscription: s.cfg.OutputTranscription,
			InputSampleRate:     s.captureCfg.SampleRate,
		})
		pending <- connectResult{sess: sess, err: err}
	}(s.pending)

	var (
		events   <-chan s2s.Event
		failures <-chan error
	)
	for {
		select {
		case <-s.closeReq:
			c.finish(s, ReasonUserClosed, nil)
			return

		case r := <-s.pending:
			s.pending = nil
			if r.err != nil {
				c.metrics.RecordProviderError(s.ctx, s.provider, "connect")
				c.finish(s, ReasonTransportError, r.err)
				return
			}
			s.transport = r.sess
			events = r.sess.Events()

		case ev, ok := <-events:
			if !ok {
				c.finish(s, ReasonRemoteClosed, nil)
				return
			}
			if terminal, reason, err := c.handle(s, ev); terminal {
				c.finish(s, reason, err)
				return
			}
			if s.live && failures == nil {
				failures = s.pipe.Failures()
			}

		case err := <-failures:
			c.finish(s, ReasonDeviceError, err)
			return
		}
	}
}

// handle applies one provider event. It reports whether the event ends the
// session.
func (c *Controller) handle(s *session, ev s2s.Event) (terminal bool, reason Reason, err error) {
	switch ev := ev.(type) {
	case s2s.Opened:
		if s.live {
			return false, ReasonNone, nil
		}
		if err := s.pipe.Start(s.ctx, s.src); err != nil {
			return true, ReasonDeviceError, err
		}
		s.live = true
		s.forwarder.Add(1)
		go c.forward(s)

		c.metrics.RecordConnected(s.ctx, s.provider, time.Since(s.openedAt))
		s.log.Info("twin: session live", "connect_latency", time.Since(s.openedAt))
		c.mu.Lock()
		c.status.State = StateLive
		c.publishLocked()
		c.mu.Unlock()

	case s2s.AudioChunk:
		c.play(s, ev.Chunk)

	case s2s.TranscriptFragment:
		if ev.Text == "" {
			break
		}
		s.transcript.Append(ev.Text)
		c.mu.Lock()
		c.status.Transcript = s.transcript.String()
		c.publishLocked()
		c.mu.Unlock()

	case s2s.Interrupted:
		s.sched.Interrupt()
		c.metrics.PlaybackInterrupts.Add(s.ctx, 1, s.attrs)
		s.log.Debug("twin: playback interrupted")

	case s2s.TurnComplete:
		s.log.Debug("twin: turn complete", "pending_playback", s.sched.Pending())

	case s2s.Closed:
		if ev.Err != nil {
			c.metrics.RecordProviderError(s.ctx, s.provider, "transport")
			return true, ReasonTransportError, ev.Err
		}
		return true, ReasonRemoteClosed, nil
	}
	return false, ReasonNone, nil
}

// play decodes one speech chunk and schedules it. Chunks that do not decode
// are dropped.
func (c *Controller) play(s *session, chunk codec.EncodedChunk) {
	rate := s.outputRate
	if chunk.MIMEType != "" {
		r, err := codec.ParseRate(chunk.MIMEType)
		if err != nil {
			c.dropChunk(s, err)
			return
		}
		rate = r
	}
	samples, err := codec.DecodePCM16(chunk)
	if err != nil {
		c.dropChunk(s, err)
		return
	}
	if len(samples) == 0 {
		return
	}

	frame := s.conv.Convert(audio.AudioFrame{Samples: samples, SampleRate: rate, Channels: 1})
	if len(frame.Samples) == 0 {
		return
	}
	if _, err := s.sched.Enqueue(frame); err != nil {
		s.log.Warn("twin: schedule speech", "err", err)
		return
	}
	c.metrics.ChunksReceived.Add(s.ctx, 1, s.attrs)
}

func (c *Controller) dropChunk(s *session, err error) {
	c.metrics.DecodeErrors.Add(s.ctx, 1, s.attrs)
	s.log.Warn("twin: dropping malformed speech chunk", "err", err)
}

// forward sends captured chunks to the provider until the pipeline stops.
func (c *Controller) forward(s *session) {
	defer s.forwarder.Done()
	for chunk := range s.pipe.Chunks() {
		if err := s.transport.SendAudio(s.ctx, chunk.Encoded); err != nil {
			if errors.Is(err, s2s.ErrSessionClosed) || s.ctx.Err() != nil {
				return
			}
			s.log.Warn("twin: send microphone chunk", "seq", chunk.Seq, "err", err)
			continue
		}
		c.metrics.ChunksSent.Add(s.ctx, 1, s.attrs)
	}
}

// finish tears the session down in order (capture, playback, microphone,
// transport) and publishes the terminal status.
func (c *Controller) finish(s *session, reason Reason, cause error) {
	s.cancel()
	if s.pipe != nil {
		if err := s.pipe.Stop(); err != nil {
			s.log.Debug("twin: stop capture", "err", err)
		}
	}
	s.forwarder.Wait()
	if s.sched != nil {
		if err := s.sched.Reset(); err != nil {
			s.log.Debug("twin: reset playback", "err", err)
		}
	}
	if s.src != nil {
		if err := s.src.Close(); err != nil {
			s.log.Debug("twin: release microphone", "err", err)
		}
	}
	if s.transport != nil {
		if err := s.transport.Close(); err != nil {
			s.log.Debug("twin: close transport", "err", err)
		}
	}
	if s.pending != nil {
		// Connect observes s.ctx, which is already cancelled. A session it
		// hands back anyway must be released before the slot frees.
		if r := <-s.pending; r.sess != nil {
			if err := r.sess.Close(); err != nil {
				s.log.Debug("twin: close late transport", "err", err)
			}
		}
		s.pending = nil
	}

	closedAt := time.Now()
	ctx := context.WithoutCancel(s.ctx)
	c.metrics.RecordSessionClosed(ctx, s.provider, string(reason), closedAt.Sub(s.openedAt))

	observe.EndSessionSpan(s.span, string(reason), cause)

	if cause != nil {
		s.log.Warn("twin: session closed", "reason", reason, "err", cause)
	} else {
		s.log.Info("twin: session closed", "reason", reason)
	}

	c.mu.Lock()
	c.status.State = StateClosed
	c.status.Reason = reason
	c.status.Err = cause
	c.status.ClosedAt = closedAt
	c.status.Transcript = s.transcript.String()
	c.publishLocked()
	c.mu.Unlock()

	if c.recorder != nil {
		rec := Record{
			ID:        s.id,
			Provider:  s.provider,
			OpenedAt:  s.openedAt,
			ClosedAt:  closedAt,
			Reason:    reason,
			Fragments: s.transcript.Fragments(),
		}
		if cause != nil {
			rec.Error = cause.Error()
		}
		rctx, cancel := context.WithTimeout(ctx, recordTimeout)
		if err := c.recorder.Save(rctx, rec); err != nil {
			s.log.Warn("twin: archive session", "err", err)
		}
		cancel()
	}
	close(s.done)
}
