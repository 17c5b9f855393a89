// Package capture turns a live microphone stream into fixed-size, encoded PCM
// chunks ready to be sent to a realtime voice model.
//
// A [Pipeline] reads arbitrary-length float sample blocks from a [Source],
// groups them into frames of exactly [Config.FrameSize] samples at the
// device's native rate, converts each frame to 16-bit PCM, resamples it to the
// transport rate when the device runs at a different rate, and base64-encodes
// the result. Chunks are emitted in strict capture order.
//
// A pipeline is single-use: Start it once, Stop it once. Build a new pipeline
// for every session.
package capture

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/MrWong99/voicetwin/pkg/audio"
	"github.com/MrWong99/voicetwin/pkg/audio/codec"
)

const (
	// DefaultFrameSize is the number of samples per captured frame.
	DefaultFrameSize = 4096

	// DefaultSampleRate is the transport sample rate for microphone audio.
	DefaultSampleRate = 16000

	defaultChunkBuffer = 16
)

var (
	// ErrStreamEnded is reported inside a [DeviceError] when the source's
	// sample channel closed without the source recording a cause.
	ErrStreamEnded = errors.New("capture: device stream ended")

	// ErrAlreadyStarted is returned by [Pipeline.Start] on a second call.
	ErrAlreadyStarted = errors.New("capture: pipeline already started")

	// ErrStopped is returned by [Pipeline.Start] after [Pipeline.Stop].
	ErrStopped = errors.New("capture: pipeline stopped")
)

// Source is a live microphone stream.
//
// Implementations must be safe for concurrent use.
type Source interface {
	// Samples delivers blocks of mono float samples in [-1.0, 1.0]. The
	// channel is closed when the stream ends for any reason.
	Samples() <-chan []float32

	// SampleRate is the device's native rate in Hz.
	SampleRate() int

	// Err returns the reason the stream ended, or nil if it has not ended or
	// ended because of Close.
	Err() error

	// Close stops the device and releases it. Subsequent calls are no-ops.
	Close() error
}

// DeviceError reports that the microphone stopped delivering audio while the
// pipeline was running.
type DeviceError struct {
	Err error
}

func (e *DeviceError) Error() string { return "capture: device error: " + e.Err.Error() }

func (e *DeviceError) Unwrap() error { return e.Err }

// Config controls framing and the transport rate.
type Config struct {
	// FrameSize is the number of native-rate samples per frame.
	FrameSize int `yaml:"frame_size"`

	// SampleRate is the rate of emitted PCM in Hz.
	SampleRate int `yaml:"sample_rate"`
}

// DefaultConfig returns a 4096-sample, 16 kHz configuration.
func DefaultConfig() Config {
	return Config{FrameSize: DefaultFrameSize, SampleRate: DefaultSampleRate}
}

// Validate reports every invalid field.
func (c Config) Validate() error {
	var errs []error
	if c.FrameSize <= 0 {
		errs = append(errs, fmt.Errorf("capture: frame size must be positive, got %d", c.FrameSize))
	}
	if c.SampleRate <= 0 {
		errs = append(errs, fmt.Errorf("capture: sample rate must be positive, got %d", c.SampleRate))
	}
	return errors.Join(errs...)
}

// Chunk is one encoded frame.
type Chunk struct {
	// Seq counts frames from zero in capture order.
	Seq uint64

	// Encoded is the text-safe payload for the transport.
	Encoded codec.EncodedChunk

	// Frame holds the PCM samples at the transport rate.
	Frame audio.AudioFrame
}

// Option configures a [Pipeline] during construction.
type Option func(*Pipeline)

// WithLogger sets the pipeline logger. Defaults to [slog.Default].
func WithLogger(l *slog.Logger) Option {
	return func(p *Pipeline) {
		if l != nil {
			p.log = l
		}
	}
}

// WithChunkBuffer sets the capacity of the [Pipeline.Chunks] channel.
func WithChunkBuffer(n int) Option {
	return func(p *Pipeline) {
		if n > 0 {
			p.chunkBuf = n
		}
	}
}

// Pipeline frames, converts and encodes microphone audio.
type Pipeline struct {
	cfg      Config
	log      *slog.Logger
	chunkBuf int

	chunks   chan Chunk
	failures chan error

	mu      sync.Mutex
	src     Source
	started bool
	stopped bool
	stop    chan struct{}
	wg      sync.WaitGroup
}

// New validates cfg and returns an idle pipeline.
func New(cfg Config, opts ...Option) (*Pipeline, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	p := &Pipeline{
		cfg:      cfg,
		log:      slog.Default(),
		chunkBuf: defaultChunkBuffer,
		failures: make(chan error, 1),
		stop:     make(chan struct{}),
	}
	for _, o := range opts {
		o(p)
	}
	p.chunks = make(chan Chunk, p.chunkBuf)
	return p, nil
}

// Chunks returns the channel of encoded frames. It is closed once the worker
// exits, either after [Pipeline.Stop] or after a device failure.
func (p *Pipeline) Chunks() <-chan Chunk { return p.chunks }

// Failures receives at most one [*DeviceError] if the source ends while the
// pipeline is running.
func (p *Pipeline) Failures() <-chan error { return p.failures }

// Start attaches src and begins producing chunks. The pipeline owns src from
// here on and closes it in Stop. ctx bounds the worker's lifetime.
func (p *Pipeline) Start(ctx context.Context, src Source) error {
	if src == nil {
		return errors.New("capture: source must not be nil")
	}
	if src.SampleRate() <= 0 {
		return fmt.Errorf("capture: source sample rate must be positive, got %d", src.SampleRate())
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	switch {
	case p.stopped:
		return ErrStopped
	case p.started:
		return ErrAlreadyStarted
	}
	p.started = true
	p.src = src

	if src.SampleRate() != p.cfg.SampleRate {
		p.log.Info("capture: resampling microphone",
			"device_rate", src.SampleRate(),
			"transport_rate", p.cfg.SampleRate,
		)
	}

	p.wg.Add(1)
	go p.run(ctx, src)
	return nil
}

// Stop detaches and closes the source and waits for the worker to exit. No
// chunk is delivered after Stop returns. Subsequent calls are no-ops.
func (p *Pipeline) Stop() error {
	p.mu.Lock()
	if p.stopped {
		p.mu.Unlock()
		return nil
	}
	p.stopped = true
	close(p.stop)
	src := p.src
	started := p.started
	p.mu.Unlock()

	var err error
	if src != nil {
		if cerr := src.Close(); cerr != nil {
			err = fmt.Errorf("capture: close source: %w", cerr)
		}
	}
	p.wg.Wait()
	if !started {
		close(p.chunks)
	}
	// Discard frames still buffered so that nothing surfaces after Stop.
	audio.Drain(p.chunks)
	return err
}

func (p *Pipeline) run(ctx context.Context, src Source) {
	defer p.wg.Done()
	defer close(p.chunks)

	conv := audio.FormatConverter{Target: audio.Format{SampleRate: p.cfg.SampleRate, Channels: 1}}
	nativeRate := src.SampleRate()
	buf := make([]float32, 0, p.cfg.FrameSize*2)
	var seq uint64

	for {
		select {
		case <-p.stop:
			return
		case <-ctx.Done():
			return
		case block, ok := <-src.Samples():
			if !ok {
				p.reportEnded(src)
				return
			}
			buf = append(buf, block...)
			for len(buf) >= p.cfg.FrameSize {
				native := audio.AudioFrame{
					Samples:    codec.FloatToPCM16(buf[:p.cfg.FrameSize]),
					SampleRate: nativeRate,
					Channels:   1,
				}
				buf = append(buf[:0], buf[p.cfg.FrameSize:]...)

				frame := conv.Convert(native)
				frame.Timestamp = time.Duration(seq) * time.Duration(p.cfg.FrameSize) * time.Second / time.Duration(nativeRate)
				chunk := Chunk{
					Seq:     seq,
					Encoded: codec.EncodePCM16(frame.Samples, frame.SampleRate),
					Frame:   frame,
				}
				seq++

				select {
				case p.chunks <- chunk:
				case <-p.stop:
					return
				case <-ctx.Done():
					return
				}
			}
		}
	}
}

// reportEnded records a device failure unless the stream ended because the
// pipeline was stopped.
func (p *Pipeline) reportEnded(src Source) {
	select {
	case <-p.stop:
		return
	default:
	}
	cause := src.Err()
	if cause == nil {
		cause = ErrStreamEnded
	}
	p.log.Warn("capture: microphone stream ended", "err", cause)
	select {
	case p.failures <- &DeviceError{Err: cause}:
	default:
	}
}
