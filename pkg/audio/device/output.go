// Package device provides a wall-clock [playback.Device] that releases each
// scheduled unit to a [Sink] at its start time. It is the output side used
// when the real speaker lives on the far end of a network stream (e.g., a
// browser tab): the sink forwards PCM as it becomes due, and a flush tells
// the far end to drop whatever it has buffered.
package device

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/MrWong99/voicetwin/pkg/audio"
	"github.com/MrWong99/voicetwin/pkg/audio/playback"
)

// Compile-time interface assertion.
var _ playback.Device = (*Output)(nil)

// Sink receives frames when they become due.
//
// Implementations must be safe for concurrent use.
type Sink interface {
	// WriteFrame hands a frame to the speaker. It is called at the frame's
	// scheduled start time and must not block for long.
	WriteFrame(f audio.AudioFrame) error

	// Flush discards audio the speaker has buffered but not played yet.
	Flush() error
}

// Option configures an [Output].
type Option func(*Output)

// WithLogger sets the logger used for sink errors.
func WithLogger(l *slog.Logger) Option {
	return func(o *Output) {
		if l != nil {
			o.log = l
		}
	}
}

// WithEndedBuffer sets the capacity of the ended-unit channel. Defaults to 64.
func WithEndedBuffer(n int) Option {
	return func(o *Output) {
		if n > 0 {
			o.endedBuf = n
		}
	}
}

type unitTimers struct {
	start   *time.Timer
	end     *time.Timer
	written bool
}

// Output is a [playback.Device] whose clock is the wall-clock time elapsed
// since construction.
type Output struct {
	format   audio.Format
	sink     Sink
	log      *slog.Logger
	epoch    time.Time
	endedBuf int

	// sinkMu orders a unit's WriteFrame before the Flush that stops it.
	sinkMu sync.Mutex

	mu     sync.Mutex
	units  map[playback.UnitID]*unitTimers
	ended  chan playback.UnitID
	done   chan struct{}
	closed bool
}

// NewOutput creates an Output that plays format through sink.
func NewOutput(sink Sink, format audio.Format, opts ...Option) (*Output, error) {
	if sink == nil {
		return nil, fmt.Errorf("device: sink must not be nil")
	}
	if err := format.Validate(); err != nil {
		return nil, fmt.Errorf("device: %w", err)
	}
	o := &Output{
		format:   format,
		sink:     sink,
		log:      slog.Default(),
		epoch:    time.Now(),
		endedBuf: 64,
		units:    make(map[playback.UnitID]*unitTimers),
		done:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(o)
	}
	o.ended = make(chan playback.UnitID, o.endedBuf)
	return o, nil
}

// Now implements [playback.Device].
func (o *Output) Now() time.Duration { return time.Since(o.epoch) }

// Format implements [playback.Device].
func (o *Output) Format() audio.Format { return o.format }

// Play implements [playback.Device]. The frame is written to the sink at
// u.Start and the unit is reported ended at u.End().
func (o *Output) Play(u playback.Unit) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.closed {
		return fmt.Errorf("device: play unit %d: output closed", u.ID)
	}

	now := o.Now()
	ut := &unitTimers{}
	o.units[u.ID] = ut
	ut.start = time.AfterFunc(max(0, u.Start-now), func() { o.release(u) })
	ut.end = time.AfterFunc(max(0, u.End()-now), func() { o.finish(u.ID) })
	return nil
}

func (o *Output) release(u playback.Unit) {
	o.sinkMu.Lock()
	defer o.sinkMu.Unlock()

	o.mu.Lock()
	ut, ok := o.units[u.ID]
	if !ok || o.closed {
		o.mu.Unlock()
		return
	}
	ut.written = true
	o.mu.Unlock()

	if err := o.sink.WriteFrame(u.Frame); err != nil {
		o.log.Warn("device: sink write failed", "unit", u.ID, "err", err)
	}
}

// finish reports id on the ended channel. It waits for the reader rather
// than dropping the notification, and gives up only when the output closes.
func (o *Output) finish(id playback.UnitID) {
	o.mu.Lock()
	if _, ok := o.units[id]; !ok || o.closed {
		o.mu.Unlock()
		return
	}
	delete(o.units, id)
	o.mu.Unlock()

	select {
	case o.ended <- id:
	case <-o.done:
	}
}

// Stop implements [playback.Device]. If the unit's audio has already been
// handed to the sink the sink is flushed.
func (o *Output) Stop(id playback.UnitID) {
	o.mu.Lock()
	ut, ok := o.units[id]
	if !ok {
		o.mu.Unlock()
		return
	}
	delete(o.units, id)
	ut.start.Stop()
	ut.end.Stop()
	written := ut.written
	o.mu.Unlock()

	if written {
		o.sinkMu.Lock()
		defer o.sinkMu.Unlock()
		if err := o.sink.Flush(); err != nil {
			o.log.Warn("device: sink flush failed", "unit", id, "err", err)
		}
	}
}

// Ended implements [playback.Device].
func (o *Output) Ended() <-chan playback.UnitID { return o.ended }

// Close implements [playback.Device]. Pending units are cancelled without
// reaching the sink, and undelivered ended notifications are discarded. The
// ended channel is left open; it simply receives nothing more.
func (o *Output) Close() error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.closed {
		return nil
	}
	o.closed = true
	close(o.done)
	for id, ut := range o.units {
		ut.start.Stop()
		ut.end.Stop()
		delete(o.units, id)
	}
	return nil
}
