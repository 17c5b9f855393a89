// Package mock provides in-memory implementations of the [playback.Device]
// and [capture.Source] interfaces for use in unit tests.
//
// All mocks are safe for concurrent use. They record every method call so that
// tests can assert on call counts and arguments, and they expose exported fields
// that the test can set to control return values.
//
// Typical usage:
//
//	out := mock.NewOutput(audio.Format{SampleRate: 24000, Channels: 1})
//	sched, _ := playback.New(out, out.Format())
//	sched.Enqueue(frame)
//	out.Advance(500 * time.Millisecond) // reports ended units
//
//	mic := mock.NewSource(48000)
//	mic.Push(make([]float32, 4096))
//	mic.Fail(errors.New("unplugged"))
package mock

import (
	"sync"
	"time"

	"github.com/MrWong99/voicetwin/pkg/audio"
	"github.com/MrWong99/voicetwin/pkg/audio/capture"
	"github.com/MrWong99/voicetwin/pkg/audio/playback"
)

// ─── Output ───────────────────────────────────────────────────────────────────

// Compile-time interface assertion.
var _ playback.Device = (*Output)(nil)

// Output is a mock [playback.Device] with a manually advanced clock. Units
// are "played" by moving the clock past their end with [Output.Advance].
type Output struct {
	mu sync.Mutex

	// PlayErr is returned by [Output.Play] when non-nil.
	PlayErr error

	// CloseErr is returned by [Output.Close].
	CloseErr error

	// CallCountClose records how many times Close was called.
	CallCountClose int

	format  audio.Format
	now     time.Duration
	played  []playback.Unit
	stopped []playback.UnitID
	pending map[playback.UnitID]playback.Unit
	ended   chan playback.UnitID
	closed  bool
}

// NewOutput creates an Output that plays format. Its clock starts at zero.
func NewOutput(format audio.Format) *Output {
	return &Output{
		format:  format,
		pending: make(map[playback.UnitID]playback.Unit),
		ended:   make(chan playback.UnitID, 256),
	}
}

// Now implements [playback.Device].
func (o *Output) Now() time.Duration {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.now
}

// Format implements [playback.Device].
func (o *Output) Format() audio.Format { return o.format }

// Play implements [playback.Device]. It records u.
func (o *Output) Play(u playback.Unit) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.PlayErr != nil {
		return o.PlayErr
	}
	o.played = append(o.played, u)
	o.pending[u.ID] = u
	return nil
}

// Stop implements [playback.Device]. It records id.
func (o *Output) Stop(id playback.UnitID) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.stopped = append(o.stopped, id)
	delete(o.pending, id)
}

// Ended implements [playback.Device].
func (o *Output) Ended() <-chan playback.UnitID { return o.ended }

// Close implements [playback.Device].
func (o *Output) Close() error {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.CallCountClose++
	o.closed = true
	return o.CloseErr
}

// Advance moves the clock forward by d and reports every pending unit whose
// end now lies at or before the clock on [Output.Ended].
func (o *Output) Advance(d time.Duration) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.now += d
	for id, u := range o.pending {
		if u.End() <= o.now {
			delete(o.pending, id)
			select {
			case o.ended <- id:
			default:
			}
		}
	}
}

// Played returns a copy of every unit passed to Play, in call order.
func (o *Output) Played() []playback.Unit {
	o.mu.Lock()
	defer o.mu.Unlock()
	out := make([]playback.Unit, len(o.played))
	copy(out, o.played)
	return out
}

// Stopped returns a copy of every id passed to Stop, in call order.
func (o *Output) Stopped() []playback.UnitID {
	o.mu.Lock()
	defer o.mu.Unlock()
	out := make([]playback.UnitID, len(o.stopped))
	copy(out, o.stopped)
	return out
}

// Closed reports whether Close has been called.
func (o *Output) Closed() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.closed
}

// ─── Source ───────────────────────────────────────────────────────────────────

// Compile-time interface assertion.
var _ capture.Source = (*Source)(nil)

// Source is a mock [capture.Source] fed by the test through [Source.Push].
type Source struct {
	mu sync.Mutex

	// CloseErr is returned by [Source.Close].
	CloseErr error

	// CallCountClose records how many times Close was called.
	CallCountClose int

	rate    int
	samples chan []float32
	err     error
	ended   bool
}

// NewSource creates a Source that reports rate as its native sample rate.
func NewSource(rate int) *Source {
	return &Source{rate: rate, samples: make(chan []float32, 64)}
}

// Samples implements [capture.Source].
func (s *Source) Samples() <-chan []float32 { return s.samples }

// SampleRate implements [capture.Source].
func (s *Source) SampleRate() int { return s.rate }

// Err implements [capture.Source].
func (s *Source) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Close implements [capture.Source]. It ends the sample stream.
func (s *Source) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.CallCountClose++
	s.endLocked()
	return s.CloseErr
}

// Push delivers one block of samples. Blocks pushed after the stream ended
// are dropped.
func (s *Source) Push(block []float32) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ended {
		return
	}
	s.samples <- block
}

// Fail records err and ends the sample stream, as a device disconnect would.
func (s *Source) Fail(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.err = err
	s.endLocked()
}

// Closed reports whether Close has been called at least once.
func (s *Source) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.CallCountClose > 0
}

func (s *Source) endLocked() {
	if !s.ended {
		s.ended = true
		close(s.samples)
	}
}
