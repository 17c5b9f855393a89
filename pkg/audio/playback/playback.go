// Package playback schedules decoded model speech on an output device so that
// consecutive chunks play back-to-back with no gaps or overlaps, and so that
// all pending speech can be cancelled at once when the listener barges in.
//
// The scheduler keeps a virtual timeline cursor ("next start time") on the
// device's clock. Each enqueued frame starts at max(now, next) and advances
// the cursor by the frame's duration. Chunks that arrive late (after the
// cursor has fallen behind the device clock) therefore start immediately
// instead of being scheduled in the past.
package playback

import (
	"cmp"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/MrWong99/voicetwin/pkg/audio"
)

var (
	// ErrFormatMismatch is returned by [Scheduler.Enqueue] when a frame's
	// sample rate or channel count differs from the scheduler's fixed format.
	ErrFormatMismatch = errors.New("playback: frame format mismatch")

	// ErrClosed is returned by [Scheduler.Enqueue] after [Scheduler.Reset].
	ErrClosed = errors.New("playback: scheduler closed")
)

// UnitID identifies one scheduled playback unit on a [Device].
type UnitID uint64

// Unit is a single frame bound to an absolute start time on the device clock.
type Unit struct {
	ID    UnitID
	Frame audio.AudioFrame
	// Start is the position on the device clock at which playback begins.
	Start time.Duration
}

// End returns the device clock position at which the unit finishes.
func (u Unit) End() time.Duration { return u.Start + u.Frame.Duration() }

// Device is an audio output with a monotonically increasing clock.
//
// Implementations must be safe for concurrent use.
type Device interface {
	// Now returns the current position of the device clock.
	Now() time.Duration

	// Format returns the fixed format the device plays.
	Format() audio.Format

	// Play schedules u to start at u.Start. Units whose start is already in the
	// past begin immediately.
	Play(u Unit) error

	// Stop cancels a unit. Stopping a unit that has already ended or was never
	// scheduled is a no-op. A stopped unit is not reported on Ended.
	Stop(id UnitID)

	// Ended delivers the ID of every unit that finished playing naturally.
	Ended() <-chan UnitID

	// Close releases the device. Subsequent calls are no-ops.
	Close() error
}

// Option configures a [Scheduler] during construction.
type Option func(*Scheduler)

// WithLogger sets the logger used for device faults. Defaults to
// [slog.Default].
func WithLogger(l *slog.Logger) Option {
	return func(s *Scheduler) {
		if l != nil {
			s.log = l
		}
	}
}

// Scheduler places frames on the timeline of a single [Device].
//
// All exported methods are safe for concurrent use. The cursor and the active
// set are only ever mutated through the scheduler's own methods.
type Scheduler struct {
	dev    Device
	format audio.Format
	log    *slog.Logger

	mu     sync.Mutex
	next   time.Duration
	active map[UnitID]Unit
	seq    UnitID
	closed bool

	done     chan struct{}
	watchers sync.WaitGroup
}

// New binds a scheduler to dev. format is the fixed output format every frame
// must match; New fails if the device plays a different format.
func New(dev Device, format audio.Format, opts ...Option) (*Scheduler, error) {
	if dev == nil {
		return nil, errors.New("playback: device must not be nil")
	}
	if err := format.Validate(); err != nil {
		return nil, fmt.Errorf("playback: %w", err)
	}
	if got := dev.Format(); got != format {
		return nil, fmt.Errorf("%w: device plays %s, scheduler configured for %s", ErrFormatMismatch, got, format)
	}

	s := &Scheduler{
		dev:    dev,
		format: format,
		log:    slog.Default(),
		next:   dev.Now(),
		active: make(map[UnitID]Unit),
		done:   make(chan struct{}),
	}
	for _, o := range opts {
		o(s)
	}

	s.watchers.Add(1)
	go s.watchEnded()
	return s, nil
}

// Format returns the scheduler's fixed output format.
func (s *Scheduler) Format() audio.Format { return s.format }

// Enqueue schedules frame to start at max(now, next) and advances the cursor
// by the frame's duration. The returned unit carries the chosen start time.
func (s *Scheduler) Enqueue(frame audio.AudioFrame) (Unit, error) {
	if frame.Format() != s.format {
		return Unit{}, fmt.Errorf("%w: got %s, want %s", ErrFormatMismatch, frame.Format(), s.format)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return Unit{}, ErrClosed
	}

	start := max(s.dev.Now(), s.next)
	s.seq++
	u := Unit{ID: s.seq, Frame: frame, Start: start}

	if err := s.dev.Play(u); err != nil {
		s.log.Warn("playback: device rejected unit", "unit", u.ID, "start", start, "err", err)
		return Unit{}, fmt.Errorf("playback: play unit %d: %w", u.ID, err)
	}
	s.next = start + frame.Duration()
	s.active[u.ID] = u
	return u, nil
}

// Interrupt stops every active unit, empties the active set and resets the
// cursor to the device's current time. Calling it with nothing active only
// resets the cursor.
func (s *Scheduler) Interrupt() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.interruptLocked()
}

func (s *Scheduler) interruptLocked() {
	for id := range s.active {
		s.dev.Stop(id)
	}
	clear(s.active)
	s.next = s.dev.Now()
}

// Reset interrupts all playback and releases the device. The scheduler
// refuses further frames afterwards. Subsequent calls are no-ops.
func (s *Scheduler) Reset() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.interruptLocked()
	s.closed = true
	close(s.done)
	s.mu.Unlock()

	err := s.dev.Close()
	s.watchers.Wait()
	if err != nil {
		return fmt.Errorf("playback: close device: %w", err)
	}
	return nil
}

// NextStart returns the cursor: the device time at which the next enqueued
// frame would start if it arrived now or earlier.
func (s *Scheduler) NextStart() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.next
}

// Active returns the units currently scheduled or playing, ordered by start
// time.
func (s *Scheduler) Active() []Unit {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]Unit, 0, len(s.active))
	for _, u := range s.active {
		out = append(out, u)
	}
	slices.SortFunc(out, func(a, b Unit) int { return cmp.Compare(a.Start, b.Start) })
	return out
}

// Pending returns the amount of scheduled audio that has not played yet.
func (s *Scheduler) Pending() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return max(0, s.next-s.dev.Now())
}

func (s *Scheduler) watchEnded() {
	defer s.watchers.Done()
	ended := s.dev.Ended()
	for {
		select {
		case <-s.done:
			return
		case id, ok := <-ended:
			if !ok {
				return
			}
			s.unitEnded(id)
		}
	}
}

func (s *Scheduler) unitEnded(id UnitID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.active, id)
}
