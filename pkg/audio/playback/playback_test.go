package playback_test

import (
	"errors"
	"testing"
	"time"

	"github.com/MrWong99/voicetwin/pkg/audio"
	"github.com/MrWong99/voicetwin/pkg/audio/mock"
	"github.com/MrWong99/voicetwin/pkg/audio/playback"
)

var speechFormat = audio.Format{SampleRate: 24000, Channels: 1}

// frameOf returns a silent mono 24 kHz frame lasting d.
func frameOf(d time.Duration) audio.AudioFrame {
	n := int(d * 24000 / time.Second)
	return audio.AudioFrame{Samples: make([]int16, n), SampleRate: 24000, Channels: 1}
}

func newScheduler(t *testing.T) (*playback.Scheduler, *mock.Output) {
	t.Helper()
	out := mock.NewOutput(speechFormat)
	s, err := playback.New(out, speechFormat)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { _ = s.Reset() })
	return s, out
}

// waitActive polls until the scheduler reports n active units.
func waitActive(t *testing.T, s *playback.Scheduler, n int) {
	t.Helper()
	deadline := time.After(3 * time.Second)
	for len(s.Active()) != n {
		select {
		case <-deadline:
			t.Fatalf("timed out waiting for %d active units, have %d", n, len(s.Active()))
		case <-time.After(5 * time.Millisecond):
		}
	}
}

func TestNew_RejectsDeviceFormatMismatch(t *testing.T) {
	t.Parallel()

	out := mock.NewOutput(audio.Format{SampleRate: 48000, Channels: 2})
	_, err := playback.New(out, speechFormat)
	if !errors.Is(err, playback.ErrFormatMismatch) {
		t.Fatalf("want ErrFormatMismatch, got %v", err)
	}
}

func TestNew_RejectsNilDevice(t *testing.T) {
	t.Parallel()

	if _, err := playback.New(nil, speechFormat); err == nil {
		t.Fatal("expected error for nil device")
	}
}

func TestEnqueue_BackToBack(t *testing.T) {
	t.Parallel()

	s, out := newScheduler(t)

	// Three chunks of 0.5s arriving while the clock stands at zero.
	for range 3 {
		if _, err := s.Enqueue(frameOf(500 * time.Millisecond)); err != nil {
			t.Fatalf("Enqueue: %v", err)
		}
	}

	played := out.Played()
	if len(played) != 3 {
		t.Fatalf("played %d units, want 3", len(played))
	}
	wantStarts := []time.Duration{0, 500 * time.Millisecond, time.Second}
	for i, u := range played {
		if u.Start != wantStarts[i] {
			t.Errorf("unit %d start = %v, want %v", i, u.Start, wantStarts[i])
		}
	}
	if got := s.NextStart(); got != 1500*time.Millisecond {
		t.Errorf("NextStart = %v, want 1.5s", got)
	}
	if got := len(s.Active()); got != 3 {
		t.Errorf("Active = %d, want 3", got)
	}
}

func TestEnqueue_LateChunkStartsNow(t *testing.T) {
	t.Parallel()

	s, out := newScheduler(t)

	if _, err := s.Enqueue(frameOf(200 * time.Millisecond)); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	// The device clock runs past the cursor before the next chunk arrives.
	out.Advance(2 * time.Second)

	u, err := s.Enqueue(frameOf(300 * time.Millisecond))
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	if u.Start != 2*time.Second {
		t.Errorf("late unit start = %v, want 2s", u.Start)
	}
	if got := s.NextStart(); got != 2300*time.Millisecond {
		t.Errorf("NextStart = %v, want 2.3s", got)
	}
}

func TestEnqueue_CursorNeverBehindLastEnd(t *testing.T) {
	t.Parallel()

	s, out := newScheduler(t)

	var lastEnd time.Duration
	steps := []time.Duration{0, 100 * time.Millisecond, 0, 900 * time.Millisecond, 50 * time.Millisecond}
	for _, step := range steps {
		out.Advance(step)
		u, err := s.Enqueue(frameOf(250 * time.Millisecond))
		if err != nil {
			t.Fatalf("Enqueue: %v", err)
		}
		if u.Start < lastEnd {
			t.Errorf("unit %d starts at %v, overlapping previous end %v", u.ID, u.Start, lastEnd)
		}
		if u.Start < out.Now() {
			t.Errorf("unit %d starts at %v, before device time %v", u.ID, u.Start, out.Now())
		}
		lastEnd = u.End()
		if s.NextStart() < lastEnd {
			t.Errorf("cursor %v behind last end %v", s.NextStart(), lastEnd)
		}
	}
}

func TestEnqueue_FormatMismatch(t *testing.T) {
	t.Parallel()

	s, out := newScheduler(t)

	_, err := s.Enqueue(audio.AudioFrame{Samples: make([]int16, 160), SampleRate: 16000, Channels: 1})
	if !errors.Is(err, playback.ErrFormatMismatch) {
		t.Fatalf("want ErrFormatMismatch, got %v", err)
	}
	if len(out.Played()) != 0 {
		t.Error("mismatched frame reached the device")
	}
	if s.NextStart() != 0 {
		t.Errorf("cursor moved to %v on rejected frame", s.NextStart())
	}
}

func TestEnqueue_DeviceErrorLeavesCursor(t *testing.T) {
	t.Parallel()

	out := mock.NewOutput(speechFormat)
	out.PlayErr = errors.New("device gone")
	s, err := playback.New(out, speechFormat)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer s.Reset()

	if _, err := s.Enqueue(frameOf(time.Second)); err == nil {
		t.Fatal("expected error from device")
	}
	if s.NextStart() != 0 || len(s.Active()) != 0 {
		t.Errorf("scheduler state changed after failed play: next=%v active=%d", s.NextStart(), len(s.Active()))
	}
}

func TestEndedUnitsLeaveActiveSet(t *testing.T) {
	t.Parallel()

	s, out := newScheduler(t)

	for range 2 {
		if _, err := s.Enqueue(frameOf(500 * time.Millisecond)); err != nil {
			t.Fatalf("Enqueue: %v", err)
		}
	}
	out.Advance(500 * time.Millisecond)
	waitActive(t, s, 1)

	out.Advance(500 * time.Millisecond)
	waitActive(t, s, 0)
}

func TestInterrupt_StopsAllAndResetsCursor(t *testing.T) {
	t.Parallel()

	s, out := newScheduler(t)

	// Three 0.5s units; interrupt at t=0.7s while the second one plays.
	var ids []playback.UnitID
	for range 3 {
		u, err := s.Enqueue(frameOf(500 * time.Millisecond))
		if err != nil {
			t.Fatalf("Enqueue: %v", err)
		}
		ids = append(ids, u.ID)
	}
	out.Advance(700 * time.Millisecond)
	waitActive(t, s, 2)

	s.Interrupt()

	if len(s.Active()) != 0 {
		t.Errorf("Active = %d after interrupt, want 0", len(s.Active()))
	}
	if got := s.NextStart(); got != 700*time.Millisecond {
		t.Errorf("NextStart = %v, want 0.7s", got)
	}
	stopped := map[playback.UnitID]bool{}
	for _, id := range out.Stopped() {
		stopped[id] = true
	}
	if !stopped[ids[1]] || !stopped[ids[2]] {
		t.Errorf("stopped = %v, want units %d and %d", out.Stopped(), ids[1], ids[2])
	}

	// A chunk arriving right after the interrupt starts immediately.
	u, err := s.Enqueue(frameOf(100 * time.Millisecond))
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	if u.Start != 700*time.Millisecond {
		t.Errorf("post-interrupt start = %v, want 0.7s", u.Start)
	}
}

func TestInterrupt_Idempotent(t *testing.T) {
	t.Parallel()

	s, out := newScheduler(t)
	out.Advance(time.Second)

	s.Interrupt()
	s.Interrupt()

	if got := s.NextStart(); got != time.Second {
		t.Errorf("NextStart = %v, want 1s", got)
	}
	if len(out.Stopped()) != 0 {
		t.Errorf("stopped %v with nothing active", out.Stopped())
	}
}

func TestReset_ReleasesDeviceAndRefusesFrames(t *testing.T) {
	t.Parallel()

	out := mock.NewOutput(speechFormat)
	s, err := playback.New(out, speechFormat)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if _, err := s.Enqueue(frameOf(time.Second)); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	if err := s.Reset(); err != nil {
		t.Fatalf("Reset: %v", err)
	}
	if err := s.Reset(); err != nil {
		t.Fatalf("second Reset: %v", err)
	}
	if out.CallCountClose != 1 {
		t.Errorf("device closed %d times, want 1", out.CallCountClose)
	}
	if len(out.Stopped()) != 1 {
		t.Errorf("stopped %d units on reset, want 1", len(out.Stopped()))
	}
	if _, err := s.Enqueue(frameOf(time.Second)); !errors.Is(err, playback.ErrClosed) {
		t.Errorf("Enqueue after Reset: want ErrClosed, got %v", err)
	}
}

func TestPending(t *testing.T) {
	t.Parallel()

	s, out := newScheduler(t)
	if _, err := s.Enqueue(frameOf(time.Second)); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	out.Advance(400 * time.Millisecond)
	if got := s.Pending(); got != 600*time.Millisecond {
		t.Errorf("Pending = %v, want 0.6s", got)
	}
	out.Advance(time.Second)
	if got := s.Pending(); got != 0 {
		t.Errorf("Pending = %v, want 0", got)
	}
}
