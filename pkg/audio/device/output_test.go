package device_test

import (
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/MrWong99/voicetwin/pkg/audio"
	"github.com/MrWong99/voicetwin/pkg/audio/device"
	"github.com/MrWong99/voicetwin/pkg/audio/playback"
)

var format = audio.Format{SampleRate: 24000, Channels: 1}

type recordingSink struct {
	mu      sync.Mutex
	frames  []audio.AudioFrame
	times   []time.Time
	flushes int
}

func (s *recordingSink) WriteFrame(f audio.AudioFrame) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.frames = append(s.frames, f)
	s.times = append(s.times, time.Now())
	return nil
}

func (s *recordingSink) Flush() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.flushes++
	return nil
}

func (s *recordingSink) snapshot() (int, int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.frames), s.flushes
}

func frameOf(d time.Duration) audio.AudioFrame {
	return audio.AudioFrame{Samples: make([]int16, int(d*24000/time.Second)), SampleRate: 24000, Channels: 1}
}

func TestNewOutput_Validation(t *testing.T) {
	t.Parallel()

	if _, err := device.NewOutput(nil, format); err == nil {
		t.Error("expected error for nil sink")
	}
	if _, err := device.NewOutput(&recordingSink{}, audio.Format{}); err == nil {
		t.Error("expected error for zero format")
	}
}

func TestOutput_ClockAdvances(t *testing.T) {
	t.Parallel()

	out, err := device.NewOutput(&recordingSink{}, format)
	if err != nil {
		t.Fatalf("NewOutput: %v", err)
	}
	a := out.Now()
	time.Sleep(5 * time.Millisecond)
	if b := out.Now(); b <= a {
		t.Errorf("clock did not advance: %v then %v", a, b)
	}
}

func TestOutput_WritesAtStartAndReportsEnded(t *testing.T) {
	t.Parallel()

	sink := &recordingSink{}
	out, err := device.NewOutput(sink, format)
	if err != nil {
		t.Fatalf("NewOutput: %v", err)
	}
	defer out.Close()

	start := out.Now() + 30*time.Millisecond
	if err := out.Play(playback.Unit{ID: 7, Frame: frameOf(20 * time.Millisecond), Start: start}); err != nil {
		t.Fatalf("Play: %v", err)
	}

	if n, _ := sink.snapshot(); n != 0 {
		t.Errorf("frame written before its start time")
	}

	select {
	case id := <-out.Ended():
		if id != 7 {
			t.Errorf("ended id = %d, want 7", id)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for ended unit")
	}
	if n, _ := sink.snapshot(); n != 1 {
		t.Errorf("sink received %d frames, want 1", n)
	}
}

func TestOutput_StopBeforeStartSkipsSink(t *testing.T) {
	t.Parallel()

	sink := &recordingSink{}
	out, err := device.NewOutput(sink, format)
	if err != nil {
		t.Fatalf("NewOutput: %v", err)
	}
	defer out.Close()

	if err := out.Play(playback.Unit{ID: 1, Frame: frameOf(10 * time.Millisecond), Start: out.Now() + time.Hour}); err != nil {
		t.Fatalf("Play: %v", err)
	}
	out.Stop(1)
	out.Stop(1)

	if n, flushes := sink.snapshot(); n != 0 || flushes != 0 {
		t.Errorf("frames=%d flushes=%d, want 0/0", n, flushes)
	}
}

func TestOutput_StopWhilePlayingFlushes(t *testing.T) {
	t.Parallel()

	sink := &recordingSink{}
	out, err := device.NewOutput(sink, format)
	if err != nil {
		t.Fatalf("NewOutput: %v", err)
	}
	defer out.Close()

	if err := out.Play(playback.Unit{ID: 1, Frame: frameOf(time.Hour), Start: 0}); err != nil {
		t.Fatalf("Play: %v", err)
	}
	deadline := time.After(3 * time.Second)
	for {
		if n, _ := sink.snapshot(); n == 1 {
			break
		}
		select {
		case <-deadline:
			t.Fatal("frame never reached the sink")
		case <-time.After(2 * time.Millisecond):
		}
	}

	out.Stop(1)
	if _, flushes := sink.snapshot(); flushes != 1 {
		t.Errorf("flushes = %d, want 1", flushes)
	}
	select {
	case id := <-out.Ended():
		t.Errorf("stopped unit %d reported as ended", id)
	case <-time.After(20 * time.Millisecond):
	}
}

// orderSink logs sink calls in order. WriteFrame is slow to land so a
// flush racing it would be observed first.
type orderSink struct {
	mu     sync.Mutex
	events []string
}

func (s *orderSink) WriteFrame(audio.AudioFrame) error {
	time.Sleep(time.Millisecond)
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, "write")
	return nil
}

func (s *orderSink) Flush() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, "flush")
	return nil
}

func (s *orderSink) log() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return strings.Join(s.events, ",")
}

func TestOutput_StopRacingStartNeverWritesAfterFlush(t *testing.T) {
	t.Parallel()

	sinks := make([]*orderSink, 100)
	for i := range sinks {
		sink := &orderSink{}
		sinks[i] = sink
		out, err := device.NewOutput(sink, format)
		if err != nil {
			t.Fatalf("NewOutput: %v", err)
		}
		if err := out.Play(playback.Unit{ID: 1, Frame: frameOf(time.Hour), Start: 0}); err != nil {
			t.Fatalf("Play: %v", err)
		}
		time.Sleep(time.Duration(i%3) * 200 * time.Microsecond)
		out.Stop(1)
		switch got := sink.log(); got {
		case "", "write,flush":
		default:
			t.Errorf("iteration %d: sink calls after Stop = %q", i, got)
		}
		_ = out.Close()
	}

	time.Sleep(20 * time.Millisecond)
	for i, sink := range sinks {
		switch got := sink.log(); got {
		case "", "write,flush":
		default:
			t.Errorf("iteration %d: sink calls = %q, want none or write then flush", i, got)
		}
	}
}

func TestOutput_EndedNotificationsSurviveSlowReader(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name  string
		buf   int
		units int
	}{
		{name: "buffer of one", buf: 1, units: 6},
		{name: "buffer smaller than burst", buf: 4, units: 12},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			sink := &recordingSink{}
			out, err := device.NewOutput(sink, format, device.WithEndedBuffer(tt.buf))
			if err != nil {
				t.Fatalf("NewOutput: %v", err)
			}
			defer out.Close()

			for i := range tt.units {
				u := playback.Unit{ID: playback.UnitID(i + 1), Frame: frameOf(time.Millisecond), Start: 0}
				if err := out.Play(u); err != nil {
					t.Fatalf("Play: %v", err)
				}
			}
			// Let every unit end before anything reads the channel.
			time.Sleep(50 * time.Millisecond)

			seen := make(map[playback.UnitID]bool)
			timeout := time.After(3 * time.Second)
			for len(seen) < tt.units {
				select {
				case id := <-out.Ended():
					seen[id] = true
				case <-timeout:
					t.Fatalf("got %d ended notifications, want %d", len(seen), tt.units)
				}
			}
		})
	}
}

func TestOutput_CloseCancelsPendingAndRejectsPlay(t *testing.T) {
	t.Parallel()

	sink := &recordingSink{}
	out, err := device.NewOutput(sink, format)
	if err != nil {
		t.Fatalf("NewOutput: %v", err)
	}
	if err := out.Play(playback.Unit{ID: 1, Frame: frameOf(10 * time.Millisecond), Start: out.Now() + 20*time.Millisecond}); err != nil {
		t.Fatalf("Play: %v", err)
	}
	if err := out.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := out.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}
	time.Sleep(50 * time.Millisecond)
	if n, _ := sink.snapshot(); n != 0 {
		t.Errorf("sink received %d frames after Close", n)
	}
	if err := out.Play(playback.Unit{ID: 2, Frame: frameOf(10 * time.Millisecond)}); err == nil {
		t.Error("expected error playing on closed output")
	}
}

func TestOutput_WithScheduler_BackToBack(t *testing.T) {
	t.Parallel()

	sink := &recordingSink{}
	out, err := device.NewOutput(sink, format)
	if err != nil {
		t.Fatalf("NewOutput: %v", err)
	}
	sched, err := playback.New(out, format)
	if err != nil {
		t.Fatalf("playback.New: %v", err)
	}
	defer sched.Reset()

	for range 3 {
		if _, err := sched.Enqueue(frameOf(20 * time.Millisecond)); err != nil {
			t.Fatalf("Enqueue: %v", err)
		}
	}

	deadline := time.After(3 * time.Second)
	for len(sched.Active()) != 0 {
		select {
		case <-deadline:
			t.Fatalf("units still active: %d", len(sched.Active()))
		case <-time.After(5 * time.Millisecond):
		}
	}

	sink.mu.Lock()
	defer sink.mu.Unlock()
	if len(sink.frames) != 3 {
		t.Fatalf("sink received %d frames, want 3", len(sink.frames))
	}
	// Releases are spaced by roughly one frame duration.
	if gap := sink.times[2].Sub(sink.times[0]); gap < 20*time.Millisecond {
		t.Errorf("frames released too close together: %v", gap)
	}
}
