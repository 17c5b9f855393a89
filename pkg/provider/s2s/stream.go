package s2s

import "sync"

// Stream is the event channel plumbing shared by provider implementations.
//
// Exactly one goroutine (the provider's receive loop) may call Emit and
// Finish. Abandon may be called from anywhere, typically from Session.Close.
type Stream struct {
	ch        chan Event
	abandoned chan struct{}
	abandon   sync.Once
	finish    sync.Once
}

// NewStream creates a Stream whose channel buffers up to buf events.
func NewStream(buf int) *Stream {
	return &Stream{
		ch:        make(chan Event, buf),
		abandoned: make(chan struct{}),
	}
}

// Events returns the consumer side of the stream.
func (s *Stream) Events() <-chan Event { return s.ch }

// Emit delivers ev, blocking while the buffer is full. It returns false if
// the consumer abandoned the stream, in which case ev was dropped.
func (s *Stream) Emit(ev Event) bool {
	select {
	case <-s.abandoned:
		return false
	default:
	}
	select {
	case s.ch <- ev:
		return true
	case <-s.abandoned:
		return false
	}
}

// Finish delivers Closed{Err: err} (unless the stream was abandoned) and
// closes the channel. Only the first call has any effect.
func (s *Stream) Finish(err error) {
	s.finish.Do(func() {
		s.Emit(Closed{Err: err})
		close(s.ch)
	})
}

// Abandon marks the consumer as gone. Pending and future Emit calls return
// immediately. Safe to call more than once.
func (s *Stream) Abandon() {
	s.abandon.Do(func() { close(s.abandoned) })
}

// Abandoned reports whether Abandon was called.
func (s *Stream) Abandoned() bool {
	select {
	case <-s.abandoned:
		return true
	default:
		return false
	}
}
