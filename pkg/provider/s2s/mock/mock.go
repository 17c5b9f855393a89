// Package mock provides test doubles for the s2s package interfaces.
//
// Use Provider to verify Connect calls and hand out controlled sessions.
// Use Session to script the event stream a real service would produce and to
// inspect which audio chunks the caller sent.
//
// Example:
//
//	sess := mock.NewSession()
//	p := &mock.Provider{Session: sess}
//	handle, _ := p.Connect(ctx, cfg)
//	sess.Emit(s2s.Opened{})
//	sess.Finish(nil)
package mock

import (
	"context"
	"sync"

	"github.com/MrWong99/voicetwin/pkg/audio/codec"
	"github.com/MrWong99/voicetwin/pkg/provider/s2s"
)

// ConnectCall records a single invocation of Provider.Connect.
type ConnectCall struct {
	// Ctx is the context passed to Connect.
	Ctx context.Context
	// Cfg is the SessionConfig passed to Connect.
	Cfg s2s.SessionConfig
}

// Provider is a mock implementation of s2s.Provider.
type Provider struct {
	mu sync.Mutex

	// Session is returned by Connect. If nil, Connect returns a fresh Session
	// that has already emitted Opened.
	Session s2s.Session

	// Sessions, when non-empty, is consumed in order by successive Connect
	// calls before falling back to Session.
	Sessions []s2s.Session

	// ConnectErr, if non-nil, is returned as the error from Connect.
	ConnectErr error

	// Block, if non-nil, makes Connect wait until it is closed or the context
	// is cancelled.
	Block chan struct{}

	// ProviderCapabilities is returned by Capabilities.
	ProviderCapabilities s2s.Capabilities

	// ConnectCalls records every call to Connect in order.
	ConnectCalls []ConnectCall

	// CapabilitiesCallCount is the number of times Capabilities was called.
	CapabilitiesCallCount int
}

// Connect records the call and returns the next scripted session or
// ConnectErr.
func (p *Provider) Connect(ctx context.Context, cfg s2s.SessionConfig) (s2s.Session, error) {
	p.mu.Lock()
	p.ConnectCalls = append(p.ConnectCalls, ConnectCall{Ctx: ctx, Cfg: cfg})
	block := p.Block
	p.mu.Unlock()

	if block != nil {
		select {
		case <-block:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.ConnectErr != nil {
		return nil, p.ConnectErr
	}
	if len(p.Sessions) > 0 {
		s := p.Sessions[0]
		p.Sessions = p.Sessions[1:]
		return s, nil
	}
	if p.Session != nil {
		return p.Session, nil
	}
	s := NewSession()
	s.Emit(s2s.Opened{})
	return s, nil
}

// Capabilities records the call and returns ProviderCapabilities.
func (p *Provider) Capabilities() s2s.Capabilities {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.CapabilitiesCallCount++
	return p.ProviderCapabilities
}

// ConnectCallCount returns the number of Connect calls so far.
func (p *Provider) ConnectCallCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.ConnectCalls)
}

// Reset clears all recorded calls. Thread-safe.
func (p *Provider) Reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.ConnectCalls = nil
	p.CapabilitiesCallCount = 0
}

// Ensure Provider implements s2s.Provider at compile time.
var _ s2s.Provider = (*Provider)(nil)

// Session is a mock implementation of s2s.Session. Tests drive its event
// stream with Emit and Finish.
type Session struct {
	stream *s2s.Stream

	// emitMu orders Emit and Finish against Close.
	emitMu sync.Mutex

	mu       sync.Mutex
	sent     []codec.EncodedChunk
	closed   bool
	finished bool

	// SendErr, if non-nil, is returned from SendAudio.
	SendErr error

	// CloseErr, if non-nil, is returned from the first Close.
	CloseErr error

	// CallCountClose is the number of times Close was called.
	CallCountClose int
}

// NewSession creates a Session with a buffered event stream.
func NewSession() *Session {
	return &Session{stream: s2s.NewStream(64)}
}

// Emit delivers ev to the consumer. It returns false if the session was
// closed or finished.
func (s *Session) Emit(ev s2s.Event) bool {
	s.emitMu.Lock()
	defer s.emitMu.Unlock()
	if s.isFinished() {
		return false
	}
	return s.stream.Emit(ev)
}

// Finish ends the stream with Closed{Err: err}, as a remote close would.
func (s *Session) Finish(err error) {
	s.emitMu.Lock()
	defer s.emitMu.Unlock()
	s.mu.Lock()
	s.finished = true
	s.mu.Unlock()
	s.stream.Finish(err)
}

func (s *Session) isFinished() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.finished
}

// SendAudio records chunk. It returns s2s.ErrSessionClosed after Close and
// SendErr otherwise.
func (s *Session) SendAudio(_ context.Context, chunk codec.EncodedChunk) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed || s.finished {
		return s2s.ErrSessionClosed
	}
	if s.SendErr != nil {
		return s.SendErr
	}
	s.sent = append(s.sent, chunk)
	return nil
}

// SentChunks returns a copy of every chunk accepted by SendAudio.
func (s *Session) SentChunks() []codec.EncodedChunk {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]codec.EncodedChunk, len(s.sent))
	copy(out, s.sent)
	return out
}

// Events returns the scripted event stream.
func (s *Session) Events() <-chan s2s.Event { return s.stream.Events() }

// Close abandons the stream and closes the channel without a Closed event.
func (s *Session) Close() error {
	s.mu.Lock()
	s.CallCountClose++
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	s.stream.Abandon()
	s.emitMu.Lock()
	s.stream.Finish(nil)
	s.mu.Lock()
	s.finished = true
	s.mu.Unlock()
	s.emitMu.Unlock()
	return s.CloseErr
}

// Closed reports whether Close was called.
func (s *Session) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// CloseCount returns CallCountClose under the lock.
func (s *Session) CloseCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.CallCountClose
}

// Ensure Session implements s2s.Session at compile time.
var _ s2s.Session = (*Session)(nil)
