// Package s2s defines the Provider interface for realtime speech-to-speech
// (S2S) backends.
//
// An S2S provider wraps a realtime voice model service that accepts raw
// microphone audio and returns synthesised speech in a single, stateful
// session. Examples include the Gemini Live API and the OpenAI Realtime API.
//
// The central abstraction is Session: a bidirectional stream that accepts
// encoded PCM chunks and emits a single ordered stream of typed [Event]
// values (opened, audio, transcript fragment, interrupted, closed). Consumers
// switch on the concrete event type instead of registering callbacks, so that
// every transport event can be handled on one goroutine.
//
// All implementations must be safe for concurrent use.
package s2s

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/MrWong99/voicetwin/pkg/audio/codec"
)

// ErrSessionClosed is returned by [Session.SendAudio] after the session ended.
var ErrSessionClosed = errors.New("s2s: session closed")

// TransportError wraps a failure reported by the remote service or by the
// underlying connection.
type TransportError struct {
	// Provider is the registered provider name (e.g. "gemini-live").
	Provider string
	// Op is the operation that failed ("dial", "setup", "read", "server").
	Op  string
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("%s: %s: %v", e.Provider, e.Op, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// ── Events ─────────────────────────────────────────────────────────────────────

// Event is one message from the model. The concrete type is one of [Opened],
// [AudioChunk], [TranscriptFragment], [Interrupted], [TurnComplete] or
// [Closed].
type Event interface {
	isEvent()
}

// Opened reports that the service accepted the session configuration. Audio
// sent before Opened may be dropped by the service.
type Opened struct{}

// AudioChunk carries a piece of synthesised speech, still text-encoded.
type AudioChunk struct {
	Chunk codec.EncodedChunk
}

// TranscriptFragment carries a piece of the text transcription of the model's
// spoken output. Fragments arrive in order and may be partial words.
type TranscriptFragment struct {
	Text string
}

// Interrupted reports that the model stopped speaking because the user barged
// in. Audio already delivered for the current turn should be discarded.
type Interrupted struct{}

// TurnComplete reports that the model finished its current response.
type TurnComplete struct{}

// Closed is always the last event. Err is nil when the remote side closed
// the session normally and non-nil on any transport or service failure.
type Closed struct {
	Err error
}

func (Opened) isEvent()             {}
func (AudioChunk) isEvent()         {}
func (TranscriptFragment) isEvent() {}
func (Interrupted) isEvent()        {}
func (TurnComplete) isEvent()       {}
func (Closed) isEvent()             {}

// ── Configuration ──────────────────────────────────────────────────────────────

// SessionConfig is the fixed configuration for a new session. It is sent once
// during the handshake and cannot change afterwards.
type SessionConfig struct {
	// Voice is the provider-specific prebuilt voice name (e.g. "Kore").
	Voice string

	// Instructions is the system instruction that defines the persona.
	Instructions string

	// OutputTranscription requests a text transcription of the model's speech.
	OutputTranscription bool

	// InputSampleRate is the rate of the PCM the caller will send, in Hz.
	InputSampleRate int
}

// Capabilities describes static properties of a provider.
type Capabilities struct {
	// Name is the registered provider name.
	Name string

	// InputSampleRate is the PCM rate the service expects from the microphone.
	InputSampleRate int

	// OutputSampleRate is the PCM rate of synthesised speech.
	OutputSampleRate int

	// MaxSessionDuration is the hard upper bound on session lifetime imposed by
	// the service. Zero means no documented limit.
	MaxSessionDuration time.Duration

	// Voices lists the prebuilt voice names the service offers.
	Voices []string
}

// ── Interfaces ─────────────────────────────────────────────────────────────────

// Session represents an open realtime session. It is an interface so that
// test code can supply mock implementations without a live connection.
//
// Callers must call Close when the session is no longer needed.
type Session interface {
	// SendAudio delivers one encoded PCM chunk to the model. Returns
	// [ErrSessionClosed] once the session has ended.
	SendAudio(ctx context.Context, chunk codec.EncodedChunk) error

	// Events returns the ordered event stream. Exactly one [Closed] event is
	// delivered last, after which the channel is closed. Consumers must drain
	// the channel promptly to avoid stalling the receive loop.
	Events() <-chan Event

	// Close terminates the session. It does not produce a [Closed] event if
	// the session had not already ended; the channel is simply closed.
	// Calling Close more than once is safe and returns nil.
	Close() error
}

// Provider is the abstraction over any S2S backend.
//
// Implementations must be safe for concurrent use.
type Provider interface {
	// Connect dials the service and sends the session configuration. It
	// returns as soon as the handshake has been sent; the [Opened] event
	// reports when the service accepted it.
	//
	// The caller owns the Session and is responsible for calling Close.
	Connect(ctx context.Context, cfg SessionConfig) (Session, error)

	// Capabilities returns static metadata about this provider.
	Capabilities() Capabilities
}
