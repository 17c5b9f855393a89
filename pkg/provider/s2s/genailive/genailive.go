// Package genailive implements the s2s.Provider interface for the Gemini Live
// API on top of the official Google Gen AI Go SDK.
//
// It is functionally equivalent to the raw-WebSocket gemini provider but lets
// the SDK own the wire protocol, authentication and endpoint selection. The
// SDK exchanges raw bytes, so audio is decoded from the transport encoding on
// the way out and re-encoded on the way in; consumers still see
// [codec.EncodedChunk] values.
package genailive

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/MrWong99/voicetwin/pkg/audio/codec"
	"github.com/MrWong99/voicetwin/pkg/provider/s2s"
	"github.com/gorilla/websocket"
	"google.golang.org/genai"
)

// Compile-time assertions that Provider and session satisfy the s2s interfaces.
var _ s2s.Provider = (*Provider)(nil)
var _ s2s.Session = (*session)(nil)

// Name is the registry name of this provider.
const Name = "genai-live"

const (
	defaultModel = "gemini-2.5-flash-native-audio-preview-12-2025"

	inputSampleRate  = 16000
	outputSampleRate = 24000

	eventBuffer = 64
)

// ── Options ────────────────────────────────────────────────────────────────────

// Option is a functional option for configuring a Provider.
type Option func(*Provider)

// WithModel sets the Gemini model used for sessions.
func WithModel(model string) Option {
	return func(p *Provider) {
		if model != "" {
			p.model = model
		}
	}
}

// WithBaseURL overrides the API endpoint the SDK connects to. Primarily used
// in tests to point at a local mock server.
func WithBaseURL(url string) Option {
	return func(p *Provider) { p.baseURL = url }
}

// WithLogger sets the logger for protocol anomalies.
func WithLogger(l *slog.Logger) Option {
	return func(p *Provider) {
		if l != nil {
			p.log = l
		}
	}
}

// ── Provider ───────────────────────────────────────────────────────────────────

// Provider implements s2s.Provider using [genai.Client.Live].
type Provider struct {
	apiKey  string
	model   string
	baseURL string
	log     *slog.Logger

	once      sync.Once
	client    *genai.Client
	clientErr error
}

// New creates a Provider. The SDK client is created lazily on first Connect.
func New(apiKey string, opts ...Option) *Provider {
	p := &Provider{
		apiKey: apiKey,
		model:  defaultModel,
		log:    slog.Default(),
	}
	for _, o := range opts {
		o(p)
	}
	return p
}

// Capabilities returns static metadata about the Gemini Live provider.
func (p *Provider) Capabilities() s2s.Capabilities {
	return s2s.Capabilities{
		Name:               Name,
		InputSampleRate:    inputSampleRate,
		OutputSampleRate:   outputSampleRate,
		MaxSessionDuration: 15 * time.Minute,
		Voices:             []string{"Aoede", "Charon", "Fenrir", "Kore", "Leda", "Orus", "Puck", "Zephyr"},
	}
}

func (p *Provider) sdkClient(ctx context.Context) (*genai.Client, error) {
	p.once.Do(func() {
		cfg := &genai.ClientConfig{
			APIKey:  p.apiKey,
			Backend: genai.BackendGeminiAPI,
		}
		if p.baseURL != "" {
			cfg.HTTPOptions = genai.HTTPOptions{BaseURL: p.baseURL}
		}
		p.client, p.clientErr = genai.NewClient(ctx, cfg)
	})
	return p.client, p.clientErr
}

// Connect opens a Live session through the SDK. The SDK returns once the
// setup message has been written; [s2s.Opened] follows when the service
// acknowledges it with setupComplete.
func (p *Provider) Connect(ctx context.Context, cfg s2s.SessionConfig) (s2s.Session, error) {
	client, err := p.sdkClient(ctx)
	if err != nil {
		return nil, &s2s.TransportError{Provider: Name, Op: "dial", Err: err}
	}

	live, err := client.Live.Connect(ctx, p.model, connectConfig(cfg))
	if err != nil {
		return nil, &s2s.TransportError{Provider: Name, Op: "dial", Err: err}
	}

	rate := cfg.InputSampleRate
	if rate <= 0 {
		rate = inputSampleRate
	}
	sess := &session{
		live:      live,
		stream:    s2s.NewStream(eventBuffer),
		log:       p.log,
		inputMIME: codec.PCMMIMEType(rate),
	}
	go sess.receiveLoop()
	return sess, nil
}

// connectConfig maps a session configuration onto the SDK's Live config.
func connectConfig(cfg s2s.SessionConfig) *genai.LiveConnectConfig {
	lc := &genai.LiveConnectConfig{
		ResponseModalities: []genai.Modality{genai.ModalityAudio},
	}
	if cfg.Voice != "" {
		lc.SpeechConfig = &genai.SpeechConfig{
			VoiceConfig: &genai.VoiceConfig{
				PrebuiltVoiceConfig: &genai.PrebuiltVoiceConfig{VoiceName: cfg.Voice},
			},
		}
	}
	if cfg.Instructions != "" {
		lc.SystemInstruction = genai.NewContentFromText(cfg.Instructions, genai.RoleUser)
	}
	if cfg.OutputTranscription {
		lc.OutputAudioTranscription = &genai.AudioTranscriptionConfig{}
	}
	return lc
}

// ── session ────────────────────────────────────────────────────────────────────

type session struct {
	live      *genai.Session
	stream    *s2s.Stream
	log       *slog.Logger
	inputMIME string

	// sendMu serialises writes; the SDK connection allows one writer.
	sendMu sync.Mutex

	mu     sync.Mutex
	closed bool
}

func (s *session) receiveLoop() {
	var finalErr error
	defer func() { s.stream.Finish(finalErr) }()

	for {
		msg, err := s.live.Receive()
		if err != nil {
			if s.isClosed() || isNormalClose(err) {
				return
			}
			finalErr = &s2s.TransportError{Provider: Name, Op: "read", Err: err}
			return
		}
		for _, ev := range translate(msg) {
			if !s.stream.Emit(ev) {
				return
			}
		}
		if msg.GoAway != nil {
			s.log.Info("genai-live: server announced disconnect", "time_left", msg.GoAway.TimeLeft)
		}
	}
}

// translate converts one SDK message into zero or more events, in the order
// opened, audio, transcript, interrupted, turn complete.
func translate(msg *genai.LiveServerMessage) []s2s.Event {
	if msg == nil {
		return nil
	}
	var out []s2s.Event
	if msg.SetupComplete != nil {
		out = append(out, s2s.Opened{})
	}
	sc := msg.ServerContent
	if sc == nil {
		return out
	}

	if sc.ModelTurn != nil {
		for _, p := range sc.ModelTurn.Parts {
			if p == nil || p.InlineData == nil || len(p.InlineData.Data) == 0 {
				continue
			}
			mime := p.InlineData.MIMEType
			if mime == "" {
				mime = codec.PCMMIMEType(outputSampleRate)
			}
			out = append(out, s2s.AudioChunk{Chunk: codec.EncodedChunk{
				Data:     codec.Encode(p.InlineData.Data),
				MIMEType: mime,
			}})
		}
	}
	if sc.OutputTranscription != nil && sc.OutputTranscription.Text != "" {
		out = append(out, s2s.TranscriptFragment{Text: sc.OutputTranscription.Text})
	}
	if sc.Interrupted {
		out = append(out, s2s.Interrupted{})
	}
	if sc.TurnComplete {
		out = append(out, s2s.TurnComplete{})
	}
	return out
}

// isNormalClose reports whether err is the SDK surfacing a clean close
// handshake from the server. The SDK returns the gorilla connection's errors
// unwrapped.
func isNormalClose(err error) bool {
	return websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway)
}

func (s *session) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// SendAudio decodes chunk and forwards the raw PCM through the SDK.
func (s *session) SendAudio(_ context.Context, chunk codec.EncodedChunk) error {
	if s.isClosed() {
		return s2s.ErrSessionClosed
	}
	pcm, err := codec.Decode(chunk.Data)
	if err != nil {
		return fmt.Errorf("genai-live: send audio: %w", err)
	}
	mime := chunk.MIMEType
	if mime == "" {
		mime = s.inputMIME
	}
	s.sendMu.Lock()
	defer s.sendMu.Unlock()
	if err := s.live.SendRealtimeInput(genai.LiveRealtimeInput{
		Audio: &genai.Blob{Data: pcm, MIMEType: mime},
	}); err != nil {
		if s.isClosed() {
			return s2s.ErrSessionClosed
		}
		return fmt.Errorf("genai-live: send audio: %w", err)
	}
	return nil
}

// Events returns the session's event stream.
func (s *session) Events() <-chan s2s.Event { return s.stream.Events() }

// Close terminates the session. Idempotent.
func (s *session) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	s.stream.Abandon()
	if err := s.live.Close(); err != nil {
		s.log.Debug("genai-live: close", "err", err)
	}
	return nil
}
