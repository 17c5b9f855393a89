package server

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/coder/websocket"

	"github.com/MrWong99/voicetwin/internal/observe"
	"github.com/MrWong99/voicetwin/pkg/audio"
	"github.com/MrWong99/voicetwin/pkg/audio/capture"
	"github.com/MrWong99/voicetwin/pkg/audio/codec"
	"github.com/MrWong99/voicetwin/pkg/audio/device"
	"github.com/MrWong99/voicetwin/pkg/audio/playback"
	"github.com/MrWong99/voicetwin/pkg/twin"
)

const (
	// writeTimeout bounds a single websocket write.
	writeTimeout = 5 * time.Second

	// readLimit caps one client message. A second of 48 kHz float32 audio
	// is 192 KiB.
	readLimit = 1 << 20

	// micBuffer is the number of sample blocks queued between the socket
	// and the capture pipeline.
	micBuffer = 32
)

// errOverlayGone is returned by device operations after the browser
// disconnected.
var errOverlayGone = errors.New("server: overlay disconnected")

// ── Wire messages ────────────────────────────────────────────────────────────

// Client → server.
const (
	msgOpen     = "open"
	msgClose    = "close"
	msgMicError = "mic_error"
)

type clientMessage struct {
	Type string `json:"type"`

	// Error describes why the page lost microphone access (mic_error).
	Error string `json:"error,omitempty"`

	// SampleRate is the page's native microphone rate (open). Zero means the
	// page already sends at the announced capture rate.
	SampleRate int `json:"sample_rate,omitempty"`
}

// Server → client.
type helloMessage struct {
	Type         string `json:"type"`
	CaptureRate  int    `json:"capture_rate"`
	PlaybackRate int    `json:"playback_rate"`
}

type statusMessage struct {
	Type      string `json:"type"`
	State     string `json:"state"`
	Reason    string `json:"reason"`
	SessionID string `json:"session_id"`
	Provider  string `json:"provider,omitempty"`
	Error     string `json:"error,omitempty"`
}

type transcriptMessage struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

type micMessage struct {
	Type    string `json:"type"`
	Enabled bool   `json:"enabled"`
}

type flushMessage struct {
	Type string `json:"type"`
}

type errorMessage struct {
	Type  string `json:"type"`
	Error string `json:"error"`
}

// ── Handler ──────────────────────────────────────────────────────────────────

// serveOverlay upgrades the request and drives one controller until the
// browser disconnects.
func (s *Server) serveOverlay(w http.ResponseWriter, r *http.Request) {
	log := observe.WithTrace(s.log, r.Context())
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{OriginPatterns: s.origins})
	if err != nil {
		log.Warn("overlay: websocket upgrade failed", "err", err)
		return
	}
	conn.SetReadLimit(readLimit)

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	ov := &overlay{conn: conn, ctx: ctx, log: log}
	ctrl, err := s.overlays.NewController(ov)
	if err != nil {
		log.Error("overlay: create controller", "err", err)
		conn.Close(websocket.StatusInternalError, "twin unavailable")
		return
	}
	ov.ctrl = ctrl
	log.Info("overlay: connected", "remote", r.RemoteAddr)

	updates, unsubscribe := ctrl.Subscribe()
	pumpDone := make(chan struct{})
	go func() {
		defer close(pumpDone)
		ov.pump(updates)
	}()

	if err := ov.hello(); err == nil {
		ov.readLoop()
	}

	ov.gone.Store(true)
	s.overlays.Release(ctrl)
	unsubscribe()
	<-pumpDone
	conn.Close(websocket.StatusNormalClosure, "")
	log.Info("overlay: disconnected")
}

// ── Overlay ──────────────────────────────────────────────────────────────────

// overlay is one browser tab. It implements [twin.Devices]: the page's
// microphone arrives as binary messages and the speaker output leaves as
// binary messages.
type overlay struct {
	conn *websocket.Conn
	ctx  context.Context
	log  *slog.Logger
	ctrl *twin.Controller
	gone atomic.Bool

	mu      sync.Mutex
	mic     *micSource
	micRate int
}

var _ twin.Devices = (*overlay)(nil)

// OpenInput implements [twin.Devices]. It asks the page to start streaming
// its microphone.
func (o *overlay) OpenInput(context.Context) (capture.Source, error) {
	if o.gone.Load() {
		return nil, errOverlayGone
	}
	o.mu.Lock()
	rate := o.micRate
	o.mu.Unlock()
	if rate <= 0 {
		rate = o.ctrl.CaptureRate()
	}

	m := newMicSource(rate, func() {
		_ = o.send(micMessage{Type: "mic", Enabled: false})
	})
	o.mu.Lock()
	prev := o.mic
	o.mic = m
	o.mu.Unlock()
	if prev != nil {
		_ = prev.Close()
	}

	if err := o.send(micMessage{Type: "mic", Enabled: true}); err != nil {
		_ = m.Close()
		return nil, fmt.Errorf("enable microphone: %w", err)
	}
	return m, nil
}

// OpenOutput implements [twin.Devices].
func (o *overlay) OpenOutput(_ context.Context, format audio.Format) (playback.Device, error) {
	if o.gone.Load() {
		return nil, errOverlayGone
	}
	return device.NewOutput(speaker{o}, format, device.WithLogger(o.log))
}

// hello announces the rates the page must use.
func (o *overlay) hello() error {
	return o.send(helloMessage{
		Type:         "hello",
		CaptureRate:  o.ctrl.CaptureRate(),
		PlaybackRate: o.ctrl.PlaybackFormat().SampleRate,
	})
}

func (o *overlay) readLoop() {
	for {
		typ, data, err := o.conn.Read(o.ctx)
		if err != nil {
			if websocket.CloseStatus(err) == -1 && !errors.Is(err, context.Canceled) {
				o.log.Debug("overlay: read ended", "err", err)
			}
			return
		}
		switch typ {
		case websocket.MessageBinary:
			o.pushMic(data)
		case websocket.MessageText:
			o.handleText(data)
		}
	}
}

func (o *overlay) handleText(data []byte) {
	var msg clientMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		o.log.Warn("overlay: invalid message", "err", err)
		_ = o.send(errorMessage{Type: "error", Error: "invalid message"})
		return
	}

	switch msg.Type {
	case msgOpen:
		if msg.SampleRate < 0 {
			_ = o.send(errorMessage{Type: "error", Error: "sample_rate must not be negative"})
			return
		}
		o.mu.Lock()
		o.micRate = msg.SampleRate
		o.mu.Unlock()
		if err := o.hello(); err != nil {
			return
		}
		if err := o.ctrl.Open(o.ctx); err != nil {
			o.log.Warn("overlay: open failed", "err", err)
			_ = o.send(errorMessage{Type: "error", Error: err.Error()})
		}

	case msgClose:
		_ = o.ctrl.Close()

	case msgMicError:
		reason := msg.Error
		if reason == "" {
			reason = "microphone unavailable"
		}
		o.mu.Lock()
		m := o.mic
		o.mu.Unlock()
		if m != nil {
			m.fail(errors.New(reason))
		}

	default:
		o.log.Debug("overlay: unknown message type", "type", msg.Type)
	}
}

// pushMic decodes a block of little-endian float32 samples and hands it to
// the active microphone. Blocks arriving while no microphone is open are
// dropped.
func (o *overlay) pushMic(data []byte) {
	if len(data)%4 != 0 {
		o.log.Warn("overlay: dropping microphone block with odd length", "bytes", len(data))
		return
	}
	o.mu.Lock()
	m := o.mic
	o.mu.Unlock()
	if m == nil {
		return
	}
	block := make([]float32, len(data)/4)
	for i := range block {
		block[i] = math.Float32frombits(binary.LittleEndian.Uint32(data[i*4:]))
	}
	if !m.push(block) {
		o.log.Debug("overlay: microphone block dropped", "samples", len(block))
	}
}

// pump mirrors controller status and transcript to the page until updates
// is closed.
func (o *overlay) pump(updates <-chan twin.Status) {
	var (
		last       statusMessage
		transcript string
		sent       bool
	)
	for st := range updates {
		msg := statusMessage{
			Type:      "status",
			State:     st.State.String(),
			Reason:    string(st.Reason),
			SessionID: st.SessionID,
			Provider:  st.Provider,
		}
		if st.Err != nil {
			msg.Error = st.Err.Error()
		}
		if !sent || msg != last {
			_ = o.send(msg)
			last, sent = msg, true
		}
		if st.Transcript != transcript {
			transcript = st.Transcript
			_ = o.send(transcriptMessage{Type: "transcript", Text: transcript})
		}
	}
}

// send writes one JSON text message. Writes after disconnect are dropped.
func (o *overlay) send(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("server: marshal message: %w", err)
	}
	return o.write(websocket.MessageText, data)
}

func (o *overlay) write(typ websocket.MessageType, data []byte) error {
	if o.gone.Load() {
		return nil
	}
	ctx, cancel := context.WithTimeout(o.ctx, writeTimeout)
	defer cancel()
	if err := o.conn.Write(ctx, typ, data); err != nil {
		if o.gone.Load() {
			return nil
		}
		return fmt.Errorf("server: write: %w", err)
	}
	return nil
}

// ── Speaker ──────────────────────────────────────────────────────────────────

// speaker is the [device.Sink] that forwards due frames to the page as
// PCM16 little-endian binary messages.
type speaker struct{ o *overlay }

var _ device.Sink = speaker{}

// WriteFrame implements [device.Sink].
func (s speaker) WriteFrame(f audio.AudioFrame) error {
	return s.o.write(websocket.MessageBinary, codec.Int16ToBytes(f.Samples))
}

// Flush implements [device.Sink]. The page drops any audio it has queued.
func (s speaker) Flush() error {
	return s.o.send(flushMessage{Type: "flush"})
}

// ── Microphone ───────────────────────────────────────────────────────────────

// micSource is the [capture.Source] fed by the page's binary messages.
type micSource struct {
	rate    int
	samples chan []float32
	onClose func()

	mu     sync.Mutex
	closed bool
	err    error
}

var _ capture.Source = (*micSource)(nil)

func newMicSource(rate int, onClose func()) *micSource {
	return &micSource{
		rate:    rate,
		samples: make(chan []float32, micBuffer),
		onClose: onClose,
	}
}

// Samples implements [capture.Source].
func (m *micSource) Samples() <-chan []float32 { return m.samples }

// SampleRate implements [capture.Source].
func (m *micSource) SampleRate() int { return m.rate }

// Err implements [capture.Source].
func (m *micSource) Err() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.err
}

// Close implements [capture.Source].
func (m *micSource) Close() error {
	m.end(nil)
	return nil
}

// push queues a block without blocking. It reports false if the block was
// dropped.
func (m *micSource) push(block []float32) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return false
	}
	select {
	case m.samples <- block:
		return true
	default:
		return false
	}
}

// fail ends the stream with err, which the capture pipeline reports as a
// device error.
func (m *micSource) fail(err error) { m.end(err) }

func (m *micSource) end(err error) {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.closed = true
	m.err = err
	close(m.samples)
	m.mu.Unlock()

	if m.onClose != nil {
		m.onClose()
	}
}
