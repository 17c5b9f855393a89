// Package codec converts audio between the in-memory sample representations
// used by capture and playback and the text-safe encoding carried by realtime
// model transports.
//
// Three representations are involved:
//
//   - float32 samples in [-1.0, 1.0], as produced by microphone sources;
//   - signed 16-bit little-endian PCM, the wire format of realtime models;
//   - standard padded base64 text wrapping the PCM bytes.
//
// All functions are pure and safe for concurrent use.
package codec

import (
	"encoding/base64"
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
)

// ErrMalformedInput is matched (via [errors.Is]) by every decoding failure.
var ErrMalformedInput = errors.New("codec: malformed input")

// MalformedInputError describes why a piece of text could not be decoded.
type MalformedInputError struct {
	// Op is the decoding step that failed ("base64", "mime").
	Op string
	// Input is a prefix of the offending text for logging.
	Input string
	Err   error
}

func (e *MalformedInputError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("codec: malformed %s input %q: %v", e.Op, e.Input, e.Err)
	}
	return fmt.Sprintf("codec: malformed %s input %q", e.Op, e.Input)
}

func (e *MalformedInputError) Unwrap() error { return e.Err }

// Is reports whether target is [ErrMalformedInput].
func (e *MalformedInputError) Is(target error) bool { return target == ErrMalformedInput }

const maxQuotedInput = 32

func truncate(s string) string {
	if len(s) <= maxQuotedInput {
		return s
	}
	return s[:maxQuotedInput] + "…"
}

// ── Text encoding ────────────────────────────────────────────────────────────

// Encode returns the standard padded base64 text of b. Empty input yields the
// empty string.
func Encode(b []byte) string {
	return base64.StdEncoding.EncodeToString(b)
}

// Decode parses standard padded base64 text. Characters outside the alphabet
// or incorrect padding produce a [*MalformedInputError]. The empty string
// decodes to an empty (non-nil) slice.
func Decode(s string) ([]byte, error) {
	out, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return nil, &MalformedInputError{Op: "base64", Input: truncate(s), Err: err}
	}
	if out == nil {
		out = []byte{}
	}
	return out, nil
}

// ── Sample conversion ────────────────────────────────────────────────────────

const pcmScale = 32768

// PCM16ToFloat maps each sample s to s/32768, giving values in [-1.0, 1.0).
func PCM16ToFloat(samples []int16) []float32 {
	out := make([]float32, len(samples))
	for i, s := range samples {
		out[i] = float32(s) / pcmScale
	}
	return out
}

// FloatToPCM16 maps float samples to 16-bit PCM. Each value is multiplied by
// 32768, clamped to [-32768, 32767] and truncated toward zero. NaN becomes 0.
//
// Because the scale is a power of two every int16 survives
// FloatToPCM16(PCM16ToFloat(s)) unchanged.
func FloatToPCM16(samples []float32) []int16 {
	out := make([]int16, len(samples))
	for i, f := range samples {
		out[i] = floatToSample(f)
	}
	return out
}

func floatToSample(f float32) int16 {
	v := float64(f) * pcmScale
	switch {
	case math.IsNaN(v):
		return 0
	case v >= math.MaxInt16:
		return math.MaxInt16
	case v <= math.MinInt16:
		return math.MinInt16
	}
	return int16(v)
}

// ── Byte layout ──────────────────────────────────────────────────────────────

// Int16ToBytes serialises samples as little-endian 16-bit PCM.
func Int16ToBytes(samples []int16) []byte {
	out := make([]byte, len(samples)*2)
	for i, s := range samples {
		binary.LittleEndian.PutUint16(out[i*2:], uint16(s))
	}
	return out
}

// BytesToInt16 parses little-endian 16-bit PCM. A trailing odd byte is
// ignored.
func BytesToInt16(b []byte) []int16 {
	out := make([]int16, len(b)/2)
	for i := range out {
		out[i] = int16(binary.LittleEndian.Uint16(b[i*2:]))
	}
	return out
}

// ── Encoded chunks ───────────────────────────────────────────────────────────

// EncodedChunk is one piece of audio in transit: base64 PCM text plus the
// MIME type that tells the receiver how to interpret it.
type EncodedChunk struct {
	Data     string
	MIMEType string
}

const pcmMIMEPrefix = "audio/pcm"

// PCMMIMEType returns the MIME type for raw 16-bit PCM at rate, e.g.
// "audio/pcm;rate=16000".
func PCMMIMEType(rate int) string {
	return pcmMIMEPrefix + ";rate=" + strconv.Itoa(rate)
}

// ParseRate extracts the sample rate from an "audio/pcm;rate=N" MIME type.
func ParseRate(mime string) (int, error) {
	base, params, ok := strings.Cut(mime, ";")
	if !ok || strings.TrimSpace(base) != pcmMIMEPrefix {
		return 0, &MalformedInputError{Op: "mime", Input: truncate(mime)}
	}
	for p := range strings.SplitSeq(params, ";") {
		k, v, _ := strings.Cut(strings.TrimSpace(p), "=")
		if k != "rate" {
			continue
		}
		rate, err := strconv.Atoi(v)
		if err != nil || rate <= 0 {
			return 0, &MalformedInputError{Op: "mime", Input: truncate(mime), Err: err}
		}
		return rate, nil
	}
	return 0, &MalformedInputError{Op: "mime", Input: truncate(mime)}
}

// EncodePCM16 wraps samples at rate into a chunk ready for a transport.
func EncodePCM16(samples []int16, rate int) EncodedChunk {
	return EncodedChunk{
		Data:     Encode(Int16ToBytes(samples)),
		MIMEType: PCMMIMEType(rate),
	}
}

// DecodePCM16 returns the samples carried by c. The MIME type is not
// consulted; callers that need the rate use [ParseRate].
func DecodePCM16(c EncodedChunk) ([]int16, error) {
	b, err := Decode(c.Data)
	if err != nil {
		return nil, err
	}
	return BytesToInt16(b), nil
}
