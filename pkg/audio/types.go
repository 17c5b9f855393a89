package audio

import (
	"fmt"
	"time"
)

// Format describes the sample rate and channel count of an audio stream.
type Format struct {
	SampleRate int
	Channels   int
}

// Validate reports whether f describes a usable PCM stream.
func (f Format) Validate() error {
	if f.SampleRate <= 0 {
		return fmt.Errorf("audio: sample rate must be positive, got %d", f.SampleRate)
	}
	if f.Channels <= 0 {
		return fmt.Errorf("audio: channel count must be positive, got %d", f.Channels)
	}
	return nil
}

// Duration returns the playback length of n interleaved samples in format f.
func (f Format) Duration(n int) time.Duration {
	if f.SampleRate <= 0 || f.Channels <= 0 {
		return 0
	}
	frames := int64(n / f.Channels)
	return time.Duration(frames) * time.Second / time.Duration(f.SampleRate)
}

// String returns a human-readable form such as "24000Hz mono".
func (f Format) String() string {
	return formatString(f.SampleRate, f.Channels)
}

// AudioFrame is a fixed-duration buffer of 16-bit PCM samples. Frames are
// the unit handed from capture to the encoder and from the decoder to the
// playback scheduler. A frame is treated as immutable once created; the
// producer must not touch Samples after handing the frame on.
type AudioFrame struct {
	// Samples holds interleaved signed 16-bit samples.
	Samples []int16

	// SampleRate in Hz (16000 for microphone capture, 24000 for model speech).
	SampleRate int

	// Channels: 1 for mono.
	Channels int

	// Timestamp marks the frame's position relative to stream start.
	Timestamp time.Duration
}

// Format returns the frame's sample rate and channel count.
func (f AudioFrame) Format() Format {
	return Format{SampleRate: f.SampleRate, Channels: f.Channels}
}

// Frames returns the number of sample frames (samples per channel).
func (f AudioFrame) Frames() int {
	if f.Channels <= 0 {
		return 0
	}
	return len(f.Samples) / f.Channels
}

// Duration returns how long the frame plays for.
func (f AudioFrame) Duration() time.Duration {
	return f.Format().Duration(len(f.Samples))
}
