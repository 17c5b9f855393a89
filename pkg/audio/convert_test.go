package audio_test

import (
	"testing"
	"time"

	"github.com/MrWong99/voicetwin/pkg/audio"
)

func equalSamples(t *testing.T, got, want []int16) {
	t.Helper()
	if len(got) != len(want) {
		t.Fatalf("length mismatch: got %d, want %d", len(got), len(want))
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("sample %d: got %d, want %d", i, got[i], want[i])
		}
	}
}

func TestRemix_MonoToStereo(t *testing.T) {
	got := audio.Remix([]int16{100, 200, 300}, 1, 2)
	equalSamples(t, got, []int16{100, 100, 200, 200, 300, 300})
}

func TestRemix_StereoToMono(t *testing.T) {
	got := audio.Remix([]int16{100, 200, -100, -200}, 2, 1)
	equalSamples(t, got, []int16{150, -150})
}

func TestRemix_StereoToMonoNoOverflow(t *testing.T) {
	got := audio.Remix([]int16{32767, 32767, -32768, -32768}, 2, 1)
	equalSamples(t, got, []int16{32767, -32768})
}

func TestRemix_SameChannels(t *testing.T) {
	in := []int16{1, 2, 3}
	got := audio.Remix(in, 1, 1)
	if &got[0] != &in[0] {
		t.Error("expected the input slice back when channel counts match")
	}
}

func TestResample_SameRate(t *testing.T) {
	in := []int16{100, 200, 300}
	out := audio.Resample(in, 1, 16000, 16000)
	if len(out) != len(in) {
		t.Fatalf("length mismatch: got %d, want %d", len(out), len(in))
	}
}

func TestResample_Upsample(t *testing.T) {
	// 2 samples at 16kHz → 6 samples at 48kHz.
	out := audio.Resample([]int16{1000, 2000}, 1, 16000, 48000)
	if len(out) != 6 {
		t.Fatalf("expected 6 samples, got %d", len(out))
	}
	if out[0] != 1000 {
		t.Errorf("first sample: got %d, want 1000", out[0])
	}
	if last := out[len(out)-1]; last < 1800 || last > 2200 {
		t.Errorf("last sample: got %d, want close to 2000", last)
	}
}

func TestResample_Downsample(t *testing.T) {
	out := audio.Resample([]int16{100, 200, 300, 400, 500, 600}, 1, 48000, 16000)
	if len(out) != 2 {
		t.Fatalf("expected 2 samples, got %d", len(out))
	}
}

func TestResample_Stereo(t *testing.T) {
	out := audio.Resample([]int16{100, 200, 300, 400}, 2, 16000, 48000)
	if len(out) != 12 {
		t.Fatalf("expected 12 samples, got %d", len(out))
	}
	// Channels stay separated: left samples never take right values.
	if out[0] != 100 || out[1] != 200 {
		t.Errorf("first frame = (%d, %d), want (100, 200)", out[0], out[1])
	}
}

func TestResample_InvalidRates(t *testing.T) {
	in := []int16{100, 200}
	for _, tc := range []struct{ src, dst int }{{0, 48000}, {48000, 0}, {-1, 48000}} {
		if out := audio.Resample(in, 1, tc.src, tc.dst); len(out) != len(in) {
			t.Errorf("Resample(%d→%d): expected unchanged output, got len %d", tc.src, tc.dst, len(out))
		}
	}
}

func TestFormatConverter_NoOp(t *testing.T) {
	conv := audio.FormatConverter{Target: audio.Format{SampleRate: 16000, Channels: 1}}
	frame := audio.AudioFrame{Samples: []int16{100, 200}, SampleRate: 16000, Channels: 1}
	result := conv.Convert(frame)
	if &result.Samples[0] != &frame.Samples[0] {
		t.Error("expected same slice for matching format")
	}
}

func TestFormatConverter_FullConversion(t *testing.T) {
	conv := audio.FormatConverter{Target: audio.Format{SampleRate: 16000, Channels: 1}}
	frame := audio.AudioFrame{
		Samples:    []int16{1000, 1000, 2000, 2000, 3000, 3000},
		SampleRate: 48000,
		Channels:   2,
	}
	result := conv.Convert(frame)
	if result.SampleRate != 16000 || result.Channels != 1 {
		t.Fatalf("unexpected format: %s", result.Format())
	}
	equalSamples(t, result.Samples, []int16{1000})
}

func TestFormatConverter_MisalignedSamples(t *testing.T) {
	conv := audio.FormatConverter{Target: audio.Format{SampleRate: 16000, Channels: 1}}
	frame := audio.AudioFrame{Samples: []int16{1, 2, 3}, SampleRate: 16000, Channels: 2}
	result := conv.Convert(frame)
	if len(result.Samples) != 0 {
		t.Errorf("expected dropped frame, got %d samples", len(result.Samples))
	}
	if result.SampleRate != 16000 || result.Channels != 1 {
		t.Errorf("dropped frame should carry target format, got %s", result.Format())
	}
}

func TestAudioFrame_Duration(t *testing.T) {
	tests := []struct {
		name  string
		frame audio.AudioFrame
		want  time.Duration
	}{
		{"half second mono 24k", audio.AudioFrame{Samples: make([]int16, 12000), SampleRate: 24000, Channels: 1}, 500 * time.Millisecond},
		{"4096 at 16k", audio.AudioFrame{Samples: make([]int16, 4096), SampleRate: 16000, Channels: 1}, 256 * time.Millisecond},
		{"stereo counts frames", audio.AudioFrame{Samples: make([]int16, 48000), SampleRate: 24000, Channels: 2}, time.Second},
		{"zero rate", audio.AudioFrame{Samples: make([]int16, 10), Channels: 1}, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.frame.Duration(); got != tt.want {
				t.Errorf("Duration() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestFormat_Validate(t *testing.T) {
	if err := (audio.Format{SampleRate: 24000, Channels: 1}).Validate(); err != nil {
		t.Errorf("valid format rejected: %v", err)
	}
	if err := (audio.Format{SampleRate: 0, Channels: 1}).Validate(); err == nil {
		t.Error("expected error for zero sample rate")
	}
	if err := (audio.Format{SampleRate: 16000}).Validate(); err == nil {
		t.Error("expected error for zero channels")
	}
}
