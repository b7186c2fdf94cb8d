package audio

import (
	"bytes"
	"slices"
	"testing"
	"time"

	goaudio "github.com/go-audio/audio"
	"github.com/go-audio/wav"
)

func makeWAV(t *testing.T, sampleRate, channels, bitDepth int, seconds float64) []byte {
	t.Helper()

	frames := int(float64(sampleRate) * seconds)
	data := make([]int, frames*channels)
	for i := range data {
		data[i] = (i % 200) - 100
	}
	buf := &goaudio.IntBuffer{
		Format:         &goaudio.Format{NumChannels: channels, SampleRate: sampleRate},
		Data:           data,
		SourceBitDepth: bitDepth,
	}

	ws := &memWriteSeeker{}
	enc := wav.NewEncoder(ws, sampleRate, bitDepth, channels, 1)
	if err := enc.Write(buf); err != nil {
		t.Fatalf("encode wav: %v", err)
	}
	if err := enc.Close(); err != nil {
		t.Fatalf("close wav: %v", err)
	}
	return ws.buf
}

func TestInspectWAV(t *testing.T) {
	blob := makeWAV(t, 16000, 1, 16, 2)

	info := Inspect(blob)
	if info.Format != FormatWAV {
		t.Fatalf("unexpected format: %q", info.Format)
	}
	if !info.PCM || info.SampleRate != 16000 || info.Channels != 1 || info.BitDepth != 16 {
		t.Fatalf("unexpected info: %+v", info)
	}
	if info.Duration < 1900*time.Millisecond || info.Duration > 2100*time.Millisecond {
		t.Fatalf("unexpected duration: %v", info.Duration)
	}
}

func TestInspectUnknownUsesBitrateEstimate(t *testing.T) {
	blob := bytes.Repeat([]byte{0x01, 0x02, 0x03}, 16000)

	info := Inspect(blob)
	if info.Format != FormatUnknown {
		t.Fatalf("unexpected format: %q", info.Format)
	}
	want := time.Duration(float64(len(blob)) * 8 / 128_000 * float64(time.Second))
	if info.Duration != want {
		t.Fatalf("unexpected duration: got %v want %v", info.Duration, want)
	}
}

func TestNormalizeMIME(t *testing.T) {
	if got := NormalizeMIME("Audio/WebM; codecs=opus"); got != "audio/webm" {
		t.Fatalf("unexpected mime: %q", got)
	}
	if got := NormalizeMIME("  "); got != "" {
		t.Fatalf("unexpected mime: %q", got)
	}
}

func TestOptimizeCompressesLargeStereo(t *testing.T) {
	blob := makeWAV(t, 44100, 2, 16, 1)
	opt := NewOptimizer(Config{CompressAboveBytes: 1024, MaxDuration: time.Minute, TargetSampleRate: 16000}, nil)

	res := opt.Optimize(blob, "order.wav", "audio/wav")
	if !res.Optimized() || !slices.Contains(res.Applied, StepCompress) {
		t.Fatalf("expected compression, got %v", res.Applied)
	}
	if res.OptimizedSize >= res.OriginalSize {
		t.Fatalf("expected smaller output: %d >= %d", res.OptimizedSize, res.OriginalSize)
	}
	info := Inspect(res.Audio)
	if info.Channels != 1 || info.SampleRate != 16000 || info.BitDepth != 16 {
		t.Fatalf("unexpected optimized info: %+v", info)
	}
	if res.CompressionRatio() >= 1 {
		t.Fatalf("unexpected ratio: %v", res.CompressionRatio())
	}
}

func TestOptimizeTrimsLongAudio(t *testing.T) {
	blob := makeWAV(t, 8000, 1, 16, 3)
	opt := NewOptimizer(Config{CompressAboveBytes: 1 << 30, MaxDuration: time.Second}, nil)

	res := opt.Optimize(blob, "long.wav", "audio/wav")
	if len(res.Applied) != 1 || res.Applied[0] != StepTrim {
		t.Fatalf("unexpected steps: %v", res.Applied)
	}
	if res.Duration != time.Second {
		t.Fatalf("unexpected duration: %v", res.Duration)
	}
}

func TestOptimizeConvertsBitDepth(t *testing.T) {
	blob := makeWAV(t, 8000, 1, 24, 1)
	opt := NewOptimizer(Config{CompressAboveBytes: 1 << 30, MaxDuration: time.Minute}, nil)

	res := opt.Optimize(blob, "hi-res.flac.wav", "audio/wav")
	if len(res.Applied) != 1 || res.Applied[0] != StepConvert {
		t.Fatalf("unexpected steps: %v", res.Applied)
	}
	if Inspect(res.Audio).BitDepth != 16 {
		t.Fatalf("expected 16-bit output")
	}
}

func TestOptimizeLeavesSmallPCM16Untouched(t *testing.T) {
	blob := makeWAV(t, 16000, 1, 16, 1)
	opt := NewOptimizer(DefaultConfig(), nil)

	res := opt.Optimize(blob, "small.wav", "audio/wav")
	if res.Optimized() {
		t.Fatalf("unexpected steps: %v", res.Applied)
	}
	if !bytes.Equal(res.Audio, blob) || res.FileName != "small.wav" {
		t.Fatalf("expected original audio back")
	}
}

func TestOptimizeFallsBackOnCorruptWAV(t *testing.T) {
	blob := makeWAV(t, 16000, 1, 16, 1)
	corrupt := append([]byte(nil), blob[:44]...)
	corrupt = append(corrupt, bytes.Repeat([]byte{0xff}, 3)...)

	opt := NewOptimizer(Config{CompressAboveBytes: 1, MaxDuration: time.Millisecond}, nil)
	res := opt.Optimize(corrupt, "broken.wav", "audio/wav")
	if len(res.Audio) == 0 {
		t.Fatalf("empty audio returned")
	}
}

func TestOptimizeSkipsCompressedFormats(t *testing.T) {
	blob := append([]byte("ID3"), bytes.Repeat([]byte{0x00}, 4096)...)
	opt := NewOptimizer(Config{CompressAboveBytes: 1, MaxDuration: time.Millisecond}, nil)

	res := opt.Optimize(blob, "order.mp3", "audio/mpeg")
	if res.Optimized() || !bytes.Equal(res.Audio, blob) {
		t.Fatalf("expected mp3 to pass through, got %v", res.Applied)
	}
}

func TestWavFileName(t *testing.T) {
	cases := map[string]string{
		"":          "audio.wav",
		"order.WAV": "order.WAV",
		"order.mp3": "order.wav",
		"noext":     "noext.wav",
	}
	for in, want := range cases {
		if got := wavFileName(in); got != want {
			t.Fatalf("wavFileName(%q): got %q want %q", in, got, want)
		}
	}
}
