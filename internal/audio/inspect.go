package audio

import (
	"bytes"
	"mime"
	"strings"
	"time"

	"github.com/gabriel-vasile/mimetype"
	"github.com/go-audio/wav"
)

type Format string

const (
	FormatWAV     Format = "wav"
	FormatMP3     Format = "mp3"
	FormatOGG     Format = "ogg"
	FormatWebM    Format = "webm"
	FormatM4A     Format = "m4a"
	FormatMP4     Format = "mp4"
	FormatFLAC    Format = "flac"
	FormatUnknown Format = "unknown"
)

// Assumed encoder bitrates (bits/s) for formats whose duration cannot be
// read from a header without a full demuxer.
var assumedBitrates = map[Format]float64{
	FormatMP3:     128_000,
	FormatOGG:     32_000,
	FormatWebM:    32_000,
	FormatM4A:     64_000,
	FormatMP4:     64_000,
	FormatFLAC:    700_000,
	FormatUnknown: 128_000,
}

// Info describes an audio blob as far as it can be determined from its bytes.
type Info struct {
	MIMEType   string
	Format     Format
	Size       int
	Duration   time.Duration
	SampleRate int
	Channels   int
	BitDepth   int
	// PCM is true for uncompressed integer WAV that this package can re-encode.
	PCM bool
}

func Inspect(audio []byte) Info {
	detected := mimetype.Detect(audio)
	info := Info{
		MIMEType: detected.String(),
		Format:   formatOf(detected),
		Size:     len(audio),
	}

	if info.Format == FormatWAV {
		dec := wav.NewDecoder(bytes.NewReader(audio))
		if dec.IsValidFile() {
			info.SampleRate = int(dec.SampleRate)
			info.Channels = int(dec.NumChans)
			info.BitDepth = int(dec.BitDepth)
			info.PCM = dec.WavAudioFormat == 1
			if d, err := dec.Duration(); err == nil && d > 0 {
				info.Duration = d
				return info
			}
		}
		info.Duration = pcmDuration(len(audio), info.SampleRate, info.Channels, info.BitDepth)
		return info
	}

	bitrate := assumedBitrates[info.Format]
	info.Duration = time.Duration(float64(len(audio)) * 8 / bitrate * float64(time.Second))
	return info
}

// EstimateDuration returns the best available duration estimate for the blob.
func EstimateDuration(audio []byte) time.Duration {
	return Inspect(audio).Duration
}

// NormalizeMIME strips parameters and lowercases a declared content type.
func NormalizeMIME(declared string) string {
	declared = strings.TrimSpace(declared)
	if declared == "" {
		return ""
	}
	if mediaType, _, err := mime.ParseMediaType(declared); err == nil {
		return strings.ToLower(mediaType)
	}
	return strings.ToLower(declared)
}

// SniffMIME detects the content type from the bytes themselves.
func SniffMIME(audio []byte) string {
	return NormalizeMIME(mimetype.Detect(audio).String())
}

func formatOf(m *mimetype.MIME) Format {
	switch {
	case m.Is("audio/wav"):
		return FormatWAV
	case m.Is("audio/mpeg"):
		return FormatMP3
	case m.Is("audio/ogg"), m.Is("application/ogg"):
		return FormatOGG
	case m.Is("audio/webm"), m.Is("video/webm"):
		return FormatWebM
	case m.Is("audio/x-m4a"):
		return FormatM4A
	case m.Is("audio/mp4"), m.Is("video/mp4"):
		return FormatMP4
	case m.Is("audio/flac"):
		return FormatFLAC
	default:
		return FormatUnknown
	}
}

func pcmDuration(size, sampleRate, channels, bitDepth int) time.Duration {
	if sampleRate <= 0 {
		sampleRate = 16000
	}
	if channels <= 0 {
		channels = 1
	}
	if bitDepth <= 0 {
		bitDepth = 16
	}
	bytesPerSecond := float64(sampleRate * channels * bitDepth / 8)
	return time.Duration(float64(size) / bytesPerSecond * float64(time.Second))
}
