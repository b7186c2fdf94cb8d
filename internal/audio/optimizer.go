package audio

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"slices"
	"strings"
	"time"

	goaudio "github.com/go-audio/audio"
	"github.com/go-audio/wav"
)

const (
	StepCompress = "compress"
	StepTrim     = "trim"
	StepConvert  = "convert"
)

type Config struct {
	// CompressAboveBytes triggers downmixing/resampling of larger blobs.
	CompressAboveBytes int
	MaxDuration        time.Duration
	TargetSampleRate   int
}

func DefaultConfig() Config {
	return Config{
		CompressAboveBytes: 1 << 20,
		MaxDuration:        120 * time.Second,
		TargetSampleRate:   16000,
	}
}

type Result struct {
	Audio         []byte
	FileName      string
	MIMEType      string
	Applied       []string
	OriginalSize  int
	OptimizedSize int
	Duration      time.Duration
}

func (r Result) Optimized() bool {
	return len(r.Applied) > 0
}

func (r Result) CompressionRatio() float64 {
	if r.OriginalSize == 0 {
		return 1
	}
	return float64(r.OptimizedSize) / float64(r.OriginalSize)
}

type Optimizer struct {
	cfg    Config
	logger *slog.Logger
}

func NewOptimizer(cfg Config, logger *slog.Logger) *Optimizer {
	def := DefaultConfig()
	if cfg.CompressAboveBytes <= 0 {
		cfg.CompressAboveBytes = def.CompressAboveBytes
	}
	if cfg.TargetSampleRate <= 0 {
		cfg.TargetSampleRate = def.TargetSampleRate
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Optimizer{cfg: cfg, logger: logger.With("component", "audio.Optimizer")}
}

// Optimize applies compression, trimming and format conversion where each
// one makes the upload cheaper. It never fails: on any internal problem the
// original blob is returned untouched.
func (o *Optimizer) Optimize(audio []byte, fileName, mimeType string) (res Result) {
	info := Inspect(audio)
	original := Result{
		Audio:         audio,
		FileName:      fileName,
		MIMEType:      mimeType,
		OriginalSize:  len(audio),
		OptimizedSize: len(audio),
		Duration:      info.Duration,
	}
	if original.MIMEType == "" {
		original.MIMEType = info.MIMEType
	}

	defer func() {
		if rec := recover(); rec != nil {
			o.logger.Warn("optimization panicked, using original audio", "panic", rec, "file_name", fileName)
			res = original
		}
	}()

	if info.Format != FormatWAV || !info.PCM {
		if o.cfg.MaxDuration > 0 && info.Duration > o.cfg.MaxDuration {
			o.logger.Debug("cannot trim compressed audio, sending as is", "format", info.Format, "duration_ms", info.Duration.Milliseconds())
		}
		return original
	}

	buf, err := decodePCM(audio)
	if err != nil {
		o.logger.Warn("wav decode failed, using original audio", "error", err, "file_name", fileName)
		return original
	}

	var applied []string
	if o.cfg.MaxDuration > 0 && info.Duration > o.cfg.MaxDuration {
		buf = trim(buf, o.cfg.MaxDuration)
		applied = append(applied, StepTrim)
	}
	if len(audio) > o.cfg.CompressAboveBytes {
		changed := false
		if buf.Format.NumChannels > 1 {
			buf = downmix(buf)
			changed = true
		}
		if buf.Format.SampleRate > o.cfg.TargetSampleRate {
			buf = resample(buf, o.cfg.TargetSampleRate)
			changed = true
		}
		if changed {
			applied = append(applied, StepCompress)
		}
	}
	if buf.SourceBitDepth != 16 {
		buf = toPCM16(buf)
		applied = append(applied, StepConvert)
	}
	if len(applied) == 0 {
		return original
	}

	encoded, err := encodePCM16(buf)
	if err != nil {
		o.logger.Warn("wav encode failed, using original audio", "error", err, "file_name", fileName)
		return original
	}
	if len(encoded) >= len(audio) && !slices.Contains(applied, StepTrim) {
		return original
	}

	return Result{
		Audio:         encoded,
		FileName:      wavFileName(fileName),
		MIMEType:      "audio/wav",
		Applied:       applied,
		OriginalSize:  len(audio),
		OptimizedSize: len(encoded),
		Duration:      bufferDuration(buf),
	}
}

func decodePCM(audio []byte) (*goaudio.IntBuffer, error) {
	dec := wav.NewDecoder(bytes.NewReader(audio))
	if !dec.IsValidFile() {
		return nil, errors.New("invalid wav file")
	}
	buf, err := dec.FullPCMBuffer()
	if err != nil && !errors.Is(err, io.EOF) {
		return nil, err
	}
	if buf == nil || buf.Format == nil || len(buf.Data) == 0 {
		return nil, errors.New("empty wav buffer")
	}
	if buf.SourceBitDepth <= 0 {
		buf.SourceBitDepth = int(dec.BitDepth)
	}
	if buf.Format.NumChannels <= 0 {
		buf.Format.NumChannels = 1
	}
	return buf, nil
}

func trim(buf *goaudio.IntBuffer, max time.Duration) *goaudio.IntBuffer {
	frames := int(max.Seconds() * float64(buf.Format.SampleRate))
	keep := frames * buf.Format.NumChannels
	if keep >= len(buf.Data) {
		return buf
	}
	return &goaudio.IntBuffer{
		Format:         buf.Format,
		Data:           buf.Data[:keep],
		SourceBitDepth: buf.SourceBitDepth,
	}
}

func downmix(buf *goaudio.IntBuffer) *goaudio.IntBuffer {
	channels := buf.Format.NumChannels
	frames := len(buf.Data) / channels
	out := make([]int, frames)
	for i := 0; i < frames; i++ {
		sum := 0
		for c := 0; c < channels; c++ {
			sum += buf.Data[i*channels+c]
		}
		out[i] = sum / channels
	}
	return &goaudio.IntBuffer{
		Format:         &goaudio.Format{NumChannels: 1, SampleRate: buf.Format.SampleRate},
		Data:           out,
		SourceBitDepth: buf.SourceBitDepth,
	}
}

// resample converts mono audio with linear interpolation.
func resample(buf *goaudio.IntBuffer, outRate int) *goaudio.IntBuffer {
	inRate := buf.Format.SampleRate
	if buf.Format.NumChannels != 1 || inRate <= 0 || inRate == outRate || len(buf.Data) == 0 {
		return buf
	}
	ratio := float64(outRate) / float64(inRate)
	outLen := max(int(float64(len(buf.Data))*ratio), 1)
	out := make([]int, outLen)
	last := len(buf.Data) - 1
	for i := range out {
		pos := float64(i) / ratio
		i0 := int(pos)
		if i0 >= last {
			out[i] = buf.Data[last]
			continue
		}
		frac := pos - float64(i0)
		s0, s1 := float64(buf.Data[i0]), float64(buf.Data[i0+1])
		out[i] = int(s0 + (s1-s0)*frac)
	}
	return &goaudio.IntBuffer{
		Format:         &goaudio.Format{NumChannels: 1, SampleRate: outRate},
		Data:           out,
		SourceBitDepth: buf.SourceBitDepth,
	}
}

func toPCM16(buf *goaudio.IntBuffer) *goaudio.IntBuffer {
	depth := buf.SourceBitDepth
	out := make([]int, len(buf.Data))
	for i, v := range buf.Data {
		switch {
		case depth == 8:
			// 8-bit WAV is unsigned.
			out[i] = (v - 128) << 8
		case depth > 16:
			out[i] = v >> (depth - 16)
		case depth < 16:
			out[i] = v << (16 - depth)
		default:
			out[i] = v
		}
	}
	return &goaudio.IntBuffer{Format: buf.Format, Data: out, SourceBitDepth: 16}
}

func encodePCM16(buf *goaudio.IntBuffer) ([]byte, error) {
	ws := &memWriteSeeker{}
	enc := wav.NewEncoder(ws, buf.Format.SampleRate, 16, buf.Format.NumChannels, 1)
	if err := enc.Write(buf); err != nil {
		return nil, fmt.Errorf("write samples: %w", err)
	}
	if err := enc.Close(); err != nil {
		return nil, fmt.Errorf("finalize wav: %w", err)
	}
	return ws.buf, nil
}

func bufferDuration(buf *goaudio.IntBuffer) time.Duration {
	if buf.Format.SampleRate <= 0 || buf.Format.NumChannels <= 0 {
		return 0
	}
	frames := len(buf.Data) / buf.Format.NumChannels
	return time.Duration(float64(frames) / float64(buf.Format.SampleRate) * float64(time.Second))
}

func wavFileName(name string) string {
	if name == "" {
		return "audio.wav"
	}
	ext := filepath.Ext(name)
	if strings.EqualFold(ext, ".wav") {
		return name
	}
	return strings.TrimSuffix(name, ext) + ".wav"
}

// memWriteSeeker is the in-memory io.WriteSeeker the wav encoder needs to
// patch its header sizes on Close.
type memWriteSeeker struct {
	buf []byte
	pos int
}

func (m *memWriteSeeker) Write(p []byte) (int, error) {
	end := m.pos + len(p)
	if end > len(m.buf) {
		m.buf = append(m.buf, make([]byte, end-len(m.buf))...)
	}
	copy(m.buf[m.pos:], p)
	m.pos = end
	return len(p), nil
}

func (m *memWriteSeeker) Seek(offset int64, whence int) (int64, error) {
	var next int64
	switch whence {
	case io.SeekStart:
		next = offset
	case io.SeekCurrent:
		next = int64(m.pos) + offset
	case io.SeekEnd:
		next = int64(len(m.buf)) + offset
	default:
		return 0, errors.New("invalid whence")
	}
	if next < 0 {
		return 0, errors.New("negative position")
	}
	m.pos = int(next)
	return next, nil
}
