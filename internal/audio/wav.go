// Package audio provides linear PCM helpers and the WAV container used to
// persist generated narration. The provider emits headerless 16-bit
// little-endian PCM; everything here works in that format.
package audio

import (
	"encoding/binary"
	"errors"
	"fmt"
	"time"
)

// Provider-native output format.
const (
	DefaultSampleRate = 24000
	DefaultChannels   = 1
	BitDepth          = 16
)

var (
	// ErrEmptyPCM is returned when PCM data is empty.
	ErrEmptyPCM = errors.New("empty PCM data")
	// ErrNotWAV is returned when data lacks a RIFF/WAVE header.
	ErrNotWAV = errors.New("not a RIFF/WAVE file")
	// ErrUnsupportedFormat is returned for non-PCM16 WAV content.
	ErrUnsupportedFormat = errors.New("unsupported WAV format: want 16-bit PCM")
)

// Format describes raw PCM parameters.
type Format struct {
	SampleRate int
	Channels   int
}

// DefaultFormat returns the provider's native output format.
func DefaultFormat() Format {
	return Format{SampleRate: DefaultSampleRate, Channels: DefaultChannels}
}

// BytesPerFrame returns bytes per sample frame across all channels.
func (f Format) BytesPerFrame() int {
	return BitDepth / 8 * f.Channels
}

// Validate checks PCM data against the format.
func (f Format) Validate(pcm []byte) error {
	if len(pcm) == 0 {
		return ErrEmptyPCM
	}
	if bpf := f.BytesPerFrame(); len(pcm)%bpf != 0 {
		return fmt.Errorf("PCM length %d is not aligned to %d-byte frames", len(pcm), bpf)
	}
	return nil
}

// Duration returns the playing time of pcm in the format.
func (f Format) Duration(pcm []byte) time.Duration {
	bpf := f.BytesPerFrame()
	if f.SampleRate == 0 || bpf == 0 {
		return 0
	}
	frames := len(pcm) / bpf
	return time.Duration(float64(frames) / float64(f.SampleRate) * float64(time.Second))
}

// Silence returns d worth of silent PCM in the format.
func (f Format) Silence(d time.Duration) []byte {
	frames := int(d.Seconds() * float64(f.SampleRate))
	if frames < 0 {
		frames = 0
	}
	return make([]byte, frames*f.BytesPerFrame())
}

// Samples decodes pcm into normalized float64 samples in [-1, 1]. Stereo
// input is mixed down to mono so signal analysis sees one channel.
func (f Format) Samples(pcm []byte) []float64 {
	bpf := f.BytesPerFrame()
	if bpf == 0 || len(pcm) < bpf {
		return nil
	}
	frames := len(pcm) / bpf
	out := make([]float64, frames)
	for i := 0; i < frames; i++ {
		var sum float64
		for ch := 0; ch < f.Channels; ch++ {
			off := i*bpf + ch*2
			s := int16(binary.LittleEndian.Uint16(pcm[off : off+2]))
			sum += float64(s) / 32768.0
		}
		out[i] = sum / float64(f.Channels)
	}
	return out
}

// EncodeWAV wraps pcm in a canonical RIFF/WAVE container.
func EncodeWAV(pcm []byte, f Format) []byte {
	byteRate := f.SampleRate * f.BytesPerFrame()
	blockAlign := f.BytesPerFrame()

	buf := make([]byte, 0, 44+len(pcm))
	buf = append(buf, "RIFF"...)
	buf = binary.LittleEndian.AppendUint32(buf, uint32(36+len(pcm)))
	buf = append(buf, "WAVE"...)

	buf = append(buf, "fmt "...)
	buf = binary.LittleEndian.AppendUint32(buf, 16)
	buf = binary.LittleEndian.AppendUint16(buf, 1) // PCM
	buf = binary.LittleEndian.AppendUint16(buf, uint16(f.Channels))
	buf = binary.LittleEndian.AppendUint32(buf, uint32(f.SampleRate))
	buf = binary.LittleEndian.AppendUint32(buf, uint32(byteRate))
	buf = binary.LittleEndian.AppendUint16(buf, uint16(blockAlign))
	buf = binary.LittleEndian.AppendUint16(buf, BitDepth)

	buf = append(buf, "data"...)
	buf = binary.LittleEndian.AppendUint32(buf, uint32(len(pcm)))
	buf = append(buf, pcm...)
	return buf
}

// DecodeWAV extracts PCM data and its format from a RIFF/WAVE container.
// Chunks other than fmt and data are skipped, so files with LIST or other
// metadata chunks decode fine.
func DecodeWAV(data []byte) ([]byte, Format, error) {
	var f Format
	if len(data) < 12 || string(data[0:4]) != "RIFF" || string(data[8:12]) != "WAVE" {
		return nil, f, ErrNotWAV
	}

	var pcm []byte
	sawFmt := false
	pos := 12
	for pos+8 <= len(data) {
		id := string(data[pos : pos+4])
		size := int(binary.LittleEndian.Uint32(data[pos+4 : pos+8]))
		body := pos + 8
		if body+size > len(data) {
			size = len(data) - body
		}

		switch id {
		case "fmt ":
			if size < 16 {
				return nil, f, ErrUnsupportedFormat
			}
			audioFormat := binary.LittleEndian.Uint16(data[body : body+2])
			channels := binary.LittleEndian.Uint16(data[body+2 : body+4])
			sampleRate := binary.LittleEndian.Uint32(data[body+4 : body+8])
			bits := binary.LittleEndian.Uint16(data[body+14 : body+16])
			if audioFormat != 1 || bits != BitDepth {
				return nil, f, ErrUnsupportedFormat
			}
			f.Channels = int(channels)
			f.SampleRate = int(sampleRate)
			sawFmt = true
		case "data":
			pcm = data[body : body+size]
		}

		// Chunk bodies are word-aligned.
		pos = body + size
		if size%2 == 1 {
			pos++
		}
	}

	if !sawFmt || pcm == nil {
		return nil, f, ErrNotWAV
	}
	return pcm, f, nil
}
