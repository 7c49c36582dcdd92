// Package audio holds the PCM contract shared by the relay: raw interleaved
// s16le buffers, their conversion into canonical mono audio, and WAV export.
package audio

import (
	"bytes"
	"encoding/binary"
	"time"

	"github.com/loqalabs/loqa-relay/internal/fault"
)

const bytesPerSample = 2

// PCMBuffer is raw interleaved 16-bit little-endian audio. Rate and channel
// count always travel out of band.
type PCMBuffer struct {
	Data       []byte
	SampleRate int
	Channels   int
}

// Validate checks the out-of-band parameters and frame alignment.
func (b PCMBuffer) Validate() error {
	if b.SampleRate <= 0 {
		return fault.New(fault.MalformedAudio, "sample rate must be positive, got %d", b.SampleRate)
	}
	if b.Channels <= 0 {
		return fault.New(fault.MalformedAudio, "channel count must be positive, got %d", b.Channels)
	}
	if frame := b.Channels * bytesPerSample; len(b.Data)%frame != 0 {
		return fault.New(fault.MalformedAudio, "byte length %d is not a multiple of frame size %d", len(b.Data), frame)
	}
	return nil
}

// Frames is the number of complete sample frames in the buffer.
func (b PCMBuffer) Frames() int {
	if b.Channels <= 0 {
		return 0
	}
	return len(b.Data) / (b.Channels * bytesPerSample)
}

func (b PCMBuffer) Duration() time.Duration {
	if b.SampleRate <= 0 {
		return 0
	}
	return framesDuration(b.Frames(), b.SampleRate)
}

// Normalized is mono audio at a fixed rate, bounded by a duration ceiling.
// Only Normalize produces it and its bytes are never exposed for mutation.
type Normalized struct {
	data []byte
	rate int
}

// Bytes returns a copy of the PCM payload.
func (n Normalized) Bytes() []byte {
	return bytes.Clone(n.data)
}

func (n Normalized) Len() int        { return len(n.data) }
func (n Normalized) SampleRate() int { return n.rate }
func (n Normalized) Empty() bool     { return len(n.data) == 0 }
func (n Normalized) Frames() int     { return len(n.data) / bytesPerSample }
func (n Normalized) Duration() time.Duration {
	if n.rate <= 0 {
		return 0
	}
	return framesDuration(n.Frames(), n.rate)
}

// Peak returns the largest absolute sample value.
func (n Normalized) Peak() int {
	peak := 0
	for i := 0; i+1 < len(n.data); i += bytesPerSample {
		s := int(int16(binary.LittleEndian.Uint16(n.data[i:])))
		if s < 0 {
			s = -s
		}
		if s > peak {
			peak = s
		}
	}
	return peak
}

func framesDuration(frames, rate int) time.Duration {
	return time.Duration(int64(frames) * int64(time.Second) / int64(rate))
}

func decodeSamples(data []byte) []int16 {
	out := make([]int16, len(data)/bytesPerSample)
	for i := range out {
		out[i] = int16(binary.LittleEndian.Uint16(data[i*bytesPerSample:]))
	}
	return out
}

func encodeSamples(samples []int16) []byte {
	out := make([]byte, len(samples)*bytesPerSample)
	for i, s := range samples {
		binary.LittleEndian.PutUint16(out[i*bytesPerSample:], uint16(s))
	}
	return out
}
