package audio

import (
	"bytes"
	"fmt"
	"time"

	"github.com/loqalabs/loqa-relay/internal/fault"
)

// Normalizer converts arbitrary PCM into mono audio at TargetRate.
type Normalizer struct {
	TargetRate  int
	MaxDuration time.Duration
	// Resampler defaults to Linear when nil.
	Resampler Resampler
}

// Normalize folds, resamples and bounds buf using the linear resampler.
func Normalize(buf PCMBuffer, targetRate int, maxDuration time.Duration) (Normalized, error) {
	return Normalizer{TargetRate: targetRate, MaxDuration: maxDuration}.Normalize(buf)
}

// Normalize fails with MalformedAudio for bad parameters or misaligned data and
// with AudioTooLong when the resampled duration exceeds MaxDuration. It never
// truncates. An empty buffer yields empty audio.
func (n Normalizer) Normalize(buf PCMBuffer) (Normalized, error) {
	if n.TargetRate <= 0 {
		return Normalized{}, fmt.Errorf("normalizer target rate must be positive, got %d", n.TargetRate)
	}
	if err := buf.Validate(); err != nil {
		return Normalized{}, err
	}

	frames := buf.Frames()
	if frames == 0 {
		return Normalized{data: []byte{}, rate: n.TargetRate}, nil
	}

	outLen := ResampledLength(frames, buf.SampleRate, n.TargetRate)
	if n.MaxDuration > 0 && exceeds(outLen, n.TargetRate, n.MaxDuration) {
		return Normalized{}, fault.New(fault.AudioTooLong,
			"audio duration %.2fs exceeds limit of %.2fs",
			float64(outLen)/float64(n.TargetRate), n.MaxDuration.Seconds())
	}

	if buf.Channels == 1 && buf.SampleRate == n.TargetRate {
		return Normalized{data: bytes.Clone(buf.Data), rate: n.TargetRate}, nil
	}

	mono := foldSamples(buf.Data, buf.Channels)
	if buf.SampleRate != n.TargetRate {
		rs := n.Resampler
		if rs == nil {
			rs = Linear{}
		}
		var err error
		mono, err = rs.Resample(mono, buf.SampleRate, n.TargetRate, outLen)
		if err != nil {
			return Normalized{}, fmt.Errorf("resample %d->%d: %w", buf.SampleRate, n.TargetRate, err)
		}
		if len(mono) != outLen {
			return Normalized{}, fmt.Errorf("resampler returned %d frames, expected %d", len(mono), outLen)
		}
	}
	return Normalized{data: encodeSamples(mono), rate: n.TargetRate}, nil
}

// ResampledLength is round(frames * to / from), halves rounded up.
func ResampledLength(frames, from, to int) int {
	if from == to {
		return frames
	}
	return int((int64(frames)*int64(to)*2 + int64(from)) / (2 * int64(from)))
}

func exceeds(frames, rate int, limit time.Duration) bool {
	return int64(frames)*int64(time.Second) > int64(limit)*int64(rate)
}

// Downmix folds buf into mono at its own rate.
func Downmix(buf PCMBuffer) (PCMBuffer, error) {
	if err := buf.Validate(); err != nil {
		return PCMBuffer{}, err
	}
	if buf.Channels == 1 {
		return buf, nil
	}
	return PCMBuffer{
		Data:       encodeSamples(foldSamples(buf.Data, buf.Channels)),
		SampleRate: buf.SampleRate,
		Channels:   1,
	}, nil
}

// foldSamples averages each frame with rounding half away from zero.
func foldSamples(data []byte, channels int) []int16 {
	samples := decodeSamples(data)
	if channels == 1 {
		return samples
	}
	frames := len(samples) / channels
	out := make([]int16, frames)
	half := int32(channels / 2)
	for f := 0; f < frames; f++ {
		var sum int32
		for c := 0; c < channels; c++ {
			sum += int32(samples[f*channels+c])
		}
		if sum >= 0 {
			out[f] = int16((sum + half) / int32(channels))
		} else {
			out[f] = int16((sum - half) / int32(channels))
		}
	}
	return out
}
