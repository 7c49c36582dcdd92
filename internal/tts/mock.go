package tts

import (
	"context"
	"encoding/binary"
	"math"
	"time"
	"unicode/utf8"
)

// mockSynth renders a speech-like tone whose length follows the text length.
type mockSynth struct {
	sampleRate int
	piece      time.Duration
	pace       time.Duration
}

// NewMockSynth returns a deterministic tone generator. pace is the delay
// between pieces and may be zero.
func NewMockSynth(sampleRate int, pace time.Duration) Synthesizer {
	return &mockSynth{sampleRate: sampleRate, piece: 100 * time.Millisecond, pace: pace}
}

func (m *mockSynth) Synthesize(ctx context.Context, req SynthRequest) (<-chan SynthChunk, <-chan error) {
	chunks := make(chan SynthChunk)
	errs := make(chan error, 1)
	go func() {
		defer close(chunks)
		defer close(errs)

		wave := toneFor(req.Text, m.sampleRate)
		step := int(int64(m.sampleRate) * int64(m.piece) / int64(time.Second))
		for start := 0; start < len(wave); start += step {
			end := min(start+step, len(wave))
			pcm := make([]byte, (end-start)*2)
			for i, s := range wave[start:end] {
				binary.LittleEndian.PutUint16(pcm[i*2:], uint16(s))
			}
			select {
			case chunks <- SynthChunk{SampleRate: m.sampleRate, Channels: 1, PCM: pcm, Final: end == len(wave)}:
			case <-ctx.Done():
				errs <- ctx.Err()
				return
			}
			if m.pace > 0 {
				select {
				case <-time.After(m.pace):
				case <-ctx.Done():
					errs <- ctx.Err()
					return
				}
			}
		}
	}()
	return chunks, errs
}

// toneFor mixes 200, 400 and 800 Hz with a dip every 300 ms. Duration is
// 100 ms per character, clamped to [1s, 5s].
func toneFor(text string, rate int) []int16 {
	seconds := math.Max(1, math.Min(5, float64(utf8.RuneCountInString(text))*0.1))
	n := int(float64(rate) * seconds)
	wave := make([]float64, n)
	for i := range wave {
		t := float64(i) / float64(rate)
		wave[i] = 0.3*math.Sin(2*math.Pi*200*t) +
			0.2*math.Sin(2*math.Pi*400*t) +
			0.1*math.Sin(2*math.Pi*800*t)
	}
	period, guard, dip := rate*3/10, rate/10, rate/20
	for i := 0; period > 0 && i < n; i += period {
		if i+guard < n {
			for j := i; j < i+dip && j < n; j++ {
				wave[j] *= 0.3
			}
		}
	}
	out := make([]int16, n)
	for i, v := range wave {
		out[i] = int16(v * 32767)
	}
	return out
}
