package audio

import (
	"fmt"
	"math"
	"sync"

	resampling "github.com/tphakala/go-audio-resampling"
)

// Resampler converts mono samples between rates. Implementations must return
// exactly outLen samples and must be deterministic for identical input.
type Resampler interface {
	Resample(samples []int16, from, to, outLen int) ([]int16, error)
}

// NewResampler maps a configured resampler name to an implementation.
func NewResampler(name string) (Resampler, error) {
	switch name {
	case "", "linear":
		return Linear{}, nil
	case "hq":
		return HQ{}, nil
	default:
		return nil, fmt.Errorf("unknown resampler %q", name)
	}
}

// Linear interpolates in integer fixed point, so output is bit-reproducible
// across platforms.
type Linear struct{}

func (Linear) Resample(samples []int16, from, to, outLen int) ([]int16, error) {
	if from <= 0 || to <= 0 {
		return nil, fmt.Errorf("invalid rates %d->%d", from, to)
	}
	out := make([]int16, outLen)
	n := len(samples)
	if n == 0 {
		return out, nil
	}
	src, dst := int64(from), int64(to)
	for i := range out {
		pos := int64(i) * src
		idx := int(pos / dst)
		rem := pos % dst
		if idx >= n-1 {
			out[i] = samples[n-1]
			continue
		}
		s0 := int64(samples[idx])
		s1 := int64(samples[idx+1])
		out[i] = int16(s0 + divRound((s1-s0)*rem, dst))
	}
	return out, nil
}

// divRound divides rounding half away from zero; d must be positive.
func divRound(n, d int64) int64 {
	if n >= 0 {
		return (n + d/2) / d
	}
	return (n - d/2) / d
}

// HQ uses a windowed-sinc converter. Output is shifted by the converter's
// measured offset for the rate pair, then fitted to outLen.
type HQ struct{}

func (HQ) Resample(samples []int16, from, to, outLen int) ([]int16, error) {
	input := make([]float64, len(samples))
	for i, s := range samples {
		input[i] = float64(s) / 32768.0
	}
	output, err := runHQ(input, from, to)
	if err != nil {
		return nil, err
	}
	offset, err := hqOffset(from, to)
	if err != nil {
		return nil, err
	}

	out := make([]int16, outLen)
	var last int16
	for i := range out {
		j := i + offset
		if j < 0 {
			continue
		}
		if j < len(output) {
			last = toSample(output[j])
		}
		out[i] = last
	}
	return out, nil
}

// runHQ pushes input plus a silent tail through a fresh converter and drains it.
func runHQ(input []float64, from, to int) ([]float64, error) {
	rs, err := resampling.New(&resampling.Config{
		InputRate:  float64(from),
		OutputRate: float64(to),
		Channels:   1,
		Quality:    resampling.QualitySpec{Preset: resampling.QualityHigh},
	})
	if err != nil {
		return nil, fmt.Errorf("create resampler: %w", err)
	}
	padded := make([]float64, len(input)+from/10+64)
	copy(padded, input)
	output, err := rs.Process(padded)
	if err != nil {
		return nil, fmt.Errorf("process: %w", err)
	}
	rest, err := rs.Flush()
	if err != nil {
		return nil, fmt.Errorf("flush: %w", err)
	}
	return append(output, rest...), nil
}

var hqOffsets sync.Map // [2]int{from, to} -> int

// hqOffset is how many output samples the converter's response to an impulse
// lands after where the rate ratio puts it. Negative means early.
func hqOffset(from, to int) (int, error) {
	key := [2]int{from, to}
	if v, ok := hqOffsets.Load(key); ok {
		return v.(int), nil
	}
	at := from / 5
	impulse := make([]float64, 2*at)
	impulse[at] = 0.5
	output, err := runHQ(impulse, from, to)
	if err != nil {
		return 0, err
	}
	peak := 0
	for i, v := range output {
		if math.Abs(v) > math.Abs(output[peak]) {
			peak = i
		}
	}
	want := int(divRound(int64(at)*int64(to), int64(from)))
	offset := peak - want
	hqOffsets.Store(key, offset)
	return offset, nil
}

func toSample(v float64) int16 {
	s := math.Round(v * 32768.0)
	switch {
	case s > math.MaxInt16:
		return math.MaxInt16
	case s < math.MinInt16:
		return math.MinInt16
	default:
		return int16(s)
	}
}
