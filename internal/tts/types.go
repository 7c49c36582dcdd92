package tts

import "context"

// SynthRequest contains parameters to synthesize one text.
type SynthRequest struct {
	Text     string
	Voice    string
	Language string
}

// SynthChunk is one piece of engine output. SampleRate and Channels default to
// the configured synthesis rate and mono when zero.
type SynthChunk struct {
	SampleRate int
	Channels   int
	PCM        []byte
	Final      bool
}

// Synthesizer is the contract for producing audio. The chunk channel is closed
// when synthesis ends; at most one error is delivered on the error channel.
// Implementations must stop sending once ctx is done.
type Synthesizer interface {
	Synthesize(ctx context.Context, req SynthRequest) (<-chan SynthChunk, <-chan error)
}

// HealthChecker is implemented by engines that can report readiness.
type HealthChecker interface {
	Healthy() bool
}
