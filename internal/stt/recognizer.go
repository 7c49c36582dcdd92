package stt

import (
	"context"

	"github.com/loqalabs/loqa-relay/internal/audio"
	"github.com/loqalabs/loqa-relay/internal/protocol"
)

// TranscriptResult captures recognizer output.
type TranscriptResult struct {
	Text       string
	Confidence float64
	Segments   []protocol.TranscriptSegment
}

// Recognizer abstracts STT backends. Audio is always mono at the configured
// recognition rate.
type Recognizer interface {
	Transcribe(ctx context.Context, pcm audio.Normalized, language string) (TranscriptResult, error)
}

// HealthChecker is implemented by recognizers that can report readiness.
type HealthChecker interface {
	Healthy() bool
}
