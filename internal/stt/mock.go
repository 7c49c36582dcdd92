package stt

import (
	"context"
	"fmt"

	"github.com/loqalabs/loqa-relay/internal/audio"
	"github.com/loqalabs/loqa-relay/internal/protocol"
)

// silencePeak is roughly -40 dBFS.
const silencePeak = 328

type mockRecognizer struct{}

// NewMockRecognizer returns a recognizer that reports silence as no speech and
// describes anything else by its duration.
func NewMockRecognizer() Recognizer {
	return &mockRecognizer{}
}

func (m *mockRecognizer) Transcribe(ctx context.Context, pcm audio.Normalized, _ string) (TranscriptResult, error) {
	if err := ctx.Err(); err != nil {
		return TranscriptResult{}, err
	}
	if pcm.Peak() < silencePeak {
		return TranscriptResult{}, nil
	}
	seconds := pcm.Duration().Seconds()
	text := fmt.Sprintf("heard %.1f seconds of audio", seconds)
	return TranscriptResult{
		Text:       text,
		Confidence: 1,
		Segments:   []protocol.TranscriptSegment{{Start: 0, End: seconds, Text: text}},
	}, nil
}
