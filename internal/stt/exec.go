package stt

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"strings"

	"github.com/loqalabs/loqa-relay/internal/audio"
	"github.com/loqalabs/loqa-relay/internal/config"
	"github.com/loqalabs/loqa-relay/internal/protocol"
	"github.com/mattn/go-shellwords"
)

// execRecognizer hands a temporary WAV file to an external command and reads
// a JSON transcript from its stdout.
type execRecognizer struct {
	cmd       []string
	modelPath string
}

type execResult struct {
	Text       string                       `json:"text"`
	Confidence float64                      `json:"confidence"`
	Segments   []protocol.TranscriptSegment `json:"segments"`
}

func NewExecRecognizer(cfg config.STTConfig) (Recognizer, error) {
	parser := shellwords.NewParser()
	args, err := parser.Parse(cfg.Command)
	if err != nil {
		return nil, fmt.Errorf("parse stt command: %w", err)
	}
	if len(args) == 0 {
		return nil, fmt.Errorf("stt command is empty")
	}
	return &execRecognizer{cmd: args, modelPath: cfg.ModelPath}, nil
}

func (r *execRecognizer) Healthy() bool {
	if _, err := exec.LookPath(r.cmd[0]); err != nil {
		return false
	}
	if r.modelPath != "" {
		if _, err := os.Stat(r.modelPath); err != nil {
			return false
		}
	}
	return true
}

func (r *execRecognizer) Transcribe(ctx context.Context, pcm audio.Normalized, language string) (TranscriptResult, error) {
	file, err := os.CreateTemp("", "relay_stt_*.wav")
	if err != nil {
		return TranscriptResult{}, fmt.Errorf("temp file: %w", err)
	}
	defer os.Remove(file.Name())
	defer file.Close()

	if err := audio.WriteWAV(file, pcm); err != nil {
		return TranscriptResult{}, err
	}

	args := append([]string{}, r.cmd[1:]...)
	args = append(args, "--audio", file.Name())
	if r.modelPath != "" {
		args = append(args, "--model", r.modelPath)
	}
	if language != "" {
		args = append(args, "--language", language)
	}

	command := exec.CommandContext(ctx, r.cmd[0], args...)
	var stdout, stderr bytes.Buffer
	command.Stdout = &stdout
	command.Stderr = &stderr

	if err := command.Run(); err != nil {
		if ctx.Err() != nil {
			return TranscriptResult{}, ctx.Err()
		}
		return TranscriptResult{}, fmt.Errorf("stt command failed: %w: %s", err, strings.TrimSpace(stderr.String()))
	}

	var resp execResult
	if err := json.Unmarshal(stdout.Bytes(), &resp); err != nil {
		return TranscriptResult{}, fmt.Errorf("decode stt response: %w", err)
	}
	return TranscriptResult{
		Text:       strings.TrimSpace(resp.Text),
		Confidence: resp.Confidence,
		Segments:   resp.Segments,
	}, nil
}
