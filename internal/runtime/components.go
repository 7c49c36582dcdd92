package runtime

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/loqalabs/loqa-relay/internal/audio"
	"github.com/loqalabs/loqa-relay/internal/bus"
	"github.com/loqalabs/loqa-relay/internal/config"
	"github.com/loqalabs/loqa-relay/internal/eventstore"
	"github.com/loqalabs/loqa-relay/internal/gateway"
	"github.com/loqalabs/loqa-relay/internal/limiter"
	"github.com/loqalabs/loqa-relay/internal/stt"
	"github.com/loqalabs/loqa-relay/internal/tts"
)

// component is one HTTP-facing part of the relay.
type component struct {
	name    string
	addr    string
	handler http.Handler
	healthy func() bool
	close   func()
}

func buildComponents(ctx context.Context, cfg config.Config, busClient *bus.Client, store *eventstore.Store, logger *slog.Logger) ([]component, error) {
	var out []component

	if cfg.TTS.Enabled {
		synth, err := newSynthesizer(cfg)
		if err != nil {
			return nil, err
		}
		streamer := tts.NewStreamer(synth, limiter.New("tts-engine", cfg.TTS.Limits), tts.StreamerConfig{
			ChunkSize:     cfg.Audio.ChunkSize,
			SampleRate:    cfg.Audio.SynthesisSampleRate,
			MaxTextLength: cfg.TTS.MaxTextLength,
			Voice:         cfg.TTS.Voice,
			Language:      cfg.TTS.Language,
		}, logger)
		svc := tts.NewService(ctx, streamer, synth, busClient, logger)
		out = append(out, component{name: "tts", addr: cfg.TTS.HTTP.Addr(), handler: svc.Handler(), healthy: svc.Healthy, close: svc.Close})
	}

	if cfg.STT.Enabled {
		recognizer, err := newRecognizer(cfg.STT)
		if err != nil {
			return nil, err
		}
		resampler, err := audio.NewResampler(cfg.Audio.Resampler)
		if err != nil {
			return nil, err
		}
		normalizer := audio.Normalizer{
			TargetRate:  cfg.Audio.RecognitionSampleRate,
			MaxDuration: cfg.Audio.MaxDuration(),
			Resampler:   resampler,
		}
		svc := stt.NewService(cfg.STT, cfg.Audio, normalizer, recognizer, limiter.New("stt-engine", cfg.STT.Limits), busClient, logger)
		out = append(out, component{name: "stt", addr: cfg.STT.HTTP.Addr(), handler: svc.Handler(), healthy: svc.Healthy, close: func() {}})
	}

	if cfg.Gateway.Enabled {
		ttsClient, err := gateway.NewTTSClient(cfg.Gateway.TTSURL, limiter.New("gateway-tts", cfg.Gateway.TTSLimits))
		if err != nil {
			return nil, err
		}
		asrClient, err := gateway.NewASRClient(cfg.Gateway.ASRURL, limiter.New("gateway-asr", cfg.Gateway.ASRLimits))
		if err != nil {
			return nil, err
		}
		journal := gateway.NewJournal(store, busClient, logger)
		gw := gateway.New(ctx, cfg.Gateway, cfg.Audio, ttsClient, asrClient, journal, logger)
		out = append(out, component{name: "gateway", addr: cfg.Gateway.HTTP.Addr(), handler: gw.Handler(), healthy: gw.Healthy, close: gw.Close})
	}

	return out, nil
}

func newSynthesizer(cfg config.Config) (tts.Synthesizer, error) {
	switch cfg.TTS.Mode {
	case "", "mock":
		return tts.NewMockSynth(cfg.Audio.SynthesisSampleRate, 20*time.Millisecond), nil
	case "exec":
		return tts.NewExecSynth(cfg.TTS.Command, cfg.Audio.SynthesisSampleRate)
	default:
		return nil, fmt.Errorf("unknown tts mode %q", cfg.TTS.Mode)
	}
}

func newRecognizer(cfg config.STTConfig) (stt.Recognizer, error) {
	switch cfg.Mode {
	case "", "mock":
		return stt.NewMockRecognizer(), nil
	case "exec":
		return stt.NewExecRecognizer(cfg)
	default:
		return nil, fmt.Errorf("unknown stt mode %q", cfg.Mode)
	}
}
