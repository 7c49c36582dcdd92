package stt

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/loqalabs/loqa-relay/internal/audio"
	"github.com/loqalabs/loqa-relay/internal/bus"
	"github.com/loqalabs/loqa-relay/internal/config"
	"github.com/loqalabs/loqa-relay/internal/fault"
	"github.com/loqalabs/loqa-relay/internal/limiter"
	"github.com/loqalabs/loqa-relay/internal/protocol"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
)

// Transcript is the outcome of one recognition.
type Transcript struct {
	Text     string
	Segments []protocol.TranscriptSegment
	Duration time.Duration
}

type Service struct {
	cfg        config.STTConfig
	audioCfg   config.AudioConfig
	normalizer audio.Normalizer
	recognizer Recognizer
	limiter    *limiter.Limiter
	bus        *bus.Client
	logger     *slog.Logger
	latency    metric.Float64Histogram
	outcomes   metric.Int64Counter
}

func NewService(cfg config.STTConfig, audioCfg config.AudioConfig, normalizer audio.Normalizer, recognizer Recognizer, lim *limiter.Limiter, busClient *bus.Client, log *slog.Logger) *Service {
	s := &Service{
		cfg:        cfg,
		audioCfg:   audioCfg,
		normalizer: normalizer,
		recognizer: recognizer,
		limiter:    lim,
		bus:        busClient,
		logger:     log.With(slog.String("component", "stt-service")),
	}
	meter := otel.Meter("github.com/loqalabs/loqa-relay/stt")
	s.latency, _ = meter.Float64Histogram("relay.stt.latency", metric.WithDescription("Recognition engine latency"), metric.WithUnit("s"))
	s.outcomes, _ = meter.Int64Counter("relay.stt.requests", metric.WithDescription("Recognition requests by outcome"))
	return s
}

func (s *Service) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/stt/bytes", s.handleBytes)
	mux.HandleFunc("GET /health", s.handleHealth)
	return mux
}

func (s *Service) Healthy() bool {
	if hc, ok := s.recognizer.(HealthChecker); ok {
		return hc.Healthy()
	}
	return true
}

// Recognize normalizes buf to the recognition rate and transcribes it. Empty
// audio is legitimately silent and skips the engine.
func (s *Service) Recognize(ctx context.Context, buf audio.PCMBuffer, language string) (Transcript, error) {
	ctx, span := otel.Tracer("github.com/loqalabs/loqa-relay/stt").Start(ctx, "stt.recognize")
	defer span.End()

	transcript, err := s.recognize(ctx, buf, language)
	kind := "ok"
	if err != nil {
		kind = string(fault.KindOf(err, fault.RecognitionFailed))
		span.RecordError(err)
		span.SetStatus(codes.Error, kind)
	}
	s.outcomes.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", kind)))
	return transcript, err
}

func (s *Service) recognize(ctx context.Context, buf audio.PCMBuffer, language string) (Transcript, error) {
	norm, err := s.normalizer.Normalize(buf)
	if err != nil {
		return Transcript{}, err
	}
	if norm.Empty() {
		return Transcript{}, nil
	}
	if language == "" {
		language = s.cfg.Language
	}

	start := time.Now()
	var result TranscriptResult
	err = s.limiter.Do(ctx, func(ctx context.Context) error {
		var err error
		result, err = s.recognizer.Transcribe(ctx, norm, language)
		return err
	})
	s.latency.Record(ctx, time.Since(start).Seconds())
	if err != nil {
		if ctx.Err() != nil {
			return Transcript{}, fault.Wrap(fault.ClientDisconnected, ctx.Err(), "recognition cancelled")
		}
		return Transcript{}, fault.Wrap(fault.RecognitionFailed, err, "speech recognition failed")
	}

	transcript := Transcript{
		Text:     result.Text,
		Segments: sanitizeSegments(result.Segments, norm.Duration().Seconds()),
		Duration: norm.Duration(),
	}
	s.bus.PublishJSON(protocol.SubjectTranscript, protocol.Transcript{
		SessionID:  uuid.NewString(),
		Text:       transcript.Text,
		Language:   language,
		Segments:   transcript.Segments,
		DurationMS: transcript.Duration.Milliseconds(),
		Confidence: result.Confidence,
		Timestamp:  time.Now().UTC(),
	})
	return transcript, nil
}

// sanitizeSegments makes segment ranges non-decreasing and non-overlapping
// within [0, limit].
func sanitizeSegments(in []protocol.TranscriptSegment, limit float64) []protocol.TranscriptSegment {
	if len(in) == 0 {
		return nil
	}
	out := make([]protocol.TranscriptSegment, 0, len(in))
	prevEnd := 0.0
	for _, seg := range in {
		start := min(max(seg.Start, prevEnd), limit)
		end := min(max(seg.End, start), limit)
		out = append(out, protocol.TranscriptSegment{Start: start, End: end, Text: seg.Text})
		prevEnd = end
	}
	return out
}

// ParseFormat reads the out-of-band PCM parameters of a recognition request.
func ParseFormat(r *http.Request, a config.AudioConfig) (rate, channels int, err error) {
	q := r.URL.Query()
	rate, err = strconv.Atoi(q.Get("sr"))
	if err != nil || rate < a.MinSampleRate || rate > a.MaxSampleRate {
		return 0, 0, fault.New(fault.MalformedAudio, "sample rate must be between %d and %d Hz", a.MinSampleRate, a.MaxSampleRate)
	}
	channels, err = strconv.Atoi(q.Get("ch"))
	if err != nil || channels < 1 || channels > a.MaxChannels {
		return 0, 0, fault.New(fault.MalformedAudio, "number of channels must be between 1 and %d", a.MaxChannels)
	}
	if f := q.Get("fmt"); f != "" && f != "s16le" {
		return 0, 0, fault.New(fault.MalformedAudio, "unsupported sample format %q, only s16le is accepted", f)
	}
	return rate, channels, nil
}

// ReadBody reads at most limit bytes of audio. Larger bodies fail with
// AudioTooLong and empty ones with MalformedAudio.
func ReadBody(w http.ResponseWriter, r *http.Request, limit int64) ([]byte, error) {
	data, err := io.ReadAll(http.MaxBytesReader(w, r.Body, limit))
	if err != nil {
		var tooBig *http.MaxBytesError
		if errors.As(err, &tooBig) {
			return nil, fault.New(fault.AudioTooLong, "request body exceeds %d bytes", limit)
		}
		return nil, fault.Wrap(fault.InvalidRequest, err, "failed to read request body")
	}
	if len(data) == 0 {
		return nil, fault.New(fault.MalformedAudio, "no audio data provided")
	}
	return data, nil
}

func (s *Service) handleBytes(w http.ResponseWriter, r *http.Request) {
	rate, channels, err := ParseFormat(r, s.audioCfg)
	if err != nil {
		fault.WriteJSON(w, err, fault.MalformedAudio)
		return
	}
	data, err := ReadBody(w, r, s.cfg.MaxBodyBytes)
	if err != nil {
		fault.WriteJSON(w, err, fault.InvalidRequest)
		return
	}
	language := r.URL.Query().Get("lang")

	transcript, err := s.Recognize(r.Context(), audio.PCMBuffer{Data: data, SampleRate: rate, Channels: channels}, language)
	if err != nil {
		s.logger.Warn("recognition failed",
			slog.Int("bytes", len(data)),
			slog.Int("sample_rate", rate),
			slog.Int("channels", channels),
			slogError(err))
		fault.WriteJSON(w, err, fault.RecognitionFailed)
		return
	}

	s.logger.Info("recognition completed",
		slog.Int("text_length", len(transcript.Text)),
		slog.Int("segments", len(transcript.Segments)),
		slog.Duration("duration", transcript.Duration))
	writeJSON(w, http.StatusOK, protocol.TranscriptResponse{Text: transcript.Text, Segments: transcript.Segments})
}

func (s *Service) handleHealth(w http.ResponseWriter, _ *http.Request) {
	status := protocol.StatusHealthy
	code := http.StatusOK
	if !s.Healthy() {
		status = protocol.StatusUnhealthy
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, protocol.Health{Status: status, Service: "asr-service"})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
