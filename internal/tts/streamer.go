package tts

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"iter"
	"log/slog"
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/loqalabs/loqa-relay/internal/audio"
	"github.com/loqalabs/loqa-relay/internal/fault"
	"github.com/loqalabs/loqa-relay/internal/limiter"
	"github.com/loqalabs/loqa-relay/internal/protocol"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
)

type FrameType int

const (
	FrameData FrameType = iota
	// FrameError precedes FrameEnd when synthesis failed.
	FrameError
	FrameEnd
)

func (t FrameType) String() string {
	switch t {
	case FrameData:
		return "data"
	case FrameError:
		return "error"
	case FrameEnd:
		return "end"
	default:
		return fmt.Sprintf("FrameType(%d)", int(t))
	}
}

// Frame is one unit of a synthesis stream.
type Frame struct {
	Type FrameType
	PCM  []byte
	Err  error
}

type StreamerConfig struct {
	ChunkSize     int
	SampleRate    int
	MaxTextLength int
	Voice         string
	Language      string
}

// Streamer turns synthesis requests into chunked frame sequences.
type Streamer struct {
	synth   Synthesizer
	limiter *limiter.Limiter
	cfg     StreamerConfig
	logger  *slog.Logger
	metrics streamMetrics
}

type streamMetrics struct {
	frames   metric.Int64Counter
	bytes    metric.Int64Counter
	active   metric.Int64UpDownCounter
	failures metric.Int64Counter
}

func NewStreamer(synth Synthesizer, lim *limiter.Limiter, cfg StreamerConfig, log *slog.Logger) *Streamer {
	s := &Streamer{
		synth:   synth,
		limiter: lim,
		cfg:     cfg,
		logger:  log.With(slog.String("component", "tts-streamer")),
	}
	meter := otel.Meter("github.com/loqalabs/loqa-relay/tts")
	s.metrics.frames, _ = meter.Int64Counter("relay.tts.frames", metric.WithDescription("Data frames emitted"))
	s.metrics.bytes, _ = meter.Int64Counter("relay.tts.bytes", metric.WithDescription("PCM bytes emitted"), metric.WithUnit("By"))
	s.metrics.active, _ = meter.Int64UpDownCounter("relay.tts.active_streams", metric.WithDescription("Streams currently being produced"))
	s.metrics.failures, _ = meter.Int64Counter("relay.tts.failures", metric.WithDescription("Streams that ended with an error frame"))
	return s
}

func (s *Streamer) SampleRate() int { return s.cfg.SampleRate }

// Stats summarizes a finished stream.
type Stats struct {
	Segments int
	Frames   int
	Bytes    int64
	Err      error
}

// Stream is a single-use lazy frame sequence.
type Stream struct {
	ID       string
	streamer *Streamer
	ctx      context.Context
	req      protocol.SynthesisRequest
	started  atomic.Bool
	stats    Stats
}

// Stream prepares req without invoking the engine. Nothing runs until
// Frames is iterated.
func (s *Streamer) Stream(ctx context.Context, req protocol.SynthesisRequest) *Stream {
	return &Stream{ID: uuid.NewString(), streamer: s, ctx: ctx, req: req}
}

// Stats is valid once iteration has finished.
func (st *Stream) Stats() Stats { return st.stats }

// Frames yields zero or more data frames, at most one error frame, then exactly
// one end frame. Every data frame except the last is exactly ChunkSize bytes.
// Breaking out of the loop cancels the engine call and releases its slot. A
// second iteration yields nothing.
func (st *Stream) Frames() iter.Seq[Frame] {
	return func(yield func(Frame) bool) {
		if !st.started.CompareAndSwap(false, true) {
			return
		}
		s := st.streamer
		ctx, cancel := context.WithCancel(st.ctx)
		defer cancel()
		ctx, span := otel.Tracer("github.com/loqalabs/loqa-relay/tts").Start(ctx, "tts.stream")
		defer span.End()
		span.SetAttributes(attribute.String("stream.id", st.ID))

		s.metrics.active.Add(ctx, 1)
		defer s.metrics.active.Add(context.Background(), -1)

		emit := func(f Frame) bool {
			if f.Type == FrameData {
				st.stats.Frames++
				st.stats.Bytes += int64(len(f.PCM))
				s.metrics.frames.Add(ctx, 1)
				s.metrics.bytes.Add(ctx, int64(len(f.PCM)))
			}
			return yield(f)
		}

		c := chunker{size: s.cfg.ChunkSize}
		sink := func(pcm []byte) bool {
			return c.push(pcm, func(chunk []byte) bool {
				return emit(Frame{Type: FrameData, PCM: chunk})
			})
		}

		stopped, err := st.run(ctx, sink)
		if stopped {
			return
		}
		if tail := c.flush(); len(tail) > 0 {
			if !emit(Frame{Type: FrameData, PCM: tail}) {
				return
			}
		}
		if err != nil {
			st.stats.Err = err
			span.RecordError(err)
			span.SetStatus(codes.Error, string(fault.KindOf(err, fault.SynthesisFailed)))
			s.metrics.failures.Add(ctx, 1, metric.WithAttributes(attribute.String("kind", string(fault.KindOf(err, fault.SynthesisFailed)))))
			s.logger.Warn("synthesis stream failed",
				slog.String("stream_id", st.ID),
				slog.Int("frames", st.stats.Frames),
				slogError(err))
			if !yield(Frame{Type: FrameError, Err: err}) {
				return
			}
		}
		yield(Frame{Type: FrameEnd})
	}
}

// run synthesizes each text in order. stopped reports that the consumer
// abandoned the stream.
func (st *Stream) run(ctx context.Context, sink func([]byte) bool) (stopped bool, err error) {
	s := st.streamer
	if err := st.req.Validate(s.cfg.MaxTextLength); err != nil {
		return false, err
	}
	for i, text := range st.req.Texts() {
		st.stats.Segments++
		stopped, err := st.invoke(ctx, i, text, sink)
		if stopped || err != nil {
			return stopped, err
		}
	}
	return false, nil
}

func (st *Stream) invoke(ctx context.Context, segment int, text string, sink func([]byte) bool) (bool, error) {
	s := st.streamer
	release, err := s.limiter.Acquire(ctx)
	if err != nil {
		return false, err
	}
	defer release()

	callCtx, cancel := s.limiter.WithTimeout(ctx)
	defer cancel()

	voice, language := st.req.Voice, st.req.Language
	if voice == "" {
		voice = s.cfg.Voice
	}
	if language == "" {
		language = s.cfg.Language
	}
	chunks, errs := s.synth.Synthesize(callCtx, SynthRequest{Text: text, Voice: voice, Language: language})
	for chunk := range chunks {
		pcm, err := s.conform(chunk)
		if err != nil {
			return false, fault.Wrap(fault.SynthesisFailed, err, fmt.Sprintf("segment %d", segment))
		}
		if !sink(pcm) {
			return true, nil
		}
	}
	engineErr := <-errs
	switch {
	case ctx.Err() != nil:
		return false, fault.Wrap(fault.ClientDisconnected, ctx.Err(), "stream cancelled")
	case errors.Is(callCtx.Err(), context.DeadlineExceeded):
		return false, fault.New(fault.SynthesisFailed, "segment %d exceeded engine timeout of %s", segment, s.limiter.Timeout())
	case engineErr != nil:
		return false, fault.Wrap(fault.SynthesisFailed, engineErr, fmt.Sprintf("segment %d", segment))
	}
	return false, nil
}

// conform checks an engine piece against the stream format, folding
// multi-channel output to mono.
func (s *Streamer) conform(chunk SynthChunk) ([]byte, error) {
	rate, channels := chunk.SampleRate, chunk.Channels
	if rate == 0 {
		rate = s.cfg.SampleRate
	}
	if channels == 0 {
		channels = 1
	}
	if rate != s.cfg.SampleRate {
		return nil, fault.New(fault.SynthesisFailed, "engine produced %d Hz audio, stream is %d Hz", rate, s.cfg.SampleRate)
	}
	if len(chunk.PCM)%(channels*2) != 0 {
		return nil, fault.New(fault.SynthesisFailed, "engine produced %d bytes, not aligned to %d-channel frames", len(chunk.PCM), channels)
	}
	if channels == 1 {
		return chunk.PCM, nil
	}
	mono, err := audio.Downmix(audio.PCMBuffer{Data: chunk.PCM, SampleRate: rate, Channels: channels})
	if err != nil {
		return nil, err
	}
	return mono.Data, nil
}

// chunker re-slices a byte stream into fixed-size chunks, carrying the
// remainder across pushes.
type chunker struct {
	size  int
	carry []byte
}

func (c *chunker) push(pcm []byte, emit func([]byte) bool) bool {
	if len(c.carry) > 0 {
		need := c.size - len(c.carry)
		if len(pcm) < need {
			c.carry = append(c.carry, pcm...)
			return true
		}
		chunk := append(c.carry, pcm[:need]...)
		c.carry = nil
		pcm = pcm[need:]
		if !emit(chunk) {
			return false
		}
	}
	for len(pcm) >= c.size {
		if !emit(bytes.Clone(pcm[:c.size])) {
			return false
		}
		pcm = pcm[c.size:]
	}
	if len(pcm) > 0 {
		c.carry = make([]byte, len(pcm), c.size)
		copy(c.carry, pcm)
	}
	return true
}

func (c *chunker) flush() []byte {
	tail := c.carry
	c.carry = nil
	return tail
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
