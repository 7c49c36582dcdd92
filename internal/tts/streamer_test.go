package tts

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"math/rand"
	"sync"
	"testing"
	"time"

	"github.com/loqalabs/loqa-relay/internal/config"
	"github.com/loqalabs/loqa-relay/internal/fault"
	"github.com/loqalabs/loqa-relay/internal/limiter"
	"github.com/loqalabs/loqa-relay/internal/protocol"
)

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// fakeSynth replays scripted pieces per text. The text "forever" streams
// until cancelled.
type fakeSynth struct {
	mu        sync.Mutex
	calls     []string
	outputs   map[string][][]byte
	failures  map[string]error
	rate      int
	channels  int
	cancelled chan struct{}
	once      sync.Once
}

func newFakeSynth() *fakeSynth {
	return &fakeSynth{
		outputs:   map[string][][]byte{},
		failures:  map[string]error{},
		rate:      22050,
		channels:  1,
		cancelled: make(chan struct{}),
	}
}

func (f *fakeSynth) Synthesize(ctx context.Context, req SynthRequest) (<-chan SynthChunk, <-chan error) {
	f.mu.Lock()
	f.calls = append(f.calls, req.Text)
	pieces := f.outputs[req.Text]
	failure := f.failures[req.Text]
	f.mu.Unlock()

	chunks := make(chan SynthChunk)
	errs := make(chan error, 1)
	go func() {
		defer close(chunks)
		defer close(errs)
		send := func(pcm []byte) bool {
			select {
			case chunks <- SynthChunk{SampleRate: f.rate, Channels: f.channels, PCM: pcm}:
				return true
			case <-ctx.Done():
				f.once.Do(func() { close(f.cancelled) })
				errs <- ctx.Err()
				return false
			}
		}
		if req.Text == "forever" {
			for send(make([]byte, 512)) {
			}
			return
		}
		for _, p := range pieces {
			if !send(p) {
				return
			}
		}
		if failure != nil {
			errs <- failure
		}
	}()
	return chunks, errs
}

func (f *fakeSynth) Calls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

func filled(n int, b byte) []byte {
	return bytes.Repeat([]byte{b}, n)
}

func newStreamer(synth Synthesizer, chunkSize int) (*Streamer, *limiter.Limiter) {
	lim := limiter.New("tts-engine", config.LimitsConfig{MaxConcurrency: 2, QueueSize: 4, TimeoutMS: 5000})
	return NewStreamer(synth, lim, StreamerConfig{
		ChunkSize:     chunkSize,
		SampleRate:    22050,
		MaxTextLength: 1000,
	}, newLogger()), lim
}

func collect(st *Stream) []Frame {
	var frames []Frame
	for f := range st.Frames() {
		frames = append(frames, f)
	}
	return frames
}

func assertChunkDiscipline(t *testing.T, frames []Frame, chunkSize int) []byte {
	t.Helper()
	if len(frames) == 0 || frames[len(frames)-1].Type != FrameEnd {
		t.Fatalf("expected stream to end with an end frame, got %d frames", len(frames))
	}
	var data []Frame
	var out []byte
	for i, f := range frames {
		if f.Type == FrameEnd && i != len(frames)-1 {
			t.Fatalf("end frame at %d is not last", i)
		}
		if f.Type == FrameData {
			data = append(data, f)
			out = append(out, f.PCM...)
		}
	}
	for i, f := range data {
		if i < len(data)-1 && len(f.PCM) != chunkSize {
			t.Fatalf("data frame %d has %d bytes, expected %d", i, len(f.PCM), chunkSize)
		}
		if i == len(data)-1 && (len(f.PCM) == 0 || len(f.PCM) > chunkSize) {
			t.Fatalf("final data frame has %d bytes", len(f.PCM))
		}
	}
	return out
}

func TestStreamChunksAcrossSegments(t *testing.T) {
	synth := newFakeSynth()
	synth.outputs["one"] = [][]byte{filled(1500, 1)}
	synth.outputs["two"] = [][]byte{filled(300, 2), filled(400, 3)}
	synth.outputs["three"] = [][]byte{filled(3000, 4)}
	s, _ := newStreamer(synth, 1024)

	req := protocol.SynthesisRequest{Segments: []protocol.Segment{{Text: "one"}, {Text: "two"}, {Text: "three"}}}
	st := s.Stream(context.Background(), req)
	out := assertChunkDiscipline(t, collect(st), 1024)

	want := append(append(append(filled(1500, 1), filled(300, 2)...), filled(400, 3)...), filled(3000, 4)...)
	if !bytes.Equal(out, want) {
		t.Fatalf("expected concatenated output in segment order (%d bytes), got %d bytes", len(want), len(out))
	}
	if got := synth.Calls(); len(got) != 3 || got[0] != "one" || got[2] != "three" {
		t.Fatalf("expected one engine call per segment in order, got %v", got)
	}
	stats := st.Stats()
	if stats.Err != nil || stats.Bytes != int64(len(want)) || stats.Segments != 3 {
		t.Fatalf("unexpected stats %+v", stats)
	}
}

func TestStreamChunkPropertyRandomPieces(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	for round := 0; round < 50; round++ {
		synth := newFakeSynth()
		var segments []protocol.Segment
		var want []byte
		nSegments := 1 + rng.Intn(4)
		for i := 0; i < nSegments; i++ {
			text := string(rune('a' + i))
			var pieces [][]byte
			nPieces := rng.Intn(5)
			for j := 0; j < nPieces; j++ {
				p := make([]byte, 2*rng.Intn(1500))
				rng.Read(p)
				pieces = append(pieces, p)
				want = append(want, p...)
			}
			synth.outputs[text] = pieces
			segments = append(segments, protocol.Segment{Text: text})
		}
		chunkSize := 2 * (1 + rng.Intn(700))
		s, _ := newStreamer(synth, chunkSize)
		frames := collect(s.Stream(context.Background(), protocol.SynthesisRequest{Segments: segments}))
		out := assertChunkDiscipline(t, frames, chunkSize)
		if !bytes.Equal(out, want) {
			t.Fatalf("round %d: output differs from engine output", round)
		}
	}
}

func TestStreamWithMockEngine(t *testing.T) {
	s, _ := newStreamer(NewMockSynth(22050, 0), 1024)
	frames := collect(s.Stream(context.Background(), protocol.SynthesisRequest{Text: "Hello world"}))
	out := assertChunkDiscipline(t, frames, 1024)
	if want := len(toneFor("Hello world", 22050)) * 2; len(out) != want || want == 0 {
		t.Fatalf("expected %d bytes of tone, got %d", want, len(out))
	}
}

func TestStreamMidStreamFailure(t *testing.T) {
	synth := newFakeSynth()
	synth.outputs["one"] = [][]byte{filled(1500, 1)}
	synth.outputs["two"] = [][]byte{filled(100, 2)}
	synth.failures["two"] = errors.New("engine crashed")
	synth.outputs["three"] = [][]byte{filled(100, 3)}
	s, _ := newStreamer(synth, 1024)

	st := s.Stream(context.Background(), protocol.SynthesisRequest{Segments: []protocol.Segment{{Text: "one"}, {Text: "two"}, {Text: "three"}}})
	frames := collect(st)

	types := make([]FrameType, len(frames))
	for i, f := range frames {
		types[i] = f.Type
	}
	want := []FrameType{FrameData, FrameData, FrameError, FrameEnd}
	if len(types) != len(want) {
		t.Fatalf("expected frames %v, got %v", want, types)
	}
	for i := range want {
		if types[i] != want[i] {
			t.Fatalf("expected frames %v, got %v", want, types)
		}
	}
	if len(frames[1].PCM) != 1500+100-1024 {
		t.Fatalf("expected carry to be flushed before the error, got %d bytes", len(frames[1].PCM))
	}
	if kind := fault.KindOf(frames[2].Err, ""); kind != fault.SynthesisFailed {
		t.Fatalf("expected SynthesisFailed, got %s", kind)
	}
	for _, call := range synth.Calls() {
		if call == "three" {
			t.Fatal("segments after a failure must not be synthesized")
		}
	}
}

func TestStreamFailureBeforeData(t *testing.T) {
	synth := newFakeSynth()
	synth.failures["boom"] = errors.New("no voice")
	s, _ := newStreamer(synth, 1024)

	frames := collect(s.Stream(context.Background(), protocol.SynthesisRequest{Text: "boom"}))
	if len(frames) != 2 || frames[0].Type != FrameError || frames[1].Type != FrameEnd {
		t.Fatalf("expected error then end, got %+v", frames)
	}
}

func TestStreamInvalidRequest(t *testing.T) {
	synth := newFakeSynth()
	s, _ := newStreamer(synth, 1024)

	frames := collect(s.Stream(context.Background(), protocol.SynthesisRequest{Text: "   "}))
	if len(frames) != 2 || frames[0].Type != FrameError || frames[1].Type != FrameEnd {
		t.Fatalf("expected error then end, got %+v", frames)
	}
	if kind := fault.KindOf(frames[0].Err, ""); kind != fault.InvalidRequest {
		t.Fatalf("expected InvalidRequest, got %s", kind)
	}
	if len(synth.Calls()) != 0 {
		t.Fatal("engine must not be invoked for invalid requests")
	}
}

func TestStreamIsNotRestartable(t *testing.T) {
	synth := newFakeSynth()
	synth.outputs["x"] = [][]byte{filled(10, 1)}
	s, _ := newStreamer(synth, 1024)

	st := s.Stream(context.Background(), protocol.SynthesisRequest{Text: "x"})
	if first := collect(st); len(first) != 2 {
		t.Fatalf("expected data and end, got %d frames", len(first))
	}
	if second := collect(st); len(second) != 0 {
		t.Fatalf("expected second iteration to be empty, got %d frames", len(second))
	}
	if len(synth.Calls()) != 1 {
		t.Fatalf("expected one engine call, got %d", len(synth.Calls()))
	}
}

func TestStreamAbandonCancelsEngine(t *testing.T) {
	synth := newFakeSynth()
	s, lim := newStreamer(synth, 1024)

	st := s.Stream(context.Background(), protocol.SynthesisRequest{Text: "forever"})
	n := 0
	for f := range st.Frames() {
		if f.Type == FrameData {
			n++
		}
		if n == 3 {
			break
		}
	}

	select {
	case <-synth.cancelled:
	case <-time.After(2 * time.Second):
		t.Fatal("engine call not cancelled after consumer stopped")
	}
	if lim.InFlight() != 0 {
		t.Fatalf("expected engine slot to be released, %d in flight", lim.InFlight())
	}
}

func TestStreamContextCancel(t *testing.T) {
	synth := newFakeSynth()
	s, _ := newStreamer(synth, 1024)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	st := s.Stream(ctx, protocol.SynthesisRequest{Text: "forever"})
	var last []Frame
	for f := range st.Frames() {
		if f.Type == FrameData && len(last) == 0 {
			cancel()
		}
		last = append(last, f)
	}
	if tail := last[len(last)-2:]; tail[0].Type != FrameError || tail[1].Type != FrameEnd {
		t.Fatalf("expected error and end after cancellation, got %v and %v", tail[0].Type, tail[1].Type)
	}
	if kind := fault.KindOf(last[len(last)-2].Err, ""); kind != fault.ClientDisconnected {
		t.Fatalf("expected ClientDisconnected, got %s", kind)
	}
}

func TestConformFoldsAndRejects(t *testing.T) {
	s, _ := newStreamer(newFakeSynth(), 1024)

	mono, err := s.conform(SynthChunk{SampleRate: 22050, Channels: 2, PCM: []byte{10, 0, 20, 0}})
	if err != nil {
		t.Fatalf("conform stereo: %v", err)
	}
	if len(mono) != 2 || mono[0] != 15 {
		t.Fatalf("expected folded sample 15, got %v", mono)
	}

	if _, err := s.conform(SynthChunk{SampleRate: 16000, PCM: []byte{0, 0}}); fault.KindOf(err, "") != fault.SynthesisFailed {
		t.Fatalf("expected rate mismatch to fail, got %v", err)
	}
	if _, err := s.conform(SynthChunk{PCM: []byte{0, 0, 0}}); fault.KindOf(err, "") != fault.SynthesisFailed {
		t.Fatalf("expected misaligned piece to fail, got %v", err)
	}
}
