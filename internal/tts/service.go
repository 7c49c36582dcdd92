package tts

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/loqalabs/loqa-relay/internal/bus"
	"github.com/loqalabs/loqa-relay/internal/fault"
	"github.com/loqalabs/loqa-relay/internal/protocol"
	"github.com/loqalabs/loqa-relay/internal/wsconn"
)

const maxRequestBytes = 64 << 10

// Service exposes the streamer over HTTP and WebSocket.
type Service struct {
	streamer *Streamer
	synth    Synthesizer
	bus      *bus.Client
	ctx      context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	logger   *slog.Logger
}

func NewService(parent context.Context, streamer *Streamer, synth Synthesizer, busClient *bus.Client, log *slog.Logger) *Service {
	ctx, cancel := context.WithCancel(parent)
	return &Service{
		streamer: streamer,
		synth:    synth,
		bus:      busClient,
		ctx:      ctx,
		cancel:   cancel,
		logger:   log.With(slog.String("component", "tts-service")),
	}
}

func (s *Service) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/tts", s.handleHTTP)
	mux.HandleFunc("GET /ws/tts", s.handleWebSocket)
	mux.HandleFunc("GET /health", s.handleHealth)
	return mux
}

// Close ends open WebSocket sessions and waits for them to unwind.
func (s *Service) Close() {
	s.cancel()
	s.wg.Wait()
}

func (s *Service) Healthy() bool {
	if s.ctx.Err() != nil {
		return false
	}
	if hc, ok := s.synth.(HealthChecker); ok {
		return hc.Healthy()
	}
	return true
}

func (s *Service) handleHealth(w http.ResponseWriter, _ *http.Request) {
	status := protocol.StatusHealthy
	code := http.StatusOK
	if !s.Healthy() {
		status = protocol.StatusUnhealthy
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, protocol.Health{Status: status, Service: "tts-service"})
}

func (s *Service) handleHTTP(w http.ResponseWriter, r *http.Request) {
	var req protocol.SynthesisRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestBytes)).Decode(&req); err != nil {
		fault.WriteJSON(w, fault.New(fault.InvalidRequest, "invalid JSON body: %v", err), fault.InvalidRequest)
		return
	}

	stream := s.streamer.Stream(r.Context(), req)
	flusher, _ := w.(http.Flusher)
	committed := false
	commit := func() {
		h := w.Header()
		h.Set("Content-Type", "application/octet-stream")
		h.Set(protocol.HeaderSampleRate, strconv.Itoa(s.streamer.SampleRate()))
		h.Set(protocol.HeaderChannels, "1")
		h.Set("Trailer", protocol.TrailerStreamError)
		w.WriteHeader(http.StatusOK)
		committed = true
	}

	for frame := range stream.Frames() {
		switch frame.Type {
		case FrameData:
			if !committed {
				commit()
			}
			if _, err := w.Write(frame.PCM); err != nil {
				s.logger.Debug("http client went away", slog.String("stream_id", stream.ID), slogError(err))
				return
			}
			if flusher != nil {
				flusher.Flush()
			}
		case FrameError:
			if !committed {
				fault.WriteJSON(w, frame.Err, fault.SynthesisFailed)
				committed = true
				continue
			}
			w.Header().Set(protocol.TrailerStreamError, string(fault.KindOf(frame.Err, fault.SynthesisFailed)))
		}
	}
	if !committed {
		commit()
	}
	s.publishDone(stream)
}

func (s *Service) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := wsconn.Accept(w, r, maxRequestBytes)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", slogError(err))
		return
	}
	s.wg.Add(1)
	defer s.wg.Done()
	stop := context.AfterFunc(s.ctx, func() { _ = conn.Close() })
	defer stop()
	defer conn.Close()

	for msg := range conn.Messages() {
		var req protocol.SynthesisRequest
		if msg.Binary() {
			if !s.rejectWS(conn, fault.New(fault.InvalidRequest, "expected a JSON text message")) {
				return
			}
			continue
		}
		if err := json.Unmarshal(msg.Data, &req); err != nil {
			if !s.rejectWS(conn, fault.New(fault.InvalidRequest, "invalid JSON: %v", err)) {
				return
			}
			continue
		}
		if !s.streamWS(conn, req) {
			return
		}
	}
	if err := conn.Err(); err != nil && !wsconn.Closed(err) && s.ctx.Err() == nil {
		s.logger.Debug("websocket closed", slogError(err))
	}
}

// streamWS relays one request; false means the connection is no longer usable.
func (s *Service) streamWS(conn *wsconn.Conn, req protocol.SynthesisRequest) bool {
	stream := s.streamer.Stream(conn.Context(), req)
	defer s.publishDone(stream)
	for frame := range stream.Frames() {
		var err error
		switch frame.Type {
		case FrameData:
			err = conn.WriteBinary(frame.PCM)
		case FrameError:
			kind := fault.KindOf(frame.Err, fault.SynthesisFailed)
			if kind == fault.ClientDisconnected {
				return false
			}
			err = conn.WriteJSON(protocol.ErrorFrame(kind, fault.Detail(frame.Err)))
		case FrameEnd:
			err = conn.WriteJSON(protocol.EndFrame())
		}
		if err != nil {
			s.logger.Debug("websocket write failed", slog.String("stream_id", stream.ID), slogError(err))
			return false
		}
	}
	return true
}

func (s *Service) rejectWS(conn *wsconn.Conn, err *fault.Error) bool {
	if conn.WriteJSON(protocol.ErrorFrame(err.Kind, err.Detail)) != nil {
		return false
	}
	return conn.WriteJSON(protocol.EndFrame()) == nil
}

func (s *Service) publishDone(stream *Stream) {
	stats := stream.Stats()
	done := protocol.SynthesisDone{
		SessionID: stream.ID,
		Segments:  stats.Segments,
		Frames:    stats.Frames,
		Bytes:     stats.Bytes,
		Timestamp: time.Now().UTC(),
	}
	if stats.Err != nil {
		done.Error = fault.KindOf(stats.Err, fault.SynthesisFailed)
	}
	s.bus.PublishJSON(protocol.SubjectSynthesisDone, done)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
