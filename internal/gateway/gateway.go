// Package gateway is the client-facing proxy. It relays synthesis streams
// from the TTS component and composes recognition with synthesis.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"
	"unicode"
	"unicode/utf8"

	"github.com/loqalabs/loqa-relay/internal/config"
	"github.com/loqalabs/loqa-relay/internal/fault"
	"github.com/loqalabs/loqa-relay/internal/protocol"
	"github.com/loqalabs/loqa-relay/internal/stt"
	"github.com/loqalabs/loqa-relay/internal/wsconn"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

const (
	maxRequestBytes = 64 << 10
	maxHeaderText   = 1024
)

type Gateway struct {
	cfg      config.GatewayConfig
	audioCfg config.AudioConfig
	tts      *TTSClient
	asr      *ASRClient
	journal  *Journal
	monitor  *Monitor
	logger   *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New builds the gateway and starts probing its upstreams in the background.
func New(parent context.Context, cfg config.GatewayConfig, audioCfg config.AudioConfig, tts *TTSClient, asr *ASRClient, journal *Journal, log *slog.Logger) *Gateway {
	ctx, cancel := context.WithCancel(parent)
	g := &Gateway{
		cfg:      cfg,
		audioCfg: audioCfg,
		tts:      tts,
		asr:      asr,
		journal:  journal,
		logger:   log.With(slog.String("component", "gateway")),
		ctx:      ctx,
		cancel:   cancel,
	}
	g.monitor = NewMonitor(map[string]Prober{"tts": tts, "asr": asr},
		time.Duration(cfg.HealthIntervalMS)*time.Millisecond,
		time.Duration(cfg.HealthTimeoutMS)*time.Millisecond,
		log)
	g.wg.Add(1)
	go func() {
		defer g.wg.Done()
		g.monitor.Run(ctx)
	}()
	return g
}

func (g *Gateway) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /ws/tts", g.handleRelay)
	mux.HandleFunc("POST /api/tts", g.handleSynthesis)
	mux.HandleFunc("POST /api/echo-bytes", g.handleEcho)
	mux.HandleFunc("GET /health", g.handleHealth)
	return mux
}

// Close stops the monitor and ends open relay sessions.
func (g *Gateway) Close() {
	g.cancel()
	g.wg.Wait()
	g.monitor.Close()
}

// Healthy reports whether the gateway itself can serve; unreachable upstreams
// only degrade it.
func (g *Gateway) Healthy() bool {
	return g.ctx.Err() == nil
}

func (g *Gateway) Monitor() *Monitor { return g.monitor }

func (g *Gateway) handleHealth(w http.ResponseWriter, _ *http.Request) {
	status := protocol.StatusHealthy
	code := http.StatusOK
	switch {
	case !g.Healthy():
		status = protocol.StatusUnhealthy
		code = http.StatusServiceUnavailable
	case !g.monitor.Healthy():
		status = protocol.StatusDegraded
	}
	writeJSON(w, code, protocol.Health{
		Status:       status,
		Service:      "gateway",
		Dependencies: g.monitor.Snapshot(),
	})
}

func (g *Gateway) handleRelay(w http.ResponseWriter, r *http.Request) {
	client, err := wsconn.Accept(w, r, maxRequestBytes)
	if err != nil {
		g.logger.Warn("websocket upgrade failed", slogError(err))
		return
	}
	g.wg.Add(1)
	defer g.wg.Done()
	stop := context.AfterFunc(g.ctx, func() { _ = client.Close() })
	defer stop()
	defer client.Close()

	for msg := range client.Messages() {
		if !g.relay(client, msg) {
			return
		}
	}
}

// relay runs one request through a fresh upstream connection. It returns
// false once the client connection is no longer usable.
func (g *Gateway) relay(client *wsconn.Conn, request wsconn.Message) bool {
	session := g.journal.Open(KindRelay)
	log := g.logger.With(slog.String("session_id", session.ID))

	upstream, release, err := g.tts.DialStream(client.Context())
	if err != nil {
		kind := fault.KindOf(err, fault.UpstreamUnavailable)
		if kind == fault.ClientDisconnected {
			session.Close("client disconnected")
			return false
		}
		log.Warn("synthesis upstream unavailable", slogError(err))
		_ = session.Fail(fault.Detail(err))
		ok := sendErrorEnd(client, kind, fault.Detail(err))
		session.Close("")
		return ok
	}
	session.Attach(func() {
		_ = upstream.Close()
		release()
	})
	stop := context.AfterFunc(client.Context(), func() { session.Close("client disconnected") })
	defer stop()

	if err := upstream.Forward(request); err != nil {
		log.Warn("failed to forward request upstream", slogError(err))
		_ = session.Fail("synthesis upstream rejected the request")
		ok := sendErrorEnd(client, fault.UpstreamUnavailable, "synthesis upstream rejected the request")
		session.Close("")
		return ok
	}
	_ = session.Streaming()

	// An upstream error frame fails the session only once its end frame has
	// been relayed, so the upstream stays open until then.
	failure := ""
	for msg := range upstream.Messages() {
		if err := client.Forward(msg); err != nil {
			log.Debug("client write failed", slogError(err))
			session.Close("client went away")
			return false
		}
		if msg.Binary() {
			continue
		}
		var ctrl protocol.Control
		if json.Unmarshal(msg.Data, &ctrl) != nil {
			continue
		}
		switch ctrl.Type {
		case protocol.ControlError:
			failure = string(ctrl.Error)
		case protocol.ControlEnd:
			if failure != "" {
				_ = session.Fail(failure)
			}
			session.Close("")
			return true
		}
	}

	if client.Context().Err() != nil {
		session.Close("client disconnected")
		return false
	}
	log.Warn("synthesis upstream closed before end of stream", slogError(upstream.Err()))
	var ok bool
	if failure != "" {
		_ = session.Fail(failure)
		ok = client.WriteJSON(protocol.EndFrame()) == nil
	} else {
		_ = session.Fail("synthesis upstream closed mid-stream")
		ok = sendErrorEnd(client, fault.UpstreamUnavailable, "synthesis upstream closed mid-stream")
	}
	session.Close("")
	return ok
}

func sendErrorEnd(conn *wsconn.Conn, kind fault.Kind, detail string) bool {
	if conn.WriteJSON(protocol.ErrorFrame(kind, detail)) != nil {
		return false
	}
	return conn.WriteJSON(protocol.EndFrame()) == nil
}

func (g *Gateway) handleSynthesis(w http.ResponseWriter, r *http.Request) {
	var req protocol.SynthesisRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestBytes)).Decode(&req); err != nil {
		fault.WriteJSON(w, fault.New(fault.InvalidRequest, "invalid JSON body: %v", err), fault.InvalidRequest)
		return
	}
	session := g.journal.Open(KindTTS)
	defer session.Close("")

	stream, err := g.tts.Stream(r.Context(), req)
	if err != nil {
		g.failRequest(w, session, err)
		return
	}
	g.relayStream(r.Context(), w, session, stream)
}

// handleEcho recognizes the uploaded audio and streams back its resynthesis.
// Recognition finishes before synthesis starts.
func (g *Gateway) handleEcho(w http.ResponseWriter, r *http.Request) {
	rate, channels, err := stt.ParseFormat(r, g.audioCfg)
	if err != nil {
		fault.WriteJSON(w, err, fault.MalformedAudio)
		return
	}
	data, err := stt.ReadBody(w, r, g.cfg.MaxBodyBytes)
	if err != nil {
		fault.WriteJSON(w, err, fault.InvalidRequest)
		return
	}
	language := r.URL.Query().Get("lang")
	if language == "" {
		language = g.cfg.Language
	}

	ctx, span := otel.Tracer("github.com/loqalabs/loqa-relay/gateway").Start(r.Context(), "gateway.echo")
	defer span.End()
	span.SetAttributes(attribute.Int("audio.bytes", len(data)), attribute.Int("audio.sample_rate", rate))

	session := g.journal.Open(KindEcho)
	defer session.Close("")

	transcript, err := g.asr.Transcribe(ctx, data, rate, channels, language)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "recognition")
		g.failRequest(w, session, err)
		return
	}
	text := strings.TrimSpace(transcript.Text)
	segments := transcript.Segments
	if segments == nil {
		segments = []protocol.TranscriptSegment{}
	}
	encoded, _ := json.Marshal(segments)
	h := w.Header()
	h.Set(protocol.HeaderRecognizedText, headerText(text))
	h.Set(protocol.HeaderSegments, string(encoded))

	if text == "" {
		h.Set("Content-Type", "application/octet-stream")
		h.Set(protocol.HeaderSampleRate, strconv.Itoa(g.audioCfg.SynthesisSampleRate))
		h.Set(protocol.HeaderChannels, "1")
		w.WriteHeader(http.StatusOK)
		return
	}

	stream, err := g.tts.Stream(ctx, protocol.SynthesisRequest{Text: text, Language: language})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "synthesis")
		g.failRequest(w, session, err)
		return
	}
	g.relayStream(ctx, w, session, stream)
}

// failRequest answers a request that failed before any audio was written.
func (g *Gateway) failRequest(w http.ResponseWriter, session *Session, err error) {
	kind := fault.KindOf(err, fault.UpstreamUnavailable)
	if kind == fault.ClientDisconnected {
		session.Close("client disconnected")
		return
	}
	g.logger.Warn("request failed", slog.String("session_id", session.ID), slog.String("kind", string(kind)), slogError(err))
	_ = session.Fail(string(kind))
	fault.WriteJSON(w, err, fault.UpstreamUnavailable)
}

// relayStream copies an upstream synthesis stream to w in chunk-size pieces
// and carries the upstream failure trailer through.
func (g *Gateway) relayStream(ctx context.Context, w http.ResponseWriter, session *Session, stream *SynthesisStream) {
	session.Attach(func() { _ = stream.Close() })
	defer stream.Close()

	h := w.Header()
	h.Set("Content-Type", "application/octet-stream")
	h.Set(protocol.HeaderSampleRate, strconv.Itoa(stream.SampleRate))
	h.Set(protocol.HeaderChannels, strconv.Itoa(stream.Channels))
	h.Set("Trailer", protocol.TrailerStreamError)
	w.WriteHeader(http.StatusOK)
	_ = session.Streaming()

	flusher, _ := w.(http.Flusher)
	buf := make([]byte, g.audioCfg.ChunkSize)
	for {
		n, err := io.ReadFull(stream, buf)
		if n > 0 {
			if _, werr := w.Write(buf[:n]); werr != nil {
				session.Close("client went away")
				return
			}
			if flusher != nil {
				flusher.Flush()
			}
		}
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			break
		}
		if err != nil {
			if ctx.Err() != nil {
				session.Close("client disconnected")
				return
			}
			g.logger.Warn("synthesis upstream broke mid-stream", slog.String("session_id", session.ID), slogError(err))
			_ = session.Fail("synthesis upstream broke mid-stream")
			h.Set(protocol.TrailerStreamError, string(fault.UpstreamUnavailable))
			return
		}
	}
	if kind := stream.StreamError(); kind != "" {
		_ = session.Fail(string(kind))
		h.Set(protocol.TrailerStreamError, string(kind))
	}
}

// headerText makes recognized text safe to carry in a response header.
func headerText(text string) string {
	text = strings.Map(func(r rune) rune {
		if unicode.IsControl(r) {
			return ' '
		}
		return r
	}, text)
	if len(text) <= maxHeaderText {
		return text
	}
	cut := maxHeaderText
	for cut > 0 && !utf8.RuneStart(text[cut]) {
		cut--
	}
	return text[:cut]
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func slogError(err error) slog.Attr {
	if err == nil {
		return slog.String("error", "")
	}
	return slog.String("error", err.Error())
}
