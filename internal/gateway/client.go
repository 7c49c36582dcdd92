package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/loqalabs/loqa-relay/internal/fault"
	"github.com/loqalabs/loqa-relay/internal/limiter"
	"github.com/loqalabs/loqa-relay/internal/protocol"
	"github.com/loqalabs/loqa-relay/internal/wsconn"
)

const dialTimeout = 5 * time.Second

// upstream is the shared part of the TTS and ASR clients.
type upstream struct {
	name    string
	base    *url.URL
	http    *http.Client
	limiter *limiter.Limiter
}

func newUpstream(name, rawURL string, lim *limiter.Limiter) (upstream, error) {
	base, err := url.Parse(strings.TrimRight(rawURL, "/"))
	if err != nil {
		return upstream{}, fmt.Errorf("parse %s url: %w", name, err)
	}
	if base.Scheme != "http" && base.Scheme != "https" {
		return upstream{}, fmt.Errorf("%s url must be http or https, got %q", name, rawURL)
	}
	return upstream{name: name, base: base, http: &http.Client{}, limiter: lim}, nil
}

func (u upstream) endpoint(path string, query url.Values) string {
	ref := *u.base
	ref.Path = u.base.Path + path
	ref.RawQuery = query.Encode()
	return ref.String()
}

// unavailable classifies transport failures talking to an upstream.
func (u upstream) unavailable(err error) error {
	return fault.Wrap(fault.UpstreamUnavailable, err, u.name+" is unreachable")
}

// Health probes GET /health on the upstream.
func (u upstream) Health(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.endpoint("/health", nil), nil)
	if err != nil {
		return err
	}
	resp, err := u.http.Do(req)
	if err != nil {
		return u.unavailable(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fault.FromResponse(resp)
	}
	var health protocol.Health
	if err := json.NewDecoder(resp.Body).Decode(&health); err != nil {
		return fmt.Errorf("decode %s health: %w", u.name, err)
	}
	if health.Status != protocol.StatusHealthy {
		return fmt.Errorf("%s reports %s", u.name, health.Status)
	}
	return nil
}

// TTSClient talks to the speech synthesis component.
type TTSClient struct {
	upstream
}

func NewTTSClient(rawURL string, lim *limiter.Limiter) (*TTSClient, error) {
	u, err := newUpstream("tts", rawURL, lim)
	if err != nil {
		return nil, err
	}
	return &TTSClient{upstream: u}, nil
}

// SynthesisStream is an open chunked synthesis response. Close must be called
// to release the upstream slot.
type SynthesisStream struct {
	SampleRate int
	Channels   int

	resp    *http.Response
	release func()
	once    sync.Once
}

func (s *SynthesisStream) Read(p []byte) (int, error) {
	return s.resp.Body.Read(p)
}

// StreamError returns the kind the upstream reported in its trailer. Only
// meaningful once the body has been read to EOF.
func (s *SynthesisStream) StreamError() fault.Kind {
	return fault.Kind(s.resp.Trailer.Get(protocol.TrailerStreamError))
}

func (s *SynthesisStream) Close() error {
	var err error
	s.once.Do(func() {
		err = s.resp.Body.Close()
		s.release()
	})
	return err
}

// Stream opens POST /api/tts. Errors the upstream reports before any audio
// come back as classified errors.
func (c *TTSClient) Stream(ctx context.Context, req protocol.SynthesisRequest) (*SynthesisStream, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fault.Wrap(fault.InvalidRequest, err, "encode synthesis request")
	}
	release, err := c.limiter.Acquire(ctx)
	if err != nil {
		return nil, err
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint("/api/tts", nil), bytes.NewReader(body))
	if err != nil {
		release()
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	resp, err := c.http.Do(httpReq)
	if err != nil {
		release()
		return nil, c.unavailable(err)
	}
	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		release()
		return nil, fault.FromResponse(resp)
	}

	rate, _ := strconv.Atoi(resp.Header.Get(protocol.HeaderSampleRate))
	channels, _ := strconv.Atoi(resp.Header.Get(protocol.HeaderChannels))
	return &SynthesisStream{
		SampleRate: rate,
		Channels:   max(channels, 1),
		resp:       resp,
		release:    release,
	}, nil
}

// DialStream opens a WebSocket to the synthesis component. The connection
// lives as long as ctx; release frees the upstream slot and must be called
// after the connection is closed.
func (c *TTSClient) DialStream(ctx context.Context) (*wsconn.Conn, func(), error) {
	release, err := c.limiter.Acquire(ctx)
	if err != nil {
		return nil, nil, err
	}
	ws := *c.base
	switch ws.Scheme {
	case "https":
		ws.Scheme = "wss"
	default:
		ws.Scheme = "ws"
	}
	ws.Path = c.base.Path + "/ws/tts"
	conn, err := wsconn.Dial(ctx, ws.String(), dialTimeout)
	if err != nil {
		release()
		return nil, nil, c.unavailable(err)
	}
	return conn, release, nil
}

// ASRClient talks to the speech recognition component.
type ASRClient struct {
	upstream
}

func NewASRClient(rawURL string, lim *limiter.Limiter) (*ASRClient, error) {
	u, err := newUpstream("asr", rawURL, lim)
	if err != nil {
		return nil, err
	}
	return &ASRClient{upstream: u}, nil
}

// Transcribe posts raw PCM to /api/stt/bytes and waits for the full transcript.
func (c *ASRClient) Transcribe(ctx context.Context, pcm []byte, rate, channels int, language string) (protocol.TranscriptResponse, error) {
	var out protocol.TranscriptResponse
	query := url.Values{}
	query.Set("sr", strconv.Itoa(rate))
	query.Set("ch", strconv.Itoa(channels))
	if language != "" {
		query.Set("lang", language)
	}

	err := c.limiter.Do(ctx, func(ctx context.Context) error {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint("/api/stt/bytes", query), bytes.NewReader(pcm))
		if err != nil {
			return err
		}
		req.Header.Set("Content-Type", "application/octet-stream")
		resp, err := c.http.Do(req)
		if err != nil {
			return c.unavailable(err)
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			return fault.FromResponse(resp)
		}
		if err := json.NewDecoder(io.LimitReader(resp.Body, 4<<20)).Decode(&out); err != nil {
			return fault.Wrap(fault.UpstreamUnavailable, err, "asr returned an unreadable transcript")
		}
		return nil
	})
	if err != nil && fault.KindOf(err, "") == "" {
		// limiter timeout
		err = fault.Wrap(fault.UpstreamUnavailable, err, "asr did not answer in time")
	}
	return out, err
}
