package tts

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"os/exec"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/loqalabs/loqa-relay/internal/fault"
	"github.com/loqalabs/loqa-relay/internal/protocol"
)

func newTestService(t *testing.T, synth Synthesizer) (*httptest.Server, *Service) {
	t.Helper()
	streamer, _ := newStreamer(synth, 1024)
	svc := NewService(context.Background(), streamer, synth, nil, newLogger())
	srv := httptest.NewServer(svc.Handler())
	t.Cleanup(func() {
		srv.Close()
		svc.Close()
	})
	return srv, svc
}

func wsURL(srv *httptest.Server, path string) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http") + path
}

func postTTS(t *testing.T, srv *httptest.Server, body string) (*http.Response, []byte) {
	t.Helper()
	resp, err := http.Post(srv.URL+"/api/tts", "application/json", strings.NewReader(body))
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	return resp, data
}

func TestHTTPStreamsPCM(t *testing.T) {
	srv, _ := newTestService(t, NewMockSynth(22050, 0))

	resp, body := postTTS(t, srv, `{"text":"Hello world"}`)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", resp.StatusCode, body)
	}
	if got := resp.Header.Get(protocol.HeaderSampleRate); got != "22050" {
		t.Fatalf("expected sample rate header 22050, got %q", got)
	}
	if got := resp.Header.Get(protocol.HeaderChannels); got != "1" {
		t.Fatalf("expected mono channel header, got %q", got)
	}
	if want := len(toneFor("Hello world", 22050)) * 2; len(body) != want {
		t.Fatalf("expected %d bytes, got %d", want, len(body))
	}
	if got := resp.Trailer.Get(protocol.TrailerStreamError); got != "" {
		t.Fatalf("expected no stream error trailer, got %q", got)
	}
}

func TestHTTPRejectsBadRequests(t *testing.T) {
	srv, _ := newTestService(t, newFakeSynth())

	for _, body := range []string{`{"text":`, `{"text":""}`, `{"text":"` + strings.Repeat("a", 1001) + `"}`} {
		resp, data := postTTS(t, srv, body)
		if resp.StatusCode != http.StatusBadRequest {
			t.Fatalf("body %.20q: expected 400, got %d", body, resp.StatusCode)
		}
		var e fault.Body
		if err := json.Unmarshal(data, &e); err != nil || e.Error != fault.InvalidRequest {
			t.Fatalf("expected InvalidRequest body, got %s", data)
		}
	}
}

func TestHTTPFailureBeforeDataIsComplete5xx(t *testing.T) {
	synth := newFakeSynth()
	synth.failures["boom"] = errors.New("engine down")
	srv, _ := newTestService(t, synth)

	resp, data := postTTS(t, srv, `{"text":"boom"}`)
	if resp.StatusCode != http.StatusInternalServerError {
		t.Fatalf("expected 500, got %d", resp.StatusCode)
	}
	var e fault.Body
	if err := json.Unmarshal(data, &e); err != nil || e.Error != fault.SynthesisFailed {
		t.Fatalf("expected SynthesisFailed body, got %s", data)
	}
}

func TestHTTPMidStreamFailureSetsTrailer(t *testing.T) {
	synth := newFakeSynth()
	synth.outputs["one"] = [][]byte{filled(2048, 1)}
	synth.failures["two"] = errors.New("engine crashed")
	srv, _ := newTestService(t, synth)

	resp, body := postTTS(t, srv, `{"segments":[{"text":"one"},{"text":"two"}]}`)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected committed 200, got %d", resp.StatusCode)
	}
	if len(body) != 2048 {
		t.Fatalf("expected partial body of 2048 bytes, got %d", len(body))
	}
	if got := resp.Trailer.Get(protocol.TrailerStreamError); got != string(fault.SynthesisFailed) {
		t.Fatalf("expected stream error trailer, got %q", got)
	}
}

// readWS collects one response: binary payload bytes and the control frames.
func readWS(t *testing.T, conn *websocket.Conn) ([]byte, []protocol.Control) {
	t.Helper()
	var pcm []byte
	var controls []protocol.Control
	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	for {
		typ, data, err := conn.ReadMessage()
		if err != nil {
			t.Fatalf("read: %v", err)
		}
		if typ == websocket.BinaryMessage {
			if len(controls) > 0 {
				t.Fatal("binary frame after control frame")
			}
			pcm = append(pcm, data...)
			continue
		}
		var c protocol.Control
		if err := json.Unmarshal(data, &c); err != nil {
			t.Fatalf("decode control: %v", err)
		}
		controls = append(controls, c)
		if c.Type == protocol.ControlEnd {
			return pcm, controls
		}
	}
}

func TestWebSocketStreamsThenEnds(t *testing.T) {
	srv, _ := newTestService(t, NewMockSynth(22050, 0))

	conn, _, err := websocket.DefaultDialer.Dial(wsURL(srv, "/ws/tts"), nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	if err := conn.WriteJSON(map[string]string{"text": "Hello world"}); err != nil {
		t.Fatalf("write: %v", err)
	}
	pcm, controls := readWS(t, conn)
	if len(pcm) == 0 {
		t.Fatal("expected audio before end")
	}
	if len(controls) != 1 {
		t.Fatalf("expected only the end frame, got %+v", controls)
	}

	// The connection stays usable for the next request.
	if err := conn.WriteJSON(map[string]any{"segments": []map[string]string{{"text": "a"}, {"text": "b"}}}); err != nil {
		t.Fatalf("write: %v", err)
	}
	pcm2, _ := readWS(t, conn)
	if len(pcm2) == 0 {
		t.Fatal("expected audio for second request")
	}
}

func TestWebSocketInvalidRequestGetsErrorThenEnd(t *testing.T) {
	srv, _ := newTestService(t, newFakeSynth())

	conn, _, err := websocket.DefaultDialer.Dial(wsURL(srv, "/ws/tts"), nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	for _, msg := range []string{`not json`, `{"text":"  "}`} {
		if err := conn.WriteMessage(websocket.TextMessage, []byte(msg)); err != nil {
			t.Fatalf("write: %v", err)
		}
		pcm, controls := readWS(t, conn)
		if len(pcm) != 0 {
			t.Fatalf("expected no audio for %q", msg)
		}
		if len(controls) != 2 || controls[0].Type != protocol.ControlError || controls[0].Error != fault.InvalidRequest {
			t.Fatalf("expected InvalidRequest error then end for %q, got %+v", msg, controls)
		}
	}
}

func TestWebSocketDisconnectCancelsEngine(t *testing.T) {
	synth := newFakeSynth()
	streamer, lim := newStreamer(synth, 1024)
	svc := NewService(context.Background(), streamer, synth, nil, newLogger())
	srv := httptest.NewServer(svc.Handler())
	defer srv.Close()
	defer svc.Close()

	conn, _, err := websocket.DefaultDialer.Dial(wsURL(srv, "/ws/tts"), nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	if err := conn.WriteJSON(map[string]string{"text": "forever"}); err != nil {
		t.Fatalf("write: %v", err)
	}
	if _, _, err := conn.ReadMessage(); err != nil {
		t.Fatalf("read first frame: %v", err)
	}
	conn.Close()

	select {
	case <-synth.cancelled:
	case <-time.After(3 * time.Second):
		t.Fatal("engine call still running after client disconnect")
	}
	deadline := time.Now().Add(2 * time.Second)
	for lim.InFlight() != 0 {
		if time.Now().After(deadline) {
			t.Fatal("engine slot not released after disconnect")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestHealth(t *testing.T) {
	srv, _ := newTestService(t, newFakeSynth())
	resp, err := http.Get(srv.URL + "/health")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer resp.Body.Close()
	var h protocol.Health
	if err := json.NewDecoder(resp.Body).Decode(&h); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.StatusCode != http.StatusOK || h.Status != protocol.StatusHealthy || h.Service != "tts-service" {
		t.Fatalf("unexpected health %d %+v", resp.StatusCode, h)
	}
}

func TestExecSynthStreamsCommandOutput(t *testing.T) {
	if _, err := exec.LookPath("sh"); err != nil {
		t.Skip("sh not available")
	}
	// AAABAAIA is base64 for samples 0, 1, 2.
	synth, err := NewExecSynth(`sh -c 'cat >/dev/null; echo "{\"pcm_base64\":\"AAABAAIA\"}"; echo "{\"pcm_base64\":\"AwA=\",\"final\":true}"'`, 22050)
	if err != nil {
		t.Fatalf("new exec synth: %v", err)
	}
	s, _ := newStreamer(synth, 4)
	var out []byte
	for f := range s.Stream(context.Background(), protocol.SynthesisRequest{Text: "hi"}).Frames() {
		if f.Type == FrameError {
			t.Fatalf("unexpected error: %v", f.Err)
		}
		out = append(out, f.PCM...)
	}
	if !bytes.Equal(out, []byte{0, 0, 1, 0, 2, 0, 3, 0}) {
		t.Fatalf("unexpected pcm %v", out)
	}
}
