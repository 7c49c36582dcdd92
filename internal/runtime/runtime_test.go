package runtime

import (
	"bytes"
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"log/slog"
	"math"
	"net"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/loqalabs/loqa-relay/internal/config"
	"github.com/loqalabs/loqa-relay/internal/protocol"
)

func freePort(t *testing.T) int {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer ln.Close()
	return ln.Addr().(*net.TCPAddr).Port
}

func waitFor(t *testing.T, url string) *http.Response {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for {
		resp, err := http.Get(url)
		if err == nil && resp.StatusCode == http.StatusOK {
			return resp
		}
		if resp != nil {
			resp.Body.Close()
		}
		if time.Now().After(deadline) {
			t.Fatalf("%s never became ready (last error %v)", url, err)
		}
		time.Sleep(50 * time.Millisecond)
	}
}

func TestRuntimeServesEcho(t *testing.T) {
	cfg := config.Default()
	cfg.Telemetry.LogLevel = "error"
	cfg.Telemetry.PrometheusBind = fmt.Sprintf("127.0.0.1:%d", freePort(t))
	cfg.TTS.HTTP = config.HTTPConfig{Bind: "127.0.0.1", Port: freePort(t)}
	cfg.STT.HTTP = config.HTTPConfig{Bind: "127.0.0.1", Port: freePort(t)}
	cfg.Gateway.HTTP = config.HTTPConfig{Bind: "127.0.0.1", Port: freePort(t)}
	cfg.Gateway.TTSURL = "http://" + cfg.TTS.HTTP.Addr()
	cfg.Gateway.ASRURL = "http://" + cfg.STT.HTTP.Addr()

	rt := New(cfg, slog.New(slog.NewTextHandler(io.Discard, nil)))
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- rt.Start(ctx) }()

	admin := "http://" + cfg.Telemetry.PrometheusBind
	waitFor(t, admin+"/readyz").Body.Close()

	pcm := make([]byte, 16000*2)
	for i := 0; i < 16000; i++ {
		binary.LittleEndian.PutUint16(pcm[i*2:], uint16(int16(6000*math.Sin(float64(i)/5))))
	}
	resp, err := http.Post("http://"+cfg.Gateway.HTTP.Addr()+"/api/echo-bytes?sr=16000&ch=1", "application/octet-stream", bytes.NewReader(pcm))
	if err != nil {
		t.Fatalf("echo: %v", err)
	}
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK || len(body) == 0 {
		t.Fatalf("expected resynthesized audio, got %d with %d bytes", resp.StatusCode, len(body))
	}
	if resp.Header.Get(protocol.HeaderRecognizedText) == "" {
		t.Fatal("expected recognized text header")
	}

	metrics := waitFor(t, admin+"/metrics")
	scraped, _ := io.ReadAll(metrics.Body)
	metrics.Body.Close()
	if !strings.Contains(string(scraped), "relay_tts_frames") {
		t.Fatal("expected relay metrics on the scrape endpoint")
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("runtime returned error: %v", err)
		}
	case <-time.After(15 * time.Second):
		t.Fatal("runtime did not stop")
	}
}

func TestNewLoggerLevels(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(config.TelemetryConfig{LogLevel: "warn", LogFormat: "text"}, &buf)
	logger.Info("hidden")
	logger.Warn("shown")
	if out := buf.String(); strings.Contains(out, "hidden") || !strings.Contains(out, "shown") {
		t.Fatalf("unexpected log output %q", out)
	}

	buf.Reset()
	logger = NewLogger(config.TelemetryConfig{LogLevel: "bogus"}, &buf)
	logger.Info("json")
	if !strings.HasPrefix(buf.String(), "{") {
		t.Fatalf("expected JSON output at info, got %q", buf.String())
	}
}

func TestBuildComponentsRejectsUnknownModes(t *testing.T) {
	cfg := config.Default()
	cfg.TTS.Mode = "cloud"
	if _, err := buildComponents(context.Background(), cfg, nil, nil, slog.New(slog.NewTextHandler(io.Discard, nil))); err == nil {
		t.Fatal("expected unknown tts mode to fail")
	}
}
