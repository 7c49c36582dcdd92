package fault

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestWrapKeepsExistingKind(t *testing.T) {
	inner := New(AudioTooLong, "too long")
	err := Wrap(RecognitionFailed, fmt.Errorf("normalize: %w", inner), "recognize")
	if got := KindOf(err, SynthesisFailed); got != AudioTooLong {
		t.Fatalf("expected AudioTooLong, got %s", got)
	}
	if !errors.Is(err, New(AudioTooLong, "")) {
		t.Fatal("expected errors.Is to match by kind")
	}
}

func TestWrapCanceledBecomesClientDisconnected(t *testing.T) {
	err := Wrap(SynthesisFailed, context.Canceled, "engine")
	if got := KindOf(err, SynthesisFailed); got != ClientDisconnected {
		t.Fatalf("expected ClientDisconnected, got %s", got)
	}
	if !errors.Is(err, context.Canceled) {
		t.Fatal("expected wrapped error to unwrap to context.Canceled")
	}
}

func TestHTTPStatus(t *testing.T) {
	cases := map[Kind]int{
		InvalidRequest:      400,
		MalformedAudio:      400,
		AudioTooLong:        413,
		RecognitionFailed:   500,
		SynthesisFailed:     500,
		UpstreamUnavailable: 503,
	}
	for kind, want := range cases {
		if got := HTTPStatus(kind); got != want {
			t.Fatalf("%s: expected %d, got %d", kind, want, got)
		}
	}
}

func TestWriteJSON(t *testing.T) {
	rec := httptest.NewRecorder()
	WriteJSON(rec, New(MalformedAudio, "odd length"), RecognitionFailed)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
	var body Body
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	if body.Error != MalformedAudio || body.Detail != "odd length" {
		t.Fatalf("unexpected body %+v", body)
	}
}

func TestFromResponse(t *testing.T) {
	resp := &http.Response{
		StatusCode: 413,
		Status:     "413 Request Entity Too Large",
		Body:       io.NopCloser(strings.NewReader(`{"error":"AudioTooLong","detail":"20s > 15s"}`)),
	}
	err := FromResponse(resp)
	if KindOf(err, InvalidRequest) != AudioTooLong || Detail(err) != "20s > 15s" {
		t.Fatalf("unexpected error %v", err)
	}

	resp = &http.Response{
		StatusCode: 502,
		Status:     "502 Bad Gateway",
		Body:       io.NopCloser(strings.NewReader("")),
	}
	if got := KindOf(FromResponse(resp), InvalidRequest); got != UpstreamUnavailable {
		t.Fatalf("expected UpstreamUnavailable for opaque 502, got %s", got)
	}
}
