// Package fault defines the error kinds shared by the relay components and
// their mapping onto HTTP responses.
package fault

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
)

// Kind classifies a failure for clients and for upstream/downstream mapping.
type Kind string

const (
	InvalidRequest      Kind = "InvalidRequest"
	MalformedAudio      Kind = "MalformedAudio"
	AudioTooLong        Kind = "AudioTooLong"
	RecognitionFailed   Kind = "RecognitionFailed"
	SynthesisFailed     Kind = "SynthesisFailed"
	UpstreamUnavailable Kind = "UpstreamUnavailable"
	// ClientDisconnected is never written to a client; it only cancels upstream work.
	ClientDisconnected Kind = "ClientDisconnected"
)

// Error is a classified failure. Detail is safe to show to clients.
type Error struct {
	Kind   Kind
	Detail string
	Err    error
}

func (e *Error) Error() string {
	switch {
	case e.Detail != "" && e.Err != nil:
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Detail, e.Err)
	case e.Detail != "":
		return fmt.Sprintf("%s: %s", e.Kind, e.Detail)
	case e.Err != nil:
		return fmt.Sprintf("%s: %v", e.Kind, e.Err)
	default:
		return string(e.Kind)
	}
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches any *Error of the same kind, so errors.Is(err, fault.New(k, "")) works.
func (e *Error) Is(target error) bool {
	var t *Error
	if errors.As(target, &t) {
		return t.Kind == e.Kind
	}
	return false
}

func New(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Detail: fmt.Sprintf(format, args...)}
}

// Wrap classifies err. An error that is already classified keeps its kind.
func Wrap(kind Kind, err error, detail string) error {
	if err == nil {
		return nil
	}
	var fe *Error
	if errors.As(err, &fe) {
		return err
	}
	if errors.Is(err, context.Canceled) {
		kind = ClientDisconnected
	}
	return &Error{Kind: kind, Detail: detail, Err: err}
}

// KindOf reports the kind of err; unclassified errors default to fallback.
func KindOf(err error, fallback Kind) Kind {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Kind
	}
	if errors.Is(err, context.Canceled) {
		return ClientDisconnected
	}
	return fallback
}

// Detail returns the client-facing detail of err.
func Detail(err error) string {
	var fe *Error
	if errors.As(err, &fe) {
		if fe.Detail != "" {
			return fe.Detail
		}
		if fe.Err != nil {
			return fe.Err.Error()
		}
		return ""
	}
	if err == nil {
		return ""
	}
	return err.Error()
}

func HTTPStatus(kind Kind) int {
	switch kind {
	case InvalidRequest, MalformedAudio:
		return http.StatusBadRequest
	case AudioTooLong:
		return http.StatusRequestEntityTooLarge
	case RecognitionFailed, SynthesisFailed:
		return http.StatusInternalServerError
	case UpstreamUnavailable:
		return http.StatusServiceUnavailable
	case ClientDisconnected:
		// nginx convention; the client is gone and never sees it.
		return 499
	default:
		return http.StatusInternalServerError
	}
}

// Body is the JSON error envelope used on every HTTP surface.
type Body struct {
	Error  Kind   `json:"error"`
	Detail string `json:"detail,omitempty"`
}

// WriteJSON writes err as a complete error response. fallback classifies
// errors that carry no kind.
func WriteJSON(w http.ResponseWriter, err error, fallback Kind) {
	kind := KindOf(err, fallback)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(HTTPStatus(kind))
	_ = json.NewEncoder(w).Encode(Body{Error: kind, Detail: Detail(err)})
}

// FromResponse rebuilds the error carried by a non-2xx upstream response.
// Bodies that do not decode fall back to a kind derived from the status code.
func FromResponse(resp *http.Response) error {
	data, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	var body Body
	if err := json.Unmarshal(data, &body); err == nil && body.Error != "" {
		return &Error{Kind: body.Error, Detail: body.Detail}
	}
	detail := strings.TrimSpace(string(data))
	if detail == "" {
		detail = resp.Status
	}
	switch {
	case resp.StatusCode == http.StatusRequestEntityTooLarge:
		return &Error{Kind: AudioTooLong, Detail: detail}
	case resp.StatusCode >= 400 && resp.StatusCode < 500:
		return &Error{Kind: InvalidRequest, Detail: detail}
	default:
		return &Error{Kind: UpstreamUnavailable, Detail: detail}
	}
}
