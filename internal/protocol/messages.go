package protocol

import (
	"strings"
	"time"
	"unicode/utf8"

	"github.com/loqalabs/loqa-relay/internal/fault"
)

// Segment is one independently synthesizable piece of a request.
type Segment struct {
	Text string `json:"text"`
}

// SynthesisRequest is the client message on /ws/tts and the body of POST /api/tts.
// Exactly one of Text or Segments is set.
type SynthesisRequest struct {
	Text     string    `json:"text,omitempty"`
	Segments []Segment `json:"segments,omitempty"`
	Voice    string    `json:"voice,omitempty"`
	Language string    `json:"language,omitempty"`
}

// Texts returns the request as an ordered list of texts.
func (r SynthesisRequest) Texts() []string {
	if len(r.Segments) == 0 {
		return []string{r.Text}
	}
	texts := make([]string, len(r.Segments))
	for i, s := range r.Segments {
		texts[i] = s.Text
	}
	return texts
}

// Validate rejects empty, blank or oversized text. maxLen counts runes per text.
func (r SynthesisRequest) Validate(maxLen int) error {
	if r.Text != "" && len(r.Segments) > 0 {
		return fault.New(fault.InvalidRequest, "request must carry either text or segments, not both")
	}
	if r.Text == "" && len(r.Segments) == 0 {
		return fault.New(fault.InvalidRequest, "text must not be empty")
	}
	for i, text := range r.Texts() {
		if strings.TrimSpace(text) == "" {
			if len(r.Segments) > 0 {
				return fault.New(fault.InvalidRequest, "segment %d has empty text", i)
			}
			return fault.New(fault.InvalidRequest, "text must not be empty")
		}
		if maxLen > 0 && utf8.RuneCountInString(text) > maxLen {
			return fault.New(fault.InvalidRequest, "text exceeds %d characters", maxLen)
		}
	}
	return nil
}

const (
	ControlEnd   = "end"
	ControlError = "error"
)

// Control is a JSON control frame on the streaming protocol.
type Control struct {
	Type   string     `json:"type"`
	Error  fault.Kind `json:"error,omitempty"`
	Detail string     `json:"detail,omitempty"`
}

func EndFrame() Control { return Control{Type: ControlEnd} }

func ErrorFrame(kind fault.Kind, detail string) Control {
	return Control{Type: ControlError, Error: kind, Detail: detail}
}

// TranscriptSegment is a timed span of a transcript, in seconds.
type TranscriptSegment struct {
	Start float64 `json:"start"`
	End   float64 `json:"end"`
	Text  string  `json:"text"`
}

// TranscriptResponse is the body of POST /api/stt/bytes.
type TranscriptResponse struct {
	Text     string              `json:"text"`
	Segments []TranscriptSegment `json:"segments,omitempty"`
}

// Transcript is broadcast on the bus after each recognition.
type Transcript struct {
	SessionID  string              `json:"session_id"`
	Text       string              `json:"text"`
	Language   string              `json:"language,omitempty"`
	Segments   []TranscriptSegment `json:"segments,omitempty"`
	DurationMS int64               `json:"duration_ms"`
	Confidence float64             `json:"confidence,omitempty"`
	Timestamp  time.Time           `json:"timestamp"`
}

// SynthesisDone is broadcast on the bus when a synthesis stream finishes.
type SynthesisDone struct {
	SessionID string     `json:"session_id"`
	Segments  int        `json:"segments"`
	Frames    int        `json:"frames"`
	Bytes     int64      `json:"bytes"`
	Error     fault.Kind `json:"error,omitempty"`
	Timestamp time.Time  `json:"timestamp"`
}

// SessionEvent records a gateway session state transition.
type SessionEvent struct {
	SessionID string    `json:"session_id"`
	Kind      string    `json:"kind"`
	State     string    `json:"state"`
	Detail    string    `json:"detail,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// Health is the body of GET /health on every component.
type Health struct {
	Status       string            `json:"status"`
	Service      string            `json:"service"`
	Dependencies map[string]string `json:"dependencies,omitempty"`
}

const (
	StatusHealthy   = "healthy"
	StatusDegraded  = "degraded"
	StatusUnhealthy = "unhealthy"
)

const (
	SubjectTranscript    = "stt.transcript"
	SubjectSynthesisDone = "tts.stream.done"
	SubjectSessionPrefix = "relay.session"
)

const (
	HeaderSampleRate     = "X-Sample-Rate"
	HeaderChannels       = "X-Channels"
	HeaderRecognizedText = "X-Recognized-Text"
	HeaderSegments       = "X-Segments"
	TrailerStreamError   = "X-Stream-Error"
)
