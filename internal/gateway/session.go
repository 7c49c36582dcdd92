package gateway

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/loqalabs/loqa-relay/internal/bus"
	"github.com/loqalabs/loqa-relay/internal/eventstore"
	"github.com/loqalabs/loqa-relay/internal/protocol"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// State is the lifecycle position of a gateway session.
type State string

const (
	StateOpen      State = "open"
	StateStreaming State = "streaming"
	StateFailed    State = "failed"
	StateClosed    State = "closed"
)

// Session kinds.
const (
	KindRelay = "relay"
	KindEcho  = "echo"
	KindTTS   = "tts"
)

var transitions = map[State][]State{
	StateOpen:      {StateStreaming, StateFailed, StateClosed},
	StateStreaming: {StateFailed, StateClosed},
	StateFailed:    {StateClosed},
}

func (s State) canMoveTo(next State) bool {
	for _, allowed := range transitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

func (s State) terminal() bool {
	return s == StateFailed || s == StateClosed
}

// Journal persists session transitions and announces them on the bus. Both
// sinks are optional.
type Journal struct {
	store *eventstore.Store
	bus   *bus.Client
	log   *slog.Logger
	ended metric.Int64Counter
}

func NewJournal(store *eventstore.Store, busClient *bus.Client, log *slog.Logger) *Journal {
	j := &Journal{
		store: store,
		bus:   busClient,
		log:   log.With(slog.String("component", "session-journal")),
	}
	j.ended, _ = otel.Meter("github.com/loqalabs/loqa-relay/gateway").Int64Counter("relay.gateway.sessions",
		metric.WithDescription("Gateway sessions by kind and final state"))
	return j
}

func (j *Journal) opened(id, kind string) {
	if err := j.store.OpenSession(context.Background(), id, kind, string(StateOpen)); err != nil {
		j.log.Warn("failed to journal session", slog.String("session_id", id), slogError(err))
	}
	j.publish(id, kind, StateOpen, "")
}

func (j *Journal) moved(id, kind string, state State, detail string) {
	if err := j.store.RecordTransition(context.Background(), id, string(state), detail); err != nil {
		j.log.Warn("failed to journal transition", slog.String("session_id", id), slog.String("state", string(state)), slogError(err))
	}
	j.publish(id, kind, state, detail)
}

func (j *Journal) finished(kind string, failed bool) {
	outcome := "ok"
	if failed {
		outcome = "failed"
	}
	if j.ended != nil {
		j.ended.Add(context.Background(), 1, metric.WithAttributes(
			attribute.String("kind", kind),
			attribute.String("outcome", outcome)))
	}
}

func (j *Journal) publish(id, kind string, state State, detail string) {
	j.bus.PublishJSON(protocol.SubjectSessionPrefix+"."+string(state), protocol.SessionEvent{
		SessionID: id,
		Kind:      kind,
		State:     string(state),
		Detail:    detail,
		Timestamp: time.Now().UTC(),
	})
}

// Session tracks one client request through the gateway. Upstream resources
// attached to it are released exactly once, on entry to FAILED or CLOSED.
type Session struct {
	ID   string
	Kind string

	journal *Journal

	mu       sync.Mutex
	state    State
	failed   bool
	releases []func()
}

func (j *Journal) Open(kind string) *Session {
	s := &Session{
		ID:      uuid.NewString(),
		Kind:    kind,
		journal: j,
		state:   StateOpen,
	}
	j.opened(s.ID, kind)
	return s
}

func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Attach registers a release for an upstream resource. If the session is
// already terminal the release runs immediately.
func (s *Session) Attach(release func()) {
	s.mu.Lock()
	if s.state.terminal() {
		s.mu.Unlock()
		release()
		return
	}
	s.releases = append(s.releases, release)
	s.mu.Unlock()
}

func (s *Session) Streaming() error { return s.move(StateStreaming, "") }

func (s *Session) Fail(detail string) error { return s.move(StateFailed, detail) }

// Close ends the session. Closing twice is a no-op.
func (s *Session) Close(detail string) {
	_ = s.move(StateClosed, detail)
}

func (s *Session) move(next State, detail string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == StateClosed && next == StateClosed {
		return nil
	}
	if !s.state.canMoveTo(next) {
		return fmt.Errorf("session %s: invalid transition %s -> %s", s.ID, s.state, next)
	}
	s.state = next
	if next == StateFailed {
		s.failed = true
	}
	if next.terminal() {
		for _, release := range s.releases {
			release()
		}
		s.releases = nil
	}
	s.journal.moved(s.ID, s.Kind, next, detail)
	if next == StateClosed {
		s.journal.finished(s.Kind, s.failed)
	}
	return nil
}
