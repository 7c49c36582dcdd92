package bus

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/loqalabs/loqa-relay/internal/config"
	"github.com/loqalabs/loqa-relay/internal/natsserver"
	"github.com/loqalabs/loqa-relay/internal/protocol"
	"github.com/nats-io/nats.go"
)

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestPublishJSONRoundTrip(t *testing.T) {
	log := newLogger()
	srv, err := natsserver.Start(config.BusConfig{Enabled: true, Embedded: true, Port: -1}, log)
	if err != nil {
		t.Fatalf("start embedded server: %v", err)
	}
	defer srv.Shutdown()

	client, err := Connect(context.Background(), config.BusConfig{Servers: []string{srv.ClientURL()}, ConnectTimeout: 2000}, log)
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	defer client.Close()
	if !client.Healthy() {
		t.Fatal("expected healthy client")
	}

	received := make(chan protocol.SessionEvent, 1)
	sub, err := client.Subscribe(protocol.SubjectSessionPrefix+".>", func(msg *nats.Msg) {
		var ev protocol.SessionEvent
		if err := json.Unmarshal(msg.Data, &ev); err == nil {
			received <- ev
		}
	})
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	defer sub.Unsubscribe()
	if err := client.Conn().Flush(); err != nil {
		t.Fatalf("flush: %v", err)
	}

	client.PublishJSON(protocol.SubjectSessionPrefix+".closed", protocol.SessionEvent{SessionID: "s-1", State: "CLOSED"})

	select {
	case ev := <-received:
		if ev.SessionID != "s-1" || ev.State != "CLOSED" {
			t.Fatalf("unexpected event %+v", ev)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for event")
	}
}

func TestNilClientIsDisabled(t *testing.T) {
	var c *Client
	c.PublishJSON("anything", struct{}{})
	c.Close()
	if c.Healthy() {
		t.Fatal("nil client must not report healthy")
	}
	if _, err := c.Subscribe("x", func(*nats.Msg) {}); err == nil {
		t.Fatal("expected subscribe on nil client to fail")
	}
}
