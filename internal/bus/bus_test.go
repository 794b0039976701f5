package bus

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/nats-io/nats-server/v2/server"
	"github.com/rs/zerolog"
)

func startTestServer(t *testing.T) *server.Server {
	t.Helper()
	srv, err := server.NewServer(&server.Options{
		Port:      -1, // random free port
		HTTPPort:  -1,
		NoLog:     true,
		NoSigs:    true,
		JetStream: false,
	})
	if err != nil {
		t.Fatalf("server.NewServer() error = %v", err)
	}
	go srv.Start()
	if !srv.ReadyForConnections(5 * time.Second) {
		t.Fatalf("embedded bus server did not become ready")
	}
	t.Cleanup(srv.Shutdown)
	return srv
}

func TestPublishWakeupDeliversToSubscriber(t *testing.T) {
	srv := startTestServer(t)
	url := srv.ClientURL()

	sub, err := NewClient(url, "test-subscriber", zerolog.Nop())
	if err != nil {
		t.Fatalf("NewClient() subscriber error = %v", err)
	}
	defer sub.Close()

	wakeups, unsubscribe, err := sub.SubscribeWakeups(SubjectOutboxWake)
	if err != nil {
		t.Fatalf("SubscribeWakeups() error = %v", err)
	}
	defer unsubscribe()

	pub, err := NewClient(url, "test-publisher", zerolog.Nop())
	if err != nil {
		t.Fatalf("NewClient() publisher error = %v", err)
	}
	defer pub.Close()

	if err := pub.Flush(); err != nil {
		t.Fatalf("Flush() error = %v", err)
	}
	if err := pub.PublishWakeup(SubjectOutboxWake); err != nil {
		t.Fatalf("PublishWakeup() error = %v", err)
	}

	select {
	case <-wakeups:
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for wake-up notification")
	}
}

func TestPublishJSONRoundTrip(t *testing.T) {
	srv := startTestServer(t)
	url := srv.ClientURL()

	c, err := NewClient(url, "test-json", zerolog.Nop())
	if err != nil {
		t.Fatalf("NewClient() error = %v", err)
	}
	defer c.Close()

	type payload struct {
		EventID string `json:"event_id"`
	}

	received := make(chan payload, 1)
	_, err = c.Subscribe(SubjectEventAppended, func(m *Message) {
		var p payload
		_ = json.Unmarshal(m.Data, &p)
		received <- p
	})
	if err != nil {
		t.Fatalf("Subscribe() error = %v", err)
	}

	if err := c.PublishJSON(SubjectEventAppended, payload{EventID: "ev-1"}); err != nil {
		t.Fatalf("PublishJSON() error = %v", err)
	}

	select {
	case p := <-received:
		if p.EventID != "ev-1" {
			t.Errorf("EventID = %q, want ev-1", p.EventID)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for json message")
	}
}

func TestIsConnectedReflectsConnectionState(t *testing.T) {
	srv := startTestServer(t)
	c, err := NewClient(srv.ClientURL(), "test-conn", zerolog.Nop())
	if err != nil {
		t.Fatalf("NewClient() error = %v", err)
	}
	if !c.IsConnected() {
		t.Errorf("IsConnected() = false, want true")
	}
	c.Close()
}
