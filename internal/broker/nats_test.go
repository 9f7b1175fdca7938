package broker

import (
	"testing"
	"time"

	natsserver "github.com/nats-io/nats-server/v2/server"
)

func runNatsServer(t *testing.T, token string) *natsserver.Server {
	t.Helper()
	ns, err := natsserver.NewServer(&natsserver.Options{
		Host:          "127.0.0.1",
		Port:          -1,
		NoLog:         true,
		NoSigs:        true,
		Authorization: token,
	})
	if err != nil {
		t.Fatalf("nats server: %v", err)
	}
	go ns.Start()
	if !ns.ReadyForConnections(5 * time.Second) {
		t.Fatal("nats server not ready")
	}
	t.Cleanup(ns.Shutdown)
	return ns
}

func TestNatsClientRoundTrip(t *testing.T) {
	ns := runNatsServer(t, "s3cret")
	c := NewNatsClient(Options{
		URL:     ns.ClientURL(),
		Headers: map[string]string{"token": "s3cret"},
		Name:    "chat-test",
	})
	rec := newRecorder()
	c.SetCallbacks(rec.callbacks())

	c.Activate()
	waitFor(t, rec.connected, "connect")
	if err := c.HealthCheck(); err != nil {
		t.Fatalf("health: %v", err)
	}

	got := make(chan Frame, 1)
	if err := c.Subscribe("/topic/notification-client/messages", func(f Frame) { got <- f }); err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	body := []byte(`{"messageContent":"over nats"}`)
	if err := c.Publish("/topic/notification-client/messages", body); err != nil {
		t.Fatalf("publish: %v", err)
	}
	f := waitFor(t, got, "message")
	if string(f.Body) != string(body) {
		t.Errorf("body = %q", f.Body)
	}
	if f.Header("subject") != "topic.notification-client.messages" {
		t.Errorf("subject = %q", f.Header("subject"))
	}
	if f.Header("content-type") != contentTypeJSON {
		t.Errorf("content-type = %q", f.Header("content-type"))
	}

	c.Deactivate()
	if c.State() != Disconnected {
		t.Fatalf("state after deactivate = %v", c.State())
	}
	expectNone(t, rec.closed, "close callback after deactivate")
}

func TestNatsClientBadToken(t *testing.T) {
	ns := runNatsServer(t, "s3cret")
	c := NewNatsClient(Options{
		URL:            ns.ClientURL(),
		Headers:        map[string]string{"token": "wrong"},
		ConnectTimeout: 2 * time.Second,
	})
	rec := newRecorder()
	c.SetCallbacks(rec.callbacks())

	c.Activate()
	waitFor(t, rec.wsErrors, "connect error")
	expectNone(t, rec.connected, "connect")
	if c.State() != Disconnected {
		t.Fatalf("state = %v", c.State())
	}
}

func TestNatsClientServerShutdown(t *testing.T) {
	ns := runNatsServer(t, "")
	c := NewNatsClient(Options{URL: ns.ClientURL()})
	rec := newRecorder()
	c.SetCallbacks(rec.callbacks())

	c.Activate()
	waitFor(t, rec.connected, "connect")
	ns.Shutdown()

	waitFor(t, rec.closed, "close callback")
	if c.State() != Disconnected {
		t.Fatalf("state = %v", c.State())
	}
}
