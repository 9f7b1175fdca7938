package broker

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/go-stomp/stomp/v3"
	"github.com/go-stomp/stomp/v3/frame"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
)

// fakeBroker is a minimal STOMP-over-websocket broker for tests.
type fakeBroker struct {
	server *httptest.Server

	mu     sync.Mutex
	reject string
	// rejectSubscribe answers every SUBSCRIBE with an ERROR frame carrying this message.
	rejectSubscribe string
	hold            chan struct{}
	routes          map[string]string
	subs            map[string]string
	sockets         []*websocket.Conn
	connects        []*frame.Frame

	sends       chan *frame.Frame
	subscribed  chan string
	disconnects chan struct{}
}

func newFakeBroker(t *testing.T) *fakeBroker {
	b := &fakeBroker{
		routes:      make(map[string]string),
		subs:        make(map[string]string),
		sends:       make(chan *frame.Frame, 16),
		subscribed:  make(chan string, 16),
		disconnects: make(chan struct{}, 16),
	}
	upgrader := websocket.Upgrader{
		Subprotocols: stompSubprotocols,
		CheckOrigin:  func(*http.Request) bool { return true },
	}
	b.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		b.mu.Lock()
		b.sockets = append(b.sockets, ws)
		b.mu.Unlock()
		b.serve(ws)
	}))
	t.Cleanup(b.server.Close)
	return b
}

func (b *fakeBroker) url() string {
	return "ws" + strings.TrimPrefix(b.server.URL, "http") + "/chat-app"
}

func (b *fakeBroker) serve(ws *websocket.Conn) {
	defer ws.Close()
	conn := newWsConn(ws)
	reader := frame.NewReader(conn)
	writer := frame.NewWriter(conn)
	wmu := &sync.Mutex{}
	write := func(f *frame.Frame) {
		wmu.Lock()
		defer wmu.Unlock()
		_ = writer.Write(f)
	}

	for {
		f, err := reader.Read()
		if err != nil {
			return
		}
		if f == nil {
			continue
		}
		switch f.Command {
		case frame.CONNECT, frame.STOMP:
			b.mu.Lock()
			b.connects = append(b.connects, f)
			reject, hold := b.reject, b.hold
			b.mu.Unlock()
			if hold != nil {
				<-hold
			}
			if reject != "" {
				write(frame.New(frame.ERROR, frame.Message, reject))
				return
			}
			write(frame.New(frame.CONNECTED,
				frame.Version, "1.2",
				frame.HeartBeat, "0,0",
				frame.Session, "session-1",
				frame.Server, "fake/1.0"))
		case frame.SUBSCRIBE:
			dest := f.Header.Get(frame.Destination)
			b.mu.Lock()
			reject := b.rejectSubscribe
			if reject == "" {
				b.subs[dest] = f.Header.Get(frame.Id)
			}
			b.mu.Unlock()
			if reject != "" {
				write(frame.New(frame.ERROR, frame.Message, reject))
				return
			}
			b.subscribed <- dest
		case frame.SEND:
			b.sends <- f
			b.mu.Lock()
			to, ok := b.routes[f.Header.Get(frame.Destination)]
			b.mu.Unlock()
			if ok {
				b.deliver(write, to, f.Body)
			}
		case frame.DISCONNECT:
			b.disconnects <- struct{}{}
			if receipt := f.Header.Get(frame.Receipt); receipt != "" {
				write(frame.New(frame.RECEIPT, frame.ReceiptId, receipt))
			}
			return
		}
	}
}

func (b *fakeBroker) deliver(write func(*frame.Frame), destination string, body []byte) {
	b.mu.Lock()
	id, ok := b.subs[destination]
	b.mu.Unlock()
	if !ok {
		return
	}
	f := frame.New(frame.MESSAGE,
		frame.Destination, destination,
		frame.Subscription, id,
		frame.MessageId, "m-"+strconv.Itoa(len(body)),
		frame.ContentType, contentTypeJSON,
		frame.ContentLength, strconv.Itoa(len(body)))
	f.Body = body
	write(f)
}

// dropAll closes every server side socket without a STOMP goodbye.
func (b *fakeBroker) dropAll() {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, ws := range b.sockets {
		_ = ws.Close()
	}
}

func (b *fakeBroker) lastConnect() *frame.Frame {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.connects) == 0 {
		return nil
	}
	return b.connects[len(b.connects)-1]
}

func newTestStompClient(url string) (*StompClient, *recorder) {
	c := NewStompClient(Options{
		URL:            url,
		Headers:        map[string]string{"token": "your-token-here"},
		ConnectTimeout: 2 * time.Second,
	})
	rec := newRecorder()
	c.SetCallbacks(rec.callbacks())
	return c, rec
}

func TestStompClientRoundTrip(t *testing.T) {
	b := newFakeBroker(t)
	b.routes["/app/chat"] = "/topic/notification-client/messages"
	c, rec := newTestStompClient(b.url())

	c.Activate()
	connected := waitFor(t, rec.connected, "connect")
	if connected.Header("session") != "session-1" {
		t.Errorf("session header = %q", connected.Header("session"))
	}
	if c.State() != Connected {
		t.Fatalf("state = %v", c.State())
	}
	if token := b.lastConnect().Header.Get("token"); token != "your-token-here" {
		t.Errorf("token header = %q", token)
	}

	got := make(chan Frame, 1)
	if err := c.Subscribe("/topic/notification-client/messages", func(f Frame) { got <- f }); err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	waitFor(t, b.subscribed, "subscribe frame")

	body := []byte(`{"messageContent":"hello"}`)
	if err := c.Publish("/app/chat", body); err != nil {
		t.Fatalf("publish: %v", err)
	}
	sent := waitFor(t, b.sends, "send frame")
	if string(sent.Body) != string(body) {
		t.Errorf("sent body = %q", sent.Body)
	}
	if ct := sent.Header.Get(frame.ContentType); ct != contentTypeJSON {
		t.Errorf("content-type = %q", ct)
	}

	msg := waitFor(t, got, "message")
	if string(msg.Body) != string(body) {
		t.Errorf("received body = %q", msg.Body)
	}
	if msg.Header("destination") != "/topic/notification-client/messages" {
		t.Errorf("destination = %q", msg.Header("destination"))
	}

	c.Deactivate()
	if c.State() != Disconnected {
		t.Fatalf("state after deactivate = %v", c.State())
	}
	expectNone(t, rec.closed, "close callback after deactivate")
}

func TestStompClientRejectedConnect(t *testing.T) {
	b := newFakeBroker(t)
	b.reject = "Forbidden"
	c, rec := newTestStompClient(b.url())

	c.Activate()
	f := waitFor(t, rec.stompErrs, "stomp error")
	if f.Header("message") != "Forbidden" {
		t.Errorf("message header = %q", f.Header("message"))
	}
	expectNone(t, rec.connected, "connect")
	if c.State() != Disconnected {
		t.Fatalf("state = %v", c.State())
	}
}

func TestStompClientDialError(t *testing.T) {
	b := newFakeBroker(t)
	url := b.url()
	b.server.Close()
	c, rec := newTestStompClient(url)

	c.Activate()
	waitFor(t, rec.wsErrors, "websocket error")
	expectNone(t, rec.connected, "connect")
	if c.State() != Disconnected {
		t.Fatalf("state = %v", c.State())
	}
}

func TestStompClientNotConnected(t *testing.T) {
	c, _ := newTestStompClient("ws://127.0.0.1:1/chat-app")
	if err := c.Publish("/app/chat", []byte("{}")); !errors.Is(err, ErrNotConnected) {
		t.Fatalf("publish err = %v", err)
	}
	if err := c.Subscribe("/topic/x", func(Frame) {}); !errors.Is(err, ErrNotConnected) {
		t.Fatalf("subscribe err = %v", err)
	}
	if err := c.HealthCheck(); !errors.Is(err, ErrNotConnected) {
		t.Fatalf("health err = %v", err)
	}
}

func TestStompClientConnectionLost(t *testing.T) {
	b := newFakeBroker(t)
	c, rec := newTestStompClient(b.url())

	c.Activate()
	waitFor(t, rec.connected, "connect")
	b.dropAll()

	waitFor(t, rec.closed, "close callback")
	if c.State() != Disconnected {
		t.Fatalf("state = %v", c.State())
	}
}

func TestStompClientDeactivateDuringConnect(t *testing.T) {
	b := newFakeBroker(t)
	hold := make(chan struct{})
	b.hold = hold
	c, rec := newTestStompClient(b.url())

	c.Activate()
	deadline := time.Now().Add(5 * time.Second)
	for b.lastConnect() == nil {
		if time.Now().After(deadline) {
			t.Fatal("CONNECT frame never arrived")
		}
		time.Sleep(10 * time.Millisecond)
	}
	c.Deactivate()
	close(hold)

	expectNone(t, rec.connected, "late connect")
	expectNone(t, rec.wsErrors, "error from abandoned activation")
	if c.State() != Disconnected {
		t.Fatalf("state = %v", c.State())
	}
}

func TestStompClientActivateTwice(t *testing.T) {
	b := newFakeBroker(t)
	c, rec := newTestStompClient(b.url())

	c.Activate()
	c.Activate()
	waitFor(t, rec.connected, "connect")
	expectNone(t, rec.connected, "second connect")
	c.Deactivate()
}

func TestStompClientSubscribeRejected(t *testing.T) {
	b := newFakeBroker(t)
	b.rejectSubscribe = "Forbidden"
	c, rec := newTestStompClient(b.url())

	c.Activate()
	waitFor(t, rec.connected, "connect")
	if err := c.Subscribe("/topic/someone-else/messages", func(Frame) {}); err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	f := waitFor(t, rec.stompErrs, "stomp error")
	if f.Header("message") != "Forbidden" {
		t.Errorf("message header = %q", f.Header("message"))
	}
	waitFor(t, rec.closed, "close callback")
	if c.State() != Disconnected {
		t.Fatalf("state = %v", c.State())
	}
}

func TestStompClientDropsMessagesOfOldConnection(t *testing.T) {
	b := newFakeBroker(t)
	b.routes["/app/chat"] = "/topic/notification-client/messages"
	c, rec := newTestStompClient(b.url())

	c.Activate()
	waitFor(t, rec.connected, "connect")
	got := make(chan Frame, 4)
	if err := c.Subscribe("/topic/notification-client/messages", func(f Frame) { got <- f }); err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	waitFor(t, b.subscribed, "subscribe frame")

	// A newer activation supersedes the live one while its socket is still open.
	c.mux.Lock()
	c.gen++
	c.mux.Unlock()

	if err := c.Publish("/app/chat", []byte(`{"messageContent":"stale"}`)); err != nil {
		t.Fatalf("publish: %v", err)
	}
	waitFor(t, b.sends, "send frame")
	expectNone(t, got, "message from superseded connection")
	c.Deactivate()
	c.Wait()
}

func TestStompClientWaitSendsDisconnect(t *testing.T) {
	b := newFakeBroker(t)
	c, rec := newTestStompClient(b.url())

	c.Activate()
	waitFor(t, rec.connected, "connect")
	c.Deactivate()
	c.Wait()

	select {
	case <-b.disconnects:
	default:
		t.Fatal("broker never received DISCONNECT")
	}
}

func TestStompLoggerUsesLogrus(t *testing.T) {
	logger, hook := test.NewNullLogger()
	logger.SetLevel(logrus.DebugLevel)
	var l stomp.Logger = stompLogger{logrus.NewEntry(logger).WithField("prefix", "stomp")}

	l.Error("received ERROR; Closing underlying connection")
	entry := hook.LastEntry()
	if entry == nil || entry.Level != logrus.ErrorLevel || entry.Data["prefix"] != "stomp" {
		t.Fatalf("last entry = %+v", entry)
	}
	l.Warningf("ignored MESSAGE for subscription: %s", "1")
	if entry := hook.LastEntry(); entry.Level != logrus.WarnLevel || entry.Message != "ignored MESSAGE for subscription: 1" {
		t.Fatalf("last entry = %+v", entry)
	}

	logger.SetLevel(logrus.InfoLevel)
	hook.Reset()
	l.Debug("heart-beat")
	if len(hook.AllEntries()) != 0 {
		t.Fatal("debug line logged above the configured level")
	}
}
