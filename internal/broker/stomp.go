package broker

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/go-stomp/stomp/v3"
	"github.com/go-stomp/stomp/v3/frame"
	"github.com/gorilla/websocket"
	log "github.com/sirupsen/logrus"
)

const (
	contentTypeJSON = "application/json"
	disconnectWait  = 5 * time.Second
)

var stompSubprotocols = []string{"v12.stomp", "v11.stomp", "v10.stomp"}

// StompClient speaks STOMP over a websocket.
type StompClient struct {
	mux    sync.Mutex
	opts   Options
	cb     Callbacks
	dialer *websocket.Dialer

	state  State
	gen    uint64
	cancel context.CancelFunc
	conn   *stomp.Conn
	ws     *wsConn

	// closing tracks DISCONNECT handshakes still running in the background.
	closing sync.WaitGroup
}

func NewStompClient(opts Options) *StompClient {
	return &StompClient{
		opts: opts,
		dialer: &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: opts.connectTimeout(),
			Subprotocols:     stompSubprotocols,
		},
	}
}

func (c *StompClient) SetCallbacks(cb Callbacks) {
	c.mux.Lock()
	defer c.mux.Unlock()
	c.cb = cb
}

// Activate starts connecting in the background. It is a no-op while a
// connection exists or is being established.
func (c *StompClient) Activate() {
	log := log.WithField("prefix", "StompClient.Activate")

	c.mux.Lock()
	if state := c.state; state != Disconnected {
		c.mux.Unlock()
		log.Debugf("already %v, ignoring activate", state)
		return
	}
	c.gen++
	gen := c.gen
	ctx, cancel := context.WithTimeout(context.Background(), c.opts.connectTimeout())
	c.cancel = cancel
	c.state = Connecting
	c.mux.Unlock()

	log.Infof("connecting to %s", c.opts.URL)
	go c.connect(ctx, cancel, gen)
}

func (c *StompClient) connect(ctx context.Context, cancel context.CancelFunc, gen uint64) {
	log := log.WithField("prefix", "StompClient.connect")

	ws, resp, err := c.dialer.DialContext(ctx, c.opts.URL, nil)
	if err != nil {
		cancel()
		if resp != nil {
			err = fmt.Errorf("%w (status %s)", err, resp.Status)
		}
		if cb, ok := c.fail(gen); ok {
			log.Errorf("websocket dial failed: %v", err)
			cb.transportError(err)
		}
		return
	}

	transport := newWsConn(ws)
	stop := context.AfterFunc(ctx, func() { _ = ws.Close() })
	if deadline, ok := ctx.Deadline(); ok {
		_ = ws.SetReadDeadline(deadline)
	}
	conn, err := stomp.Connect(transport, c.connOptions()...)
	aborted := !stop()
	cancel()
	if err != nil {
		_ = ws.Close()
		cb, ok := c.fail(gen)
		if !ok {
			return
		}
		if f := stompErrorFrame(err); f != nil {
			log.Errorf("broker rejected connect: %v", err)
			cb.protocolError(fromStompFrame(f))
		} else {
			log.Errorf("stomp handshake failed: %v", err)
			cb.transportError(err)
		}
		return
	}
	if aborted {
		_ = ws.Close()
		if cb, ok := c.fail(gen); ok {
			cb.transportError(context.DeadlineExceeded)
		}
		return
	}
	_ = ws.SetReadDeadline(time.Time{})

	c.mux.Lock()
	if c.gen != gen || c.state != Connecting {
		c.mux.Unlock()
		log.Info("activation superseded, dropping late connection")
		_ = conn.MustDisconnect()
		return
	}
	c.conn = conn
	c.ws = transport
	c.state = Connected
	cb := c.cb
	c.mux.Unlock()

	go c.watch(transport, gen)

	log.Infof("connected, session %q", conn.Session())
	cb.connect(Frame{
		Command: "CONNECTED",
		Headers: map[string]string{
			"version": string(conn.Version()),
			"session": conn.Session(),
			"server":  conn.Server(),
		},
	})
}

// fail resets a pending activation. It reports false when gen is stale.
func (c *StompClient) fail(gen uint64) (Callbacks, bool) {
	c.mux.Lock()
	defer c.mux.Unlock()
	if c.gen != gen {
		return Callbacks{}, false
	}
	c.state = Disconnected
	c.cancel = nil
	return c.cb, true
}

// watch reports the loss of a live connection that was not deactivated.
func (c *StompClient) watch(transport *wsConn, gen uint64) {
	log := log.WithField("prefix", "StompClient.watch")
	<-transport.Done()
	err := transport.Err()

	c.mux.Lock()
	if c.gen != gen {
		c.mux.Unlock()
		return
	}
	c.state = Disconnected
	c.conn = nil
	c.ws = nil
	cb := c.cb
	c.mux.Unlock()

	if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
		log.Errorf("connection lost: %v", err)
		cb.transportError(err)
	} else {
		log.Infof("connection closed: %v", err)
	}
	cb.closed()
}

func (c *StompClient) connOptions() []func(*stomp.Conn) error {
	opts := []func(*stomp.Conn) error{
		stomp.ConnOpt.HeartBeat(c.opts.HeartBeat, c.opts.HeartBeat),
		stomp.ConnOpt.Logger(stompLogger{log.WithField("prefix", "stomp")}),
	}
	for key, value := range c.opts.Headers {
		opts = append(opts, stomp.ConnOpt.Header(key, value))
	}
	return opts
}

// Deactivate drops the connection, or abandons an activation in flight.
func (c *StompClient) Deactivate() {
	log := log.WithField("prefix", "StompClient.Deactivate")

	c.mux.Lock()
	c.gen++
	if c.cancel != nil {
		c.cancel()
		c.cancel = nil
	}
	conn, transport := c.conn, c.ws
	c.conn, c.ws = nil, nil
	c.state = Disconnected
	c.mux.Unlock()

	if conn == nil {
		return
	}
	c.closing.Add(1)
	go func() {
		defer c.closing.Done()
		done := make(chan error, 1)
		go func() { done <- conn.Disconnect() }()
		select {
		case err := <-done:
			if err != nil {
				log.Errorf("disconnect: %v", err)
			}
		case <-time.After(disconnectWait):
			log.Warn("no disconnect receipt, closing socket")
			_ = transport.Close()
		}
	}()
}

// Wait blocks until every DISCONNECT started by Deactivate has finished or
// fallen back to closing the socket.
func (c *StompClient) Wait() {
	c.closing.Wait()
}

func (c *StompClient) Subscribe(destination string, handler func(Frame)) error {
	c.mux.Lock()
	conn, gen := c.conn, c.gen
	c.mux.Unlock()
	if conn == nil {
		return ErrNotConnected
	}

	sub, err := conn.Subscribe(destination, stomp.AckAuto)
	if err != nil {
		return fmt.Errorf("subscribe %s: %w", destination, err)
	}
	go c.drain(sub, handler, gen)
	return nil
}

func (c *StompClient) drain(sub *stomp.Subscription, handler func(Frame), gen uint64) {
	log := log.WithField("prefix", "StompClient.drain")
	for msg := range sub.C {
		if msg.Err != nil {
			c.mux.Lock()
			cb, current := c.cb, c.gen == gen
			c.mux.Unlock()
			if current {
				f := Frame{Command: "ERROR", Headers: headerMap(msg.Header), Body: msg.Body}
				log.Errorf("broker reported error on %s: %s", sub.Destination(), f.Header("message"))
				cb.protocolError(f)
			}
			continue
		}
		c.mux.Lock()
		current := c.gen == gen
		c.mux.Unlock()
		if !current {
			continue
		}
		deliver(handler, Frame{Command: "MESSAGE", Headers: headerMap(msg.Header), Body: msg.Body})
	}
	log.Debugf("subscription to %s ended", sub.Destination())
}

func (c *StompClient) Publish(destination string, body []byte) error {
	c.mux.Lock()
	conn := c.conn
	c.mux.Unlock()
	if conn == nil {
		return ErrNotConnected
	}
	if err := conn.Send(destination, contentTypeJSON, body); err != nil {
		return fmt.Errorf("publish to %s: %w", destination, err)
	}
	return nil
}

func (c *StompClient) State() State {
	c.mux.Lock()
	defer c.mux.Unlock()
	return c.state
}

func (c *StompClient) HealthCheck() error {
	if c.State() != Connected {
		return ErrNotConnected
	}
	return nil
}

// deliver runs one handler invocation; a panic is logged and does not stop the subscription.
func deliver(handler func(Frame), f Frame) {
	defer func() {
		if r := recover(); r != nil {
			log.WithField("prefix", "deliver").Errorf("message handler panicked: %v", r)
		}
	}()
	handler(f)
}

// stompLogger routes the STOMP library's own log lines through logrus.
type stompLogger struct {
	entry *log.Entry
}

func (l stompLogger) Debugf(format string, v ...interface{})   { l.entry.Debugf(format, v...) }
func (l stompLogger) Infof(format string, v ...interface{})    { l.entry.Infof(format, v...) }
func (l stompLogger) Warningf(format string, v ...interface{}) { l.entry.Warnf(format, v...) }
func (l stompLogger) Errorf(format string, v ...interface{})   { l.entry.Errorf(format, v...) }
func (l stompLogger) Debug(message string)                     { l.entry.Debug(message) }
func (l stompLogger) Info(message string)                      { l.entry.Info(message) }
func (l stompLogger) Warning(message string)                   { l.entry.Warn(message) }
func (l stompLogger) Error(message string)                     { l.entry.Error(message) }

func stompErrorFrame(err error) *frame.Frame {
	switch e := err.(type) {
	case stomp.Error:
		return e.Frame
	case *stomp.Error:
		return e.Frame
	}
	return nil
}

func fromStompFrame(f *frame.Frame) Frame {
	return Frame{Command: f.Command, Headers: headerMap(f.Header), Body: f.Body}
}

func headerMap(h *frame.Header) map[string]string {
	m := make(map[string]string)
	if h == nil {
		return m
	}
	for i := 0; i < h.Len(); i++ {
		key, value := h.GetAt(i)
		if _, ok := m[key]; !ok {
			m[key] = value
		}
	}
	return m
}
