package broker

import (
	"fmt"
	"sync"

	"github.com/nats-io/nats.go"
	log "github.com/sirupsen/logrus"
)

// NatsClient maps destinations onto NATS subjects ("/topic/a/b" becomes "topic.a.b").
type NatsClient struct {
	mux   sync.Mutex
	opts  Options
	cb    Callbacks
	state State
	gen   uint64
	nc    *nats.Conn
	subs  []*nats.Subscription
}

func NewNatsClient(opts Options) *NatsClient {
	return &NatsClient{opts: opts}
}

func (c *NatsClient) SetCallbacks(cb Callbacks) {
	c.mux.Lock()
	defer c.mux.Unlock()
	c.cb = cb
}

func (c *NatsClient) Activate() {
	c.mux.Lock()
	if c.state != Disconnected {
		c.mux.Unlock()
		return
	}
	c.gen++
	gen := c.gen
	c.state = Connecting
	c.mux.Unlock()

	go c.connect(gen)
}

func (c *NatsClient) connect(gen uint64) {
	log := log.WithField("prefix", "NatsClient.connect")

	options := []nats.Option{
		nats.Timeout(c.opts.connectTimeout()),
		nats.NoReconnect(),
		nats.ErrorHandler(func(_ *nats.Conn, sub *nats.Subscription, err error) {
			c.asyncError(gen, sub, err)
		}),
		nats.ClosedHandler(func(_ *nats.Conn) {
			c.lost(gen)
		}),
	}
	if c.opts.Name != "" {
		options = append(options, nats.Name(c.opts.Name))
	}
	if token := c.opts.token(); token != "" {
		options = append(options, nats.Token(token))
	}

	nc, err := nats.Connect(c.opts.URL, options...)

	c.mux.Lock()
	if c.gen != gen {
		c.mux.Unlock()
		if nc != nil {
			log.Info("activation superseded, dropping late connection")
			nc.Close()
		}
		return
	}
	cb := c.cb
	if err != nil {
		c.state = Disconnected
		c.mux.Unlock()
		log.Errorf("failed to connect to NATS: %v", err)
		cb.transportError(err)
		return
	}
	c.nc = nc
	c.state = Connected
	c.mux.Unlock()

	log.Infof("connected to %s", nc.ConnectedUrl())
	cb.connect(Frame{
		Command: "CONNECTED",
		Headers: map[string]string{"server": nc.ConnectedServerId()},
	})
}

func (c *NatsClient) asyncError(gen uint64, sub *nats.Subscription, err error) {
	c.mux.Lock()
	cb, current := c.cb, c.gen == gen
	c.mux.Unlock()
	if !current {
		return
	}
	subject := ""
	if sub != nil {
		subject = sub.Subject
	}
	log.WithField("prefix", "NatsClient.asyncError").Errorf("broker reported error on %q: %v", subject, err)
	cb.protocolError(errorFrame(err.Error(), nil))
}

func (c *NatsClient) lost(gen uint64) {
	c.mux.Lock()
	if c.gen != gen {
		c.mux.Unlock()
		return
	}
	c.state = Disconnected
	c.nc = nil
	c.subs = nil
	cb := c.cb
	c.mux.Unlock()
	log.WithField("prefix", "NatsClient.lost").Info("connection closed")
	cb.closed()
}

func (c *NatsClient) Deactivate() {
	c.mux.Lock()
	c.gen++
	nc, subs := c.nc, c.subs
	c.nc, c.subs = nil, nil
	c.state = Disconnected
	c.mux.Unlock()

	if nc == nil {
		return
	}
	go func() {
		for _, sub := range subs {
			_ = sub.Unsubscribe()
		}
		if err := nc.Drain(); err != nil {
			nc.Close()
		}
	}()
}

func (c *NatsClient) Subscribe(destination string, handler func(Frame)) error {
	c.mux.Lock()
	defer c.mux.Unlock()
	if c.nc == nil {
		return ErrNotConnected
	}
	subject := subjectFor(destination)
	sub, err := c.nc.Subscribe(subject, func(m *nats.Msg) {
		headers := map[string]string{"destination": destination, "subject": m.Subject}
		for key := range m.Header {
			headers[key] = m.Header.Get(key)
		}
		deliver(handler, Frame{Command: "MESSAGE", Headers: headers, Body: m.Data})
	})
	if err != nil {
		return fmt.Errorf("subscribe %s: %w", subject, err)
	}
	c.subs = append(c.subs, sub)
	return nil
}

func (c *NatsClient) Publish(destination string, body []byte) error {
	c.mux.Lock()
	nc := c.nc
	c.mux.Unlock()
	if nc == nil {
		return ErrNotConnected
	}
	subject := subjectFor(destination)
	msg := nats.NewMsg(subject)
	msg.Header.Set("content-type", contentTypeJSON)
	msg.Data = body
	if err := nc.PublishMsg(msg); err != nil {
		return fmt.Errorf("publish to %s: %w", subject, err)
	}
	return nil
}

func (c *NatsClient) State() State {
	c.mux.Lock()
	defer c.mux.Unlock()
	return c.state
}

func (c *NatsClient) HealthCheck() error {
	c.mux.Lock()
	nc := c.nc
	c.mux.Unlock()
	if nc == nil || !nc.IsConnected() {
		return ErrNotConnected
	}
	return nil
}
