package broker

import (
	"context"
	"fmt"
	"sync"

	"github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"
)

// ValkeyClient uses Valkey/Redis pub/sub; destinations are channel names.
type ValkeyClient struct {
	mux     sync.Mutex
	opts    Options
	cb      Callbacks
	state   State
	gen     uint64
	client  *redis.Client
	pubsubs []*redis.PubSub
}

func NewValkeyClient(opts Options) *ValkeyClient {
	return &ValkeyClient{opts: opts}
}

func (c *ValkeyClient) SetCallbacks(cb Callbacks) {
	c.mux.Lock()
	defer c.mux.Unlock()
	c.cb = cb
}

func (c *ValkeyClient) Activate() {
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

func (c *ValkeyClient) connect(gen uint64) {
	log := log.WithField("prefix", "ValkeyClient.connect")

	client, err := c.dial()
	c.mux.Lock()
	if c.gen != gen {
		c.mux.Unlock()
		if client != nil {
			log.Info("activation superseded, dropping late connection")
			_ = client.Close()
		}
		return
	}
	cb := c.cb
	if err != nil {
		c.state = Disconnected
		c.mux.Unlock()
		log.Errorf("failed to connect to Valkey: %v", err)
		cb.transportError(err)
		return
	}
	c.client = client
	c.state = Connected
	c.mux.Unlock()

	log.Info("successfully connected to Valkey")
	cb.connect(Frame{Command: "CONNECTED", Headers: map[string]string{"server": client.Options().Addr}})
}

func (c *ValkeyClient) dial() (*redis.Client, error) {
	opts, err := redis.ParseURL(c.opts.URL)
	if err != nil {
		return nil, fmt.Errorf("parse valkey uri: %w", err)
	}
	if opts.Password == "" {
		opts.Password = c.opts.token()
	}
	opts.DialTimeout = c.opts.connectTimeout()
	if c.opts.Name != "" {
		opts.ClientName = c.opts.Name
	}
	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), c.opts.connectTimeout())
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, err
	}
	return client, nil
}

func (c *ValkeyClient) Deactivate() {
	c.mux.Lock()
	c.gen++
	client, pubsubs := c.client, c.pubsubs
	c.client, c.pubsubs = nil, nil
	c.state = Disconnected
	c.mux.Unlock()

	if client == nil {
		return
	}
	go func() {
		for _, ps := range pubsubs {
			_ = ps.Close()
		}
		if err := client.Close(); err != nil {
			log.WithField("prefix", "ValkeyClient.Deactivate").Errorf("close: %v", err)
		}
	}()
}

func (c *ValkeyClient) Subscribe(destination string, handler func(Frame)) error {
	c.mux.Lock()
	defer c.mux.Unlock()
	if c.client == nil {
		return ErrNotConnected
	}

	ctx, cancel := context.WithTimeout(context.Background(), c.opts.connectTimeout())
	defer cancel()
	ps := c.client.Subscribe(ctx, destination)
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		return fmt.Errorf("subscribe %s: %w", destination, err)
	}
	c.pubsubs = append(c.pubsubs, ps)

	go func() {
		for msg := range ps.Channel() {
			deliver(handler, Frame{
				Command: "MESSAGE",
				Headers: map[string]string{"destination": msg.Channel},
				Body:    []byte(msg.Payload),
			})
		}
	}()
	return nil
}

func (c *ValkeyClient) Publish(destination string, body []byte) error {
	c.mux.Lock()
	client := c.client
	c.mux.Unlock()
	if client == nil {
		return ErrNotConnected
	}
	ctx, cancel := context.WithTimeout(context.Background(), writeWait)
	defer cancel()
	if err := client.Publish(ctx, destination, body).Err(); err != nil {
		return fmt.Errorf("publish to %s: %w", destination, err)
	}
	return nil
}

func (c *ValkeyClient) State() State {
	c.mux.Lock()
	defer c.mux.Unlock()
	return c.state
}

func (c *ValkeyClient) HealthCheck() error {
	c.mux.Lock()
	client := c.client
	c.mux.Unlock()
	if client == nil {
		return ErrNotConnected
	}
	ctx, cancel := context.WithTimeout(context.Background(), writeWait)
	defer cancel()
	return client.Ping(ctx).Err()
}
