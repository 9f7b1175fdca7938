package broker

import (
	"sync"
)

// Hub is an in-process broker shared by MemClients.
type Hub struct {
	lock        sync.Mutex
	subscribers map[string][]*memSubscription
	routes      map[string][]string
	refuse      error
}

type memSubscription struct {
	owner *MemClient
	ch    chan Frame
}

func NewHub() *Hub {
	return &Hub{
		subscribers: make(map[string][]*memSubscription),
		routes:      make(map[string][]string),
	}
}

// Route forwards everything published to from onto to as well.
func (h *Hub) Route(from, to string) {
	h.lock.Lock()
	defer h.lock.Unlock()
	h.routes[from] = append(h.routes[from], to)
}

// Refuse makes later activations fail with err; nil accepts them again.
func (h *Hub) Refuse(err error) {
	h.lock.Lock()
	defer h.lock.Unlock()
	h.refuse = err
}

// Pub delivers body to every subscriber of destination and of its routes.
func (h *Hub) Pub(destination string, body []byte) {
	h.lock.Lock()
	defer h.lock.Unlock()

	targets := append([]string{destination}, h.routes[destination]...)
	for _, dest := range targets {
		f := Frame{
			Command: "MESSAGE",
			Headers: map[string]string{"destination": dest},
			Body:    append([]byte(nil), body...),
		}
		for _, sub := range h.subscribers[dest] {
			select {
			case sub.ch <- f:
			default:
				// Subscriber is full, skip
			}
		}
	}
}

func (h *Hub) sub(destination string, s *memSubscription) {
	h.lock.Lock()
	defer h.lock.Unlock()
	h.subscribers[destination] = append(h.subscribers[destination], s)
}

func (h *Hub) unsub(owner *MemClient) {
	h.lock.Lock()
	defer h.lock.Unlock()
	for dest, subs := range h.subscribers {
		kept := subs[:0]
		for _, s := range subs {
			if s.owner == owner {
				close(s.ch)
				continue
			}
			kept = append(kept, s)
		}
		if len(kept) == 0 {
			delete(h.subscribers, dest)
		} else {
			h.subscribers[dest] = kept
		}
	}
}

func (h *Hub) refusal() error {
	h.lock.Lock()
	defer h.lock.Unlock()
	return h.refuse
}

// MemClient is a Client bound to a Hub.
type MemClient struct {
	mux   sync.Mutex
	hub   *Hub
	cb    Callbacks
	state State
	gen   uint64
}

func NewMemClient(hub *Hub) *MemClient {
	return &MemClient{hub: hub}
}

func (c *MemClient) SetCallbacks(cb Callbacks) {
	c.mux.Lock()
	defer c.mux.Unlock()
	c.cb = cb
}

func (c *MemClient) Activate() {
	c.mux.Lock()
	if c.state != Disconnected {
		c.mux.Unlock()
		return
	}
	c.gen++
	gen := c.gen
	c.state = Connecting
	c.mux.Unlock()

	go func() {
		err := c.hub.refusal()
		c.mux.Lock()
		if c.gen != gen {
			c.mux.Unlock()
			return
		}
		cb := c.cb
		if err != nil {
			c.state = Disconnected
			c.mux.Unlock()
			cb.transportError(err)
			return
		}
		c.state = Connected
		c.mux.Unlock()
		cb.connect(Frame{Command: "CONNECTED", Headers: map[string]string{"server": "memory"}})
	}()
}

func (c *MemClient) Deactivate() {
	c.mux.Lock()
	c.gen++
	c.state = Disconnected
	c.mux.Unlock()
	c.hub.unsub(c)
}

func (c *MemClient) Subscribe(destination string, handler func(Frame)) error {
	if c.State() != Connected {
		return ErrNotConnected
	}
	s := &memSubscription{owner: c, ch: make(chan Frame, 100)}
	c.hub.sub(destination, s)
	go func() {
		for f := range s.ch {
			deliver(handler, f)
		}
	}()
	return nil
}

func (c *MemClient) Publish(destination string, body []byte) error {
	if c.State() != Connected {
		return ErrNotConnected
	}
	c.hub.Pub(destination, body)
	return nil
}

func (c *MemClient) State() State {
	c.mux.Lock()
	defer c.mux.Unlock()
	return c.state
}

func (c *MemClient) HealthCheck() error {
	if c.State() != Connected {
		return ErrNotConnected
	}
	return nil
}
