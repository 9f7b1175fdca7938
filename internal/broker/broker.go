package broker

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

var (
	ErrNotConnected = errors.New("no underlying broker connection")
	ErrUnknownKind  = errors.New("unsupported broker kind")
)

type State int32

const (
	Disconnected State = iota
	Connecting
	Connected
)

func (s State) String() string {
	switch s {
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	default:
		return "disconnected"
	}
}

// Frame is one broker protocol message unit.
type Frame struct {
	Command string
	Headers map[string]string
	Body    []byte
}

func (f Frame) Header(key string) string {
	if f.Headers == nil {
		return ""
	}
	return f.Headers[key]
}

// Callbacks receive the asynchronous outcomes of Activate and of the live connection.
// Any of them may be nil.
type Callbacks struct {
	OnConnect        func(Frame)
	OnWebSocketError func(error)
	OnStompError     func(Frame)
	OnWebSocketClose func()
}

func (c Callbacks) connect(f Frame) {
	if c.OnConnect != nil {
		c.OnConnect(f)
	}
}

func (c Callbacks) transportError(err error) {
	if c.OnWebSocketError != nil {
		c.OnWebSocketError(err)
	}
}

func (c Callbacks) protocolError(f Frame) {
	if c.OnStompError != nil {
		c.OnStompError(f)
	}
}

func (c Callbacks) closed() {
	if c.OnWebSocketClose != nil {
		c.OnWebSocketClose()
	}
}

type Options struct {
	URL            string
	Headers        map[string]string
	HeartBeat      time.Duration
	ConnectTimeout time.Duration
	// Name identifies the client to brokers that support it.
	Name string
	// Routes forward publishes between destinations on the memory hub.
	Routes map[string]string
}

func (o Options) token() string {
	return o.Headers["token"]
}

func (o Options) connectTimeout() time.Duration {
	if o.ConnectTimeout <= 0 {
		return 10 * time.Second
	}
	return o.ConnectTimeout
}

// Waiter is implemented by clients whose Deactivate finishes in the background.
type Waiter interface {
	Wait()
}

// Client is the logical link to the broker. Activate and Deactivate return
// immediately; outcomes are reported through Callbacks.
type Client interface {
	SetCallbacks(cb Callbacks)
	Activate()
	Deactivate()
	Subscribe(destination string, handler func(Frame)) error
	Publish(destination string, body []byte) error
	State() State
	HealthCheck() error
}

func NewClient(kind string, opts Options) (Client, error) {
	switch kind {
	case "", "stomp":
		return NewStompClient(opts), nil
	case "nats":
		return NewNatsClient(opts), nil
	case "valkey", "redis":
		return NewValkeyClient(opts), nil
	case "memory":
		hub := NewHub()
		for from, to := range opts.Routes {
			hub.Route(from, to)
		}
		return NewMemClient(hub), nil
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnknownKind, kind)
	}
}

// subjectFor maps a slash separated destination onto a dot separated subject.
func subjectFor(destination string) string {
	return strings.ReplaceAll(strings.Trim(destination, "/"), "/", ".")
}

func errorFrame(message string, body []byte) Frame {
	return Frame{
		Command: "ERROR",
		Headers: map[string]string{"message": message},
		Body:    body,
	}
}
