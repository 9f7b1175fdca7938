package chat

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/callmedenchick/stompchat/internal/broker"
	"github.com/callmedenchick/stompchat/internal/models"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	log "github.com/sirupsen/logrus"
)

var (
	sentMessagesMetric = promauto.NewCounter(prometheus.CounterOpts{
		Name: "chat_messages_sent_total",
		Help: "The total number of published chat messages",
	})
	receivedMessagesMetric = promauto.NewCounter(prometheus.CounterOpts{
		Name: "chat_messages_received_total",
		Help: "The total number of chat messages appended to the list",
	})
	malformedMessagesMetric = promauto.NewCounter(prometheus.CounterOpts{
		Name: "chat_malformed_messages_total",
		Help: "The total number of inbound frames whose body was not a chat message",
	})
	brokerErrorsMetric = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "chat_broker_errors_total",
		Help: "Transport and protocol errors reported by the broker client",
	}, []string{"kind"})
	connectedMetric = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "chat_connected",
		Help: "Whether the UI is in the connected state (1) or not (0)",
	})
)

var errNullMessage = errors.New("message body is null")

// View renders UI state changes. Calls are serialized by the Session.
type View interface {
	SetConnected(connected bool)
	ClearMessages()
	ShowMessage(content string)
}

type Options struct {
	SubscribeDestination string
	PublishDestination   string
}

// Session is the client wiring between the broker connection and a View.
type Session struct {
	mux    sync.RWMutex
	id     string
	client broker.Client
	view   View
	opts   Options

	// wanted is true between Connect and Disconnect.
	wanted    bool
	connected bool
	rows      []string
	input     string
}

func NewSession(client broker.Client, view View, opts Options) *Session {
	s := &Session{
		id:     uuid.NewString(),
		client: client,
		view:   view,
		opts:   opts,
	}
	client.SetCallbacks(broker.Callbacks{
		OnConnect:        s.onConnect,
		OnWebSocketError: s.onWebSocketError,
		OnStompError:     s.onStompError,
		OnWebSocketClose: s.onWebSocketClose,
	})
	return s
}

func (s *Session) ID() string {
	return s.id
}

// Connect activates the connection. The UI changes only once the broker confirms.
func (s *Session) Connect() {
	s.mux.Lock()
	s.wanted = true
	s.mux.Unlock()
	s.client.Activate()
}

// Disconnect deactivates the connection and flips the UI at once.
func (s *Session) Disconnect() {
	log := log.WithFields(log.Fields{"prefix": "Session.Disconnect", "session": s.id})

	s.mux.Lock()
	s.wanted = false
	s.client.Deactivate()
	s.setConnected(false)
	s.mux.Unlock()
	log.Info("Disconnected")
}

// Close disconnects and waits for the broker client to finish saying goodbye.
func (s *Session) Close() {
	s.Disconnect()
	if w, ok := s.client.(broker.Waiter); ok {
		w.Wait()
	}
}

func (s *Session) onConnect(f broker.Frame) {
	log := log.WithFields(log.Fields{"prefix": "Session.onConnect", "session": s.id})

	s.mux.Lock()
	defer s.mux.Unlock()
	if !s.wanted {
		log.Info("connected after disconnect, tearing the late connection down")
		s.client.Deactivate()
		return
	}
	s.setConnected(true)
	log.Infof("Connected: %s %v", f.Command, f.Headers)

	if err := s.client.Subscribe(s.opts.SubscribeDestination, s.onMessage); err != nil {
		log.Errorf("subscribe to %s failed: %v", s.opts.SubscribeDestination, err)
	}
}

func (s *Session) onMessage(f broker.Frame) {
	log := log.WithFields(log.Fields{"prefix": "Session.onMessage", "session": s.id})

	var msg *models.ChatMessage
	err := json.Unmarshal(f.Body, &msg)
	if err == nil && msg == nil {
		err = errNullMessage
	}
	if err != nil {
		malformedMessagesMetric.Inc()
		log.Errorf("dropping malformed message from %s: %v", f.Header("destination"), err)
		return
	}

	s.mux.Lock()
	defer s.mux.Unlock()
	if !s.connected {
		return
	}
	s.rows = append(s.rows, msg.MessageContent)
	s.view.ShowMessage(msg.MessageContent)
	receivedMessagesMetric.Inc()
}

func (s *Session) onWebSocketError(err error) {
	brokerErrorsMetric.WithLabelValues("websocket").Inc()
	log.WithFields(log.Fields{"prefix": "Session.onWebSocketError", "session": s.id}).
		Errorf("Error with websocket: %v", err)
}

func (s *Session) onStompError(f broker.Frame) {
	brokerErrorsMetric.WithLabelValues("stomp").Inc()
	log := log.WithFields(log.Fields{"prefix": "Session.onStompError", "session": s.id})
	log.Errorf("Broker reported error: %s", f.Header("message"))
	log.Errorf("Additional details: %s", f.Body)
}

func (s *Session) onWebSocketClose() {
	log.WithFields(log.Fields{"prefix": "Session.onWebSocketClose", "session": s.id}).
		Warn("connection to broker closed")
}

// setConnected must be called with mux held.
func (s *Session) setConnected(connected bool) {
	s.connected = connected
	s.rows = nil
	if connected {
		connectedMetric.Set(1)
	} else {
		connectedMetric.Set(0)
	}
	s.view.SetConnected(connected)
	s.view.ClearMessages()
}

// Type replaces the pending input text.
func (s *Session) Type(text string) {
	s.mux.Lock()
	defer s.mux.Unlock()
	s.input = text
}

// SendMessage publishes the pending input and clears it. On failure the input is kept.
func (s *Session) SendMessage() error {
	s.mux.Lock()
	defer s.mux.Unlock()
	return s.send()
}

// Submit types text and sends it in one step.
func (s *Session) Submit(text string) error {
	s.mux.Lock()
	defer s.mux.Unlock()
	s.input = text
	return s.send()
}

func (s *Session) send() error {
	body, err := json.Marshal(models.ChatMessage{MessageContent: s.input})
	if err != nil {
		return fmt.Errorf("encode message: %w", err)
	}
	if err := s.client.Publish(s.opts.PublishDestination, body); err != nil {
		return err
	}
	sentMessagesMetric.Inc()
	s.input = ""
	return nil
}

func (s *Session) Connected() bool {
	s.mux.RLock()
	defer s.mux.RUnlock()
	return s.connected
}

// Messages returns the rendered rows; the list is only visible while connected.
func (s *Session) Messages() []string {
	s.mux.RLock()
	defer s.mux.RUnlock()
	if !s.connected {
		return nil
	}
	return append([]string(nil), s.rows...)
}

func (s *Session) Input() string {
	s.mux.RLock()
	defer s.mux.RUnlock()
	return s.input
}

// HealthCheck reports whether the underlying broker link is usable.
func (s *Session) HealthCheck() error {
	return s.client.HealthCheck()
}
