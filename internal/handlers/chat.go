package handlers

import (
	"errors"
	"net/http"

	"github.com/callmedenchick/stompchat/internal/broker"
	"github.com/callmedenchick/stompchat/internal/chat"
	"github.com/callmedenchick/stompchat/internal/models"
	"github.com/labstack/echo/v4"
	log "github.com/sirupsen/logrus"
)

// ChatHandler exposes a Session over HTTP.
type ChatHandler struct {
	session *chat.Session
}

func NewChatHandler(session *chat.Session) *ChatHandler {
	return &ChatHandler{session: session}
}

func (h *ChatHandler) Register(e *echo.Echo) {
	e.GET("/chat/state", h.State)
	e.POST("/chat/connect", h.Connect)
	e.POST("/chat/disconnect", h.Disconnect)
	e.POST("/chat/send", h.Send)
}

func (h *ChatHandler) State(c echo.Context) error {
	return c.JSON(http.StatusOK, h.state())
}

func (h *ChatHandler) Connect(c echo.Context) error {
	h.session.Connect()
	return c.JSON(http.StatusOK, h.state())
}

func (h *ChatHandler) Disconnect(c echo.Context) error {
	h.session.Disconnect()
	return c.JSON(http.StatusOK, h.state())
}

func (h *ChatHandler) Send(c echo.Context) error {
	log := log.WithField("prefix", "ChatHandler.Send")

	var msg models.ChatMessage
	if err := c.Bind(&msg); err != nil {
		log.Errorf("bad send request: %v", err)
		return c.JSON(http.StatusBadRequest, ErrorResponse("body must be {\"messageContent\": string}", http.StatusBadRequest))
	}
	if err := h.session.Submit(msg.MessageContent); err != nil {
		if errors.Is(err, broker.ErrNotConnected) {
			return c.JSON(http.StatusConflict, ErrorResponse(err.Error(), http.StatusConflict))
		}
		log.Errorf("send failed: %v", err)
		return c.JSON(http.StatusBadGateway, ErrorResponse(err.Error(), http.StatusBadGateway))
	}
	return c.JSON(http.StatusOK, SuccessResponse())
}

func (h *ChatHandler) state() StateResponse {
	connected := h.session.Connected()
	messages := h.session.Messages()
	if messages == nil {
		messages = []string{}
	}
	return StateResponse{
		Connected:     connected,
		CanConnect:    !connected,
		CanDisconnect: connected,
		Messages:      messages,
		Input:         h.session.Input(),
	}
}
