package broker

import (
	"io"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const (
	// Time allowed to write a frame to the peer.
	writeWait = 10 * time.Second
)

// wsConn presents a websocket as the byte stream the STOMP library expects.
// Every Write becomes one text message; reads run across message boundaries.
type wsConn struct {
	ws     *websocket.Conn
	reader io.Reader
	wmux   sync.Mutex

	once sync.Once
	done chan struct{}
	err  error
}

func newWsConn(ws *websocket.Conn) *wsConn {
	return &wsConn{
		ws:   ws,
		done: make(chan struct{}),
	}
}

func (c *wsConn) Read(p []byte) (int, error) {
	for {
		if c.reader == nil {
			_, r, err := c.ws.NextReader()
			if err != nil {
				c.finish(err)
				return 0, err
			}
			c.reader = r
		}
		n, err := c.reader.Read(p)
		if err == io.EOF {
			c.reader = nil
			if n > 0 {
				return n, nil
			}
			continue
		}
		if err != nil {
			c.finish(err)
		}
		return n, err
	}
}

func (c *wsConn) Write(p []byte) (int, error) {
	c.wmux.Lock()
	defer c.wmux.Unlock()
	_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
	if err := c.ws.WriteMessage(websocket.TextMessage, p); err != nil {
		return 0, err
	}
	return len(p), nil
}

func (c *wsConn) Close() error {
	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
	_ = c.ws.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeWait))
	return c.ws.Close()
}

// Done is closed once the read side of the socket has failed.
func (c *wsConn) Done() <-chan struct{} {
	return c.done
}

// Err reports why the read side stopped. Valid after Done is closed.
func (c *wsConn) Err() error {
	<-c.done
	return c.err
}

func (c *wsConn) finish(err error) {
	c.once.Do(func() {
		c.err = err
		close(c.done)
	})
}
