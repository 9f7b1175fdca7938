package console

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/callmedenchick/stompchat/internal/chat"
	log "github.com/sirupsen/logrus"
)

const help = `commands:
  /connect      connect to the broker
  /disconnect   disconnect from the broker
  /messages     print the conversation
  /help         show this help
  /quit         exit
anything else is sent as a chat message`

// View prints UI state changes as lines of text.
type View struct {
	mux sync.Mutex
	w   io.Writer
}

func NewView(w io.Writer) *View {
	return &View{w: w}
}

func (v *View) SetConnected(connected bool) {
	if connected {
		v.println("* connected (disconnect with /disconnect)")
	} else {
		v.println("* disconnected (connect with /connect)")
	}
}

// ClearMessages is a no-op on a scrolling terminal; /messages prints the current list.
func (v *View) ClearMessages() {}

func (v *View) ShowMessage(content string) {
	v.println("> " + content)
}

func (v *View) println(line string) {
	v.mux.Lock()
	defer v.mux.Unlock()
	fmt.Fprintln(v.w, line)
}

// Run reads commands and messages from r until EOF, /quit or ctx is done.
func Run(ctx context.Context, r io.Reader, out *View, s *chat.Session) error {
	log := log.WithField("prefix", "console.Run")

	lines := make(chan string)
	errs := make(chan error, 1)
	go func() {
		scanner := bufio.NewScanner(r)
		for scanner.Scan() {
			select {
			case lines <- scanner.Text():
			case <-ctx.Done():
				return
			}
		}
		errs <- scanner.Err()
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case err := <-errs:
			if err != nil {
				return fmt.Errorf("read input: %w", err)
			}
			return nil
		case line := <-lines:
			if quit := handle(line, out, s); quit {
				log.Debug("quit requested")
				return nil
			}
		}
	}
}

func handle(line string, out *View, s *chat.Session) bool {
	switch strings.TrimSpace(line) {
	case "/quit", "/exit":
		return true
	case "/connect":
		s.Connect()
	case "/disconnect":
		s.Disconnect()
	case "/help":
		out.println(help)
	case "/messages":
		if !s.Connected() {
			out.println("* not connected")
			break
		}
		for _, row := range s.Messages() {
			out.println("> " + row)
		}
	default:
		if err := s.Submit(line); err != nil {
			out.println("! send failed: " + err.Error())
		}
	}
	return false
}
