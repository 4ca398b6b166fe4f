package realtime

import (
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"sync"
	"time"

	ws "github.com/gorilla/websocket"
)

const (
	sendChSize = 64
	writeWait  = 10 * time.Second
)

// connection owns one websocket with a single write goroutine.
type connection struct {
	conn   *ws.Conn
	sendCh chan []byte
	done   chan struct{}
	once   sync.Once
	logger *slog.Logger
}

// dial opens the websocket, passing the access token as a query parameter
// and the api key as a header.
func dial(rawURL, token, apiKey string, logger *slog.Logger) (*connection, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("invalid websocket URL: %w", err)
	}
	if token != "" {
		q := u.Query()
		q.Set("token", token)
		u.RawQuery = q.Encode()
	}
	header := http.Header{}
	if apiKey != "" {
		header.Set("apikey", apiKey)
	}

	conn, _, err := ws.DefaultDialer.Dial(u.String(), header)
	if err != nil {
		return nil, fmt.Errorf("websocket dial failed: %w", err)
	}
	return &connection{
		conn:   conn,
		sendCh: make(chan []byte, sendChSize),
		done:   make(chan struct{}),
		logger: logger,
	}, nil
}

// writeLoop drains sendCh until the connection is closed. A write failure
// is reported on errCh and ends the loop.
func (c *connection) writeLoop(errCh chan<- error) {
	for {
		select {
		case <-c.done:
			return
		case data := <-c.sendCh:
			if err := c.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
				errCh <- fmt.Errorf("set write deadline: %w", err)
				return
			}
			if err := c.conn.WriteMessage(ws.TextMessage, data); err != nil {
				errCh <- fmt.Errorf("websocket write: %w", err)
				return
			}
		}
	}
}

// readLoop forwards every text frame to msgCh. A read failure is reported
// on errCh.
func (c *connection) readLoop(msgCh chan<- []byte, errCh chan<- error) {
	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			select {
			case <-c.done:
			case errCh <- fmt.Errorf("websocket read: %w", err):
			}
			return
		}
		select {
		case msgCh <- message:
		case <-c.done:
			return
		}
	}
}

// send pushes data to the write loop. Non-blocking; reports false if the
// queue is full or the connection is closed.
func (c *connection) send(data []byte) bool {
	select {
	case <-c.done:
		return false
	default:
	}
	select {
	case c.sendCh <- data:
		return true
	default:
		c.logger.Warn("WebSocket send channel full, dropping message")
		return false
	}
}

// close sends a close frame and shuts the socket. Safe to call repeatedly.
func (c *connection) close() {
	c.once.Do(func() {
		close(c.done)
		_ = c.conn.WriteControl(
			ws.CloseMessage,
			ws.FormatCloseMessage(ws.CloseNormalClosure, ""),
			time.Now().Add(time.Second),
		)
		_ = c.conn.Close()
	})
}
