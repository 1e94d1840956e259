package gateway

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pkg/errors"

	"classroom-sfu/server/internal/protocol"
)

var (
	errConnClosed = errors.New("websocket connection closed")
	errSlowClient = errors.New("websocket send queue full")
)

// wsConn adapts a websocket to the coordinator's Conn. Sends are queued and
// written by a single pump goroutine.
type wsConn struct {
	ws        *websocket.Conn
	out       chan protocol.Message
	done      chan struct{}
	closeOnce sync.Once
	cfg       Config
}

func newWSConn(ws *websocket.Conn, cfg Config) *wsConn {
	return &wsConn{
		ws:   ws,
		out:  make(chan protocol.Message, cfg.SendQueue),
		done: make(chan struct{}),
		cfg:  cfg,
	}
}

// Send queues msg. A client that cannot keep up is disconnected.
func (c *wsConn) Send(msg protocol.Message) error {
	select {
	case <-c.done:
		return errConnClosed
	default:
	}
	select {
	case c.out <- msg:
		return nil
	case <-c.done:
		return errConnClosed
	default:
		_ = c.Close()
		return errSlowClient
	}
}

// Close stops the write pump, which closes the socket.
func (c *wsConn) Close() error {
	c.closeOnce.Do(func() { close(c.done) })
	return nil
}

// writePump drains the queue and sends liveness pings until Close.
func (c *wsConn) writePump() {
	ticker := time.NewTicker(c.cfg.PingInterval)
	defer func() {
		ticker.Stop()
		_ = c.ws.Close()
	}()
	for {
		select {
		case msg := <-c.out:
			_ = c.ws.SetWriteDeadline(time.Now().Add(c.cfg.WriteWait))
			if err := c.ws.WriteJSON(msg); err != nil {
				_ = c.Close()
				return
			}
		case <-ticker.C:
			if err := c.ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(c.cfg.WriteWait)); err != nil {
				_ = c.Close()
				return
			}
		case <-c.done:
			c.flush()
			_ = c.ws.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(c.cfg.WriteWait))
			return
		}
	}
}

// flush writes whatever is already queued.
func (c *wsConn) flush() {
	for {
		select {
		case msg := <-c.out:
			_ = c.ws.SetWriteDeadline(time.Now().Add(c.cfg.WriteWait))
			if err := c.ws.WriteJSON(msg); err != nil {
				return
			}
		default:
			return
		}
	}
}

// readPump decodes client messages until the socket fails or goes silent
// for longer than PongWait. touch is called on every frame and pong.
// Malformed frames are answered with a bad_request error.
func (c *wsConn) readPump(handle func(protocol.Message), touch func()) error {
	c.ws.SetReadLimit(c.cfg.MaxMessageSize)
	_ = c.ws.SetReadDeadline(time.Now().Add(c.cfg.PongWait))
	c.ws.SetPongHandler(func(string) error {
		touch()
		return c.ws.SetReadDeadline(time.Now().Add(c.cfg.PongWait))
	})
	for {
		_, raw, err := c.ws.ReadMessage()
		if err != nil {
			return err
		}
		_ = c.ws.SetReadDeadline(time.Now().Add(c.cfg.PongWait))
		touch()

		var msg protocol.Message
		if err := json.Unmarshal(raw, &msg); err != nil || msg.Type == "" {
			_ = c.Send(protocol.Message{Type: protocol.TypeError, Error: &protocol.ErrorPayload{
				Code:    protocol.CodeBadRequest,
				Message: "malformed message",
			}})
			continue
		}
		handle(msg)
	}
}
