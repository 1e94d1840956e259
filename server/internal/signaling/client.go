package signaling

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pkg/errors"

	"classroom-sfu/server/internal/logger"
	"classroom-sfu/server/internal/protocol"
)

// ErrNotConnected is returned by Send while the client has no connection.
var ErrNotConnected = errors.New("signaling client not connected")

// ClientConfig configures a websocket signaling client.
type ClientConfig struct {
	URL            string
	Token          string
	RoomID         string
	ReconnectDelay time.Duration
	WriteTimeout   time.Duration
}

// Client is a websocket connection to the session coordinator. It rejoins its
// room after every reconnect and delivers inbound messages on Messages.
type Client struct {
	cfg    ClientConfig
	dialer *websocket.Dialer
	log    *logger.Logger
	msgs   chan protocol.Message

	writeMu sync.Mutex
	mu      sync.Mutex
	ws      *websocket.Conn
}

// NewClient returns an unconnected client.
func NewClient(cfg ClientConfig, log *logger.Logger) *Client {
	if cfg.ReconnectDelay <= 0 {
		cfg.ReconnectDelay = 5 * time.Second
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 10 * time.Second
	}
	return &Client{
		cfg:    cfg,
		dialer: websocket.DefaultDialer,
		log:    log,
		msgs:   make(chan protocol.Message, 64),
	}
}

// Messages delivers every inbound message. It is closed when Run returns.
func (c *Client) Messages() <-chan protocol.Message { return c.msgs }

// Send writes msg on the current connection.
func (c *Client) Send(msg protocol.Message) error {
	c.mu.Lock()
	ws := c.ws
	c.mu.Unlock()
	if ws == nil {
		return ErrNotConnected
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = ws.SetWriteDeadline(time.Now().Add(c.cfg.WriteTimeout))
	return ws.WriteJSON(msg)
}

func (c *Client) connect(ctx context.Context) (*websocket.Conn, error) {
	header := http.Header{}
	header.Set("Authorization", "Bearer "+c.cfg.Token)
	ws, _, err := c.dialer.DialContext(ctx, c.cfg.URL, header)
	if err != nil {
		return nil, errors.Wrap(err, "dial signaling server")
	}
	c.mu.Lock()
	c.ws = ws
	c.mu.Unlock()

	if c.cfg.RoomID != "" {
		join := protocol.MustMessage(protocol.TypeJoinRoom, protocol.JoinRoomPayload{RoomID: c.cfg.RoomID})
		join.RoomID = c.cfg.RoomID
		if err := c.Send(join); err != nil {
			_ = ws.Close()
			return nil, errors.Wrap(err, "join room")
		}
	}
	c.log.Info("SIGNALING", "Connected to signaling server", map[string]interface{}{
		"url":    c.cfg.URL,
		"roomId": c.cfg.RoomID,
	})
	return ws, nil
}

// Run connects and reads until ctx ends, reconnecting after a delay whenever
// the connection drops.
func (c *Client) Run(ctx context.Context) error {
	defer close(c.msgs)
	for {
		ws, err := c.connect(ctx)
		if err == nil {
			err = c.listen(ctx, ws)
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		c.log.Warn("SIGNALING", "Signaling connection lost, reconnecting", map[string]interface{}{
			"error":      err.Error(),
			"retryDelay": c.cfg.ReconnectDelay.String(),
		})
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(c.cfg.ReconnectDelay):
		}
	}
}

func (c *Client) listen(ctx context.Context, ws *websocket.Conn) error {
	stop := context.AfterFunc(ctx, func() { _ = ws.Close() })
	defer stop()
	defer func() {
		c.mu.Lock()
		if c.ws == ws {
			c.ws = nil
		}
		c.mu.Unlock()
		_ = ws.Close()
	}()

	for {
		var msg protocol.Message
		if err := ws.ReadJSON(&msg); err != nil {
			return err
		}
		select {
		case c.msgs <- msg:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// Close drops the current connection. Run reconnects unless its context is
// done.
func (c *Client) Close() error {
	c.mu.Lock()
	ws := c.ws
	c.mu.Unlock()
	if ws == nil {
		return nil
	}
	c.writeMu.Lock()
	_ = ws.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
	c.writeMu.Unlock()
	return ws.Close()
}
