package hub

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/harborchat/relay-service/internal/config"
	"github.com/harborchat/relay-service/pkg/log"
)

// Client wraps one upgraded WebSocket connection. The protocol upgrade
// happens outside the hub; a client arrives here already accepted, tagged
// with the coordinator name the addressing layer routed it on, and starts
// unjoined until it sends a join event.
type Client struct {
	ID   string
	Name string // coordinator name, fixed at upgrade time

	conn *websocket.Conn
	send chan []byte
	done chan struct{}
	once sync.Once
	mgr  *Manager
	cfg  config.WebSocketConfig
}

func NewClient(id, name string, conn *websocket.Conn, mgr *Manager, cfg config.WebSocketConfig) *Client {
	buf := cfg.SendBuffer
	if buf <= 0 {
		buf = 256
	}
	return &Client{
		ID:   id,
		Name: name,
		conn: conn,
		send: make(chan []byte, buf),
		done: make(chan struct{}),
		mgr:  mgr,
		cfg:  cfg,
	}
}

// ReadPump feeds inbound payloads to the manager until the connection dies,
// then runs the disconnect path. Normal and abnormal closes take the same
// route.
func (c *Client) ReadPump() {
	defer func() {
		c.mgr.Disconnect(c)
		c.shutdown()
		c.conn.Close()
	}()

	c.conn.SetReadLimit(c.cfg.MaxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(c.cfg.PongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(c.cfg.PongWait))
		return nil
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				l := log.L()
				l.Debug().Str(log.FieldConnID, c.ID).Err(err).Msg("websocket read failed")
			}
			break
		}
		c.mgr.Dispatch(c, message)
	}
}

// WritePump drains the send buffer to the peer and keeps the connection
// alive with pings.
func (c *Client) WritePump() {
	ticker := time.NewTicker(c.cfg.PingInterval)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(c.cfg.WriteWait))
			w, err := c.conn.NextWriter(websocket.TextMessage)
			if err != nil {
				return
			}
			w.Write(message)
			if err := w.Close(); err != nil {
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(c.cfg.WriteWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}

		case <-c.done:
			c.conn.SetWriteDeadline(time.Now().Add(c.cfg.WriteWait))
			c.conn.WriteMessage(websocket.CloseMessage, []byte{})
			return
		}
	}
}

// SendJSON marshals and queues a direct reply to this client only.
func (c *Client) SendJSON(v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	c.deliver(data)
	return nil
}

// deliver queues pre-serialized bytes without blocking. False means the peer
// is unreachable: gone, or so far behind its send buffer is full. The caller
// treats that as an implicit disconnect.
func (c *Client) deliver(data []byte) bool {
	select {
	case <-c.done:
		return false
	default:
	}

	select {
	case c.send <- data:
		return true
	case <-c.done:
		return false
	default:
		return false
	}
}

func (c *Client) shutdown() {
	c.once.Do(func() {
		close(c.done)
	})
}
