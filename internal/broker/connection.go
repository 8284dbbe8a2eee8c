package broker

import (
	"sync"
	"time"

	"github.com/MarcoPoloResearchLab/tillsync/internal/metrics"
	"github.com/MarcoPoloResearchLab/tillsync/internal/wire"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	// Time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// Maximum message size allowed from peer.
	maxMessageSize = 512 * 1024

	sendBufferSize = 256
)

// Connection is one authenticated live socket.
type Connection struct {
	id       string
	identity Identity
	conn     *websocket.Conn
	broker   *Broker
	send     chan []byte
	done     chan struct{}
	once     sync.Once
	logger   *zap.Logger
}

func (c *Connection) ID() string {
	return c.id
}

func (c *Connection) DeviceID() string {
	return c.identity.DeviceID
}

// Send queues a payload without blocking. A full buffer drops the message; the pull path
// backstops anything a slow terminal misses.
func (c *Connection) Send(payload []byte) bool {
	select {
	case <-c.done:
		return false
	default:
	}
	select {
	case c.send <- payload:
		return true
	case <-c.done:
		return false
	default:
		metrics.DroppedMessages.Inc()
		c.logger.Warn("live connection send buffer full", zap.String("connection_id", c.id))
		return false
	}
}

func (c *Connection) sendMessage(message wire.Message) {
	payload, err := wire.Encode(message)
	if err != nil {
		c.logger.Error("encode live message failed", zap.String("type", string(message.Kind())), zap.Error(err))
		return
	}
	c.Send(payload)
}

func (c *Connection) close() {
	c.once.Do(func() {
		close(c.done)
	})
}

// readPump pumps messages from the socket to the broker. A connection that misses two
// heartbeat windows hits the read deadline and is closed.
func (c *Connection) readPump(pongWait time.Duration) {
	defer func() {
		c.broker.unregister(c)
		c.conn.Close()
	}()
	c.conn.SetReadLimit(maxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure, websocket.CloseNormalClosure) {
				c.logger.Info("live connection read failed", zap.String("connection_id", c.id), zap.Error(err))
			}
			return
		}
		_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
		c.broker.handleInbound(c, data)
	}
}

// writePump pumps queued messages and heartbeats to the socket.
func (c *Connection) writePump(pingPeriod time.Duration) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				c.close()
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.close()
				return
			}
		case <-c.done:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			_ = c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		}
	}
}
