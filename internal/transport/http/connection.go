package http

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
	"live-quiz-service/internal/domain"
)

const writeWait = 10 * time.Second

// Connection is one websocket of one identity. All writes go through a
// single writer goroutine fed by a buffered channel.
type Connection struct {
	id       string
	identity domain.Identity
	ws       *websocket.Conn
	log      *logrus.Entry

	pingInterval time.Duration
	send         chan []byte
	done         chan struct{}
	writerDone   chan struct{}
	closeOnce    sync.Once

	mu        sync.Mutex
	loggedOut bool
}

func newConnection(ws *websocket.Conn, identity domain.Identity, opts Options) *Connection {
	return &Connection{
		id:           identity.ConnectionID,
		identity:     identity,
		ws:           ws,
		pingInterval: opts.PingInterval,
		send:         make(chan []byte, opts.SendBuffer),
		done:         make(chan struct{}),
		writerDone:   make(chan struct{}),
		log: logrus.WithFields(logrus.Fields{
			"component":     "ws",
			"user_id":       identity.UserID,
			"connection_id": identity.ConnectionID,
		}),
	}
}

// Send encodes and queues one event for this connection only.
func (c *Connection) Send(event string, payload any) bool {
	frame, err := json.Marshal(outboundMessage{Type: event, Payload: payload})
	if err != nil {
		c.log.WithError(err).WithField("event", event).Error("encode event failed")
		return false
	}
	return c.enqueue(frame)
}

// enqueue never blocks: a full buffer drops the frame.
func (c *Connection) enqueue(frame []byte) bool {
	select {
	case <-c.done:
		return false
	default:
	}
	select {
	case c.send <- frame:
		return true
	case <-c.done:
		return false
	default:
		c.log.Warn("send buffer full, dropping frame")
		return false
	}
}

// Close stops the connection after queued frames are flushed.
func (c *Connection) Close() {
	c.closeOnce.Do(func() { close(c.done) })
}

func (c *Connection) markLoggedOut() {
	c.mu.Lock()
	c.loggedOut = true
	c.mu.Unlock()
}

func (c *Connection) isLoggedOut() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.loggedOut
}

func (c *Connection) writeLoop() {
	defer close(c.writerDone)
	defer c.ws.Close()

	ticker := time.NewTicker(c.pingInterval)
	defer ticker.Stop()

	for {
		select {
		case frame := <-c.send:
			if err := c.write(frame); err != nil {
				c.log.WithError(err).Debug("ws write failed")
				c.Close()
				return
			}
		case <-ticker.C:
			if err := c.ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				c.log.WithError(err).Debug("ws ping failed")
				c.Close()
				return
			}
		case <-c.done:
			c.flush()
			_ = c.ws.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(writeWait))
			return
		}
	}
}

func (c *Connection) flush() {
	for {
		select {
		case frame := <-c.send:
			if err := c.write(frame); err != nil {
				return
			}
		default:
			return
		}
	}
}

func (c *Connection) write(frame []byte) error {
	_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
	return c.ws.WriteMessage(websocket.TextMessage, frame)
}
