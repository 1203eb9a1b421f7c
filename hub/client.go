package hub

import (
	"context"
	"time"

	"github.com/bytedance/sonic"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"boardsync/domain"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 4096
	sendBuffer     = 64
)

// Presence marks users online and offline in durable storage.
type Presence interface {
	SetUserPresence(ctx context.Context, userID string, online bool, at time.Time) error
}

// inboundFrame is what clients send over the socket.
type inboundFrame struct {
	Event   string `json:"event"`
	BoardID string `json:"boardId"`
	Payload struct {
		TaskID   string `json:"taskId"`
		IsTyping *bool  `json:"isTyping,omitempty"`
		Position int    `json:"position"`
	} `json:"payload"`
}

// Client owns one websocket connection for an authenticated user.
type Client struct {
	hub      *Hub
	conn     *websocket.Conn
	sess     *session
	presence Presence
	logger   *logrus.Entry
}

// NewClient wraps an upgraded connection. id must be unique per connection.
func NewClient(h *Hub, conn *websocket.Conn, id string, user domain.UserRef, presence Presence) *Client {
	return &Client{
		hub:  h,
		conn: conn,
		sess: &session{
			id:   id,
			user: user,
			send: make(chan []byte, sendBuffer),
		},
		presence: presence,
		logger: h.logger.WithFields(logrus.Fields{
			"conn": id,
			"user": user.ID,
		}),
	}
}

// Run drives the read and write pumps until the connection drops or ctx is
// cancelled. It blocks the caller, which keeps the HTTP handler alive for the
// lifetime of the socket.
func (c *Client) Run(ctx context.Context) {
	if c.presence != nil {
		if err := c.presence.SetUserPresence(ctx, c.sess.user.ID, true, time.Now().UTC()); err != nil {
			c.logger.WithError(err).Warn("mark online")
		}
	}

	done := make(chan struct{})
	go c.writePump(done)
	c.readPump(ctx)

	c.hub.disconnect(c.sess)
	<-done

	if c.presence != nil {
		if err := c.presence.SetUserPresence(context.WithoutCancel(ctx), c.sess.user.ID, false, time.Now().UTC()); err != nil {
			c.logger.WithError(err).Warn("mark offline")
		}
	}
}

func (c *Client) readPump(ctx context.Context) {
	c.conn.SetReadLimit(maxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		if ctx.Err() != nil {
			return
		}
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.logger.WithError(err).Debug("socket closed")
			}
			return
		}

		var frame inboundFrame
		if err := sonic.Unmarshal(raw, &frame); err != nil {
			c.logger.WithError(err).Warn("drop malformed frame")
			continue
		}
		c.handle(frame)
	}
}

func (c *Client) handle(frame inboundFrame) {
	if frame.BoardID == "" {
		return
	}
	switch frame.Event {
	case "join_board":
		c.hub.join(frame.BoardID, c.sess)
	case "leave_board":
		c.hub.leave(frame.BoardID, c.sess)
	case domain.EventTaskEditingStart, domain.EventTaskEditingStop:
		c.hub.relay(frame.BoardID, frame.Event, domain.EditingEvent{
			TaskID: frame.Payload.TaskID,
			User:   c.sess.user,
		}, c.sess)
	case domain.EventTaskTyping:
		c.hub.relay(frame.BoardID, frame.Event, domain.EditingEvent{
			TaskID:   frame.Payload.TaskID,
			User:     c.sess.user,
			IsTyping: frame.Payload.IsTyping,
		}, c.sess)
	case domain.EventCursorPosition:
		c.hub.relay(frame.BoardID, frame.Event, domain.CursorEvent{
			TaskID:   frame.Payload.TaskID,
			User:     c.sess.user,
			Position: frame.Payload.Position,
		}, c.sess)
	default:
		c.logger.WithField("event", frame.Event).Debug("ignore unknown event")
	}
}

func (c *Client) writePump(done chan<- struct{}) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
		close(done)
	}()

	for {
		select {
		case frame, ok := <-c.sess.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, frame); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
