package hub

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
)

// Bridge mirrors board events across instances through a Redis channel, so
// clients attached to different replicas see the same stream.
type Bridge struct {
	instanceID string
	channel    string
	redis      *redis.Client
	hub        *Hub
	logger     *logrus.Logger
}

type bridgeMessage struct {
	Instance string          `json:"instance"`
	BoardID  string          `json:"boardId"`
	Event    string          `json:"event"`
	Payload  json.RawMessage `json:"payload,omitempty"`
}

func NewBridge(client *redis.Client, h *Hub, channel string, logger *logrus.Logger) *Bridge {
	if channel == "" {
		channel = "boardsync:events"
	}
	b := &Bridge{
		instanceID: uuid.NewString(),
		channel:    channel,
		redis:      client,
		hub:        h,
		logger:     logger,
	}
	h.SetPublisher(b)
	return b
}

// Publish forwards a locally produced event to peer instances. Delivery is
// best effort.
func (b *Bridge) Publish(boardID, event string, payload []byte) {
	msg, err := json.Marshal(bridgeMessage{
		Instance: b.instanceID,
		BoardID:  boardID,
		Event:    event,
		Payload:  payload,
	})
	if err != nil {
		b.logger.WithError(err).WithField("event", event).Error("encode bridge message")
		return
	}
	if err := b.redis.Publish(context.Background(), b.channel, msg).Err(); err != nil {
		b.logger.WithError(err).WithField("event", event).Warn("publish bridge message")
	}
}

// Run consumes peer events until ctx is cancelled, reconnecting when the
// subscription drops.
func (b *Bridge) Run(ctx context.Context) {
	for {
		sub := b.redis.Subscribe(ctx, b.channel)
		ch := sub.Channel()
		for msg := range ch {
			var ev bridgeMessage
			if err := json.Unmarshal([]byte(msg.Payload), &ev); err != nil {
				b.logger.WithError(err).Error("unable to parse bridge message")
				continue
			}
			if ev.Instance == b.instanceID {
				continue
			}
			b.hub.Deliver(ev.BoardID, ev.Event, ev.Payload)
		}
		_ = sub.Close()
		if ctx.Err() != nil {
			return
		}
		b.logger.Error("bridge channel closed, reconnecting")
		time.Sleep(time.Second)
	}
}
