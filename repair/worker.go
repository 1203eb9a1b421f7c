package repair

import (
	"context"
	"encoding/json"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/storage/azqueue"
	"github.com/sirupsen/logrus"
)

// A message that failed this many deliveries is dropped as poison.
const maxDeliveries = 5

type dequeuer interface {
	DequeueMessage(ctx context.Context, o *azqueue.DequeueMessageOptions) (azqueue.DequeueMessagesResponse, error)
	DeleteMessage(ctx context.Context, messageID, popReceipt string, o *azqueue.DeleteMessageOptions) (azqueue.DeleteMessageResponse, error)
}

// Rebalancer replaces a member's tracked load with the durable count.
type Rebalancer interface {
	Recount(ctx context.Context, boardID, userID string) (int64, error)
}

// CountStore persists the recounted total on the user record.
type CountStore interface {
	SetUserActiveCount(ctx context.Context, userID string, count int64) error
}

// Worker consumes recount requests and heals counter drift in both the load
// set and durable storage.
type Worker struct {
	queue    dequeuer
	balancer Rebalancer
	counts   CountStore
	logger   *logrus.Logger
	idle     time.Duration
}

// NewWorker creates the consumer side from an existing queue client.
func NewWorker(queue *azqueue.QueueClient, balancer Rebalancer, counts CountStore, logger *logrus.Logger) *Worker {
	return &Worker{
		queue:    queue,
		balancer: balancer,
		counts:   counts,
		logger:   logger,
		idle:     time.Second,
	}
}

// Run processes recount requests until ctx is cancelled.
func (w *Worker) Run(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			return
		}
		if !w.runOnce(ctx) {
			select {
			case <-ctx.Done():
				return
			case <-time.After(w.idle):
			}
		}
	}
}

// runOnce handles at most one message and reports whether one was available.
func (w *Worker) runOnce(ctx context.Context) bool {
	resp, err := w.queue.DequeueMessage(ctx, nil)
	if err != nil {
		if ctx.Err() == nil {
			w.logger.WithError(err).Error("dequeue recount request")
		}
		return false
	}
	if len(resp.Messages) == 0 {
		return false
	}
	msg := resp.Messages[0]
	if msg.MessageText == nil || msg.MessageID == nil || msg.PopReceipt == nil {
		return true
	}

	if msg.DequeueCount != nil && *msg.DequeueCount > maxDeliveries {
		w.logger.WithField("message", *msg.MessageID).Warn("dropping poison recount request")
		w.delete(ctx, *msg.MessageID, *msg.PopReceipt)
		return true
	}

	if err := w.process(ctx, *msg.MessageText); err != nil {
		// Leave the message on the queue; visibility timeout redelivers it.
		w.logger.WithError(err).Warn("recount failed")
		return true
	}
	w.delete(ctx, *msg.MessageID, *msg.PopReceipt)
	return true
}

func (w *Worker) process(ctx context.Context, text string) error {
	var req recountRequest
	if err := json.Unmarshal([]byte(text), &req); err != nil {
		// Malformed requests can never succeed; report nothing to repair.
		w.logger.WithError(err).Warn("dropping malformed recount request")
		return nil
	}
	if req.BoardID == "" || req.UserID == "" {
		return nil
	}

	count, err := w.balancer.Recount(ctx, req.BoardID, req.UserID)
	if err != nil {
		return err
	}
	if err := w.counts.SetUserActiveCount(ctx, req.UserID, count); err != nil {
		return err
	}
	w.logger.WithFields(logrus.Fields{
		"board": req.BoardID,
		"user":  req.UserID,
		"count": count,
	}).Info("recounted member load")
	return nil
}

func (w *Worker) delete(ctx context.Context, id, receipt string) {
	if _, err := w.queue.DeleteMessage(ctx, id, receipt, nil); err != nil {
		w.logger.WithError(err).Warn("delete recount request")
	}
}
