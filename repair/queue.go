package repair

import (
	"context"
	"encoding/json"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/policy"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azqueue"
)

// recountRequest asks the worker to recompute one member's active-task count
// from durable storage.
type recountRequest struct {
	BoardID string `json:"boardId"`
	UserID  string `json:"userId"`
}

// Queue is the producer side: mutations that may have left counter drift
// enqueue recount requests here.
type Queue struct {
	client *azqueue.QueueClient
}

// NewQueue creates the producer from a storage connection string.
func NewQueue(connStr, queueName string) (*Queue, error) {
	opts := azqueue.ClientOptions{
		ClientOptions: azcore.ClientOptions{
			Retry: policy.RetryOptions{
				MaxRetries:    5,
				TryTimeout:    time.Minute * 5,
				RetryDelay:    time.Second * 1,
				MaxRetryDelay: time.Second * 60,
				StatusCodes:   []int{408, 429, 500, 502, 503, 504},
			},
		},
	}
	client, err := azqueue.NewQueueClientFromConnectionString(connStr, queueName, &opts)
	if err != nil {
		return nil, err
	}
	return &Queue{client: client}, nil
}

// EnqueueRecount requests a counter repair for one board member.
func (q *Queue) EnqueueRecount(ctx context.Context, boardID, userID string) error {
	data, err := json.Marshal(recountRequest{BoardID: boardID, UserID: userID})
	if err != nil {
		return err
	}
	_, err = q.client.EnqueueMessage(ctx, string(data), nil)
	return err
}

// Client exposes the underlying queue client for the consumer worker.
func (q *Queue) Client() *azqueue.QueueClient {
	return q.client
}
