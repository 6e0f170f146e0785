package queue

import (
	"context"
	"errors"
	"time"

	"github.com/hibiken/asynq"
)

type Client struct {
	client *asynq.Client
	queue  string
}

func NewClient(redisOpt asynq.RedisClientOpt, queueName string) *Client {
	return &Client{
		client: asynq.NewClient(redisOpt),
		queue:  queueName,
	}
}

// EnqueueGenerateImage hands the message to the channel. The task id is the
// job id, so a repeated dispatch of the same job is absorbed by the broker.
func (c *Client) EnqueueGenerateImage(ctx context.Context, payload GenerateImagePayload) (*asynq.TaskInfo, error) {
	task, err := NewGenerateImageTask(payload)
	if err != nil {
		return nil, err
	}
	info, err := c.client.EnqueueContext(
		ctx,
		task,
		asynq.Queue(c.queue),
		asynq.TaskID(payload.ImageKey),
		asynq.MaxRetry(5),
		asynq.Timeout(3*time.Minute),
		asynq.Retention(24*time.Hour),
	)
	if errors.Is(err, asynq.ErrTaskIDConflict) {
		return &asynq.TaskInfo{ID: payload.ImageKey, Queue: c.queue}, nil
	}
	return info, err
}

func (c *Client) Close() error {
	return c.client.Close()
}

// Dispatch enqueues the message, discarding the broker's task info.
func (c *Client) Dispatch(ctx context.Context, payload GenerateImagePayload) error {
	_, err := c.EnqueueGenerateImage(ctx, payload)
	return err
}
