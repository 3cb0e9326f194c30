package sqsqueue

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/aws/aws-sdk-go-v2/service/sqs/types"
)

type Consumer struct {
	SQS      API
	QueueURL string

	WaitTimeSeconds   int32
	MaxMessages       int32
	VisibilityTimeout int32
}

type Handler[T any] func(ctx context.Context, job T) error

// Poll receives messages and runs handler on a pool of workers until ctx is
// done. A message is deleted only after its handler succeeds; undecodable
// bodies are deleted straight away.
func Poll[T any](ctx context.Context, c *Consumer, workers int, handler Handler[T]) error {
	if workers <= 0 {
		workers = 1
	}

	jobs := make(chan types.Message, workers*2)
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for m := range jobs {
				handle(ctx, c, m, handler)
			}
		}()
	}

	err := c.receive(ctx, jobs)
	close(jobs)
	wg.Wait()
	return err
}

func (c *Consumer) receive(ctx context.Context, jobs chan<- types.Message) error {
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		out, err := c.SQS.ReceiveMessage(ctx, &sqs.ReceiveMessageInput{
			QueueUrl:            aws.String(c.QueueURL),
			MaxNumberOfMessages: c.MaxMessages,
			WaitTimeSeconds:     c.WaitTimeSeconds,
			VisibilityTimeout:   c.VisibilityTimeout,
		})
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			slog.Error("sqs receive message failed", "queue", c.QueueURL, "err", err)
			select {
			case <-time.After(500 * time.Millisecond):
			case <-ctx.Done():
				return ctx.Err()
			}
			continue
		}

		for _, m := range out.Messages {
			select {
			case jobs <- m:
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	}
}

func handle[T any](ctx context.Context, c *Consumer, m types.Message, handler Handler[T]) {
	if m.Body == nil {
		c.delete(ctx, m)
		return
	}
	var job T
	if err := json.Unmarshal([]byte(*m.Body), &job); err != nil {
		slog.Warn("sqs dropping undecodable message", "queue", c.QueueURL, "err", err)
		c.delete(ctx, m)
		return
	}
	if err := handler(ctx, job); err != nil {
		// left in place for redrive
		slog.Error("sqs handler error", "queue", c.QueueURL, "err", err)
		return
	}
	c.delete(ctx, m)
}

func (c *Consumer) delete(ctx context.Context, m types.Message) {
	if _, err := c.SQS.DeleteMessage(ctx, &sqs.DeleteMessageInput{
		QueueUrl:      aws.String(c.QueueURL),
		ReceiptHandle: m.ReceiptHandle,
	}); err != nil {
		slog.Error("sqs delete message failed", "queue", c.QueueURL, "err", err)
	}
}
