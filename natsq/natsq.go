// Package natsq implements the rewind task queue on NATS JetStream. It only
// covers dispatch; pair it with a history store through rewind.SplitBackend:
//
//	backend := rewind.SplitBackend{
//		HistoryStore: pgStore,
//		TaskQueue:    natsQueue,
//	}
//
// Delivery is at-least-once. Activity and timer tasks publish with their
// dedup key as the JetStream message ID, so re-enqueues inside the stream's
// duplicate window are dropped; orchestration wakes publish without an ID
// because their identity is reused for the instance's whole life. The extra
// activations a duplicate wake causes are no-ops.
package natsq

import (
	"context"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/nvcnvn/rewind"
)

// Config configures the stream and consumer the queue uses.
type Config struct {
	// Stream is the JetStream stream name. Defaults to REWIND_TASKS.
	Stream string

	// Durable is the durable consumer name shared by all workers.
	// Defaults to rewind-workers.
	Durable string

	// Codec encodes queued tasks. Defaults to JSON.
	Codec rewind.Codec

	// AckWait is how long a claimed task may be processed before JetStream
	// redelivers it. Defaults to one minute.
	AckWait time.Duration

	// FetchTimeout bounds how long Dequeue waits for a message before
	// reporting an empty queue. Defaults to 250ms.
	FetchTimeout time.Duration
}

func (c Config) stream() string {
	if c.Stream == "" {
		return "REWIND_TASKS"
	}
	return c.Stream
}

func (c Config) durable() string {
	if c.Durable == "" {
		return "rewind-workers"
	}
	return c.Durable
}

func (c Config) codec() rewind.Codec {
	if c.Codec == nil {
		return rewind.JSONCodec{}
	}
	return c.Codec
}

func (c Config) ackWait() time.Duration {
	if c.AckWait <= 0 {
		return time.Minute
	}
	return c.AckWait
}

func (c Config) fetchTimeout() time.Duration {
	if c.FetchTimeout <= 0 {
		return 250 * time.Millisecond
	}
	return c.FetchTimeout
}

// Queue is a rewind.TaskQueue on a JetStream work queue stream.
type Queue struct {
	js       jetstream.JetStream
	consumer jetstream.Consumer
	codec    rewind.Codec
	subject  string
	fetchMax time.Duration
}

var _ rewind.TaskQueue = (*Queue)(nil)

// New creates (or updates) the stream and durable consumer and returns a
// ready queue. All workers sharing cfg compete for the same tasks.
func New(ctx context.Context, nc *nats.Conn, cfg Config) (*Queue, error) {
	js, err := jetstream.New(nc)
	if err != nil {
		return nil, fmt.Errorf("failed to create JetStream context: %w", err)
	}

	name := cfg.stream()
	subject := name + ".tasks"
	_, err = js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:       name,
		Subjects:   []string{subject},
		Retention:  jetstream.WorkQueuePolicy,
		Storage:    jetstream.FileStorage,
		Duplicates: 2 * time.Minute,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to ensure stream %s: %w", name, err)
	}

	consumer, err := js.CreateOrUpdateConsumer(ctx, name, jetstream.ConsumerConfig{
		Durable:   cfg.durable(),
		AckPolicy: jetstream.AckExplicitPolicy,
		AckWait:   cfg.ackWait(),
		// Tasks must survive any number of processing failures; the worker
		// abandons with a delay instead of dropping.
		MaxDeliver: -1,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to ensure consumer %s: %w", cfg.durable(), err)
	}

	return &Queue{
		js:       js,
		consumer: consumer,
		codec:    cfg.codec(),
		subject:  subject,
		fetchMax: cfg.fetchTimeout(),
	}, nil
}

func (q *Queue) Enqueue(ctx context.Context, tasks ...*rewind.QueueTask) error {
	for _, t := range tasks {
		data, err := q.codec.Marshal(t)
		if err != nil {
			return fmt.Errorf("failed to encode task: %w", err)
		}
		var opts []jetstream.PublishOpt
		if t.DedupKey != "" && t.Kind != rewind.TaskOrchestration {
			opts = append(opts, jetstream.WithMsgID(t.DedupKey))
		}
		if _, err := q.js.Publish(ctx, q.subject, data, opts...); err != nil {
			return fmt.Errorf("failed to publish task: %w", err)
		}
	}
	return nil
}

// Dequeue fetches one message. Timer tasks that are not due yet are put back
// with a redelivery delay instead of being handed to the worker, which is how
// FireAt visibility is implemented on a stream that cannot delay delivery.
func (q *Queue) Dequeue(ctx context.Context, _ string) (*rewind.QueueTask, error) {
	batch, err := q.consumer.Fetch(1, jetstream.FetchMaxWait(q.fetchMax))
	if err != nil {
		return nil, fmt.Errorf("failed to fetch task: %w", err)
	}
	for msg := range batch.Messages() {
		task := &rewind.QueueTask{}
		if err := q.codec.Unmarshal(msg.Data(), task); err != nil {
			// A message that cannot be decoded can never be processed;
			// surface it and drop it from the work queue.
			_ = msg.Term()
			return nil, fmt.Errorf("failed to decode task: %w", err)
		}
		if !task.FireAt.IsZero() {
			if wait := time.Until(task.FireAt); wait > 0 {
				if err := msg.NakWithDelay(wait); err != nil {
					return nil, fmt.Errorf("failed to delay task: %w", err)
				}
				continue
			}
		}
		task.Receipt = msg
		return task, nil
	}
	if err := batch.Error(); err != nil {
		return nil, fmt.Errorf("failed to fetch task: %w", err)
	}
	return nil, nil
}

func (q *Queue) Complete(_ context.Context, task *rewind.QueueTask) error {
	msg, ok := task.Receipt.(jetstream.Msg)
	if !ok {
		return fmt.Errorf("task has no natsq receipt")
	}
	if err := msg.Ack(); err != nil {
		return fmt.Errorf("failed to ack task: %w", err)
	}
	return nil
}

func (q *Queue) Abandon(_ context.Context, task *rewind.QueueTask, delay time.Duration) error {
	msg, ok := task.Receipt.(jetstream.Msg)
	if !ok {
		return fmt.Errorf("task has no natsq receipt")
	}
	if err := msg.NakWithDelay(delay); err != nil {
		return fmt.Errorf("failed to nak task: %w", err)
	}
	return nil
}
