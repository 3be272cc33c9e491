package streaming

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go/jetstream"
)

// Queue Adapter (C1). Named queues "compile" and "deploy" share the JOBS
// work-queue stream; each is a distinct subject so a worker instance can
// consume exactly one queue per WORKER_TYPE.

// EnqueueOpts configures a single Enqueue call. Zero value uses the
// defaults documented in the job lifecycle design: 3 attempts, exponential
// backoff base 2s, and an attempt timeout (AckWait) long enough to cover a
// full compile/deploy run.
type EnqueueOpts struct {
	MaxDeliver    int
	AttemptTimeout time.Duration
}

func (o EnqueueOpts) withDefaults() EnqueueOpts {
	if o.MaxDeliver <= 0 {
		o.MaxDeliver = 3
	}
	if o.AttemptTimeout <= 0 {
		o.AttemptTimeout = 30 * time.Minute
	}
	return o
}

func queueSubject(queue string) string {
	return fmt.Sprintf("job.%s.submit", queue)
}

// Enqueue publishes a payload onto the named queue and returns the broker
// handle used for correlation. The caller supplies jobID so the handle can
// be deterministic ("{queue}-{jobID}"), matching the Job's broker_handle.
func (b *Broker) Enqueue(ctx context.Context, queue string, jobID string, payload any) (string, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("queue: marshal payload: %w", err)
	}

	handle := fmt.Sprintf("%s-%s", queue, jobID)
	subject := queueSubject(queue)

	if _, err := b.js.Publish(ctx, subject, data, jetstream.WithMsgID(handle)); err != nil {
		return "", fmt.Errorf("queue: enqueue %s: %w", subject, err)
	}

	b.logger.Info("enqueued job", "queue", queue, "handle", handle)
	return handle, nil
}

// backOffSchedule is the exponential backoff applied to redeliveries:
// base 2s, doubling per attempt.
func backOffSchedule(maxDeliver int) []time.Duration {
	sched := make([]time.Duration, 0, maxDeliver)
	delay := 2 * time.Second
	for i := 0; i < maxDeliver; i++ {
		sched = append(sched, delay)
		delay *= 2
	}
	return sched
}

// Consume dispatches payloads from the named queue to handler, at most
// concurrency payloads in flight on this instance at once. handler receives
// the raw JSON payload bytes and must return nil to ack, or an error to nak
// (triggering a retry per the queue's backoff schedule up to MaxDeliver).
// A handler panic is treated as a failure and does not crash the process;
// the message is left unacked and will be redelivered per policy.
func (b *Broker) Consume(ctx context.Context, queue string, concurrency int, opts EnqueueOpts, handler func(ctx context.Context, payload []byte) error) error {
	opts = opts.withDefaults()
	subject := queueSubject(queue)
	durableName := fmt.Sprintf("worker-%s", queue)

	cons, err := b.js.CreateOrUpdateConsumer(ctx, streamJobs, jetstream.ConsumerConfig{
		Durable:       durableName,
		FilterSubject: subject,
		AckPolicy:     jetstream.AckExplicitPolicy,
		DeliverPolicy: jetstream.DeliverAllPolicy,
		MaxDeliver:    opts.MaxDeliver,
		AckWait:       opts.AttemptTimeout,
		BackOff:       backOffSchedule(opts.MaxDeliver),
	})
	if err != nil {
		return fmt.Errorf("queue: create consumer %s: %w", durableName, err)
	}

	sem := make(chan struct{}, concurrency)

	_, err = cons.Consume(func(msg jetstream.Msg) {
		sem <- struct{}{}
		go func() {
			defer func() { <-sem }()
			defer func() {
				if r := recover(); r != nil {
					b.logger.Error("queue handler panic", "queue", queue, "recover", r)
				}
			}()

			if err := handler(ctx, msg.Data()); err != nil {
				b.logger.Warn("queue handler failed, nak for redelivery", "queue", queue, "error", err)
				_ = msg.Nak()
				return
			}
			if err := msg.Ack(); err != nil {
				b.logger.Error("queue: ack failed", "queue", queue, "error", err)
			}
		}()
	})
	if err != nil {
		return fmt.Errorf("queue: consume %s: %w", durableName, err)
	}

	b.logger.Info("consuming queue", "queue", queue, "concurrency", concurrency, "durable", durableName)
	return nil
}
