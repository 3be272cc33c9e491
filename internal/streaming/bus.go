package streaming

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go/jetstream"

	"github.com/wasmforge/orchestrator/internal/domain"
)

// PubSub Bus (C2). Channel naming: job:log:{job_id} and job:status:{job_id},
// carried on the EVENTS stream. Fire-and-forget, best-effort: the bus is
// never assumed durable, and subscribers use ephemeral, non-acking
// consumers so a slow or absent subscriber never backs up the stream.

// LogEvent is the self-contained record published on job.log.{id}.
type LogEvent struct {
	JobID string          `json:"job_id"`
	Log   domain.LogRecord `json:"log"`
}

// StatusEvent is the self-contained record published on job.status.{id}.
type StatusEvent struct {
	JobID  string            `json:"job_id"`
	Status domain.JobStatus  `json:"status"`
	Result *domain.JobResult `json:"result,omitempty"`
	Error  string            `json:"error,omitempty"`
}

func logSubject(jobID string) string    { return fmt.Sprintf("job.log.%s", jobID) }
func statusSubject(jobID string) string { return fmt.Sprintf("job.status.%s", jobID) }

func (b *Broker) publishEvent(ctx context.Context, subject string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("bus: marshal %s: %w", subject, err)
	}
	if _, err := b.js.Publish(ctx, subject, data); err != nil {
		return fmt.Errorf("bus: publish %s: %w", subject, err)
	}
	return nil
}

// PublishLog fans out a single log record for a job.
func (b *Broker) PublishLog(ctx context.Context, jobID string, log domain.LogRecord) error {
	return b.publishEvent(ctx, logSubject(jobID), LogEvent{JobID: jobID, Log: log})
}

// PublishStatus fans out a terminal (or active) status transition for a job.
func (b *Broker) PublishStatus(ctx context.Context, jobID string, status domain.JobStatus, result *domain.JobResult, errMsg string) error {
	return b.publishEvent(ctx, statusSubject(jobID), StatusEvent{
		JobID: jobID, Status: status, Result: result, Error: errMsg,
	})
}

// SubscribeJob opens one ephemeral consumer per call that delivers both log
// and status events for a single job to the given callbacks. The consumer
// is bound to this process only (AckNonePolicy, short inactivity timeout)
// and is torn down when ctx is cancelled — matching the Socket Hub's
// per-room subscription lifetime.
func (b *Broker) SubscribeJob(ctx context.Context, jobID string, onLog func(LogEvent), onStatus func(StatusEvent)) error {
	cons, err := b.js.CreateOrUpdateConsumer(ctx, streamEvents, jetstream.ConsumerConfig{
		FilterSubjects:    []string{logSubject(jobID), statusSubject(jobID)},
		AckPolicy:         jetstream.AckNonePolicy,
		DeliverPolicy:     jetstream.DeliverNewPolicy,
		InactiveThreshold: 5 * time.Minute,
	})
	if err != nil {
		return fmt.Errorf("bus: subscribe job %s: %w", jobID, err)
	}

	cc, err := cons.Consume(func(msg jetstream.Msg) {
		switch msg.Subject() {
		case logSubject(jobID):
			var ev LogEvent
			if err := json.Unmarshal(msg.Data(), &ev); err == nil {
				onLog(ev)
			}
		case statusSubject(jobID):
			var ev StatusEvent
			if err := json.Unmarshal(msg.Data(), &ev); err == nil {
				onStatus(ev)
			}
		}
	})
	if err != nil {
		return fmt.Errorf("bus: consume job %s: %w", jobID, err)
	}
	go func() {
		<-ctx.Done()
		cc.Stop()
	}()
	return nil
}
