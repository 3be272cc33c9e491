// Package streaming implements the three components built directly on the
// broker: the Queue Adapter (queue.go), the PubSub Bus (bus.go), and the
// Socket Hub (hub.go) that bridges bus events to WebSocket clients.
package streaming

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
)

// Broker wraps a single NATS connection and JetStream context shared by the
// Queue Adapter and the PubSub Bus. One Broker per process.
type Broker struct {
	conn   *nats.Conn
	js     jetstream.JetStream
	logger *slog.Logger
}

// NewBroker connects to the message broker and enables JetStream.
func NewBroker(url string) (*Broker, error) {
	logger := slog.Default().With("component", "broker")

	opts := []nats.Option{
		nats.Name("forge-orchestrator"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2 * time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				logger.Warn("broker disconnected", "error", err)
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logger.Info("broker reconnected", "url", nc.ConnectedUrl())
		}),
	}

	nc, err := nats.Connect(url, opts...)
	if err != nil {
		return nil, fmt.Errorf("broker connect: %w", err)
	}

	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("jetstream init: %w", err)
	}

	return &Broker{conn: nc, js: js, logger: logger}, nil
}

// Close drains pending messages and disconnects.
func (b *Broker) Close() {
	if b.conn != nil {
		_ = b.conn.Drain()
	}
}

// streamJobs is the work-queue stream backing the Queue Adapter: at-least-once
// dispatch, retries with backoff, bounded retention of completed/failed jobs.
const streamJobs = "JOBS"

// streamEvents is the fan-out stream backing the PubSub Bus: best-effort,
// short-lived, interest-based so only a subject with an active subscriber
// retains messages at all.
const streamEvents = "EVENTS"

// EnsureStreams provisions the JOBS and EVENTS streams if they do not
// already exist. Safe to call on every process start.
func (b *Broker) EnsureStreams(ctx context.Context) error {
	jobsCfg := jetstream.StreamConfig{
		Name:        streamJobs,
		Description: "compile/deploy job payloads, at-least-once work queue",
		Subjects:    []string{"job.compile.>", "job.deploy.>"},
		Retention:   jetstream.WorkQueuePolicy,
		MaxAge:      7 * 24 * time.Hour,
		Storage:     jetstream.FileStorage,
		Replicas:    1,
		Discard:     jetstream.DiscardOld,
		MaxMsgs:     1000,
	}

	eventsCfg := jetstream.StreamConfig{
		Name:        streamEvents,
		Description: "job:log/job:status fan-out events",
		Subjects:    []string{"job.log.>", "job.status.>"},
		Retention:   jetstream.InterestPolicy,
		MaxAge:      1 * time.Hour,
		Storage:     jetstream.FileStorage,
		Replicas:    1,
		Discard:     jetstream.DiscardOld,
		MaxBytes:    512 * 1024 * 1024,
	}

	for _, cfg := range []jetstream.StreamConfig{jobsCfg, eventsCfg} {
		if _, err := b.js.CreateOrUpdateStream(ctx, cfg); err != nil {
			return fmt.Errorf("ensure stream %s: %w", cfg.Name, err)
		}
		b.logger.Info("stream ready", "stream", cfg.Name)
	}

	return nil
}

// Ping verifies the connection is alive and JetStream is reachable.
func (b *Broker) Ping() error {
	if !b.conn.IsConnected() {
		return fmt.Errorf("broker: not connected")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if _, err := b.js.AccountInfo(ctx); err != nil {
		return fmt.Errorf("broker jetstream ping: %w", err)
	}
	return nil
}
