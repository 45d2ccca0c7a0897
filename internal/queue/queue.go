// Package queue wraps the Kafka producer/consumer shape the orchestration
// core uses for queued skill dispatch (component E) and any other
// worker-pool-backed job: a command envelope in, a worker processing it
// with bounded retries, a DLQ for exhausted or permanent failures.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
	kafka "github.com/segmentio/kafka-go"
)

// JobEnvelope is the message shape published to a job topic.
type JobEnvelope struct {
	CorrelationID string          `json:"correlation_id"`
	Kind          string          `json:"kind"`
	Payload       json.RawMessage `json:"payload"`
	ReplyTopic    string          `json:"reply_topic,omitempty"`
}

// ResultEnvelope is the message shape published back to a reply topic.
type ResultEnvelope struct {
	CorrelationID string          `json:"correlation_id"`
	Status        string          `json:"status"` // "success" | "error"
	Result        json.RawMessage `json:"result,omitempty"`
	Error         string          `json:"error,omitempty"`
}

// Producer abstracts the subset of *kafka.Writer the queue client needs, so
// callers can substitute a fake in tests.
type Producer interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
}

// NewWriter builds a kafka.Writer targeting the given brokers, balanced by
// key (correlation id) so retries of the same job land on the same
// partition.
func NewWriter(brokers []string) *kafka.Writer {
	return &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireOne,
	}
}

// Publish writes a JobEnvelope to topic, keyed by its correlation id.
func Publish(ctx context.Context, producer Producer, topic string, job JobEnvelope) error {
	payload, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("queue: marshal job envelope: %w", err)
	}
	return producer.WriteMessages(ctx, kafka.Message{
		Topic: topic,
		Key:   []byte(job.CorrelationID),
		Value: payload,
	})
}

// PublishResult writes a ResultEnvelope to topic, keyed by correlation id.
func PublishResult(ctx context.Context, producer Producer, topic string, result ResultEnvelope) error {
	payload, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("queue: marshal result envelope: %w", err)
	}
	return producer.WriteMessages(ctx, kafka.Message{
		Topic: topic,
		Key:   []byte(result.CorrelationID),
		Value: payload,
	})
}

// Handler processes one JobEnvelope. A returned error is treated as
// transient and retried with backoff up to maxAttempts; exhausting retries
// (or a permanent failure signaled via PermanentErr) publishes an error
// ResultEnvelope to the job's DLQ topic (job.ReplyTopic + ".dlq"), provided
// the Consumer has a Producer and the job names a ReplyTopic.
type Handler func(ctx context.Context, job JobEnvelope) error

// PermanentErr wraps an error that must never be retried.
type PermanentErr struct{ Cause error }

func (e *PermanentErr) Error() string { return e.Cause.Error() }
func (e *PermanentErr) Unwrap() error { return e.Cause }

// Consumer reads JobEnvelopes off a topic and handles them one at a time
// on a single worker goroutine, ported from the teacher's StartKafkaConsumer
// (internal/orchestrator/kafka.go): same fetch-loop/jobs-channel/worker/
// commit-after-handling shape, generalized from a hardcoded Runner.Execute
// call to an arbitrary Handler. WorkerCount sizes the buffered jobs channel
// (WorkerCount*4); it does not start more workers.
type Consumer struct {
	Brokers     []string
	GroupID     string
	Topic       string
	Producer    Producer
	WorkerCount int
	MaxAttempts int
}

// Run blocks until ctx is cancelled, passing fetched messages through a
// bounded channel to one worker goroutine that calls handle for each in
// order.
func (c *Consumer) Run(ctx context.Context, handle Handler) error {
	workers := c.WorkerCount
	if workers <= 0 {
		workers = 4
	}
	maxAttempts := c.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = 3
	}

	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:  c.Brokers,
		GroupID:  c.GroupID,
		Topic:    c.Topic,
		MinBytes: 1,
		MaxBytes: 10e6,
	})
	defer func() {
		if err := reader.Close(); err != nil {
			log.Warn().Err(err).Msg("queue: error closing kafka reader")
		}
	}()

	jobs := make(chan kafka.Message, workers*4)

	done := make(chan struct{})
	go func() {
		defer close(done)
		for msg := range jobs {
			c.processWithRetry(ctx, msg, handle, maxAttempts)
			if err := reader.CommitMessages(ctx, msg); err != nil {
				log.Warn().Err(err).Str("topic", msg.Topic).Int("partition", msg.Partition).Int64("offset", msg.Offset).Msg("queue: commit failed")
			}
		}
	}()

	for {
		if ctx.Err() != nil {
			break
		}
		m, err := reader.FetchMessage(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				break
			}
			log.Warn().Err(err).Msg("queue: fetch error")
			continue
		}
		select {
		case jobs <- m:
		case <-ctx.Done():
		}
		if ctx.Err() != nil {
			break
		}
	}
	close(jobs)
	<-done
	return ctx.Err()
}

func (c *Consumer) processWithRetry(ctx context.Context, msg kafka.Message, handle Handler, maxAttempts int) {
	var job JobEnvelope
	if err := json.Unmarshal(msg.Value, &job); err != nil {
		log.Warn().Err(err).Msg("queue: malformed job envelope, dropping")
		return
	}

	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		err := handle(ctx, job)
		if err == nil {
			return
		}
		lastErr = err
		var perm *PermanentErr
		if errors.As(err, &perm) {
			break
		}
		if attempt < maxAttempts && ctx.Err() == nil {
			backoff := time.Duration(200*(1<<uint(attempt-1))) * time.Millisecond
			t := time.NewTimer(backoff)
			select {
			case <-t.C:
			case <-ctx.Done():
				t.Stop()
			}
			continue
		}
		break
	}

	if lastErr != nil && c.Producer != nil && job.ReplyTopic != "" {
		dlqTopic := job.ReplyTopic + ".dlq"
		result := ResultEnvelope{CorrelationID: job.CorrelationID, Status: "error", Error: lastErr.Error()}
		if err := PublishResult(ctx, c.Producer, dlqTopic, result); err != nil {
			log.Warn().Err(err).Str("correlation_id", job.CorrelationID).Msg("queue: failed to publish DLQ")
		}
	}
}
