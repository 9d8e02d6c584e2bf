package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/sillypop200/kiwifruit/internal/util"
)

const attemptsHeader = "x-attempts"

type AMQPQueueConfig struct {
	URL        string
	Queue      string
	MaxRetries int
	Prefetch   int
}

// AMQPJobQueue carries jobs on a durable RabbitMQ queue. Failed deliveries are
// republished with an incremented attempt header and the original is acked.
type AMQPJobQueue struct {
	conn       *amqp.Connection
	pub        *amqp.Channel
	pubMu      sync.Mutex
	queue      string
	maxRetries int
	prefetch   int
	wg         sync.WaitGroup
}

func NewAMQPJobQueue(cfg AMQPQueueConfig) (*AMQPJobQueue, error) {
	url := strings.TrimSpace(cfg.URL)
	if url == "" {
		return nil, errors.New("amqp url required")
	}
	queue := strings.TrimSpace(cfg.Queue)
	if queue == "" {
		return nil, errors.New("amqp queue required")
	}
	maxRetries := cfg.MaxRetries
	if maxRetries <= 0 {
		maxRetries = 3
	}
	prefetch := cfg.Prefetch
	if prefetch <= 0 {
		prefetch = 1
	}
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("dial amqp: %w", err)
	}
	pub, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("open amqp channel: %w", err)
	}
	if _, err := pub.QueueDeclare(queue, true, false, false, false, nil); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("declare amqp queue: %w", err)
	}
	return &AMQPJobQueue{
		conn:       conn,
		pub:        pub,
		queue:      queue,
		maxRetries: maxRetries,
		prefetch:   prefetch,
	}, nil
}

func (q *AMQPJobQueue) Enqueue(ctx context.Context, ingestionID, storedName string) (Job, error) {
	if strings.TrimSpace(ingestionID) == "" {
		return Job{}, errors.New("ingestionId required")
	}
	if strings.TrimSpace(storedName) == "" {
		return Job{}, errors.New("storedName required")
	}
	now := time.Now().UTC()
	job := Job{
		ID:          util.NewID(),
		IngestionID: ingestionID,
		StoredName:  storedName,
		Status:      StatusQueued,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := q.publish(ctx, job, 0); err != nil {
		return Job{}, err
	}
	return job, nil
}

func (q *AMQPJobQueue) publish(ctx context.Context, job Job, attempts int) error {
	msg, err := encodeDelivery(job, attempts)
	if err != nil {
		return err
	}
	q.pubMu.Lock()
	defer q.pubMu.Unlock()
	if err := q.pub.PublishWithContext(ctx, "", q.queue, false, false, msg); err != nil {
		return fmt.Errorf("publish job: %w", err)
	}
	return nil
}

func (q *AMQPJobQueue) Start(ctx context.Context, concurrency int, handler Handler) error {
	if concurrency <= 0 {
		concurrency = 1
	}
	for i := 0; i < concurrency; i++ {
		ch, err := q.conn.Channel()
		if err != nil {
			return fmt.Errorf("open consumer channel: %w", err)
		}
		if err := ch.Qos(q.prefetch, 0, false); err != nil {
			_ = ch.Close()
			return fmt.Errorf("set qos: %w", err)
		}
		tag := fmt.Sprintf("%s-%d", util.NewID(), i)
		deliveries, err := ch.Consume(q.queue, tag, false, false, false, false, nil)
		if err != nil {
			_ = ch.Close()
			return fmt.Errorf("consume: %w", err)
		}
		q.wg.Add(1)
		go func() {
			defer q.wg.Done()
			defer ch.Close()
			q.consumeLoop(ctx, deliveries, handler)
		}()
	}
	return nil
}

func (q *AMQPJobQueue) consumeLoop(ctx context.Context, deliveries <-chan amqp.Delivery, handler Handler) {
	for {
		select {
		case <-ctx.Done():
			return
		case d, ok := <-deliveries:
			if !ok {
				return
			}
			q.handleDelivery(ctx, d, handler)
		}
	}
}

func (q *AMQPJobQueue) handleDelivery(ctx context.Context, d amqp.Delivery, handler Handler) {
	job, attempts, err := decodeDelivery(d.Body, d.Headers)
	if err != nil {
		slog.Warn("amqp drop malformed job", "err", err)
		_ = d.Ack(false)
		return
	}
	job.Attempts = attempts + 1
	job.Status = StatusProcessing
	job.UpdatedAt = time.Now().UTC()
	herr := handler(ctx, job)
	if herr == nil {
		_ = d.Ack(false)
		return
	}
	if job.Attempts >= q.maxRetries {
		slog.Warn("amqp job failed", "job_id", job.ID, "ingestion_id", job.IngestionID, "attempts", job.Attempts, "err", herr)
		_ = d.Ack(false)
		return
	}
	if err := q.publish(ctx, job, job.Attempts); err != nil {
		// leave it with the broker for redelivery
		_ = d.Nack(false, true)
		return
	}
	_ = d.Ack(false)
}

func (q *AMQPJobQueue) Wait() {
	q.wg.Wait()
}

func (q *AMQPJobQueue) Close() error {
	return q.conn.Close()
}

func encodeDelivery(job Job, attempts int) (amqp.Publishing, error) {
	body, err := json.Marshal(job)
	if err != nil {
		return amqp.Publishing{}, fmt.Errorf("encode job: %w", err)
	}
	return amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		MessageId:    job.ID,
		Timestamp:    job.CreatedAt,
		Headers:      amqp.Table{attemptsHeader: int32(attempts)},
		Body:         body,
	}, nil
}

func decodeDelivery(body []byte, headers amqp.Table) (Job, int, error) {
	var job Job
	if err := json.Unmarshal(body, &job); err != nil {
		return Job{}, 0, fmt.Errorf("decode job: %w", err)
	}
	if job.ID == "" || job.IngestionID == "" || job.StoredName == "" {
		return Job{}, 0, errors.New("job missing id, ingestionId or storedName")
	}
	attempts := 0
	switch v := headers[attemptsHeader].(type) {
	case int32:
		attempts = int(v)
	case int64:
		attempts = int(v)
	case int:
		attempts = v
	}
	return job, attempts, nil
}
