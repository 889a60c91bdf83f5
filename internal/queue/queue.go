package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/judgehub/videopipe/internal/config"
	"github.com/judgehub/videopipe/internal/logging"
	"github.com/judgehub/videopipe/internal/metrics"
	"github.com/judgehub/videopipe/internal/transcoder"
	amqp "github.com/rabbitmq/amqp091-go"
)

// Handler processes one job request and reports the outcome
type Handler func(ctx context.Context, req transcoder.JobRequest) transcoder.Result

// Channel is the subset of *amqp.Channel the queue uses
type Channel interface {
	ExchangeDeclare(name, kind string, durable, autoDelete, internal, noWait bool, args amqp.Table) error
	QueueDeclare(name string, durable, autoDelete, exclusive, noWait bool, args amqp.Table) (amqp.Queue, error)
	QueueBind(name, key, exchange string, noWait bool, args amqp.Table) error
	QueueInspect(name string) (amqp.Queue, error)
	Qos(prefetchCount, prefetchSize int, global bool) error
	Consume(queue, consumer string, autoAck, exclusive, noLocal, noWait bool, args amqp.Table) (<-chan amqp.Delivery, error)
	Cancel(consumer string, noWait bool) error
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
	Close() error
}

var _ Channel = (*amqp.Channel)(nil)

// Topology names every exchange and queue the pipeline declares
type Topology struct {
	Exchange           string
	DeadLetterExchange string
	Queue              string
	RetryQueue         string
	DeadLetterQueue    string
}

// NewTopology derives the retry and dead-letter names from the main queue
func NewTopology(exchange, queue string) Topology {
	return Topology{
		Exchange:           exchange,
		DeadLetterExchange: exchange + ".dlx",
		Queue:              queue,
		RetryQueue:         queue + "_retry",
		DeadLetterQueue:    queue + "_dlq",
	}
}

// Queue provides message queue operations
type Queue struct {
	conn       *amqp.Connection
	channel    Channel
	topology   Topology
	retryDelay time.Duration
	maxRetries int
	logger     *logging.Logger

	consumerTag string
	inflight    sync.WaitGroup
	stopped     chan struct{}
}

// New connects to RabbitMQ and declares the topology
func New(cfg config.QueueConfig, logger *logging.Logger) (*Queue, error) {
	conn, err := amqp.Dial(cfg.URL())
	if err != nil {
		return nil, fmt.Errorf("failed to connect to RabbitMQ: %w", err)
	}

	channel, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to open channel: %w", err)
	}

	q, err := NewWithChannel(channel, cfg, logger)
	if err != nil {
		channel.Close()
		conn.Close()
		return nil, err
	}
	q.conn = conn
	return q, nil
}

// NewWithChannel builds a Queue over an open channel and declares the
// topology on it
func NewWithChannel(channel Channel, cfg config.QueueConfig, logger *logging.Logger) (*Queue, error) {
	if logger == nil {
		logger = logging.Nop()
	}
	q := &Queue{
		channel:     channel,
		topology:    NewTopology(cfg.Exchange, cfg.QueueName),
		retryDelay:  cfg.RetryDelay,
		maxRetries:  cfg.MaxRetries,
		logger:      logger,
		consumerTag: "videopipe-" + uuid.NewString(),
	}
	if err := q.declare(); err != nil {
		return nil, err
	}
	return q, nil
}

// declare sets up the main queue, the delayed retry queue that dead-letters
// back into it, and the dead-letter queue
func (q *Queue) declare() error {
	t := q.topology

	for _, exchange := range []string{t.Exchange, t.DeadLetterExchange} {
		if err := q.channel.ExchangeDeclare(exchange, "direct", true, false, false, false, nil); err != nil {
			return fmt.Errorf("failed to declare exchange %s: %w", exchange, err)
		}
	}

	// rejected deliveries go straight to the dead-letter queue
	mainArgs := amqp.Table{
		"x-dead-letter-exchange":    t.DeadLetterExchange,
		"x-dead-letter-routing-key": t.DeadLetterQueue,
	}
	if _, err := q.channel.QueueDeclare(t.Queue, true, false, false, false, mainArgs); err != nil {
		return fmt.Errorf("failed to declare queue: %w", err)
	}
	if err := q.channel.QueueBind(t.Queue, t.Queue, t.Exchange, false, nil); err != nil {
		return fmt.Errorf("failed to bind queue: %w", err)
	}

	// messages expire after their per-message TTL and return to the main queue
	retryArgs := amqp.Table{
		"x-dead-letter-exchange":    t.Exchange,
		"x-dead-letter-routing-key": t.Queue,
	}
	if _, err := q.channel.QueueDeclare(t.RetryQueue, true, false, false, false, retryArgs); err != nil {
		return fmt.Errorf("failed to declare retry queue: %w", err)
	}

	if _, err := q.channel.QueueDeclare(t.DeadLetterQueue, true, false, false, false, nil); err != nil {
		return fmt.Errorf("failed to declare DLQ: %w", err)
	}
	if err := q.channel.QueueBind(t.DeadLetterQueue, t.DeadLetterQueue, t.DeadLetterExchange, false, nil); err != nil {
		return fmt.Errorf("failed to bind DLQ: %w", err)
	}

	return nil
}

// Topology returns the declared names
func (q *Queue) Topology() Topology {
	return q.topology
}

// Close closes the queue connection
func (q *Queue) Close() error {
	if q.channel != nil {
		q.channel.Close()
	}
	if q.conn != nil {
		return q.conn.Close()
	}
	return nil
}

// Publish enqueues a processing request
func (q *Queue) Publish(ctx context.Context, req transcoder.JobRequest) error {
	if req.ID == "" {
		return errors.New("job id is required")
	}

	body, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("failed to marshal job: %w", err)
	}

	err = q.channel.PublishWithContext(ctx,
		q.topology.Exchange,
		q.topology.Queue,
		false, // mandatory
		false, // immediate
		amqp.Publishing{
			DeliveryMode: amqp.Persistent,
			ContentType:  "application/json",
			Body:         body,
			Timestamp:    time.Now(),
			Headers:      amqp.Table{retryHeader: int32(0)},
		},
	)
	if err != nil {
		return fmt.Errorf("failed to publish job: %w", err)
	}

	metrics.RecordJobEnqueued(string(req.Kind))
	q.logger.WithJobID(req.ID).WithKind(string(req.Kind)).Info("Job enqueued")
	return nil
}

// ConsumeJobs starts consuming jobs. Up to prefetch deliveries are handled
// concurrently, each in its own goroutine. Consumption stops when ctx is
// done; handlers already running finish with a context that is not
// cancelled. Call Wait to drain them.
func (q *Queue) ConsumeJobs(ctx context.Context, prefetch int, handler Handler) error {
	if prefetch <= 0 {
		prefetch = 1
	}

	if err := q.channel.Qos(prefetch, 0, false); err != nil {
		return fmt.Errorf("failed to set QoS: %w", err)
	}

	msgs, err := q.channel.Consume(
		q.topology.Queue,
		q.consumerTag,
		false, // auto-ack
		false, // exclusive
		false, // no-local
		false, // no-wait
		nil,   // args
	)
	if err != nil {
		return fmt.Errorf("failed to register consumer: %w", err)
	}

	stopped := make(chan struct{})
	q.stopped = stopped

	go func() {
		defer close(stopped)
		for {
			select {
			case <-ctx.Done():
				q.cancelConsumer()
				return
			case msg, ok := <-msgs:
				if !ok {
					q.logger.Warn("Delivery channel closed")
					return
				}
				// select picks at random when both are ready
				if ctx.Err() != nil {
					if err := msg.Nack(false, true); err != nil {
						q.logger.Warnf("Failed to return message: %v", err)
					}
					q.cancelConsumer()
					return
				}

				q.inflight.Add(1)
				go func(d amqp.Delivery) {
					defer q.inflight.Done()
					q.handleDelivery(context.WithoutCancel(ctx), d, handler)
				}(msg)
			}
		}
	}()

	q.logger.Infof("Consuming %s with prefetch %d", q.topology.Queue, prefetch)
	return nil
}

func (q *Queue) cancelConsumer() {
	if err := q.channel.Cancel(q.consumerTag, false); err != nil {
		q.logger.Warnf("Failed to cancel consumer: %v", err)
	}
}

// Wait blocks until the consumer has stopped and every in-flight handler
// has returned. Cancel the ConsumeJobs context first.
func (q *Queue) Wait() {
	if q.stopped != nil {
		<-q.stopped
	}
	q.inflight.Wait()
}

// GetQueueDepth returns the number of messages in the queue
func (q *Queue) GetQueueDepth() (int, error) {
	info, err := q.channel.QueueInspect(q.topology.Queue)
	if err != nil {
		return 0, fmt.Errorf("failed to inspect queue: %w", err)
	}

	return info.Messages, nil
}
