package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/judgehub/videopipe/internal/metrics"
	"github.com/judgehub/videopipe/internal/transcoder"
	"github.com/judgehub/videopipe/pkg/models"
	amqp "github.com/rabbitmq/amqp091-go"
)

// Message headers
const (
	retryHeader         = "x-retry-count"
	failureReasonHeader = "x-failure-reason"
	failedAtHeader      = "x-failed-at"
)

// Action is what happens to a delivery after its handler returns
type Action int

const (
	// ActionAck removes the delivery: the job completed or failed for good
	ActionAck Action = iota
	// ActionRetry schedules a delayed redelivery
	ActionRetry
	// ActionDeadLetter parks the job for manual inspection
	ActionDeadLetter
)

func (a Action) String() string {
	switch a {
	case ActionAck:
		return "ack"
	case ActionRetry:
		return "retry"
	case ActionDeadLetter:
		return "dead_letter"
	}
	return "unknown"
}

// Decide maps a processing result to a delivery action. Permanent failures
// are acked because the record already carries the failure.
func Decide(res transcoder.Result, retryCount, maxRetries int) Action {
	switch {
	case res.Err == nil:
		return ActionAck
	case !res.Retryable:
		return ActionAck
	case retryCount >= maxRetries:
		return ActionDeadLetter
	}
	return ActionRetry
}

// retryCount reads the retry header; AMQP tables decode integers into
// several widths
func retryCount(headers amqp.Table) int {
	switch v := headers[retryHeader].(type) {
	case int:
		return v
	case int8:
		return int(v)
	case int16:
		return int(v)
	case int32:
		return int(v)
	case int64:
		return int(v)
	case uint8:
		return int(v)
	case uint16:
		return int(v)
	case uint32:
		return int(v)
	case string:
		n, _ := strconv.Atoi(v)
		return n
	}
	return 0
}

// handleDelivery runs the handler and settles the delivery
func (q *Queue) handleDelivery(ctx context.Context, d amqp.Delivery, handler Handler) {
	var req transcoder.JobRequest
	err := json.Unmarshal(d.Body, &req)
	if err == nil && req.ID == "" {
		err = errors.New("job id is required")
	}
	if err == nil {
		req.Kind, err = models.ParseRecordKind(string(req.Kind))
	}
	if err != nil {
		q.logger.Errorf("Rejecting malformed job message: %v", err)
		metrics.RecordDelivery("malformed")
		// routed to the dead-letter queue by the main queue's DLX
		if err := d.Nack(false, false); err != nil {
			q.logger.Warnf("Failed to reject message: %v", err)
		}
		return
	}

	logger := q.logger.WithJobID(req.ID).WithKind(string(req.Kind))
	attempt := retryCount(d.Headers)

	res := handler(ctx, req)
	action := Decide(res, attempt, q.maxRetries)
	metrics.RecordDelivery(action.String())

	switch action {
	case ActionAck:
		if res.Err != nil {
			logger.Warnf("Job failed permanently: %v", res.Err)
		}
	case ActionRetry:
		logger.Infof("Job failed, retry %d/%d in %s: %v", attempt+1, q.maxRetries, q.retryDelay, res.Err)
		err = q.publishRetry(ctx, d.Body, attempt+1)
	case ActionDeadLetter:
		logger.Errorf("Job exhausted %d retries, dead-lettering: %v", q.maxRetries, res.Err)
		err = q.publishDeadLetter(ctx, d.Body, res.Err)
	}

	if err != nil {
		// leave the original in the queue rather than lose it
		logger.ErrorWithErr("Failed to reschedule job, requeueing", err)
		if nerr := d.Nack(false, true); nerr != nil {
			logger.Warnf("Failed to requeue message: %v", nerr)
		}
		return
	}

	if err := d.Ack(false); err != nil {
		logger.Warnf("Failed to ack message: %v", err)
	}
}

// publishRetry parks the message in the retry queue until its TTL expires
func (q *Queue) publishRetry(ctx context.Context, body []byte, attempt int) error {
	err := q.channel.PublishWithContext(ctx,
		"",
		q.topology.RetryQueue,
		false,
		false,
		amqp.Publishing{
			DeliveryMode: amqp.Persistent,
			ContentType:  "application/json",
			Body:         body,
			Timestamp:    time.Now(),
			Headers:      amqp.Table{retryHeader: int32(attempt)},
			Expiration:   strconv.FormatInt(q.retryDelay.Milliseconds(), 10),
		},
	)
	if err != nil {
		return fmt.Errorf("failed to publish to retry queue: %w", err)
	}
	return nil
}

// publishDeadLetter moves a job to the dead-letter queue
func (q *Queue) publishDeadLetter(ctx context.Context, body []byte, cause error) error {
	reason := "max retries exceeded"
	if cause != nil {
		reason = cause.Error()
	}

	err := q.channel.PublishWithContext(ctx,
		q.topology.DeadLetterExchange,
		q.topology.DeadLetterQueue,
		false,
		false,
		amqp.Publishing{
			DeliveryMode: amqp.Persistent,
			ContentType:  "application/json",
			Body:         body,
			Timestamp:    time.Now(),
			Headers: amqp.Table{
				failureReasonHeader: reason,
				failedAtHeader:      time.Now().UTC().Format(time.RFC3339),
				retryHeader:         int32(q.maxRetries),
			},
		},
	)
	if err != nil {
		return fmt.Errorf("failed to publish to DLQ: %w", err)
	}
	return nil
}

// GetDLQDepth returns the number of messages in the dead letter queue
func (q *Queue) GetDLQDepth() (int, error) {
	info, err := q.channel.QueueInspect(q.topology.DeadLetterQueue)
	if err != nil {
		return 0, fmt.Errorf("failed to inspect DLQ: %w", err)
	}

	return info.Messages, nil
}
