package repository

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"community_chat/internal/chat/domain"
	"community_chat/pkg/database"

	"github.com/streadway/amqp"
)

// RabbitNotificationQueue enqueue offline notification jobs for the push service
type RabbitNotificationQueue struct {
	rabbit database.RabbitRepo
	queue  string
}

// NewRabbitNotificationQueue declare the durable queue and create RabbitNotificationQueue
func NewRabbitNotificationQueue(rabbit database.RabbitRepo, queue string) (*RabbitNotificationQueue, error) {
	if _, err := rabbit.GetRabbit().QueueDeclare(queue, true, false, false, false, nil); err != nil {
		return nil, fmt.Errorf("declare queue %s: %w", queue, err)
	}
	return &RabbitNotificationQueue{rabbit: rabbit, queue: queue}, nil
}

// Enqueue publish a persistent job to the default exchange
func (q *RabbitNotificationQueue) Enqueue(_ context.Context, job domain.NotificationJob) error {
	if job.EnqueuedAt == 0 {
		job.EnqueuedAt = time.Now().UnixMilli()
	}
	body, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("marshal notification job: %w", err)
	}
	err = q.rabbit.Publish("", q.queue, false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		MessageId:    job.MessageID + ":" + job.RecipientID,
		Timestamp:    time.UnixMilli(job.EnqueuedAt),
		Body:         body,
	})
	if err != nil {
		return fmt.Errorf("rabbitmq publish: %w", err)
	}
	return nil
}
