package kafka

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/phrazzld/slidegen/internal/task"
)

// ResultPublisher publishes job outcomes to the result topic.
// Its Publish method is a task.CompletionHandler.
type ResultPublisher struct {
	producer *Producer
	topic    string
	now      func() time.Time
}

// NewResultPublisher creates a ResultPublisher.
func NewResultPublisher(producer *Producer, topic string) (*ResultPublisher, error) {
	if producer == nil {
		return nil, errors.New("producer cannot be nil")
	}
	if topic == "" {
		return nil, errors.New("result topic is required")
	}
	return &ResultPublisher{
		producer: producer,
		topic:    topic,
		now:      func() time.Time { return time.Now().UTC() },
	}, nil
}

// Publish sends the outcome of a task.
func (p *ResultPublisher) Publish(ctx context.Context, taskID uuid.UUID, outcome task.Outcome) error {
	msg := ResultMessage{
		TaskID:     taskID,
		Result:     outcome.Result,
		Reason:     outcome.Reason,
		FinishedAt: p.now(),
	}
	_, _, err := p.producer.Send(ctx, p.topic, taskID.String(), msg)
	return err
}
