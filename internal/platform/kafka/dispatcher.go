package kafka

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/phrazzld/slidegen/internal/task"
)

// Dispatcher implements task.Dispatcher by publishing jobs to the job topic
// and revoke requests to the control topic.
type Dispatcher struct {
	producer     *Producer
	jobTopic     string
	controlTopic string
	logger       *slog.Logger
	now          func() time.Time
}

// NewDispatcher creates a Dispatcher publishing through producer.
func NewDispatcher(producer *Producer, jobTopic, controlTopic string, logger *slog.Logger) (*Dispatcher, error) {
	if producer == nil {
		return nil, errors.New("producer cannot be nil")
	}
	if jobTopic == "" || controlTopic == "" {
		return nil, errors.New("job and control topics are required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{
		producer:     producer,
		jobTopic:     jobTopic,
		controlTopic: controlTopic,
		logger:       logger.With(slog.String("component", "kafka_dispatcher")),
		now:          func() time.Time { return time.Now().UTC() },
	}, nil
}

var _ task.Dispatcher = (*Dispatcher)(nil)

// Submit implements task.Dispatcher.Submit
func (d *Dispatcher) Submit(ctx context.Context, job task.Job) (task.Receipt, error) {
	msg := JobMessage{Job: job, SubmittedAt: d.now()}
	partition, offset, err := d.producer.Send(ctx, d.jobTopic, job.TaskID.String(), msg)
	if err != nil {
		return task.Receipt{}, err
	}

	d.logger.Debug("job published",
		slog.String("task_id", job.TaskID.String()),
		slog.Int("partition", int(partition)),
		slog.Int64("offset", offset))
	return task.Receipt{Ref: fmt.Sprintf("%s/%d/%d", d.jobTopic, partition, offset)}, nil
}

// Revoke implements task.Dispatcher.Revoke
func (d *Dispatcher) Revoke(ctx context.Context, taskID uuid.UUID) error {
	msg := ControlMessage{Action: ActionRevoke, TaskID: taskID}
	if _, _, err := d.producer.Send(ctx, d.controlTopic, taskID.String(), msg); err != nil {
		return err
	}
	d.logger.Debug("revoke published", slog.String("task_id", taskID.String()))
	return nil
}
