package kafka

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/IBM/sarama"
	"github.com/google/uuid"
	"github.com/phrazzld/slidegen/internal/task"
)

// ErrMalformedMessage marks a message that cannot be decoded. It is never retried.
var ErrMalformedMessage = errors.New("malformed message")

func decode(msg *sarama.ConsumerMessage, v any) error {
	if err := json.Unmarshal(msg.Value, v); err != nil {
		return fmt.Errorf("%w: %v", ErrMalformedMessage, err)
	}
	return nil
}

// ResultHandler delivers result messages to a completion handler,
// typically task.Service.OnTaskCompletion.
func ResultHandler(complete task.CompletionHandler) MessageHandler {
	return func(ctx context.Context, msg *sarama.ConsumerMessage) error {
		var result ResultMessage
		if err := decode(msg, &result); err != nil {
			return err
		}
		if result.TaskID == uuid.Nil {
			return fmt.Errorf("%w: result without task id", ErrMalformedMessage)
		}
		return complete(ctx, result.TaskID, result.Outcome())
	}
}

// JobHandler hands job messages to submit, typically LocalDispatcher.SubmitWait.
func JobHandler(submit func(ctx context.Context, job task.Job) error) MessageHandler {
	return func(ctx context.Context, msg *sarama.ConsumerMessage) error {
		var job JobMessage
		if err := decode(msg, &job); err != nil {
			return err
		}
		if job.Job.TaskID == uuid.Nil {
			return fmt.Errorf("%w: job without task id", ErrMalformedMessage)
		}
		return submit(ctx, job.Job)
	}
}

// ControlHandler applies control messages with revoke, typically
// LocalDispatcher.Revoke. Unknown actions are ignored.
func ControlHandler(revoke func(ctx context.Context, taskID uuid.UUID) error) MessageHandler {
	return func(ctx context.Context, msg *sarama.ConsumerMessage) error {
		var control ControlMessage
		if err := decode(msg, &control); err != nil {
			return err
		}
		if control.Action != ActionRevoke {
			return nil
		}
		return revoke(ctx, control.TaskID)
	}
}
