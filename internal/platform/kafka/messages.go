package kafka

import (
	"time"

	"github.com/google/uuid"
	"github.com/phrazzld/slidegen/internal/domain"
	"github.com/phrazzld/slidegen/internal/task"
)

// ControlAction names an instruction sent to workers on the control topic.
type ControlAction string

// ActionRevoke asks the worker running a task to stop it.
const ActionRevoke ControlAction = "revoke"

// JobMessage is published on the job topic for each dispatched task.
type JobMessage struct {
	Job         task.Job  `json:"job"`
	SubmittedAt time.Time `json:"submitted_at"`
}

// ControlMessage is published on the control topic.
type ControlMessage struct {
	Action ControlAction `json:"action"`
	TaskID uuid.UUID     `json:"task_id"`
}

// ResultMessage is published on the result topic when a job finishes.
type ResultMessage struct {
	TaskID     uuid.UUID              `json:"task_id"`
	Result     *domain.ArtifactResult `json:"result,omitempty"`
	Reason     string                 `json:"reason,omitempty"`
	FinishedAt time.Time              `json:"finished_at"`
}

// Outcome converts the message to a task.Outcome.
func (m ResultMessage) Outcome() task.Outcome {
	if m.Reason == "" && m.Result != nil {
		return task.Succeeded(m.Result)
	}
	return task.Failed(m.Reason)
}
