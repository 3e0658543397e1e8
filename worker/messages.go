package worker

import (
	"fmt"
	"time"
)

const DefaultTaskType = "general"

// TaskMessage is a unit of work on the tasks queue.
type TaskMessage struct {
	TaskID         string `json:"task_id,omitempty"`
	Prompt         string `json:"prompt"`
	Type           string `json:"type,omitempty"`
	PreviousResult string `json:"previous_result,omitempty"`
	CreatedAt      string `json:"created_at,omitempty"`
}

// EnsureDefaults fills in the derived fields: type falls back to "general",
// the task id to "{type}_{unixnano}" and created_at to now. Generated ids are
// only as unique as the clock; a collision overwrites the older artifact,
// which is the documented last-write-wins behavior.
func (m *TaskMessage) EnsureDefaults() {
	if m.Type == "" {
		m.Type = DefaultTaskType
	}
	if m.TaskID == "" {
		m.TaskID = fmt.Sprintf("%s_%d", m.Type, time.Now().UnixNano())
	}
	if m.CreatedAt == "" {
		m.CreatedAt = time.Now().UTC().Format(time.RFC3339)
	}
}

// ResultMessage is published to the results queue after a task is processed.
type ResultMessage struct {
	TaskID     string `json:"task_id"`
	Worker     string `json:"worker"`
	Status     string `json:"status"`
	OutputFile string `json:"output_file"`
	Timestamp  string `json:"timestamp"`
}

// PM commands.
const (
	CommandRunCode      = "run_code"
	CommandGenerateTask = "generate_task"
)

// PMMessage is a management-level instruction on the pm queue.
type PMMessage struct {
	TaskID  string         `json:"task_id,omitempty"`
	Command string         `json:"command"`
	Params  map[string]any `json:"params"`
}

// DeadLetterMessage wraps an undeliverable payload with why and where it
// died.
type DeadLetterMessage struct {
	Reason   string `json:"reason"`
	Source   string `json:"source"`
	Payload  string `json:"payload"`
	FailedAt string `json:"failed_at"`
}
