package queue

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/hibiken/asynq"
)

const (
	TypeGenerateImage = "image:generate"
	TypeSweepOrphans  = "jobs:sweep"
)

// GenerateImagePayload is the self-describing dispatch message. ImageKey is
// the job id, which is also the input blob key; Webhook is the signed
// callback URL the relay reports back to.
type GenerateImagePayload struct {
	ImageKey     string    `json:"image_key"`
	Prompt       string    `json:"prompt"`
	Webhook      string    `json:"webhook"`
	WorkflowName string    `json:"workflow_name,omitempty"`
	RequestedAt  time.Time `json:"requested_at"`
}

func (p GenerateImagePayload) Validate() error {
	switch {
	case strings.TrimSpace(p.ImageKey) == "":
		return fmt.Errorf("image_key is required")
	case strings.TrimSpace(p.Prompt) == "":
		return fmt.Errorf("prompt is required")
	case strings.TrimSpace(p.Webhook) == "":
		return fmt.Errorf("webhook is required")
	}
	return nil
}

func NewGenerateImageTask(payload GenerateImagePayload) (*asynq.Task, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal generate payload: %w", err)
	}
	return asynq.NewTask(TypeGenerateImage, body), nil
}

func ParseGenerateImagePayload(task *asynq.Task) (GenerateImagePayload, error) {
	var payload GenerateImagePayload
	if err := json.Unmarshal(task.Payload(), &payload); err != nil {
		return GenerateImagePayload{}, fmt.Errorf("unmarshal generate payload: %w", err)
	}
	if err := payload.Validate(); err != nil {
		return GenerateImagePayload{}, fmt.Errorf("invalid generate payload: %w", err)
	}
	return payload, nil
}

func NewSweepOrphansTask() *asynq.Task {
	return asynq.NewTask(TypeSweepOrphans, nil)
}
