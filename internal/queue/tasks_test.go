package queue

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/hibiken/asynq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGenerateImageTaskWireFormat(t *testing.T) {
	payload := GenerateImagePayload{
		ImageKey:    "j1",
		Prompt:      "p",
		Webhook:     "https://api.example.com/webhook/j1?sig=abc",
		RequestedAt: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC),
	}

	task, err := NewGenerateImageTask(payload)
	require.NoError(t, err)
	assert.Equal(t, TypeGenerateImage, task.Type())

	var wire map[string]any
	require.NoError(t, json.Unmarshal(task.Payload(), &wire))
	assert.Equal(t, "j1", wire["image_key"])
	assert.Equal(t, "p", wire["prompt"])
	assert.Equal(t, payload.Webhook, wire["webhook"])
	assert.NotContains(t, wire, "workflow_name")

	parsed, err := ParseGenerateImagePayload(task)
	require.NoError(t, err)
	assert.Equal(t, payload, parsed)
}

func TestParseGenerateImagePayloadRejectsIncompleteMessages(t *testing.T) {
	_, err := ParseGenerateImagePayload(asynq.NewTask(TypeGenerateImage, []byte(`{"prompt":"p"}`)))
	require.Error(t, err)

	_, err = ParseGenerateImagePayload(asynq.NewTask(TypeGenerateImage, []byte(`not json`)))
	require.Error(t, err)
}
