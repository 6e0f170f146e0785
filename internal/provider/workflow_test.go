package provider

import (
	"encoding/base64"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBuildInputInjectsPromptAndImage(t *testing.T) {
	in, err := BuildInput("", "a red fox", []byte("png-bytes"))
	require.NoError(t, err)

	require.Len(t, in.Images, 1)
	decoded, err := base64.StdEncoding.DecodeString(in.Images[0].Image)
	require.NoError(t, err)
	assert.Equal(t, "png-bytes", string(decoded))

	encode := in.Workflow["15"].(map[string]any)["inputs"].(map[string]any)
	assert.Equal(t, "a red fox", encode["clip_l"])
	assert.Equal(t, "a red fox", encode["t5xxl"])

	load := in.Workflow["21"].(map[string]any)["inputs"].(map[string]any)
	assert.Equal(t, in.Images[0].Name, load["image"])
}

func TestBuildInputDoesNotShareTemplateState(t *testing.T) {
	first, err := BuildInput(DefaultWorkflow, "first", []byte("x"))
	require.NoError(t, err)
	_, err = BuildInput(DefaultWorkflow, "second", []byte("x"))
	require.NoError(t, err)

	encode := first.Workflow["15"].(map[string]any)["inputs"].(map[string]any)
	assert.Equal(t, "first", encode["clip_l"])
}

func TestBuildInputErrors(t *testing.T) {
	_, err := BuildInput("workflow_z", "p", []byte("x"))
	require.Error(t, err)
	_, err = BuildInput("", "", []byte("x"))
	require.Error(t, err)
	_, err = BuildInput("", "p", nil)
	require.Error(t, err)
}
