package provider

import (
	"embed"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/google/uuid"
)

const DefaultWorkflow = "img2img_flux"

//go:embed workflows/*.json
var workflowFiles embed.FS

type InputImage struct {
	Name  string `json:"name"`
	Image string `json:"image"`
}

type WorkflowInput struct {
	Images   []InputImage   `json:"images"`
	Workflow map[string]any `json:"workflow"`
}

// BuildInput renders the named workflow with the prompt and source image
// injected. An empty name selects DefaultWorkflow.
func BuildInput(workflowName, prompt string, image []byte) (WorkflowInput, error) {
	if strings.TrimSpace(workflowName) == "" {
		workflowName = DefaultWorkflow
	}
	if strings.TrimSpace(prompt) == "" {
		return WorkflowInput{}, fmt.Errorf("prompt is required")
	}
	if len(image) == 0 {
		return WorkflowInput{}, fmt.Errorf("image is required")
	}

	switch workflowName {
	case DefaultWorkflow:
		return img2imgFlux(prompt, image)
	default:
		return WorkflowInput{}, fmt.Errorf("unknown workflow: %s", workflowName)
	}
}

func img2imgFlux(prompt string, image []byte) (WorkflowInput, error) {
	workflow, err := loadWorkflow(DefaultWorkflow)
	if err != nil {
		return WorkflowInput{}, err
	}

	encode, ok := workflow["15"].(map[string]any)
	if !ok {
		return WorkflowInput{}, fmt.Errorf("workflow %s: missing prompt node", DefaultWorkflow)
	}
	inputs, ok := encode["inputs"].(map[string]any)
	if !ok {
		return WorkflowInput{}, fmt.Errorf("workflow %s: prompt node has no inputs", DefaultWorkflow)
	}
	inputs["clip_l"] = prompt
	inputs["t5xxl"] = prompt

	name := strings.ReplaceAll(uuid.NewString(), "-", "") + ".png"
	workflow["21"] = map[string]any{
		"inputs":     map[string]any{"image": name},
		"class_type": "LoadImage",
		"_meta":      map[string]any{"title": "Load Image"},
	}

	return WorkflowInput{
		Images: []InputImage{{
			Name:  name,
			Image: base64.StdEncoding.EncodeToString(image),
		}},
		Workflow: workflow,
	}, nil
}

// loadWorkflow decodes a fresh copy of the template on every call so callers
// can mutate it freely.
func loadWorkflow(name string) (map[string]any, error) {
	raw, err := workflowFiles.ReadFile("workflows/" + name + ".json")
	if err != nil {
		return nil, fmt.Errorf("read workflow %s: %w", name, err)
	}
	var workflow map[string]any
	if err := json.Unmarshal(raw, &workflow); err != nil {
		return nil, fmt.Errorf("decode workflow %s: %w", name, err)
	}
	return workflow, nil
}
