package domain

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

type Status int

const (
	StatusInQueue Status = iota
	StatusInProgress
	StatusCompleted
	StatusFailed
)

var statusNames = [...]string{
	StatusInQueue:    "IN_QUEUE",
	StatusInProgress: "IN_PROGRESS",
	StatusCompleted:  "COMPLETED",
	StatusFailed:     "FAILED",
}

func (s Status) String() string {
	if s < 0 || int(s) >= len(statusNames) {
		return fmt.Sprintf("Status(%d)", int(s))
	}
	return statusNames[s]
}

func (s Status) Valid() bool {
	return s >= StatusInQueue && s <= StatusFailed
}

func (s Status) Active() bool {
	return s == StatusInQueue || s == StatusInProgress
}

func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// Rank orders statuses on the progression lattice. Both terminal states share
// the top rank so neither can overwrite the other.
func (s Status) Rank() int {
	switch s {
	case StatusInQueue:
		return 0
	case StatusInProgress:
		return 1
	default:
		return 2
	}
}

// ParseStatus maps a status string reported by the provider (or stored in the
// database) onto the closed Status set. Provider-specific failure states fold
// into StatusFailed.
func ParseStatus(raw string) (Status, error) {
	switch strings.ToUpper(strings.TrimSpace(raw)) {
	case "IN_QUEUE":
		return StatusInQueue, nil
	case "IN_PROGRESS":
		return StatusInProgress, nil
	case "COMPLETED":
		return StatusCompleted, nil
	case "FAILED", "CANCELLED", "TIMED_OUT", "ERROR":
		return StatusFailed, nil
	default:
		return 0, fmt.Errorf("%w: %q", ErrUnknownStatus, raw)
	}
}

func (s Status) MarshalText() ([]byte, error) {
	if !s.Valid() {
		return nil, fmt.Errorf("%w: %d", ErrUnknownStatus, int(s))
	}
	return []byte(s.String()), nil
}

func (s *Status) UnmarshalText(text []byte) error {
	parsed, err := ParseStatus(string(text))
	if err != nil {
		return err
	}
	*s = parsed
	return nil
}

type Job struct {
	ID            string
	OwnerID       string
	Prompt        string
	InputRef      string
	ResultRef     string
	ProviderJobID string
	Status        Status
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// Observation is a freshly observed provider state for one job, from either
// the callback or the poll path. ResultRef is empty when the provider did not
// report a result locator.
type Observation struct {
	Status    Status
	ResultRef string
}

// Apply runs the transition rule against the stored job. It reports whether
// anything changed; an unchanged job is returned as-is.
//
// An observation is applied when it raises the status rank, or when it repeats
// COMPLETED for a row that is missing its result locator. COMPLETED is never
// recorded without a result locator: a COMPLETED report with none, stored or
// observed, is taken as FAILED.
func (j Job) Apply(obs Observation, now time.Time) (Job, bool) {
	resultRef := j.ResultRef
	if obs.ResultRef != "" && resultRef == "" {
		resultRef = obs.ResultRef
	}
	status := obs.Status
	if status == StatusCompleted && resultRef == "" {
		status = StatusFailed
	}

	switch {
	case status.Rank() > j.Status.Rank():
	case status == StatusCompleted && j.Status == StatusCompleted && resultRef != j.ResultRef:
	default:
		return j, false
	}

	j.Status = status
	if status == StatusCompleted {
		j.ResultRef = resultRef
	}
	j.UpdatedAt = now
	return j, true
}

const (
	MaxImageBytes = 5 * 1024 * 1024
)

var allowedImageTypes = []string{"image/jpeg", "image/jpg", "image/png"}

type SubmitRequest struct {
	OwnerID     string
	Prompt      string
	ContentType string
	Image       []byte
}

func (r SubmitRequest) Validate() error {
	if strings.TrimSpace(r.OwnerID) == "" {
		return errors.New("owner is required")
	}
	if strings.TrimSpace(r.Prompt) == "" {
		return errors.New("prompt is required")
	}
	if len(r.Image) == 0 {
		return errors.New("image is required")
	}
	if len(r.Image) > MaxImageBytes {
		return ErrImageTooLarge
	}
	if !AllowedImageType(r.ContentType) {
		return fmt.Errorf("invalid image type, allowed types: %s", strings.Join(allowedImageTypes, ", "))
	}
	return nil
}

func AllowedImageType(contentType string) bool {
	contentType = strings.ToLower(strings.TrimSpace(contentType))
	for _, allowed := range allowedImageTypes {
		if contentType == allowed {
			return true
		}
	}
	return false
}
