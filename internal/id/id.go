package id

import "github.com/google/uuid"

// New returns a job id. The id doubles as the blob key of the job's input
// image, so it must stay URL and object-key safe.
func New() string {
	return uuid.NewString()
}
