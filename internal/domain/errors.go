package domain

import "errors"

var (
	ErrAdmissionDenied     = errors.New("another request is still in the queue or in progress")
	ErrNotFound            = errors.New("job not found")
	ErrForbidden           = errors.New("invalid signature")
	ErrBadRequest          = errors.New("bad request")
	ErrProviderUnavailable = errors.New("provider unavailable")
	ErrProviderExpired     = errors.New("record not found or has already expired")
	ErrChannelUnavailable  = errors.New("work channel unavailable")
	ErrUnknownStatus       = errors.New("unknown job status")
	ErrImageTooLarge       = errors.New("image size must be less than 5MB")
	ErrInvalidImage        = errors.New("image could not be decoded")
)
