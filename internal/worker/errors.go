package worker

import (
	"errors"

	"transcription-service/internal/backend"
	"transcription-service/internal/models"
)

// validationErr builds a permanent validation failure (bad input, media
// integrity, out-of-range track index). Never retried.
func validationErr(message string, cause error) error {
	detail := ""
	if cause != nil {
		detail = cause.Error()
	}
	return &models.JobError{
		Kind:    models.ErrKindValidation,
		Message: message,
		Detail:  detail,
	}
}

// transientErr builds a retryable failure (network fetch, busy backend).
func transientErr(message string, cause error) error {
	detail := ""
	if cause != nil {
		detail = cause.Error()
	}
	return &models.JobError{
		Kind:    models.ErrKindTransient,
		Message: message,
		Detail:  detail,
	}
}

// classify maps any pipeline error onto the job error taxonomy. Already
// classified errors pass through; engine errors marked transient retry;
// everything else is a backend fault, permanent unless the engine said
// otherwise.
func classify(err error) *models.JobError {
	var jobErr *models.JobError
	if errors.As(err, &jobErr) {
		return jobErr
	}
	if backend.IsTransient(err) {
		return &models.JobError{
			Kind:    models.ErrKindTransient,
			Message: "backend temporarily unavailable",
			Detail:  err.Error(),
		}
	}
	return &models.JobError{
		Kind:    models.ErrKindBackendFault,
		Message: "transcription engine failure",
		Detail:  err.Error(),
	}
}
