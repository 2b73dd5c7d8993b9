package jobqueue

import "errors"

var (
	ErrInvalidStatus       = errors.New("invalid job status")
	ErrInvalidJobType      = errors.New("invalid job type")
	ErrHandlerRegistered   = errors.New("handler already registered")
	ErrInvalidWorkerConfig = errors.New("invalid worker config")
	ErrInvalidQueueConfig  = errors.New("invalid queue config")
)

type nonRetryableError struct {
	cause error
}

func (err *nonRetryableError) Error() string {
	return "non-retryable: " + err.cause.Error()
}

func (err *nonRetryableError) Unwrap() error {
	return err.cause
}

// NonRetryable marks a handler error as permanent: the payload can never
// succeed, so the job fails immediately instead of being retried.
func NonRetryable(err error) error {
	if err == nil {
		return nil
	}
	return &nonRetryableError{cause: err}
}

// IsNonRetryable reports whether err carries the non-retryable marker.
func IsNonRetryable(err error) bool {
	var marker *nonRetryableError
	return errors.As(err, &marker)
}
