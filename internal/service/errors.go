package service

import "errors"

// Attempt errors surfaced to handlers. Each maps to one response.ErrCode.
var (
	ErrAttemptNotFound  = errors.New("attempt not found")
	ErrExamNotAvailable = errors.New("exam is not available")
	ErrAlreadySubmitted = errors.New("attempt already submitted")
	ErrAttemptMismatch  = errors.New("attempt id in body does not match the path")
	ErrNoQuestions      = errors.New("exam has no questions")
	ErrSubmitInProgress = errors.New("a submission for this attempt is in progress")
)

// IsClientError reports whether err is one of the attempt errors above, as
// opposed to an infrastructure failure.
func IsClientError(err error) bool {
	for _, target := range []error{
		ErrAttemptNotFound, ErrExamNotAvailable, ErrAlreadySubmitted,
		ErrAttemptMismatch, ErrNoQuestions, ErrSubmitInProgress,
	} {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}
