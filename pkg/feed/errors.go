package feed

import (
	"errors"
	"fmt"
)

var ErrNotFound = errors.New("not found")

// ValidationError is returned for bad preference configurations and bad job payloads.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return "validation failed: " + e.Reason
	}
	return fmt.Sprintf("validation failed on %s: %s", e.Field, e.Reason)
}

// InvalidCursorError is returned for malformed, tampered or mismatched pagination tokens.
type InvalidCursorError struct {
	Reason string
	Err    error
}

func (e *InvalidCursorError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("invalid cursor: %s: %v", e.Reason, e.Err)
	}
	return "invalid cursor: " + e.Reason
}

func (e *InvalidCursorError) Unwrap() error { return e.Err }

// FeedTypeDisabledError is returned when a viewer requests a feed type that is switched off.
type FeedTypeDisabledError struct {
	FeedType Type
	ByUser   bool
}

func (e *FeedTypeDisabledError) Error() string {
	if e.ByUser {
		return fmt.Sprintf("feed type %q is disabled in the viewer's preferences", e.FeedType)
	}
	return fmt.Sprintf("feed type %q is not active", e.FeedType)
}

// AccessDeniedError records a privacy oracle denial. It never reaches a reader; denied posts are
// silently excluded from the candidate set.
type AccessDeniedError struct {
	PostID   string
	ViewerID string
}

func (e *AccessDeniedError) Error() string {
	return fmt.Sprintf("viewer %s may not access post %s", e.ViewerID, e.PostID)
}

// JobExhaustedError marks a job that hit its max attempts and was left in the failed state.
type JobExhaustedError struct {
	JobID    uint
	JobType  string
	Attempts int
	Err      error
}

func (e *JobExhaustedError) Error() string {
	return fmt.Sprintf("job %d (%s) exhausted after %d attempts: %v", e.JobID, e.JobType, e.Attempts, e.Err)
}

func (e *JobExhaustedError) Unwrap() error { return e.Err }

func IsValidation(err error) bool {
	var v *ValidationError
	return errors.As(err, &v)
}

func IsInvalidCursor(err error) bool {
	var v *InvalidCursorError
	return errors.As(err, &v)
}

func IsFeedTypeDisabled(err error) bool {
	var v *FeedTypeDisabledError
	return errors.As(err, &v)
}
