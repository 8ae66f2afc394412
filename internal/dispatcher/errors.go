package dispatcher

import "fmt"

// ValidationError represents a fatal validation error
type ValidationError struct {
    Message string
}

func (e *ValidationError) Error() string {
    return fmt.Sprintf("validation error: %s", e.Message)
}

// CancelledError is returned when a job was cancelled while running.
type CancelledError struct {
    JobID string
}

func (e *CancelledError) Error() string {
    return fmt.Sprintf("job %s cancelled", e.JobID)
}
