package dispatcher

import (
    "context"
    "errors"
    "strings"

    "github.com/local/pidly/internal/detector"
    "github.com/local/pidly/internal/files"
    "github.com/local/pidly/internal/pdfops"
    "github.com/local/pidly/internal/projects"
)

// Class tells the worker what to do with a failed job.
type Class int

const (
    Retryable Class = iota
    Fatal
    Cancelled
)

func (c Class) String() string {
    switch c {
    case Retryable:
        return "retryable"
    case Fatal:
        return "fatal"
    case Cancelled:
        return "cancelled"
    }
    return "unknown"
}

// exit codes a trainer uses for transient conditions
var transientExitCodes = map[int]bool{
    75:  true, // EX_TEMPFAIL
    137: true, // killed, usually out of memory
}

// Classify decides whether a failed job is worth retrying.
func Classify(err error) Class {
    if err == nil {
        return Fatal
    }

    var cancelled *CancelledError
    if errors.As(err, &cancelled) || errors.Is(err, context.Canceled) {
        return Cancelled
    }
    if isFatalError(err) {
        return Fatal
    }
    if isTransientError(err) {
        return Retryable
    }
    // unknown failures get another attempt; the attempt cap bounds them
    return Retryable
}

// isTransientError checks if error is transient and should be retried
func isTransientError(err error) bool {
    if isTimeoutError(err) {
        return true
    }

    var pe *detector.ProcessError
    if errors.As(err, &pe) {
        return transientExitCodes[pe.ExitCode]
    }

    // Network errors (connection issues, timeouts)
    errStr := strings.ToLower(err.Error())
    if strings.Contains(errStr, "connection refused") ||
        strings.Contains(errStr, "connection reset") ||
        strings.Contains(errStr, "network") ||
        strings.Contains(errStr, "eof") {
        return true
    }

    return false
}

// isFatalError checks if error is fatal and should not be retried
func isFatalError(err error) bool {
    var valErr *ValidationError
    if errors.As(err, &valErr) {
        return true
    }
    if errors.Is(err, projects.ErrNotFound) ||
        errors.Is(err, files.ErrNotFound) ||
        errors.Is(err, pdfops.ErrPageRange) {
        return true
    }

    // a script that exits on its own with a non-transient code will do so again
    var pe *detector.ProcessError
    if errors.As(err, &pe) && !transientExitCodes[pe.ExitCode] {
        return true
    }

    errStr := strings.ToLower(err.Error())
    if strings.Contains(errStr, "invalid request") ||
        strings.Contains(errStr, "validation failed") ||
        strings.Contains(errStr, "malformed") {
        return true
    }

    return false
}

// isTimeoutError checks if error is specifically a timeout
func isTimeoutError(err error) bool {
    if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, detector.ErrTimeout) {
        return true
    }
    errStr := strings.ToLower(err.Error())
    return strings.Contains(errStr, "timeout") || strings.Contains(errStr, "deadline exceeded")
}
