package sophon

import (
	"context"
	"errors"
	"fmt"
	"net/http"
)

// Sentinel errors shared across subsystems.
var (
	// ErrAuthRequired means no valid credential is available. This is a
	// normal, recoverable state: callers treat it as "cannot proceed
	// now", never as fatal.
	ErrAuthRequired = errors.New("authentication required")

	// ErrInvalidConfig rejects an operation before any network call.
	ErrInvalidConfig = errors.New("invalid configuration")

	// ErrQuotaExceeded is the distinguishable partial-failure signal
	// from a storage backend.
	ErrQuotaExceeded = errors.New("storage quota exceeded")

	// ErrNotFound is returned by stores for missing keys.
	ErrNotFound = errors.New("not found")

	// ErrAlreadyCompleted guards the single terminal transition of an
	// event.
	ErrAlreadyCompleted = errors.New("event already completed")

	// ErrChallengeExpired means the verification round timed out or the
	// server forgot the challenge; a new round is required.
	ErrChallengeExpired = errors.New("verification challenge expired")
)

// RemoteError captures a non-2xx response from the remote job server.
type RemoteError struct {
	StatusCode int
	Body       string
}

func (e *RemoteError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("remote server returned %d", e.StatusCode)
	}
	return fmt.Sprintf("remote server returned %d: %s", e.StatusCode, e.Body)
}

// IsAuthError reports whether err is a 401/403 rejection (or
// ErrAuthRequired). The caller must invalidate the credential.
func IsAuthError(err error) bool {
	if errors.Is(err, ErrAuthRequired) {
		return true
	}
	var re *RemoteError
	if errors.As(err, &re) {
		return re.StatusCode == http.StatusUnauthorized || re.StatusCode == http.StatusForbidden
	}
	return false
}

// IsNotFound reports whether err is a 404 or a store miss.
func IsNotFound(err error) bool {
	if errors.Is(err, ErrNotFound) {
		return true
	}
	var re *RemoteError
	if errors.As(err, &re) {
		return re.StatusCode == http.StatusNotFound
	}
	return false
}

// IsPermanent reports whether err is a 4xx judged non-recoverable for a
// registry entry. Auth rejections are excluded: those clear the
// credential instead of pruning the job.
func IsPermanent(err error) bool {
	var re *RemoteError
	if errors.As(err, &re) {
		if re.StatusCode == http.StatusUnauthorized || re.StatusCode == http.StatusForbidden {
			return false
		}
		return re.StatusCode >= 400 && re.StatusCode < 500
	}
	return false
}

// IsTransient reports whether err is retryable within a polling loop:
// network failures and 5xx responses. Context cancellation is not
// transient; the owning loop is being stopped.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	var re *RemoteError
	if errors.As(err, &re) {
		return re.StatusCode >= 500
	}
	if errors.Is(err, ErrAuthRequired) {
		return false
	}
	// Anything else without an HTTP status is assumed to be a network
	// level failure.
	return true
}
