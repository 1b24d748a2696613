package provider

import (
	"errors"
	"fmt"
	"time"

	"github.com/IvanLi-CN/televy-backup/internal/errs"
)

// ErrNoPinnedMessage is returned by Provider.PinGet when the endpoint has
// never pinned a catalog document (first-ever backup for this endpoint).
var ErrNoPinnedMessage = errors.New("provider: no pinned message for this endpoint")

// RateLimitError is returned when the provider reports a rate limit,
// optionally carrying a server-suggested retry delay that takes
// precedence over the jittered backoff schedule.
type RateLimitError struct {
	RetryAfter time.Duration
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("provider: rate limited, retry after %s", e.RetryAfter)
}

// UnauthorizedError indicates bad credentials for the endpoint; fatal.
type UnauthorizedError struct{ Reason string }

func (e *UnauthorizedError) Error() string { return "provider: unauthorized: " + e.Reason }

// ChatNotFoundError indicates the configured chat no longer exists or is
// unreachable; fatal.
type ChatNotFoundError struct{}

func (e *ChatNotFoundError) Error() string { return "provider: chat not found" }

// ForbiddenError indicates the endpoint lacks permission for the
// operation; fatal.
type ForbiddenError struct{ Reason string }

func (e *ForbiddenError) Error() string { return "provider: forbidden: " + e.Reason }

// FileReferenceExpiredError indicates a download handle's ephemeral file
// reference expired; recoverable by re-resolving the hosting message.
type FileReferenceExpiredError struct{}

func (e *FileReferenceExpiredError) Error() string { return "provider: file reference expired" }

// TransientError wraps a network/timeout failure that should be retried
// with backoff.
type TransientError struct{ Err error }

func (e *TransientError) Error() string { return fmt.Sprintf("provider: transient: %v", e.Err) }
func (e *TransientError) Unwrap() error { return e.Err }

// Classify translates a raw provider error into the stable error-code
// taxonomy, so pipeline retry logic never needs to know about
// provider-specific error types directly.
func Classify(err error) *errs.Error {
	if err == nil {
		return nil
	}

	var rl *RateLimitError
	if errors.As(err, &rl) {
		return errs.Wrap(errs.ProviderRateLimited, "provider rate limited", err).
			WithRetryable(true).
			WithDetail("retry_after", rl.RetryAfter.String())
	}

	var unauth *UnauthorizedError
	if errors.As(err, &unauth) {
		return errs.Wrap(errs.ProviderUnauthorized, "provider rejected credentials", err).WithRetryable(false)
	}

	var notFound *ChatNotFoundError
	if errors.As(err, &notFound) {
		return errs.Wrap(errs.ProviderChatNotFound, "chat not found", err).WithRetryable(false)
	}

	var forbidden *ForbiddenError
	if errors.As(err, &forbidden) {
		return errs.Wrap(errs.ProviderForbidden, "provider forbade operation", err).WithRetryable(false)
	}

	var expired *FileReferenceExpiredError
	if errors.As(err, &expired) {
		return errs.Wrap(errs.ProviderFileReferenceExpired, "file reference expired", err).WithRetryable(true)
	}

	var transient *TransientError
	if errors.As(err, &transient) {
		return errs.Wrap(errs.ProviderTransient, "transient provider error", err).WithRetryable(true)
	}

	if errors.Is(err, ErrNoPinnedMessage) {
		return errs.Wrap(errs.BootstrapMissingPin, "no pinned catalog message", err).WithRetryable(false)
	}

	// Unknown provider errors are treated as transient: a network blip we
	// don't yet have a sentinel for should not silently become fatal.
	return errs.Wrap(errs.ProviderTransient, "unclassified provider error", err).WithRetryable(true)
}
