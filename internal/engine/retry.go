package engine

import (
	"context"
	"errors"
	"time"

	"github.com/okonma/weft/pkg/schema"
)

// Classify maps an attempt error to its deterministic failure category and
// code. Cancellation takes precedence over every other classification, then
// timeouts; typed FlowErrors carry their own code; anything else is an
// executor failure.
func Classify(err error) (schema.FailureCategory, string) {
	if err == nil {
		return "", ""
	}

	if errors.Is(err, context.Canceled) {
		return schema.FailureCanceled, schema.ErrCodeCancelled
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return schema.FailureTimeout, schema.ErrCodeTimeout
	}

	var flowErr *schema.FlowError
	if errors.As(err, &flowErr) {
		switch flowErr.Code {
		case schema.ErrCodeCancelled:
			return schema.FailureCanceled, flowErr.Code
		case schema.ErrCodeTimeout:
			return schema.FailureTimeout, flowErr.Code
		case schema.ErrCodeInternal:
			return schema.FailureInternal, flowErr.Code
		default:
			return schema.FailureExecutor, flowErr.Code
		}
	}

	return schema.FailureExecutor, schema.ErrCodeExecution
}

// WaitBackoff sleeps for the retry backoff delay or returns early if the
// context is cancelled during the wait.
func WaitBackoff(ctx context.Context, delay time.Duration) error {
	if delay <= 0 {
		return nil
	}
	select {
	case <-time.After(delay):
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
