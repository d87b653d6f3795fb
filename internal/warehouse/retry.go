package warehouse

import (
	"context"
	"regexp"
	"strconv"
	"time"

	"github.com/cenkalti/backoff/v4"

	tserrors "github.com/tidemark-labs/tidesql/internal/errors"
)

// retryableCodes is the fixed set of warehouse error codes worth
// retrying: connection resets, session expiry, and lock timeouts.
var retryableCodes = map[int]struct{}{
	253001: {},
	253003: {},
	253008: {},
	390114: {},
}

// IsRetryableCode reports whether a warehouse error code is transient.
func IsRetryableCode(code int) bool {
	_, ok := retryableCodes[code]
	return ok
}

var errorCodePattern = regexp.MustCompile(`\b(\d{6})\b`)

// extractErrorCode pulls a six-digit warehouse error code out of an
// error message, or 0.
func extractErrorCode(err error) int {
	if err == nil {
		return 0
	}
	if m := errorCodePattern.FindStringSubmatch(err.Error()); m != nil {
		code, _ := strconv.Atoi(m[1])
		return code
	}
	return 0
}

// classify decides whether err is transient, consulting the driver first
// and the numeric code set second.
func (c *PooledClient) classify(err error) (code int, transient bool) {
	if c.driver != nil {
		if code, ok := c.driver.Transient(err); ok {
			return code, true
		}
	}
	code = extractErrorCode(err)
	return code, IsRetryableCode(code)
}

// withRetry runs op with exponential backoff: attempt k waits
// retry_delay * 2^k, no jitter, up to MaxRetries retries. Non-transient
// errors surface immediately as themselves, even after earlier transient
// attempts; exhausted retries convert to a TransientConnectionError
// carrying the last code and the retries actually performed.
func (c *PooledClient) withRetry(ctx context.Context, op func() error) error {
	var lastCode int
	attempt := 0

	wrapped := func() error {
		if err := ctx.Err(); err != nil {
			return backoff.Permanent(err)
		}
		err := op()
		if err == nil {
			return nil
		}

		code, transient := c.classify(err)
		if !transient {
			return backoff.Permanent(err)
		}
		lastCode = code
		attempt++
		c.logger.Warn("transient warehouse error, retrying",
			"code", code, "attempt", attempt, "max_retries", c.cfg.MaxRetries)
		return err
	}

	expo := backoff.NewExponentialBackOff()
	expo.InitialInterval = c.cfg.RetryDelay
	expo.Multiplier = 2
	expo.RandomizationFactor = 0
	// the retry count bounds the schedule, not the interval or clock
	expo.MaxInterval = 24 * time.Hour
	expo.MaxElapsedTime = 0

	policy := backoff.WithContext(
		backoff.WithMaxRetries(expo, uint64(c.cfg.MaxRetries)), ctx)

	err := backoff.Retry(wrapped, policy)
	if err == nil {
		return nil
	}
	// only wrap when the error that ended the run was itself transient
	if _, transient := c.classify(err); transient {
		return &tserrors.TransientConnectionError{
			Code:       lastCode,
			RetryCount: attempt - 1,
			MaxRetries: c.cfg.MaxRetries,
			Err:        err,
		}
	}
	return err
}
