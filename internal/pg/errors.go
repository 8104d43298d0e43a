package pg

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"syscall"
	"time"

	"github.com/avast/retry-go/v4"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/snapflowio/pgcdc/logger"
)

const (
	CodeObjectInUse           = "55006"
	CodeInvalidParameterValue = "22023"
	CodeDuplicateObject       = "42710"
	CodeUndefinedObject       = "42704"
)

// TransientError reports a connectivity failure that outlived its retries.
type TransientError struct {
	Op       string
	Attempts uint
	Err      error
}

func (e *TransientError) Error() string {
	return fmt.Sprintf("%s: transient connection failure after %d attempts: %v", e.Op, e.Attempts, e.Err)
}

func (e *TransientError) Unwrap() error {
	return e.Err
}

func IsTransient(err error) bool {
	if err == nil {
		return false
	}

	if errors.Is(err, context.Canceled) {
		return false
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}

	var connectErr *pgconn.ConnectError
	if errors.As(err, &connectErr) {
		return true
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case "40001", "40P01", "55P03", "57P01", "57P02", "57P03", "58000", "58030":
			return true
		}
		return strings.HasPrefix(pgErr.Code, "08")
	}

	if pgconn.Timeout(err) {
		return true
	}

	var netErr *net.OpError
	if errors.As(err, &netErr) {
		if errors.Is(netErr.Err, syscall.ECONNREFUSED) ||
			errors.Is(netErr.Err, syscall.ECONNRESET) ||
			errors.Is(netErr.Err, syscall.EPIPE) {
			return true
		}
	}

	var timeoutErr interface{ Timeout() bool }
	if errors.As(err, &timeoutErr) && timeoutErr.Timeout() {
		return true
	}

	errStr := strings.ToLower(err.Error())
	return strings.Contains(errStr, "connection closed") ||
		strings.Contains(errStr, "connection lost") ||
		strings.Contains(errStr, "unexpected eof")
}

func HasCode(err error, code string) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == code
}

func IsInvalidSnapshot(err error) bool {
	if err == nil {
		return false
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == CodeInvalidParameterValue &&
		strings.Contains(strings.ToLower(pgErr.Message), "snapshot") {
		return true
	}

	return strings.Contains(strings.ToLower(err.Error()), "invalid snapshot identifier")
}

// RetryPolicy bounds Retry. Zero values fall back to DefaultRetryPolicy.
type RetryPolicy struct {
	Attempts uint
	Delay    time.Duration
	MaxDelay time.Duration
}

var DefaultRetryPolicy = RetryPolicy{
	Attempts: 5,
	Delay:    500 * time.Millisecond,
	MaxDelay: 30 * time.Second,
}

// Retry runs op until it succeeds, fails with a non-transient error or runs out of attempts.
// Exhausted transient failures are returned as *TransientError.
func Retry(ctx context.Context, op string, policy RetryPolicy, fn func() error) error {
	return RetryIf(ctx, op, policy, IsTransient, fn)
}

// RetryIf is Retry with the caller deciding which errors are worth another attempt.
func RetryIf(ctx context.Context, op string, policy RetryPolicy, retryable func(error) bool, fn func() error) error {
	if policy.Attempts == 0 {
		policy.Attempts = DefaultRetryPolicy.Attempts
	}
	if policy.Delay == 0 {
		policy.Delay = DefaultRetryPolicy.Delay
	}
	if policy.MaxDelay == 0 {
		policy.MaxDelay = DefaultRetryPolicy.MaxDelay
	}

	var attempts uint
	err := retry.Do(
		func() error {
			attempts++
			return fn()
		},
		retry.Context(ctx),
		retry.Attempts(policy.Attempts),
		retry.Delay(policy.Delay),
		retry.MaxDelay(policy.MaxDelay),
		retry.DelayType(retry.BackOffDelay),
		retry.LastErrorOnly(true),
		retry.RetryIf(retryable),
		retry.OnRetry(func(n uint, err error) {
			logger.Warn("[retry] transient failure, retrying", "op", op, "attempt", n+1, "error", err)
		}),
	)
	if err == nil {
		return nil
	}

	if retryable(err) && ctx.Err() == nil {
		return &TransientError{Op: op, Attempts: attempts, Err: err}
	}

	return err
}
