package pg

import (
	"context"
	"errors"
	"fmt"
	"net"
	"syscall"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIsTransient(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{name: "nil", err: nil, want: false},
		{name: "canceled", err: context.Canceled, want: false},
		{name: "deadline", err: fmt.Errorf("read: %w", context.DeadlineExceeded), want: true},
		{name: "serialization failure", err: &pgconn.PgError{Code: "40001"}, want: true},
		{name: "connection exception class", err: &pgconn.PgError{Code: "08006"}, want: true},
		{name: "admin shutdown", err: &pgconn.PgError{Code: "57P01"}, want: true},
		{name: "syntax error", err: &pgconn.PgError{Code: "42601"}, want: false},
		{name: "connection refused", err: &net.OpError{Op: "dial", Err: syscall.ECONNREFUSED}, want: true},
		{name: "closed connection text", err: errors.New("conn closed: connection closed"), want: true},
		{name: "plain", err: errors.New("boom"), want: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, IsTransient(tt.err))
		})
	}
}

func TestIsInvalidSnapshot(t *testing.T) {
	assert.True(t, IsInvalidSnapshot(&pgconn.PgError{Code: CodeInvalidParameterValue, Message: `invalid snapshot identifier: "00000003-1"`}))
	assert.False(t, IsInvalidSnapshot(&pgconn.PgError{Code: CodeInvalidParameterValue, Message: "invalid value for parameter"}))
	assert.False(t, IsInvalidSnapshot(nil))
}

func TestHasCode(t *testing.T) {
	err := fmt.Errorf("start replication: %w", &pgconn.PgError{Code: CodeObjectInUse})
	assert.True(t, HasCode(err, CodeObjectInUse))
	assert.False(t, HasCode(err, CodeDuplicateObject))
}

func TestRetry(t *testing.T) {
	fast := RetryPolicy{Attempts: 3, Delay: time.Millisecond, MaxDelay: time.Millisecond}

	t.Run("succeeds after transient failures", func(t *testing.T) {
		calls := 0
		err := Retry(context.Background(), "op", fast, func() error {
			calls++
			if calls < 3 {
				return &pgconn.PgError{Code: "40P01"}
			}
			return nil
		})
		require.NoError(t, err)
		assert.Equal(t, 3, calls)
	})

	t.Run("stops on permanent failure", func(t *testing.T) {
		calls := 0
		permanent := errors.New("permission denied")
		err := Retry(context.Background(), "op", fast, func() error {
			calls++
			return permanent
		})
		require.ErrorIs(t, err, permanent)
		assert.Equal(t, 1, calls)
	})

	t.Run("exhausted transient failures", func(t *testing.T) {
		err := Retry(context.Background(), "query", fast, func() error {
			return &pgconn.PgError{Code: "08006"}
		})

		var transient *TransientError
		require.ErrorAs(t, err, &transient)
		assert.Equal(t, "query", transient.Op)
		assert.Equal(t, uint(3), transient.Attempts)
	})

	t.Run("caller classification", func(t *testing.T) {
		inUse := func(err error) bool { return IsTransient(err) || HasCode(err, CodeObjectInUse) }

		calls := 0
		err := RetryIf(context.Background(), "start replication", fast, inUse, func() error {
			calls++
			if calls < 3 {
				return fmt.Errorf("start replication: %w", &pgconn.PgError{Code: CodeObjectInUse})
			}
			return nil
		})
		require.NoError(t, err)
		assert.Equal(t, 3, calls)

		calls = 0
		err = Retry(context.Background(), "start replication", fast, func() error {
			calls++
			return &pgconn.PgError{Code: CodeObjectInUse}
		})
		require.Error(t, err)
		assert.Equal(t, 1, calls, "object in use is permanent by default")
	})
}
