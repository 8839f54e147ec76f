package storage

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
)

func TestIsRetriable(t *testing.T) {
	assert.False(t, IsRetriable(nil))
	assert.False(t, IsRetriable(errors.New("boom")))
	assert.True(t, IsRetriable(&pgconn.PgError{Code: "40001"}))
	assert.True(t, IsRetriable(&pgconn.PgError{Code: "40P01"}))
	assert.False(t, IsRetriable(&pgconn.PgError{Code: "23505"}))
}

func TestWithRetry(t *testing.T) {
	calls := 0
	err := WithRetry(context.Background(), 3, time.Millisecond, func() error {
		calls++
		if calls < 3 {
			return &pgconn.PgError{Code: "40001"}
		}
		return nil
	})
	assert.NoError(t, err)
	assert.Equal(t, 3, calls)

	calls = 0
	unique := &pgconn.PgError{Code: "23505"}
	err = WithRetry(context.Background(), 3, time.Millisecond, func() error {
		calls++
		return unique
	})
	assert.ErrorIs(t, err, unique)
	assert.Equal(t, 1, calls)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err = WithRetry(ctx, 3, time.Hour, func() error { return &pgconn.PgError{Code: "40P01"} })
	assert.ErrorIs(t, err, context.Canceled)
}
