package database

import (
	"context"
	"database/sql"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestWithRetryNegativeRetriesStillRunsOnce(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	opts := DefaultTxOptions()
	opts.MaxRetries = -1

	err := WithRetry(ctx, nil, opts, func(*sql.Tx) error { return nil })
	assert.ErrorIs(t, err, context.Canceled)
}
