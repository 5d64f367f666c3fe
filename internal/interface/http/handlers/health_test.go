package handlers

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

type pinger struct{ err error }

func (p pinger) Ping(context.Context) error { return p.err }

func TestHealthChecker_NoChecks(t *testing.T) {
	status := NewHealthChecker("test", 0).Check(context.Background())
	assert.True(t, status.Healthy)
	assert.Equal(t, "no checks registered", status.Message)
	assert.Equal(t, "test", status.Version)
}

func TestHealthChecker_Aggregates(t *testing.T) {
	h := NewHealthChecker("", time.Second)
	h.AddCheck("database", PingCheck(pinger{}))
	h.AddCheck("redis", PingCheck(pinger{err: errors.New("connection refused")}))

	status := h.Check(context.Background())
	assert.False(t, status.Healthy)
	assert.Equal(t, "failing: redis", status.Message)
	assert.True(t, status.Checks["database"].Healthy)
	assert.Equal(t, "connection refused", status.Checks["redis"].Message)
}

func TestHealthChecker_Timeout(t *testing.T) {
	h := NewHealthChecker("", 10*time.Millisecond)
	h.AddCheck("slow", func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	})

	status := h.Check(context.Background())
	assert.False(t, status.Healthy)
	assert.Equal(t, context.DeadlineExceeded.Error(), status.Checks["slow"].Message)
}
