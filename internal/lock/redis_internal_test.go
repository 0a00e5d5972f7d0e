package lock

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/capitalize-ai/support-orchestrator/pkg/logger"
)

func watchUntilLost(t *testing.T, l *RedisLock, renew func(context.Context) (bool, error)) bool {
	t.Helper()
	stop := make(chan struct{})
	defer close(stop)

	lost := make(chan struct{})
	done := make(chan struct{})
	go func() {
		defer close(done)
		l.watch("orchestrator:lock:conv-1", renew, stop, func() { close(lost) })
	}()

	select {
	case <-lost:
		<-done
		return true
	case <-time.After(10 * l.ttl):
		return false
	}
}

func TestWatch_ReportsTakenLease(t *testing.T) {
	l := &RedisLock{ttl: 30 * time.Millisecond, log: logger.NewNop()}

	var calls int32
	lost := watchUntilLost(t, l, func(context.Context) (bool, error) {
		return atomic.AddInt32(&calls, 1) < 3, nil
	})

	assert.True(t, lost)
	assert.Equal(t, int32(3), atomic.LoadInt32(&calls))
}

func TestWatch_ReportsLeaseExpiredDuringOutage(t *testing.T) {
	l := &RedisLock{ttl: 30 * time.Millisecond, log: logger.NewNop()}

	lost := watchUntilLost(t, l, func(context.Context) (bool, error) {
		return false, errors.New("connection refused")
	})

	assert.True(t, lost)
}

func TestWatch_KeepsLeaseWhileRenewed(t *testing.T) {
	l := &RedisLock{ttl: 30 * time.Millisecond, log: logger.NewNop()}

	var calls int32
	lost := watchUntilLost(t, l, func(context.Context) (bool, error) {
		atomic.AddInt32(&calls, 1)
		return true, nil
	})

	assert.False(t, lost)
	assert.Greater(t, atomic.LoadInt32(&calls), int32(3))
}

func TestWatch_StopEndsRenewal(t *testing.T) {
	l := &RedisLock{ttl: 30 * time.Millisecond, log: logger.NewNop()}

	stop := make(chan struct{})
	done := make(chan struct{})
	go func() {
		defer close(done)
		l.watch("orchestrator:lock:conv-1", func(context.Context) (bool, error) { return true, nil }, stop, func() {
			t.Error("lease reported lost after stop")
		})
	}()

	close(stop)
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("watch did not return after stop")
	}
}
