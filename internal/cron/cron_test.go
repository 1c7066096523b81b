package cron

import (
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type countingRotator struct {
	n     atomic.Int32
	err   error
	block chan struct{}
}

func (c *countingRotator) Rotate() error {
	c.n.Add(1)
	if c.block != nil {
		<-c.block
	}
	return c.err
}

func TestValidate(t *testing.T) {
	for _, ok := range []string{"0 * * * *", "30 0 0 * * *", "@daily", "@every 15m"} {
		assert.NoError(t, Validate(ok), ok)
	}
	for _, bad := range []string{"", "   ", "every hour", "61 * * * *", "@every nope"} {
		assert.Error(t, Validate(bad), bad)
	}
}

func TestNewRejectsBadSchedule(t *testing.T) {
	_, err := New("* *", &countingRotator{}, nil, nil)
	require.Error(t, err)
}

func TestSchedulerFires(t *testing.T) {
	r := &countingRotator{}
	s, err := New("@every 1s", r, nil, time.UTC)
	require.NoError(t, err)
	s.Start()
	defer s.Stop()

	require.Eventually(t, func() bool { return r.n.Load() >= 1 }, 5*time.Second, 20*time.Millisecond)
	assert.GreaterOrEqual(t, s.Fired(), uint64(1))
}

func TestTickSkipsWhileRunning(t *testing.T) {
	r := &countingRotator{block: make(chan struct{})}
	s, err := New("@hourly", r, nil, nil)
	require.NoError(t, err)

	done := make(chan struct{})
	go func() {
		s.tick()
		close(done)
	}()
	require.Eventually(t, func() bool { return r.n.Load() == 1 }, time.Second, 5*time.Millisecond)

	s.tick()
	assert.Equal(t, uint64(1), s.Skipped())
	assert.Equal(t, int32(1), r.n.Load())

	close(r.block)
	<-done
	s.tick()
	assert.Equal(t, int32(2), r.n.Load())
}

func TestTickRotateError(t *testing.T) {
	r := &countingRotator{err: errors.New("rename failed")}
	s, err := New("@hourly", r, nil, nil)
	require.NoError(t, err)
	s.tick()
	s.tick()
	assert.Equal(t, uint64(2), s.Fired())
	assert.False(t, s.running.Load())
}
