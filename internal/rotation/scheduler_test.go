package rotation

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type countingRotator struct {
	calls atomic.Int32
	fail  atomic.Bool
}

func (r *countingRotator) Rotate(ctx context.Context) error {
	r.calls.Add(1)
	if r.fail.Load() {
		return errors.New("signing failed")
	}
	return nil
}

type fakeLease struct {
	released atomic.Bool
}

func (l *fakeLease) Release(context.Context) error {
	l.released.Store(true)
	return nil
}

func TestSchedulerRotatesPeriodically(t *testing.T) {
	r := &countingRotator{}
	s := New(Config{Period: 10 * time.Millisecond, Jitter: 5 * time.Millisecond}, r)
	s.Start()
	s.Start()

	require.Eventually(t, func() bool { return r.calls.Load() >= 3 }, 2*time.Second, 5*time.Millisecond)

	s.Stop()
	after := r.calls.Load()
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, after, r.calls.Load(), "no rotation after Stop returns")
}

func TestSchedulerKeepsRunningAfterFailure(t *testing.T) {
	r := &countingRotator{}
	r.fail.Store(true)
	s := New(Config{Period: 10 * time.Millisecond}, r)
	s.Start()
	defer s.Stop()

	require.Eventually(t, func() bool { return r.calls.Load() >= 3 }, 2*time.Second, 5*time.Millisecond)
}

func TestStopIsIdempotentAndSafeWithoutStart(t *testing.T) {
	s := New(Config{Period: time.Hour}, &countingRotator{})
	s.Stop()
	s.Stop()

	s.Start()
	s.Stop()
}

func TestStopCancelsInFlightRotation(t *testing.T) {
	started := make(chan struct{})
	var once sync.Once
	var cancelled atomic.Bool
	r := RotatorFunc(func(ctx context.Context) error {
		once.Do(func() { close(started) })
		<-ctx.Done()
		cancelled.Store(true)
		return ctx.Err()
	})

	s := New(Config{Period: time.Millisecond}, r)
	s.Start()
	<-started
	s.Stop()
	assert.True(t, cancelled.Load())
}

func TestLeaseIsTakenAndReleased(t *testing.T) {
	lease := &fakeLease{}
	r := &countingRotator{}
	s := New(Config{
		Period: time.Hour,
		Lease:  func(context.Context) (Lease, error) { return lease, nil },
	}, r)

	s.runOnce(context.Background())
	assert.Equal(t, int32(1), r.calls.Load())
	assert.True(t, lease.released.Load())
}

func TestLeaseHeldByPeerIsAwaitedThenBypassed(t *testing.T) {
	var attempts atomic.Int32
	r := &countingRotator{}
	s := New(Config{
		Period:    time.Hour,
		LeaseWait: 30 * time.Millisecond,
		LeasePoll: 5 * time.Millisecond,
		Lease: func(context.Context) (Lease, error) {
			attempts.Add(1)
			return nil, nil
		},
	}, r)

	start := time.Now()
	s.runOnce(context.Background())
	assert.GreaterOrEqual(t, time.Since(start), 30*time.Millisecond)
	assert.Greater(t, attempts.Load(), int32(1))
	assert.Equal(t, int32(1), r.calls.Load(), "rotation happens even when the peer never lets go")
}

func TestLeaseGrantedAfterPeerReleases(t *testing.T) {
	var attempts atomic.Int32
	lease := &fakeLease{}
	r := &countingRotator{}
	s := New(Config{
		Period:    time.Hour,
		LeaseWait: time.Second,
		LeasePoll: time.Millisecond,
		Lease: func(context.Context) (Lease, error) {
			if attempts.Add(1) < 3 {
				return nil, nil
			}
			return lease, nil
		},
	}, r)

	s.runOnce(context.Background())
	assert.Equal(t, int32(3), attempts.Load())
	assert.True(t, lease.released.Load())
	assert.Equal(t, int32(1), r.calls.Load())
}

func TestLeaseErrorDoesNotBlockRotation(t *testing.T) {
	r := &countingRotator{}
	s := New(Config{
		Period: time.Hour,
		Lease:  func(context.Context) (Lease, error) { return nil, errors.New("redis down") },
	}, r)

	s.runOnce(context.Background())
	assert.Equal(t, int32(1), r.calls.Load())
}

func TestDefaultPeriod(t *testing.T) {
	assert.Equal(t, 10*time.Minute, DefaultPeriod(15*time.Minute))
}
