package coordinator

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/joao-brasil/poc-token-pooling/internal/config"
)

func testConfig(addr, instance string, fallback bool) *config.Config {
	cfg := &config.Config{}
	cfg.Cluster.Host = "abc.dsql.us-east-1.on.aws"
	cfg.Server.InstanceID = instance
	cfg.Redis.Addr = addr
	cfg.Redis.PoolSize = 2
	cfg.Redis.DialTimeout = 200 * time.Millisecond
	cfg.Redis.ReadTimeout = 200 * time.Millisecond
	cfg.Redis.WriteTimeout = 200 * time.Millisecond
	cfg.Redis.HeartbeatInterval = time.Hour
	cfg.Redis.HeartbeatTTL = 30 * time.Second
	cfg.Fallback.Enabled = fallback
	return cfg
}

func newTestCoordinator(t *testing.T, mr *miniredis.Miniredis, instance string) *RedisCoordinator {
	t.Helper()
	rc, err := NewRedisCoordinator(context.Background(), testConfig(mr.Addr(), instance, true))
	require.NoError(t, err)
	t.Cleanup(func() { rc.Close(context.Background()) })
	return rc
}

func closedAddr(t *testing.T) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	require.NoError(t, ln.Close())
	return addr
}

func TestLeaseIsExclusiveAcrossInstances(t *testing.T) {
	mr := miniredis.RunT(t)
	a := newTestCoordinator(t, mr, "a")
	b := newTestCoordinator(t, mr, "b")
	ctx := context.Background()

	la, err := a.TryLease(ctx, "rotation", time.Minute)
	require.NoError(t, err)
	require.NotNil(t, la)
	assert.False(t, la.Local())

	lb, err := b.TryLease(ctx, "rotation", time.Minute)
	require.NoError(t, err)
	assert.Nil(t, lb)

	require.NoError(t, la.Release(ctx))
	require.NoError(t, la.Release(ctx))

	lb, err = b.TryLease(ctx, "rotation", time.Minute)
	require.NoError(t, err)
	require.NotNil(t, lb)
}

func TestExpiredLeaseCannotBeReleasedByFormerOwner(t *testing.T) {
	mr := miniredis.RunT(t)
	a := newTestCoordinator(t, mr, "a")
	b := newTestCoordinator(t, mr, "b")
	ctx := context.Background()

	la, err := a.TryLease(ctx, "rotation", time.Second)
	require.NoError(t, err)
	require.NotNil(t, la)

	mr.FastForward(2 * time.Second)

	lb, err := b.TryLease(ctx, "rotation", time.Minute)
	require.NoError(t, err)
	require.NotNil(t, lb)

	require.NoError(t, la.Release(ctx))

	key := "tokenpool:abc.dsql.us-east-1.on.aws:lease:rotation"
	owner, err := mr.Get(key)
	require.NoError(t, err)
	assert.Equal(t, lb.Owner(), owner)
}

func TestReleaseReloadsFlushedScript(t *testing.T) {
	mr := miniredis.RunT(t)
	a := newTestCoordinator(t, mr, "a")
	ctx := context.Background()

	la, err := a.TryLease(ctx, "rotation", time.Minute)
	require.NoError(t, err)
	require.NoError(t, a.Client().ScriptFlush(ctx).Err())

	require.NoError(t, la.Release(ctx))
	assert.False(t, mr.Exists("tokenpool:abc.dsql.us-east-1.on.aws:lease:rotation"))
}

func TestRotationLog(t *testing.T) {
	mr := miniredis.RunT(t)
	a := newTestCoordinator(t, mr, "a")
	ctx := context.Background()

	for i := 1; i <= rotationLogSize+5; i++ {
		require.NoError(t, a.RecordRotation(ctx, RotationRecord{Generation: uint64(i), Status: "success", At: time.Now()}))
	}

	recs, err := a.LastRotations(ctx, 3)
	require.NoError(t, err)
	require.Len(t, recs, 3)
	assert.Equal(t, uint64(rotationLogSize+5), recs[0].Generation)
	assert.Equal(t, "a", recs[0].Instance)

	all, err := a.LastRotations(ctx, 1000)
	require.NoError(t, err)
	assert.Len(t, all, rotationLogSize)
}

func TestStartsInFallbackWhenRedisIsDown(t *testing.T) {
	rc, err := NewRedisCoordinator(context.Background(), testConfig(closedAddr(t), "a", true))
	require.NoError(t, err)
	defer rc.Close(context.Background())
	assert.True(t, rc.IsFallback())

	ctx := context.Background()
	l1, err := rc.TryLease(ctx, "rotation", time.Minute)
	require.NoError(t, err)
	require.NotNil(t, l1)
	assert.True(t, l1.Local())

	l2, err := rc.TryLease(ctx, "rotation", time.Minute)
	require.NoError(t, err)
	assert.Nil(t, l2)

	require.NoError(t, l1.Release(ctx))
	l3, err := rc.TryLease(ctx, "rotation", time.Minute)
	require.NoError(t, err)
	assert.NotNil(t, l3)

	instances, err := rc.ActiveInstances(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"a"}, instances)
}

func TestFailsWithoutFallback(t *testing.T) {
	_, err := NewRedisCoordinator(context.Background(), testConfig(closedAddr(t), "a", false))
	assert.Error(t, err)
}

func TestEntersFallbackWhenRedisDiesAndRecovers(t *testing.T) {
	mr := miniredis.RunT(t)
	a := newTestCoordinator(t, mr, "a")
	ctx := context.Background()

	mr.SetError("ERR redis unavailable")
	l, err := a.TryLease(ctx, "rotation", time.Minute)
	require.NoError(t, err)
	require.NotNil(t, l)
	assert.True(t, l.Local())
	assert.True(t, a.IsFallback())

	mr.SetError("")
	require.NoError(t, a.ExitFallback(ctx))
	assert.False(t, a.IsFallback())
}

func TestHeartbeatPublishesStatsAndCleansDeadInstances(t *testing.T) {
	mr := miniredis.RunT(t)
	a := newTestCoordinator(t, mr, "a")
	b := newTestCoordinator(t, mr, "b")
	ctx := context.Background()

	hbA := NewHeartbeat(a, func() InstanceStats {
		return InstanceStats{State: "active", Generation: 3, Total: 4, Active: 1, Idle: 3, Max: 10}
	})
	hbB := NewHeartbeat(b, func() InstanceStats { return InstanceStats{State: "active", Max: 10} })
	hbA.sendHeartbeat(ctx)
	hbB.sendHeartbeat(ctx)

	stats, err := a.ClusterStats(ctx)
	require.NoError(t, err)
	require.Contains(t, stats, "a")
	require.Contains(t, stats, "b")
	assert.Equal(t, uint64(3), stats["a"].Generation)
	assert.Equal(t, 3, stats["a"].Idle)

	mr.FastForward(time.Minute)
	hbA.sendHeartbeat(ctx)
	hbA.cleanupDeadInstances(ctx)

	instances, err := a.ActiveInstances(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"a"}, instances)
}

func TestCloseStopsRunningHeartbeat(t *testing.T) {
	mr := miniredis.RunT(t)
	rc := newTestCoordinator(t, mr, "a")

	hb := NewHeartbeat(rc, func() InstanceStats { return InstanceStats{State: "active"} })
	hb.Start(context.Background())
	require.Eventually(t, func() bool { return mr.Exists("tokenpool:instance:a:heartbeat") },
		time.Second, 5*time.Millisecond)

	closed := make(chan error, 1)
	go func() { closed <- rc.Close(context.Background()) }()
	select {
	case err := <-closed:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Close did not wait out the heartbeat loop")
	}
	assert.False(t, mr.Exists("tokenpool:instance:a:heartbeat"))
}
