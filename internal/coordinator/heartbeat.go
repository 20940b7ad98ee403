package coordinator

import (
	"context"
	"fmt"
	"log"
	"strconv"
	"sync"
	"time"

	"github.com/joao-brasil/poc-token-pooling/internal/metrics"
)

// InstanceStats is the pool snapshot each instance publishes with its heartbeat.
type InstanceStats struct {
	State      string `json:"state"`
	Generation uint64 `json:"generation"`
	Total      int    `json:"total"`
	Active     int    `json:"active"`
	Idle       int    `json:"idle"`
	Waiting    int    `json:"waiting"`
	Max        int    `json:"max"`
	UpdatedAt  int64  `json:"updated_at"`
}

// StatsFunc reports this instance's current pool snapshot.
type StatsFunc func() InstanceStats

// Heartbeat periodically refreshes this instance's presence and pool stats in
// Redis and removes instances whose heartbeat expired.
type Heartbeat struct {
	coordinator *RedisCoordinator
	stats       StatsFunc
	interval    time.Duration
	ttl         time.Duration
	stopCh      chan struct{}
	stopOnce    sync.Once
}

// NewHeartbeat creates a heartbeat worker for the given coordinator.
func NewHeartbeat(rc *RedisCoordinator, stats StatsFunc) *Heartbeat {
	interval := rc.cfg.Redis.HeartbeatInterval
	if interval == 0 {
		interval = 10 * time.Second
	}
	ttl := rc.cfg.Redis.HeartbeatTTL
	if ttl == 0 {
		ttl = 30 * time.Second
	}

	return &Heartbeat{
		coordinator: rc,
		stats:       stats,
		interval:    interval,
		ttl:         ttl,
		stopCh:      make(chan struct{}),
	}
}

// Start begins the heartbeat loop in a background goroutine.
func (hb *Heartbeat) Start(ctx context.Context) {
	hb.coordinator.wg.Add(1)
	go hb.loop(ctx)
	log.Printf("[heartbeat] Started: interval=%s, ttl=%s, instance=%s",
		hb.interval, hb.ttl, hb.coordinator.instanceID)
}

// Stop signals the heartbeat loop to stop.
func (hb *Heartbeat) Stop() {
	hb.stopOnce.Do(func() { close(hb.stopCh) })
}

// loop runs the periodic heartbeat and dead-instance cleanup.
func (hb *Heartbeat) loop(ctx context.Context) {
	defer hb.coordinator.wg.Done()

	// Send initial heartbeat immediately.
	hb.sendHeartbeat(ctx)

	ticker := time.NewTicker(hb.interval)
	defer ticker.Stop()

	// Run cleanup less frequently (every 3 intervals).
	cleanupCounter := 0

	for {
		select {
		case <-hb.stopCh:
			return
		case <-hb.coordinator.stopCh:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			if hb.coordinator.IsFallback() {
				// Try to reconnect to Redis.
				if err := hb.coordinator.ExitFallback(ctx); err != nil {
					continue
				}
			}

			hb.sendHeartbeat(ctx)

			cleanupCounter++
			if cleanupCounter%3 == 0 {
				hb.cleanupDeadInstances(ctx)
			}
		}
	}
}

// sendHeartbeat refreshes the heartbeat key and the published stats, both with a TTL.
func (hb *Heartbeat) sendHeartbeat(ctx context.Context) {
	rc := hb.coordinator
	if rc.IsFallback() {
		metrics.InstanceHeartbeat.WithLabelValues(rc.instanceID).Set(0)
		return
	}

	var s InstanceStats
	if hb.stats != nil {
		s = hb.stats()
	}
	s.UpdatedAt = time.Now().Unix()

	hbKey := fmt.Sprintf(keyInstanceHB, rc.instanceID)
	statKey := fmt.Sprintf(keyInstanceStat, rc.instanceID)

	pipe := rc.client.Pipeline()
	pipe.Set(ctx, hbKey, s.UpdatedAt, hb.ttl)
	pipe.HSet(ctx, statKey, map[string]interface{}{
		"state":      s.State,
		"generation": s.Generation,
		"total":      s.Total,
		"active":     s.Active,
		"idle":       s.Idle,
		"waiting":    s.Waiting,
		"max":        s.Max,
		"updated_at": s.UpdatedAt,
	})
	pipe.Expire(ctx, statKey, hb.ttl)
	pipe.SAdd(ctx, rc.instancesKey(), rc.instanceID)

	if _, err := pipe.Exec(ctx); err != nil {
		log.Printf("[heartbeat] Failed to send heartbeat: %v", err)
		metrics.RedisOperations.WithLabelValues("heartbeat", "error").Inc()
		metrics.InstanceHeartbeat.WithLabelValues(rc.instanceID).Set(0)
		return
	}

	metrics.InstanceHeartbeat.WithLabelValues(rc.instanceID).Set(1)
	metrics.RedisOperations.WithLabelValues("heartbeat", "ok").Inc()
}

// cleanupDeadInstances removes registered instances whose heartbeat has expired.
func (hb *Heartbeat) cleanupDeadInstances(ctx context.Context) {
	rc := hb.coordinator
	if rc.IsFallback() {
		return
	}

	instances, err := rc.client.SMembers(ctx, rc.instancesKey()).Result()
	if err != nil {
		log.Printf("[heartbeat] Failed to list instances: %v", err)
		return
	}

	for _, instID := range instances {
		if instID == rc.instanceID {
			continue // skip ourselves
		}

		exists, err := rc.client.Exists(ctx, fmt.Sprintf(keyInstanceHB, instID)).Result()
		if err != nil || exists > 0 {
			continue
		}

		log.Printf("[heartbeat] Instance %s appears dead (no heartbeat), cleaning up", instID)
		pipe := rc.client.Pipeline()
		pipe.Del(ctx, fmt.Sprintf(keyInstanceStat, instID))
		pipe.SRem(ctx, rc.instancesKey(), instID)
		if _, err := pipe.Exec(ctx); err != nil {
			log.Printf("[heartbeat] Failed to cleanup dead instance %s: %v", instID, err)
		}
	}
}

// ClusterStats returns the last published stats of every live instance.
func (rc *RedisCoordinator) ClusterStats(ctx context.Context) (map[string]InstanceStats, error) {
	instances, err := rc.ActiveInstances(ctx)
	if err != nil {
		return nil, err
	}
	if rc.IsFallback() {
		return map[string]InstanceStats{}, nil
	}

	out := make(map[string]InstanceStats, len(instances))
	for _, instID := range instances {
		fields, err := rc.client.HGetAll(ctx, fmt.Sprintf(keyInstanceStat, instID)).Result()
		if err != nil {
			return nil, fmt.Errorf("reading stats for %s: %w", instID, err)
		}
		if len(fields) == 0 {
			continue
		}
		out[instID] = parseInstanceStats(fields)
	}
	return out, nil
}

func parseInstanceStats(fields map[string]string) InstanceStats {
	atoi := func(k string) int {
		n, _ := strconv.Atoi(fields[k])
		return n
	}
	gen, _ := strconv.ParseUint(fields["generation"], 10, 64)
	updated, _ := strconv.ParseInt(fields["updated_at"], 10, 64)
	return InstanceStats{
		State:      fields["state"],
		Generation: gen,
		Total:      atoi("total"),
		Active:     atoi("active"),
		Idle:       atoi("idle"),
		Waiting:    atoi("waiting"),
		Max:        atoi("max"),
		UpdatedAt:  updated,
	}
}
