// Package bootstrap builds the pool stack from a loaded configuration. It is
// shared by the service and the load generator.
package bootstrap

import (
	"context"
	"fmt"
	"log"
	"time"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"

	"github.com/joao-brasil/poc-token-pooling/internal/config"
	"github.com/joao-brasil/poc-token-pooling/internal/coordinator"
	"github.com/joao-brasil/poc-token-pooling/internal/driver/postgres"
	"github.com/joao-brasil/poc-token-pooling/internal/driver/sqlserver"
	"github.com/joao-brasil/poc-token-pooling/internal/manager"
	"github.com/joao-brasil/poc-token-pooling/internal/pool"
	"github.com/joao-brasil/poc-token-pooling/internal/rotation"
	"github.com/joao-brasil/poc-token-pooling/internal/source"
	"github.com/joao-brasil/poc-token-pooling/internal/token"
)

const rotationLeaseName = "rotation"

// NewSigner loads the AWS credential chain for the cluster region (and the
// named shared-config profile, if any) and returns a token signer over it.
func NewSigner(ctx context.Context, cfg *config.Config) (*token.Signer, error) {
	opts := []func(*awsconfig.LoadOptions) error{awsconfig.WithRegion(cfg.Cluster.Region)}
	if cfg.Cluster.Profile != "" {
		opts = append(opts, awsconfig.WithSharedConfigProfile(cfg.Cluster.Profile))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("loading AWS credentials: %w", err)
	}
	return token.NewSigner(awsCfg.Credentials), nil
}

// NewSource builds the per-connection token source for cfg.
func NewSource(ctx context.Context, cfg *config.Config) (*source.Source, error) {
	signer, err := NewSigner(ctx, cfg)
	if err != nil {
		return nil, err
	}
	connector, err := NewConnector(cfg)
	if err != nil {
		return nil, fmt.Errorf("creating %s connector: %w", cfg.Driver, err)
	}
	return source.New(SourceConfig(cfg), signer, connector), nil
}

// SourceConfig maps the file configuration onto the token source.
func SourceConfig(cfg *config.Config) source.Config {
	return source.Config{
		Endpoint:            cfg.Cluster,
		Principal:           token.PrincipalFor(cfg.Cluster.User),
		TokenTTL:            cfg.TokenTTL(),
		IssueTimeout:        cfg.Token.IssueTimeout,
		IssueRetries:        cfg.Token.IssueRetries,
		MaxBackoff:          cfg.Token.MaxBackoff,
		SchemaInitStatement: cfg.Pool.SchemaInitStatement,
	}
}

// ManagerConfig maps the file configuration onto the manager. lease may be nil.
func ManagerConfig(cfg *config.Config, lease rotation.LeaseFunc) manager.Config {
	return manager.Config{
		Pool: pool.Config{
			Name:                   cfg.Cluster.Host,
			MaxSize:                cfg.Pool.MaxSize,
			MinIdle:                cfg.Pool.MinIdle,
			ConnectionTimeout:      cfg.Pool.ConnectionTimeout,
			IdleTimeout:            cfg.Pool.IdleTimeout,
			MaxLifetime:            cfg.Pool.MaxLifetime,
			LeakDetectionThreshold: cfg.Pool.LeakDetectionThreshold,
			ValidationQuery:        cfg.Pool.ValidationQuery,
			ValidationTimeout:      cfg.Pool.ValidationTimeout,
			MaintenanceInterval:    cfg.Pool.MaintenanceInterval,
		},
		TokenTTL: cfg.TokenTTL(),
		Strategy: manager.Strategy(cfg.Rotation.Strategy),
		Rotation: rotation.Config{
			Period:    cfg.RotationPeriod(),
			Jitter:    cfg.Rotation.Jitter,
			Lease:     lease,
			LeaseWait: cfg.Rotation.LeaseWait,
		},
		DrainTimeout: cfg.Rotation.DrainTimeout,
	}
}

// NewConnector picks the wire driver named in the configuration.
func NewConnector(cfg *config.Config) (source.Connector, error) {
	switch cfg.Driver {
	case config.DriverPostgres:
		return postgres.New(cfg.Cluster)
	case config.DriverSQLServer:
		return sqlserver.New(cfg.Cluster), nil
	default:
		return nil, fmt.Errorf("unsupported driver %q", cfg.Driver)
	}
}

// LeaseFunc serializes scheduled rotations across the fleet through Redis.
func LeaseFunc(rc *coordinator.RedisCoordinator, ttl time.Duration) rotation.LeaseFunc {
	return func(ctx context.Context) (rotation.Lease, error) {
		l, err := rc.TryLease(ctx, rotationLeaseName, ttl)
		if err != nil || l == nil {
			// A typed nil *Lease must not leak into the interface.
			return nil, err
		}
		return l, nil
	}
}

// RotationHook appends every rotation attempt to the shared rotation log.
func RotationHook(rc *coordinator.RedisCoordinator) func(context.Context, manager.RotationResult) {
	return func(ctx context.Context, res manager.RotationResult) {
		rec := coordinator.RotationRecord{
			Instance:   rc.InstanceID(),
			Generation: res.Generation,
			At:         res.StartedAt,
			Duration:   res.Duration,
			Status:     "success",
		}
		if res.Err != nil {
			rec.Status = "failure"
			rec.Error = res.Err.Error()
		}

		ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		if err := rc.RecordRotation(ctx, rec); err != nil {
			log.Printf("[bootstrap] Failed to record rotation: %v", err)
		}
	}
}

// StatsFunc snapshots the manager for the heartbeat.
func StatsFunc(m *manager.Manager) coordinator.StatsFunc {
	return func() coordinator.InstanceStats {
		s := m.Stats()
		return coordinator.InstanceStats{
			State:      m.State().String(),
			Generation: m.Generation(),
			Total:      s.Total,
			Active:     s.Active,
			Idle:       s.Idle,
			Waiting:    s.Waiting,
			Max:        s.Max,
		}
	}
}
