// Package coordinator implementa coordenação entre instâncias via Redis
// para a rotação de credenciais de um mesmo cluster.
//
// Fornece:
//   - Lease de rotação (SET NX PX + liberação atômica via Lua) para que
//     apenas uma instância por vez troque seu pool, evitando reconnect storms
//   - Histórico das últimas rotações da frota
//   - Presença por instância (heartbeat) com estatísticas do pool publicadas
//   - Modo fallback quando o Redis está indisponível (leases locais)
package coordinator

import (
	"context"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/joao-brasil/poc-token-pooling/internal/config"
	"github.com/joao-brasil/poc-token-pooling/internal/metrics"
)

//go:embed lua/release.lua
var releaseLuaScript string

// ── Padrões de Chaves Redis ──────────────────────────────────────────────
const (
	keyLease        = "tokenpool:%s:lease:%s"           // lease por cluster e nome
	keyRotationLog  = "tokenpool:%s:rotations"          // lista: registros de rotação (mais recente primeiro)
	keyInstanceHB   = "tokenpool:instance:%s:heartbeat" // chave de heartbeat com TTL
	keyInstanceStat = "tokenpool:instance:%s:stats"     // hash: estatísticas do pool da instância
	keyInstanceList = "tokenpool:%s:instances"          // conjunto de IDs de instâncias ativas no cluster
)

// rotationLogSize limita o histórico mantido no Redis.
const rotationLogSize = 50

// RotationRecord descreve uma rotação executada por alguma instância.
type RotationRecord struct {
	Instance   string        `json:"instance"`
	Generation uint64        `json:"generation"`
	At         time.Time     `json:"at"`
	Duration   time.Duration `json:"duration"`
	Status     string        `json:"status"`
	Error      string        `json:"error,omitempty"`
}

// RedisCoordinator coordena a rotação entre instâncias via Redis.
type RedisCoordinator struct {
	client     redis.UniversalClient
	cfg        *config.Config
	instanceID string
	scope      string // host do cluster; isola chaves de clusters diferentes

	// Hash SHA do script Lua (carregado uma vez na inicialização).
	releaseSHA string

	// fallbackMode indica que o Redis está indisponível e os leases são locais.
	fallbackMode atomic.Bool

	// fallbackLeases rastreia leases concedidos localmente em modo fallback.
	fallbackMu     sync.Mutex
	fallbackLeases map[string]string

	// ciclo de vida
	stopCh    chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

// NewRedisCoordinator cria e inicializa o coordenador.
func NewRedisCoordinator(ctx context.Context, cfg *config.Config) (*RedisCoordinator, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         cfg.Redis.Addr,
		Password:     cfg.Redis.Password,
		DB:           cfg.Redis.DB,
		PoolSize:     cfg.Redis.PoolSize,
		DialTimeout:  cfg.Redis.DialTimeout,
		ReadTimeout:  cfg.Redis.ReadTimeout,
		WriteTimeout: cfg.Redis.WriteTimeout,
	})

	rc := &RedisCoordinator{
		client:         client,
		cfg:            cfg,
		instanceID:     cfg.Server.InstanceID,
		scope:          cfg.Cluster.Host,
		fallbackLeases: make(map[string]string),
		stopCh:         make(chan struct{}),
	}

	// Testar conectividade com o Redis.
	pingCtx, cancel := context.WithTimeout(ctx, cfg.Redis.DialTimeout)
	defer cancel()

	if err := client.Ping(pingCtx).Err(); err != nil {
		metrics.RedisOperations.WithLabelValues("ping", "error").Inc()
		if cfg.Fallback.Enabled {
			log.Printf("[coordinator] Redis unavailable (%v), starting in fallback mode", err)
			rc.enterFallback()
			return rc, nil
		}
		client.Close()
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}
	metrics.RedisOperations.WithLabelValues("ping", "ok").Inc()
	log.Printf("[coordinator] Redis connected: %s", cfg.Redis.Addr)

	if err := rc.loadScripts(ctx); err != nil {
		client.Close()
		return nil, fmt.Errorf("loading lua scripts: %w", err)
	}

	if err := rc.registerInstance(ctx); err != nil {
		client.Close()
		return nil, fmt.Errorf("registering instance: %w", err)
	}

	log.Printf("[coordinator] Initialized: instance=%s, cluster=%s", rc.instanceID, rc.scope)
	return rc, nil
}

// loadScripts carrega o script Lua no Redis e armazena em cache seu hash SHA.
func (rc *RedisCoordinator) loadScripts(ctx context.Context) error {
	sha, err := rc.client.ScriptLoad(ctx, releaseLuaScript).Result()
	if err != nil {
		return fmt.Errorf("loading release.lua: %w", err)
	}
	rc.releaseSHA = sha
	log.Printf("[coordinator] Lua scripts loaded (release=%s...)", rc.releaseSHA[:8])
	return nil
}

// registerInstance adiciona esta instância ao conjunto de instâncias ativas.
func (rc *RedisCoordinator) registerInstance(ctx context.Context) error {
	return rc.client.SAdd(ctx, rc.instancesKey(), rc.instanceID).Err()
}

func (rc *RedisCoordinator) instancesKey() string {
	return fmt.Sprintf(keyInstanceList, rc.scope)
}

// ── Leases ──────────────────────────────────────────────────────────────

// Lease é a posse temporária de um nome no cluster.
type Lease struct {
	rc    *RedisCoordinator
	key   string
	owner string
	local bool
	once  sync.Once
}

// Owner retorna o token de posse do lease.
func (l *Lease) Owner() string {
	return l.owner
}

// Local indica que o lease foi concedido em modo fallback.
func (l *Lease) Local() bool {
	return l.local
}

// TryLease tenta obter o lease name por ttl. Retorna (nil, nil) se outra
// instância já o detém.
func (rc *RedisCoordinator) TryLease(ctx context.Context, name string, ttl time.Duration) (*Lease, error) {
	key := fmt.Sprintf(keyLease, rc.scope, name)
	owner := rc.instanceID + ":" + uuid.NewString()

	if rc.fallbackMode.Load() {
		return rc.leaseFallback(key, owner), nil
	}

	ok, err := rc.client.SetNX(ctx, key, owner, ttl).Result()
	if err != nil {
		metrics.RedisOperations.WithLabelValues("lease", "error").Inc()
		// Se o Redis falhar, tentar fallback.
		if rc.cfg.Fallback.Enabled {
			log.Printf("[coordinator] Redis lease failed (%v), falling back to local", err)
			rc.enterFallback()
			return rc.leaseFallback(key, owner), nil
		}
		return nil, fmt.Errorf("redis lease %s: %w", name, err)
	}
	metrics.RedisOperations.WithLabelValues("lease", "ok").Inc()

	if !ok {
		return nil, nil
	}
	return &Lease{rc: rc, key: key, owner: owner}, nil
}

// Release libera o lease se ele ainda pertence a este dono. Chamadas
// repetidas são ignoradas.
func (l *Lease) Release(ctx context.Context) error {
	var err error
	l.once.Do(func() {
		if l.local {
			l.rc.releaseFallback(l.key, l.owner)
			return
		}
		err = l.rc.releaseRemote(ctx, l.key, l.owner)
	})
	return err
}

func (rc *RedisCoordinator) releaseRemote(ctx context.Context, key, owner string) error {
	_, err := rc.client.EvalSha(ctx, rc.releaseSHA, []string{key}, owner).Int64()
	if err != nil && redis.HasErrorPrefix(err, "NOSCRIPT") {
		// Script removido por flush; recarregar e tentar novamente.
		if lerr := rc.loadScripts(ctx); lerr == nil {
			_, err = rc.client.EvalSha(ctx, rc.releaseSHA, []string{key}, owner).Int64()
		}
	}
	if err != nil {
		metrics.RedisOperations.WithLabelValues("release", "error").Inc()
		// O lease expira sozinho pelo TTL.
		return fmt.Errorf("redis release: %w", err)
	}
	metrics.RedisOperations.WithLabelValues("release", "ok").Inc()
	return nil
}

// ── Histórico de Rotações ───────────────────────────────────────────────

// RecordRotation adiciona um registro ao histórico do cluster.
func (rc *RedisCoordinator) RecordRotation(ctx context.Context, rec RotationRecord) error {
	if rec.Instance == "" {
		rec.Instance = rc.instanceID
	}
	if rc.fallbackMode.Load() {
		return nil
	}

	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encoding rotation record: %w", err)
	}

	key := fmt.Sprintf(keyRotationLog, rc.scope)
	pipe := rc.client.Pipeline()
	pipe.LPush(ctx, key, data)
	pipe.LTrim(ctx, key, 0, rotationLogSize-1)
	if _, err := pipe.Exec(ctx); err != nil {
		metrics.RedisOperations.WithLabelValues("record_rotation", "error").Inc()
		return fmt.Errorf("recording rotation: %w", err)
	}
	metrics.RedisOperations.WithLabelValues("record_rotation", "ok").Inc()
	return nil
}

// LastRotations retorna até n registros, do mais recente ao mais antigo.
func (rc *RedisCoordinator) LastRotations(ctx context.Context, n int) ([]RotationRecord, error) {
	if rc.fallbackMode.Load() || n <= 0 {
		return nil, nil
	}

	key := fmt.Sprintf(keyRotationLog, rc.scope)
	raw, err := rc.client.LRange(ctx, key, 0, int64(n-1)).Result()
	if err != nil {
		return nil, fmt.Errorf("reading rotation log: %w", err)
	}

	records := make([]RotationRecord, 0, len(raw))
	for _, item := range raw {
		var rec RotationRecord
		if err := json.Unmarshal([]byte(item), &rec); err != nil {
			log.Printf("[coordinator] Skipping malformed rotation record: %v", err)
			continue
		}
		records = append(records, rec)
	}
	return records, nil
}

// ── Modo Fallback ───────────────────────────────────────────────────────

func (rc *RedisCoordinator) enterFallback() {
	if rc.fallbackMode.CompareAndSwap(false, true) {
		log.Printf("[coordinator] Entering fallback mode (local leases)")
		metrics.CoordinatorFallback.Set(1)
	}
}

// ExitFallback tenta reconectar ao Redis e sair do modo fallback.
func (rc *RedisCoordinator) ExitFallback(ctx context.Context) error {
	if err := rc.client.Ping(ctx).Err(); err != nil {
		return err
	}

	// Recarregar scripts (podem ter sido removidos por flush).
	if err := rc.loadScripts(ctx); err != nil {
		return err
	}
	if err := rc.registerInstance(ctx); err != nil {
		return err
	}

	rc.fallbackMode.Store(false)
	metrics.CoordinatorFallback.Set(0)
	log.Printf("[coordinator] Exited fallback mode, Redis reconnected")
	return nil
}

// IsFallback retorna true se o coordenador estiver em modo fallback.
func (rc *RedisCoordinator) IsFallback() bool {
	return rc.fallbackMode.Load()
}

func (rc *RedisCoordinator) leaseFallback(key, owner string) *Lease {
	rc.fallbackMu.Lock()
	defer rc.fallbackMu.Unlock()

	if _, held := rc.fallbackLeases[key]; held {
		return nil
	}
	rc.fallbackLeases[key] = owner
	return &Lease{rc: rc, key: key, owner: owner, local: true}
}

func (rc *RedisCoordinator) releaseFallback(key, owner string) {
	rc.fallbackMu.Lock()
	defer rc.fallbackMu.Unlock()

	if rc.fallbackLeases[key] == owner {
		delete(rc.fallbackLeases, key)
	}
}

// ── Consultas ───────────────────────────────────────────────────────────

// Ping verifica a conectividade com o Redis.
func (rc *RedisCoordinator) Ping(ctx context.Context) error {
	return rc.client.Ping(ctx).Err()
}

// ActiveInstances retorna o conjunto de IDs de instâncias registradas no cluster.
func (rc *RedisCoordinator) ActiveInstances(ctx context.Context) ([]string, error) {
	if rc.fallbackMode.Load() {
		return []string{rc.instanceID}, nil
	}
	return rc.client.SMembers(ctx, rc.instancesKey()).Result()
}

// ── Ciclo de Vida ───────────────────────────────────────────────────────

// Close encerra o coordenador, desregistra a instância e fecha a conexão Redis.
func (rc *RedisCoordinator) Close(ctx context.Context) error {
	var err error
	rc.closeOnce.Do(func() {
		close(rc.stopCh)
		rc.wg.Wait()

		if !rc.fallbackMode.Load() {
			pipe := rc.client.Pipeline()
			pipe.SRem(ctx, rc.instancesKey(), rc.instanceID)
			pipe.Del(ctx, fmt.Sprintf(keyInstanceHB, rc.instanceID), fmt.Sprintf(keyInstanceStat, rc.instanceID))
			if _, perr := pipe.Exec(ctx); perr != nil && !errors.Is(perr, redis.Nil) {
				log.Printf("[coordinator] Failed to unregister instance %s: %v", rc.instanceID, perr)
			}
		}

		log.Printf("[coordinator] Instance %s unregistered", rc.instanceID)
		err = rc.client.Close()
	})
	return err
}

// Client retorna o cliente Redis subjacente.
func (rc *RedisCoordinator) Client() redis.UniversalClient {
	return rc.client
}

// InstanceID retorna o ID de instância deste coordenador.
func (rc *RedisCoordinator) InstanceID() string {
	return rc.instanceID
}
