// Package health fornece os endpoints HTTP de health check e estatísticas.
// Verifica o pool de conexões (query de validação) e, quando configurado, o Redis.
package health

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/joao-brasil/poc-token-pooling/internal/coordinator"
	"github.com/joao-brasil/poc-token-pooling/internal/manager"
	"github.com/joao-brasil/poc-token-pooling/internal/metrics"
)

// Status representa o status de saúde de um componente.
type Status string

const (
	StatusHealthy   Status = "healthy"
	StatusUnhealthy Status = "unhealthy"
)

// ComponentHealth representa a saúde de um único componente.
type ComponentHealth struct {
	Name    string `json:"name"`
	Status  Status `json:"status"`
	Message string `json:"message,omitempty"`
	Latency string `json:"latency"`
}

// HealthReport é o relatório geral de saúde.
type HealthReport struct {
	Status     Status            `json:"status"`
	Timestamp  string            `json:"timestamp"`
	InstanceID string            `json:"instance_id"`
	Components []ComponentHealth `json:"components"`
}

// PoolReporter é a visão do manager usada pelos endpoints.
type PoolReporter interface {
	Report(ctx context.Context) manager.Report
}

// Coordinator é a visão do coordenador usada pelos endpoints.
type Coordinator interface {
	Ping(ctx context.Context) error
	IsFallback() bool
	ClusterStats(ctx context.Context) (map[string]coordinator.InstanceStats, error)
	LastRotations(ctx context.Context, n int) ([]coordinator.RotationRecord, error)
}

// Checker realiza health checks contra o pool e o Redis.
type Checker struct {
	instanceID  string
	port        int
	pool        PoolReporter
	coordinator Coordinator // nil quando o Redis não está habilitado
}

// NewChecker cria um novo health checker. coord pode ser nil.
func NewChecker(instanceID string, port int, pool PoolReporter, coord Coordinator) *Checker {
	return &Checker{
		instanceID:  instanceID,
		port:        port,
		pool:        pool,
		coordinator: coord,
	}
}

// Check realiza health checks em todos os componentes e retorna um relatório.
func (c *Checker) Check(ctx context.Context) *HealthReport {
	report := &HealthReport{
		Status:     StatusHealthy,
		Timestamp:  time.Now().UTC().Format(time.RFC3339),
		InstanceID: c.instanceID,
	}

	var (
		mu         sync.Mutex
		wg         sync.WaitGroup
		components []ComponentHealth
	)

	add := func(ch ComponentHealth) {
		mu.Lock()
		components = append(components, ch)
		mu.Unlock()
	}

	wg.Add(1)
	go func() {
		defer wg.Done()
		add(c.checkPool(ctx))
	}()

	if c.coordinator != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			add(c.checkRedis(ctx))
		}()
	}

	wg.Wait()

	report.Components = components

	// Se qualquer componente estiver unhealthy, marcar geral como unhealthy
	for _, comp := range components {
		if comp.Status == StatusUnhealthy {
			report.Status = StatusUnhealthy
			break
		}
	}

	return report
}

// checkPool executa a query de validação através do manager.
func (c *Checker) checkPool(ctx context.Context) ComponentHealth {
	start := time.Now()
	r := c.pool.Report(ctx)
	latency := time.Since(start)

	ch := ComponentHealth{
		Name:    "pool",
		Status:  StatusHealthy,
		Message: fmt.Sprintf("state=%s generation=%d active=%d idle=%d", r.State, r.Generation, r.Pool.Active, r.Pool.Idle),
		Latency: latency.String(),
	}
	if r.Health != string(manager.Healthy) {
		ch.Status = StatusUnhealthy
	}
	if r.LastRotation != nil && r.LastRotation.Error != "" {
		ch.Message += " last_rotation_error=" + r.LastRotation.Error
	}
	return ch
}

// checkRedis verifica a conectividade com o Redis. Em modo fallback o
// componente continua healthy: a rotação segue com leases locais.
func (c *Checker) checkRedis(ctx context.Context) ComponentHealth {
	start := time.Now()

	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	err := c.coordinator.Ping(ctx)
	latency := time.Since(start)

	switch {
	case c.coordinator.IsFallback():
		return ComponentHealth{
			Name:    "redis",
			Status:  StatusHealthy,
			Message: "fallback mode (local leases)",
			Latency: latency.String(),
		}
	case err != nil:
		return ComponentHealth{
			Name:    "redis",
			Status:  StatusUnhealthy,
			Message: fmt.Sprintf("PING failed: %v", err),
			Latency: latency.String(),
		}
	}

	return ComponentHealth{
		Name:    "redis",
		Status:  StatusHealthy,
		Message: "PONG",
		Latency: latency.String(),
	}
}

// Watch executa Check a cada interval até ctx terminar, atualizando o gauge
// por componente e logando apenas as mudanças de status.
func (c *Checker) Watch(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	last := make(map[string]Status)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		report := c.Check(ctx)
		for _, comp := range report.Components {
			v := 0.0
			if comp.Status == StatusHealthy {
				v = 1
			}
			metrics.ComponentHealthy.WithLabelValues(comp.Name).Set(v)

			if prev, ok := last[comp.Name]; ok && prev != comp.Status {
				log.Printf("[health] %s changed %s → %s: %s", comp.Name, prev, comp.Status, comp.Message)
			}
			last[comp.Name] = comp.Status
		}
	}
}

// StatsReport é a resposta de /stats.
type StatsReport struct {
	InstanceID string                               `json:"instance_id"`
	Timestamp  string                               `json:"timestamp"`
	Pool       manager.Report                       `json:"pool"`
	Cluster    map[string]coordinator.InstanceStats `json:"cluster,omitempty"`
	Rotations  []coordinator.RotationRecord         `json:"recent_rotations,omitempty"`
}

// Stats monta o relatório de estatísticas local e, se houver Redis, da frota.
func (c *Checker) Stats(ctx context.Context) *StatsReport {
	s := &StatsReport{
		InstanceID: c.instanceID,
		Timestamp:  time.Now().UTC().Format(time.RFC3339),
		Pool:       c.pool.Report(ctx),
	}
	if c.coordinator == nil {
		return s
	}

	if cluster, err := c.coordinator.ClusterStats(ctx); err != nil {
		log.Printf("[health] Failed to read cluster stats: %v", err)
	} else {
		s.Cluster = cluster
	}
	if recs, err := c.coordinator.LastRotations(ctx, 10); err != nil {
		log.Printf("[health] Failed to read rotation log: %v", err)
	} else {
		s.Rotations = recs
	}
	return s
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("[health] Failed to encode response: %v", err)
	}
}

// Handler retorna o mux com /health, /health/ready, /health/live e /stats.
func (c *Checker) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		report := c.Check(r.Context())
		status := http.StatusOK
		if report.Status == StatusUnhealthy {
			status = http.StatusServiceUnavailable
		}
		writeJSON(w, status, report)
	})

	// Pronto para tráfego = o pool responde à query de validação. O Redis
	// não entra aqui: sem ele a rotação continua em modo fallback.
	mux.HandleFunc("/health/ready", func(w http.ResponseWriter, r *http.Request) {
		ch := c.checkPool(r.Context())
		status := http.StatusOK
		if ch.Status == StatusUnhealthy {
			status = http.StatusServiceUnavailable
		}
		writeJSON(w, status, ch)
	})

	mux.HandleFunc("/health/live", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{
			"status": "alive",
			"time":   time.Now().UTC().Format(time.RFC3339),
		})
	})

	mux.HandleFunc("/stats", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, c.Stats(r.Context()))
	})

	return mux
}

// ServeHTTP inicia o servidor HTTP de health check.
func (c *Checker) ServeHTTP(ctx context.Context) *http.Server {
	addr := fmt.Sprintf(":%d", c.port)
	server := &http.Server{
		Addr:         addr,
		Handler:      c.Handler(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		BaseContext:  func(net.Listener) context.Context { return ctx },
	}

	go func() {
		log.Printf("[health] HTTP server listening on %s", addr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Printf("[health] HTTP server error: %v", err)
		}
	}()

	return server
}
