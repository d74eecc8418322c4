// Package tenant maps gateways to the tenant that owns them and caches each
// tenant's location mode.
package tenant

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"taglocator/gateway-server/internal/metrics"
	"taglocator/gateway-server/internal/model"
)

// GatewayDirectory is the part of the store the resolver scans.
type GatewayDirectory interface {
	ListTenants(ctx context.Context) ([]string, error)
	GatewayExists(ctx context.Context, companyID, gwID string) (bool, error)
}

// Resolver resolves gateway ids to tenant ids. Results, including the
// unregistered sentinel, are cached for the life of the process.
type Resolver struct {
	dir     GatewayDirectory
	logger  *slog.Logger
	metrics *metrics.Metrics

	mu    sync.RWMutex
	cache map[string]string
}

// NewResolver constructs a resolver backed by dir.
func NewResolver(dir GatewayDirectory, logger *slog.Logger, m *metrics.Metrics) *Resolver {
	return &Resolver{dir: dir, logger: logger, metrics: m, cache: make(map[string]string)}
}

// Resolve returns the tenant owning gwID, or model.UnregisteredTenant when no
// tenant claims it.
func (r *Resolver) Resolve(ctx context.Context, gwID string) (string, error) {
	if id, ok := r.Cached(gwID); ok {
		r.metrics.TenantCacheLookups.WithLabelValues("hit").Inc()
		return id, nil
	}
	r.metrics.TenantCacheLookups.WithLabelValues("miss").Inc()

	tenants, err := r.dir.ListTenants(ctx)
	if err != nil {
		return "", fmt.Errorf("resolve tenant: %w", err)
	}

	owner := model.UnregisteredTenant
	for _, t := range tenants {
		found, err := r.dir.GatewayExists(ctx, t, gwID)
		if err != nil {
			return "", fmt.Errorf("resolve tenant %s: %w", t, err)
		}
		if found {
			owner = t
			break
		}
	}

	r.mu.Lock()
	r.cache[gwID] = owner
	r.mu.Unlock()

	r.logger.Debug("tenant resolved", "gw", gwID, "tenant", owner, "scanned", len(tenants))
	return owner, nil
}

// Cached returns the cached tenant for gwID without touching the store.
func (r *Resolver) Cached(gwID string) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	id, ok := r.cache[gwID]
	return id, ok
}
