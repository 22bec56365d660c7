package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/ruralpay/creditcore/internal/models"
)

// DashboardCache stores computed dashboards by account id.
type DashboardCache interface {
	Get(ctx context.Context, accountID string) (*models.DashboardMetrics, bool, error)
	Set(ctx context.Context, metrics models.DashboardMetrics, ttl time.Duration) error
	Delete(ctx context.Context, accountID string) error
}

func dashboardKey(accountID string) string {
	return "dashboard:" + accountID
}

// RedisDashboardCache keeps JSON dashboards in redis with a TTL, shared by
// every instance of the service.
type RedisDashboardCache struct {
	client redis.UniversalClient
}

func NewRedisDashboardCache(client redis.UniversalClient) *RedisDashboardCache {
	return &RedisDashboardCache{client: client}
}

func (c *RedisDashboardCache) Get(ctx context.Context, accountID string) (*models.DashboardMetrics, bool, error) {
	raw, err := c.client.Get(ctx, dashboardKey(accountID)).Result()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("redis get %s: %w", dashboardKey(accountID), err)
	}
	var m models.DashboardMetrics
	if err := json.Unmarshal([]byte(raw), &m); err != nil {
		return nil, false, fmt.Errorf("decode cached dashboard: %w", err)
	}
	return &m, true, nil
}

func (c *RedisDashboardCache) Set(ctx context.Context, metrics models.DashboardMetrics, ttl time.Duration) error {
	payload, err := json.Marshal(metrics)
	if err != nil {
		return fmt.Errorf("failed to marshal dashboard: %w", err)
	}
	return c.client.Set(ctx, dashboardKey(metrics.AccountID), payload, ttl).Err()
}

func (c *RedisDashboardCache) Delete(ctx context.Context, accountID string) error {
	return c.client.Del(ctx, dashboardKey(accountID)).Err()
}

// MemoryDashboardCache is the single-process cache.
type MemoryDashboardCache struct {
	mu      sync.Mutex
	entries map[string]cachedDashboard
	now     func() time.Time
}

type cachedDashboard struct {
	metrics   models.DashboardMetrics
	expiresAt time.Time
}

func NewMemoryDashboardCache() *MemoryDashboardCache {
	return &MemoryDashboardCache{entries: make(map[string]cachedDashboard), now: time.Now}
}

func (c *MemoryDashboardCache) Get(_ context.Context, accountID string) (*models.DashboardMetrics, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[accountID]
	if !ok {
		return nil, false, nil
	}
	if !c.now().Before(e.expiresAt) {
		delete(c.entries, accountID)
		return nil, false, nil
	}
	m := e.metrics
	return &m, true, nil
}

func (c *MemoryDashboardCache) Set(_ context.Context, metrics models.DashboardMetrics, ttl time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[metrics.AccountID] = cachedDashboard{metrics: metrics, expiresAt: c.now().Add(ttl)}
	return nil
}

func (c *MemoryDashboardCache) Delete(_ context.Context, accountID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, accountID)
	return nil
}
