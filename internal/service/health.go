package service

import (
	"context"
	"database/sql"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// ComponentStatus is one dependency's health as reported by
// GET /v1/health (§6.3).
type ComponentStatus struct {
	Name    string `json:"name"`
	Healthy bool   `json:"healthy"`
	Detail  string `json:"detail,omitempty"`
}

// HealthReport is the full §6.3 health payload.
type HealthReport struct {
	Healthy    bool              `json:"healthy"`
	Components []ComponentStatus `json:"components"`
}

// HealthChecker pings the Event Store, Stream Log, and connection pool
// on demand; it holds no cached state of its own so every call reports
// the current condition.
type HealthChecker struct {
	db    *sql.DB
	redis *redis.Client
}

// NewHealthChecker wires the checker to the store and stream log's
// underlying clients.
func NewHealthChecker(db *sql.DB, redisClient *redis.Client) *HealthChecker {
	return &HealthChecker{db: db, redis: redisClient}
}

// Check pings each dependency with a bounded timeout and reports the
// aggregate result.
func (h *HealthChecker) Check(ctx context.Context) HealthReport {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	store := h.checkStore(ctx)
	stream := h.checkStream(ctx)
	pool := h.checkPool()

	components := []ComponentStatus{store, stream, pool}
	healthy := store.Healthy && stream.Healthy && pool.Healthy
	return HealthReport{Healthy: healthy, Components: components}
}

func (h *HealthChecker) checkStore(ctx context.Context) ComponentStatus {
	if err := h.db.PingContext(ctx); err != nil {
		return ComponentStatus{Name: "event_store", Healthy: false, Detail: err.Error()}
	}
	return ComponentStatus{Name: "event_store", Healthy: true}
}

func (h *HealthChecker) checkStream(ctx context.Context) ComponentStatus {
	if err := h.redis.Ping(ctx).Err(); err != nil {
		return ComponentStatus{Name: "stream_log", Healthy: false, Detail: err.Error()}
	}
	return ComponentStatus{Name: "stream_log", Healthy: true}
}

func (h *HealthChecker) checkPool() ComponentStatus {
	stats := h.db.Stats()
	if stats.OpenConnections == 0 {
		return ComponentStatus{Name: "connection_pool", Healthy: true, Detail: "no connections opened yet"}
	}
	return ComponentStatus{
		Name:    "connection_pool",
		Healthy: true,
		Detail:  "in_use=" + strconv.Itoa(stats.InUse) + " idle=" + strconv.Itoa(stats.Idle),
	}
}
