// Package coordination tracks live relay instances in Redis.
//
// Each instance heartbeats into a shared hash so operators can see the fleet
// and how many documents each instance hosts. Routing never consults this
// registry: one document key always stays on one instance.
package coordination

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/redis/go-redis/v9"
)

const (
	instancesKey = "relay:instances"
	staleAfter   = 60 * time.Second
)

// InstanceInfo is the heartbeat payload one relay instance publishes.
type InstanceInfo struct {
	InstanceID string `json:"instance_id"`
	Timestamp  int64  `json:"timestamp"`
	Version    string `json:"version"`
	Documents  int    `json:"documents"`
}

// FleetRegistry heartbeats this instance into Redis and lists active peers.
// Instances without a heartbeat for more than 60s are considered gone.
type FleetRegistry struct {
	redis      *redis.Client
	clock      clockwork.Clock
	instanceID string
	heartbeat  time.Duration
	version    string
	documents  func() int
}

// NewFleetRegistry creates a registry for one instance.
// documents reports how many coordinators this instance currently hosts.
func NewFleetRegistry(rdb *redis.Client, clock clockwork.Clock, instanceID string, heartbeat time.Duration, version string, documents func() int) *FleetRegistry {
	return &FleetRegistry{
		redis:      rdb,
		clock:      clock,
		instanceID: instanceID,
		heartbeat:  heartbeat,
		version:    version,
		documents:  documents,
	}
}

// Start registers immediately, then heartbeats until ctx is cancelled, at
// which point the instance unregisters and Start returns.
func (r *FleetRegistry) Start(ctx context.Context) {
	r.register(ctx)

	ticker := r.clock.NewTicker(r.heartbeat)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.Chan():
			r.register(ctx)
		case <-ctx.Done():
			r.unregister()
			return
		}
	}
}

func (r *FleetRegistry) register(ctx context.Context) {
	info := InstanceInfo{
		InstanceID: r.instanceID,
		Timestamp:  r.clock.Now().Unix(),
		Version:    r.version,
		Documents:  r.documents(),
	}

	data, err := json.Marshal(info)
	if err != nil {
		return
	}

	if err := r.redis.HSet(ctx, instancesKey, r.instanceID, data).Err(); err != nil {
		slog.Warn("Fleet heartbeat failed", "instance_id", r.instanceID, "error", err)
	}
}

func (r *FleetRegistry) unregister() {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := r.redis.HDel(ctx, instancesKey, r.instanceID).Err(); err != nil {
		slog.Warn("Fleet unregister failed", "instance_id", r.instanceID, "error", err)
	}
}

// ActiveInstances returns every instance with a heartbeat in the last 60s.
func (r *FleetRegistry) ActiveInstances(ctx context.Context) ([]InstanceInfo, error) {
	entries, err := r.redis.HGetAll(ctx, instancesKey).Result()
	if err != nil {
		return nil, err
	}

	now := r.clock.Now().Unix()
	active := make([]InstanceInfo, 0, len(entries))
	for _, data := range entries {
		var info InstanceInfo
		if err := json.Unmarshal([]byte(data), &info); err != nil {
			continue
		}
		if now-info.Timestamp < int64(staleAfter/time.Second) {
			active = append(active, info)
		}
	}
	return active, nil
}

// InstanceID returns this instance's identifier.
func (r *FleetRegistry) InstanceID() string {
	return r.instanceID
}
