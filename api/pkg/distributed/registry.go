package distributed

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/modelgate/modelgate/api/pkg/types"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
)

// Registry is the Redis-resident fleet and usage-counter state behind the
// distributed allocator: which instances are alive, what each model's
// cluster-wide capacity is, and how much of each usage window has already
// been claimed.
type Registry struct {
	store store
	keys  keySet

	instanceID types.InstanceId
	staleAfter time.Duration
}

// NewRegistry builds a Registry backed by a real Redis deployment. keyPrefix
// namespaces every key so one Redis instance can host multiple deployments,
// e.g. "modelgate:".
func NewRegistry(client *redis.Client, instanceID types.InstanceId, keyPrefix string, staleAfter time.Duration) *Registry {
	return newRegistry(newRedisStore(client), instanceID, keyPrefix, staleAfter)
}

func newRegistry(s store, instanceID types.InstanceId, keyPrefix string, staleAfter time.Duration) *Registry {
	return &Registry{
		store:      s,
		keys:       newKeySet(keyPrefix),
		instanceID: instanceID,
		staleAfter: staleAfter,
	}
}

// Register records this instance's first heartbeat, run once by
// Coordinator.Start before anything else touches the fleet.
func (r *Registry) Register(ctx context.Context, now time.Time) error {
	if err := r.store.register(ctx, r.keys.instances(), string(r.instanceID), now.UnixMilli()); err != nil {
		return fmt.Errorf("distributed: register: %w", err)
	}
	return nil
}

// Heartbeat records that this instance is alive as of now.
func (r *Registry) Heartbeat(ctx context.Context, now time.Time) error {
	if err := r.store.heartbeat(ctx, r.keys.instances(), string(r.instanceID), now.UnixMilli()); err != nil {
		return fmt.Errorf("distributed: heartbeat: %w", err)
	}
	return nil
}

// Unregister removes this instance from the fleet immediately, used on
// graceful shutdown so peers don't wait out the staleness window.
func (r *Registry) Unregister(ctx context.Context) error {
	if err := r.store.remove(ctx, r.keys.instances(), string(r.instanceID)); err != nil {
		return fmt.Errorf("distributed: unregister: %w", err)
	}
	return nil
}

// Cleanup evicts every instance whose last heartbeat is older than the
// configured staleness window and returns how many were removed.
func (r *Registry) Cleanup(ctx context.Context, now time.Time) (int64, error) {
	removed, err := r.store.cleanup(ctx, r.keys.instances(), now.UnixMilli(), r.staleAfter.Milliseconds())
	if err != nil {
		return 0, fmt.Errorf("distributed: cleanup: %w", err)
	}
	if removed > 0 {
		log.Debug().Int64("removed", removed).Msg("distributed: evicted stale instances")
	}
	return removed, nil
}

// InstanceCount reports the number of instances currently registered,
// including this one. A freshly started instance should heartbeat before
// calling this so it counts itself.
func (r *Registry) InstanceCount(ctx context.Context) (int64, error) {
	n, err := r.store.count(ctx, r.keys.instances())
	if err != nil {
		return 0, fmt.Errorf("distributed: instance count: %w", err)
	}
	return n, nil
}

// Instances returns the raw instance-id -> last-heartbeat-ms snapshot.
func (r *Registry) Instances(ctx context.Context) (map[string]string, error) {
	m, err := r.store.snapshot(ctx, r.keys.instances())
	if err != nil {
		return nil, fmt.Errorf("distributed: instances snapshot: %w", err)
	}
	return m, nil
}

// Stats reports the number of currently registered instances via
// GET_STATS_SCRIPT, the read path the recalculation pass uses to size
// remainingGlobal/N (distinct from InstanceCount, which reads the hash
// directly without going through a named script).
func (r *Registry) Stats(ctx context.Context) (int64, error) {
	n, err := r.store.stats(ctx, r.keys.instances())
	if err != nil {
		return 0, fmt.Errorf("distributed: stats: %w", err)
	}
	return n, nil
}

// AcquireUsage claims amount units of a model/dimension's cluster-wide
// usage window, rolling back and returning ErrCapacityExceeded if doing so
// would exceed capacity. windowTTL should outlive the window so a key that
// stops being touched doesn't linger forever.
func (r *Registry) AcquireUsage(ctx context.Context, model types.ModelId, dimension string, windowStart int64, amount, capacity int64, windowTTL time.Duration) (int64, error) {
	key := r.keys.usage(model, dimension, windowStart)
	v, err := r.store.acquire(ctx, key, amount, capacity, int64(windowTTL.Seconds()))
	if err != nil {
		if err == ErrCapacityExceeded {
			return 0, err
		}
		return 0, fmt.Errorf("distributed: acquire usage %s: %w", key, err)
	}
	return v, nil
}

// ReleaseUsage gives back amount units previously claimed by AcquireUsage,
// e.g. when the actual usage reported at commit time was less than
// reserved.
func (r *Registry) ReleaseUsage(ctx context.Context, model types.ModelId, dimension string, windowStart int64, amount int64) (int64, error) {
	key := r.keys.usage(model, dimension, windowStart)
	v, err := r.store.release(ctx, key, amount)
	if err != nil {
		return 0, fmt.Errorf("distributed: release usage %s: %w", key, err)
	}
	return v, nil
}

// CurrentUsage reads back how much of a model/dimension/window has already
// been claimed, without mutating it. Used by the recalculation pass to
// compute remainingGlobal = configuredLimit - Σusage; a key that has never
// been acquired against reads as 0.
func (r *Registry) CurrentUsage(ctx context.Context, model types.ModelId, dimension string, windowStart int64) (int64, error) {
	key := r.keys.usage(model, dimension, windowStart)
	v, err := r.store.peek(ctx, key)
	if err != nil {
		return 0, fmt.Errorf("distributed: peek usage %s: %w", key, err)
	}
	return v, nil
}

// SaveAllocation persists this instance's most recently computed
// AllocationInfo under the <prefix>allocations hash, keyed by instance id,
// so a peer (or an operator inspecting Redis directly) can see what every
// instance in the fleet was last granted.
func (r *Registry) SaveAllocation(ctx context.Context, instanceID types.InstanceId, info types.AllocationInfo) error {
	payload, err := json.Marshal(info)
	if err != nil {
		return fmt.Errorf("distributed: encode allocation: %w", err)
	}
	if err := r.store.set(ctx, r.keys.allocations(), string(instanceID), string(payload)); err != nil {
		return fmt.Errorf("distributed: save allocation %s: %w", instanceID, err)
	}
	return nil
}

// Allocation reads back a peer's last-saved AllocationInfo, if any.
func (r *Registry) Allocation(ctx context.Context, instanceID types.InstanceId) (types.AllocationInfo, bool, error) {
	v, ok, err := r.store.get(ctx, r.keys.allocations(), string(instanceID))
	if err != nil {
		return types.AllocationInfo{}, false, fmt.Errorf("distributed: get allocation %s: %w", instanceID, err)
	}
	if !ok {
		return types.AllocationInfo{}, false, nil
	}
	var info types.AllocationInfo
	if err := json.Unmarshal([]byte(v), &info); err != nil {
		return types.AllocationInfo{}, false, fmt.Errorf("distributed: decode allocation %s: %w", instanceID, err)
	}
	return info, true, nil
}

// SetModelCapacity publishes this model's cluster-wide capacity config,
// overwriting whatever is already there. Use InitModelCapacity for the
// idempotent first-writer-wins variant.
func (r *Registry) SetModelCapacity(ctx context.Context, model types.ModelId, payload string) error {
	if err := r.store.set(ctx, r.keys.modelCapacities(), string(model), payload); err != nil {
		return fmt.Errorf("distributed: set model capacity %s: %w", model, err)
	}
	return nil
}

// InitModelCapacity seeds a model's capacity config only if no instance has
// already published one, so a restarting instance never clobbers a peer's
// already-agreed value.
func (r *Registry) InitModelCapacity(ctx context.Context, model types.ModelId, payload string) (bool, error) {
	wrote, err := r.store.setIfAbsent(ctx, r.keys.modelCapacities(), string(model), payload)
	if err != nil {
		return false, fmt.Errorf("distributed: init model capacity %s: %w", model, err)
	}
	return wrote, nil
}

// ModelCapacity reads back a model's published capacity config, if any.
func (r *Registry) ModelCapacity(ctx context.Context, model types.ModelId) (string, bool, error) {
	v, ok, err := r.store.get(ctx, r.keys.modelCapacities(), string(model))
	if err != nil {
		return "", false, fmt.Errorf("distributed: get model capacity %s: %w", model, err)
	}
	return v, ok, nil
}

// InitJobTypeResource seeds a job type's resource estimation config only if
// absent, mirroring InitModelCapacity.
func (r *Registry) InitJobTypeResource(ctx context.Context, jobType types.JobTypeId, payload string) (bool, error) {
	wrote, err := r.store.setIfAbsent(ctx, r.keys.jobTypeResources(), string(jobType), payload)
	if err != nil {
		return false, fmt.Errorf("distributed: init job type resource %s: %w", jobType, err)
	}
	return wrote, nil
}

// JobTypeResource reads back a job type's published resource config.
func (r *Registry) JobTypeResource(ctx context.Context, jobType types.JobTypeId) (string, bool, error) {
	v, ok, err := r.store.get(ctx, r.keys.jobTypeResources(), string(jobType))
	if err != nil {
		return "", false, fmt.Errorf("distributed: get job type resource %s: %w", jobType, err)
	}
	return v, ok, nil
}
