// Package distributed implements C8: the cross-instance coordination layer
// that turns a fleet of otherwise-independent rate limiter processes into
// one cluster-aware pool. It tracks which instances are alive in Redis,
// enforces cluster-wide usage ceilings on top of each instance's local
// per-process limits, and rebroadcasts the resulting per-model fair share
// over pubsub so every instance's availability tracker reflects the whole
// fleet, not just itself.
package distributed

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"time"

	"github.com/avast/retry-go/v4"
	"github.com/rs/zerolog/log"

	"github.com/modelgate/modelgate/api/pkg/availability"
	"github.com/modelgate/modelgate/api/pkg/pubsub"
	"github.com/modelgate/modelgate/api/pkg/types"
)

// Config controls the coordinator's background cadence and the cluster-wide
// ceilings it enforces. The instance's identity lives on the Registry
// passed to NewCoordinator, not here.
type Config struct {
	HeartbeatInterval time.Duration
	StaleAfter        time.Duration
	CleanupInterval   time.Duration
	UsageWindowTTL    time.Duration

	// Models carries each model's configured cluster-wide ceilings.
	// A model absent here is treated as unconstrained by the distributed
	// layer: Acquire/Release become no-ops for it and recalculate never
	// reports a pool for it.
	Models map[types.ModelId]types.ModelConfig

	// JobTypeEstimates feeds the recalculation pass's
	// floor(perInstanceRemaining/estimatedPerJob) step: the largest
	// registered estimate per dimension stands in for "estimatedPerJob"
	// since the distributed layer reasons per-model, not per-job-type.
	JobTypeEstimates map[types.JobTypeId]types.ResourceEstimation
}

func (c *Config) applyDefaults() {
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = 5 * time.Second
	}
	if c.StaleAfter <= 0 {
		c.StaleAfter = 30 * time.Second
	}
	if c.CleanupInterval <= 0 {
		c.CleanupInterval = 15 * time.Second
	}
	if c.UsageWindowTTL <= 0 {
		c.UsageWindowTTL = 2 * time.Minute
	}
}

// Coordinator is one instance's view onto the distributed allocator: it
// keeps this instance's heartbeat alive, evicts stale peers, claims usage
// against cluster-wide ceilings, and relays AllocationInfo broadcasts into
// a local availability.Tracker.
type Coordinator struct {
	registry *Registry
	pubsub   pubsub.PubSub
	tracker  *availability.Tracker
	cfg      Config
	now      func() time.Time

	// onAllocation, when set via SetAllocationHandler, replaces the
	// default tracker-feeding behavior for incoming broadcasts. A
	// coordinator.Coordinator built on top of this one uses this to route
	// broadcasts into the tracker it actually built its limiters against,
	// since that tracker is a different instance from the one passed to
	// NewCoordinator (coordinator.New wires this up automatically).
	onAllocation func(types.AllocationInfo)

	cancel context.CancelFunc
	sub    pubsub.Subscription
}

// NewCoordinator wires a Registry, a pubsub transport and the local
// availability tracker that distributed snapshots should feed into.
func NewCoordinator(registry *Registry, ps pubsub.PubSub, tracker *availability.Tracker, cfg Config) *Coordinator {
	cfg.applyDefaults()
	return &Coordinator{
		registry: registry,
		pubsub:   ps,
		tracker:  tracker,
		cfg:      cfg,
		now:      time.Now,
	}
}

// Start registers this instance, subscribes to allocation broadcasts,
// publishes this instance's first computed AllocationInfo and launches the
// heartbeat/cleanup loop. The loop runs until ctx is done or Stop is
// called.
func (c *Coordinator) Start(ctx context.Context) error {
	if err := c.registry.Register(ctx, c.now()); err != nil {
		return fmt.Errorf("distributed: register: %w", err)
	}

	sub, err := c.pubsub.Subscribe(ctx, pubsub.AllocationTopic, c.handleAllocation)
	if err != nil {
		return fmt.Errorf("distributed: subscribe: %w", err)
	}
	c.sub = sub

	c.recalculateAndPublish(ctx, "register")

	loopCtx, cancel := context.WithCancel(ctx)
	c.cancel = cancel
	go c.loop(loopCtx)
	return nil
}

// Stop unregisters this instance and tears down the subscription and
// background loop. Safe to call even if Start failed partway through.
func (c *Coordinator) Stop(ctx context.Context) error {
	if c.cancel != nil {
		c.cancel()
	}
	if c.sub != nil {
		if err := c.sub.Unsubscribe(); err != nil {
			log.Warn().Err(err).Msg("distributed: unsubscribe failed")
		}
	}
	if err := c.registry.Unregister(ctx); err != nil {
		return fmt.Errorf("distributed: unregister: %w", err)
	}
	return nil
}

func (c *Coordinator) loop(ctx context.Context) {
	heartbeat := time.NewTicker(c.cfg.HeartbeatInterval)
	defer heartbeat.Stop()
	cleanup := time.NewTicker(c.cfg.CleanupInterval)
	defer cleanup.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-heartbeat.C:
			c.fireAndForget(ctx, "heartbeat", func(ctx context.Context) error {
				return c.registry.Heartbeat(ctx, c.now())
			})
			c.recalculateAndPublish(ctx, "heartbeat")
		case <-cleanup.C:
			c.fireAndForget(ctx, "cleanup", func(ctx context.Context) error {
				_, err := c.registry.Cleanup(ctx, c.now())
				return err
			})
		}
	}
}

// fireAndForget retries a background operation a few times and logs rather
// than propagates a final failure: a missed heartbeat or cleanup pass is
// recovered by the next tick, it isn't worth failing the instance over.
func (c *Coordinator) fireAndForget(ctx context.Context, op string, fn func(context.Context) error) {
	err := retry.Do(
		func() error { return fn(ctx) },
		retry.Context(ctx),
		retry.Attempts(3),
		retry.Delay(100*time.Millisecond),
		retry.LastErrorOnly(true),
	)
	if err != nil {
		log.Warn().Err(err).Str("op", op).Msg("distributed: background operation failed")
	}
}

// SetAllocationHandler overrides how an incoming allocation broadcast is
// applied. When unset, broadcasts feed directly into the tracker passed to
// NewCoordinator.
func (c *Coordinator) SetAllocationHandler(fn func(types.AllocationInfo)) {
	c.onAllocation = fn
}

func (c *Coordinator) handleAllocation(payload []byte) error {
	var info types.AllocationInfo
	if err := json.Unmarshal(payload, &info); err != nil {
		return fmt.Errorf("distributed: decode allocation broadcast: %w", err)
	}
	if c.onAllocation != nil {
		c.onAllocation(info)
		return nil
	}
	for model, pool := range DistributionPools(info) {
		c.tracker.SetDistributed(model, PoolToAvailability(pool))
	}
	return nil
}

// DistributionPools prefers the recalculation's usage-aware, clamped
// DynamicLimits over the naive even split in Pools, falling back to Pools
// for a broadcast built by hand (e.g. by a test) that never set it.
// Exported so api/pkg/coordinator's SetDistributedAvailability applies the
// same precedence outside of a pubsub-delivered broadcast.
func DistributionPools(info types.AllocationInfo) map[types.ModelId]types.PoolAllocation {
	if len(info.DynamicLimits) > 0 {
		return info.DynamicLimits
	}
	return info.Pools
}

// PoolToAvailability converts a cluster-wide PoolAllocation into the shape
// the local availability tracker emits. Slots and MemoryKB are local,
// per-instance concepts the distributed layer has no opinion on, so Slots
// is reported as 1 (not exhausted) rather than 0 (which would read as
// "blocked" to anything consuming the tracker's snapshots). Exported so
// api/pkg/coordinator's SetDistributedAvailability can reuse the same
// conversion outside of a pubsub-delivered broadcast.
func PoolToAvailability(p types.PoolAllocation) types.Availability {
	return types.Availability{
		Slots:             1,
		TokensPerMinute:   int64Ptr(p.TokensPerMinute),
		TokensPerDay:      int64Ptr(p.TokensPerDay),
		RequestsPerMinute: int64Ptr(p.RequestsPerMinute),
		RequestsPerDay:    int64Ptr(p.RequestsPerDay),
	}
}

func int64Ptr(v int64) *int64 {
	return &v
}

// PublishAllocation broadcasts a fresh AllocationInfo snapshot to every
// instance in the fleet, including this one (the subscription handler
// applies it the same way a peer's would).
func (c *Coordinator) PublishAllocation(ctx context.Context, info types.AllocationInfo) error {
	payload, err := json.Marshal(info)
	if err != nil {
		return fmt.Errorf("distributed: encode allocation broadcast: %w", err)
	}
	c.fireAndForget(ctx, "publish-allocation", func(ctx context.Context) error {
		return c.pubsub.Publish(ctx, pubsub.AllocationTopic, payload)
	})
	return nil
}

// FairShare divides a model's total cluster capacity evenly across every
// currently registered instance, flooring each instance's share at 1 slot
// so a large fleet never starves a model down to zero.
func (c *Coordinator) FairShare(ctx context.Context, total types.PoolAllocation) (types.PoolAllocation, error) {
	n, err := c.registry.InstanceCount(ctx)
	if err != nil {
		return types.PoolAllocation{}, err
	}
	if n <= 0 {
		n = 1
	}
	return types.PoolAllocation{
		TotalSlots:        divideAtLeastOne(total.TotalSlots, n),
		TokensPerMinute:   divideAtLeastOne(total.TokensPerMinute, n),
		TokensPerDay:      divideAtLeastOne(total.TokensPerDay, n),
		RequestsPerMinute: divideAtLeastOne(total.RequestsPerMinute, n),
		RequestsPerDay:    divideAtLeastOne(total.RequestsPerDay, n),
	}, nil
}

func divideAtLeastOne(total, n int64) int64 {
	if total <= 0 {
		return 0
	}
	share := total / n
	if share < 1 {
		return 1
	}
	return share
}

// recalculateAndPublish runs the recalculation pass and broadcasts the
// result, logging rather than propagating a failure: a skipped
// recalculation is caught by the next heartbeat tick.
func (c *Coordinator) recalculateAndPublish(ctx context.Context, trigger string) {
	info, err := c.recalculate(ctx)
	if err != nil {
		log.Warn().Err(err).Str("trigger", trigger).Msg("distributed: recalculate failed")
		return
	}
	if err := c.PublishAllocation(ctx, info); err != nil {
		log.Warn().Err(err).Str("trigger", trigger).Msg("distributed: publish allocation failed")
	}
}

// recalculate implements the fair-share computation every register and
// heartbeat triggers: for each configured model, N is the active instance
// count, remainingGlobal is the configured ceiling minus what the whole
// fleet has already claimed this window, and this instance's share is
// remainingGlobal/N, second-pass clamped so a stale (too-low) instance
// count from a cleanup race never hands out more than the model's own
// ceiling. Pools carries the naive even split (spec.md §4.8's FairShare);
// DynamicLimits carries the usage-aware, clamped result that actually
// constrains admission.
func (c *Coordinator) recalculate(ctx context.Context) (types.AllocationInfo, error) {
	n, err := c.registry.Stats(ctx)
	if err != nil {
		return types.AllocationInfo{}, err
	}
	if n <= 0 {
		n = 1
	}

	now := c.now()
	minuteStart := now.Truncate(time.Minute).UnixMilli()
	dayStart := now.Truncate(24 * time.Hour).UnixMilli()
	est := c.estimatedPerJob()

	pools := make(map[types.ModelId]types.PoolAllocation, len(c.cfg.Models))
	dynamic := make(map[types.ModelId]types.PoolAllocation, len(c.cfg.Models))
	for model, mc := range c.cfg.Models {
		total := types.PoolAllocation{}
		if mc.MaxConcurrentRequests != nil {
			total.TotalSlots = *mc.MaxConcurrentRequests
		}
		if mc.TokensPerMinute != nil {
			total.TokensPerMinute = *mc.TokensPerMinute
		}
		if mc.TokensPerDay != nil {
			total.TokensPerDay = *mc.TokensPerDay
		}
		if mc.RequestsPerMinute != nil {
			total.RequestsPerMinute = *mc.RequestsPerMinute
		}
		if mc.RequestsPerDay != nil {
			total.RequestsPerDay = *mc.RequestsPerDay
		}
		share, err := c.FairShare(ctx, total)
		if err != nil {
			return types.AllocationInfo{}, err
		}
		pools[model] = share

		pool := types.PoolAllocation{}
		if mc.TokensPerMinute != nil {
			pool.TokensPerMinute = c.remainingShare(ctx, model, "tokens:minute", minuteStart, *mc.TokensPerMinute, n)
		}
		if mc.TokensPerDay != nil {
			pool.TokensPerDay = c.remainingShare(ctx, model, "tokens:day", dayStart, *mc.TokensPerDay, n)
		}
		if mc.RequestsPerMinute != nil {
			pool.RequestsPerMinute = c.remainingShare(ctx, model, "requests:minute", minuteStart, *mc.RequestsPerMinute, n)
		}
		if mc.RequestsPerDay != nil {
			pool.RequestsPerDay = c.remainingShare(ctx, model, "requests:day", dayStart, *mc.RequestsPerDay, n)
		}
		pool.TotalSlots = c.boundTotalSlots(pool, mc, est, n)
		dynamic[model] = pool
	}

	info := types.AllocationInfo{InstanceCount: int(n), Pools: pools, DynamicLimits: dynamic}
	if err := c.registry.SaveAllocation(ctx, c.registry.instanceID, info); err != nil {
		log.Warn().Err(err).Msg("distributed: save allocation failed")
	}
	return info, nil
}

// remainingShare computes one dimension's floor(remainingGlobal/N), where
// remainingGlobal is the configured ceiling minus the whole fleet's current
// usage in the active window. A read failure is treated as zero usage, so
// during a transient Redis hiccup the share is computed from the full
// configured ceiling and can over-grant until the next recalculation.
func (c *Coordinator) remainingShare(ctx context.Context, model types.ModelId, dimension string, windowStart, configuredLimit, n int64) int64 {
	used, err := c.registry.CurrentUsage(ctx, model, dimension, windowStart)
	if err != nil {
		log.Warn().Err(err).Str("model", string(model)).Str("dimension", dimension).Msg("distributed: read usage failed, assuming zero")
		used = 0
	}
	remainingGlobal := configuredLimit - used
	if remainingGlobal < 0 {
		remainingGlobal = 0
	}
	return remainingGlobal / n
}

// estimatedPerJob stands in for spec.md §4.8's "estimatedPerJob": the
// distributed layer reasons per-model, not per-job-type, so it takes the
// largest registered estimate on each dimension as the representative job
// size against which a model's totalSlots bound is computed.
//
// TODO: once the registry tracks per-instance in-flight load, bias this
// and the per-instance share above toward the least-loaded instances
// instead of splitting evenly.
func (c *Coordinator) estimatedPerJob() types.ResourceAmounts {
	var out types.ResourceAmounts
	for _, est := range c.cfg.JobTypeEstimates {
		if est.EstimatedUsedTokens > out.Tokens {
			out.Tokens = est.EstimatedUsedTokens
		}
		if est.EstimatedNumberOfRequests > out.Requests {
			out.Requests = est.EstimatedNumberOfRequests
		}
	}
	return out
}

// boundTotalSlots computes totalSlots = min over dimensions of
// floor(perInstanceRemaining/estimatedPerJob), second-pass clamped to the
// model's own configured concurrency ceiling so a stale instance count
// never hands out more slots than the model allows outright (the
// totalSlots=1 edge case: a single shared instance must never see more
// than the model's own ceiling, however many dimensions disagree).
func (c *Coordinator) boundTotalSlots(pool types.PoolAllocation, mc types.ModelConfig, est types.ResourceAmounts, n int64) int64 {
	slots := int64(math.MaxInt64)
	have := false

	if mc.MaxConcurrentRequests != nil {
		slots = divideAtLeastOne(*mc.MaxConcurrentRequests, n)
		have = true
	}
	if est.Tokens > 0 && mc.TokensPerMinute != nil {
		if s := pool.TokensPerMinute / est.Tokens; !have || s < slots {
			slots, have = s, true
		}
	}
	if est.Requests > 0 && mc.RequestsPerMinute != nil {
		if s := pool.RequestsPerMinute / est.Requests; !have || s < slots {
			slots, have = s, true
		}
	}
	if est.Tokens > 0 && mc.TokensPerDay != nil {
		if s := pool.TokensPerDay / est.Tokens; !have || s < slots {
			slots, have = s, true
		}
	}
	if est.Requests > 0 && mc.RequestsPerDay != nil {
		if s := pool.RequestsPerDay / est.Requests; !have || s < slots {
			slots, have = s, true
		}
	}
	if !have {
		return 0
	}
	if slots < 1 {
		slots = 1
	}
	if mc.MaxConcurrentRequests != nil && slots > *mc.MaxConcurrentRequests {
		slots = *mc.MaxConcurrentRequests
	}
	return slots
}

// Acquire claims amounts against model's cluster-wide usage windows,
// implementing the C8.acquire step of spec.md §4.6 reserve(M): it runs
// after a local job-type reservation succeeds and before the job callback
// is invoked. A model with no cluster-wide config in c.cfg.Models is
// unconstrained here (every limit it has is already enforced locally).
// Rolls back every dimension it already claimed if a later one exceeds
// capacity, so a partial claim never survives a failed Acquire.
func (c *Coordinator) Acquire(ctx context.Context, model types.ModelId, amounts types.ResourceAmounts) error {
	mc, ok := c.cfg.Models[model]
	if !ok {
		return nil
	}

	now := c.now()
	minuteStart := now.Truncate(time.Minute).UnixMilli()
	dayStart := now.Truncate(24 * time.Hour).UnixMilli()

	type claim struct {
		dimension   string
		windowStart int64
		amount      int64
		capacity    int64
	}
	var claims []claim
	if mc.TokensPerMinute != nil && amounts.Tokens > 0 {
		claims = append(claims, claim{"tokens:minute", minuteStart, amounts.Tokens, *mc.TokensPerMinute})
	}
	if mc.TokensPerDay != nil && amounts.Tokens > 0 {
		claims = append(claims, claim{"tokens:day", dayStart, amounts.Tokens, *mc.TokensPerDay})
	}
	if mc.RequestsPerMinute != nil && amounts.Requests > 0 {
		claims = append(claims, claim{"requests:minute", minuteStart, amounts.Requests, *mc.RequestsPerMinute})
	}
	if mc.RequestsPerDay != nil && amounts.Requests > 0 {
		claims = append(claims, claim{"requests:day", dayStart, amounts.Requests, *mc.RequestsPerDay})
	}

	acquired := make([]claim, 0, len(claims))
	for _, cl := range claims {
		if _, err := c.registry.AcquireUsage(ctx, model, cl.dimension, cl.windowStart, cl.amount, cl.capacity, c.cfg.UsageWindowTTL); err != nil {
			for _, a := range acquired {
				_, _ = c.registry.ReleaseUsage(ctx, model, a.dimension, a.windowStart, a.amount)
			}
			return fmt.Errorf("distributed: acquire %s: %w", model, err)
		}
		acquired = append(acquired, cl)
	}
	return nil
}

// Release gives back the delta between what Acquire reserved and what the
// job actually used, implementing the C8.release step of spec.md §4.6
// commit(M): a job estimated at 500 tokens that only used 300 refunds 200
// back to the cluster-wide window. A reservation abandoned before it ever
// ran (actual is the zero value) refunds in full.
func (c *Coordinator) Release(ctx context.Context, model types.ModelId, reserved, actual types.ResourceAmounts) {
	mc, ok := c.cfg.Models[model]
	if !ok {
		return
	}

	now := c.now()
	minuteStart := now.Truncate(time.Minute).UnixMilli()
	dayStart := now.Truncate(24 * time.Hour).UnixMilli()

	release := func(dimension string, windowStart, reservedAmt, actualAmt int64) {
		delta := reservedAmt - actualAmt
		if delta <= 0 {
			return
		}
		if _, err := c.registry.ReleaseUsage(ctx, model, dimension, windowStart, delta); err != nil {
			log.Warn().Err(err).Str("model", string(model)).Str("dimension", dimension).Msg("distributed: release usage failed")
		}
	}
	if mc.TokensPerMinute != nil {
		release("tokens:minute", minuteStart, reserved.Tokens, actual.Tokens)
	}
	if mc.TokensPerDay != nil {
		release("tokens:day", dayStart, reserved.Tokens, actual.Tokens)
	}
	if mc.RequestsPerMinute != nil {
		release("requests:minute", minuteStart, reserved.Requests, actual.Requests)
	}
	if mc.RequestsPerDay != nil {
		release("requests:day", dayStart, reserved.Requests, actual.Requests)
	}
}
