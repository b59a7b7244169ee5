package config

import (
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/modelgate/modelgate/api/pkg/availability"
	"github.com/modelgate/modelgate/api/pkg/coordinator"
	"github.com/modelgate/modelgate/api/pkg/distributed"
	"github.com/modelgate/modelgate/api/pkg/jtm"
	"github.com/modelgate/modelgate/api/pkg/limiter"
	"github.com/modelgate/modelgate/api/pkg/memory"
	"github.com/modelgate/modelgate/api/pkg/pubsub"
	"github.com/modelgate/modelgate/api/pkg/types"
)

// ModelgateConfig is the user-authored part of a deployment's
// configuration: which models exist, what each job type costs, and the
// order jobs escalate through. It is built programmatically (by a CLI
// flag, a YAML file, or hardcoded in an embedding program) rather than
// from environment variables, the way the teacher embeds its own
// ServerConfig sub-structs into callers.
type ModelgateConfig struct {
	Models                    map[types.ModelId]types.ModelConfig
	EscalationOrder           []types.ModelId
	ResourceEstimationsPerJob map[types.JobTypeId]types.ResourceEstimation
}

// BuildCoordinatorConfig merges the ambient EngineEnv with a caller's
// ModelgateConfig into a coordinator.Config ready for coordinator.New.
// When env.RedisAddr is non-empty, a distributed backend is wired in so
// the resulting coordinator participates in cluster-wide allocation;
// otherwise the coordinator runs standalone.
func BuildCoordinatorConfig(env EngineEnv, mc ModelgateConfig, listener availability.Listener, onOverage func(types.ModelId, limiter.OverageEvent)) (coordinator.Config, error) {
	cfg := coordinator.Config{
		Models:                    mc.Models,
		EscalationOrder:           mc.EscalationOrder,
		ResourceEstimationsPerJob: mc.ResourceEstimationsPerJob,
		Memory: memory.Config{
			FreeMemoryRatio:       env.FreeMemoryRatio,
			RecalculationInterval: time.Duration(env.MemoryRecalculationMS) * time.Millisecond,
			MinCapacityKB:         env.MinCapacityKB,
			MaxCapacityKB:         env.MaxCapacityKB,
			MaxOldSpaceKB:         env.MaxOldSpaceKB,
			Production:            env.Production,
		},
		RatioAdjustment: jtm.AdjustmentConfig{
			HighLoadThreshold:     env.HighLoadThreshold,
			LowLoadThreshold:      env.LowLoadThreshold,
			MaxAdjustment:         env.MaxAdjustment,
			MinRatio:              env.MinRatio,
			ReleasesPerAdjustment: env.ReleasesPerAdjustment,
		},
		AdjustmentInterval:       time.Duration(env.AdjustmentIntervalMS) * time.Millisecond,
		RefundOnUnhandledFailure: env.RefundOnUnhandledFailure,
		OnAvailableSlotsChange:   listener,
		OnOverage:                onOverage,
	}

	if env.RedisAddr == "" {
		return cfg, nil
	}

	client := redis.NewClient(&redis.Options{
		Addr:     env.RedisAddr,
		Password: env.RedisPassword,
		DB:       env.RedisDB,
	})

	instanceID := env.InstanceID
	if instanceID == "" {
		return coordinator.Config{}, fmt.Errorf("config: MODELGATE_INSTANCE_ID is required when MODELGATE_REDIS_ADDR is set")
	}

	registry := distributed.NewRegistry(client, types.InstanceId(instanceID), env.KeyPrefix, 0)
	ps, err := pubsub.New(pubsub.Config{Provider: pubsub.ProviderRedis, RedisClient: client})
	if err != nil {
		return coordinator.Config{}, fmt.Errorf("config: pubsub: %w", err)
	}

	// The tracker passed here is never consulted: coordinator.New
	// overrides this backend's allocation handler to feed the tracker it
	// builds its own limiters against instead. NewCoordinator still
	// requires one because it is also usable standalone, outside of a
	// coordinator.Coordinator.
	cfg.Backend = distributed.NewCoordinator(registry, ps, availability.New(), distributed.Config{
		Models:           mc.Models,
		JobTypeEstimates: mc.ResourceEstimationsPerJob,
	})
	return cfg, nil
}
