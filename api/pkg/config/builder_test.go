package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/modelgate/modelgate/api/pkg/types"
)

func TestBuildCoordinatorConfig_StandaloneWhenNoRedisAddr(t *testing.T) {
	env := EngineEnv{
		FreeMemoryRatio:       0.8,
		MemoryRecalculationMS: 1000,
		HighLoadThreshold:     0.7,
		LowLoadThreshold:      0.3,
		MaxAdjustment:         0.2,
		MinRatio:              0.01,
		ReleasesPerAdjustment: 10,
		AdjustmentIntervalMS:  5000,
	}
	mc := ModelgateConfig{
		Models:          map[types.ModelId]types.ModelConfig{"gpt": {}},
		EscalationOrder: []types.ModelId{"gpt"},
	}

	cfg, err := BuildCoordinatorConfig(env, mc, nil, nil)
	require.NoError(t, err)
	assert.Nil(t, cfg.Backend)
	assert.Equal(t, time.Second, cfg.Memory.RecalculationInterval)
	assert.Equal(t, 5*time.Second, cfg.AdjustmentInterval)
}

func TestBuildCoordinatorConfig_RequiresInstanceIDWhenRedisConfigured(t *testing.T) {
	env := EngineEnv{RedisAddr: "localhost:6379"}
	mc := ModelgateConfig{
		Models:          map[types.ModelId]types.ModelConfig{"gpt": {}},
		EscalationOrder: []types.ModelId{"gpt"},
	}

	_, err := BuildCoordinatorConfig(env, mc, nil, nil)
	require.Error(t, err)
}

func TestBuildCoordinatorConfig_WiresDistributedBackendWhenRedisConfigured(t *testing.T) {
	env := EngineEnv{RedisAddr: "localhost:6379", InstanceID: "inst-1", KeyPrefix: "modelgate:"}
	mc := ModelgateConfig{
		Models:          map[types.ModelId]types.ModelConfig{"gpt": {}},
		EscalationOrder: []types.ModelId{"gpt"},
	}

	cfg, err := BuildCoordinatorConfig(env, mc, nil, nil)
	require.NoError(t, err)
	assert.NotNil(t, cfg.Backend)
}
