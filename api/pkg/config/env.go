// Package config loads the ambient, genuinely environment-shaped knobs
// the engine needs (Redis address, key prefix, memory and adjustment
// cadences) and builds a coordinator.Config from them plus the per-model
// and per-job-type maps a caller supplies programmatically. Per-model
// limits and the escalation order are not environment-representable as
// scalars, so they are never read from env vars here.
package config

import (
	"fmt"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
)

// EngineEnv is the subset of coordinator configuration that is genuinely
// environment-shaped. Everything else (per-model limits, resource
// estimations, escalation order) is built by the caller and passed into
// BuildCoordinatorConfig directly.
type EngineEnv struct {
	RedisAddr     string `envconfig:"MODELGATE_REDIS_ADDR"`
	RedisPassword string `envconfig:"MODELGATE_REDIS_PASSWORD"`
	RedisDB       int    `envconfig:"MODELGATE_REDIS_DB" default:"0"`
	KeyPrefix     string `envconfig:"MODELGATE_KEY_PREFIX" default:"modelgate:"`
	InstanceID    string `envconfig:"MODELGATE_INSTANCE_ID"`

	FreeMemoryRatio          float64 `envconfig:"MODELGATE_FREE_MEMORY_RATIO" default:"0.8"`
	MemoryRecalculationMS    int64   `envconfig:"MODELGATE_MEMORY_RECALCULATION_MS" default:"1000"`
	MinCapacityKB            int64   `envconfig:"MODELGATE_MIN_CAPACITY_KB" default:"0"`
	MaxCapacityKB            int64   `envconfig:"MODELGATE_MAX_CAPACITY_KB" default:"0"`
	MaxOldSpaceKB            int64   `envconfig:"MODELGATE_MAX_OLD_SPACE_KB" default:"0"`
	Production               bool    `envconfig:"MODELGATE_PRODUCTION" default:"false"`

	HighLoadThreshold     float64 `envconfig:"MODELGATE_HIGH_LOAD_THRESHOLD" default:"0.7"`
	LowLoadThreshold      float64 `envconfig:"MODELGATE_LOW_LOAD_THRESHOLD" default:"0.3"`
	MaxAdjustment         float64 `envconfig:"MODELGATE_MAX_ADJUSTMENT" default:"0.2"`
	MinRatio              float64 `envconfig:"MODELGATE_MIN_RATIO" default:"0.01"`
	ReleasesPerAdjustment int     `envconfig:"MODELGATE_RELEASES_PER_ADJUSTMENT" default:"10"`
	AdjustmentIntervalMS  int64   `envconfig:"MODELGATE_ADJUSTMENT_INTERVAL_MS" default:"5000"`

	RefundOnUnhandledFailure bool `envconfig:"MODELGATE_REFUND_ON_UNHANDLED_FAILURE" default:"false"`
}

// LoadEngineEnv reads a .env file if present (ignored if missing, matching
// the teacher's CLI config loader) then processes EngineEnv from the
// environment.
func LoadEngineEnv() (EngineEnv, error) {
	_ = godotenv.Load()

	var env EngineEnv
	if err := envconfig.Process("", &env); err != nil {
		return EngineEnv{}, fmt.Errorf("config: %w", err)
	}
	return env, nil
}
