package modelgated

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/modelgate/modelgate/api/pkg/config"
	"github.com/modelgate/modelgate/api/pkg/types"
)

// Scenario is the YAML shape validate-config and simulate both load: a
// deployment's models, escalation order and per-job-type resource
// estimations, plus (for simulate only) a trace of jobs to submit.
type Scenario struct {
	Models                    map[string]ModelSpec             `yaml:"models"`
	EscalationOrder           []string                          `yaml:"escalationOrder"`
	ResourceEstimationsPerJob map[string]ResourceEstimationSpec `yaml:"resourceEstimationsPerJob"`
	Jobs                      []JobSpec                          `yaml:"jobs"`
}

type ModelSpec struct {
	RequestsPerMinute     *int64 `yaml:"requestsPerMinute"`
	RequestsPerDay        *int64 `yaml:"requestsPerDay"`
	TokensPerMinute       *int64 `yaml:"tokensPerMinute"`
	TokensPerDay          *int64 `yaml:"tokensPerDay"`
	MaxConcurrentRequests *int64 `yaml:"maxConcurrentRequests"`
}

type ResourceEstimationSpec struct {
	EstimatedUsedTokens       int64   `yaml:"estimatedUsedTokens"`
	EstimatedNumberOfRequests int64   `yaml:"estimatedNumberOfRequests"`
	EstimatedUsedMemoryKB     int64   `yaml:"estimatedUsedMemoryKB"`
	RatioInitialValue         float64 `yaml:"ratioInitialValue"`
	RatioFlexible             bool    `yaml:"ratioFlexible"`
	MinCapacity               int     `yaml:"minCapacity"`
	MaxCapacity               int     `yaml:"maxCapacity"`
}

// JobSpec describes one submission in a simulate trace. ActualTokens/
// ActualRequests are what the simulated job callback reports back once
// "run", standing in for a real backend response.
type JobSpec struct {
	ID             string `yaml:"id"`
	JobType        string `yaml:"jobType"`
	ActualTokens   int64  `yaml:"actualTokens"`
	ActualRequests int64  `yaml:"actualRequests"`
}

// LoadScenario reads and parses a scenario file from disk.
func LoadScenario(path string) (*Scenario, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("modelgated: read scenario: %w", err)
	}
	var s Scenario
	if err := yaml.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("modelgated: parse scenario: %w", err)
	}
	return &s, nil
}

// ToModelgateConfig converts the YAML-friendly scenario into the
// programmatic config.ModelgateConfig the engine actually consumes.
func (s *Scenario) ToModelgateConfig() config.ModelgateConfig {
	models := make(map[types.ModelId]types.ModelConfig, len(s.Models))
	for name, spec := range s.Models {
		models[types.ModelId(name)] = types.ModelConfig{
			RequestsPerMinute:     spec.RequestsPerMinute,
			RequestsPerDay:        spec.RequestsPerDay,
			TokensPerMinute:       spec.TokensPerMinute,
			TokensPerDay:          spec.TokensPerDay,
			MaxConcurrentRequests: spec.MaxConcurrentRequests,
		}
	}

	order := make([]types.ModelId, len(s.EscalationOrder))
	for i, m := range s.EscalationOrder {
		order[i] = types.ModelId(m)
	}

	estimations := make(map[types.JobTypeId]types.ResourceEstimation, len(s.ResourceEstimationsPerJob))
	for jobType, spec := range s.ResourceEstimationsPerJob {
		estimations[types.JobTypeId(jobType)] = types.ResourceEstimation{
			EstimatedUsedTokens:       spec.EstimatedUsedTokens,
			EstimatedNumberOfRequests: spec.EstimatedNumberOfRequests,
			EstimatedUsedMemoryKB:     spec.EstimatedUsedMemoryKB,
			Ratio: types.RatioConfig{
				InitialValue: spec.RatioInitialValue,
				Flexible:     spec.RatioFlexible,
			},
			MinCapacity: spec.MinCapacity,
			MaxCapacity: spec.MaxCapacity,
		}
	}

	return config.ModelgateConfig{
		Models:                    models,
		EscalationOrder:           order,
		ResourceEstimationsPerJob: estimations,
	}
}
