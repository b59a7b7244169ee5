package coordinator

import (
	"fmt"
	"time"

	"github.com/modelgate/modelgate/api/pkg/availability"
	"github.com/modelgate/modelgate/api/pkg/distributed"
	"github.com/modelgate/modelgate/api/pkg/jtm"
	"github.com/modelgate/modelgate/api/pkg/limiter"
	"github.com/modelgate/modelgate/api/pkg/memory"
	"github.com/modelgate/modelgate/api/pkg/types"
)

// Config is the full set of options recognized by New (spec.md §6).
type Config struct {
	Models                    map[types.ModelId]types.ModelConfig
	EscalationOrder           []types.ModelId
	ResourceEstimationsPerJob map[types.JobTypeId]types.ResourceEstimation

	Memory             memory.Config
	RatioAdjustment    jtm.AdjustmentConfig
	AdjustmentInterval time.Duration

	// RefundOnUnhandledFailure is forwarded to every limiter (spec.md §9
	// open question 1).
	RefundOnUnhandledFailure bool

	// Backend is an optional distributed allocator (C8). Nil means this
	// instance runs standalone with no cross-process coordination.
	Backend *distributed.Coordinator

	OnAvailableSlotsChange availability.Listener
	OnOverage              func(model types.ModelId, event limiter.OverageEvent)
}

// validate enforces spec.md §7's ConfigurationError: every job type that
// can be routed to a model enforcing a token or request limit must carry
// the matching estimate, since the allocator has no other way to size a
// reservation before trying it.
func (c Config) validate() error {
	if len(c.EscalationOrder) == 0 {
		return fmt.Errorf("%w: escalationOrder must name at least one model", ErrConfiguration)
	}
	for _, model := range c.EscalationOrder {
		if _, ok := c.Models[model]; !ok {
			return fmt.Errorf("%w: escalationOrder references unconfigured model %q", ErrConfiguration, model)
		}
	}

	var anyTokenLimit, anyRequestLimit bool
	for _, mc := range c.Models {
		if mc.TokensPerMinute != nil || mc.TokensPerDay != nil {
			anyTokenLimit = true
		}
		if mc.RequestsPerMinute != nil || mc.RequestsPerDay != nil {
			anyRequestLimit = true
		}
	}

	for jobType, est := range c.ResourceEstimationsPerJob {
		if anyTokenLimit && est.EstimatedUsedTokens <= 0 {
			return fmt.Errorf("%w: job type %q has no estimatedUsedTokens but a configured model enforces a token limit", ErrConfiguration, jobType)
		}
		if anyRequestLimit && est.EstimatedNumberOfRequests <= 0 {
			return fmt.Errorf("%w: job type %q has no estimatedNumberOfRequests but a configured model enforces a request limit", ErrConfiguration, jobType)
		}
	}
	return nil
}
