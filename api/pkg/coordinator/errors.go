package coordinator

import "errors"

// ErrConfiguration is returned by New when a Config is structurally
// invalid, e.g. a model enforces a token limit but some job type that can
// be routed to it carries no token estimate (spec.md §7's
// ConfigurationError).
var ErrConfiguration = errors.New("coordinator: invalid configuration")

// ErrUnknownJobType is returned by QueueJob for a job type never
// registered in Config.ResourceEstimationsPerJob.
var ErrUnknownJobType = errors.New("coordinator: unknown job type")
