package distributed

import (
	"fmt"

	"github.com/modelgate/modelgate/api/pkg/types"
)

// keySet builds every Redis key this package touches under one prefix, so
// multiple independent deployments can share a Redis instance.
type keySet struct {
	prefix string
}

func newKeySet(prefix string) keySet {
	return keySet{prefix: prefix}
}

func (k keySet) instances() string {
	return k.prefix + "instances"
}

func (k keySet) allocations() string {
	return k.prefix + "allocations"
}

func (k keySet) modelCapacities() string {
	return k.prefix + "modelCapacities"
}

func (k keySet) jobTypeResources() string {
	return k.prefix + "jobTypeResources"
}

// usage builds the per-window usage counter key for one model and
// dimension, e.g. "<prefix>usage:gpt-4:tokens:minute:1712345640000". The
// dimension segment is whatever the caller passes; Coordinator passes
// tokens:minute, tokens:day, requests:minute and requests:day, not the
// short tpm/tpd/rpm/rpd forms.
func (k keySet) usage(model types.ModelId, dimension string, windowStart int64) string {
	return fmt.Sprintf("%susage:%s:%s:%d", k.prefix, model, dimension, windowStart)
}
