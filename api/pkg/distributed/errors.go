package distributed

import "errors"

// ErrCapacityExceeded is returned by AcquireUsage when the cluster-wide
// usage counter for a model/dimension/window would exceed its configured
// capacity.
var ErrCapacityExceeded = errors.New("distributed: cluster capacity exceeded")
