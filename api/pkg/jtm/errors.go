package jtm

import "errors"

// ErrUnknownJobType is returned by TryAdmit for a job type the
// Allocator wasn't configured with.
var ErrUnknownJobType = errors.New("jtm: unknown job type")

// ErrJobTypeSlotsFull is returned by TryAdmit when the job type's own
// allocation is exhausted, even though the underlying model limiter still
// has room (spec.md §4.5's two-layer admission check).
var ErrJobTypeSlotsFull = errors.New("jtm: job type has no free slot")
