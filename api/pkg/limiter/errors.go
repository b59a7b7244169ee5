package limiter

import "errors"

// ErrAtCapacity is returned (wrapped with the failing dimension's name,
// never logged as a failure) by TryReserve when at least one configured
// dimension has no room left. Callers are expected to treat this as
// ordinary backpressure, not a fault.
var ErrAtCapacity = errors.New("limiter: at capacity")

// ErrUnknownReservation names a reservation this limiter did not issue.
// No Limiter method returns it: Commit, Refund and
// AbandonAfterUnhandledFailure have no return value and only log a
// warning for such a reservation.
var ErrUnknownReservation = errors.New("limiter: unknown reservation")
