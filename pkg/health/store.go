package health

import (
	"context"
	"time"

	"github.com/netpulse/netpulse/pkg/store"
)

// StoreChecker pings the shared store. The control plane is inoperable
// without it, so this is the primary liveness signal.
type StoreChecker struct {
	Store   store.Store
	Timeout time.Duration
}

// NewStoreChecker creates a store health checker.
func NewStoreChecker(s store.Store) *StoreChecker {
	return &StoreChecker{Store: s, Timeout: 5 * time.Second}
}

// Type returns the check type.
func (s *StoreChecker) Type() CheckType { return CheckTypeStore }

// Check performs the store ping.
func (s *StoreChecker) Check(ctx context.Context) Result {
	start := time.Now()

	ctx, cancel := context.WithTimeout(ctx, s.Timeout)
	defer cancel()

	if err := s.Store.Ping(ctx); err != nil {
		return Result{
			Healthy:   false,
			Message:   err.Error(),
			CheckedAt: start,
			Duration:  time.Since(start),
		}
	}
	return Result{
		Healthy:   true,
		Message:   "store reachable",
		CheckedAt: start,
		Duration:  time.Since(start),
	}
}
