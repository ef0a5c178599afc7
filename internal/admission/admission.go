// Package admission gates new job submissions on current ledger occupancy.
package admission

import (
	"context"
	"fmt"

	"github.com/mkarlsen/kmergate/internal/search"
)

// Controller answers whether a new job may start right now. The decision
// consults the ledger's running count on every call, so restarts and
// external ledger writers are accounted for automatically. Two requests
// racing past the same count can briefly overshoot the cap by one; the
// cap is a load-shedding bound, not a hard scheduler limit.
type Controller struct {
	ledger search.Ledger
	max    int
}

// New builds a Controller enforcing at most max concurrently running jobs.
func New(ledger search.Ledger, max int) *Controller {
	return &Controller{ledger: ledger, max: max}
}

// Occupancy reports the current running count and the configured maximum.
func (c *Controller) Occupancy(ctx context.Context) (running, max int, err error) {
	running, err = c.ledger.RunningCount(ctx)
	if err != nil {
		return 0, c.max, fmt.Errorf("admission occupancy: %w", err)
	}
	return running, c.max, nil
}

// Admit reports whether a new job may be accepted.
func (c *Controller) Admit(ctx context.Context) (bool, error) {
	running, err := c.ledger.RunningCount(ctx)
	if err != nil {
		return false, fmt.Errorf("admission check: %w", err)
	}
	return running < c.max, nil
}
