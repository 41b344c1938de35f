package normalizer

import (
	"time"

	"golang.org/x/time/rate"
)

// ceiling enforces the ingestion ceiling in events per second. Time is
// passed in so the normalizer's clock drives refill.
type ceiling struct {
	lim *rate.Limiter
}

func newCeiling(perSecond int) *ceiling {
	if perSecond <= 0 {
		return nil
	}
	return &ceiling{lim: rate.NewLimiter(rate.Limit(perSecond), perSecond)}
}

// take consumes one token, returning false when over the ceiling
func (c *ceiling) take(now time.Time) bool {
	if c == nil {
		return true
	}
	return c.lim.AllowN(now, 1)
}
