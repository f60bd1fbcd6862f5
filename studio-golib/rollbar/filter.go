package rollbar

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// reportFilter accepts at most one report per interval and counts the reports it drops in
// between. It is safe for concurrent use.
type reportFilter struct {
	mu      sync.Mutex
	limiter *rate.Limiter
	dropped int
}

func newReportFilter(interval time.Duration) *reportFilter {
	return &reportFilter{limiter: rate.NewLimiter(rate.Every(interval), 1)}
}

// accept reports whether a report may be sent, and if so how many were dropped since the
// previous accepted one.
func (f *reportFilter) accept() (bool, int) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if !f.limiter.Allow() {
		f.dropped++
		return false, 0
	}
	dropped := f.dropped
	f.dropped = 0
	return true, dropped
}
