package agent2

import (
	"sync"
	"time"

	"github.com/kidoz/esxi-patcher-go/internal/patcher"
)

// ReportCache holds the most recent stored run in a thread-safe manner.
type ReportCache struct {
	mu      sync.RWMutex
	report  *patcher.BatchReport
	updated time.Time
}

// NewReportCache creates a new empty cache.
func NewReportCache() *ReportCache {
	return &ReportCache{}
}

// Update replaces the cached report.
func (c *ReportCache) Update(report *patcher.BatchReport) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.report = report
	c.updated = time.Now()
}

// Report returns the cached report (nil if nothing was loaded yet).
func (c *ReportCache) Report() *patcher.BatchReport {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.report
}

// Updated returns when the cache was last refreshed.
func (c *ReportCache) Updated() time.Time {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.updated
}
