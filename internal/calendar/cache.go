package calendar

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/samims/hakhel/internal/metrics"
)

// CachedResolver memoizes conversions for the life of the process. Concurrent
// lookups of the same key share a single upstream call, which runs detached
// from any one caller's cancellation and is bounded by the client timeout.
// Errors are not cached.
type CachedResolver struct {
	next Resolver

	mu          sync.RWMutex
	occurrences map[string]time.Time
	years       map[string]int

	group singleflight.Group
}

func NewCachedResolver(next Resolver) *CachedResolver {
	return &CachedResolver{
		next:        next,
		occurrences: make(map[string]time.Time),
		years:       make(map[string]int),
	}
}

var _ Resolver = (*CachedResolver)(nil)

func (c *CachedResolver) NextOccurrence(ctx context.Context, month Month, day, year int) (time.Time, error) {
	key := fmt.Sprintf("%d-%s-%d", year, month, day)

	c.mu.RLock()
	date, ok := c.occurrences[key]
	c.mu.RUnlock()
	if ok {
		metrics.CalendarLookups.WithLabelValues("hit").Inc()
		return date, nil
	}

	v, err, _ := c.group.Do("h2g:"+key, func() (any, error) {
		date, err := c.next.NextOccurrence(context.WithoutCancel(ctx), month, day, year)
		if err != nil {
			return nil, err
		}
		c.mu.Lock()
		c.occurrences[key] = date
		c.mu.Unlock()
		return date, nil
	})
	if err != nil {
		metrics.CalendarLookups.WithLabelValues("error").Inc()
		return time.Time{}, err
	}
	metrics.CalendarLookups.WithLabelValues("miss").Inc()
	return v.(time.Time), nil
}

// CurrentCycleYear is cached per Gregorian day.
func (c *CachedResolver) CurrentCycleYear(ctx context.Context, today time.Time) (int, error) {
	key := today.Format(time.DateOnly)

	c.mu.RLock()
	year, ok := c.years[key]
	c.mu.RUnlock()
	if ok {
		metrics.CalendarLookups.WithLabelValues("hit").Inc()
		return year, nil
	}

	v, err, _ := c.group.Do("g2h:"+key, func() (any, error) {
		year, err := c.next.CurrentCycleYear(context.WithoutCancel(ctx), today)
		if err != nil {
			return nil, err
		}
		c.mu.Lock()
		c.years[key] = year
		c.mu.Unlock()
		return year, nil
	})
	if err != nil {
		metrics.CalendarLookups.WithLabelValues("error").Inc()
		return 0, err
	}
	metrics.CalendarLookups.WithLabelValues("miss").Inc()
	return v.(int), nil
}

