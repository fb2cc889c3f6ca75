// Package health provides a registry of named subsystem health checkers
// plus the standard checkers the monitor registers at startup.
package health

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"time"
)

// Status represents the health of a single subsystem.
type Status struct {
	Name    string `json:"name"`
	Healthy bool   `json:"healthy"`
	Detail  string `json:"detail,omitempty"`
}

// Checker is a function that checks the health of a subsystem.
type Checker func(ctx context.Context) Status

// Registry holds named health checkers and runs them on demand.
type Registry struct {
	mu       sync.RWMutex
	checkers []namedChecker
}

type namedChecker struct {
	name  string
	check Checker
}

// NewRegistry creates a new health check registry.
func NewRegistry() *Registry {
	return &Registry{}
}

// Register adds a named health checker.
func (r *Registry) Register(name string, check Checker) {
	r.mu.Lock()
	r.checkers = append(r.checkers, namedChecker{name: name, check: check})
	r.mu.Unlock()
}

// CheckAll runs all registered checkers and returns the aggregate health
// status plus individual subsystem results.
func (r *Registry) CheckAll(ctx context.Context) (healthy bool, statuses []Status) {
	r.mu.RLock()
	checkers := make([]namedChecker, len(r.checkers))
	copy(checkers, r.checkers)
	r.mu.RUnlock()

	healthy = true
	statuses = make([]Status, len(checkers))

	for i, nc := range checkers {
		statuses[i] = nc.check(ctx)
		if !statuses[i].Healthy {
			healthy = false
		}
	}

	return healthy, statuses
}

// DatabaseChecker pings the risk event database with a short timeout.
func DatabaseChecker(db *sql.DB) Checker {
	return func(ctx context.Context) Status {
		ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
		defer cancel()
		if err := db.PingContext(ctx); err != nil {
			return Status{Name: "database", Healthy: false, Detail: err.Error()}
		}
		return Status{Name: "database", Healthy: true}
	}
}

// SchedulerStatusFunc reports the scheduler's registered task summaries.
type SchedulerStatusFunc func() (tasks int, lastFailures int)

// SchedulerChecker reports unhealthy when no tasks are registered. Recent
// run failures show up as detail without failing the check: the scheduler
// itself is alive and will retry.
func SchedulerChecker(status SchedulerStatusFunc) Checker {
	return func(_ context.Context) Status {
		tasks, failures := status()
		if tasks == 0 {
			return Status{Name: "scheduler", Healthy: false, Detail: "no tasks registered"}
		}
		s := Status{Name: "scheduler", Healthy: true}
		if failures > 0 {
			s.Detail = fmt.Sprintf("%d recent failed runs", failures)
		}
		return s
	}
}
