package service

import (
	"context"
	"fmt"
	"time"
)

// Pinger is any dependency that can report liveness.
type Pinger interface {
	Ping(ctx context.Context) error
}

// PingFunc adapts a function to Pinger.
type PingFunc func(ctx context.Context) error

func (f PingFunc) Ping(ctx context.Context) error { return f(ctx) }

// HealthService defines the interface for checking application health
type HealthService interface {
	Check(ctx context.Context) map[string]string
	Healthy(status map[string]string) bool
}

type healthService struct {
	deps    map[string]Pinger
	timeout time.Duration
}

// NewHealthService checks every named dependency on each readiness check.
func NewHealthService(deps map[string]Pinger) HealthService {
	return &healthService{deps: deps, timeout: 2 * time.Second}
}

func (s *healthService) Check(ctx context.Context) map[string]string {
	healthStatus := make(map[string]string, len(s.deps))

	for name, dep := range s.deps {
		depCtx, cancel := context.WithTimeout(ctx, s.timeout)
		if err := dep.Ping(depCtx); err != nil {
			healthStatus[name] = fmt.Sprintf("error: %s", err.Error())
		} else {
			healthStatus[name] = "ok"
		}
		cancel()
	}
	return healthStatus
}

func (s *healthService) Healthy(status map[string]string) bool {
	for _, v := range status {
		if v != "ok" {
			return false
		}
	}
	return true
}
