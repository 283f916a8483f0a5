// Package service provides the lifecycle contract every long-running
// component of the core (the Command Queue worker, the Position Pipeline,
// the Mount Controller façade itself) implements: Initialize/Start/Stop
// plus a queryable Health, so a diagnostics surface can report on any of
// them uniformly.
package service

import (
	"context"
	"sync"
	"time"

	"github.com/darkdragonsastro/mountcore/internal/eventbus"
)

// Status is the coarse health state of a Service.
type Status string

const (
	StatusUnknown   Status = "unknown"
	StatusHealthy   Status = "healthy"
	StatusDegraded  Status = "degraded"
	StatusUnhealthy Status = "unhealthy"
)

// HealthStatus reports a component's current health and when it last
// changed.
type HealthStatus struct {
	Status    Status    `json:"status"`
	Message   string    `json:"message"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Service is implemented by every long-running component owned by the
// Mount Controller façade.
type Service interface {
	Initialize(ctx context.Context) error
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
	Health() HealthStatus
	Name() string
}

// BaseService implements the bookkeeping shared by every Service: name,
// health, and an optional event bus to publish health transitions on, so
// the diagnostics layer can surface "mount went unhealthy" without
// polling.
type BaseService struct {
	mu     sync.RWMutex
	name   string
	health HealthStatus
	bus    eventbus.EventBus
}

// NewBaseService creates a base service named name. bus may be nil, in
// which case health transitions are not published anywhere.
func NewBaseService(name string, bus eventbus.EventBus) *BaseService {
	return &BaseService{
		name: name,
		health: HealthStatus{
			Status:    StatusUnknown,
			Message:   "not initialized",
			UpdatedAt: time.Now().UTC(),
		},
		bus: bus,
	}
}

func (s *BaseService) Name() string { return s.name }

func (s *BaseService) Health() HealthStatus {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.health
}

func (s *BaseService) setStatus(status Status, msg string) {
	s.mu.Lock()
	s.health = HealthStatus{Status: status, Message: msg, UpdatedAt: time.Now().UTC()}
	s.mu.Unlock()

	if s.bus != nil {
		severity := eventbus.Information
		if status == StatusDegraded {
			severity = eventbus.Warning
		} else if status == StatusUnhealthy {
			severity = eventbus.Error
		}
		eventbus.PublishRecord(s.bus, s.name, "health", severity, "Health", msg)
	}
}

func (s *BaseService) SetHealthy(msg string)   { s.setStatus(StatusHealthy, msg) }
func (s *BaseService) SetDegraded(msg string)  { s.setStatus(StatusDegraded, msg) }
func (s *BaseService) SetUnhealthy(msg string) { s.setStatus(StatusUnhealthy, msg) }

// Initialize is a no-op default; embedding types override it.
func (s *BaseService) Initialize(ctx context.Context) error { return nil }

// Start marks the service healthy by default; embedding types override it
// to do real work and call SetHealthy themselves.
func (s *BaseService) Start(ctx context.Context) error {
	s.SetHealthy("started")
	return nil
}

// Stop marks the service unhealthy (stopped) by default.
func (s *BaseService) Stop(ctx context.Context) error {
	s.SetUnhealthy("stopped")
	return nil
}
