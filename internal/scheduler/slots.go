package scheduler

import (
	"sync"
	"sync/atomic"
)

// semaphore is a channel-based semaphore pre-filled with limit tokens.
type semaphore struct {
	ch chan struct{}
}

func newSemaphore(limit int) *semaphore {
	if limit <= 0 {
		return nil
	}
	s := &semaphore{ch: make(chan struct{}, limit)}
	for i := 0; i < limit; i++ {
		s.ch <- struct{}{}
	}
	return s
}

func (s *semaphore) tryAcquire() bool {
	if s == nil {
		return true
	}
	select {
	case <-s.ch:
		return true
	default:
		return false
	}
}

func (s *semaphore) release() {
	if s == nil {
		return
	}
	select {
	case s.ch <- struct{}{}:
	default:
	}
}

// Slots accounts dispatch slots against a global limit and a per-tenant
// limit. A tenant limit of zero means the tenant is bounded only globally.
type Slots struct {
	global       *semaphore
	tenantLimit  int
	tenantLimits map[string]int

	mu      sync.Mutex
	tenants map[string]*semaphore
	inUse   atomic.Int64
}

func NewSlots(global, tenantDefault int, overrides map[string]int) *Slots {
	if global <= 0 {
		global = 1
	}
	return &Slots{
		global:       newSemaphore(global),
		tenantLimit:  tenantDefault,
		tenantLimits: overrides,
		tenants:      make(map[string]*semaphore),
	}
}

func (s *Slots) tenant(name string) *semaphore {
	s.mu.Lock()
	defer s.mu.Unlock()
	sem, ok := s.tenants[name]
	if !ok {
		limit := s.tenantLimit
		if l, ok := s.tenantLimits[name]; ok {
			limit = l
		}
		sem = newSemaphore(limit)
		s.tenants[name] = sem
	}
	return sem
}

// TryAcquire takes one global and one tenant slot, or neither.
func (s *Slots) TryAcquire(tenant string) bool {
	if !s.global.tryAcquire() {
		return false
	}
	if !s.tenant(tenant).tryAcquire() {
		s.global.release()
		return false
	}
	s.inUse.Add(1)
	return true
}

func (s *Slots) Release(tenant string) {
	s.tenant(tenant).release()
	s.global.release()
	s.inUse.Add(-1)
}

func (s *Slots) InUse() int { return int(s.inUse.Load()) }
