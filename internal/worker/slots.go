// Package worker implements the remote batch worker. It connects to
// the coordinator over WebSocket, receives job assignments and runs
// them with the batch orchestrator against the shared database.
package worker

import "sync"

// Slots tracks how many jobs the worker may run at once
type Slots struct {
	mu   sync.Mutex
	cap  int
	free int
}

// NewSlots creates a slot counter with the given capacity
func NewSlots(capacity int) *Slots {
	return &Slots{cap: capacity, free: capacity}
}

// Acquire claims a slot, returning false when all are busy
func (s *Slots) Acquire() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.free <= 0 {
		return false
	}
	s.free--
	return true
}

// Release frees a slot
func (s *Slots) Release() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.free < s.cap {
		s.free++
	}
}

// Free returns the number of open slots
func (s *Slots) Free() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.free
}

// Capacity returns the configured maximum
func (s *Slots) Capacity() int {
	return s.cap
}
