// Package workerpool runs the coordinator side of the remote worker
// pool. The coordinator tracks connected workers and hands queued
// orchestration jobs from the store to workers with free slots; workers
// run the batch against the shared database and report back over the
// socket.
package workerpool

import (
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// ConnectedWorker is one live worker connection
type ConnectedWorker struct {
	ID          string
	MaxJobs     int
	Conn        *websocket.Conn
	ConnectedAt time.Time

	mu            sync.Mutex
	slots         int
	lastHeartbeat time.Time
	assigned      map[string]struct{} // job ids handed to this worker

	writeMu sync.Mutex // serializes Conn writes
}

// NewConnectedWorker wraps a fresh connection. Slots start at MaxJobs
// until the worker's first ready message says otherwise.
func NewConnectedWorker(id string, maxJobs int, conn *websocket.Conn) *ConnectedWorker {
	return &ConnectedWorker{
		ID:       id,
		MaxJobs:  maxJobs,
		Conn:     conn,
		slots:    maxJobs,
		assigned: make(map[string]struct{}),
	}
}

// SetSlots records the worker's self-reported free slots
func (w *ConnectedWorker) SetSlots(n int) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.slots = n
}

// TakeSlot consumes one free slot. Returns false when none are left.
func (w *ConnectedWorker) TakeSlot() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.slots <= 0 {
		return false
	}
	w.slots--
	return true
}

// Slots returns the current free slot count
func (w *ConnectedWorker) Slots() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.slots
}

// TrackJob remembers that a job was assigned to this worker
func (w *ConnectedWorker) TrackJob(jobID string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.assigned[jobID] = struct{}{}
}

// ReleaseJob forgets an assignment, after completion or cancellation
func (w *ConnectedWorker) ReleaseJob(jobID string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	delete(w.assigned, jobID)
}

// AssignedJobs returns the ids of jobs currently held by this worker
func (w *ConnectedWorker) AssignedJobs() []string {
	w.mu.Lock()
	defer w.mu.Unlock()
	ids := make([]string, 0, len(w.assigned))
	for id := range w.assigned {
		ids = append(ids, id)
	}
	return ids
}

// Heartbeat records a pong from the worker
func (w *ConnectedWorker) Heartbeat(t time.Time) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.lastHeartbeat = t
}

// LastHeartbeat returns the time of the last pong
func (w *ConnectedWorker) LastHeartbeat() time.Time {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.lastHeartbeat
}

// WriteMessage sends raw data on the worker connection, serialized
// against concurrent writers
func (w *ConnectedWorker) WriteMessage(messageType int, data []byte) error {
	w.writeMu.Lock()
	defer w.writeMu.Unlock()
	return w.Conn.WriteMessage(messageType, data)
}

// WorkerStatus is a point-in-time snapshot for status endpoints
type WorkerStatus struct {
	ID          string    `json:"id"`
	MaxJobs     int       `json:"max_jobs"`
	ActiveJobs  int       `json:"active_jobs"`
	ConnectedAt time.Time `json:"connected_at"`
}

// Status snapshots the worker's current state
func (w *ConnectedWorker) Status() WorkerStatus {
	w.mu.Lock()
	defer w.mu.Unlock()
	return WorkerStatus{
		ID:          w.ID,
		MaxJobs:     w.MaxJobs,
		ActiveJobs:  len(w.assigned),
		ConnectedAt: w.ConnectedAt,
	}
}

// Registry tracks connected workers
type Registry struct {
	mu      sync.RWMutex
	workers map[string]*ConnectedWorker
}

// NewRegistry creates an empty worker registry
func NewRegistry() *Registry {
	return &Registry{workers: make(map[string]*ConnectedWorker)}
}

// Register adds a worker, replacing any previous connection with the
// same id
func (r *Registry) Register(w *ConnectedWorker) {
	r.mu.Lock()
	defer r.mu.Unlock()
	now := time.Now()
	w.ConnectedAt = now
	w.Heartbeat(now)
	r.workers[w.ID] = w
}

// Unregister removes a worker. It is a no-op when a newer connection
// already replaced the given one.
func (r *Registry) Unregister(id string, conn *websocket.Conn) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if cur, ok := r.workers[id]; ok && cur.Conn == conn {
		delete(r.workers, id)
	}
}

// Get returns a worker by id, or nil
func (r *Registry) Get(id string) *ConnectedWorker {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.workers[id]
}

// Count returns the number of connected workers
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.workers)
}

// FindReady returns the worker with the most free slots, or nil when
// no worker has capacity
func (r *Registry) FindReady() *ConnectedWorker {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var best *ConnectedWorker
	bestSlots := 0
	for _, w := range r.workers {
		if s := w.Slots(); s > bestSlots {
			best = w
			bestSlots = s
		}
	}
	return best
}

// All returns all connected workers
func (r *Registry) All() []*ConnectedWorker {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*ConnectedWorker, 0, len(r.workers))
	for _, w := range r.workers {
		out = append(out, w)
	}
	return out
}

// TotalSlots sums free slots across all workers
func (r *Registry) TotalSlots() int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	total := 0
	for _, w := range r.workers {
		total += w.Slots()
	}
	return total
}
