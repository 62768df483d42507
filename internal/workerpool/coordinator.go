package workerpool

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/manicinc/synthstack-sub004/internal/domain"
	"github.com/manicinc/synthstack-sub004/internal/store"
	"github.com/manicinc/synthstack-sub004/internal/workerproto"
)

// Config configures the coordinator
type Config struct {
	HeartbeatInterval time.Duration
	HeartbeatTimeout  time.Duration
	AssignInterval    time.Duration // poll fallback between ready kicks
	JobTimeout        time.Duration // cap handed to workers per job
}

// Coordinator hands queued jobs from the store to connected workers.
// Queued rows are the queue; the coordinator only tracks which of them
// are currently in a worker's hands so it never double-assigns.
type Coordinator struct {
	cfg      Config
	store    *store.Store
	registry *Registry
	upgrader websocket.Upgrader

	mu       sync.Mutex
	paused   bool
	inFlight map[string]string // job id -> worker id

	kick chan struct{}
}

// New creates a coordinator over the given store
func New(cfg Config, st *store.Store) *Coordinator {
	if cfg.HeartbeatInterval == 0 {
		cfg.HeartbeatInterval = 30 * time.Second
	}
	if cfg.HeartbeatTimeout == 0 {
		cfg.HeartbeatTimeout = 90 * time.Second // two missed heartbeats
	}
	if cfg.AssignInterval == 0 {
		cfg.AssignInterval = 2 * time.Second
	}
	if cfg.JobTimeout == 0 {
		cfg.JobTimeout = 30 * time.Minute
	}

	return &Coordinator{
		cfg:      cfg,
		store:    st,
		registry: NewRegistry(),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		inFlight: make(map[string]string),
		kick:     make(chan struct{}, 1),
	}
}

// Registry returns the worker registry
func (c *Coordinator) Registry() *Registry {
	return c.registry
}

// Run drives assignment and heartbeats until the context is cancelled
func (c *Coordinator) Run(ctx context.Context) {
	go c.heartbeatLoop(ctx)

	ticker := time.NewTicker(c.cfg.AssignInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		case <-c.kick:
		}
		c.assignQueued()
	}
}

// Kick wakes the assignment loop without waiting for the next tick
func (c *Coordinator) Kick() {
	select {
	case c.kick <- struct{}{}:
	default:
	}
}

// Pause stops handing out jobs. Queued rows keep accumulating.
func (c *Coordinator) Pause() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.paused = true
}

// Resume restarts assignment
func (c *Coordinator) Resume() {
	c.mu.Lock()
	c.paused = false
	c.mu.Unlock()
	c.Kick()
}

// IsPaused reports whether assignment is paused
func (c *Coordinator) IsPaused() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.paused
}

// InFlightCount returns the number of jobs currently held by workers
func (c *Coordinator) InFlightCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.inFlight)
}

// WorkerStatuses snapshots all connected workers for status endpoints
func (c *Coordinator) WorkerStatuses() []WorkerStatus {
	workers := c.registry.All()
	out := make([]WorkerStatus, 0, len(workers))
	for _, w := range workers {
		out = append(out, w.Status())
	}
	return out
}

// CancelJob interrupts a job on whichever worker holds it. Callers
// cancel the row in the store first; queued jobs need no socket traffic.
func (c *Coordinator) CancelJob(jobID string) {
	c.mu.Lock()
	workerID, ok := c.inFlight[jobID]
	c.mu.Unlock()
	if !ok {
		return
	}
	w := c.registry.Get(workerID)
	if w == nil {
		return
	}

	data, err := workerproto.MarshalEnvelope(workerproto.TypeCancel, workerproto.CancelMessage{JobID: jobID})
	if err != nil {
		log.Printf("workerpool: marshal cancel: %v", err)
		return
	}
	if err := w.WriteMessage(websocket.TextMessage, data); err != nil {
		log.Printf("workerpool: cancel job %s on %s: %v", jobID, workerID, err)
	}
}

// HandleWebSocket upgrades an incoming worker connection
func (c *Coordinator) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := c.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("workerpool: upgrade failed: %v", err)
		return
	}
	go c.handleWorkerConnection(conn)
}

func (c *Coordinator) handleWorkerConnection(conn *websocket.Conn) {
	var workerID string
	defer func() {
		conn.Close()
		if workerID != "" {
			c.registry.Unregister(workerID, conn)
			c.requeueWorkerJobs(workerID)
			c.Kick()
			log.Printf("workerpool: worker %s disconnected", workerID)
		}
	}()

	conn.SetReadDeadline(time.Now().Add(c.cfg.HeartbeatTimeout))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(c.cfg.HeartbeatTimeout))
		if w := c.registry.Get(workerID); w != nil {
			w.Heartbeat(time.Now())
		}
		return nil
	})

	for {
		_, message, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				log.Printf("workerpool: read error: %v", err)
			}
			return
		}

		conn.SetReadDeadline(time.Now().Add(c.cfg.HeartbeatTimeout))

		var env workerproto.EnvelopeRaw
		if err := json.Unmarshal(message, &env); err != nil {
			log.Printf("workerpool: invalid message: %v", err)
			continue
		}

		switch env.Type {
		case workerproto.TypeRegister:
			var reg workerproto.RegisterMessage
			if err := json.Unmarshal(env.Payload, &reg); err != nil {
				log.Printf("workerpool: invalid register: %v", err)
				continue
			}
			workerID = reg.WorkerID
			c.registry.Register(NewConnectedWorker(reg.WorkerID, reg.MaxJobs, conn))
			log.Printf("workerpool: worker %s registered (max_jobs=%d)", reg.WorkerID, reg.MaxJobs)

		case workerproto.TypeReady:
			var ready workerproto.ReadyMessage
			if err := json.Unmarshal(env.Payload, &ready); err != nil {
				log.Printf("workerpool: invalid ready: %v", err)
				continue
			}
			if w := c.registry.Get(workerID); w != nil {
				w.SetSlots(ready.Slots)
				c.Kick()
			}

		case workerproto.TypeComplete:
			var complete workerproto.CompleteMessage
			if err := json.Unmarshal(env.Payload, &complete); err != nil {
				log.Printf("workerpool: invalid complete: %v", err)
				continue
			}
			c.releaseAssignment(complete.JobID)
			c.Kick()
			log.Printf("workerpool: job %s finished on %s: %s in %dms",
				complete.JobID, workerID, complete.Status, complete.DurationMs)

		case workerproto.TypeError:
			var errMsg workerproto.ErrorMessage
			if err := json.Unmarshal(env.Payload, &errMsg); err != nil {
				log.Printf("workerpool: invalid error: %v", err)
				continue
			}
			log.Printf("workerpool: job %s failed on %s: %s", errMsg.JobID, workerID, errMsg.Message)
			c.handleJobError(errMsg.JobID, errMsg.Message)

		case workerproto.TypePong:
			if w := c.registry.Get(workerID); w != nil {
				w.Heartbeat(time.Now())
			}
		}
	}
}

// assignQueued walks queued rows in dispatch order and hands each to a
// worker with a free slot
func (c *Coordinator) assignQueued() {
	if c.IsPaused() {
		return
	}

	jobs, err := c.store.ListQueuedJobs()
	if err != nil {
		log.Printf("workerpool: list queued jobs: %v", err)
		return
	}

	for _, job := range jobs {
		if c.isInFlight(job.ID) {
			continue
		}
		w := c.registry.FindReady()
		if w == nil {
			return
		}
		if !w.TakeSlot() {
			continue
		}

		msg := workerproto.JobMessage{
			JobID:       job.ID,
			ProjectID:   job.ProjectID,
			Trigger:     string(job.Trigger),
			TimeoutSecs: int(c.cfg.JobTimeout / time.Second),
		}
		data, err := workerproto.MarshalEnvelope(workerproto.TypeJob, msg)
		if err != nil {
			log.Printf("workerpool: marshal job: %v", err)
			return
		}
		if err := w.WriteMessage(websocket.TextMessage, data); err != nil {
			log.Printf("workerpool: send job %s to %s: %v", job.ID, w.ID, err)
			w.Conn.Close() // read loop unregisters and requeues
			continue
		}

		c.markInFlight(job.ID, w.ID)
		w.TrackJob(job.ID)
		log.Printf("workerpool: job %s assigned to %s", job.ID, w.ID)
	}
}

func (c *Coordinator) isInFlight(jobID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.inFlight[jobID]
	return ok
}

func (c *Coordinator) markInFlight(jobID, workerID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.inFlight[jobID] = workerID
}

func (c *Coordinator) releaseAssignment(jobID string) {
	c.mu.Lock()
	workerID, ok := c.inFlight[jobID]
	delete(c.inFlight, jobID)
	c.mu.Unlock()

	if ok {
		if w := c.registry.Get(workerID); w != nil {
			w.ReleaseJob(jobID)
		}
	}
}

// handleJobError reconciles a job the worker could not run. A row the
// worker never claimed stays queued and is simply reassigned; a row
// stranded in running is failed so the retry worker can pick it up.
func (c *Coordinator) handleJobError(jobID, message string) {
	c.releaseAssignment(jobID)

	status, err := c.store.GetJobStatus(jobID)
	if err != nil {
		log.Printf("workerpool: job %s status: %v", jobID, err)
		return
	}
	if status != domain.JobRunning {
		c.Kick()
		return
	}

	job, err := c.store.GetJob(jobID)
	if err != nil {
		log.Printf("workerpool: load job %s: %v", jobID, err)
		return
	}
	now := time.Now().UTC()
	job.Status = domain.JobFailed
	job.CompletedAt = &now
	job.Error = message
	if err := c.store.FinishJob(job); err != nil {
		log.Printf("workerpool: fail job %s: %v", jobID, err)
	}
}

// requeueWorkerJobs pushes a dead worker's in-flight jobs back into the
// queue so another worker can pick them up
func (c *Coordinator) requeueWorkerJobs(workerID string) {
	c.mu.Lock()
	var jobIDs []string
	for jobID, wid := range c.inFlight {
		if wid == workerID {
			jobIDs = append(jobIDs, jobID)
			delete(c.inFlight, jobID)
		}
	}
	c.mu.Unlock()

	for _, jobID := range jobIDs {
		released, err := c.store.ReleaseRunningJob(jobID)
		if err != nil {
			log.Printf("workerpool: release job %s: %v", jobID, err)
			continue
		}
		if released {
			log.Printf("workerpool: job %s requeued after worker %s died", jobID, workerID)
		}
	}
}

func (c *Coordinator) heartbeatLoop(ctx context.Context) {
	ticker := time.NewTicker(c.cfg.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.sendHeartbeats()
		}
	}
}

func (c *Coordinator) sendHeartbeats() {
	for _, w := range c.registry.All() {
		w.writeMu.Lock()
		w.Conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
		err := w.Conn.WriteMessage(websocket.PingMessage, nil)
		w.Conn.SetWriteDeadline(time.Time{})
		w.writeMu.Unlock()

		if err != nil {
			log.Printf("workerpool: ping to %s failed: %v", w.ID, err)
			w.Conn.Close() // read loop handles cleanup
		}
	}
}
