package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/manicinc/synthstack-sub004/internal/orchestrator"
	"github.com/manicinc/synthstack-sub004/internal/store"
	"github.com/manicinc/synthstack-sub004/internal/workerproto"
)

// Reconnection backoff
const (
	initialBackoff = 1 * time.Second
	maxBackoff     = 60 * time.Second
	backoffFactor  = 2
)

// backoffDelay returns the reconnect delay for an attempt number
func backoffDelay(attempt int) time.Duration {
	delay := initialBackoff
	for i := 0; i < attempt; i++ {
		delay *= backoffFactor
		if delay > maxBackoff {
			return maxBackoff
		}
	}
	return delay
}

// pingWait is how long we wait for a coordinator ping before giving up
// on the connection
const pingWait = 90 * time.Second

// writeWait bounds control frame writes
const writeWait = 10 * time.Second

// Config configures the worker client
type Config struct {
	CoordinatorURL string
	WorkerID       string // defaults to hostname-pid
	MaxJobs        int
	JobTimeout     time.Duration // used when an assignment carries no timeout
}

// Validate checks the config is usable
func (c *Config) Validate() error {
	if c.CoordinatorURL == "" {
		return fmt.Errorf("coordinator_url is required")
	}
	if c.MaxJobs <= 0 {
		return fmt.Errorf("max_jobs must be positive")
	}
	return nil
}

// Client is a worker that runs orchestration jobs assigned by the
// coordinator. Jobs execute through the batch runner against the
// shared database; the socket only carries control messages.
type Client struct {
	cfg    Config
	slots  *Slots
	store  *store.Store
	runner *orchestrator.Runner

	mu   sync.Mutex
	conn *websocket.Conn

	ctx    context.Context
	cancel context.CancelFunc

	jobsMu sync.Mutex
	jobs   map[string]context.CancelFunc
}

// New creates a worker client
func New(cfg Config, st *store.Store, runner *orchestrator.Runner) (*Client, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if cfg.WorkerID == "" {
		host, _ := os.Hostname()
		cfg.WorkerID = fmt.Sprintf("%s-%d", host, os.Getpid())
	}
	if cfg.JobTimeout == 0 {
		cfg.JobTimeout = 30 * time.Minute
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Client{
		cfg:    cfg,
		slots:  NewSlots(cfg.MaxJobs),
		store:  st,
		runner: runner,
		ctx:    ctx,
		cancel: cancel,
		jobs:   make(map[string]context.CancelFunc),
	}, nil
}

// Connect dials the coordinator and registers
func (c *Client) Connect() error {
	conn, _, err := websocket.DefaultDialer.Dial(c.cfg.CoordinatorURL, nil)
	if err != nil {
		return fmt.Errorf("dial failed: %w", err)
	}

	conn.SetReadDeadline(time.Now().Add(pingWait))
	conn.SetPingHandler(func(appData string) error {
		conn.SetReadDeadline(time.Now().Add(pingWait))
		err := conn.WriteControl(websocket.PongMessage, []byte(appData), time.Now().Add(writeWait))
		if err != nil {
			log.Printf("worker: send pong: %v", err)
		}
		return err
	})

	c.mu.Lock()
	c.conn = conn
	c.mu.Unlock()

	return c.send(workerproto.TypeRegister, workerproto.RegisterMessage{
		WorkerID: c.cfg.WorkerID,
		MaxJobs:  c.cfg.MaxJobs,
	})
}

// Run reads coordinator messages until the connection drops or the
// client is stopped
func (c *Client) Run() error {
	if err := c.sendReady(); err != nil {
		return err
	}

	for {
		select {
		case <-c.ctx.Done():
			return nil
		default:
		}

		_, message, err := c.conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("read failed: %w", err)
		}
		c.conn.SetReadDeadline(time.Now().Add(pingWait))

		var env workerproto.EnvelopeRaw
		if err := json.Unmarshal(message, &env); err != nil {
			log.Printf("worker: invalid message: %v", err)
			continue
		}

		switch env.Type {
		case workerproto.TypeJob:
			var job workerproto.JobMessage
			if err := json.Unmarshal(env.Payload, &job); err != nil {
				log.Printf("worker: invalid job message: %v", err)
				continue
			}
			go c.handleJob(job)

		case workerproto.TypeCancel:
			var cancel workerproto.CancelMessage
			if err := json.Unmarshal(env.Payload, &cancel); err != nil {
				log.Printf("worker: invalid cancel message: %v", err)
				continue
			}
			log.Printf("worker: cancelling job %s", cancel.JobID)
			c.CancelJob(cancel.JobID)

		case workerproto.TypePing:
			// Application-level ping, kept for older coordinators
			c.send(workerproto.TypePong, nil)
		}
	}
}

// RunWithReconnect keeps the worker connected, redialing with
// exponential backoff after failures
func (c *Client) RunWithReconnect() error {
	attempt := 0

	for {
		select {
		case <-c.ctx.Done():
			return nil
		default:
		}

		if err := c.Connect(); err != nil {
			delay := backoffDelay(attempt)
			log.Printf("worker: connect failed: %v, retrying in %v", err, delay)
			attempt++

			select {
			case <-c.ctx.Done():
				return nil
			case <-time.After(delay):
				continue
			}
		}

		attempt = 0
		log.Printf("worker: connected to coordinator as %s", c.cfg.WorkerID)

		err := c.Run()

		c.mu.Lock()
		if c.conn != nil {
			c.conn.Close()
			c.conn = nil
		}
		c.mu.Unlock()

		if err != nil {
			log.Printf("worker: disconnected: %v", err)
		}

		select {
		case <-c.ctx.Done():
			return nil
		default:
		}
	}
}

// Stop shuts the worker down. Jobs already running are cancelled
// through their contexts.
func (c *Client) Stop() {
	c.cancel()
	c.mu.Lock()
	if c.conn != nil {
		c.conn.Close()
		c.conn = nil
	}
	c.mu.Unlock()
}

func (c *Client) handleJob(msg workerproto.JobMessage) {
	if !c.slots.Acquire() {
		c.send(workerproto.TypeError, workerproto.ErrorMessage{
			JobID:   msg.JobID,
			Message: "no slots available",
		})
		return
	}
	defer func() {
		c.slots.Release()
		c.UntrackJob(msg.JobID)
		c.sendReady()
	}()

	timeout := time.Duration(msg.TimeoutSecs) * time.Second
	if timeout == 0 {
		timeout = c.cfg.JobTimeout
	}

	ctx, cancel := context.WithTimeout(c.ctx, timeout)
	defer cancel()
	c.TrackJob(msg.JobID, cancel)

	started := time.Now()
	if err := c.runner.Run(ctx, msg.JobID); err != nil {
		c.send(workerproto.TypeError, workerproto.ErrorMessage{
			JobID:   msg.JobID,
			Message: err.Error(),
		})
		return
	}

	// Report whatever terminal state the runner left in the store
	status, err := c.store.GetJobStatus(msg.JobID)
	if err != nil {
		log.Printf("worker: job %s status after run: %v", msg.JobID, err)
	}
	c.send(workerproto.TypeComplete, workerproto.CompleteMessage{
		JobID:      msg.JobID,
		Status:     string(status),
		DurationMs: time.Since(started).Milliseconds(),
	})
}

func (c *Client) sendReady() error {
	return c.send(workerproto.TypeReady, workerproto.ReadyMessage{
		Slots: c.slots.Free(),
	})
}

func (c *Client) send(msgType string, payload interface{}) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.conn == nil {
		return fmt.Errorf("not connected")
	}
	data, err := workerproto.MarshalEnvelope(msgType, payload)
	if err != nil {
		return err
	}
	return c.conn.WriteMessage(websocket.TextMessage, data)
}

// TrackJob registers a job's cancel function
func (c *Client) TrackJob(jobID string, cancel context.CancelFunc) {
	c.jobsMu.Lock()
	defer c.jobsMu.Unlock()
	c.jobs[jobID] = cancel
}

// UntrackJob removes a job from tracking
func (c *Client) UntrackJob(jobID string) {
	c.jobsMu.Lock()
	defer c.jobsMu.Unlock()
	delete(c.jobs, jobID)
}

// HasJob reports whether a job is currently tracked
func (c *Client) HasJob(jobID string) bool {
	c.jobsMu.Lock()
	defer c.jobsMu.Unlock()
	_, ok := c.jobs[jobID]
	return ok
}

// CancelJob cancels a running job's context
func (c *Client) CancelJob(jobID string) {
	c.jobsMu.Lock()
	cancel, ok := c.jobs[jobID]
	if ok {
		delete(c.jobs, jobID)
	}
	c.jobsMu.Unlock()

	if ok && cancel != nil {
		cancel()
	}
}
