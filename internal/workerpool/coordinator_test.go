package workerpool

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/manicinc/synthstack-sub004/internal/domain"
	"github.com/manicinc/synthstack-sub004/internal/store"
	"github.com/manicinc/synthstack-sub004/internal/workerproto"
)

func newTestStore(t *testing.T) *store.Store {
	t.Helper()
	s, err := store.New(":memory:")
	if err != nil {
		t.Fatalf("store.New: %v", err)
	}
	t.Cleanup(func() { s.Close() })

	if err := s.UpsertProject(&domain.Project{ID: "proj-1", Name: "Test Project"}); err != nil {
		t.Fatalf("UpsertProject: %v", err)
	}
	return s
}

func queueJob(t *testing.T, s *store.Store, id string, priority int) {
	t.Helper()
	err := s.CreateJob(&domain.Job{
		ID:          id,
		ProjectID:   "proj-1",
		Type:        domain.JobTypeBatch,
		Trigger:     domain.TriggerManual,
		Priority:    priority,
		ScheduledAt: time.Now().UTC(),
		MaxAttempts: 3,
	})
	if err != nil {
		t.Fatalf("CreateJob(%s): %v", id, err)
	}
}

// startCoordinator runs a coordinator with a fast assignment tick and
// serves its websocket endpoint on a test server.
func startCoordinator(t *testing.T, s *store.Store) (*Coordinator, string) {
	t.Helper()
	coord := New(Config{AssignInterval: 20 * time.Millisecond}, s)

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go coord.Run(ctx)

	server := httptest.NewServer(http.HandlerFunc(coord.HandleWebSocket))
	t.Cleanup(server.Close)

	return coord, "ws" + strings.TrimPrefix(server.URL, "http")
}

func dialWorker(t *testing.T, wsURL, workerID string, maxJobs int) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { conn.Close() })

	register := fmt.Sprintf(`{"type":"register","payload":{"worker_id":%q,"max_jobs":%d}}`, workerID, maxJobs)
	if err := conn.WriteMessage(websocket.TextMessage, []byte(register)); err != nil {
		t.Fatalf("write register: %v", err)
	}
	ready := fmt.Sprintf(`{"type":"ready","payload":{"slots":%d}}`, maxJobs)
	if err := conn.WriteMessage(websocket.TextMessage, []byte(ready)); err != nil {
		t.Fatalf("write ready: %v", err)
	}
	return conn
}

// readEnvelope reads frames until one of the wanted type arrives
func readEnvelope(t *testing.T, conn *websocket.Conn, wantType string, timeout time.Duration) json.RawMessage {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(timeout))
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			t.Fatalf("read (waiting for %s): %v", wantType, err)
		}
		var env workerproto.EnvelopeRaw
		if err := json.Unmarshal(data, &env); err != nil {
			t.Fatalf("unmarshal envelope: %v", err)
		}
		if env.Type == wantType {
			return env.Payload
		}
	}
}

func TestCoordinator_RegisterAndDisconnect(t *testing.T) {
	s := newTestStore(t)
	coord, wsURL := startCoordinator(t, s)

	conn := dialWorker(t, wsURL, "worker-1", 4)
	time.Sleep(50 * time.Millisecond)

	if coord.Registry().Count() != 1 {
		t.Fatalf("got worker count=%d, want 1", coord.Registry().Count())
	}
	w := coord.Registry().Get("worker-1")
	if w == nil || w.MaxJobs != 4 {
		t.Fatalf("worker-1 not registered correctly: %+v", w)
	}

	conn.Close()
	time.Sleep(50 * time.Millisecond)

	if coord.Registry().Count() != 0 {
		t.Errorf("got worker count=%d after close, want 0", coord.Registry().Count())
	}
}

func TestCoordinator_AssignsInPriorityOrder(t *testing.T) {
	s := newTestStore(t)
	queueJob(t, s, "job-low", 2)
	queueJob(t, s, "job-high", 8)

	_, wsURL := startCoordinator(t, s)
	conn := dialWorker(t, wsURL, "worker-1", 1)

	var first workerproto.JobMessage
	if err := json.Unmarshal(readEnvelope(t, conn, workerproto.TypeJob, time.Second), &first); err != nil {
		t.Fatalf("unmarshal job: %v", err)
	}
	if first.JobID != "job-high" {
		t.Fatalf("first assignment = %s, want job-high", first.JobID)
	}
	if first.ProjectID != "proj-1" {
		t.Errorf("project id = %s, want proj-1", first.ProjectID)
	}

	// The worker claims the row, finishes, and frees its slot.
	if _, err := s.ClaimJob("job-high", time.Now().UTC()); err != nil {
		t.Fatalf("ClaimJob: %v", err)
	}
	complete := `{"type":"complete","payload":{"job_id":"job-high","status":"completed","duration_ms":5}}`
	if err := conn.WriteMessage(websocket.TextMessage, []byte(complete)); err != nil {
		t.Fatalf("write complete: %v", err)
	}
	if err := conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"ready","payload":{"slots":1}}`)); err != nil {
		t.Fatalf("write ready: %v", err)
	}

	var second workerproto.JobMessage
	if err := json.Unmarshal(readEnvelope(t, conn, workerproto.TypeJob, time.Second), &second); err != nil {
		t.Fatalf("unmarshal job: %v", err)
	}
	if second.JobID != "job-low" {
		t.Errorf("second assignment = %s, want job-low", second.JobID)
	}
}

func TestCoordinator_PausedHandsOutNothing(t *testing.T) {
	s := newTestStore(t)
	coord, wsURL := startCoordinator(t, s)
	coord.Pause()

	queueJob(t, s, "job-1", 5)
	conn := dialWorker(t, wsURL, "worker-1", 2)

	conn.SetReadDeadline(time.Now().Add(150 * time.Millisecond))
	if _, _, err := conn.ReadMessage(); err == nil {
		t.Fatal("received a frame while paused, want none")
	}

	// Resume must hand the waiting row out. Reconnect since the failed
	// read poisoned the old connection client-side.
	conn.Close()
	time.Sleep(50 * time.Millisecond)
	conn = dialWorker(t, wsURL, "worker-1b", 2)
	coord.Resume()

	var job workerproto.JobMessage
	if err := json.Unmarshal(readEnvelope(t, conn, workerproto.TypeJob, time.Second), &job); err != nil {
		t.Fatalf("unmarshal job: %v", err)
	}
	if job.JobID != "job-1" {
		t.Errorf("assignment = %s, want job-1", job.JobID)
	}
}

func TestCoordinator_DeadWorkerRequeuesRunningJob(t *testing.T) {
	s := newTestStore(t)
	queueJob(t, s, "job-1", 5)

	coord, wsURL := startCoordinator(t, s)
	conn := dialWorker(t, wsURL, "worker-1", 1)

	readEnvelope(t, conn, workerproto.TypeJob, time.Second)
	if _, err := s.ClaimJob("job-1", time.Now().UTC()); err != nil {
		t.Fatalf("ClaimJob: %v", err)
	}

	conn.Close()
	time.Sleep(100 * time.Millisecond)

	status, err := s.GetJobStatus("job-1")
	if err != nil {
		t.Fatalf("GetJobStatus: %v", err)
	}
	if status != domain.JobQueued {
		t.Errorf("status after worker death = %s, want queued", status)
	}
	if coord.InFlightCount() != 0 {
		t.Errorf("in-flight count = %d, want 0", coord.InFlightCount())
	}
}

func TestCoordinator_ErrorFailsStrandedRunningJob(t *testing.T) {
	s := newTestStore(t)
	queueJob(t, s, "job-1", 5)

	_, wsURL := startCoordinator(t, s)
	conn := dialWorker(t, wsURL, "worker-1", 1)

	readEnvelope(t, conn, workerproto.TypeJob, time.Second)
	if _, err := s.ClaimJob("job-1", time.Now().UTC()); err != nil {
		t.Fatalf("ClaimJob: %v", err)
	}

	errMsg := `{"type":"error","payload":{"job_id":"job-1","message":"runner crashed"}}`
	if err := conn.WriteMessage(websocket.TextMessage, []byte(errMsg)); err != nil {
		t.Fatalf("write error: %v", err)
	}
	time.Sleep(100 * time.Millisecond)

	job, err := s.GetJob("job-1")
	if err != nil {
		t.Fatalf("GetJob: %v", err)
	}
	if job.Status != domain.JobFailed {
		t.Errorf("status = %s, want failed", job.Status)
	}
	if job.Error != "runner crashed" {
		t.Errorf("error = %q, want %q", job.Error, "runner crashed")
	}
}

func TestCoordinator_ErrorLeavesUnclaimedJobQueued(t *testing.T) {
	s := newTestStore(t)
	queueJob(t, s, "job-1", 5)

	_, wsURL := startCoordinator(t, s)
	conn := dialWorker(t, wsURL, "worker-1", 1)

	readEnvelope(t, conn, workerproto.TypeJob, time.Second)

	// Worker rejects before claiming, e.g. no slot was actually free.
	errMsg := `{"type":"error","payload":{"job_id":"job-1","message":"no slots available"}}`
	if err := conn.WriteMessage(websocket.TextMessage, []byte(errMsg)); err != nil {
		t.Fatalf("write error: %v", err)
	}
	time.Sleep(100 * time.Millisecond)

	status, err := s.GetJobStatus("job-1")
	if err != nil {
		t.Fatalf("GetJobStatus: %v", err)
	}
	if status != domain.JobQueued {
		t.Errorf("status = %s, want queued", status)
	}
}

func TestCoordinator_CancelJobReachesWorker(t *testing.T) {
	s := newTestStore(t)
	queueJob(t, s, "job-1", 5)

	coord, wsURL := startCoordinator(t, s)
	conn := dialWorker(t, wsURL, "worker-1", 1)

	readEnvelope(t, conn, workerproto.TypeJob, time.Second)

	coord.CancelJob("job-1")

	var cancel workerproto.CancelMessage
	if err := json.Unmarshal(readEnvelope(t, conn, workerproto.TypeCancel, time.Second), &cancel); err != nil {
		t.Fatalf("unmarshal cancel: %v", err)
	}
	if cancel.JobID != "job-1" {
		t.Errorf("cancel job id = %s, want job-1", cancel.JobID)
	}
}
