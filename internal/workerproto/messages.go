// Package workerproto defines the WebSocket message types exchanged
// between the orchestration coordinator and remote workers. Workers
// share the orchestrator database, so only control traffic crosses the
// socket: registration, slot announcements, job assignment, completion
// and cancellation. Job rows, execution logs and schedule counters are
// read and written through the store by whichever side runs the batch.
package workerproto

import "encoding/json"

// Envelope wraps all messages with a type discriminator.
// When marshaling, Payload can be any message struct.
type Envelope struct {
	Type    string      `json:"type"`
	Payload interface{} `json:"payload,omitempty"`
}

// EnvelopeRaw is used on the receiving side, where the payload is
// unmarshaled based on the message type.
type EnvelopeRaw struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// MarshalEnvelope creates an envelope with the given type and payload
func MarshalEnvelope(msgType string, payload interface{}) ([]byte, error) {
	return json.Marshal(Envelope{Type: msgType, Payload: payload})
}

// Worker -> Coordinator messages

// RegisterMessage is sent once when a worker connects
type RegisterMessage struct {
	WorkerID string `json:"worker_id"`
	MaxJobs  int    `json:"max_jobs"`
}

// ReadyMessage announces the worker's free job slots
type ReadyMessage struct {
	Slots int `json:"slots"`
}

// CompleteMessage reports that an assigned job reached a terminal
// state. Status echoes the job row so the coordinator can log the
// outcome without an extra store read.
type CompleteMessage struct {
	JobID      string `json:"job_id"`
	Status     string `json:"status"`
	DurationMs int64  `json:"duration_ms"`
}

// ErrorMessage reports that a job could not be run at all, for example
// when no slot was free or the batch runner returned an error
type ErrorMessage struct {
	JobID   string `json:"job_id"`
	Message string `json:"message"`
}

// Coordinator -> Worker messages

// JobMessage assigns a queued orchestration job to a worker. The worker
// loads everything else from the shared store by job id; ProjectID and
// Trigger ride along for logging only.
type JobMessage struct {
	JobID       string `json:"job_id"`
	ProjectID   string `json:"project_id"`
	Trigger     string `json:"trigger,omitempty"`
	TimeoutSecs int    `json:"timeout_secs,omitempty"`
}

// CancelMessage asks the worker to cancel a running job
type CancelMessage struct {
	JobID string `json:"job_id"`
}

// Message type constants
const (
	TypeRegister = "register"
	TypeReady    = "ready"
	TypeComplete = "complete"
	TypeError    = "error"
	TypeJob      = "job"
	TypeCancel   = "cancel"
	TypePing     = "ping"
	TypePong     = "pong"
)
