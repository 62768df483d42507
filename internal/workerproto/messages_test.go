package workerproto

import (
	"encoding/json"
	"testing"
)

func TestEnvelopeDispatch(t *testing.T) {
	data, err := MarshalEnvelope(TypeJob, JobMessage{
		JobID:       "job-1",
		ProjectID:   "proj-1",
		Trigger:     "manual",
		TimeoutSecs: 600,
	})
	if err != nil {
		t.Fatalf("MarshalEnvelope: %v", err)
	}

	var env EnvelopeRaw
	if err := json.Unmarshal(data, &env); err != nil {
		t.Fatalf("unmarshal envelope: %v", err)
	}
	if env.Type != TypeJob {
		t.Errorf("got type %q, want %q", env.Type, TypeJob)
	}

	var job JobMessage
	if err := json.Unmarshal(env.Payload, &job); err != nil {
		t.Fatalf("unmarshal payload: %v", err)
	}
	if job.JobID != "job-1" || job.ProjectID != "proj-1" || job.TimeoutSecs != 600 {
		t.Errorf("payload round trip mismatch: %+v", job)
	}
}

func TestEnvelopeWithoutPayload(t *testing.T) {
	data, err := MarshalEnvelope(TypePong, nil)
	if err != nil {
		t.Fatalf("MarshalEnvelope: %v", err)
	}

	var env EnvelopeRaw
	if err := json.Unmarshal(data, &env); err != nil {
		t.Fatalf("unmarshal envelope: %v", err)
	}
	if env.Type != TypePong {
		t.Errorf("got type %q, want %q", env.Type, TypePong)
	}
	if len(env.Payload) != 0 {
		t.Errorf("expected empty payload, got %s", env.Payload)
	}
}
