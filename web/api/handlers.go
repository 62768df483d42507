package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/manicinc/synthstack-sub004/internal/dispatch"
	"github.com/manicinc/synthstack-sub004/internal/domain"
	"github.com/manicinc/synthstack-sub004/internal/schedule"
	"github.com/manicinc/synthstack-sub004/internal/store"
)

// JobResponse is the API response for a job
type JobResponse struct {
	ID              string  `json:"id"`
	ProjectID       string  `json:"project_id"`
	Type            string  `json:"type"`
	Trigger         string  `json:"trigger"`
	TriggeredBy     string  `json:"triggered_by,omitempty"`
	AgentID         string  `json:"agent_id,omitempty"`
	Status          string  `json:"status"`
	Priority        int     `json:"priority"`
	Attempt         int     `json:"attempt"`
	MaxAttempts     int     `json:"max_attempts"`
	StartedAt       *string `json:"started_at,omitempty"`
	CompletedAt     *string `json:"completed_at,omitempty"`
	DurationMs      int64   `json:"duration_ms"`
	AgentsExecuted  int     `json:"agents_executed"`
	AgentsSucceeded int     `json:"agents_succeeded"`
	AgentsFailed    int     `json:"agents_failed"`
	TasksCreated    int     `json:"tasks_created"`
	Error           string  `json:"error,omitempty"`
	Summary         string  `json:"summary,omitempty"`
	CreatedAt       string  `json:"created_at"`
}

// ProjectResponse is the API response for a project
type ProjectResponse struct {
	ID       string `json:"id"`
	Name     string `json:"name"`
	Repo     string `json:"repo,omitempty"`
	Archived bool   `json:"archived"`
}

// ScheduleResponse is the API response for a schedule
type ScheduleResponse struct {
	ProjectID           string  `json:"project_id"`
	AgentID             string  `json:"agent_id"`
	Enabled             bool    `json:"enabled"`
	Cadence             string  `json:"cadence"`
	CronExpr            string  `json:"cron_expr,omitempty"`
	Timezone            string  `json:"timezone,omitempty"`
	Priority            int     `json:"priority"`
	LastRunAt           *string `json:"last_run_at,omitempty"`
	ConsecutiveFailures int     `json:"consecutive_failures"`
	RunsToday           int     `json:"runs_today"`
	NextEligibleAt      *string `json:"next_eligible_at,omitempty"`
}

// LogResponse is the API response for one agent execution within a job
type LogResponse struct {
	AgentID         string  `json:"agent_id"`
	Phase           string  `json:"phase,omitempty"`
	Status          string  `json:"status"`
	StartedAt       string  `json:"started_at"`
	CompletedAt     *string `json:"completed_at,omitempty"`
	DurationMs      int64   `json:"duration_ms"`
	ShouldAct       bool    `json:"should_act"`
	DoNothingReason string  `json:"do_nothing_reason,omitempty"`
	ActionsExecuted int     `json:"actions_executed"`
	TasksCreated    int     `json:"tasks_created"`
	Error           string  `json:"error,omitempty"`
}

// StatusResponse is the API response for overall daemon status
type StatusResponse struct {
	Projects  int                 `json:"projects"`
	Schedules int                 `json:"schedules"`
	Queue     dispatch.QueueStats `json:"queue"`
}

// OrchestrateRequest is the optional body of an orchestrate call
type OrchestrateRequest struct {
	AgentID      string `json:"agent_id,omitempty"`
	Priority     int    `json:"priority,omitempty"`
	HighPriority bool   `json:"high_priority,omitempty"`
}

func jobToResponse(j *domain.Job) JobResponse {
	resp := JobResponse{
		ID:              j.ID,
		ProjectID:       j.ProjectID,
		Type:            string(j.Type),
		Trigger:         string(j.Trigger),
		TriggeredBy:     j.TriggeredBy,
		AgentID:         j.AgentID,
		Status:          string(j.Status),
		Priority:        j.Priority,
		Attempt:         j.AttemptNumber,
		MaxAttempts:     j.MaxAttempts,
		DurationMs:      j.DurationMs,
		AgentsExecuted:  j.AgentsExecuted,
		AgentsSucceeded: j.AgentsSucceeded,
		AgentsFailed:    j.AgentsFailed,
		TasksCreated:    j.TasksCreated,
		Error:           j.Error,
		Summary:         j.Summary,
		CreatedAt:       j.CreatedAt.Format(time.RFC3339),
	}

	if j.StartedAt != nil {
		t := j.StartedAt.Format(time.RFC3339)
		resp.StartedAt = &t
	}
	if j.CompletedAt != nil {
		t := j.CompletedAt.Format(time.RFC3339)
		resp.CompletedAt = &t
	}

	return resp
}

func scheduleToResponse(sch *domain.Schedule, now time.Time) ScheduleResponse {
	resp := ScheduleResponse{
		ProjectID:           sch.ProjectID,
		AgentID:             sch.AgentID,
		Enabled:             sch.Enabled,
		Cadence:             string(sch.Cadence),
		CronExpr:            sch.CronExpr,
		Timezone:            sch.Timezone,
		Priority:            sch.Priority,
		ConsecutiveFailures: sch.ConsecutiveFailures,
		RunsToday:           sch.RunsToday,
	}

	if sch.LastRunAt != nil {
		t := sch.LastRunAt.Format(time.RFC3339)
		resp.LastRunAt = &t
	}
	if next := schedule.NextRun(sch, now); !next.IsZero() {
		t := next.Format(time.RFC3339)
		resp.NextEligibleAt = &t
	}

	return resp
}

func logToResponse(l *domain.ExecutionLog) LogResponse {
	resp := LogResponse{
		AgentID:         l.AgentID,
		Phase:           l.Phase,
		Status:          string(l.Status),
		StartedAt:       l.StartedAt.Format(time.RFC3339),
		DurationMs:      l.DurationMs,
		ShouldAct:       l.ShouldAct,
		DoNothingReason: l.DoNothingReason,
		ActionsExecuted: l.ActionsExecuted,
		TasksCreated:    l.TasksCreated,
		Error:           l.Error,
	}

	if l.CompletedAt != nil {
		t := l.CompletedAt.Format(time.RFC3339)
		resp.CompletedAt = &t
	}

	return resp
}

func (s *Server) statusHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			writeError(w, http.StatusMethodNotAllowed, "method not allowed")
			return
		}

		projects, err := s.store.ListProjects(false)
		if err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		schedules, err := s.store.ListSchedules(store.ScheduleListOptions{})
		if err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		stats, err := s.disp.Stats(r.Context())
		if err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}

		writeJSON(w, StatusResponse{
			Projects:  len(projects),
			Schedules: len(schedules),
			Queue:     stats,
		})
	}
}

func (s *Server) listProjectsHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			writeError(w, http.StatusMethodNotAllowed, "method not allowed")
			return
		}

		projects, err := s.store.ListProjects(r.URL.Query().Get("archived") == "1")
		if err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}

		responses := make([]ProjectResponse, len(projects))
		for i, p := range projects {
			responses[i] = ProjectResponse{ID: p.ID, Name: p.Name, Repo: p.Repo, Archived: p.Archived}
		}
		writeJSON(w, responses)
	}
}

// projectItemHandler serves /api/projects/{id}/orchestrate and
// /api/projects/{id}/analysis
func (s *Server) projectItemHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		path := strings.TrimPrefix(r.URL.Path, "/api/projects/")
		projectID, action, _ := strings.Cut(path, "/")
		if projectID == "" {
			writeError(w, http.StatusBadRequest, "project ID required")
			return
		}

		switch action {
		case "orchestrate":
			s.orchestrate(w, r, projectID)
		case "analysis":
			s.projectAnalysis(w, r, projectID)
		default:
			writeError(w, http.StatusNotFound, "unknown project action")
		}
	}
}

func (s *Server) orchestrate(w http.ResponseWriter, r *http.Request, projectID string) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	var req OrchestrateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	spec := dispatch.JobSpec{
		ProjectID:   projectID,
		Trigger:     domain.TriggerManual,
		TriggeredBy: "api",
		Priority:    req.Priority,
	}
	if req.AgentID != "" {
		spec.Type = domain.JobTypeSingleAgent
		spec.AgentID = req.AgentID
	}

	var job *domain.Job
	var err error
	if req.HighPriority {
		job, err = s.disp.AddHighPriorityJob(r.Context(), spec)
	} else {
		job, err = s.disp.AddJob(r.Context(), spec)
	}
	if err != nil {
		switch {
		case errors.Is(err, store.ErrNotFound):
			writeError(w, http.StatusNotFound, err.Error())
		case errors.Is(err, dispatch.ErrPaused):
			writeError(w, http.StatusConflict, err.Error())
		default:
			writeError(w, http.StatusBadRequest, err.Error())
		}
		return
	}

	s.Broadcast(SSEEvent{Type: "job_queued", Data: jobToResponse(job)})

	writeJSON(w, jobToResponse(job))
}

func (s *Server) projectAnalysis(w http.ResponseWriter, r *http.Request, projectID string) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	if s.analyses == nil {
		writeError(w, http.StatusServiceUnavailable, "analysis cache not available")
		return
	}

	hours := 24
	if v := r.URL.Query().Get("hours"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, "hours must be a positive integer")
			return
		}
		hours = n
	}
	refresh := r.URL.Query().Get("refresh") == "1"

	result, err := s.analyses.Get(r.Context(), projectID, hours, refresh)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, http.StatusNotFound, err.Error())
			return
		}
		writeError(w, http.StatusBadGateway, err.Error())
		return
	}

	writeJSON(w, result)
}

func (s *Server) listJobsHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			writeError(w, http.StatusMethodNotAllowed, "method not allowed")
			return
		}

		opts := store.JobListOptions{
			ProjectID: r.URL.Query().Get("project"),
			Status:    domain.JobStatus(r.URL.Query().Get("status")),
			Limit:     50,
		}
		if v := r.URL.Query().Get("limit"); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil || n <= 0 {
				writeError(w, http.StatusBadRequest, "limit must be a positive integer")
				return
			}
			opts.Limit = n
		}

		jobs, err := s.store.ListJobs(opts)
		if err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}

		responses := make([]JobResponse, len(jobs))
		for i, j := range jobs {
			responses[i] = jobToResponse(j)
		}
		writeJSON(w, responses)
	}
}

// jobItemHandler serves /api/jobs/{id}, /api/jobs/{id}/cancel and
// /api/jobs/{id}/logs
func (s *Server) jobItemHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		path := strings.TrimPrefix(r.URL.Path, "/api/jobs/")
		jobID, action, _ := strings.Cut(path, "/")
		if jobID == "" {
			writeError(w, http.StatusBadRequest, "job ID required")
			return
		}

		switch action {
		case "":
			s.getJob(w, r, jobID)
		case "cancel":
			s.cancelJob(w, r, jobID)
		case "logs":
			s.jobLogs(w, r, jobID)
		default:
			writeError(w, http.StatusNotFound, "unknown job action")
		}
	}
}

func (s *Server) getJob(w http.ResponseWriter, r *http.Request, jobID string) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	job, err := s.store.GetJob(jobID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, http.StatusNotFound, "job not found")
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	writeJSON(w, jobToResponse(job))
}

func (s *Server) cancelJob(w http.ResponseWriter, r *http.Request, jobID string) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	cancelled, err := s.store.CancelJob(jobID, time.Now().UTC())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if !cancelled {
		writeError(w, http.StatusConflict, "job is not queued or running")
		return
	}

	// Tell the worker holding the job, if any, to stop
	if s.coord != nil {
		s.coord.CancelJob(jobID)
	}

	s.Broadcast(SSEEvent{Type: "job_cancelled", Data: map[string]string{"job_id": jobID}})

	writeJSON(w, map[string]string{"status": "cancelled"})
}

func (s *Server) jobLogs(w http.ResponseWriter, r *http.Request, jobID string) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	logs, err := s.store.ListExecutionLogs(jobID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	responses := make([]LogResponse, len(logs))
	for i, l := range logs {
		responses[i] = logToResponse(l)
	}
	writeJSON(w, map[string]interface{}{
		"job_id": jobID,
		"logs":   responses,
	})
}

func (s *Server) retryFailedHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			writeError(w, http.StatusMethodNotAllowed, "method not allowed")
			return
		}

		retried, err := s.disp.RetryAllFailed(r.Context())
		if err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}

		if retried > 0 {
			s.Broadcast(SSEEvent{Type: "jobs_retried", Data: map[string]int{"retried": retried}})
		}

		writeJSON(w, map[string]int{"retried": retried})
	}
}

func (s *Server) queueStatsHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			writeError(w, http.StatusMethodNotAllowed, "method not allowed")
			return
		}

		stats, err := s.disp.Stats(r.Context())
		if err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		writeJSON(w, stats)
	}
}

func (s *Server) queuePauseHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			writeError(w, http.StatusMethodNotAllowed, "method not allowed")
			return
		}

		s.disp.Pause()
		s.Broadcast(SSEEvent{Type: "queue_paused", Data: nil})
		writeJSON(w, map[string]string{"status": "paused"})
	}
}

func (s *Server) queueResumeHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			writeError(w, http.StatusMethodNotAllowed, "method not allowed")
			return
		}

		s.disp.Resume()
		s.Broadcast(SSEEvent{Type: "queue_resumed", Data: nil})
		writeJSON(w, map[string]string{"status": "resumed"})
	}
}

func (s *Server) listWorkersHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			writeError(w, http.StatusMethodNotAllowed, "method not allowed")
			return
		}

		if s.coord == nil {
			writeJSON(w, []struct{}{})
			return
		}
		writeJSON(w, s.coord.WorkerStatuses())
	}
}

func (s *Server) listSchedulesHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			writeError(w, http.StatusMethodNotAllowed, "method not allowed")
			return
		}

		schedules, err := s.store.ListSchedules(store.ScheduleListOptions{
			ProjectID:   r.URL.Query().Get("project"),
			EnabledOnly: r.URL.Query().Get("enabled") == "1",
		})
		if err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}

		now := time.Now().UTC()
		responses := make([]ScheduleResponse, len(schedules))
		for i, sch := range schedules {
			responses[i] = scheduleToResponse(sch, now)
		}
		writeJSON(w, responses)
	}
}

func (s *Server) cleanupHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			writeError(w, http.StatusMethodNotAllowed, "method not allowed")
			return
		}

		if s.maint == nil {
			writeError(w, http.StatusServiceUnavailable, "maintenance worker not available")
			return
		}

		var olderThan time.Duration
		if v := r.URL.Query().Get("older_than_hours"); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil || n <= 0 {
				writeError(w, http.StatusBadRequest, "older_than_hours must be a positive integer")
				return
			}
			olderThan = time.Duration(n) * time.Hour
		}

		report, err := s.maint.Cleanup(r.Context(), olderThan)
		if err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}

		s.Broadcast(SSEEvent{Type: "cleanup_completed", Data: report})

		writeJSON(w, report)
	}
}
