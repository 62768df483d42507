package store

const schema = `
CREATE TABLE IF NOT EXISTS projects (
    id TEXT PRIMARY KEY,
    name TEXT NOT NULL,
    repo TEXT,
    archived BOOLEAN DEFAULT FALSE,
    created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
);

CREATE TABLE IF NOT EXISTS orchestration_schedules (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    project_id TEXT NOT NULL REFERENCES projects(id),
    agent_id TEXT NOT NULL,
    enabled BOOLEAN DEFAULT TRUE,
    cadence TEXT NOT NULL,
    cron_expr TEXT,
    timezone TEXT,
    run_after TEXT,
    run_before TEXT,
    weekdays TEXT,
    min_interval_minutes INTEGER DEFAULT 0,
    max_runs_per_day INTEGER DEFAULT 24,
    priority INTEGER DEFAULT 5,
    last_run_at TIMESTAMP,
    last_success_at TIMESTAMP,
    consecutive_failures INTEGER DEFAULT 0,
    total_runs INTEGER DEFAULT 0,
    total_successes INTEGER DEFAULT 0,
    runs_today INTEGER DEFAULT 0,
    runs_today_date TEXT,
    created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
    updated_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
    UNIQUE(project_id, agent_id)
);

CREATE INDEX IF NOT EXISTS idx_schedules_project ON orchestration_schedules(project_id);
CREATE INDEX IF NOT EXISTS idx_schedules_enabled ON orchestration_schedules(enabled);

CREATE TABLE IF NOT EXISTS orchestration_jobs (
    id TEXT PRIMARY KEY,
    project_id TEXT NOT NULL REFERENCES projects(id),
    job_type TEXT NOT NULL,
    trigger_source TEXT NOT NULL,
    triggered_by TEXT,
    agent_id TEXT,
    status TEXT NOT NULL DEFAULT 'queued',
    priority INTEGER DEFAULT 5,
    scheduled_at TIMESTAMP,
    started_at TIMESTAMP,
    completed_at TIMESTAMP,
    duration_ms INTEGER DEFAULT 0,
    agents_executed INTEGER DEFAULT 0,
    agents_succeeded INTEGER DEFAULT 0,
    agents_failed INTEGER DEFAULT 0,
    tasks_created INTEGER DEFAULT 0,
    attempt_number INTEGER DEFAULT 1,
    max_attempts INTEGER DEFAULT 3,
    error TEXT,
    summary TEXT,
    created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
);

CREATE INDEX IF NOT EXISTS idx_jobs_status ON orchestration_jobs(status);
CREATE INDEX IF NOT EXISTS idx_jobs_project ON orchestration_jobs(project_id);
CREATE INDEX IF NOT EXISTS idx_jobs_created ON orchestration_jobs(created_at);

CREATE TABLE IF NOT EXISTS execution_logs (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    job_id TEXT NOT NULL REFERENCES orchestration_jobs(id) ON DELETE CASCADE,
    project_id TEXT NOT NULL,
    agent_id TEXT NOT NULL,
    phase TEXT,
    status TEXT NOT NULL,
    started_at TIMESTAMP,
    completed_at TIMESTAMP,
    duration_ms INTEGER DEFAULT 0,
    should_act BOOLEAN DEFAULT FALSE,
    do_nothing_reason TEXT,
    confidence_score REAL DEFAULT 0,
    actions_proposed INTEGER DEFAULT 0,
    actions_executed INTEGER DEFAULT 0,
    suggestions_created INTEGER DEFAULT 0,
    tasks_created INTEGER DEFAULT 0,
    tokens_used INTEGER DEFAULT 0,
    error TEXT
);

CREATE INDEX IF NOT EXISTS idx_execution_logs_job ON execution_logs(job_id);

CREATE TABLE IF NOT EXISTS github_analysis_cache (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    project_id TEXT NOT NULL,
    period_hours INTEGER NOT NULL,
    payload TEXT NOT NULL,
    computed_at TIMESTAMP NOT NULL,
    expires_at TIMESTAMP NOT NULL,
    is_stale BOOLEAN DEFAULT FALSE,
    UNIQUE(project_id, period_hours)
);

CREATE TABLE IF NOT EXISTS action_configs (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    project_id TEXT NOT NULL,
    action_key TEXT NOT NULL,
    enabled BOOLEAN DEFAULT TRUE,
    requires_approval BOOLEAN DEFAULT FALSE,
    auto_approve_low_risk BOOLEAN DEFAULT FALSE,
    risk TEXT DEFAULT 'low',
    max_per_day INTEGER DEFAULT 10,
    max_per_hour INTEGER DEFAULT 5,
    times_used_today INTEGER DEFAULT 0,
    times_used_total INTEGER DEFAULT 0,
    last_reset_date TEXT,
    last_used_at TIMESTAMP,
    UNIQUE(project_id, action_key)
);

CREATE TABLE IF NOT EXISTS action_usage (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    project_id TEXT NOT NULL,
    action_key TEXT NOT NULL,
    used_at TIMESTAMP NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_action_usage_key ON action_usage(project_id, action_key, used_at);
`
