package models

import (
	"time"
)

// AnalysisMode distinguishes full-tree runs from diff-driven ones.
type AnalysisMode string

const (
	ModeFull        AnalysisMode = "Full"
	ModeIncremental AnalysisMode = "Incremental"
)

// SessionStatus is the terminal disposition of an analysis session.
// Running sessions have not reached completed_at yet.
type SessionStatus string

const (
	SessionStatusRunning   SessionStatus = "Running"
	SessionStatusCompleted SessionStatus = "Completed"
	SessionStatusDegraded  SessionStatus = "Degraded"
	SessionStatusFailed    SessionStatus = "Failed"
	SessionStatusCancelled SessionStatus = "Cancelled"
)

// SessionError records one failure observed during a run without aborting it.
type SessionError struct {
	TS      time.Time `json:"ts"`
	AgentID string    `json:"agent_id,omitempty"`
	Target  string    `json:"target,omitempty"`
	Kind    string    `json:"kind"`
	Message string    `json:"message"`
}

// AnalysisSession is the persisted record of one AnalyzeFull or
// AnalyzeIncremental invocation. Once CompletedAt is set the row is
// immutable.
type AnalysisSession struct {
	ID            string         `json:"id" db:"id"`
	Path          string         `json:"path" db:"path"`
	Mode          AnalysisMode   `json:"mode" db:"mode"`
	Status        SessionStatus  `json:"status" db:"status"`
	BaseReference string         `json:"base_reference,omitempty" db:"base_reference"`
	CurrentCommit string         `json:"current_commit,omitempty" db:"current_commit"`
	CurrentBranch string         `json:"current_branch,omitempty" db:"current_branch"`
	FilesAnalyzed []string       `json:"files_analyzed"`
	FilesSkipped  []string       `json:"files_skipped"`
	ModuleCount   int            `json:"module_count" db:"module_count"`
	FunctionCount int            `json:"function_count" db:"function_count"`
	CacheHits     int            `json:"cache_hits" db:"cache_hits"`
	CacheMisses   int            `json:"cache_misses" db:"cache_misses"`
	Errors        []SessionError `json:"errors"`
	StartedAt     time.Time      `json:"started_at" db:"started_at"`
	CompletedAt   *time.Time     `json:"completed_at,omitempty" db:"completed_at"`
}

// SessionSummary is what AnalyzeFull / AnalyzeIncremental hand back to
// callers. It is derived from the session row at close time.
type SessionSummary struct {
	SessionID     string         `json:"session_id"`
	Path          string         `json:"path"`
	Mode          AnalysisMode   `json:"mode"`
	Status        SessionStatus  `json:"status"`
	ModuleCount   int            `json:"module_count"`
	FunctionCount int            `json:"function_count"`
	FilesAnalyzed int            `json:"files_analyzed"`
	FilesSkipped  int            `json:"files_skipped"`
	CardsCreated  int            `json:"cards_created"`
	CacheHits     int            `json:"cache_hits"`
	CacheMisses   int            `json:"cache_misses"`
	TokensIn      int            `json:"tokens_in"`
	TokensOut     int            `json:"tokens_out"`
	DurationMS    int64          `json:"duration_ms"`
	Errors        []SessionError `json:"errors,omitempty"`
}

// GitInfo accompanies incremental summaries in API responses.
type GitInfo struct {
	Commit  string `json:"commit"`
	Branch  string `json:"branch"`
	BaseRef string `json:"base_ref"`
}

// ChangeStats counts the changed-file partitions of an incremental run.
type ChangeStats struct {
	ModifiedN int `json:"modified_n"`
	AddedN    int `json:"added_n"`
	DeletedN  int `json:"deleted_n"`
}
