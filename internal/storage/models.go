package storage

import "time"

// Assessment is one archived execution record.
type Assessment struct {
	ID            string     `json:"id" db:"id"`
	Mode          string     `json:"mode" db:"mode"`
	Module        string     `json:"module" db:"module"`
	Objective     string     `json:"objective" db:"objective"`
	Target        string     `json:"target" db:"target"`
	Provider      string     `json:"provider,omitempty" db:"provider"`
	Model         string     `json:"model,omitempty" db:"model"`
	Success       bool       `json:"success" db:"success"`
	Stopped       bool       `json:"stopped" db:"stopped"`
	ExitCode      int        `json:"exit_code" db:"exit_code"`
	DurationMS    int64      `json:"duration_ms" db:"duration_ms"`
	StepsExecuted int        `json:"steps_executed" db:"steps_executed"`
	FindingsCount int        `json:"findings_count" db:"findings_count"`
	Error         string     `json:"error,omitempty" db:"error"`
	StartedAt     time.Time  `json:"started_at" db:"started_at"`
	CompletedAt   *time.Time `json:"completed_at,omitempty" db:"completed_at"`
}

// AssessmentFilter provides criteria for querying the history.
type AssessmentFilter struct {
	Mode   string
	Module string
	Target string
	Limit  int
	Offset int
}
