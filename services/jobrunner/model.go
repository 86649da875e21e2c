package jobrunner

import (
	"time"

	"leadmarket/services/distribution"

	"gorm.io/datatypes"
)

type JobState string

const (
	JobQueued    JobState = "queued"
	JobActive    JobState = "active"
	JobCompleted JobState = "completed"
	JobFailed    JobState = "failed"
	JobDead      JobState = "dead"
)

// DistributionJob is the execution record of one distribution request.
type DistributionJob struct {
	ID          string                 `gorm:"column:id;primaryKey" json:"id"`
	LeadID      string                 `gorm:"column:lead_id;index" json:"lead_id"`
	Queue       string                 `gorm:"column:queue" json:"queue"`
	State       JobState               `gorm:"column:state;index" json:"state"`
	Attempts    int                    `gorm:"column:attempts" json:"attempts"`
	LastError   string                 `gorm:"column:last_error;type:text" json:"last_error,omitempty"`
	ActorID     string                 `gorm:"column:actor_id" json:"actor_id"`
	ActorRole   distribution.ActorRole `gorm:"column:actor_role" json:"actor_role"`
	ResultID    string                 `gorm:"column:result_id" json:"result_id,omitempty"`
	StartedAt   *time.Time             `gorm:"column:started_at" json:"started_at,omitempty"`
	CompletedAt *time.Time             `gorm:"column:completed_at" json:"completed_at,omitempty"`
	CreatedAt   time.Time              `gorm:"column:created_at" json:"created_at"`
	UpdatedAt   time.Time              `gorm:"column:updated_at" json:"updated_at"`
}

func (DistributionJob) TableName() string { return "distribution_jobs" }

func (j *DistributionJob) InFlight() bool {
	return j.State == JobQueued || j.State == JobActive
}

type DeadLetterStatus string

const (
	DeadLetterPending  DeadLetterStatus = "pending"
	DeadLetterRetried  DeadLetterStatus = "retried"
	DeadLetterResolved DeadLetterStatus = "resolved"
)

// DeadLetter keeps a job that exhausted its retries, with the payload needed
// to run it again.
type DeadLetter struct {
	ID           string           `gorm:"column:id;primaryKey" json:"id"`
	JobID        string           `gorm:"column:job_id;index" json:"job_id"`
	LeadID       string           `gorm:"column:lead_id;index" json:"lead_id"`
	Queue        string           `gorm:"column:queue;index" json:"queue"`
	TaskType     string           `gorm:"column:task_type" json:"task_type"`
	Payload      datatypes.JSON   `gorm:"column:payload" json:"payload"`
	Reason       string           `gorm:"column:reason;type:text" json:"reason"`
	Attempts     int              `gorm:"column:attempts" json:"attempts"`
	Status       DeadLetterStatus `gorm:"column:status;index" json:"status"`
	ResolvedBy   string           `gorm:"column:resolved_by" json:"resolved_by,omitempty"`
	ResolvedAt   *time.Time       `gorm:"column:resolved_at" json:"resolved_at,omitempty"`
	RetriedJobID string           `gorm:"column:retried_job_id" json:"retried_job_id,omitempty"`
	CreatedAt    time.Time        `gorm:"column:created_at" json:"created_at"`
	UpdatedAt    time.Time        `gorm:"column:updated_at" json:"updated_at"`
}

func (DeadLetter) TableName() string { return "dead_letters" }

func Models() []any {
	return []any{&DistributionJob{}, &DeadLetter{}}
}

// DistributionPayload is the body of a distribution:lead task.
type DistributionPayload struct {
	JobID       string                   `json:"job_id"`
	LeadID      string                   `json:"lead_id"`
	TriggeredBy distribution.TriggeredBy `json:"triggered_by"`
}

type QueueStats struct {
	Queue     string `json:"queue"`
	Size      int    `json:"size"`
	Pending   int    `json:"pending"`
	Active    int    `json:"active"`
	Scheduled int    `json:"scheduled"`
	Retry     int    `json:"retry"`
	Archived  int    `json:"archived"`
	Processed int    `json:"processed"`
	Failed    int    `json:"failed"`
	Paused    bool   `json:"paused"`
}

type LastRun struct {
	ResultID    string              `json:"result_id"`
	Status      distribution.Status `json:"status"`
	Assignments int                 `json:"assignments"`
	Skipped     int                 `json:"skipped"`
	At          time.Time           `json:"at"`
}

// DistributionStatus is what callers see when polling a lead.
type DistributionStatus struct {
	LeadID   string           `json:"lead_id"`
	LastRun  *LastRun         `json:"last_run,omitempty"`
	Job      *DistributionJob `json:"job,omitempty"`
	InFlight bool             `json:"in_flight"`
}
