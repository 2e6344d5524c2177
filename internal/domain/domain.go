package domain

import "time"

// TimeFormat is the fixed-width UTC layout used for every stored timestamp.
// Fixed width keeps lexical order equal to chronological order in SQL comparisons.
const TimeFormat = "2006-01-02T15:04:05.000000Z07:00"

// FormatTime renders t in TimeFormat (UTC).
func FormatTime(t time.Time) string {
	return t.UTC().Format(TimeFormat)
}

type CandidateStatus string

const (
	StatusPending  CandidateStatus = "pending"
	StatusApproved CandidateStatus = "approved"
	StatusRejected CandidateStatus = "rejected"
	StatusMoved    CandidateStatus = "moved"
)

// Valid reports whether s is one of the known candidate statuses.
func (s CandidateStatus) Valid() bool {
	switch s {
	case StatusPending, StatusApproved, StatusRejected, StatusMoved:
		return true
	}
	return false
}

// Terminal reports whether no review transition leaves s.
func (s CandidateStatus) Terminal() bool {
	return s == StatusMoved || s == StatusRejected
}

// StatusForScore applies the threshold rule: scores at or above the threshold are pending.
func StatusForScore(score, threshold float64) CandidateStatus {
	if score >= threshold {
		return StatusPending
	}
	return StatusRejected
}

type ReviewAction string

const (
	ActionApprove ReviewAction = "approve"
	ActionReject  ReviewAction = "reject"
)

func (a ReviewAction) Valid() bool {
	return a == ActionApprove || a == ActionReject
}

type Connection struct {
	ID                string  `json:"id"`
	ActorID           string  `json:"actor_id"`
	SourceProjectID   string  `json:"source_project_id"`
	SourceProjectName string  `json:"source_project_name"`
	DestProjectID     string  `json:"dest_project_id"`
	DestProjectName   string  `json:"dest_project_name"`
	LastPolledAt      *string `json:"last_polled_at,omitempty" format:"date-time"`
	CreatedAt         string  `json:"created_at" format:"date-time"`
}

type Skill struct {
	ID           string        `json:"id"`
	ConnectionID string        `json:"connection_id"`
	Version      int           `json:"version"`
	Criteria     SkillCriteria `json:"criteria"`
	CreatedAt    string        `json:"created_at" format:"date-time"`
}

type Candidate struct {
	ID           string          `json:"id"`
	ConnectionID string          `json:"connection_id"`
	TaskGID      string          `json:"task_gid"`
	TaskName     string          `json:"task_name"`
	TaskNotes    *string         `json:"task_notes,omitempty"`
	AIScore      float64         `json:"ai_score"`
	AIReasoning  string          `json:"ai_reasoning"`
	Status       CandidateStatus `json:"status" enum:"pending,approved,rejected,moved"`
	UserComment  *string         `json:"user_comment,omitempty"`
	ReviewedAt   *string         `json:"reviewed_at,omitempty" format:"date-time"`
	CreatedAt    string          `json:"created_at" format:"date-time"`
}

// Feedback is one reviewed candidate as fed into skill refinement.
type Feedback struct {
	TaskName  string
	TaskNotes string
	Status    CandidateStatus
	Comment   string
	Score     float64
}

// Approved reports whether the reviewer accepted the task.
func (f Feedback) Approved() bool {
	return f.Status == StatusMoved || f.Status == StatusApproved
}

// SourceTask is a task as read from the external board, reduced to the fields
// classification needs.
type SourceTask struct {
	ID        string   `json:"id"`
	Name      string   `json:"name"`
	Notes     string   `json:"notes,omitempty"`
	Completed bool     `json:"completed"`
	Tags      []string `json:"tags,omitempty"`
	Assignee  string   `json:"assignee,omitempty"`
	CreatedAt string   `json:"created_at,omitempty"`
}

// BoardUser is the account a board token belongs to.
type BoardUser struct {
	ID    string `json:"id"`
	Name  string `json:"name"`
	Email string `json:"email,omitempty"`
}

type ProjectRef struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

type Workspace struct {
	ID       string       `json:"id"`
	Name     string       `json:"name"`
	Projects []ProjectRef `json:"projects"`
}

type CandidateStats struct {
	Pending      int `json:"pending"`
	Moved        int `json:"moved"`
	Rejected     int `json:"rejected"`
	SkillVersion int `json:"skill_version"`
}
