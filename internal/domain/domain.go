package domain

import (
	"encoding/json"
	"errors"
	"fmt"
)

// Stage is a workflow column on the board.
type Stage string

const (
	StageTodo           Stage = "todo"
	StageRequirements   Stage = "requirements"
	StageDesign         Stage = "design"
	StageImplementation Stage = "implementation"
	StageTesting        Stage = "testing"
	StageReview         Stage = "review"
	StageDone           Stage = "done"
)

// Stages lists every stage in board order.
var Stages = []Stage{
	StageTodo,
	StageRequirements,
	StageDesign,
	StageImplementation,
	StageTesting,
	StageReview,
	StageDone,
}

var ErrInvalidStage = errors.New("invalid stage")

// ParseStage validates a stage name.
func ParseStage(s string) (Stage, error) {
	for _, st := range Stages {
		if string(st) == s {
			return st, nil
		}
	}
	return "", fmt.Errorf("%w: %q", ErrInvalidStage, s)
}

// Index returns the board position of the stage, or -1.
func (s Stage) Index() int {
	for i, st := range Stages {
		if st == s {
			return i
		}
	}
	return -1
}

// UnmarshalJSON accepts only known stage names. A null leaves s unchanged.
func (s *Stage) UnmarshalJSON(data []byte) error {
	if string(data) == "null" {
		return nil
	}
	var raw string
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	st, err := ParseStage(raw)
	if err != nil {
		return err
	}
	*s = st
	return nil
}

type Task struct {
	ID                    int64   `json:"id"`
	Title                 string  `json:"title"`
	Description           *string `json:"description,omitempty"`
	UserID                int64   `json:"user_id"`
	Stage                 Stage   `json:"stage"`
	ExpectedTime          *int    `json:"expected_time,omitempty"`
	StartedAt             *string `json:"started_at,omitempty" format:"date-time"`
	CompletedAt           *string `json:"completed_at,omitempty" format:"date-time"`
	CurrentStageStartedAt *string `json:"current_stage_started_at,omitempty" format:"date-time"`
	IsDelayed             bool    `json:"is_delayed"`
	HelpNeeded            bool    `json:"help_needed"`
	HelpRequestedAt       *string `json:"help_requested_at,omitempty" format:"date-time"`
	HelpMessage           *string `json:"help_message,omitempty"`
}

type HelpRequest struct {
	ID                int64   `json:"id"`
	TaskID            int64   `json:"task_id"`
	UserID            int64   `json:"user_id"`
	Username          string  `json:"username,omitempty"`
	TaskTitle         string  `json:"task_title,omitempty"`
	Message           *string `json:"message,omitempty"`
	RequestedAt       string  `json:"requested_at" format:"date-time"`
	Resolved          bool    `json:"resolved"`
	ResolvedAt        *string `json:"resolved_at,omitempty" format:"date-time"`
	ResolvedBy        *int64  `json:"resolved_by,omitempty"`
	ResolverName      *string `json:"resolver_name,omitempty"`
	ResolutionMessage *string `json:"resolution_message,omitempty"`
}

// Role of an authenticated user.
type Role string

const (
	RoleStudent Role = "student"
	RoleTeacher Role = "teacher"
	RoleAdmin   Role = "admin"
)

type User struct {
	ID             int64   `json:"id"`
	Username       string  `json:"username"`
	Email          *string `json:"email,omitempty"`
	FullName       *string `json:"full_name,omitempty"`
	Role           Role    `json:"role,omitempty"`
	IsTeacher      bool    `json:"is_teacher"`
	IsAdmin        bool    `json:"is_admin,omitempty"`
	IsApproved     *bool   `json:"is_approved,omitempty"`
	ClassID        *int64  `json:"class_id,omitempty"`
	CreatedAt      *string `json:"created_at,omitempty" format:"date-time"`
	ApprovalStatus *string `json:"approval_status,omitempty"`
}

// CanSeeHelpRequests reports whether the user receives the class-wide help queue.
func (u User) CanSeeHelpRequests() bool {
	return u.IsTeacher || u.IsAdmin || u.Role == RoleTeacher || u.Role == RoleAdmin
}

type Class struct {
	ID           int64   `json:"id"`
	Name         string  `json:"name"`
	Description  *string `json:"description,omitempty"`
	TeacherID    *int64  `json:"teacher_id,omitempty"`
	StudentCount int     `json:"student_count,omitempty"`
	CreatedAt    *string `json:"created_at,omitempty" format:"date-time"`
}

type StatsOverview struct {
	TotalUsers             int `json:"total_users"`
	TotalStudents          int `json:"total_students"`
	TotalTeachers          int `json:"total_teachers"`
	PendingTeachers        int `json:"pending_teachers"`
	TotalClasses           int `json:"total_classes"`
	TotalTasks             int `json:"total_tasks"`
	DelayedTasks           int `json:"delayed_tasks"`
	UnresolvedHelpRequests int `json:"unresolved_help_requests"`
}

// Event is a journaled stream event.
type Event struct {
	ID         int64  `json:"id"`
	TS         string `json:"ts" format:"date-time"`
	Type       string `json:"type"`
	EntityKind string `json:"entity_kind"`
	EntityID   string `json:"entity_id,omitempty"`
	Payload    string `json:"payload_json"`
}

// ConnState is the event stream connection state.
type ConnState string

const (
	ConnDisconnected  ConnState = "disconnected"
	ConnConnecting    ConnState = "connecting"
	ConnOpen          ConnState = "open"
	ConnAuthenticated ConnState = "authenticated"
)
