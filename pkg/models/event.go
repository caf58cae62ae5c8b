package models

import (
	"time"

	"github.com/google/uuid"
)

// EventSeverity classifies a monitoring event.
type EventSeverity string

const (
	SeverityInformation EventSeverity = "information"
	SeverityWarning     EventSeverity = "warning"
	SeverityError       EventSeverity = "error"
)

// TaskEvent is the structured notification emitted after each execution
// attempt with lifecycle significance. Events are broadcast fire-and-forget
// to monitoring subscribers; task completion never blocks on them.
type TaskEvent struct {
	TaskID          uuid.UUID          `json:"task_id"`
	EventDateUtc    time.Time          `json:"event_date_utc"`
	Severity        EventSeverity      `json:"severity"`
	TaskType        string             `json:"task_type"`
	TaskHandlerType string             `json:"task_handler_type"`
	TaskParameters  string             `json:"task_parameters"`
	Message         string             `json:"message"`
	Exception       string             `json:"exception,omitempty"`
	ExecutionLogs   []TaskExecutionLog `json:"execution_logs,omitempty"`
}
