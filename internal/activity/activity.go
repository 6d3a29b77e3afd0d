// Package activity records the run-level event timeline for migration
// runbooks, batches, phases, and steps: every state transition worth
// surfacing to an operator appends a row here.
package activity

import (
	"context"
	"errors"
	"strconv"
	"strings"
	"time"
)

// Severity levels for activity events.
const (
	SeverityInfo  = "info"
	SeverityWarn  = "warn"
	SeverityError = "error"

	DefaultSource = "orchestrator"
)

// ErrInvalidFilter is returned when a filter value (e.g. severity) is not recognized.
var ErrInvalidFilter = errors.New("invalid activity filter")

// Event represents a recorded activity event.
type Event struct {
	ID        int64  `json:"id"`
	Source    string `json:"source"`
	EventType string `json:"eventType"`
	Severity  string `json:"severity"`
	Resource  string `json:"resource"`
	Message   string `json:"message"`
	Details   string `json:"details"`
	Metadata  string `json:"metadata"`
	CreatedAt string `json:"createdAt"`
}

// EventWrite contains the fields needed to create an activity event.
type EventWrite struct {
	Source    string
	EventType string
	Severity  string
	Resource  string
	Message   string
	Details   string
	Metadata  string
	CreatedAt time.Time
}

// Query specifies search parameters for activity events.
type Query struct {
	Query    string
	Severity string
	Source   string
	Limit    int
}

// Result contains the events returned from a search plus pagination info.
type Result struct {
	Events  []Event
	HasMore bool
}

// NormalizeSeverity maps common severity aliases to canonical values.
// Unknown values are returned as-is for the caller to validate.
func NormalizeSeverity(raw string) string {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "":
		return SeverityInfo
	case "warning":
		return SeverityWarn
	case "err":
		return SeverityError
	default:
		return strings.ToLower(strings.TrimSpace(raw))
	}
}

// Repo defines the persistence operations consumed by the activity service.
type Repo interface {
	InsertActivityEvent(ctx context.Context, write EventWrite) (Event, error)
	SearchActivityEvents(ctx context.Context, query Query) (Result, error)
}

// Resource name helpers, used consistently across scheduler/orchestrator
// so activity rows and alert dedupe keys agree on shape.

func RunbookResource(name string) string {
	return "runbook:" + name
}

func BatchResource(batchID int64) string {
	return "batch:" + strconv.FormatInt(batchID, 10)
}
