package domain

// Work item types.
const (
	TypeEpic  = "epic"
	TypeStory = "story"
	TypeTask  = "task"
)

// Work item statuses.
const (
	StatusDraft      = "draft"
	StatusReady      = "ready"
	StatusInProgress = "in_progress"
	StatusReview     = "review"
	StatusDone       = "done"
)

type Project struct {
	ID          string `json:"id"`
	Prefix      string `json:"prefix"`
	Status      string `json:"status"`
	Description string `json:"description,omitempty"`
	CreatedAt   string `json:"created_at" format:"date-time"`
}

// WorkItem is the single persisted shape for epics, stories and tasks.
// Type selects which of the optional field groups are meaningful.
type WorkItem struct {
	ID          string  `json:"id"`
	ProjectID   string  `json:"project_id"`
	Type        string  `json:"type" enum:"epic,story,task"`
	ParentID    *string `json:"parent_id,omitempty"`
	Title       string  `json:"title"`
	Description string  `json:"description,omitempty"`
	Status      string  `json:"status" enum:"draft,ready,in_progress,review,done"`

	// Epic fields.
	BusinessValue      string   `json:"business_value,omitempty"`
	StrategicAlignment string   `json:"strategic_alignment,omitempty"`
	SuccessMetrics     []string `json:"success_metrics,omitempty"`
	Scope              []string `json:"scope,omitempty"`
	RoadmapRef         *string  `json:"roadmap_ref,omitempty"`

	// Story fields.
	AcceptanceCriteria []string `json:"acceptance_criteria,omitempty"`
	Priority           string   `json:"priority,omitempty"`

	// Task fields.
	AssigneeID     *string  `json:"assignee_id,omitempty"`
	EstimatedHours *float64 `json:"estimated_hours,omitempty"`
	RelatedFiles   []string `json:"related_files,omitempty"`

	CreatedAt string `json:"created_at" format:"date-time"`
	UpdatedAt string `json:"updated_at" format:"date-time"`
}

// RoadmapItem statuses.
const (
	RoadmapPending   = "pending"
	RoadmapConverted = "converted"
	RoadmapFailed    = "failed"
)

type RoadmapItem struct {
	ID            string   `json:"id"`
	ProjectID     string   `json:"project_id"`
	Title         string   `json:"title"`
	Description   string   `json:"description,omitempty"`
	Priority      string   `json:"priority,omitempty"`
	Timeframe     string   `json:"timeframe,omitempty"`
	Features      []string `json:"features,omitempty"`
	BusinessValue string   `json:"business_value,omitempty"`
	Status        string   `json:"status" enum:"pending,converted,failed"`
	EpicID        *string  `json:"epic_id,omitempty"`
	CreatedAt     string   `json:"created_at" format:"date-time"`
	UpdatedAt     string   `json:"updated_at" format:"date-time"`
}

// Commit is one entry of git history as the analyzers see it.
type Commit struct {
	Hash    string `json:"hash"`
	Subject string `json:"subject"`
	Body    string `json:"body,omitempty"`
	Author  string `json:"author,omitempty"`
	Date    string `json:"date,omitempty" format:"date-time"`
}

// Issue is a single finding produced by a validator. Severity is set by
// validators whose rules carry one; rule based validators leave it empty.
type Issue struct {
	Code     string `json:"code"`
	Message  string `json:"message"`
	Location string `json:"location,omitempty"`
	Severity string `json:"severity,omitempty"`
}

// ValidationResult carries validator findings. A failing validation is
// data, not an error: errors are reserved for the validator itself
// being unable to run.
type ValidationResult struct {
	Valid    bool    `json:"valid"`
	Errors   []Issue `json:"errors,omitempty"`
	Warnings []Issue `json:"warnings,omitempty"`
}

// Review issue severities, highest first.
const (
	SeverityCritical = "critical"
	SeverityHigh     = "high"
	SeverityMedium   = "medium"
	SeverityLow      = "low"
)

// SeverityRank orders severities for sorting; unknown severities sort last.
func SeverityRank(s string) int {
	switch s {
	case SeverityCritical:
		return 0
	case SeverityHigh:
		return 1
	case SeverityMedium:
		return 2
	case SeverityLow:
		return 3
	default:
		return 4
	}
}

type ReviewIssue struct {
	Severity string `json:"severity" enum:"critical,high,medium,low"`
	File     string `json:"file"`
	Line     int    `json:"line,omitempty"`
	Rule     string `json:"rule"`
	Message  string `json:"message"`
}

type ReviewResult struct {
	Issues      []ReviewIssue `json:"issues,omitempty"`
	Suggestions []string      `json:"suggestions,omitempty"`
	// Partial marks a review cut short by cancellation. Issues cover only
	// the files analyzed before the cutoff.
	Partial bool `json:"partial,omitempty"`
}

type Event struct {
	ID        int64  `json:"id"`
	TS        string `json:"ts" format:"date-time"`
	Type      string `json:"type"`
	ProjectID string `json:"project_id,omitempty"`
	ItemKind  string `json:"item_kind"`
	ItemID    string `json:"item_id,omitempty"`
	ActorID   string `json:"actor_id"`
	Payload   string `json:"payload_json"`
}
