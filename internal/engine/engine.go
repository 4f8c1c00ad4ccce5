// Package engine implements the work item lifecycle: project setup,
// roadmap conversion, epic to story to task derivation, status
// transitions and file linkage. Every mutation runs in its own
// transaction and appends an event before committing.
package engine

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
	"time"

	"traceline/internal/config"
	"traceline/internal/domain"
	"traceline/internal/events"
	"traceline/internal/repo"
)

type Engine struct {
	DB      *sql.DB
	Repo    repo.Repo
	Events  events.Writer
	Config  *config.Config
	ActorID string
	Now     func() time.Time
}

func New(db *sql.DB, cfg *config.Config) Engine {
	return Engine{
		DB:     db,
		Repo:   repo.Repo{DB: db},
		Events: events.Writer{DB: db},
		Config: cfg,
		Now:    time.Now,
	}
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now().UTC()
	}
	return time.Now().UTC()
}

func (e Engine) stamp() string {
	return e.now().Format(time.RFC3339)
}

func (e Engine) actor() string {
	if e.ActorID != "" {
		return e.ActorID
	}
	return "local"
}

// InitProject creates a project and stores its configuration. The prefix
// becomes the leading segment of every work item id.
func (e Engine) InitProject(ctx context.Context, id, prefix, description string, cfg *config.Config) (domain.Project, error) {
	if cfg == nil {
		cfg = config.Default(id, prefix)
	}
	cfg.Project.ID = id
	cfg.Project.Prefix = prefix
	if err := cfg.Validate(); err != nil {
		return domain.Project{}, err
	}
	p := domain.Project{
		ID:          id,
		Prefix:      prefix,
		Status:      "active",
		Description: description,
		CreatedAt:   e.stamp(),
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Project{}, err
	}
	defer tx.Rollback()
	if err := e.Repo.InsertProject(ctx, tx, p); err != nil {
		return domain.Project{}, err
	}
	if err := e.Repo.UpsertProjectConfigTx(ctx, tx, id, cfg); err != nil {
		return domain.Project{}, err
	}
	if err := e.Events.Append(ctx, tx, "project.created", id, "project", id, e.actor(), events.Payload{"prefix": prefix}); err != nil {
		return domain.Project{}, err
	}
	return p, tx.Commit()
}

type EpicInput struct {
	Title              string
	Description        string
	BusinessValue      string
	StrategicAlignment string
	SuccessMetrics     []string
	Scope              []string
}

// CreateEpic creates an epic in draft with the next sequential id for the
// project, PREFIX-En.
func (e Engine) CreateEpic(ctx context.Context, projectID string, in EpicInput) (domain.WorkItem, error) {
	if strings.TrimSpace(in.Title) == "" {
		return domain.WorkItem{}, domain.Validationf("epic title must not be empty")
	}
	project, err := e.Repo.GetProject(ctx, projectID)
	if err != nil {
		return domain.WorkItem{}, err
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.WorkItem{}, err
	}
	defer tx.Rollback()
	seq, err := nextSequence(ctx, tx, projectID, domain.TypeEpic, project.Prefix+"-E")
	if err != nil {
		return domain.WorkItem{}, err
	}
	now := e.stamp()
	epic := domain.WorkItem{
		ID:                 fmt.Sprintf("%s-E%d", project.Prefix, seq),
		ProjectID:          projectID,
		Type:               domain.TypeEpic,
		Title:              in.Title,
		Description:        in.Description,
		Status:             domain.StatusDraft,
		BusinessValue:      in.BusinessValue,
		StrategicAlignment: in.StrategicAlignment,
		SuccessMetrics:     in.SuccessMetrics,
		Scope:              in.Scope,
		CreatedAt:          now,
		UpdatedAt:          now,
	}
	if err := e.Repo.InsertWorkItem(ctx, tx, epic); err != nil {
		return domain.WorkItem{}, err
	}
	if err := e.Events.Append(ctx, tx, "epic.created", projectID, "work_item", epic.ID, e.actor(), events.Payload{"title": epic.Title}); err != nil {
		return domain.WorkItem{}, err
	}
	return epic, tx.Commit()
}

// nextSequence finds the next free numeric suffix among ids sharing
// idPrefix. Ids that do not parse are skipped.
func nextSequence(ctx context.Context, tx *sql.Tx, projectID, itemType, idPrefix string) (int, error) {
	rows, err := tx.QueryContext(ctx, `SELECT id FROM work_items WHERE project_id=? AND type=?`, projectID, itemType)
	if err != nil {
		return 0, err
	}
	defer rows.Close()
	max := 0
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return 0, err
		}
		rest := strings.TrimPrefix(id, idPrefix)
		if rest == id {
			continue
		}
		var n int
		if _, err := fmt.Sscanf(rest, "%d", &n); err == nil && n > max {
			max = n
		}
	}
	return max + 1, rows.Err()
}

// defaultAcceptanceCriteria applies to every derived story.
var defaultAcceptanceCriteria = []string{
	"The feature is implemented according to specifications",
	"All tests pass",
	"Documentation is updated",
}

// CreateStoriesFromEpic derives one story per epic scope item. Story ids
// continue after the epic's existing children, and scope items whose
// derived title already exists among the children are skipped, so a
// re-run fills gaps instead of duplicating.
func (e Engine) CreateStoriesFromEpic(ctx context.Context, epicID string) ([]domain.WorkItem, error) {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()
	epic, err := e.Repo.GetWorkItemTx(ctx, tx, epicID)
	if err != nil {
		return nil, err
	}
	if epic.Type != domain.TypeEpic {
		return nil, domain.Validationf("%s is a %s, stories derive from epics", epicID, epic.Type)
	}
	if len(epic.Scope) == 0 {
		// Nothing to derive. The caller decides whether that matters.
		return []domain.WorkItem{}, tx.Commit()
	}
	existing, err := e.Repo.ListChildrenTx(ctx, tx, epicID)
	if err != nil {
		return nil, err
	}
	existingTitles := map[string]bool{}
	for _, child := range existing {
		existingTitles[child.Title] = true
	}
	now := e.stamp()
	next := len(existing) + 1
	var created []domain.WorkItem
	for _, item := range epic.Scope {
		title := storyTitle(item)
		if existingTitles[title] {
			continue
		}
		story := domain.WorkItem{
			ID:                 fmt.Sprintf("%s-S%d", epicID, next),
			ProjectID:          epic.ProjectID,
			Type:               domain.TypeStory,
			ParentID:           &epic.ID,
			Title:              title,
			Description:        item,
			Status:             domain.StatusDraft,
			AcceptanceCriteria: defaultAcceptanceCriteria,
			Priority:           "medium",
			CreatedAt:          now,
			UpdatedAt:          now,
		}
		if err := e.Repo.InsertWorkItem(ctx, tx, story); err != nil {
			return nil, err
		}
		if err := e.Events.Append(ctx, tx, "story.created", epic.ProjectID, "work_item", story.ID, e.actor(), events.Payload{"parent": epicID}); err != nil {
			return nil, err
		}
		created = append(created, story)
		next++
	}
	return created, tx.Commit()
}

// storyTitle shortens long scope items to a 60 rune title.
func storyTitle(item string) string {
	runes := []rune(item)
	if len(runes) < 60 {
		return item
	}
	return string(runes[:57]) + "..."
}

type taskTemplate struct {
	verb       string
	hours      float64
	acceptance []string
}

// taskTemplates is the implement/test/document triad derived for a story,
// in this order, with midpoint effort estimates.
var taskTemplates = []taskTemplate{
	{verb: "Implement", hours: 6, acceptance: []string{
		"Code is written and follows project standards",
		"Code passes all linting checks",
		"Implementation matches the story requirements",
	}},
	{verb: "Test", hours: 3, acceptance: []string{
		"Unit tests cover the new functionality",
		"All tests pass in the CI pipeline",
		"Edge cases are covered",
	}},
	{verb: "Document", hours: 1.5, acceptance: []string{
		"Documentation describes the new functionality",
		"Examples are provided where relevant",
		"Related documents are updated",
	}},
}

// CreateTasksFromStory derives the implement/test/document task triad for
// a story. A story that already has children is left alone.
func (e Engine) CreateTasksFromStory(ctx context.Context, storyID string) ([]domain.WorkItem, error) {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()
	story, err := e.Repo.GetWorkItemTx(ctx, tx, storyID)
	if err != nil {
		return nil, err
	}
	if story.Type != domain.TypeStory {
		return nil, domain.Validationf("%s is a %s, tasks derive from stories", storyID, story.Type)
	}
	existing, err := e.Repo.ListChildrenTx(ctx, tx, storyID)
	if err != nil {
		return nil, err
	}
	if len(existing) > 0 {
		return nil, domain.Validationf("story %s already has %d tasks", storyID, len(existing))
	}
	now := e.stamp()
	var created []domain.WorkItem
	for i, tpl := range taskTemplates {
		hours := tpl.hours
		task := domain.WorkItem{
			ID:                 fmt.Sprintf("%s-T%d", storyID, i+1),
			ProjectID:          story.ProjectID,
			Type:               domain.TypeTask,
			ParentID:           &story.ID,
			Title:              tpl.verb + " " + story.Title,
			Status:             domain.StatusDraft,
			AcceptanceCriteria: tpl.acceptance,
			EstimatedHours:     &hours,
			CreatedAt:          now,
			UpdatedAt:          now,
		}
		if err := e.Repo.InsertWorkItem(ctx, tx, task); err != nil {
			return nil, err
		}
		if err := e.Events.Append(ctx, tx, "task.created", story.ProjectID, "work_item", task.ID, e.actor(), events.Payload{"parent": storyID}); err != nil {
			return nil, err
		}
		created = append(created, task)
	}
	return created, tx.Commit()
}

// UpdateStatus moves a work item through the lifecycle. force bypasses
// the transition check for corrections.
func (e Engine) UpdateStatus(ctx context.Context, id, status string, force bool) (domain.WorkItem, error) {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.WorkItem{}, err
	}
	defer tx.Rollback()
	item, err := e.Repo.GetWorkItemTx(ctx, tx, id)
	if err != nil {
		return domain.WorkItem{}, err
	}
	if !force {
		if err := ensureStatusTransition(item.Status, status); err != nil {
			return domain.WorkItem{}, err
		}
	}
	previous := item.Status
	item.Status = status
	item.UpdatedAt = e.stamp()
	if err := e.Repo.UpdateWorkItem(ctx, tx, item); err != nil {
		return domain.WorkItem{}, err
	}
	if err := e.Events.Append(ctx, tx, "item.status_changed", item.ProjectID, "work_item", item.ID, e.actor(), events.Payload{
		"from": previous, "to": status, "forced": force,
	}); err != nil {
		return domain.WorkItem{}, err
	}
	return item, tx.Commit()
}

func ensureStatusTransition(from, to string) error {
	allowed := false
	switch from {
	case domain.StatusDraft:
		allowed = to == domain.StatusReady
	case domain.StatusReady:
		allowed = to == domain.StatusInProgress || to == domain.StatusDraft
	case domain.StatusInProgress:
		allowed = to == domain.StatusReview
	case domain.StatusReview:
		allowed = to == domain.StatusDone || to == domain.StatusInProgress
	}
	if !allowed {
		return domain.Validationf("invalid status transition %s -> %s", from, to)
	}
	return nil
}

// LinkFiles appends file paths to a task's related files. Paths already
// linked stay linked once.
func (e Engine) LinkFiles(ctx context.Context, taskID string, files []string) (domain.WorkItem, error) {
	if len(files) == 0 {
		return domain.WorkItem{}, domain.Validationf("no files to link")
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.WorkItem{}, err
	}
	defer tx.Rollback()
	task, err := e.Repo.GetWorkItemTx(ctx, tx, taskID)
	if err != nil {
		return domain.WorkItem{}, err
	}
	if task.Type != domain.TypeTask {
		return domain.WorkItem{}, domain.Validationf("%s is a %s, files link to tasks", taskID, task.Type)
	}
	seen := map[string]bool{}
	for _, f := range task.RelatedFiles {
		seen[f] = true
	}
	added := 0
	for _, f := range files {
		f = strings.TrimSpace(f)
		if f == "" || seen[f] {
			continue
		}
		seen[f] = true
		task.RelatedFiles = append(task.RelatedFiles, f)
		added++
	}
	if added == 0 {
		return task, nil
	}
	task.UpdatedAt = e.stamp()
	if err := e.Repo.UpdateWorkItem(ctx, tx, task); err != nil {
		return domain.WorkItem{}, err
	}
	if err := e.Events.Append(ctx, tx, "task.files_linked", task.ProjectID, "work_item", task.ID, e.actor(), events.Payload{
		"count": added,
	}); err != nil {
		return domain.WorkItem{}, err
	}
	return task, tx.Commit()
}

var metricRe = regexp.MustCompile(`(?i)(increase|decrease|improve|reduce|enhance|optimize|achieve)\s+([^,.]+)`)

// fallbackMetrics cover roadmap items whose text yields no measurable
// phrases.
var fallbackMetrics = []string{
	"Successful implementation of all planned features",
	"User adoption rate meets or exceeds expectations",
	"No critical bugs reported after release",
}

// extractMetrics scans the business value and description for action
// phrases and turns them into success metrics.
func extractMetrics(businessValue, description string) []string {
	text := strings.TrimSpace(businessValue + " " + description)
	var metrics []string
	for _, m := range metricRe.FindAllStringSubmatch(text, -1) {
		action := strings.ToUpper(m[1][:1]) + strings.ToLower(m[1][1:])
		metrics = append(metrics, action+" "+strings.TrimSpace(m[2]))
	}
	if len(metrics) == 0 {
		return append([]string(nil), fallbackMetrics...)
	}
	return metrics
}

type RoadmapItemInput struct {
	ID            string
	Title         string
	Description   string
	Priority      string
	Timeframe     string
	Features      []string
	BusinessValue string
}

// ImportRoadmapItem stores a roadmap item in pending state.
func (e Engine) ImportRoadmapItem(ctx context.Context, projectID string, in RoadmapItemInput) (domain.RoadmapItem, error) {
	if strings.TrimSpace(in.ID) == "" || strings.TrimSpace(in.Title) == "" {
		return domain.RoadmapItem{}, domain.Validationf("roadmap item needs an id and a title")
	}
	if _, err := e.Repo.GetProject(ctx, projectID); err != nil {
		return domain.RoadmapItem{}, err
	}
	now := e.stamp()
	it := domain.RoadmapItem{
		ID:            in.ID,
		ProjectID:     projectID,
		Title:         in.Title,
		Description:   in.Description,
		Priority:      in.Priority,
		Timeframe:     in.Timeframe,
		Features:      in.Features,
		BusinessValue: in.BusinessValue,
		Status:        domain.RoadmapPending,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.RoadmapItem{}, err
	}
	defer tx.Rollback()
	if err := e.Repo.InsertRoadmapItem(ctx, tx, it); err != nil {
		return domain.RoadmapItem{}, err
	}
	if err := e.Events.Append(ctx, tx, "roadmap.imported", projectID, "roadmap_item", it.ID, e.actor(), events.Payload{"title": it.Title}); err != nil {
		return domain.RoadmapItem{}, err
	}
	return it, tx.Commit()
}

// ConvertRoadmapItem turns a pending roadmap item into an epic. Business
// value carries over verbatim, features become the epic scope, success
// metrics are extracted from the item's text. The epic id embeds a
// conversion timestamp so repeated roadmaps never collide.
func (e Engine) ConvertRoadmapItem(ctx context.Context, roadmapID string) (domain.WorkItem, error) {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.WorkItem{}, err
	}
	defer tx.Rollback()
	item, err := scanRoadmapForUpdate(ctx, tx, roadmapID)
	if err != nil {
		return domain.WorkItem{}, err
	}
	if item.Status == domain.RoadmapConverted {
		return domain.WorkItem{}, domain.Validationf("roadmap item %s is already converted", roadmapID)
	}
	if len(item.Features) == 0 {
		if err := e.markRoadmapFailed(ctx, tx, item); err != nil {
			return domain.WorkItem{}, err
		}
		if err := tx.Commit(); err != nil {
			return domain.WorkItem{}, err
		}
		return domain.WorkItem{}, domain.Validationf("roadmap item %s has no features to convert", roadmapID)
	}
	now := e.now()
	stamp := now.Format(time.RFC3339)
	epic := domain.WorkItem{
		ID:                 fmt.Sprintf("%s-E%s", item.ID, now.Format("01021504")),
		ProjectID:          item.ProjectID,
		Type:               domain.TypeEpic,
		Title:              item.Title,
		Description:        item.Description,
		Status:             domain.StatusDraft,
		BusinessValue:      item.BusinessValue,
		StrategicAlignment: strategicAlignment(item),
		SuccessMetrics:     extractMetrics(item.BusinessValue, item.Description),
		Scope:              append([]string(nil), item.Features...),
		RoadmapRef:         &item.ID,
		CreatedAt:          stamp,
		UpdatedAt:          stamp,
	}
	if err := e.Repo.InsertWorkItem(ctx, tx, epic); err != nil {
		return domain.WorkItem{}, err
	}
	item.Status = domain.RoadmapConverted
	item.EpicID = &epic.ID
	item.UpdatedAt = stamp
	if err := e.Repo.UpdateRoadmapItem(ctx, tx, item); err != nil {
		return domain.WorkItem{}, err
	}
	if err := e.Events.Append(ctx, tx, "roadmap.converted", item.ProjectID, "roadmap_item", item.ID, e.actor(), events.Payload{
		"epic": epic.ID,
	}); err != nil {
		return domain.WorkItem{}, err
	}
	return epic, tx.Commit()
}

// strategicAlignment ties the epic back to the roadmap timeframe when the
// item does not state one itself.
func strategicAlignment(item domain.RoadmapItem) string {
	if item.Timeframe != "" {
		return fmt.Sprintf("Roadmap item %s planned for %s", item.ID, item.Timeframe)
	}
	return fmt.Sprintf("Roadmap item %s", item.ID)
}

func scanRoadmapForUpdate(ctx context.Context, tx *sql.Tx, id string) (domain.RoadmapItem, error) {
	var it domain.RoadmapItem
	var description, priority, timeframe, features, businessValue, epicID sql.NullString
	err := tx.QueryRowContext(ctx, `SELECT id,project_id,title,description,priority,timeframe,features_json,business_value,status,epic_id,created_at,updated_at FROM roadmap_items WHERE id=?`, id).
		Scan(&it.ID, &it.ProjectID, &it.Title, &description, &priority, &timeframe, &features, &businessValue, &it.Status, &epicID, &it.CreatedAt, &it.UpdatedAt)
	if err == sql.ErrNoRows {
		return it, repo.ErrNotFound
	}
	if err != nil {
		return it, err
	}
	if description.Valid {
		it.Description = description.String
	}
	if priority.Valid {
		it.Priority = priority.String
	}
	if timeframe.Valid {
		it.Timeframe = timeframe.String
	}
	if businessValue.Valid {
		it.BusinessValue = businessValue.String
	}
	if epicID.Valid {
		it.EpicID = &epicID.String
	}
	if features.Valid && features.String != "" {
		if err := json.Unmarshal([]byte(features.String), &it.Features); err != nil {
			return it, err
		}
	}
	return it, nil
}

func (e Engine) markRoadmapFailed(ctx context.Context, tx *sql.Tx, item domain.RoadmapItem) error {
	item.Status = domain.RoadmapFailed
	item.UpdatedAt = e.stamp()
	if err := e.Repo.UpdateRoadmapItem(ctx, tx, item); err != nil {
		return err
	}
	return e.Events.Append(ctx, tx, "roadmap.conversion_failed", item.ProjectID, "roadmap_item", item.ID, e.actor(), events.Payload{
		"reason": "no features",
	})
}

// ConversionResult reports a single item's outcome in a batch conversion.
type ConversionResult struct {
	RoadmapID string `json:"roadmap_id"`
	EpicID    string `json:"epic_id,omitempty"`
	Error     string `json:"error,omitempty"`
}

// ConvertRoadmapItems converts each item independently. One failure does
// not abort the batch; the per item result carries the error.
func (e Engine) ConvertRoadmapItems(ctx context.Context, roadmapIDs []string) ([]ConversionResult, error) {
	var results []ConversionResult
	for _, id := range roadmapIDs {
		if err := ctx.Err(); err != nil {
			return results, err
		}
		epic, err := e.ConvertRoadmapItem(ctx, id)
		if err != nil {
			results = append(results, ConversionResult{RoadmapID: id, Error: err.Error()})
			continue
		}
		results = append(results, ConversionResult{RoadmapID: id, EpicID: epic.ID})
	}
	return results, nil
}
