package engine_test

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"
	"unicode/utf8"

	"traceline/internal/config"
	"traceline/internal/db"
	"traceline/internal/domain"
	"traceline/internal/engine"
	"traceline/internal/migrate"
)

type testEnv struct {
	Engine engine.Engine
	Ctx    context.Context
}

func newTestEnv(t *testing.T) testEnv {
	t.Helper()
	dir := t.TempDir()
	conn, err := db.Open(db.Config{Workspace: dir})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	cfg := config.Default("proj-1", "PROJ")
	eng := engine.New(conn, cfg)
	eng.Now = func() time.Time { return time.Date(2026, 3, 1, 10, 30, 0, 0, time.UTC) }
	ctx := context.Background()
	if _, err := eng.InitProject(ctx, "proj-1", "PROJ", "test project", cfg); err != nil {
		t.Fatalf("init project: %v", err)
	}
	return testEnv{Engine: eng, Ctx: ctx}
}

func createEpic(t *testing.T, env testEnv, scope []string) domain.WorkItem {
	t.Helper()
	epic, err := env.Engine.CreateEpic(env.Ctx, "proj-1", engine.EpicInput{
		Title:         "Checkout revamp",
		BusinessValue: "Increase conversion by reducing checkout friction",
		Scope:         scope,
	})
	if err != nil {
		t.Fatalf("create epic: %v", err)
	}
	return epic
}

func TestCreateEpicSequentialIDs(t *testing.T) {
	env := newTestEnv(t)
	first := createEpic(t, env, []string{"One-click payments"})
	if first.ID != "PROJ-E1" {
		t.Fatalf("first epic id = %s", first.ID)
	}
	second, err := env.Engine.CreateEpic(env.Ctx, "proj-1", engine.EpicInput{Title: "Another"})
	if err != nil {
		t.Fatal(err)
	}
	if second.ID != "PROJ-E2" {
		t.Fatalf("second epic id = %s", second.ID)
	}
	if first.Status != domain.StatusDraft {
		t.Fatalf("epic status = %s", first.Status)
	}
}

func TestCreateStoriesFromEpic(t *testing.T) {
	env := newTestEnv(t)
	longItem := strings.Repeat("support customer specific pricing rules ", 3)
	epic := createEpic(t, env, []string{"One-click payments", "Saved addresses", longItem})
	stories, err := env.Engine.CreateStoriesFromEpic(env.Ctx, epic.ID)
	if err != nil {
		t.Fatalf("derive stories: %v", err)
	}
	if len(stories) != 3 {
		t.Fatalf("stories = %d", len(stories))
	}
	if stories[0].ID != epic.ID+"-S1" || stories[2].ID != epic.ID+"-S3" {
		t.Fatalf("story ids = %s .. %s", stories[0].ID, stories[2].ID)
	}
	if stories[0].Title != "One-click payments" {
		t.Fatalf("story title = %s", stories[0].Title)
	}
	if len(stories[2].Title) != 60 || !strings.HasSuffix(stories[2].Title, "...") {
		t.Fatalf("long title not shortened: %q", stories[2].Title)
	}
	if stories[2].Description != longItem {
		t.Fatal("story description should keep the full scope item")
	}
	if len(stories[0].AcceptanceCriteria) != 3 || stories[0].AcceptanceCriteria[1] != "All tests pass" {
		t.Fatalf("acceptance criteria = %v", stories[0].AcceptanceCriteria)
	}
	if *stories[0].ParentID != epic.ID {
		t.Fatalf("parent = %v", stories[0].ParentID)
	}
}

func TestCreateStoriesIdempotent(t *testing.T) {
	env := newTestEnv(t)
	epic := createEpic(t, env, []string{"One-click payments", "Saved addresses"})
	if _, err := env.Engine.CreateStoriesFromEpic(env.Ctx, epic.ID); err != nil {
		t.Fatal(err)
	}
	again, err := env.Engine.CreateStoriesFromEpic(env.Ctx, epic.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(again) != 0 {
		t.Fatalf("re-run created %d stories", len(again))
	}
	children, err := env.Engine.Repo.ListChildren(env.Ctx, epic.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(children) != 2 {
		t.Fatalf("children = %d", len(children))
	}
}

func TestCreateStoriesEmptyScopeYieldsNone(t *testing.T) {
	env := newTestEnv(t)
	epic := createEpic(t, env, nil)
	stories, err := env.Engine.CreateStoriesFromEpic(env.Ctx, epic.ID)
	if err != nil {
		t.Fatalf("empty scope should not error: %v", err)
	}
	if len(stories) != 0 {
		t.Fatalf("stories = %+v", stories)
	}
}

func TestStoryTitleTruncatesRunes(t *testing.T) {
	env := newTestEnv(t)
	long := strings.Repeat("ü", 80)
	epic := createEpic(t, env, []string{long})
	stories, err := env.Engine.CreateStoriesFromEpic(env.Ctx, epic.ID)
	if err != nil {
		t.Fatal(err)
	}
	title := stories[0].Title
	if !utf8.ValidString(title) {
		t.Fatalf("title is not valid UTF-8: %q", title)
	}
	if got := utf8.RuneCountInString(title); got != 60 {
		t.Fatalf("title runes = %d, want 60", got)
	}
	if !strings.HasSuffix(title, "...") {
		t.Fatalf("title = %q", title)
	}
	if stories[0].Description != long {
		t.Fatal("description should keep the full scope item")
	}
}

func TestCreateTasksFromStory(t *testing.T) {
	env := newTestEnv(t)
	epic := createEpic(t, env, []string{"One-click payments"})
	stories, err := env.Engine.CreateStoriesFromEpic(env.Ctx, epic.ID)
	if err != nil {
		t.Fatal(err)
	}
	tasks, err := env.Engine.CreateTasksFromStory(env.Ctx, stories[0].ID)
	if err != nil {
		t.Fatalf("derive tasks: %v", err)
	}
	if len(tasks) != 3 {
		t.Fatalf("tasks = %d", len(tasks))
	}
	wantTitles := []string{
		"Implement One-click payments",
		"Test One-click payments",
		"Document One-click payments",
	}
	wantHours := []float64{6, 3, 1.5}
	for i, task := range tasks {
		if task.Title != wantTitles[i] {
			t.Errorf("task %d title = %s", i, task.Title)
		}
		if task.EstimatedHours == nil || *task.EstimatedHours != wantHours[i] {
			t.Errorf("task %d hours = %v", i, task.EstimatedHours)
		}
		if len(task.AcceptanceCriteria) != 3 {
			t.Errorf("task %d acceptance = %v", i, task.AcceptanceCriteria)
		}
	}
	if tasks[1].ID != stories[0].ID+"-T2" {
		t.Fatalf("task id = %s", tasks[1].ID)
	}
	// a second run must not duplicate the triad
	if _, err := env.Engine.CreateTasksFromStory(env.Ctx, stories[0].ID); err == nil {
		t.Fatal("expected error on second derivation")
	}
}

func TestCreateTasksRejectsNonStory(t *testing.T) {
	env := newTestEnv(t)
	epic := createEpic(t, env, []string{"x"})
	if _, err := env.Engine.CreateTasksFromStory(env.Ctx, epic.ID); err == nil {
		t.Fatal("expected error for epic input")
	}
}

func TestStatusTransitions(t *testing.T) {
	env := newTestEnv(t)
	epic := createEpic(t, env, []string{"x"})

	for _, next := range []string{
		domain.StatusReady, domain.StatusInProgress, domain.StatusReview,
		domain.StatusInProgress, domain.StatusReview, domain.StatusDone,
	} {
		item, err := env.Engine.UpdateStatus(env.Ctx, epic.ID, next, false)
		if err != nil {
			t.Fatalf("to %s: %v", next, err)
		}
		if item.Status != next {
			t.Fatalf("status = %s, want %s", item.Status, next)
		}
	}
}

func TestStatusTransitionBackToDraft(t *testing.T) {
	env := newTestEnv(t)
	epic := createEpic(t, env, []string{"x"})
	if _, err := env.Engine.UpdateStatus(env.Ctx, epic.ID, domain.StatusReady, false); err != nil {
		t.Fatal(err)
	}
	item, err := env.Engine.UpdateStatus(env.Ctx, epic.ID, domain.StatusDraft, false)
	if err != nil || item.Status != domain.StatusDraft {
		t.Fatalf("ready back to draft: %v", err)
	}
}

func TestStatusTransitionRejected(t *testing.T) {
	env := newTestEnv(t)
	epic := createEpic(t, env, []string{"x"})
	_, err := env.Engine.UpdateStatus(env.Ctx, epic.ID, domain.StatusDone, false)
	var verr domain.ValidationError
	if !errors.As(err, &verr) {
		t.Fatalf("err = %v", err)
	}
	if !strings.Contains(err.Error(), "draft -> done") {
		t.Fatalf("message = %s", err.Error())
	}
	// force bypasses the check
	item, err := env.Engine.UpdateStatus(env.Ctx, epic.ID, domain.StatusDone, true)
	if err != nil || item.Status != domain.StatusDone {
		t.Fatalf("forced: %v", err)
	}
}

func TestLinkFiles(t *testing.T) {
	env := newTestEnv(t)
	epic := createEpic(t, env, []string{"x"})
	stories, _ := env.Engine.CreateStoriesFromEpic(env.Ctx, epic.ID)
	tasks, _ := env.Engine.CreateTasksFromStory(env.Ctx, stories[0].ID)

	task, err := env.Engine.LinkFiles(env.Ctx, tasks[0].ID, []string{"src/a.go", "src/b.go"})
	if err != nil {
		t.Fatal(err)
	}
	if len(task.RelatedFiles) != 2 {
		t.Fatalf("related = %v", task.RelatedFiles)
	}
	task, err = env.Engine.LinkFiles(env.Ctx, tasks[0].ID, []string{"src/b.go", "src/c.go"})
	if err != nil {
		t.Fatal(err)
	}
	if len(task.RelatedFiles) != 3 || task.RelatedFiles[2] != "src/c.go" {
		t.Fatalf("related after second link = %v", task.RelatedFiles)
	}
	if _, err := env.Engine.LinkFiles(env.Ctx, stories[0].ID, []string{"x"}); err == nil {
		t.Fatal("expected error linking files to a story")
	}
}

func importRoadmapItem(t *testing.T, env testEnv, id string, features []string) domain.RoadmapItem {
	t.Helper()
	it, err := env.Engine.ImportRoadmapItem(env.Ctx, "proj-1", engine.RoadmapItemInput{
		ID:            id,
		Title:         "Mobile app",
		Description:   "Ship a companion mobile app to improve retention",
		Timeframe:     "Q3",
		Features:      features,
		BusinessValue: "Increase daily active users, reduce churn rate.",
	})
	if err != nil {
		t.Fatalf("import roadmap item: %v", err)
	}
	return it
}

func TestConvertRoadmapItem(t *testing.T) {
	env := newTestEnv(t)
	importRoadmapItem(t, env, "RM-1", []string{"Push notifications", "Offline mode"})

	epic, err := env.Engine.ConvertRoadmapItem(env.Ctx, "RM-1")
	if err != nil {
		t.Fatalf("convert: %v", err)
	}
	// stamp comes from the fixed clock: March 1st 10:30
	if epic.ID != "RM-1-E03011030" {
		t.Fatalf("epic id = %s", epic.ID)
	}
	if epic.BusinessValue != "Increase daily active users, reduce churn rate." {
		t.Fatalf("business value = %q", epic.BusinessValue)
	}
	if len(epic.Scope) != 2 || epic.Scope[0] != "Push notifications" {
		t.Fatalf("scope = %v", epic.Scope)
	}
	if epic.RoadmapRef == nil || *epic.RoadmapRef != "RM-1" {
		t.Fatalf("roadmap ref = %v", epic.RoadmapRef)
	}
	wantMetrics := []string{"Increase daily active users", "Reduce churn rate", "Improve retention"}
	if len(epic.SuccessMetrics) != len(wantMetrics) {
		t.Fatalf("metrics = %v", epic.SuccessMetrics)
	}
	for i, m := range wantMetrics {
		if epic.SuccessMetrics[i] != m {
			t.Errorf("metric %d = %q, want %q", i, epic.SuccessMetrics[i], m)
		}
	}

	item, err := env.Engine.Repo.GetRoadmapItem(env.Ctx, "RM-1")
	if err != nil {
		t.Fatal(err)
	}
	if item.Status != domain.RoadmapConverted || item.EpicID == nil || *item.EpicID != epic.ID {
		t.Fatalf("roadmap item after convert = %+v", item)
	}

	if _, err := env.Engine.ConvertRoadmapItem(env.Ctx, "RM-1"); err == nil {
		t.Fatal("expected error converting twice")
	}
}

func TestConvertRoadmapFallbackMetrics(t *testing.T) {
	env := newTestEnv(t)
	it, err := env.Engine.ImportRoadmapItem(env.Ctx, "proj-1", engine.RoadmapItemInput{
		ID:            "RM-2",
		Title:         "Housekeeping",
		Description:   "General cleanup work",
		Features:      []string{"Remove dead code"},
		BusinessValue: "Keeps the codebase healthy",
	})
	if err != nil {
		t.Fatal(err)
	}
	epic, err := env.Engine.ConvertRoadmapItem(env.Ctx, it.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(epic.SuccessMetrics) != 3 || epic.SuccessMetrics[0] != "Successful implementation of all planned features" {
		t.Fatalf("fallback metrics = %v", epic.SuccessMetrics)
	}
}

func TestConvertRoadmapWithoutFeatures(t *testing.T) {
	env := newTestEnv(t)
	importRoadmapItem(t, env, "RM-3", nil)
	_, err := env.Engine.ConvertRoadmapItem(env.Ctx, "RM-3")
	var verr domain.ValidationError
	if !errors.As(err, &verr) {
		t.Fatalf("err = %v", err)
	}
	item, err := env.Engine.Repo.GetRoadmapItem(env.Ctx, "RM-3")
	if err != nil {
		t.Fatal(err)
	}
	if item.Status != domain.RoadmapFailed {
		t.Fatalf("status = %s", item.Status)
	}
}

func TestConvertRoadmapBatch(t *testing.T) {
	env := newTestEnv(t)
	importRoadmapItem(t, env, "RM-4", []string{"A"})
	importRoadmapItem(t, env, "RM-5", nil)

	results, err := env.Engine.ConvertRoadmapItems(env.Ctx, []string{"RM-4", "RM-5", "RM-404"})
	if err != nil {
		t.Fatal(err)
	}
	if len(results) != 3 {
		t.Fatalf("results = %d", len(results))
	}
	if results[0].EpicID == "" || results[0].Error != "" {
		t.Fatalf("first result = %+v", results[0])
	}
	if results[1].Error == "" || results[2].Error == "" {
		t.Fatalf("failures not reported: %+v", results[1:])
	}
}

func TestEventAppendOnStateChanges(t *testing.T) {
	env := newTestEnv(t)
	epic := createEpic(t, env, []string{"x"})
	_, _ = env.Engine.UpdateStatus(env.Ctx, epic.ID, domain.StatusReady, false)
	_, _ = env.Engine.UpdateStatus(env.Ctx, epic.ID, domain.StatusInProgress, false)

	rows, err := env.Engine.DB.QueryContext(env.Ctx, `SELECT type FROM events WHERE item_id=?`, epic.ID)
	if err != nil {
		t.Fatalf("query events: %v", err)
	}
	defer rows.Close()
	count := 0
	for rows.Next() {
		count++
	}
	if count < 3 {
		t.Fatalf("expected create and status events, got %d", count)
	}
}
