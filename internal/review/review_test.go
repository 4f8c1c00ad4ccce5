package review

import (
	"context"
	"fmt"
	"strings"
	"testing"

	"traceline/internal/config"
	"traceline/internal/domain"
)

type fakeHistory struct {
	branch   string
	subjects []string
	files    []string
	contents map[string]string
}

func (f fakeHistory) Commits(ctx context.Context, from, to string) ([]domain.Commit, error) {
	return nil, nil
}
func (f fakeHistory) ChangedFiles(ctx context.Context, base, head string) ([]string, error) {
	return f.files, nil
}
func (f fakeHistory) CurrentBranch(ctx context.Context) (string, error) { return f.branch, nil }
func (f fakeHistory) RecentSubjects(ctx context.Context, ref string, limit int) ([]string, error) {
	return f.subjects, nil
}
func (f fakeHistory) Show(ctx context.Context, path, ref string) (string, error) {
	src, ok := f.contents[path]
	if !ok {
		return "", fmt.Errorf("no content for %s", path)
	}
	return src, nil
}

func TestReviewFindsLintIssues(t *testing.T) {
	r := Reviewer{History: fakeHistory{
		files: []string{"src/auth/login.js"},
		contents: map[string]string{
			"src/auth/login.js": "const password = \"hunter2\";\nconsole.log('here');\ntry { x() } catch (e) {}\n",
		},
	}}
	res, err := r.ReviewPullRequest(context.Background(), "main", "HEAD")
	if err != nil {
		t.Fatal(err)
	}
	rules := map[string]int{}
	for _, issue := range res.Issues {
		rules[issue.Rule]++
	}
	for _, want := range []string{"hardcoded_secrets", "debug_code", "empty_catch"} {
		if rules[want] == 0 {
			t.Errorf("missing %s issue: %+v", want, res.Issues)
		}
	}
	if res.Issues[0].Rule != "hardcoded_secrets" {
		t.Errorf("high severity should sort first, got %+v", res.Issues[0])
	}
	if len(res.Suggestions) == 0 {
		t.Error("expected recommendations")
	}
}

func TestReviewIncludesArchFindings(t *testing.T) {
	r := Reviewer{
		History: fakeHistory{
			files: []string{"src/ui/page.js"},
			contents: map[string]string{
				"src/ui/page.js": "import { db } from '../data/client';\n",
			},
		},
		Rules: []config.ArchRule{
			{ID: "layered.ui", Path: "src/ui/", Forbidden: []string{"src/data/"}, Severity: domain.SeverityHigh},
		},
	}
	res, err := r.ReviewPullRequest(context.Background(), "main", "HEAD")
	if err != nil {
		t.Fatal(err)
	}
	found := false
	for _, issue := range res.Issues {
		if issue.Rule == "layered.ui" {
			found = true
		}
	}
	if !found {
		t.Fatalf("architecture finding missing: %+v", res.Issues)
	}
}

func TestReviewCarriesRuleSeverity(t *testing.T) {
	r := Reviewer{
		History: fakeHistory{
			files: []string{"src/services/billing/api.py", "src/legacy/old.py"},
			contents: map[string]string{
				"src/services/billing/api.py": "from src.services.auth import session\n",
				"src/legacy/old.py":           "import src.ui.widgets\n",
			},
		},
		Rules: []config.ArchRule{
			{ID: "service.boundary", Path: "src/services/", Forbidden: []string{"src/services/"}, Severity: domain.SeverityCritical},
			{ID: "legacy.freeze", Path: "src/legacy/", Forbidden: []string{"src/ui/"}, Severity: domain.SeverityLow},
		},
	}
	res, err := r.ReviewPullRequest(context.Background(), "main", "HEAD")
	if err != nil {
		t.Fatal(err)
	}
	bySeverity := map[string]string{}
	for _, issue := range res.Issues {
		bySeverity[issue.Rule] = issue.Severity
	}
	if bySeverity["service.boundary"] != domain.SeverityCritical {
		t.Errorf("service.boundary severity = %q, want critical", bySeverity["service.boundary"])
	}
	if bySeverity["legacy.freeze"] != domain.SeverityLow {
		t.Errorf("legacy.freeze severity = %q, want low", bySeverity["legacy.freeze"])
	}
	if len(res.Issues) == 0 || res.Issues[0].Severity != domain.SeverityCritical {
		t.Errorf("critical should sort first: %+v", res.Issues)
	}
}

type cancelAfterShow struct {
	fakeHistory
	cancel context.CancelFunc
}

func (c *cancelAfterShow) Show(ctx context.Context, path, ref string) (string, error) {
	defer c.cancel()
	return c.fakeHistory.Show(ctx, path, ref)
}

func TestReviewCancelledReturnsPartial(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	r := Reviewer{History: &cancelAfterShow{
		cancel: cancel,
		fakeHistory: fakeHistory{
			files: []string{"src/a.js", "src/b.js"},
			contents: map[string]string{
				"src/a.js": "const password = \"hunter2\";\n",
				"src/b.js": "const token = \"oops\";\n",
			},
		},
	}}
	res, err := r.ReviewPullRequest(ctx, "main", "HEAD")
	if err != context.Canceled {
		t.Fatalf("err = %v", err)
	}
	if !res.Partial {
		t.Fatal("result should be marked partial")
	}
	if len(res.Issues) == 0 {
		t.Fatal("issues from the analyzed file should be kept")
	}
	for _, issue := range res.Issues {
		if issue.File != "src/a.js" {
			t.Fatalf("unexpected issue past the cutoff: %+v", issue)
		}
	}
	if !strings.Contains(FormatReport(res), "Partial review") {
		t.Error("report should carry the partial marker")
	}
}

func TestReviewDeletedFileSkipsLint(t *testing.T) {
	r := Reviewer{History: fakeHistory{files: []string{"src/gone.js"}, contents: map[string]string{}}}
	res, err := r.ReviewPullRequest(context.Background(), "main", "HEAD")
	if err != nil {
		t.Fatal(err)
	}
	if len(res.Issues) != 0 {
		t.Fatalf("issues = %+v", res.Issues)
	}
}

func TestFormatReport(t *testing.T) {
	res := domain.ReviewResult{
		Issues: []domain.ReviewIssue{
			{Severity: domain.SeverityHigh, File: "a.js", Line: 3, Rule: "hardcoded_secrets", Message: "possible hardcoded secret"},
			{Severity: domain.SeverityMedium, File: "a.js", Line: 9, Rule: "debug_code", Message: "debug code or unresolved marker"},
		},
		Suggestions: []string{"Move secrets to environment variables or a secrets manager"},
	}
	out := FormatReport(res)
	for _, want := range []string{"2 issues found", "## High", "## Medium", "a.js:3", "## Recommendations"} {
		if !strings.Contains(out, want) {
			t.Errorf("report missing %q\n%s", want, out)
		}
	}
}

func TestDescribeWithStory(t *testing.T) {
	story := domain.WorkItem{
		ID: "PROJ-E1-S2", Type: domain.TypeStory, Title: "User login",
		AcceptanceCriteria: []string{"The feature is implemented according to specifications", "All tests pass"},
	}
	d := Describer{
		History: fakeHistory{
			branch:   "feature/PROJ-E1-S2-login",
			subjects: []string{"feat(auth): add login #PROJ-E1-S2"},
			files:    []string{"src/auth/login.js", "src/auth/login_test.go", "docs/auth.md", "config.yml"},
		},
		Lookup: func(ctx context.Context, id string) (domain.WorkItem, error) {
			if id == story.ID {
				return story, nil
			}
			return domain.WorkItem{}, fmt.Errorf("unknown %s", id)
		},
	}
	out, err := d.Describe(context.Background(), "main", "HEAD")
	if err != nil {
		t.Fatal(err)
	}
	for _, want := range []string{
		"Implements Story PROJ-E1-S2: User login",
		"- #PROJ-E1-S2",
		"### Code",
		"### Tests",
		"### Documentation",
		"### Configuration",
		"- [ ] The feature is implemented according to specifications",
		"Documentation updated in this pull request.",
	} {
		if !strings.Contains(out, want) {
			t.Errorf("description missing %q\n%s", want, out)
		}
	}
}

func TestDescribeUnresolvedIDs(t *testing.T) {
	d := Describer{History: fakeHistory{
		branch:   "fix/PROJ-7-crash",
		subjects: []string{"fix: stop crash #PROJ-7"},
		files:    []string{"src/main.go"},
	}}
	out, err := d.Describe(context.Background(), "main", "HEAD")
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(out, "- #PROJ-7") {
		t.Fatalf("unresolved id not listed:\n%s", out)
	}
	if !strings.Contains(out, "- [ ] Changes are covered by tests") {
		t.Fatalf("default checklist missing:\n%s", out)
	}
}

func TestCollectIDs(t *testing.T) {
	ids := collectIDs("feature/PROJ-12-new-thing", []string{"feat: a #PROJ-12", "fix: b #PROJ-E1-T3"})
	if len(ids) != 2 || ids[0] != "PROJ-12" || ids[1] != "PROJ-E1-T3" {
		t.Fatalf("ids = %v", ids)
	}
}
