package notes

import (
	"context"
	"strings"
	"testing"

	"traceline/internal/domain"
)

type fakeHistory struct {
	commits []domain.Commit
	err     error
}

func (f fakeHistory) Commits(ctx context.Context, from, to string) ([]domain.Commit, error) {
	return f.commits, f.err
}
func (f fakeHistory) ChangedFiles(ctx context.Context, base, head string) ([]string, error) {
	return nil, nil
}
func (f fakeHistory) CurrentBranch(ctx context.Context) (string, error) { return "main", nil }
func (f fakeHistory) RecentSubjects(ctx context.Context, ref string, limit int) ([]string, error) {
	return nil, nil
}
func (f fakeHistory) Show(ctx context.Context, path, ref string) (string, error) { return "", nil }

func TestGenerateSections(t *testing.T) {
	g := Generator{History: fakeHistory{commits: []domain.Commit{
		{Hash: "aaaaaaaabbbb", Subject: "feat(auth): add login #PROJ-1", Body: "Closes #42"},
		{Hash: "ccccccccdddd", Subject: "fix: handle nil config"},
		{Hash: "eeeeeeeeffff", Subject: "feat(api): expose status endpoint"},
	}}}
	out, err := g.Generate(context.Background(), "v1.0.0", "v1.1.0", "1.1.0", "2026-08-29")
	if err != nil {
		t.Fatal(err)
	}
	for _, want := range []string{
		"# Release Notes - 1.1.0 (2026-08-29)",
		"This release includes 3 commits",
		"- 2 features",
		"- 1 bug fixes",
		"## Features",
		"### Api",
		"### Auth",
		"- add login #PROJ-1 (#42) ([aaaaaaa])",
		"## Bug Fixes",
		"- handle nil config ([ccccccc])",
	} {
		if !strings.Contains(out, want) {
			t.Errorf("output missing %q\n%s", want, out)
		}
	}
	if strings.Index(out, "## Features") > strings.Index(out, "## Bug Fixes") {
		t.Error("features should come before bug fixes")
	}
	if strings.Index(out, "### Api") > strings.Index(out, "### Auth") {
		t.Error("scopes should be sorted")
	}
}

func TestGenerateBreakingChanges(t *testing.T) {
	g := Generator{History: fakeHistory{commits: []domain.Commit{
		{Hash: "1234567890ab", Subject: "feat(api): rename endpoints", Body: "BREAKING CHANGE: /v1 routes removed\n\nmore detail"},
	}}}
	out, err := g.Generate(context.Background(), "", "", "2.0.0", "2026-08-29")
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(out, "## BREAKING CHANGES") {
		t.Fatalf("missing breaking section:\n%s", out)
	}
	if !strings.Contains(out, "- **feat**(api): rename endpoints ([1234567])") {
		t.Fatalf("breaking entry malformed:\n%s", out)
	}
	if !strings.Contains(out, "/v1 routes removed") {
		t.Fatalf("breaking text missing:\n%s", out)
	}
	if strings.Index(out, "## BREAKING CHANGES") > strings.Index(out, "## Features") {
		t.Error("breaking changes should lead the sections")
	}
}

func TestGenerateOtherBucket(t *testing.T) {
	g := Generator{History: fakeHistory{commits: []domain.Commit{
		{Hash: "aaaa1111bbbb", Subject: "merged some stuff"},
	}}}
	out, err := g.Generate(context.Background(), "", "", "1.0.1", "2026-08-29")
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(out, "## Other") || !strings.Contains(out, "- merged some stuff ([aaaa111])") {
		t.Fatalf("other bucket missing:\n%s", out)
	}
}

func TestGenerateEmptyRange(t *testing.T) {
	g := Generator{History: fakeHistory{}}
	out, err := g.Generate(context.Background(), "", "", "1.0.0", "2026-08-29")
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(out, "This release includes 0 commits.") {
		t.Fatalf("empty summary missing:\n%s", out)
	}
}

func TestGenerateCancelledReturnsPartial(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	g := Generator{History: fakeHistory{commits: []domain.Commit{
		{Hash: "abc111222333", Subject: "feat: x"},
		{Hash: "def444555666", Subject: "fix: y"},
	}}}
	out, err := g.Generate(ctx, "", "", "1.0.0", "2026-08-29")
	if err != context.Canceled {
		t.Fatalf("err = %v", err)
	}
	if !strings.Contains(out, "# Release Notes - 1.0.0 (2026-08-29)") {
		t.Fatalf("partial output missing header:\n%s", out)
	}
	if !strings.Contains(out, "> Partial notes: analysis cancelled after 0 of 2 commits.") {
		t.Fatalf("partial marker missing:\n%s", out)
	}
}
