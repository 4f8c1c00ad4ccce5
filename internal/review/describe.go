package review

import (
	"context"
	"fmt"
	"path/filepath"
	"regexp"
	"sort"
	"strings"

	"traceline/internal/domain"
	"traceline/internal/gitlog"
)

var (
	branchPrefixRe = regexp.MustCompile(`(?:feature|bugfix|fix|hotfix|release)/([A-Z]+-\d+)`)
	branchChildRe  = regexp.MustCompile(`([A-Z]+-[A-Z0-9]+-[ST]\d+)`)
	commitRefRe    = regexp.MustCompile(`#([A-Z]+-\d+|[A-Z]+-[A-Z0-9]+-[ST]\d+)`)
)

// ItemLookup resolves a work item id. Unresolvable ids are listed in the
// description without detail rather than failing the whole render.
type ItemLookup func(ctx context.Context, id string) (domain.WorkItem, error)

type Describer struct {
	History gitlog.History
	Lookup  ItemLookup
}

// Describe composes a markdown pull request description for the changes
// between base and head, pulling work item context from the branch name
// and the most recent commit messages.
func (d Describer) Describe(ctx context.Context, base, head string) (string, error) {
	branch, err := d.History.CurrentBranch(ctx)
	if err != nil {
		return "", err
	}
	subjects, err := d.History.RecentSubjects(ctx, head, 10)
	if err != nil {
		return "", err
	}
	files, err := d.History.ChangedFiles(ctx, base, head)
	if err != nil {
		return "", err
	}

	ids := collectIDs(branch, subjects)
	var items []domain.WorkItem
	var unresolved []string
	for _, id := range ids {
		if d.Lookup == nil {
			unresolved = append(unresolved, id)
			continue
		}
		item, err := d.Lookup(ctx, id)
		if err != nil {
			unresolved = append(unresolved, id)
			continue
		}
		items = append(items, item)
	}

	var b strings.Builder
	b.WriteString("## Description\n\n")
	if len(items) == 0 && len(unresolved) == 0 {
		fmt.Fprintf(&b, "Changes from branch `%s`.\n", branch)
	}
	for _, item := range items {
		switch item.Type {
		case domain.TypeStory:
			fmt.Fprintf(&b, "Implements Story %s: %s\n", item.ID, item.Title)
		case domain.TypeTask:
			fmt.Fprintf(&b, "Addresses Task %s: %s\n", item.ID, item.Title)
		default:
			fmt.Fprintf(&b, "Related to %s: %s\n", item.ID, item.Title)
		}
		if item.Description != "" {
			b.WriteString("\n" + item.Description + "\n")
		}
	}

	if len(ids) > 0 {
		b.WriteString("\n## Related Work Items\n\n")
		for _, id := range ids {
			b.WriteString("- #" + id + "\n")
		}
	}

	b.WriteString("\n## Changes\n\n")
	for _, cat := range categorize(files) {
		fmt.Fprintf(&b, "### %s\n\n", cat.name)
		for _, f := range cat.files {
			b.WriteString("- `" + f + "`\n")
		}
		b.WriteString("\n")
	}

	b.WriteString("## Testing\n\n")
	wroteChecklist := false
	for _, item := range items {
		for _, ac := range item.AcceptanceCriteria {
			b.WriteString("- [ ] " + ac + "\n")
			wroteChecklist = true
		}
	}
	if !wroteChecklist {
		b.WriteString("- [ ] Changes are covered by tests\n")
	}

	b.WriteString("\n## Documentation\n\n")
	if hasDocChanges(files) {
		b.WriteString("Documentation updated in this pull request.\n")
	} else {
		b.WriteString("- [ ] Documentation updated if needed\n")
	}

	return b.String(), nil
}

// collectIDs gathers work item ids from the branch name and commit
// subjects, branch first, deduplicated in order of appearance.
func collectIDs(branch string, subjects []string) []string {
	seen := map[string]bool{}
	var ids []string
	add := func(id string) {
		if id != "" && !seen[id] {
			seen[id] = true
			ids = append(ids, id)
		}
	}
	if m := branchChildRe.FindStringSubmatch(branch); m != nil {
		add(m[1])
	} else if m := branchPrefixRe.FindStringSubmatch(branch); m != nil {
		add(m[1])
	}
	for _, subject := range subjects {
		for _, m := range commitRefRe.FindAllStringSubmatch(subject, -1) {
			add(m[1])
		}
	}
	return ids
}

type category struct {
	name  string
	files []string
}

func categorize(files []string) []category {
	buckets := map[string][]string{}
	for _, f := range files {
		buckets[categoryFor(f)] = append(buckets[categoryFor(f)], f)
	}
	var out []category
	for _, name := range []string{"Code", "Tests", "Documentation", "Configuration", "Other"} {
		if len(buckets[name]) > 0 {
			sort.Strings(buckets[name])
			out = append(out, category{name: name, files: buckets[name]})
		}
	}
	return out
}

func categoryFor(path string) string {
	base := strings.ToLower(filepath.Base(path))
	ext := strings.ToLower(filepath.Ext(path))
	switch {
	case strings.Contains(base, "_test.") || strings.HasSuffix(base, ".test.js") || strings.HasSuffix(base, ".spec.ts") ||
		strings.HasPrefix(path, "test/") || strings.HasPrefix(path, "tests/"):
		return "Tests"
	case ext == ".md" || ext == ".rst" || strings.HasPrefix(path, "docs/"):
		return "Documentation"
	case ext == ".yml" || ext == ".yaml" || ext == ".json" || ext == ".toml" || ext == ".ini" || ext == ".env":
		return "Configuration"
	case ext == ".go" || ext == ".py" || ext == ".js" || ext == ".jsx" || ext == ".ts" || ext == ".tsx" || ext == ".java":
		return "Code"
	default:
		return "Other"
	}
}

func hasDocChanges(files []string) bool {
	for _, f := range files {
		if categoryFor(f) == "Documentation" {
			return true
		}
	}
	return false
}
