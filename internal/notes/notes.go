// Package notes composes release notes from conventional commit history.
package notes

import (
	"context"
	"fmt"
	"regexp"
	"sort"
	"strings"

	"traceline/internal/commitlint"
	"traceline/internal/domain"
	"traceline/internal/gitlog"
)

// sectionTitles maps conventional commit types to their release notes
// section headings.
var sectionTitles = map[string]string{
	"feat":     "Features",
	"fix":      "Bug Fixes",
	"perf":     "Performance Improvements",
	"refactor": "Code Refactoring",
	"docs":     "Documentation",
	"test":     "Tests",
	"build":    "Build System",
	"ci":       "Continuous Integration",
	"chore":    "Chores",
	"style":    "Style Improvements",
}

// sectionOrder fixes the ordering of type sections in the output.
var sectionOrder = []string{"feat", "fix", "perf", "refactor", "docs", "test", "build", "ci", "chore", "style"}

var (
	prRefRe    = regexp.MustCompile(`#(\d+)`)
	breakingRe = regexp.MustCompile(`(?s)BREAKING CHANGE:(.*?)(\n\n|\z)`)
)

type entry struct {
	parsed commitlint.Parsed
	hash   string
	refs   []string
}

type breaking struct {
	typ   string
	scope string
	desc  string
	hash  string
	text  string
}

type Generator struct {
	History gitlog.History
}

// Generate renders markdown release notes for the commits in from..to.
// Commits that do not follow the conventional format are collected under
// an Other section rather than dropped silently. If the context is
// cancelled mid range the notes for the commits analyzed so far are
// returned, marked partial, together with the context error.
func (g Generator) Generate(ctx context.Context, from, to, version, date string) (string, error) {
	commits, err := g.History.Commits(ctx, from, to)
	if err != nil {
		return "", err
	}
	byType := map[string]map[string][]entry{}
	var other []entry
	var breakings []breaking
	counts := map[string]int{}
	partial := false
	analyzed := 0
	for _, c := range commits {
		if ctx.Err() != nil {
			// Stop before the next commit but render what was analyzed.
			partial = true
			break
		}
		analyzed++
		e := entry{hash: c.Hash, refs: references(c)}
		parsed, ok := commitlint.Parse(c.Subject)
		if !ok {
			e.parsed = commitlint.Parsed{Description: c.Subject}
			other = append(other, e)
			continue
		}
		e.parsed = parsed
		counts[parsed.Type]++
		scope := parsed.Scope
		if scope == "" {
			scope = "general"
		}
		if byType[parsed.Type] == nil {
			byType[parsed.Type] = map[string][]entry{}
		}
		byType[parsed.Type][scope] = append(byType[parsed.Type][scope], e)
		for _, m := range breakingRe.FindAllStringSubmatch(c.Body, -1) {
			breakings = append(breakings, breaking{
				typ:   parsed.Type,
				scope: scope,
				desc:  parsed.Description,
				hash:  shortHash(c.Hash),
				text:  strings.TrimSpace(m[1]),
			})
		}
	}

	var b strings.Builder
	fmt.Fprintf(&b, "# Release Notes - %s (%s)\n\n", version, date)
	if partial {
		fmt.Fprintf(&b, "> Partial notes: analysis cancelled after %d of %d commits.\n\n", analyzed, len(commits))
	}

	b.WriteString("## Summary\n\n")
	fmt.Fprintf(&b, "This release includes %d commits", len(commits))
	if len(commits) > 0 {
		b.WriteString(":\n\n")
		for _, typ := range sectionOrder {
			if counts[typ] > 0 {
				fmt.Fprintf(&b, "- %d %s\n", counts[typ], strings.ToLower(sectionTitles[typ]))
			}
		}
		if len(other) > 0 {
			fmt.Fprintf(&b, "- %d other changes\n", len(other))
		}
	} else {
		b.WriteString(".\n")
	}
	b.WriteString("\n")

	if len(breakings) > 0 {
		b.WriteString("## BREAKING CHANGES\n\n")
		for _, br := range breakings {
			fmt.Fprintf(&b, "- **%s**(%s): %s ([%s])\n", br.typ, br.scope, br.desc, br.hash)
			if br.text != "" {
				fmt.Fprintf(&b, "  %s\n", br.text)
			}
		}
		b.WriteString("\n")
	}

	for _, typ := range sectionOrder {
		scopes := byType[typ]
		if len(scopes) == 0 {
			continue
		}
		fmt.Fprintf(&b, "## %s\n\n", sectionTitles[typ])
		var scopeNames []string
		for s := range scopes {
			scopeNames = append(scopeNames, s)
		}
		sort.Strings(scopeNames)
		for _, scope := range scopeNames {
			if scope != "general" {
				fmt.Fprintf(&b, "### %s\n\n", capitalize(scope))
			}
			for _, e := range scopes[scope] {
				b.WriteString("- " + renderEntry(e) + "\n")
			}
			b.WriteString("\n")
		}
	}

	if len(other) > 0 {
		b.WriteString("## Other\n\n")
		for _, e := range other {
			b.WriteString("- " + renderEntry(e) + "\n")
		}
		b.WriteString("\n")
	}

	out := strings.TrimRight(b.String(), "\n") + "\n"
	if partial {
		return out, ctx.Err()
	}
	return out, nil
}

func renderEntry(e entry) string {
	line := e.parsed.Description
	for _, ref := range e.refs {
		line += " (" + ref + ")"
	}
	return line + " ([" + shortHash(e.hash) + "])"
}

// references collects PR and issue markers from the commit body so the
// rendered entry links back to them.
func references(c domain.Commit) []string {
	seen := map[string]bool{}
	var refs []string
	for _, m := range prRefRe.FindAllString(c.Body, -1) {
		if !seen[m] {
			seen[m] = true
			refs = append(refs, m)
		}
	}
	return refs
}

func shortHash(h string) string {
	if len(h) > 7 {
		return h[:7]
	}
	return h
}

func capitalize(s string) string {
	if s == "" {
		return s
	}
	return strings.ToUpper(s[:1]) + s[1:]
}
