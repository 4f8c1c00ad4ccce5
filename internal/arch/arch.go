// Package arch checks changed files against configured architecture
// boundary rules.
package arch

import (
	"fmt"
	"sort"
	"strings"

	"traceline/internal/config"
	"traceline/internal/domain"
)

// ChangedFile is a file in a change set together with its extracted imports.
type ChangedFile struct {
	Path    string
	Imports []string
}

type Checker struct {
	Rules []config.ArchRule
}

type finding struct {
	file string
	rule config.ArchRule
	imp  string
}

// Check evaluates every file against the first rule whose path prefix
// matches it. Critical and high findings are errors, medium and low are
// warnings. Output order is deterministic: file path, then rule id.
func (c Checker) Check(files []ChangedFile) domain.ValidationResult {
	var findings []finding
	for _, f := range files {
		rule, ok := c.ruleFor(f.Path)
		if !ok {
			continue
		}
		for _, imp := range f.Imports {
			for _, forbidden := range rule.Forbidden {
				if !strings.HasPrefix(imp, forbidden) {
					continue
				}
				if forbidden == rule.Path && !crossesBoundary(f.Path, imp, forbidden) {
					continue
				}
				findings = append(findings, finding{file: f.Path, rule: rule, imp: imp})
			}
		}
	}
	sort.Slice(findings, func(i, j int) bool {
		if findings[i].file != findings[j].file {
			return findings[i].file < findings[j].file
		}
		if findings[i].rule.ID != findings[j].rule.ID {
			return findings[i].rule.ID < findings[j].rule.ID
		}
		return findings[i].imp < findings[j].imp
	})
	res := domain.ValidationResult{Valid: true}
	for _, f := range findings {
		issue := domain.Issue{
			Code:     f.rule.ID,
			Message:  fmt.Sprintf("%s imports %s, forbidden for files under %s", f.file, f.imp, f.rule.Path),
			Location: f.file,
			Severity: f.rule.Severity,
		}
		switch f.rule.Severity {
		case domain.SeverityCritical, domain.SeverityHigh:
			res.Valid = false
			res.Errors = append(res.Errors, issue)
		default:
			res.Warnings = append(res.Warnings, issue)
		}
	}
	return res
}

func (c Checker) ruleFor(path string) (config.ArchRule, bool) {
	for _, r := range c.Rules {
		if strings.HasPrefix(path, r.Path) {
			return r, true
		}
	}
	return config.ArchRule{}, false
}

// crossesBoundary reports whether an import under the same prefix as the
// file reaches into a different first level directory. A service importing
// its own internals is fine, importing a sibling service is not.
func crossesBoundary(file, imp, prefix string) bool {
	return firstSegment(file, prefix) != firstSegment(imp, prefix)
}

func firstSegment(path, prefix string) string {
	rest := strings.TrimPrefix(path, prefix)
	rest = strings.TrimPrefix(rest, "/")
	if idx := strings.IndexByte(rest, '/'); idx >= 0 {
		return rest[:idx]
	}
	return rest
}
