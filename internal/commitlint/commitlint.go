// Package commitlint validates commit messages against the conventional
// commit format and the work item reference grammar.
package commitlint

import (
	"fmt"
	"regexp"
	"strings"

	"traceline/internal/domain"
)

// ValidTypes are the accepted conventional commit types.
var ValidTypes = []string{"feat", "fix", "docs", "style", "refactor", "perf", "test", "build", "ci", "chore"}

var conventionalRe = regexp.MustCompile(`^(feat|fix|docs|style|refactor|perf|test|build|ci|chore)(\([a-z0-9-]+\))?: .+`)

// Parsed is a decomposed conventional commit subject.
type Parsed struct {
	Type        string
	Scope       string
	Description string
}

// Parse splits a conventional commit subject into its parts. ok is false
// when the subject does not follow the format.
func Parse(subject string) (Parsed, bool) {
	m := conventionalRe.FindStringSubmatch(subject)
	if m == nil {
		return Parsed{}, false
	}
	p := Parsed{Type: m[1], Scope: strings.Trim(m[2], "()")}
	if idx := strings.Index(subject, ": "); idx >= 0 {
		p.Description = subject[idx+2:]
	}
	return p, true
}

// Validate checks a commit message's subject format and the presence of a
// work item reference anywhere in the message. Problems accumulate rather
// than short-circuit so a single pass reports everything.
func Validate(message string, refPattern *regexp.Regexp) domain.ValidationResult {
	res := domain.ValidationResult{Valid: true}
	subject := message
	if idx := strings.IndexByte(message, '\n'); idx >= 0 {
		subject = message[:idx]
	}
	if !conventionalRe.MatchString(subject) {
		res.Valid = false
		res.Errors = append(res.Errors, domain.Issue{
			Code: "invalid_format",
			Message: fmt.Sprintf("subject %q does not follow the conventional commit format type(scope): description (types: %s)",
				subject, strings.Join(ValidTypes, ", ")),
		})
	}
	if !refPattern.MatchString(message) {
		res.Valid = false
		res.Errors = append(res.Errors, domain.Issue{
			Code:    "missing_work_item_reference",
			Message: "message contains no work item reference (e.g. #PROJ-123 or #PROJ-E1-S2)",
		})
	}
	return res
}

// References extracts every work item reference in the message, with the
// leading # stripped, in order of appearance without duplicates.
func References(message string, refPattern *regexp.Regexp) []string {
	seen := map[string]bool{}
	var refs []string
	for _, m := range refPattern.FindAllString(message, -1) {
		id := strings.TrimPrefix(m, "#")
		if !seen[id] {
			seen[id] = true
			refs = append(refs, id)
		}
	}
	return refs
}
