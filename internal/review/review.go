// Package review runs automated pull request checks: content lint rules
// over the diff plus architecture boundary findings, and composes PR
// descriptions from branch and commit metadata.
package review

import (
	"context"
	"fmt"
	"regexp"
	"sort"
	"strings"

	"traceline/internal/arch"
	"traceline/internal/config"
	"traceline/internal/domain"
	"traceline/internal/gitlog"
)

type lintRule struct {
	name     string
	re       *regexp.Regexp
	severity string
	message  string
}

var lintRules = []lintRule{
	{
		name:     "hardcoded_secrets",
		re:       regexp.MustCompile(`(?i)(password|secret|key|token|credential)s?\s*=\s*['"][^'"]+['"]`),
		severity: domain.SeverityHigh,
		message:  "possible hardcoded secret",
	},
	{
		name:     "debug_code",
		re:       regexp.MustCompile(`(console\.log|print\(|debugger|TODO|FIXME)`),
		severity: domain.SeverityMedium,
		message:  "debug code or unresolved marker",
	},
	{
		name:     "empty_catch",
		re:       regexp.MustCompile(`catch\s*\([^)]*\)\s*\{\s*\}`),
		severity: domain.SeverityMedium,
		message:  "empty catch block swallows errors",
	},
}

type Reviewer struct {
	History gitlog.History
	Rules   []config.ArchRule
}

// ReviewPullRequest checks the files changed between base and head. File
// contents are read from head so the review sees the proposed state, not
// the working tree. If the context is cancelled mid change set the issues
// found so far are returned, marked partial, together with the context
// error.
func (r Reviewer) ReviewPullRequest(ctx context.Context, base, head string) (domain.ReviewResult, error) {
	files, err := r.History.ChangedFiles(ctx, base, head)
	if err != nil {
		return domain.ReviewResult{}, err
	}
	var issues []domain.ReviewIssue
	var changed []arch.ChangedFile
	partial := false
	for _, path := range files {
		if ctx.Err() != nil {
			// Stop before the next file but keep what was reviewed so far.
			partial = true
			break
		}
		source, err := r.History.Show(ctx, path, head)
		if err != nil {
			// Deleted files have no content at head.
			changed = append(changed, arch.ChangedFile{Path: path})
			continue
		}
		issues = append(issues, lintFile(path, source)...)
		changed = append(changed, arch.ChangedFile{Path: path, Imports: arch.ExtractImports(path, source)})
	}
	archRes := arch.Checker{Rules: r.Rules}.Check(changed)
	for _, group := range [][]domain.Issue{archRes.Errors, archRes.Warnings} {
		for _, issue := range group {
			issues = append(issues, domain.ReviewIssue{
				Severity: issue.Severity, File: issue.Location, Rule: issue.Code, Message: issue.Message,
			})
		}
	}
	sort.SliceStable(issues, func(i, j int) bool {
		ri, rj := domain.SeverityRank(issues[i].Severity), domain.SeverityRank(issues[j].Severity)
		if ri != rj {
			return ri < rj
		}
		if issues[i].File != issues[j].File {
			return issues[i].File < issues[j].File
		}
		return issues[i].Line < issues[j].Line
	})
	res := domain.ReviewResult{Issues: issues, Suggestions: suggestions(issues), Partial: partial}
	if partial {
		return res, ctx.Err()
	}
	return res, nil
}

func lintFile(path, source string) []domain.ReviewIssue {
	var issues []domain.ReviewIssue
	for i, line := range strings.Split(source, "\n") {
		for _, rule := range lintRules {
			if rule.re.MatchString(line) {
				issues = append(issues, domain.ReviewIssue{
					Severity: rule.severity,
					File:     path,
					Line:     i + 1,
					Rule:     rule.name,
					Message:  rule.message,
				})
			}
		}
	}
	return issues
}

func suggestions(issues []domain.ReviewIssue) []string {
	byRule := map[string]bool{}
	for _, issue := range issues {
		byRule[issue.Rule] = true
	}
	var out []string
	if byRule["hardcoded_secrets"] {
		out = append(out, "Move secrets to environment variables or a secrets manager")
	}
	if byRule["debug_code"] {
		out = append(out, "Remove debug statements and resolve TODO/FIXME markers before merging")
	}
	if byRule["empty_catch"] {
		out = append(out, "Handle or propagate errors instead of swallowing them in empty catch blocks")
	}
	for rule := range byRule {
		if strings.Contains(rule, ".") {
			out = append(out, "Review architecture boundaries: rule "+rule+" was violated")
		}
	}
	sort.Strings(out)
	return out
}

// FormatReport renders a review result as markdown grouped by severity.
func FormatReport(res domain.ReviewResult) string {
	var b strings.Builder
	b.WriteString("# Automated Review\n\n")
	if res.Partial {
		b.WriteString("> Partial review: cancelled before all files were analyzed.\n\n")
	}
	counts := map[string]int{}
	for _, issue := range res.Issues {
		counts[issue.Severity]++
	}
	fmt.Fprintf(&b, "%d issues found", len(res.Issues))
	if len(res.Issues) > 0 {
		fmt.Fprintf(&b, " (%d critical, %d high, %d medium, %d low)",
			counts[domain.SeverityCritical], counts[domain.SeverityHigh], counts[domain.SeverityMedium], counts[domain.SeverityLow])
	}
	b.WriteString("\n")
	for _, severity := range []string{domain.SeverityCritical, domain.SeverityHigh, domain.SeverityMedium, domain.SeverityLow} {
		if counts[severity] == 0 {
			continue
		}
		fmt.Fprintf(&b, "\n## %s\n\n", strings.ToUpper(severity[:1])+severity[1:])
		for _, issue := range res.Issues {
			if issue.Severity != severity {
				continue
			}
			if issue.Line > 0 {
				fmt.Fprintf(&b, "- %s:%d [%s] %s\n", issue.File, issue.Line, issue.Rule, issue.Message)
			} else {
				fmt.Fprintf(&b, "- %s [%s] %s\n", issue.File, issue.Rule, issue.Message)
			}
		}
	}
	if len(res.Suggestions) > 0 {
		b.WriteString("\n## Recommendations\n\n")
		for _, s := range res.Suggestions {
			b.WriteString("- " + s + "\n")
		}
	}
	return b.String()
}
