// Package gitlog reads commit and diff data from a local git repository
// by shelling out to the git binary.
package gitlog

import (
	"context"
	"fmt"
	"os/exec"
	"strings"

	"traceline/internal/domain"
)

// History is the subset of repository history the consistency checks need.
type History interface {
	Commits(ctx context.Context, from, to string) ([]domain.Commit, error)
	ChangedFiles(ctx context.Context, base, head string) ([]string, error)
	CurrentBranch(ctx context.Context) (string, error)
	RecentSubjects(ctx context.Context, ref string, limit int) ([]string, error)
	Show(ctx context.Context, path, ref string) (string, error)
}

// Repo runs git against a working directory.
type Repo struct {
	Dir string
}

func (r Repo) git(ctx context.Context, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, "git", args...)
	if r.Dir != "" {
		cmd.Dir = r.Dir
	}
	out, err := cmd.Output()
	if err != nil {
		if exitErr, ok := err.(*exec.ExitError); ok {
			return "", domain.IntegrationError{
				Op:  "git " + strings.Join(args, " "),
				Err: fmt.Errorf("%s: %s", exitErr, strings.TrimSpace(string(exitErr.Stderr))),
			}
		}
		return "", domain.IntegrationError{Op: "git " + strings.Join(args, " "), Err: err}
	}
	return string(out), nil
}

// commitSep separates commit records in log output. The ASCII unit
// separator never appears in commit messages written by humans.
const commitSep = "\x1e"
const fieldSep = "\x1f"

// Commits returns commits in from..to, oldest first. An empty from means
// the full history reachable from to.
func (r Repo) Commits(ctx context.Context, from, to string) ([]domain.Commit, error) {
	if to == "" {
		to = "HEAD"
	}
	rangeArg := to
	if from != "" {
		rangeArg = from + ".." + to
	}
	out, err := r.git(ctx, "log", "--reverse", "--pretty=format:%H"+fieldSep+"%s"+fieldSep+"%an"+fieldSep+"%aI"+fieldSep+"%b"+commitSep, rangeArg)
	if err != nil {
		return nil, err
	}
	var commits []domain.Commit
	for _, record := range strings.Split(out, commitSep) {
		record = strings.TrimLeft(record, "\n")
		if strings.TrimSpace(record) == "" {
			continue
		}
		parts := strings.SplitN(record, fieldSep, 5)
		if len(parts) < 5 {
			continue
		}
		commits = append(commits, domain.Commit{
			Hash:    parts[0],
			Subject: parts[1],
			Author:  parts[2],
			Date:    parts[3],
			Body:    strings.TrimSpace(parts[4]),
		})
	}
	return commits, nil
}

// ChangedFiles returns the paths changed between base and head. With an
// empty base it lists the files touched by head alone.
func (r Repo) ChangedFiles(ctx context.Context, base, head string) ([]string, error) {
	if head == "" {
		head = "HEAD"
	}
	var out string
	var err error
	if base == "" {
		out, err = r.git(ctx, "show", "--name-only", "--pretty=format:", head)
	} else {
		out, err = r.git(ctx, "diff", "--name-only", base, head)
	}
	if err != nil {
		return nil, err
	}
	var files []string
	for _, line := range strings.Split(out, "\n") {
		line = strings.TrimSpace(line)
		if line != "" {
			files = append(files, line)
		}
	}
	return files, nil
}

func (r Repo) CurrentBranch(ctx context.Context) (string, error) {
	out, err := r.git(ctx, "rev-parse", "--abbrev-ref", "HEAD")
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(out), nil
}

// RecentSubjects returns the subject lines of the most recent commits on ref.
func (r Repo) RecentSubjects(ctx context.Context, ref string, limit int) ([]string, error) {
	if ref == "" {
		ref = "HEAD"
	}
	out, err := r.git(ctx, "log", fmt.Sprintf("-%d", limit), "--pretty=format:%s", ref)
	if err != nil {
		return nil, err
	}
	var subjects []string
	for _, line := range strings.Split(out, "\n") {
		if strings.TrimSpace(line) != "" {
			subjects = append(subjects, line)
		}
	}
	return subjects, nil
}

// Show returns the contents of path at ref.
func (r Repo) Show(ctx context.Context, path, ref string) (string, error) {
	if ref == "" {
		ref = "HEAD"
	}
	return r.git(ctx, "show", ref+":"+path)
}
