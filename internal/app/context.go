// Package app resolves the active project and its configuration for CLI
// commands and the server entrypoint.
package app

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"traceline/internal/config"
	"traceline/internal/domain"
	"traceline/internal/repo"
)

// ResolveProjectAndConfig picks the active project and ensures a project
// and config exist in the DB, seeding defaults if missing. An explicit
// override wins, otherwise the single project in the workspace is used.
// A missing project is created on the fly with a prefix derived from its
// id.
func ResolveProjectAndConfig(ctx context.Context, projectOverride string, r repo.Repo) (string, *config.Config, error) {
	projectID := projectOverride
	if projectID == "" {
		p, err := r.SingleProject(ctx)
		if err != nil {
			return "", nil, fmt.Errorf("project not specified; use --project")
		}
		projectID = p.ID
	}
	prefix := DerivePrefix(projectID)
	seedCfg := config.Default(projectID, prefix)

	if _, err := r.GetProject(ctx, projectID); err != nil {
		if !errors.Is(err, repo.ErrNotFound) {
			return "", nil, err
		}
		if err := createProject(ctx, r, projectID, prefix, seedCfg); err != nil {
			return "", nil, err
		}
	}
	cfg, err := r.GetProjectConfig(ctx, projectID)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			if err := r.UpsertProjectConfig(ctx, projectID, seedCfg); err != nil {
				return "", nil, fmt.Errorf("seed project config: %w", err)
			}
			cfg = seedCfg
		} else {
			return "", nil, err
		}
	}
	cfg.Project.ID = projectID
	return projectID, cfg, nil
}

var nonAlpha = regexp.MustCompile(`[^A-Z]+`)

// DerivePrefix turns a project id into an uppercase work item prefix,
// "my-shop" becoming "MYSHOP".
func DerivePrefix(projectID string) string {
	prefix := nonAlpha.ReplaceAllString(strings.ToUpper(projectID), "")
	if prefix == "" {
		prefix = "PROJ"
	}
	return prefix
}

func createProject(ctx context.Context, r repo.Repo, projectID, prefix string, seedCfg *config.Config) error {
	now := time.Now().UTC().Format(time.RFC3339)
	tx, err := r.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	p := domain.Project{
		ID:        projectID,
		Prefix:    prefix,
		Status:    "active",
		CreatedAt: now,
	}
	if err := r.InsertProject(ctx, tx, p); err != nil {
		return fmt.Errorf("insert project: %w", err)
	}
	if err := r.UpsertProjectConfigTx(ctx, tx, projectID, seedCfg); err != nil {
		return fmt.Errorf("insert project config: %w", err)
	}
	return tx.Commit()
}
