// Package server exposes the work item hierarchy and the consistency
// checks over HTTP.
package server

import (
	"context"
	"errors"
	"net/http"
	"regexp"
	"strings"

	"github.com/danielgtaylor/huma/v2"
	humachi "github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"traceline/internal/arch"
	"traceline/internal/commitlint"
	"traceline/internal/config"
	"traceline/internal/doccheck"
	"traceline/internal/domain"
	"traceline/internal/engine"
	"traceline/internal/repo"
)

// Config for the HTTP API handler.
type Config struct {
	Engine   engine.Engine
	BasePath string
	Auth     AuthConfig
}

type apiErrorBody struct {
	Code    string         `json:"code" example:"validation_failed"`
	Message string         `json:"message" example:"invalid status transition draft -> done"`
	Details map[string]any `json:"details,omitempty" jsonschema:"type=object,additionalProperties=true"`
}

// apiError is the error envelope every endpoint returns.
type apiError struct {
	status int
	Body   apiErrorBody `json:"error"`
}

func (e *apiError) GetStatus() int { return e.status }
func (e *apiError) Error() string  { return e.Body.Message }

// New returns an HTTP handler exposing the Traceline API.
func New(cfg Config) (http.Handler, error) {
	basePath := cfg.BasePath
	if basePath == "" {
		basePath = "/v0"
	}
	if !strings.HasPrefix(basePath, "/") {
		basePath = "/" + basePath
	}
	huma.DefaultArrayNullable = false
	huma.NewError = func(status int, msg string, errs ...error) huma.StatusError {
		return newAPIError(status, "", msg, nil)
	}
	huma.NewErrorWithContext = func(_ huma.Context, status int, msg string, errs ...error) huma.StatusError {
		if status == http.StatusUnprocessableEntity && strings.Contains(strings.ToLower(msg), "validation") {
			status = http.StatusBadRequest
		}
		var details map[string]any
		if len(errs) > 0 {
			details = map[string]any{"errors": errs}
		}
		return newAPIError(status, "", msg, details)
	}

	router := chi.NewRouter()
	router.Use(requestIDMiddleware)
	router.Use(newAuthMiddleware(basePath, cfg.Auth))
	hcfg := huma.DefaultConfig("Traceline API", "0.1.0")
	hcfg.OpenAPIPath = "/openapi"
	api := humachi.New(router, hcfg)
	group := huma.NewGroup(api, basePath)

	registerHealth(group)
	registerProjects(group, cfg.Engine)
	registerItems(group, cfg.Engine)
	registerDerivations(group, cfg.Engine)
	registerRoadmap(group, cfg.Engine)
	registerChecks(group, cfg.Engine)
	registerEvents(group, cfg.Engine)

	return router, nil
}

// requestIDMiddleware tags every response, keeping inbound ids so callers
// can correlate across proxies.
func requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get("X-Request-Id")
		if id == "" {
			id = uuid.NewString()
		}
		w.Header().Set("X-Request-Id", id)
		next.ServeHTTP(w, r)
	})
}

func newAPIError(status int, code, message string, details map[string]any) huma.StatusError {
	if code == "" {
		code = defaultCodeForStatus(status)
	}
	return &apiError{
		status: status,
		Body: apiErrorBody{
			Code:    code,
			Message: message,
			Details: details,
		},
	}
}

func handleError(err error) huma.StatusError {
	if err == nil {
		return nil
	}
	if errors.Is(err, repo.ErrNotFound) {
		return newAPIError(http.StatusNotFound, "not_found", err.Error(), nil)
	}
	var verr domain.ValidationError
	if errors.As(err, &verr) {
		return newAPIError(http.StatusUnprocessableEntity, "validation_failed", err.Error(), nil)
	}
	var ierr domain.IntegrationError
	if errors.As(err, &ierr) {
		return newAPIError(http.StatusBadGateway, "integration_error", err.Error(), map[string]any{"op": ierr.Op})
	}
	msg := err.Error()
	lowered := strings.ToLower(msg)
	if strings.Contains(lowered, "invalid") || strings.Contains(lowered, "missing") || strings.Contains(lowered, "required") {
		return newAPIError(http.StatusBadRequest, "bad_request", msg, nil)
	}
	return newAPIError(http.StatusInternalServerError, "internal_error", "internal error", map[string]any{"error": msg})
}

func defaultCodeForStatus(status int) string {
	switch status {
	case http.StatusBadRequest:
		return "bad_request"
	case http.StatusNotFound:
		return "not_found"
	case http.StatusConflict:
		return "conflict"
	case http.StatusUnprocessableEntity:
		return "validation_failed"
	case http.StatusInternalServerError:
		return "internal_error"
	default:
		return strings.ToLower(strings.ReplaceAll(http.StatusText(status), " ", "_"))
	}
}

// defaultProject resolves the project id for requests that omit it.
func defaultProject(ctx context.Context, e engine.Engine, requested string) (string, error) {
	if requested != "" {
		return requested, nil
	}
	if e.Config != nil && e.Config.Project.ID != "" {
		return e.Config.Project.ID, nil
	}
	p, err := e.Repo.SingleProject(ctx)
	if err != nil {
		return "", err
	}
	return p.ID, nil
}

// projectConfig loads the stored config for a project, falling back to
// the engine's own config.
func projectConfig(ctx context.Context, e engine.Engine, projectID string) *config.Config {
	if cfg, err := e.Repo.GetProjectConfig(ctx, projectID); err == nil {
		return cfg
	}
	if e.Config != nil {
		return e.Config
	}
	return config.Default(projectID, "PROJ")
}

func registerHealth(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "health",
		Method:      http.MethodGet,
		Path:        "/health",
		Summary:     "Health check",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body map[string]string `json:"body"`
	}, error) {
		return &struct {
			Body map[string]string `json:"body"`
		}{Body: map[string]string{"status": "ok"}}, nil
	})
}

func registerProjects(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-project",
		Method:        http.MethodPost,
		Path:          "/projects",
		Summary:       "Create project",
		DefaultStatus: http.StatusCreated,
		Errors: []int{
			http.StatusBadRequest,
			http.StatusConflict,
			http.StatusUnprocessableEntity,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		Body CreateProjectRequest `json:"body"`
	}) (*struct {
		Body ProjectResponse `json:"body"`
	}, error) {
		if input.Body.ID == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "id is required", nil)
		}
		if input.Body.Prefix == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "prefix is required", nil)
		}
		desc := ""
		if input.Body.Description != nil {
			desc = *input.Body.Description
		}
		p, err := e.InitProject(ctx, input.Body.ID, input.Body.Prefix, desc, nil)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body ProjectResponse `json:"body"`
		}{Body: projectResponse(p)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-projects",
		Method:      http.MethodGet,
		Path:        "/projects",
		Summary:     "List projects",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body []ProjectResponse `json:"body"`
	}, error) {
		items, err := e.Repo.ListProjects(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []ProjectResponse `json:"body"`
		}{Body: mapProjects(items)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-project",
		Method:      http.MethodGet,
		Path:        "/projects/{project_id}",
		Summary:     "Get project",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ProjectID string `path:"project_id"`
	}) (*struct {
		Body ProjectResponse `json:"body"`
	}, error) {
		p, err := e.Repo.GetProject(ctx, input.ProjectID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body ProjectResponse `json:"body"`
		}{Body: projectResponse(p)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-project-config",
		Method:      http.MethodGet,
		Path:        "/projects/{project_id}/config",
		Summary:     "Get project config",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ProjectID string `path:"project_id"`
	}) (*struct {
		Body ProjectConfigResponse `json:"body"`
	}, error) {
		cfg, err := e.Repo.GetProjectConfig(ctx, input.ProjectID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body ProjectConfigResponse `json:"body"`
		}{Body: ProjectConfigResponse{ProjectID: input.ProjectID, Config: cfg}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "put-project-config",
		Method:      http.MethodPut,
		Path:        "/projects/{project_id}/config",
		Summary:     "Replace project config",
		Errors:      []int{http.StatusBadRequest, http.StatusNotFound, http.StatusUnprocessableEntity},
	}, func(ctx context.Context, input *struct {
		ProjectID string        `path:"project_id"`
		Body      config.Config `json:"body"`
	}) (*struct {
		Body ProjectConfigResponse `json:"body"`
	}, error) {
		if _, err := e.Repo.GetProject(ctx, input.ProjectID); err != nil {
			return nil, handleError(err)
		}
		cfg := input.Body
		if err := e.Repo.UpsertProjectConfig(ctx, input.ProjectID, &cfg); err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body ProjectConfigResponse `json:"body"`
		}{Body: ProjectConfigResponse{ProjectID: input.ProjectID, Config: &cfg}}, nil
	})
}

func registerItems(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-items",
		Method:      http.MethodGet,
		Path:        "/items",
		Summary:     "List work items",
	}, func(ctx context.Context, input *struct {
		ProjectID string `query:"project_id"`
		Type      string `query:"type" enum:",epic,story,task"`
		Status    string `query:"status" enum:",draft,ready,in_progress,review,done"`
		Parent    string `query:"parent"`
		Limit     int    `query:"limit"`
	}) (*struct {
		Body []domain.WorkItem `json:"body"`
	}, error) {
		projectID, err := defaultProject(ctx, e, input.ProjectID)
		if err != nil {
			return nil, handleError(err)
		}
		items, err := e.Repo.ListWorkItems(ctx, repo.WorkItemFilters{
			ProjectID: projectID,
			Type:      input.Type,
			Status:    input.Status,
			Parent:    input.Parent,
			Limit:     input.Limit,
		})
		if err != nil {
			return nil, handleError(err)
		}
		if items == nil {
			items = []domain.WorkItem{}
		}
		return &struct {
			Body []domain.WorkItem `json:"body"`
		}{Body: items}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-item",
		Method:      http.MethodGet,
		Path:        "/items/{item_id}",
		Summary:     "Get work item",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ItemID string `path:"item_id"`
	}) (*struct {
		Body domain.WorkItem `json:"body"`
	}, error) {
		item, err := e.Repo.GetWorkItem(ctx, input.ItemID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.WorkItem `json:"body"`
		}{Body: item}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "update-item-status",
		Method:      http.MethodPost,
		Path:        "/items/{item_id}/status",
		Summary:     "Update work item status",
		Errors:      []int{http.StatusBadRequest, http.StatusNotFound, http.StatusUnprocessableEntity},
	}, func(ctx context.Context, input *struct {
		ItemID string              `path:"item_id"`
		Body   UpdateStatusRequest `json:"body"`
	}) (*struct {
		Body domain.WorkItem `json:"body"`
	}, error) {
		item, err := e.UpdateStatus(ctx, input.ItemID, input.Body.Status, input.Body.Force)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.WorkItem `json:"body"`
		}{Body: item}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "link-item-files",
		Method:      http.MethodPost,
		Path:        "/items/{item_id}/files",
		Summary:     "Link files to a task",
		Errors:      []int{http.StatusBadRequest, http.StatusNotFound, http.StatusUnprocessableEntity},
	}, func(ctx context.Context, input *struct {
		ItemID string           `path:"item_id"`
		Body   LinkFilesRequest `json:"body"`
	}) (*struct {
		Body domain.WorkItem `json:"body"`
	}, error) {
		item, err := e.LinkFiles(ctx, input.ItemID, input.Body.Files)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.WorkItem `json:"body"`
		}{Body: item}, nil
	})
}

func registerDerivations(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-epic",
		Method:        http.MethodPost,
		Path:          "/epics",
		Summary:       "Create epic",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest, http.StatusNotFound, http.StatusUnprocessableEntity},
	}, func(ctx context.Context, input *struct {
		Body CreateEpicRequest `json:"body"`
	}) (*struct {
		Body domain.WorkItem `json:"body"`
	}, error) {
		projectID, err := defaultProject(ctx, e, input.Body.ProjectID)
		if err != nil {
			return nil, handleError(err)
		}
		epic, err := e.CreateEpic(ctx, projectID, engine.EpicInput{
			Title:              input.Body.Title,
			Description:        input.Body.Description,
			BusinessValue:      input.Body.BusinessValue,
			StrategicAlignment: input.Body.StrategicAlignment,
			SuccessMetrics:     input.Body.SuccessMetrics,
			Scope:              input.Body.Scope,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.WorkItem `json:"body"`
		}{Body: epic}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "derive-stories",
		Method:        http.MethodPost,
		Path:          "/epics/{epic_id}/stories",
		Summary:       "Derive stories from an epic's scope",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusNotFound, http.StatusUnprocessableEntity},
	}, func(ctx context.Context, input *struct {
		EpicID string `path:"epic_id"`
	}) (*struct {
		Body []domain.WorkItem `json:"body"`
	}, error) {
		stories, err := e.CreateStoriesFromEpic(ctx, input.EpicID)
		if err != nil {
			return nil, handleError(err)
		}
		if stories == nil {
			stories = []domain.WorkItem{}
		}
		return &struct {
			Body []domain.WorkItem `json:"body"`
		}{Body: stories}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "derive-tasks",
		Method:        http.MethodPost,
		Path:          "/stories/{story_id}/tasks",
		Summary:       "Derive the implement/test/document tasks for a story",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusNotFound, http.StatusUnprocessableEntity},
	}, func(ctx context.Context, input *struct {
		StoryID string `path:"story_id"`
	}) (*struct {
		Body []domain.WorkItem `json:"body"`
	}, error) {
		tasks, err := e.CreateTasksFromStory(ctx, input.StoryID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.WorkItem `json:"body"`
		}{Body: tasks}, nil
	})
}

func registerRoadmap(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "import-roadmap-item",
		Method:        http.MethodPost,
		Path:          "/roadmap/items",
		Summary:       "Import a roadmap item",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest, http.StatusNotFound, http.StatusUnprocessableEntity},
	}, func(ctx context.Context, input *struct {
		Body ImportRoadmapItemRequest `json:"body"`
	}) (*struct {
		Body domain.RoadmapItem `json:"body"`
	}, error) {
		projectID, err := defaultProject(ctx, e, input.Body.ProjectID)
		if err != nil {
			return nil, handleError(err)
		}
		item, err := e.ImportRoadmapItem(ctx, projectID, engine.RoadmapItemInput{
			ID:            input.Body.ID,
			Title:         input.Body.Title,
			Description:   input.Body.Description,
			Priority:      input.Body.Priority,
			Timeframe:     input.Body.Timeframe,
			Features:      input.Body.Features,
			BusinessValue: input.Body.BusinessValue,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.RoadmapItem `json:"body"`
		}{Body: item}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-roadmap-items",
		Method:      http.MethodGet,
		Path:        "/roadmap/items",
		Summary:     "List roadmap items",
	}, func(ctx context.Context, input *struct {
		ProjectID string `query:"project_id"`
		Status    string `query:"status" enum:",pending,converted,failed"`
		Timeframe string `query:"timeframe"`
	}) (*struct {
		Body []domain.RoadmapItem `json:"body"`
	}, error) {
		projectID, err := defaultProject(ctx, e, input.ProjectID)
		if err != nil {
			return nil, handleError(err)
		}
		items, err := e.Repo.ListRoadmapItems(ctx, repo.RoadmapFilters{
			ProjectID: projectID,
			Status:    input.Status,
			Timeframe: input.Timeframe,
		})
		if err != nil {
			return nil, handleError(err)
		}
		if items == nil {
			items = []domain.RoadmapItem{}
		}
		return &struct {
			Body []domain.RoadmapItem `json:"body"`
		}{Body: items}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "convert-roadmap-items",
		Method:      http.MethodPost,
		Path:        "/roadmap/convert",
		Summary:     "Convert roadmap items into epics",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		Body ConvertRoadmapRequest `json:"body"`
	}) (*struct {
		Body []engine.ConversionResult `json:"body"`
	}, error) {
		if len(input.Body.IDs) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "ids is required", nil)
		}
		results, err := e.ConvertRoadmapItems(ctx, input.Body.IDs)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []engine.ConversionResult `json:"body"`
		}{Body: results}, nil
	})
}

func registerChecks(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "validate-commits",
		Method:      http.MethodPost,
		Path:        "/commits/validate",
		Summary:     "Validate commit messages",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		ProjectID string                 `query:"project_id"`
		Body      ValidateCommitsRequest `json:"body"`
	}) (*struct {
		Body []MessageValidation `json:"body"`
	}, error) {
		if len(input.Body.Messages) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "messages is required", nil)
		}
		projectID, err := defaultProject(ctx, e, input.ProjectID)
		if err != nil {
			return nil, handleError(err)
		}
		cfg := projectConfig(ctx, e, projectID)
		refRe, err := regexp.Compile(cfg.ReferencePattern())
		if err != nil {
			return nil, handleError(err)
		}
		out := make([]MessageValidation, 0, len(input.Body.Messages))
		for _, msg := range input.Body.Messages {
			out = append(out, MessageValidation{
				Message: msg,
				Result:  commitlint.Validate(msg, refRe),
			})
		}
		return &struct {
			Body []MessageValidation `json:"body"`
		}{Body: out}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "check-architecture",
		Method:      http.MethodPost,
		Path:        "/checks/architecture",
		Summary:     "Check changed files against architecture rules",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		ProjectID string           `query:"project_id"`
		Body      ArchCheckRequest `json:"body"`
	}) (*struct {
		Body domain.ValidationResult `json:"body"`
	}, error) {
		projectID, err := defaultProject(ctx, e, input.ProjectID)
		if err != nil {
			return nil, handleError(err)
		}
		cfg := projectConfig(ctx, e, projectID)
		files := make([]arch.ChangedFile, 0, len(input.Body.Files))
		for _, f := range input.Body.Files {
			imports := f.Imports
			if imports == nil && f.Source != "" {
				imports = arch.ExtractImports(f.Path, f.Source)
			}
			files = append(files, arch.ChangedFile{Path: f.Path, Imports: imports})
		}
		res := arch.Checker{Rules: cfg.Architecture.Rules}.Check(files)
		return &struct {
			Body domain.ValidationResult `json:"body"`
		}{Body: res}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "check-docs",
		Method:      http.MethodPost,
		Path:        "/checks/docs",
		Summary:     "Check documentation freshness for a change set",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		ProjectID string          `query:"project_id"`
		Body      DocCheckRequest `json:"body"`
	}) (*struct {
		Body doccheck.Report `json:"body"`
	}, error) {
		projectID, err := defaultProject(ctx, e, input.ProjectID)
		if err != nil {
			return nil, handleError(err)
		}
		cfg := projectConfig(ctx, e, projectID)
		rep := doccheck.Detector{Mappings: cfg.Docs.Mappings}.Check(input.Body.Files)
		return &struct {
			Body doccheck.Report `json:"body"`
		}{Body: rep}, nil
	})
}

func registerEvents(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-events",
		Method:      http.MethodGet,
		Path:        "/events",
		Summary:     "Latest events",
	}, func(ctx context.Context, input *struct {
		ProjectID string `query:"project_id"`
		Type      string `query:"type"`
		ItemKind  string `query:"item_kind"`
		ItemID    string `query:"item_id"`
		Limit     int    `query:"limit"`
	}) (*struct {
		Body []domain.Event `json:"body"`
	}, error) {
		limit := input.Limit
		if limit <= 0 || limit > 500 {
			limit = 100
		}
		events, err := e.Repo.LatestEvents(ctx, limit, input.ProjectID, input.Type, input.ItemKind, input.ItemID)
		if err != nil {
			return nil, handleError(err)
		}
		if events == nil {
			events = []domain.Event{}
		}
		return &struct {
			Body []domain.Event `json:"body"`
		}{Body: events}, nil
	})
}
