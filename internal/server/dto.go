package server

import (
	"traceline/internal/config"
	"traceline/internal/domain"
)

// Request payloads

type CreateProjectRequest struct {
	ID          string  `json:"id"`
	Prefix      string  `json:"prefix"`
	Description *string `json:"description,omitempty"`
}

type CreateEpicRequest struct {
	ProjectID          string   `json:"project_id,omitempty"`
	Title              string   `json:"title"`
	Description        string   `json:"description,omitempty"`
	BusinessValue      string   `json:"business_value,omitempty"`
	StrategicAlignment string   `json:"strategic_alignment,omitempty"`
	SuccessMetrics     []string `json:"success_metrics,omitempty"`
	Scope              []string `json:"scope,omitempty"`
}

type ImportRoadmapItemRequest struct {
	ProjectID     string   `json:"project_id,omitempty"`
	ID            string   `json:"id"`
	Title         string   `json:"title"`
	Description   string   `json:"description,omitempty"`
	Priority      string   `json:"priority,omitempty"`
	Timeframe     string   `json:"timeframe,omitempty"`
	Features      []string `json:"features,omitempty"`
	BusinessValue string   `json:"business_value,omitempty"`
}

type ConvertRoadmapRequest struct {
	IDs []string `json:"ids"`
}

type UpdateStatusRequest struct {
	Status string `json:"status" enum:"draft,ready,in_progress,review,done"`
	Force  bool   `json:"force,omitempty"`
}

type LinkFilesRequest struct {
	Files []string `json:"files"`
}

type ValidateCommitsRequest struct {
	Messages []string `json:"messages"`
}

type ArchCheckFile struct {
	Path string `json:"path"`
	// Imports may be supplied directly; otherwise they are extracted
	// from Source based on the file extension.
	Imports []string `json:"imports,omitempty"`
	Source  string   `json:"source,omitempty"`
}

type ArchCheckRequest struct {
	Files []ArchCheckFile `json:"files"`
}

type DocCheckRequest struct {
	Files []string `json:"files"`
}

// Responses

type ProjectResponse struct {
	ID          string `json:"id"`
	Prefix      string `json:"prefix"`
	Status      string `json:"status"`
	Description string `json:"description,omitempty"`
	CreatedAt   string `json:"created_at"`
}

func projectResponse(p domain.Project) ProjectResponse {
	return ProjectResponse{
		ID:          p.ID,
		Prefix:      p.Prefix,
		Status:      p.Status,
		Description: p.Description,
		CreatedAt:   p.CreatedAt,
	}
}

func mapProjects(in []domain.Project) []ProjectResponse {
	out := make([]ProjectResponse, 0, len(in))
	for _, p := range in {
		out = append(out, projectResponse(p))
	}
	return out
}

type ProjectConfigResponse struct {
	ProjectID string         `json:"project_id"`
	Config    *config.Config `json:"config"`
}

type MessageValidation struct {
	Message string                  `json:"message"`
	Result  domain.ValidationResult `json:"result"`
}
