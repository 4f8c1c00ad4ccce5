package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"traceline/internal/config"
	"traceline/internal/domain"
)

type Repo struct {
	DB *sql.DB
}

var ErrNotFound = errors.New("not found")

func (r Repo) InsertProject(ctx context.Context, tx *sql.Tx, p domain.Project) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO projects(id,prefix,status,description,created_at) VALUES (?,?,?,?,?)`,
		p.ID, p.Prefix, p.Status, nullable(p.Description), p.CreatedAt)
	return err
}

func (r Repo) GetProject(ctx context.Context, id string) (domain.Project, error) {
	var p domain.Project
	var desc sql.NullString
	err := r.DB.QueryRowContext(ctx, `SELECT id,prefix,status,description,created_at FROM projects WHERE id=?`, id).
		Scan(&p.ID, &p.Prefix, &p.Status, &desc, &p.CreatedAt)
	if err == sql.ErrNoRows {
		return p, ErrNotFound
	}
	if desc.Valid {
		p.Description = desc.String
	}
	return p, err
}

// SingleProject returns the only project in the workspace, or an error
// telling the caller to disambiguate.
func (r Repo) SingleProject(ctx context.Context) (domain.Project, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id,prefix,status,COALESCE(description,''),created_at FROM projects`)
	if err != nil {
		return domain.Project{}, err
	}
	defer rows.Close()
	var projects []domain.Project
	for rows.Next() {
		var p domain.Project
		if err := rows.Scan(&p.ID, &p.Prefix, &p.Status, &p.Description, &p.CreatedAt); err != nil {
			return domain.Project{}, err
		}
		projects = append(projects, p)
	}
	if len(projects) == 0 {
		return domain.Project{}, ErrNotFound
	}
	if len(projects) > 1 {
		return domain.Project{}, fmt.Errorf("multiple projects exist; specify --project")
	}
	return projects[0], nil
}

func (r Repo) ListProjects(ctx context.Context) ([]domain.Project, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id,prefix,status,COALESCE(description,''),created_at FROM projects ORDER BY created_at DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Project
	for rows.Next() {
		var p domain.Project
		if err := rows.Scan(&p.ID, &p.Prefix, &p.Status, &p.Description, &p.CreatedAt); err != nil {
			return nil, err
		}
		res = append(res, p)
	}
	return res, nil
}

func (r Repo) UpsertProjectConfig(ctx context.Context, projectID string, cfg *config.Config) error {
	return upsertProjectConfig(ctx, r.DB, nil, projectID, cfg)
}

func (r Repo) UpsertProjectConfigTx(ctx context.Context, tx *sql.Tx, projectID string, cfg *config.Config) error {
	return upsertProjectConfig(ctx, nil, tx, projectID, cfg)
}

func upsertProjectConfig(ctx context.Context, db *sql.DB, tx *sql.Tx, projectID string, cfg *config.Config) error {
	if cfg == nil {
		return fmt.Errorf("config nil")
	}
	cfg.Project.ID = projectID
	if err := cfg.Validate(); err != nil {
		return err
	}
	payload, err := json.Marshal(cfg)
	if err != nil {
		return err
	}
	now := time.Now().UTC().Format(time.RFC3339)
	exec := func(query string, args ...any) (sql.Result, error) {
		if tx != nil {
			return tx.ExecContext(ctx, query, args...)
		}
		return db.ExecContext(ctx, query, args...)
	}
	_, err = exec(`INSERT INTO project_configs(project_id,config_json,created_at,updated_at) VALUES (?,?,?,?)
ON CONFLICT(project_id) DO UPDATE SET config_json=excluded.config_json, updated_at=excluded.updated_at`, projectID, string(payload), now, now)
	return err
}

func (r Repo) GetProjectConfig(ctx context.Context, projectID string) (*config.Config, error) {
	var payload string
	err := r.DB.QueryRowContext(ctx, `SELECT config_json FROM project_configs WHERE project_id=?`, projectID).Scan(&payload)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	var cfg config.Config
	if err := json.Unmarshal([]byte(payload), &cfg); err != nil {
		return nil, err
	}
	if cfg.Project.ID == "" {
		cfg.Project.ID = projectID
	}
	return &cfg, cfg.Validate()
}

const workItemCols = `id,project_id,type,parent_id,title,description,status,business_value,strategic_alignment,success_metrics_json,scope_json,roadmap_ref,acceptance_json,priority,assignee_id,estimated_hours,related_files_json,created_at,updated_at`

func (r Repo) InsertWorkItem(ctx context.Context, tx *sql.Tx, w domain.WorkItem) error {
	metrics, err := marshalStringSlice(w.SuccessMetrics)
	if err != nil {
		return err
	}
	scope, err := marshalStringSlice(w.Scope)
	if err != nil {
		return err
	}
	acceptance, err := marshalStringSlice(w.AcceptanceCriteria)
	if err != nil {
		return err
	}
	related, err := marshalStringSlice(w.RelatedFiles)
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx, `INSERT INTO work_items(`+workItemCols+`)
VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		w.ID, w.ProjectID, w.Type, nullableStringPtr(w.ParentID), w.Title, nullable(w.Description), w.Status,
		nullable(w.BusinessValue), nullable(w.StrategicAlignment), nullableStringPtr(metrics), nullableStringPtr(scope),
		nullableStringPtr(w.RoadmapRef), nullableStringPtr(acceptance), nullable(w.Priority),
		nullableStringPtr(w.AssigneeID), nullableFloatPtr(w.EstimatedHours), nullableStringPtr(related),
		w.CreatedAt, w.UpdatedAt)
	return err
}

func (r Repo) UpdateWorkItem(ctx context.Context, tx *sql.Tx, w domain.WorkItem) error {
	metrics, err := marshalStringSlice(w.SuccessMetrics)
	if err != nil {
		return err
	}
	scope, err := marshalStringSlice(w.Scope)
	if err != nil {
		return err
	}
	acceptance, err := marshalStringSlice(w.AcceptanceCriteria)
	if err != nil {
		return err
	}
	related, err := marshalStringSlice(w.RelatedFiles)
	if err != nil {
		return err
	}
	res, err := tx.ExecContext(ctx, `UPDATE work_items SET parent_id=?, title=?, description=?, status=?,
business_value=?, strategic_alignment=?, success_metrics_json=?, scope_json=?, roadmap_ref=?,
acceptance_json=?, priority=?, assignee_id=?, estimated_hours=?, related_files_json=?, updated_at=? WHERE id=?`,
		nullableStringPtr(w.ParentID), w.Title, nullable(w.Description), w.Status,
		nullable(w.BusinessValue), nullable(w.StrategicAlignment), nullableStringPtr(metrics), nullableStringPtr(scope),
		nullableStringPtr(w.RoadmapRef), nullableStringPtr(acceptance), nullable(w.Priority),
		nullableStringPtr(w.AssigneeID), nullableFloatPtr(w.EstimatedHours), nullableStringPtr(related),
		w.UpdatedAt, w.ID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

type workItemScanner interface {
	Scan(dest ...any) error
}

func scanWorkItem(row workItemScanner) (domain.WorkItem, error) {
	var w domain.WorkItem
	var parentID, description, businessValue, alignment, metrics, scope, roadmapRef, acceptance, priority, assigneeID, related sql.NullString
	var hours sql.NullFloat64
	err := row.Scan(&w.ID, &w.ProjectID, &w.Type, &parentID, &w.Title, &description, &w.Status,
		&businessValue, &alignment, &metrics, &scope, &roadmapRef, &acceptance, &priority,
		&assigneeID, &hours, &related, &w.CreatedAt, &w.UpdatedAt)
	if err == sql.ErrNoRows {
		return w, ErrNotFound
	}
	if err != nil {
		return w, err
	}
	if parentID.Valid {
		w.ParentID = &parentID.String
	}
	if description.Valid {
		w.Description = description.String
	}
	if businessValue.Valid {
		w.BusinessValue = businessValue.String
	}
	if alignment.Valid {
		w.StrategicAlignment = alignment.String
	}
	if roadmapRef.Valid {
		w.RoadmapRef = &roadmapRef.String
	}
	if priority.Valid {
		w.Priority = priority.String
	}
	if assigneeID.Valid {
		w.AssigneeID = &assigneeID.String
	}
	if hours.Valid {
		h := hours.Float64
		w.EstimatedHours = &h
	}
	if err := unmarshalStringSlice(metrics, &w.SuccessMetrics); err != nil {
		return w, err
	}
	if err := unmarshalStringSlice(scope, &w.Scope); err != nil {
		return w, err
	}
	if err := unmarshalStringSlice(acceptance, &w.AcceptanceCriteria); err != nil {
		return w, err
	}
	if err := unmarshalStringSlice(related, &w.RelatedFiles); err != nil {
		return w, err
	}
	return w, nil
}

func (r Repo) GetWorkItem(ctx context.Context, id string) (domain.WorkItem, error) {
	return scanWorkItem(r.DB.QueryRowContext(ctx, `SELECT `+workItemCols+` FROM work_items WHERE id=?`, id))
}

func (r Repo) GetWorkItemTx(ctx context.Context, tx *sql.Tx, id string) (domain.WorkItem, error) {
	return scanWorkItem(tx.QueryRowContext(ctx, `SELECT `+workItemCols+` FROM work_items WHERE id=?`, id))
}

type WorkItemFilters struct {
	ProjectID string
	Type      string
	Status    string
	Parent    string
	Limit     int
}

func (r Repo) ListWorkItems(ctx context.Context, f WorkItemFilters) ([]domain.WorkItem, error) {
	var clauses []string
	var args []any
	if f.ProjectID != "" {
		clauses = append(clauses, "project_id=?")
		args = append(args, f.ProjectID)
	}
	if f.Type != "" {
		clauses = append(clauses, "type=?")
		args = append(args, f.Type)
	}
	if f.Status != "" {
		clauses = append(clauses, "status=?")
		args = append(args, f.Status)
	}
	if f.Parent != "" {
		clauses = append(clauses, "parent_id=?")
		args = append(args, f.Parent)
	}
	where := ""
	if len(clauses) > 0 {
		where = "WHERE " + strings.Join(clauses, " AND ")
	}
	query := `SELECT ` + workItemCols + ` FROM work_items ` + where + ` ORDER BY created_at ASC, id ASC`
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.WorkItem
	for rows.Next() {
		w, err := scanWorkItem(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, w)
	}
	return res, nil
}

// ListChildren returns direct children ordered by id, which preserves the
// S1..Sn / T1..Tn derivation order.
func (r Repo) ListChildren(ctx context.Context, parentID string) ([]domain.WorkItem, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT `+workItemCols+` FROM work_items WHERE parent_id=? ORDER BY id ASC`, parentID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.WorkItem
	for rows.Next() {
		w, err := scanWorkItem(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, w)
	}
	return res, nil
}

func (r Repo) ListChildrenTx(ctx context.Context, tx *sql.Tx, parentID string) ([]domain.WorkItem, error) {
	rows, err := tx.QueryContext(ctx, `SELECT `+workItemCols+` FROM work_items WHERE parent_id=? ORDER BY id ASC`, parentID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.WorkItem
	for rows.Next() {
		w, err := scanWorkItem(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, w)
	}
	return res, nil
}

const roadmapCols = `id,project_id,title,description,priority,timeframe,features_json,business_value,status,epic_id,created_at,updated_at`

func (r Repo) InsertRoadmapItem(ctx context.Context, tx *sql.Tx, it domain.RoadmapItem) error {
	features, err := marshalStringSlice(it.Features)
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx, `INSERT INTO roadmap_items(`+roadmapCols+`) VALUES (?,?,?,?,?,?,?,?,?,?,?,?)`,
		it.ID, it.ProjectID, it.Title, nullable(it.Description), nullable(it.Priority), nullable(it.Timeframe),
		nullableStringPtr(features), nullable(it.BusinessValue), it.Status, nullableStringPtr(it.EpicID),
		it.CreatedAt, it.UpdatedAt)
	return err
}

func (r Repo) UpdateRoadmapItem(ctx context.Context, tx *sql.Tx, it domain.RoadmapItem) error {
	features, err := marshalStringSlice(it.Features)
	if err != nil {
		return err
	}
	res, err := tx.ExecContext(ctx, `UPDATE roadmap_items SET title=?, description=?, priority=?, timeframe=?,
features_json=?, business_value=?, status=?, epic_id=?, updated_at=? WHERE id=?`,
		it.Title, nullable(it.Description), nullable(it.Priority), nullable(it.Timeframe),
		nullableStringPtr(features), nullable(it.BusinessValue), it.Status, nullableStringPtr(it.EpicID),
		it.UpdatedAt, it.ID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func scanRoadmapItem(row workItemScanner) (domain.RoadmapItem, error) {
	var it domain.RoadmapItem
	var description, priority, timeframe, features, businessValue, epicID sql.NullString
	err := row.Scan(&it.ID, &it.ProjectID, &it.Title, &description, &priority, &timeframe,
		&features, &businessValue, &it.Status, &epicID, &it.CreatedAt, &it.UpdatedAt)
	if err == sql.ErrNoRows {
		return it, ErrNotFound
	}
	if err != nil {
		return it, err
	}
	if description.Valid {
		it.Description = description.String
	}
	if priority.Valid {
		it.Priority = priority.String
	}
	if timeframe.Valid {
		it.Timeframe = timeframe.String
	}
	if businessValue.Valid {
		it.BusinessValue = businessValue.String
	}
	if epicID.Valid {
		it.EpicID = &epicID.String
	}
	if err := unmarshalStringSlice(features, &it.Features); err != nil {
		return it, err
	}
	return it, nil
}

func (r Repo) GetRoadmapItem(ctx context.Context, id string) (domain.RoadmapItem, error) {
	return scanRoadmapItem(r.DB.QueryRowContext(ctx, `SELECT `+roadmapCols+` FROM roadmap_items WHERE id=?`, id))
}

type RoadmapFilters struct {
	ProjectID string
	Status    string
	Timeframe string
}

func (r Repo) ListRoadmapItems(ctx context.Context, f RoadmapFilters) ([]domain.RoadmapItem, error) {
	var clauses []string
	var args []any
	if f.ProjectID != "" {
		clauses = append(clauses, "project_id=?")
		args = append(args, f.ProjectID)
	}
	if f.Status != "" {
		clauses = append(clauses, "status=?")
		args = append(args, f.Status)
	}
	if f.Timeframe != "" {
		clauses = append(clauses, "timeframe=?")
		args = append(args, f.Timeframe)
	}
	where := ""
	if len(clauses) > 0 {
		where = "WHERE " + strings.Join(clauses, " AND ")
	}
	rows, err := r.DB.QueryContext(ctx, `SELECT `+roadmapCols+` FROM roadmap_items `+where+` ORDER BY created_at ASC, id ASC`, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.RoadmapItem
	for rows.Next() {
		it, err := scanRoadmapItem(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, it)
	}
	return res, nil
}

func (r Repo) CountWorkItemsByStatus(ctx context.Context, projectID string) (map[string]int, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT status, count(*) FROM work_items WHERE project_id=? GROUP BY status`, projectID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	res := map[string]int{}
	for rows.Next() {
		var status string
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return nil, err
		}
		res[status] = count
	}
	return res, nil
}

func (r Repo) LatestEvents(ctx context.Context, limit int, projectID, evtType, itemKind, itemID string) ([]domain.Event, error) {
	clauses := []string{"1=1"}
	var args []any
	if projectID != "" {
		clauses = append(clauses, "project_id=?")
		args = append(args, projectID)
	}
	if evtType != "" {
		clauses = append(clauses, "type=?")
		args = append(args, evtType)
	}
	if itemKind != "" {
		clauses = append(clauses, "item_kind=?")
		args = append(args, itemKind)
	}
	if itemID != "" {
		clauses = append(clauses, "item_id=?")
		args = append(args, itemID)
	}
	where := "WHERE " + strings.Join(clauses, " AND ")
	query := fmt.Sprintf(`SELECT id,ts,type,project_id,item_kind,item_id,actor_id,payload_json FROM events %s ORDER BY id DESC LIMIT ?`, where)
	args = append(args, limit)
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Event
	for rows.Next() {
		var e domain.Event
		var projID, itemIDCol, payload sql.NullString
		if err := rows.Scan(&e.ID, &e.TS, &e.Type, &projID, &e.ItemKind, &itemIDCol, &e.ActorID, &payload); err != nil {
			return nil, err
		}
		if projID.Valid {
			e.ProjectID = projID.String
		}
		if itemIDCol.Valid {
			e.ItemID = itemIDCol.String
		}
		if payload.Valid {
			e.Payload = payload.String
		}
		res = append(res, e)
	}
	return res, nil
}

// --- helpers ---

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}

func nullableStringPtr(v *string) any {
	if v == nil {
		return nil
	}
	if *v == "" {
		return nil
	}
	return *v
}

func nullableFloatPtr(v *float64) any {
	if v == nil {
		return nil
	}
	return *v
}

func marshalStringSlice(in []string) (*string, error) {
	if len(in) == 0 {
		return nil, nil
	}
	b, err := json.Marshal(in)
	if err != nil {
		return nil, err
	}
	s := string(b)
	return &s, nil
}

func unmarshalStringSlice(col sql.NullString, out *[]string) error {
	if !col.Valid || col.String == "" {
		return nil
	}
	return json.Unmarshal([]byte(col.String), out)
}
