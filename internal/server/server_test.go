package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"testing"

	"traceline/internal/config"
	"traceline/internal/db"
	"traceline/internal/domain"
	"traceline/internal/engine"
	"traceline/internal/migrate"
)

type testServer struct {
	URL    string
	client *http.Client
	close  func()
}

func (s *testServer) Client() *http.Client { return s.client }
func (s *testServer) Close()               { s.close() }

func newTestServer(t *testing.T) (*testServer, func()) {
	t.Helper()
	workspace := t.TempDir()
	cfg := config.Default("demo", "DEMO")
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	e := engine.New(conn, cfg)
	if _, err := e.InitProject(context.Background(), "demo", "DEMO", "test project", cfg); err != nil {
		t.Fatalf("init project: %v", err)
	}
	handler, err := New(Config{Engine: e, BasePath: "/v0"})
	if err != nil {
		t.Fatalf("build handler: %v", err)
	}
	ln, err := net.Listen("tcp4", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	srv := &http.Server{Handler: handler}
	go srv.Serve(ln)
	testSrv := &testServer{
		URL:    "http://" + ln.Addr().String(),
		client: &http.Client{},
		close: func() {
			srv.Shutdown(context.Background())
			ln.Close()
			conn.Close()
		},
	}
	return testSrv, func() { testSrv.Close() }
}

func doJSON(t *testing.T, client *http.Client, method, url string, body any, headers map[string]string) (*http.Response, []byte) {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(b)
	} else {
		reader = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, url, reader)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	res, err := client.Do(req)
	if err != nil {
		t.Fatalf("do request: %v", err)
	}
	defer res.Body.Close()
	data, err := io.ReadAll(res.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	return res, data
}

func TestDeriveHierarchyOverHTTP(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/epics", map[string]any{
		"title": "Checkout revamp",
		"scope": []string{"One-click payments", "Saved addresses"},
	}, nil)
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("create epic: %d %s", res.StatusCode, string(data))
	}
	var epic domain.WorkItem
	if err := json.Unmarshal(data, &epic); err != nil {
		t.Fatalf("unmarshal epic: %v", err)
	}
	if epic.ID != "DEMO-E1" {
		t.Fatalf("epic id = %s", epic.ID)
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/epics/"+epic.ID+"/stories", nil, nil)
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("derive stories: %d %s", res.StatusCode, string(data))
	}
	var stories []domain.WorkItem
	if err := json.Unmarshal(data, &stories); err != nil {
		t.Fatalf("unmarshal stories: %v", err)
	}
	if len(stories) != 2 || stories[0].ID != "DEMO-E1-S1" {
		t.Fatalf("stories = %+v", stories)
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/stories/"+stories[0].ID+"/tasks", nil, nil)
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("derive tasks: %d %s", res.StatusCode, string(data))
	}
	var tasks []domain.WorkItem
	if err := json.Unmarshal(data, &tasks); err != nil {
		t.Fatalf("unmarshal tasks: %v", err)
	}
	if len(tasks) != 3 || tasks[0].Title != "Implement One-click payments" {
		t.Fatalf("tasks = %+v", tasks)
	}
}

func TestStatusTransitionOverHTTP(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()

	_, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/epics", map[string]any{
		"title": "Epic",
	}, nil)
	var epic domain.WorkItem
	_ = json.Unmarshal(data, &epic)

	res, body := doJSON(t, client, http.MethodPost, srv.URL+"/v0/items/"+epic.ID+"/status", map[string]any{
		"status": "done",
	}, nil)
	if res.StatusCode != http.StatusUnprocessableEntity {
		t.Fatalf("expected 422, got %d %s", res.StatusCode, string(body))
	}
	var envelope struct {
		Error struct {
			Code string `json:"code"`
		} `json:"error"`
	}
	if err := json.Unmarshal(body, &envelope); err != nil {
		t.Fatalf("unmarshal error: %v", err)
	}
	if envelope.Error.Code != "validation_failed" {
		t.Fatalf("error code = %s", envelope.Error.Code)
	}

	res, body = doJSON(t, client, http.MethodPost, srv.URL+"/v0/items/"+epic.ID+"/status", map[string]any{
		"status": "ready",
	}, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("to ready: %d %s", res.StatusCode, string(body))
	}
}

func TestValidateCommitsOverHTTP(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/commits/validate", map[string]any{
		"messages": []string{
			"feat(auth): add login #DEMO-1",
			"random words",
		},
	}, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("validate: %d %s", res.StatusCode, string(data))
	}
	var out []MessageValidation
	if err := json.Unmarshal(data, &out); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if len(out) != 2 || !out[0].Result.Valid || out[1].Result.Valid {
		t.Fatalf("results = %+v", out)
	}
}

func TestDocCheckOverHTTP(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/checks/docs", map[string]any{
		"files": []string{"src/api/router.go"},
	}, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("doc check: %d %s", res.StatusCode, string(data))
	}
	var rep struct {
		Missing []string `json:"missing"`
	}
	if err := json.Unmarshal(data, &rep); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if len(rep.Missing) == 0 {
		t.Fatalf("expected stale docs: %s", string(data))
	}
}

func TestGetItemNotFound(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	res, body := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/items/DEMO-E404", nil, nil)
	if res.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404, got %d %s", res.StatusCode, string(body))
	}
}

func TestHealthUnauthenticated(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	res, body := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/health", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("health: %d %s", res.StatusCode, string(body))
	}
}
