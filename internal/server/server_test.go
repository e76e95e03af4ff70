package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"testing"

	"carecircle/internal/db"
	"carecircle/internal/migrate"
	"carecircle/internal/mirror"
)

type testServer struct {
	URL    string
	Store  *mirror.Store
	client *http.Client
	close  func()
}

func (s *testServer) Client() *http.Client { return s.client }
func (s *testServer) Close()               { s.close() }

func newTestServer(t *testing.T, auth AuthConfig) (*testServer, func()) {
	t.Helper()
	workspace := t.TempDir()
	if _, err := db.EnsureWorkspace(workspace); err != nil {
		t.Fatalf("ensure workspace: %v", err)
	}
	conn, err := db.OpenMirror(db.Config{Workspace: workspace})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if err := migrate.Mirror(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	store := &mirror.Store{DB: conn}
	handler, err := New(Config{Store: store, BasePath: "/v0", Auth: auth})
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
		Store:  store,
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

func TestUpsertAndReadCircle(t *testing.T) {
	srv, cleanup := newTestServer(t, AuthConfig{AllowAnonymous: true})
	defer cleanup()
	client := srv.Client()

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/circles/upsert", map[string]any{
		"id":           1,
		"name":         "mom care",
		"owner":        "alice",
		"member_count": 2,
		"tx_ref":       "proof-1",
	}, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("upsert status %d: %s", res.StatusCode, string(data))
	}
	var up UpsertCircleResponse
	if err := json.Unmarshal(data, &up); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if !up.OK || up.ID != 1 {
		t.Fatalf("unexpected response: %+v", up)
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/circles/1", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("get status %d: %s", res.StatusCode, string(data))
	}
	var circle mirror.Circle
	_ = json.Unmarshal(data, &circle)
	if circle.Name != "mom care" || circle.Owner != "alice" || circle.MemberCount != 2 {
		t.Fatalf("unexpected circle: %+v", circle)
	}
	if circle.TxRef == nil || *circle.TxRef != "proof-1" {
		t.Fatalf("expected tx_ref proof-1, got %v", circle.TxRef)
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/circles/99", nil, nil)
	if res.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404, got %d: %s", res.StatusCode, string(data))
	}
	var envelope struct {
		Error struct {
			Code string `json:"code"`
		} `json:"error"`
	}
	if err := json.Unmarshal(data, &envelope); err != nil {
		t.Fatalf("unmarshal envelope: %v", err)
	}
	if envelope.Error.Code != "not_found" {
		t.Fatalf("expected not_found code, got %q", envelope.Error.Code)
	}
}

func TestUpsertTaskRejectsBadSnapshot(t *testing.T) {
	srv, cleanup := newTestServer(t, AuthConfig{AllowAnonymous: true})
	defer cleanup()
	client := srv.Client()

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/tasks/upsert", map[string]any{
		"id": 1, "circle_id": 1, "title": "t", "assigned_to": "bob", "created_by": "alice",
		"completed": false, "priority": 9,
	}, nil)
	if res.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400 for priority 9, got %d: %s", res.StatusCode, string(data))
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/tasks/upsert", map[string]any{
		"id": 1, "circle_id": 1, "title": "t", "assigned_to": "bob", "created_by": "alice",
		"completed": true,
	}, nil)
	if res.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400 for missing completion triple, got %d: %s", res.StatusCode, string(data))
	}
}

func TestTaskQueriesAndStats(t *testing.T) {
	srv, cleanup := newTestServer(t, AuthConfig{AllowAnonymous: true})
	defer cleanup()
	client := srv.Client()

	post := func(body map[string]any) {
		t.Helper()
		res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/tasks/upsert", body, nil)
		if res.StatusCode != http.StatusOK {
			t.Fatalf("upsert status %d: %s", res.StatusCode, string(data))
		}
	}
	post(map[string]any{"id": 1, "circle_id": 1, "title": "a", "assigned_to": "bob", "created_by": "alice", "priority": 1,
		"completed": true, "completed_by": "bob", "completed_at": "2024-01-01T00:00:00Z"})
	post(map[string]any{"id": 2, "circle_id": 1, "title": "b", "assigned_to": "bob", "created_by": "alice", "priority": 3, "completed": false})
	post(map[string]any{"id": 3, "circle_id": 1, "title": "c", "assigned_to": "carol", "created_by": "alice", "priority": 0, "completed": false})

	res, data := doJSON(t, client, http.MethodGet, srv.URL+"/v0/circles/1/tasks", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("list status %d: %s", res.StatusCode, string(data))
	}
	var tasks []mirror.Task
	_ = json.Unmarshal(data, &tasks)
	if len(tasks) != 3 || tasks[0].ID != 2 || tasks[1].ID != 3 || tasks[2].ID != 1 {
		t.Fatalf("unexpected order: %+v", tasks)
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/tasks?assignee=bob", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("assignee list status %d: %s", res.StatusCode, string(data))
	}
	_ = json.Unmarshal(data, &tasks)
	if len(tasks) != 2 {
		t.Fatalf("expected 2 tasks for bob, got %d", len(tasks))
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/tasks", nil, nil)
	if res.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400 without assignee, got %d: %s", res.StatusCode, string(data))
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/circles/1/stats", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("stats status %d: %s", res.StatusCode, string(data))
	}
	var stats mirror.Stats
	_ = json.Unmarshal(data, &stats)
	if stats.TotalTasks != 3 || stats.CompletedTasks != 1 || stats.OpenTasks != 2 {
		t.Fatalf("unexpected stats: %+v", stats)
	}
	if stats.CompletionRate != 33 {
		t.Fatalf("expected rate 33, got %d", stats.CompletionRate)
	}
}

func TestWritesRequireAuth(t *testing.T) {
	srv, cleanup := newTestServer(t, AuthConfig{JWTSecret: "test-secret", AllowAnonymous: false})
	defer cleanup()
	client := srv.Client()

	body := map[string]any{"id": 1, "name": "circle", "owner": "alice"}

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/circles/upsert", body, nil)
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401 without credentials, got %d: %s", res.StatusCode, string(data))
	}

	// reads stay open
	res, _ = doJSON(t, client, http.MethodGet, srv.URL+"/v0/circles/1/members", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("expected open read, got %d", res.StatusCode)
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/auth/dev/login", map[string]any{"address": "alice"}, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("dev login status %d: %s", res.StatusCode, string(data))
	}
	var login DevLoginResponse
	if err := json.Unmarshal(data, &login); err != nil || login.Token == "" {
		t.Fatalf("expected token, got %s", string(data))
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/circles/upsert", body, map[string]string{
		"Authorization": "Bearer " + login.Token,
	})
	if res.StatusCode != http.StatusOK {
		t.Fatalf("expected 200 with bearer token, got %d: %s", res.StatusCode, string(data))
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/circles/upsert", body, map[string]string{
		"Authorization": "Bearer not-a-token",
	})
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401 with bad token, got %d: %s", res.StatusCode, string(data))
	}
}

func TestAPIKeyAuth(t *testing.T) {
	srv, cleanup := newTestServer(t, AuthConfig{AllowAnonymous: false})
	defer cleanup()
	client := srv.Client()

	secret := "local-dev-key"
	err := srv.Store.InsertAPIKey(context.Background(), mirror.APIKey{
		ID:      "k1",
		Address: "alice",
		KeyHash: mirror.HashAPIKey(secret),
	})
	if err != nil {
		t.Fatalf("seed key: %v", err)
	}

	body := map[string]any{"id": 1, "name": "circle", "owner": "alice"}
	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/circles/upsert", body, map[string]string{
		"X-Api-Key": secret,
	})
	if res.StatusCode != http.StatusOK {
		t.Fatalf("expected 200 with api key, got %d: %s", res.StatusCode, string(data))
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/circles/upsert", body, map[string]string{
		"X-Api-Key": "wrong",
	})
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401 with wrong key, got %d: %s", res.StatusCode, string(data))
	}
}

func TestHealth(t *testing.T) {
	srv, cleanup := newTestServer(t, AuthConfig{AllowAnonymous: false})
	defer cleanup()
	res, data := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/health", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("health status %d: %s", res.StatusCode, string(data))
	}
}
