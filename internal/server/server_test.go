package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"testing"

	"github.com/sirupsen/logrus"

	"flowline/internal/config"
	"flowline/internal/db"
	"flowline/internal/engine"
	"flowline/internal/migrate"
)

type testServer struct {
	URL    string
	Engine engine.Engine
	client *http.Client
	close  func()
}

func (s *testServer) Client() *http.Client { return s.client }

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	workspace := t.TempDir()
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	log := logrus.New()
	log.SetOutput(io.Discard)
	e := engine.New(conn, config.Default("ws-1"), log)
	ctx := context.Background()
	if _, err := e.InitWorkspace(ctx, "ws-1", "Test", "", "alice"); err != nil {
		t.Fatalf("init workspace: %v", err)
	}
	if _, err := e.AddMember(ctx, "ws-1", "bob", "member", "alice"); err != nil {
		t.Fatalf("add member: %v", err)
	}
	if _, err := e.AddMember(ctx, "ws-1", "vera", "viewer", "alice"); err != nil {
		t.Fatalf("add viewer: %v", err)
	}
	handler, err := New(Config{
		Engine: e,
		Auth: AuthConfig{
			JWTSecret:              "test-secret",
			AllowLegacyActorHeader: true,
			Logger:                 log,
		},
	})
	if err != nil {
		t.Fatalf("build handler: %v", err)
	}
	ln, err := net.Listen("tcp4", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	srv := &http.Server{Handler: handler}
	go srv.Serve(ln)
	ts := &testServer{
		URL:    "http://" + ln.Addr().String(),
		Engine: e,
		client: &http.Client{},
		close: func() {
			srv.Shutdown(context.Background())
			ln.Close()
			conn.Close()
		},
	}
	t.Cleanup(ts.close)
	return ts
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

func asActor(actor string) map[string]string {
	return map[string]string{"X-Actor-Id": actor}
}

func TestAutomationThroughAPI(t *testing.T) {
	srv := newTestServer(t)
	client := srv.Client()

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/workspaces/ws-1/rules", map[string]any{
		"name":          "auto assign bob",
		"trigger_type":  "task_created",
		"action_type":   "assign_user",
		"action_config": map[string]any{"user_id": "bob"},
	}, asActor("alice"))
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("create rule: %d %s", res.StatusCode, string(data))
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/workspaces/ws-1/tasks", map[string]any{
		"title": "Ship feature",
	}, asActor("bob"))
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("create task: %d %s", res.StatusCode, string(data))
	}
	var created TaskResponse
	if err := json.Unmarshal(data, &created); err != nil {
		t.Fatalf("unmarshal task: %v", err)
	}
	if len(created.Assignees) != 1 || created.Assignees[0] != "bob" {
		t.Fatalf("automation did not assign: %+v", created)
	}

	// automation-attributed audit row is visible through the API
	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/workspaces/ws-1/activities?task_id="+created.ID+"&actor_kind=automation", nil, asActor("vera"))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("list activities: %d %s", res.StatusCode, string(data))
	}
	var acts []ActivityResponse
	if err := json.Unmarshal(data, &acts); err != nil {
		t.Fatalf("unmarshal activities: %v", err)
	}
	if len(acts) != 1 || acts[0].Action != "assignee_added" || acts[0].RuleID == "" {
		t.Fatalf("activities = %+v", acts)
	}
}

func TestNotifyRuleThroughAPI(t *testing.T) {
	srv := newTestServer(t)
	client := srv.Client()

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/workspaces/ws-1/rules", map[string]any{
		"name":           "ping bob on done",
		"trigger_type":   "status_change",
		"trigger_config": map[string]any{"to_status": "done"},
		"action_type":    "notify",
		"action_config":  map[string]any{"user_id": "bob"},
	}, asActor("alice"))
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("create rule: %d %s", res.StatusCode, string(data))
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/workspaces/ws-1/tasks", map[string]any{
		"title": "Review me",
	}, asActor("bob"))
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("create task: %d %s", res.StatusCode, string(data))
	}
	var created TaskResponse
	_ = json.Unmarshal(data, &created)

	res, data = doJSON(t, client, http.MethodPatch, srv.URL+"/v0/workspaces/ws-1/tasks/"+created.ID, map[string]any{
		"status": "done",
	}, asActor("bob"))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("update task: %d %s", res.StatusCode, string(data))
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/workspaces/ws-1/notifications?unread=true", nil, asActor("bob"))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("list notifications: %d %s", res.StatusCode, string(data))
	}
	var items []NotificationResponse
	if err := json.Unmarshal(data, &items); err != nil {
		t.Fatalf("unmarshal notifications: %v", err)
	}
	if len(items) != 1 {
		t.Fatalf("notifications = %+v", items)
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/workspaces/ws-1/notifications/"+items[0].ID+"/read", nil, asActor("bob"))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("mark read: %d %s", res.StatusCode, string(data))
	}
	var read NotificationResponse
	_ = json.Unmarshal(data, &read)
	if read.ReadAt == nil {
		t.Fatalf("read_at not set: %s", string(data))
	}

	// another member cannot read someone else's notification
	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/workspaces/ws-1/notifications/"+items[0].ID+"/read", nil, asActor("alice"))
	if res.StatusCode != http.StatusNotFound {
		t.Fatalf("cross-user read: %d %s", res.StatusCode, string(data))
	}
}

func TestRoleChecks(t *testing.T) {
	srv := newTestServer(t)
	client := srv.Client()

	// members cannot manage rules
	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/workspaces/ws-1/rules", map[string]any{
		"name":         "sneaky",
		"trigger_type": "task_created",
		"action_type":  "notify",
	}, asActor("bob"))
	if res.StatusCode != http.StatusForbidden {
		t.Fatalf("member rule create: %d %s", res.StatusCode, string(data))
	}

	// viewers cannot create tasks
	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/workspaces/ws-1/tasks", map[string]any{
		"title": "nope",
	}, asActor("vera"))
	if res.StatusCode != http.StatusForbidden {
		t.Fatalf("viewer task create: %d %s", res.StatusCode, string(data))
	}

	// non-members are forbidden entirely
	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/workspaces/ws-1/tasks", nil, asActor("mallory"))
	if res.StatusCode != http.StatusForbidden {
		t.Fatalf("outsider list: %d %s", res.StatusCode, string(data))
	}
}

func TestInvalidRuleConfigRejected(t *testing.T) {
	srv := newTestServer(t)
	client := srv.Client()

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/workspaces/ws-1/rules", map[string]any{
		"name":         "no target status",
		"trigger_type": "status_change",
		"action_type":  "notify",
	}, asActor("alice"))
	if res.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d %s", res.StatusCode, string(data))
	}
	var envelope struct {
		Error apiErrorBody `json:"error"`
	}
	if err := json.Unmarshal(data, &envelope); err != nil {
		t.Fatalf("unmarshal error: %v", err)
	}
	if envelope.Error.Code != "bad_request" {
		t.Fatalf("error envelope = %+v", envelope)
	}
}

func TestAuth(t *testing.T) {
	srv := newTestServer(t)
	client := srv.Client()

	// health is open
	res, _ := doJSON(t, client, http.MethodGet, srv.URL+"/v0/health", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("health: %d", res.StatusCode)
	}

	// everything else requires credentials
	res, _ = doJSON(t, client, http.MethodGet, srv.URL+"/v0/workspaces", nil, nil)
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("unauthenticated list: %d", res.StatusCode)
	}

	// dev login mints a usable bearer token
	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/auth/dev/login", map[string]any{
		"actor_id": "alice",
	}, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("dev login: %d %s", res.StatusCode, string(data))
	}
	var login DevLoginResponse
	if err := json.Unmarshal(data, &login); err != nil || login.Token == "" {
		t.Fatalf("login response: %v %s", err, string(data))
	}
	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/me", nil, map[string]string{
		"Authorization": "Bearer " + login.Token,
	})
	if res.StatusCode != http.StatusOK {
		t.Fatalf("me: %d %s", res.StatusCode, string(data))
	}
	var who WhoAmIResponse
	if err := json.Unmarshal(data, &who); err != nil {
		t.Fatalf("unmarshal me: %v", err)
	}
	if who.UserID != "alice" || who.Source != "jwt" {
		t.Fatalf("whoami = %+v", who)
	}
}
