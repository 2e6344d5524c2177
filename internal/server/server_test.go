package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/cookiejar"
	"net/http/httptest"
	"net/url"
	"regexp"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tasksift/internal/asana"
	"tasksift/internal/classify"
	"tasksift/internal/config"
	"tasksift/internal/credentials"
	"tasksift/internal/db"
	"tasksift/internal/domain"
	"tasksift/internal/engine"
	"tasksift/internal/migrate"
)

const testSecret = "test-secret"

var gidPattern = regexp.MustCompile(`\[GID: ([^\]]+)\]`)

type stubBoard struct {
	mu    sync.Mutex
	token string
	tasks map[string][]domain.SourceTask
	moved []string
}

func (b *stubBoard) Me(context.Context) (domain.BoardUser, error) {
	if b.token != "pat" {
		return domain.BoardUser{}, &asana.APIError{StatusCode: http.StatusUnauthorized, Message: "Not Authorized"}
	}
	return domain.BoardUser{ID: "u1", Name: "Alice"}, nil
}

func (b *stubBoard) ListIncompleteTasks(_ context.Context, projectID string) ([]domain.SourceTask, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]domain.SourceTask(nil), b.tasks[projectID]...), nil
}

func (b *stubBoard) MoveTask(_ context.Context, taskID, projectID string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.moved = append(b.moved, taskID+"->"+projectID)
	return nil
}

func (b *stubBoard) ListProjects(context.Context) ([]domain.Workspace, error) {
	return []domain.Workspace{{ID: "w1", Name: "Acme", Projects: []domain.ProjectRef{{ID: "src", Name: "Inbox"}, {ID: "dest", Name: "Billing"}}}}, nil
}

type stubLLM struct{}

func (stubLLM) Complete(_ context.Context, system, prompt string) (string, error) {
	switch {
	case strings.Contains(system, "connectivity check"):
		return "OK", nil
	case strings.Contains(system, "task classifier"):
		var out []map[string]any
		for _, m := range gidPattern.FindAllStringSubmatch(prompt, -1) {
			out = append(out, map[string]any{"task_gid": m[1], "score": 0.9, "reasoning": "billing"})
		}
		b, _ := json.Marshal(out)
		return string(b), nil
	default:
		return `{"summary":"Billing work","includePatterns":{"themes":["billing"]},"confidenceThreshold":0.6}`, nil
	}
}

type testServer struct {
	*httptest.Server
	board *stubBoard
}

func newTestServer(t *testing.T, opts ...func(*Config)) *testServer {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	require.NoError(t, migrate.Migrate(context.Background(), conn))

	board := &stubBoard{tasks: map[string][]domain.SourceTask{
		"dest": {{ID: "d1", Name: "Invoice run"}, {ID: "d2", Name: "Refund policy"}},
	}}
	e := engine.New(conn, config.Default(), nil)
	e.NewSource = func(token credentials.Secret) engine.TaskSource {
		board.mu.Lock()
		board.token = token.Reveal()
		board.mu.Unlock()
		return board
	}
	e.NewCompleter = func(context.Context, credentials.Classifier) (classify.Completer, error) {
		return stubLLM{}, nil
	}
	cfg := Config{Engine: e, BasePath: "/v0", Auth: AuthConfig{JWTSecret: testSecret, DevLogin: true}}
	for _, opt := range opts {
		opt(&cfg)
	}
	handler, err := New(cfg)
	require.NoError(t, err)
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return &testServer{Server: srv, board: board}
}

// session is one browser: a cookie jar plus an optional bearer token.
type session struct {
	t      *testing.T
	srv    *testServer
	client *http.Client
	token  string
}

func (s *testServer) session(t *testing.T) *session {
	jar, err := cookiejar.New(nil)
	require.NoError(t, err)
	return &session{t: t, srv: s, client: &http.Client{Jar: jar}}
}

func (s *session) login(actor string) *session {
	var out DevLoginResponse
	s.do(http.MethodPost, "/v0/auth/dev/login", map[string]any{"actor_id": actor}, http.StatusOK, &out)
	require.NotEmpty(s.t, out.Token)
	s.token = out.Token
	return s
}

func (s *session) request(method, path string, body any) (int, []byte) {
	s.t.Helper()
	var reader io.Reader = http.NoBody
	if body != nil {
		b, err := json.Marshal(body)
		require.NoError(s.t, err)
		reader = bytes.NewReader(b)
	}
	req, err := http.NewRequest(method, s.srv.URL+path, reader)
	require.NoError(s.t, err)
	req.Header.Set("Content-Type", "application/json")
	if s.token != "" {
		req.Header.Set("Authorization", "Bearer "+s.token)
	}
	res, err := s.client.Do(req)
	require.NoError(s.t, err)
	defer res.Body.Close()
	data, err := io.ReadAll(res.Body)
	require.NoError(s.t, err)
	return res.StatusCode, data
}

func (s *session) do(method, path string, body any, wantStatus int, out any) {
	s.t.Helper()
	status, data := s.request(method, path, body)
	require.Equal(s.t, wantStatus, status, "%s %s: %s", method, path, data)
	if out != nil {
		require.NoError(s.t, json.Unmarshal(data, out))
	}
}

func (s *session) expectError(method, path string, body any, wantStatus int, wantCode string) {
	s.t.Helper()
	var envelope struct {
		Error apiErrorBody `json:"error"`
	}
	s.do(method, path, body, wantStatus, &envelope)
	assert.Equal(s.t, wantCode, envelope.Error.Code)
}

func (s *session) connectAll() {
	s.do(http.MethodPut, "/v0/credentials/board", map[string]any{"token": "pat"}, http.StatusOK, nil)
	s.do(http.MethodPut, "/v0/credentials/classifier", map[string]any{"provider": "anthropic", "api_key": "sk-test"}, http.StatusOK, nil)
}

func TestHealthAndAuthentication(t *testing.T) {
	srv := newTestServer(t)
	anon := srv.session(t)
	anon.do(http.MethodGet, "/v0/health", nil, http.StatusOK, nil)
	anon.expectError(http.MethodGet, "/v0/me", nil, http.StatusUnauthorized, "not_authenticated")

	anon.token = "not-a-jwt"
	anon.expectError(http.MethodGet, "/v0/me", nil, http.StatusUnauthorized, "invalid_credentials")

	forged, err := SignDevToken("other-secret", "mallory", time.Now())
	require.NoError(t, err)
	anon.token = forged
	anon.expectError(http.MethodGet, "/v0/me", nil, http.StatusUnauthorized, "invalid_credentials")

	anon.token = ""
	anon.expectError(http.MethodPost, "/v0/auth/dev/login", map[string]any{"actor_id": "  "}, http.StatusBadRequest, "bad_request")

	alice := srv.session(t).login("alice")
	var who WhoAmIResponse
	alice.do(http.MethodGet, "/v0/me", nil, http.StatusOK, &who)
	assert.Equal(t, "alice", who.ActorID)
	assert.Equal(t, "jwt", who.Source)
}

func TestCredentialCookies(t *testing.T) {
	srv := newTestServer(t)
	alice := srv.session(t).login("alice")

	var status CredentialStatusResponse
	alice.do(http.MethodGet, "/v0/credentials", nil, http.StatusOK, &status)
	assert.False(t, status.BoardConnected)
	assert.False(t, status.ClassifierConfigured)

	alice.expectError(http.MethodGet, "/v0/board/projects", nil, http.StatusUnauthorized, "not_connected")
	alice.expectError(http.MethodPut, "/v0/credentials/board", map[string]any{"token": "wrong"}, http.StatusBadRequest, "bad_request")

	var connected BoardConnectedResponse
	alice.do(http.MethodPut, "/v0/credentials/board", map[string]any{"token": "pat"}, http.StatusOK, &connected)
	assert.Equal(t, "Alice", connected.User.Name)
	assert.True(t, connected.BoardConnected)

	u, err := url.Parse(srv.URL)
	require.NoError(t, err)
	cookies := alice.client.Jar.Cookies(u)
	require.Len(t, cookies, 1)
	assert.Equal(t, boardCookie, cookies[0].Name)
	assert.NotEqual(t, "pat", cookies[0].Value)

	var ws WorkspaceListResponse
	alice.do(http.MethodGet, "/v0/board/projects", nil, http.StatusOK, &ws)
	require.Len(t, ws.Items, 1)
	assert.Len(t, ws.Items[0].Projects, 2)

	alice.expectError(http.MethodPut, "/v0/credentials/classifier", map[string]any{"provider": "openai"}, http.StatusBadRequest, "bad_request")
	alice.expectError(http.MethodPut, "/v0/credentials/classifier", map[string]any{"provider": "cohere", "api_key": "x"}, http.StatusBadRequest, "bad_request")
	alice.do(http.MethodPut, "/v0/credentials/classifier", map[string]any{"provider": "anthropic", "api_key": "sk-test"}, http.StatusOK, &status)
	assert.True(t, status.ClassifierConfigured)
	assert.Equal(t, "anthropic", status.Provider)

	body, _ := json.Marshal(status)
	assert.NotContains(t, string(body), "sk-test")

	// Another browser with the same actor has no cookies.
	other := srv.session(t)
	other.token = alice.token
	other.do(http.MethodGet, "/v0/credentials", nil, http.StatusOK, &status)
	assert.False(t, status.BoardConnected)

	alice.do(http.MethodDelete, "/v0/credentials/board", nil, http.StatusOK, &status)
	assert.False(t, status.BoardConnected)
	assert.True(t, status.ClassifierConfigured)
	alice.expectError(http.MethodGet, "/v0/board/projects", nil, http.StatusUnauthorized, "not_connected")

	alice.do(http.MethodDelete, "/v0/credentials/classifier", nil, http.StatusOK, &status)
	assert.False(t, status.ClassifierConfigured)
}

func TestPairPollReviewFlow(t *testing.T) {
	srv := newTestServer(t)
	alice := srv.session(t).login("alice")
	pairing := map[string]any{"source": map[string]any{"id": "src", "name": "Inbox"}, "dest": map[string]any{"id": "dest", "name": "Billing"}}

	alice.expectError(http.MethodPost, "/v0/connections", pairing, http.StatusUnauthorized, "not_connected")
	alice.do(http.MethodPut, "/v0/credentials/board", map[string]any{"token": "pat"}, http.StatusOK, nil)
	alice.expectError(http.MethodPost, "/v0/connections", pairing, http.StatusBadRequest, "not_configured")
	alice.connectAll()

	alice.expectError(http.MethodPost, "/v0/connections", map[string]any{
		"source": map[string]any{"id": "src"}, "dest": map[string]any{"id": "src"},
	}, http.StatusBadRequest, "bad_request")

	var created engine.PairingResult
	alice.do(http.MethodPost, "/v0/connections", pairing, http.StatusCreated, &created)
	require.NotNil(t, created.Skill)
	assert.Equal(t, 1, created.Skill.Version)
	connID := created.Connection.ID

	srv.board.mu.Lock()
	srv.board.tasks["src"] = []domain.SourceTask{{ID: "t1", Name: "Refund duplicate charge"}, {ID: "t2", Name: "Stripe payout"}}
	srv.board.mu.Unlock()

	var polled engine.PollResult
	alice.do(http.MethodPost, "/v0/connections/"+connID+"/poll", nil, http.StatusOK, &polled)
	assert.Equal(t, 2, polled.NewCandidates)
	alice.do(http.MethodPost, "/v0/connections/"+connID+"/poll", nil, http.StatusOK, &polled)
	assert.Zero(t, polled.NewCandidates)

	var list CandidateListResponse
	alice.do(http.MethodGet, "/v0/connections/"+connID+"/candidates?status=pending", nil, http.StatusOK, &list)
	require.Len(t, list.Items, 2)
	alice.expectError(http.MethodGet, "/v0/connections/"+connID+"/candidates?status=archived", nil, http.StatusBadRequest, "bad_request")

	target := list.Items[0]
	alice.expectError(http.MethodPost, "/v0/candidates/"+target.ID+"/review", map[string]any{"action": "skip"}, http.StatusBadRequest, "bad_request")

	var reviewed engine.ReviewResult
	alice.do(http.MethodPost, "/v0/candidates/"+target.ID+"/review", map[string]any{"action": "approve", "comment": "yes"}, http.StatusOK, &reviewed)
	assert.Equal(t, domain.StatusMoved, reviewed.Status)
	assert.False(t, reviewed.SkillRefined)
	assert.Equal(t, []string{target.TaskGID + "->dest"}, srv.board.moved)

	alice.expectError(http.MethodPost, "/v0/candidates/"+target.ID+"/review", map[string]any{"action": "reject"}, http.StatusConflict, "conflict")

	var state engine.ActiveState
	alice.do(http.MethodGet, "/v0/connections/active", nil, http.StatusOK, &state)
	require.NotNil(t, state.Connection)
	assert.Equal(t, connID, state.Connection.ID)
	assert.Equal(t, domain.CandidateStats{Pending: 1, Moved: 1, SkillVersion: 1}, state.Stats)

	var view engine.SkillView
	alice.do(http.MethodGet, "/v0/connections/"+connID+"/skill", nil, http.StatusOK, &view)
	assert.Equal(t, 1, view.TotalVersions)
	assert.Equal(t, "Billing work", view.Skill.Criteria.Summary)

	var history SkillHistoryResponse
	alice.do(http.MethodGet, "/v0/connections/"+connID+"/skills", nil, http.StatusOK, &history)
	assert.Len(t, history.Items, 1)

	alice.expectError(http.MethodPost, "/v0/connections/"+connID+"/bootstrap", nil, http.StatusConflict, "conflict")

	bob := srv.session(t).login("bob")
	bob.connectAll()
	bob.expectError(http.MethodGet, "/v0/connections/"+connID+"/candidates", nil, http.StatusNotFound, "not_found")
	bob.expectError(http.MethodPost, "/v0/candidates/"+list.Items[1].ID+"/review", map[string]any{"action": "approve"}, http.StatusNotFound, "not_found")
	bob.do(http.MethodGet, "/v0/connections/active", nil, http.StatusOK, &state)
	assert.Nil(t, state.Connection)
}

func TestRequestBodyLimit(t *testing.T) {
	srv := newTestServer(t)
	anon := srv.session(t)
	oversized := map[string]any{"actor_id": strings.Repeat("a", maxBodyBytes)}
	anon.expectError(http.MethodPost, "/v0/auth/dev/login", oversized, http.StatusRequestEntityTooLarge, "payload_too_large")
	anon.do(http.MethodPost, "/v0/auth/dev/login", map[string]any{"actor_id": "alice"}, http.StatusOK, nil)
}

func TestOpenAPIDocument(t *testing.T) {
	srv := newTestServer(t)
	anon := srv.session(t)
	status, data := anon.request(http.MethodGet, "/v0/openapi.json", nil)
	require.Equal(t, http.StatusOK, status)
	var doc struct {
		Paths map[string]json.RawMessage `json:"paths"`
	}
	require.NoError(t, json.Unmarshal(data, &doc))
	for _, p := range []string{"/v0/connections", "/v0/connections/{id}/poll", "/v0/candidates/{id}/review", "/v0/credentials/board"} {
		assert.Contains(t, doc.Paths, p)
	}
	status, _ = anon.request(http.MethodGet, "/docs", nil)
	assert.Equal(t, http.StatusOK, status)
}

func TestOpenAPIDocumentConcurrentFirstFetch(t *testing.T) {
	srv := newTestServer(t)
	bodies := make([][]byte, 8)
	var wg sync.WaitGroup
	for i := range bodies {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := http.Get(srv.URL + "/v0/openapi.json")
			if err != nil {
				return
			}
			defer res.Body.Close()
			bodies[i], _ = io.ReadAll(res.Body)
		}()
	}
	wg.Wait()
	require.NotEmpty(t, bodies[0])
	for _, b := range bodies[1:] {
		assert.Equal(t, bodies[0], b)
	}
}

func TestHandleErrorMapping(t *testing.T) {
	cases := []struct {
		err    error
		status int
		code   string
	}{
		{engine.ErrNotConnected, http.StatusUnauthorized, "not_connected"},
		{engine.ErrNotConfigured, http.StatusBadRequest, "not_configured"},
		{fmt.Errorf("candidate x: %w", engine.ErrNotFound), http.StatusNotFound, "not_found"},
		{errors.Mark(errors.Wrap(engine.ErrSkillMissing, "connection c1"), engine.ErrNotFound), http.StatusNotFound, "skill_missing"},
		{engine.ErrExternalMove, http.StatusBadGateway, "external_move_failed"},
		{classify.ErrClassification, http.StatusBadGateway, "classification_failed"},
		{engine.ErrBoard, http.StatusBadGateway, "board_unavailable"},
		{engine.ErrPersistence, http.StatusInternalServerError, "persistence_failed"},
		{context.DeadlineExceeded, http.StatusGatewayTimeout, "timeout"},
	}
	for _, tc := range cases {
		got, ok := handleError(tc.err).(*apiError)
		require.True(t, ok)
		assert.Equal(t, tc.status, got.GetStatus(), tc.code)
		assert.Equal(t, tc.code, got.Body.Code)
	}
}
