package server_test

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"classboard/internal/db"
	"classboard/internal/domain"
	"classboard/internal/engine"
	"classboard/internal/events"
	"classboard/internal/metrics"
	"classboard/internal/migrate"
	"classboard/internal/repo"
	"classboard/internal/server"
	classboardsdk "classboard/sdk/go"
)

type backend struct {
	tasks map[int64]domain.Task
	helps map[int64]domain.HelpRequest
}

func (b *backend) Tasks(ctx context.Context) ([]domain.Task, error) {
	var out []domain.Task
	for _, t := range b.tasks {
		out = append(out, t)
	}
	return out, nil
}

func (b *backend) Task(ctx context.Context, id int64) (domain.Task, error) {
	t, ok := b.tasks[id]
	if !ok {
		return domain.Task{}, &classboardsdk.APIError{StatusCode: http.StatusNotFound, Detail: "Task not found"}
	}
	return t, nil
}

func (b *backend) MoveStage(ctx context.Context, id int64, stage domain.Stage, comment string) error {
	t, ok := b.tasks[id]
	if !ok {
		return &classboardsdk.APIError{StatusCode: http.StatusNotFound, Detail: "Task not found"}
	}
	if stage == domain.StageDone && t.Stage != domain.StageReview {
		return &classboardsdk.APIError{StatusCode: http.StatusBadRequest, Detail: "Task must be reviewed first"}
	}
	t.Stage = stage
	b.tasks[id] = t
	return nil
}

func (b *backend) RequestHelp(ctx context.Context, id int64, message string) error {
	t := b.tasks[id]
	t.HelpNeeded = true
	t.HelpMessage = &message
	b.tasks[id] = t
	return nil
}

func (b *backend) DeleteTask(ctx context.Context, id int64) error {
	delete(b.tasks, id)
	return nil
}

func (b *backend) HelpRequests(ctx context.Context, resolved *bool) ([]domain.HelpRequest, error) {
	var out []domain.HelpRequest
	for _, hr := range b.helps {
		if resolved == nil || hr.Resolved == *resolved {
			out = append(out, hr)
		}
	}
	return out, nil
}

func (b *backend) CreateHelpRequest(ctx context.Context, taskID int64, message string) (domain.HelpRequest, error) {
	hr := domain.HelpRequest{ID: int64(len(b.helps) + 1), TaskID: taskID, Message: &message}
	b.helps[hr.ID] = hr
	return hr, nil
}

func (b *backend) ResolveHelpRequest(ctx context.Context, id int64, message string) (domain.HelpRequest, error) {
	hr, ok := b.helps[id]
	if !ok {
		return domain.HelpRequest{}, &classboardsdk.APIError{StatusCode: http.StatusNotFound, Detail: "Help request not found"}
	}
	hr.Resolved = true
	hr.ResolutionMessage = &message
	b.helps[id] = hr
	return hr, nil
}

type status struct {
	state  domain.ConnState
	active bool
}

func (s status) State() domain.ConnState { return s.state }
func (s status) IsConnected() bool       { return s.state == domain.ConnAuthenticated }
func (s status) IsActive() bool          { return s.active }

type users struct{}

func (users) User() (domain.User, bool) {
	return domain.User{ID: 9, Username: "ms.lee", IsTeacher: true}, true
}

type fixture struct {
	srv   *httptest.Server
	board *engine.Board
	log   events.Writer
}

func newFixture(t *testing.T, auth server.AuthConfig) *fixture {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	require.NoError(t, migrate.Migrate(conn))

	api := &backend{
		tasks: map[int64]domain.Task{
			1: {ID: 1, Title: "Essay", Stage: domain.StageReview},
			2: {ID: 2, Title: "Lab", Stage: domain.StageTodo, IsDelayed: true},
		},
		helps: map[int64]domain.HelpRequest{
			7: {ID: 7, TaskID: 2, RequestedAt: "2024-03-01T09:00:00"},
		},
	}
	m := metrics.New()
	board := engine.NewBoard(api, engine.Options{Metrics: m})
	_, err = board.FetchTasks(context.Background())
	require.NoError(t, err)
	_, err = board.FetchHelpRequests(context.Background(), nil)
	require.NoError(t, err)

	handler, err := server.New(server.Config{
		Board:   board,
		Stream:  status{state: domain.ConnOpen},
		Poller:  status{active: true},
		Users:   users{},
		Journal: repo.Repo{DB: conn},
		Metrics: m.Handler(),
		Auth:    auth,
	})
	require.NoError(t, err)
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return &fixture{srv: srv, board: board, log: events.Writer{DB: conn}}
}

func doJSON(t *testing.T, method, url string, body any, headers map[string]string) (*http.Response, []byte) {
	t.Helper()
	var reader io.Reader = http.NoBody
	if body != nil {
		b, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(b)
	}
	req, err := http.NewRequest(method, url, reader)
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	res, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer res.Body.Close()
	data, err := io.ReadAll(res.Body)
	require.NoError(t, err)
	return res, data
}

type errorEnvelope struct {
	Error struct {
		Code    string         `json:"code"`
		Message string         `json:"message"`
		Details map[string]any `json:"details"`
	} `json:"error"`
}

func decodeError(t *testing.T, data []byte) errorEnvelope {
	t.Helper()
	var env errorEnvelope
	require.NoError(t, json.Unmarshal(data, &env), string(data))
	return env
}

func TestStatusReportsConnectionAndCache(t *testing.T) {
	f := newFixture(t, server.AuthConfig{})
	res, data := doJSON(t, http.MethodGet, f.srv.URL+"/v0/status", nil, nil)
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))

	var st server.StatusResponse
	require.NoError(t, json.Unmarshal(data, &st))
	assert.Equal(t, domain.ConnOpen, st.Connection)
	assert.False(t, st.Connected)
	assert.True(t, st.Polling)
	require.NotNil(t, st.User)
	assert.Equal(t, "ms.lee", st.User.Username)
	assert.Equal(t, 2, st.Tasks)
	assert.Equal(t, 1, st.DelayedTasks)
	assert.Equal(t, 1, st.OpenRequests)
}

func TestTaskQueries(t *testing.T) {
	f := newFixture(t, server.AuthConfig{})

	res, data := doJSON(t, http.MethodGet, f.srv.URL+"/v0/tasks?delayed=true", nil, nil)
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	var list struct {
		Items []domain.Task `json:"items"`
	}
	require.NoError(t, json.Unmarshal(data, &list))
	require.Len(t, list.Items, 1)
	assert.Equal(t, int64(2), list.Items[0].ID)

	res, data = doJSON(t, http.MethodGet, f.srv.URL+"/v0/tasks?stage=review", nil, nil)
	require.Equal(t, http.StatusOK, res.StatusCode)
	require.NoError(t, json.Unmarshal(data, &list))
	require.Len(t, list.Items, 1)
	assert.Equal(t, "Essay", list.Items[0].Title)

	res, data = doJSON(t, http.MethodGet, f.srv.URL+"/v0/tasks?stage=archived", nil, nil)
	assert.Equal(t, http.StatusBadRequest, res.StatusCode)
	assert.Equal(t, "invalid_stage", decodeError(t, data).Error.Code)

	res, data = doJSON(t, http.MethodGet, f.srv.URL+"/v0/tasks?delayed=maybe", nil, nil)
	assert.Equal(t, http.StatusBadRequest, res.StatusCode)
	assert.Equal(t, "bad_request", decodeError(t, data).Error.Code)

	res, data = doJSON(t, http.MethodGet, f.srv.URL+"/v0/tasks/99", nil, nil)
	assert.Equal(t, http.StatusNotFound, res.StatusCode)
	assert.Equal(t, "not_found", decodeError(t, data).Error.Code)
}

func TestMoveStageThroughMirror(t *testing.T) {
	f := newFixture(t, server.AuthConfig{})

	res, data := doJSON(t, http.MethodPost, f.srv.URL+"/v0/tasks/1/stage", map[string]any{"stage": "done"}, nil)
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	cached, _ := f.board.Tasks.Get(1)
	assert.Equal(t, domain.StageDone, cached.Stage)

	res, data = doJSON(t, http.MethodPost, f.srv.URL+"/v0/tasks/2/stage", map[string]any{"stage": "done"}, nil)
	assert.Equal(t, http.StatusBadRequest, res.StatusCode)
	env := decodeError(t, data)
	assert.Equal(t, "Task must be reviewed first", env.Error.Message)
	assert.EqualValues(t, http.StatusBadRequest, env.Error.Details["upstream_status"])
	cached, _ = f.board.Tasks.Get(2)
	assert.Equal(t, domain.StageTodo, cached.Stage, "rejected move is rolled back")

	res, _ = doJSON(t, http.MethodPost, f.srv.URL+"/v0/tasks/404/stage", map[string]any{"stage": "design"}, nil)
	assert.Equal(t, http.StatusNotFound, res.StatusCode)
}

func TestHelpRequestsFilterAndResolve(t *testing.T) {
	f := newFixture(t, server.AuthConfig{})

	res, data := doJSON(t, http.MethodPost, f.srv.URL+"/v0/help-requests/7/resolve", map[string]any{"message": "see notes"}, nil)
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))

	res, data = doJSON(t, http.MethodGet, f.srv.URL+"/v0/help-requests?resolved=false", nil, nil)
	require.Equal(t, http.StatusOK, res.StatusCode)
	var list struct {
		Items []domain.HelpRequest `json:"items"`
	}
	require.NoError(t, json.Unmarshal(data, &list))
	assert.Empty(t, list.Items)

	res, data = doJSON(t, http.MethodGet, f.srv.URL+"/v0/help-requests?resolved=true", nil, nil)
	require.Equal(t, http.StatusOK, res.StatusCode)
	require.NoError(t, json.Unmarshal(data, &list))
	require.Len(t, list.Items, 1)
	require.NotNil(t, list.Items[0].ResolutionMessage)
	assert.Equal(t, "see notes", *list.Items[0].ResolutionMessage)
}

func TestEventsPaginate(t *testing.T) {
	f := newFixture(t, server.AuthConfig{})
	ctx := context.Background()
	require.NoError(t, f.log.Append(ctx, "task_updated", "task", "1", json.RawMessage(`{"id":1}`)))
	require.NoError(t, f.log.Append(ctx, "task_deleted", "task", "2", json.RawMessage(`{"id":2}`)))
	require.NoError(t, f.log.Append(ctx, "help_request_created", "help_request", "8", json.RawMessage(`{"id":8}`)))

	res, data := doJSON(t, http.MethodGet, f.srv.URL+"/v0/events?limit=2", nil, nil)
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	type eventPage struct {
		Items      []server.EventResponse `json:"items"`
		NextCursor string                 `json:"next_cursor"`
	}
	var first eventPage
	require.NoError(t, json.Unmarshal(data, &first))
	require.Len(t, first.Items, 2)
	assert.Equal(t, "help_request_created", first.Items[0].Type)
	require.NotEmpty(t, first.NextCursor)

	res, data = doJSON(t, http.MethodGet, f.srv.URL+"/v0/events?limit=2&cursor="+first.NextCursor, nil, nil)
	require.Equal(t, http.StatusOK, res.StatusCode)
	var last eventPage
	require.NoError(t, json.Unmarshal(data, &last))
	require.Len(t, last.Items, 1)
	assert.Equal(t, "task_updated", last.Items[0].Type)
	assert.Equal(t, float64(1), last.Items[0].Payload["id"])
	assert.Empty(t, last.NextCursor)

	res, _ = doJSON(t, http.MethodGet, f.srv.URL+"/v0/events?cursor=abc", nil, nil)
	assert.Equal(t, http.StatusBadRequest, res.StatusCode)
}

func TestTokenGuard(t *testing.T) {
	f := newFixture(t, server.AuthConfig{Token: "s3cret"})

	res, _ := doJSON(t, http.MethodGet, f.srv.URL+"/v0/health", nil, nil)
	assert.Equal(t, http.StatusOK, res.StatusCode)

	res, data := doJSON(t, http.MethodGet, f.srv.URL+"/v0/tasks", nil, nil)
	assert.Equal(t, http.StatusUnauthorized, res.StatusCode)
	assert.Equal(t, "unauthorized", decodeError(t, data).Error.Code)

	res, data = doJSON(t, http.MethodGet, f.srv.URL+"/v0/tasks", nil, map[string]string{"Authorization": "Bearer nope"})
	assert.Equal(t, http.StatusUnauthorized, res.StatusCode)
	assert.Equal(t, "invalid_credentials", decodeError(t, data).Error.Code)

	res, _ = doJSON(t, http.MethodGet, f.srv.URL+"/metrics", nil, nil)
	assert.Equal(t, http.StatusUnauthorized, res.StatusCode)

	auth := map[string]string{"Authorization": "Bearer s3cret"}
	res, _ = doJSON(t, http.MethodGet, f.srv.URL+"/v0/tasks", nil, auth)
	assert.Equal(t, http.StatusOK, res.StatusCode)
	res, data = doJSON(t, http.MethodGet, f.srv.URL+"/metrics", nil, auth)
	assert.Equal(t, http.StatusOK, res.StatusCode)
	assert.Contains(t, string(data), "classboard_cache_entries")
}

func TestOpenAPIDocument(t *testing.T) {
	f := newFixture(t, server.AuthConfig{})
	res, data := doJSON(t, http.MethodGet, f.srv.URL+"/v0/openapi.json", nil, nil)
	require.Equal(t, http.StatusOK, res.StatusCode)
	var doc map[string]any
	require.NoError(t, json.Unmarshal(data, &doc))
	paths, ok := doc["paths"].(map[string]any)
	require.True(t, ok)
	assert.Contains(t, paths, "/v0/tasks/{id}/stage")
	assert.Contains(t, paths, "/v0/help-requests/{id}/resolve")

	res, _ = doJSON(t, http.MethodGet, f.srv.URL+"/docs", nil, nil)
	assert.Equal(t, http.StatusOK, res.StatusCode)
}
