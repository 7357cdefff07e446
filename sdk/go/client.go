package classboardsdk

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"classboard/internal/domain"
)

// TokenSource supplies the bearer credential for each request.
type TokenSource interface {
	Token() (string, bool)
}

// Client is a minimal classboard HTTP API client.
type Client struct {
	BaseURL     string
	BearerToken string
	Tokens      TokenSource
	HTTPClient  *http.Client
	// Limiter throttles outgoing requests when set.
	Limiter *rate.Limiter
}

const defaultTimeout = 10 * time.Second

// New creates a client with sane defaults. The client is safe for
// concurrent use once configured.
func New(baseURL string, tokens TokenSource) *Client {
	return &Client{
		BaseURL:    baseURL,
		Tokens:     tokens,
		HTTPClient: &http.Client{Timeout: defaultTimeout},
	}
}

// WithRateLimit throttles the client to rps requests per second.
func (c *Client) WithRateLimit(rps float64, burst int) *Client {
	if rps > 0 {
		if burst <= 0 {
			burst = 1
		}
		c.Limiter = rate.NewLimiter(rate.Limit(rps), burst)
	}
	return c
}

// Token is the /auth/token response.
type Token struct {
	AccessToken string `json:"access_token"`
	TokenType   string `json:"token_type"`
}

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Body       string
	Detail     string
	RequestID  string
}

func (e *APIError) Error() string {
	if e.Detail != "" {
		return fmt.Sprintf("api error: status=%d detail=%s", e.StatusCode, e.Detail)
	}
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// IsUnauthorized reports whether err is a 401 from the API.
func IsUnauthorized(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusUnauthorized
}

// StageChange is the body of PUT /tasks/{id}/stage.
type StageChange struct {
	Stage   domain.Stage `json:"stage"`
	Comment *string      `json:"comment,omitempty"`
}

// NewTask is the body of POST /tasks/.
type NewTask struct {
	Title        string       `json:"title"`
	Description  *string      `json:"description,omitempty"`
	Stage        domain.Stage `json:"stage,omitempty"`
	ExpectedTime *int         `json:"expected_time,omitempty"`
}

// Login exchanges credentials for a bearer token.
func (c *Client) Login(ctx context.Context, username, password string) (Token, error) {
	form := url.Values{}
	form.Set("username", username)
	form.Set("password", password)
	var resp Token
	err := c.send(ctx, http.MethodPost, "auth/token", "application/x-www-form-urlencoded",
		strings.NewReader(form.Encode()), false, &resp)
	if err == nil && resp.AccessToken == "" {
		err = fmt.Errorf("login response carried no access_token")
	}
	return resp, err
}

// Me returns the profile of the authenticated user.
func (c *Client) Me(ctx context.Context) (domain.User, error) {
	var resp domain.User
	err := c.do(ctx, http.MethodGet, "users/me", nil, &resp)
	return resp, err
}

// Tasks lists tasks visible to the current user.
func (c *Client) Tasks(ctx context.Context) ([]domain.Task, error) {
	var resp []domain.Task
	err := c.do(ctx, http.MethodGet, "tasks/", nil, &resp)
	return resp, err
}

// Task fetches one task.
func (c *Client) Task(ctx context.Context, id int64) (domain.Task, error) {
	var resp domain.Task
	err := c.do(ctx, http.MethodGet, fmt.Sprintf("tasks/%d", id), nil, &resp)
	return resp, err
}

// CreateTask creates a task owned by the current user.
func (c *Client) CreateTask(ctx context.Context, t NewTask) (domain.Task, error) {
	var resp domain.Task
	err := c.do(ctx, http.MethodPost, "tasks/", t, &resp)
	return resp, err
}

// MoveStage moves a task to another stage. The response body is not a task;
// callers re-fetch the task for the authoritative snapshot.
func (c *Client) MoveStage(ctx context.Context, id int64, stage domain.Stage, comment string) error {
	body := StageChange{Stage: stage}
	if comment != "" {
		body.Comment = &comment
	}
	return c.do(ctx, http.MethodPut, fmt.Sprintf("tasks/%d/stage", id), body, nil)
}

// RequestHelp flags a task as needing help.
func (c *Client) RequestHelp(ctx context.Context, id int64, message string) error {
	body := map[string]any{}
	if message != "" {
		body["message"] = message
	}
	return c.do(ctx, http.MethodPost, fmt.Sprintf("tasks/%d/help-request", id), body, nil)
}

// DeleteTask removes a task.
func (c *Client) DeleteTask(ctx context.Context, id int64) error {
	return c.do(ctx, http.MethodDelete, fmt.Sprintf("tasks/%d", id), nil, nil)
}

// HelpRequests lists help requests, optionally filtered by resolution.
func (c *Client) HelpRequests(ctx context.Context, resolved *bool) ([]domain.HelpRequest, error) {
	endpoint := "help-requests/"
	if resolved != nil {
		endpoint = fmt.Sprintf("%s?resolved=%t", endpoint, *resolved)
	}
	var resp []domain.HelpRequest
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// HelpRequest fetches one help request.
func (c *Client) HelpRequest(ctx context.Context, id int64) (domain.HelpRequest, error) {
	var resp domain.HelpRequest
	err := c.do(ctx, http.MethodGet, fmt.Sprintf("help-requests/%d", id), nil, &resp)
	return resp, err
}

// CreateHelpRequest opens a help request for a task.
func (c *Client) CreateHelpRequest(ctx context.Context, taskID int64, message string) (domain.HelpRequest, error) {
	body := map[string]any{"task_id": taskID}
	if message != "" {
		body["message"] = message
	}
	var resp domain.HelpRequest
	err := c.do(ctx, http.MethodPost, "help-requests/", body, &resp)
	return resp, err
}

// ResolveHelpRequest resolves a help request. Servers that only route POST
// for this endpoint answer PUT with 405; the call is retried as POST then.
func (c *Client) ResolveHelpRequest(ctx context.Context, id int64, message string) (domain.HelpRequest, error) {
	body := map[string]any{}
	if message != "" {
		body["resolution_message"] = message
	}
	endpoint := fmt.Sprintf("help-requests/%d/resolve", id)
	var resp domain.HelpRequest
	err := c.do(ctx, http.MethodPut, endpoint, body, &resp)
	var apiErr *APIError
	if errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusMethodNotAllowed {
		resp = domain.HelpRequest{}
		err = c.do(ctx, http.MethodPost, endpoint, body, &resp)
	}
	return resp, err
}

// Users lists all users (admin).
func (c *Client) Users(ctx context.Context) ([]domain.User, error) {
	var resp []domain.User
	err := c.do(ctx, http.MethodGet, "admin/users", nil, &resp)
	return resp, err
}

// Classes lists classes (admin).
func (c *Client) Classes(ctx context.Context) ([]domain.Class, error) {
	var resp []domain.Class
	err := c.do(ctx, http.MethodGet, "admin/classes", nil, &resp)
	return resp, err
}

// PendingTeachers lists teacher accounts awaiting approval (admin).
func (c *Client) PendingTeachers(ctx context.Context) ([]domain.User, error) {
	var resp []domain.User
	err := c.do(ctx, http.MethodGet, "admin/teachers/pending", nil, &resp)
	return resp, err
}

// ApproveTeacher approves a pending teacher (admin).
func (c *Client) ApproveTeacher(ctx context.Context, userID int64) error {
	return c.do(ctx, http.MethodPost, fmt.Sprintf("admin/teachers/%d/approve", userID), nil, nil)
}

// RejectTeacher rejects a pending teacher (admin).
func (c *Client) RejectTeacher(ctx context.Context, userID int64) error {
	return c.do(ctx, http.MethodPost, fmt.Sprintf("admin/teachers/%d/reject", userID), nil, nil)
}

// StatsOverview returns platform-wide counters (admin).
func (c *Client) StatsOverview(ctx context.Context) (domain.StatsOverview, error) {
	var resp domain.StatsOverview
	err := c.do(ctx, http.MethodGet, "admin/stats/overview", nil, &resp)
	return resp, err
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	return c.send(ctx, method, endpoint, "application/json", &buf, true, out)
}

func (c *Client) send(ctx context.Context, method, endpoint, contentType string, body io.Reader, auth bool, out any) error {
	hc := c.HTTPClient
	if hc == nil {
		hc = http.DefaultClient
	}
	if c.Limiter != nil {
		if err := c.Limiter.Wait(ctx); err != nil {
			return err
		}
	}
	url := c.base() + "/" + strings.TrimLeft(endpoint, "/")
	req, err := http.NewRequestWithContext(ctx, method, url, body)
	if err != nil {
		return err
	}
	requestID := uuid.NewString()
	req.Header.Set("Content-Type", contentType)
	req.Header.Set("Accept", "application/json")
	req.Header.Set("X-Request-ID", requestID)
	if auth {
		if token := c.token(); token != "" {
			req.Header.Set("Authorization", "Bearer "+token)
		}
	}
	resp, err := hc.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
		return &APIError{StatusCode: resp.StatusCode, Body: string(b), Detail: detail(b), RequestID: requestID}
	}
	if out != nil && resp.StatusCode != http.StatusNoContent {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func (c *Client) token() string {
	if c.BearerToken != "" {
		return c.BearerToken
	}
	if c.Tokens != nil {
		if token, ok := c.Tokens.Token(); ok {
			return token
		}
	}
	return ""
}

// detail extracts the server's {"detail": "..."} message when present.
func detail(body []byte) string {
	var env struct {
		Detail json.RawMessage `json:"detail"`
	}
	if json.Unmarshal(body, &env) != nil || len(env.Detail) == 0 {
		return ""
	}
	var s string
	if json.Unmarshal(env.Detail, &s) == nil {
		return s
	}
	return string(env.Detail)
}

func (c *Client) base() string {
	return strings.TrimRight(c.BaseURL, "/")
}
