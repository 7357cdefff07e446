package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"path"
	"strconv"
	"strings"

	"github.com/danielgtaylor/huma/v2"
	humachi "github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"

	"classboard/internal/cache"
	"classboard/internal/domain"
	"classboard/internal/engine"
	classboardsdk "classboard/sdk/go"
)

// StreamStatus reports the event stream connection.
type StreamStatus interface {
	State() domain.ConnState
	IsConnected() bool
}

// PollerStatus reports whether the fallback poller is running.
type PollerStatus interface {
	IsActive() bool
}

// UserSource returns the logged-in user.
type UserSource interface {
	User() (domain.User, bool)
}

// Journal lists recorded stream events, newest first.
type Journal interface {
	LatestEventsFrom(ctx context.Context, limit int, beforeID int64, evtType, entityKind, entityID string) ([]domain.Event, error)
}

// Config for the mirror HTTP handler.
type Config struct {
	Board    *engine.Board
	Stream   StreamStatus
	Poller   PollerStatus
	Users    UserSource
	Journal  Journal
	Metrics  http.Handler
	BasePath string
	Auth     AuthConfig
}

type apiErrorBody struct {
	Code    string         `json:"code" example:"not_found"`
	Message string         `json:"message" example:"task 42 not found"`
	Details map[string]any `json:"details,omitempty" jsonschema:"type=object,additionalProperties=true"`
}

// apiError models the error envelope.
type apiError struct {
	status int
	Body   apiErrorBody `json:"error"`
}

func (e *apiError) GetStatus() int { return e.status }
func (e *apiError) Error() string  { return e.Body.Message }

// New returns an HTTP handler mirroring the local board.
func New(cfg Config) (http.Handler, error) {
	if cfg.Board == nil {
		return nil, errors.New("server: board required")
	}
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
	router.Use(newAuthMiddleware(basePath, cfg.Auth))
	hcfg := huma.DefaultConfig("Classboard Mirror API", "0.1.0")
	hcfg.OpenAPIPath = "/openapi"
	hcfg.DocsPath = ""
	api := humachi.New(router, hcfg)
	group := huma.NewGroup(api, basePath)

	registerDocs(router, basePath)
	registerHealth(group)
	registerStatus(group, cfg)
	registerTasks(group, cfg.Board)
	registerHelpRequests(group, cfg.Board)
	if cfg.Journal != nil {
		registerEvents(group, cfg.Journal)
	}
	if cfg.Metrics != nil {
		router.Method(http.MethodGet, "/metrics", cfg.Metrics)
	}
	registerOpenAPI(router, api, basePath, cfg.Auth.Token != "")

	return router, nil
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
	var te *engine.TimeoutError
	if errors.As(err, &te) {
		return newAPIError(http.StatusGatewayTimeout, "timeout", err.Error(), map[string]any{"op": te.Op, "after": te.After.String()})
	}
	var ae *classboardsdk.APIError
	if errors.As(err, &ae) {
		details := map[string]any{"upstream_status": ae.StatusCode}
		if ae.RequestID != "" {
			details["request_id"] = ae.RequestID
		}
		status := ae.StatusCode
		if status < 400 || status > 599 {
			status = http.StatusBadGateway
		}
		msg := ae.Detail
		if msg == "" {
			msg = err.Error()
		}
		return newAPIError(status, "", msg, details)
	}
	switch {
	case errors.Is(err, domain.ErrInvalidStage):
		return newAPIError(http.StatusBadRequest, "invalid_stage", err.Error(), nil)
	case errors.Is(err, engine.ErrUnknownTask), errors.Is(err, cache.ErrNotFound):
		return newAPIError(http.StatusNotFound, "not_found", err.Error(), nil)
	case errors.Is(err, context.Canceled):
		return newAPIError(http.StatusServiceUnavailable, "canceled", err.Error(), nil)
	default:
		return newAPIError(http.StatusInternalServerError, "internal_error", "internal error", map[string]any{"error": err.Error()})
	}
}

func defaultCodeForStatus(status int) string {
	switch status {
	case http.StatusBadRequest:
		return "bad_request"
	case http.StatusUnauthorized:
		return "unauthorized"
	case http.StatusForbidden:
		return "forbidden"
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

func registerDocs(r chi.Router, basePath string) {
	r.Get("/docs", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		io.WriteString(w, swaggerHTML(basePath))
	})
}

func registerOpenAPI(r chi.Router, api huma.API, basePath string, secured bool) {
	var spec []byte
	specPath := path.Join(basePath, "openapi.json")
	r.Get(specPath, func(w http.ResponseWriter, r *http.Request) {
		if spec == nil {
			oas := api.OpenAPI()
			ensureDefaultErrorResponses(oas)
			if secured {
				applyAuthSecurity(oas, basePath)
			}
			spec, _ = json.Marshal(oas)
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write(spec)
	})
}

func ensureDefaultErrorResponses(oas *huma.OpenAPI) {
	if oas == nil || oas.Paths == nil {
		return
	}
	for _, item := range oas.Paths {
		for _, op := range []*huma.Operation{item.Get, item.Put, item.Post, item.Delete, item.Patch} {
			if op == nil {
				continue
			}
			if op.Responses == nil {
				op.Responses = map[string]*huma.Response{}
			}
			op.Responses["default"] = &huma.Response{
				Description: "Error",
				Content: map[string]*huma.MediaType{
					"application/json": {
						Schema: &huma.Schema{Ref: "#/components/schemas/ApiError"},
					},
				},
			}
		}
	}
}

func applyAuthSecurity(oas *huma.OpenAPI, basePath string) {
	if oas.Components == nil {
		oas.Components = &huma.Components{}
	}
	if oas.Components.SecuritySchemes == nil {
		oas.Components.SecuritySchemes = map[string]*huma.SecurityScheme{}
	}
	oas.Components.SecuritySchemes["bearerAuth"] = &huma.SecurityScheme{Type: "http", Scheme: "bearer"}
	security := []map[string][]string{{"bearerAuth": {}}}
	oas.Security = security
	healthPath := path.Join("/", basePath, "health")
	for route, item := range oas.Paths {
		for _, op := range []*huma.Operation{item.Get, item.Put, item.Post, item.Delete, item.Patch} {
			if op == nil {
				continue
			}
			if route == healthPath {
				op.Security = []map[string][]string{}
				continue
			}
			op.Security = security
		}
	}
}

func swaggerHTML(basePath string) string {
	specURL := path.Join("/", path.Join(basePath, "openapi.json"))
	return fmt.Sprintf(`<!doctype html>
<html lang="en">
  <head>
    <meta charset="utf-8"/>
    <meta name="viewport" content="width=device-width, initial-scale=1"/>
    <title>Classboard Mirror API Docs</title>
    <link rel="stylesheet" href="https://unpkg.com/swagger-ui-dist@5/swagger-ui.css" />
  </head>
  <body>
    <div id="swagger-ui"></div>
    <script src="https://unpkg.com/swagger-ui-dist@5/swagger-ui-bundle.js" crossorigin></script>
    <script>
      window.onload = () => {
        SwaggerUIBundle({
          url: '%s',
          dom_id: '#swagger-ui'
        });
      };
    </script>
  </body>
</html>`, specURL)
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

func registerStatus(api huma.API, cfg Config) {
	huma.Register(api, huma.Operation{
		OperationID: "status",
		Method:      http.MethodGet,
		Path:        "/status",
		Summary:     "Connection and cache status",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body StatusResponse `json:"body"`
	}, error) {
		res := StatusResponse{Connection: domain.ConnDisconnected}
		if cfg.Stream != nil {
			res.Connection = cfg.Stream.State()
			res.Connected = cfg.Stream.IsConnected()
		}
		if cfg.Poller != nil {
			res.Polling = cfg.Poller.IsActive()
		}
		if cfg.Users != nil {
			if u, ok := cfg.Users.User(); ok {
				res.User = &u
			}
		}
		for _, t := range cfg.Board.Tasks.List() {
			res.Tasks++
			if t.IsDelayed {
				res.DelayedTasks++
			}
		}
		for _, hr := range cfg.Board.HelpRequests.List() {
			res.HelpRequests++
			if !hr.Resolved {
				res.OpenRequests++
			}
		}
		return &struct {
			Body StatusResponse `json:"body"`
		}{Body: res}, nil
	})
}

type taskPath struct {
	ID int64 `path:"id"`
}

func registerTasks(api huma.API, b *engine.Board) {
	huma.Register(api, huma.Operation{
		OperationID: "list-tasks",
		Method:      http.MethodGet,
		Path:        "/tasks",
		Summary:     "List cached tasks",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		Stage   string `query:"stage"`
		Delayed string `query:"delayed" doc:"true or false"`
	}) (*struct {
		Body taskList `json:"body"`
	}, error) {
		delayed, err := optionalBool("delayed", input.Delayed)
		if err != nil {
			return nil, err
		}
		var stage domain.Stage
		if input.Stage != "" {
			st, err := domain.ParseStage(input.Stage)
			if err != nil {
				return nil, handleError(err)
			}
			stage = st
		}
		res := taskList{Items: []domain.Task{}}
		for _, t := range b.Tasks.List() {
			if stage != "" && t.Stage != stage {
				continue
			}
			if delayed != nil && t.IsDelayed != *delayed {
				continue
			}
			res.Items = append(res.Items, t)
		}
		return &struct {
			Body taskList `json:"body"`
		}{Body: res}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-task",
		Method:      http.MethodGet,
		Path:        "/tasks/{id}",
		Summary:     "Get a cached task",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *taskPath) (*struct {
		Body domain.Task `json:"body"`
	}, error) {
		t, ok := b.Tasks.Get(input.ID)
		if !ok {
			return nil, newAPIError(http.StatusNotFound, "not_found", fmt.Sprintf("task %d not found", input.ID), nil)
		}
		return &struct {
			Body domain.Task `json:"body"`
		}{Body: t}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "move-task-stage",
		Method:      http.MethodPost,
		Path:        "/tasks/{id}/stage",
		Summary:     "Move a task to another stage",
		Errors:      []int{http.StatusBadRequest, http.StatusNotFound, http.StatusGatewayTimeout},
	}, func(ctx context.Context, input *struct {
		ID   int64            `path:"id"`
		Body MoveStageRequest `json:"body"`
	}) (*struct {
		Body domain.Task `json:"body"`
	}, error) {
		stage, err := domain.ParseStage(input.Body.Stage)
		if err != nil {
			return nil, handleError(err)
		}
		t, err := b.MoveStage(ctx, input.ID, stage, input.Body.Comment)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Task `json:"body"`
		}{Body: t}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "request-task-help",
		Method:      http.MethodPost,
		Path:        "/tasks/{id}/help",
		Summary:     "Flag a task as needing help",
		Errors:      []int{http.StatusNotFound, http.StatusGatewayTimeout},
	}, func(ctx context.Context, input *struct {
		ID   int64              `path:"id"`
		Body HelpMessageRequest `json:"body"`
	}) (*struct {
		Body domain.Task `json:"body"`
	}, error) {
		t, err := b.RequestHelp(ctx, input.ID, input.Body.Message)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Task `json:"body"`
		}{Body: t}, nil
	})
}

func registerHelpRequests(api huma.API, b *engine.Board) {
	huma.Register(api, huma.Operation{
		OperationID: "list-help-requests",
		Method:      http.MethodGet,
		Path:        "/help-requests",
		Summary:     "List cached help requests",
	}, func(ctx context.Context, input *struct {
		Resolved string `query:"resolved" doc:"true or false"`
	}) (*struct {
		Body helpRequestList `json:"body"`
	}, error) {
		resolved, err := optionalBool("resolved", input.Resolved)
		if err != nil {
			return nil, err
		}
		res := helpRequestList{Items: []domain.HelpRequest{}}
		for _, hr := range b.HelpRequests.List() {
			if resolved != nil && hr.Resolved != *resolved {
				continue
			}
			res.Items = append(res.Items, hr)
		}
		return &struct {
			Body helpRequestList `json:"body"`
		}{Body: res}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "resolve-help-request",
		Method:      http.MethodPost,
		Path:        "/help-requests/{id}/resolve",
		Summary:     "Resolve a help request",
		Errors:      []int{http.StatusNotFound, http.StatusGatewayTimeout},
	}, func(ctx context.Context, input *struct {
		ID   int64              `path:"id"`
		Body HelpMessageRequest `json:"body"`
	}) (*struct {
		Body domain.HelpRequest `json:"body"`
	}, error) {
		hr, err := b.ResolveHelpRequest(ctx, input.ID, input.Body.Message)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.HelpRequest `json:"body"`
		}{Body: hr}, nil
	})
}

func registerEvents(api huma.API, j Journal) {
	huma.Register(api, huma.Operation{
		OperationID: "list-events",
		Method:      http.MethodGet,
		Path:        "/events",
		Summary:     "List recorded stream events",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		Type       string `query:"type"`
		EntityKind string `query:"entity_kind"`
		EntityID   string `query:"entity_id"`
		Limit      int    `query:"limit" default:"50"`
		Cursor     string `query:"cursor"`
	}) (*struct {
		Body paginatedEvents `json:"body"`
	}, error) {
		limit := normalizeLimit(input.Limit)
		var cursorID int64
		if input.Cursor != "" {
			parsed, err := strconv.ParseInt(input.Cursor, 10, 64)
			if err != nil || parsed <= 0 {
				return nil, newAPIError(http.StatusBadRequest, "bad_request", "invalid cursor", map[string]any{"cursor": input.Cursor})
			}
			cursorID = parsed
		}
		items, err := j.LatestEventsFrom(ctx, limit+1, cursorID, input.Type, input.EntityKind, input.EntityID)
		if err != nil {
			return nil, handleError(err)
		}
		resp := paginatedEvents{Items: []EventResponse{}}
		if len(items) > limit {
			resp.NextCursor = fmt.Sprintf("%d", items[limit].ID)
			items = items[:limit]
		}
		for _, evt := range items {
			resp.Items = append(resp.Items, eventResponse(evt))
		}
		return &struct {
			Body paginatedEvents `json:"body"`
		}{Body: resp}, nil
	})
}

func optionalBool(name, raw string) (*bool, huma.StatusError) {
	if raw == "" {
		return nil, nil
	}
	v, err := strconv.ParseBool(raw)
	if err != nil {
		return nil, newAPIError(http.StatusBadRequest, "bad_request", "invalid "+name, map[string]any{name: raw})
	}
	return &v, nil
}

func normalizeLimit(in int) int {
	if in <= 0 {
		return 50
	}
	if in > 200 {
		return 200
	}
	return in
}
