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
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"stride/internal/coach"
	"stride/internal/domain"
	"stride/internal/engine"
	"stride/internal/llm"
	"stride/internal/logging"
	"stride/internal/repo"
	"stride/internal/stream"
)

// Config for the HTTP API handler.
type Config struct {
	Coach    *coach.Coach
	BasePath string
	Auth     AuthConfig
	Logger   *zap.Logger
}

type apiErrorBody struct {
	Code    string         `json:"code" example:"invalid_transition"`
	Message string         `json:"message" example:"cannot restart while companion"`
	Details map[string]any `json:"details,omitempty" jsonschema:"type=object,additionalProperties=true" example:"{\"from\":\"companion\"}"`
}

// apiError models the required error envelope.
type apiError struct {
	status int
	Body   apiErrorBody `json:"error"`
}

func (e *apiError) GetStatus() int { return e.status }
func (e *apiError) Error() string  { return e.Body.Message }

// New returns an HTTP handler exposing the stride API.
func New(cfg Config) (http.Handler, error) {
	if cfg.Coach == nil {
		return nil, errors.New("server: coach is required")
	}
	basePath := cfg.BasePath
	if basePath == "" {
		basePath = "/v1"
	}
	if !strings.HasPrefix(basePath, "/") {
		basePath = "/" + basePath
	}
	logger := logging.OrNop(cfg.Logger).Named("http")
	if cfg.Auth.Logger == nil {
		cfg.Auth.Logger = logger
	}
	if cfg.Auth.APIKeys == nil {
		cfg.Auth.APIKeys = cfg.Coach.Engine
	}
	huma.DefaultArrayNullable = false
	// Override Huma errors to use the envelope.
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
	router.Use(middleware.RequestID)
	router.Use(middleware.Recoverer)
	router.Use(requestLogger(logger))
	router.Use(newAuthMiddleware(basePath, cfg.Auth))
	hcfg := huma.DefaultConfig("Stride API", "0.1.0")
	hcfg.OpenAPIPath = "/openapi"
	hcfg.DocsPath = "" // custom Swagger UI below
	api := humachi.New(router, hcfg)
	group := huma.NewGroup(api, basePath)

	c := cfg.Coach
	registerDocs(router, basePath)
	registerHealth(group)
	registerSessions(group, c)
	registerTurns(group, c)
	registerTurnStream(group, c)
	registerCheckin(group, c)
	registerGoals(group, c.Engine)
	registerTasks(group, c)
	registerEvents(group, c.Engine)
	registerMe(group)
	registerSessionStream(group, c.Engine)
	registerOpenAPI(router, api, basePath)

	return router, nil
}

func requestLogger(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(ww, r)
			logger.Debug("request",
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", ww.Status()),
				zap.String("request_id", middleware.GetReqID(r.Context())),
			)
		})
	}
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
	var se huma.StatusError
	if errors.As(err, &se) {
		return se
	}
	var te *coach.TransitionError
	if errors.As(err, &te) {
		return newAPIError(http.StatusConflict, "invalid_transition", err.Error(), map[string]any{
			"from":    te.From,
			"trigger": te.Trigger,
		})
	}
	var he *llm.HTTPError
	if errors.As(err, &he) {
		return newAPIError(http.StatusBadGateway, "upstream_error", err.Error(), map[string]any{
			"transport": he.Transport,
			"status":    he.Status,
		})
	}
	var tre *llm.TransportError
	if errors.As(err, &tre) || errors.Is(err, stream.ErrEmptyResponse) {
		return newAPIError(http.StatusBadGateway, "upstream_unavailable", err.Error(), nil)
	}
	switch {
	case errors.Is(err, engine.ErrNoActiveGoal):
		return newAPIError(http.StatusNotFound, "no_active_goal", err.Error(), nil)
	case errors.Is(err, engine.ErrNoTaskToday):
		return newAPIError(http.StatusNotFound, "no_task_today", err.Error(), nil)
	case errors.Is(err, engine.ErrForeignTask):
		return newAPIError(http.StatusConflict, "task_not_in_session", err.Error(), nil)
	case errors.Is(err, repo.ErrNotFound):
		return newAPIError(http.StatusNotFound, "not_found", err.Error(), nil)
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return newAPIError(http.StatusServiceUnavailable, "canceled", err.Error(), nil)
	}
	msg := err.Error()
	lowered := strings.ToLower(msg)
	if strings.Contains(lowered, "invalid") || strings.Contains(lowered, "required") {
		return newAPIError(http.StatusBadRequest, "bad_request", msg, nil)
	}
	return newAPIError(http.StatusInternalServerError, "internal_error", "internal error", map[string]any{"error": msg})
}

func defaultCodeForStatus(status int) string {
	switch status {
	case http.StatusBadRequest:
		return "bad_request"
	case http.StatusUnauthorized:
		return "unauthorized"
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
	r.Get(path.Join(basePath, "docs"), func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		io.WriteString(w, swaggerHTML(basePath))
	})
}

func registerOpenAPI(r chi.Router, api huma.API, basePath string) {
	var spec []byte
	specPath := path.Join(basePath, "openapi.json")
	r.Get(specPath, func(w http.ResponseWriter, r *http.Request) {
		if spec == nil {
			oas := api.OpenAPI()
			ensureDefaultErrorResponses(oas)
			applyAuthSecurity(oas, basePath)
			spec, _ = json.Marshal(oas)
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write(spec)
	})
}

func operations(item *huma.PathItem) []*huma.Operation {
	return []*huma.Operation{
		item.Get, item.Put, item.Post, item.Delete, item.Options, item.Head, item.Patch, item.Trace,
	}
}

func ensureDefaultErrorResponses(oas *huma.OpenAPI) {
	if oas == nil || oas.Paths == nil {
		return
	}
	for _, item := range oas.Paths {
		for _, op := range operations(item) {
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
	if oas == nil {
		return
	}
	if oas.Components == nil {
		oas.Components = &huma.Components{}
	}
	if oas.Components.SecuritySchemes == nil {
		oas.Components.SecuritySchemes = map[string]*huma.SecurityScheme{}
	}
	oas.Components.SecuritySchemes["bearerAuth"] = &huma.SecurityScheme{
		Type:         "http",
		Scheme:       "bearer",
		BearerFormat: "JWT",
	}
	oas.Components.SecuritySchemes["apiKeyAuth"] = &huma.SecurityScheme{
		Type: "apiKey",
		In:   "header",
		Name: "X-Api-Key",
	}
	security := []map[string][]string{{"bearerAuth": {}}, {"apiKeyAuth": {}}}
	oas.Security = security
	healthPath := path.Join("/", basePath, "health")
	for route, item := range oas.Paths {
		for _, op := range operations(item) {
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
    <title>Stride API Docs</title>
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

func registerMe(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "whoami",
		Method:      http.MethodGet,
		Path:        "/me",
		Summary:     "The actor recorded on events for this caller",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body WhoAmIResponse `json:"body"`
	}, error) {
		resp := WhoAmIResponse{ActorID: engine.ActorFrom(ctx), Source: "default"}
		if p, ok := principalFromContext(ctx); ok {
			resp.Source = p.Source
		}
		return &struct {
			Body WhoAmIResponse `json:"body"`
		}{Body: resp}, nil
	})
}

type sessionPath struct {
	SessionID string `path:"session_id" minLength:"1" maxLength:"128"`
}

func registerSessions(api huma.API, c *coach.Coach) {
	huma.Register(api, huma.Operation{
		OperationID: "get-session",
		Method:      http.MethodGet,
		Path:        "/sessions/{session_id}",
		Summary:     "Session state and recent history",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		sessionPath
		Limit int `query:"limit" default:"50" minimum:"0" maximum:"500"`
	}) (*struct {
		Body SessionResponse `json:"body"`
	}, error) {
		s, err := c.Engine.GetSession(ctx, input.SessionID)
		if err != nil {
			return nil, handleError(err)
		}
		msgs, err := c.Engine.Messages(ctx, s.ID, input.Limit)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body SessionResponse `json:"body"`
		}{Body: sessionResponse(s, msgs)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "restart-session",
		Method:      http.MethodPost,
		Path:        "/sessions/{session_id}/restart",
		Summary:     "Start a new cycle after a completed goal",
		Errors:      []int{http.StatusNotFound, http.StatusConflict},
	}, func(ctx context.Context, input *sessionPath) (*struct {
		Body SessionResponse `json:"body"`
	}, error) {
		s, err := c.Restart(ctx, input.SessionID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body SessionResponse `json:"body"`
		}{Body: sessionResponse(s, nil)}, nil
	})
}

func registerTurns(api huma.API, c *coach.Coach) {
	huma.Register(api, huma.Operation{
		OperationID: "create-turn",
		Method:      http.MethodPost,
		Path:        "/sessions/{session_id}/turns",
		Summary:     "Send a message and apply the coach's reply",
		Errors:      []int{http.StatusBadRequest, http.StatusBadGateway},
	}, func(ctx context.Context, input *struct {
		sessionPath
		Body TurnRequest
	}) (*struct {
		Body coach.TurnResult `json:"body"`
	}, error) {
		res, err := c.HandleTurn(ctx, input.SessionID, input.Body.Message, nil)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body coach.TurnResult `json:"body"`
		}{Body: res}, nil
	})
}

func registerCheckin(api huma.API, c *coach.Coach) {
	huma.Register(api, huma.Operation{
		OperationID: "checkin",
		Method:      http.MethodGet,
		Path:        "/sessions/{session_id}/checkin",
		Summary:     "Today's task with an encouragement",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *sessionPath) (*struct {
		Body coach.Checkin `json:"body"`
	}, error) {
		out, err := c.Checkin(ctx, input.SessionID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body coach.Checkin `json:"body"`
		}{Body: out}, nil
	})
}

func registerGoals(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-goals",
		Method:      http.MethodGet,
		Path:        "/goals",
		Summary:     "List goals, newest first",
	}, func(ctx context.Context, input *struct {
		IncludeArchived bool `query:"include_archived"`
		Completed       bool `query:"completed"`
		Limit           int  `query:"limit" default:"50"`
	}) (*struct {
		Body paginatedGoals `json:"body"`
	}, error) {
		items, err := e.ListGoals(ctx, repo.GoalFilters{
			IncludeArchived: input.IncludeArchived || input.Completed,
			CompletedOnly:   input.Completed,
			Limit:           normalizeLimit(input.Limit),
		})
		if err != nil {
			return nil, handleError(err)
		}
		if items == nil {
			items = []domain.Goal{}
		}
		return &struct {
			Body paginatedGoals `json:"body"`
		}{Body: paginatedGoals{Items: items}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "active-goal",
		Method:      http.MethodGet,
		Path:        "/goals/active",
		Summary:     "The active goal with its phases and daily tasks",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body domain.Goal `json:"body"`
	}, error) {
		g, err := e.ActiveGoal(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Goal `json:"body"`
		}{Body: g}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-goal",
		Method:      http.MethodGet,
		Path:        "/goals/{goal_id}",
		Summary:     "Get a goal",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		GoalID string `path:"goal_id"`
	}) (*struct {
		Body domain.Goal `json:"body"`
	}, error) {
		g, err := e.GetGoal(ctx, input.GoalID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Goal `json:"body"`
		}{Body: g}, nil
	})
}

func registerTasks(api huma.API, c *coach.Coach) {
	huma.Register(api, huma.Operation{
		OperationID: "complete-task",
		Method:      http.MethodPost,
		Path:        "/sessions/{session_id}/tasks/{task_id}/complete",
		Summary:     "Check off a daily task",
		Errors:      []int{http.StatusNotFound, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		sessionPath
		TaskID string `path:"task_id"`
	}) (*struct {
		Body TaskCompletionResponse `json:"body"`
	}, error) {
		res, err := c.CompleteTask(ctx, input.SessionID, input.TaskID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body TaskCompletionResponse `json:"body"`
		}{Body: taskCompletionResponse(res)}, nil
	})
}

func registerEvents(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-events",
		Method:      http.MethodGet,
		Path:        "/events",
		Summary:     "List recent events",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		SessionID  string `query:"session_id"`
		Type       string `query:"type"`
		EntityKind string `query:"entity_kind" enum:"session,goal,daily_task,api_key"`
		EntityID   string `query:"entity_id"`
		Limit      int    `query:"limit" default:"50"`
		Cursor     string `query:"cursor"`
	}) (*struct {
		Body paginatedEvents `json:"body"`
	}, error) {
		limit := normalizeLimit(input.Limit)
		var before int64
		if input.Cursor != "" {
			parsed, err := strconv.ParseInt(input.Cursor, 10, 64)
			if err != nil || parsed <= 0 {
				return nil, newAPIError(http.StatusBadRequest, "bad_request", "invalid cursor", map[string]any{"cursor": input.Cursor})
			}
			before = parsed
		}
		items, err := e.LatestEvents(ctx, repo.EventFilters{
			SessionID:  input.SessionID,
			Type:       input.Type,
			EntityKind: input.EntityKind,
			EntityID:   input.EntityID,
			Before:     before,
			Limit:      limit + 1,
		})
		if err != nil {
			return nil, handleError(err)
		}
		resp := paginatedEvents{Items: []EventResponse{}}
		if len(items) > limit {
			items = items[:limit]
			resp.NextCursor = strconv.FormatInt(items[limit-1].ID, 10)
		}
		for _, evt := range items {
			resp.Items = append(resp.Items, eventResponse(evt))
		}
		return &struct {
			Body paginatedEvents `json:"body"`
		}{Body: resp}, nil
	})
}

func normalizeLimit(in int) int {
	switch {
	case in <= 0:
		return 50
	case in > 500:
		return 500
	default:
		return in
	}
}
