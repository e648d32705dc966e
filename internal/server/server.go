package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"path"
	"strings"

	"github.com/danielgtaylor/huma/v2"
	humachi "github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"

	"flowline/internal/automation"
	"flowline/internal/domain"
	"flowline/internal/engine"
	"flowline/internal/repo"
)

// Config for the HTTP API handler.
type Config struct {
	Engine   engine.Engine
	BasePath string
	Auth     AuthConfig
}

type apiErrorBody struct {
	Code    string         `json:"code" example:"not_found"`
	Message string         `json:"message" example:"task t-1 not found"`
	Details map[string]any `json:"details,omitempty" jsonschema:"type=object,additionalProperties=true"`
}

type requestKey struct{}
type bodyBytesKey struct{}

// apiError models the error envelope.
type apiError struct {
	status int
	Body   apiErrorBody `json:"error"`
}

func (e *apiError) GetStatus() int { return e.status }
func (e *apiError) Error() string  { return e.Body.Message }

// New returns an HTTP handler exposing the Flowline API.
func New(cfg Config) (http.Handler, error) {
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
	router.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			bodyBytes, _ := io.ReadAll(r.Body)
			r.Body = io.NopCloser(bytes.NewBuffer(bodyBytes))
			ctx := context.WithValue(r.Context(), requestKey{}, r)
			ctx = context.WithValue(ctx, bodyBytesKey{}, bodyBytes)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	})
	router.Use(newAuthMiddleware(basePath, cfg.Auth, cfg.Engine.Repo))
	hcfg := huma.DefaultConfig("Flowline API", "0.1.0")
	hcfg.OpenAPIPath = "/openapi"
	hcfg.DocsPath = "" // custom Swagger UI below
	api := humachi.New(router, hcfg)
	group := huma.NewGroup(api, basePath)

	registerDocs(router, basePath)
	registerHealth(group)
	registerWorkspaces(group, cfg.Engine)
	registerMembers(group, cfg.Engine)
	registerLabels(group, cfg.Engine)
	registerTasks(group, cfg.Engine)
	registerRules(group, cfg.Engine)
	registerActivities(group, cfg.Engine)
	registerNotifications(group, cfg.Engine)
	registerMe(group, cfg.Engine)
	registerDevAuth(group, cfg.Auth)
	registerOpenAPI(router, api, basePath)

	startNotifier(cfg.Engine)

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
	var fe ForbiddenError
	if errors.As(err, &fe) {
		return newAPIError(http.StatusForbidden, "forbidden", err.Error(), map[string]any{"role": fe.Role})
	}
	var nf automation.TargetNotFoundError
	if errors.As(err, &nf) {
		return newAPIError(http.StatusNotFound, "not_found", err.Error(), map[string]any{"kind": nf.Kind})
	}
	if errors.Is(err, repo.ErrNotFound) {
		return newAPIError(http.StatusNotFound, "not_found", err.Error(), nil)
	}
	msg := err.Error()
	lowered := strings.ToLower(msg)
	switch {
	case strings.Contains(lowered, "limit") && strings.Contains(lowered, "reached"):
		return newAPIError(http.StatusUnprocessableEntity, "rule_limit_reached", msg, nil)
	case strings.Contains(lowered, "unique constraint"):
		return newAPIError(http.StatusConflict, "conflict", msg, nil)
	case strings.Contains(lowered, "invalid") || strings.Contains(lowered, "missing") || strings.Contains(lowered, "required") || strings.Contains(lowered, "cannot be empty"):
		return newAPIError(http.StatusBadRequest, "bad_request", msg, nil)
	default:
		return newAPIError(http.StatusInternalServerError, "internal_error", "internal error", map[string]any{"error": msg})
	}
}

func defaultCodeForStatus(status int) string {
	switch status {
	case http.StatusBadRequest:
		return "bad_request"
	case http.StatusNotFound:
		return "not_found"
	case http.StatusConflict:
		return "conflict"
	case http.StatusUnprocessableEntity:
		return "validation_failed"
	case http.StatusForbidden:
		return "forbidden"
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

func registerOpenAPI(r chi.Router, api huma.API, basePath string) {
	var spec []byte
	specPath := path.Join(basePath, "openapi.json")
	r.Get(specPath, func(w http.ResponseWriter, r *http.Request) {
		if spec == nil {
			oas := api.OpenAPI()
			applyAuthSecurity(oas, basePath)
			spec, _ = json.Marshal(oas)
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write(spec)
	})
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
	security := []map[string][]string{
		{"bearerAuth": {}},
		{"apiKeyAuth": {}},
	}
	oas.Security = security
	open := map[string]struct{}{
		path.Join(basePath, "health"):         {},
		path.Join(basePath, "auth/dev/login"): {},
	}
	for route, item := range oas.Paths {
		for _, op := range []*huma.Operation{
			item.Get, item.Put, item.Post, item.Delete, item.Options, item.Head, item.Patch, item.Trace,
		} {
			if op == nil {
				continue
			}
			if _, ok := open[route]; ok {
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
    <title>Flowline API Docs</title>
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
    <p style="padding: 1rem; font-family: sans-serif; color: #444;">
      Authenticate with Authorization: Bearer &lt;token&gt; or X-Api-Key.
    </p>
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

func registerWorkspaces(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-workspace",
		Method:        http.MethodPost,
		Path:          "/workspaces",
		Summary:       "Create workspace",
		DefaultStatus: http.StatusCreated,
		Errors: []int{
			http.StatusBadRequest,
			http.StatusConflict,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		Body CreateWorkspaceRequest `json:"body"`
	}) (*struct {
		Body WorkspaceResponse `json:"body"`
	}, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		if input.Body.ID == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "id is required", nil)
		}
		userID, authErr := userIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		desc := ""
		if input.Body.Description != nil {
			desc = *input.Body.Description
		}
		w, err := e.InitWorkspace(ctx, input.Body.ID, input.Body.Name, desc, userID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body WorkspaceResponse `json:"body"`
		}{Body: workspaceResponse(w)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-workspaces",
		Method:      http.MethodGet,
		Path:        "/workspaces",
		Summary:     "List workspaces",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body []WorkspaceResponse `json:"body"`
	}, error) {
		if _, authErr := userIDFromContext(ctx); authErr != nil {
			return nil, authErr
		}
		items, err := e.Repo.ListWorkspaces(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []WorkspaceResponse `json:"body"`
		}{Body: mapWorkspaces(items)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-workspace",
		Method:      http.MethodGet,
		Path:        "/workspaces/{workspace_id}",
		Summary:     "Get workspace",
		Errors:      []int{http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		WorkspaceID string `path:"workspace_id"`
	}) (*struct {
		Body WorkspaceResponse `json:"body"`
	}, error) {
		if _, authErr := requireRole(ctx, e, input.WorkspaceID, "viewer"); authErr != nil {
			return nil, authErr
		}
		w, err := e.Repo.GetWorkspace(ctx, input.WorkspaceID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body WorkspaceResponse `json:"body"`
		}{Body: workspaceResponse(w)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "update-workspace",
		Method:      http.MethodPatch,
		Path:        "/workspaces/{workspace_id}",
		Summary:     "Update workspace",
		Errors:      []int{http.StatusBadRequest, http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		WorkspaceID string                 `path:"workspace_id"`
		Body        UpdateWorkspaceRequest `json:"body"`
	}) (*struct {
		Body WorkspaceResponse `json:"body"`
	}, error) {
		if _, authErr := requireRole(ctx, e, input.WorkspaceID, "admin"); authErr != nil {
			return nil, authErr
		}
		w, err := e.Repo.GetWorkspace(ctx, input.WorkspaceID)
		if err != nil {
			return nil, handleError(err)
		}
		name := w.Name
		if input.Body.Name != nil {
			name = *input.Body.Name
		}
		desc := input.Body.Description
		if desc == nil {
			desc = &w.Description
		}
		status := w.Status
		if input.Body.Status != nil {
			status = *input.Body.Status
		}
		if err := e.Repo.UpdateWorkspace(ctx, input.WorkspaceID, name, status, desc); err != nil {
			return nil, handleError(err)
		}
		w, err = e.Repo.GetWorkspace(ctx, input.WorkspaceID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body WorkspaceResponse `json:"body"`
		}{Body: workspaceResponse(w)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "delete-workspace",
		Method:        http.MethodDelete,
		Path:          "/workspaces/{workspace_id}",
		Summary:       "Delete workspace",
		DefaultStatus: http.StatusNoContent,
		Errors:        []int{http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		WorkspaceID string `path:"workspace_id"`
	}) (*struct{}, error) {
		if _, authErr := requireRole(ctx, e, input.WorkspaceID, "admin"); authErr != nil {
			return nil, authErr
		}
		if err := e.Repo.DeleteWorkspace(ctx, input.WorkspaceID); err != nil {
			return nil, handleError(err)
		}
		return &struct{}{}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-workspace-config",
		Method:      http.MethodGet,
		Path:        "/workspaces/{workspace_id}/config",
		Summary:     "Get workspace config",
		Errors:      []int{http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		WorkspaceID string `path:"workspace_id"`
	}) (*struct {
		Body WorkspaceConfigResponse `json:"body"`
	}, error) {
		if _, authErr := requireRole(ctx, e, input.WorkspaceID, "viewer"); authErr != nil {
			return nil, authErr
		}
		cfg, err := e.Repo.GetWorkspaceConfig(ctx, input.WorkspaceID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body WorkspaceConfigResponse `json:"body"`
		}{Body: configResponse(input.WorkspaceID, cfg)}, nil
	})
}

func registerMembers(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "add-member",
		Method:        http.MethodPost,
		Path:          "/workspaces/{workspace_id}/members",
		Summary:       "Add workspace member",
		DefaultStatus: http.StatusCreated,
		Errors: []int{
			http.StatusBadRequest,
			http.StatusForbidden,
			http.StatusNotFound,
		},
	}, func(ctx context.Context, input *struct {
		WorkspaceID string           `path:"workspace_id"`
		Body        AddMemberRequest `json:"body"`
	}) (*struct {
		Body MemberResponse `json:"body"`
	}, error) {
		if input.Body.UserID == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "user_id is required", nil)
		}
		actorID, authErr := requireRole(ctx, e, input.WorkspaceID, "admin")
		if authErr != nil {
			return nil, authErr
		}
		m, err := e.AddMember(ctx, input.WorkspaceID, input.Body.UserID, input.Body.Role, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body MemberResponse `json:"body"`
		}{Body: memberResponse(m)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-members",
		Method:      http.MethodGet,
		Path:        "/workspaces/{workspace_id}/members",
		Summary:     "List workspace members",
		Errors:      []int{http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		WorkspaceID string `path:"workspace_id"`
	}) (*struct {
		Body []MemberResponse `json:"body"`
	}, error) {
		if _, authErr := requireRole(ctx, e, input.WorkspaceID, "viewer"); authErr != nil {
			return nil, authErr
		}
		items, err := e.Repo.ListMembers(ctx, input.WorkspaceID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []MemberResponse `json:"body"`
		}{Body: mapMembers(items)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "remove-member",
		Method:      http.MethodDelete,
		Path:        "/workspaces/{workspace_id}/members/{user_id}",
		Summary:     "Remove workspace member",
		Errors:      []int{http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		WorkspaceID string `path:"workspace_id"`
		UserID      string `path:"user_id"`
	}) (*struct{}, error) {
		if _, authErr := requireRole(ctx, e, input.WorkspaceID, "admin"); authErr != nil {
			return nil, authErr
		}
		if err := e.Repo.RemoveMember(ctx, input.WorkspaceID, input.UserID); err != nil {
			return nil, handleError(err)
		}
		return &struct{}{}, nil
	})
}

func registerLabels(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-label",
		Method:        http.MethodPost,
		Path:          "/workspaces/{workspace_id}/labels",
		Summary:       "Create label",
		DefaultStatus: http.StatusCreated,
		Errors: []int{
			http.StatusBadRequest,
			http.StatusForbidden,
			http.StatusNotFound,
			http.StatusConflict,
		},
	}, func(ctx context.Context, input *struct {
		WorkspaceID string             `path:"workspace_id"`
		Body        CreateLabelRequest `json:"body"`
	}) (*struct {
		Body LabelResponse `json:"body"`
	}, error) {
		if input.Body.Name == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "name is required", nil)
		}
		actorID, authErr := requireRole(ctx, e, input.WorkspaceID, "member")
		if authErr != nil {
			return nil, authErr
		}
		l, err := e.CreateLabel(ctx, input.WorkspaceID, input.Body.Name, input.Body.Color, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body LabelResponse `json:"body"`
		}{Body: labelResponse(l)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-labels",
		Method:      http.MethodGet,
		Path:        "/workspaces/{workspace_id}/labels",
		Summary:     "List labels",
		Errors:      []int{http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		WorkspaceID string `path:"workspace_id"`
	}) (*struct {
		Body []LabelResponse `json:"body"`
	}, error) {
		if _, authErr := requireRole(ctx, e, input.WorkspaceID, "viewer"); authErr != nil {
			return nil, authErr
		}
		items, err := e.Repo.ListLabels(ctx, input.WorkspaceID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []LabelResponse `json:"body"`
		}{Body: mapLabels(items)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "delete-label",
		Method:      http.MethodDelete,
		Path:        "/workspaces/{workspace_id}/labels/{label_id}",
		Summary:     "Delete label",
		Errors:      []int{http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		WorkspaceID string `path:"workspace_id"`
		LabelID     string `path:"label_id"`
	}) (*struct{}, error) {
		if _, authErr := requireRole(ctx, e, input.WorkspaceID, "member"); authErr != nil {
			return nil, authErr
		}
		label, err := e.Repo.GetLabel(ctx, input.LabelID)
		if err != nil {
			return nil, handleError(err)
		}
		if label.WorkspaceID != input.WorkspaceID {
			return nil, handleError(repo.ErrNotFound)
		}
		if err := e.Repo.DeleteLabel(ctx, input.LabelID); err != nil {
			return nil, handleError(err)
		}
		return &struct{}{}, nil
	})
}

func registerTasks(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-task",
		Method:        http.MethodPost,
		Path:          "/workspaces/{workspace_id}/tasks",
		Summary:       "Create task",
		DefaultStatus: http.StatusCreated,
		Errors: []int{
			http.StatusBadRequest,
			http.StatusForbidden,
			http.StatusNotFound,
			http.StatusConflict,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		WorkspaceID string            `path:"workspace_id"`
		Body        CreateTaskRequest `json:"body"`
	}) (*struct {
		Body TaskResponse `json:"body"`
	}, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		if input.Body.Title == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "title is required", nil)
		}
		actorID, authErr := requireRole(ctx, e, input.WorkspaceID, "member")
		if authErr != nil {
			return nil, authErr
		}
		opts := engine.TaskCreateOptions{
			WorkspaceID: input.WorkspaceID,
			Title:       input.Body.Title,
			Assignees:   input.Body.Assignees,
			LabelIDs:    input.Body.LabelIDs,
			ActorID:     actorID,
		}
		if input.Body.ID != nil {
			opts.ID = *input.Body.ID
		}
		if input.Body.Description != nil {
			opts.Description = *input.Body.Description
		}
		if input.Body.Status != nil {
			opts.Status = *input.Body.Status
		}
		t, err := e.CreateTask(ctx, opts)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body TaskResponse `json:"body"`
		}{Body: taskResponse(t)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-tasks",
		Method:      http.MethodGet,
		Path:        "/workspaces/{workspace_id}/tasks",
		Summary:     "List tasks",
		Errors:      []int{http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		WorkspaceID string `path:"workspace_id"`
		Status      string `query:"status"`
		Assignee    string `query:"assignee"`
		Label       string `query:"label"`
		Limit       int    `query:"limit"`
	}) (*struct {
		Body []TaskResponse `json:"body"`
	}, error) {
		if _, authErr := requireRole(ctx, e, input.WorkspaceID, "viewer"); authErr != nil {
			return nil, authErr
		}
		items, err := e.Repo.ListTasks(ctx, repo.TaskFilters{
			WorkspaceID: input.WorkspaceID,
			Status:      input.Status,
			AssigneeID:  input.Assignee,
			LabelID:     input.Label,
			Limit:       normalizeLimit(input.Limit),
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []TaskResponse `json:"body"`
		}{Body: mapTasks(items)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-task",
		Method:      http.MethodGet,
		Path:        "/workspaces/{workspace_id}/tasks/{task_id}",
		Summary:     "Get task",
		Errors:      []int{http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		WorkspaceID string `path:"workspace_id"`
		TaskID      string `path:"task_id"`
	}) (*struct {
		Body TaskResponse `json:"body"`
	}, error) {
		if _, authErr := requireRole(ctx, e, input.WorkspaceID, "viewer"); authErr != nil {
			return nil, authErr
		}
		t, err := taskInWorkspace(ctx, e, input.WorkspaceID, input.TaskID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body TaskResponse `json:"body"`
		}{Body: taskResponse(t)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "update-task",
		Method:      http.MethodPatch,
		Path:        "/workspaces/{workspace_id}/tasks/{task_id}",
		Summary:     "Update task",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusForbidden,
			http.StatusNotFound,
		},
	}, func(ctx context.Context, input *struct {
		WorkspaceID string            `path:"workspace_id"`
		TaskID      string            `path:"task_id"`
		Body        UpdateTaskRequest `json:"body"`
	}) (*struct {
		Body TaskResponse `json:"body"`
	}, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		actorID, authErr := requireRole(ctx, e, input.WorkspaceID, "member")
		if authErr != nil {
			return nil, authErr
		}
		if _, err := taskInWorkspace(ctx, e, input.WorkspaceID, input.TaskID); err != nil {
			return nil, handleError(err)
		}
		opts := engine.TaskUpdateOptions{
			ID:          input.TaskID,
			Title:       input.Body.Title,
			Description: input.Body.Description,
			ActorID:     actorID,
		}
		if input.Body.Status != nil {
			opts.Status = *input.Body.Status
		}
		t, err := e.UpdateTask(ctx, opts)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body TaskResponse `json:"body"`
		}{Body: taskResponse(t)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "assign-task",
		Method:      http.MethodPut,
		Path:        "/workspaces/{workspace_id}/tasks/{task_id}/assignees/{user_id}",
		Summary:     "Assign task",
		Errors:      []int{http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		WorkspaceID string `path:"workspace_id"`
		TaskID      string `path:"task_id"`
		UserID      string `path:"user_id"`
	}) (*struct {
		Body TaskResponse `json:"body"`
	}, error) {
		actorID, authErr := requireRole(ctx, e, input.WorkspaceID, "member")
		if authErr != nil {
			return nil, authErr
		}
		if _, err := taskInWorkspace(ctx, e, input.WorkspaceID, input.TaskID); err != nil {
			return nil, handleError(err)
		}
		if _, err := e.Repo.GetMember(ctx, input.WorkspaceID, input.UserID); err != nil {
			return nil, handleError(err)
		}
		t, err := e.AssignTask(ctx, input.TaskID, input.UserID, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body TaskResponse `json:"body"`
		}{Body: taskResponse(t)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "unassign-task",
		Method:      http.MethodDelete,
		Path:        "/workspaces/{workspace_id}/tasks/{task_id}/assignees/{user_id}",
		Summary:     "Unassign task",
		Errors:      []int{http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		WorkspaceID string `path:"workspace_id"`
		TaskID      string `path:"task_id"`
		UserID      string `path:"user_id"`
	}) (*struct {
		Body TaskResponse `json:"body"`
	}, error) {
		actorID, authErr := requireRole(ctx, e, input.WorkspaceID, "member")
		if authErr != nil {
			return nil, authErr
		}
		if _, err := taskInWorkspace(ctx, e, input.WorkspaceID, input.TaskID); err != nil {
			return nil, handleError(err)
		}
		t, err := e.UnassignTask(ctx, input.TaskID, input.UserID, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body TaskResponse `json:"body"`
		}{Body: taskResponse(t)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "add-task-label",
		Method:      http.MethodPut,
		Path:        "/workspaces/{workspace_id}/tasks/{task_id}/labels/{label_id}",
		Summary:     "Add label to task",
		Errors:      []int{http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		WorkspaceID string `path:"workspace_id"`
		TaskID      string `path:"task_id"`
		LabelID     string `path:"label_id"`
	}) (*struct {
		Body TaskResponse `json:"body"`
	}, error) {
		actorID, authErr := requireRole(ctx, e, input.WorkspaceID, "member")
		if authErr != nil {
			return nil, authErr
		}
		if _, err := taskInWorkspace(ctx, e, input.WorkspaceID, input.TaskID); err != nil {
			return nil, handleError(err)
		}
		t, err := e.AddTaskLabel(ctx, input.TaskID, input.LabelID, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body TaskResponse `json:"body"`
		}{Body: taskResponse(t)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "remove-task-label",
		Method:      http.MethodDelete,
		Path:        "/workspaces/{workspace_id}/tasks/{task_id}/labels/{label_id}",
		Summary:     "Remove label from task",
		Errors:      []int{http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		WorkspaceID string `path:"workspace_id"`
		TaskID      string `path:"task_id"`
		LabelID     string `path:"label_id"`
	}) (*struct {
		Body TaskResponse `json:"body"`
	}, error) {
		actorID, authErr := requireRole(ctx, e, input.WorkspaceID, "member")
		if authErr != nil {
			return nil, authErr
		}
		if _, err := taskInWorkspace(ctx, e, input.WorkspaceID, input.TaskID); err != nil {
			return nil, handleError(err)
		}
		t, err := e.RemoveTaskLabel(ctx, input.TaskID, input.LabelID, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body TaskResponse `json:"body"`
		}{Body: taskResponse(t)}, nil
	})
}

func registerRules(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-rule",
		Method:        http.MethodPost,
		Path:          "/workspaces/{workspace_id}/rules",
		Summary:       "Create automation rule",
		DefaultStatus: http.StatusCreated,
		Errors: []int{
			http.StatusBadRequest,
			http.StatusForbidden,
			http.StatusNotFound,
			http.StatusUnprocessableEntity,
		},
	}, func(ctx context.Context, input *struct {
		WorkspaceID string            `path:"workspace_id"`
		Body        CreateRuleRequest `json:"body"`
	}) (*struct {
		Body RuleResponse `json:"body"`
	}, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		if input.Body.Name == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "name is required", nil)
		}
		actorID, authErr := requireRole(ctx, e, input.WorkspaceID, "admin")
		if authErr != nil {
			return nil, authErr
		}
		opts := engine.RuleCreateOptions{
			WorkspaceID:       input.WorkspaceID,
			Name:              input.Body.Name,
			TriggerType:       input.Body.TriggerType,
			TriggerConfigJSON: encodeJSONMap(input.Body.TriggerConfig),
			ActionType:        input.Body.ActionType,
			ActionConfigJSON:  encodeJSONMap(input.Body.ActionConfig),
			Enabled:           input.Body.Enabled,
			ActorID:           actorID,
		}
		if input.Body.ID != nil {
			opts.ID = *input.Body.ID
		}
		rule, err := e.CreateRule(ctx, opts)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body RuleResponse `json:"body"`
		}{Body: ruleResponse(rule)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-rules",
		Method:      http.MethodGet,
		Path:        "/workspaces/{workspace_id}/rules",
		Summary:     "List automation rules",
		Errors:      []int{http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		WorkspaceID string `path:"workspace_id"`
		TriggerType string `query:"trigger_type"`
		Enabled     string `query:"enabled" enum:"true,false,"`
		Limit       int    `query:"limit"`
	}) (*struct {
		Body []RuleResponse `json:"body"`
	}, error) {
		if _, authErr := requireRole(ctx, e, input.WorkspaceID, "viewer"); authErr != nil {
			return nil, authErr
		}
		var enabledFilter *bool
		if input.Enabled != "" {
			v := input.Enabled == "true"
			enabledFilter = &v
		}
		items, err := e.Repo.ListRules(ctx, repo.RuleFilters{
			WorkspaceID: input.WorkspaceID,
			TriggerType: input.TriggerType,
			Enabled:     enabledFilter,
			Limit:       normalizeLimit(input.Limit),
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []RuleResponse `json:"body"`
		}{Body: mapRules(items)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-rule",
		Method:      http.MethodGet,
		Path:        "/workspaces/{workspace_id}/rules/{rule_id}",
		Summary:     "Get automation rule",
		Errors:      []int{http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		WorkspaceID string `path:"workspace_id"`
		RuleID      string `path:"rule_id"`
	}) (*struct {
		Body RuleResponse `json:"body"`
	}, error) {
		if _, authErr := requireRole(ctx, e, input.WorkspaceID, "viewer"); authErr != nil {
			return nil, authErr
		}
		rule, err := ruleInWorkspace(ctx, e, input.WorkspaceID, input.RuleID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body RuleResponse `json:"body"`
		}{Body: ruleResponse(rule)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "update-rule",
		Method:      http.MethodPatch,
		Path:        "/workspaces/{workspace_id}/rules/{rule_id}",
		Summary:     "Update automation rule",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusForbidden,
			http.StatusNotFound,
		},
	}, func(ctx context.Context, input *struct {
		WorkspaceID string            `path:"workspace_id"`
		RuleID      string            `path:"rule_id"`
		Body        UpdateRuleRequest `json:"body"`
	}) (*struct {
		Body RuleResponse `json:"body"`
	}, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		actorID, authErr := requireRole(ctx, e, input.WorkspaceID, "admin")
		if authErr != nil {
			return nil, authErr
		}
		if _, err := ruleInWorkspace(ctx, e, input.WorkspaceID, input.RuleID); err != nil {
			return nil, handleError(err)
		}
		opts := engine.RuleUpdateOptions{
			ID:          input.RuleID,
			Name:        input.Body.Name,
			TriggerType: input.Body.TriggerType,
			ActionType:  input.Body.ActionType,
			Enabled:     input.Body.Enabled,
			ActorID:     actorID,
		}
		if input.Body.TriggerConfig != nil {
			opts.TriggerConfigJSON = strPtr(encodeJSONMap(input.Body.TriggerConfig))
		}
		if input.Body.ActionConfig != nil {
			opts.ActionConfigJSON = strPtr(encodeJSONMap(input.Body.ActionConfig))
		}
		rule, err := e.UpdateRule(ctx, opts)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body RuleResponse `json:"body"`
		}{Body: ruleResponse(rule)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "enable-rule",
		Method:      http.MethodPost,
		Path:        "/workspaces/{workspace_id}/rules/{rule_id}/enable",
		Summary:     "Enable automation rule",
		Errors:      []int{http.StatusForbidden, http.StatusNotFound},
	}, setEnabledHandler(e, true))

	huma.Register(api, huma.Operation{
		OperationID: "disable-rule",
		Method:      http.MethodPost,
		Path:        "/workspaces/{workspace_id}/rules/{rule_id}/disable",
		Summary:     "Disable automation rule",
		Errors:      []int{http.StatusForbidden, http.StatusNotFound},
	}, setEnabledHandler(e, false))

	huma.Register(api, huma.Operation{
		OperationID: "delete-rule",
		Method:      http.MethodDelete,
		Path:        "/workspaces/{workspace_id}/rules/{rule_id}",
		Summary:     "Delete automation rule",
		Errors:      []int{http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		WorkspaceID string `path:"workspace_id"`
		RuleID      string `path:"rule_id"`
	}) (*struct{}, error) {
		actorID, authErr := requireRole(ctx, e, input.WorkspaceID, "admin")
		if authErr != nil {
			return nil, authErr
		}
		if _, err := ruleInWorkspace(ctx, e, input.WorkspaceID, input.RuleID); err != nil {
			return nil, handleError(err)
		}
		if err := e.DeleteRule(ctx, input.RuleID, actorID); err != nil {
			return nil, handleError(err)
		}
		return &struct{}{}, nil
	})
}

type rulePathInput struct {
	WorkspaceID string `path:"workspace_id"`
	RuleID      string `path:"rule_id"`
}

type ruleOutput struct {
	Body RuleResponse `json:"body"`
}

func setEnabledHandler(e engine.Engine, enabled bool) func(context.Context, *rulePathInput) (*ruleOutput, error) {
	return func(ctx context.Context, input *rulePathInput) (*ruleOutput, error) {
		actorID, authErr := requireRole(ctx, e, input.WorkspaceID, "admin")
		if authErr != nil {
			return nil, authErr
		}
		if _, err := ruleInWorkspace(ctx, e, input.WorkspaceID, input.RuleID); err != nil {
			return nil, handleError(err)
		}
		rule, err := e.SetRuleEnabled(ctx, input.RuleID, enabled, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &ruleOutput{Body: ruleResponse(rule)}, nil
	}
}

func registerActivities(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-activities",
		Method:      http.MethodGet,
		Path:        "/workspaces/{workspace_id}/activities",
		Summary:     "List activity log",
		Errors:      []int{http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		WorkspaceID string `path:"workspace_id"`
		TaskID      string `query:"task_id"`
		ActorKind   string `query:"actor_kind" enum:"user,automation,"`
		Action      string `query:"action"`
		Limit       int    `query:"limit"`
		Cursor      int64  `query:"cursor"`
	}) (*struct {
		Body []ActivityResponse `json:"body"`
	}, error) {
		if _, authErr := requireRole(ctx, e, input.WorkspaceID, "viewer"); authErr != nil {
			return nil, authErr
		}
		items, err := e.Repo.ListActivities(ctx, repo.ActivityFilters{
			WorkspaceID: input.WorkspaceID,
			TaskID:      input.TaskID,
			ActorKind:   input.ActorKind,
			Action:      input.Action,
			Limit:       normalizeLimit(input.Limit),
			Cursor:      input.Cursor,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []ActivityResponse `json:"body"`
		}{Body: mapActivities(items)}, nil
	})
}

func registerNotifications(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-notifications",
		Method:      http.MethodGet,
		Path:        "/workspaces/{workspace_id}/notifications",
		Summary:     "List notifications for the caller",
		Errors:      []int{http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		WorkspaceID string `path:"workspace_id"`
		UnreadOnly  bool   `query:"unread"`
		Limit       int    `query:"limit"`
	}) (*struct {
		Body []NotificationResponse `json:"body"`
	}, error) {
		userID, authErr := requireRole(ctx, e, input.WorkspaceID, "viewer")
		if authErr != nil {
			return nil, authErr
		}
		items, err := e.Repo.ListNotifications(ctx, repo.NotificationFilters{
			WorkspaceID: input.WorkspaceID,
			UserID:      userID,
			UnreadOnly:  input.UnreadOnly,
			Limit:       normalizeLimit(input.Limit),
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []NotificationResponse `json:"body"`
		}{Body: mapNotifications(items)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "read-notification",
		Method:      http.MethodPost,
		Path:        "/workspaces/{workspace_id}/notifications/{notification_id}/read",
		Summary:     "Mark notification read",
		Errors:      []int{http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		WorkspaceID    string `path:"workspace_id"`
		NotificationID string `path:"notification_id"`
	}) (*struct {
		Body NotificationResponse `json:"body"`
	}, error) {
		userID, authErr := requireRole(ctx, e, input.WorkspaceID, "viewer")
		if authErr != nil {
			return nil, authErr
		}
		n, err := e.Repo.GetNotification(ctx, input.NotificationID)
		if err != nil {
			return nil, handleError(err)
		}
		if n.WorkspaceID != input.WorkspaceID || n.UserID != userID {
			return nil, handleError(repo.ErrNotFound)
		}
		n, err = e.MarkNotificationRead(ctx, input.NotificationID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body NotificationResponse `json:"body"`
		}{Body: notificationResponse(n)}, nil
	})
}

func registerMe(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "me",
		Method:      http.MethodGet,
		Path:        "/me",
		Summary:     "Current principal",
		Errors:      []int{http.StatusUnauthorized},
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body WhoAmIResponse `json:"body"`
	}, error) {
		principal, authErr := principalFromRequest(ctx)
		if authErr != nil {
			return nil, authErr
		}
		var roles []string
		if e.Config != nil && e.Config.Workspace.ID != "" {
			roles = memberRole(ctx, e, e.Config.Workspace.ID)
		}
		return &struct {
			Body WhoAmIResponse `json:"body"`
		}{Body: WhoAmIResponse{
			UserID: principal.UserID,
			Source: principal.Source,
			Roles:  nonNilSlice(roles),
		}}, nil
	})
}

func registerDevAuth(api huma.API, authCfg AuthConfig) {
	huma.Register(api, huma.Operation{
		OperationID: "dev-login",
		Method:      http.MethodPost,
		Path:        "/auth/dev/login",
		Summary:     "DEV ONLY: mint a JWT for local testing",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		Body DevLoginRequest `json:"body"`
	}) (*struct {
		Body DevLoginResponse `json:"body"`
	}, error) {
		actor := strings.TrimSpace(input.Body.ActorID)
		if actor == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "actor_id is required", nil)
		}
		token, err := signDevToken(authCfg.JWTSecret, actor)
		if err != nil {
			return nil, newAPIError(http.StatusInternalServerError, "internal_error", err.Error(), nil)
		}
		return &struct {
			Body DevLoginResponse `json:"body"`
		}{Body: DevLoginResponse{Token: token}}, nil
	})
}

// helpers

func bodyBytes(ctx context.Context) []byte {
	if buf, ok := ctx.Value(bodyBytesKey{}).([]byte); ok {
		return buf
	}
	req, ok := ctx.Value(requestKey{}).(*http.Request)
	if !ok || req == nil {
		return nil
	}
	data, _ := io.ReadAll(req.Body)
	return data
}

func taskInWorkspace(ctx context.Context, e engine.Engine, workspaceID, taskID string) (domain.Task, error) {
	t, err := e.Repo.GetTask(ctx, taskID)
	if err != nil {
		return t, err
	}
	if t.WorkspaceID != workspaceID {
		return t, repo.ErrNotFound
	}
	return t, nil
}

func ruleInWorkspace(ctx context.Context, e engine.Engine, workspaceID, ruleID string) (domain.AutomationRule, error) {
	rule, err := e.Repo.GetRule(ctx, ruleID)
	if err != nil {
		return rule, err
	}
	if rule.WorkspaceID != workspaceID {
		return rule, repo.ErrNotFound
	}
	return rule, nil
}

func decodeJSONMap(raw string) map[string]any {
	if raw == "" {
		return nil
	}
	var tmp any
	if err := json.Unmarshal([]byte(raw), &tmp); err != nil {
		return nil
	}
	if obj, ok := tmp.(map[string]any); ok {
		return obj
	}
	return nil
}

func encodeJSONMap(m map[string]any) string {
	if m == nil {
		return ""
	}
	data, err := json.Marshal(m)
	if err != nil {
		return ""
	}
	return string(data)
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
