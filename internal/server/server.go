package server

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/danielgtaylor/huma/v2"
	humachi "github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"

	"carecircle/internal/mirror"
)

// Config for the mirror HTTP API handler.
type Config struct {
	Store    *mirror.Store
	BasePath string
	Auth     AuthConfig
}

type apiErrorBody struct {
	Code    string         `json:"code" example:"validation_error"`
	Message string         `json:"message" example:"circle owner required"`
	Details map[string]any `json:"details,omitempty" jsonschema:"type=object,additionalProperties=true"`
}

// apiError models the error envelope.
type apiError struct {
	status int
	Body   apiErrorBody `json:"error"`
}

func (e *apiError) GetStatus() int { return e.status }
func (e *apiError) Error() string  { return e.Body.Message }

// New returns an HTTP handler exposing the mirror API.
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
			// Schema mismatches are the cache-layer validation failure mode.
			status = http.StatusBadRequest
		}
		var details map[string]any
		if len(errs) > 0 {
			details = map[string]any{"errors": errs}
		}
		return newAPIError(status, "", msg, details)
	}

	router := chi.NewRouter()
	router.Use(newAuthMiddleware(basePath, cfg.Auth, cfg.Store))
	hcfg := huma.DefaultConfig("CareCircle Mirror API", "0.1.0")
	hcfg.OpenAPIPath = "/openapi"
	api := humachi.New(router, hcfg)
	group := huma.NewGroup(api, basePath)

	registerHealth(group)
	registerCircles(group, cfg.Store)
	registerMembers(group, cfg.Store)
	registerTasks(group, cfg.Store)
	registerDevAuth(group, cfg.Auth)

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
	switch {
	case errors.Is(err, mirror.ErrNotFound):
		return newAPIError(http.StatusNotFound, "not_found", err.Error(), nil)
	case errors.Is(err, mirror.ErrValidation):
		return newAPIError(http.StatusBadRequest, "validation_error", err.Error(), nil)
	default:
		return newAPIError(http.StatusInternalServerError, "internal_error", "internal error", map[string]any{"error": err.Error()})
	}
}

func defaultCodeForStatus(status int) string {
	switch status {
	case http.StatusBadRequest:
		return "validation_error"
	case http.StatusNotFound:
		return "not_found"
	case http.StatusUnauthorized:
		return "unauthorized"
	case http.StatusInternalServerError:
		return "internal_error"
	default:
		return strings.ToLower(strings.ReplaceAll(http.StatusText(status), " ", "_"))
	}
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

func registerCircles(api huma.API, store *mirror.Store) {
	huma.Register(api, huma.Operation{
		OperationID: "upsert-circle",
		Method:      http.MethodPost,
		Path:        "/circles/upsert",
		Summary:     "Upsert circle snapshot",
		Errors:      []int{http.StatusBadRequest, http.StatusUnauthorized, http.StatusInternalServerError},
	}, func(ctx context.Context, input *struct {
		Body UpsertCircleRequest `json:"body"`
	}) (*struct {
		Body UpsertCircleResponse `json:"body"`
	}, error) {
		err := store.UpsertCircle(ctx, mirror.Circle{
			ID:          input.Body.ID,
			Name:        input.Body.Name,
			Owner:       input.Body.Owner,
			MemberCount: input.Body.MemberCount,
			TaskCount:   input.Body.TaskCount,
			TxRef:       input.Body.TxRef,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body UpsertCircleResponse `json:"body"`
		}{Body: UpsertCircleResponse{OK: true, ID: input.Body.ID}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-circle",
		Method:      http.MethodGet,
		Path:        "/circles/{id}",
		Summary:     "Get circle",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID int64 `path:"id"`
	}) (*struct {
		Body mirror.Circle `json:"body"`
	}, error) {
		c, err := store.GetCircle(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body mirror.Circle `json:"body"`
		}{Body: c}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-circle-members",
		Method:      http.MethodGet,
		Path:        "/circles/{id}/members",
		Summary:     "List circle members",
	}, func(ctx context.Context, input *struct {
		ID int64 `path:"id"`
	}) (*struct {
		Body []mirror.Member `json:"body"`
	}, error) {
		members, err := store.ListMembersByCircle(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		if members == nil {
			members = []mirror.Member{}
		}
		return &struct {
			Body []mirror.Member `json:"body"`
		}{Body: members}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-circle-tasks",
		Method:      http.MethodGet,
		Path:        "/circles/{id}/tasks",
		Summary:     "List circle tasks, open before completed",
	}, func(ctx context.Context, input *struct {
		ID int64 `path:"id"`
	}) (*struct {
		Body []mirror.Task `json:"body"`
	}, error) {
		tasks, err := store.ListTasksByCircle(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		if tasks == nil {
			tasks = []mirror.Task{}
		}
		return &struct {
			Body []mirror.Task `json:"body"`
		}{Body: tasks}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-circle-stats",
		Method:      http.MethodGet,
		Path:        "/circles/{id}/stats",
		Summary:     "Circle task statistics",
	}, func(ctx context.Context, input *struct {
		ID int64 `path:"id"`
	}) (*struct {
		Body mirror.Stats `json:"body"`
	}, error) {
		stats, err := store.ComputeStats(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body mirror.Stats `json:"body"`
		}{Body: stats}, nil
	})
}

func registerMembers(api huma.API, store *mirror.Store) {
	huma.Register(api, huma.Operation{
		OperationID: "upsert-member",
		Method:      http.MethodPost,
		Path:        "/members/upsert",
		Summary:     "Upsert membership snapshot",
		Errors:      []int{http.StatusBadRequest, http.StatusUnauthorized, http.StatusInternalServerError},
	}, func(ctx context.Context, input *struct {
		Body UpsertMemberRequest `json:"body"`
	}) (*struct {
		Body UpsertMemberResponse `json:"body"`
	}, error) {
		active := true
		if input.Body.IsActive != nil {
			active = *input.Body.IsActive
		}
		err := store.UpsertMember(ctx, mirror.Member{
			CircleID:       input.Body.CircleID,
			Address:        input.Body.Address,
			IsOwner:        input.Body.IsOwner,
			IsActive:       active,
			TasksCompleted: input.Body.TasksCompleted,
			TxRef:          input.Body.TxRef,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body UpsertMemberResponse `json:"body"`
		}{Body: UpsertMemberResponse{OK: true}}, nil
	})
}

func registerTasks(api huma.API, store *mirror.Store) {
	huma.Register(api, huma.Operation{
		OperationID: "upsert-task",
		Method:      http.MethodPost,
		Path:        "/tasks/upsert",
		Summary:     "Upsert task snapshot",
		Errors:      []int{http.StatusBadRequest, http.StatusUnauthorized, http.StatusInternalServerError},
	}, func(ctx context.Context, input *struct {
		Body UpsertTaskRequest `json:"body"`
	}) (*struct {
		Body UpsertTaskResponse `json:"body"`
	}, error) {
		err := store.UpsertTask(ctx, mirror.Task{
			ID:          input.Body.ID,
			CircleID:    input.Body.CircleID,
			Title:       input.Body.Title,
			Description: input.Body.Description,
			AssignedTo:  input.Body.AssignedTo,
			CreatedBy:   input.Body.CreatedBy,
			CreatedAt:   input.Body.CreatedAt,
			Completed:   input.Body.Completed,
			CompletedBy: input.Body.CompletedBy,
			CompletedAt: input.Body.CompletedAt,
			Priority:    input.Body.Priority,
			TxRef:       input.Body.TxRef,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body UpsertTaskResponse `json:"body"`
		}{Body: UpsertTaskResponse{OK: true, ID: input.Body.ID}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-tasks-by-assignee",
		Method:      http.MethodGet,
		Path:        "/tasks",
		Summary:     "List tasks for an assignee",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		Assignee string `query:"assignee"`
	}) (*struct {
		Body []mirror.Task `json:"body"`
	}, error) {
		if input.Assignee == "" {
			return nil, newAPIError(http.StatusBadRequest, "validation_error", "assignee query parameter required", nil)
		}
		tasks, err := store.ListTasksByAssignee(ctx, input.Assignee)
		if err != nil {
			return nil, handleError(err)
		}
		if tasks == nil {
			tasks = []mirror.Task{}
		}
		return &struct {
			Body []mirror.Task `json:"body"`
		}{Body: tasks}, nil
	})
}

func registerDevAuth(api huma.API, authCfg AuthConfig) {
	huma.Register(api, huma.Operation{
		OperationID: "dev-login",
		Method:      http.MethodPost,
		Path:        "/auth/dev/login",
		Summary:     "DEV ONLY: mint a JWT for local testing",
		Errors:      []int{http.StatusBadRequest, http.StatusInternalServerError},
	}, func(ctx context.Context, input *struct {
		Body DevLoginRequest `json:"body"`
	}) (*struct {
		Body DevLoginResponse `json:"body"`
	}, error) {
		address := strings.TrimSpace(input.Body.Address)
		if address == "" {
			return nil, newAPIError(http.StatusBadRequest, "validation_error", "address is required", nil)
		}
		token, err := signDevToken(authCfg.JWTSecret, address)
		if err != nil {
			return nil, newAPIError(http.StatusBadRequest, "validation_error", err.Error(), nil)
		}
		return &struct {
			Body DevLoginResponse `json:"body"`
		}{Body: DevLoginResponse{Token: token}}, nil
	})
}
