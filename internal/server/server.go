// Package server exposes the crowdline engine over HTTP. Handlers are
// registered with huma so the OpenAPI description stays in lockstep with
// the Go types; chi provides the router underneath.
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
	"strconv"
	"strings"
	"time"

	"github.com/danielgtaylor/huma/v2"
	"github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"

	"crowdline/internal/config"
	"crowdline/internal/domain"
	"crowdline/internal/engine"
	"crowdline/internal/ledger"
)

// Config carries the server's dependencies.
type Config struct {
	Engine   engine.Engine
	BasePath string
	Auth     AuthConfig
}

type apiErrorBody struct {
	Code    string         `json:"code" example:"lease_denied"`
	Message string         `json:"message" example:"lease on work-1 held by ann-2 until 2026-03-02T10:00:00Z"`
	Details map[string]any `json:"details,omitempty" jsonschema:"type=object,additionalProperties=true" example:"{\"holder_id\":\"ann-2\"}"`
}

type requestKey struct{}
type bodyBytesKey struct{}

// apiError models the error envelope every endpoint returns.
type apiError struct {
	status int
	Body   apiErrorBody `json:"error"`
}

func (e *apiError) GetStatus() int { return e.status }
func (e *apiError) Error() string  { return e.Body.Message }

// New returns an HTTP handler exposing the Crowdline API.
func New(cfg Config) (http.Handler, error) {
	basePath := cfg.BasePath
	if basePath == "" {
		basePath = "/v0"
	}
	if !strings.HasPrefix(basePath, "/") {
		basePath = "/" + basePath
	}
	huma.DefaultArrayNullable = false
	// Override huma errors to use the envelope.
	huma.NewError = func(status int, msg string, errs ...error) huma.StatusError {
		return newAPIError(status, "", msg, nil)
	}
	huma.NewErrorWithContext = func(_ huma.Context, status int, msg string, errs ...error) huma.StatusError {
		if status == http.StatusUnprocessableEntity && strings.Contains(strings.ToLower(msg), "validation") {
			// Schema/request validation errors should be 400 bad_request
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
	router.Use(newAuthMiddleware(basePath, cfg.Auth, cfg.Engine.Ledger))
	hcfg := huma.DefaultConfig("Crowdline API", "0.1.0")
	hcfg.OpenAPIPath = "/openapi"
	hcfg.DocsPath = "" // custom Swagger UI below
	api := humachi.New(router, hcfg)
	group := huma.NewGroup(api, basePath)

	registerDocs(router, basePath)
	registerHealth(group)
	registerWorkflows(group, cfg.Engine)
	registerContributors(group, cfg.Engine)
	registerItems(group, cfg.Engine)
	registerReviews(group, cfg.Engine)
	registerConflicts(group, cfg.Engine)
	registerQuality(group, cfg.Engine)
	registerEvents(group, cfg.Engine)
	registerMe(group)
	registerDevAuth(group, cfg.Auth)
	registerOpenAPI(router, api, basePath)

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
	if errors.Is(err, ledger.ErrNotFound) {
		return newAPIError(http.StatusNotFound, "not_found", err.Error(), nil)
	}
	var ld *engine.LeaseDeniedError
	if errors.As(err, &ld) {
		return newAPIError(http.StatusConflict, "lease_denied", err.Error(), map[string]any{
			"work_item_id": ld.WorkItemID,
			"holder_id":    ld.HolderID,
			"expires_at":   ld.ExpiresAt,
		})
	}
	var cu *engine.ContributorUnavailableError
	if errors.As(err, &cu) {
		return newAPIError(http.StatusConflict, "contributor_unavailable", err.Error(), map[string]any{
			"contributor_id": cu.ContributorID,
			"status":         cu.Status,
		})
	}
	var it *engine.InvalidTransitionError
	if errors.As(err, &it) {
		return newAPIError(http.StatusUnprocessableEntity, "invalid_transition", err.Error(), map[string]any{
			"entity": it.Entity,
			"from":   it.From,
			"to":     it.To,
		})
	}
	var ss *ledger.StaleStateError
	if errors.As(err, &ss) {
		return newAPIError(http.StatusConflict, "stale_state", err.Error(), map[string]any{
			"work_item_id": ss.WorkItemID,
			"expected":     ss.Expected,
			"actual":       ss.Actual,
		})
	}
	switch {
	case errors.Is(err, engine.ErrLeaseNotHeld):
		return newAPIError(http.StatusConflict, "lease_not_held", err.Error(), nil)
	case errors.Is(err, engine.ErrNoEligibleContributor):
		return newAPIError(http.StatusConflict, "no_eligible_contributor", err.Error(), nil)
	case errors.Is(err, engine.ErrConflictUnresolved):
		return newAPIError(http.StatusConflict, "conflict_unresolved", err.Error(), nil)
	case errors.Is(err, engine.ErrReviewOpen):
		return newAPIError(http.StatusConflict, "review_open", err.Error(), nil)
	case errors.Is(err, engine.ErrItemFrozen):
		return newAPIError(http.StatusUnprocessableEntity, "item_frozen", err.Error(), nil)
	}
	msg := err.Error()
	lowered := strings.ToLower(msg)
	switch {
	case strings.Contains(lowered, "already exists"):
		return newAPIError(http.StatusConflict, "conflict", msg, nil)
	case strings.Contains(lowered, "invalid"),
		strings.Contains(lowered, "missing"),
		strings.Contains(lowered, "required"),
		strings.Contains(lowered, "unknown"),
		strings.Contains(lowered, "must"):
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
	case http.StatusUnauthorized:
		return "unauthorized"
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
			ensureDefaultErrorResponses(oas)
			applyAuthSecurity(oas, basePath)
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
		for _, op := range []*huma.Operation{
			item.Get, item.Put, item.Post, item.Delete, item.Options, item.Head, item.Patch, item.Trace,
		} {
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
	security := []map[string][]string{
		{"bearerAuth": {}},
		{"apiKeyAuth": {}},
	}
	oas.Security = security
	healthPath := path.Join(basePath, "health")
	devLoginPath := path.Join(basePath, "auth/dev/login")
	if !strings.HasPrefix(healthPath, "/") {
		healthPath = "/" + healthPath
	}
	if !strings.HasPrefix(devLoginPath, "/") {
		devLoginPath = "/" + devLoginPath
	}
	for route, item := range oas.Paths {
		for _, op := range []*huma.Operation{
			item.Get, item.Put, item.Post, item.Delete, item.Options, item.Head, item.Patch, item.Trace,
		} {
			if op == nil {
				continue
			}
			if route == healthPath || route == devLoginPath {
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
    <title>Crowdline API Docs</title>
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

func registerWorkflows(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-workflow",
		Method:        http.MethodPost,
		Path:          "/workflows",
		Summary:       "Create workflow",
		DefaultStatus: http.StatusCreated,
		Errors: []int{
			http.StatusBadRequest,
			http.StatusConflict,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		Body CreateWorkflowRequest `json:"body"`
	}) (*struct {
		Body WorkflowResponse `json:"body"`
	}, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		if input.Body.ID == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "id is required", nil)
		}
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		w, err := e.InitWorkflow(ctx, engine.WorkflowInitOptions{
			ID:          input.Body.ID,
			Name:        stringOrEmpty(input.Body.Name),
			Description: stringOrEmpty(input.Body.Description),
			ActorID:     actorID,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body WorkflowResponse `json:"body"`
		}{Body: workflowResponse(w)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-workflows",
		Method:      http.MethodGet,
		Path:        "/workflows",
		Summary:     "List workflows",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body workflowList `json:"body"`
	}, error) {
		ws, err := e.Ledger.ListWorkflows(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		res := workflowList{Items: []WorkflowResponse{}}
		for _, w := range ws {
			res.Items = append(res.Items, workflowResponse(w))
		}
		return &struct {
			Body workflowList `json:"body"`
		}{Body: res}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-workflow",
		Method:      http.MethodGet,
		Path:        "/workflows/{workflow_id}",
		Summary:     "Get workflow",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		WorkflowID string `path:"workflow_id"`
	}) (*struct {
		Body WorkflowResponse `json:"body"`
	}, error) {
		w, err := e.Ledger.GetWorkflow(ctx, input.WorkflowID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body WorkflowResponse `json:"body"`
		}{Body: workflowResponse(w)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-workflow-config",
		Method:      http.MethodGet,
		Path:        "/workflows/{workflow_id}/config",
		Summary:     "Effective workflow configuration",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		WorkflowID string `path:"workflow_id"`
	}) (*struct {
		Body WorkflowConfigResponse `json:"body"`
	}, error) {
		if _, err := e.Ledger.GetWorkflow(ctx, input.WorkflowID); err != nil {
			return nil, handleError(err)
		}
		cfg := workflowConfigFor(ctx, e, input.WorkflowID)
		return &struct {
			Body WorkflowConfigResponse `json:"body"`
		}{Body: configResponse(cfg)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "workflow-status",
		Method:      http.MethodGet,
		Path:        "/workflows/{workflow_id}/status",
		Summary:     "Workflow status",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		WorkflowID string `path:"workflow_id"`
	}) (*struct {
		Body map[string]any `json:"body"`
	}, error) {
		w, err := e.Ledger.GetWorkflow(ctx, input.WorkflowID)
		if err != nil {
			return nil, handleError(err)
		}
		counts, err := e.Ledger.CountItemsByState(ctx, w.ID)
		if err != nil {
			return nil, handleError(err)
		}
		pending, err := e.Ledger.CountPendingReviews(ctx, w.ID)
		if err != nil {
			return nil, handleError(err)
		}
		unresolved, err := e.Ledger.CountUnresolvedConflicts(ctx, w.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body map[string]any `json:"body"`
		}{Body: map[string]any{
			"workflow_id":          w.ID,
			"status":               w.Status,
			"item_counts":          counts,
			"pending_reviews":      pending,
			"unresolved_conflicts": unresolved,
		}}, nil
	})
}

func registerContributors(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "register-contributor",
		Method:        http.MethodPost,
		Path:          "/workflows/{workflow_id}/contributors",
		Summary:       "Register contributor",
		DefaultStatus: http.StatusCreated,
		Errors: []int{
			http.StatusBadRequest,
			http.StatusNotFound,
			http.StatusConflict,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		WorkflowID string                     `path:"workflow_id"`
		Body       RegisterContributorRequest `json:"body"`
	}) (*struct {
		Body ContributorResponse `json:"body"`
	}, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		if input.Body.Name == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "name is required", nil)
		}
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		c, err := e.RegisterContributor(ctx, engine.ContributorRegisterOptions{
			ID:         stringOrEmpty(input.Body.ID),
			WorkflowID: input.WorkflowID,
			Name:       input.Body.Name,
			Skills:     input.Body.Skills,
			ActorID:    actorID,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body ContributorResponse `json:"body"`
		}{Body: contributorResponse(c)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-contributors",
		Method:      http.MethodGet,
		Path:        "/workflows/{workflow_id}/contributors",
		Summary:     "List contributors",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		WorkflowID string `path:"workflow_id"`
		Status     string `query:"status" enum:"active,suspended"`
		Limit      int    `query:"limit" default:"50"`
	}) (*struct {
		Body contributorList `json:"body"`
	}, error) {
		cs, err := e.Ledger.ListContributors(ctx, ledger.ContributorFilters{
			WorkflowID: input.WorkflowID,
			Status:     input.Status,
			Limit:      normalizeLimit(input.Limit),
		})
		if err != nil {
			return nil, handleError(err)
		}
		res := contributorList{Items: []ContributorResponse{}}
		for _, c := range cs {
			res.Items = append(res.Items, contributorResponse(c))
		}
		return &struct {
			Body contributorList `json:"body"`
		}{Body: res}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-contributor",
		Method:      http.MethodGet,
		Path:        "/workflows/{workflow_id}/contributors/{id}",
		Summary:     "Get contributor",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		WorkflowID string `path:"workflow_id"`
		ID         string `path:"id"`
	}) (*struct {
		Body ContributorResponse `json:"body"`
	}, error) {
		c, statusErr := fetchWorkflowContributor(ctx, e, input.WorkflowID, input.ID)
		if statusErr != nil {
			return nil, statusErr
		}
		return &struct {
			Body ContributorResponse `json:"body"`
		}{Body: contributorResponse(c)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "suspend-contributor",
		Method:      http.MethodPost,
		Path:        "/workflows/{workflow_id}/contributors/{id}/suspend",
		Summary:     "Suspend contributor",
		Errors: []int{
			http.StatusNotFound,
			http.StatusUnprocessableEntity,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		WorkflowID string `path:"workflow_id"`
		ID         string `path:"id"`
	}) (*struct {
		Body ContributorResponse `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if _, statusErr := fetchWorkflowContributor(ctx, e, input.WorkflowID, input.ID); statusErr != nil {
			return nil, statusErr
		}
		c, err := e.SuspendContributor(ctx, input.ID, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body ContributorResponse `json:"body"`
		}{Body: contributorResponse(c)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "reinstate-contributor",
		Method:      http.MethodPost,
		Path:        "/workflows/{workflow_id}/contributors/{id}/reinstate",
		Summary:     "Reinstate contributor",
		Errors: []int{
			http.StatusNotFound,
			http.StatusUnprocessableEntity,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		WorkflowID string `path:"workflow_id"`
		ID         string `path:"id"`
	}) (*struct {
		Body ContributorResponse `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if _, statusErr := fetchWorkflowContributor(ctx, e, input.WorkflowID, input.ID); statusErr != nil {
			return nil, statusErr
		}
		c, err := e.ReinstateContributor(ctx, input.ID, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body ContributorResponse `json:"body"`
		}{Body: contributorResponse(c)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "set-contributor-skills",
		Method:      http.MethodPut,
		Path:        "/workflows/{workflow_id}/contributors/{id}/skills",
		Summary:     "Replace contributor skills",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusNotFound,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		WorkflowID string           `path:"workflow_id"`
		ID         string           `path:"id"`
		Body       SetSkillsRequest `json:"body"`
	}) (*struct {
		Body ContributorResponse `json:"body"`
	}, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		if input.Body.Skills == nil {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "skills is required", nil)
		}
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if _, statusErr := fetchWorkflowContributor(ctx, e, input.WorkflowID, input.ID); statusErr != nil {
			return nil, statusErr
		}
		c, err := e.SetContributorSkills(ctx, input.ID, input.Body.Skills, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body ContributorResponse `json:"body"`
		}{Body: contributorResponse(c)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "contributor-accuracy",
		Method:      http.MethodGet,
		Path:        "/workflows/{workflow_id}/contributors/{id}/accuracy",
		Summary:     "Contributor accuracy report",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		WorkflowID string `path:"workflow_id"`
		ID         string `path:"id"`
	}) (*struct {
		Body AccuracyResponse `json:"body"`
	}, error) {
		if _, statusErr := fetchWorkflowContributor(ctx, e, input.WorkflowID, input.ID); statusErr != nil {
			return nil, statusErr
		}
		rep, err := e.Accuracy(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body AccuracyResponse `json:"body"`
		}{Body: accuracyResponse(rep)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "contributor-queue",
		Method:      http.MethodGet,
		Path:        "/workflows/{workflow_id}/contributors/{id}/queue",
		Summary:     "Contributor's pending work, highest priority first",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		WorkflowID string `path:"workflow_id"`
		ID         string `path:"id"`
	}) (*struct {
		Body itemList `json:"body"`
	}, error) {
		if _, statusErr := fetchWorkflowContributor(ctx, e, input.WorkflowID, input.ID); statusErr != nil {
			return nil, statusErr
		}
		items, err := e.PendingItems(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body itemList `json:"body"`
		}{Body: itemList{Items: mapItems(items)}}, nil
	})
}

func registerItems(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-item",
		Method:        http.MethodPost,
		Path:          "/workflows/{workflow_id}/items",
		Summary:       "Create work item",
		DefaultStatus: http.StatusCreated,
		Errors: []int{
			http.StatusBadRequest,
			http.StatusNotFound,
			http.StatusConflict,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		WorkflowID string            `path:"workflow_id"`
		Body       CreateItemRequest `json:"body"`
	}) (*struct {
		Body ItemResponse `json:"body"`
	}, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		if input.Body.Title == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "title is required", nil)
		}
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		payload, err := encodeJSONMap(input.Body.Payload)
		if err != nil {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "invalid payload", map[string]any{"error": err.Error()})
		}
		opts := engine.ItemCreateOptions{
			ID:             stringOrEmpty(input.Body.ID),
			WorkflowID:     input.WorkflowID,
			Title:          input.Body.Title,
			RequiredSkills: input.Body.RequiredSkills,
			Deadline:       stringOrEmpty(input.Body.Deadline),
			PayloadJSON:    payload,
			ActorID:        actorID,
		}
		if input.Body.Priority != nil {
			opts.Priority = *input.Body.Priority
		}
		w, err := e.CreateItem(ctx, opts)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body ItemResponse `json:"body"`
		}{Body: itemResponse(w)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-items",
		Method:      http.MethodGet,
		Path:        "/workflows/{workflow_id}/items",
		Summary:     "List work items",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		WorkflowID string `path:"workflow_id"`
		State      string `query:"state" enum:"unassigned,assigned,locked,submitted,in_review,approved,rejected"`
		Limit      int    `query:"limit" default:"50"`
		Cursor     string `query:"cursor"`
	}) (*struct {
		Body paginatedItems `json:"body"`
	}, error) {
		limit := normalizeLimit(input.Limit)
		cursorCreated, cursorID, err := parseCompositeCursor(input.Cursor)
		if err != nil {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "invalid cursor", map[string]any{"cursor": input.Cursor})
		}
		items, err := e.Ledger.ListItems(ctx, ledger.ItemFilters{
			WorkflowID:      input.WorkflowID,
			State:           input.State,
			Limit:           limit + 1,
			CursorCreatedAt: cursorCreated,
			CursorID:        cursorID,
		})
		if err != nil {
			return nil, handleError(err)
		}
		resp := paginatedItems{Items: []ItemResponse{}}
		if len(items) > limit {
			resp.NextCursor = composeCursor(items[limit].CreatedAt, items[limit].ID)
			items = items[:limit]
		}
		resp.Items = mapItems(items)
		return &struct {
			Body paginatedItems `json:"body"`
		}{Body: resp}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-item",
		Method:      http.MethodGet,
		Path:        "/workflows/{workflow_id}/items/{id}",
		Summary:     "Get work item",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		WorkflowID string `path:"workflow_id"`
		ID         string `path:"id"`
	}) (*struct {
		Body ItemResponse `json:"body"`
	}, error) {
		item, statusErr := fetchWorkflowItem(ctx, e, input.WorkflowID, input.ID)
		if statusErr != nil {
			return nil, statusErr
		}
		return &struct {
			Body ItemResponse `json:"body"`
		}{Body: itemResponse(item)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "update-item",
		Method:      http.MethodPatch,
		Path:        "/workflows/{workflow_id}/items/{id}",
		Summary:     "Update priority or deadline",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusNotFound,
			http.StatusUnprocessableEntity,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		WorkflowID string            `path:"workflow_id"`
		ID         string            `path:"id"`
		Body       UpdateItemRequest `json:"body"`
	}) (*struct {
		Body ItemResponse `json:"body"`
	}, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		if input.Body.Priority == nil && input.Body.Deadline == nil {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "priority or deadline is required", nil)
		}
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		item, statusErr := fetchWorkflowItem(ctx, e, input.WorkflowID, input.ID)
		if statusErr != nil {
			return nil, statusErr
		}
		var err error
		if input.Body.Priority != nil {
			item, err = e.SetPriority(ctx, item.ID, *input.Body.Priority, actorID)
			if err != nil {
				return nil, handleError(err)
			}
		}
		if input.Body.Deadline != nil {
			item, err = e.SetDeadline(ctx, item.ID, *input.Body.Deadline, actorID)
			if err != nil {
				return nil, handleError(err)
			}
		}
		return &struct {
			Body ItemResponse `json:"body"`
		}{Body: itemResponse(item)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "assign-item",
		Method:      http.MethodPost,
		Path:        "/workflows/{workflow_id}/items/{id}/assign",
		Summary:     "Assign item to a contributor",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusNotFound,
			http.StatusConflict,
			http.StatusUnprocessableEntity,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		WorkflowID string         `path:"workflow_id"`
		ID         string         `path:"id"`
		Body       *AssignRequest `json:"body,omitempty" required:"false"`
	}) (*struct {
		Body AssignmentResponse `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		item, statusErr := fetchWorkflowItem(ctx, e, input.WorkflowID, input.ID)
		if statusErr != nil {
			return nil, statusErr
		}
		opts := engine.AssignOptions{WorkItemID: item.ID, ActorID: actorID}
		if input.Body != nil {
			opts.ContributorID = stringOrEmpty(input.Body.ContributorID)
			opts.Mode = stringOrEmpty(input.Body.Mode)
		}
		a, err := e.Assign(ctx, opts)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body AssignmentResponse `json:"body"`
		}{Body: assignmentResponse(a)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "unassign-item",
		Method:      http.MethodPost,
		Path:        "/workflows/{workflow_id}/items/{id}/unassign",
		Summary:     "Return item to the unassigned pool",
		Errors: []int{
			http.StatusNotFound,
			http.StatusUnprocessableEntity,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		WorkflowID string `path:"workflow_id"`
		ID         string `path:"id"`
	}) (*struct {
		Body ItemResponse `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		item, statusErr := fetchWorkflowItem(ctx, e, input.WorkflowID, input.ID)
		if statusErr != nil {
			return nil, statusErr
		}
		updated, err := e.Unassign(ctx, item.ID, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body ItemResponse `json:"body"`
		}{Body: itemResponse(updated)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "acquire-lease",
		Method:      http.MethodPost,
		Path:        "/workflows/{workflow_id}/items/{id}/lease",
		Summary:     "Acquire or renew the item's lease",
		Errors: []int{
			http.StatusNotFound,
			http.StatusConflict,
			http.StatusUnprocessableEntity,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		WorkflowID string        `path:"workflow_id"`
		ID         string        `path:"id"`
		Body       *LeaseRequest `json:"body,omitempty" required:"false"`
	}) (*struct {
		Body LeaseResponse `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		item, statusErr := fetchWorkflowItem(ctx, e, input.WorkflowID, input.ID)
		if statusErr != nil {
			return nil, statusErr
		}
		opts := engine.LeaseOptions{WorkItemID: item.ID, ContributorID: actorID, ActorID: actorID}
		if input.Body != nil {
			if input.Body.ContributorID != nil && *input.Body.ContributorID != "" {
				opts.ContributorID = *input.Body.ContributorID
			}
			if input.Body.TTLSeconds != nil {
				opts.TTLSeconds = *input.Body.TTLSeconds
			}
		}
		lease, err := e.AcquireLease(ctx, opts)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body LeaseResponse `json:"body"`
		}{Body: leaseResponse(lease)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "release-lease",
		Method:      http.MethodPost,
		Path:        "/workflows/{workflow_id}/items/{id}/release",
		Summary:     "Release the item's lease",
		Errors: []int{
			http.StatusNotFound,
			http.StatusConflict,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		WorkflowID string          `path:"workflow_id"`
		ID         string          `path:"id"`
		Body       *ReleaseRequest `json:"body,omitempty" required:"false"`
	}) (*struct{}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		item, statusErr := fetchWorkflowItem(ctx, e, input.WorkflowID, input.ID)
		if statusErr != nil {
			return nil, statusErr
		}
		contributorID := actorID
		if input.Body != nil && input.Body.ContributorID != nil && *input.Body.ContributorID != "" {
			contributorID = *input.Body.ContributorID
		}
		if err := e.ReleaseLease(ctx, item.ID, contributorID, actorID); err != nil {
			return nil, handleError(err)
		}
		return &struct{}{}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "submit-version",
		Method:      http.MethodPost,
		Path:        "/workflows/{workflow_id}/items/{id}/submit",
		Summary:     "Submit an annotation version",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusNotFound,
			http.StatusConflict,
			http.StatusUnprocessableEntity,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		WorkflowID string        `path:"workflow_id"`
		ID         string        `path:"id"`
		Body       SubmitRequest `json:"body"`
	}) (*struct {
		Body SubmitResponse `json:"body"`
	}, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		if input.Body.Payload == nil {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "payload is required", nil)
		}
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		item, statusErr := fetchWorkflowItem(ctx, e, input.WorkflowID, input.ID)
		if statusErr != nil {
			return nil, statusErr
		}
		payload, err := encodeJSONMap(input.Body.Payload)
		if err != nil {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "invalid payload", map[string]any{"error": err.Error()})
		}
		contributorID := actorID
		if input.Body.ContributorID != nil && *input.Body.ContributorID != "" {
			contributorID = *input.Body.ContributorID
		}
		res, err := e.SubmitVersion(ctx, engine.SubmitOptions{
			WorkItemID:    item.ID,
			ContributorID: contributorID,
			PayloadJSON:   payload,
			ActorID:       actorID,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body SubmitResponse `json:"body"`
		}{Body: submitResponse(res)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-versions",
		Method:      http.MethodGet,
		Path:        "/workflows/{workflow_id}/items/{id}/versions",
		Summary:     "List annotation versions",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		WorkflowID string `path:"workflow_id"`
		ID         string `path:"id"`
	}) (*struct {
		Body versionList `json:"body"`
	}, error) {
		item, statusErr := fetchWorkflowItem(ctx, e, input.WorkflowID, input.ID)
		if statusErr != nil {
			return nil, statusErr
		}
		versions, err := e.Versions(ctx, item.ID)
		if err != nil {
			return nil, handleError(err)
		}
		res := versionList{Items: []VersionResponse{}}
		for _, v := range versions {
			res.Items = append(res.Items, versionResponse(v))
		}
		return &struct {
			Body versionList `json:"body"`
		}{Body: res}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "open-review",
		Method:        http.MethodPost,
		Path:          "/workflows/{workflow_id}/items/{id}/review",
		Summary:       "Open a review task for a version",
		DefaultStatus: http.StatusCreated,
		Errors: []int{
			http.StatusBadRequest,
			http.StatusNotFound,
			http.StatusConflict,
			http.StatusUnprocessableEntity,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		WorkflowID string             `path:"workflow_id"`
		ID         string             `path:"id"`
		Body       *ReviewOpenRequest `json:"body,omitempty" required:"false"`
	}) (*struct {
		Body ReviewTaskResponse `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		item, statusErr := fetchWorkflowItem(ctx, e, input.WorkflowID, input.ID)
		if statusErr != nil {
			return nil, statusErr
		}
		opts := engine.ReviewOpenOptions{WorkItemID: item.ID, ActorID: actorID}
		if input.Body != nil && input.Body.Version != nil {
			opts.Version = *input.Body.Version
		}
		rt, err := e.SubmitForReview(ctx, opts)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body ReviewTaskResponse `json:"body"`
		}{Body: reviewTaskResponse(rt)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "item-review-history",
		Method:      http.MethodGet,
		Path:        "/workflows/{workflow_id}/items/{id}/reviews",
		Summary:     "Item's review trail, oldest first",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		WorkflowID string `path:"workflow_id"`
		ID         string `path:"id"`
	}) (*struct {
		Body reviewActionList `json:"body"`
	}, error) {
		item, statusErr := fetchWorkflowItem(ctx, e, input.WorkflowID, input.ID)
		if statusErr != nil {
			return nil, statusErr
		}
		actions, err := e.ReviewHistory(ctx, item.ID)
		if err != nil {
			return nil, handleError(err)
		}
		res := reviewActionList{Items: []ReviewActionResponse{}}
		for _, a := range actions {
			res.Items = append(res.Items, reviewActionResponse(a))
		}
		return &struct {
			Body reviewActionList `json:"body"`
		}{Body: res}, nil
	})
}

func registerReviews(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-review-tasks",
		Method:      http.MethodGet,
		Path:        "/workflows/{workflow_id}/reviews",
		Summary:     "List review tasks",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		WorkflowID string `path:"workflow_id"`
		WorkItemID string `query:"work_item_id"`
		Status     string `query:"status" enum:"pending,approved,rejected"`
		Kind       string `query:"kind" enum:"standard,audit"`
		Limit      int    `query:"limit" default:"50"`
	}) (*struct {
		Body reviewTaskList `json:"body"`
	}, error) {
		tasks, err := e.Ledger.ListReviewTasks(ctx, ledger.ReviewTaskFilters{
			WorkflowID: input.WorkflowID,
			WorkItemID: input.WorkItemID,
			Status:     input.Status,
			Kind:       input.Kind,
			Limit:      normalizeLimit(input.Limit),
		})
		if err != nil {
			return nil, handleError(err)
		}
		res := reviewTaskList{Items: []ReviewTaskResponse{}}
		for _, rt := range tasks {
			res.Items = append(res.Items, reviewTaskResponse(rt))
		}
		return &struct {
			Body reviewTaskList `json:"body"`
		}{Body: res}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "approve-review",
		Method:      http.MethodPost,
		Path:        "/workflows/{workflow_id}/reviews/{id}/approve",
		Summary:     "Approve at the current level",
		Errors: []int{
			http.StatusNotFound,
			http.StatusConflict,
			http.StatusUnprocessableEntity,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		WorkflowID string                 `path:"workflow_id"`
		ID         string                 `path:"id"`
		Body       *ReviewDecisionRequest `json:"body,omitempty" required:"false"`
	}) (*struct {
		Body ReviewTaskResponse `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		rt, statusErr := fetchWorkflowReviewTask(ctx, e, input.WorkflowID, input.ID)
		if statusErr != nil {
			return nil, statusErr
		}
		opts := engine.ReviewDecisionOptions{ReviewTaskID: rt.ID, ReviewerID: actorID}
		if input.Body != nil {
			opts.Reason = stringOrEmpty(input.Body.Reason)
		}
		updated, err := e.Approve(ctx, opts)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body ReviewTaskResponse `json:"body"`
		}{Body: reviewTaskResponse(updated)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "reject-review",
		Method:      http.MethodPost,
		Path:        "/workflows/{workflow_id}/reviews/{id}/reject",
		Summary:     "Reject with a reason",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusNotFound,
			http.StatusConflict,
			http.StatusUnprocessableEntity,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		WorkflowID string                `path:"workflow_id"`
		ID         string                `path:"id"`
		Body       ReviewDecisionRequest `json:"body"`
	}) (*struct {
		Body ReviewTaskResponse `json:"body"`
	}, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		rt, statusErr := fetchWorkflowReviewTask(ctx, e, input.WorkflowID, input.ID)
		if statusErr != nil {
			return nil, statusErr
		}
		updated, err := e.Reject(ctx, engine.ReviewDecisionOptions{
			ReviewTaskID: rt.ID,
			ReviewerID:   actorID,
			Reason:       stringOrEmpty(input.Body.Reason),
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body ReviewTaskResponse `json:"body"`
		}{Body: reviewTaskResponse(updated)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "batch-approve-reviews",
		Method:      http.MethodPost,
		Path:        "/workflows/{workflow_id}/reviews/batch-approve",
		Summary:     "Approve several tasks, each independently",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		WorkflowID string              `path:"workflow_id"`
		Body       BatchApproveRequest `json:"body"`
	}) (*struct {
		Body batchApproveResponse `json:"body"`
	}, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		if len(input.Body.TaskIDs) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "task_ids is required", nil)
		}
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		decisions := e.BatchApprove(ctx, input.Body.TaskIDs, actorID)
		res := batchApproveResponse{Results: []BatchDecisionResponse{}}
		for _, d := range decisions {
			res.Results = append(res.Results, batchDecisionResponse(d))
		}
		return &struct {
			Body batchApproveResponse `json:"body"`
		}{Body: res}, nil
	})
}

func registerConflicts(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "detect-conflicts",
		Method:      http.MethodPost,
		Path:        "/workflows/{workflow_id}/items/{id}/conflicts/detect",
		Summary:     "Detect disagreements between the item's versions",
		Errors: []int{
			http.StatusNotFound,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		WorkflowID string `path:"workflow_id"`
		ID         string `path:"id"`
	}) (*struct {
		Body conflictList `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		item, statusErr := fetchWorkflowItem(ctx, e, input.WorkflowID, input.ID)
		if statusErr != nil {
			return nil, statusErr
		}
		conflicts, err := e.DetectConflicts(ctx, item.ID, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		res := conflictList{Items: []ConflictResponse{}}
		for _, c := range conflicts {
			res.Items = append(res.Items, conflictResponse(c))
		}
		return &struct {
			Body conflictList `json:"body"`
		}{Body: res}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-item-conflicts",
		Method:      http.MethodGet,
		Path:        "/workflows/{workflow_id}/items/{id}/conflicts",
		Summary:     "List the item's conflicts",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		WorkflowID string `path:"workflow_id"`
		ID         string `path:"id"`
	}) (*struct {
		Body conflictList `json:"body"`
	}, error) {
		item, statusErr := fetchWorkflowItem(ctx, e, input.WorkflowID, input.ID)
		if statusErr != nil {
			return nil, statusErr
		}
		conflicts, err := e.Ledger.ListConflicts(ctx, ledger.ConflictFilters{WorkItemID: item.ID})
		if err != nil {
			return nil, handleError(err)
		}
		res := conflictList{Items: []ConflictResponse{}}
		for _, c := range conflicts {
			res.Items = append(res.Items, conflictResponse(c))
		}
		return &struct {
			Body conflictList `json:"body"`
		}{Body: res}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-conflicts",
		Method:      http.MethodGet,
		Path:        "/workflows/{workflow_id}/conflicts",
		Summary:     "List conflicts",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		WorkflowID string `path:"workflow_id"`
		Status     string `query:"status" enum:"unresolved,resolved"`
		Limit      int    `query:"limit" default:"50"`
	}) (*struct {
		Body conflictList `json:"body"`
	}, error) {
		conflicts, err := e.Ledger.ListConflicts(ctx, ledger.ConflictFilters{
			WorkflowID: input.WorkflowID,
			Status:     input.Status,
			Limit:      normalizeLimit(input.Limit),
		})
		if err != nil {
			return nil, handleError(err)
		}
		res := conflictList{Items: []ConflictResponse{}}
		for _, c := range conflicts {
			res.Items = append(res.Items, conflictResponse(c))
		}
		return &struct {
			Body conflictList `json:"body"`
		}{Body: res}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "conflict-report",
		Method:      http.MethodGet,
		Path:        "/workflows/{workflow_id}/conflicts/report",
		Summary:     "Conflict tallies for the workflow",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		WorkflowID string `path:"workflow_id"`
	}) (*struct {
		Body engine.ConflictReport `json:"body"`
	}, error) {
		report, err := e.ConflictReport(ctx, input.WorkflowID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body engine.ConflictReport `json:"body"`
		}{Body: report}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "cast-vote",
		Method:      http.MethodPost,
		Path:        "/workflows/{workflow_id}/conflicts/{id}/vote",
		Summary:     "Vote for one side of a conflict",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusNotFound,
			http.StatusUnprocessableEntity,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		WorkflowID string      `path:"workflow_id"`
		ID         string      `path:"id"`
		Body       VoteRequest `json:"body"`
	}) (*struct {
		Body VoteResponse `json:"body"`
	}, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		c, statusErr := fetchWorkflowConflict(ctx, e, input.WorkflowID, input.ID)
		if statusErr != nil {
			return nil, statusErr
		}
		v, err := e.Vote(ctx, engine.VoteOptions{
			ConflictID: c.ID,
			VoterID:    actorID,
			Choice:     input.Body.Choice,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body VoteResponse `json:"body"`
		}{Body: voteResponse(v)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "resolve-by-vote",
		Method:      http.MethodPost,
		Path:        "/workflows/{workflow_id}/conflicts/{id}/resolve/vote",
		Summary:     "Resolve by strict ballot majority",
		Errors: []int{
			http.StatusNotFound,
			http.StatusConflict,
			http.StatusUnprocessableEntity,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		WorkflowID string `path:"workflow_id"`
		ID         string `path:"id"`
	}) (*struct {
		Body ConflictResponse `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		c, statusErr := fetchWorkflowConflict(ctx, e, input.WorkflowID, input.ID)
		if statusErr != nil {
			return nil, statusErr
		}
		resolved, err := e.ResolveByVote(ctx, c.ID, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body ConflictResponse `json:"body"`
		}{Body: conflictResponse(resolved)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "resolve-by-arbiter",
		Method:      http.MethodPost,
		Path:        "/workflows/{workflow_id}/conflicts/{id}/resolve/arbiter",
		Summary:     "Resolve by arbiter decision",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusNotFound,
			http.StatusUnprocessableEntity,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		WorkflowID string                `path:"workflow_id"`
		ID         string                `path:"id"`
		Body       ArbiterResolveRequest `json:"body"`
	}) (*struct {
		Body ConflictResponse `json:"body"`
	}, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		c, statusErr := fetchWorkflowConflict(ctx, e, input.WorkflowID, input.ID)
		if statusErr != nil {
			return nil, statusErr
		}
		arbiterID := actorID
		if input.Body.ArbiterID != nil && *input.Body.ArbiterID != "" {
			arbiterID = *input.Body.ArbiterID
		}
		resolved, err := e.ResolveByArbiter(ctx, engine.ArbiterOptions{
			ConflictID: c.ID,
			ArbiterID:  arbiterID,
			Choice:     input.Body.Choice,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body ConflictResponse `json:"body"`
		}{Body: conflictResponse(resolved)}, nil
	})
}

func registerQuality(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "quality-check",
		Method:      http.MethodPost,
		Path:        "/workflows/{workflow_id}/contributors/{id}/quality/check",
		Summary:     "Run the quality gate for a contributor",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusNotFound,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		WorkflowID string                 `path:"workflow_id"`
		ID         string                 `path:"id"`
		Body       *ThresholdCheckRequest `json:"body,omitempty" required:"false"`
	}) (*struct {
		Body engine.ThresholdCheck `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if _, statusErr := fetchWorkflowContributor(ctx, e, input.WorkflowID, input.ID); statusErr != nil {
			return nil, statusErr
		}
		threshold := workflowConfigFor(ctx, e, input.WorkflowID).Quality.Threshold
		if input.Body != nil && input.Body.Threshold != nil {
			threshold = *input.Body.Threshold
		}
		check, err := e.CheckThreshold(ctx, engine.ThresholdCheckOptions{
			ContributorID: input.ID,
			Threshold:     threshold,
			ActorID:       actorID,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body engine.ThresholdCheck `json:"body"`
		}{Body: check}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "sample-audits",
		Method:      http.MethodPost,
		Path:        "/workflows/{workflow_id}/quality/sample",
		Summary:     "Open audit reviews for a sample of approved items",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusNotFound,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		WorkflowID string         `path:"workflow_id"`
		Body       *SampleRequest `json:"body,omitempty" required:"false"`
	}) (*struct {
		Body sampleResponse `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		rate := workflowConfigFor(ctx, e, input.WorkflowID).Review.AuditSampleRate
		if input.Body != nil && input.Body.Rate != nil {
			rate = *input.Body.Rate
		}
		tasks, err := e.SampleForReview(ctx, engine.SampleOptions{
			WorkflowID: input.WorkflowID,
			Rate:       rate,
			ActorID:    actorID,
		})
		if err != nil {
			return nil, handleError(err)
		}
		res := sampleResponse{Sampled: len(tasks), Tasks: []ReviewTaskResponse{}}
		for _, rt := range tasks {
			res.Tasks = append(res.Tasks, reviewTaskResponse(rt))
		}
		return &struct {
			Body sampleResponse `json:"body"`
		}{Body: res}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "quality-ranking",
		Method:      http.MethodGet,
		Path:        "/workflows/{workflow_id}/quality/ranking",
		Summary:     "Contributors ranked by accuracy",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		WorkflowID string `path:"workflow_id"`
	}) (*struct {
		Body accuracyList `json:"body"`
	}, error) {
		reports, err := e.QualityRanking(ctx, input.WorkflowID)
		if err != nil {
			return nil, handleError(err)
		}
		res := accuracyList{Items: []AccuracyResponse{}}
		for _, r := range reports {
			res.Items = append(res.Items, accuracyResponse(r))
		}
		return &struct {
			Body accuracyList `json:"body"`
		}{Body: res}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "recompute-accuracy",
		Method:      http.MethodPost,
		Path:        "/workflows/{workflow_id}/quality/recompute",
		Summary:     "Recompute stored accuracy for all contributors",
		Errors: []int{
			http.StatusNotFound,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		WorkflowID string `path:"workflow_id"`
	}) (*struct {
		Body recomputeResponse `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		updated, err := e.RecomputeAccuracy(ctx, input.WorkflowID, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body recomputeResponse `json:"body"`
		}{Body: recomputeResponse{Updated: updated}}, nil
	})
}

func registerEvents(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-events",
		Method:      http.MethodGet,
		Path:        "/workflows/{workflow_id}/events",
		Summary:     "List recent events",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		WorkflowID string `path:"workflow_id"`
		Type       string `query:"type"`
		EntityKind string `query:"entity_kind" enum:"workflow,contributor,item,review,conflict"`
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
			if err != nil {
				return nil, newAPIError(http.StatusBadRequest, "bad_request", "invalid cursor", map[string]any{"cursor": input.Cursor})
			}
			cursorID = parsed
		}
		items, err := e.Ledger.LatestEventsFrom(ctx, limit+1, cursorID, input.WorkflowID, input.Type, input.EntityKind, input.EntityID)
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

func registerMe(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "me",
		Method:      http.MethodGet,
		Path:        "/me",
		Summary:     "Current principal",
		Errors: []int{
			http.StatusUnauthorized,
		},
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body MeResponse `json:"body"`
	}, error) {
		principal, ok := principalFromContext(ctx)
		if !ok || principal.ActorID == "" {
			return nil, newAPIError(http.StatusUnauthorized, "unauthorized", "authentication required", nil)
		}
		return &struct {
			Body MeResponse `json:"body"`
		}{Body: MeResponse{
			ActorID: principal.ActorID,
			Source:  principal.Source,
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
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		actor := strings.TrimSpace(input.Body.ActorID)
		if actor == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "actor_id is required", nil)
		}
		ttl := 0
		if input.Body.TTLSeconds != nil {
			ttl = *input.Body.TTLSeconds
		}
		token, err := signDevToken(authCfg.JWTSecret, actor, secondsToDuration(ttl))
		if err != nil {
			return nil, newAPIError(http.StatusInternalServerError, "internal_error", err.Error(), nil)
		}
		return &struct {
			Body DevLoginResponse `json:"body"`
		}{Body: DevLoginResponse{Token: token}}, nil
	})
}

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

// workflowConfigFor mirrors the engine's config resolution: stored row first,
// then the config bound at startup, then compiled defaults.
func workflowConfigFor(ctx context.Context, e engine.Engine, workflowID string) *config.Config {
	if cfg, err := e.Ledger.GetWorkflowConfig(ctx, workflowID); err == nil {
		return cfg
	}
	if e.Config != nil && e.Config.Workflow.ID == workflowID {
		return e.Config
	}
	return config.Default(workflowID)
}

func workflowMatches(pathID, entityID string) bool {
	return pathID == "" || pathID == entityID
}

func fetchWorkflowItem(ctx context.Context, e engine.Engine, workflowID, itemID string) (domain.WorkItem, huma.StatusError) {
	item, err := e.Ledger.GetItem(ctx, itemID)
	if err != nil {
		return domain.WorkItem{}, handleError(err)
	}
	if !workflowMatches(workflowID, item.WorkflowID) {
		return domain.WorkItem{}, newAPIError(http.StatusNotFound, "not_found", "work item not found in workflow", nil)
	}
	return item, nil
}

func fetchWorkflowContributor(ctx context.Context, e engine.Engine, workflowID, contributorID string) (domain.Contributor, huma.StatusError) {
	c, err := e.Ledger.GetContributor(ctx, contributorID)
	if err != nil {
		return domain.Contributor{}, handleError(err)
	}
	if !workflowMatches(workflowID, c.WorkflowID) {
		return domain.Contributor{}, newAPIError(http.StatusNotFound, "not_found", "contributor not found in workflow", nil)
	}
	return c, nil
}

func fetchWorkflowReviewTask(ctx context.Context, e engine.Engine, workflowID, taskID string) (domain.ReviewTask, huma.StatusError) {
	rt, err := e.Ledger.GetReviewTask(ctx, taskID)
	if err != nil {
		return domain.ReviewTask{}, handleError(err)
	}
	item, err := e.Ledger.GetItem(ctx, rt.WorkItemID)
	if err != nil {
		return domain.ReviewTask{}, handleError(err)
	}
	if !workflowMatches(workflowID, item.WorkflowID) {
		return domain.ReviewTask{}, newAPIError(http.StatusNotFound, "not_found", "review task not found in workflow", nil)
	}
	return rt, nil
}

func fetchWorkflowConflict(ctx context.Context, e engine.Engine, workflowID, conflictID string) (domain.Conflict, huma.StatusError) {
	c, err := e.Ledger.GetConflict(ctx, conflictID)
	if err != nil {
		return domain.Conflict{}, handleError(err)
	}
	item, err := e.Ledger.GetItem(ctx, c.WorkItemID)
	if err != nil {
		return domain.Conflict{}, handleError(err)
	}
	if !workflowMatches(workflowID, item.WorkflowID) {
		return domain.Conflict{}, newAPIError(http.StatusNotFound, "not_found", "conflict not found in workflow", nil)
	}
	return c, nil
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

func parseCompositeCursor(cursor string) (string, string, error) {
	if cursor == "" {
		return "", "", nil
	}
	parts := strings.SplitN(cursor, "|", 2)
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", fmt.Errorf("invalid cursor")
	}
	return parts[0], parts[1], nil
}

func composeCursor(ts, id string) string {
	if ts == "" || id == "" {
		return ""
	}
	return ts + "|" + id
}

func mapItems(items []domain.WorkItem) []ItemResponse {
	res := make([]ItemResponse, 0, len(items))
	for _, w := range items {
		res = append(res, itemResponse(w))
	}
	return res
}

func stringOrEmpty(ptr *string) string {
	if ptr == nil {
		return ""
	}
	return *ptr
}

func secondsToDuration(seconds int) time.Duration {
	if seconds <= 0 {
		return 0
	}
	return time.Duration(seconds) * time.Second
}
