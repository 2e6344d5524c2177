package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"path"
	"strings"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/danielgtaylor/huma/v2"
	humachi "github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"

	"tasksift/internal/classify"
	"tasksift/internal/config"
	"tasksift/internal/credentials"
	"tasksift/internal/domain"
	"tasksift/internal/engine"
	"tasksift/internal/engine/auth"
)

// Config for the HTTP API handler.
type Config struct {
	Engine   engine.Engine
	BasePath string
	Auth     AuthConfig
	// CookieSecret seals credential cookies. Defaults to the JWT secret.
	CookieSecret []byte
	CookieSecure bool
	// BoardOAuth enables the authorize and callback routes when ClientID is set.
	BoardOAuth config.BoardOAuth
}

// maxBodyBytes caps request bodies; the largest legitimate one is a skill edit.
const maxBodyBytes = 1 << 20

type apiErrorBody struct {
	Code    string         `json:"code" example:"not_connected"`
	Message string         `json:"message" example:"task board not connected"`
	Details map[string]any `json:"details,omitempty" jsonschema:"type=object,additionalProperties=true" example:"{\"connection_id\":\"c1\"}"`
}

type requestKey struct{}
type bodyBytesKey struct{}

// apiError models the required error envelope.
type apiError struct {
	status int
	Body   apiErrorBody `json:"error"`
}

func (e *apiError) GetStatus() int { return e.status }
func (e *apiError) Error() string  { return e.Body.Message }

// New returns an HTTP handler exposing the tasksift API.
func New(cfg Config) (http.Handler, error) {
	basePath := cfg.BasePath
	if basePath == "" {
		basePath = "/v0"
	}
	if !strings.HasPrefix(basePath, "/") {
		basePath = "/" + basePath
	}
	secret := cfg.CookieSecret
	if len(secret) == 0 {
		secret = []byte(cfg.Auth.JWTSecret)
	}
	jar, err := newCookieJar(secret, cfg.CookieSecure, cfg.Auth.Logger)
	if err != nil {
		return nil, errors.WithHint(err, "set --jwt-secret or SIFT_JWT_SECRET")
	}
	boardOAuth, err := newBoardOAuth(cfg.Engine, cfg.BoardOAuth, basePath, jar)
	if err != nil {
		return nil, err
	}

	huma.DefaultArrayNullable = false
	// Override Huma errors to use the requested envelope.
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
			bodyBytes, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
			if err != nil {
				var tooLarge *http.MaxBytesError
				if errors.As(err, &tooLarge) {
					respondStatusError(w, newAPIError(http.StatusRequestEntityTooLarge, "payload_too_large",
						fmt.Sprintf("request body exceeds %d bytes", tooLarge.Limit), nil))
					return
				}
				respondStatusError(w, newAPIError(http.StatusBadRequest, "bad_request", "unreadable request body", nil))
				return
			}
			r.Body = io.NopCloser(bytes.NewBuffer(bodyBytes))
			ctx := context.WithValue(r.Context(), requestKey{}, r)
			ctx = context.WithValue(ctx, bodyBytesKey{}, bodyBytes)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	})
	router.Use(newAuthMiddleware(basePath, cfg.Auth))
	hcfg := huma.DefaultConfig("tasksift API", "0.1.0")
	hcfg.OpenAPIPath = "/openapi"
	hcfg.DocsPath = "" // custom Swagger UI below
	api := humachi.New(router, hcfg)
	group := huma.NewGroup(api, basePath)

	registerDocs(router, basePath)
	registerHealth(group)
	registerMe(group)
	if cfg.Auth.DevLogin {
		registerDevAuth(group, cfg.Engine, cfg.Auth)
	}
	registerCredentials(group, cfg.Engine, jar)
	registerBoard(group, cfg.Engine, jar)
	registerConnections(group, cfg.Engine, jar)
	registerCandidates(group, cfg.Engine, jar)
	if boardOAuth != nil {
		registerBoardOAuth(group, router, boardOAuth)
	}
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

// handleError maps the engine taxonomy onto HTTP statuses. Checks run from the
// most specific mark outward because one error can carry several.
func handleError(err error) huma.StatusError {
	if err == nil {
		return nil
	}
	msg := err.Error()
	switch {
	case errors.Is(err, auth.ErrNotAuthenticated):
		return newAPIError(http.StatusUnauthorized, "not_authenticated", msg, nil)
	case errors.Is(err, engine.ErrNotConnected):
		return newAPIError(http.StatusUnauthorized, "not_connected", msg, nil)
	case errors.Is(err, engine.ErrNotConfigured):
		return newAPIError(http.StatusBadRequest, "not_configured", msg, nil)
	case errors.Is(err, engine.ErrSkillMissing):
		return newAPIError(http.StatusNotFound, "skill_missing", msg, nil)
	case errors.Is(err, engine.ErrNotFound):
		return newAPIError(http.StatusNotFound, "not_found", msg, nil)
	case errors.Is(err, engine.ErrConflict):
		return newAPIError(http.StatusConflict, "conflict", msg, nil)
	case errors.Is(err, engine.ErrInvalidInput):
		return newAPIError(http.StatusBadRequest, "bad_request", msg, nil)
	case errors.Is(err, engine.ErrExternalMove):
		return newAPIError(http.StatusBadGateway, "external_move_failed", msg, nil)
	case errors.Is(err, classify.ErrClassification):
		return newAPIError(http.StatusBadGateway, "classification_failed", msg, nil)
	case errors.Is(err, engine.ErrBoard):
		return newAPIError(http.StatusBadGateway, "board_unavailable", msg, nil)
	case errors.IsAny(err, context.DeadlineExceeded, context.Canceled):
		return newAPIError(http.StatusGatewayTimeout, "timeout", msg, nil)
	case errors.Is(err, engine.ErrPersistence):
		return newAPIError(http.StatusInternalServerError, "persistence_failed", "internal error", map[string]any{"error": msg})
	default:
		return newAPIError(http.StatusInternalServerError, "internal_error", "internal error", map[string]any{"error": msg})
	}
}

func defaultCodeForStatus(status int) string {
	switch status {
	case http.StatusBadRequest:
		return "bad_request"
	case http.StatusUnauthorized:
		return "not_authenticated"
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

func registerOpenAPI(r chi.Router, api huma.API, basePath string) {
	var (
		once sync.Once
		doc  []byte
	)
	specPath := path.Join(basePath, "openapi.json")
	r.Get(specPath, func(w http.ResponseWriter, r *http.Request) {
		once.Do(func() {
			oas := api.OpenAPI()
			ensureDefaultErrorResponses(oas)
			applyAuthSecurity(oas, basePath)
			doc, _ = json.Marshal(oas)
		})
		w.Header().Set("Content-Type", "application/json")
		w.Write(doc)
	})
}

func ensureDefaultErrorResponses(oas *huma.OpenAPI) {
	if oas == nil || oas.Paths == nil {
		return
	}
	for _, item := range oas.Paths {
		for _, op := range []*huma.Operation{
			item.Get, item.Put, item.Post, item.Delete, item.Patch,
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
	if oas.Components == nil {
		oas.Components = &huma.Components{}
	}
	if oas.Components.Schemas != nil {
		oas.Components.Schemas.Map()["ApiError"] = &huma.Schema{
			Type: "object",
			Properties: map[string]*huma.Schema{
				"error": {
					Type: "object",
					Properties: map[string]*huma.Schema{
						"code":    {Type: "string"},
						"message": {Type: "string"},
						"details": {Type: "object"},
					},
					Required: []string{"code", "message"},
				},
			},
			Required: []string{"error"},
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
	security := []map[string][]string{{"bearerAuth": {}}}
	oas.Security = security
	open := map[string]bool{
		path.Join(basePath, "health"):         true,
		path.Join(basePath, "auth/dev/login"): true,
	}
	for route, item := range oas.Paths {
		for _, op := range []*huma.Operation{
			item.Get, item.Put, item.Post, item.Delete, item.Patch,
		} {
			if op == nil {
				continue
			}
			if open[route] {
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
    <title>tasksift API Docs</title>
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
      Authenticate with Authorization: Bearer &lt;token&gt;. Board and classifier credentials travel in sealed cookies.
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

func registerMe(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "me",
		Method:      http.MethodGet,
		Path:        "/me",
		Summary:     "Current principal",
		Errors:      []int{http.StatusUnauthorized},
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body WhoAmIResponse `json:"body"`
	}, error) {
		p, ok := principalFromContext(ctx)
		if !ok || p.ActorID == "" {
			return nil, newAPIError(http.StatusUnauthorized, "not_authenticated", "authentication required", nil)
		}
		return &struct {
			Body WhoAmIResponse `json:"body"`
		}{Body: WhoAmIResponse{ActorID: p.ActorID, Source: p.Source}}, nil
	})
}

func registerDevAuth(api huma.API, e engine.Engine, authCfg AuthConfig) {
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
		now := time.Now()
		if e.Now != nil {
			now = e.Now()
		}
		token, err := SignDevToken(authCfg.JWTSecret, actor, now)
		if err != nil {
			return nil, newAPIError(http.StatusInternalServerError, "internal_error", err.Error(), nil)
		}
		return &struct {
			Body DevLoginResponse `json:"body"`
		}{Body: DevLoginResponse{Token: token}}, nil
	})
}

type credentialsOutput struct {
	SetCookie http.Cookie              `header:"Set-Cookie"`
	Body      CredentialStatusResponse `json:"body"`
}

func registerCredentials(api huma.API, e engine.Engine, jar *cookieJar) {
	huma.Register(api, huma.Operation{
		OperationID: "get-credentials",
		Method:      http.MethodGet,
		Path:        "/credentials",
		Summary:     "Report which credentials the caller holds",
		Errors:      []int{http.StatusUnauthorized},
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body CredentialStatusResponse `json:"body"`
	}, error) {
		caller, authErr := jar.caller(ctx)
		if authErr != nil {
			return nil, authErr
		}
		static, _ := caller.Credentials.(credentials.Static)
		return &struct {
			Body CredentialStatusResponse `json:"body"`
		}{Body: credentialStatus(static)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "connect-board",
		Method:      http.MethodPut,
		Path:        "/credentials/board",
		Summary:     "Validate and store a board token",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusUnauthorized,
			http.StatusBadGateway,
		},
	}, func(ctx context.Context, input *struct {
		Body BoardTokenRequest `json:"body"`
	}) (*struct {
		SetCookie http.Cookie            `header:"Set-Cookie"`
		Body      BoardConnectedResponse `json:"body"`
	}, error) {
		caller, authErr := jar.caller(ctx)
		if authErr != nil {
			return nil, authErr
		}
		token := credentials.Secret(strings.TrimSpace(input.Body.Token))
		user, err := e.VerifyBoardToken(ctx, caller.ActorID, token)
		if err != nil {
			return nil, handleError(err)
		}
		cookie, err := jar.sealBoard(token)
		if err != nil {
			return nil, handleError(err)
		}
		static, _ := caller.Credentials.(credentials.Static)
		static.Board = token
		return &struct {
			SetCookie http.Cookie            `header:"Set-Cookie"`
			Body      BoardConnectedResponse `json:"body"`
		}{
			SetCookie: cookie,
			Body:      BoardConnectedResponse{User: user, CredentialStatusResponse: credentialStatus(static)},
		}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "disconnect-board",
		Method:      http.MethodDelete,
		Path:        "/credentials/board",
		Summary:     "Forget the board token",
		Errors:      []int{http.StatusUnauthorized},
	}, func(ctx context.Context, _ *struct{}) (*credentialsOutput, error) {
		caller, authErr := jar.caller(ctx)
		if authErr != nil {
			return nil, authErr
		}
		static, _ := caller.Credentials.(credentials.Static)
		static.Board = ""
		return &credentialsOutput{SetCookie: jar.clear(boardCookie), Body: credentialStatus(static)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "configure-classifier",
		Method:      http.MethodPut,
		Path:        "/credentials/classifier",
		Summary:     "Validate and store classifier credentials",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusUnauthorized,
		},
	}, func(ctx context.Context, input *struct {
		Body ClassifierRequest `json:"body"`
	}) (*credentialsOutput, error) {
		caller, authErr := jar.caller(ctx)
		if authErr != nil {
			return nil, authErr
		}
		cred := credentials.Classifier{
			Provider: credentials.NormalizeProvider(input.Body.Provider),
			APIKey:   credentials.Secret(strings.TrimSpace(input.Body.APIKey)),
		}
		if err := e.VerifyClassifier(ctx, caller.ActorID, cred); err != nil {
			return nil, handleError(err)
		}
		cookie, err := jar.sealClassifier(cred)
		if err != nil {
			return nil, handleError(err)
		}
		static, _ := caller.Credentials.(credentials.Static)
		static.ClassifierProvider = cred.Provider
		static.ClassifierKey = cred.APIKey
		return &credentialsOutput{SetCookie: cookie, Body: credentialStatus(static)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "clear-classifier",
		Method:      http.MethodDelete,
		Path:        "/credentials/classifier",
		Summary:     "Forget the classifier credentials",
		Errors:      []int{http.StatusUnauthorized},
	}, func(ctx context.Context, _ *struct{}) (*credentialsOutput, error) {
		caller, authErr := jar.caller(ctx)
		if authErr != nil {
			return nil, authErr
		}
		static, _ := caller.Credentials.(credentials.Static)
		static.ClassifierProvider = ""
		static.ClassifierKey = ""
		return &credentialsOutput{SetCookie: jar.clear(classifierCookie), Body: credentialStatus(static)}, nil
	})
}

func registerBoard(api huma.API, e engine.Engine, jar *cookieJar) {
	huma.Register(api, huma.Operation{
		OperationID: "list-board-projects",
		Method:      http.MethodGet,
		Path:        "/board/projects",
		Summary:     "List board projects grouped by workspace",
		Errors: []int{
			http.StatusUnauthorized,
			http.StatusBadGateway,
		},
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body WorkspaceListResponse `json:"body"`
	}, error) {
		caller, authErr := jar.caller(ctx)
		if authErr != nil {
			return nil, authErr
		}
		items, err := e.ListBoardProjects(ctx, caller)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body WorkspaceListResponse `json:"body"`
		}{Body: WorkspaceListResponse{Items: nonNilSlice(items)}}, nil
	})
}

func registerConnections(api huma.API, e engine.Engine, jar *cookieJar) {
	type connectionPath struct {
		ID string `path:"id"`
	}

	huma.Register(api, huma.Operation{
		OperationID:   "create-connection",
		Method:        http.MethodPost,
		Path:          "/connections",
		Summary:       "Pair a source and destination project and bootstrap skill v1",
		DefaultStatus: http.StatusCreated,
		Errors: []int{
			http.StatusBadRequest,
			http.StatusUnauthorized,
			http.StatusInternalServerError,
			http.StatusBadGateway,
		},
	}, func(ctx context.Context, input *struct {
		Body CreateConnectionRequest `json:"body"`
	}) (*struct {
		Body engine.PairingResult `json:"body"`
	}, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		caller, authErr := jar.caller(ctx)
		if authErr != nil {
			return nil, authErr
		}
		res, err := e.CreatePairing(ctx, caller,
			domain.ProjectRef{ID: input.Body.Source.ID, Name: strings.TrimSpace(input.Body.Source.Name)},
			domain.ProjectRef{ID: input.Body.Dest.ID, Name: strings.TrimSpace(input.Body.Dest.Name)},
		)
		if err != nil {
			statusErr := handleError(err)
			if ae, ok := statusErr.(*apiError); ok && res.Connection.ID != "" {
				if ae.Body.Details == nil {
					ae.Body.Details = map[string]any{}
				}
				ae.Body.Details["connection_id"] = res.Connection.ID
			}
			return nil, statusErr
		}
		return &struct {
			Body engine.PairingResult `json:"body"`
		}{Body: res}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "active-connection",
		Method:      http.MethodGet,
		Path:        "/connections/active",
		Summary:     "Active connection, current skill and candidate counts",
		Errors:      []int{http.StatusUnauthorized},
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body engine.ActiveState `json:"body"`
	}, error) {
		caller, authErr := jar.caller(ctx)
		if authErr != nil {
			return nil, authErr
		}
		state, err := e.ActiveState(ctx, caller)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body engine.ActiveState `json:"body"`
		}{Body: state}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-candidates",
		Method:      http.MethodGet,
		Path:        "/connections/{id}/candidates",
		Summary:     "List candidates, newest first",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusUnauthorized,
			http.StatusNotFound,
		},
	}, func(ctx context.Context, input *struct {
		ID     string `path:"id"`
		Status string `query:"status" enum:"all,pending,approved,rejected,moved"`
	}) (*struct {
		Body CandidateListResponse `json:"body"`
	}, error) {
		caller, authErr := jar.caller(ctx)
		if authErr != nil {
			return nil, authErr
		}
		items, err := e.ListCandidates(ctx, caller, input.ID, input.Status)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body CandidateListResponse `json:"body"`
		}{Body: CandidateListResponse{Items: nonNilSlice(items)}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "poll-connection",
		Method:      http.MethodPost,
		Path:        "/connections/{id}/poll",
		Summary:     "Score new source tasks against the current skill",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusUnauthorized,
			http.StatusNotFound,
			http.StatusConflict,
			http.StatusBadGateway,
		},
	}, func(ctx context.Context, input *connectionPath) (*struct {
		Body engine.PollResult `json:"body"`
	}, error) {
		caller, authErr := jar.caller(ctx)
		if authErr != nil {
			return nil, authErr
		}
		res, err := e.Poll(ctx, caller, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body engine.PollResult `json:"body"`
		}{Body: res}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-skill",
		Method:      http.MethodGet,
		Path:        "/connections/{id}/skill",
		Summary:     "Current skill and version count",
		Errors: []int{
			http.StatusUnauthorized,
			http.StatusNotFound,
		},
	}, func(ctx context.Context, input *connectionPath) (*struct {
		Body engine.SkillView `json:"body"`
	}, error) {
		caller, authErr := jar.caller(ctx)
		if authErr != nil {
			return nil, authErr
		}
		view, err := e.GetSkill(ctx, caller, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body engine.SkillView `json:"body"`
		}{Body: view}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-skills",
		Method:      http.MethodGet,
		Path:        "/connections/{id}/skills",
		Summary:     "Every skill version, newest first",
		Errors: []int{
			http.StatusUnauthorized,
			http.StatusNotFound,
		},
	}, func(ctx context.Context, input *connectionPath) (*struct {
		Body SkillHistoryResponse `json:"body"`
	}, error) {
		caller, authErr := jar.caller(ctx)
		if authErr != nil {
			return nil, authErr
		}
		items, err := e.ListSkills(ctx, caller, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body SkillHistoryResponse `json:"body"`
		}{Body: SkillHistoryResponse{Items: nonNilSlice(items)}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "bootstrap-connection",
		Method:        http.MethodPost,
		Path:          "/connections/{id}/bootstrap",
		Summary:       "Retry bootstrap for a connection without a skill",
		DefaultStatus: http.StatusCreated,
		Errors: []int{
			http.StatusBadRequest,
			http.StatusUnauthorized,
			http.StatusNotFound,
			http.StatusConflict,
			http.StatusBadGateway,
		},
	}, func(ctx context.Context, input *connectionPath) (*struct {
		Body domain.Skill `json:"body"`
	}, error) {
		caller, authErr := jar.caller(ctx)
		if authErr != nil {
			return nil, authErr
		}
		skill, err := e.Bootstrap(ctx, caller, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Skill `json:"body"`
		}{Body: skill}, nil
	})
}

func registerCandidates(api huma.API, e engine.Engine, jar *cookieJar) {
	huma.Register(api, huma.Operation{
		OperationID: "review-candidate",
		Method:      http.MethodPost,
		Path:        "/candidates/{id}/review",
		Summary:     "Approve or reject a pending candidate",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusUnauthorized,
			http.StatusNotFound,
			http.StatusConflict,
			http.StatusBadGateway,
		},
	}, func(ctx context.Context, input *struct {
		ID   string        `path:"id"`
		Body ReviewRequest `json:"body"`
	}) (*struct {
		Body engine.ReviewResult `json:"body"`
	}, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		caller, authErr := jar.caller(ctx)
		if authErr != nil {
			return nil, authErr
		}
		res, err := e.Review(ctx, caller, input.ID, domain.ReviewAction(input.Body.Action), input.Body.Comment)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body engine.ReviewResult `json:"body"`
		}{Body: res}, nil
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
