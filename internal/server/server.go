package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"path"
	"strings"
	"sync"
	"time"

	"github.com/danielgtaylor/huma/v2"
	humachi "github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"syncline/internal/consistency"
	"syncline/internal/domain"
	"syncline/internal/engine"
	"syncline/internal/gateway"
	"syncline/internal/hub"
	"syncline/internal/metrics"
	"syncline/internal/repo"
)

// ErrKanbanReadOnly rejects story moves while the board is not editable.
var ErrKanbanReadOnly = errors.New("kanban editable mode is disabled; story status transitions are read-only")

// Error codes carried in the error envelope.
const (
	CodeValidation        = "VALIDATION_ERROR"
	CodeNotFound          = "NOT_FOUND"
	CodeInvalidTransition = "INVALID_TRANSITION"
	CodeUnauthorized      = "UNAUTHORIZED"
	CodeForbidden         = "FORBIDDEN"
	CodeDBLockTimeout     = "DB_LOCK_TIMEOUT"
	CodeInternal          = "INTERNAL_ERROR"
)

// Config for the HTTP handler.
type Config struct {
	Engine   engine.Engine
	Hub      *hub.Hub
	Gateway  *gateway.Gateway
	Monitor  *consistency.Monitor
	Metrics  *metrics.Collector
	BasePath string
	Auth     AuthConfig
	Logger   *slog.Logger
	Now      func() time.Time
}

type apiErrorBody struct {
	Code         string         `json:"code" example:"NOT_FOUND"`
	Message      string         `json:"message" example:"workflow wf-9: not found"`
	Recoverable  bool           `json:"recoverable"`
	RequestID    string         `json:"requestId"`
	TimestampUTC string         `json:"timestampUtc" format:"date-time"`
	Details      map[string]any `json:"details,omitempty" jsonschema:"type=object,additionalProperties=true"`
}

// apiError models the error envelope.
type apiError struct {
	status int
	Body   apiErrorBody `json:"error"`
}

func (e *apiError) GetStatus() int { return e.status }
func (e *apiError) Error() string  { return e.Body.Message }

type api struct {
	cfg Config
	log *slog.Logger
}

func (a *api) now() time.Time {
	if a.cfg.Now != nil {
		return a.cfg.Now()
	}
	return time.Now()
}

// New returns the HTTP handler: the REST API under the base path, the
// realtime socket at /ws, Prometheus at /metrics and the API docs.
func New(cfg Config) (http.Handler, error) {
	if cfg.Hub == nil || cfg.Monitor == nil {
		return nil, errors.New("server: hub and consistency monitor are required")
	}
	basePath := cfg.BasePath
	if basePath == "" {
		basePath = "/api/v1"
	}
	if !strings.HasPrefix(basePath, "/") {
		basePath = "/" + basePath
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	a := &api{cfg: cfg, log: cfg.Logger.With("component", "http")}

	huma.DefaultArrayNullable = false
	huma.NewError = func(status int, msg string, errs ...error) huma.StatusError {
		return a.newError(context.Background(), status, "", msg, errorDetails(errs))
	}
	huma.NewErrorWithContext = func(hctx huma.Context, status int, msg string, errs ...error) huma.StatusError {
		if status == http.StatusUnprocessableEntity {
			status = http.StatusBadRequest
		}
		ctx := context.Background()
		if hctx != nil {
			ctx = hctx.Context()
		}
		return a.newError(ctx, status, "", msg, errorDetails(errs))
	}

	router := chi.NewRouter()
	router.Use(middleware.RequestID)
	router.Use(middleware.Recoverer)
	router.Use(a.requestLogger)
	router.Use(authMiddleware(cfg.Auth, a))

	if cfg.Gateway != nil {
		router.Handle("/ws", cfg.Gateway)
	}
	if cfg.Metrics != nil {
		router.Handle("/metrics", cfg.Metrics.Handler())
	}

	hcfg := huma.DefaultConfig("Syncline API", "0.1.0")
	hcfg.OpenAPIPath = ""
	hcfg.DocsPath = ""
	hapi := humachi.New(router, hcfg)
	group := huma.NewGroup(hapi, basePath)

	registerDocs(router, basePath)
	a.registerHealth(group)
	a.registerMeta(group)
	a.registerWorkflows(group)
	a.registerProjects(group)
	a.registerDocuments(group)
	a.registerKanban(group)
	a.registerStories(group)
	a.registerSync(group)
	a.registerEvents(group)
	a.registerLineage(group)
	registerOpenAPI(router, hapi, basePath)

	return router, nil
}

func errorDetails(errs []error) map[string]any {
	if len(errs) == 0 {
		return nil
	}
	msgs := make([]string, 0, len(errs))
	for _, err := range errs {
		msgs = append(msgs, err.Error())
	}
	return map[string]any{"errors": msgs}
}

func (a *api) newError(ctx context.Context, status int, code, message string, details map[string]any) huma.StatusError {
	if code == "" {
		code = defaultCodeForStatus(status)
	}
	return &apiError{
		status: status,
		Body: apiErrorBody{
			Code:         code,
			Message:      message,
			Recoverable:  status == http.StatusServiceUnavailable,
			RequestID:    middleware.GetReqID(ctx),
			TimestampUTC: domain.FormatTime(a.now()),
			Details:      details,
		},
	}
}

func (a *api) handleError(ctx context.Context, err error) huma.StatusError {
	if err == nil {
		return nil
	}
	var se huma.StatusError
	if errors.As(err, &se) {
		return se
	}
	switch {
	case errors.Is(err, repo.ErrNotFound):
		return a.newError(ctx, http.StatusNotFound, CodeNotFound, err.Error(), nil)
	case errors.Is(err, engine.ErrInvalidStatus):
		return a.newError(ctx, http.StatusBadRequest, CodeValidation, err.Error(), nil)
	case errors.Is(err, engine.ErrInvalidTransition):
		return a.newError(ctx, http.StatusConflict, CodeInvalidTransition, err.Error(), nil)
	case errors.Is(err, ErrKanbanReadOnly):
		return a.newError(ctx, http.StatusForbidden, CodeForbidden, err.Error(), nil)
	case errors.Is(err, repo.ErrStoreBusy):
		return a.newError(ctx, http.StatusServiceUnavailable, CodeDBLockTimeout, err.Error(), nil)
	default:
		a.log.Error("request failed", "request_id", middleware.GetReqID(ctx), "err", err)
		return a.newError(ctx, http.StatusInternalServerError, CodeInternal, "internal error", nil)
	}
}

func defaultCodeForStatus(status int) string {
	switch status {
	case http.StatusBadRequest, http.StatusUnprocessableEntity:
		return CodeValidation
	case http.StatusNotFound:
		return CodeNotFound
	case http.StatusConflict:
		return CodeInvalidTransition
	case http.StatusUnauthorized:
		return CodeUnauthorized
	case http.StatusForbidden:
		return CodeForbidden
	case http.StatusServiceUnavailable:
		return CodeDBLockTimeout
	case http.StatusInternalServerError:
		return CodeInternal
	default:
		return strings.ToUpper(strings.ReplaceAll(http.StatusText(status), " ", "_"))
	}
}

func (a *api) respond(w http.ResponseWriter, err huma.StatusError) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(err.GetStatus())
	_ = json.NewEncoder(w).Encode(err)
}

// requestLogger logs one line per request and records its latency under the
// matched route pattern.
func (a *api) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		if id := middleware.GetReqID(r.Context()); id != "" {
			ww.Header().Set("X-Request-Id", id)
		}
		next.ServeHTTP(ww, r)

		route := r.URL.Path
		if rc := chi.RouteContext(r.Context()); rc != nil && rc.RoutePattern() != "" {
			route = rc.RoutePattern()
		}
		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		elapsed := time.Since(start)
		if route == "/ws" {
			a.log.Debug("websocket connection ended", "request_id", middleware.GetReqID(r.Context()), "duration", elapsed)
			return
		}
		if a.cfg.Metrics != nil {
			a.cfg.Metrics.ObserveAPIRequest(r.Method, route, status, elapsed)
		}
		a.log.Info("request",
			"method", r.Method,
			"route", route,
			"status", status,
			"duration_ms", elapsed.Milliseconds(),
			"request_id", middleware.GetReqID(r.Context()))
	})
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
		spec []byte
	)
	specPath := path.Join(basePath, "openapi.json")
	r.Get(specPath, func(w http.ResponseWriter, r *http.Request) {
		once.Do(func() {
			oas := api.OpenAPI()
			ensureDefaultErrorResponses(oas)
			applyAuthSecurity(oas)
			spec, _ = json.Marshal(oas)
		})
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

// applyAuthSecurity documents the optional bearer token on mutating
// operations only.
func applyAuthSecurity(oas *huma.OpenAPI) {
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
	for _, item := range oas.Paths {
		for _, op := range []*huma.Operation{item.Post, item.Put, item.Patch, item.Delete} {
			if op != nil {
				op.Security = security
			}
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
    <title>Syncline API Docs</title>
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
      Realtime updates stream over the WebSocket at /ws.
    </p>
  </body>
</html>`, specURL)
}
