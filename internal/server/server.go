package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"path"
	"strconv"
	"strings"
	"time"

	"github.com/danielgtaylor/huma/v2"
	humachi "github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"
	"github.com/sirupsen/logrus"

	"tradeloop/internal/daemon"
	"tradeloop/internal/domain"
	"tradeloop/internal/memdir"
)

// Store is the part of the entry store the API exposes.
type Store interface {
	List(ctx context.Context, loc memdir.Location) ([]string, error)
	Read(ctx context.Context, loc memdir.Location, filename string) (domain.Entry, error)
	Query(ctx context.Context, q memdir.Query) ([]memdir.Info, error)
	UpdateFlags(ctx context.Context, filename string, add, remove domain.Flags) (string, error)
	Prune(ctx context.Context, limits memdir.PruneLimits) (memdir.PruneResult, error)
	Counts(ctx context.Context) (map[memdir.Location]int, error)
}

// StatusSource reports the orchestration loop state.
type StatusSource interface {
	Status() daemon.Status
}

// Config for the HTTP API handler.
type Config struct {
	Store    Store
	Daemon   StatusSource
	BasePath string
	Auth     AuthConfig
	// Prune holds the limits used when a prune request omits them.
	Prune memdir.PruneLimits
	Log   logrus.FieldLogger
}

type apiErrorBody struct {
	Code    string         `json:"code" example:"not_found"`
	Message string         `json:"message" example:"entry not found"`
	Details map[string]any `json:"details,omitempty" jsonschema:"type=object,additionalProperties=true"`
}

// apiError models the error envelope.
type apiError struct {
	status int
	Body   apiErrorBody `json:"error"`
}

func (e *apiError) GetStatus() int { return e.status }
func (e *apiError) Error() string  { return e.Body.Message }

// New returns an HTTP handler exposing the operator API.
func New(cfg Config) (http.Handler, error) {
	if cfg.Store == nil {
		return nil, errors.New("server requires a store")
	}
	if strings.TrimSpace(cfg.Auth.JWTSecret) == "" {
		return nil, errors.New("jwt secret is required for bearer auth")
	}
	if cfg.Log == nil {
		cfg.Log = logrus.StandardLogger()
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
		var details map[string]any
		if len(errs) > 0 {
			details = map[string]any{"errors": errs}
		}
		if status == http.StatusUnprocessableEntity {
			// request validation failures are client errors
			status = http.StatusBadRequest
		}
		return newAPIError(status, "", msg, details)
	}

	router := chi.NewRouter()
	router.Use(requestLogger(cfg.Log.WithField("component", "server")))
	router.Use(newAuthMiddleware(basePath, cfg.Auth))
	hcfg := huma.DefaultConfig("Tradeloop API", "0.1.0")
	hcfg.OpenAPIPath = ""
	hcfg.DocsPath = ""
	api := humachi.New(router, hcfg)
	group := huma.NewGroup(api, basePath)

	registerDocs(router, basePath)
	registerHealth(group)
	registerStatus(group, cfg)
	registerEntries(group, cfg.Store)
	registerQuery(group, cfg.Store)
	registerFlags(group, cfg.Store)
	registerPrune(group, cfg)
	registerOpenAPI(router, api, basePath)

	return router, nil
}

func requestLogger(log logrus.FieldLogger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			next.ServeHTTP(w, r)
			log.WithFields(logrus.Fields{
				"method":   r.Method,
				"path":     r.URL.Path,
				"duration": time.Since(start).String(),
			}).Debug("request handled")
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
	msg := err.Error()
	switch {
	case errors.Is(err, memdir.ErrNotFound):
		return newAPIError(http.StatusNotFound, "not_found", msg, nil)
	case errors.Is(err, memdir.ErrCorruptEntry):
		return newAPIError(http.StatusUnprocessableEntity, "corrupt_entry", msg, nil)
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return newAPIError(http.StatusServiceUnavailable, "unavailable", msg, nil)
	default:
		return newAPIError(http.StatusInternalServerError, "internal_error", "internal error", map[string]any{"error": msg})
	}
}

func badRequest(msg string, details map[string]any) huma.StatusError {
	return newAPIError(http.StatusBadRequest, "bad_request", msg, details)
}

func defaultCodeForStatus(status int) string {
	switch status {
	case http.StatusBadRequest:
		return "bad_request"
	case http.StatusUnauthorized:
		return "unauthorized"
	case http.StatusNotFound:
		return "not_found"
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
	security := []map[string][]string{{"bearerAuth": {}}}
	oas.Security = security
	healthPath := path.Join("/", basePath, "health")
	for route, item := range oas.Paths {
		for _, op := range []*huma.Operation{
			item.Get, item.Put, item.Post, item.Delete, item.Patch,
		} {
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
    <title>Tradeloop API Docs</title>
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
      Authenticate with Authorization: Bearer &lt;token&gt; (mint one with tl token).
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

func registerStatus(api huma.API, cfg Config) {
	huma.Register(api, huma.Operation{
		OperationID: "status",
		Method:      http.MethodGet,
		Path:        "/status",
		Summary:     "Store counts and loop status",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body StatusResponse `json:"body"`
	}, error) {
		counts, err := cfg.Store.Counts(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		resp := StatusResponse{Counts: map[string]int{}}
		for loc, n := range counts {
			resp.Counts[string(loc)] = n
		}
		if cfg.Daemon != nil {
			st := cfg.Daemon.Status()
			resp.Daemon = &st
		}
		return &struct {
			Body StatusResponse `json:"body"`
		}{Body: resp}, nil
	})
}

func parseLocation(s string) (memdir.Location, huma.StatusError) {
	loc, err := memdir.ParseLocation(s)
	if err != nil {
		return "", badRequest(err.Error(), map[string]any{"location": s})
	}
	return loc, nil
}

func registerEntries(api huma.API, store Store) {
	huma.Register(api, huma.Operation{
		OperationID: "list-entries",
		Method:      http.MethodGet,
		Path:        "/entries/{location}",
		Summary:     "List entry filenames, oldest first",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		Location string `path:"location" enum:"staging,inbox,archive"`
		Limit    int    `query:"limit" default:"50"`
		Cursor   string `query:"cursor"`
	}) (*struct {
		Body paginatedEntries `json:"body"`
	}, error) {
		loc, apiErr := parseLocation(input.Location)
		if apiErr != nil {
			return nil, apiErr
		}
		offset := 0
		if input.Cursor != "" {
			n, err := strconv.Atoi(input.Cursor)
			if err != nil || n < 0 {
				return nil, badRequest("invalid cursor", map[string]any{"cursor": input.Cursor})
			}
			offset = n
		}
		names, err := store.List(ctx, loc)
		if err != nil {
			return nil, handleError(err)
		}
		limit := normalizeLimit(input.Limit)
		resp := paginatedEntries{Items: []EntryInfoResponse{}}
		if offset > len(names) {
			offset = len(names)
		}
		names = names[offset:]
		if len(names) > limit {
			resp.NextCursor = strconv.Itoa(offset + limit)
			names = names[:limit]
		}
		for _, name := range names {
			info, err := memdir.ParseFilename(name)
			if err != nil {
				resp.Items = append(resp.Items, EntryInfoResponse{Filename: name})
				continue
			}
			resp.Items = append(resp.Items, entryInfoResponse(info))
		}
		return &struct {
			Body paginatedEntries `json:"body"`
		}{Body: resp}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-entry",
		Method:      http.MethodGet,
		Path:        "/entries/{location}/{filename}",
		Summary:     "Read one entry",
		Errors:      []int{http.StatusBadRequest, http.StatusNotFound, http.StatusUnprocessableEntity},
	}, func(ctx context.Context, input *struct {
		Location string `path:"location" enum:"staging,inbox,archive"`
		Filename string `path:"filename"`
	}) (*struct {
		Body EntryResponse `json:"body"`
	}, error) {
		loc, apiErr := parseLocation(input.Location)
		if apiErr != nil {
			return nil, apiErr
		}
		filename := input.Filename
		if strings.Contains(filename, "%") {
			// entry filenames never contain '%'; the router may hand over the raw segment
			if unescaped, err := url.PathUnescape(filename); err == nil {
				filename = unescaped
			}
		}
		info, err := memdir.ParseFilename(filename)
		if err != nil {
			return nil, badRequest(err.Error(), map[string]any{"filename": filename})
		}
		e, err := store.Read(ctx, loc, filename)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body EntryResponse `json:"body"`
		}{Body: entryResponse(loc, info, e)}, nil
	})
}

func registerQuery(api huma.API, store Store) {
	huma.Register(api, huma.Operation{
		OperationID: "query-entries",
		Method:      http.MethodGet,
		Path:        "/query",
		Summary:     "Query archived entries, newest first",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		Since    string `query:"since" doc:"RFC3339 lower bound (inclusive)"`
		Until    string `query:"until" doc:"RFC3339 upper bound (exclusive)"`
		Include  string `query:"include" doc:"flags that must all be present"`
		Exclude  string `query:"exclude" doc:"flags that must all be absent"`
		Keywords string `query:"keywords" doc:"comma separated, case-insensitive"`
		Limit    int    `query:"limit" default:"50"`
	}) (*struct {
		Body entryList `json:"body"`
	}, error) {
		q := memdir.Query{Limit: normalizeLimit(input.Limit)}
		var err error
		if q.Since, err = parseTime(input.Since); err != nil {
			return nil, badRequest("invalid since", map[string]any{"since": input.Since})
		}
		if q.Until, err = parseTime(input.Until); err != nil {
			return nil, badRequest("invalid until", map[string]any{"until": input.Until})
		}
		if q.Include, err = domain.ParseFlags(input.Include); err != nil {
			return nil, badRequest(err.Error(), map[string]any{"include": input.Include})
		}
		if q.Exclude, err = domain.ParseFlags(input.Exclude); err != nil {
			return nil, badRequest(err.Error(), map[string]any{"exclude": input.Exclude})
		}
		for _, kw := range strings.Split(input.Keywords, ",") {
			if kw = strings.TrimSpace(kw); kw != "" {
				q.Keywords = append(q.Keywords, kw)
			}
		}
		infos, err := store.Query(ctx, q)
		if err != nil {
			return nil, handleError(err)
		}
		resp := entryList{Items: []EntryInfoResponse{}}
		for _, info := range infos {
			resp.Items = append(resp.Items, entryInfoResponse(info))
		}
		return &struct {
			Body entryList `json:"body"`
		}{Body: resp}, nil
	})
}

func registerFlags(api huma.API, store Store) {
	huma.Register(api, huma.Operation{
		OperationID: "update-flags",
		Method:      http.MethodPost,
		Path:        "/flags",
		Summary:     "Add and remove flags on an archived entry",
		Errors:      []int{http.StatusBadRequest, http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		Body UpdateFlagsRequest `json:"body"`
	}) (*struct {
		Body UpdateFlagsResponse `json:"body"`
	}, error) {
		if err := requireRole(ctx, RoleAdmin); err != nil {
			return nil, err
		}
		add, err := domain.ParseFlags(input.Body.Add)
		if err != nil {
			return nil, badRequest(err.Error(), map[string]any{"add": input.Body.Add})
		}
		remove, err := domain.ParseFlags(input.Body.Remove)
		if err != nil {
			return nil, badRequest(err.Error(), map[string]any{"remove": input.Body.Remove})
		}
		if _, err := memdir.ParseFilename(input.Body.Filename); err != nil {
			return nil, badRequest(err.Error(), map[string]any{"filename": input.Body.Filename})
		}
		name, err := store.UpdateFlags(ctx, input.Body.Filename, add, remove)
		if err != nil {
			return nil, handleError(err)
		}
		info, err := memdir.ParseFilename(name)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body UpdateFlagsResponse `json:"body"`
		}{Body: UpdateFlagsResponse{Filename: name, Flags: string(info.Flags)}}, nil
	})
}

func registerPrune(api huma.API, cfg Config) {
	huma.Register(api, huma.Operation{
		OperationID: "prune",
		Method:      http.MethodPost,
		Path:        "/prune",
		Summary:     "Delete archived entries by age and count",
		Errors:      []int{http.StatusForbidden},
	}, func(ctx context.Context, input *struct {
		Body PruneRequest `json:"body"`
	}) (*struct {
		Body PruneResponse `json:"body"`
	}, error) {
		if err := requireRole(ctx, RoleAdmin); err != nil {
			return nil, err
		}
		limits := cfg.Prune
		if input.Body.MaxAgeDays != nil {
			limits.MaxAgeDays = *input.Body.MaxAgeDays
		}
		if input.Body.MaxCount != nil {
			limits.MaxCount = *input.Body.MaxCount
		}
		res, err := cfg.Store.Prune(ctx, limits)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body PruneResponse `json:"body"`
		}{Body: PruneResponse{ByAge: res.ByAge, ByCount: res.ByCount}}, nil
	})
}

func parseTime(s string) (time.Time, error) {
	if strings.TrimSpace(s) == "" {
		return time.Time{}, nil
	}
	return time.Parse(time.RFC3339, s)
}

func normalizeLimit(in int) int {
	if in <= 0 {
		return 50
	}
	if in > 500 {
		return 500
	}
	return in
}
