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
	"sync"
	"time"

	"github.com/danielgtaylor/huma/v2"
	humachi "github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"go.uber.org/zap"

	"storeline/internal/domain"
	"storeline/internal/engine"
	"storeline/internal/repo"
	"storeline/internal/sandbox"
)

// Config for the HTTP API handler.
type Config struct {
	Engine *engine.Engine
	// Sandbox enables the /sandbox routes and simulated purchase outcomes.
	Sandbox        *sandbox.Platform
	Repo           repo.Repo
	Log            *zap.Logger
	BasePath       string
	Auth           AuthConfig
	AllowedOrigins []string
}

type apiErrorBody struct {
	Code    string         `json:"code" example:"unknown_product"`
	Message string         `json:"message" example:"product not in catalog: pro.yearly"`
	Details map[string]any `json:"details,omitempty" jsonschema:"type=object,additionalProperties=true"`
}

type bodyBytesKey struct{}

// apiError models the error envelope.
type apiError struct {
	status int
	Body   apiErrorBody `json:"error"`
}

func (e *apiError) GetStatus() int { return e.status }
func (e *apiError) Error() string  { return e.Body.Message }

// New returns an HTTP handler exposing the storeline API.
func New(cfg Config) (http.Handler, error) {
	if cfg.Engine == nil {
		return nil, errors.New("engine required")
	}
	if cfg.Log == nil {
		cfg.Log = zap.NewNop()
	}
	basePath := cfg.BasePath
	if basePath == "" {
		basePath = "/v1"
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
	router.Use(middleware.RequestID)
	router.Use(middleware.Recoverer)
	router.Use(requestLogger(cfg.Log))
	origins := cfg.AllowedOrigins
	if len(origins) == 0 {
		origins = []string{"http://localhost:*", "http://127.0.0.1:*"}
	}
	router.Use(cors.Handler(cors.Options{
		AllowedOrigins: origins,
		AllowedMethods: []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Authorization", "Content-Type", "X-Api-Key"},
		MaxAge:         300,
	}))
	router.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			data, _ := io.ReadAll(r.Body)
			r.Body = io.NopCloser(bytes.NewBuffer(data))
			next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), bodyBytesKey{}, data)))
		})
	})
	router.Use(newAuthMiddleware(basePath, cfg.Auth, cfg.Repo, cfg.Log))
	hcfg := huma.DefaultConfig("storeline API", "1.0.0")
	hcfg.OpenAPIPath = "/openapi"
	hcfg.DocsPath = ""
	api := humachi.New(router, hcfg)
	group := huma.NewGroup(api, basePath)

	registerDocs(router, basePath)
	registerHealth(group)
	registerWhoami(group)
	registerProducts(group, cfg.Engine)
	registerEntitlements(group, cfg.Engine)
	registerPurchases(group, cfg.Engine, cfg.Sandbox)
	registerListener(group, cfg.Engine)
	registerEvents(group, cfg.Repo)
	if cfg.Sandbox != nil {
		registerSandbox(group, cfg.Engine, cfg.Sandbox)
	}
	registerOpenAPI(router, api, basePath)

	return router, nil
}

func requestLogger(log *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			start := time.Now()
			next.ServeHTTP(ww, r)
			log.Debug("http request",
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", ww.Status()),
				zap.Duration("elapsed", time.Since(start)),
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
	var pe *engine.PurchaseError
	if errors.As(err, &pe) {
		details := map[string]any{"product_id": pe.ProductID, "kind": string(pe.Kind)}
		if pe.Kind == engine.PurchaseErrUntrusted {
			return newAPIError(http.StatusUnprocessableEntity, "untrusted_transaction", err.Error(), details)
		}
		return newAPIError(http.StatusBadGateway, "checkout_failed", err.Error(), details)
	}
	var re *engine.RestoreError
	if errors.As(err, &re) {
		return newAPIError(http.StatusBadGateway, "restore_failed", err.Error(), map[string]any{"stage": re.Stage})
	}
	var ce *engine.CatalogError
	if errors.As(err, &ce) {
		return newAPIError(http.StatusBadGateway, "catalog_unavailable", err.Error(), map[string]any{"product_ids": ce.IDs})
	}
	switch {
	case errors.Is(err, engine.ErrUntrusted):
		return newAPIError(http.StatusUnprocessableEntity, "untrusted_transaction", err.Error(), nil)
	case errors.Is(err, engine.ErrUnknownProduct):
		return newAPIError(http.StatusNotFound, "unknown_product", err.Error(), nil)
	case errors.Is(err, engine.ErrListenerState):
		return newAPIError(http.StatusConflict, "listener_state", err.Error(), nil)
	case errors.Is(err, sandbox.ErrNothingToRenew):
		return newAPIError(http.StatusConflict, "nothing_to_renew", err.Error(), nil)
	case errors.Is(err, repo.ErrNotFound):
		return newAPIError(http.StatusNotFound, "not_found", err.Error(), nil)
	}
	msg := err.Error()
	lowered := strings.ToLower(msg)
	if strings.Contains(lowered, "invalid") || strings.Contains(lowered, "unknown outcome") || strings.Contains(lowered, "required") {
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
	r.Get(path.Join(basePath, "docs"), func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		_, _ = w.Write([]byte(swaggerHTML(basePath)))
	})
}

func registerOpenAPI(r chi.Router, api huma.API, basePath string) {
	var (
		once sync.Once
		doc  []byte
	)
	r.Get(path.Join(basePath, "openapi.json"), func(w http.ResponseWriter, r *http.Request) {
		once.Do(func() {
			oas := api.OpenAPI()
			ensureDefaultErrorResponses(oas)
			applyAuthSecurity(oas, basePath)
			doc, _ = json.Marshal(oas)
		})
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write(doc)
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
					"application/json": {Schema: &huma.Schema{Ref: "#/components/schemas/ApiError"}},
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
	oas.Components.SecuritySchemes["bearerAuth"] = &huma.SecurityScheme{Type: "http", Scheme: "bearer", BearerFormat: "JWT"}
	oas.Components.SecuritySchemes["apiKeyAuth"] = &huma.SecurityScheme{Type: "apiKey", In: "header", Name: "X-Api-Key"}
	security := []map[string][]string{{"bearerAuth": {}}, {"apiKeyAuth": {}}}
	oas.Security = security
	open := map[string]bool{
		path.Join(basePath, "health"):                   true,
		path.Join(basePath, "sandbox/catalog/products"): true,
	}
	for route, item := range oas.Paths {
		for _, op := range []*huma.Operation{item.Get, item.Put, item.Post, item.Delete, item.Patch} {
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
    <title>storeline API</title>
    <link rel="stylesheet" href="https://unpkg.com/swagger-ui-dist@5/swagger-ui.css" />
  </head>
  <body>
    <div id="swagger-ui"></div>
    <script src="https://unpkg.com/swagger-ui-dist@5/swagger-ui-bundle.js" crossorigin></script>
    <script>
      window.onload = () => { SwaggerUIBundle({ url: '%s', dom_id: '#swagger-ui' }); };
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

func registerWhoami(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "whoami",
		Method:      http.MethodGet,
		Path:        "/whoami",
		Summary:     "Actor behind the current credentials",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body WhoamiResponse `json:"body"`
	}, error) {
		p, _ := principalFromContext(ctx)
		return &struct {
			Body WhoamiResponse `json:"body"`
		}{Body: WhoamiResponse{ActorID: p.ActorID, Source: p.Source}}, nil
	})
}

func productsResponse(e *engine.Engine) ProductsResponse {
	resp := ProductsResponse{Products: e.Catalog.Products()}
	if resp.Products == nil {
		resp.Products = []domain.Product{}
	}
	if at := e.Catalog.RefreshedAt(); !at.IsZero() {
		resp.RefreshedAt = &at
	}
	return resp
}

func registerProducts(api huma.API, e *engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-products",
		Method:      http.MethodGet,
		Path:        "/products",
		Summary:     "Products in the catalog, cheapest first",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body ProductsResponse `json:"body"`
	}, error) {
		return &struct {
			Body ProductsResponse `json:"body"`
		}{Body: productsResponse(e)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "refresh-products",
		Method:      http.MethodPost,
		Path:        "/products/refresh",
		Summary:     "Reload products from the catalog service",
		Errors:      []int{http.StatusBadRequest, http.StatusBadGateway},
	}, func(ctx context.Context, input *struct {
		Body *RefreshProductsRequest `json:"body" required:"false"`
	}) (*struct {
		Body ProductsResponse `json:"body"`
	}, error) {
		var ids []string
		if input.Body != nil {
			ids = input.Body.ProductIDs
		}
		if _, err := e.RefreshCatalog(ctx, ids); err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body ProductsResponse `json:"body"`
		}{Body: productsResponse(e)}, nil
	})
}

func registerEntitlements(api huma.API, e *engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-entitlements",
		Method:      http.MethodGet,
		Path:        "/entitlements",
		Summary:     "Current entitlement set",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body EntitlementsResponse `json:"body"`
	}, error) {
		return &struct {
			Body EntitlementsResponse `json:"body"`
		}{Body: entitlementsResponse(e.Entitlements())}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "check-entitlement",
		Method:      http.MethodGet,
		Path:        "/entitlements/{product_id}",
		Summary:     "Whether a product is currently entitled",
	}, func(ctx context.Context, input *struct {
		ProductID string `path:"product_id"`
	}) (*struct {
		Body EntitlementCheckResponse `json:"body"`
	}, error) {
		set := e.Entitlements()
		resp := EntitlementCheckResponse{ProductID: input.ProductID, Generation: set.Generation}
		for i := range set.Products {
			if set.Products[i].ID == input.ProductID {
				resp.Entitled = true
				resp.Product = &set.Products[i]
				break
			}
		}
		return &struct {
			Body EntitlementCheckResponse `json:"body"`
		}{Body: resp}, nil
	})
}

func registerPurchases(api huma.API, e *engine.Engine, sb *sandbox.Platform) {
	huma.Register(api, huma.Operation{
		OperationID: "purchase",
		Method:      http.MethodPost,
		Path:        "/purchases",
		Summary:     "Buy a product",
		Description: "Non-success outcomes (user_cancelled, pending, unknown) are reported in status and leave entitlements unchanged.",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusNotFound,
			http.StatusUnprocessableEntity,
			http.StatusBadGateway,
		},
	}, func(ctx context.Context, input *struct {
		Body PurchaseRequest `json:"body"`
	}) (*struct {
		Body PurchaseResponse `json:"body"`
	}, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		product, err := e.ProductByID(input.Body.ProductID)
		if err != nil {
			return nil, handleError(err)
		}
		if input.Body.Simulate != "" {
			if sb == nil {
				return nil, newAPIError(http.StatusBadRequest, "bad_request", "simulate requires the sandbox platform", nil)
			}
			outcome, err := sandbox.ParseOutcome(input.Body.Simulate)
			if err != nil {
				return nil, handleError(err)
			}
			ctx = sandbox.WithOutcome(ctx, outcome)
		}
		res, err := e.Purchase(ctx, product)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body PurchaseResponse `json:"body"`
		}{Body: PurchaseResponse{
			Status:       res.Status,
			Transaction:  res.Transaction,
			Entitlements: entitlementsResponse(e.Entitlements()),
		}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "restore",
		Method:      http.MethodPost,
		Path:        "/restore",
		Summary:     "Resynchronize purchase history and reconcile",
		Errors:      []int{http.StatusBadGateway},
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body EntitlementsResponse `json:"body"`
	}, error) {
		if err := e.Restore(ctx); err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body EntitlementsResponse `json:"body"`
		}{Body: entitlementsResponse(e.Entitlements())}, nil
	})
}

func registerListener(api huma.API, e *engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "listener-status",
		Method:      http.MethodGet,
		Path:        "/listener",
		Summary:     "Transaction listener state",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body ListenerResponse `json:"body"`
	}, error) {
		resp := ListenerResponse{State: "absent"}
		if l := e.Listener(); l != nil {
			stats := l.Stats()
			resp = ListenerResponse{State: l.State().String(), Processed: stats.Processed, Rejected: stats.Rejected}
		}
		return &struct {
			Body ListenerResponse `json:"body"`
		}{Body: resp}, nil
	})
}

func registerEvents(api huma.API, r repo.Repo) {
	huma.Register(api, huma.Operation{
		OperationID: "list-events",
		Method:      http.MethodGet,
		Path:        "/events",
		Summary:     "List recent events, newest first",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		Type       string `query:"type"`
		EntityKind string `query:"entity_kind" enum:"transaction,product,entitlements,catalog"`
		EntityID   string `query:"entity_id"`
		Source     string `query:"source"`
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
		items, err := r.LatestEventsFrom(ctx, limit+1, cursorID, repo.EventFilter{
			Type:       input.Type,
			EntityKind: input.EntityKind,
			EntityID:   input.EntityID,
			Source:     input.Source,
		})
		if err != nil {
			return nil, handleError(err)
		}
		resp := paginatedEvents{Items: []EventResponse{}}
		if len(items) > limit {
			resp.NextCursor = strconv.FormatInt(items[limit-1].ID, 10)
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

func bodyBytes(ctx context.Context) []byte {
	if buf, ok := ctx.Value(bodyBytesKey{}).([]byte); ok {
		return buf
	}
	return nil
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
