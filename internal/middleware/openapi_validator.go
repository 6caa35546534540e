package middleware

import (
	"bytes"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"emoji-chat/internal/observability"

	"github.com/getkin/kin-openapi/openapi3"
	"github.com/getkin/kin-openapi/openapi3filter"
	"github.com/getkin/kin-openapi/routers"
	"github.com/getkin/kin-openapi/routers/gorillamux"
)

// OpenAPIValidatorConfig holds configuration for OpenAPI validation middleware
type OpenAPIValidatorConfig struct {
	Enabled  bool
	SpecPath string
	// ValidateResponses logs responses that do not match the document. It
	// buffers every response body.
	ValidateResponses bool
	// SkipPaths are served without validation, along with everything below them
	SkipPaths []string
}

// NewOpenAPIValidatorConfig validates requests against specPath on every route
// except the undocumented health, metrics and WebSocket endpoints
func NewOpenAPIValidatorConfig(specPath string, enabled bool) *OpenAPIValidatorConfig {
	return &OpenAPIValidatorConfig{
		Enabled:   enabled,
		SpecPath:  specPath,
		SkipPaths: []string{"/health", "/metrics", "/ws"},
	}
}

type openapiValidator struct {
	config *OpenAPIValidatorConfig
	router routers.Router
	opts   *openapi3filter.Options
}

// OpenAPIValidator rejects requests that do not match the OpenAPI document.
// Unknown routes get 404, wrong methods 405 and invalid parameters or bodies
// 400. If the document cannot be loaded the middleware passes everything
// through. Authentication is left to the Auth middleware.
func OpenAPIValidator(config *OpenAPIValidatorConfig) func(next http.Handler) http.Handler {
	passThrough := func(next http.Handler) http.Handler { return next }

	if config == nil || !config.Enabled {
		slog.Info("OpenAPI validation disabled")
		return passThrough
	}

	router, err := loadOpenAPIRouter(config.SpecPath)
	if err != nil {
		slog.Error("OpenAPI validation disabled, document unusable",
			slog.String("path", config.SpecPath),
			slog.String("error", err.Error()))
		return passThrough
	}

	slog.Info("OpenAPI validation enabled",
		slog.String("spec_path", config.SpecPath),
		slog.Bool("validate_responses", config.ValidateResponses))

	v := &openapiValidator{
		config: config,
		router: router,
		opts:   &openapi3filter.Options{AuthenticationFunc: openapi3filter.NoopAuthenticationFunc},
	}
	return v.middleware
}

func loadOpenAPIRouter(specPath string) (routers.Router, error) {
	loader := openapi3.NewLoader()
	loader.IsExternalRefsAllowed = true

	doc, err := loader.LoadFromFile(specPath)
	if err != nil {
		return nil, err
	}
	if err := doc.Validate(loader.Context); err != nil {
		return nil, err
	}
	return gorillamux.NewRouter(doc)
}

func (v *openapiValidator) middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if shouldSkipPath(r.URL.Path, v.config.SkipPaths) || r.Method == http.MethodOptions {
			next.ServeHTTP(w, r)
			return
		}

		log := observability.FromContext(r.Context()).With(
			slog.String("method", r.Method),
			slog.String("path", r.URL.Path))

		route, pathParams, err := v.router.FindRoute(r)
		if err != nil {
			log.Warn("request does not match any documented route", slog.String("error", err.Error()))
			if errors.Is(err, routers.ErrMethodNotAllowed) {
				writeValidationError(w, http.StatusMethodNotAllowed, "Method not allowed")
				return
			}
			writeValidationError(w, http.StatusNotFound, "Not found")
			return
		}

		input := &openapi3filter.RequestValidationInput{
			Request:    r,
			PathParams: pathParams,
			Route:      route,
			Options:    v.opts,
		}
		if err := openapi3filter.ValidateRequest(r.Context(), input); err != nil {
			log.Warn("request validation failed", slog.String("error", err.Error()))
			writeValidationError(w, http.StatusBadRequest, validationMessage(err))
			return
		}

		if !v.config.ValidateResponses {
			next.ServeHTTP(w, r)
			return
		}

		recorder := &responseRecorder{ResponseWriter: w, statusCode: http.StatusOK}
		next.ServeHTTP(recorder, r)

		err = openapi3filter.ValidateResponse(r.Context(), &openapi3filter.ResponseValidationInput{
			RequestValidationInput: input,
			Status:                 recorder.statusCode,
			Header:                 recorder.Header(),
			Body:                   io.NopCloser(bytes.NewReader(recorder.body.Bytes())),
			Options:                v.opts,
		})
		if err != nil {
			// The response is already on the wire
			log.Warn("response validation failed",
				slog.Int("status", recorder.statusCode),
				slog.String("error", err.Error()))
		}
	})
}

// validationMessage keeps the client-facing error to the failing parameter or
// body, without the schema dump kin-openapi appends
func validationMessage(err error) string {
	var reqErr *openapi3filter.RequestError
	if !errors.As(err, &reqErr) {
		return "Invalid request"
	}
	switch {
	case reqErr.Parameter != nil:
		return "Invalid parameter " + reqErr.Parameter.Name
	case reqErr.RequestBody != nil:
		msg := "Invalid request body"
		var schemaErr *openapi3.SchemaError
		if errors.As(reqErr.Err, &schemaErr) && len(schemaErr.JSONPointer()) > 0 {
			msg += ": " + strings.Join(schemaErr.JSONPointer(), ".") + " " + schemaErr.Reason
		}
		return msg
	default:
		return "Invalid request"
	}
}

// shouldSkipPath reports whether path equals a skip path or lies below one
func shouldSkipPath(path string, skipPaths []string) bool {
	for _, skipPath := range skipPaths {
		if path == skipPath || strings.HasPrefix(path, strings.TrimSuffix(skipPath, "/")+"/") {
			return true
		}
	}
	return false
}

func writeValidationError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{
		"error": message,
	})
}

// responseRecorder tees the response so it can be validated after it is sent
type responseRecorder struct {
	http.ResponseWriter
	statusCode int
	body       bytes.Buffer
}

func (r *responseRecorder) WriteHeader(statusCode int) {
	r.statusCode = statusCode
	r.ResponseWriter.WriteHeader(statusCode)
}

func (r *responseRecorder) Write(b []byte) (int, error) {
	r.body.Write(b)
	return r.ResponseWriter.Write(b)
}
