package middleware

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/getkin/kin-openapi/openapi3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const specPath = "../../artifacts/openapi.yaml"

func loadSpec(t *testing.T) *openapi3.T {
	t.Helper()
	loader := openapi3.NewLoader()
	loader.IsExternalRefsAllowed = true

	doc, err := loader.LoadFromFile(specPath)
	require.NoError(t, err, "Failed to load OpenAPI spec")
	require.NoError(t, doc.Validate(loader.Context), "OpenAPI spec validation failed")
	return doc
}

func TestOpenAPISpecIsValid(t *testing.T) {
	doc := loadSpec(t)

	assert.Equal(t, "Emoji Chat API", doc.Info.Title)
	assert.Equal(t, "1.0.0", doc.Info.Version)
	require.NotEmpty(t, doc.Servers, "At least one server should be defined")
	assert.Equal(t, "/api/v1", doc.Servers[0].URL)
}

// apiRoutes mirrors the /api/v1 routes mounted by the chat server
var apiRoutes = []struct {
	method string
	path   string
}{
	{"GET", "/me"},
	{"PUT", "/me"},
	{"GET", "/rooms"},
	{"POST", "/rooms"},
	{"GET", "/rooms/{id}"},
	{"POST", "/rooms/{id}/repair"},
	{"GET", "/rooms/{id}/messages"},
	{"POST", "/rooms/{id}/messages"},
	{"POST", "/push/subscriptions"},
	{"DELETE", "/push/subscriptions/{id}"},
}

func TestAllRoutesAreDocumentedInOpenAPI(t *testing.T) {
	doc := loadSpec(t)

	for _, route := range apiRoutes {
		t.Run(route.method+" "+route.path, func(t *testing.T) {
			pathItem := doc.Paths.Find(route.path)
			require.NotNil(t, pathItem, "Path not found in OpenAPI spec: %s", route.path)

			operation := pathItem.GetOperation(route.method)
			require.NotNil(t, operation, "Operation not found in OpenAPI spec: %s %s", route.method, route.path)

			assert.NotEmpty(t, operation.OperationID, "OperationID should be set")
			assert.NotEmpty(t, operation.Tags, "Tags should be set")
			assert.NotNil(t, operation.Responses.Status(401), "Protected route should document 401")
		})
	}
}

func TestOpenAPIPathsMatchImplementation(t *testing.T) {
	doc := loadSpec(t)

	paths := make(map[string]bool)
	for _, route := range apiRoutes {
		paths[route.path] = true
	}
	assert.Len(t, doc.Paths.Map(), len(paths), "Number of paths should match")
}

func TestOpenAPISecuritySchemes(t *testing.T) {
	doc := loadSpec(t)

	bearer := doc.Components.SecuritySchemes["bearerAuth"]
	require.NotNil(t, bearer, "bearerAuth security scheme should exist")
	assert.Equal(t, "http", bearer.Value.Type)
	assert.Equal(t, "bearer", bearer.Value.Scheme)

	require.NotEmpty(t, doc.Security, "Bearer auth should apply globally")
	_, ok := doc.Security[0]["bearerAuth"]
	assert.True(t, ok)
}

func TestOpenAPISchemas(t *testing.T) {
	doc := loadSpec(t)

	for _, name := range []string{
		"ErrorResponse", "User", "Room", "LastMessage", "Message",
		"CreateRoomRequest", "SendMessageRequest", "PushSubscription",
	} {
		assert.NotNil(t, doc.Components.Schemas[name], "Schema should exist: %s", name)
	}
}

func TestShouldSkipPath(t *testing.T) {
	skipPaths := []string{"/health", "/metrics", "/ws"}

	tests := []struct {
		path     string
		expected bool
	}{
		{"/health", true},
		{"/health/ready", true},
		{"/metrics", true},
		{"/ws", true},
		{"/healthz", false},
		{"/api/v1/rooms", false},
		{"/", false},
	}

	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			assert.Equal(t, tt.expected, shouldSkipPath(tt.path, skipPaths))
		})
	}
}

func TestNewOpenAPIValidatorConfig(t *testing.T) {
	config := NewOpenAPIValidatorConfig("artifacts/openapi.yaml", true)

	assert.True(t, config.Enabled)
	assert.Equal(t, "artifacts/openapi.yaml", config.SpecPath)
	assert.False(t, config.ValidateResponses, "responses are not buffered by default")

	skipPathsStr := strings.Join(config.SkipPaths, ",")
	assert.Contains(t, skipPathsStr, "/health")
	assert.Contains(t, skipPathsStr, "/metrics")
	assert.Contains(t, skipPathsStr, "/ws")

	assert.False(t, NewOpenAPIValidatorConfig("x", false).Enabled)
}

func TestOpenAPIMiddlewareWithInvalidSpec(t *testing.T) {
	config := &OpenAPIValidatorConfig{
		Enabled:  true,
		SpecPath: "/nonexistent/path/to/spec.yaml",
	}

	// Falls back to a no-op middleware
	handler := OpenAPIValidator(config)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))

	w := httptest.NewRecorder()
	handler.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/anything", nil))
	assert.Equal(t, http.StatusNoContent, w.Code)
}

func TestOpenAPIMiddlewareDisabled(t *testing.T) {
	middleware := OpenAPIValidator(&OpenAPIValidatorConfig{Enabled: false})
	assert.NotNil(t, middleware)
}

func TestOpenAPIMiddleware_ValidatesRequests(t *testing.T) {
	config := NewOpenAPIValidatorConfig(specPath, true)
	handler := OpenAPIValidator(config)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	tests := []struct {
		name   string
		method string
		path   string
		body   string
		want   int
	}{
		{name: "valid create room", method: http.MethodPost, path: "/api/v1/rooms", body: `{"name":"🍕","participants":["u2"]}`, want: http.StatusOK},
		{name: "create room without name", method: http.MethodPost, path: "/api/v1/rooms", body: `{"participants":["u2"]}`, want: http.StatusBadRequest},
		{name: "send message", method: http.MethodPost, path: "/api/v1/rooms/r1/messages", body: `{"content":"👋"}`, want: http.StatusOK},
		{name: "send message without content", method: http.MethodPost, path: "/api/v1/rooms/r1/messages", body: `{}`, want: http.StatusBadRequest},
		{name: "limit out of range", method: http.MethodGet, path: "/api/v1/rooms/r1/messages?limit=500", want: http.StatusBadRequest},
		{name: "unknown path", method: http.MethodGet, path: "/api/v1/nope", want: http.StatusNotFound},
		{name: "wrong method", method: http.MethodPatch, path: "/api/v1/rooms", want: http.StatusMethodNotAllowed},
		{name: "preflight", method: http.MethodOptions, path: "/api/v1/rooms", want: http.StatusOK},
		{name: "bad avatar type", method: http.MethodPut, path: "/api/v1/me", body: `{"avatarUrl":5}`, want: http.StatusBadRequest},
		{name: "skipped path", method: http.MethodGet, path: "/health/ready", want: http.StatusOK},
		{name: "websocket upgrade", method: http.MethodGet, path: "/ws?token=abc", want: http.StatusOK},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var req *http.Request
			if tt.body != "" {
				req = httptest.NewRequest(tt.method, tt.path, strings.NewReader(tt.body))
				req.Header.Set("Content-Type", "application/json")
			} else {
				req = httptest.NewRequest(tt.method, tt.path, nil)
			}
			req.Header.Set("Authorization", "Bearer token")
			w := httptest.NewRecorder()

			handler.ServeHTTP(w, req)

			assert.Equal(t, tt.want, w.Code, w.Body.String())
		})
	}
}

func TestOpenAPIMiddleware_ErrorMessages(t *testing.T) {
	handler := OpenAPIValidator(NewOpenAPIValidatorConfig(specPath, true))(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	tests := []struct {
		name    string
		method  string
		path    string
		body    string
		wantMsg string
	}{
		{"missing body field", http.MethodPost, "/api/v1/rooms/r1/messages", `{}`, "Invalid request body"},
		{"bad query parameter", http.MethodGet, "/api/v1/rooms/r1/messages?limit=0", "", "Invalid parameter limit"},
		{"unknown route", http.MethodGet, "/api/v1/nope", "", "Not found"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(tt.method, tt.path, strings.NewReader(tt.body))
			if tt.body != "" {
				req.Header.Set("Content-Type", "application/json")
			}
			w := httptest.NewRecorder()

			handler.ServeHTTP(w, req)

			assert.Equal(t, "application/json", w.Header().Get("Content-Type"))
			assert.Contains(t, w.Body.String(), tt.wantMsg)
			assert.NotContains(t, w.Body.String(), "Schema:")
		})
	}
}

func TestOpenAPIMiddleware_ValidatesResponses(t *testing.T) {
	config := NewOpenAPIValidatorConfig(specPath, true)
	config.ValidateResponses = true

	handler := OpenAPIValidator(config)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"rooms":[]}`))
	}))

	req := httptest.NewRequest(http.MethodGet, "/api/v1/rooms", nil)
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"rooms":[]}`, w.Body.String())
}
