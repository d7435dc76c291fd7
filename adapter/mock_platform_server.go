package fincharts

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// MockPlatformServer provides an HTTP mock of the identity, catalog and
// bars endpoints for unit testing.
type MockPlatformServer struct {
	server    *httptest.Server
	mu        sync.Mutex
	responses map[string]MockResponse
	requests  []MockRequest
}

// MockResponse represents a configured mock response.
type MockResponse struct {
	StatusCode int
	Body       interface{}
	Headers    map[string]string
}

// MockRequest tracks incoming requests for verification.
type MockRequest struct {
	Method  string
	Path    string
	Query   string
	Body    string
	Headers map[string]string
}

// NewMockPlatformServer creates a new mock server with a default token
// response already configured.
func NewMockPlatformServer() *MockPlatformServer {
	mock := &MockPlatformServer{
		responses: make(map[string]MockResponse),
		requests:  make([]MockRequest, 0),
	}

	mock.server = httptest.NewServer(http.HandlerFunc(mock.handleRequest))
	mock.SetTokenResponse(MintTestToken(time.Now().Add(time.Hour)), 3600, http.StatusOK)

	return mock
}

// Close shuts down the mock server.
func (m *MockPlatformServer) Close() {
	m.server.Close()
}

// URL returns the mock server base URL.
func (m *MockPlatformServer) URL() string {
	return m.server.URL
}

// SetTokenResponse configures the password-grant endpoint response.
func (m *MockPlatformServer) SetTokenResponse(accessToken string, expiresIn int, statusCode int) {
	body := map[string]interface{}{
		"access_token": accessToken,
		"token_type":   "Bearer",
		"expires_in":   expiresIn,
	}
	if statusCode >= 400 {
		body = map[string]interface{}{
			"error":             "invalid_grant",
			"error_description": "Invalid user credentials",
		}
	}
	m.SetJSONResponse("POST", identityTokenPath, statusCode, body)
}

// SetJSONResponse configures a JSON response for the given method and path.
func (m *MockPlatformServer) SetJSONResponse(method, path string, statusCode int, body interface{}) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.responses[method+" "+path] = MockResponse{
		StatusCode: statusCode,
		Body:       body,
		Headers:    map[string]string{"Content-Type": "application/json"},
	}
}

// Requests returns all captured requests for verification.
func (m *MockPlatformServer) Requests() []MockRequest {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]MockRequest, len(m.requests))
	copy(out, m.requests)
	return out
}

// RequestsTo returns captured requests whose path matches exactly.
func (m *MockPlatformServer) RequestsTo(path string) []MockRequest {
	var out []MockRequest
	for _, req := range m.Requests() {
		if req.Path == path {
			out = append(out, req)
		}
	}
	return out
}

// ClearRequests clears the request history.
func (m *MockPlatformServer) ClearRequests() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.requests = make([]MockRequest, 0)
}

func (m *MockPlatformServer) handleRequest(w http.ResponseWriter, r *http.Request) {
	body := ""
	if r.Body != nil {
		bodyBytes, _ := io.ReadAll(r.Body)
		body = string(bodyBytes)
	}

	headers := make(map[string]string)
	for key, values := range r.Header {
		headers[key] = strings.Join(values, ", ")
	}

	m.mu.Lock()
	m.requests = append(m.requests, MockRequest{
		Method:  r.Method,
		Path:    r.URL.Path,
		Query:   r.URL.RawQuery,
		Body:    body,
		Headers: headers,
	})
	response, exists := m.responses[fmt.Sprintf("%s %s", r.Method, r.URL.Path)]
	m.mu.Unlock()

	if !exists {
		w.WriteHeader(http.StatusNotFound)
		json.NewEncoder(w).Encode(map[string]string{
			"error":   "not_found",
			"message": "endpoint not configured",
		})
		return
	}

	for key, value := range response.Headers {
		w.Header().Set(key, value)
	}
	w.WriteHeader(response.StatusCode)
	if response.Body != nil {
		json.NewEncoder(w).Encode(response.Body)
	}
}

// MintTestToken builds a signed JWT with the given expiry. The signature key
// is a test constant; only the exp claim matters to the code under test.
func MintTestToken(expiry time.Time) string {
	claims := jwt.RegisteredClaims{
		Subject:   "test-user",
		ExpiresAt: jwt.NewNumericDate(expiry),
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString([]byte("mock-platform-secret"))
	if err != nil {
		panic(fmt.Sprintf("failed to sign test token: %v", err))
	}
	return signed
}
