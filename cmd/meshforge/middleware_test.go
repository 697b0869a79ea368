package main

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/BaSui01/meshforge/api/handlers"
	"github.com/BaSui01/meshforge/config"
	"github.com/BaSui01/meshforge/internal/metrics"
	"github.com/BaSui01/meshforge/types"
	"github.com/golang-jwt/jwt/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func okHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("ok"))
	})
}

func decodeError(t *testing.T, w *httptest.ResponseRecorder) handlers.ErrorInfo {
	t.Helper()
	var resp handlers.Response
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	require.False(t, resp.Success)
	require.NotNil(t, resp.Error)
	return *resp.Error
}

func TestSecurityHeaders(t *testing.T) {
	handler := SecurityHeaders()(okHandler())

	w := httptest.NewRecorder()
	handler.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/", nil))

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "DENY", w.Header().Get("X-Frame-Options"))
	assert.Equal(t, "nosniff", w.Header().Get("X-Content-Type-Options"))
	assert.Equal(t, "strict-origin-when-cross-origin", w.Header().Get("Referrer-Policy"))
	assert.Equal(t, "1; mode=block", w.Header().Get("X-XSS-Protection"))
	assert.Equal(t, "default-src 'self'", w.Header().Get("Content-Security-Policy"))
}

func TestRequestID(t *testing.T) {
	var seen string
	inner := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = RequestIDFromContext(r.Context())
	})
	handler := Chain(inner, SecurityHeaders(), RequestID())

	t.Run("generated", func(t *testing.T) {
		w := httptest.NewRecorder()
		handler.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/test", nil))
		assert.NotEmpty(t, w.Header().Get("X-Request-ID"))
		assert.Equal(t, w.Header().Get("X-Request-ID"), seen)
		assert.Equal(t, "DENY", w.Header().Get("X-Frame-Options"))
	})

	t.Run("preserved", func(t *testing.T) {
		r := httptest.NewRequest(http.MethodGet, "/test", nil)
		r.Header.Set("X-Request-ID", "req-client")
		w := httptest.NewRecorder()
		handler.ServeHTTP(w, r)
		assert.Equal(t, "req-client", w.Header().Get("X-Request-ID"))
		assert.Equal(t, "req-client", seen)
	})
}

func TestRecovery(t *testing.T) {
	inner := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		panic("boom")
	})
	w := httptest.NewRecorder()
	Recovery(zap.NewNop())(inner).ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/", nil))

	assert.Equal(t, http.StatusInternalServerError, w.Code)
	assert.Equal(t, string(types.ErrInternalError), decodeError(t, w).Code)
}

func TestAPIKeyAuth(t *testing.T) {
	handler := APIKeyAuth([]string{"secret"}, []string{"/health"}, true, zap.NewNop())(okHandler())

	tests := []struct {
		name   string
		target string
		header string
		want   int
	}{
		{"skip path", "/health", "", http.StatusOK},
		{"missing key", "/api/v1/sessions", "", http.StatusUnauthorized},
		{"wrong key", "/api/v1/sessions", "nope", http.StatusUnauthorized},
		{"header key", "/api/v1/sessions", "secret", http.StatusOK},
		{"query key", "/api/v1/sessions/x/stream?api_key=secret", "", http.StatusOK},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := httptest.NewRequest(http.MethodGet, tt.target, nil)
			if tt.header != "" {
				r.Header.Set("X-API-Key", tt.header)
			}
			w := httptest.NewRecorder()
			handler.ServeHTTP(w, r)
			assert.Equal(t, tt.want, w.Code)
			if tt.want == http.StatusUnauthorized {
				assert.Equal(t, string(types.ErrUnauthorized), decodeError(t, w).Code)
			}
		})
	}
}

func TestAPIKeyAuth_QueryDisabled(t *testing.T) {
	handler := APIKeyAuth([]string{"secret"}, nil, false, zap.NewNop())(okHandler())
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/x?api_key=secret", nil))
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestRateLimiter(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	handler := RateLimiter(ctx, 1, 2, zap.NewNop())(okHandler())

	codes := make([]int, 0, 3)
	for i := 0; i < 3; i++ {
		r := httptest.NewRequest(http.MethodGet, "/", nil)
		r.RemoteAddr = "10.0.0.1:1234"
		w := httptest.NewRecorder()
		handler.ServeHTTP(w, r)
		codes = append(codes, w.Code)
		if w.Code == http.StatusTooManyRequests {
			assert.Equal(t, string(types.ErrRateLimited), decodeError(t, w).Code)
		}
	}
	assert.Equal(t, []int{200, 200, 429}, codes)

	// 其他 IP 有独立的令牌桶
	r := httptest.NewRequest(http.MethodGet, "/", nil)
	r.RemoteAddr = "10.0.0.2:1234"
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, r)
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestRateLimiter_Disabled(t *testing.T) {
	handler := RateLimiter(context.Background(), 0, 0, zap.NewNop())(okHandler())
	for i := 0; i < 5; i++ {
		w := httptest.NewRecorder()
		handler.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/", nil))
		assert.Equal(t, http.StatusOK, w.Code)
	}
}

func TestTenantRateLimiter(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	handler := TenantRateLimiter(ctx, 1, 1, zap.NewNop())(okHandler())

	do := func(tenant string) int {
		r := httptest.NewRequest(http.MethodGet, "/", nil)
		r.RemoteAddr = "10.0.0.1:1234"
		if tenant != "" {
			r = r.WithContext(types.WithTenantID(r.Context(), tenant))
		}
		w := httptest.NewRecorder()
		handler.ServeHTTP(w, r)
		return w.Code
	}

	assert.Equal(t, http.StatusOK, do("a"))
	assert.Equal(t, http.StatusTooManyRequests, do("a"))
	assert.Equal(t, http.StatusOK, do("b"))
	// 同一 IP 无租户时使用 IP 桶
	assert.Equal(t, http.StatusOK, do(""))
	assert.Equal(t, http.StatusTooManyRequests, do(""))
}

func TestCORS(t *testing.T) {
	t.Run("no origins configured rejects preflight", func(t *testing.T) {
		r := httptest.NewRequest(http.MethodOptions, "/api/v1/sessions", nil)
		r.Header.Set("Origin", "https://evil.example")
		w := httptest.NewRecorder()
		CORS(nil)(okHandler()).ServeHTTP(w, r)
		assert.Equal(t, http.StatusForbidden, w.Code)
		assert.Empty(t, w.Header().Get("Access-Control-Allow-Origin"))
	})

	t.Run("allowed origin", func(t *testing.T) {
		r := httptest.NewRequest(http.MethodOptions, "/api/v1/sessions", nil)
		r.Header.Set("Origin", "https://app.example")
		w := httptest.NewRecorder()
		CORS([]string{"https://app.example"})(okHandler()).ServeHTTP(w, r)
		assert.Equal(t, http.StatusNoContent, w.Code)
		assert.Equal(t, "https://app.example", w.Header().Get("Access-Control-Allow-Origin"))
	})

	t.Run("unknown origin gets no header", func(t *testing.T) {
		r := httptest.NewRequest(http.MethodGet, "/api/v1/sessions", nil)
		r.Header.Set("Origin", "https://other.example")
		w := httptest.NewRecorder()
		CORS([]string{"https://app.example"})(okHandler()).ServeHTTP(w, r)
		assert.Equal(t, http.StatusOK, w.Code)
		assert.Empty(t, w.Header().Get("Access-Control-Allow-Origin"))
	})
}

func TestJWTAuth(t *testing.T) {
	cfg := config.JWTConfig{Secret: "test-secret", Issuer: "meshforge"}

	var tenant, user string
	var roles []string
	inner := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		tenant, _ = types.TenantID(r.Context())
		user, _ = types.UserID(r.Context())
		roles, _ = types.Roles(r.Context())
	})
	handler := JWTAuth(cfg, []string{"/health"}, zap.NewNop())(inner)

	sign := func(claims jwt.MapClaims, secret string) string {
		tok, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
		require.NoError(t, err)
		return tok
	}
	do := func(token string) *httptest.ResponseRecorder {
		r := httptest.NewRequest(http.MethodGet, "/api/v1/sessions", nil)
		if token != "" {
			r.Header.Set("Authorization", "Bearer "+token)
		}
		w := httptest.NewRecorder()
		handler.ServeHTTP(w, r)
		return w
	}

	t.Run("valid token injects identity", func(t *testing.T) {
		w := do(sign(jwt.MapClaims{
			"iss":       "meshforge",
			"exp":       time.Now().Add(time.Hour).Unix(),
			"tenant_id": "t1",
			"sub":       "u1",
			"roles":     []string{"admin"},
		}, "test-secret"))
		assert.Equal(t, http.StatusOK, w.Code)
		assert.Equal(t, "t1", tenant)
		assert.Equal(t, "u1", user)
		assert.Equal(t, []string{"admin"}, roles)
	})

	t.Run("missing header", func(t *testing.T) {
		w := do("")
		assert.Equal(t, http.StatusUnauthorized, w.Code)
		assert.Equal(t, string(types.ErrUnauthorized), decodeError(t, w).Code)
	})

	t.Run("wrong secret", func(t *testing.T) {
		w := do(sign(jwt.MapClaims{"iss": "meshforge"}, "other"))
		assert.Equal(t, http.StatusUnauthorized, w.Code)
	})

	t.Run("wrong issuer", func(t *testing.T) {
		w := do(sign(jwt.MapClaims{"iss": "someone-else"}, "test-secret"))
		assert.Equal(t, http.StatusUnauthorized, w.Code)
	})

	t.Run("expired", func(t *testing.T) {
		w := do(sign(jwt.MapClaims{"iss": "meshforge", "exp": time.Now().Add(-time.Minute).Unix()}, "test-secret"))
		assert.Equal(t, http.StatusUnauthorized, w.Code)
	})

	t.Run("skip path", func(t *testing.T) {
		w := httptest.NewRecorder()
		handler.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/health", nil))
		assert.Equal(t, http.StatusOK, w.Code)
	})
}

func TestNormalizePath(t *testing.T) {
	tests := map[string]string{
		"/health":                    "/health",
		"/api/v1/sessions":           "/api/v1/sessions",
		"/api/v1/references/extract": "/api/v1/references/extract",
		"/api/v1/sessions/0b8e5a52-3c1f-4b8e-9d7e-2f1a6c9b4d10":       "/api/v1/sessions/:id",
		"/api/v1/sessions/0b8e5a52-3c1f-4b8e-9d7e-2f1a6c9b4d10/start": "/api/v1/sessions/:id/start",
		"/api/v1/sessions/not-a-uuid/stream":                          "/api/v1/sessions/:id/stream",
		"/api/v1/sessions/abc/runs":                                   "/api/v1/sessions/:id/runs",
		"/other/12345":                                                "/other/:id",
		"/other/static":                                               "/other/static",
	}
	for in, want := range tests {
		assert.Equal(t, want, normalizePath(in), in)
	}
}

func TestMetricsMiddleware(t *testing.T) {
	reg := prometheus.NewRegistry()
	collector := metrics.NewCollectorWithRegisterer("test", reg, zap.NewNop())

	inner := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusAccepted)
	})
	handler := MetricsMiddleware(collector)(inner)

	for i := 0; i < 2; i++ {
		w := httptest.NewRecorder()
		handler.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/api/v1/sessions/abc/start", nil))
	}

	n, err := testutil.GatherAndCount(reg, "test_http_requests_total")
	require.NoError(t, err)
	assert.Equal(t, 1, n, "one normalized series")
}
