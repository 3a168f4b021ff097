package api

import (
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"

	"github.com/jar-obfuscator/jobf-go/internal/config"
	"github.com/jar-obfuscator/jobf-go/internal/metrics"
)

func testRouterConfig(token string) *config.Config {
	return &config.Config{
		Server:  config.ServerConfig{Mode: "release", MaxUploadMB: 8, APIToken: token},
		Metrics: config.MetricsConfig{Enabled: true, Path: "/metrics"},
	}
}

func quietLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return logger
}

func TestTokenAuthMiddleware(t *testing.T) {
	gin.SetMode(gin.TestMode)

	tests := []struct {
		name   string
		token  string
		header string
		status int
	}{
		{"disabled", "", "", http.StatusOK},
		{"missing header", "secret-token", "", http.StatusUnauthorized},
		{"wrong scheme", "secret-token", "Basic secret-token", http.StatusUnauthorized},
		{"wrong token", "secret-token", "Bearer other-token", http.StatusUnauthorized},
		{"valid", "secret-token", "Bearer secret-token", http.StatusOK},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := gin.New()
			r.Use(TokenAuthMiddleware(tt.token))
			r.GET("/x", func(c *gin.Context) { c.Status(http.StatusOK) })

			req := httptest.NewRequest(http.MethodGet, "/x", nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			w := httptest.NewRecorder()
			r.ServeHTTP(w, req)
			assert.Equal(t, tt.status, w.Code)
		})
	}
}

func TestSetupRouter_PublicEndpoints(t *testing.T) {
	m := metrics.New(quietLogger(), "router_test")
	r := SetupRouter(testRouterConfig("secret-token"), quietLogger(), nil, m, nil, nil)

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/health", nil))
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), Version)

	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "router_test_")

	// 受保护接口在认证失败时不会触达服务层
	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/jobs", nil))
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestCORSMiddleware_Preflight(t *testing.T) {
	r := SetupRouter(testRouterConfig(""), quietLogger(), nil, nil, nil, nil)

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodOptions, "/api/jobs", nil))
	assert.Equal(t, http.StatusNoContent, w.Code)
	assert.Equal(t, "*", w.Header().Get("Access-Control-Allow-Origin"))
}
