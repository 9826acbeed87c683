package security

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func serve(mw gin.HandlerFunc, method, origin string) *httptest.ResponseRecorder {
	router := gin.New()
	router.Use(mw)
	router.POST("/v1/features", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"ok": true})
	})

	req := httptest.NewRequest(method, "/v1/features", nil)
	if origin != "" {
		req.Header.Set("Origin", origin)
	}
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

func TestHeadersMiddleware_JSONOnly(t *testing.T) {
	w := serve(HeadersMiddleware(), http.MethodPost, "")

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "default-src 'none'; frame-ancestors 'none'", w.Header().Get("Content-Security-Policy"))
	assert.Equal(t, "no-store", w.Header().Get("Cache-Control"))
	assert.Equal(t, "nosniff", w.Header().Get("X-Content-Type-Options"))
	assert.Equal(t, "DENY", w.Header().Get("X-Frame-Options"))
	assert.Equal(t, "no-referrer", w.Header().Get("Referrer-Policy"))
	for _, kv := range APIHeaders {
		assert.Equal(t, kv[1], w.Header().Get(kv[0]), kv[0])
	}
}

func TestHeadersMiddleware_OnErrors(t *testing.T) {
	router := gin.New()
	router.Use(HeadersMiddleware())
	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/missing", nil))

	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Equal(t, "no-store", w.Header().Get("Cache-Control"))
}

func TestCORSMiddleware(t *testing.T) {
	tests := []struct {
		name        string
		origins     []string
		origin      string
		allowed     bool
		credentials bool
	}{
		{"listed origin", []string{"https://ops.example.com/"}, "https://ops.example.com", true, true},
		{"wildcard", []string{"*"}, "https://anything.example", true, false},
		{"unlisted origin", []string{"https://ops.example.com"}, "https://evil.example", false, false},
		{"empty list allows nothing", nil, "https://ops.example.com", false, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := serve(CORSMiddleware(tt.origins), http.MethodPost, tt.origin)

			assert.Equal(t, http.StatusOK, w.Code)
			assert.Equal(t, "Origin", w.Header().Get("Vary"))
			if !tt.allowed {
				assert.Empty(t, w.Header().Get("Access-Control-Allow-Origin"))
				return
			}
			assert.Equal(t, tt.origin, w.Header().Get("Access-Control-Allow-Origin"))
			assert.Equal(t, "X-Request-ID, Retry-After", w.Header().Get("Access-Control-Expose-Headers"))
			if tt.credentials {
				assert.Equal(t, "true", w.Header().Get("Access-Control-Allow-Credentials"))
			} else {
				assert.Empty(t, w.Header().Get("Access-Control-Allow-Credentials"))
			}
		})
	}
}

func TestCORSMiddleware_NoOrigin(t *testing.T) {
	w := serve(CORSMiddleware([]string{"*"}), http.MethodPost, "")

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Empty(t, w.Header().Get("Access-Control-Allow-Origin"))
	assert.Empty(t, w.Header().Get("Vary"))
}

func TestCORSPreflight(t *testing.T) {
	w := serve(CORSMiddleware([]string{"*"}), http.MethodOptions, "https://ops.example.com")

	assert.Equal(t, http.StatusNoContent, w.Code)
	assert.Equal(t, "GET, POST, OPTIONS", w.Header().Get("Access-Control-Allow-Methods"))
	assert.Contains(t, w.Header().Get("Access-Control-Allow-Headers"), "X-Client-ID")
}
