package metrics

import (
	"context"
	"database/sql"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	_ "github.com/glebarez/go-sqlite"
)

func TestStatusBucket(t *testing.T) {
	tests := []struct {
		code int
		want string
	}{
		{100, "1xx"},
		{200, "2xx"},
		{201, "2xx"},
		{301, "3xx"},
		{400, "4xx"},
		{409, "4xx"},
		{500, "5xx"},
		{503, "5xx"},
	}

	for _, tt := range tests {
		if got := statusBucket(tt.code); got != tt.want {
			t.Errorf("statusBucket(%d) = %s, want %s", tt.code, got, tt.want)
		}
	}
}

func TestMetricsEndpoint(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.GET("/metrics", Handler())

	scrape := func() string {
		w := httptest.NewRecorder()
		r.ServeHTTP(w, httptest.NewRequest("GET", "/metrics", nil))
		require.Equal(t, http.StatusOK, w.Code)
		return w.Body.String()
	}

	// Plain gauges are always exported.
	body := scrape()
	assert.Contains(t, body, "txfeatures_goroutines")
	assert.Contains(t, body, "txfeatures_db_open_connections")

	// Vectors appear after their first observation.
	CommitsTotal.WithLabelValues("committed").Inc()
	ExtractDuration.Observe(0.002)
	body = scrape()
	assert.Contains(t, body, `txfeatures_commits_total{outcome="committed"}`)
	assert.Contains(t, body, "txfeatures_extract_duration_seconds_count")
}

func TestMiddleware_RecordsMetrics(t *testing.T) {
	gin.SetMode(gin.TestMode)
	HTTPRequestsTotal.Reset()

	r := gin.New()
	r.Use(Middleware())
	r.GET("/v1/things/:id", func(c *gin.Context) {
		c.JSON(http.StatusConflict, gin.H{"ok": false})
	})

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest("GET", "/v1/things/42", nil))
	require.Equal(t, http.StatusConflict, w.Code)

	m := &dto.Metric{}
	counter, err := HTTPRequestsTotal.GetMetricWithLabelValues("GET", "/v1/things/:id", "4xx")
	require.NoError(t, err)
	require.NoError(t, counter.Write(m))
	assert.Equal(t, 1.0, m.Counter.GetValue())
}

func TestStartDBStatsCollector(t *testing.T) {
	db, err := sql.Open("sqlite", "file::memory:")
	require.NoError(t, err)
	defer db.Close()
	require.NoError(t, db.Ping())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		StartDBStatsCollector(ctx, db, 5*time.Millisecond)
		close(done)
	}()

	require.Eventually(t, func() bool {
		m := &dto.Metric{}
		_ = GoroutineCount.Write(m)
		return m.Gauge.GetValue() > 0
	}, time.Second, 5*time.Millisecond)

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("collector did not stop after cancel")
	}
}
