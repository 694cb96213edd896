package telemetry

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMetrics_Inc(t *testing.T) {
	m := NewMetrics()

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			m.Inc("docquery_dispatch_total", "source", "COMMONWELL", "status", "dispatched")
		}()
	}
	wg.Wait()
	m.Inc("docquery_dispatch_total", "source", "CAREQUALITY", "status", "failed")

	assert.Equal(t, int64(50), m.Counter("docquery_dispatch_total", "source", "COMMONWELL", "status", "dispatched"))
	assert.Equal(t, int64(1), m.Counter("docquery_dispatch_total", "source", "CAREQUALITY", "status", "failed"))
	assert.Zero(t, m.Counter("docquery_dispatch_total"))
}

func TestSeriesKey(t *testing.T) {
	assert.Equal(t, "a", seriesKey("a", nil))
	assert.Equal(t, "a", seriesKey("a", []string{"only"}))
	assert.Equal(t, `a{k="v",x="y"}`, seriesKey("a", []string{"k", "v", "x", "y"}))
}

func TestMetrics_MiddlewareAndHandler(t *testing.T) {
	m := NewMetrics()
	e := echo.New()
	e.Use(m.Middleware())
	e.GET("/patients/:id", func(c echo.Context) error { return c.NoContent(http.StatusOK) })
	e.GET("/boom", func(c echo.Context) error { return echo.NewHTTPError(http.StatusConflict) })
	e.GET("/metrics", m.Handler())
	m.Inc("docquery_stale_corrected_total")

	for _, path := range []string{"/patients/1", "/patients/2", "/boom"} {
		rec := httptest.NewRecorder()
		e.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
	}

	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	body := rec.Body.String()
	assert.Contains(t, body, "# TYPE docquery_stale_corrected_total counter\ndocquery_stale_corrected_total 1\n")
	assert.Contains(t, body, `http_server_request_duration_seconds_count{method="GET",route="/patients/:id",status_code="200"} 2`)
	assert.Contains(t, body, `route="/boom",status_code="409"`)
	assert.True(t, strings.Contains(body, `le="+Inf"`))
}
