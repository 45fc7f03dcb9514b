package metrics

import (
	"database/sql"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	_ "github.com/lib/pq"
	promtest "github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStatusClass(t *testing.T) {
	for code, want := range map[int]string{
		100: "1xx", 200: "2xx", 201: "2xx", 301: "3xx",
		402: "4xx", 409: "4xx", 500: "5xx", 503: "5xx", 0: "other", 700: "other",
	} {
		assert.Equal(t, want, statusClass(code), code)
	}
}

func TestMiddleware_RecordsRoute(t *testing.T) {
	gin.SetMode(gin.TestMode)
	HTTPRequestsTotal.Reset()

	r := gin.New()
	r.Use(Middleware())
	r.GET("/v1/escrow/:address", func(c *gin.Context) { c.Status(http.StatusNotFound) })

	for _, path := range []string{"/v1/escrow/0x01", "/v1/escrow/0x02", "/nope"} {
		r.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, path, nil))
	}

	assert.Equal(t, 2.0, promtest.ToFloat64(HTTPRequestsTotal.WithLabelValues("GET", "/v1/escrow/:address", "4xx")))
	assert.Equal(t, 1.0, promtest.ToFloat64(HTTPRequestsTotal.WithLabelValues("GET", "unmatched", "4xx")))
	assert.Equal(t, 0.0, promtest.ToFloat64(HTTPInFlight))
}

func TestHandler_ExposesEscrowSeries(t *testing.T) {
	gin.SetMode(gin.TestMode)
	EscrowInstructionsTotal.WithLabelValues("release", "ok").Inc()

	r := gin.New()
	r.GET("/metrics", Handler())
	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	require.Equal(t, http.StatusOK, w.Code)
	body := w.Body.String()
	assert.Contains(t, body, "p2pescrow_escrow_instructions_total")
	assert.Contains(t, body, "p2pescrow_escrow_locked_units")
	assert.Contains(t, body, "p2pescrow_realtime_clients")
}

func TestRegisterDB_Idempotent(t *testing.T) {
	// sql.Open does not dial; Stats works on an unused pool.
	db, err := sql.Open("postgres", "postgres://localhost/none")
	require.NoError(t, err)
	defer db.Close()

	require.NoError(t, RegisterDB(db, "test_pool"))
	assert.NoError(t, RegisterDB(db, "test_pool"))
}
