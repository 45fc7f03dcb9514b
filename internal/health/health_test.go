package health

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeDB struct{ err error }

func (f fakeDB) PingContext(context.Context) error { return f.err }

func TestRegistryEmpty(t *testing.T) {
	healthy, statuses := NewRegistry().CheckAll(context.Background())
	assert.True(t, healthy)
	assert.Empty(t, statuses)
}

func TestRegistryAllHealthy(t *testing.T) {
	r := NewRegistry()
	r.Register(Ping("database", fakeDB{}))
	r.Register(Loop("expiry_watcher", func() bool { return true }))

	healthy, statuses := r.CheckAll(context.Background())
	assert.True(t, healthy)
	require.Len(t, statuses, 2)
	assert.Equal(t, "database", statuses[0].Name)
}

func TestRegistryOneUnhealthy(t *testing.T) {
	r := NewRegistry()
	r.Register(Ping("database", fakeDB{err: errors.New("connection refused")}))
	r.Register(Loop("expiry_watcher", func() bool { return false }))

	healthy, statuses := r.CheckAll(context.Background())
	assert.False(t, healthy)
	require.Len(t, statuses, 2)
	assert.Equal(t, "connection refused", statuses[0].Detail)
	assert.Equal(t, "not running", statuses[1].Detail)
}

func TestReadyHandler(t *testing.T) {
	gin.SetMode(gin.TestMode)

	for _, tt := range []struct {
		running bool
		code    int
		status  string
	}{
		{true, http.StatusOK, "ready"},
		{false, http.StatusServiceUnavailable, "not_ready"},
	} {
		r := NewRegistry()
		running := tt.running
		r.Register(Loop("hub", func() bool { return running }))

		router := gin.New()
		router.GET("/health/ready", r.ReadyHandler)
		w := httptest.NewRecorder()
		router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/health/ready", nil))

		assert.Equal(t, tt.code, w.Code)
		var body struct {
			Status string   `json:"status"`
			Checks []Status `json:"checks"`
		}
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
		assert.Equal(t, tt.status, body.Status)
		assert.Len(t, body.Checks, 1)
	}
}

func TestRegistryConcurrentRegisterAndCheck(t *testing.T) {
	r := NewRegistry()
	var wg sync.WaitGroup

	for i := 0; i < 10; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			r.Register(Loop("loop", func() bool { return true }))
		}()
		go func() {
			defer wg.Done()
			r.CheckAll(context.Background())
		}()
	}
	wg.Wait()
}
