package middleware

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"leadmarket/pkg/access"
	"leadmarket/pkg/config"
	"leadmarket/pkg/errutil"
)

func init() {
	zap.ReplaceGlobals(zap.NewNop())
	gin.SetMode(gin.TestMode)
}

func newEngine(t *testing.T) *gin.Engine {
	t.Helper()
	e, err := access.NewEnforcer(config.Default())
	require.NoError(t, err)

	r := gin.New()
	r.Use(RequestLogger(), Error(), ActorFromHeaders())
	r.GET("/v1/leads/:id", func(c *gin.Context) {
		_ = c.Error(errutil.NotFound("lead not found", nil))
	})
	r.GET("/v1/boom", func(c *gin.Context) {
		_ = c.Error(errors.New("dial tcp: connection refused"))
	})
	admin := r.Group("/v1", Authorize(e))
	admin.GET("/queues", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"actor": GetActor(c.Request.Context()).ID})
	})
	return r
}

func get(r *gin.Engine, path string, headers map[string]string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodGet, path, nil)
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func TestRequestID(t *testing.T) {
	r := newEngine(t)

	w := get(r, "/v1/leads/1", nil)
	require.NotEmpty(t, w.Header().Get(HeaderRequestID))

	w = get(r, "/v1/leads/1", map[string]string{HeaderRequestID: "req-42"})
	require.Equal(t, "req-42", w.Header().Get(HeaderRequestID))
}

func TestError(t *testing.T) {
	r := newEngine(t)

	w := get(r, "/v1/leads/1", nil)
	require.Equal(t, http.StatusNotFound, w.Code)
	var body map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	require.Contains(t, w.Body.String(), "lead not found")

	w = get(r, "/v1/boom", nil)
	require.Equal(t, http.StatusInternalServerError, w.Code)
	require.NotContains(t, w.Body.String(), "connection refused")
}

func TestAuthorize(t *testing.T) {
	r := newEngine(t)

	w := get(r, "/v1/queues", nil)
	require.Equal(t, http.StatusForbidden, w.Code)

	w = get(r, "/v1/queues", map[string]string{HeaderActorRole: "operator", HeaderActorID: "op-1"})
	require.Equal(t, http.StatusOK, w.Code)
	require.Contains(t, w.Body.String(), "op-1")

	w = get(r, "/v1/queues", map[string]string{HeaderActorRole: "owner"})
	require.Equal(t, http.StatusOK, w.Code)
}

func TestGetActorDefaultsToAnonymous(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	require.Equal(t, "anonymous", GetActor(req.Context()).Role)
}
