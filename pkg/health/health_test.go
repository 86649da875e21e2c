package health

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/alicebob/miniredis/v2"
	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"

	"leadmarket/services/testutil"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func serve(h HealthService, path string) *httptest.ResponseRecorder {
	r := gin.New()
	r.GET("/healthz", h.Liveness)
	r.GET("/readyz", h.Readiness)

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, path, nil))
	return w
}

func TestReadiness(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	h := ProvideHealth(HealthParams{DB: testutil.NewTestDB(t), Redis: rdb})

	w := serve(h, "/healthz")
	require.Equal(t, http.StatusOK, w.Code)

	w = serve(h, "/readyz")
	require.Equal(t, http.StatusOK, w.Code)
	var body Health
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	require.Len(t, body.Deps, 2)

	mr.Close()
	w = serve(h, "/readyz")
	require.Equal(t, http.StatusServiceUnavailable, w.Code)
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	require.Equal(t, statusUnhealthy, body.Status)
	require.Equal(t, "redis", body.Deps[1].Name)
	require.Equal(t, statusUnhealthy, body.Deps[1].Status)
}

func TestReadiness_DatabaseDown(t *testing.T) {
	sqlDB, mock, err := sqlmock.New(sqlmock.MonitorPingsOption(true))
	require.NoError(t, err)
	t.Cleanup(func() { _ = sqlDB.Close() })

	gdb, err := gorm.Open(postgres.New(postgres.Config{Conn: sqlDB}), &gorm.Config{DisableAutomaticPing: true})
	require.NoError(t, err)

	mock.ExpectPing().WillReturnError(errors.New("connection refused"))

	w := serve(ProvideHealth(HealthParams{DB: gdb}), "/readyz")
	require.Equal(t, http.StatusServiceUnavailable, w.Code)

	var body Health
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	require.Len(t, body.Deps, 1)
	require.Equal(t, "postgres", body.Deps[0].Name)
	require.Contains(t, body.Deps[0].Message, "connection refused")
	require.NoError(t, mock.ExpectationsWereMet())
}
