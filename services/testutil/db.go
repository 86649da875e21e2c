package testutil

import (
	"fmt"
	"os"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// PostgresDSNEnv names the variable holding the database used by tests that
// need real row locks.
const PostgresDSNEnv = "LEADMARKET_TEST_POSTGRES_DSN"

// NewTestDB opens a private in-memory sqlite database with models migrated.
// There is a single connection, so code running inside a transaction must
// use the transaction handle or it will block. sqlite ignores FOR UPDATE.
func NewTestDB(t *testing.T, models ...any) *gorm.DB {
	t.Helper()

	name := strings.NewReplacer("/", "_", " ", "_").Replace(t.Name())
	db := open(t, sqlite.Open(fmt.Sprintf("file:leadmarket_%s?mode=memory&cache=shared", name)), models)

	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	return db
}

// NewPostgresDB connects to the database named by LEADMARKET_TEST_POSTGRES_DSN
// and skips the test when it is unset. Migrated tables are dropped on cleanup.
func NewPostgresDB(t *testing.T, models ...any) *gorm.DB {
	t.Helper()

	dsn := os.Getenv(PostgresDSNEnv)
	if dsn == "" {
		t.Skipf("%s not set", PostgresDSNEnv)
	}
	db := open(t, postgres.Open(dsn), models)
	t.Cleanup(func() {
		_ = db.Migrator().DropTable(models...)
	})
	return db
}

func open(t *testing.T, dialector gorm.Dialector, models []any) *gorm.DB {
	t.Helper()

	db, err := gorm.Open(dialector, &gorm.Config{
		Logger:         logger.Default.LogMode(logger.Silent),
		TranslateError: true,
	})
	require.NoError(t, err, "open test database")

	if len(models) > 0 {
		require.NoError(t, db.AutoMigrate(models...), "migrate test database")
	}

	sqlDB, err := db.DB()
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = sqlDB.Close()
	})
	return db
}
