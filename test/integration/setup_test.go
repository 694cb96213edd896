//go:build integration

package integration

import (
	"context"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"runtime"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/ehr/hie/internal/platform/db"
)

// testDB holds the shared database infrastructure for integration tests.
type testDB struct {
	Pool          *pgxpool.Pool
	ConnStr       string
	MigrationsDir string
}

// globalDB is the package-level test database, initialized once in TestMain.
var globalDB *testDB

func TestMain(m *testing.M) {
	ctx := context.Background()

	container, connStr, err := startPostgres(ctx)
	if err != nil {
		log.Fatalf("failed to start postgres container: %v", err)
	}

	pool, err := db.NewPool(ctx, connStr, 20, 2)
	if err != nil {
		_ = container.Terminate(ctx)
		log.Fatalf("failed to connect: %v", err)
	}

	globalDB = &testDB{Pool: pool, ConnStr: connStr, MigrationsDir: findMigrationsDir()}
	if _, err := db.NewMigrator(pool, globalDB.MigrationsDir).Up(ctx); err != nil {
		pool.Close()
		_ = container.Terminate(ctx)
		log.Fatalf("failed to migrate: %v", err)
	}

	code := m.Run()

	pool.Close()
	_ = container.Terminate(ctx)
	os.Exit(code)
}

// startPostgres runs postgres:16-alpine and returns its connection string.
func startPostgres(ctx context.Context) (testcontainers.Container, string, error) {
	c, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: testcontainers.ContainerRequest{
			Image:        "postgres:16-alpine",
			ExposedPorts: []string{"5432/tcp"},
			Env: map[string]string{
				"POSTGRES_USER":     "testuser",
				"POSTGRES_PASSWORD": "testpass",
				"POSTGRES_DB":       "hietest",
			},
			// The entrypoint restarts the server once after init.
			WaitingFor: wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(60 * time.Second),
		},
		Started: true,
	})
	if err != nil {
		return nil, "", err
	}

	host, err := c.Host(ctx)
	if err != nil {
		return c, "", err
	}
	if host == "" || host == "null" {
		host = "localhost"
	}
	port, err := c.MappedPort(ctx, "5432")
	if err != nil {
		return c, "", err
	}
	return c, fmt.Sprintf("postgres://testuser:testpass@%s:%s/hietest?sslmode=disable", host, port.Port()), nil
}

// findMigrationsDir locates the migrations directory relative to this test file.
func findMigrationsDir() string {
	_, filename, _, _ := runtime.Caller(0)
	return filepath.Join(filepath.Dir(filename), "..", "..", "migrations")
}

// createPatient inserts a patient row with the given data document.
func createPatient(t *testing.T, ctx context.Context, data string) (id, cxID uuid.UUID) {
	t.Helper()
	id, cxID = uuid.New(), uuid.New()
	if data == "" {
		data = "{}"
	}
	_, err := globalDB.Pool.Exec(ctx,
		`INSERT INTO patient (id, cx_id, data) VALUES ($1, $2, $3::jsonb)`, id, cxID, data)
	if err != nil {
		t.Fatalf("create patient: %v", err)
	}
	t.Cleanup(func() {
		_, _ = globalDB.Pool.Exec(context.Background(), `DELETE FROM patient WHERE id = $1`, id)
	})
	return id, cxID
}

// backdate moves the patient's last update into the past.
func backdate(t *testing.T, ctx context.Context, id uuid.UUID, age time.Duration) {
	t.Helper()
	_, err := globalDB.Pool.Exec(ctx,
		`UPDATE patient SET updated_at = NOW() - make_interval(secs => $2) WHERE id = $1`,
		id, age.Seconds())
	if err != nil {
		t.Fatalf("backdate patient: %v", err)
	}
}
