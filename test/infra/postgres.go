package infra

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"

	"github.com/jackc/pgx/v5"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
)

// DatabaseName is the database a stress run creates, in a container or on a
// local server.
const DatabaseName = "dealflow_stress"

// Env vars read by OpenPostgres.
const (
	EnvDSN      = "STRESS_TEST_PG_DSN"
	EnvAdminDSN = "STRESS_TEST_PG_ADMIN_DSN"
)

const (
	runRole     = "dealflow"
	runPassword = "dealflow"
	localAddr   = "127.0.0.1:5432"
)

// Postgres is the database a stress run talks to.
type Postgres struct {
	DSN string
	// Shared is set when the DSN was handed to us. Migrations then go into a
	// throwaway schema instead of touching public.
	Shared bool

	container *postgres.PostgresContainer
}

// ErrNoPostgres means neither a DSN, docker nor a local server was available.
var ErrNoPostgres = errors.New("infra: no postgres available")

// OpenPostgres resolves a database for the run: dsn, then EnvDSN, then a
// Postgres 16 container when docker answers, then a fresh DatabaseName on a
// local server.
func OpenPostgres(ctx context.Context, dsn string) (*Postgres, error) {
	if dsn == "" {
		dsn = os.Getenv(EnvDSN)
	}
	if dsn != "" {
		return &Postgres{DSN: dsn, Shared: true}, nil
	}

	if dockerAvailable(ctx) {
		return startContainer(ctx)
	}

	dsn, err := recreateLocal(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrNoPostgres, err)
	}
	return &Postgres{DSN: dsn}, nil
}

// Close stops the container, if one was started.
func (p *Postgres) Close(ctx context.Context) error {
	if p == nil || p.container == nil {
		return nil
	}
	return p.container.Terminate(ctx)
}

func startContainer(ctx context.Context) (*Postgres, error) {
	c, err := postgres.Run(ctx,
		"postgres:16",
		postgres.WithDatabase(DatabaseName),
		postgres.WithUsername(runRole),
		postgres.WithPassword(runPassword),
	)
	if err != nil {
		return nil, fmt.Errorf("infra: start container: %w", err)
	}

	dsn, err := c.ConnectionString(ctx, "sslmode=disable", "application_name="+AppName)
	if err != nil {
		_ = c.Terminate(ctx)
		return nil, fmt.Errorf("infra: container dsn: %w", err)
	}
	return &Postgres{DSN: dsn, container: c}, nil
}

func adminDSNs() []string {
	if dsn := os.Getenv(EnvAdminDSN); dsn != "" {
		return []string{dsn}
	}
	user := os.Getenv("USER")
	return []string{
		"postgres://postgres@" + localAddr + "/postgres?sslmode=disable",
		"postgres://postgres:postgres@" + localAddr + "/postgres?sslmode=disable",
		"postgres://" + user + "@" + localAddr + "/postgres?sslmode=disable",
	}
}

// recreateLocal drops and recreates DatabaseName owned by runRole.
func recreateLocal(ctx context.Context) (string, error) {
	var (
		admin *pgx.Conn
		err   error
	)
	for _, dsn := range adminDSNs() {
		if admin, err = pgx.Connect(ctx, dsn); err == nil {
			break
		}
	}
	if err != nil {
		return "", fmt.Errorf("connect as admin on %s: %w", localAddr, err)
	}
	defer admin.Close(ctx)

	role := pgx.Identifier{runRole}.Sanitize()
	dbName := pgx.Identifier{DatabaseName}.Sanitize()
	stmts := []string{
		fmt.Sprintf(`DO $$ BEGIN CREATE ROLE %s WITH LOGIN PASSWORD '%s'; EXCEPTION WHEN duplicate_object THEN NULL; END $$`, role, runPassword),
		fmt.Sprintf(`SELECT pg_terminate_backend(pid) FROM pg_stat_activity WHERE datname = '%s' AND pid <> pg_backend_pid()`, DatabaseName),
		"DROP DATABASE IF EXISTS " + dbName,
		fmt.Sprintf("CREATE DATABASE %s OWNER %s", dbName, role),
	}
	for _, stmt := range stmts {
		if _, err := admin.Exec(ctx, stmt); err != nil {
			return "", fmt.Errorf("prepare %s: %w", DatabaseName, err)
		}
	}

	return fmt.Sprintf("postgres://%s:%s@%s/%s?sslmode=disable&application_name=%s",
		runRole, runPassword, localAddr, DatabaseName, AppName), nil
}

func dockerAvailable(ctx context.Context) bool {
	if _, err := exec.LookPath("docker"); err != nil {
		return false
	}
	c := exec.CommandContext(ctx, "docker", "info")
	c.Stdout = io.Discard
	c.Stderr = io.Discard
	return c.Run() == nil
}
