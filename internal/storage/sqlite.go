package storage

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"aitester/internal/suite"
	logx "aitester/pkg/logx"
)

//go:embed migrations.sql
var migrationsFS embed.FS

type sqliteStore struct {
	db  *sql.DB
	log logx.Logger
}

func openSQLite(cfg Config, log logx.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("storage.path is required for sqlite driver")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// Single writer; also keeps read-modify-write callers consistent.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	st := &sqliteStore{db: db, log: log}

	busy := cfg.BusyTimeout
	if busy <= 0 {
		busy = 5 * time.Second
	}
	_, _ = db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", busy.Milliseconds()))
	_, _ = db.Exec("PRAGMA journal_mode = WAL")
	_, _ = db.Exec("PRAGMA synchronous = NORMAL")

	if err := st.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("sqlite migrate: %w", err)
	}
	return st, nil
}

func (s *sqliteStore) migrate(ctx context.Context) error {
	b, err := migrationsFS.ReadFile("migrations.sql")
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, string(b))
	return err
}

func (s *sqliteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *sqliteStore) ListTestSuites(ctx context.Context) ([]suite.TestSuite, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, name, test_cases, schedule, created_at, updated_at
		 FROM test_suites ORDER BY position, id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := []suite.TestSuite{}
	for rows.Next() {
		var (
			ts               suite.TestSuite
			cases            string
			sched            sql.NullString
			created, updated int64
		)
		if err := rows.Scan(&ts.ID, &ts.Name, &cases, &sched, &created, &updated); err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(cases), &ts.TestCases); err != nil {
			return nil, fmt.Errorf("suite %s test_cases: %w", ts.ID, err)
		}
		if sched.Valid && sched.String != "" {
			var def suite.ScheduleDefinition
			if err := json.Unmarshal([]byte(sched.String), &def); err != nil {
				return nil, fmt.Errorf("suite %s schedule: %w", ts.ID, err)
			}
			ts.Schedule = &def
		}
		ts.CreatedAt = fromNanos(created)
		ts.UpdatedAt = fromNanos(updated)
		out = append(out, ts)
	}
	return out, rows.Err()
}

func (s *sqliteStore) ReplaceTestSuites(ctx context.Context, suites []suite.TestSuite) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `DELETE FROM test_suites`); err != nil {
		return err
	}
	for i, ts := range suites {
		if err := insertSuite(ctx, tx, i, ts); err != nil {
			return err
		}
	}
	return tx.Commit()
}

func (s *sqliteStore) CreateTestSuite(ctx context.Context, ts suite.TestSuite) (suite.TestSuite, error) {
	ts = prepareNewSuite(ts)

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return suite.TestSuite{}, err
	}
	defer func() { _ = tx.Rollback() }()

	var n int
	if err := tx.QueryRowContext(ctx, `SELECT COUNT(1) FROM test_suites WHERE id = ?`, ts.ID).Scan(&n); err != nil {
		return suite.TestSuite{}, err
	}
	if n > 0 {
		return suite.TestSuite{}, fmt.Errorf("suite %s: %w", ts.ID, ErrExists)
	}
	var pos int
	if err := tx.QueryRowContext(ctx, `SELECT COALESCE(MAX(position), -1) + 1 FROM test_suites`).Scan(&pos); err != nil {
		return suite.TestSuite{}, err
	}
	if err := insertSuite(ctx, tx, pos, ts); err != nil {
		return suite.TestSuite{}, err
	}
	if err := tx.Commit(); err != nil {
		return suite.TestSuite{}, err
	}
	return ts, nil
}

func insertSuite(ctx context.Context, tx *sql.Tx, pos int, ts suite.TestSuite) error {
	cases := ts.TestCases
	if cases == nil {
		cases = []string{}
	}
	cb, err := json.Marshal(cases)
	if err != nil {
		return err
	}
	var sched any
	if ts.Schedule != nil {
		sb, err := json.Marshal(ts.Schedule)
		if err != nil {
			return err
		}
		sched = string(sb)
	}
	_, err = tx.ExecContext(ctx,
		`INSERT INTO test_suites(id, position, name, test_cases, schedule, created_at, updated_at)
		 VALUES(?,?,?,?,?,?,?)`,
		ts.ID, pos, ts.Name, string(cb), sched, toNanos(ts.CreatedAt), toNanos(ts.UpdatedAt),
	)
	return err
}

func (s *sqliteStore) ListEnvironments(ctx context.Context) ([]suite.Environment, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, env_key, name, base_url, variables FROM environments ORDER BY rowid`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := []suite.Environment{}
	for rows.Next() {
		var (
			env                suite.Environment
			key, baseURL, vars sql.NullString
		)
		if err := rows.Scan(&env.ID, &key, &env.Name, &baseURL, &vars); err != nil {
			return nil, err
		}
		env.Key = key.String
		env.BaseURL = baseURL.String
		if vars.Valid && vars.String != "" {
			if err := json.Unmarshal([]byte(vars.String), &env.Variables); err != nil {
				return nil, fmt.Errorf("environment %s variables: %w", env.ID, err)
			}
		}
		out = append(out, env)
	}
	return out, rows.Err()
}

func (s *sqliteStore) PutEnvironment(ctx context.Context, env suite.Environment) (suite.Environment, error) {
	env = prepareEnvironment(env)
	var vars any
	if len(env.Variables) > 0 {
		b, err := json.Marshal(env.Variables)
		if err != nil {
			return suite.Environment{}, err
		}
		vars = string(b)
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO environments(id, env_key, name, base_url, variables) VALUES(?,?,?,?,?)
		 ON CONFLICT(id) DO UPDATE SET env_key=excluded.env_key, name=excluded.name,
		   base_url=excluded.base_url, variables=excluded.variables`,
		env.ID, nullStr(env.Key), env.Name, nullStr(env.BaseURL), vars,
	)
	if err != nil {
		return suite.Environment{}, err
	}
	return env, nil
}

func (s *sqliteStore) AppendExecution(ctx context.Context, e suite.Execution) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO executions(id, suite_id, suite_name, status, trigger_kind, environment, started_at, finished_at, attempts, err)
		 VALUES(?,?,?,?,?,?,?,?,?,?)`,
		e.ID, e.SuiteID, e.SuiteName, e.Status, e.Trigger, nullStr(e.Environment),
		toNanos(e.StartedAt), toNanos(e.FinishedAt), e.Attempts, nullStr(e.Error),
	)
	return err
}

func (s *sqliteStore) ListExecutions(ctx context.Context, suiteID string, limit int) ([]suite.Execution, error) {
	q := `SELECT id, suite_id, suite_name, status, trigger_kind, environment, started_at, finished_at, attempts, err
	      FROM executions`
	var args []any
	if suiteID != "" {
		q += ` WHERE suite_id = ?`
		args = append(args, suiteID)
	}
	q += ` ORDER BY started_at DESC, rowid DESC`
	if limit > 0 {
		q += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := []suite.Execution{}
	for rows.Next() {
		var (
			e                 suite.Execution
			env, errStr       sql.NullString
			started, finished int64
		)
		if err := rows.Scan(&e.ID, &e.SuiteID, &e.SuiteName, &e.Status, &e.Trigger, &env,
			&started, &finished, &e.Attempts, &errStr); err != nil {
			return nil, err
		}
		e.Environment = env.String
		e.Error = errStr.String
		e.StartedAt = fromNanos(started)
		e.FinishedAt = fromNanos(finished)
		out = append(out, e)
	}
	return out, rows.Err()
}

func toNanos(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixNano()
}

func fromNanos(n int64) time.Time {
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n).UTC()
}

func nullStr(v string) any {
	if strings.TrimSpace(v) == "" {
		return nil
	}
	return v
}
