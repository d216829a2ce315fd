package storage

import (
	"context"
	"errors"
	"time"

	"aitester/internal/suite"
)

var (
	ErrClosed = errors.New("storage closed")
	// ErrExists is returned by CreateTestSuite when the requested id is taken.
	ErrExists = errors.New("record already exists")
)

// Store is the persistence API used by the scheduler, the execution service
// and the HTTP layer.
//
// ListTestSuites and ReplaceTestSuites form a read-modify-write pair; callers
// that mutate the collection must serialize their own sequences.
type Store interface {
	ListTestSuites(ctx context.Context) ([]suite.TestSuite, error)
	ReplaceTestSuites(ctx context.Context, suites []suite.TestSuite) error
	CreateTestSuite(ctx context.Context, s suite.TestSuite) (suite.TestSuite, error)

	ListEnvironments(ctx context.Context) ([]suite.Environment, error)
	PutEnvironment(ctx context.Context, env suite.Environment) (suite.Environment, error)

	AppendExecution(ctx context.Context, e suite.Execution) error
	// ListExecutions returns newest first. An empty suiteID lists all suites;
	// limit <= 0 means no limit.
	ListExecutions(ctx context.Context, suiteID string, limit int) ([]suite.Execution, error)

	Close() error
}

// Config configures storage.
//
// Driver values:
//   - "file" (default): JSON document at Path, executions in <prefix>.executions.jsonl
//   - "sqlite": SQLite database file at Path
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // sqlite only; 0 means default
}
