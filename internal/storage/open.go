package storage

import (
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"

	"aitester/internal/suite"
	logx "aitester/pkg/logx"
)

// Open initializes the configured store.
func Open(cfg Config, log logx.Logger) (Store, error) {
	driver := strings.ToLower(strings.TrimSpace(cfg.Driver))
	if driver == "" {
		driver = "file"
	}
	if log.IsZero() {
		log = logx.Nop()
	}

	var (
		st  Store
		err error
	)
	switch driver {
	case "file", "json":
		st, err = openFile(cfg, log)
	case "sqlite", "sqlite3":
		st, err = openSQLite(cfg, log)
	default:
		return nil, errors.New("unknown storage driver: " + driver)
	}
	if err != nil {
		return nil, err
	}
	log.Info("storage opened", logx.String("driver", driver), logx.String("path", cfg.Path))
	return st, nil
}

// prepareNewSuite assigns id and timestamps for CreateTestSuite.
func prepareNewSuite(s suite.TestSuite) suite.TestSuite {
	s = s.Clone()
	s.ID = strings.TrimSpace(s.ID)
	if s.ID == "" {
		s.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	s.CreatedAt = now
	s.UpdatedAt = now
	if s.TestCases == nil {
		s.TestCases = []string{}
	}
	return s
}

func prepareEnvironment(env suite.Environment) suite.Environment {
	env.ID = strings.TrimSpace(env.ID)
	if env.ID == "" {
		env.ID = uuid.NewString()
	}
	return env
}
