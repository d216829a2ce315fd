package storage

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"aitester/internal/suite"
	logx "aitester/pkg/logx"
)

// fileStore keeps the document in memory and rewrites it on every mutation.
//
// Files:
//   - <path>                      (JSON document, written via tmp + rename)
//   - <prefix>.executions.jsonl   (append-only JSON Lines)
type fileStore struct {
	log logx.Logger

	mu sync.Mutex

	docPath  string
	doc      document
	execFile *os.File
	execPath string
}

type document struct {
	Suites       []suite.TestSuite   `json:"suites"`
	Environments []suite.Environment `json:"environments"`
}

func openFile(cfg Config, log logx.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("storage.path is required for file driver")
	}

	dir := filepath.Dir(path)
	base := strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	prefix := filepath.Join(dir, base)

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}

	doc, err := loadDocument(path)
	if err != nil {
		return nil, err
	}

	execPath := prefix + ".executions.jsonl"
	ef, err := os.OpenFile(execPath, os.O_CREATE|os.O_APPEND|os.O_RDWR, 0o600)
	if err != nil {
		return nil, err
	}

	return &fileStore{
		log:      log,
		docPath:  path,
		doc:      doc,
		execFile: ef,
		execPath: execPath,
	}, nil
}

func loadDocument(path string) (document, error) {
	var doc document
	b, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return doc, nil
	}
	if err != nil {
		return doc, err
	}
	if len(strings.TrimSpace(string(b))) == 0 {
		return doc, nil
	}
	if err := json.Unmarshal(b, &doc); err != nil {
		return doc, fmt.Errorf("decode %s: %w", path, err)
	}
	return doc, nil
}

func (s *fileStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.execFile == nil {
		return nil
	}
	err := s.execFile.Close()
	s.execFile = nil
	return err
}

func (s *fileStore) ListTestSuites(ctx context.Context) ([]suite.TestSuite, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.execFile == nil {
		return nil, ErrClosed
	}
	return cloneSuites(s.doc.Suites), nil
}

func (s *fileStore) ReplaceTestSuites(ctx context.Context, suites []suite.TestSuite) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.execFile == nil {
		return ErrClosed
	}
	next := s.doc
	next.Suites = cloneSuites(suites)
	if err := s.writeLocked(next); err != nil {
		return err
	}
	s.doc = next
	return nil
}

func (s *fileStore) CreateTestSuite(ctx context.Context, ts suite.TestSuite) (suite.TestSuite, error) {
	if err := ctx.Err(); err != nil {
		return suite.TestSuite{}, err
	}
	ts = prepareNewSuite(ts)

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.execFile == nil {
		return suite.TestSuite{}, ErrClosed
	}
	if suite.FindSuite(s.doc.Suites, ts.ID) >= 0 {
		return suite.TestSuite{}, fmt.Errorf("suite %s: %w", ts.ID, ErrExists)
	}
	next := s.doc
	next.Suites = append(cloneSuites(s.doc.Suites), ts.Clone())
	if err := s.writeLocked(next); err != nil {
		return suite.TestSuite{}, err
	}
	s.doc = next
	return ts, nil
}

func (s *fileStore) ListEnvironments(ctx context.Context) ([]suite.Environment, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.execFile == nil {
		return nil, ErrClosed
	}
	return append([]suite.Environment(nil), s.doc.Environments...), nil
}

func (s *fileStore) PutEnvironment(ctx context.Context, env suite.Environment) (suite.Environment, error) {
	if err := ctx.Err(); err != nil {
		return suite.Environment{}, err
	}
	env = prepareEnvironment(env)

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.execFile == nil {
		return suite.Environment{}, ErrClosed
	}
	next := s.doc
	next.Environments = append([]suite.Environment(nil), s.doc.Environments...)
	replaced := false
	for i := range next.Environments {
		if next.Environments[i].ID == env.ID {
			next.Environments[i] = env
			replaced = true
			break
		}
	}
	if !replaced {
		next.Environments = append(next.Environments, env)
	}
	if err := s.writeLocked(next); err != nil {
		return suite.Environment{}, err
	}
	s.doc = next
	return env, nil
}

// writeLocked persists doc atomically. s.mu must be held.
func (s *fileStore) writeLocked(doc document) error {
	if doc.Suites == nil {
		doc.Suites = []suite.TestSuite{}
	}
	if doc.Environments == nil {
		doc.Environments = []suite.Environment{}
	}
	b, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return err
	}
	tmp := s.docPath + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}
	if _, err := f.Write(b); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Sync(); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	return os.Rename(tmp, s.docPath)
}

func (s *fileStore) AppendExecution(ctx context.Context, e suite.Execution) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.execFile == nil {
		return ErrClosed
	}
	return json.NewEncoder(s.execFile).Encode(e)
}

func (s *fileStore) ListExecutions(ctx context.Context, suiteID string, limit int) ([]suite.Execution, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.execFile == nil {
		return nil, ErrClosed
	}

	f, err := os.Open(s.execPath)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var out []suite.Execution
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for sc.Scan() {
		var e suite.Execution
		if err := json.Unmarshal(sc.Bytes(), &e); err != nil {
			s.log.Debug("skipping corrupt execution line", logx.Err(err))
			continue
		}
		if suiteID != "" && e.SuiteID != suiteID {
			continue
		}
		out = append(out, e)
	}
	if err := sc.Err(); err != nil {
		return nil, err
	}

	// Latest append first, then order by start time.
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].StartedAt.After(out[j].StartedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func cloneSuites(in []suite.TestSuite) []suite.TestSuite {
	out := make([]suite.TestSuite, len(in))
	for i := range in {
		out[i] = in[i].Clone()
	}
	return out
}
