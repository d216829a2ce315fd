package execution

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"sort"
	"strconv"
	"strings"
	"sync"

	"aitester/internal/suite"
	logx "aitester/pkg/logx"
)

// CommandConfig describes the external test runner command.
//
// Args may contain placeholders: {suite}, {suite_id}, {env}, {base_url},
// {workers}, {headless}, {browser}, {mode}, {execution_id}.
type CommandConfig struct {
	Command string
	Args    []string
	WorkDir string
	// OutputLimit caps the captured output tail in bytes.
	OutputLimit int
}

// CommandRunner runs a suite by invoking an external command. Exit code 0
// means passed; any other exit code means failed.
type CommandRunner struct {
	mu  sync.RWMutex
	cfg CommandConfig
	log logx.Logger
}

func NewCommandRunner(cfg CommandConfig, log logx.Logger) *CommandRunner {
	if log.IsZero() {
		log = logx.Nop()
	}
	r := &CommandRunner{log: log}
	r.Apply(cfg)
	return r
}

// Apply swaps the command; runs already started keep the old one.
func (r *CommandRunner) Apply(cfg CommandConfig) {
	if cfg.OutputLimit <= 0 {
		cfg.OutputLimit = 8 << 10
	}
	cfg.Args = append([]string(nil), cfg.Args...)
	r.mu.Lock()
	r.cfg = cfg
	r.mu.Unlock()
}

func (r *CommandRunner) Run(ctx context.Context, job Job) (Outcome, error) {
	r.mu.RLock()
	cfg := r.cfg
	r.mu.RUnlock()

	name := strings.TrimSpace(cfg.Command)
	if name == "" {
		return Outcome{}, NoRetry(errors.New("runner command not configured"))
	}

	vars := placeholders(job)
	cmd := exec.CommandContext(ctx, name, expandArgs(cfg.Args, vars)...)
	cmd.Dir = cfg.WorkDir
	cmd.Env = append(os.Environ(), runnerEnv(job, vars)...)
	out := &tailBuffer{limit: cfg.OutputLimit}
	cmd.Stdout = out
	cmd.Stderr = out

	err := cmd.Run()
	if err == nil {
		return Outcome{Status: suite.StatusPassed, Output: out.String()}, nil
	}
	if ctx.Err() != nil {
		return Outcome{}, fmt.Errorf("runner %s: %w", name, ctx.Err())
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		r.log.Debug("runner exited non-zero", logx.String("suite_id", job.Suite.ID), logx.Int("exit_code", exitErr.ExitCode()))
		return Outcome{Status: suite.StatusFailed, ExitCode: exitErr.ExitCode(), Output: out.String()}, nil
	}
	if errors.Is(err, exec.ErrNotFound) || errors.Is(err, os.ErrNotExist) || errors.Is(err, os.ErrPermission) {
		return Outcome{}, NoRetry(fmt.Errorf("runner %s: %w", name, err))
	}
	return Outcome{}, fmt.Errorf("runner %s: %w", name, err)
}

func placeholders(job Job) map[string]string {
	baseURL := ""
	if job.Environment != nil {
		baseURL = job.Environment.BaseURL
	}
	mode := job.Config.Mode
	if mode == "" {
		mode = ModeSequential
	}
	return map[string]string{
		"suite":        job.Suite.Name,
		"suite_id":     job.Suite.ID,
		"env":          job.EnvName,
		"base_url":     baseURL,
		"workers":      strconv.Itoa(job.Config.Workers),
		"headless":     strconv.FormatBool(job.Config.Headless),
		"browser":      job.Browser,
		"mode":         mode,
		"execution_id": job.ExecutionID,
	}
}

func expandArgs(args []string, vars map[string]string) []string {
	pairs := make([]string, 0, len(vars)*2)
	for k, v := range vars {
		pairs = append(pairs, "{"+k+"}", v)
	}
	rep := strings.NewReplacer(pairs...)
	out := make([]string, len(args))
	for i, a := range args {
		out[i] = rep.Replace(a)
	}
	return out
}

func runnerEnv(job Job, vars map[string]string) []string {
	keys := make([]string, 0, len(vars))
	for k := range vars {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	env := make([]string, 0, len(keys)+3)
	for _, k := range keys {
		env = append(env, "AITESTER_"+strings.ToUpper(k)+"="+vars[k])
	}
	env = append(env, "AITESTER_TEST_CASES="+strings.Join(job.Suite.TestCases, ","))
	if len(job.Config.Tags) > 0 {
		env = append(env, "AITESTER_TAGS="+strings.Join(job.Config.Tags, ","))
	}
	if job.Environment != nil {
		for k, v := range job.Environment.Variables {
			env = append(env, "AITESTER_VAR_"+strings.ToUpper(k)+"="+v)
		}
	}
	return env
}

// tailBuffer keeps the last limit bytes written to it.
type tailBuffer struct {
	limit int
	buf   []byte
}

func (b *tailBuffer) Write(p []byte) (int, error) {
	b.buf = append(b.buf, p...)
	if over := len(b.buf) - b.limit; over > 0 {
		b.buf = append(b.buf[:0], b.buf[over:]...)
	}
	return len(p), nil
}

func (b *tailBuffer) String() string { return string(b.buf) }
