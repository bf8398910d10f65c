package cli_test

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/calvinalkan/tasksync/internal/cli"
	"github.com/calvinalkan/tasksync/internal/config"
	"github.com/calvinalkan/tasksync/internal/entity"
	"github.com/calvinalkan/tasksync/internal/mutation"
)

// CLI runs commands against a temp working directory.
type CLI struct {
	t   *testing.T
	Dir string
	Env map[string]string
}

func NewCLI(t *testing.T) *CLI {
	t.Helper()

	return &CLI{t: t, Dir: t.TempDir(), Env: map[string]string{}}
}

// Run executes the CLI with the given args and returns stdout, stderr, and exit code.
// Args should not include "tasksync" or "--cwd" - those are added automatically.
func (r *CLI) Run(args ...string) (string, string, int) {
	var outBuf, errBuf bytes.Buffer

	fullArgs := append([]string{"tasksync", "--cwd", r.Dir}, args...)
	code := cli.Run(nil, &outBuf, &errBuf, fullArgs, r.Env, nil)

	return outBuf.String(), errBuf.String(), code
}

// MustRun fails the test if the command returns non-zero. Returns trimmed stdout.
func (r *CLI) MustRun(args ...string) string {
	r.t.Helper()

	stdout, stderr, code := r.Run(args...)
	if code != 0 {
		r.t.Fatalf("command %v failed with exit code %d\nstderr: %s", args, code, stderr)
	}

	return strings.TrimSpace(stdout)
}

// MustFail fails the test if the command succeeds. Returns trimmed stderr.
func (r *CLI) MustFail(args ...string) string {
	r.t.Helper()

	stdout, stderr, code := r.Run(args...)
	if code == 0 {
		r.t.Fatalf("command %v should have failed but succeeded\nstdout: %s", args, stdout)
	}

	return strings.TrimSpace(stderr)
}

func (r *CLI) WriteConfig(content string) {
	r.t.Helper()

	err := os.WriteFile(filepath.Join(r.Dir, config.FileName), []byte(content), 0o600)
	if err != nil {
		r.t.Fatalf("failed to write config: %v", err)
	}
}

// Seed appends mutations to the configured log, as a sync client would.
func (r *CLI) Seed(backend string, ms ...mutation.Mutation) {
	r.t.Helper()

	cfg, err := config.Load(config.LoadInput{WorkDirOverride: r.Dir, BackendOverride: backend, Env: r.Env})
	if err != nil {
		r.t.Fatalf("load config: %v", err)
	}

	log, err := config.OpenLog(context.Background(), cfg, nil)
	if err != nil {
		r.t.Fatalf("open log: %v", err)
	}

	defer func() { _ = log.Close() }()

	for _, m := range ms {
		err = log.Append(m)
		if err != nil {
			r.t.Fatalf("append: %v", err)
		}
	}
}

var enqueuedAt = time.Date(2024, time.May, 1, 8, 0, 0, 0, time.UTC)

func newCreate(t *testing.T, title string) mutation.Mutation {
	t.Helper()

	m, err := mutation.NewCreate("tasks", "family", entity.Patch{Title: entity.Ptr(title)}, enqueuedAt)
	if err != nil {
		t.Fatalf("new create: %v", err)
	}

	return m
}

func AssertContains(t *testing.T, content, substr string) {
	t.Helper()

	if !strings.Contains(content, substr) {
		t.Errorf("content should contain %q\ncontent:\n%s", substr, content)
	}
}

func AssertNotContains(t *testing.T, content, substr string) {
	t.Helper()

	if strings.Contains(content, substr) {
		t.Errorf("content should NOT contain %q\ncontent:\n%s", substr, content)
	}
}
