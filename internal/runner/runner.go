// Package runner launches external executables, captures their output and
// classifies their exit codes. Every mutating action of the orchestrator
// ultimately funnels through here.
package runner

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/mdeops/mdeinstall/internal/exitcode"
	"github.com/mdeops/mdeinstall/util"
)

// Spec describes a single external process invocation.
type Spec struct {
	Path string
	Args []string
	Dir  string
}

// RunResult is the immutable record of one completed invocation. Output is
// always fully drained regardless of the exit code.
type RunResult struct {
	ExitCode   int
	StartedAt  time.Time
	FinishedAt time.Time
	Stdout     []string
	Stderr     []string
}

// Duration reports how long the process ran.
func (r *RunResult) Duration() time.Duration {
	return r.FinishedAt.Sub(r.StartedAt)
}

// Runner executes external processes synchronously.
type Runner interface {
	// Run treats a non-zero exit code as fatal, returning an exit signal
	// that passes the raw process code through verbatim.
	Run(ctx context.Context, spec Spec) (*RunResult, error)
	// RunPassthrough returns the exit code in the result for the caller to
	// classify; only a failure to launch or drain the process is an error.
	RunPassthrough(ctx context.Context, spec Spec) (*RunResult, error)
}

type execRunner struct{}

// New returns the live process runner.
func New() Runner {
	return &execRunner{}
}

func (e *execRunner) Run(ctx context.Context, spec Spec) (*RunResult, error) {
	res, err := e.run(ctx, spec, callSite())
	if err != nil {
		return res, err
	}
	if res.ExitCode != 0 {
		return res, newExitSignal(spec, res.ExitCode)
	}
	return res, nil
}

func newExitSignal(spec Spec, code int) error {
	return exitcode.Newf(code, "%s exited with code %d", filepath.Base(spec.Path), code)
}

func (e *execRunner) RunPassthrough(ctx context.Context, spec Spec) (*RunResult, error) {
	return e.run(ctx, spec, callSite())
}

func (e *execRunner) run(ctx context.Context, spec Spec, site string) (result *RunResult, err error) {
	outFile, err := os.CreateTemp("", "mdeinstall-stdout-*.txt")
	if err != nil {
		return nil, fmt.Errorf("create stdout buffer: %w", err)
	}
	defer removeBuffer(outFile)

	errFile, err := os.CreateTemp("", "mdeinstall-stderr-*.txt")
	if err != nil {
		return nil, fmt.Errorf("create stderr buffer: %w", err)
	}
	defer removeBuffer(errFile)

	cmd := exec.CommandContext(ctx, spec.Path, spec.Args...)
	cmd.Dir = spec.Dir
	cmd.Stdout = outFile
	cmd.Stderr = errFile

	result = &RunResult{StartedAt: time.Now()}
	runErr := cmd.Run()
	result.FinishedAt = time.Now()

	result.Stdout = readLines(outFile)
	result.Stderr = readLines(errFile)

	if runErr != nil {
		var exitErr *exec.ExitError
		if !errors.As(runErr, &exitErr) {
			return result, fmt.Errorf("launch %s: %w", spec.Path, runErr)
		}
		result.ExitCode = exitErr.ExitCode()
	}

	log.WithFields(log.Fields{
		"caller":   site,
		"tid":      util.ThreadID(),
		"command":  cmd.String(),
		"exitCode": result.ExitCode,
		"duration": result.Duration().Round(time.Millisecond),
	}).Infof("ran %s", filepath.Base(spec.Path))

	for _, line := range result.Stdout {
		log.Debugf("%s stdout: %s", filepath.Base(spec.Path), line)
	}
	for _, line := range result.Stderr {
		log.Debugf("%s stderr: %s", filepath.Base(spec.Path), line)
	}

	return result, nil
}

func removeBuffer(f *os.File) {
	if err := f.Close(); err != nil {
		log.Warnf("failed to close output buffer %s: %v", f.Name(), err)
	}
	if err := os.Remove(f.Name()); err != nil {
		log.Warnf("failed to remove output buffer %s: %v", f.Name(), err)
	}
}

func readLines(f *os.File) []string {
	data, err := os.ReadFile(f.Name())
	if err != nil {
		log.Warnf("failed to read output buffer %s: %v", f.Name(), err)
		return nil
	}
	text := strings.ReplaceAll(string(data), "\r\n", "\n")
	text = strings.TrimRight(text, "\n")
	if text == "" {
		return nil
	}
	return strings.Split(text, "\n")
}

func callSite() string {
	_, file, line, ok := runtime.Caller(2)
	if !ok {
		return "unknown"
	}
	return fmt.Sprintf("%s:%d", filepath.Base(file), line)
}
