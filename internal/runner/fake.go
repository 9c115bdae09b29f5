package runner

import (
	"context"
	"strings"
	"time"
)

// Recorder is an in-memory Runner for tests. It records every invocation
// and fabricates results from the staged tables instead of spawning
// processes.
type Recorder struct {
	Calls []Spec

	// ExitCodes maps an executable base name to the exit code reported for
	// it; unlisted executables exit zero.
	ExitCodes map[string]int
	// LaunchErrs maps an executable base name to a launch failure.
	LaunchErrs map[string]error
	// OnRun performs the side effect the real process would, before the
	// result is produced.
	OnRun func(spec Spec)
}

func NewRecorder() *Recorder {
	return &Recorder{
		ExitCodes:  map[string]int{},
		LaunchErrs: map[string]error{},
	}
}

func (r *Recorder) Run(ctx context.Context, spec Spec) (*RunResult, error) {
	res, err := r.RunPassthrough(ctx, spec)
	if err != nil {
		return res, err
	}
	if res.ExitCode != 0 {
		return res, newExitSignal(spec, res.ExitCode)
	}
	return res, nil
}

// baseName is filepath.Base that also splits Windows-style paths when the
// tests run on a host whose separator is not a backslash.
func baseName(p string) string {
	if i := strings.LastIndexAny(p, `/\`); i >= 0 {
		return p[i+1:]
	}
	return p
}

func (r *Recorder) RunPassthrough(ctx context.Context, spec Spec) (*RunResult, error) {
	r.Calls = append(r.Calls, spec)
	base := baseName(spec.Path)
	if err := r.LaunchErrs[base]; err != nil {
		return nil, err
	}
	if r.OnRun != nil {
		r.OnRun(spec)
	}
	now := time.Now()
	return &RunResult{ExitCode: r.ExitCodes[base], StartedAt: now, FinishedAt: now}, nil
}

// Ran reports whether the named executable was invoked at least once.
func (r *Recorder) Ran(base string) bool {
	return len(r.CallsTo(base)) > 0
}

// CallsTo returns the recorded invocations of the named executable.
func (r *Recorder) CallsTo(base string) []Spec {
	var out []Spec
	for _, c := range r.Calls {
		if baseName(c.Path) == base {
			out = append(out, c)
		}
	}
	return out
}
