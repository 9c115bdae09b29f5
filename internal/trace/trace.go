// Package trace brackets the deployment in an ETW capture session so a
// failed transaction leaves forensic evidence behind.
package trace

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/hashicorp/go-multierror"
	log "github.com/sirupsen/logrus"

	"github.com/mdeops/mdeinstall/internal/runner"
	"github.com/mdeops/mdeinstall/internal/sysfacade"
	"github.com/mdeops/mdeinstall/util"
)

// State is the session lifecycle: Closed -> Opening -> Open -> Closing ->
// Closed. Close must run whenever Open succeeded, which the lifecycle
// controller guarantees with a deferred scope.
type State int

const (
	Closed State = iota
	Opening
	Open
	Closing
)

const (
	sessionName = "mdeinstall-trace"

	// Verbose tracing for some providers is honored only when this value
	// is set, and the key is writable only from a SYSTEM context.
	verbosityKeyPath  = `SOFTWARE\Microsoft\Windows Advanced Threat Protection\Trace`
	verbosityValue    = "TraceVerbosity"
	elevationTaskName = "mdeinstall-trace-elevation"

	taskPollInterval = 250 * time.Millisecond
	taskPollBound    = 10 * time.Second
	taskPollRetries  = uint64(taskPollBound / taskPollInterval)
)

// provider is one ETW provider enabled for the capture, with per-provider
// match-any keywords and verbosity level.
type provider struct {
	guid  string
	flags uint32
	level int
}

var providers = []provider{
	{"{CB2FF72D-D4E4-585D-33F9-F3A395C40BE7}", 0xffffffff, 5}, // sensing service
	{"{FAE96D09-ADE1-5223-0098-AF7B67348531}", 0x0000003f, 5}, // cyber events
	{"{C0B2937D-E634-56A2-1451-7D678AA3BC53}", 0xffffffff, 4}, // network detection
	{"{05F95EFE-7F75-49C7-A994-60A55CC09571}", 0x000000ff, 4}, // platform engine
}

// Session is the opaque bundle of trace-session parameters. Leaking one on
// an early exit is a correctness bug; Open and Close are strictly
// symmetrical.
type Session struct {
	facade sysfacade.Facade
	run    runner.Runner

	state        State
	finalPath    string
	providerFile string
	bufferPath   string
	verbositySet bool

	pollInterval time.Duration
	pollRetries  uint64
}

func NewSession(facade sysfacade.Facade, run runner.Runner, finalPath string) *Session {
	return &Session{
		facade:       facade,
		run:          run,
		finalPath:    finalPath,
		pollInterval: taskPollInterval,
		pollRetries:  taskPollRetries,
	}
}

// State reports the current lifecycle state.
func (s *Session) State() State {
	return s.state
}

// Open starts the capture session. On any mid-opening failure the partial
// artifacts are released and the session returns to Closed.
func (s *Session) Open(ctx context.Context) (err error) {
	if s.state != Closed {
		return fmt.Errorf("trace session opened twice")
	}
	s.state = Opening
	defer func() {
		if err != nil {
			s.discardOpening(ctx)
		}
	}()

	if err := s.writeProviderFile(); err != nil {
		return err
	}

	if err := util.RotatePrev(s.finalPath); err != nil {
		return fmt.Errorf("rotate previous trace log: %w", err)
	}

	s.bufferPath = filepath.Join(os.TempDir(), sessionName+".etl")

	if err := s.setVerbosity(ctx, 1); err != nil {
		return err
	}
	s.verbositySet = true

	if _, err := s.run.Run(ctx, runner.Spec{
		Path: "logman.exe",
		Args: []string{"create", "trace", sessionName, "-pf", s.providerFile, "-o", s.bufferPath, "-ets"},
	}); err != nil {
		return fmt.Errorf("start trace session: %w", err)
	}

	s.state = Open
	log.Infof("trace session %s capturing to %s", sessionName, s.bufferPath)
	return nil
}

// Close stops the session, reverts the verbosity value and moves the
// buffer to the final log location. Safe to call when the session never
// opened.
func (s *Session) Close(ctx context.Context) error {
	if s.state != Open {
		return nil
	}
	s.state = Closing

	var merr *multierror.Error

	if res, err := s.run.RunPassthrough(ctx, runner.Spec{
		Path: "logman.exe",
		Args: []string{"stop", sessionName, "-ets"},
	}); err != nil {
		merr = multierror.Append(merr, fmt.Errorf("stop trace session: %w", err))
	} else if res.ExitCode != 0 {
		merr = multierror.Append(merr, fmt.Errorf("stop trace session: logman exited with code %d", res.ExitCode))
	}

	// Revert is best-effort; a leftover verbosity value does not invalidate
	// the captured log.
	if err := s.setVerbosity(ctx, 0); err != nil {
		log.Warnf("failed to revert trace verbosity: %v", err)
	}
	s.verbositySet = false

	if err := util.MoveFile(s.bufferPath, s.finalPath); err != nil {
		merr = multierror.Append(merr, fmt.Errorf("move trace buffer: %w", err))
	} else {
		log.Infof("trace log written to %s", s.finalPath)
	}

	if err := util.RemoveIfExists(s.providerFile); err != nil {
		log.Warnf("failed to remove provider file %s: %v", s.providerFile, err)
	}

	s.state = Closed
	return merr.ErrorOrNil()
}

func (s *Session) writeProviderFile() error {
	f, err := os.CreateTemp("", "mdeinstall-providers-*.guids")
	if err != nil {
		return fmt.Errorf("create provider file: %w", err)
	}
	s.providerFile = f.Name()

	for _, p := range providers {
		if _, err := fmt.Fprintf(f, "%s 0x%08x %d\n", p.guid, p.flags, p.level); err != nil {
			closeQuiet(f)
			return fmt.Errorf("write provider file: %w", err)
		}
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("close provider file: %w", err)
	}
	return nil
}

// setVerbosity writes the verbosity registry value, bridging through a
// transient highest-privilege one-shot task when the caller is not already
// running as SYSTEM. The task artifacts are deleted unconditionally; this
// is an elevation bridge, not scheduling infrastructure.
func (s *Session) setVerbosity(ctx context.Context, value uint32) error {
	isSystem, err := s.facade.IsLocalSystem()
	if err != nil {
		return fmt.Errorf("probe token context: %w", err)
	}
	if isSystem {
		return s.facade.SetRegistryDWord(verbosityKeyPath, verbosityValue, value)
	}

	args := []string{
		"add", `HKLM\` + verbosityKeyPath,
		"/v", verbosityValue,
		"/t", "REG_DWORD",
		"/d", fmt.Sprintf("%d", value),
		"/f",
	}
	if err := s.facade.CreateElevatedTask(elevationTaskName, "reg.exe", args); err != nil {
		return err
	}
	defer func() {
		if err := s.facade.DeleteTask(elevationTaskName); err != nil {
			log.Warnf("failed to delete elevation task: %v", err)
		}
	}()

	if err := s.facade.RunTask(elevationTaskName); err != nil {
		return err
	}

	poll := backoff.WithContext(backoff.WithMaxRetries(backoff.NewConstantBackOff(s.pollInterval), s.pollRetries), ctx)
	err = backoff.Retry(func() error {
		done, err := s.facade.TaskCompleted(elevationTaskName)
		if err != nil {
			return backoff.Permanent(err)
		}
		if !done {
			return fmt.Errorf("task still running")
		}
		return nil
	}, poll)
	if err != nil {
		// Proceed with reduced verbosity rather than failing the run.
		log.Warnf("elevation task did not finish within %s: %v",
			time.Duration(s.pollRetries)*s.pollInterval, err)
	}
	return nil
}

// discardOpening unwinds a partially opened session, including the
// verbosity value when it was already written before the failure.
func (s *Session) discardOpening(ctx context.Context) {
	if s.verbositySet {
		if err := s.setVerbosity(ctx, 0); err != nil {
			log.Warnf("failed to revert trace verbosity: %v", err)
		}
		s.verbositySet = false
	}
	if s.providerFile != "" {
		if err := util.RemoveIfExists(s.providerFile); err != nil {
			log.Warnf("failed to remove provider file %s: %v", s.providerFile, err)
		}
		s.providerFile = ""
	}
	s.state = Closed
}

func closeQuiet(f *os.File) {
	if err := f.Close(); err != nil {
		log.Warnf("failed to close %s: %v", f.Name(), err)
	}
}
