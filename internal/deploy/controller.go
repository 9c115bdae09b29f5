// Package deploy sequences the whole install/uninstall workflow: gates,
// remediation, the trace bracket, the package transaction and the
// onboarding handshake, with cleanup guaranteed on every exit path.
package deploy

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/cenkalti/backoff/v4"
	log "github.com/sirupsen/logrus"

	"github.com/mdeops/mdeinstall/internal/exitcode"
	"github.com/mdeops/mdeinstall/internal/hotfix"
	"github.com/mdeops/mdeinstall/internal/msi"
	"github.com/mdeops/mdeinstall/internal/probe"
	"github.com/mdeops/mdeinstall/internal/runner"
	"github.com/mdeops/mdeinstall/internal/scriptcheck"
	"github.com/mdeops/mdeinstall/internal/sysfacade"
	"github.com/mdeops/mdeinstall/internal/trace"
	"github.com/mdeops/mdeinstall/util"
)

const (
	onboardingKeyPath = `SOFTWARE\Microsoft\Windows Advanced Threat Protection\Status`
	onboardingValue   = "OnboardingState"
	onboardedFlag     = 2

	onboardingPollInterval = 100 * time.Millisecond
	onboardingPollBound    = 30 * time.Second
	onboardingPollRetries  = uint64(onboardingPollBound / onboardingPollInterval)
)

// traceSession is what the controller needs from the trace bracket.
type traceSession interface {
	Open(ctx context.Context) error
	Close(ctx context.Context) error
}

// Controller sequences the deployment workflow.
type Controller struct {
	facade     sysfacade.Facade
	run        runner.Runner
	prober     *probe.Prober
	installer  *msi.Installer
	remediator *hotfix.Remediator

	newTrace func(finalPath string) traceSession

	pollInterval time.Duration
	pollRetries  uint64
}

func New(facade sysfacade.Facade, run runner.Runner) *Controller {
	return &Controller{
		facade:     facade,
		run:        run,
		prober:     probe.New(facade),
		installer:  msi.New(facade, run),
		remediator: hotfix.New(facade, run),
		newTrace: func(finalPath string) traceSession {
			return trace.NewSession(facade, run, finalPath)
		},
		pollInterval: onboardingPollInterval,
		pollRetries:  onboardingPollRetries,
	}
}

// Run executes the selected action end to end. The returned RunOutcome is
// valid even on error; cleanup of every scoped resource has already run by
// the time Run returns.
func (c *Controller) Run(ctx context.Context, rc RunContext) (*RunOutcome, error) {
	out := &RunOutcome{}

	isAdmin, err := c.prober.IsAdministrator()
	if err != nil {
		return out, fmt.Errorf("probe administrative rights: %w", err)
	}

	if rc.OnboardingScript != "" {
		if err := scriptcheck.Validate(scriptcheck.Onboarding, rc.OnboardingScript, isAdmin); err != nil {
			return out, err
		}
	}
	if rc.OffboardingScript != "" {
		if err := scriptcheck.Validate(scriptcheck.Offboarding, rc.OffboardingScript, isAdmin); err != nil {
			return out, err
		}
	}

	if !isAdmin {
		return out, exitcode.Newf(exitcode.InsufficientPrivileges,
			"administrative rights are required to %s the agent package", rc.Action)
	}

	osv, err := c.prober.OSVersion()
	if err != nil {
		return out, err
	}
	log.Infof("running on OS version %s", osv)
	if !osv.Supported() {
		return out, exitcode.Newf(exitcode.UnsupportedVersion,
			"OS build %d is not a target of this package", osv.Build)
	}

	if err := ensureWritableDir(rc.LogDir); err != nil {
		return out, err
	}
	out.MSILogPath = filepath.Join(rc.LogDir, artifactName(rc.Action, rc.Hostname, osv.String(), ".log"))
	out.TraceLogPath = filepath.Join(rc.LogDir, artifactName(rc.Action, rc.Hostname, osv.String(), ".etl"))

	if rc.Action == ActionInstall {
		if _, err := os.Stat(rc.PackagePath); err != nil {
			return out, exitcode.Newf(exitcode.MSINotFound, "agent package not found at %s", rc.PackagePath)
		}
	}

	product, err := c.installer.ResolveInstalled()
	if err != nil {
		return out, err
	}
	if product != nil {
		log.Infof("previous install registered: %s version %s", product.UninstallID, product.DisplayVersion)
	}

	// The protection service must not be actively onboarded when the
	// transaction runs; offboarding either already happened or happens
	// here through the supplied script.
	state, err := c.onboardingState()
	if err != nil {
		return out, err
	}
	if state == OnboardingUnknown {
		return out, exitcode.Newf(exitcode.UnexpectedState,
			"the onboarding flag is in a transitional state; wait for the protection service to settle and retry")
	}
	if state == Onboarded && rc.OffboardingScript == "" {
		return out, exitcode.Newf(exitcode.NotOffboarded,
			"this machine is onboarded to the security service; supply an offboarding script or offboard it first")
	}

	if rc.Action == ActionInstall {
		if rc.WorkspaceID != "" {
			c.removeLegacyWorkspace(ctx, rc.WorkspaceID, out)
		}
		if osv.IsLegacyServer() {
			if err := c.remediator.EnsureInstalled(ctx); err != nil {
				return out, err
			}
			if err := c.installer.PrepareLegacy(ctx); err != nil {
				return out, err
			}
		}
		if osv.IsModernServer() {
			renamed, err := c.installer.PrepareModern(ctx)
			out.RenamedStaleEntries = renamed
			if err != nil {
				return out, err
			}
			if err := c.installer.EnsurePlatformUpToDate(ctx, rc.PackagePath); err != nil {
				return out, err
			}
		}
	}

	return out, c.transactWithTrace(ctx, rc, out, state, product)
}

// transactWithTrace brackets the mutating phase in the trace session. The
// deferred Close is the load-bearing resource guarantee: it runs on every
// exit path of the phase, including panics unwinding through it.
func (c *Controller) transactWithTrace(ctx context.Context, rc RunContext, out *RunOutcome, state OnboardingState, product *msi.InstalledProduct) error {
	if !rc.NoTrace {
		ts := c.newTrace(out.TraceLogPath)
		if err := ts.Open(ctx); err != nil {
			// Diagnostics only; the deployment proceeds untraced.
			log.Warnf("could not open trace session: %v", err)
			out.warnf("trace capture unavailable: %v", err)
		} else {
			defer func() {
				if err := ts.Close(ctx); err != nil {
					log.Warnf("trace session close: %v", err)
					out.warnf("trace session close: %v", err)
				}
			}()
		}
	}

	if state == Onboarded {
		if err := c.offboard(ctx, rc); err != nil {
			return err
		}
	}

	if err := util.RotatePrev(out.MSILogPath); err != nil {
		return fmt.Errorf("rotate previous installation log: %w", err)
	}

	action := msi.Install
	if rc.Action == ActionUninstall {
		action = msi.Uninstall
	}
	opts := msi.Options{
		PackagePath: rc.PackagePath,
		LogPath:     out.MSILogPath,
		NoLog:       rc.NoMSILog,
		EnableUI:    rc.EnableUI,
		Passive:     rc.Passive,
	}
	if err := c.installer.Transact(ctx, action, opts, product); err != nil {
		return err
	}
	log.Infof("%s transaction completed", rc.Action)

	if rc.Action == ActionInstall && rc.OnboardingScript != "" {
		// Best-effort: the package is already installed, so an onboarding
		// failure is reported but does not fail the run.
		if err := c.runScript(ctx, rc.OnboardingScript); err != nil {
			log.Warnf("onboarding script failed: %v", err)
			out.warnf("onboarding failed, onboard manually: %v", err)
		}
	}

	if len(out.RenamedStaleEntries) > 0 {
		c.installer.CleanupStaleEntries(out.RenamedStaleEntries)
		out.RenamedStaleEntries = nil
	}
	return nil
}

var errStillOnboarded = errors.New("still onboarded")

// offboard runs the offboarding script and waits for the protection
// service to drop the onboarded flag, within a bounded poll.
func (c *Controller) offboard(ctx context.Context, rc RunContext) error {
	if err := c.runScript(ctx, rc.OffboardingScript); err != nil {
		return exitcode.Newf(exitcode.OffboardingFailed, "offboarding script failed: %v", err)
	}

	poll := backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewConstantBackOff(c.pollInterval), c.pollRetries), ctx)
	err := backoff.Retry(func() error {
		state, err := c.onboardingState()
		if err != nil {
			return backoff.Permanent(err)
		}
		if state == Onboarded {
			return errStillOnboarded
		}
		return nil
	}, poll)
	if err != nil {
		// An exhausted poll and a failed flag read are different failures;
		// only the former is a timeout.
		if !errors.Is(err, errStillOnboarded) {
			return exitcode.Newf(exitcode.OffboardingFailed,
				"could not verify offboarding: %v", err)
		}
		return exitcode.Newf(exitcode.OffboardingFailed,
			"the onboarding flag did not clear within %s after offboarding",
			time.Duration(c.pollRetries)*c.pollInterval)
	}
	log.Infof("machine offboarded")
	return nil
}

func (c *Controller) onboardingState() (OnboardingState, error) {
	v, ok, err := c.facade.GetRegistryDWord(onboardingKeyPath, onboardingValue)
	if err != nil {
		return OnboardingUnknown, fmt.Errorf("read onboarding flag: %w", err)
	}
	switch {
	case !ok, v == 0:
		return NotOnboarded, nil
	case v == onboardedFlag:
		return Onboarded, nil
	default:
		return OnboardingUnknown, nil
	}
}

func (c *Controller) runScript(ctx context.Context, path string) error {
	res, err := c.run.RunPassthrough(ctx, runner.Spec{
		Path: "cmd.exe",
		Args: []string{"/c", path},
		Dir:  filepath.Dir(path),
	})
	if err != nil {
		return err
	}
	if res.ExitCode != 0 {
		return fmt.Errorf("script %s exited with code %d", filepath.Base(path), res.ExitCode)
	}
	return nil
}

// removeLegacyWorkspace detaches the machine from a legacy management
// agent workspace. Best-effort: a failure is recorded, not fatal.
func (c *Controller) removeLegacyWorkspace(ctx context.Context, workspaceID string, out *RunOutcome) {
	command := fmt.Sprintf(
		"$cfg = New-Object -ComObject 'AgentConfigManager.MgmtSvcCfg'; $cfg.RemoveCloudWorkspace('%s'); $cfg.ReloadConfiguration()",
		workspaceID)
	res, err := c.run.RunPassthrough(ctx, runner.Spec{
		Path: "powershell.exe",
		Args: []string{"-NoProfile", "-ExecutionPolicy", "Bypass", "-Command", command},
	})
	if err != nil {
		log.Warnf("legacy workspace removal failed to launch: %v", err)
		out.warnf("legacy workspace %s not removed: %v", workspaceID, err)
		return
	}
	if res.ExitCode != 0 {
		log.Warnf("legacy workspace removal exited with %d", res.ExitCode)
		out.warnf("legacy workspace %s not removed (exit code %d)", workspaceID, res.ExitCode)
		return
	}
	log.Infof("legacy workspace %s removed", workspaceID)
}

// ensureWritableDir verifies log artifacts can be produced before any
// mutating step runs.
func ensureWritableDir(dir string) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return exitcode.Newf(exitcode.DirectoryNotWritable, "cannot create log directory %s: %v", dir, err)
	}
	probeFile, err := os.CreateTemp(dir, ".mdeinstall-probe-*")
	if err != nil {
		return exitcode.Newf(exitcode.DirectoryNotWritable, "log directory %s is not writable: %v", dir, err)
	}
	name := probeFile.Name()
	if err := probeFile.Close(); err != nil {
		log.Warnf("failed to close probe file %s: %v", name, err)
	}
	if err := os.Remove(name); err != nil {
		log.Warnf("failed to remove probe file %s: %v", name, err)
	}
	return nil
}
