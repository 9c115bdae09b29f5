// Package hotfix brings legacy servers up to the OS patch level the agent
// package requires, downloading and applying each missing update
// idempotently.
package hotfix

import (
	"context"
	"fmt"
	"os"
	"time"

	goversion "github.com/hashicorp/go-version"
	log "github.com/sirupsen/logrus"

	"github.com/mdeops/mdeinstall/internal/download"
	"github.com/mdeops/mdeinstall/internal/exitcode"
	"github.com/mdeops/mdeinstall/internal/runner"
	"github.com/mdeops/mdeinstall/internal/sysfacade"
)

// wusa.exe exit codes the remediator classifies.
const (
	wusaRebootRequired   = 3010
	wusaAlreadyInstalled = 2359302     // WU_S_ALREADY_INSTALLED
	wusaNotApplicable    = -2145124329 // WU_E_NOT_APPLICABLE as a signed 32-bit code
)

// Entry is one required hotfix. Present is a side-effect-free predicate
// that decides whether the fix is already effectively on the machine,
// independent of whether the patch catalog lists it.
type Entry struct {
	ID        string
	URL       string
	ManualURL string
	Present   func(f sysfacade.Facade) (bool, error)
}

// DefaultEntries is the ordered remediation table for the legacy server
// family.
func DefaultEntries() []Entry {
	return []Entry{
		{
			ID:        "KB2999226",
			URL:       "https://download.microsoft.com/download/updates/Windows8.1-KB2999226-x64.msu",
			ManualURL: "https://support.microsoft.com/kb/2999226",
			Present:   dllAtLeast(`\System32\ucrtbase.dll`, "10.0.10240.16390"),
		},
		{
			ID:        "KB3080149",
			URL:       "https://download.microsoft.com/download/updates/Windows8.1-KB3080149-x64.msu",
			ManualURL: "https://support.microsoft.com/kb/3080149",
			Present:   dllAtLeast(`\System32\diagtrack.dll`, "10.0.10586.0"),
		},
	}
}

// dllAtLeast builds a presence predicate that holds when the named system
// DLL exists at or above the minimum file version.
func dllAtLeast(relPath, minVersion string) func(sysfacade.Facade) (bool, error) {
	return func(f sysfacade.Facade) (bool, error) {
		path := f.WindowsDirectory() + relPath
		exists, err := f.FileExists(path)
		if err != nil || !exists {
			return false, err
		}
		info, err := f.FileVersionInfo(path)
		if err != nil {
			return false, fmt.Errorf("version of %s: %w", path, err)
		}
		have, err := goversion.NewVersion(info.FileVersion)
		if err != nil {
			return false, fmt.Errorf("parse version of %s: %w", path, err)
		}
		want := goversion.Must(goversion.NewVersion(minVersion))
		return have.GreaterThanOrEqual(want), nil
	}
}

// Remediator applies the required hotfix table to the machine.
type Remediator struct {
	facade  sysfacade.Facade
	run     runner.Runner
	entries []Entry

	retryDelay time.Duration
	fetch      func(ctx context.Context, retryDelay time.Duration, url, dst string) error
}

func New(facade sysfacade.Facade, run runner.Runner) *Remediator {
	return &Remediator{
		facade:     facade,
		run:        run,
		entries:    DefaultEntries(),
		retryDelay: download.DefaultRetryDelay,
		fetch:      download.ToFile,
	}
}

// WithEntries overrides the remediation table.
func (r *Remediator) WithEntries(entries []Entry) *Remediator {
	r.entries = entries
	return r
}

// EnsureInstalled walks the table in order. Per entry: presence predicate
// first, then the patch catalog (covers predicate false negatives), and
// only then download and apply. The second check tolerates a catalog that
// is itself out of date.
func (r *Remediator) EnsureInstalled(ctx context.Context) error {
	for _, entry := range r.entries {
		if err := r.ensureOne(ctx, entry); err != nil {
			return err
		}
	}
	return nil
}

func (r *Remediator) ensureOne(ctx context.Context, entry Entry) error {
	present, err := entry.Present(r.facade)
	if err != nil {
		return fmt.Errorf("presence check for %s: %w", entry.ID, err)
	}
	if present {
		log.Infof("%s already effectively present, skipping", entry.ID)
		return nil
	}

	listed, err := r.facade.HotfixInstalled(entry.ID)
	if err != nil {
		return fmt.Errorf("patch catalog check for %s: %w", entry.ID, err)
	}
	if listed {
		log.Infof("%s listed in the patch catalog, skipping", entry.ID)
		return nil
	}

	pkg, err := os.CreateTemp("", entry.ID+"-*.msu")
	if err != nil {
		return fmt.Errorf("create package file for %s: %w", entry.ID, err)
	}
	pkgPath := pkg.Name()
	if err := pkg.Close(); err != nil {
		log.Warnf("failed to close package file %s: %v", pkgPath, err)
	}
	defer func() {
		if err := os.Remove(pkgPath); err != nil && !os.IsNotExist(err) {
			log.Warnf("failed to remove package file %s: %v", pkgPath, err)
		}
	}()

	log.Infof("downloading %s", entry.ID)
	if err := r.fetch(ctx, r.retryDelay, entry.URL, pkgPath); err != nil {
		return exitcode.Newf(exitcode.NoInternetConnectivity,
			"could not download %s: %v", entry.ID, err)
	}

	res, err := r.run.RunPassthrough(ctx, runner.Spec{
		Path: "wusa.exe",
		Args: []string{pkgPath, "/quiet", "/norestart"},
	})
	if err != nil {
		return fmt.Errorf("apply %s: %w", entry.ID, err)
	}

	// Process exit statuses come back as unsigned 32-bit values, so the
	// HRESULT-shaped wusa codes need a signed reinterpretation first.
	switch int32(res.ExitCode) {
	case 0, wusaAlreadyInstalled:
		log.Infof("%s installed", entry.ID)
		return nil
	case wusaRebootRequired:
		return exitcode.Newf(exitcode.PendingReboot,
			"%s requires a restart to finish installing; reboot and run the installer again", entry.ID)
	case wusaNotApplicable:
		return exitcode.Newf(exitcode.InsufficientRequirements,
			"%s is not applicable to this machine; see %s for manual instructions", entry.ID, entry.ManualURL)
	default:
		return exitcode.Newf(exitcode.FailedDependency,
			"installing %s failed with code %d", entry.ID, res.ExitCode)
	}
}
