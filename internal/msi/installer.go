// Package msi drives the install/uninstall transaction of the agent
// package, including platform-specific preconditions and post-install
// cleanup.
package msi

import (
	"context"
	"fmt"
	"os"
	"regexp"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/mdeops/mdeinstall/internal/download"
	"github.com/mdeops/mdeinstall/internal/exitcode"
	"github.com/mdeops/mdeinstall/internal/runner"
	"github.com/mdeops/mdeinstall/internal/sysfacade"
)

const (
	uninstallHive   = `SOFTWARE\Microsoft\Windows\CurrentVersion\Uninstall`
	productsHive    = `SOFTWARE\Classes\Installer\Products`
	senseService    = "Sense"
	senseServiceKey = `SYSTEM\CurrentControlSet\Services\Sense`
	obsoleteSuffix  = ".obsolete"

	featureExitRebootRequired = 3010
)

var (
	guidShaped     = regexp.MustCompile(`^\{[0-9A-Fa-f]{8}(-[0-9A-Fa-f]{4}){3}-[0-9A-Fa-f]{12}\}$`)
	displayPattern = regexp.MustCompile(`^Microsoft Defender for (Endpoint|Windows Server)`)
)

// InstalledProduct is a previous registration of the agent package found in
// the uninstall hive. Absence is a valid, expected state.
type InstalledProduct struct {
	UninstallID    string
	DisplayVersion string
}

// Options selects the transaction variant.
type Options struct {
	PackagePath string
	LogPath     string
	NoLog       bool
	EnableUI    bool
	Passive     bool
}

// Action is the transaction direction.
type Action int

const (
	Install Action = iota
	Uninstall
)

// Installer owns the package transaction and its preconditions.
type Installer struct {
	facade sysfacade.Facade
	run    runner.Runner
	fetch  func(ctx context.Context, retryDelay time.Duration, url, dst string) error
}

func New(facade sysfacade.Facade, run runner.Runner) *Installer {
	return &Installer{facade: facade, run: run, fetch: download.ToFile}
}

// ResolveInstalled scans the uninstall hive for a GUID-shaped key whose
// display name matches the agent product. Returns nil when no previous
// install is registered.
func (i *Installer) ResolveInstalled() (*InstalledProduct, error) {
	keys, err := i.facade.EnumSubkeys(uninstallHive)
	if err != nil {
		return nil, fmt.Errorf("scan uninstall hive: %w", err)
	}

	for _, key := range keys {
		if !guidShaped.MatchString(key) {
			continue
		}
		path := uninstallHive + `\` + key
		name, ok, err := i.facade.GetRegistryString(path, "DisplayName")
		if err != nil {
			return nil, err
		}
		if !ok || !displayPattern.MatchString(name) {
			continue
		}
		ver, _, err := i.facade.GetRegistryString(path, "DisplayVersion")
		if err != nil {
			return nil, err
		}
		return &InstalledProduct{UninstallID: key, DisplayVersion: ver}, nil
	}
	return nil, nil
}

// PrepareLegacy remediates the oldest supported family before installing:
// a stale sensing-service registration left by a defective uninstall, and
// the previous-generation protection product that conflicts with the
// agent.
func (i *Installer) PrepareLegacy(ctx context.Context) error {
	state, present, err := i.facade.ServiceStatus(senseService)
	if err != nil {
		return err
	}
	if present && state == sysfacade.ServiceStopped {
		orphaned, err := i.senseBinaryMissing()
		if err != nil {
			return err
		}
		if orphaned {
			log.Infof("removing orphaned %s service registration", senseService)
			if err := i.facade.DeleteService(senseService); err != nil {
				return fmt.Errorf("remove orphaned service: %w", err)
			}
		} else {
			// The registration is intact but stopped; removal only takes
			// effect after a restart.
			return exitcode.Newf(exitcode.PendingReboot,
				"the %s service is stopped but still registered; reboot before installing", senseService)
		}
	}

	return i.removeLegacyProtection(ctx)
}

func (i *Installer) senseBinaryMissing() (bool, error) {
	imagePath, ok, err := i.facade.GetRegistryString(senseServiceKey, "ImagePath")
	if err != nil {
		return false, err
	}
	if !ok {
		return true, nil
	}
	exists, err := i.facade.FileExists(trimImagePath(imagePath))
	if err != nil {
		return false, err
	}
	return !exists, nil
}

// trimImagePath strips quoting and arguments from a service ImagePath.
func trimImagePath(p string) string {
	p = strings.TrimSpace(p)
	if strings.HasPrefix(p, `"`) {
		if end := strings.Index(p[1:], `"`); end >= 0 {
			return p[1 : end+1]
		}
		return strings.Trim(p, `"`)
	}
	if i := strings.Index(strings.ToLower(p), ".exe"); i >= 0 {
		return p[:i+4]
	}
	return p
}

func (i *Installer) removeLegacyProtection(ctx context.Context) error {
	setup := legacyProtectionSetupPath()
	exists, err := i.facade.FileExists(setup)
	if err != nil {
		return err
	}
	if !exists {
		return nil
	}

	log.Infof("removing conflicting legacy protection product via %s", setup)
	res, err := i.run.RunPassthrough(ctx, runner.Spec{Path: setup, Args: []string{"/u", "/s"}})
	if err != nil {
		return err
	}
	if res.ExitCode != 0 {
		return exitcode.Newf(exitcode.ConflictingApps,
			"could not remove the legacy protection product (uninstaller exited with %d); remove it manually and retry", res.ExitCode)
	}
	return nil
}

func legacyProtectionSetupPath() string {
	base := os.Getenv("ProgramFiles")
	if base == "" {
		base = `C:\Program Files`
	}
	return base + `\Microsoft Security Client\Setup.exe`
}

// PrepareModern readies the newer family: enables the in-box protection
// feature and renames stale installer-database registrations aside so a
// fresh install does not collide with them. Returns the renamed key paths
// for post-install cleanup.
func (i *Installer) PrepareModern(ctx context.Context) ([]string, error) {
	res, err := i.run.RunPassthrough(ctx, runner.Spec{
		Path: "dism.exe",
		Args: []string{"/Online", "/Enable-Feature", "/FeatureName:Windows-Defender", "/All", "/NoRestart", "/Quiet"},
	})
	if err != nil {
		return nil, err
	}
	switch res.ExitCode {
	case 0:
	case featureExitRebootRequired:
		return nil, exitcode.Newf(exitcode.PendingReboot,
			"enabling the protection feature requires a restart; reboot and run the installer again")
	default:
		return nil, exitcode.Newf(res.ExitCode,
			"enabling the protection feature failed with code %d", res.ExitCode)
	}

	return i.renameStaleRegistrations()
}

// renameStaleRegistrations reconciles the known orphaned-product defect:
// installer-database entries surviving a defective uninstall collide with
// a fresh install, so they are moved aside first and deleted only after
// the transaction succeeds.
func (i *Installer) renameStaleRegistrations() ([]string, error) {
	keys, err := i.facade.EnumSubkeys(productsHive)
	if err != nil {
		return nil, fmt.Errorf("scan installer products hive: %w", err)
	}

	var renamed []string
	for _, key := range keys {
		if strings.HasSuffix(key, obsoleteSuffix) {
			continue
		}
		path := productsHive + `\` + key
		name, ok, err := i.facade.GetRegistryString(path, "ProductName")
		if err != nil {
			return nil, err
		}
		if !ok || !displayPattern.MatchString(name) {
			continue
		}
		newName := key + obsoleteSuffix
		log.Infof("moving stale product registration %s aside", key)
		if err := i.facade.RenameRegistryKey(path, newName); err != nil {
			return nil, fmt.Errorf("move stale registration aside: %w", err)
		}
		renamed = append(renamed, productsHive+`\`+newName)
	}
	return renamed, nil
}

// Transact verifies and runs the msiexec transaction. The package's
// authenticode status must be Valid before any installer process is
// spawned, and a read handle is held open to detect concurrent exclusive
// use by another tool.
func (i *Installer) Transact(ctx context.Context, action Action, opts Options, product *InstalledProduct) error {
	args, err := i.transactionArgs(action, opts, product)
	if err != nil {
		return err
	}

	if action == Install {
		status, err := i.facade.VerifySignature(opts.PackagePath)
		if err != nil {
			return fmt.Errorf("verify package signature: %w", err)
		}
		if status != sysfacade.SigValid {
			return exitcode.Newf(exitcode.CorruptedFile,
				"the package %s failed signature validation (%s); re-download it", opts.PackagePath, status)
		}

		handle, err := os.Open(opts.PackagePath)
		if err != nil {
			return exitcode.Newf(exitcode.MSIUsedByOtherProcess,
				"the package %s is in use by another process: %v", opts.PackagePath, err)
		}
		defer func() {
			if err := handle.Close(); err != nil {
				log.Warnf("failed to close package handle: %v", err)
			}
		}()
	}

	res, err := i.run.RunPassthrough(ctx, runner.Spec{Path: "msiexec.exe", Args: args})
	if err != nil {
		return err
	}
	if res.ExitCode != 0 {
		// The raw installer code is the exit signal.
		verb := "installation"
		if action == Uninstall {
			verb = "uninstallation"
		}
		return exitcode.Newf(res.ExitCode, "%s failed: msiexec exited with code %d, see the installation log", verb, res.ExitCode)
	}
	return nil
}

func (i *Installer) transactionArgs(action Action, opts Options, product *InstalledProduct) ([]string, error) {
	var args []string
	switch action {
	case Install:
		args = []string{"/i", opts.PackagePath}
	case Uninstall:
		if product == nil {
			return nil, exitcode.Newf(exitcode.AlreadyUninstalled, "no installed agent package is registered on this machine")
		}
		args = []string{"/x", product.UninstallID}
	}

	if !opts.NoLog {
		args = append(args, "/lvx*", opts.LogPath)
	}
	if !opts.EnableUI {
		args = append(args, "/quiet", "/norestart")
	}
	if opts.Passive && action == Install {
		args = append(args, "FORCEPASSIVEMODE=1")
	}
	return args, nil
}

// CleanupStaleEntries permanently removes the aside-renamed registrations
// once the transaction succeeded. Best-effort: a failure here is logged,
// never fatal.
func (i *Installer) CleanupStaleEntries(renamed []string) {
	for _, path := range renamed {
		if err := i.facade.DeleteRegistryKey(path); err != nil {
			log.Warnf("failed to remove stale registration %s: %v", path, err)
		}
	}
}
