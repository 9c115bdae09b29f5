package msi

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	goversion "github.com/hashicorp/go-version"
	log "github.com/sirupsen/logrus"

	"github.com/mdeops/mdeinstall/internal/download"
	"github.com/mdeops/mdeinstall/internal/exitcode"
	"github.com/mdeops/mdeinstall/internal/runner"
	"github.com/mdeops/mdeinstall/internal/sysfacade"
)

const (
	engineFileName = "MsMpEng.exe"

	defenderKeyPath      = `SOFTWARE\Microsoft\Windows Defender`
	installLocationValue = "InstallLocation"

	updaterFileName     = "UpdatePlatform.exe"
	updaterURL          = "https://go.microsoft.com/fwlink/?linkid=870379&arch=x64"
	updaterProductName  = "Microsoft Malware Protection"
	updaterInternalName = "UpdatePlatform"
	updaterMinVersion   = "4.18.2001.10"
)

// EnsurePlatformUpToDate compares the engine version bundled in the
// package against the running protection engine and, when the running one
// is older, brings it current with the platform updater before the main
// package installs. Applies to the modern family only.
func (i *Installer) EnsurePlatformUpToDate(ctx context.Context, packagePath string) error {
	packagedStr, err := i.facade.PackagedFileVersion(packagePath, engineFileName)
	if err != nil {
		return fmt.Errorf("read packaged engine version: %w", err)
	}
	packaged, err := goversion.NewVersion(packagedStr)
	if err != nil {
		return fmt.Errorf("parse packaged engine version %q: %w", packagedStr, err)
	}

	running, err := i.runningEngineVersion()
	if err != nil {
		return err
	}
	if running == nil {
		log.Infof("no running protection engine found, skipping platform-update gate")
		return nil
	}
	if running.GreaterThanOrEqual(packaged) {
		log.Infof("running engine %s is current (package bundles %s)", running, packaged)
		return nil
	}

	log.Infof("running engine %s is older than bundled %s, updating platform first", running, packaged)

	updaterPath, transient, err := i.locateUpdater(ctx, packagePath)
	if err != nil {
		return err
	}
	if transient {
		defer func() {
			if err := os.Remove(updaterPath); err != nil && !os.IsNotExist(err) {
				log.Warnf("failed to remove downloaded updater %s: %v", updaterPath, err)
			}
		}()
	}

	if err := i.vetUpdater(updaterPath); err != nil {
		return err
	}

	if _, err := i.run.Run(ctx, runner.Spec{Path: updaterPath}); err != nil {
		return err
	}

	updated, err := i.runningEngineVersion()
	if err != nil {
		return err
	}
	if updated == nil || updated.LessThan(packaged) {
		return exitcode.Newf(exitcode.InsufficientRequirements,
			"the protection engine did not reach the required version %s after updating", packaged)
	}
	return nil
}

// runningEngineVersion resolves the live engine binary through the
// protection service's install location. A nil version means no engine is
// registered, which the gate tolerates.
func (i *Installer) runningEngineVersion() (*goversion.Version, error) {
	loc, ok, err := i.facade.GetRegistryString(defenderKeyPath, installLocationValue)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, nil
	}

	if !strings.HasSuffix(loc, `\`) {
		loc += `\`
	}
	enginePath := loc + engineFileName
	exists, err := i.facade.FileExists(enginePath)
	if err != nil || !exists {
		return nil, err
	}
	info, err := i.facade.FileVersionInfo(enginePath)
	if err != nil {
		return nil, fmt.Errorf("read running engine version: %w", err)
	}
	v, err := goversion.NewVersion(info.FileVersion)
	if err != nil {
		return nil, fmt.Errorf("parse running engine version %q: %w", info.FileVersion, err)
	}
	return v, nil
}

// locateUpdater prefers an updater shipped next to the package and falls
// back to downloading a transient copy, which the caller deletes.
func (i *Installer) locateUpdater(ctx context.Context, packagePath string) (path string, transient bool, err error) {
	local := filepath.Join(filepath.Dir(packagePath), updaterFileName)
	exists, err := i.facade.FileExists(local)
	if err != nil {
		return "", false, err
	}
	if exists {
		return local, false, nil
	}

	tmp, err := os.CreateTemp("", "mdeinstall-updater-*.exe")
	if err != nil {
		return "", false, fmt.Errorf("create updater file: %w", err)
	}
	tmpPath := tmp.Name()
	if err := tmp.Close(); err != nil {
		log.Warnf("failed to close updater file %s: %v", tmpPath, err)
	}

	if err := i.fetch(ctx, download.DefaultRetryDelay, updaterURL, tmpPath); err != nil {
		if rmErr := os.Remove(tmpPath); rmErr != nil {
			log.Warnf("failed to remove updater file %s: %v", tmpPath, rmErr)
		}
		return "", false, exitcode.Newf(exitcode.NoInternetConnectivity,
			"could not download the platform updater: %v", err)
	}
	return tmpPath, true, nil
}

// vetUpdater defends against a renamed or substituted file: the signature
// must be exactly Valid and the version resource must identify the real
// updater at or above the minimum version.
func (i *Installer) vetUpdater(path string) error {
	status, err := i.facade.VerifySignature(path)
	if err != nil {
		return fmt.Errorf("verify updater signature: %w", err)
	}
	if status != sysfacade.SigValid {
		return exitcode.Newf(exitcode.CorruptedFile,
			"the platform updater %s failed signature validation (%s)", path, status)
	}

	info, err := i.facade.FileVersionInfo(path)
	if err != nil {
		return fmt.Errorf("read updater version resource: %w", err)
	}
	if info.ProductName != updaterProductName || info.InternalName != updaterInternalName {
		return exitcode.Newf(exitcode.CorruptedFile,
			"%s does not identify itself as the platform updater (product %q, internal name %q)",
			path, info.ProductName, info.InternalName)
	}

	v, err := goversion.NewVersion(info.FileVersion)
	if err != nil {
		return fmt.Errorf("parse updater version %q: %w", info.FileVersion, err)
	}
	if v.LessThan(goversion.Must(goversion.NewVersion(updaterMinVersion))) {
		return exitcode.Newf(exitcode.InsufficientRequirements,
			"the platform updater %s is older than the minimum supported %s", info.FileVersion, updaterMinVersion)
	}
	return nil
}
