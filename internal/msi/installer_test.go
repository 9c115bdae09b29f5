package msi

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mdeops/mdeinstall/internal/exitcode"
	"github.com/mdeops/mdeinstall/internal/runner"
	"github.com/mdeops/mdeinstall/internal/sysfacade"
)

const testGUID = "{A1B2C3D4-0001-0002-0003-A1B2C3D4E5F6}"

func stageProduct(f *sysfacade.Fake, guid, displayName, version string) {
	f.Subkeys[uninstallHive] = append(f.Subkeys[uninstallHive], guid)
	f.SetString(uninstallHive+`\`+guid, "DisplayName", displayName)
	f.SetString(uninstallHive+`\`+guid, "DisplayVersion", version)
}

func stagePackage(t *testing.T, f *sysfacade.Fake, status sysfacade.SigStatus) string {
	t.Helper()
	pkg := filepath.Join(t.TempDir(), "md4ws.msi")
	require.NoError(t, os.WriteFile(pkg, []byte("msi bits"), 0o600))
	f.Signatures[pkg] = status
	return pkg
}

func TestResolveInstalled(t *testing.T) {
	facade := sysfacade.NewFake()
	facade.Subkeys[uninstallHive] = []string{"NotAGuid", "{broken"}
	stageProduct(facade, "{A1B2C3D4-9999-0002-0003-A1B2C3D4E5F6}", "Some Other Product", "1.0")
	stageProduct(facade, testGUID, "Microsoft Defender for Windows Server", "4.18.2205.7")

	product, err := New(facade, runner.NewRecorder()).ResolveInstalled()
	require.NoError(t, err)
	require.NotNil(t, product)
	assert.Equal(t, testGUID, product.UninstallID)
	assert.Equal(t, "4.18.2205.7", product.DisplayVersion)
}

func TestResolveInstalled_NothingRegistered(t *testing.T) {
	facade := sysfacade.NewFake()
	stageProduct(facade, testGUID, "Contoso Backup Agent", "2.0")

	product, err := New(facade, runner.NewRecorder()).ResolveInstalled()
	require.NoError(t, err)
	assert.Nil(t, product)
}

func TestPrepareLegacy_CleanMachine(t *testing.T) {
	run := runner.NewRecorder()
	require.NoError(t, New(sysfacade.NewFake(), run).PrepareLegacy(context.Background()))
	assert.Empty(t, run.Calls)
}

func TestPrepareLegacy_OrphanedSenseServiceRemoved(t *testing.T) {
	facade := sysfacade.NewFake()
	facade.Services[senseService] = sysfacade.ServiceStopped
	facade.SetString(senseServiceKey, "ImagePath", `"C:\Program Files\Sense\MsSense.exe" -svc`)
	// The binary itself is gone; only the registration survived.

	i := New(facade, runner.NewRecorder())
	require.NoError(t, i.PrepareLegacy(context.Background()))
	assert.Equal(t, []string{senseService}, facade.DeletedServices)
}

func TestPrepareLegacy_StoppedButIntactRequiresReboot(t *testing.T) {
	facade := sysfacade.NewFake()
	facade.Services[senseService] = sysfacade.ServiceStopped
	facade.SetString(senseServiceKey, "ImagePath", `C:\Program Files\Sense\MsSense.exe`)
	facade.Files[`C:\Program Files\Sense\MsSense.exe`] = &sysfacade.VersionInfo{FileVersion: "10.0.0.0"}

	err := New(facade, runner.NewRecorder()).PrepareLegacy(context.Background())
	require.Error(t, err)
	assert.Equal(t, exitcode.PendingReboot, exitcode.CodeOf(err))
	assert.Empty(t, facade.DeletedServices)
}

func TestPrepareLegacy_RemovesConflictingProtectionProduct(t *testing.T) {
	facade := sysfacade.NewFake()
	setup := legacyProtectionSetupPath()
	facade.Files[setup] = &sysfacade.VersionInfo{FileVersion: "4.0.0.0"}
	run := runner.NewRecorder()

	require.NoError(t, New(facade, run).PrepareLegacy(context.Background()))

	calls := run.CallsTo("Setup.exe")
	require.Len(t, calls, 1)
	assert.Equal(t, setup, calls[0].Path)
	assert.Equal(t, []string{"/u", "/s"}, calls[0].Args)
}

func TestPrepareLegacy_ConflictingProductRefusesToLeave(t *testing.T) {
	facade := sysfacade.NewFake()
	facade.Files[legacyProtectionSetupPath()] = &sysfacade.VersionInfo{FileVersion: "4.0.0.0"}
	run := runner.NewRecorder()
	run.ExitCodes["Setup.exe"] = 2

	err := New(facade, run).PrepareLegacy(context.Background())
	require.Error(t, err)
	assert.Equal(t, exitcode.ConflictingApps, exitcode.CodeOf(err))
}

func TestTrimImagePath(t *testing.T) {
	tests := []struct {
		input string
		want  string
	}{
		{`"C:\Program Files\Sense\MsSense.exe" -svc`, `C:\Program Files\Sense\MsSense.exe`},
		{`"C:\Program Files\Sense\MsSense.exe"`, `C:\Program Files\Sense\MsSense.exe`},
		{`C:\Windows\Sense\MsSense.EXE -flag`, `C:\Windows\Sense\MsSense.EXE`},
		{`C:\Windows\Sense\MsSense.exe`, `C:\Windows\Sense\MsSense.exe`},
	}
	for _, tc := range tests {
		assert.Equal(t, tc.want, trimImagePath(tc.input), tc.input)
	}
}

func TestPrepareModern_EnablesFeature(t *testing.T) {
	run := runner.NewRecorder()

	renamed, err := New(sysfacade.NewFake(), run).PrepareModern(context.Background())
	require.NoError(t, err)
	assert.Empty(t, renamed)

	calls := run.CallsTo("dism.exe")
	require.Len(t, calls, 1)
	assert.Contains(t, calls[0].Args, "/FeatureName:Windows-Defender")
	assert.Contains(t, calls[0].Args, "/NoRestart")
}

func TestPrepareModern_FeatureNeedsReboot(t *testing.T) {
	run := runner.NewRecorder()
	run.ExitCodes["dism.exe"] = featureExitRebootRequired

	_, err := New(sysfacade.NewFake(), run).PrepareModern(context.Background())
	require.Error(t, err)
	assert.Equal(t, exitcode.PendingReboot, exitcode.CodeOf(err))
}

func TestPrepareModern_FeatureFailurePassesRawCode(t *testing.T) {
	run := runner.NewRecorder()
	run.ExitCodes["dism.exe"] = 87

	_, err := New(sysfacade.NewFake(), run).PrepareModern(context.Background())
	require.Error(t, err)
	assert.Equal(t, 87, exitcode.CodeOf(err))
}

func TestPrepareModern_MovesStaleRegistrationsAside(t *testing.T) {
	facade := sysfacade.NewFake()
	facade.Subkeys[productsHive] = []string{"ABC123", "DEF456", "OLD111.obsolete"}
	facade.SetString(productsHive+`\ABC123`, "ProductName", "Microsoft Defender for Endpoint (MSI)")
	facade.SetString(productsHive+`\DEF456`, "ProductName", "Contoso Office Suite")

	renamed, err := New(facade, runner.NewRecorder()).PrepareModern(context.Background())
	require.NoError(t, err)

	assert.Equal(t, []string{productsHive + `\ABC123.obsolete`}, renamed)
	assert.Equal(t, map[string]string{productsHive + `\ABC123`: "ABC123.obsolete"}, facade.RenamedKeys)
}

func TestTransact_InstallArgs(t *testing.T) {
	facade := sysfacade.NewFake()
	pkg := stagePackage(t, facade, sysfacade.SigValid)
	run := runner.NewRecorder()

	opts := Options{PackagePath: pkg, LogPath: `C:\logs\install.log`}
	require.NoError(t, New(facade, run).Transact(context.Background(), Install, opts, nil))

	calls := run.CallsTo("msiexec.exe")
	require.Len(t, calls, 1)
	assert.Equal(t, []string{"/i", pkg, "/lvx*", `C:\logs\install.log`, "/quiet", "/norestart"}, calls[0].Args)
}

func TestTransact_InstallVariants(t *testing.T) {
	tests := []struct {
		name string
		opts Options
		want func(pkg string) []string
	}{
		{
			name: "passive mode",
			opts: Options{LogPath: "x.log", Passive: true},
			want: func(pkg string) []string {
				return []string{"/i", pkg, "/lvx*", "x.log", "/quiet", "/norestart", "FORCEPASSIVEMODE=1"}
			},
		},
		{
			name: "interactive",
			opts: Options{LogPath: "x.log", EnableUI: true},
			want: func(pkg string) []string { return []string{"/i", pkg, "/lvx*", "x.log"} },
		},
		{
			name: "no log",
			opts: Options{NoLog: true},
			want: func(pkg string) []string { return []string{"/i", pkg, "/quiet", "/norestart"} },
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			facade := sysfacade.NewFake()
			pkg := stagePackage(t, facade, sysfacade.SigValid)
			run := runner.NewRecorder()

			tc.opts.PackagePath = pkg
			require.NoError(t, New(facade, run).Transact(context.Background(), Install, tc.opts, nil))
			assert.Equal(t, tc.want(pkg), run.CallsTo("msiexec.exe")[0].Args)
		})
	}
}

func TestTransact_BadSignatureBlocksBeforeSpawn(t *testing.T) {
	for _, status := range []sysfacade.SigStatus{sysfacade.SigNotSigned, sysfacade.SigNotValid, sysfacade.SigUnknown} {
		t.Run(string(status), func(t *testing.T) {
			facade := sysfacade.NewFake()
			pkg := stagePackage(t, facade, status)
			run := runner.NewRecorder()

			err := New(facade, run).Transact(context.Background(), Install, Options{PackagePath: pkg, LogPath: "x.log"}, nil)
			require.Error(t, err)
			assert.Equal(t, exitcode.CorruptedFile, exitcode.CodeOf(err))
			assert.Empty(t, run.Calls, "no process may be spawned for an unverified package")
		})
	}
}

func TestTransact_InstallerFailurePassesRawCode(t *testing.T) {
	facade := sysfacade.NewFake()
	pkg := stagePackage(t, facade, sysfacade.SigValid)
	run := runner.NewRecorder()
	run.ExitCodes["msiexec.exe"] = 1603

	err := New(facade, run).Transact(context.Background(), Install, Options{PackagePath: pkg, LogPath: "x.log"}, nil)
	require.Error(t, err)
	assert.Equal(t, 1603, exitcode.CodeOf(err))
}

func TestTransact_Uninstall(t *testing.T) {
	run := runner.NewRecorder()
	product := &InstalledProduct{UninstallID: testGUID, DisplayVersion: "4.18.2205.7"}

	opts := Options{LogPath: "u.log"}
	require.NoError(t, New(sysfacade.NewFake(), run).Transact(context.Background(), Uninstall, opts, product))

	calls := run.CallsTo("msiexec.exe")
	require.Len(t, calls, 1)
	assert.Equal(t, []string{"/x", testGUID, "/lvx*", "u.log", "/quiet", "/norestart"}, calls[0].Args)
}

func TestTransact_UninstallWithoutRegistration(t *testing.T) {
	run := runner.NewRecorder()

	err := New(sysfacade.NewFake(), run).Transact(context.Background(), Uninstall, Options{LogPath: "u.log"}, nil)
	require.Error(t, err)
	assert.Equal(t, exitcode.AlreadyUninstalled, exitcode.CodeOf(err))
	assert.Empty(t, run.Calls)
}

func TestCleanupStaleEntries(t *testing.T) {
	facade := sysfacade.NewFake()
	paths := []string{productsHive + `\ABC123.obsolete`, productsHive + `\DEF456.obsolete`}

	New(facade, runner.NewRecorder()).CleanupStaleEntries(paths)
	assert.Equal(t, paths, facade.DeletedKeys)
}
