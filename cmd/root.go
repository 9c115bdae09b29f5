package cmd

import (
	"os"
	"path/filepath"
	"runtime"
	"strings"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/mdeops/mdeinstall/internal/deploy"
	"github.com/mdeops/mdeinstall/internal/exitcode"
	"github.com/mdeops/mdeinstall/internal/runner"
	"github.com/mdeops/mdeinstall/internal/sysfacade"
	"github.com/mdeops/mdeinstall/util"
)

const (
	packageFileName    = "md4ws.msi"
	devPackageFileName = "md4ws-devmode.msi"
)

var (
	logLevel          string
	logFile           string
	logDir            string
	packagePath       string
	onboardingScript  string
	offboardingScript string
	workspaceID       string
	enableUI          bool
	passiveMode       bool
	noMSILog          bool
	noTrace           bool
	devBuild          bool

	rootCmd = &cobra.Command{
		Use:          "mdeinstall",
		Short:        "Deploys the Defender endpoint agent package on this machine",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			// install is the default action
			return runDeploy(cmd, deploy.ActionInstall)
		},
	}
)

// Execute executes the root command.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	defaultLogDir := "/var/log/mdeinstall"
	if runtime.GOOS == "windows" {
		defaultLogDir = filepath.Join(os.Getenv("PROGRAMDATA"), "mdeinstall", "logs")
	}

	rootCmd.PersistentFlags().StringVarP(&logLevel, "log-level", "l", "info", "sets the orchestrator log level")
	rootCmd.PersistentFlags().StringVar(&logFile, "log-file", "console", "orchestrator log path; console writes to stdout")
	rootCmd.PersistentFlags().StringVar(&logDir, "log-dir", defaultLogDir, "directory for the installation and trace logs")
	rootCmd.PersistentFlags().StringVar(&packagePath, "package", "", "agent package path (default: the package next to this executable)")
	rootCmd.PersistentFlags().StringVar(&onboardingScript, "onboarding-script", "", "onboarding script downloaded from the security portal")
	rootCmd.PersistentFlags().StringVar(&offboardingScript, "offboarding-script", "", "offboarding script downloaded from the security portal")
	rootCmd.PersistentFlags().StringVar(&workspaceID, "workspace-id", "", "legacy management-agent workspace to detach before installing")
	rootCmd.PersistentFlags().BoolVar(&enableUI, "ui", false, "show the installer UI instead of running silently")
	rootCmd.PersistentFlags().BoolVar(&passiveMode, "passive-mode", false, "install the agent in passive protection mode")
	rootCmd.PersistentFlags().BoolVar(&noMSILog, "no-msi-log", false, "disable the verbose installation log")
	rootCmd.PersistentFlags().BoolVar(&noTrace, "no-trace", false, "disable the event-trace capture bracket")
	rootCmd.PersistentFlags().BoolVar(&devBuild, "dev-build", false, "deploy the developer package variant")

	rootCmd.AddCommand(installCmd)
	rootCmd.AddCommand(uninstallCmd)
	rootCmd.AddCommand(versionCmd)
}

// SetFlagsFromEnvVars reads and updates flag values from environment
// variables with prefix MDE_
func SetFlagsFromEnvVars(cmd *cobra.Command) {
	flags := cmd.PersistentFlags()
	flags.VisitAll(func(f *pflag.Flag) {
		envVar := FlagNameToEnvVar(f.Name, "MDE_")
		if value, present := os.LookupEnv(envVar); present {
			if err := flags.Set(f.Name, value); err != nil {
				log.Infof("unable to configure flag %s using variable %s, err: %v", f.Name, envVar, err)
			}
		}
	})
}

// FlagNameToEnvVar converts flag name to environment var name adding a prefix,
// replacing dashes and making all uppercase (e.g. no-trace is converted to
// MDE_NO_TRACE according to the input prefix)
func FlagNameToEnvVar(cmdFlag string, prefix string) string {
	parsed := strings.ReplaceAll(cmdFlag, "-", "_")
	return prefix + strings.ToUpper(parsed)
}

func runDeploy(cmd *cobra.Command, action deploy.Action) error {
	SetFlagsFromEnvVars(cmd.Root())

	if err := util.InitLog(logLevel, logFile); err != nil {
		return err
	}

	facade, err := sysfacade.New()
	if err != nil {
		return exitcode.Newf(exitcode.UnsupportedDistro, "%v", err)
	}

	pkg, err := resolvePackagePath()
	if err != nil {
		return err
	}

	hostname, err := os.Hostname()
	if err != nil {
		log.Warnf("could not resolve hostname: %v", err)
		hostname = "localhost"
	}

	rc := deploy.RunContext{
		Action:            action,
		PackagePath:       pkg,
		OnboardingScript:  onboardingScript,
		OffboardingScript: offboardingScript,
		WorkspaceID:       workspaceID,
		EnableUI:          enableUI,
		Passive:           passiveMode,
		NoMSILog:          noMSILog,
		NoTrace:           noTrace,
		LogDir:            logDir,
		Hostname:          hostname,
	}

	controller := deploy.New(facade, runner.New())
	out, err := controller.Run(cmd.Context(), rc)
	for _, w := range out.Warnings {
		cmd.PrintErrln("warning:", w)
	}
	if err != nil {
		return err
	}

	cmd.Printf("%s completed successfully\n", action)
	if !noMSILog {
		cmd.Printf("installation log: %s\n", out.MSILogPath)
	}
	if !noTrace {
		cmd.Printf("trace log: %s\n", out.TraceLogPath)
	}
	return nil
}

func resolvePackagePath() (string, error) {
	if packagePath != "" {
		return packagePath, nil
	}
	exe, err := os.Executable()
	if err != nil {
		return "", exitcode.Newf(exitcode.Internal, "cannot locate the running executable: %v", err)
	}
	name := packageFileName
	if devBuild {
		name = devPackageFileName
	}
	return filepath.Join(filepath.Dir(exe), name), nil
}
