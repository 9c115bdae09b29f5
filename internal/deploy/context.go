package deploy

import (
	"fmt"
	"strings"
)

// Action is the top-level operation selected on the command line.
type Action int

const (
	ActionInstall Action = iota
	ActionUninstall
)

func (a Action) String() string {
	if a == ActionInstall {
		return "install"
	}
	return "uninstall"
}

// RunContext carries everything a single orchestration run needs. It is
// immutable once built; components never read shared state back out of
// each other.
type RunContext struct {
	Action            Action
	PackagePath       string
	OnboardingScript  string
	OffboardingScript string
	WorkspaceID       string

	EnableUI bool
	Passive  bool
	NoMSILog bool
	NoTrace  bool

	LogDir   string
	Hostname string
}

// RunOutcome accumulates what the run produced: artifact locations,
// applied workarounds pending cleanup, and non-fatal failures.
type RunOutcome struct {
	MSILogPath          string
	TraceLogPath        string
	RenamedStaleEntries []string
	Warnings            []string
}

func (o *RunOutcome) warnf(format string, args ...any) {
	o.Warnings = append(o.Warnings, fmt.Sprintf(format, args...))
}

// artifactName builds the per-run artifact base name from the action, the
// host identifier and the OS version.
func artifactName(action Action, hostname, osVersion, ext string) string {
	host := strings.ReplaceAll(hostname, " ", "_")
	return fmt.Sprintf("mdeinstall-%s-%s-%s%s", action, host, osVersion, ext)
}

// OnboardingState is the protection service's enrollment flag.
type OnboardingState int

const (
	NotOnboarded OnboardingState = iota
	Onboarded
	OnboardingUnknown
)

func (s OnboardingState) String() string {
	switch s {
	case NotOnboarded:
		return "not onboarded"
	case Onboarded:
		return "onboarded"
	default:
		return "unknown"
	}
}
