// Package scriptcheck validates operator-supplied onboarding and
// offboarding scripts before anything is executed.
package scriptcheck

import (
	"fmt"
	"os"
	"strings"

	"github.com/mdeops/mdeinstall/internal/exitcode"
)

// Role distinguishes the two script kinds; the checks are symmetrical but
// every failure carries a role-specific signal.
type Role int

const (
	Onboarding Role = iota
	Offboarding
)

func (r Role) String() string {
	if r == Onboarding {
		return "onboarding"
	}
	return "offboarding"
}

// Marker patterns only genuine scripts produced by the management plane
// contain. Presence is a necessary, not sufficient, authenticity check;
// it filters out the wrong file handed in by mistake, not a forgery.
func (r Role) marker() string {
	if r == Onboarding {
		return "OnboardingInfo"
	}
	return "OffboardingInfo"
}

func (r Role) notFoundCode() int {
	if r == Onboarding {
		return exitcode.OnboardingNotFound
	}
	return exitcode.OffboardingNotFound
}

// Validate checks that the script exists, looks genuine and that the
// caller may run it. The scripts mutate machine-wide policy registry keys,
// so administrative rights are required.
func Validate(role Role, path string, isAdmin bool) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return exitcode.Newf(role.notFoundCode(), "%s script not found at %s", role, path)
		}
		return fmt.Errorf("read %s script %s: %w", role, path, err)
	}

	if !strings.Contains(string(data), role.marker()) {
		return exitcode.Newf(exitcode.InvalidParameter,
			"%s does not look like a genuine %s script; supply the script downloaded from the security portal", path, role)
	}

	if !isAdmin {
		return exitcode.Newf(exitcode.InsufficientPrivileges,
			"administrative rights are required to run the %s script", role)
	}
	return nil
}
