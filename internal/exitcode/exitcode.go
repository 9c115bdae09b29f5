// Package exitcode defines the fixed registry of named exit codes and the
// Signal error type every fatal orchestration path funnels through.
package exitcode

import (
	"errors"
	"fmt"
)

// Named exit codes. These form the operational contract with operators and
// deployment tooling and must not be renumbered.
const (
	OK                       = 0
	Internal                 = 1
	InsufficientPrivileges   = 3
	NoInternetConnectivity   = 4
	ConflictingApps          = 5
	InvalidParameter         = 6
	UnsupportedDistro        = 10
	UnsupportedVersion       = 11
	PendingReboot            = 12
	InsufficientRequirements = 13
	UnexpectedState          = 14
	CorruptedFile            = 15
	MSINotFound              = 16
	AlreadyUninstalled       = 17
	DirectoryNotWritable     = 18
	MDENotInstalled          = 20
	InstallationFailed       = 21
	UninstallationFailed     = 22
	FailedDependency         = 23
	OnboardingNotFound       = 30
	OnboardingFailed         = 31
	OffboardingNotFound      = 32
	OffboardingFailed        = 33
	NotOnboarded             = 34
	NotOffboarded            = 35
	MSIUsedByOtherProcess    = 36
)

// Signal pairs a human-readable message with a numeric exit code. It is
// created once per terminating failure path and propagated up as an error;
// the process terminates through a single handler in main.
type Signal struct {
	Code    int
	Message string
}

func (s *Signal) Error() string {
	return fmt.Sprintf("%s (exit code %d)", s.Message, s.Code)
}

// New creates a Signal with the given code and message.
func New(code int, message string) *Signal {
	return &Signal{Code: code, Message: message}
}

// Newf creates a Signal with a formatted message.
func Newf(code int, format string, args ...any) *Signal {
	return &Signal{Code: code, Message: fmt.Sprintf(format, args...)}
}

// FromError resolves the Signal carried by err. Errors that do not wrap a
// Signal are classified as internal faults.
func FromError(err error) *Signal {
	var s *Signal
	if errors.As(err, &s) {
		return s
	}
	return &Signal{Code: Internal, Message: err.Error()}
}

// CodeOf returns the numeric exit code for err, or OK for a nil error.
func CodeOf(err error) int {
	if err == nil {
		return OK
	}
	return FromError(err).Code
}
