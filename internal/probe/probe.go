// Package probe discovers the machine state the orchestrator gates on:
// kernel version, administrative privilege, service and registry state.
package probe

import (
	"fmt"

	"github.com/mdeops/mdeinstall/internal/sysfacade"
)

// Prober answers environment questions through the system facade.
type Prober struct {
	facade sysfacade.Facade
}

func New(facade sysfacade.Facade) *Prober {
	return &Prober{facade: facade}
}

// OSVersion reads the kernel version from the version resource of
// ntoskrnl.exe.
func (p *Prober) OSVersion() (OSVersion, error) {
	path := p.facade.WindowsDirectory() + `\System32\ntoskrnl.exe`
	info, err := p.facade.FileVersionInfo(path)
	if err != nil {
		return OSVersion{}, fmt.Errorf("read kernel version resource: %w", err)
	}
	v, err := ParseOSVersion(info.FileVersion)
	if err != nil {
		return OSVersion{}, fmt.Errorf("parse kernel version: %w", err)
	}
	return v, nil
}

// IsAdministrator checks process-token membership in the local
// administrators group.
func (p *Prober) IsAdministrator() (bool, error) {
	return p.facade.IsAdministrator()
}

// ServiceStatus returns the state of a service; a missing service is a
// normal outcome (ok=false), distinct from present-but-stopped.
func (p *Prober) ServiceStatus(name string) (sysfacade.ServiceState, bool, error) {
	return p.facade.ServiceStatus(name)
}

// GetRegistryDWord reads a DWORD value; a missing key or value is a normal
// outcome (ok=false), never an error.
func (p *Prober) GetRegistryDWord(path, name string) (uint32, bool, error) {
	return p.facade.GetRegistryDWord(path, name)
}

// GetRegistryString reads a string value with the same absence semantics.
func (p *Prober) GetRegistryString(path, name string) (string, bool, error) {
	return p.facade.GetRegistryString(path, name)
}
