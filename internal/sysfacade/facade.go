// Package sysfacade narrows every OS primitive the orchestrator touches --
// registry, services, file version resources, signature verification, the
// patch catalog and scheduled tasks -- behind one injected interface so the
// engine can be driven deterministically in tests.
package sysfacade

// ServiceState mirrors the service controller states the engine cares
// about; anything else is reported as ServiceOther.
type ServiceState int

const (
	ServiceStopped ServiceState = iota
	ServiceRunning
	ServiceOther
)

func (s ServiceState) String() string {
	switch s {
	case ServiceStopped:
		return "stopped"
	case ServiceRunning:
		return "running"
	default:
		return "other"
	}
}

// SigStatus is the authenticode verdict for a binary. SigValid is the only
// acceptable outcome anywhere in the engine.
type SigStatus string

const (
	SigValid     SigStatus = "Valid"
	SigNotSigned SigStatus = "NotSigned"
	SigNotValid  SigStatus = "NotValid"
	SigUnknown   SigStatus = "Unknown"
)

// VersionInfo is the version resource of a binary.
type VersionInfo struct {
	FileVersion  string
	ProductName  string
	InternalName string
}

// Facade is the single gateway to mutable OS-global state. Registry paths
// are relative to HKEY_LOCAL_MACHINE. Reads treat absence as a normal
// outcome (ok=false, nil error), never as a failure.
type Facade interface {
	// Registry
	GetRegistryString(path, name string) (value string, ok bool, err error)
	GetRegistryDWord(path, name string) (value uint32, ok bool, err error)
	SetRegistryDWord(path, name string, value uint32) error
	EnumSubkeys(path string) ([]string, error)
	DeleteRegistryKey(path string) error
	RenameRegistryKey(path, newName string) error

	// Services
	ServiceStatus(name string) (state ServiceState, ok bool, err error)
	DeleteService(name string) error

	// Caller identity
	IsAdministrator() (bool, error)
	IsLocalSystem() (bool, error)

	// Files and binaries
	WindowsDirectory() string
	FileExists(path string) (bool, error)
	FileVersionInfo(path string) (*VersionInfo, error)
	VerifySignature(path string) (SigStatus, error)

	// Installer database
	PackagedFileVersion(msiPath, fileName string) (string, error)

	// Patch catalog
	HotfixInstalled(id string) (bool, error)

	// One-shot highest-privilege scheduled tasks (elevation bridge)
	CreateElevatedTask(name, command string, args []string) error
	RunTask(name string) error
	TaskCompleted(name string) (bool, error)
	DeleteTask(name string) error
}
