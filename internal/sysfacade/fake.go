package sysfacade

import (
	"fmt"
	"strings"
)

// FakeTask records the lifecycle of a scheduled task provisioned through
// the Fake facade.
type FakeTask struct {
	Command string
	Args    []string
	Runs    int
	Deleted bool
	// PollsUntilDone makes TaskCompleted report a still-running task for
	// that many queries after Run, to exercise the bounded poll.
	PollsUntilDone int
	// OnRun performs the side effect the real task would, such as the
	// elevated registry write.
	OnRun func()

	polls int
}

// Fake is an in-memory Facade. Zero values mean "absent"; tests mutate the
// exported maps directly to stage machine state.
type Fake struct {
	Strings map[string]map[string]string
	DWords  map[string]map[string]uint32
	Subkeys map[string][]string

	// DWordErrs injects a read failure for a key path, to exercise error
	// propagation around registry polls.
	DWordErrs map[string]error

	DeletedKeys []string
	RenamedKeys map[string]string

	Services        map[string]ServiceState
	DeletedServices []string

	Admin  bool
	System bool
	WinDir string

	Files       map[string]*VersionInfo
	Signatures  map[string]SigStatus
	Hotfixes    map[string]bool
	MSIVersions map[string]map[string]string

	Tasks        map[string]*FakeTask
	CreatedTasks []string
}

// NewFake returns a Fake staged as an elevated administrator session on an
// otherwise clean machine.
func NewFake() *Fake {
	return &Fake{
		Strings:     map[string]map[string]string{},
		DWords:      map[string]map[string]uint32{},
		Subkeys:     map[string][]string{},
		DWordErrs:   map[string]error{},
		RenamedKeys: map[string]string{},
		Services:    map[string]ServiceState{},
		Files:       map[string]*VersionInfo{},
		Signatures:  map[string]SigStatus{},
		Hotfixes:    map[string]bool{},
		MSIVersions: map[string]map[string]string{},
		Tasks:       map[string]*FakeTask{},
		Admin:       true,
		WinDir:      `C:\Windows`,
	}
}

func (f *Fake) GetRegistryString(path, name string) (string, bool, error) {
	v, ok := f.Strings[path][name]
	return v, ok, nil
}

func (f *Fake) GetRegistryDWord(path, name string) (uint32, bool, error) {
	if err := f.DWordErrs[path]; err != nil {
		return 0, false, err
	}
	v, ok := f.DWords[path][name]
	return v, ok, nil
}

// SetDWord is a staging helper for tests.
func (f *Fake) SetDWord(path, name string, value uint32) {
	if f.DWords[path] == nil {
		f.DWords[path] = map[string]uint32{}
	}
	f.DWords[path][name] = value
}

// SetString is a staging helper for tests.
func (f *Fake) SetString(path, name, value string) {
	if f.Strings[path] == nil {
		f.Strings[path] = map[string]string{}
	}
	f.Strings[path][name] = value
}

func (f *Fake) SetRegistryDWord(path, name string, value uint32) error {
	f.SetDWord(path, name, value)
	return nil
}

func (f *Fake) EnumSubkeys(path string) ([]string, error) {
	return f.Subkeys[path], nil
}

func (f *Fake) DeleteRegistryKey(path string) error {
	f.DeletedKeys = append(f.DeletedKeys, path)
	parent, leaf := splitKeyPath(path)
	f.Subkeys[parent] = removeString(f.Subkeys[parent], leaf)
	delete(f.Strings, path)
	delete(f.DWords, path)
	return nil
}

func (f *Fake) RenameRegistryKey(path, newName string) error {
	f.RenamedKeys[path] = newName
	parent, leaf := splitKeyPath(path)
	f.Subkeys[parent] = append(removeString(f.Subkeys[parent], leaf), newName)
	if vals, ok := f.Strings[path]; ok {
		delete(f.Strings, path)
		f.Strings[parent+`\`+newName] = vals
	}
	return nil
}

func (f *Fake) ServiceStatus(name string) (ServiceState, bool, error) {
	st, ok := f.Services[name]
	return st, ok, nil
}

func (f *Fake) DeleteService(name string) error {
	f.DeletedServices = append(f.DeletedServices, name)
	delete(f.Services, name)
	return nil
}

func (f *Fake) IsAdministrator() (bool, error) { return f.Admin, nil }
func (f *Fake) IsLocalSystem() (bool, error)   { return f.System, nil }
func (f *Fake) WindowsDirectory() string       { return f.WinDir }

func (f *Fake) FileExists(path string) (bool, error) {
	_, ok := f.Files[path]
	return ok, nil
}

func (f *Fake) FileVersionInfo(path string) (*VersionInfo, error) {
	info, ok := f.Files[path]
	if !ok || info == nil {
		return nil, fmt.Errorf("no version resource for %s", path)
	}
	return info, nil
}

func (f *Fake) VerifySignature(path string) (SigStatus, error) {
	if st, ok := f.Signatures[path]; ok {
		return st, nil
	}
	return SigNotSigned, nil
}

func (f *Fake) PackagedFileVersion(msiPath, fileName string) (string, error) {
	if v, ok := f.MSIVersions[msiPath][fileName]; ok {
		return v, nil
	}
	return "", fmt.Errorf("file %s not present in installer database %s", fileName, msiPath)
}

func (f *Fake) HotfixInstalled(id string) (bool, error) {
	return f.Hotfixes[id], nil
}

func (f *Fake) CreateElevatedTask(name, command string, args []string) error {
	task, ok := f.Tasks[name]
	if !ok {
		task = &FakeTask{}
		f.Tasks[name] = task
	}
	task.Command = command
	task.Args = args
	task.Deleted = false
	f.CreatedTasks = append(f.CreatedTasks, name)
	return nil
}

func (f *Fake) RunTask(name string) error {
	task, ok := f.Tasks[name]
	if !ok {
		return fmt.Errorf("task %s does not exist", name)
	}
	task.Runs++
	task.polls = 0
	if task.OnRun != nil {
		task.OnRun()
	}
	return nil
}

func (f *Fake) TaskCompleted(name string) (bool, error) {
	task, ok := f.Tasks[name]
	if !ok {
		return false, fmt.Errorf("task %s does not exist", name)
	}
	if task.polls < task.PollsUntilDone {
		task.polls++
		return false, nil
	}
	return true, nil
}

func (f *Fake) DeleteTask(name string) error {
	task, ok := f.Tasks[name]
	if !ok {
		return fmt.Errorf("task %s does not exist", name)
	}
	task.Deleted = true
	return nil
}

// LeakedTasks reports tasks that were created but never deleted.
func (f *Fake) LeakedTasks() []string {
	var leaked []string
	for _, name := range f.CreatedTasks {
		if t := f.Tasks[name]; t != nil && !t.Deleted {
			leaked = append(leaked, name)
		}
	}
	return leaked
}

func splitKeyPath(path string) (parent, leaf string) {
	if i := strings.LastIndex(path, `\`); i >= 0 {
		return path[:i], path[i+1:]
	}
	return "", path
}

func removeString(list []string, s string) []string {
	out := list[:0]
	for _, v := range list {
		if !strings.EqualFold(v, s) {
			out = append(out, v)
		}
	}
	return out
}
