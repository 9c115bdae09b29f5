//go:build windows

package sysfacade

import (
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strings"

	log "github.com/sirupsen/logrus"
	"golang.org/x/sys/windows"
	"golang.org/x/sys/windows/registry"
	"golang.org/x/sys/windows/svc"
	"golang.org/x/sys/windows/svc/mgr"
)

type winFacade struct{}

// New returns the live Windows facade.
func New() (Facade, error) {
	return &winFacade{}, nil
}

func openKey(path string) (registry.Key, bool, error) {
	k, err := registry.OpenKey(registry.LOCAL_MACHINE, path, registry.QUERY_VALUE|registry.WOW64_64KEY)
	if err != nil {
		if errors.Is(err, registry.ErrNotExist) {
			return 0, false, nil
		}
		return 0, false, fmt.Errorf("open HKLM\\%s: %w", path, err)
	}
	return k, true, nil
}

func (f *winFacade) GetRegistryString(path, name string) (string, bool, error) {
	k, ok, err := openKey(path)
	if err != nil || !ok {
		return "", false, err
	}
	defer closeKey(k, path)

	v, _, err := k.GetStringValue(name)
	if err != nil {
		if errors.Is(err, registry.ErrNotExist) {
			return "", false, nil
		}
		return "", false, fmt.Errorf("read HKLM\\%s\\%s: %w", path, name, err)
	}
	return v, true, nil
}

func (f *winFacade) GetRegistryDWord(path, name string) (uint32, bool, error) {
	k, ok, err := openKey(path)
	if err != nil || !ok {
		return 0, false, err
	}
	defer closeKey(k, path)

	v, _, err := k.GetIntegerValue(name)
	if err != nil {
		if errors.Is(err, registry.ErrNotExist) {
			return 0, false, nil
		}
		return 0, false, fmt.Errorf("read HKLM\\%s\\%s: %w", path, name, err)
	}
	return uint32(v), true, nil
}

func (f *winFacade) SetRegistryDWord(path, name string, value uint32) error {
	k, _, err := registry.CreateKey(registry.LOCAL_MACHINE, path, registry.SET_VALUE|registry.WOW64_64KEY)
	if err != nil {
		return fmt.Errorf("create HKLM\\%s: %w", path, err)
	}
	defer closeKey(k, path)

	if err := k.SetDWordValue(name, value); err != nil {
		return fmt.Errorf("write HKLM\\%s\\%s: %w", path, name, err)
	}
	return nil
}

func (f *winFacade) EnumSubkeys(path string) ([]string, error) {
	return enumSubkeys(path)
}

func enumSubkeys(path string) ([]string, error) {
	k, err := registry.OpenKey(registry.LOCAL_MACHINE, path, registry.ENUMERATE_SUB_KEYS|registry.WOW64_64KEY)
	if err != nil {
		if errors.Is(err, registry.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("open HKLM\\%s: %w", path, err)
	}
	defer closeKey(k, path)

	names, err := k.ReadSubKeyNames(-1)
	if err != nil {
		return nil, fmt.Errorf("enumerate HKLM\\%s: %w", path, err)
	}
	return names, nil
}

func (f *winFacade) DeleteRegistryKey(path string) error {
	err := registry.DeleteKey(registry.LOCAL_MACHINE, path)
	if err != nil && !errors.Is(err, registry.ErrNotExist) {
		return fmt.Errorf("delete HKLM\\%s: %w", path, err)
	}
	return nil
}

// RenameRegistryKey copies the key tree to a sibling with the new name and
// deletes the original. The registry has no native rename for arbitrary
// callers, so this is the portable equivalent.
func (f *winFacade) RenameRegistryKey(path, newName string) error {
	parent := path
	if i := strings.LastIndex(path, `\`); i >= 0 {
		parent = path[:i]
	}
	dst := parent + `\` + newName

	if err := copyKeyTree(path, dst); err != nil {
		return err
	}
	return deleteKeyTree(path)
}

func copyKeyTree(src, dst string) error {
	sk, err := registry.OpenKey(registry.LOCAL_MACHINE, src, registry.READ|registry.WOW64_64KEY)
	if err != nil {
		return fmt.Errorf("open HKLM\\%s: %w", src, err)
	}
	defer closeKey(sk, src)

	dk, _, err := registry.CreateKey(registry.LOCAL_MACHINE, dst, registry.ALL_ACCESS|registry.WOW64_64KEY)
	if err != nil {
		return fmt.Errorf("create HKLM\\%s: %w", dst, err)
	}
	defer closeKey(dk, dst)

	names, err := sk.ReadValueNames(-1)
	if err != nil {
		return fmt.Errorf("enumerate values of HKLM\\%s: %w", src, err)
	}
	for _, name := range names {
		if err := copyValue(sk, dk, name); err != nil {
			return err
		}
	}

	subs, err := sk.ReadSubKeyNames(-1)
	if err != nil {
		return fmt.Errorf("enumerate subkeys of HKLM\\%s: %w", src, err)
	}
	for _, sub := range subs {
		if err := copyKeyTree(src+`\`+sub, dst+`\`+sub); err != nil {
			return err
		}
	}
	return nil
}

func copyValue(src, dst registry.Key, name string) error {
	_, valType, err := src.GetValue(name, nil)
	if err != nil {
		return err
	}
	switch valType {
	case registry.SZ:
		v, _, err := src.GetStringValue(name)
		if err != nil {
			return err
		}
		return dst.SetStringValue(name, v)
	case registry.EXPAND_SZ:
		v, _, err := src.GetStringValue(name)
		if err != nil {
			return err
		}
		return dst.SetExpandStringValue(name, v)
	case registry.MULTI_SZ:
		v, _, err := src.GetStringsValue(name)
		if err != nil {
			return err
		}
		return dst.SetStringsValue(name, v)
	case registry.DWORD:
		v, _, err := src.GetIntegerValue(name)
		if err != nil {
			return err
		}
		return dst.SetDWordValue(name, uint32(v))
	case registry.QWORD:
		v, _, err := src.GetIntegerValue(name)
		if err != nil {
			return err
		}
		return dst.SetQWordValue(name, v)
	default:
		v, _, err := src.GetBinaryValue(name)
		if err != nil {
			return err
		}
		return dst.SetBinaryValue(name, v)
	}
}

func deleteKeyTree(path string) error {
	subs, err := enumSubkeys(path)
	if err != nil {
		return err
	}
	for _, sub := range subs {
		if err := deleteKeyTree(path + `\` + sub); err != nil {
			return err
		}
	}
	err = registry.DeleteKey(registry.LOCAL_MACHINE, path)
	if err != nil && !errors.Is(err, registry.ErrNotExist) {
		return fmt.Errorf("delete HKLM\\%s: %w", path, err)
	}
	return nil
}

func closeKey(k registry.Key, path string) {
	if err := k.Close(); err != nil {
		log.Warnf("failed to close registry key %s: %v", path, err)
	}
}

func (f *winFacade) ServiceStatus(name string) (ServiceState, bool, error) {
	m, err := mgr.Connect()
	if err != nil {
		return ServiceOther, false, fmt.Errorf("connect service manager: %w", err)
	}
	defer func() {
		if err := m.Disconnect(); err != nil {
			log.Warnf("failed to disconnect service manager: %v", err)
		}
	}()

	s, err := m.OpenService(name)
	if err != nil {
		if errors.Is(err, windows.ERROR_SERVICE_DOES_NOT_EXIST) {
			return ServiceOther, false, nil
		}
		return ServiceOther, false, fmt.Errorf("open service %s: %w", name, err)
	}
	defer func() {
		if err := s.Close(); err != nil {
			log.Warnf("failed to close service %s: %v", name, err)
		}
	}()

	status, err := s.Query()
	if err != nil {
		return ServiceOther, false, fmt.Errorf("query service %s: %w", name, err)
	}
	switch status.State {
	case svc.Stopped:
		return ServiceStopped, true, nil
	case svc.Running:
		return ServiceRunning, true, nil
	default:
		return ServiceOther, true, nil
	}
}

func (f *winFacade) DeleteService(name string) error {
	m, err := mgr.Connect()
	if err != nil {
		return fmt.Errorf("connect service manager: %w", err)
	}
	defer func() {
		if err := m.Disconnect(); err != nil {
			log.Warnf("failed to disconnect service manager: %v", err)
		}
	}()

	s, err := m.OpenService(name)
	if err != nil {
		if errors.Is(err, windows.ERROR_SERVICE_DOES_NOT_EXIST) {
			return nil
		}
		return fmt.Errorf("open service %s: %w", name, err)
	}
	defer func() {
		if err := s.Close(); err != nil {
			log.Warnf("failed to close service %s: %v", name, err)
		}
	}()

	if err := s.Delete(); err != nil {
		return fmt.Errorf("delete service %s: %w", name, err)
	}
	return nil
}

func (f *winFacade) IsAdministrator() (bool, error) {
	adminSid, err := windows.CreateWellKnownSid(windows.WinBuiltinAdministratorsSid)
	if err != nil {
		return false, fmt.Errorf("create administrators SID: %w", err)
	}

	token := windows.GetCurrentProcessToken()
	member, err := token.IsMember(adminSid)
	if err != nil {
		return false, fmt.Errorf("check token membership: %w", err)
	}
	return member && token.IsElevated(), nil
}

func (f *winFacade) IsLocalSystem() (bool, error) {
	token := windows.GetCurrentProcessToken()
	user, err := token.GetTokenUser()
	if err != nil {
		return false, fmt.Errorf("query token user: %w", err)
	}
	return user.User.Sid.IsWellKnown(windows.WinLocalSystemSid), nil
}

func (f *winFacade) WindowsDirectory() string {
	dir, err := windows.GetWindowsDirectory()
	if err != nil {
		return os.Getenv("WINDIR")
	}
	return dir
}

func (f *winFacade) FileExists(path string) (bool, error) {
	_, err := os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

// HotfixInstalled asks the patch catalog whether the given KB is listed.
// The catalog can lag behind reality, which is why callers check a presence
// predicate first.
func (f *winFacade) HotfixInstalled(id string) (bool, error) {
	out, err := exec.Command("wmic", "qfe", "where", fmt.Sprintf("HotFixID='%s'", id), "get", "HotFixID").Output()
	if err != nil {
		// wmic exits non-zero when the filter matches nothing
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			return false, nil
		}
		return false, fmt.Errorf("query patch catalog for %s: %w", id, err)
	}
	return strings.Contains(string(out), id), nil
}

func (f *winFacade) CreateElevatedTask(name, command string, args []string) error {
	action := command
	if len(args) > 0 {
		action = fmt.Sprintf("%s %s", command, strings.Join(args, " "))
	}
	cmd := exec.Command("schtasks.exe", "/Create", "/F",
		"/TN", name,
		"/TR", action,
		"/SC", "ONCE", "/ST", "00:00",
		"/RU", "SYSTEM", "/RL", "HIGHEST")
	if out, err := cmd.CombinedOutput(); err != nil {
		return fmt.Errorf("create task %s: %w: %s", name, err, strings.TrimSpace(string(out)))
	}
	return nil
}

func (f *winFacade) RunTask(name string) error {
	if out, err := exec.Command("schtasks.exe", "/Run", "/TN", name).CombinedOutput(); err != nil {
		return fmt.Errorf("run task %s: %w: %s", name, err, strings.TrimSpace(string(out)))
	}
	return nil
}

func (f *winFacade) TaskCompleted(name string) (bool, error) {
	out, err := exec.Command("schtasks.exe", "/Query", "/TN", name, "/FO", "CSV", "/NH").CombinedOutput()
	if err != nil {
		return false, fmt.Errorf("query task %s: %w: %s", name, err, strings.TrimSpace(string(out)))
	}
	return !strings.Contains(string(out), `"Running"`), nil
}

func (f *winFacade) DeleteTask(name string) error {
	if out, err := exec.Command("schtasks.exe", "/Delete", "/F", "/TN", name).CombinedOutput(); err != nil {
		return fmt.Errorf("delete task %s: %w: %s", name, err, strings.TrimSpace(string(out)))
	}
	return nil
}
