//go:build windows

package sysfacade

import (
	"fmt"
	"strings"
	"syscall"
	"unsafe"

	log "github.com/sirupsen/logrus"
	"golang.org/x/sys/windows"
)

var (
	msiDLL                 = windows.NewLazySystemDLL("msi.dll")
	procMsiOpenDatabase    = msiDLL.NewProc("MsiOpenDatabaseW")
	procMsiDatabaseOpenView = msiDLL.NewProc("MsiDatabaseOpenViewW")
	procMsiViewExecute     = msiDLL.NewProc("MsiViewExecute")
	procMsiViewFetch       = msiDLL.NewProc("MsiViewFetch")
	procMsiRecordGetString = msiDLL.NewProc("MsiRecordGetStringW")
	procMsiCloseHandle     = msiDLL.NewProc("MsiCloseHandle")
)

const (
	msidbOpenReadOnly = 0
	errorNoMoreItems  = 259
	msiMaxStringLen   = 1024
)

// PackagedFileVersion reads the version recorded in the package's File
// table for the named bundled file. This is the component-version table the
// platform-update gate compares against the running engine.
func (f *winFacade) PackagedFileVersion(msiPath, fileName string) (string, error) {
	var db uintptr
	pathPtr, err := syscall.UTF16PtrFromString(msiPath)
	if err != nil {
		return "", err
	}
	ret, _, _ := procMsiOpenDatabase.Call(
		uintptr(unsafe.Pointer(pathPtr)),
		uintptr(msidbOpenReadOnly),
		uintptr(unsafe.Pointer(&db)))
	if ret != 0 {
		return "", fmt.Errorf("open installer database %s: error %d", msiPath, ret)
	}
	defer closeMsiHandle(db)

	queryPtr, err := syscall.UTF16PtrFromString("SELECT `FileName`,`Version` FROM `File`")
	if err != nil {
		return "", err
	}
	var view uintptr
	ret, _, _ = procMsiDatabaseOpenView.Call(db, uintptr(unsafe.Pointer(queryPtr)), uintptr(unsafe.Pointer(&view)))
	if ret != 0 {
		return "", fmt.Errorf("open File table view of %s: error %d", msiPath, ret)
	}
	defer closeMsiHandle(view)

	if ret, _, _ = procMsiViewExecute.Call(view, 0); ret != 0 {
		return "", fmt.Errorf("execute File table view of %s: error %d", msiPath, ret)
	}

	for {
		var record uintptr
		ret, _, _ = procMsiViewFetch.Call(view, uintptr(unsafe.Pointer(&record)))
		if ret == errorNoMoreItems {
			break
		}
		if ret != 0 {
			return "", fmt.Errorf("fetch File table row of %s: error %d", msiPath, ret)
		}

		name := recordString(record, 1)
		ver := recordString(record, 2)
		closeMsiHandle(record)

		// FileName is stored as "shortname|longname"
		if i := strings.IndexByte(name, '|'); i >= 0 {
			name = name[i+1:]
		}
		if strings.EqualFold(name, fileName) {
			return ver, nil
		}
	}
	return "", fmt.Errorf("file %s not present in installer database %s", fileName, msiPath)
}

func recordString(record uintptr, field int) string {
	buf := make([]uint16, msiMaxStringLen)
	length := uint32(len(buf))
	ret, _, _ := procMsiRecordGetString.Call(record, uintptr(field),
		uintptr(unsafe.Pointer(&buf[0])), uintptr(unsafe.Pointer(&length)))
	if ret != 0 {
		return ""
	}
	return windows.UTF16ToString(buf[:length])
}

func closeMsiHandle(h uintptr) {
	if ret, _, _ := procMsiCloseHandle.Call(h); ret != 0 {
		log.Warnf("failed to close installer handle: error %d", ret)
	}
}
