//go:build windows

package sysfacade

import (
	"errors"
	"syscall"
	"unsafe"

	log "github.com/sirupsen/logrus"
	"golang.org/x/sys/windows"
)

// VerifySignature runs an authenticode policy check over the file. Only
// SigValid is accepted by callers; all other verdicts are mapped, never
// errors, so the engine can report them as precise exit signals.
func (f *winFacade) VerifySignature(path string) (SigStatus, error) {
	pathPtr, err := windows.UTF16PtrFromString(path)
	if err != nil {
		return SigUnknown, err
	}

	fileInfo := windows.WinTrustFileInfo{
		Size:     uint32(unsafe.Sizeof(windows.WinTrustFileInfo{})),
		FilePath: pathPtr,
	}
	data := windows.WinTrustData{
		Size:                            uint32(unsafe.Sizeof(windows.WinTrustData{})),
		UIChoice:                        windows.WTD_UI_NONE,
		RevocationChecks:                windows.WTD_REVOKE_NONE,
		UnionChoice:                     windows.WTD_CHOICE_FILE,
		StateAction:                     windows.WTD_STATEACTION_VERIFY,
		FileOrCatalogOrBlobOrSgnrOrCert: unsafe.Pointer(&fileInfo),
	}

	verifyErr := windows.WinVerifyTrustEx(windows.InvalidHWND, &windows.WINTRUST_ACTION_GENERIC_VERIFY_V2, &data)

	data.StateAction = windows.WTD_STATEACTION_CLOSE
	if err := windows.WinVerifyTrustEx(windows.InvalidHWND, &windows.WINTRUST_ACTION_GENERIC_VERIFY_V2, &data); err != nil {
		log.Warnf("failed to release trust state for %s: %v", path, err)
	}

	if verifyErr == nil {
		return SigValid, nil
	}
	var errno syscall.Errno
	if errors.As(verifyErr, &errno) && uint32(errno) == uint32(windows.TRUST_E_NOSIGNATURE) {
		return SigNotSigned, nil
	}
	log.Debugf("authenticode verdict for %s: %v", path, verifyErr)
	return SigNotValid, nil
}
