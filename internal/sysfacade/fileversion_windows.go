//go:build windows

package sysfacade

import (
	"fmt"
	"unsafe"

	"golang.org/x/sys/windows"
)

// FileVersionInfo reads the version resource of a binary. The orchestrator
// trusts these resources over OS-reported version strings, which at least
// one supported legacy target misreports.
func (f *winFacade) FileVersionInfo(path string) (*VersionInfo, error) {
	var handle uint32
	size, err := windows.GetFileVersionInfoSize(path, &handle)
	if err != nil {
		return nil, fmt.Errorf("version info size of %s: %w", path, err)
	}

	block := make([]byte, size)
	if err := windows.GetFileVersionInfo(path, 0, size, unsafe.Pointer(&block[0])); err != nil {
		return nil, fmt.Errorf("version info of %s: %w", path, err)
	}

	var fixed *windows.VS_FIXEDFILEINFO
	var fixedLen uint32
	if err := windows.VerQueryValue(unsafe.Pointer(&block[0]), `\`, unsafe.Pointer(&fixed), &fixedLen); err != nil {
		return nil, fmt.Errorf("fixed version info of %s: %w", path, err)
	}

	info := &VersionInfo{
		FileVersion: fmt.Sprintf("%d.%d.%d.%d",
			fixed.FileVersionMS>>16, fixed.FileVersionMS&0xffff,
			fixed.FileVersionLS>>16, fixed.FileVersionLS&0xffff),
	}

	// String table entries are optional; their absence is tolerated.
	if lang, ok := firstTranslation(block); ok {
		info.ProductName = stringFileInfo(block, lang, "ProductName")
		info.InternalName = stringFileInfo(block, lang, "InternalName")
	}
	return info, nil
}

type langCodepage struct {
	Language uint16
	Codepage uint16
}

func firstTranslation(block []byte) (langCodepage, bool) {
	var translations *langCodepage
	var length uint32
	err := windows.VerQueryValue(unsafe.Pointer(&block[0]), `\VarFileInfo\Translation`, unsafe.Pointer(&translations), &length)
	if err != nil || length < uint32(unsafe.Sizeof(langCodepage{})) {
		return langCodepage{}, false
	}
	return *translations, true
}

func stringFileInfo(block []byte, lang langCodepage, name string) string {
	subBlock := fmt.Sprintf(`\StringFileInfo\%04x%04x\%s`, lang.Language, lang.Codepage, name)

	var value *uint16
	var length uint32
	if err := windows.VerQueryValue(unsafe.Pointer(&block[0]), subBlock, unsafe.Pointer(&value), &length); err != nil || length == 0 {
		return ""
	}
	return windows.UTF16PtrToString(value)
}
