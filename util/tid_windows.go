//go:build windows

package util

import "golang.org/x/sys/windows"

// ThreadID returns the native identifier of the calling OS thread.
func ThreadID() uint32 {
	return windows.GetCurrentThreadId()
}
