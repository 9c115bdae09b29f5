//go:build !windows

package util

import "os"

// ThreadID returns a stand-in thread identifier on platforms where the
// native one is not exposed. Only the Windows build runs for real; this
// keeps the logging path portable for tests.
func ThreadID() uint32 {
	return uint32(os.Getpid())
}
