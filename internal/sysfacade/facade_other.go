//go:build !windows

package sysfacade

import "errors"

// New fails on non-Windows hosts; the deployment target is Windows only.
// The Fake facade keeps the engine testable everywhere.
func New() (Facade, error) {
	return nil, errors.New("this tool manages a Windows installation target and must run on Windows")
}
