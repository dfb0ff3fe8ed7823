//go:build windows

package privilege

import "golang.org/x/sys/windows"

// IsRunningAsRoot returns true if the process token is elevated.
func IsRunningAsRoot() bool {
	return windows.GetCurrentProcessToken().IsElevated()
}
