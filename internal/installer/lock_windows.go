//go:build windows

package installer

import (
	"errors"
	"os"
	"path/filepath"

	"golang.org/x/sys/windows"

	"github.com/breeze-rmm/vrupdate/internal/update"
)

// lockInstallDir takes a non-blocking exclusive LockFileEx lock on
// installDir/.lock. The lock is released by the OS if the process dies.
func lockInstallDir(installDir string) (func(), error) {
	if err := os.MkdirAll(installDir, 0755); err != nil {
		return nil, update.Fatal("lock", err)
	}
	f, err := os.OpenFile(filepath.Join(installDir, LockFile), os.O_CREATE|os.O_RDWR, 0644)
	if err != nil {
		return nil, update.Fatal("lock", err)
	}

	h := windows.Handle(f.Fd())
	ol := new(windows.Overlapped)
	flags := uint32(windows.LOCKFILE_EXCLUSIVE_LOCK | windows.LOCKFILE_FAIL_IMMEDIATELY)
	if err := windows.LockFileEx(h, flags, 0, 1, 0, ol); err != nil {
		f.Close()
		if errors.Is(err, windows.ERROR_LOCK_VIOLATION) {
			return nil, update.Policy("lock", "", update.ErrBusy)
		}
		return nil, update.Fatal("lock", err)
	}
	return func() {
		windows.UnlockFileEx(h, 0, 1, 0, ol)
		f.Close()
	}, nil
}
