//go:build !windows

package installer

import (
	"errors"
	"os"
	"path/filepath"

	"golang.org/x/sys/unix"

	"github.com/breeze-rmm/vrupdate/internal/update"
)

// lockInstallDir takes an exclusive, non-blocking flock on installDir/.lock.
// Another process holding it means an install or rollback is in flight.
func lockInstallDir(installDir string) (func(), error) {
	if err := os.MkdirAll(installDir, 0755); err != nil {
		return nil, update.Fatal("lock", err)
	}
	f, err := os.OpenFile(filepath.Join(installDir, LockFile), os.O_CREATE|os.O_RDWR, 0644)
	if err != nil {
		return nil, update.Fatal("lock", err)
	}
	if err := unix.Flock(int(f.Fd()), unix.LOCK_EX|unix.LOCK_NB); err != nil {
		f.Close()
		if errors.Is(err, unix.EWOULDBLOCK) {
			return nil, update.Policy("lock", "", update.ErrBusy)
		}
		return nil, update.Transient("lock", "", err)
	}
	return func() {
		unix.Flock(int(f.Fd()), unix.LOCK_UN)
		f.Close()
	}, nil
}
