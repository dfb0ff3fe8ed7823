//go:build !windows

package updater

import (
	"fmt"
	"os/exec"
	"runtime"
)

// RestartService restarts the service that hosts the installed runtime so
// it picks up the new system tree. unit is a systemd unit on Linux and a
// launchd label on macOS.
func RestartService(unit string) error {
	if unit == "" {
		return fmt.Errorf("no service configured for restart")
	}
	var cmd *exec.Cmd
	if runtime.GOOS == "darwin" {
		cmd = exec.Command("launchctl", "kickstart", "-k", "system/"+unit)
	} else {
		cmd = exec.Command("systemctl", "restart", unit)
	}
	out, err := cmd.CombinedOutput()
	if err != nil {
		return fmt.Errorf("restart %s: %w: %s", unit, err, out)
	}
	log.Info("service restarted", "unit", unit)
	return nil
}
