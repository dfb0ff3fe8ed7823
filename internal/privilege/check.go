// Package privilege decides which vrupdated commands need root or an
// elevated Windows token.
package privilege

import "fmt"

// elevatedCommands write the install or backup tree, or restart services.
var elevatedCommands = map[string]bool{
	"run":         true,
	"install":     true,
	"apply-delta": true,
	"rollback":    true,
}

// RequiresElevation returns true if the command needs root/admin privileges.
func RequiresElevation(command string) bool {
	return elevatedCommands[command]
}

// Check returns an error when command needs privileges the process lacks.
func Check(command string) error {
	return check(command, IsRunningAsRoot())
}

func check(command string, elevated bool) error {
	if RequiresElevation(command) && !elevated {
		return fmt.Errorf("%s must be run as root (or an elevated administrator on Windows)", command)
	}
	return nil
}
