//go:build windows

package updater

import (
	"fmt"
	"time"

	"golang.org/x/sys/windows/svc"
	"golang.org/x/sys/windows/svc/mgr"
)

const serviceStateTimeout = 30 * time.Second

// RestartService stops and starts the named Windows service.
func RestartService(unit string) error {
	if unit == "" {
		return fmt.Errorf("no service configured for restart")
	}
	m, err := mgr.Connect()
	if err != nil {
		return fmt.Errorf("connect to SCM: %w", err)
	}
	defer m.Disconnect()

	s, err := m.OpenService(unit)
	if err != nil {
		return fmt.Errorf("open service %s: %w", unit, err)
	}
	defer s.Close()

	if _, err := s.Control(svc.Stop); err != nil {
		return fmt.Errorf("stop %s: %w", unit, err)
	}
	if err := waitForState(s, svc.Stopped); err != nil {
		return err
	}
	if err := s.Start(); err != nil {
		return fmt.Errorf("start %s: %w", unit, err)
	}
	if err := waitForState(s, svc.Running); err != nil {
		return err
	}
	log.Info("service restarted", "unit", unit)
	return nil
}

func waitForState(s *mgr.Service, want svc.State) error {
	deadline := time.Now().Add(serviceStateTimeout)
	for {
		status, err := s.Query()
		if err != nil {
			return fmt.Errorf("query service: %w", err)
		}
		if status.State == want {
			return nil
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("timeout waiting for service state %d", want)
		}
		time.Sleep(300 * time.Millisecond)
	}
}
