//go:build windows

package main

import (
	"fmt"
	"sync"

	"golang.org/x/sys/windows/svc"

	"github.com/breeze-rmm/vrupdate/internal/logging"
)

const serviceName = "VRUpdate"

// isWindowsService reports whether the process was started by the Windows
// Service Control Manager. Must be called before any console I/O.
func isWindowsService() bool {
	ok, err := svc.IsWindowsService()
	if err != nil {
		return false
	}
	return ok
}

func hasConsole() bool { return !isWindowsService() }

// updateService implements svc.Handler for the Windows SCM.
type updateService struct {
	startFn  func() (*daemon, error)
	stopOnce sync.Once
}

// runAsService runs the daemon under the Windows Service Control Manager.
// startFn is called once the SCM has accepted the service start.
func runAsService(startFn func() (*daemon, error)) error {
	return svc.Run(serviceName, &updateService{startFn: startFn})
}

// Execute signals SERVICE_RUNNING, starts the daemon, then blocks until the
// SCM sends Stop or Shutdown.
func (s *updateService) Execute(args []string, r <-chan svc.ChangeRequest, changes chan<- svc.Status) (bool, uint32) {
	const accepted = svc.AcceptStop | svc.AcceptShutdown

	changes <- svc.Status{State: svc.StartPending}

	d, err := s.startFn()
	if err != nil {
		log.Error("daemon start failed", logging.KeyError, err)
		changes <- svc.Status{State: svc.StopPending}
		return true, 1
	}

	changes <- svc.Status{State: svc.Running, Accepts: accepted}
	log.Info("running as Windows service")

	for cr := range r {
		switch cr.Cmd {
		case svc.Interrogate:
			changes <- cr.CurrentStatus
		case svc.Stop, svc.Shutdown:
			log.Info("SCM requested stop")
			changes <- svc.Status{State: svc.StopPending}
			s.stopOnce.Do(d.shutdown)
			return false, 0
		default:
			log.Warn(fmt.Sprintf("unexpected SCM control request #%d", cr.Cmd))
		}
	}
	s.stopOnce.Do(d.shutdown)
	return false, 0
}
