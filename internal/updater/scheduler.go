package updater

import (
	"context"
	"errors"
	"time"

	"gopkg.in/tomb.v2"

	"github.com/breeze-rmm/vrupdate/internal/logging"
	"github.com/breeze-rmm/vrupdate/internal/update"
	"github.com/breeze-rmm/vrupdate/internal/workerpool"
)

// drainTimeout bounds how long Stop waits for a running cycle. Installs
// ignore cancellation once the live tree is touched, so this is generous.
const drainTimeout = 2 * time.Minute

var ErrSchedulerRunning = errors.New("scheduler already running")

// scheduler wakes every tick and submits a pipeline cycle when one is due.
// The pool has one worker and a queue of one; a tick that finds work in
// flight does nothing.
type scheduler struct {
	m    *Manager
	t    tomb.Tomb
	pool *workerpool.Pool
}

// Start launches the background scheduler.
func (m *Manager) Start() error {
	m.schedMu.Lock()
	defer m.schedMu.Unlock()
	if m.sched != nil {
		return ErrSchedulerRunning
	}

	s := &scheduler{m: m, pool: workerpool.New(1, 1)}
	s.t.Go(s.loop)
	m.sched = s
	log.Info("scheduler started",
		"checkInterval", m.cfg.CheckInterval.String(),
		"tick", m.cfg.TickInterval.String(),
		"autoDownload", m.cfg.AutoDownload,
		"autoInstall", m.cfg.AutoInstall)
	return nil
}

// Stop halts the scheduler. A cycle that is downloading is cancelled; one
// that is installing runs to its terminal status first.
func (m *Manager) Stop() error {
	m.schedMu.Lock()
	s := m.sched
	m.sched = nil
	m.schedMu.Unlock()
	if s == nil {
		return nil
	}

	s.t.Kill(nil)
	err := s.t.Wait()

	ctx, cancel := context.WithTimeout(context.Background(), drainTimeout)
	defer cancel()
	s.pool.Shutdown(ctx)
	log.Info("scheduler stopped")
	return err
}

func (s *scheduler) loop() error {
	ticker := time.NewTicker(s.m.cfg.TickInterval)
	defer ticker.Stop()

	s.tick()
	for {
		select {
		case <-s.t.Dying():
			return nil
		case <-ticker.C:
			s.tick()
		}
	}
}

func (s *scheduler) tick() {
	if !s.m.shouldCheck() || s.pool.InFlight() > 0 {
		return
	}
	s.pool.Submit(func(poolCtx context.Context) {
		s.m.runCycle(s.t.Context(poolCtx))
	})
}

// shouldCheck is true once the check interval has elapsed since the last
// successful check, or once the retry delay after a failed cycle has.
// Coarse polling against wall time tolerates suspend and clock jumps.
func (m *Manager) shouldCheck() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	now := m.now()
	if !m.retryAt.IsZero() {
		return !now.Before(m.retryAt)
	}
	return m.lastCheck.IsZero() || now.Sub(m.lastCheck) > m.cfg.CheckInterval
}

// runCycle runs one scheduled pipeline. A manual operation in progress
// means the cycle is skipped.
func (m *Manager) runCycle(ctx context.Context) {
	o, err := m.begin("scheduled-update")
	if err != nil {
		log.Debug("update operation in progress, skipping scheduled cycle")
		return
	}
	defer o.end()

	deltaFailed, err := m.pipeline(ctx, o)
	retrySoon := deltaFailed || (err != nil && update.IsTransient(err))

	m.mu.Lock()
	if retrySoon {
		m.retryAt = m.now().Add(m.cfg.FailureRetryDelay)
	} else {
		m.retryAt = time.Time{}
	}
	m.mu.Unlock()

	if err != nil {
		o.log.Warn("scheduled update cycle failed", "retrySoon", retrySoon, logging.KeyError, err)
	}
}

// pipeline is check, then delta or full download, then verify, dependency
// check and install, each gated by configuration. deltaFailed reports a
// delta that was abandoned so the next cycle uses the full package.
func (m *Manager) pipeline(ctx context.Context, o *operation) (deltaFailed bool, err error) {
	pkgs, err := m.check(ctx, o)
	if err != nil || len(pkgs) == 0 || !m.cfg.AutoDownload {
		return false, err
	}

	var info update.InstalledInfo
	if d := m.AvailableDelta(); d != nil {
		path, err := m.download(ctx, o, d.AsPackage(m.productName(pkgs[0].Name)))
		if err != nil {
			if !update.IsTransient(err) {
				m.markDeltaFailed(d.TargetVersion)
				return true, err
			}
			return false, err
		}
		if !m.cfg.AutoInstall {
			return false, nil
		}
		if info, err = m.applyDelta(ctx, o, path); err != nil {
			return m.deltaAbandoned(d.TargetVersion), err
		}
	} else {
		path, err := m.download(ctx, o, pkgs[0])
		if err != nil || !m.cfg.AutoInstall {
			return false, err
		}
		if info, err = m.install(ctx, o, path, false); err != nil {
			return false, err
		}
	}

	if info.RequiresRestart && m.deps.Restart != nil {
		o.log.Info("restarting runtime after update", logging.KeyVersion, info.Version)
		if err := m.deps.Restart(); err != nil {
			o.log.Error("restart after update failed", logging.KeyError, err)
		}
	}
	return false, nil
}

func (m *Manager) deltaAbandoned(target string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.failedDeltas[target]
}
