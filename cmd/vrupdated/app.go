package main

import (
	"context"
	"crypto/ed25519"
	"crypto/x509"
	"encoding/base64"
	"encoding/hex"
	"encoding/pem"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/breeze-rmm/vrupdate/internal/audit"
	"github.com/breeze-rmm/vrupdate/internal/checker"
	"github.com/breeze-rmm/vrupdate/internal/config"
	"github.com/breeze-rmm/vrupdate/internal/delta"
	"github.com/breeze-rmm/vrupdate/internal/deps"
	"github.com/breeze-rmm/vrupdate/internal/download"
	"github.com/breeze-rmm/vrupdate/internal/download/providers"
	"github.com/breeze-rmm/vrupdate/internal/health"
	"github.com/breeze-rmm/vrupdate/internal/httputil"
	"github.com/breeze-rmm/vrupdate/internal/installer"
	"github.com/breeze-rmm/vrupdate/internal/logging"
	"github.com/breeze-rmm/vrupdate/internal/pkgfile"
	"github.com/breeze-rmm/vrupdate/internal/updater"
	"github.com/breeze-rmm/vrupdate/internal/verify"
	"github.com/breeze-rmm/vrupdate/internal/websocket"
)

// app is a fully wired manager and the resources it owns.
type app struct {
	cfg     *config.Config
	mgr     *updater.Manager
	journal *audit.Journal
	health  *health.Monitor
	logFile io.Closer
}

func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	result := cfg.ValidateTiered()
	for _, w := range result.Warnings {
		log.Warn("config validation", logging.KeyError, w)
	}
	if result.HasFatals() {
		return nil, fmt.Errorf("invalid config: %w", errors.Join(result.Fatals...))
	}
	return cfg, nil
}

// setup loads config, initializes logging and wires every collaborator
// into a manager. Daemon logs go to the configured file (and the console
// when there is one); command logs go to stderr.
func setup(daemon bool) (*app, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	a := &app{cfg: cfg}

	var out io.Writer = os.Stderr
	if cfg.LogFile != "" {
		fw, err := logging.NewFileWriter(cfg.LogFile, cfg.LogMaxSizeMB, cfg.LogMaxBackups)
		if err != nil {
			return nil, fmt.Errorf("open log file: %w", err)
		}
		a.logFile = fw
		out = fw
		if !daemon || hasConsole() {
			out = io.MultiWriter(os.Stderr, fw)
		}
	}
	logging.Init(cfg.LogFormat, cfg.LogLevel, out)

	ucfg, err := cfg.UpdateConfig()
	if err != nil {
		a.close()
		return nil, err
	}

	retry := httputil.DefaultRetryConfig()
	retry.MaxRetries = ucfg.MaxRetries
	if ucfg.RetryInitialDelay > 0 {
		retry.InitialDelay = ucfg.RetryInitialDelay
	}

	inst := installer.New(ucfg.RollbackHistory)
	a.health = health.NewMonitor(health.DefaultUnhealthyAfter)
	d := updater.Deps{
		Checker: checker.New(
			checker.WithRetry(retry),
			checker.WithChannel(ucfg.Channel),
			checker.WithDeviceModel(ucfg.DeviceModel),
		),
		Downloader: download.New(providers.NewRegistry(cfg.Credentials(), nil), retry),
		Verifier:   verify.Ed25519{},
		Resolver:   deps.Resolver{},
		Delta:      delta.NewEngine(inst, nil, retry),
		Installer:  inst,
		Metadata:   pkgfile.Reader{},
		System:     deps.Probe{Path: ucfg.InstallDir, DeviceModel: ucfg.DeviceModel},
		Health:     a.health,
	}

	if cfg.AuditLog != "" {
		j, err := audit.NewJournal(cfg.AuditLog, cfg.LogMaxSizeMB, cfg.LogMaxBackups)
		if err != nil {
			log.Warn("audit journal unavailable, continuing without it", logging.KeyError, err)
		} else {
			a.journal = j
			d.Journal = j
		}
	}
	if daemon && cfg.RestartUnit != "" {
		unit := cfg.RestartUnit
		d.Restart = func() error { return updater.RestartService(unit) }
	}

	a.mgr, err = updater.New(ucfg, d)
	if err != nil {
		a.close()
		return nil, err
	}
	return a, nil
}

func (a *app) close() {
	if a.mgr != nil {
		if err := a.mgr.Close(); err != nil {
			log.Warn("manager close", logging.KeyError, err)
		}
	}
	if a.journal != nil {
		a.journal.Close()
	}
	if a.logFile != nil {
		a.logFile.Close()
	}
}

// daemon is the running scheduler plus status server.
type daemon struct {
	app       *app
	cancel    context.CancelFunc
	serveDone chan error
}

func startDaemon() (*daemon, error) {
	a, err := setup(true)
	if err != nil {
		return nil, err
	}
	log.Info("starting vrupdated", "version", version, "server", a.cfg.ServerURL,
		logging.KeyVersion, a.mgr.CurrentVersion())
	if a.journal != nil {
		a.journal.Log(audit.EventDaemonStart, "", map[string]any{"version": version, "installed": a.mgr.CurrentVersion()})
	}

	ctx, cancel := context.WithCancel(context.Background())
	d := &daemon{app: a, cancel: cancel, serveDone: make(chan error, 1)}

	if a.cfg.StatusListenAddr != "" {
		srv := websocket.NewServer(a.mgr, a.health, websocket.Config{
			Addr:       a.cfg.StatusListenAddr,
			MaxClients: a.cfg.StatusMaxClients,
		})
		go func() { d.serveDone <- srv.ListenAndServe(ctx) }()
	} else {
		d.serveDone <- nil
	}

	if err := a.mgr.Start(); err != nil {
		d.shutdown()
		return nil, err
	}
	return d, nil
}

func (d *daemon) shutdown() {
	log.Info("shutting down vrupdated")
	if err := d.app.mgr.Stop(); err != nil {
		log.Warn("scheduler stop", logging.KeyError, err)
	}
	d.cancel()
	if err := <-d.serveDone; err != nil {
		log.Warn("status server", logging.KeyError, err)
	}
	if d.app.journal != nil {
		d.app.journal.Log(audit.EventDaemonStop, "", nil)
	}
	d.app.close()
}

func runDaemon() error {
	if isWindowsService() {
		return runAsService(startDaemon)
	}

	d, err := startDaemon()
	if err != nil {
		return err
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigChan
	log.Info("received signal", "signal", sig.String())
	d.shutdown()
	return nil
}

// readPrivateKey accepts a PEM PKCS#8 key, or the base64 or hex encoding of
// a 32-byte seed or 64-byte private key.
func readPrivateKey(path string) (ed25519.PrivateKey, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	text := strings.TrimSpace(string(data))
	if block, _ := pem.Decode([]byte(text)); block != nil {
		k, err := x509.ParsePKCS8PrivateKey(block.Bytes)
		if err != nil {
			return nil, fmt.Errorf("parse PEM private key: %w", err)
		}
		key, ok := k.(ed25519.PrivateKey)
		if !ok {
			return nil, fmt.Errorf("PEM private key is %T, want ed25519", k)
		}
		return key, nil
	}

	raw, err := hex.DecodeString(text)
	if err != nil {
		if raw, err = base64.StdEncoding.DecodeString(text); err != nil {
			return nil, errors.New("unrecognized private key encoding")
		}
	}
	switch len(raw) {
	case ed25519.SeedSize:
		return ed25519.NewKeyFromSeed(raw), nil
	case ed25519.PrivateKeySize:
		return ed25519.PrivateKey(raw), nil
	}
	return nil, fmt.Errorf("private key is %d bytes, want %d or %d", len(raw), ed25519.SeedSize, ed25519.PrivateKeySize)
}
