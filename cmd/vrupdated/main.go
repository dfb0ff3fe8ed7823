package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/breeze-rmm/vrupdate/internal/delta"
	"github.com/breeze-rmm/vrupdate/internal/installer"
	"github.com/breeze-rmm/vrupdate/internal/logging"
	"github.com/breeze-rmm/vrupdate/internal/privilege"
	"github.com/breeze-rmm/vrupdate/internal/update"
	"github.com/breeze-rmm/vrupdate/internal/verify"
	"github.com/breeze-rmm/vrupdate/internal/websocket"
)

var log = logging.L("main")

var (
	version        = "0.1.0"
	cfgFile        string
	allowDowngrade bool
	preferDelta    bool
)

var rootCmd = &cobra.Command{
	Use:           "vrupdated",
	Short:         "VR headset update daemon",
	Long:          `vrupdated checks for, downloads, verifies and installs headset software updates, and rolls them back.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		return privilege.Check(cmd.Name())
	},
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the update scheduler and status server",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runDaemon()
	},
}

var checkCmd = &cobra.Command{
	Use:   "check",
	Short: "Check the update server for newer packages",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withManager(func(ctx context.Context, a *app) error {
			pkgs, err := a.mgr.CheckForUpdates(ctx)
			if err != nil {
				return err
			}
			fmt.Printf("Installed: %s\n", a.mgr.CurrentVersion())
			if len(pkgs) == 0 {
				fmt.Println("No updates available.")
				return nil
			}
			w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "VERSION\tSIZE\tRELEASED\tNOTES")
			for _, p := range pkgs {
				fmt.Fprintf(w, "%s\t%d\t%s\t%s\n", p.Version, p.Size, p.ReleaseDate.Format(time.DateOnly), p.Notes)
			}
			if d := a.mgr.AvailableDelta(); d != nil {
				fmt.Fprintf(w, "\ndelta %s -> %s\t%d\t%.0f%% smaller\t\n", d.BaseVersion, d.TargetVersion, d.DeltaSize, d.ReductionPercent)
			}
			return w.Flush()
		})
	},
}

var downloadCmd = &cobra.Command{
	Use:   "download <version|latest>",
	Short: "Download and verify a package without installing it",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withManager(func(ctx context.Context, a *app) error {
			pkgs, err := a.mgr.CheckForUpdates(ctx)
			if err != nil {
				return err
			}
			pkg, ok := pickPackage(pkgs, args[0])
			if !ok {
				return fmt.Errorf("version %s: %w", args[0], update.ErrNoUpdate)
			}
			if preferDelta {
				if d := a.mgr.AvailableDelta(); d != nil && d.TargetVersion == pkg.Version {
					path, err := a.mgr.DownloadDelta(ctx, *d)
					if err != nil {
						return err
					}
					fmt.Printf("Ready to apply: %s (vrupdated apply-delta %s)\n", path, path)
					return nil
				}
				fmt.Printf("No delta to %s from %s, downloading the full package\n", pkg.Version, a.mgr.CurrentVersion())
			}
			path, err := a.mgr.DownloadUpdate(ctx, pkg)
			if err != nil {
				return err
			}
			fmt.Printf("Ready to install: %s\n", path)
			return nil
		})
	},
}

var installCmd = &cobra.Command{
	Use:   "install <package>",
	Short: "Install a signed package",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withManager(func(ctx context.Context, a *app) error {
			var (
				info update.InstalledInfo
				err  error
			)
			if allowDowngrade {
				info, err = a.mgr.InstallUpdateAllowDowngrade(ctx, args[0])
			} else {
				info, err = a.mgr.InstallUpdate(ctx, args[0])
			}
			if err != nil {
				return err
			}
			printInstalled(info)
			return nil
		})
	},
}

var applyDeltaCmd = &cobra.Command{
	Use:   "apply-delta <file>",
	Short: "Apply a signed delta package to the installed version",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withManager(func(ctx context.Context, a *app) error {
			info, err := a.mgr.ApplyDeltaUpdate(ctx, args[0])
			if err != nil {
				return err
			}
			printInstalled(info)
			return nil
		})
	},
}

var rollbackCmd = &cobra.Command{
	Use:   "rollback [version]",
	Short: "Restore a backed-up version (default: the previous one)",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		target := ""
		if len(args) == 1 {
			target = args[0]
		}
		return withManager(func(ctx context.Context, a *app) error {
			from := a.mgr.CurrentVersion()
			if err := a.mgr.Rollback(ctx, target); err != nil {
				return err
			}
			fmt.Printf("Rolled back %s -> %s\n", from, a.mgr.CurrentVersion())
			return nil
		})
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the daemon's current update status",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		client := &http.Client{Timeout: 5 * time.Second}
		resp, err := client.Get("http://" + cfg.StatusListenAddr + "/status")
		if err != nil {
			fmt.Println("Daemon: not running")
			return withManager(func(ctx context.Context, a *app) error {
				fmt.Printf("Installed: %s\n", a.mgr.CurrentVersion())
				return nil
			})
		}
		defer resp.Body.Close()

		var body websocket.StatusResponse
		if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
			return fmt.Errorf("decode daemon status: %w", err)
		}
		st, at, err := update.UnmarshalStatus(body.Status)
		if err != nil {
			return err
		}
		fmt.Println("Daemon: running")
		fmt.Printf("Installed: %s\n", body.CurrentVersion)
		fmt.Printf("Status: %s (since %s)\n", st.State(), at.Local().Format(time.RFC3339))
		if detail, err := json.Marshal(st); err == nil && string(detail) != "{}" {
			fmt.Printf("Detail: %s\n", detail)
		}
		return nil
	},
}

var historyCmd = &cobra.Command{
	Use:   "history",
	Short: "Print the install history",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withManager(func(ctx context.Context, a *app) error {
			w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "INSTALLED\tVERSION\tPREVIOUS\tSOURCE\tID")
			for _, e := range a.mgr.History() {
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n",
					e.InstalledAt.Local().Format(time.RFC3339), e.Version, e.PreviousVersion, e.Source, e.ID)
			}
			if err := w.Flush(); err != nil {
				return err
			}
			fmt.Println()
			printRollbackTargets(os.Stdout, a.cfg.BackupDir)
			return nil
		})
	},
}

var makeDeltaCmd = &cobra.Command{
	Use:   "make-delta <base-package> <target-package> <out>",
	Short: "Build a delta package between two full packages",
	Args:  cobra.ExactArgs(3),
	RunE: func(cmd *cobra.Command, args []string) error {
		d, err := delta.Create(args[0], args[1], args[2])
		if err != nil {
			return err
		}
		fmt.Printf("Delta %s -> %s: %d bytes (%.1f%% smaller than %d)\n",
			d.BaseVersion, d.TargetVersion, d.DeltaSize, d.ReductionPercent, d.FullSize)
		return nil
	},
}

var signCmd = &cobra.Command{
	Use:   "sign <package> <private-key-file>",
	Short: "Write a detached Ed25519 signature next to a package",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		key, err := readPrivateKey(args[1])
		if err != nil {
			return err
		}
		if err := verify.SignFile(args[0], key); err != nil {
			return err
		}
		fmt.Printf("Signed %s\n", args[0])
		return nil
	},
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the version number",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("vrupdated v%s\n", version)
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is /etc/vrupdate/vrupdate.yaml)")
	downloadCmd.Flags().BoolVar(&preferDelta, "delta", false, "download a delta from the installed version when the server offers one")
	installCmd.Flags().BoolVar(&allowDowngrade, "allow-downgrade", false, "install even if the package is not newer than the installed version")

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(checkCmd)
	rootCmd.AddCommand(downloadCmd)
	rootCmd.AddCommand(installCmd)
	rootCmd.AddCommand(applyDeltaCmd)
	rootCmd.AddCommand(rollbackCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(historyCmd)
	rootCmd.AddCommand(makeDeltaCmd)
	rootCmd.AddCommand(signCmd)
	rootCmd.AddCommand(versionCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

// withManager runs fn against a manager without the scheduler, cancelled by
// SIGINT/SIGTERM.
func withManager(fn func(ctx context.Context, a *app) error) error {
	a, err := setup(false)
	if err != nil {
		return err
	}
	defer a.close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	return fn(ctx, a)
}

func pickPackage(pkgs []update.PackageInfo, want string) (update.PackageInfo, bool) {
	if len(pkgs) == 0 {
		return update.PackageInfo{}, false
	}
	if want == "latest" {
		return pkgs[0], true
	}
	for _, p := range pkgs {
		if p.Version == want {
			return p, true
		}
	}
	return update.PackageInfo{}, false
}

// printRollbackTargets lists the versions `rollback <version>` can restore,
// newest snapshot first.
func printRollbackTargets(w io.Writer, backupDir string) {
	versions := installer.Backups(backupDir)
	if len(versions) == 0 {
		fmt.Fprintln(w, "Rollback targets: none")
		return
	}
	fmt.Fprintf(w, "Rollback targets: %s\n", strings.Join(versions, ", "))
}

func printInstalled(info update.InstalledInfo) {
	fmt.Printf("Installed %s (previous %s, source %s)\n", info.Version, info.PreviousVersion, info.Source)
	if info.RequiresRestart {
		fmt.Println("A restart is required to use the new version.")
	}
}
