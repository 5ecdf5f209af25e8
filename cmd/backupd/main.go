// Command backupd runs the NAS backup daemon: it loads configuration, seeds
// the state store, and runs the NAS monitor and backup scheduler until
// interrupted. It replaces the teacher's systray-driven main.go: the tray UI
// is an external collaborator's concern, out of scope here (see SPEC_FULL.md).
package main

import (
	"context"
	"fmt"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/Naoki-ibaragi/image-backup/internal/config"
	"github.com/Naoki-ibaragi/image-backup/internal/eventbus"
	"github.com/Naoki-ibaragi/image-backup/internal/executor"
	"github.com/Naoki-ibaragi/image-backup/internal/logging"
	"github.com/Naoki-ibaragi/image-backup/internal/monitor"
	"github.com/Naoki-ibaragi/image-backup/internal/scheduler"
	"github.com/Naoki-ibaragi/image-backup/internal/store"
)

func main() {
	var configPath string
	var logDir string
	var retentionDays int
	var once bool

	root := &cobra.Command{
		Use:   "backupd",
		Short: "Rotating NAS backup daemon for inspection-machine images",
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd.Context(), configPath, logDir, retentionDays, once)
		},
	}

	root.Flags().StringVar(&configPath, "config", "config.json", "path to the configuration document")
	root.Flags().StringVar(&logDir, "log-dir", "logs", "directory for per-component rotating log files")
	root.Flags().IntVar(&retentionDays, "log-retention-days", 30, "days of log files to retain (0 disables cleanup)")
	root.Flags().BoolVar(&once, "once", false, "run a single backup attempt immediately and exit, instead of serving the daemon loop")

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := root.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(ctx context.Context, configPath, logDir string, retentionDays int, once bool) error {
	logging.Init(logging.Config{Level: 0})
	sysLog, err := logging.WithComponent("system", logDir, retentionDays)
	if err != nil {
		return fmt.Errorf("init system logger: %w", err)
	}

	doc, err := config.Load(configPath)
	if err != nil {
		if !os.IsNotExist(err) {
			return fmt.Errorf("load config: %w", err)
		}
		sysLog.Warn().Str("path", configPath).Msg("config not found, writing default")
		doc = config.Default()
		if err := config.Save(configPath, doc); err != nil {
			return fmt.Errorf("write default config: %w", err)
		}
	}

	st := store.New(doc.NAS, doc.Machines, doc.Settings)
	bus := eventbus.NewBroker()

	monitorLog, err := logging.WithComponent("monitor", logDir, retentionDays)
	if err != nil {
		return fmt.Errorf("init monitor logger: %w", err)
	}
	executorLog, err := logging.WithComponent("executor", logDir, retentionDays)
	if err != nil {
		return fmt.Errorf("init executor logger: %w", err)
	}
	schedulerLog, err := logging.WithComponent("scheduler", logDir, retentionDays)
	if err != nil {
		return fmt.Errorf("init scheduler logger: %w", err)
	}

	mon := monitor.New(st, bus, monitorLog)
	reachable := func(ip string) bool {
		conn, err := net.DialTimeout("tcp", net.JoinHostPort(ip, "445"), time.Second)
		if err != nil {
			return false
		}
		_ = conn.Close()
		return true
	}
	exec := executor.New(bus, executorLog, reachable)
	sched := scheduler.New(st, bus, exec, schedulerLog)

	if once {
		mon.Once(ctx)

		if !st.TryBeginRun() {
			return fmt.Errorf("a backup run was already in progress")
		}
		result := exec.Run(ctx, "manual", st.SnapshotMachines(), st.SnapshotNAS(), st.SnapshotSettings(), st.LastBackupNAS())
		st.EndRun(result.Success, time.Now().Format(scheduler.DateFormat), result.LastNASID)

		sysLog.Info().Bool("success", result.Success).Int64("copied_files", result.CopiedFiles).Msg("one-shot run finished")
		if !result.Success {
			return fmt.Errorf("backup run failed: %v", result.Errors)
		}
		return nil
	}

	go mon.Run(ctx)
	go sched.Run(ctx)

	sysLog.Info().Msg("backupd started")
	<-ctx.Done()
	sysLog.Info().Msg("backupd shutting down")
	return nil
}
