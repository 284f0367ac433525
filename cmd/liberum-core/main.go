// Command liberum-core runs the Liberum Neto daemon: it hosts the virtual
// nodes, the shared object store, and the control socket the CLI and GUI
// talk to.
package main

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"os/signal"
	"path/filepath"
	"strconv"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"pkt.systems/pslog"

	liberum "github.com/liberum-neto/liberum"
)

const detachedEnv = "LIBERUM_CORE_DETACHED"

func main() {
	os.Exit(submain(context.Background()))
}

func submain(ctx context.Context) int {
	logger := pslog.LoggerFromEnv(
		pslog.WithEnvPrefix("LIBERUM_LOG_"),
		pslog.WithEnvOptions(pslog.Options{Mode: pslog.ModeStructured, MinLevel: pslog.InfoLevel}),
		pslog.WithEnvWriter(os.Stderr),
	).With("app", "liberum-core")

	cmd := newRootCommand(logger)
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	if err := cmd.ExecuteContext(ctx); err != nil {
		if err != context.Canceled {
			fmt.Fprintf(os.Stderr, "%s\n", err)
		}
		return 1
	}
	return 0
}

func newRootCommand(logger pslog.Logger) *cobra.Command {
	v := viper.New()
	v.SetEnvPrefix("LIBERUM")
	v.AutomaticEnv()

	cmd := &cobra.Command{
		Use:           "liberum-core",
		Short:         "Liberum Neto peer-to-peer content distribution daemon",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := liberum.Config{
				DataDir:    v.GetString("data-dir"),
				SocketPath: v.GetString("socket"),
			}
			if v.GetBool("daemon") && os.Getenv(detachedEnv) == "" {
				return detach(cfg)
			}
			return runForeground(cmd.Context(), cfg, logger)
		},
	}

	flags := cmd.Flags()
	flags.String("data-dir", "", "data directory (default $HOME/.liberum-neto)")
	flags.String("socket", "", "control socket path (default /tmp/liberum-core/core.sock)")
	flags.Bool("daemon", false, "detach and run in the background")
	for _, name := range []string{"data-dir", "socket", "daemon"} {
		if err := v.BindPFlag(name, flags.Lookup(name)); err != nil {
			panic(err)
		}
	}
	return cmd
}

func runForeground(ctx context.Context, cfg liberum.Config, logger pslog.Logger) error {
	d, err := liberum.NewDaemon(cfg, liberum.WithLogger(logger))
	if err != nil {
		return err
	}
	if err := writePidFile(); err != nil {
		logger.Warn("pid file not written", "error", err)
	}
	logger.Info("daemon starting", "pid", os.Getpid())
	return d.Serve(ctx)
}

// detach re-executes the daemon in the background with its output redirected
// into the runtime directory.
func detach(cfg liberum.Config) error {
	if err := os.MkdirAll(liberum.DefaultRuntimeDir, 0o755); err != nil {
		return fmt.Errorf("prepare runtime directory: %w", err)
	}
	stdout, err := os.OpenFile(filepath.Join(liberum.DefaultRuntimeDir, "stdout.out"),
		os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return err
	}
	defer stdout.Close()
	stderr, err := os.OpenFile(filepath.Join(liberum.DefaultRuntimeDir, "stderr.err"),
		os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return err
	}
	defer stderr.Close()

	child := exec.Command(os.Args[0], os.Args[1:]...)
	child.Env = append(os.Environ(), detachedEnv+"=1")
	child.Stdout = stdout
	child.Stderr = stderr
	child.SysProcAttr = &syscall.SysProcAttr{Setsid: true}
	if err := child.Start(); err != nil {
		return fmt.Errorf("start background daemon: %w", err)
	}
	fmt.Printf("liberum-core started, pid %d\n", child.Process.Pid)
	return nil
}

func writePidFile() error {
	if err := os.MkdirAll(liberum.DefaultRuntimeDir, 0o755); err != nil {
		return err
	}
	path := filepath.Join(liberum.DefaultRuntimeDir, liberum.DefaultPidFileName)
	return os.WriteFile(path, []byte(strconv.Itoa(os.Getpid())), 0o644)
}
