package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/loykin/scripthost"
	"github.com/loykin/scripthost/internal/logger"
)

func main() {
	root := buildRoot(os.Stdout)
	if err := root.Execute(); err != nil {
		_, _ = fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// buildRoot creates the root command with every subcommand attached.
func buildRoot(out io.Writer) *cobra.Command {
	globalFlags := &GlobalFlags{}
	c := command{out: out}

	root := createRootCommand(globalFlags)
	root.SetOut(out)
	root.AddCommand(
		createServeCommand(globalFlags),
		createTenantCommand("start", "Start the tenant's script", c.Start),
		createTenantCommand("stop", "Stop the tenant's script", c.Stop),
		createTenantCommand("status", "Show whether the tenant's script is running", c.Status),
		createTenantCommand("logs", "Print the tenant's session log", c.Logs),
		createTenantCommand("errors", "Print the error lines of the tenant's session log", c.Errors),
		createTenantCommand("usage", "Show host resources and the tenant's storage", c.Usage),
		createTenantCommand("entry", "Show which file start would run", c.Entry),
		createUploadCommand(c),
		createFilesCommand(c),
		createLibsCommand(c),
	)
	return root
}

func createRootCommand(flags *GlobalFlags) *cobra.Command {
	root := &cobra.Command{
		Use:   "scripthost",
		Short: "Per-tenant script hosting daemon and client",
		Long: `scripthost runs user-supplied scripts, one live process per tenant,
with persistent classified logs and plan expiry enforcement.

Examples:
  scripthost serve config.toml                  # Start daemon
  scripthost upload --tenant=42 --file=bot.zip
  scripthost start --tenant=42
  scripthost logs --tenant=42 --api-url=http://remote:8080/api`,
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVar(&flags.ConfigPath, "config", "", "path to TOML config file (serve)")
	return root
}

func addTenantFlags(cmd *cobra.Command, f *TenantFlags) {
	cmd.Flags().StringVar(&f.TenantID, "tenant", "", "tenant id (required)")
	cmd.Flags().StringVar(&f.APIUrl, "api-url", "", "daemon URL (default "+defaultAPIUrl+")")
	cmd.Flags().DurationVar(&f.APITimeout, "api-timeout", 30*time.Second, "request timeout")
	if err := cmd.MarkFlagRequired("tenant"); err != nil {
		panic(err) // only fails for an unknown flag name
	}
}

func createTenantCommand(use, short string, run func(context.Context, TenantFlags) error) *cobra.Command {
	f := &TenantFlags{}
	cmd := &cobra.Command{
		Use:   use,
		Short: short,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd.Context(), *f)
		},
	}
	addTenantFlags(cmd, f)
	return cmd
}

func createUploadCommand(c command) *cobra.Command {
	f := &UploadFlags{}
	cmd := &cobra.Command{
		Use:   "upload",
		Short: "Replace the tenant workspace with a zip archive or directory",
		Long: `Upload a zip archive (or a directory, zipped on the fly) as the tenant's
workspace. A single top-level folder inside the archive is stripped.

Examples:
  scripthost upload --tenant=42 --file=bot.zip
  scripthost upload --tenant=42 --file=./mybot`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.Upload(cmd.Context(), *f)
		},
	}
	addTenantFlags(cmd, &f.TenantFlags)
	cmd.Flags().StringVar(&f.Path, "file", "", "zip archive or directory")
	return cmd
}

func createFilesCommand(c command) *cobra.Command {
	f := &FilesFlags{}
	cmd := &cobra.Command{
		Use:   "files",
		Short: "List, download or delete the tenant workspace",
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.Files(cmd.Context(), *f)
		},
	}
	addTenantFlags(cmd, &f.TenantFlags)
	cmd.Flags().BoolVar(&f.Delete, "delete", false, "delete the workspace")
	cmd.Flags().StringVar(&f.Download, "download", "", "write the workspace as zip to this path")
	cmd.MarkFlagsMutuallyExclusive("delete", "download")
	return cmd
}

func createLibsCommand(c command) *cobra.Command {
	f := &LibsFlags{}
	cmd := &cobra.Command{
		Use:   "libs",
		Short: "List, install or uninstall the tenant's Python packages",
		Long: `Manage packages with the tenant interpreter's pip. Without an action flag
the recorded packages are listed.

Examples:
  scripthost libs --tenant=42 --install=requests==2.31.0
  scripthost libs --tenant=42 --requirements
  scripthost libs --tenant=42 --uninstall=requests`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.Libs(cmd.Context(), *f)
		},
	}
	addTenantFlags(cmd, &f.TenantFlags)
	cmd.Flags().StringVar(&f.Install, "install", "", "requirement specifier to install")
	cmd.Flags().BoolVar(&f.Requirements, "requirements", false, "install the workspace requirements.txt")
	cmd.Flags().StringVar(&f.Uninstall, "uninstall", "", "package to uninstall")
	cmd.MarkFlagsMutuallyExclusive("install", "requirements", "uninstall")
	return cmd
}

func createServeCommand(globalFlags *GlobalFlags) *cobra.Command {
	serveFlags := &ServeFlags{}
	cmd := &cobra.Command{
		Use:   "serve [config.toml]",
		Short: "Start the scripthost daemon",
		Long: `Start the daemon: HTTP API, expiry reaper and the script runner.
All configuration is loaded from the TOML file and SCRIPTHOST_* variables.

Examples:
  scripthost serve config.toml
  scripthost serve --config=config.toml --daemonize --pidfile=/run/scripthost.pid`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			serveFlags.ConfigPath = globalFlags.ConfigPath
			return runServe(cmd.Context(), serveFlags, args)
		},
	}
	cmd.Flags().BoolVar(&serveFlags.Daemonize, "daemonize", false, "run as daemon in background")
	cmd.Flags().StringVar(&serveFlags.PidFile, "pidfile", "", "write the daemon PID to this file")
	cmd.Flags().StringVar(&serveFlags.LogFile, "logfile", "", "redirect daemon output to file")
	return cmd
}

func runServe(ctx context.Context, flags *ServeFlags, args []string) error {
	configPath := flags.ConfigPath
	if len(args) > 0 {
		configPath = args[0]
	}
	if configPath == "" {
		return fmt.Errorf("config file required for serve command. Use --config=config.toml or provide as argument")
	}

	cfg, err := scripthost.LoadConfig(configPath)
	if err != nil {
		return fmt.Errorf("error loading config: %w", err)
	}

	if flags.Daemonize {
		return daemonize(flags.PidFile, flags.LogFile)
	}
	if flags.PidFile != "" {
		if err := writePidFile(flags.PidFile, os.Getpid()); err != nil {
			return fmt.Errorf("write pid file: %w", err)
		}
		defer func() { _ = removePidFile(flags.PidFile) }()
	}

	closer, err := logger.Setup(cfg.Log)
	if err != nil {
		return err
	}
	defer func() { _ = closer.Close() }()

	host, err := scripthost.NewHost(cfg)
	if err != nil {
		slog.Error("daemon startup failed", "error", err)
		return err
	}
	defer func() { _ = host.Close() }()

	if ctx == nil {
		ctx = context.Background()
	}
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	slog.Info("starting scripthost", "listen", cfg.Server.Listen, "base_path", cfg.Server.BasePath)
	err = host.Run(ctx)
	slog.Info("scripthost stopped")
	return err
}
