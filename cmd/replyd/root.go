package main

import (
	"fmt"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	flag "github.com/spf13/pflag"

	"replyd/internal/app"
	"replyd/internal/shared/config"
	"replyd/internal/shared/logger"
	"replyd/internal/shared/types"
)

// ServeFlags are the command line overrides for the ini configuration.
type ServeFlags struct {
	ConfigPath   string
	Address      string
	Port         int
	Response     string
	LogLevel     string
	LogFormat    string
	Workers      int
	MonitorPort  int
	MaxSessions  int
	AcceptErrors string
}

// SetServeFlags registers the serve flags on flags.
func SetServeFlags(flags *flag.FlagSet) *ServeFlags {
	f := &ServeFlags{}
	flags.StringVarP(&f.ConfigPath, "config", "c", "", "Path to the ini config file")
	flags.StringVar(&f.Address, "address", "", "Bind address")
	flags.IntVarP(&f.Port, "port", "p", 0, "Bind port, 0 picks a free port")
	flags.StringVar(&f.Response, "response", "", "Fixed response payload")
	flags.StringVar(&f.LogLevel, "log-level", "", "Log level: trace, debug, info, warn, error")
	flags.StringVar(&f.LogFormat, "log-format", "", "Log format: console or json")
	flags.IntVar(&f.Workers, "workers", 0, "Worker thread count (GOMAXPROCS)")
	flags.IntVar(&f.MonitorPort, "monitor-port", 0, "Monitor HTTP port, 0 disables")
	flags.IntVar(&f.MaxSessions, "max-sessions", 0, "Concurrent session cap, 0 means no limit")
	flags.StringVar(&f.AcceptErrors, "accept-errors", "", "Accept error policy: stop or continue")
	return f
}

// NewRootCmd returns the replyd command. Without a subcommand it serves.
func NewRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:           "replyd",
		Short:         "Fixed-reply TCP server",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	serveFlags := SetServeFlags(rootCmd.Flags())
	rootCmd.RunE = func(cmd *cobra.Command, args []string) error {
		return runServe(cmd, serveFlags)
	}

	rootCmd.AddCommand(NewServeCmd())
	rootCmd.AddCommand(NewProbeCmd())
	return rootCmd
}

// NewServeCmd returns the serve subcommand.
func NewServeCmd() *cobra.Command {
	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the server until SIGINT or SIGTERM",
		Args:  cobra.NoArgs,
	}
	serveFlags := SetServeFlags(serveCmd.Flags())
	serveCmd.RunE = func(cmd *cobra.Command, args []string) error {
		return runServe(cmd, serveFlags)
	}
	return serveCmd
}

func runServe(cmd *cobra.Command, f *ServeFlags) error {
	cfg, err := BuildConfig(cmd.Flags(), f)
	if err != nil {
		return err
	}
	if err := logger.Init(cfg.LogConf); err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	return app.New(cfg).Run(ctx)
}

// BuildConfig resolves defaults, the ini file, the environment and the
// explicitly set flags, in that order.
func BuildConfig(flags *flag.FlagSet, f *ServeFlags) (*types.Config, error) {
	cfg := config.Default()
	if err := config.LoadIni(cfg, f.ConfigPath); err != nil {
		return nil, fmt.Errorf("failed to load config file '%s': %w", f.ConfigPath, err)
	}

	if flags.Changed("address") {
		cfg.ServerConf.Address = f.Address
	}
	if flags.Changed("port") {
		cfg.ServerConf.Port = f.Port
	}
	if flags.Changed("response") {
		cfg.ServerConf.Response = f.Response
	}
	if flags.Changed("log-level") {
		cfg.LogConf.Level = f.LogLevel
	}
	if flags.Changed("log-format") {
		cfg.LogConf.Format = f.LogFormat
	}
	if flags.Changed("workers") {
		cfg.RuntimeConf.WorkerThreads = f.Workers
	}
	if flags.Changed("monitor-port") {
		cfg.MonitorConf.Port = f.MonitorPort
	}
	if flags.Changed("max-sessions") {
		cfg.ServerConf.MaxSessions = f.MaxSessions
	}
	if flags.Changed("accept-errors") {
		cfg.ServerConf.AcceptErrorPolicy = f.AcceptErrors
	}

	if err := config.Validate(cfg); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}
