package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/cinience/crew-connect/internal/capability"
	"github.com/cinience/crew-connect/internal/config"
	"github.com/cinience/crew-connect/internal/console"
	"github.com/cinience/crew-connect/internal/hostsim"
	"github.com/cinience/crew-connect/internal/logging"
	"github.com/cinience/crew-connect/internal/pipeline"
	"github.com/cinience/crew-connect/internal/server"
)

var version = "dev"

func main() {
	_ = godotenv.Load()
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		stop()
		os.Exit(1)
	}
}

type cliOptions struct {
	configPath      string
	name            string
	logLevel        string
	logFormat       string
	logFile         string
	maxLineBytes    int
	shutdownTimeout time.Duration
	stopOnShutdown  bool
}

func newRootCmd() *cobra.Command {
	opts := &cliOptions{
		stopOnShutdown:  true,
		maxLineBytes:    config.DefaultMaxLineBytes,
		shutdownTimeout: config.DefaultShutdownTimeout,
	}

	rootCmd := &cobra.Command{
		Use:           "crew-connect",
		Short:         "Editor task worker",
		Long:          "Line-delimited JSON worker that runs staged crew pipelines for an editor host over stdin/stdout.",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd, *opts)
		},
	}

	rootCmd.PersistentFlags().StringVar(&opts.configPath, "config", "", "Config file (default crew-connect.yaml, or $CREW_CONNECT_CONFIG)")
	rootCmd.PersistentFlags().StringVar(&opts.name, "name", "", "Worker name reported in status_update")
	rootCmd.PersistentFlags().StringVar(&opts.logLevel, "log-level", "", "Log level: debug|info|warn|error")
	rootCmd.PersistentFlags().StringVar(&opts.logFormat, "log-format", "", "Log format: text|json")
	rootCmd.PersistentFlags().StringVar(&opts.logFile, "log-file", "", "Write logs to this file instead of stderr")
	rootCmd.PersistentFlags().IntVar(&opts.maxLineBytes, "max-line-bytes", config.DefaultMaxLineBytes, "Longest accepted input line")
	rootCmd.PersistentFlags().DurationVar(&opts.shutdownTimeout, "shutdown-timeout", config.DefaultShutdownTimeout, "How long shutdown waits for running pipelines")
	rootCmd.PersistentFlags().BoolVar(&opts.stopOnShutdown, "stop-on-shutdown", true, "Mark live tasks stopped when shutdown is requested")

	rootCmd.AddCommand(newServeCmd(opts))
	rootCmd.AddCommand(newConsoleCmd(opts))
	rootCmd.AddCommand(newConfigCmd(opts))
	rootCmd.AddCommand(newCapabilitiesCmd())

	return rootCmd
}

func newServeCmd(opts *cliOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Serve the worker protocol on stdin/stdout (default)",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd, *opts)
		},
	}
}

func newConsoleCmd(opts *cliOptions) *cobra.Command {
	var (
		modelBacked bool
		model       string
		history     string
	)
	cmd := &cobra.Command{
		Use:   "console",
		Short: "Drive an in-process worker from an interactive prompt",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := resolveConfig(cmd, *opts)
			if err != nil {
				return err
			}
			if flagChanged(cmd, "model-backed") {
				cfg.Console.ModelBacked = modelBacked
			}
			if flagChanged(cmd, "model") {
				cfg.Console.Model = model
			}
			if flagChanged(cmd, "history") {
				cfg.Console.HistoryFile = history
			}
			return runConsole(cmd.Context(), cfg)
		},
	}
	cmd.Flags().BoolVar(&modelBacked, "model-backed", false, "Answer llm_request with a real model (needs DASHSCOPE_API_KEY)")
	cmd.Flags().StringVar(&model, "model", "", "Model name for --model-backed")
	cmd.Flags().StringVar(&history, "history", "", "Readline history file")
	return cmd
}

func newConfigCmd(opts *cliOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "config",
		Short: "Print the effective config",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := resolveConfig(cmd, *opts)
			if err != nil {
				return err
			}
			printEffectiveConfig(cmd.OutOrStdout(), cfg)
			return nil
		},
	}
}

func newCapabilitiesCmd() *cobra.Command {
	var jsonOutput bool
	cmd := &cobra.Command{
		Use:   "capabilities",
		Short: "List host capabilities and pipeline stages",
		RunE: func(cmd *cobra.Command, args []string) error {
			out := cmd.OutOrStdout()
			stages := pipeline.DefaultStages()
			if jsonOutput {
				return json.NewEncoder(out).Encode(map[string]any{
					"capabilities": capability.Catalog(),
					"stages":       stages,
				})
			}
			fmt.Fprintln(out, "Capabilities:")
			for _, d := range capability.Catalog() {
				fmt.Fprintf(out, "- %s (%s): %s\n", d.Name, d.Method, d.Description)
			}
			fmt.Fprintln(out, "Stages:")
			for i, st := range stages {
				fmt.Fprintf(out, "%d. %s [%s]\n", i+1, st.Name, st.Role)
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&jsonOutput, "json", false, "Output as JSON")
	return cmd
}

// resolveConfig layers changed flags over the loaded config.
func resolveConfig(cmd *cobra.Command, in cliOptions) (config.Config, error) {
	cfg, err := config.Load(in.configPath)
	if err != nil {
		return config.Config{}, err
	}
	if flagChanged(cmd, "name") {
		cfg.Name = in.name
	}
	if flagChanged(cmd, "log-level") {
		cfg.Log.Level = in.logLevel
	}
	if flagChanged(cmd, "log-format") {
		cfg.Log.Format = in.logFormat
	}
	if flagChanged(cmd, "log-file") {
		cfg.Log.File = in.logFile
	}
	if flagChanged(cmd, "max-line-bytes") {
		cfg.MaxLineBytes = in.maxLineBytes
	}
	if flagChanged(cmd, "shutdown-timeout") {
		cfg.ShutdownTimeout = in.shutdownTimeout
	}
	if flagChanged(cmd, "stop-on-shutdown") {
		cfg.StopOnShutdown = in.stopOnShutdown
	}
	if err := cfg.Normalize(); err != nil {
		return config.Config{}, err
	}
	return cfg, nil
}

func flagChanged(cmd *cobra.Command, name string) bool {
	if cmd == nil {
		return false
	}
	if f := cmd.Flags().Lookup(name); f != nil && f.Changed {
		return true
	}
	if f := cmd.InheritedFlags().Lookup(name); f != nil && f.Changed {
		return true
	}
	return false
}

func serverOptions(cfg config.Config) server.Options {
	return server.Options{
		Name:            cfg.Name,
		Version:         version,
		MaxLineBytes:    cfg.MaxLineBytes,
		ShutdownTimeout: cfg.ShutdownTimeout,
		StopOnShutdown:  cfg.StopOnShutdown,
	}
}

func runServe(cmd *cobra.Command, opts cliOptions) error {
	cfg, err := resolveConfig(cmd, opts)
	if err != nil {
		return err
	}
	logger, closer, err := logging.New(cfg.Log)
	if err != nil {
		return fmt.Errorf("init failed: %w", err)
	}
	defer closer.Close()

	sopts := serverOptions(cfg)
	sopts.Logger = logger
	if cfg.Source != "" {
		logger.Info("config loaded", "path", cfg.Source)
	}
	return server.New(os.Stdin, os.Stdout, sopts).Serve(cmd.Context())
}

func runConsole(ctx context.Context, cfg config.Config) error {
	logger, closer, err := logging.New(cfg.Log)
	if err != nil {
		return fmt.Errorf("init failed: %w", err)
	}
	defer closer.Close()

	copts := console.Options{
		Server:      serverOptions(cfg),
		HistoryFile: cfg.Console.HistoryFile,
		Logger:      logger,
	}
	if cfg.Console.ModelBacked {
		mr, err := hostsim.NewModelResponder(ctx, hostsim.ModelConfig{ModelName: cfg.Console.Model})
		if err != nil {
			return fmt.Errorf("init failed: %w", err)
		}
		defer mr.Close()
		fmt.Printf("Model: %s\n", mr.ModelName())
		copts.Responder = mr
		copts.Usage = mr.Usage
	}
	return console.Run(ctx, copts)
}

func printEffectiveConfig(out io.Writer, cfg config.Config) {
	if out == nil {
		return
	}
	source := cfg.Source
	if strings.TrimSpace(source) == "" {
		source = "(defaults)"
	}
	fmt.Fprintln(out, "Effective config:")
	fmt.Fprintf(out, "  source: %s\n", source)
	fmt.Fprintf(out, "  name: %s\n", cfg.Name)
	fmt.Fprintf(out, "  version: %s\n", version)
	fmt.Fprintf(out, "  max_line_bytes: %d\n", cfg.MaxLineBytes)
	fmt.Fprintf(out, "  shutdown_timeout: %s\n", cfg.ShutdownTimeout)
	fmt.Fprintf(out, "  stop_on_shutdown: %t\n", cfg.StopOnShutdown)
	fmt.Fprintf(out, "  log.level: %s\n", cfg.Log.Level)
	fmt.Fprintf(out, "  log.format: %s\n", cfg.Log.Format)
	logFile := cfg.Log.File
	if logFile == "" {
		logFile = "(stderr)"
	}
	fmt.Fprintf(out, "  log.file: %s\n", logFile)
	fmt.Fprintf(out, "  console.model_backed: %t\n", cfg.Console.ModelBacked)
}
