// Command halpd is the halpdesk daemon.
// It serves terminal clients over HTTP, keeps per-terminal sessions and turns
// natural-language requests into vetted shell commands.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	toml "github.com/pelletier/go-toml/v2"
	"github.com/spf13/cobra"

	halpdesk "github.com/Paranoid-AF/halpdesk"
	"github.com/Paranoid-AF/halpdesk/generate"
	"github.com/Paranoid-AF/halpdesk/provider"
)

// Version is set at build time via -ldflags.
var Version = "dev"

const shutdownTimeout = 10 * time.Second

func main() {
	if err := newRootCmd().Execute(); err != nil {
		slog.Error("halpd failed", "error", err)
		os.Exit(1)
	}
}

type rootOptions struct {
	configPath string
	host       string
	port       int
	verbose    bool
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}
	rootCmd := &cobra.Command{
		Use:           "halpd",
		Short:         "halpdesk daemon: natural-language help for your terminal",
		SilenceUsage:  true,
		SilenceErrors: true,
		Args:          cobra.NoArgs,
		PersistentPreRun: func(_ *cobra.Command, _ []string) {
			setupLogging(opts.verbose)
		},
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(cmd, opts)
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return run(ctx, cfg)
		},
	}

	rootCmd.PersistentFlags().StringVar(&opts.configPath, "config", "", "config file (default $XDG_CONFIG_HOME/halpdesk/config.toml)")
	rootCmd.PersistentFlags().BoolVar(&opts.verbose, "verbose", false, "log every request at debug level")
	rootCmd.Flags().StringVar(&opts.host, "host", "", "listen host (overrides config)")
	rootCmd.Flags().IntVar(&opts.port, "port", 0, "listen port (overrides config)")

	rootCmd.AddCommand(
		newVersionCmd(),
		newConfigCmd(opts),
	)
	return rootCmd
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the halpd version",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintln(cmd.OutOrStdout(), "halpd", Version)
		},
	}
}

func newConfigCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "config",
		Short: "Print the effective configuration with credentials masked",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(cmd, opts)
			if err != nil {
				return err
			}
			data, err := toml.Marshal(cfg.Redacted())
			if err != nil {
				return fmt.Errorf("encode config: %w", err)
			}
			_, err = cmd.OutOrStdout().Write(data)
			return err
		},
	}
}

func setupLogging(verbose bool) {
	level := slog.LevelInfo
	if verbose {
		level = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))
}

// loadConfig reads the config and applies the listen flags on top of it.
func loadConfig(cmd *cobra.Command, opts *rootOptions) (*halpdesk.Config, error) {
	cfg, err := halpdesk.LoadConfig(opts.configPath)
	if err != nil {
		return nil, err
	}
	if f := cmd.Flags().Lookup("host"); f != nil && f.Changed {
		cfg.Server.Endpoint = ""
		cfg.Server.Host = opts.host
	}
	if f := cmd.Flags().Lookup("port"); f != nil && f.Changed {
		cfg.Server.Endpoint = ""
		cfg.Server.Port = opts.port
	}
	return cfg, nil
}

// run serves until ctx is cancelled, then shuts everything down in order:
// HTTP server, engine, provider registry.
func run(ctx context.Context, cfg *halpdesk.Config) error {
	addr, err := cfg.Addr()
	if err != nil {
		return err
	}

	reg, err := provider.New(ctx, cfg.ProviderSettings(halpdesk.LoadPrompt()))
	if err != nil {
		return fmt.Errorf("start provider: %w", err)
	}
	defer reg.Close()

	engine := generate.NewEngine(reg.Provider(), generate.WithRegistry(reg))
	defer engine.Close()

	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", addr, err)
	}

	srv := NewServer(engine, WithSweep(cfg.MaxAge(), cfg.SweepInterval()))
	errCh := make(chan error, 1)
	go func() { errCh <- srv.Serve(ln) }()
	slog.Info("ready", "addr", ln.Addr().String())

	select {
	case <-ctx.Done():
		slog.Info("shutting down")
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("serve: %w", err)
		}
		return nil
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Warn("shutdown", "error", err)
	}
	return nil
}
