package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"go.uber.org/zap"

	"github.com/burpheart/proxycord/internal/app"
	"github.com/burpheart/proxycord/internal/config"
	"github.com/burpheart/proxycord/internal/console"
	"github.com/burpheart/proxycord/internal/httpstream"
	"github.com/burpheart/proxycord/internal/logging"
	"github.com/burpheart/proxycord/pkg/types"
)

// options holds the flag values. Only flags set on the command line override
// the configuration file and the environment.
type options struct {
	configPath    string
	localHost     string
	localPort     int
	remoteHost    string
	remotePort    int
	out           string
	workers       int
	apiPort       int
	upstreamProxy string
	logLevel      string
	logFormat     string
	trafficLog    string
	noConsole     bool
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var o options
	rootCmd := &cobra.Command{
		Use:   "proxycord",
		Short: "Recording reverse proxy for HTTP/1.x",
		Long: `Relays TCP connections to a fixed upstream unmodified while decoding the
HTTP/1.x traffic on the side. Every request/response exchange is recorded and
written as JSON on shutdown.`,
		Args:         cobra.NoArgs,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runProxy(cmd, &o)
		},
	}

	bindFlags(rootCmd.Flags(), &o)
	rootCmd.AddCommand(newStatusCmd(), newStepsCmd(), newMarkCmd())
	return rootCmd
}

func bindFlags(f *pflag.FlagSet, o *options) {
	f.StringVar(&o.configPath, "config", "", "YAML configuration file")
	f.StringVarP(&o.localHost, "local-host", "l", types.DefaultLocalHost, "Local address to listen on")
	f.IntVarP(&o.localPort, "local-port", "p", types.DefaultLocalPort, "Local port to listen on")
	f.StringVarP(&o.remoteHost, "remote-host", "r", "", "Upstream host to relay to (required)")
	f.IntVarP(&o.remotePort, "remote-port", "P", types.DefaultRemotePort, "Upstream port to relay to")
	f.StringVarP(&o.out, "out", "o", "", "Write the recording to this file instead of stdout")
	f.IntVar(&o.workers, "workers", types.DefaultWorkers, "Worker pool capacity (two per connection)")
	f.IntVar(&o.apiPort, "api-port", 0, "Management API port on 127.0.0.1 (0 disables it)")
	f.StringVar(&o.upstreamProxy, "upstream-proxy", "", "Reach the upstream through a proxy (socks5://host:port or http://host:port)")
	f.StringVar(&o.logLevel, "log-level", "info", "Diagnostic log level (debug, info, warn, error)")
	f.StringVar(&o.logFormat, "log-format", "console", "Diagnostic log format (console, json)")
	f.StringVar(&o.trafficLog, "traffic-log", "none", "Live traffic printing (none, basic, headers, body)")
	f.BoolVar(&o.noConsole, "no-console", false, "Do not read commands from stdin")
}

// resolveConfig layers the set flags over the file and the environment.
func resolveConfig(flags *pflag.FlagSet, o *options) (*types.Config, error) {
	cfg, err := config.Load(o.configPath)
	if err != nil {
		return nil, err
	}

	var errs []error
	flags.Visit(func(fl *pflag.Flag) {
		switch fl.Name {
		case "local-host":
			cfg.LocalHost = o.localHost
		case "local-port":
			cfg.LocalPort = o.localPort
		case "remote-host":
			cfg.RemoteHost = o.remoteHost
		case "remote-port":
			cfg.RemotePort = o.remotePort
		case "out":
			cfg.OutFile = o.out
		case "workers":
			cfg.Workers = o.workers
		case "api-port":
			cfg.APIPort = o.apiPort
		case "upstream-proxy":
			cfg.UpstreamProxy = o.upstreamProxy
		case "log-level":
			cfg.LogLevel = o.logLevel
		case "log-format":
			cfg.LogFormat = o.logFormat
		case "traffic-log":
			level, err := types.ParseLogLevel(o.trafficLog)
			if err != nil {
				errs = append(errs, err)
				return
			}
			cfg.TrafficLogLevel = level
		case "no-console":
			cfg.Console = !o.noConsole
		}
	})
	if err := errors.Join(errs...); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func runProxy(cmd *cobra.Command, o *options) error {
	cfg, err := resolveConfig(cmd.Flags(), o)
	if err != nil {
		return err
	}

	logger := logging.New(logging.Config{
		Level:  logging.ParseLevel(cfg.LogLevel),
		Format: logging.ParseFormat(cfg.LogFormat),
		Output: os.Stderr,
	})
	defer logger.Sync()

	printer := httpstream.NewPrinter(
		httpstream.WithOutput(os.Stderr),
		httpstream.WithLevel(cfg.TrafficLogLevel),
		httpstream.WithColor(!color.NoColor),
	)

	a, err := app.New(cfg, logger, app.WithPrinter(printer), app.WithStdout(cmd.OutOrStdout()))
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(cmd.Context())
	defer cancel()

	if err := a.Start(ctx); err != nil {
		return err
	}
	printBanner(cfg, a)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	if cfg.Console {
		go func() {
			c := console.New(a, cmd.InOrStdin(), cmd.OutOrStdout(), logger.Named("console"))
			if err := c.Run(ctx); err != nil {
				logger.Warn("console stopped", zap.Error(err))
			}
		}()
	}

	select {
	case sig := <-sigCh:
		logger.Info("shutting down", zap.Stringer("signal", sig))
	case <-a.Done():
	}
	cancel()
	a.Stop()

	return a.WriteRecording()
}

func printBanner(cfg *types.Config, a *app.App) {
	bold := color.New(color.Bold)
	fmt.Fprintf(os.Stderr, "%s %s -> %s\n", bold.Sprint("proxycord"), a.Addr(), cfg.RemoteAddr())
	if cfg.UpstreamProxy != "" {
		fmt.Fprintf(os.Stderr, "  via proxy:  %s\n", cfg.UpstreamProxy)
	}
	if addr := a.APIAddr(); addr != nil {
		fmt.Fprintf(os.Stderr, "  api:        http://%s/api/status\n", addr)
	}
	dest := cfg.OutFile
	if dest == "" {
		dest = "stdout"
	}
	fmt.Fprintf(os.Stderr, "  recording:  %s (on shutdown)\n", dest)
	fmt.Fprintln(os.Stderr, "Press Ctrl+C to stop...")
}
