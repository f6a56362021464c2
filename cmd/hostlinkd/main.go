// hostlinkd runs the native side of the extension messaging boundary: `serve`
// speaks the framed schema over its own stdio, `probe` launches a helper and
// measures the round trip.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/webextio/hostlink/internal/bus"
	"github.com/webextio/hostlink/internal/config"
	"github.com/webextio/hostlink/internal/host"
	"github.com/webextio/hostlink/internal/logging"
	"github.com/webextio/hostlink/internal/port"
	"github.com/webextio/hostlink/internal/rpc"
	"github.com/webextio/hostlink/internal/wire"
)

const version = "0.3.0"

var (
	configPath string

	rootCmd = &cobra.Command{
		Use:   "hostlinkd",
		Short: "native messaging host for the hostlink transport",
		Long: `hostlinkd is the process-boundary end of the hostlink transport: a framed
JSON schema over stdio, with request correlation, fragmentation of oversized
payloads, and idle lifecycle management on the launcher side.`,
	}

	versionCmd = &cobra.Command{
		Use:   "version",
		Short: "Print the hostlinkd version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("hostlinkd v%s\n", version)
		},
	}
)

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "path to hostlink.toml (defaults apply when omitted)")
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(probeCmd)
	rootCmd.AddCommand(versionCmd)
}

func main() {
	logging.ConfigureRuntime()
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func loadConfig() (config.Config, error) {
	if configPath == "" {
		return config.Default(), nil
	}
	return config.Load(configPath)
}

func rpcConfig(cfg config.Config) rpc.Config {
	return rpc.Config{
		ResponseTimeout: cfg.Timeouts.Response,
		SplitThreshold:  cfg.Transport.SplitThreshold,
		FragmentTTL:     cfg.Timeouts.FragmentTTL,
		JanitorMin:      cfg.Timeouts.JanitorMin,
	}
}

func streamConfig(cfg config.Config) port.StreamConfig {
	return port.StreamConfig{
		MaxInboundFrame:  cfg.Transport.MaxInboundFrame,
		MaxOutboundFrame: cfg.Transport.MaxOutboundFrame,
	}
}

func hostConfig(cfg config.Config) host.Config {
	return host.Config{
		IdleTimeout:   cfg.Timeouts.Idle,
		IdleRecheck:   cfg.Timeouts.IdleRecheck,
		AutoReconnect: cfg.Host.AutoReconnect,
		Stream:        streamConfig(cfg),
	}
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve the framed schema over this process's stdio",
	Long: `Serve speaks the framed schema on stdin/stdout, the way a browser launches a
native messaging host. Requests addressed to the configured host name are
answered locally; all logging goes to stderr.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		log := logging.Component("hostlinkd.serve")

		r := bus.NewRouter(bus.Config{Name: cfg.Host.Name, Peer: rpcConfig(cfg)})
		r.OnRequest(serveHandler)
		defer r.Close()

		sp := port.NewStreamPort(host.Stdio(), streamConfig(cfg))
		r.AttachHost("coordinator", sp)
		log.Info().Str("name", cfg.Host.Name).Msg("serving on stdio")

		sig := make(chan os.Signal, 1)
		signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
		select {
		case <-sp.Done():
			log.Info().Msg("stdio closed; shutting down")
		case s := <-sig:
			log.Info().Str("signal", s.String()).Msg("shutting down")
		}
		return nil
	},
}

// serveHandler answers requests addressed to this host's own name.
func serveHandler(m wire.Message) (any, error) {
	op, _ := m.Body["op"].(string)
	switch op {
	case "", "echo":
		return map[string]any{"echo": m.Content, "bytes": len(m.Content)}, nil
	case "time":
		return map[string]any{"now": time.Now().UTC().Format(time.RFC3339Nano)}, nil
	case "version":
		return map[string]any{"version": version}, nil
	default:
		return nil, fmt.Errorf("unknown op %q", op)
	}
}

var (
	probeTarget string
	probeArgs   []string
	probeCount  int

	probeCmd = &cobra.Command{
		Use:   "probe",
		Short: "Launch a host process and measure ping round trips",
		Long: `Probe launches a helper command the way a coordinator would, sends bare-id
ping messages through the full correlation layer, and reports each round trip.
Without --cmd the host command from the config file is used.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			path := probeTarget
			cmdArgs := probeArgs
			if path == "" {
				path = cfg.Host.Command
				cmdArgs = cfg.Host.Args
			}
			if path == "" {
				return fmt.Errorf("no host command: pass --cmd or set host.command in the config")
			}

			pp := host.NewProcessPort(&host.CommandLauncher{Path: path, Args: cmdArgs}, hostConfig(cfg))
			defer pp.Disconnect()
			peer := rpc.NewPeer(pp, rpcConfig(cfg))
			pp.SetGate(peer)

			for i := 0; i < probeCount; i++ {
				ctx, cancel := context.WithTimeout(context.Background(), cfg.Timeouts.Response)
				start := time.Now()
				_, err := peer.Request(ctx, wire.Message{})
				cancel()
				if err != nil {
					return fmt.Errorf("ping %d: %w", i+1, err)
				}
				fmt.Printf("ping %d: %v\n", i+1, time.Since(start).Round(time.Microsecond))
			}
			return nil
		},
	}
)

func init() {
	probeCmd.Flags().StringVar(&probeTarget, "cmd", "", "host command to launch")
	probeCmd.Flags().StringSliceVar(&probeArgs, "arg", nil, "argument to pass to the host command (repeatable)")
	probeCmd.Flags().IntVar(&probeCount, "count", 3, "number of pings to send")
}
