package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"irpc/arith"
	"irpc/bootstrap"
	"irpc/config"
	"irpc/server"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var (
	configPath string
	cfg        *config.Config
)

func main() {
	rootCmd := &cobra.Command{
		Use:           "irpc",
		Short:         "run the Arith demo provider or consumer",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(*cobra.Command, []string) error {
			return initConfig()
		},
	}
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "TOML config file (defaults apply when empty)")
	rootCmd.AddCommand(providerCmd(), consumerCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func initConfig() error {
	if configPath == "" {
		cfg = config.Default()
		return nil
	}
	loaded, err := config.Load(configPath)
	if err != nil {
		return err
	}
	cfg = loaded
	return nil
}

func providerCmd() *cobra.Command {
	var listen, advertise string
	cmd := &cobra.Command{
		Use:   "provider",
		Short: "serve Arith and publish it to the registry",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if listen != "" {
				cfg.Server.Listen = listen
			}
			if advertise != "" {
				cfg.Server.Advertise = advertise
			}
			b, err := bootstrap.New(cfg)
			if err != nil {
				return err
			}
			defer b.Close()

			svr, err := b.NewServer()
			if err != nil {
				return err
			}
			if err := svr.Register(&arith.Arith{}); err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return serveUntilDone(ctx, b, svr)
		},
	}
	cmd.Flags().StringVar(&listen, "listen", "", "listen address, overrides server.listen")
	cmd.Flags().StringVar(&advertise, "advertise", "", "address published to the registry, overrides server.advertise")
	return cmd
}

// serveUntilDone serves svr until it fails or ctx ends, then closes b, which
// shuts svr down and deregisters it.
func serveUntilDone(ctx context.Context, b *bootstrap.Bootstrap, svr *server.Server) error {
	served := make(chan error, 1)
	go func() { served <- b.Serve(svr) }()
	select {
	case err := <-served:
		return err
	case <-ctx.Done():
		b.Logger().Info("shutting down", zap.Error(context.Cause(ctx)))
	}
	return b.Close()
}

func consumerCmd() *cobra.Command {
	var (
		calls int
		pause time.Duration
	)
	cmd := &cobra.Command{
		Use:   "consumer",
		Short: "call Arith.Add repeatedly through the registry",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			b, err := bootstrap.New(cfg)
			if err != nil {
				return err
			}
			defer b.Close()

			ref, err := b.NewReference(arith.ServiceName)
			if err != nil {
				return err
			}
			stub := arith.NewClient(ref)

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			for i := 0; i < calls && ctx.Err() == nil; i++ {
				sum, err := stub.Add(ctx, i, i)
				if err != nil {
					b.Logger().Warn("call failed", zap.Int("call", i), zap.Error(err))
				} else {
					fmt.Fprintf(cmd.OutOrStdout(), "Add(%d, %d) = %d\n", i, i, sum)
				}
				select {
				case <-time.After(pause):
				case <-ctx.Done():
				}
			}
			return nil
		},
	}
	cmd.Flags().IntVarP(&calls, "calls", "n", 10, "number of calls")
	cmd.Flags().DurationVar(&pause, "pause", 500*time.Millisecond, "pause between calls")
	return cmd
}
