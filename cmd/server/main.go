package main

import (
	"context"
	"net"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"google.golang.org/grpc"

	"github.com/chn0318/catalogstore/config"
	"github.com/chn0318/catalogstore/logserver"
)

func main() {
	v := config.New()
	var configFile string

	cmd := &cobra.Command{
		Use:          "server",
		Short:        "Serve catalog shards over gRPC",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(v, configFile)
			if err != nil {
				return err
			}
			cfg.SetupLogging(false)
			if cfg.LogBackend == config.BackendRemote {
				// A server cannot front another server.
				cfg.LogBackend = config.BackendPebble
			}
			return serve(cmd.Context(), cfg)
		},
	}
	cmd.Flags().StringVar(&configFile, "config", "", "config file")
	cmd.Flags().String(config.KeyListenAddr, ":50051", "address to listen on")
	cmd.Flags().String(config.KeyLogBackend, config.BackendPebble, "shard storage: memory or pebble")
	cmd.Flags().String(config.KeyPebbleDir, "catalog-data", "pebble data directory")
	cmd.Flags().String(config.KeyLogLevel, "info", "log level")
	if err := v.BindPFlags(cmd.Flags()); err != nil {
		log.Fatal().Err(err).Msg("bind flags")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := cmd.ExecuteContext(ctx); err != nil {
		os.Exit(1)
	}
}

func serve(ctx context.Context, cfg *config.Config) error {
	backend, err := cfg.OpenBackend()
	if err != nil {
		return err
	}
	defer backend.Close()

	lis, err := net.Listen("tcp", cfg.ListenAddr)
	if err != nil {
		return err
	}

	gs := grpc.NewServer(grpc.ChainUnaryInterceptor(logserver.LoggingInterceptor))
	logserver.Register(gs, logserver.NewServer(backend))

	go func() {
		<-ctx.Done()
		log.Info().Msg("shutting down")
		// Long polls on WaitForUpper would hold GracefulStop open.
		gs.Stop()
	}()

	log.Info().Str("addr", lis.Addr().String()).Str("backend", cfg.LogBackend).Msg("log server listening")
	return gs.Serve(lis)
}
