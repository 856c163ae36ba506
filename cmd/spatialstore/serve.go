package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"

	"github.com/nainya/spatialstore/internal/logger"
	"github.com/nainya/spatialstore/internal/metrics"
	"github.com/nainya/spatialstore/internal/server"
	"github.com/nainya/spatialstore/pkg/docstore"
	"github.com/nainya/spatialstore/pkg/indexer"
)

const shutdownTimeout = 15 * time.Second

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if err := cfg.EnsureDirectories(); err != nil {
		return err
	}

	logger.InitGlobalLogger(logger.Config{Level: cfg.Log.Level, Pretty: cfg.Log.Pretty})
	log := logger.GetGlobalLogger()

	grpcAddr := ""
	if cfg.GRPC.Enabled {
		grpcAddr = cfg.GRPC.Addr
	}
	log.LogServerStart(cfg.HTTP.Addr, grpcAddr, cfg.DataDir)

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.NewMetrics(reg)
	defer m.Close()

	store, err := docstore.Open(docstore.Options{
		Dir:         cfg.DataDir,
		SyncWrites:  cfg.Store.SyncWrites,
		MaxFileSize: cfg.Store.MaxSegmentSize,
		Logger:      log.StoreLogger(),
	})
	if err != nil {
		return fmt.Errorf("open document store: %w", err)
	}
	defer store.Close()

	manager := indexer.NewManager(indexer.ManagerConfig{
		Source:        store,
		CheckpointDir: cfg.CheckpointDir(),
		Tree:          cfg.TreeOptions(),
		BatchSize:     cfg.Index.BatchSize,
		StaleTimeout:  cfg.Query.StaleTimeout,
		Logger:        log.Zerolog().With().Str("component", "index").Logger(),
		Recorder:      m,
	})
	defer manager.Close()

	for _, def := range cfg.Indexes {
		if err := manager.Define(def); err != nil {
			return fmt.Errorf("define index %s: %w", def.Name, err)
		}
		log.LogRebuild(def.Name, def.Signature())
	}

	checkpointer := indexer.NewCheckpointer(manager, cfg.CheckpointDir(), log.Zerolog().With().Str("component", "checkpoint").Logger())
	if cfg.Index.CheckpointInterval > 0 {
		checkpointer.SetInterval(cfg.Index.CheckpointInterval)
		checkpointer.Start()
		defer checkpointer.Stop()
	}

	srv := server.NewServer(store, manager, m, log)
	errCh := make(chan error, 3)

	httpServer := srv.NewHTTPServer(cfg.HTTP)
	go func() {
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("http server: %w", err)
		}
	}()

	var grpcServer *server.GRPCServer
	if cfg.GRPC.Enabled {
		lis, err := net.Listen("tcp", cfg.GRPC.Addr)
		if err != nil {
			return fmt.Errorf("listen on %s: %w", cfg.GRPC.Addr, err)
		}
		grpcServer = srv.NewGRPCServer()
		go func() {
			if err := grpcServer.Serve(lis); err != nil {
				errCh <- fmt.Errorf("grpc server: %w", err)
			}
		}()
	}

	var obs *server.ObservabilityServer
	if cfg.Observability.Enabled {
		obs = server.NewObservabilityServer(cfg.Observability.Addr, reg, manager.Ready, log)
		go func() {
			if err := obs.Start(); err != nil {
				errCh <- err
			}
		}()
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	go func() {
		if err := manager.WaitReady(ctx); err == nil {
			log.LogServerReady(len(cfg.Indexes))
		}
	}()

	var runErr error
	select {
	case <-ctx.Done():
	case runErr = <-errCh:
		log.Error().Err(runErr).Msg("Server failed")
	}

	log.LogServerShutdown()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Warn().Err(err).Msg("HTTP shutdown did not complete")
	}
	if grpcServer != nil {
		grpcServer.Stop()
	}
	if obs != nil {
		if err := obs.Shutdown(shutdownCtx); err != nil {
			log.Warn().Err(err).Msg("Observability shutdown did not complete")
		}
	}

	if n, err := checkpointer.Checkpoint(); err != nil {
		log.Error().Err(err).Msg("Final checkpoint failed")
	} else {
		log.Info().Int("written", n).Msg("Final checkpoint written")
	}
	return runErr
}
