package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/yitech/marketfeed/adapter/indexer"
	"github.com/yitech/marketfeed/config"
	"github.com/yitech/marketfeed/feed"
	"github.com/yitech/marketfeed/httpapi"
	"github.com/yitech/marketfeed/pkg/logger"
	"github.com/yitech/marketfeed/rpc"
)

const (
	healthEvery     = time.Second
	shutdownTimeout = 5 * time.Second
)

func main() {
	configPath := flag.String("config", "", "optional YAML file overlaying the environment")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	l, err := logger.NewLogger(cfg.LoggerOptions()...)
	if err != nil {
		log.Fatalf("failed to build logger: %v", err)
	}
	defer func() { _ = l.Sync() }()
	l = l.WithFields(logger.NewField("app", cfg.App.Name))

	if err := run(cfg, l); err != nil {
		l.Error(err)
		os.Exit(1)
	}
}

func run(cfg *config.Config, l *logger.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	rest, err := indexer.NewRestClient(cfg.Indexer.RestURL,
		indexer.WithHTTPClient(indexer.NewHTTPClient(cfg.Indexer.HTTPTimeout)))
	if err != nil {
		return err
	}
	stream, err := indexer.NewStream(cfg.Indexer.WSURL, cfg.Subscription(),
		indexer.WithLogger(l),
		indexer.WithBaseDelay(cfg.Stream.BaseDelay),
		indexer.WithMaxAttempts(cfg.Stream.MaxAttempts),
		indexer.WithPingInterval(cfg.Stream.PingInterval))
	if err != nil {
		return err
	}

	session := feed.New(indexer.New(rest, stream),
		feed.WithLogger(l),
		feed.WithBackfillWindow(cfg.Stream.BackfillWindow),
		feed.WithMaxLen(cfg.Stream.MaxLen))
	defer func() { _ = session.Close() }()

	lis, err := net.Listen("tcp", cfg.GRPC.Addr)
	if err != nil {
		return err
	}
	grpcServer := rpc.NewServer(session, l)
	httpServer := &http.Server{
		Addr:              cfg.HTTP.Addr,
		Handler:           httpapi.NewRouter(httpapi.NewHandler(session.Aggregator(), session.Book(), session.Connected), l),
		ReadHeaderTimeout: 5 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return grpcServer.Serve(lis) })
	g.Go(func() error {
		l.Info("http server listening", logger.NewField("addr", cfg.HTTP.Addr))
		if err := httpServer.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		grpcServer.WatchHealth(gctx, healthEvery)
		return nil
	})
	g.Go(func() error {
		// backfill failures are logged by the session; the stream keeps running
		_ = session.Start(gctx)
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		l.Info("shutting down")
		sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		grpcServer.Stop(sctx)
		err := httpServer.Shutdown(sctx)
		_ = session.Close()
		return err
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}
