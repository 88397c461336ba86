// Command casket runs Casket's multi-process dispatch fabric in front
// of a user-supplied handler.
package main

import (
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"os"
	"time"

	"github.com/casket-project/casket/internal/config"
	"github.com/casket-project/casket/internal/dispatcher"
	"github.com/casket-project/casket/internal/fabric"
	"github.com/casket-project/casket/internal/handler"
	"github.com/casket-project/casket/internal/logging"
	"github.com/casket-project/casket/internal/procs"
	"github.com/casket-project/casket/internal/shutdown"
	"github.com/casket-project/casket/internal/stats"
	"github.com/casket-project/casket/internal/worker"
)

const statsInterval = 30 * time.Second

func main() {
	configPath := flag.String("config", "", "path to a YAML config file overlaying the defaults")
	flag.Usage = printUsage
	flag.Parse()

	if flag.NArg() != 1 {
		printUsage()
		os.Exit(0)
	}
	handlerSpec := flag.Arg(0)

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "casket: %v\n", err)
		os.Exit(1)
	}
	baseLogger := logging.New(cfg.Logging)

	channel, isWorker, err := procs.InheritedChannel()
	if err != nil {
		fmt.Fprintf(os.Stderr, "casket: %v\n", err)
		os.Exit(1)
	}

	if isWorker {
		runWorker(cfg, handlerSpec, channel, baseLogger)
		return
	}
	runServer(cfg, handlerSpec, baseLogger)
}

func printUsage() {
	fmt.Fprintln(os.Stderr, "usage: casket [-config path] <module>:<callable>")
}

func runWorker(cfg *config.Config, handlerSpec string, channel *fabric.Channel, baseLogger *slog.Logger) {
	app, err := handler.Lookup(handlerSpec)
	if err != nil {
		baseLogger.Error("resolving handler failed", "handler", handlerSpec, "error", err)
		os.Exit(1)
	}

	logger := logging.WithProcess(baseLogger, "worker")
	coord := shutdown.New(cfg.CtrlCWaitTime)
	defer coord.Stop()

	w := worker.New(worker.Config{
		NumThreads:         cfg.NumThreadsPerWorker,
		MaxRequests:        cfg.MaxRequests,
		RequestReadTimeout: cfg.RequestReadTimeout,
		HandlerTimeout:     cfg.RequestReadTimeout,
		ReturnStacktrace:   cfg.ReturnStacktrace,
		LogHTTPResponse:    cfg.LogHTTPResponse,
	}, channel, app, coord, logger)

	reporter := stats.New(w, logger, statsInterval)
	reporter.Start()
	defer reporter.Stop()

	logger.Info("casket worker starting", "handler", handlerSpec)
	if err := w.Run(); err != nil {
		logger.Info("casket worker exiting", "reason", err)
	}
}

func runServer(cfg *config.Config, handlerSpec string, baseLogger *slog.Logger) {
	logger := logging.WithProcess(baseLogger, "server")

	workers, err := procs.SpawnWorkers(cfg.NumWorkers, os.Args[1:])
	if err != nil {
		logger.Error("spawning workers failed", "error", err)
		os.Exit(1)
	}

	channels := make([]*fabric.Channel, len(workers))
	for i, w := range workers {
		channels[i] = w.Channel
	}

	coord := shutdown.New(cfg.CtrlCWaitTime)
	defer coord.Stop()

	srv, err := dispatcher.New(dispatcher.Config{
		BindAddr:       cfg.BindAddr,
		MaxConnections: cfg.MaxConnections,
	}, channels, coord, logger)
	if err != nil {
		logger.Error("binding listener failed", "error", err)
		os.Exit(1)
	}

	reporter := stats.New(srv, logger, statsInterval)
	reporter.Start()
	defer reporter.Stop()

	logger.Info("casket server listening", "addr", srv.Addr().String(), "handler", handlerSpec, "num_workers", cfg.NumWorkers)

	runErr := srv.Run()
	for _, w := range workers {
		w.Cmd.Wait()
	}

	if runErr != nil && !errors.Is(runErr, net.ErrClosed) {
		logger.Error("server exited with error", "error", runErr)
		os.Exit(1)
	}
}
