package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	offlinecache "github.com/always-cache/offline-cache"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
)

var (
	// CLI flags
	configFlag         string
	portFlag           int
	originFlag         string
	addrFlag           string
	hostFlag           string
	bucketFlag         string
	providerFlag       string
	dbFilenameFlag     string
	verbosityTraceFlag bool
	logFilenameFlag    string

	// this is set by goreleaser
	version string
)

func init() {
	flag.StringVar(&configFlag, "config", "", "Config file (YAML)")
	flag.StringVar(&originFlag, "origin", "", "Origin URL to fetch from (overrides addr)")
	flag.StringVar(&addrFlag, "addr", "", "Origin IP address to fetch from")
	flag.StringVar(&hostFlag, "host", "", "Hostname of origin")
	flag.IntVar(&portFlag, "port", 8080, "Port to listen on")
	flag.StringVar(&bucketFlag, "bucket", "", "Storage bucket name (default "+offlinecache.DefaultBucketName+")")
	flag.StringVar(&providerFlag, "provider", "sqlite", "Storage provider: sqlite, memory, redis or s3")
	flag.StringVar(&dbFilenameFlag, "db", "offline-cache.db", "SQLite file name (use 'memory' for in-memory db)")
	flag.BoolVar(&verbosityTraceFlag, "vv", false, "Verbosity: trace logging")
	flag.StringVar(&logFilenameFlag, "log-file", "", "Log file to use (in addition to stdout)")

	if version == "" {
		version = "DEV"
	}
}

func main() {
	flag.Parse()

	// set log level
	logLevel := zerolog.DebugLevel
	if verbosityTraceFlag {
		logLevel = zerolog.TraceLevel
	}

	// set up log output to stdout
	// also output to logfile if specified
	logOutputs := make([]io.Writer, 0)
	logOutputs = append(logOutputs, zerolog.ConsoleWriter{Out: os.Stdout})
	if logFilenameFlag != "" {
		if logFileOutput, err := os.OpenFile(logFilenameFlag, os.O_APPEND|os.O_WRONLY|os.O_CREATE, 0644); err != nil {
			log.Fatal().Err(err).Msg("Cannot open log file")
		} else {
			logOutputs = append(logOutputs, logFileOutput)
		}
	}
	multiWriter := zerolog.MultiLevelWriter(logOutputs...)
	log.Logger = log.Level(logLevel).Output(multiWriter).
		With().Str("version", version).Logger()

	config, err := loadConfig(configFlag, nil)
	if err != nil {
		log.Fatal().Err(err).Msg("Could not load config")
	}
	config.applyFlags(flag.CommandLine)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, config); err != nil {
		log.Fatal().Err(err).Msg("Exiting")
	}
}

// run serves the site until ctx is done, installing the offline copy in the background.
func run(ctx context.Context, config Config) error {
	storage, err := newStorage(ctx, config)
	if err != nil {
		return fmt.Errorf("could not create storage: %w", err)
	}
	defer storage.Close()

	managerConfig, err := config.managerConfig(storage)
	if err != nil {
		return err
	}
	manager, err := offlinecache.CreateManager(managerConfig)
	if err != nil {
		return err
	}

	router, err := newRouter(ctx, manager, prometheus.NewRegistry())
	if err != nil {
		return err
	}
	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", config.Port),
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := manager.Install(gctx); err != nil {
			log.Warn().Err(err).Msg("Offline copy not installed, serving from network only")
		}
		return nil
	})
	g.Go(func() error {
		log.Info().Msgf("Serving port %v from %s (with hostname '%s')", config.Port, managerConfig.OriginURL.String(), config.Host)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		log.Info().Msg("Shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	})
	return g.Wait()
}
