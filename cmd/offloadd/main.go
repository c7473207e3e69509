package main

import (
	"flag"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	offload "github.com/icculus/nph-offload"
)

var (
	configFlag           string
	baseServerFlag       string
	baseServerPortFlag   int
	timeoutFlag          int
	cacheDirFlag         string
	cacheNameFlag        string
	maxDupeDownloadsFlag int
	listenAddrFlag       string
	verbosityTraceFlag   bool
	logFilenameFlag      string

	// set by goreleaser
	version string
)

func init() {
	flag.StringVar(&configFlag, "config", "", "Optional YAML config file")
	flag.StringVar(&baseServerFlag, "base-server", "", "Origin hostname (GBASESERVER)")
	flag.IntVar(&baseServerPortFlag, "base-server-port", 0, "Origin port (GBASESERVERPORT, default 80)")
	flag.IntVar(&timeoutFlag, "timeout", 0, "Activity timeout in seconds (GTIMEOUT)")
	flag.StringVar(&cacheDirFlag, "cache-dir", "", "Cache directory (GOFFLOADDIR)")
	flag.StringVar(&cacheNameFlag, "cache-name", "", "Cache/mutex/registry name")
	flag.IntVar(&maxDupeDownloadsFlag, "max-dupe-downloads", -1, "Per-(client,URL) concurrency cap (GMAXDUPEDOWNLOADS, 0 disables)")
	flag.StringVar(&listenAddrFlag, "addr", ":8080", "Address to listen on")
	flag.BoolVar(&verbosityTraceFlag, "vv", false, "Verbosity: trace logging")
	flag.StringVar(&logFilenameFlag, "log-file", "", "Log file to use (in addition to stdout)")

	if version == "" {
		version = "DEV"
	}
}

func main() {
	flag.Parse()

	logLevel := zerolog.DebugLevel
	if verbosityTraceFlag {
		logLevel = zerolog.TraceLevel
	}

	logOutputs := []io.Writer{zerolog.ConsoleWriter{Out: os.Stdout}}
	if logFilenameFlag != "" {
		logFile, err := os.OpenFile(logFilenameFlag, os.O_APPEND|os.O_WRONLY|os.O_CREATE, 0o644)
		if err != nil {
			log.Fatal().Err(err).Msg("Cannot open log file")
		}
		logOutputs = append(logOutputs, logFile)
	}
	multiWriter := zerolog.MultiLevelWriter(logOutputs...)
	log.Logger = log.Level(logLevel).Output(multiWriter).
		With().Str("version", version).Logger()

	config, err := offload.LoadConfig(configFlag)
	if err != nil {
		log.Fatal().Err(err).Msg("Could not load config")
	}
	applyFlagOverrides(&config)

	if config.BaseServer == "" {
		log.Fatal().Msg("Please specify an origin (-base-server or GBASESERVER)")
	}
	if config.CacheDir == "" {
		log.Fatal().Msg("Please specify a cache directory (-cache-dir or GOFFLOADDIR)")
	}

	server, err := offload.New(config, &log.Logger)
	if err != nil {
		log.Fatal().Err(err).Msg("Could not start offload server")
	}
	defer server.Close()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM, syscall.SIGHUP, syscall.SIGQUIT)
	go func() {
		sig := <-sigCh
		log.Warn().Stringer("signal", sig).Msg("caught signal; aborting in-flight caching workers")
		server.Shutdown()
		os.Exit(1)
	}()

	log.Info().Msgf("Offloading %s (port %d) on %s, cache dir %s", config.BaseServer, config.BaseServerPort, listenAddrFlag, config.CacheDir)
	err = http.ListenAndServe(listenAddrFlag, server)
	if err != nil {
		log.Fatal().Err(err).Msg("server exited")
	}
}

func applyFlagOverrides(config *offload.Config) {
	if baseServerFlag != "" {
		config.BaseServer = baseServerFlag
	}
	if baseServerPortFlag != 0 {
		config.BaseServerPort = baseServerPortFlag
	}
	if timeoutFlag != 0 {
		config.Timeout = time.Duration(timeoutFlag) * time.Second
	}
	if cacheDirFlag != "" {
		config.CacheDir = cacheDirFlag
	}
	if cacheNameFlag != "" {
		config.CacheName = cacheNameFlag
	}
	if maxDupeDownloadsFlag >= 0 {
		config.MaxDupeDownloads = maxDupeDownloadsFlag
	}
}
