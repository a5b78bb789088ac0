package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"

	shelfcache "github.com/shelf-cache/shelf-cache"
	"github.com/shelf-cache/shelf-cache/blobstore"
	"github.com/shelf-cache/shelf-cache/cache"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/hlog"
	"github.com/rs/zerolog/log"
)

var (
	// CLI flags
	portFlag           int
	originFlag         string
	configFilenameFlag string
	dbFilenameFlag     string
	blobFilenameFlag   string
	generationFlag     int
	verbosityTraceFlag bool
	logFilenameFlag    string

	// this is set by goreleaser
	version string
)

func init() {
	flag.StringVar(&originFlag, "origin", "", "Origin URL to serve and cache (overrides config)")
	flag.StringVar(&configFilenameFlag, "config", "", "Path to config file")
	flag.IntVar(&portFlag, "port", 8080, "Port to listen on")
	flag.StringVar(&dbFilenameFlag, "db", "buckets.db", "Bucket DB file name (use 'memory' for in-memory db)")
	flag.StringVar(&blobFilenameFlag, "covers-db", "covers.db", "Cover blob DB file name (use 'memory' for in-memory db)")
	flag.IntVar(&generationFlag, "generation", 0, "Cache generation (overrides config)")
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

	origin := originFlag
	generation := generationFlag
	manifest := shelfcache.DefaultManifest()
	var coverHosts []string

	if configFilenameFlag != "" {
		config, err := shelfcache.LoadConfig(configFilenameFlag)
		if err != nil {
			log.Fatal().Err(err).Msg("Could not read config file")
		}
		if origin == "" {
			origin = config.Origin
		}
		if generation == 0 {
			generation = config.Generation
		}
		if config.Port > 0 {
			portFlag = config.Port
		}
		if config.DBFile != "" {
			dbFilenameFlag = config.DBFile
		}
		manifest = config.StaticAssets
		coverHosts = config.CoverHosts
	}

	if origin == "" {
		log.Fatal().Msg("Please specify origin")
	}
	originURL, err := url.Parse(origin)
	if err != nil {
		log.Fatal().Err(err).Msg("Could not parse origin url")
	}

	buckets, err := cache.NewSQLiteProvider(memoryOr(dbFilenameFlag))
	if err != nil {
		log.Fatal().Err(err).Msg("Could not open bucket db")
	}
	coverStore, err := blobstore.NewSQLiteStore(memoryOr(blobFilenameFlag))
	if err != nil {
		log.Fatal().Err(err).Msg("Could not open cover db")
	}

	workerConfig := shelfcache.Config{
		Buckets:    buckets,
		Covers:     coverStore,
		OriginURL:  *originURL,
		Generation: generation,
		Manifest:   manifest,
		Logger:     &log.Logger,
	}
	if len(coverHosts) > 0 {
		workerConfig.CoverHosts = coverHosts
	}
	worker := shelfcache.New(workerConfig)

	// lifecycle: install must complete before serving, then the
	// activation sweep removes prior-generation buckets
	ctx := context.Background()
	if err := worker.Install(ctx); err != nil {
		log.Fatal().Err(err).Msg("Could not install static assets")
	}
	if err := worker.Activate(ctx); err != nil {
		log.Fatal().Err(err).Msg("Could not activate cache generation")
	}

	router := chi.NewRouter()
	router.Use(hlog.NewHandler(log.Logger))
	router.Use(hlog.URLHandler("url"))
	router.Use(hlog.MethodHandler("method"))
	router.Handle("/*", worker)

	log.Info().Msgf("Caching port %v for %s", portFlag, originURL.String())
	if err := http.ListenAndServe(fmt.Sprintf(":%d", portFlag), router); err != nil {
		log.Fatal().Err(err).Msg("Server failed")
	}
}

func memoryOr(filename string) string {
	if filename == "memory" {
		return "file::memory:?cache=shared"
	}
	return filename
}
