// Package offload implements the bandwidth-offload HTTP cache server:
// a caching forward proxy that sits in front of one origin ("base")
// server, validates cached copies against the origin via conditional
// HEAD probes, and streams a cached or freshly-fetched body to the
// client while a single background worker populates the cache file.
//
// This package's top-level Offload type plays the role the teacher's
// AlwaysCache type plays in always-cache.go: a long-lived value built
// once from a Config and then used as an http.Handler. Unlike
// AlwaysCache, which wraps httputil.ReverseProxy and an RFC 9111 cache
// store, Offload owns the narrower offload protocol — mutex, registry,
// origin client, cache store, and streamer — directly.
package offload

import (
	"net/http"
	"os"

	"github.com/rs/zerolog"

	"github.com/icculus/nph-offload/dupeslots"
	"github.com/icculus/nph-offload/originclient"
	"github.com/icculus/nph-offload/streamer"
	"github.com/icculus/nph-offload/xlock"
)

// Offload is a configured offload-server instance for one origin.
type Offload struct {
	config Config
	log    zerolog.Logger

	mutex    *xlock.Mutex
	registry *dupeslots.Registry
	origin   *originclient.Client
	writers  *streamer.Manager

	// pid is this server process's own pid, stored in
	// X-Offload-Caching-PID for every CacheEntry this process's
	// CachingWorkers create (spec §9's redesign note).
	pid int
}

// New builds an Offload instance from config. It opens (creating if
// necessary) the named cross-process mutex and shared-memory
// duplicate-download registry under config.CacheDir, matching the
// teacher's CreateCache: construction does the one-time setup, and the
// returned value is then used as an http.Handler for the life of the
// process.
func New(config Config, logger *zerolog.Logger) (*Offload, error) {
	var log zerolog.Logger
	if logger == nil {
		log = zerolog.New(zerolog.NewConsoleWriter())
	} else {
		log = *logger
	}
	log = log.With().
		Str("origin", config.BaseServer).
		Str("cacheName", config.CacheName).
		Logger()

	if err := os.MkdirAll(config.CacheDir, 0o755); err != nil {
		return nil, err
	}

	mutex, err := xlock.Open(config.CacheDir, config.CacheName)
	if err != nil {
		return nil, err
	}

	registry, err := dupeslots.Open(config.CacheDir, config.CacheName, dupeslots.DefaultCapacity)
	if err != nil {
		mutex.Close()
		return nil, err
	}

	return &Offload{
		config:   config,
		log:      log,
		mutex:    mutex,
		registry: registry,
		origin: &originclient.Client{
			Host:      config.BaseServer,
			Port:      config.BaseServerPort,
			Timeout:   config.Timeout,
			UserAgent: config.UserAgent,
		},
		writers: streamer.NewManager(mutex),
		pid:     os.Getpid(),
	}, nil
}

// Close releases the mutex and registry handles. It does not wait for
// or stop in-flight CachingWorkers; Shutdown aborts them, and neither
// method waits for them to finish.
func (o *Offload) Close() error {
	if err := o.registry.Close(); err != nil {
		o.mutex.Close()
		return err
	}
	return o.mutex.Close()
}

// Shutdown aborts every in-flight CachingWorker, the goroutine-based
// analogue of every detached writer process catching a fatal signal
// (spec §5's "CachingWorker that catches any of HUP, INT, TERM...").
// The process's own signal handler, installed in cmd/offloadd, calls
// this once instead of each worker installing its own handler.
func (o *Offload) Shutdown() {
	o.writers.AbortAll()
}

// ServeHTTP implements http.Handler. It runs one request through the
// Request Pipeline (spec §4.8) end to end.
func (o *Offload) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	req := o.newRequest(w, r)
	if err := o.run(req); err != nil {
		pe := asPipelineError(err)
		req.log.Debug().Int("status", pe.status).Str("msg", pe.msg).Msg("request failed")
		writeError(w, pe)
	}
}
