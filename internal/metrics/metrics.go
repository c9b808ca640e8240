package metrics

import (
	"net"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
)

var (
	// History metrics
	ObservationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "iplog_observations_total",
			Help: "Observations merged into the history, by source and outcome",
		},
		[]string{"source", "outcome"},
	)

	UsersTracked = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "iplog_users",
			Help: "Number of usernames with at least one recorded address",
		},
	)

	EntriesTracked = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "iplog_entries",
			Help: "Number of (username, address) entries in the history",
		},
	)

	// Storage metrics
	StoreSavesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "iplog_store_saves_total",
			Help: "Full document saves, by result",
		},
		[]string{"result"},
	)

	StoreSaveDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "iplog_store_save_duration_seconds",
			Help:    "Time spent serializing and writing the history document",
			Buckets: []float64{.0005, .001, .005, .01, .025, .05, .1, .25, .5, 1},
		},
	)

	MigrationsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "iplog_migrations_total",
			Help: "Legacy documents upgraded to the current shape",
		},
	)

	// Geolocation metrics
	GeoLookupsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "iplog_geolocation_lookups_total",
			Help: "Geolocation provider lookups, by provider and result",
		},
		[]string{"provider", "result"},
	)

	GeoCacheHits = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "iplog_geolocation_cache_hits_total",
			Help: "Geolocation lookups answered from cache",
		},
	)

	// Backfill metrics
	BackfillLinesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "iplog_backfill_lines_total",
			Help: "Archived log lines read during backfill, by result",
		},
		[]string{"result"},
	)

	BackfillArchivesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "iplog_backfill_archives_total",
			Help: "Archives processed during backfill, by result",
		},
		[]string{"result"},
	)

	// Follower metrics
	FollowLinesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "iplog_follow_lines_total",
			Help: "Live log lines read by the follower, by result",
		},
		[]string{"result"},
	)
)

func init() {
	// Register all metrics
	prometheus.MustRegister(
		ObservationsTotal,
		UsersTracked,
		EntriesTracked,
		StoreSavesTotal,
		StoreSaveDuration,
		MigrationsTotal,
		GeoLookupsTotal,
		GeoCacheHits,
		BackfillLinesTotal,
		BackfillArchivesTotal,
		FollowLinesTotal,
	)
}

// Server is the metrics HTTP server
type Server struct {
	server   *http.Server
	logger   zerolog.Logger
	listener net.Listener // Optional pre-created listener (for systemd socket activation)
}

// NewServer creates a new metrics server
func NewServer(addr string, logger zerolog.Logger) *Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("OK"))
	})

	return &Server{
		server: &http.Server{
			Addr:    addr,
			Handler: mux,
		},
		logger: logger.With().Str("component", "metrics").Logger(),
	}
}

// SetListener sets a pre-created listener for systemd socket activation
func (s *Server) SetListener(ln net.Listener) {
	s.listener = ln
}

// Start starts the metrics server
func (s *Server) Start() error {
	s.logger.Info().Str("addr", s.server.Addr).Msg("Starting metrics server")
	go func() {
		var err error
		if s.listener != nil {
			s.logger.Debug().Msg("Using systemd socket-activated metrics listener")
			err = s.server.Serve(s.listener)
		} else {
			err = s.server.ListenAndServe()
		}
		if err != nil && err != http.ErrServerClosed {
			s.logger.Error().Err(err).Msg("Metrics server error")
		}
	}()
	return nil
}

// Stop stops the metrics server
func (s *Server) Stop() error {
	s.logger.Info().Msg("Stopping metrics server")
	return s.server.Close()
}
