package metrics

import (
	"context"
	"crypto/tls"
	"net/http"
	"os"
	"time"

	"shopflow/internal/log"
	"shopflow/internal/queue"
	"shopflow/internal/worker"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type JobMetrics struct {
	QueueDepth     *prometheus.GaugeVec
	WorkersActive  prometheus.Gauge
	JobsProcessed  prometheus.Gauge
	JobsErrored    prometheus.Gauge
	DatabaseHealth prometheus.Gauge
	store          *queue.Store
	pool           *worker.Pool
	addr           string
	logger         *log.Logger
}

func NewJobMetrics(store *queue.Store, pool *worker.Pool, addr string, logger *log.Logger) *JobMetrics {
	m := &JobMetrics{
		QueueDepth: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "shopflow_jobs_depth",
				Help: "Number of jobs per status",
			},
			[]string{"status"},
		),
		WorkersActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "shopflow_workers_active",
			Help: "Workers currently executing a job",
		}),
		JobsProcessed: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "shopflow_jobs_processed_total",
			Help: "Jobs completed by this process since start",
		}),
		JobsErrored: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "shopflow_jobs_errored_total",
			Help: "Job attempts that ended in an error since start",
		}),
		DatabaseHealth: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "shopflow_database_health",
			Help: "Database reachability (1 = healthy, 0 = unhealthy)",
		}),
		store:  store,
		pool:   pool,
		addr:   addr,
		logger: logger,
	}

	prometheus.MustRegister(
		m.QueueDepth,
		m.WorkersActive,
		m.JobsProcessed,
		m.JobsErrored,
		m.DatabaseHealth,
	)

	return m
}

func (m *JobMetrics) Run(ctx context.Context) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{
		Addr:    m.addr,
		Handler: mux,
	}

	certFile := os.Getenv("TLS_CERT_FILE")
	keyFile := os.Getenv("TLS_KEY_FILE")
	var tlsConfig *tls.Config
	if certFile != "" && keyFile != "" {
		cert, err := tls.LoadX509KeyPair(certFile, keyFile)
		if err != nil {
			m.logger.Fatalw("Failed to load TLS certificates for metrics", "error", err)
		}
		tlsConfig = &tls.Config{
			Certificates: []tls.Certificate{cert},
			MinVersion:   tls.VersionTLS12,
		}
	} else {
		m.logger.Warnw("TLS_CERT_FILE or TLS_KEY_FILE not set for metrics, using HTTP")
	}

	go m.collect(ctx)

	go func() {
		if tlsConfig != nil {
			srv.TLSConfig = tlsConfig
			m.logger.Infow("Metrics server starting with TLS", "addr", m.addr)
			if err := srv.ListenAndServeTLS("", ""); err != nil && err != http.ErrServerClosed {
				m.logger.Errorw("Metrics server failed", "error", err)
			}
		} else {
			m.logger.Infow("Metrics server starting without TLS", "addr", m.addr)
			if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				m.logger.Errorw("Metrics server failed", "error", err)
			}
		}
	}()
	<-ctx.Done()
	if err := srv.Shutdown(context.Background()); err != nil {
		m.logger.Errorw("Metrics server shutdown failed", "error", err)
	}
}

func (m *JobMetrics) collect(ctx context.Context) {
	ticker := time.NewTicker(10 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			m.logger.Infow("Metrics collection shutting down")
			return
		case <-ticker.C:
			depth, err := m.store.Stats(ctx)
			if err != nil {
				m.DatabaseHealth.Set(0)
				m.logger.Errorw("Failed to read queue depth for metrics", "error", err)
				continue
			}
			m.DatabaseHealth.Set(1)
			for status, n := range depth {
				m.QueueDepth.WithLabelValues(string(status)).Set(float64(n))
			}

			stats := m.pool.Stats()
			m.WorkersActive.Set(float64(stats.Active))
			m.JobsProcessed.Set(float64(stats.Processed))
			m.JobsErrored.Set(float64(stats.Errored))
		}
	}
}
