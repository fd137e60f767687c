package metrics

import (
	"database/sql"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
)

const (
	metricPrefix = "stationsync_"

	resultSuccess = "success"
	resultError   = "error"
)

var (
	registerOnce sync.Once

	cycleTotal   *prometheus.CounterVec
	cycleLatency *prometheus.HistogramVec

	fetchRequests *prometheus.CounterVec

	readingsIngested  prometheus.Counter
	quarantineBatches prometheus.Counter

	bucketsRebuilt *prometheus.CounterVec
	repairLatency  *prometheus.HistogramVec

	watermarkLag    *prometheus.GaugeVec
	backoffAttempts *prometheus.GaugeVec
	stationsActive  prometheus.Gauge
)

// Init registers metrics and DB-backed gauges. A nil db skips the DB gauges.
func Init(db *sql.DB, logger logrus.FieldLogger) {
	registerOnce.Do(func() {
		cycleTotal = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "cycle_total",
				Help: "Total station cycles by result",
			},
			[]string{"result"},
		)
		cycleLatency = prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    metricPrefix + "cycle_latency_seconds",
				Help:    "Station cycle latency in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"result"},
		)

		fetchRequests = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "vendor_requests_total",
				Help: "Total vendor API requests by result",
			},
			[]string{"result"},
		)

		readingsIngested = prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: metricPrefix + "readings_ingested_total",
				Help: "Total readings committed to the raw series",
			},
		)
		quarantineBatches = prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: metricPrefix + "quarantined_batches_total",
				Help: "Total batches rejected for constraint violations",
			},
		)

		bucketsRebuilt = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "buckets_rebuilt_total",
				Help: "Total rollup buckets rebuilt by granularity",
			},
			[]string{"granularity"},
		)
		repairLatency = prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    metricPrefix + "repair_latency_seconds",
				Help:    "Rollup repair latency in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"result"},
		)

		watermarkLag = prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: metricPrefix + "watermark_lag_seconds",
				Help: "Distance between now and the station watermark",
			},
			[]string{"station"},
		)
		backoffAttempts = prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: metricPrefix + "backoff_attempts",
				Help: "Consecutive failed cycles per station",
			},
			[]string{"station"},
		)
		stationsActive = prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: metricPrefix + "stations_active",
				Help: "Stations currently scheduled",
			},
		)

		prometheus.MustRegister(
			cycleTotal,
			cycleLatency,
			fetchRequests,
			readingsIngested,
			quarantineBatches,
			bucketsRebuilt,
			repairLatency,
			watermarkLag,
			backoffAttempts,
			stationsActive,
		)

		if db != nil {
			registerDBMetrics(db, logger)
		}
	})
}

// ObserveCycle records station cycle duration and result.
func ObserveCycle(result string, duration time.Duration) {
	if result == "" {
		result = resultSuccess
	}
	if cycleTotal != nil {
		cycleTotal.WithLabelValues(result).Inc()
	}
	if cycleLatency != nil {
		cycleLatency.WithLabelValues(result).Observe(duration.Seconds())
	}
}

// IncFetchRequest counts a vendor request.
func IncFetchRequest(result string) {
	if result == "" {
		result = "unknown"
	}
	if fetchRequests != nil {
		fetchRequests.WithLabelValues(result).Inc()
	}
}

// AddReadingsIngested adds committed readings.
func AddReadingsIngested(count int) {
	if count <= 0 {
		return
	}
	if readingsIngested != nil {
		readingsIngested.Add(float64(count))
	}
}

// IncQuarantinedBatch counts a rejected batch.
func IncQuarantinedBatch() {
	if quarantineBatches != nil {
		quarantineBatches.Inc()
	}
}

// AddBucketsRebuilt adds rebuilt buckets of a granularity.
func AddBucketsRebuilt(granularity string, count int) {
	if count <= 0 {
		return
	}
	if bucketsRebuilt != nil {
		bucketsRebuilt.WithLabelValues(granularity).Add(float64(count))
	}
}

// ObserveRepair records rollup repair latency and result.
func ObserveRepair(result string, duration time.Duration) {
	if result == "" {
		result = resultSuccess
	}
	if repairLatency != nil {
		repairLatency.WithLabelValues(result).Observe(duration.Seconds())
	}
}

// ObserveWatermarkLag sets the watermark lag of a station.
func ObserveWatermarkLag(stationID string, lag time.Duration) {
	if lag < 0 {
		lag = 0
	}
	if watermarkLag != nil {
		watermarkLag.WithLabelValues(stationID).Set(lag.Seconds())
	}
}

// SetBackoffAttempts sets the consecutive failure count of a station.
func SetBackoffAttempts(stationID string, attempts int) {
	if backoffAttempts != nil {
		backoffAttempts.WithLabelValues(stationID).Set(float64(attempts))
	}
}

// ForgetStation drops per-station series of a removed station.
func ForgetStation(stationID string) {
	if watermarkLag != nil {
		watermarkLag.DeleteLabelValues(stationID)
	}
	if backoffAttempts != nil {
		backoffAttempts.DeleteLabelValues(stationID)
	}
}

// SetStationsActive sets the number of scheduled stations.
func SetStationsActive(count int) {
	if stationsActive != nil {
		stationsActive.Set(float64(count))
	}
}

// Exported constants for callers.
const (
	ResultSuccess = resultSuccess
	ResultError   = resultError
)
