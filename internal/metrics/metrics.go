// SPDX-FileCopyrightText: Winni Neessen <wn@neessen.dev>
//
// SPDX-License-Identifier: MIT

// Package metrics holds the Prometheus collectors of the geohash service.
package metrics

import (
	"net/http"
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	RequestsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "geohashd_requests_total",
		Help: "Total number of served requests by command",
	}, []string{"cmd"})
	ErrorsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "geohashd_errors_total",
		Help: "Total number of error replies and closed sessions by kind",
	}, []string{"kind"})
	ActiveSessions = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "geohashd_active_sessions",
		Help: "Number of currently connected client sessions",
	})
	SessionsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "geohashd_sessions_total",
		Help: "Total number of accepted client sessions",
	})
	ResolutionsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "geohashd_resolutions_total",
		Help: "Total number of resolutions by matched precision (0 for a miss)",
	}, []string{"precision"})
	CacheHitsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "geohashd_cache_hits_total",
		Help: "Total resolution cache hits by tier",
	}, []string{"tier"})
	CacheMissesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "geohashd_cache_misses_total",
		Help: "Total resolution cache misses by tier",
	}, []string{"tier"})
	LookupDurationMs = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "geohashd_lookup_duration_ms",
		Help:    "Spatial table lookup duration in milliseconds",
		Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 20, 50, 100, 500},
	})
)

func init() {
	prometheus.MustRegister(RequestsTotal)
	prometheus.MustRegister(ErrorsTotal)
	prometheus.MustRegister(ActiveSessions)
	prometheus.MustRegister(SessionsTotal)
	prometheus.MustRegister(ResolutionsTotal)
	prometheus.MustRegister(CacheHitsTotal)
	prometheus.MustRegister(CacheMissesTotal)
	prometheus.MustRegister(LookupDurationMs)
}

// ObserveResolution counts a resolution at the given precision.
func ObserveResolution(precision int) {
	ResolutionsTotal.WithLabelValues(strconv.Itoa(precision)).Inc()
}

// Handler returns the HTTP handler exposing all registered collectors.
func Handler() http.Handler { return promhttp.Handler() }
