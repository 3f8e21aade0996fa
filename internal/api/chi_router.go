// Custodywatch - Firearm Custody Anomaly Detection
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/custodywatch

package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Router wires handlers and middleware into a Chi mux.
type Router struct {
	anomalies     *AnomalyHandlers
	health        *HealthHandler
	chiMiddleware *ChiMiddleware
}

// NewRouter creates a router.
func NewRouter(anomalies *AnomalyHandlers, health *HealthHandler, mw *ChiMiddleware) *Router {
	if mw == nil {
		mw = NewChiMiddleware(nil)
	}
	return &Router{
		anomalies:     anomalies,
		health:        health,
		chiMiddleware: mw,
	}
}

// SetupChi configures all HTTP routes.
func (router *Router) SetupChi() http.Handler {
	r := chi.NewRouter()

	r.Use(RequestIDWithLogging())
	r.Use(chimiddleware.RealIP)
	r.Use(chimiddleware.Recoverer)
	r.Use(router.chiMiddleware.CORS()) // must be global to answer OPTIONS preflight

	r.Get("/healthz", router.health.Healthz)
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/api/v1/anomalies", func(r chi.Router) {
		r.Use(router.chiMiddleware.RateLimit())
		r.Use(APISecurityHeaders())
		r.Use(PrometheusMetrics())

		r.Get("/", router.anomalies.ListAnomalies)
		r.Post("/scan", router.anomalies.RunScan)
		r.Post("/detect", router.anomalies.RunScan) // route used by existing dashboard clients
		r.Get("/statistics", router.anomalies.Statistics)
		r.Get("/{id}", router.anomalies.GetAnomaly)
		r.Post("/{id}/review", router.anomalies.ReviewAnomaly)
	})

	return r
}
