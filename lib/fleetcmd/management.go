// Copyright (C) The fleetsched Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package fleetcmd

import (
	"context"
	"net"
	"net/http"
	"time"

	"github.com/experiment-suite/fleetsched/sdk/go/ctxlog"
	"github.com/experiment-suite/fleetsched/sdk/go/health"
	"github.com/experiment-suite/fleetsched/sdk/go/httpserver"
	"github.com/julienschmidt/httprouter"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// managementHandler serves metrics from reg and the given health
// checks. Every request must carry token.
func managementHandler(ctx context.Context, reg *prometheus.Registry, token string, checks health.Routes) http.Handler {
	mux := httprouter.New()
	mux.Handler("GET", "/metrics", requireToken(token, promhttp.HandlerFor(reg, promhttp.HandlerOpts{
		ErrorLog: ctxlog.FromContext(ctx),
	})))
	mux.Handler("GET", "/metrics.json", requireToken(token, httpserver.MetricsJSON(reg)))
	mux.Handler("GET", "/_health/:check", &health.Handler{
		Token:  token,
		Prefix: "/_health/",
		Routes: checks,
	})
	return httpserver.AddRequestIDs(
		httpserver.LogRequests(ctxlog.FromContext(ctx),
			httpserver.Instrument(reg, mux)))
}

func requireToken(token string, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.Header.Get("Authorization") {
		case "Bearer " + token:
			next.ServeHTTP(w, r)
		case "":
			http.Error(w, "authorization required", http.StatusUnauthorized)
		default:
			http.Error(w, "authorization error", http.StatusForbidden)
		}
	})
}

// startManagementServer listens on addr and serves the management
// handler until the returned server is closed.
func startManagementServer(ctx context.Context, addr string, handler http.Handler) (*http.Server, error) {
	logger := ctxlog.FromContext(ctx)
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}
	srv := &http.Server{
		Addr:              ln.Addr().String(),
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		err := srv.Serve(ln)
		if err != http.ErrServerClosed {
			logger.WithError(err).Error("management server failed")
		}
	}()
	logger.WithField("Listen", srv.Addr).Info("management server listening")
	return srv, nil
}

func registerProcessMetrics(reg *prometheus.Registry) {
	reg.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	reg.MustRegister(collectors.NewGoCollector())
}
