// Copyright (C) The fleetsched Authors. All rights reserved.
//
// SPDX-License-Identifier: Apache-2.0

package httpserver

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"google.golang.org/protobuf/encoding/protojson"
)

// Instrument records request durations in reg, labeled by status
// code and method.
func Instrument(reg *prometheus.Registry, h http.Handler) http.Handler {
	reqDuration := prometheus.NewSummaryVec(prometheus.SummaryOpts{
		Namespace: "fleetsched",
		Subsystem: "management",
		Name:      "request_duration_seconds",
		Help:      "Summary of management request duration.",
	}, []string{"code", "method"})
	reg.MustRegister(reqDuration)
	return http.HandlerFunc(func(wrapped http.ResponseWriter, req *http.Request) {
		w := &ResponseWriter{ResponseWriter: wrapped}
		t0 := time.Now()
		h.ServeHTTP(w, req)
		reqDuration.WithLabelValues(strconv.Itoa(w.Status()), strings.ToLower(req.Method)).Observe(time.Since(t0).Seconds())
	})
}

// MetricsJSON serves the metrics gathered from reg as a JSON array
// of metric families.
func MetricsJSON(reg prometheus.Gatherer) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		mfs, err := reg.Gather()
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		buf := []byte{'['}
		for i, mf := range mfs {
			if i > 0 {
				buf = append(buf, ',')
			}
			j, err := protojson.Marshal(mf)
			if err != nil {
				http.Error(w, err.Error(), http.StatusInternalServerError)
				return
			}
			buf = append(buf, j...)
		}
		buf = append(buf, ']')
		w.Header().Set("Content-Type", "application/json")
		w.Write(buf)
	})
}
