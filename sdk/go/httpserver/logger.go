// Copyright (C) The fleetsched Authors. All rights reserved.
//
// SPDX-License-Identifier: Apache-2.0

// Package httpserver provides middleware for the management HTTP
// listener.
package httpserver

import (
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// IDGenerator returns unique request IDs.
type IDGenerator struct {
	// Prefix is prepended to each returned ID.
	Prefix string

	lastID int64
	mtx    sync.Mutex
}

// Next returns a new ID. It is safe to call from multiple goroutines.
func (g *IDGenerator) Next() string {
	id := time.Now().UnixNano()
	g.mtx.Lock()
	if id <= g.lastID {
		id = g.lastID + 1
	}
	g.lastID = id
	g.mtx.Unlock()
	return g.Prefix + strconv.FormatInt(id, 36)
}

// AddRequestIDs sets an X-Request-Id header on each request that
// doesn't already have one.
func AddRequestIDs(h http.Handler) http.Handler {
	gen := &IDGenerator{Prefix: "req-"}
	return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		if req.Header.Get("X-Request-Id") == "" {
			req.Header.Set("X-Request-Id", gen.Next())
		}
		h.ServeHTTP(w, req)
	})
}

// LogRequests logs each response at debug level, or at info level
// if the status is 400 or higher.
func LogRequests(logger logrus.FieldLogger, h http.Handler) http.Handler {
	return http.HandlerFunc(func(wrapped http.ResponseWriter, req *http.Request) {
		w := &ResponseWriter{ResponseWriter: wrapped}
		t0 := time.Now()
		h.ServeHTTP(w, req)
		status := w.Status()
		lgr := logger.WithFields(logrus.Fields{
			"RequestID":      req.Header.Get("X-Request-Id"),
			"remoteAddr":     req.RemoteAddr,
			"reqMethod":      req.Method,
			"reqPath":        req.URL.Path,
			"respStatusCode": status,
			"respBytes":      w.BodyBytes(),
			"timeTotal":      time.Since(t0).Seconds(),
		})
		if status >= 400 {
			lgr.Info("response")
		} else {
			lgr.Debug("response")
		}
	})
}

// ResponseWriter records the status and body size sent through it.
type ResponseWriter struct {
	http.ResponseWriter
	status    int
	bodyBytes int
}

func (w *ResponseWriter) WriteHeader(status int) {
	if w.status == 0 {
		w.status = status
	}
	w.ResponseWriter.WriteHeader(status)
}

func (w *ResponseWriter) Write(p []byte) (int, error) {
	if w.status == 0 {
		w.status = http.StatusOK
	}
	n, err := w.ResponseWriter.Write(p)
	w.bodyBytes += n
	return n, err
}

// Status returns the status sent to the client, or 200 if the
// handler wrote nothing.
func (w *ResponseWriter) Status() int {
	if w.status == 0 {
		return http.StatusOK
	}
	return w.status
}

// BodyBytes returns the number of body bytes written.
func (w *ResponseWriter) BodyBytes() int {
	return w.bodyBytes
}
