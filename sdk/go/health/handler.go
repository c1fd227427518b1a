// Copyright (C) The fleetsched Authors. All rights reserved.
//
// SPDX-License-Identifier: Apache-2.0

// Package health serves health checks as JSON.
package health

import (
	"encoding/json"
	"net/http"
	"strings"
)

// Func is a health-check function: it returns nil when healthy, an
// error when not.
type Func func() error

// Routes maps check names to health-check functions.
type Routes map[string]Func

// Handler is an http.Handler that responds to authenticated
// health-check requests with {"health":"OK"}, or with status 503 and
// {"health":"ERROR","error":"error text"}.
//
// The check named by the path after Prefix is run. A "ping" check
// that always succeeds is provided unless Routes has its own.
type Handler struct {
	// Authentication token. If empty, every request gets 404.
	Token string

	// Route prefix, typically "/_health/".
	Prefix string

	Routes Routes
}

var healthyBody = []byte(`{"health":"OK"}` + "\n")

// ServeHTTP implements http.Handler.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	prefix := h.Prefix
	if !strings.HasSuffix(prefix, "/") {
		prefix += "/"
	}
	if h.Token == "" || !strings.HasPrefix(r.URL.Path, prefix) {
		http.Error(w, "not found", http.StatusNotFound)
		return
	}
	name := strings.TrimPrefix(r.URL.Path, prefix)
	fn, ok := h.Routes[name]
	if !ok && name == "ping" {
		fn, ok = func() error { return nil }, true
	}
	if !ok {
		http.Error(w, "not found", http.StatusNotFound)
		return
	}
	if ah := r.Header.Get("Authorization"); ah == "" {
		http.Error(w, "authorization required", http.StatusUnauthorized)
		return
	} else if ah != "Bearer "+h.Token {
		http.Error(w, "authorization error", http.StatusForbidden)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	if err := fn(); err != nil {
		w.WriteHeader(http.StatusServiceUnavailable)
		json.NewEncoder(w).Encode(map[string]string{
			"health": "ERROR",
			"error":  err.Error(),
		})
		return
	}
	w.Write(healthyBody)
}
