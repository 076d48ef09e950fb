// Package health serves liveness and readiness for the route service.
package health

import (
	"encoding/json"
	"net/http"
	"time"
)

func Liveness() http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	}
}

// StatusReporter exposes the fused-field freshness used by readiness.
type StatusReporter interface {
	LastFusion() (at time.Time, ran bool)
	GraphEdges() int
}

// Readiness reports ready once the graph is loaded and at least one
// fusion pass has completed.
func Readiness(sr StatusReporter) http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		type resp struct {
			Status     string    `json:"status"`
			Edges      int       `json:"edges,omitempty"`
			LastFusion time.Time `json:"last_fusion,omitempty"`
		}
		at, ran := sr.LastFusion()
		out := resp{Status: "not_ready", Edges: sr.GraphEdges()}
		if ran && out.Edges > 0 {
			out.Status = "ready"
			out.LastFusion = at
		}
		w.Header().Set("Content-Type", "application/json")
		if out.Status != "ready" {
			w.WriteHeader(http.StatusServiceUnavailable)
		}
		_ = json.NewEncoder(w).Encode(out)
	}
}
