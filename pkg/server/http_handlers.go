package server

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// HTTPHandler routes the HTTP side port: /ws, /metrics and /health
func (s *Server) HTTPHandler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.HandleWebSocket)
	mux.HandleFunc("/health", s.HealthHandler)
	mux.Handle("/metrics", promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{}))
	return mux
}

// HealthHandler serves health check status
func (s *Server) HealthHandler(w http.ResponseWriter, r *http.Request) {
	health := map[string]interface{}{
		"status":            "healthy",
		"uptime_seconds":    int64(time.Since(s.startTime).Seconds()),
		"active_sessions":   s.SessionCount(),
		"online_identities": s.directory.Len(),
		"max_sessions":      s.config.MaxSessions,
	}
	if counter, ok := findCounter(s.history); ok {
		if n, err := counter.Count(); err == nil {
			health["stored_messages"] = n
		} else {
			errorLog.Printf("Failed to count stored messages: %v", err)
		}
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	if err := json.NewEncoder(w).Encode(health); err != nil {
		errorLog.Printf("Error encoding health JSON: %v", err)
	}
}

