package server

import (
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/nicktill/timeindex/pkg/httpx"
	"github.com/nicktill/timeindex/pkg/server/monitor"
)

// Version is reported by the health endpoint
const Version = "1.0.0"

var startTime = time.Now()

// StorageUsage represents current storage usage stats.
type StorageUsage struct {
	UsedBytes int64 `json:"used_bytes"`
	MaxBytes  int64 `json:"max_bytes"`
}

// HealthResponse represents the health check response.
type HealthResponse struct {
	Status  string               `json:"status"`
	Version string               `json:"version"`
	Uptime  string               `json:"uptime"`
	Tasks   []monitor.TaskStatus `json:"tasks"`
}

// handleHealth reports degraded when any background task is unhealthy.
func handleHealth(tasks ...*monitor.TaskMonitor) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		response := HealthResponse{
			Status:  "healthy",
			Version: Version,
			Uptime:  time.Since(startTime).Round(time.Second).String(),
			Tasks:   make([]monitor.TaskStatus, 0, len(tasks)),
		}
		statusCode := http.StatusOK

		for _, tm := range tasks {
			status := tm.Status()
			if !status.Healthy {
				response.Status = "degraded"
				statusCode = http.StatusServiceUnavailable
			}
			response.Tasks = append(response.Tasks, status)
		}

		httpx.RespondJSON(w, statusCode, response)
	}
}

// handleStorageUsage returns current storage usage.
func handleStorageUsage(sm *monitor.StorageMonitor) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		usedBytes, err := sm.GetUsage()
		if err != nil {
			httpx.RespondError(w, http.StatusInternalServerError, err)
			return
		}

		httpx.RespondJSON(w, http.StatusOK, StorageUsage{
			UsedBytes: usedBytes,
			MaxBytes:  sm.GetLimit(),
		})
	}
}

// Routes bundles everything SetupRoutes mounts
type Routes struct {
	API     *API
	Hub     *Hub
	Storage *monitor.StorageMonitor
	Tasks   []*monitor.TaskMonitor
	// Gatherer backs /metrics; nil skips the endpoint
	Gatherer prometheus.Gatherer
	Port     string
}

// SetupRoutes configures all HTTP routes for the server.
func SetupRoutes(router *mux.Router, rt Routes) {
	router.Use(corsMiddleware(rt.Port))
	router.Use(instrumentMiddleware(rt.API.metrics, rt.API.log))

	api := router.PathPrefix("/v1").Subrouter()

	// Index reads and writes
	api.HandleFunc("/indexes/{index}/entries", rt.API.HandleCreateEntry).Methods("POST")
	api.HandleFunc("/indexes/{index}/entries", rt.API.HandleEntries).Methods("GET")
	api.HandleFunc("/indexes/{index}/links", rt.API.HandleLinks).Methods("GET")
	api.HandleFunc("/indexes/{index}/buckets", rt.API.HandleBuckets).Methods("GET")
	api.HandleFunc("/indexes/{index}/current", rt.API.HandleCurrent).Methods("GET")
	api.HandleFunc("/indexes/{index}/latest", rt.API.HandleLatest).Methods("GET")
	api.HandleFunc("/indexes/{index}/since", rt.API.HandleSince).Methods("GET")
	api.HandleFunc("/entries/{addr}", rt.API.HandleRemove).Methods("DELETE")

	api.HandleFunc("/health", handleHealth(rt.Tasks...)).Methods("GET")
	if rt.Storage != nil {
		api.HandleFunc("/storage", handleStorageUsage(rt.Storage)).Methods("GET")
	}

	// WebSocket for index events
	if rt.Hub != nil {
		api.HandleFunc("/ws", rt.Hub.HandleWebSocket()).Methods("GET")
	}

	if rt.Gatherer != nil {
		router.Handle("/metrics", promhttp.HandlerFor(rt.Gatherer, promhttp.HandlerOpts{})).Methods("GET")
	}
}

// corsMiddleware creates CORS middleware that restricts to localhost origins only.
func corsMiddleware(port string) func(http.Handler) http.Handler {
	allowedOrigins := map[string]bool{
		"http://localhost:" + port: true,
		"http://127.0.0.1:" + port: true,
		"http://localhost:3000":    true,
		"http://127.0.0.1:3000":    true,
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			origin := r.Header.Get("Origin")
			if allowedOrigins[origin] {
				w.Header().Set("Access-Control-Allow-Origin", origin)
				w.Header().Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
				w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
				w.Header().Set("Access-Control-Allow-Credentials", "true")
			}

			if r.Method == http.MethodOptions {
				w.WriteHeader(http.StatusOK)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
