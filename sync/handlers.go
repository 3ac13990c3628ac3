package sync

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/shirou/gopsutil/v4/disk"
)

// VolumeUsage reports space on the volume holding a replica.
type VolumeUsage struct {
	Total uint64 `json:"total"`
	Free  uint64 `json:"free"`
}

// StatusResponse is the body of GET /api/status.
type StatusResponse struct {
	DaemonStatus
	Volumes      map[string]VolumeUsage `json:"volumes"`
	RecentErrors []LogEntry             `json:"recentErrors"`
}

// RunResponse is the body of GET /api/runs/{id}.
type RunResponse struct {
	Run    *Run        `json:"run"`
	Events []SyncEvent `json:"events"`
}

// Handlers holds the HTTP handlers for the status API.
type Handlers struct {
	daemon *Daemon
}

// NewHandlers creates the status API handlers.
func NewHandlers(daemon *Daemon) *Handlers {
	return &Handlers{daemon: daemon}
}

// Router returns a router with every status route registered.
func (h *Handlers) Router() *mux.Router {
	r := mux.NewRouter()
	api := r.PathPrefix("/api").Subrouter()
	api.HandleFunc("/status", h.HandleStatus).Methods(http.MethodGet)
	api.HandleFunc("/runs", h.HandleListRuns).Methods(http.MethodGet)
	api.HandleFunc("/runs/{id:[0-9]+}", h.HandleGetRun).Methods(http.MethodGet)
	api.HandleFunc("/events", h.HandleSSE).Methods(http.MethodGet)
	return r
}

// Serve runs the status API on addr until ctx is cancelled.
func (h *Handlers) Serve(ctx context.Context, addr string) error {
	l := sub("handlers")
	srv := &http.Server{
		Addr:              addr,
		Handler:           h.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errc := make(chan error, 1)
	go func() {
		l.Info("status API listening", "addr", addr)
		errc <- srv.ListenAndServe()
	}()

	select {
	case err := <-errc:
		return fmt.Errorf("status API: %w", err)
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("status API shutdown: %w", err)
		}
		if err := <-errc; err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	}
}

// HandleStatus handles GET /api/status
func (h *Handlers) HandleStatus(w http.ResponseWriter, r *http.Request) {
	sub("handlers").Debug("HTTP status", "method", r.Method)

	resp := StatusResponse{
		DaemonStatus: h.daemon.Status(),
		Volumes:      make(map[string]VolumeUsage),
		RecentErrors: RecentErrors(),
	}
	for _, p := range h.daemon.Pairs() {
		if usage, err := disk.Usage(p.Replica); err == nil {
			resp.Volumes[p.Name] = VolumeUsage{Total: usage.Total, Free: usage.Free}
		}
	}
	writeJSON(w, resp)
}

// HandleListRuns handles GET /api/runs?pair=<name>&limit=<n>
func (h *Handlers) HandleListRuns(w http.ResponseWriter, r *http.Request) {
	l := sub("handlers")
	store := h.daemon.Store()
	if store == nil {
		http.Error(w, "history disabled", http.StatusNotFound)
		return
	}

	pair := r.URL.Query().Get("pair")
	limit := 50
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			l.Warn("list runs: invalid limit", "limit", v)
			http.Error(w, "invalid limit", http.StatusBadRequest)
			return
		}
		limit = n
	}

	runs, err := store.ListRuns(pair, limit)
	if err != nil {
		l.Error("list runs failed", "pair", pair, "err", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	if runs == nil {
		runs = []Run{}
	}
	writeJSON(w, map[string]any{"items": runs})
}

// HandleGetRun handles GET /api/runs/{id}
func (h *Handlers) HandleGetRun(w http.ResponseWriter, r *http.Request) {
	l := sub("handlers")
	store := h.daemon.Store()
	if store == nil {
		http.Error(w, "history disabled", http.StatusNotFound)
		return
	}

	id, err := strconv.ParseInt(mux.Vars(r)["id"], 10, 64)
	if err != nil {
		http.Error(w, "invalid id", http.StatusBadRequest)
		return
	}

	run, err := store.GetRun(id)
	if err != nil {
		l.Error("get run failed", "id", id, "err", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	if run == nil {
		http.Error(w, "run not found", http.StatusNotFound)
		return
	}

	events, err := store.ListRunEvents(id)
	if err != nil {
		l.Error("list run events failed", "id", id, "err", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	if events == nil {
		events = []SyncEvent{}
	}
	writeJSON(w, RunResponse{Run: run, Events: events})
}

// HandleSSE handles GET /api/events (Server-Sent Events stream).
func (h *Handlers) HandleSSE(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming not supported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	ch := h.daemon.Events().Subscribe()
	defer h.daemon.Events().Unsubscribe(ch)

	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case msg := <-ch:
			data, _ := json.Marshal(msg)
			fmt.Fprintf(w, "data: %s\n\n", data) //nolint:errcheck
			flusher.Flush()
		case <-ticker.C:
			fmt.Fprintf(w, ": heartbeat\n\n") //nolint:errcheck
			flusher.Flush()
		}
	}
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		sub("handlers").Warn("encode response failed", "err", err)
	}
}
