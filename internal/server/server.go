package server

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"skyguide/internal/dispatch"
	"skyguide/internal/guide"
	"skyguide/internal/guider"
	"skyguide/internal/storage"

	"github.com/gorilla/mux"
)

// Server exposes the guider over HTTP: REST actions, telemetry, an SSE
// stream and a WebSocket feed.
type Server struct {
	addr   string
	ctrl   *dispatch.Controller
	store  *storage.Store
	hub    *Hub
	log    *slog.Logger
	server *http.Server
}

// NewServer creates a server bound to ctrl. store may be nil.
func NewServer(addr string, ctrl *dispatch.Controller, store *storage.Store, log *slog.Logger) *Server {
	return &Server{
		addr:  addr,
		ctrl:  ctrl,
		store: store,
		hub:   NewHub(log),
		log:   log,
	}
}

// Start serves until ctx is cancelled.
func (s *Server) Start(ctx context.Context) error {
	go s.hub.Run(ctx)
	go s.pump(ctx)

	s.server = &http.Server{
		Addr:              s.addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		s.log.Info("Shutting down HTTP server...")
		ctxShutdown, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		s.server.Shutdown(ctxShutdown)
	}()

	s.log.Info("HTTP server starting", "addr", s.addr)
	err := s.server.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Handler returns the routed handler.
func (s *Server) Handler() http.Handler {
	r := mux.NewRouter()
	s.setupRoutes(r)
	return r
}

func (s *Server) setupRoutes(r *mux.Router) {
	r.HandleFunc("/healthz", s.handleHealth).Methods("GET")
	r.HandleFunc("/api/telemetry", s.handleTelemetry).Methods("GET")
	r.HandleFunc("/api/calibration", s.handleCalibration).Methods("GET")
	r.HandleFunc("/api/params", s.handleParams).Methods("GET")
	r.HandleFunc("/api/params", s.handleSetParams).Methods("PUT")
	r.HandleFunc("/api/actions/{action}", s.handleAction).Methods("POST")
	r.HandleFunc("/api/sessions", s.handleSessions).Methods("GET")
	r.HandleFunc("/api/sessions/{id:[0-9]+}/samples", s.handleSamples).Methods("GET")
	r.HandleFunc("/stream", s.handleStream).Methods("GET")
	r.HandleFunc("/ws", s.handleWebSocket).Methods("GET")
}

// pump forwards loop updates to WebSocket clients.
func (s *Server) pump(ctx context.Context) {
	updates, unsubscribe := s.ctrl.Subscribe()
	defer unsubscribe()
	for {
		select {
		case <-ctx.Done():
			return
		case u, ok := <-updates:
			if !ok {
				return
			}
			payload, err := json.Marshal(u)
			if err != nil {
				s.log.Warn("encode update", "error", err)
				continue
			}
			s.hub.Broadcast(payload)
		}
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

// statusFor maps controller errors to HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, guider.ErrNotSuspended), errors.Is(err, guider.ErrNotGuiding):
		return http.StatusConflict
	case errors.Is(err, dispatch.ErrStopped):
		return http.StatusServiceUnavailable
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		return http.StatusGatewayTimeout
	}
	return http.StatusInternalServerError
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ok"))
}

func (s *Server) handleTelemetry(w http.ResponseWriter, r *http.Request) {
	t, err := s.ctrl.Telemetry(r.Context())
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusOK, t)
}

func (s *Server) handleCalibration(w http.ResponseWriter, r *http.Request) {
	c, err := s.ctrl.Calibration(r.Context())
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"calibration": c,
		"calibrated":  !c.IsZero(),
	})
}

func (s *Server) handleParams(w http.ResponseWriter, r *http.Request) {
	p, err := s.ctrl.Params(r.Context())
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

func (s *Server) handleSetParams(w http.ResponseWriter, r *http.Request) {
	var p guide.Params
	if err := json.NewDecoder(r.Body).Decode(&p); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if err := p.Validate(); err != nil {
		writeError(w, http.StatusUnprocessableEntity, err)
		return
	}
	if err := s.ctrl.SetParams(r.Context(), p); err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

func (s *Server) handleAction(w http.ResponseWriter, r *http.Request) {
	a, err := guider.ParseAction(mux.Vars(r)["action"])
	if err != nil {
		writeError(w, http.StatusNotFound, err)
		return
	}
	if err := s.ctrl.Action(r.Context(), a); err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	t, err := s.ctrl.Telemetry(r.Context())
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	s.log.Info("action accepted", "action", string(a), "remote", r.RemoteAddr)
	writeJSON(w, http.StatusAccepted, map[string]any{
		"action": a,
		"status": t.Status,
		"phase":  t.Phase,
	})
}

func (s *Server) handleSessions(w http.ResponseWriter, r *http.Request) {
	limit := 50
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			writeError(w, http.StatusBadRequest, errors.New("limit must be a positive integer"))
			return
		}
		limit = n
	}
	recs, err := s.store.RecentSessions(limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	if recs == nil {
		recs = []storage.SessionRecord{}
	}
	writeJSON(w, http.StatusOK, recs)
}

func (s *Server) handleSamples(w http.ResponseWriter, r *http.Request) {
	id, _ := strconv.ParseInt(mux.Vars(r)["id"], 10, 64)
	samples, err := s.store.SessionSamples(id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	if samples == nil {
		samples = []storage.Sample{}
	}
	writeJSON(w, http.StatusOK, samples)
}

// handleStream sends the latest snapshot, then every update, as server-sent events.
func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}
	updates, unsubscribe := s.ctrl.Subscribe()
	defer unsubscribe()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")

	latest := s.ctrl.Loop().Latest()
	send := func(u dispatch.Update) {
		payload, _ := json.Marshal(u)
		_, _ = w.Write([]byte("data: " + string(payload) + "\n\n"))
		flusher.Flush()
	}
	send(dispatch.Update{Kind: "telemetry", Time: latest.Time, Telemetry: &latest})

	for {
		select {
		case <-r.Context().Done():
			return
		case u, ok := <-updates:
			if !ok {
				return
			}
			send(u)
		}
	}
}
