package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/example/ambulance-dispatch/internal/auth"
	"github.com/example/ambulance-dispatch/internal/events"
	"github.com/example/ambulance-dispatch/internal/geo"
	"github.com/example/ambulance-dispatch/internal/models"
	"github.com/example/ambulance-dispatch/internal/observability"
	"github.com/example/ambulance-dispatch/internal/relay"
	"github.com/example/ambulance-dispatch/internal/storage"
)

// Check is a named readiness probe.
type Check struct {
	Name string
	Ping func(ctx context.Context) error
}

type Deps struct {
	// Hub relays frames between /ws sessions. The caller owns its lifecycle.
	Hub       relay.Relay
	Auth      *auth.Verifier
	Rides     storage.RideStore
	Events    events.Publisher
	Positions geo.Positions
	Checks    []Check

	SendBuffer int
	ReadLimit  int64
}

type Server struct {
	deps     Deps
	logger   *slog.Logger
	mux      *mux.Router
	upgrader websocket.Upgrader
}

func NewServer(d Deps, logger *slog.Logger) *Server {
	if d.Auth == nil {
		d.Auth = auth.NewVerifier("")
	}
	if d.Events == nil {
		d.Events = events.Nop{}
	}
	if d.Positions == nil {
		d.Positions = geo.NewIndex()
	}
	s := &Server{
		deps:   d,
		logger: logger.With("component", "http"),
		mux:    mux.NewRouter(),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			// clients are native apps and the simulator; identity comes from the token
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}
	s.registerMiddleware()
	s.routes()
	return s
}

func (s *Server) routes() {
	s.mux.HandleFunc("/ws", s.handleWS)
	s.mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(200); w.Write([]byte("ok")) }).Methods("GET")
	s.mux.HandleFunc("/ready", s.handleReady).Methods("GET")
	s.mux.Handle("/metrics", promhttp.Handler())

	rides := s.mux.PathPrefix("/ride").Subrouter()
	rides.Use(s.authMiddleware)
	rides.HandleFunc("/{id}/start", s.handleRideStart).Methods("POST")
	rides.HandleFunc("/{id}/complete", s.handleRideComplete).Methods("POST")
	rides.HandleFunc("/{id}", s.handleGetRide).Methods("GET")

	api := s.mux.PathPrefix("/api/v1").Subrouter()
	api.Use(s.authMiddleware)
	api.HandleFunc("/requests/{id}/positions", s.handlePositions).Methods("GET")
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) { s.mux.ServeHTTP(w, r) }

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	identity, err := s.deps.Auth.FromRequest(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusUnauthorized)
		return
	}
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// the upgrader has already written the error response
		s.logger.Warn("websocket upgrade failed", "error", err)
		return
	}
	s.logger.Info("relay session opened", "user_id", identity.ID, "role", identity.Role, "remote_addr", remoteIP(r))
	relay.Serve(s.deps.Hub, conn, identity, s.deps.SendBuffer, s.deps.ReadLimit, s.logger)
	s.logger.Info("relay session closed", "user_id", identity.ID, "role", identity.Role)
}

func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	for _, c := range s.deps.Checks {
		if err := c.Ping(ctx); err != nil {
			s.logger.Warn("readiness check failed", "check", c.Name, "error", err)
			http.Error(w, c.Name+" not ready", http.StatusServiceUnavailable)
			return
		}
	}
	w.WriteHeader(200)
	w.Write([]byte("ready"))
}

func (s *Server) handleRideStart(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	var body models.RideStart
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		http.Error(w, err.Error(), 400)
		return
	}
	if !body.Pickup.Valid() {
		http.Error(w, "pickup out of range", 400)
		return
	}
	ride, err := s.deps.Rides.StartRide(r.Context(), id, body)
	s.recorded("start", ride, err)
	if err != nil {
		http.Error(w, "could not record ride start", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, ride)
}

func (s *Server) handleRideComplete(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	var body models.RideCompletion
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		http.Error(w, err.Error(), 400)
		return
	}
	if body.DistanceKm < 0 || body.DurationMin < 0 || body.Fare < 0 {
		http.Error(w, "distance, duration and fare must not be negative", 400)
		return
	}
	ride, err := s.deps.Rides.CompleteRide(r.Context(), id, body)
	s.recorded("complete", ride, err)
	if err != nil {
		http.Error(w, "could not record ride completion", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, ride)
}

// recorded counts a ride write and announces it on the event exchange.
// Publish failures are logged; the record itself is already durable.
func (s *Server) recorded(milestone string, ride models.Ride, err error) {
	if err != nil {
		observability.RideRecordsTotal.WithLabelValues(milestone, "error").Inc()
		s.logger.Error("ride record failed", "milestone", milestone, "ride_id", ride.ID, "error", err)
		return
	}
	observability.RideRecordsTotal.WithLabelValues(milestone, "ok").Inc()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.deps.Events.PublishRide(ctx, ride); err != nil {
		s.logger.Warn("ride event publish failed", "ride_id", ride.ID, "routing_key", events.RoutingKey(ride), "error", err)
	}
}

func (s *Server) handleGetRide(w http.ResponseWriter, r *http.Request) {
	ride, err := s.deps.Rides.GetRide(r.Context(), mux.Vars(r)["id"])
	if errors.Is(err, storage.ErrNotFound) {
		http.Error(w, "ride not found", http.StatusNotFound)
		return
	}
	if err != nil {
		s.logger.Error("ride lookup failed", "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, ride)
}

func (s *Server) handlePositions(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	last, err := s.deps.Positions.Last(r.Context(), id)
	if err != nil {
		s.logger.Error("position lookup failed", "request_id", id, "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	if len(last) == 0 {
		http.Error(w, "no positions for request", http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"requestId": id, "positions": last})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
