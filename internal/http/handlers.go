package httpapi

import (
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/example/ev-charging/internal/dispatch"
	"github.com/example/ev-charging/internal/models"
	"github.com/example/ev-charging/internal/route"
	"github.com/example/ev-charging/internal/sim"
	"github.com/example/ev-charging/internal/storage"
)

type Server struct {
	Engine   *sim.Engine
	Stations storage.StationStore
	Users    storage.UserStore
	Route    *route.OSRMClient
	WSReg    *dispatch.WSRegistry

	logger *slog.Logger
	mux    *mux.Router
}

func NewServer(engine *sim.Engine, stations storage.StationStore, users storage.UserStore, routeClient *route.OSRMClient, wsreg *dispatch.WSRegistry, logger *slog.Logger) *Server {
	s := &Server{
		Engine:   engine,
		Stations: stations,
		Users:    users,
		Route:    routeClient,
		WSReg:    wsreg,
		logger:   logger,
		mux:      mux.NewRouter(),
	}
	s.registerMiddleware()
	s.routes()
	return s
}

func (s *Server) routes() {
	api := s.mux.PathPrefix("/api").Subrouter()
	api.HandleFunc("/start", s.handleStart).Methods("POST")
	api.HandleFunc("/stop", s.handleStop).Methods("POST")
	api.HandleFunc("/reset", s.handleReset).Methods("POST")
	api.HandleFunc("/status", s.handleStatus).Methods("GET")
	api.HandleFunc("/update-location", s.handleUpdateLocation).Methods("POST")
	api.HandleFunc("/update-battery", s.handleUpdateBattery).Methods("POST")
	api.HandleFunc("/update-drain-rate", s.handleUpdateDrainRate).Methods("POST")
	api.HandleFunc("/start-navigation", s.handleStartNavigation).Methods("POST")
	api.HandleFunc("/navigation-status", s.handleNavigationStatus).Methods("GET")
	api.HandleFunc("/end-navigation", s.handleEndNavigation).Methods("POST")
	api.HandleFunc("/route", s.handleRoute).Methods("GET")
	api.HandleFunc("/stations", s.handleListStations).Methods("GET")
	api.HandleFunc("/stations/{id}/slot-update", s.handleSlotUpdate).Methods("POST")
	api.HandleFunc("/stations/bulk-slot-update", s.handleBulkSlotUpdate).Methods("POST")
	api.HandleFunc("/users", s.handleListUsers).Methods("GET")

	s.mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(200); w.Write([]byte("ok")) }).Methods("GET")
	s.mux.Handle("/metrics", promhttp.Handler())
	s.mux.HandleFunc("/ws/{email}", s.handleWS)
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) { s.mux.ServeHTTP(w, r) }

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeMessage(w http.ResponseWriter, msg string) {
	writeJSON(w, http.StatusOK, map[string]string{"message": msg})
}

// writeError maps the simulation error taxonomy onto HTTP statuses:
// conflicts and validation failures are 400s, unknown stations 404,
// anything else is an upstream failure surfaced as 500 with its text.
func (s *Server) writeError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, sim.ErrAlreadyRunning),
		errors.Is(err, sim.ErrNotRunning),
		errors.Is(err, sim.ErrInvalidDrainRate),
		errors.Is(err, sim.ErrInvalidBatteryLevel),
		errors.Is(err, sim.ErrBatteryDepleted):
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
	case errors.Is(err, storage.ErrStationNotFound):
		writeJSON(w, http.StatusNotFound, map[string]string{"error": err.Error()})
	default:
		s.logger.Error("request failed", "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
	}
}

func badRequest(w http.ResponseWriter, msg string) {
	writeJSON(w, http.StatusBadRequest, map[string]string{"error": msg})
}

type startRequest struct {
	Email          string   `json:"email"`
	InitialBattery *float64 `json:"initialBattery"`
	DrainRate      *float64 `json:"drainRate"`
}

func (s *Server) handleStart(w http.ResponseWriter, r *http.Request) {
	var req startRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		badRequest(w, "invalid request body")
		return
	}
	if req.Email == "" {
		badRequest(w, "email is required")
		return
	}
	if err := s.Engine.Start(r.Context(), req.Email, req.InitialBattery, req.DrainRate); err != nil {
		s.writeError(w, err)
		return
	}
	writeMessage(w, "vehicle started")
}

type emailRequest struct {
	Email string `json:"email"`
}

func (s *Server) handleStop(w http.ResponseWriter, r *http.Request) {
	var req emailRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Email == "" {
		badRequest(w, "email is required")
		return
	}
	if err := s.Engine.Stop(r.Context(), req.Email); err != nil {
		s.writeError(w, err)
		return
	}
	writeMessage(w, "vehicle stopped")
}

func (s *Server) handleReset(w http.ResponseWriter, r *http.Request) {
	var req emailRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Email == "" {
		badRequest(w, "email is required")
		return
	}
	if err := s.Engine.Reset(r.Context(), req.Email); err != nil {
		s.writeError(w, err)
		return
	}
	writeMessage(w, "vehicle reset")
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	email := r.URL.Query().Get("email")
	if email == "" {
		badRequest(w, "email is required")
		return
	}
	snap, err := s.Engine.Status(r.Context(), email)
	if err != nil {
		s.writeError(w, err)
		return
	}
	// mirror the snapshot to a connected map client, best effort
	if s.WSReg != nil {
		_ = s.WSReg.Send(email, snap)
	}
	writeJSON(w, http.StatusOK, snap)
}

type locationRequest struct {
	Email     string   `json:"email"`
	Latitude  *float64 `json:"latitude"`
	Longitude *float64 `json:"longitude"`
}

func (s *Server) handleUpdateLocation(w http.ResponseWriter, r *http.Request) {
	var req locationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		badRequest(w, "invalid request body")
		return
	}
	if req.Email == "" || req.Latitude == nil || req.Longitude == nil {
		badRequest(w, "email, latitude and longitude are required")
		return
	}
	if err := s.Engine.UpdateLocation(r.Context(), req.Email, *req.Latitude, *req.Longitude); err != nil {
		s.writeError(w, err)
		return
	}
	writeMessage(w, "location updated")
}

type batteryRequest struct {
	Email        string   `json:"email"`
	BatteryLevel *float64 `json:"batteryLevel"`
}

func (s *Server) handleUpdateBattery(w http.ResponseWriter, r *http.Request) {
	var req batteryRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		badRequest(w, "invalid request body")
		return
	}
	if req.Email == "" || req.BatteryLevel == nil {
		badRequest(w, "email and batteryLevel are required")
		return
	}
	if err := s.Engine.UpdateBattery(r.Context(), req.Email, *req.BatteryLevel); err != nil {
		s.writeError(w, err)
		return
	}
	writeMessage(w, "battery updated")
}

type drainRateRequest struct {
	Email     string   `json:"email"`
	DrainRate *float64 `json:"drainRate"`
}

func (s *Server) handleUpdateDrainRate(w http.ResponseWriter, r *http.Request) {
	var req drainRateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		badRequest(w, "invalid request body")
		return
	}
	if req.Email == "" || req.DrainRate == nil {
		badRequest(w, "email and drainRate are required")
		return
	}
	if err := s.Engine.UpdateDrainRate(r.Context(), req.Email, *req.DrainRate); err != nil {
		s.writeError(w, err)
		return
	}
	writeMessage(w, "drain rate updated")
}

type navigationRequest struct {
	Email    string   `json:"email"`
	StartLat *float64 `json:"start_lat"`
	StartLng *float64 `json:"start_lng"`
	EndLat   *float64 `json:"end_lat"`
	EndLng   *float64 `json:"end_lng"`
}

func (s *Server) handleStartNavigation(w http.ResponseWriter, r *http.Request) {
	var req navigationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		badRequest(w, "invalid request body")
		return
	}
	if req.Email == "" || req.StartLat == nil || req.StartLng == nil || req.EndLat == nil || req.EndLng == nil {
		badRequest(w, "email and start/end coordinates are required")
		return
	}
	if err := s.Engine.BeginNavigation(r.Context(), req.Email, *req.StartLat, *req.StartLng, *req.EndLat, *req.EndLng); err != nil {
		s.writeError(w, err)
		return
	}
	resp := map[string]any{"message": "navigation started"}
	if s.Route != nil {
		if rt, err := s.Route.DrivingRoute(r.Context(), *req.StartLat, *req.StartLng, *req.EndLat, *req.EndLng); err == nil {
			resp["route"] = rt
		} else {
			s.logger.Warn("route lookup failed", "email", req.Email, "error", err)
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleNavigationStatus(w http.ResponseWriter, r *http.Request) {
	email := r.URL.Query().Get("email")
	if email == "" {
		badRequest(w, "email is required")
		return
	}
	nav, err := s.Engine.NavigationStatus(r.Context(), email)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, nav)
}

func (s *Server) handleEndNavigation(w http.ResponseWriter, r *http.Request) {
	var req emailRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Email == "" {
		badRequest(w, "email is required")
		return
	}
	if err := s.Engine.EndNavigation(r.Context(), req.Email); err != nil {
		s.writeError(w, err)
		return
	}
	writeMessage(w, "navigation ended")
}

func (s *Server) handleRoute(w http.ResponseWriter, r *http.Request) {
	if s.Route == nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "routing not configured"})
		return
	}
	q := r.URL.Query()
	coords := make([]float64, 0, 4)
	for _, k := range []string{"from_lat", "from_lng", "to_lat", "to_lng"} {
		f, err := strconv.ParseFloat(q.Get(k), 64)
		if err != nil {
			badRequest(w, k+" is required")
			return
		}
		coords = append(coords, f)
	}
	rt, err := s.Route.DrivingRoute(r.Context(), coords[0], coords[1], coords[2], coords[3])
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rt)
}

func (s *Server) handleListStations(w http.ResponseWriter, r *http.Request) {
	stations, err := s.Stations.ListStations(r.Context())
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"stations": stations})
}

type slotUpdateRequest struct {
	AvailableSlots *int `json:"available_slots"`
}

func (s *Server) handleSlotUpdate(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	var req slotUpdateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.AvailableSlots == nil {
		badRequest(w, "available_slots is required")
		return
	}
	if err := s.Stations.UpdateStationSlots(r.Context(), id, *req.AvailableSlots); err != nil {
		s.writeError(w, err)
		return
	}
	writeMessage(w, "slots updated")
}

type bulkSlotUpdateRequest struct {
	Updates []struct {
		ID             string `json:"id"`
		AvailableSlots int    `json:"available_slots"`
	} `json:"updates"`
}

func (s *Server) handleBulkSlotUpdate(w http.ResponseWriter, r *http.Request) {
	var req bulkSlotUpdateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || len(req.Updates) == 0 {
		badRequest(w, "updates are required")
		return
	}
	updates := make([]models.SlotUpdate, 0, len(req.Updates))
	for _, u := range req.Updates {
		updates = append(updates, models.SlotUpdate{StationID: u.ID, AvailableSlots: u.AvailableSlots})
	}
	if err := s.Stations.BulkUpdateSlots(r.Context(), updates); err != nil {
		s.writeError(w, err)
		return
	}
	writeMessage(w, "slots updated")
}

func (s *Server) handleListUsers(w http.ResponseWriter, r *http.Request) {
	users, err := s.Users.ListUsers(r.Context())
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"users": users})
}

var upgrader = websocket.Upgrader{}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	if s.WSReg == nil {
		http.Error(w, "live updates not enabled", http.StatusNotFound)
		return
	}
	email := mux.Vars(r)["email"]
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already written the handshake error response
		s.logger.Warn("websocket upgrade failed", "email", email, "error", err)
		return
	}
	s.WSReg.Add(email, conn)
}

func newID() string { b := make([]byte, 8); _, _ = rand.Read(b); return hex.EncodeToString(b) }
