package httpapi

import (
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"

	"github.com/example/ride-dispatch/internal/apperr"
	"github.com/example/ride-dispatch/internal/config"
	"github.com/example/ride-dispatch/internal/dispatch"
	"github.com/example/ride-dispatch/internal/geo"
	"github.com/example/ride-dispatch/internal/ingest"
	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/notify"
	"github.com/example/ride-dispatch/internal/offers"
	"github.com/example/ride-dispatch/internal/storage"
)

type Server struct {
	Dispatch *dispatch.Service
	Offers   *offers.Engine
	Tracker  *ingest.Tracker
	Hub      *notify.Hub
	Store    storage.Store

	mux       *mux.Router
	logger    *slog.Logger
	jwtSecret []byte
}

// NewServerFromConfig wires the whole dispatch stack from configuration:
// Postgres or the in-memory store, the Redis geo index or the in-process
// one, the optional Kafka firehose and push gateway. Each backend falls
// back to its local stand-in when unconfigured so the binary runs without
// infrastructure.
func NewServerFromConfig(cfg config.ServerConfig, logger *slog.Logger) (*Server, error) {
	var store storage.Store
	if cfg.PGDSN != "" {
		ps, err := storage.NewPostgresStore(cfg.PGDSN)
		if err != nil {
			return nil, err
		}
		store = ps
	} else {
		store = storage.NewMemoryStore()
		logger.Warn("PG_DSN not set, using in-memory store")
	}

	var locator geo.Locator
	if cfg.RedisAddr != "" {
		client := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword})
		locator = geo.NewRedisLocator(client, store, cfg.RedisGeoKey, cfg.DriverStatusTTL, cfg.CandidateLimit, logger)
	} else {
		locator = geo.NewMemoryLocator(store)
		logger.Warn("REDIS_ADDR not set, using in-process geo index")
	}

	hub := notify.NewHub(logger)
	var notifier notify.Notifier = hub
	if cfg.PushEndpoint != "" {
		notifier = notify.Multi{hub, notify.NewPushGateway(cfg.PushEndpoint, cfg.PushKey)}
	}

	var producer *ingest.KafkaProducer
	if len(cfg.KafkaBrokers) > 0 {
		producer = ingest.NewKafkaProducer(cfg.KafkaBrokers, cfg.KafkaTopic)
	}

	svc := dispatch.NewService(dispatch.ConfigFromServer(cfg), store, locator, notifier, logger)
	engine := offers.NewEngine(offers.Config{
		OfferTTL:     cfg.OfferTTL,
		OfferCeiling: cfg.OfferCeiling,
		CitySpeedKmh: cfg.CitySpeedKmh,
		MaxFare:      cfg.MaxSuggestedFare,
	}, store, notifier, svc, logger)

	var pub ingestPublisher
	if producer != nil {
		pub = producer
	}
	tracker := ingest.NewTracker(ingest.TrackerConfig{
		Interval:      cfg.IngestInterval,
		StaleAfter:    time.Duration(cfg.StaleMultiplier) * cfg.IngestInterval,
		SweepEvery:    cfg.SweepInterval,
		SampleEvery:   cfg.HistorySampling,
		HistoryMaxAge: time.Duration(cfg.HistoryRetentionDays) * 24 * time.Hour,
	}, locator, store, svc, notifier, pub, logger)

	return NewServer(svc, engine, tracker, hub, store, []byte(cfg.JWTSecret), logger), nil
}

// ingestPublisher keeps the nil check honest: a nil *KafkaProducer must
// stay a nil interface.
type ingestPublisher interface {
	PublishPosition(ping models.PositionPing) error
}

func NewServer(svc *dispatch.Service, engine *offers.Engine, tracker *ingest.Tracker, hub *notify.Hub, store storage.Store, jwtSecret []byte, logger *slog.Logger) *Server {
	s := &Server{
		Dispatch:  svc,
		Offers:    engine,
		Tracker:   tracker,
		Hub:       hub,
		Store:     store,
		mux:       mux.NewRouter(),
		logger:    logger,
		jwtSecret: jwtSecret,
	}
	s.registerMiddleware()
	s.routes()
	return s
}

func (s *Server) routes() {
	s.mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(200); w.Write([]byte("ok")) }).Methods("GET")
	s.mux.Handle("/metrics", promhttp.Handler())

	api := s.mux.PathPrefix("/api/v1").Subrouter()
	api.Use(s.authMiddleware)

	api.HandleFunc("/rides", s.handleCreateRide).Methods("POST")
	api.HandleFunc("/rides/{ride_id}", s.handleRideStatus).Methods("GET")
	api.HandleFunc("/rides/{ride_id}", s.handleCancelRide).Methods("DELETE")
	api.HandleFunc("/rides/{ride_id}/start", s.handleStartRide).Methods("POST")
	api.HandleFunc("/rides/{ride_id}/complete", s.handleCompleteRide).Methods("POST")
	api.HandleFunc("/search", s.handleDeleteSearch).Methods("DELETE")

	api.HandleFunc("/rides/{ride_id}/offers", s.handleSubmitOffer).Methods("POST")
	api.HandleFunc("/rides/{ride_id}/offers", s.handleRideOffers).Methods("GET")
	api.HandleFunc("/rides/{ride_id}/offers/{offer_id}/accept", s.handleAcceptOffer).Methods("POST")
	api.HandleFunc("/rides/{ride_id}/offers/{offer_id}/reject", s.handleRejectOffer).Methods("POST")
	api.HandleFunc("/rides/{ride_id}/offers/{offer_id}/counter", s.handleCounterOffer).Methods("POST")

	api.HandleFunc("/driver/offers", s.handleDriverOffers).Methods("GET")
	api.HandleFunc("/driver/offers/{offer_id}/counter/accept", s.handleCounterAccept).Methods("POST")
	api.HandleFunc("/driver/offers/{offer_id}/counter/decline", s.handleCounterDecline).Methods("POST")
	api.HandleFunc("/driver/tracking/start", s.handleTrackingStart).Methods("POST")
	api.HandleFunc("/driver/tracking/stop", s.handleTrackingStop).Methods("POST")
	api.HandleFunc("/driver/location", s.handleReportLocation).Methods("PUT")
	api.HandleFunc("/driver/nearby-requests", s.handleNearbyRequests).Methods("GET")

	s.mux.HandleFunc("/ws", s.handleWS)
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) { s.mux.ServeHTTP(w, r) }

type createRideRequest struct {
	Origin        models.Location `json:"origin"`
	Destination   models.Location `json:"destination"`
	SuggestedFare *float64        `json:"suggested_fare,omitempty"`
}

func (s *Server) handleCreateRide(w http.ResponseWriter, r *http.Request) {
	p, ok := s.requirePrincipal(w, r, RoleRider)
	if !ok {
		return
	}
	var req createRideRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, s.logger, apperr.Invalid("malformed body: %v", err))
		return
	}
	res, err := s.Dispatch.CreateRequest(r.Context(), p.ID, req.Origin, req.Destination, req.SuggestedFare)
	if err != nil {
		writeError(w, s.logger, err)
		return
	}
	status := http.StatusCreated
	if res.Outcome == dispatch.OutcomeNoDrivers {
		status = http.StatusOK
	}
	writeJSON(w, status, res)
}

func (s *Server) handleRideStatus(w http.ResponseWriter, r *http.Request) {
	p, ok := s.requirePrincipal(w, r, "")
	if !ok {
		return
	}
	ride, err := s.Dispatch.RideStatus(r.Context(), mux.Vars(r)["ride_id"], p.ID)
	if err != nil {
		writeError(w, s.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, ride)
}

type cancelRequest struct {
	Reason string `json:"reason,omitempty"`
}

func (s *Server) handleCancelRide(w http.ResponseWriter, r *http.Request) {
	p, ok := s.requirePrincipal(w, r, "")
	if !ok {
		return
	}
	var req cancelRequest
	if r.Body != nil {
		json.NewDecoder(r.Body).Decode(&req)
	}
	rideID := mux.Vars(r)["ride_id"]
	var (
		ride *models.Ride
		err  error
	)
	if p.Role == RoleDriver {
		ride, err = s.Dispatch.CancelByDriver(r.Context(), rideID, p.ID, req.Reason)
	} else {
		ride, err = s.Dispatch.CancelByRider(r.Context(), rideID, p.ID, req.Reason)
	}
	if err != nil {
		writeError(w, s.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, ride)
}

func (s *Server) handleStartRide(w http.ResponseWriter, r *http.Request) {
	p, ok := s.requirePrincipal(w, r, RoleDriver)
	if !ok {
		return
	}
	ride, err := s.Dispatch.StartRide(r.Context(), mux.Vars(r)["ride_id"], p.ID)
	if err != nil {
		writeError(w, s.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, ride)
}

type completeRideRequest struct {
	ActualMinutes int `json:"actual_minutes"`
}

func (s *Server) handleCompleteRide(w http.ResponseWriter, r *http.Request) {
	p, ok := s.requirePrincipal(w, r, RoleDriver)
	if !ok {
		return
	}
	var req completeRideRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, s.logger, apperr.Invalid("malformed body: %v", err))
		return
	}
	ride, err := s.Dispatch.CompleteRide(r.Context(), mux.Vars(r)["ride_id"], p.ID, req.ActualMinutes)
	if err != nil {
		writeError(w, s.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, ride)
}

func (s *Server) handleDeleteSearch(w http.ResponseWriter, r *http.Request) {
	p, ok := s.requirePrincipal(w, r, RoleRider)
	if !ok {
		return
	}
	n, err := s.Dispatch.DeleteActiveSearch(r.Context(), p.ID)
	if err != nil {
		writeError(w, s.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"deleted": n})
}

type submitOfferRequest struct {
	Fare    float64 `json:"fare"`
	Message string  `json:"message,omitempty"`
}

func (s *Server) handleSubmitOffer(w http.ResponseWriter, r *http.Request) {
	p, ok := s.requirePrincipal(w, r, RoleDriver)
	if !ok {
		return
	}
	var req submitOfferRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, s.logger, apperr.Invalid("malformed body: %v", err))
		return
	}
	offer, err := s.Offers.Submit(r.Context(), mux.Vars(r)["ride_id"], p.ID, req.Fare, req.Message)
	if err != nil {
		writeError(w, s.logger, err)
		return
	}
	writeJSON(w, http.StatusCreated, offer)
}

func (s *Server) handleRideOffers(w http.ResponseWriter, r *http.Request) {
	p, ok := s.requirePrincipal(w, r, RoleRider)
	if !ok {
		return
	}
	list, err := s.Offers.RideOffers(r.Context(), mux.Vars(r)["ride_id"], p.ID)
	if err != nil {
		writeError(w, s.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, list)
}

func (s *Server) handleAcceptOffer(w http.ResponseWriter, r *http.Request) {
	p, ok := s.requirePrincipal(w, r, RoleRider)
	if !ok {
		return
	}
	vars := mux.Vars(r)
	res, err := s.Dispatch.AcceptOffer(r.Context(), vars["ride_id"], vars["offer_id"], p.ID)
	if err != nil {
		writeError(w, s.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleRejectOffer(w http.ResponseWriter, r *http.Request) {
	p, ok := s.requirePrincipal(w, r, RoleRider)
	if !ok {
		return
	}
	vars := mux.Vars(r)
	offer, err := s.Offers.Reject(r.Context(), vars["ride_id"], vars["offer_id"], p.ID)
	if err != nil {
		writeError(w, s.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, offer)
}

type counterOfferRequest struct {
	Fare float64 `json:"fare"`
}

func (s *Server) handleCounterOffer(w http.ResponseWriter, r *http.Request) {
	p, ok := s.requirePrincipal(w, r, RoleRider)
	if !ok {
		return
	}
	var req counterOfferRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, s.logger, apperr.Invalid("malformed body: %v", err))
		return
	}
	vars := mux.Vars(r)
	offer, err := s.Offers.Counter(r.Context(), vars["ride_id"], vars["offer_id"], p.ID, req.Fare)
	if err != nil {
		writeError(w, s.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, offer)
}

func (s *Server) handleDriverOffers(w http.ResponseWriter, r *http.Request) {
	p, ok := s.requirePrincipal(w, r, RoleDriver)
	if !ok {
		return
	}
	f := storage.DriverOfferFilter{State: models.OfferState(r.URL.Query().Get("state"))}
	if v := r.URL.Query().Get("limit"); v != "" {
		f.Limit, _ = strconv.Atoi(v)
	}
	if v := r.URL.Query().Get("offset"); v != "" {
		f.Offset, _ = strconv.Atoi(v)
	}
	list, err := s.Offers.DriverOffers(r.Context(), p.ID, f)
	if err != nil {
		writeError(w, s.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, list)
}

func (s *Server) handleCounterAccept(w http.ResponseWriter, r *http.Request) {
	s.resolveCounter(w, r, true)
}

func (s *Server) handleCounterDecline(w http.ResponseWriter, r *http.Request) {
	s.resolveCounter(w, r, false)
}

func (s *Server) resolveCounter(w http.ResponseWriter, r *http.Request, accept bool) {
	p, ok := s.requirePrincipal(w, r, RoleDriver)
	if !ok {
		return
	}
	offer, err := s.Offers.ResolveCounter(r.Context(), mux.Vars(r)["offer_id"], p.ID, accept)
	if err != nil {
		writeError(w, s.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, offer)
}

func (s *Server) handleTrackingStart(w http.ResponseWriter, r *http.Request) {
	p, ok := s.requirePrincipal(w, r, RoleDriver)
	if !ok {
		return
	}
	var req reportLocationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, s.logger, apperr.Invalid("malformed body: %v", err))
		return
	}
	if err := s.Tracker.StartTracking(r.Context(), p.ID, req.Lat, req.Lng); err != nil {
		writeError(w, s.logger, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleTrackingStop(w http.ResponseWriter, r *http.Request) {
	p, ok := s.requirePrincipal(w, r, RoleDriver)
	if !ok {
		return
	}
	if err := s.Tracker.StopTracking(r.Context(), p.ID); err != nil {
		writeError(w, s.logger, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type reportLocationRequest struct {
	Lat float64 `json:"lat"`
	Lng float64 `json:"lng"`
}

func (s *Server) handleReportLocation(w http.ResponseWriter, r *http.Request) {
	p, ok := s.requirePrincipal(w, r, RoleDriver)
	if !ok {
		return
	}
	var req reportLocationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, s.logger, apperr.Invalid("malformed body: %v", err))
		return
	}
	res, err := s.Tracker.ReportPosition(r.Context(), models.PositionPing{
		DriverID:   p.ID,
		Lat:        req.Lat,
		Lng:        req.Lng,
		ReportedAt: time.Now().UTC(),
	})
	if err != nil {
		writeError(w, s.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleNearbyRequests(w http.ResponseWriter, r *http.Request) {
	p, ok := s.requirePrincipal(w, r, RoleDriver)
	if !ok {
		return
	}
	list, err := s.Dispatch.NearbyRequests(r.Context(), p.ID)
	if err != nil {
		writeError(w, s.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, list)
}

var upgrader = websocket.Upgrader{}

// handleWS upgrades an authenticated client and parks the connection in
// the hub. The read loop discards inbound frames; it exists to notice the
// close.
func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	raw := tokenFromRequest(r)
	if raw == "" {
		http.Error(w, "missing token", http.StatusUnauthorized)
		return
	}
	p, err := parseToken(s.jwtSecret, raw)
	if err != nil {
		http.Error(w, "invalid token", http.StatusUnauthorized)
		return
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		// the upgrader has already replied
		return
	}
	if p.Role == RoleDriver {
		s.Hub.AddDriver(p.ID, conn)
	} else {
		s.Hub.AddRider(p.ID, conn)
	}
	go func() {
		defer conn.Close()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				break
			}
		}
		if p.Role == RoleDriver {
			s.Hub.RemoveDriver(p.ID, conn)
		} else {
			s.Hub.RemoveRider(p.ID, conn)
		}
	}()
}

func newID() string { b := make([]byte, 8); _, _ = rand.Read(b); return hex.EncodeToString(b) }
