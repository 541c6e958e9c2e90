// Package server exposes the session CRUD, completion and realtime
// endpoints of the reference backend.
package server

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"paircode/internal/autocomplete"
	"paircode/internal/hub"
	"paircode/internal/model"
	"paircode/internal/observability"
	"paircode/internal/store"
)

const Version = "1.0.0"

type Server struct {
	store  store.Store
	hub    *hub.Hub
	logger *slog.Logger
	router *mux.Router
}

func New(st store.Store, h *hub.Hub, logger *slog.Logger) *Server {
	s := &Server{
		store:  st,
		hub:    h,
		logger: observability.WithComponent(logger, "server"),
		router: mux.NewRouter(),
	}
	s.routes()
	return s
}

func (s *Server) routes() {
	r := s.router
	r.Use(s.logRequests, cors)
	r.HandleFunc("/", s.handleRoot).Methods(http.MethodGet)
	r.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	r.HandleFunc("/rooms", s.handleCreateRoom).Methods(http.MethodPost, http.MethodOptions)
	r.HandleFunc("/rooms/", s.handleCreateRoom).Methods(http.MethodPost, http.MethodOptions)
	r.HandleFunc("/rooms/{id}", s.handleGetRoom).Methods(http.MethodGet, http.MethodOptions)
	r.HandleFunc("/autocomplete", s.handleAutocomplete).Methods(http.MethodPost, http.MethodOptions)
	r.HandleFunc("/autocomplete/", s.handleAutocomplete).Methods(http.MethodPost, http.MethodOptions)
	r.HandleFunc("/ws/{id}", s.handleWS).Methods(http.MethodGet)
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

func (s *Server) handleRoot(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"message": "PairCode API",
		"version": Version,
		"endpoints": map[string]string{
			"create_room":  "POST /rooms/",
			"get_room":     "GET /rooms/{room_id}",
			"autocomplete": "POST /autocomplete/",
			"websocket":    "WS /ws/{room_id}",
		},
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "healthy"})
}

type createRoomRequest struct {
	Language string `json:"language"`
}

type createRoomResponse struct {
	RoomID string `json:"roomId"`
}

func (s *Server) handleCreateRoom(w http.ResponseWriter, r *http.Request) {
	var req createRoomRequest
	if err := decodeBody(r, &req); err != nil {
		writeDetail(w, http.StatusUnprocessableEntity, err.Error())
		return
	}
	sess, err := store.CreateSession(r.Context(), s.store, model.ParseLanguage(req.Language))
	if err != nil {
		s.logger.Error("create room", "error", err)
		writeDetail(w, http.StatusInternalServerError, "could not create room")
		return
	}
	s.logger.Info("room created", "room", sess.ID, "language", sess.Language)
	writeJSON(w, http.StatusOK, createRoomResponse{RoomID: sess.ID})
}

func (s *Server) handleGetRoom(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	sess, err := s.store.Get(r.Context(), id)
	if errors.Is(err, store.ErrNotFound) {
		writeDetail(w, http.StatusNotFound, "Room not found")
		return
	}
	if err != nil {
		s.logger.Error("get room", "room", id, "error", err)
		writeDetail(w, http.StatusInternalServerError, "could not load room")
		return
	}
	writeJSON(w, http.StatusOK, sess)
}

func (s *Server) handleAutocomplete(w http.ResponseWriter, r *http.Request) {
	var req model.CompletionRequest
	if err := decodeBody(r, &req); err != nil {
		writeDetail(w, http.StatusUnprocessableEntity, err.Error())
		return
	}
	if req.Language == "" {
		req.Language = model.LanguagePython
	}
	writeJSON(w, http.StatusOK, autocomplete.Suggest(req))
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	s.hub.ServeWS(w, r, mux.Vars(r)["id"])
}

// decodeBody accepts an empty body as the zero request.
func decodeBody(r *http.Request, v any) error {
	err := json.NewDecoder(io.LimitReader(r.Body, 8<<20)).Decode(v)
	if errors.Is(err, io.EOF) {
		return nil
	}
	return err
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeDetail(w http.ResponseWriter, status int, detail string) {
	writeJSON(w, status, map[string]string{"detail": detail})
}

func cors(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h := w.Header()
		h.Set("Access-Control-Allow-Origin", "*")
		h.Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		h.Set("Access-Control-Allow-Headers", "*")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		s.logger.Debug("request", "method", r.Method, "path", r.URL.Path, "elapsed", time.Since(start))
	})
}
