package api

import (
	"net/http"

	"board-collab/internal/middleware"

	"github.com/gorilla/mux"
	"go.uber.org/zap"
)

func SetupRoutes(h *Handler, ws http.HandlerFunc, metrics http.Handler, logger *zap.Logger) *mux.Router {
	r := mux.NewRouter()

	// Middleware runs in order: tracing, then recovery, then CORS
	r.Use(middleware.Tracing(logger))
	r.Use(middleware.Recovery(logger))
	r.Use(middleware.CORSMiddleware)

	api := r.PathPrefix("/api").Subrouter()

	api.HandleFunc("/health", h.Health).Methods("GET")

	// Room state
	api.HandleFunc("/rooms", h.ListRooms).Methods("GET")
	api.HandleFunc("/rooms/{room}", h.GetRoom).Methods("GET")
	api.HandleFunc("/rooms/{room}/members", h.GetMembers).Methods("GET")
	api.HandleFunc("/rooms/{room}/presence", h.GetPresence).Methods("GET")
	api.HandleFunc("/rooms/{room}/locks", h.GetLocks).Methods("GET")
	api.HandleFunc("/rooms/{room}/previews", h.GetPreviews).Methods("GET")
	api.HandleFunc("/rooms/{room}/selections", h.GetSelections).Methods("GET")

	// Record versions
	api.HandleFunc("/rooms/{room}/records/{record}/version", h.GetVersion).Methods("GET")
	api.HandleFunc("/rooms/{room}/records/{record}/versions", h.ListVersions).Methods("GET")
	api.HandleFunc("/rooms/{room}/records/{record}/commits", h.Commit).Methods("POST")

	r.Handle("/metrics", metrics).Methods("GET")
	r.HandleFunc("/ws", ws)

	return r
}
