package api

import (
	"encoding/json"
	"net/http"
	"sort"
	"strconv"

	"board-collab/internal/models"

	"github.com/go-playground/validator/v10"
	"github.com/gorilla/mux"
	"go.uber.org/zap"
)

// Handler handles HTTP requests
type Handler struct {
	rooms     RoomDirectory
	snapshots SnapshotSource
	versions  VersionService
	validate  *validator.Validate
	logger    *zap.Logger
}

func NewHandler(rooms RoomDirectory, snapshots SnapshotSource, versions VersionService, logger *zap.Logger) *Handler {
	return &Handler{
		rooms:     rooms,
		snapshots: snapshots,
		versions:  versions,
		validate:  validator.New(),
		logger:    logger.Named("api"),
	}
}

// commitBody is the CRUD API's request to stamp a new version.
type commitBody struct {
	UpdatedBy   string          `json:"updated_by" validate:"required"`
	BaseVersion int64           `json:"base_version" validate:"gte=0"`
	ChangeSet   []models.Change `json:"change_set" validate:"dive"`
}

type roomSummary struct {
	RoomID  string `json:"room_id"`
	Members int    `json:"members"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// Room handlers

func (h *Handler) ListRooms(w http.ResponseWriter, r *http.Request) {
	rooms := h.rooms.Rooms()
	out := make([]roomSummary, 0, len(rooms))
	for roomID, n := range rooms {
		out = append(out, roomSummary{RoomID: roomID, Members: n})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].RoomID < out[j].RoomID })

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"rooms": out,
		"count": len(out),
	})
}

func (h *Handler) GetRoom(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.snapshots.Snapshot(mux.Vars(r)["room"]))
}

func (h *Handler) GetMembers(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.rooms.Members(mux.Vars(r)["room"]))
}

func (h *Handler) GetPresence(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.snapshots.Snapshot(mux.Vars(r)["room"]).Presence)
}

func (h *Handler) GetLocks(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.snapshots.Snapshot(mux.Vars(r)["room"]).Locks)
}

func (h *Handler) GetPreviews(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.snapshots.Snapshot(mux.Vars(r)["room"]).Previews)
}

func (h *Handler) GetSelections(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.snapshots.Snapshot(mux.Vars(r)["room"]).Selections)
}

// Version handlers

func (h *Handler) GetVersion(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	version, known := h.versions.Current(vars["room"], vars["record"])

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"record_id": vars["record"],
		"version":   version,
		"tracked":   known,
	})
}

func (h *Handler) ListVersions(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)

	var since int64
	if s := r.URL.Query().Get("since"); s != "" {
		n, err := strconv.ParseInt(s, 10, 64)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, "since must be a non-negative integer")
			return
		}
		since = n
	}

	versions, err := h.versions.History(r.Context(), vars["room"], vars["record"], since)
	if err != nil {
		h.logger.Warn("Version history unavailable",
			zap.String("room", vars["room"]),
			zap.String("record", vars["record"]),
			zap.Error(err),
		)
		if versions == nil {
			writeError(w, http.StatusServiceUnavailable, "version history unavailable")
			return
		}
	}
	if versions == nil {
		versions = []*models.Version{}
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"versions": versions,
		"count":    len(versions),
	})
}

// Commit stamps a new version on behalf of the CRUD write API.
// A stale base version answers 409 with the conflict.
func (h *Handler) Commit(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)

	var body commitBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := h.validate.Struct(&body); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	req := models.CommitRequest{
		RecordID:    vars["record"],
		BaseVersion: body.BaseVersion,
		ChangeSet:   body.ChangeSet,
	}
	v, conflict, err := h.versions.CommitExternal(r.Context(), body.UpdatedBy, vars["room"], req)
	switch {
	case conflict != nil:
		writeJSON(w, http.StatusConflict, models.CommitResult{Conflict: conflict})
	case err != nil:
		writeError(w, http.StatusInternalServerError, err.Error())
	default:
		writeJSON(w, http.StatusCreated, models.CommitResult{Version: v})
	}
}
