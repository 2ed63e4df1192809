// Package api exposes a read-only REST surface for observing rooms and
// execution history. Rooms are created by joining over websocket, never
// through this API.
package api

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"codeshare/internal/history"
	"codeshare/internal/store"
	"codeshare/internal/ws"
)

type API struct {
	hub     *ws.Hub
	store   store.RoomStore
	history *history.Store
	log     *slog.Logger
}

func New(hub *ws.Hub, roomStore store.RoomStore, hist *history.Store, logger *slog.Logger) *API {
	return &API{
		hub:     hub,
		store:   roomStore,
		history: hist,
		log:     logger,
	}
}

func (a *API) jsonResponse(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	if err := json.NewEncoder(w).Encode(data); err != nil {
		a.log.Error("encode response", "err", err)
	}
}

func (a *API) errorResponse(w http.ResponseWriter, status int, message string) {
	a.jsonResponse(w, status, map[string]string{"error": message})
}

func (a *API) HealthHandler(w http.ResponseWriter, r *http.Request) {
	a.jsonResponse(w, http.StatusOK, map[string]interface{}{
		"status":    "ok",
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
}

func (a *API) StatsHandler(w http.ResponseWriter, r *http.Request) {
	stats := map[string]interface{}{
		"active_rooms":   a.hub.GetRoomCount(),
		"active_clients": a.hub.GetClientCount(),
		"total_rooms":    a.store.Count(),
		"timestamp":      time.Now().UTC().Format(time.RFC3339),
	}

	if a.history != nil {
		if hs, err := a.history.GetStats(); err == nil {
			stats["execution_count"] = hs["execution_count"]
			stats["failed_executions"] = hs["failed_count"]
		}
	}

	a.jsonResponse(w, http.StatusOK, stats)
}

// Room handlers

type RoomSummary struct {
	ID                string `json:"id"`
	Participants      int    `json:"participants"`
	ActiveConnections int    `json:"active_connections"`
	DocumentSize      int    `json:"document_size"`
	HasLastOutput     bool   `json:"has_last_output"`
}

type RoomDetail struct {
	ID                string          `json:"id"`
	Participants      []string        `json:"participants"`
	ActiveConnections int             `json:"active_connections"`
	Document          string          `json:"document"`
	LastOutput        json.RawMessage `json:"last_output,omitempty"`
	ExecutionCount    int             `json:"execution_count"`
}

func (a *API) ListRoomsHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		a.errorResponse(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}

	activeRooms := a.hub.GetActiveRooms()

	ids := a.store.RoomIDs()
	rooms := make([]RoomSummary, 0, len(ids))
	for _, id := range ids {
		room, ok := a.store.Get(id)
		if !ok {
			continue
		}
		rooms = append(rooms, RoomSummary{
			ID:                room.ID,
			Participants:      len(room.Participants),
			ActiveConnections: activeRooms[room.ID],
			DocumentSize:      len(room.Document),
			HasLastOutput:     len(room.LastOutput) > 0,
		})
	}

	a.jsonResponse(w, http.StatusOK, map[string]interface{}{
		"rooms": rooms,
		"count": len(rooms),
	})
}

func (a *API) GetRoomHandler(w http.ResponseWriter, r *http.Request, roomID string) {
	room, ok := a.store.Get(roomID)
	if !ok {
		a.errorResponse(w, http.StatusNotFound, "Room not found")
		return
	}

	participants := make([]string, len(room.Participants))
	for i, p := range room.Participants {
		participants[i] = string(p)
	}

	execCount := 0
	if a.history != nil {
		execCount, _ = a.history.CountByRoom(roomID)
	}

	a.jsonResponse(w, http.StatusOK, RoomDetail{
		ID:                room.ID,
		Participants:      participants,
		ActiveConnections: a.hub.GetActiveRooms()[roomID],
		Document:          room.Document,
		LastOutput:        room.LastOutput,
		ExecutionCount:    execCount,
	})
}

func (a *API) ListExecutionsHandler(w http.ResponseWriter, r *http.Request, roomID string) {
	if a.history == nil {
		a.errorResponse(w, http.StatusNotFound, "Execution history disabled")
		return
	}

	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	if limit <= 0 || limit > 100 {
		limit = 20
	}

	offset, _ := strconv.Atoi(r.URL.Query().Get("offset"))
	if offset < 0 {
		offset = 0
	}

	execs, err := a.history.ListByRoom(roomID, limit, offset)
	if err != nil {
		a.errorResponse(w, http.StatusInternalServerError, "Failed to list executions")
		return
	}
	if execs == nil {
		execs = []history.Execution{}
	}

	a.jsonResponse(w, http.StatusOK, map[string]interface{}{
		"executions": execs,
		"limit":      limit,
		"offset":     offset,
	})
}

// RoomsRouter dispatches /api/rooms, /api/rooms/{id} and
// /api/rooms/{id}/executions.
func (a *API) RoomsRouter(w http.ResponseWriter, r *http.Request) {
	path := strings.TrimPrefix(r.URL.Path, "/api/rooms")
	path = strings.Trim(path, "/")

	// /api/rooms or /api/rooms/
	if path == "" {
		a.ListRoomsHandler(w, r)
		return
	}

	if r.Method != http.MethodGet {
		a.errorResponse(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}

	if roomID, ok := strings.CutSuffix(path, "/executions"); ok {
		roomID = strings.Trim(roomID, "/")
		if roomID == "" {
			a.errorResponse(w, http.StatusBadRequest, "Room ID is required")
			return
		}
		a.ListExecutionsHandler(w, r, roomID)
		return
	}

	if strings.Contains(path, "/") {
		a.errorResponse(w, http.StatusNotFound, "Not found")
		return
	}

	a.GetRoomHandler(w, r, path)
}
