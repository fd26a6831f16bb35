package hub

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/adityaadpandey/meshcall/internals/room"
	"github.com/go-chi/chi/v5"
)

type roomView struct {
	room.Info
	Capacity int `json:"capacity"`
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func (s *Server) listRooms(w http.ResponseWriter, r *http.Request) {
	infos, err := s.store.List(r.Context())
	if err != nil {
		http.Error(w, "Failed to list rooms", http.StatusInternalServerError)
		return
	}

	rooms := make([]roomView, 0, len(infos))
	for _, info := range infos {
		rooms = append(rooms, roomView{Info: info, Capacity: s.config.Room.Capacity})
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"rooms": rooms, "total": len(rooms)})
}

func (s *Server) getRoom(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	info, err := s.store.Get(r.Context(), name)
	if errors.Is(err, room.ErrRoomNotFound) {
		http.Error(w, "Room not found", http.StatusNotFound)
		return
	}
	if err != nil {
		http.Error(w, "Failed to load room", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, roomView{Info: info, Capacity: s.config.Room.Capacity})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	roomCount, _ := s.store.Count(r.Context())

	redisStatus := "disabled"
	if s.redis != nil {
		redisStatus = "connected"
		if err := s.redis.Ping(r.Context()).Err(); err != nil {
			redisStatus = "error: " + err.Error()
		}
	}

	status := "healthy"
	if redisStatus != "connected" && redisStatus != "disabled" {
		status = "degraded"
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":     status,
		"timestamp":  time.Now(),
		"instanceId": s.instanceID,
		"redis":      redisStatus,
		"rooms":      roomCount,
		"peers":      s.clients.Count(),
	})
}
