// Package coordinator exposes the room coordinator over HTTP: a websocket
// relay endpoint plus small JSON queries for health, connection assist, and
// room occupancy.
package coordinator

import (
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/meathill/pvp-games/internal/engine"
	"github.com/meathill/pvp-games/internal/proto"
	"github.com/meathill/pvp-games/internal/room"
	"github.com/meathill/pvp-games/internal/telemetry"
)

const writeTimeout = 10 * time.Second

// Config wires the coordinator server.
type Config struct {
	Manager *room.Manager
	Assist  *proto.AssistConfig
	Logger  *log.Logger
	Metrics telemetry.Metrics
}

// Server accepts peer websocket sessions and hands their frames to the
// room actors.
type Server struct {
	manager  *room.Manager
	assist   *proto.AssistConfig
	logger   *log.Logger
	metrics  telemetry.Metrics
	upgrader websocket.Upgrader
}

func NewServer(cfg Config) *Server {
	logger := cfg.Logger
	if logger == nil {
		logger = log.Default()
	}
	metrics := cfg.Metrics
	if metrics == nil {
		metrics = telemetry.NewCounters()
	}
	return &Server{
		manager: cfg.Manager,
		assist:  cfg.Assist,
		logger:  logger,
		metrics: metrics,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
		},
	}
}

// Routes builds the coordinator's HTTP mux.
func (s *Server) Routes() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain")
		w.Write([]byte("ok"))
	})

	mux.HandleFunc("/config", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		payload := struct {
			ServerTime int64               `json:"serverTime"`
			Assist     *proto.AssistConfig `json:"assist,omitempty"`
		}{
			ServerTime: time.Now().UnixMilli(),
			Assist:     s.assist,
		}
		if err := json.NewEncoder(w).Encode(payload); err != nil {
			s.logger.Printf("write config response: %v", err)
		}
	})

	mux.HandleFunc("/rooms", func(w http.ResponseWriter, r *http.Request) {
		id := r.URL.Query().Get("id")
		if id == "" {
			http.Error(w, "missing id", http.StatusBadRequest)
			return
		}
		record, ok := s.manager.Occupancy(id)
		if !ok {
			http.Error(w, "unknown room", http.StatusNotFound)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		payload := struct {
			ID             string `json:"id"`
			FirstOccupied  bool   `json:"firstOccupied"`
			SecondOccupied bool   `json:"secondOccupied"`
			Established    bool   `json:"established"`
		}{
			ID:             record.ID,
			FirstOccupied:  record.FirstOccupied,
			SecondOccupied: record.SecondOccupied,
			Established:    record.Established,
		}
		if err := json.NewEncoder(w).Encode(payload); err != nil {
			s.logger.Printf("write room response: %v", err)
		}
	})

	mux.HandleFunc("/ws", s.handleWS)

	return mux
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	roomID := r.URL.Query().Get("room")
	slotParam := r.URL.Query().Get("slot")

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Printf("upgrade failed for room %q: %v", roomID, err)
		return
	}

	slot, ok := engine.ParseSlot(slotParam)
	if roomID == "" || !ok {
		closeWith(conn, proto.CloseMissingParams, "room and slot are required")
		return
	}

	wc := &wsConn{id: uuid.NewString(), conn: conn}

	target := s.manager.Room(roomID)
	if err := target.Join(slot, wc); err != nil {
		if errors.Is(err, room.ErrSlotTaken) {
			closeWith(conn, proto.CloseSlotConflict, "slot already occupied")
			return
		}
		s.logger.Printf("join room %s slot %s: %v", roomID, slot, err)
		closeWith(conn, proto.CloseNormal, "join failed")
		return
	}
	s.metrics.Add("coordinator_sessions_opened", 1)

	for {
		_, payload, err := conn.ReadMessage()
		if err != nil {
			target.Leave(slot, wc)
			s.metrics.Add("coordinator_sessions_closed", 1)
			return
		}
		env, err := proto.Decode(payload)
		if err != nil {
			s.logger.Printf("discarding malformed frame from room %s slot %s: %v", roomID, slot, err)
			s.metrics.Add("coordinator_frames_rejected", 1)
			continue
		}
		target.Deliver(slot, env)
	}
}

func closeWith(conn *websocket.Conn, code int, reason string) {
	message := websocket.FormatCloseMessage(code, reason)
	conn.WriteControl(websocket.CloseMessage, message, time.Now().Add(time.Second))
	conn.Close()
}
