package handler

import (
	"net/http"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/harborchat/relay-service/internal/config"
	"github.com/harborchat/relay-service/internal/hub"
	"github.com/harborchat/relay-service/pkg/log"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// WSHandler upgrades connections and hands them to the manager. The room
// name in the path is consumed only to pick the coordinator; the relay core
// never does its own room-to-coordinator mapping.
type WSHandler struct {
	mgr   *hub.Manager
	wsCfg config.WebSocketConfig
}

func NewWSHandler(mgr *hub.Manager, wsCfg config.WebSocketConfig) *WSHandler {
	return &WSHandler{
		mgr:   mgr,
		wsCfg: wsCfg,
	}
}

func (h *WSHandler) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	room := r.PathValue("room")
	if room == "" {
		http.Error(w, "room required", http.StatusBadRequest)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		l := log.Ctx(r.Context())
		l.Warn().Err(err).Msg("websocket upgrade failed")
		return
	}

	client := hub.NewClient(uuid.New().String(), room, conn, h.mgr, h.wsCfg)
	h.mgr.Attach(client)

	go client.WritePump()
	go client.ReadPump()
}

func (h *WSHandler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /ws/{room}", h.HandleWebSocket)
}
