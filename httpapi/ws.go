package httpapi

import (
	"net/http"

	"github.com/gorilla/websocket"

	"pkt.systems/agentdeck/internal/logx"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	// The API is same-machine tooling; subscriptions are still gated by
	// repository ids the client has to know.
	CheckOrigin: func(r *http.Request) bool { return true },
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	log := logx.Ctx(r.Context()).With("remote", clientIP(r))
	if s.hub == nil {
		http.Error(w, "websocket hub unavailable", http.StatusServiceUnavailable)
		return
	}
	sock, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Warn("ws upgrade failed", "err", err)
		return
	}
	conn := s.hub.Attach(sock)
	// The read loop outlives the HTTP request; tie it to the server
	// lifetime instead of the upgrade request.
	s.hub.Serve(s.baseContext(), conn)
}
