package websocket

import (
	"net/http"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/0xmhha/market-indexer/internal/constants"
	"github.com/0xmhha/market-indexer/pkg/events"
)

// Server upgrades HTTP requests to WebSocket connections and streams
// activity events to them. New connections start on the combined
// activity stream and can narrow it with unsubscribe/subscribe messages.
type Server struct {
	hub      *Hub
	upgrader websocket.Upgrader
	logger   *zap.Logger
}

// NewServer creates a server and starts its hub
func NewServer(logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Server{
		hub: NewHub(logger.Named("hub")),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  constants.DefaultWSReadBufferSize,
			WriteBufferSize: constants.DefaultWSWriteBufferSize,
			// the activity feed is public
			CheckOrigin: func(*http.Request) bool { return true },
		},
		logger: logger,
	}
	go s.hub.Run()
	return s
}

// ServeHTTP handles a WebSocket upgrade request
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Debug("websocket upgrade failed", zap.Error(err))
		return
	}

	client := NewClient(s.hub, conn, s.logger)
	client.Subscribe(SubscribeActivity)

	if !s.hub.add(client) {
		_ = conn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseTryAgainLater, "unavailable"))
		_ = conn.Close()
		return
	}

	go client.WritePump()
	go client.ReadPump()
}

// Hub returns the server's hub
func (s *Server) Hub() *Hub {
	return s.hub
}

// BroadcastActivity pushes every activity event to the clients that want it
func (s *Server) BroadcastActivity(activity []events.ActivityEvent) {
	for _, a := range activity {
		s.hub.Broadcast(SubscriptionType(a.Type), a)
	}
}

// Stop closes every connection and stops the hub
func (s *Server) Stop() {
	s.hub.Stop()
}
