package server

import (
	"context"
	"net/http"

	"github.com/gorilla/websocket"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     checkOrigin,
}

// serveWS upgrades the request and runs the connection until either side
// closes it. Handlers still running when the connection ends see their
// context cancelled.
func (s *Server) serveWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Debug("websocket upgrade failed", "remote", r.RemoteAddr, "error", err)
		return
	}

	c := newClient(conn, r.RemoteAddr, s.hub.logger)
	s.hub.conns.Add(1)
	defer s.hub.conns.Done()

	s.hub.register(c)
	s.metrics.clientConnected()

	ctx, cancel := context.WithCancel(s.ctx)
	done := make(chan struct{})
	go func() {
		defer close(done)
		c.writePump()
	}()

	c.readPump(ctx, s.router)

	s.hub.unregister(c)
	cancel()
	c.requests.Wait()
	<-done
}
