package httpapi

import (
	"context"
	"net/http"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"

	"github.com/example/ride-dispatch/internal/events"
)

var upgrader = websocket.Upgrader{}

// handleDriverWS registers the driver's push session and streams the events
// of the driver topic until the client goes away.
func (s *Server) handleDriverWS(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log(r).Warn("websocket upgrade failed", "driver_id", id, "err", err)
		return
	}
	s.stream(conn, id, events.DriverTopic(id))
}

// handleRequestWS streams the events of one request. The requester's push
// session is registered on the same connection.
func (s *Server) handleRequestWS(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	req, err := s.store.GetRequest(r.Context(), id)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log(r).Warn("websocket upgrade failed", "request_id", id, "err", err)
		return
	}
	s.stream(conn, req.RequesterID, events.RequestTopic(id))
}

func (s *Server) stream(conn *websocket.Conn, userID, topic string) {
	ch, unsubscribe := s.bus.Subscribe(topic)
	sess := s.ws.Add(userID, conn)
	defer func() {
		unsubscribe()
		s.ws.Remove(userID, sess)
		_ = conn.Close()
	}()

	// reads only detect the close; clients do not send anything we act on
	gone := make(chan struct{})
	go func() {
		defer close(gone)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case e, ok := <-ch:
			if !ok {
				return
			}
			if err := sess.WriteJSON(context.Background(), e); err != nil {
				s.logger.Debug("websocket write failed", "topic", topic, "err", err)
				return
			}
		case <-gone:
			return
		}
	}
}
