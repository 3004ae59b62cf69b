package api

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/pvorotnikov/open-iot-sub001/errors"
	"github.com/pvorotnikov/open-iot-sub001/pipeline"
	"github.com/pvorotnikov/open-iot-sub001/router"
)

const (
	streamBuffer = 256
	writeTimeout = 10 * time.Second
	pongWait     = 60 * time.Second
	pingInterval = 30 * time.Second
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// The admin listener is not meant to face browsers from other origins,
	// so the origin header is not checked.
	CheckOrigin: func(_ *http.Request) bool { return true },
}

// streamFilter narrows a stream by topic pattern and observation kind
type streamFilter struct {
	topic string
	kinds map[router.Kind]bool
}

func parseStreamFilter(r *http.Request) (streamFilter, error) {
	q := r.URL.Query()
	f := streamFilter{topic: q.Get("topic")}
	if f.topic != "" {
		if err := pipeline.ValidatePattern(f.topic); err != nil {
			return f, errors.WrapInvalid(err, "Server", "streamObservations", "topic filter")
		}
	}
	if kinds := q["kind"]; len(kinds) > 0 {
		f.kinds = make(map[router.Kind]bool, len(kinds))
		for _, k := range kinds {
			f.kinds[router.Kind(k)] = true
		}
	}
	return f, nil
}

func (f streamFilter) allows(o router.Observation) bool {
	if f.kinds != nil && !f.kinds[o.Kind] {
		return false
	}
	return f.topic == "" || pipeline.MatchTopic(f.topic, o.Topic)
}

// streamObservations upgrades to a websocket and writes each observation
// as a JSON text frame until the client goes away or the server stops.
// A slow client misses observations rather than slowing the router.
func (s *Server) streamObservations(w http.ResponseWriter, r *http.Request) {
	if s.opts.Ring == nil {
		s.writeError(w, errNoRing())
		return
	}
	filter, err := parseStreamFilter(r)
	if err != nil {
		s.writeError(w, err)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("Observation stream upgrade failed", "error", err)
		return
	}
	defer conn.Close()

	observations, cancel := s.opts.Ring.Subscribe(streamBuffer)
	defer cancel()

	gone := make(chan struct{})
	go s.readUntilClosed(conn, gone)

	s.logger.Debug("Observation stream opened", "remote", r.RemoteAddr)
	defer s.logger.Debug("Observation stream closed", "remote", r.RemoteAddr)

	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-gone:
			return
		case <-s.closing:
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseGoingAway, "server stopping"),
				time.Now().Add(time.Second))
			return
		case <-ticker.C:
			_ = conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case o, ok := <-observations:
			if !ok {
				return
			}
			if !filter.allows(o) {
				continue
			}
			data, err := json.Marshal(o)
			if err != nil {
				s.logger.Error("Failed to encode observation", "error", err)
				continue
			}
			_ = conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		}
	}
}

// readUntilClosed drains client frames so pongs and close frames are
// processed, and closes gone when the connection fails
func (s *Server) readUntilClosed(conn *websocket.Conn, gone chan<- struct{}) {
	defer close(gone)
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		if _, _, err := conn.NextReader(); err != nil {
			return
		}
	}
}
