package api

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/mediguard-intake/internal/intake"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10
)

// eventMessage is one frame on the events stream
type eventMessage struct {
	Type     string          `json:"type"` // "snapshot" or "transition"
	From     *intake.State   `json:"from,omitempty"`
	To       *intake.State   `json:"to,omitempty"`
	At       time.Time       `json:"at"`
	Snapshot intake.Snapshot `json:"snapshot"`
}

func (s *Server) upgrader() *websocket.Upgrader {
	allowed := make(map[string]bool, len(s.cfg.CORS.AllowedOrigins))
	for _, o := range s.cfg.CORS.AllowedOrigins {
		allowed[o] = true
	}
	return &websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 4096,
		CheckOrigin: func(r *http.Request) bool {
			origin := r.Header.Get("Origin")
			return origin == "" || allowed["*"] || allowed[origin]
		},
	}
}

// handleEvents streams the session's state transitions over a websocket.
// The first frame is the current snapshot.
func (s *Server) handleEvents(c *gin.Context) {
	sess := sessionFrom(c)

	conn, err := s.upgrader().Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		// Upgrade already wrote the HTTP error
		s.logger.WithError(err).Debug("Websocket upgrade failed")
		return
	}
	defer conn.Close()

	events, unsubscribe := sess.Subscribe()
	defer unsubscribe()

	log := s.logger.WithField("session_id", sess.ID())
	log.Debug("Event stream opened")

	// reader: handles pongs and notices client close
	done := make(chan struct{})
	go func() {
		defer close(done)
		conn.SetReadLimit(512)
		_ = conn.SetReadDeadline(time.Now().Add(pongWait))
		conn.SetPongHandler(func(string) error {
			return conn.SetReadDeadline(time.Now().Add(pongWait))
		})
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	write := func(msg eventMessage) error {
		_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
		return conn.WriteJSON(msg)
	}

	if err := write(eventMessage{Type: "snapshot", At: time.Now().UTC(), Snapshot: sess.Snapshot()}); err != nil {
		return
	}

	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case ev, ok := <-events:
			if !ok {
				_ = conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseGoingAway, "session ended"),
					time.Now().Add(writeWait))
				return
			}
			from, to := ev.From, ev.To
			if err := write(eventMessage{Type: "transition", From: &from, To: &to, At: ev.At, Snapshot: ev.Snapshot}); err != nil {
				log.WithError(err).Debug("Event stream write failed")
				return
			}
		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				return
			}
		case <-done:
			log.Debug("Event stream closed by client")
			return
		case <-c.Request.Context().Done():
			return
		}
	}
}
