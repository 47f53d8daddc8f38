package realtime

import (
	"log"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

const (
	pongWait   = 60 * time.Second
	pingPeriod = 30 * time.Second
	writeWait  = 10 * time.Second
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     buildCheckOrigin(),
}

// buildCheckOrigin restricts websocket handshakes to an explicit allowlist
// in production, the same env-driven pattern the teacher's fabric package
// uses for its spoke connections.
func buildCheckOrigin() func(r *http.Request) bool {
	env := os.Getenv("DISPATCH_ENV")
	allowedRaw := os.Getenv("DISPATCH_ALLOWED_ORIGINS")

	if env == "production" && allowedRaw != "" {
		allowed := make(map[string]bool)
		for _, origin := range strings.Split(allowedRaw, ",") {
			allowed[strings.TrimSpace(origin)] = true
		}
		return func(r *http.Request) bool {
			return allowed[r.Header.Get("Origin")]
		}
	}
	return func(r *http.Request) bool { return true }
}

// HandleUpgrade upgrades an authenticated request to a websocket session
// and registers it with dir. The caller has already verified the bearer
// token and resolved claims before calling this (kept out of this function
// so the HTTP layer owns token parsing uniformly for REST and realtime).
func HandleUpgrade(dir *Directory, w http.ResponseWriter, r *http.Request, participantID, firmID, role string) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("[realtime] upgrade failed: %v", err)
		return
	}

	sess := &Session{
		ID:            uuid.NewString(),
		ParticipantID: participantID,
		FirmID:        firmID,
		Role:          role,
		Send:          make(chan []byte, 32),
	}
	dir.Register(sess)

	go writePump(conn, sess)
	readPump(conn, dir, sess)
}

// writePump drains Send to the connection and keeps it alive with pings,
// mirroring the teacher's ping/pong loop in fabric/websocket.go.
func writePump(conn *websocket.Conn, sess *Session) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		conn.Close()
	}()

	for {
		select {
		case msg, ok := <-sess.Send:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				conn.WriteMessage(websocket.CloseMessage, nil)
				return
			}
			if err := conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		case <-ticker.C:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// readPump only needs to detect disconnects and keep the pong deadline
// fresh; clients don't send application messages over this channel except
// location-log samples, which arrive over the REST location-ingest endpoint
// instead so they go through the same validation path as any other write.
func readPump(conn *websocket.Conn, dir *Directory, sess *Session) {
	defer func() {
		dir.Unregister(sess)
		close(sess.Send)
		conn.Close()
	}()

	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				log.Printf("[realtime] session %s closed unexpectedly: %v", sess.ID, err)
			}
			return
		}
	}
}
