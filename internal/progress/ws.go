package progress

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/reelsmith/reelsmith/internal/api/response"
	"github.com/reelsmith/reelsmith/internal/store"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(*http.Request) bool { return true },
}

type connectedMessage struct {
	Type   string    `json:"type"`
	JobID  uuid.UUID `json:"job_id"`
	Status string    `json:"status"`
}

// NewEventsHandler returns the WebSocket attach endpoint for
// GET /api/v1/jobs/{jobID}/events. Unknown job ids are refused before the
// upgrade; attached observers get the connected message first, then only
// events emitted after attach time.
func NewEventsHandler(hub *Hub, st store.Store, pingInterval, writeTimeout time.Duration) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		jobID, err := uuid.Parse(chi.URLParam(r, "jobID"))
		if err != nil {
			response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "jobID must be a valid UUID", nil)
			return
		}

		job, err := st.GetJob(r.Context(), jobID)
		if errors.Is(err, store.ErrNotFound) {
			response.Error(w, http.StatusNotFound, "JOB_NOT_FOUND", "No job with that id", nil)
			return
		}
		if err != nil {
			response.Error(w, http.StatusInternalServerError, "INTERNAL_ERROR", "Failed to look up job", nil)
			return
		}

		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			slog.Warn("websocket upgrade failed", "job_id", jobID, "error", err)
			return
		}

		obs := &wsObserver{conn: conn, writeTimeout: writeTimeout, readWait: 2 * pingInterval}

		hello, _ := json.Marshal(connectedMessage{Type: "connected", JobID: jobID, Status: job.Status})
		if err := obs.Send(hello); err != nil {
			conn.Close()
			return
		}

		hub.Attach(jobID, obs)
		defer func() {
			hub.Detach(jobID, obs)
			conn.Close()
		}()

		done := make(chan struct{})
		go pingLoop(obs, pingInterval, done)
		readLoop(conn, obs, pingInterval)
		close(done)
	}
}

// pingLoop probes liveness only after a full quiet interval. A connection
// with events flowing proves itself alive through its own writes, so busy
// streams are never pinged.
func pingLoop(obs *wsObserver, interval time.Duration, done <-chan struct{}) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			if !obs.quietFor(interval) {
				continue
			}
			if err := obs.Ping(); err != nil {
				return
			}
		}
	}
}

// readLoop consumes client messages, answering application-level pings with
// pongs, until the connection drops.
func readLoop(conn *websocket.Conn, obs *wsObserver, pingInterval time.Duration) {
	wait := 2 * pingInterval
	_ = conn.SetReadDeadline(time.Now().Add(wait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(wait))
	})

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		_ = conn.SetReadDeadline(time.Now().Add(wait))

		var msg struct {
			Type string `json:"type"`
		}
		if json.Unmarshal(data, &msg) == nil && msg.Type == "ping" {
			pong, _ := json.Marshal(map[string]string{"type": "pong"})
			if err := obs.Send(pong); err != nil {
				return
			}
		}
	}
}

// wsObserver adapts a gorilla connection to the Observer interface. The
// mutex serializes writes from the bridge, the ping loop and the read loop.
type wsObserver struct {
	mu           sync.Mutex
	conn         *websocket.Conn
	writeTimeout time.Duration
	readWait     time.Duration
	lastSend     time.Time
}

func (o *wsObserver) Send(payload []byte) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	_ = o.conn.SetWriteDeadline(time.Now().Add(o.writeTimeout))
	if err := o.conn.WriteMessage(websocket.TextMessage, payload); err != nil {
		return err
	}
	o.lastSend = time.Now()
	// A busy connection gets no pings and therefore no pongs; extend the
	// read deadline ourselves so the read loop does not cut it off. A dead
	// peer still surfaces as a write timeout here.
	if o.readWait > 0 {
		_ = o.conn.SetReadDeadline(time.Now().Add(o.readWait))
	}
	return nil
}

// quietFor reports whether nothing has been sent for at least d.
func (o *wsObserver) quietFor(d time.Duration) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return time.Since(o.lastSend) >= d
}

func (o *wsObserver) Ping() error {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(o.writeTimeout))
}

func (o *wsObserver) CloseWithError(reason string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	msg := websocket.FormatCloseMessage(websocket.CloseGoingAway, reason)
	_ = o.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(o.writeTimeout))
	_ = o.conn.Close()
}

var _ Observer = (*wsObserver)(nil)
