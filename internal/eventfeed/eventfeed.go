// Package eventfeed is an optional observability sidecar: it broadcasts
// job lifecycle transitions as JSON frames to connected websocket
// clients, mirroring the teacher's dashboard log-streaming handler but
// scoped to the Leader's own events rather than HTTP request handling.
package eventfeed

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/ternarybob/arbor"

	"github.com/ternarybob/dagleader/internal/common"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// JobEvent is one lifecycle transition broadcast to connected clients.
type JobEvent struct {
	Type              string    `json:"type"` // "issued", "reissued", "completed", "failed", "service_issued", "missing"
	JobID             string    `json:"job_id"`
	Timestamp         time.Time `json:"timestamp"`
	Detail            string    `json:"detail,omitempty"`
	MissingJobsStreak int       `json:"missing_jobs_streak,omitempty"`
}

// Feed manages websocket clients and broadcasts JobEvents to all of them.
type Feed struct {
	logger arbor.ILogger

	mu      sync.RWMutex
	clients map[*websocket.Conn]*sync.Mutex

	addr string
	srv  *http.Server
}

// New constructs a Feed that will listen on addr once Start is called.
func New(addr string, logger arbor.ILogger) *Feed {
	return &Feed{
		logger:  logger,
		clients: make(map[*websocket.Conn]*sync.Mutex),
		addr:    addr,
	}
}

// Start launches the HTTP server hosting the websocket endpoint.
func (f *Feed) Start() error {
	mux := http.NewServeMux()
	mux.HandleFunc("/events", f.handleWebSocket)

	f.srv = &http.Server{Addr: f.addr, Handler: mux}

	common.SafeGo(f.logger, "eventfeed.listen", func() {
		if err := f.srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			f.logger.Error().Err(err).Msg("Event feed server failed")
		}
	})

	f.logger.Info().Str("addr", f.addr).Msg("Event feed listening")
	return nil
}

func (f *Feed) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		f.logger.Error().Err(err).Msg("Failed to upgrade event feed connection")
		return
	}

	f.mu.Lock()
	f.clients[conn] = &sync.Mutex{}
	f.mu.Unlock()

	f.logger.Debug().Int("clients", len(f.clients)).Msg("Event feed client connected")

	defer func() {
		f.mu.Lock()
		delete(f.clients, conn)
		remaining := len(f.clients)
		f.mu.Unlock()
		conn.Close()
		f.logger.Debug().Int("clients", remaining).Msg("Event feed client disconnected")
	}()

	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			break
		}
	}
}

// Publish broadcasts event as a JSON frame to every connected client.
func (f *Feed) Publish(event JobEvent) {
	data, err := json.Marshal(event)
	if err != nil {
		f.logger.Error().Err(err).Msg("Failed to marshal job event")
		return
	}

	f.mu.RLock()
	conns := make([]*websocket.Conn, 0, len(f.clients))
	mutexes := make([]*sync.Mutex, 0, len(f.clients))
	for conn, mu := range f.clients {
		conns = append(conns, conn)
		mutexes = append(mutexes, mu)
	}
	f.mu.RUnlock()

	for i, conn := range conns {
		mutexes[i].Lock()
		err := conn.WriteMessage(websocket.TextMessage, data)
		mutexes[i].Unlock()
		if err != nil {
			f.logger.Warn().Err(err).Msg("Failed to send job event to client")
		}
	}
}

// Shutdown closes the HTTP server.
func (f *Feed) Shutdown() error {
	if f.srv == nil {
		return nil
	}
	return f.srv.Close()
}
