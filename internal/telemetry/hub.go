// Package telemetry fans rover events out to websocket clients and records
// them per run in BoltDB.
package telemetry

import (
	"encoding/json"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"OmniRover/internal/model"
	"OmniRover/internal/util"
)

var upgrader = websocket.Upgrader{CheckOrigin: func(r *http.Request) bool { return true }}

const (
	queueSize    = 512
	writeTimeout = time.Second
)

// Hub accepts events from the control and link goroutines without blocking
// them, stamps them with the run id and a sequence number, records them and
// broadcasts them as JSON to every websocket client.
type Hub struct {
	runID    string
	rec      *Recorder
	events   chan model.Event
	seq      atomic.Uint64
	dropped  atomic.Uint64
	now      func() time.Time
	log      zerolog.Logger
	clients  map[*websocket.Conn]bool
	mu       sync.Mutex
	latestMu sync.RWMutex
	latest   map[string]model.Event

	stop chan struct{}
	wg   sync.WaitGroup
}

// NewHub creates a hub for a new run. rec may be nil.
func NewHub(rec *Recorder) *Hub {
	h := &Hub{
		runID:   uuid.NewString(),
		rec:     rec,
		events:  make(chan model.Event, queueSize),
		now:     time.Now,
		log:     util.Component("telemetry"),
		clients: map[*websocket.Conn]bool{},
		latest:  map[string]model.Event{},
	}
	return h
}

// RunID identifies this process's run in the recorder.
func (h *Hub) RunID() string { return h.runID }

// Dropped counts events discarded because the queue was full.
func (h *Hub) Dropped() uint64 { return h.dropped.Load() }

// Publish queues an event. It never blocks; when the queue is full the event
// is dropped.
func (h *Hub) Publish(kind string, data any) {
	ev := model.Event{RunID: h.runID, Seq: h.seq.Add(1), Kind: kind, Time: h.now(), Data: data}
	h.latestMu.Lock()
	h.latest[kind] = ev
	h.latestMu.Unlock()
	select {
	case h.events <- ev:
	default:
		h.dropped.Add(1)
	}
}

// Latest returns the most recent event of each kind.
func (h *Hub) Latest() map[string]model.Event {
	h.latestMu.RLock()
	defer h.latestMu.RUnlock()
	out := make(map[string]model.Event, len(h.latest))
	for k, v := range h.latest {
		out[k] = v
	}
	return out
}

// Start launches the delivery goroutine.
func (h *Hub) Start() {
	if h.stop != nil {
		return
	}
	if h.rec != nil {
		if err := h.rec.BeginRun(h.runID, h.now()); err != nil {
			h.log.Error().Err(err).Msg("failed to register run")
		}
	}
	h.stop = make(chan struct{})
	h.wg.Add(1)
	go h.loop()
	h.log.Info().Str("run", h.runID).Msg("hub started")
}

// Stop drains queued events and closes every client.
func (h *Hub) Stop() {
	if h.stop == nil {
		return
	}
	close(h.stop)
	h.wg.Wait()
	h.stop = nil

	h.mu.Lock()
	for c := range h.clients {
		_ = c.Close()
		delete(h.clients, c)
	}
	h.mu.Unlock()
	h.log.Info().Uint64("dropped", h.Dropped()).Msg("hub stopped")
}

func (h *Hub) loop() {
	defer h.wg.Done()
	for {
		select {
		case ev := <-h.events:
			h.deliver(ev)
		case <-h.stop:
			for {
				select {
				case ev := <-h.events:
					h.deliver(ev)
				default:
					return
				}
			}
		}
	}
}

func (h *Hub) deliver(ev model.Event) {
	b, err := json.Marshal(ev)
	if err != nil {
		h.log.Warn().Err(err).Str("kind", ev.Kind).Msg("event not encodable")
		return
	}
	if h.rec != nil {
		if err := h.rec.Record(ev.RunID, ev.Seq, b); err != nil {
			h.log.Warn().Err(err).Msg("record failed")
		}
	}
	h.broadcast(b)
}

// broadcast sends a message to all connected websocket clients, dropping
// clients whose write fails.
func (h *Hub) broadcast(msg []byte) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.clients {
		_ = c.SetWriteDeadline(time.Now().Add(writeTimeout))
		if err := c.WriteMessage(websocket.TextMessage, msg); err != nil {
			h.log.Debug().Err(err).Msg("dropping websocket client")
			_ = c.Close()
			delete(h.clients, c)
		}
	}
}

// HandleWS upgrades HTTP to websocket and registers the client for broadcasts.
func (h *Hub) HandleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	h.mu.Lock()
	h.clients[conn] = true
	h.mu.Unlock()

	go func() {
		defer func() {
			h.mu.Lock()
			delete(h.clients, conn)
			h.mu.Unlock()
			_ = conn.Close()
		}()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				break
			}
		}
	}()
}

// Clients returns the number of connected websocket clients.
func (h *Hub) Clients() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}
