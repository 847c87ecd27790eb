package gateway

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/pulsehq/pulse/internal/cron"
)

const feedWriteTimeout = 5 * time.Second

// eventFeed streams completed run records to WebSocket subscribers. Slow
// subscribers are dropped rather than allowed to back up the broadcaster.
type eventFeed struct {
	logger *slog.Logger

	mu     sync.Mutex
	nextID int
	subs   map[int]chan cron.RunRecord
}

// feedEnvelope is the wire format for each run event.
type feedEnvelope struct {
	Type      string         `json:"type"`
	Run       cron.RunRecord `json:"run"`
	Timestamp time.Time      `json:"timestamp"`
}

func newEventFeed(logger *slog.Logger) *eventFeed {
	return &eventFeed{
		logger: logger.With("component", "gateway.events"),
		subs:   map[int]chan cron.RunRecord{},
	}
}

// broadcast fans a run record out to every subscriber without blocking.
func (f *eventFeed) broadcast(rec cron.RunRecord) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for id, ch := range f.subs {
		select {
		case ch <- rec:
		default:
			f.logger.Warn("dropping slow event subscriber", "subscriber", id)
			close(ch)
			delete(f.subs, id)
		}
	}
}

func (f *eventFeed) subscribe() (int, chan cron.RunRecord) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextID++
	id := f.nextID
	ch := make(chan cron.RunRecord, 16)
	f.subs[id] = ch
	return id, ch
}

func (f *eventFeed) unsubscribe(id int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if ch, ok := f.subs[id]; ok {
		close(ch)
		delete(f.subs, id)
	}
}

// closeAll drops every subscriber; used at shutdown.
func (f *eventFeed) closeAll() {
	f.mu.Lock()
	defer f.mu.Unlock()
	for id, ch := range f.subs {
		close(ch)
		delete(f.subs, id)
	}
}

// handleWS upgrades the connection and streams run events until the client
// disconnects.
func (f *eventFeed) handleWS(w http.ResponseWriter, r *http.Request) {
	// Server-wide timeouts would otherwise linger on the hijacked connection
	// and cut the stream off mid-subscription.
	rc := http.NewResponseController(w)
	_ = rc.SetReadDeadline(time.Time{})
	_ = rc.SetWriteDeadline(time.Time{})

	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		f.logger.Error("websocket accept failed", "error", err)
		return
	}
	defer func() {
		_ = conn.Close(websocket.StatusInternalError, "unexpected close")
	}()

	id, ch := f.subscribe()
	defer f.unsubscribe(id)

	ctx := r.Context()

	// Reads are discarded; the read loop only notices disconnects.
	go func() {
		for {
			if _, _, err := conn.Read(ctx); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case <-ctx.Done():
			_ = conn.Close(websocket.StatusGoingAway, "server shutting down")
			return
		case rec, ok := <-ch:
			if !ok {
				_ = conn.Close(websocket.StatusGoingAway, "feed closed")
				return
			}
			if err := f.write(ctx, conn, rec); err != nil {
				return
			}
		}
	}
}

func (f *eventFeed) write(ctx context.Context, conn *websocket.Conn, rec cron.RunRecord) error {
	env := feedEnvelope{
		Type:      "run",
		Run:       rec,
		Timestamp: time.Now(),
	}
	data, _ := json.Marshal(env)

	writeCtx, cancel := context.WithTimeout(ctx, feedWriteTimeout)
	defer cancel()
	return conn.Write(writeCtx, websocket.MessageText, data)
}
