package gateway

import (
	"context"
	"encoding/json"
	"log/slog"
	"testing"
	"time"

	"github.com/coder/websocket"

	"github.com/pulsehq/pulse/internal/cron"
)

func TestEventFeed_Broadcast(t *testing.T) {
	t.Parallel()

	feed := newEventFeed(slog.Default())
	id, ch := feed.subscribe()
	defer feed.unsubscribe(id)

	feed.broadcast(cron.RunRecord{JobID: "j1", Status: cron.StatusOK})

	select {
	case rec := <-ch:
		if rec.JobID != "j1" {
			t.Errorf("rec = %+v", rec)
		}
	default:
		t.Fatal("subscriber did not receive the record")
	}
}

func TestEventFeed_DropsSlowSubscriber(t *testing.T) {
	t.Parallel()

	feed := newEventFeed(slog.Default())
	_, ch := feed.subscribe()

	// Fill the buffer and push one more; the laggard is evicted, not blocked on.
	for i := 0; i < cap(ch)+1; i++ {
		feed.broadcast(cron.RunRecord{JobID: "j1"})
	}

	feed.mu.Lock()
	n := len(feed.subs)
	feed.mu.Unlock()
	if n != 0 {
		t.Errorf("subscribers = %d, want 0 after eviction", n)
	}
}

func TestEventFeed_WebSocketDelivery(t *testing.T) {
	t.Parallel()

	tg := newTestGateway(t, Config{})

	_, env := tg.rpc(t, "cron.add", addParams(), nil)
	if !env.OK {
		t.Fatalf("add: %+v", env)
	}
	job := resultJob(t, env.Result)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	conn, _, err := websocket.Dial(ctx, tg.srv.URL+"/ws/events", nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer func() { _ = conn.Close(websocket.StatusNormalClosure, "done") }()

	// Wait for the server side to register the subscription before running.
	deadline := time.Now().Add(2 * time.Second)
	for {
		tg.gw.feed.mu.Lock()
		n := len(tg.gw.feed.subs)
		tg.gw.feed.mu.Unlock()
		if n > 0 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("subscription never registered")
		}
		time.Sleep(5 * time.Millisecond)
	}

	if _, env := tg.rpc(t, "cron.run", map[string]any{"id": job.ID}, nil); !env.OK {
		t.Fatalf("run: %+v", env)
	}

	_, data, err := conn.Read(ctx)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	var got feedEnvelope
	if err := json.Unmarshal(data, &got); err != nil {
		t.Fatalf("frame is not JSON: %v", err)
	}
	if got.Type != "run" || got.Run.JobID != job.ID || got.Run.Status != cron.StatusOK {
		t.Errorf("envelope = %+v", got)
	}
}
