package realtime

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"runtime"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/meattrace/notify/internal/db"
)

type fakeStats struct {
	stats *db.Stats
}

func (f *fakeStats) Stats(_ context.Context, _ uuid.UUID) (*db.Stats, error) {
	return f.stats, nil
}

func startHub(t *testing.T, stats StatsSource) (*Hub, *httptest.Server, uuid.UUID) {
	t.Helper()

	hub := NewHub(stats, zap.NewNop())
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go hub.Run(ctx)

	userID := uuid.New()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hub.ServeHTTP(w, r, userID)
	}))
	t.Cleanup(srv.Close)

	return hub, srv, userID
}

func dial(t *testing.T, srv *httptest.Server) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial failed: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readEnvelope(t *testing.T, conn *websocket.Conn) *Envelope {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, payload, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read failed: %v", err)
	}
	var env Envelope
	if err := json.Unmarshal(payload, &env); err != nil {
		t.Fatalf("decode failed: %v", err)
	}
	return &env
}

func TestHub_InitialStatsOnConnect(t *testing.T) {
	_, srv, _ := startHub(t, &fakeStats{stats: &db.Stats{Total: 7, Unread: 3}})
	conn := dial(t, srv)

	env := readEnvelope(t, conn)
	if env.Event != "initial_stats" {
		t.Fatalf("expected initial_stats, got %q", env.Event)
	}
	if env.Stats == nil || env.Stats.Unread != 3 {
		t.Errorf("expected unread count in snapshot, got %+v", env.Stats)
	}
}

func TestHub_PublishReachesRecipient(t *testing.T) {
	hub, srv, userID := startHub(t, nil)
	conn := dial(t, srv)

	waitForClients(t, hub, 1)

	n := &db.Notification{ID: uuid.New(), RecipientID: userID, Title: "Animal rejected"}
	hub.Publish("notification.created", n)

	env := readEnvelope(t, conn)
	if env.Event != "notification.created" {
		t.Fatalf("expected created event, got %q", env.Event)
	}
	if env.Notification == nil || env.Notification.ID != n.ID {
		t.Error("event should carry the notification")
	}
}

func TestHub_OtherUsersDoNotReceive(t *testing.T) {
	hub, srv, _ := startHub(t, nil)
	conn := dial(t, srv)

	waitForClients(t, hub, 1)

	hub.Publish("notification.created", &db.Notification{
		ID:          uuid.New(),
		RecipientID: uuid.New(),
	})

	conn.SetReadDeadline(time.Now().Add(200 * time.Millisecond))
	if _, _, err := conn.ReadMessage(); err == nil {
		t.Error("connection for a different user should receive nothing")
	}
}

func TestHub_FansOutToAllConnections(t *testing.T) {
	hub, srv, userID := startHub(t, nil)
	first := dial(t, srv)
	second := dial(t, srv)

	waitForTotal(t, hub, 2)

	hub.Publish("notification.updated", &db.Notification{ID: uuid.New(), RecipientID: userID})

	for _, conn := range []*websocket.Conn{first, second} {
		if env := readEnvelope(t, conn); env.Event != "notification.updated" {
			t.Errorf("expected updated event, got %q", env.Event)
		}
	}
}

func TestHub_BroadcastReachesSubscribers(t *testing.T) {
	hub := NewHub(nil, zap.NewNop())
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go hub.Run(ctx)

	subscriberID := uuid.New()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/admin" {
			hub.ServeHTTP(w, r, subscriberID, TopicSystemAlerts)
			return
		}
		hub.ServeHTTP(w, r, uuid.New())
	}))
	t.Cleanup(srv.Close)

	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	subscriber, _, err := websocket.DefaultDialer.Dial(url+"/admin", nil)
	if err != nil {
		t.Fatalf("dial failed: %v", err)
	}
	t.Cleanup(func() { subscriber.Close() })
	plain, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial failed: %v", err)
	}
	t.Cleanup(func() { plain.Close() })

	waitForClients(t, hub, 2)

	hub.Broadcast(TopicSystemAlerts, "notification.created", &db.Notification{
		ID:          uuid.New(),
		RecipientID: uuid.New(),
		Title:       "Plant shutdown",
	})

	env := readEnvelope(t, subscriber)
	if env.Topic != TopicSystemAlerts {
		t.Errorf("expected topic on envelope, got %q", env.Topic)
	}

	plain.SetReadDeadline(time.Now().Add(200 * time.Millisecond))
	if _, _, err := plain.ReadMessage(); err == nil {
		t.Error("unsubscribed connection should receive nothing")
	}
}

func TestHub_ShutdownReleasesClientGoroutines(t *testing.T) {
	hub := NewHub(nil, zap.NewNop())
	ctx, cancel := context.WithCancel(context.Background())
	go hub.Run(ctx)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hub.ServeHTTP(w, r, uuid.New())
	}))
	t.Cleanup(srv.Close)

	before := runtime.NumGoroutine()

	conn := dial(t, srv)
	waitForClients(t, hub, 1)

	cancel()

	// The hub closed every send channel; the write pump shuts the
	// socket, which unblocks the read pump even though the hub loop
	// is no longer draining unregister.
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			break
		}
	}
	conn.Close()

	deadline := time.Now().Add(3 * time.Second)
	for runtime.NumGoroutine() > before {
		if time.Now().After(deadline) {
			t.Fatalf("pump goroutines still running after shutdown: %d, baseline %d",
				runtime.NumGoroutine(), before)
		}
		time.Sleep(20 * time.Millisecond)
	}
}

func waitForClients(t *testing.T, hub *Hub, want int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for hub.ConnectedUsers() < want {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %d connected users", want)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func waitForTotal(t *testing.T, hub *Hub, want int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for {
		hub.mu.RLock()
		total := hub.total()
		hub.mu.RUnlock()
		if total >= want {
			return
		}
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %d connections", want)
		}
		time.Sleep(10 * time.Millisecond)
	}
}
