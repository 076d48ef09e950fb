package live

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/floodwatch-ph/floodroute/internal/model"
)

func TestPublishFansOut(t *testing.T) {
	h := NewHub(zerolog.Nop())
	a, b := h.Subscribe(), h.Subscribe()
	defer a.Close()
	defer b.Close()

	h.Publish(model.LiveUpdate{Kind: model.LiveRiskUpdate, Data: map[string]any{"edges": 10}})

	for _, sub := range []*Subscriber{a, b} {
		select {
		case u := <-sub.C:
			if u.Kind != model.LiveRiskUpdate || u.EmittedAt.IsZero() {
				t.Fatalf("frame: %+v", u)
			}
		case <-time.After(time.Second):
			t.Fatal("subscriber did not receive")
		}
	}
}

func TestSlowSubscriberIsDropped(t *testing.T) {
	h := NewHub(zerolog.Nop())
	slow := h.Subscribe()
	fast := h.Subscribe()
	defer fast.Close()

	for i := 0; i < SubscriberBuffer+1; i++ {
		h.Publish(model.LiveUpdate{Kind: model.LiveFloodUpdate})
		// keep the fast one drained
		select {
		case <-fast.C:
		default:
		}
	}

	if h.Subscribers() != 1 {
		t.Fatalf("subscribers = %d, want slow one dropped", h.Subscribers())
	}
	// channel is closed after the drop
	deadline := time.After(time.Second)
	for {
		select {
		case _, ok := <-slow.C:
			if !ok {
				return
			}
		case <-deadline:
			t.Fatal("slow subscriber channel never closed")
		}
	}
}

func TestCloseIsIdempotent(t *testing.T) {
	h := NewHub(zerolog.Nop())
	s := h.Subscribe()
	s.Close()
	s.Close()
	if h.Subscribers() != 0 {
		t.Fatalf("subscribers = %d", h.Subscribers())
	}
}

func TestWebSocketDeliversCriticalAlert(t *testing.T) {
	h := NewHub(zerolog.Nop())
	srv := httptest.NewServer(http.HandlerFunc(Handler(h, zerolog.Nop())))
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	// wait for the subscription to register before publishing
	deadline := time.Now().Add(time.Second)
	for h.Subscribers() == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}

	h.Publish(model.LiveUpdate{
		Kind: model.LiveCriticalAlert,
		Data: map[string]any{"stations": []string{"sto-nino"}},
	})

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var got model.LiveUpdate
	if err := conn.ReadJSON(&got); err != nil {
		t.Fatalf("ReadJSON: %v", err)
	}
	if got.Kind != model.LiveCriticalAlert {
		t.Fatalf("kind = %s", got.Kind)
	}
}
