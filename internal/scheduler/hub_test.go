package scheduler

import (
	"encoding/json"
	"io"
	"log/slog"
	"testing"

	"github.com/modelmux/modelmux/internal/model"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func drainOne(t *testing.T, sub *Subscriber) model.BackendsUpdate {
	t.Helper()
	select {
	case data := <-sub.Out():
		var update model.BackendsUpdate
		if err := json.Unmarshal(data, &update); err != nil {
			t.Fatalf("unmarshal pushed update: %v", err)
		}
		return update
	default:
		t.Fatal("no pushed message pending")
		return model.BackendsUpdate{}
	}
}

func TestHubPublishReachesSessionSubscribers(t *testing.T) {
	t.Parallel()

	hub := NewHub(testLogger())
	subA := hub.Attach()
	subB := hub.Attach()
	hub.Subscribe(subA, "tensorflow:resnet_50:1:50")
	hub.Subscribe(subB, "darknet:yolo9000:1:100")

	hub.Publish(model.NewBackendsUpdate("tensorflow:resnet_50:1:50", 3, []model.BackendInfo{
		{NodeID: "backend-1", ServerAddress: "10.0.0.1:7002"},
	}))

	update := drainOne(t, subA)
	if update.Version != 3 || len(update.Backends) != 1 {
		t.Errorf("update = %+v", update)
	}
	if update.Type != "backends" {
		t.Errorf("type = %q, want backends", update.Type)
	}
	select {
	case <-subB.Out():
		t.Fatal("update leaked to a different session's subscriber")
	default:
	}

	published, _ := hub.Stats()
	if published != 1 {
		t.Errorf("published = %d, want 1", published)
	}
}

func TestHubDropsOldestOnSlowSubscriber(t *testing.T) {
	t.Parallel()

	hub := NewHub(testLogger())
	sub := hub.Attach()
	sessionID := "tensorflow:resnet_50:1:50"
	hub.Subscribe(sub, sessionID)

	// Overflow the queue without draining it.
	for v := uint64(1); v <= subscriberQueueSize+4; v++ {
		hub.Publish(model.NewBackendsUpdate(sessionID, v, nil))
	}

	_, dropped := hub.Stats()
	if dropped == 0 {
		t.Fatal("no drops recorded on an overflowing queue")
	}

	var last model.BackendsUpdate
	for {
		select {
		case data := <-sub.Out():
			if err := json.Unmarshal(data, &last); err != nil {
				t.Fatalf("unmarshal: %v", err)
			}
			continue
		default:
		}
		break
	}
	if last.Version != subscriberQueueSize+4 {
		t.Errorf("newest update version = %d, want %d; oldest must be dropped first", last.Version, subscriberQueueSize+4)
	}
}

func TestHubDetachClosesQueue(t *testing.T) {
	t.Parallel()

	hub := NewHub(testLogger())
	sub := hub.Attach()
	hub.Subscribe(sub, "tensorflow:resnet_50:1:50")
	hub.Detach(sub)

	if _, ok := <-sub.Out(); ok {
		t.Fatal("queue not closed after detach")
	}

	// Publishing after detach must not panic or count the subscriber.
	hub.Publish(model.NewBackendsUpdate("tensorflow:resnet_50:1:50", 1, nil))
}

func TestHubSend(t *testing.T) {
	t.Parallel()

	hub := NewHub(testLogger())
	sub := hub.Attach()
	hub.Send(sub, map[string]string{"type": "pong"})

	select {
	case data := <-sub.Out():
		var msg map[string]string
		if err := json.Unmarshal(data, &msg); err != nil {
			t.Fatalf("unmarshal: %v", err)
		}
		if msg["type"] != "pong" {
			t.Errorf("payload = %v", msg)
		}
	default:
		t.Fatal("no message delivered")
	}
}
