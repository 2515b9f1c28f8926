package router

import (
	"context"
	"testing"
	"time"

	"github.com/c360studio/lexstream/bus"
	"github.com/c360studio/lexstream/message"
)

func newRouter(t *testing.T) (*Router, *bus.Bus) {
	t.Helper()
	b := bus.New()
	if err := b.Start(context.Background()); err != nil {
		t.Fatalf("start bus: %v", err)
	}
	t.Cleanup(func() { _ = b.Stop(time.Second) })

	r := New(b)
	if err := r.AddQueue(QueueConfig{Name: "html_extractor", Capacity: 100, MaxRetries: 3, DeadLetter: true}); err != nil {
		t.Fatalf("add queue: %v", err)
	}
	if err := r.Bind(message.KindJobCreated, "html_extractor"); err != nil {
		t.Fatalf("bind: %v", err)
	}
	return r, b
}

func mustMessage(t *testing.T, kind message.Kind) *message.Message {
	t.Helper()
	msg, err := message.New(kind, "engine", "", nil)
	if err != nil {
		t.Fatalf("new message: %v", err)
	}
	return msg
}

func TestRoute_Success(t *testing.T) {
	r, _ := newRouter(t)

	if !r.Route(mustMessage(t, message.KindJobCreated)) {
		t.Fatal("expected route to succeed")
	}

	stats := r.Stats()["html_extractor"]
	if stats.Sent != 1 {
		t.Errorf("expected 1 sent, got %d", stats.Sent)
	}
	if stats.LastActivity.IsZero() {
		t.Error("expected last activity to be set")
	}
}

func TestRoute_UnknownKindDeadLetters(t *testing.T) {
	r, _ := newRouter(t)

	// workflow-request has no binding in this router.
	if r.Route(mustMessage(t, message.KindWorkflowRequest)) {
		t.Fatal("expected route to fail for unbound kind")
	}

	dead := r.DeadLetters()
	if len(dead) != 1 {
		t.Fatalf("expected 1 dead letter, got %d", len(dead))
	}
	if dead[0].Reason == "" {
		t.Error("dead letter must carry a failure reason")
	}
	if dead[0].Original.Kind != message.KindWorkflowRequest {
		t.Error("dead letter must preserve the original message")
	}
}

func TestRoute_CapacityDeadLetters(t *testing.T) {
	b := bus.New()
	if err := b.Start(context.Background()); err != nil {
		t.Fatalf("start bus: %v", err)
	}
	defer b.Stop(time.Second)

	r := New(b)
	_ = r.AddQueue(QueueConfig{Name: "tiny", Capacity: 1, DeadLetter: true})
	_ = r.Bind(message.KindJobCreated, "tiny")

	// Block the consumer so depth stays observable.
	release := make(chan struct{})
	defer close(release)
	_ = b.SubscribeQueue("tiny", func(_ context.Context, _ *message.Message) error {
		<-release
		return nil
	})

	// Fill past capacity: first routes, consumer blocks on it, second sits
	// in the buffer, third observes depth >= capacity.
	r.Route(mustMessage(t, message.KindJobCreated))
	r.Route(mustMessage(t, message.KindJobCreated))

	deadlined := time.Now().Add(time.Second)
	rejected := false
	for time.Now().Before(deadlined) {
		if !r.Route(mustMessage(t, message.KindJobCreated)) {
			rejected = true
			break
		}
	}
	if !rejected {
		t.Fatal("expected routing to dead-letter once queue reached capacity")
	}

	if len(r.DeadLetters()) == 0 {
		t.Error("expected dead letters after capacity rejection")
	}
	stats := r.Stats()["tiny"]
	if stats.Failed == 0 {
		t.Error("expected failed counter to increment on capacity rejection")
	}
}

func TestAck_UpdatesStats(t *testing.T) {
	r, _ := newRouter(t)

	r.Ack("html_extractor", true)
	r.Ack("html_extractor", false)

	stats := r.Stats()["html_extractor"]
	if stats.Succeeded != 1 || stats.Failed != 1 {
		t.Errorf("unexpected ack stats: %+v", stats)
	}
}

func TestReplay(t *testing.T) {
	r, _ := newRouter(t)

	// Dead-letter a message by routing an unbound kind, then bind and replay.
	msg := mustMessage(t, message.KindWorkflowRequest)
	r.Route(msg)
	if len(r.DeadLetters()) != 1 {
		t.Fatal("expected 1 dead letter")
	}

	_ = r.AddQueue(QueueConfig{Name: "engine", Capacity: 10})
	_ = r.Bind(message.KindWorkflowRequest, "engine")

	if n := r.Replay(); n != 1 {
		t.Fatalf("expected 1 replayed, got %d", n)
	}
	if len(r.DeadLetters()) != 0 {
		t.Error("expected dead letters cleared after successful replay")
	}
	// Replays are re-counted in statistics.
	if stats := r.Stats()["engine"]; stats.Sent != 1 {
		t.Errorf("expected replayed message counted as sent, got %d", stats.Sent)
	}
}

func TestReplay_FailedReplayKeepsCount(t *testing.T) {
	r, _ := newRouter(t)

	// Still unbound at replay time, so every attempt fails again.
	r.Route(mustMessage(t, message.KindWorkflowRequest))

	if n := r.Replay(); n != 0 {
		t.Fatalf("expected 0 replayed, got %d", n)
	}
	dead := r.DeadLetters()
	if len(dead) != 1 {
		t.Fatalf("expected the entry retained, got %d", len(dead))
	}
	if dead[0].Replayed != 1 {
		t.Errorf("expected replay count 1, got %d", dead[0].Replayed)
	}

	if n := r.Replay(); n != 0 {
		t.Fatalf("expected 0 replayed, got %d", n)
	}
	if dead := r.DeadLetters(); len(dead) != 1 || dead[0].Replayed != 2 {
		t.Fatalf("expected replay count 2 on the retained entry, got %+v", dead)
	}

	// Once routable, the entry clears.
	_ = r.AddQueue(QueueConfig{Name: "engine", Capacity: 10})
	_ = r.Bind(message.KindWorkflowRequest, "engine")
	if n := r.Replay(); n != 1 {
		t.Fatalf("expected 1 replayed, got %d", n)
	}
	if len(r.DeadLetters()) != 0 {
		t.Error("expected dead letters cleared after successful replay")
	}
}

func TestBind_UnknownQueue(t *testing.T) {
	r, _ := newRouter(t)
	if err := r.Bind(message.KindJobFailed, "missing"); err == nil {
		t.Fatal("expected error binding to unconfigured queue")
	}
}

func TestTTLAppliedFromQueueConfig(t *testing.T) {
	b := bus.New()
	if err := b.Start(context.Background()); err != nil {
		t.Fatalf("start bus: %v", err)
	}
	defer b.Stop(time.Second)

	r := New(b)
	_ = r.AddQueue(QueueConfig{Name: "q", Capacity: 10, TTL: time.Minute})
	_ = r.Bind(message.KindJobStarted, "q")

	received := make(chan *message.Message, 1)
	_ = b.SubscribeQueue("q", func(_ context.Context, m *message.Message) error {
		received <- m
		return nil
	})

	r.Route(mustMessage(t, message.KindJobStarted))

	select {
	case m := <-received:
		if m.TTL != time.Minute {
			t.Errorf("expected queue TTL applied, got %v", m.TTL)
		}
	case <-time.After(time.Second):
		t.Fatal("message not delivered")
	}
}
