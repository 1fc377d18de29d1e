package events

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	redis "github.com/redis/go-redis/v9"

	"github.com/amanullahtanweer/voice-intake/internal/flow"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestHubDeliversPerSession(t *testing.T) {
	hub := NewHub(4, quietLogger())
	a := hub.Subscribe("a")
	b := hub.Subscribe("b")
	defer b.Close()

	hub.Observe(flow.Event{Type: flow.EventQuestion, SessionID: "a", Text: "hello"})

	select {
	case ev := <-a.C:
		if ev.Text != "hello" {
			t.Errorf("Unexpected event %+v", ev)
		}
	case <-time.After(time.Second):
		t.Fatal("Subscriber did not receive event")
	}
	select {
	case ev := <-b.C:
		t.Errorf("Other session received %+v", ev)
	default:
	}

	a.Close()
	a.Close()
	if _, ok := <-a.C; ok {
		t.Error("Closed subscription channel should be closed")
	}
	if hub.Subscribers("a") != 0 {
		t.Error("Closed subscription should be removed")
	}
}

func TestHubNeverBlocks(t *testing.T) {
	hub := NewHub(1, quietLogger())
	sub := hub.Subscribe("s")
	defer sub.Close()

	done := make(chan struct{})
	go func() {
		for i := 0; i < 10; i++ {
			hub.Observe(flow.Event{Type: flow.EventRecordingStarted, SessionID: "s", Attempt: i})
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Observe blocked on a full subscriber")
	}
	if ev := <-sub.C; ev.Attempt != 0 {
		t.Errorf("Expected first event kept, got attempt %d", ev.Attempt)
	}
}

func TestHubCloseSession(t *testing.T) {
	hub := NewHub(0, quietLogger())
	s1 := hub.Subscribe("s")
	s2 := hub.Subscribe("s")
	hub.CloseSession("s")

	for _, sub := range []*Subscription{s1, s2} {
		if _, ok := <-sub.C; ok {
			t.Error("Expected closed channel")
		}
	}
	// publishing to a closed session is a no-op
	hub.Observe(flow.Event{Type: flow.EventCompleted, SessionID: "s"})
}

// fakeRedis records PUBLISH calls
type fakeRedis struct {
	mu        sync.Mutex
	channels  []string
	messages  [][]byte
	err       error
	published chan struct{}
}

func (f *fakeRedis) Publish(ctx context.Context, channel string, message interface{}) *redis.IntCmd {
	cmd := redis.NewIntCmd(ctx, "publish", channel, message)
	f.mu.Lock()
	f.channels = append(f.channels, channel)
	f.messages = append(f.messages, message.([]byte))
	f.mu.Unlock()
	if f.err != nil {
		cmd.SetErr(f.err)
	} else {
		cmd.SetVal(1)
	}
	f.published <- struct{}{}
	return cmd
}

func TestRedisPublisher(t *testing.T) {
	fake := &fakeRedis{published: make(chan struct{}, 4)}
	pub := NewRedisPublisher(fake, "", quietLogger())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go pub.Run(ctx)

	pub.Observe(flow.Event{Type: flow.EventTranscribed, SessionID: "abc", Index: 2, Text: "hello"})
	select {
	case <-fake.published:
	case <-time.After(time.Second):
		t.Fatal("Event was not published")
	}

	fake.mu.Lock()
	defer fake.mu.Unlock()
	if fake.channels[0] != DefaultRedisPrefix+"abc" {
		t.Errorf("Unexpected channel %q", fake.channels[0])
	}
	var ev flow.Event
	if err := json.Unmarshal(fake.messages[0], &ev); err != nil {
		t.Fatalf("Invalid JSON message: %v", err)
	}
	if ev.Type != flow.EventTranscribed || ev.Index != 2 || ev.Text != "hello" {
		t.Errorf("Unexpected event %+v", ev)
	}
}

func TestRedisPublisherErrorIsLogged(t *testing.T) {
	fake := &fakeRedis{published: make(chan struct{}, 4), err: errors.New("connection refused")}
	pub := NewRedisPublisher(fake, "custom:", quietLogger())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go pub.Run(ctx)

	pub.Observe(flow.Event{Type: flow.EventAccepted, SessionID: "x"})
	pub.Observe(flow.Event{Type: flow.EventCompleted, SessionID: "x"})
	for i := 0; i < 2; i++ {
		select {
		case <-fake.published:
		case <-time.After(time.Second):
			t.Fatal("Publisher stopped after an error")
		}
	}
	if got := pub.Channel("x"); got != "custom:x" {
		t.Errorf("Unexpected channel %q", got)
	}
}
