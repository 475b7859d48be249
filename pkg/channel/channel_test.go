package channel

import (
	"context"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func receiveOne(t *testing.T, ch <-chan ContextMessage) ContextMessage {
	t.Helper()
	select {
	case m, ok := <-ch:
		if !ok {
			t.Fatal("subscription closed")
		}
		return m
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for a message")
	}
	return ContextMessage{}
}

func TestTopic(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{"ws://localhost:2000/ws-data", "ws-data"},
		{"ws://localhost:2000/admin/ws-logs", "admin/ws-logs"},
		{"/ws-data", "ws-data"},
		{"ws-data", "ws-data"},
	}
	for _, tt := range tests {
		if got := Topic(tt.in); got != tt.want {
			t.Errorf("Topic(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestContextMessage(t *testing.T) {
	m := ContextMessage{
		Text:   "hello",
		Labels: []string{"Label.START_BACKEND_SH"},
		Data:   []byte(`{"event":"listening"}`),
	}
	if !m.HasLabel("Label.START_BACKEND_SH") || m.HasLabel("other") {
		t.Error("HasLabel mismatch")
	}
	var data struct{ Event string }
	if err := m.DecodeData(&data); err != nil || data.Event != "listening" {
		t.Errorf("DecodeData() = %v, %+v", err, data)
	}
}

func TestChannelFansOutToSubscribers(t *testing.T) {
	ctx := context.Background()
	hub := NewHub()
	ch, err := Open(ctx, hub, "ws://localhost:2000/ws-data", nil)
	if err != nil {
		t.Fatalf("Open() error: %v", err)
	}
	defer ch.Close()

	a := ch.Subscribe(ctx)
	b := ch.Subscribe(ctx)
	if err := hub.Publish(ctx, "ws-data", ContextMessage{Text: "one"}); err != nil {
		t.Fatal(err)
	}
	if got := receiveOne(t, a).Text; got != "one" {
		t.Errorf("a got %q", got)
	}
	if got := receiveOne(t, b).Text; got != "one" {
		t.Errorf("b got %q", got)
	}
}

func TestChannelSkipsGarbage(t *testing.T) {
	ctx := context.Background()
	conn := &fakeConn{frames: make(chan []byte, 4)}
	ch, err := Open(ctx, DialerFunc(func(context.Context, string) (Conn, error) { return conn, nil }), "x", nil)
	if err != nil {
		t.Fatal(err)
	}
	defer ch.Close()

	sub := ch.Subscribe(ctx)
	conn.frames <- []byte("not json")
	conn.frames <- []byte(`{"text":"ok"}`)
	if got := receiveOne(t, sub).Text; got != "ok" {
		t.Errorf("got %q, want ok", got)
	}
}

func TestChannelCloseEndsSubscriptions(t *testing.T) {
	ctx := context.Background()
	hub := NewHub()
	ch, err := Open(ctx, hub, "topic", nil)
	if err != nil {
		t.Fatal(err)
	}
	sub := ch.Subscribe(ctx)
	if err := ch.Close(); err != nil {
		t.Fatal(err)
	}

	select {
	case _, ok := <-sub:
		if ok {
			t.Error("expected closed subscription")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("subscription not closed")
	}
	if ch.Err() != nil {
		t.Errorf("Err() = %v, want nil after Close", ch.Err())
	}
	if hub.Subscribers("topic") != 0 {
		t.Error("hub still holds the connection")
	}

	late := ch.Subscribe(ctx)
	if _, ok := <-late; ok {
		t.Error("subscription on a closed channel should be closed")
	}
}

func TestWebsocketDialer(t *testing.T) {
	ctx := context.Background()
	hub := NewHub()
	srv := httptest.NewServer(ServeHub(hub, "ws-data"))
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws-data"
	ch, err := Open(ctx, WebsocketDialer{}, url, nil)
	if err != nil {
		t.Fatalf("Open() error: %v", err)
	}
	defer ch.Close()
	sub := ch.Subscribe(ctx)

	// The server side registers with the hub asynchronously.
	deadline := time.Now().Add(2 * time.Second)
	for hub.Subscribers("ws-data") == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	msg := ContextMessage{Text: "over the wire", Attributes: map[string]string{"k": "v"}}
	if err := hub.Publish(ctx, "ws-data", msg); err != nil {
		t.Fatal(err)
	}
	got := receiveOne(t, sub)
	if got.Text != "over the wire" || got.Attributes["k"] != "v" {
		t.Errorf("got %+v", got)
	}
}

func TestRedisDialer(t *testing.T) {
	ctx := context.Background()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer rdb.Close()

	ch, err := Open(ctx, RedisDialer{Client: rdb, Prefix: "webpm:"}, "ws://localhost:2000/ws-logs", nil)
	if err != nil {
		t.Fatalf("Open() error: %v", err)
	}
	defer ch.Close()
	sub := ch.Subscribe(ctx)

	pub := Fanout{RedisPublisher{Client: rdb, Prefix: "webpm:"}}
	if err := pub.Publish(ctx, "ws-logs", ContextMessage{Text: "from redis"}); err != nil {
		t.Fatal(err)
	}
	if got := receiveOne(t, sub).Text; got != "from redis" {
		t.Errorf("got %q", got)
	}
}

type fakeConn struct {
	frames chan []byte
	once   sync.Once
}

func (c *fakeConn) Receive(ctx context.Context) ([]byte, error) {
	select {
	case f, ok := <-c.frames:
		if !ok {
			return nil, ErrClosed
		}
		return f, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (c *fakeConn) Close() error {
	c.once.Do(func() { close(c.frames) })
	return nil
}
