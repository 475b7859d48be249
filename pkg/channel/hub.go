package channel

import (
	"context"
	"encoding/json"
	"sync"
)

// Publisher pushes messages on a topic.
type Publisher interface {
	Publish(ctx context.Context, topic string, m ContextMessage) error
}

// Hub is an in-process broker. It implements [Dialer] (connections are
// keyed by the [Topic] of the dialed URL) and [Publisher].
type Hub struct {
	mu    sync.Mutex
	conns map[string]map[*hubConn]struct{}
}

// NewHub creates an empty hub.
func NewHub() *Hub {
	return &Hub{conns: make(map[string]map[*hubConn]struct{})}
}

// Dial implements Dialer.
func (h *Hub) Dial(ctx context.Context, url string) (Conn, error) {
	topic := Topic(url)
	c := &hubConn{hub: h, topic: topic, queue: make(chan []byte, 1024), closed: make(chan struct{})}
	h.mu.Lock()
	if h.conns[topic] == nil {
		h.conns[topic] = make(map[*hubConn]struct{})
	}
	h.conns[topic][c] = struct{}{}
	h.mu.Unlock()
	return c, nil
}

// Publish implements Publisher. Messages for connections whose queue is
// full are dropped.
func (h *Hub) Publish(ctx context.Context, topic string, m ContextMessage) error {
	data, err := json.Marshal(m)
	if err != nil {
		return err
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.conns[topic] {
		select {
		case c.queue <- data:
		default:
		}
	}
	return nil
}

// Subscribers returns the number of open connections on a topic.
func (h *Hub) Subscribers(topic string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.conns[topic])
}

func (h *Hub) remove(c *hubConn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.conns[c.topic], c)
}

type hubConn struct {
	hub    *Hub
	topic  string
	queue  chan []byte
	closed chan struct{}
	once   sync.Once
}

func (c *hubConn) Receive(ctx context.Context) ([]byte, error) {
	select {
	case data := <-c.queue:
		return data, nil
	case <-c.closed:
		return nil, ErrClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (c *hubConn) Close() error {
	c.once.Do(func() {
		c.hub.remove(c)
		close(c.closed)
	})
	return nil
}

var (
	_ Dialer    = (*Hub)(nil)
	_ Publisher = (*Hub)(nil)
)
