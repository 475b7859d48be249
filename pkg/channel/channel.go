// Package channel implements the push channels of the development server.
//
// A [Channel] is an open connection receiving [ContextMessage] values. Any
// number of goroutines may [Channel.Subscribe]; each subscription sees the
// messages received after it was made, buffered so that a slow reader
// never stalls the others. Installers correlate messages through their
// attributes.
//
// Connections are opened by a [Dialer]: [WebsocketDialer] talks to a real
// server, [RedisDialer] reads the same messages from Redis pub/sub and
// [Hub] is an in-process broker used by the development server and tests.
package channel

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"sync"

	"github.com/charmbracelet/log"

	"github.com/matzehuels/webpm/pkg/stream"
)

// ErrClosed is returned by Receive on a closed connection.
var ErrClosed = errors.New("channel closed")

// Conn is a receive-only message connection.
type Conn interface {
	// Receive blocks until the next raw message arrives.
	Receive(ctx context.Context) ([]byte, error)
	Close() error
}

// Dialer opens connections by URL.
type Dialer interface {
	Dial(ctx context.Context, url string) (Conn, error)
}

// DialerFunc adapts a function to a Dialer.
type DialerFunc func(ctx context.Context, url string) (Conn, error)

// Dial calls f.
func (f DialerFunc) Dial(ctx context.Context, url string) (Conn, error) { return f(ctx, url) }

// Channel multicasts the messages of one connection.
type Channel struct {
	url    string
	conn   Conn
	logger *log.Logger

	mu     sync.Mutex
	subs   map[int]*stream.Replay[ContextMessage]
	nextID int
	err    error

	done chan struct{}
	once sync.Once
}

// Open dials url and starts receiving. Undecodable messages are logged
// and skipped.
func Open(ctx context.Context, d Dialer, url string, logger *log.Logger) (*Channel, error) {
	conn, err := d.Dial(ctx, url)
	if err != nil {
		return nil, err
	}
	if logger == nil {
		logger = log.New(io.Discard)
	}
	c := &Channel{
		url:    url,
		conn:   conn,
		logger: logger,
		subs:   make(map[int]*stream.Replay[ContextMessage]),
		done:   make(chan struct{}),
	}
	go c.receive()
	return c, nil
}

// URL returns the URL the channel was opened on.
func (c *Channel) URL() string { return c.url }

// Done is closed when the connection ends.
func (c *Channel) Done() <-chan struct{} { return c.done }

// Err returns why the connection ended, nil while it is open or after Close.
func (c *Channel) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

func (c *Channel) receive() {
	for {
		data, err := c.conn.Receive(context.Background())
		if err != nil {
			c.shutdown(err)
			return
		}
		var m ContextMessage
		if err := json.Unmarshal(data, &m); err != nil {
			c.logger.Debug("skip undecodable message", "url", c.url, "err", err)
			continue
		}
		c.mu.Lock()
		for _, s := range c.subs {
			s.Publish(m)
		}
		c.mu.Unlock()
	}
}

// Subscribe yields the messages received from now on, until ctx is done
// or the connection ends.
func (c *Channel) Subscribe(ctx context.Context) <-chan ContextMessage {
	r := stream.NewReplay[ContextMessage]()

	c.mu.Lock()
	select {
	case <-c.done:
		r.Close()
	default:
		id := c.nextID
		c.nextID++
		c.subs[id] = r
		go func() {
			select {
			case <-ctx.Done():
			case <-c.done:
			}
			c.mu.Lock()
			delete(c.subs, id)
			c.mu.Unlock()
			r.Close()
		}()
	}
	c.mu.Unlock()

	return r.Subscribe(ctx)
}

// Close closes the connection and ends every subscription.
func (c *Channel) Close() error {
	c.shutdown(nil)
	return c.conn.Close()
}

func (c *Channel) shutdown(err error) {
	c.once.Do(func() {
		c.mu.Lock()
		if !errors.Is(err, ErrClosed) {
			c.err = err
		}
		close(c.done)
		c.mu.Unlock()
	})
}
