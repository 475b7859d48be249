package workerpool

import (
	"encoding/json"
	"io"
	"sync"
)

// Conn is one end of the message channel between the pool and a worker.
// Send is safe for concurrent use; Recv is called from a single goroutine
// and returns io.EOF once the other end is gone.
type Conn interface {
	Send(Message) error
	Recv() (Message, error)
	Close() error
}

// streamConn exchanges newline-delimited JSON messages.
type streamConn struct {
	mu     sync.Mutex
	enc    *json.Encoder
	dec    *json.Decoder
	closer io.Closer
	once   sync.Once
	err    error
}

// NewConn returns a Conn reading messages from r and writing them to w.
// Close closes c, which may be nil.
func NewConn(r io.Reader, w io.Writer, c io.Closer) Conn {
	return &streamConn{enc: json.NewEncoder(w), dec: json.NewDecoder(r), closer: c}
}

func (c *streamConn) Send(m Message) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.enc.Encode(m)
}

func (c *streamConn) Recv() (Message, error) {
	var m Message
	if err := c.dec.Decode(&m); err != nil {
		return Message{}, err
	}
	return m, nil
}

func (c *streamConn) Close() error {
	c.once.Do(func() {
		if c.closer != nil {
			c.err = c.closer.Close()
		}
	})
	return c.err
}

// closers closes several resources, returning the first error.
type closers []io.Closer

func (cs closers) Close() error {
	var first error
	for _, c := range cs {
		if err := c.Close(); err != nil && first == nil {
			first = err
		}
	}
	return first
}
