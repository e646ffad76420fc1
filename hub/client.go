package hub

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// Liveness tracks how long ago a subscriber last heard from the server.
// It is informational only.
type Liveness struct {
	mu        sync.Mutex
	last      time.Time
	threshold time.Duration
	now       func() time.Time
}

func NewLiveness(threshold time.Duration) *Liveness {
	l := &Liveness{threshold: threshold, now: time.Now}
	l.last = l.now()
	return l
}

// Touch records that an update arrived.
func (l *Liveness) Touch() {
	l.mu.Lock()
	l.last = l.now()
	l.mu.Unlock()
}

func (l *Liveness) Since() time.Duration {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.now().Sub(l.last)
}

// Disconnected reports whether the silence has outlasted the threshold.
func (l *Liveness) Disconnected() bool {
	return l.Since() > l.threshold
}

// Client subscribes to a hub over websocket.
type Client struct {
	URL      string
	Dialer   *websocket.Dialer
	Liveness *Liveness
}

// Run reads messages until ctx is done or the connection fails, calling fn
// for each. It returns nil when ctx ended the subscription.
func (c *Client) Run(ctx context.Context, fn func(Message)) error {
	d := c.Dialer
	if d == nil {
		d = websocket.DefaultDialer
	}
	conn, _, err := d.DialContext(ctx, c.URL, nil)
	if err != nil {
		return fmt.Errorf("dial %s: %w", c.URL, err)
	}
	defer conn.Close()

	stop := make(chan struct{})
	defer close(stop)
	go func() {
		select {
		case <-ctx.Done():
			_ = conn.Close()
		case <-stop:
		}
	}()

	for {
		var m Message
		if err := conn.ReadJSON(&m); err != nil {
			if ctx.Err() != nil || websocket.IsCloseError(err, websocket.CloseNormalClosure) {
				return nil
			}
			return err
		}
		if c.Liveness != nil {
			c.Liveness.Touch()
		}
		fn(m)
	}
}
