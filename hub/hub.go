// Package hub pushes session snapshots to websocket subscribers.
//
// Every subscriber owns a bounded queue drained by its own writer
// goroutine, so a slow or broken connection only ever costs itself: when
// its queue is full or a write fails it is dropped and everyone else keeps
// receiving.
package hub

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rustyeddy/strategylab/errs"
	"github.com/rustyeddy/strategylab/session"
	"github.com/rustyeddy/strategylab/telemetry"
)

const (
	TypeSessions = "sessions_update"
	TypeSession  = "session_update"
	TypeError    = "error"
)

// Message is what subscribers receive. Sessions is set on sessions_update,
// Session on session_update and Message on error.
type Message struct {
	Type     string             `json:"type"`
	Sessions []session.Snapshot `json:"sessions,omitempty"`
	Session  *session.Snapshot  `json:"session,omitempty"`
	Message  string             `json:"message,omitempty"`
}

// Source is the authoritative session state the hub reads from.
type Source interface {
	List() []session.Snapshot
	Get(id string) (session.Snapshot, error)
}

// Conn is the part of a websocket connection the hub uses.
type Conn interface {
	SetWriteDeadline(t time.Time) error
	WriteMessage(messageType int, data []byte) error
	ReadMessage() (messageType int, p []byte, err error)
	Close() error
}

type Options struct {
	// Interval is the period of the unconditional re-broadcast.
	Interval     time.Duration
	WriteTimeout time.Duration
	SendQueue    int
	Logger       *slog.Logger
}

var errQueueFull = errors.New("outbound queue full")

type frame struct {
	data []byte
	last bool
}

type subscriber struct {
	id        string
	sessionID string
	conn      Conn
	queue     chan frame
	quit      chan struct{}
	once      sync.Once
	closing   atomic.Bool
}

// enqueue never blocks. It reports false when the queue is full.
func (s *subscriber) enqueue(f frame) bool {
	if s.closing.Load() {
		return true
	}
	select {
	case s.queue <- f:
		if f.last {
			s.closing.Store(true)
		}
		return true
	default:
		return false
	}
}

type Hub struct {
	src      Source
	opts     Options
	log      *slog.Logger
	upgrader websocket.Upgrader

	mu   sync.Mutex
	subs map[string]*subscriber

	signal chan struct{}
}

func New(src Source, opts Options) *Hub {
	if opts.Interval <= 0 {
		opts.Interval = 2 * time.Second
	}
	if opts.WriteTimeout <= 0 {
		opts.WriteTimeout = 5 * time.Second
	}
	if opts.SendQueue <= 0 {
		opts.SendQueue = 16
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Hub{
		src:  src,
		opts: opts,
		log:  opts.Logger,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(*http.Request) bool { return true },
		},
		subs:   make(map[string]*subscriber),
		signal: make(chan struct{}, 1),
	}
}

// Notify asks for a broadcast. Signals that arrive before the hub gets to
// them collapse into one.
func (h *Hub) Notify() {
	select {
	case h.signal <- struct{}{}:
	default:
	}
}

// Run broadcasts on every signal and on every interval tick until ctx is
// done, then disconnects all subscribers.
func (h *Hub) Run(ctx context.Context) {
	ticker := time.NewTicker(h.opts.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			h.Close()
			return
		case <-h.signal:
		case <-ticker.C:
		}
		h.Broadcast()
	}
}

// Broadcast sends the current state to every subscriber.
func (h *Hub) Broadcast() {
	subs := h.subscribers()
	if len(subs) == 0 {
		return
	}

	var list []byte
	single := make(map[string]frame)
	for _, s := range subs {
		var f frame
		if s.sessionID == "" {
			if list == nil {
				list = h.listPayload()
			}
			f = frame{data: list}
		} else {
			var ok bool
			if f, ok = single[s.sessionID]; !ok {
				f = h.sessionFrame(s.sessionID)
				single[s.sessionID] = f
			}
		}
		if f.data == nil {
			continue
		}
		if !s.enqueue(f) {
			h.remove(s, errs.DeliveryErr(errQueueFull, "subscriber "+s.id))
		}
	}
	telemetry.ObserveBroadcast()
}

// Subscribe registers conn and queues the current state for it. With a
// session id the subscriber follows that one session only.
func (h *Hub) Subscribe(conn Conn, sessionID string) string {
	s := &subscriber{
		id:        uuid.NewString(),
		sessionID: sessionID,
		conn:      conn,
		queue:     make(chan frame, h.opts.SendQueue),
		quit:      make(chan struct{}),
	}
	if sessionID == "" {
		s.enqueue(frame{data: h.listPayload()})
	} else {
		s.enqueue(h.sessionFrame(sessionID))
	}

	h.mu.Lock()
	h.subs[s.id] = s
	n := len(h.subs)
	h.mu.Unlock()
	telemetry.SetSubscribers(n)
	h.log.Debug("subscriber joined", "subscriber", s.id, "session_id", sessionID)

	go h.write(s)
	go h.read(s)
	return s.id
}

// ServeWS upgrades an HTTP request and subscribes the connection.
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request, sessionID string) error {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return err
	}
	h.Subscribe(conn, sessionID)
	return nil
}

// Subscribers returns the number of connected subscribers.
func (h *Hub) Subscribers() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs)
}

// Close disconnects every subscriber.
func (h *Hub) Close() {
	for _, s := range h.subscribers() {
		h.remove(s, nil)
	}
}

func (h *Hub) subscribers() []*subscriber {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]*subscriber, 0, len(h.subs))
	for _, s := range h.subs {
		out = append(out, s)
	}
	return out
}

func (h *Hub) write(s *subscriber) {
	for {
		select {
		case <-s.quit:
			return
		case f := <-s.queue:
			_ = s.conn.SetWriteDeadline(time.Now().Add(h.opts.WriteTimeout))
			if err := s.conn.WriteMessage(websocket.TextMessage, f.data); err != nil {
				h.remove(s, errs.DeliveryErr(err, "write to subscriber "+s.id))
				return
			}
			if f.last {
				_ = s.conn.WriteMessage(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
				h.remove(s, nil)
				return
			}
		}
	}
}

// read discards inbound frames; it exists to notice the peer going away.
func (h *Hub) read(s *subscriber) {
	for {
		if _, _, err := s.conn.ReadMessage(); err != nil {
			h.remove(s, nil)
			return
		}
	}
}

// remove disconnects a subscriber once. A non-nil cause marks it as
// dropped for a delivery failure.
func (h *Hub) remove(s *subscriber, cause error) {
	s.once.Do(func() {
		h.mu.Lock()
		delete(h.subs, s.id)
		n := len(h.subs)
		h.mu.Unlock()

		close(s.quit)
		_ = s.conn.Close()
		telemetry.SetSubscribers(n)

		if cause != nil {
			telemetry.ObserveDroppedSubscriber()
			h.log.Warn("subscriber dropped", "subscriber", s.id, "kind", errs.KindOf(cause), "err", cause)
			return
		}
		h.log.Debug("subscriber left", "subscriber", s.id)
	})
}

func (h *Hub) listPayload() []byte {
	list := h.src.List()
	if list == nil {
		list = []session.Snapshot{}
	}
	data, err := json.Marshal(struct {
		Type     string             `json:"type"`
		Sessions []session.Snapshot `json:"sessions"`
	}{TypeSessions, list})
	if err != nil {
		h.log.Error("encode sessions", "err", err)
		return nil
	}
	return data
}

// sessionFrame renders one session. A session that no longer exists
// yields a final error frame.
func (h *Hub) sessionFrame(id string) frame {
	msg := Message{Type: TypeSession}
	snap, err := h.src.Get(id)
	last := false
	if err != nil {
		msg = Message{Type: TypeError, Message: err.Error()}
		last = true
	} else {
		msg.Session = &snap
	}
	data, err := json.Marshal(msg)
	if err != nil {
		h.log.Error("encode session", "session_id", id, "err", err)
		return frame{}
	}
	return frame{data: data, last: last}
}
