package distributord

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"nhooyr.io/websocket"

	"batchsettle/core/events"
)

// StreamEvent is one engine event as delivered to websocket subscribers.
type StreamEvent struct {
	Sequence   uint64            `json:"sequence"`
	Cursor     string            `json:"cursor"`
	Type       string            `json:"type"`
	Attributes map[string]string `json:"attributes"`
	Timestamp  int64             `json:"timestamp"`
}

func cloneStreamEvent(evt StreamEvent) StreamEvent {
	cloned := evt
	if evt.Attributes != nil {
		cloned.Attributes = make(map[string]string, len(evt.Attributes))
		for k, v := range evt.Attributes {
			cloned.Attributes[k] = v
		}
	}
	return cloned
}

// EventStream fans engine events out to websocket subscribers and keeps a
// bounded history so reconnecting clients can resume from a cursor.
type EventStream struct {
	historyLimit int
	buffer       int
	writeTimeout time.Duration
	nowFn        func() time.Time

	mu      sync.Mutex
	seq     uint64
	nextID  uint64
	history []StreamEvent
	subs    map[uint64]chan StreamEvent
}

// NewEventStream builds a stream from the stream section.
func NewEventStream(cfg StreamConfig) *EventStream {
	history := cfg.History
	if history <= 0 {
		history = 1024
	}
	buffer := cfg.Buffer
	if buffer <= 0 {
		buffer = 64
	}
	timeout := cfg.WriteTimeout.Duration
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &EventStream{
		historyLimit: history,
		buffer:       buffer,
		writeTimeout: timeout,
		nowFn:        time.Now,
		subs:         make(map[uint64]chan StreamEvent),
	}
}

// Emit implements events.Emitter. Events without a wire payload are dropped
// and slow subscribers miss events rather than block settlement.
func (s *EventStream) Emit(evt events.Event) {
	if s == nil || evt == nil {
		return
	}
	eventType, attrs, ok := events.PayloadOf(evt)
	if !ok {
		return
	}
	s.mu.Lock()
	s.seq++
	update := StreamEvent{
		Sequence:   s.seq,
		Cursor:     strconv.FormatUint(s.seq, 10),
		Type:       eventType,
		Attributes: attrs,
		Timestamp:  s.nowFn().Unix(),
	}
	s.history = append(s.history, cloneStreamEvent(update))
	if len(s.history) > s.historyLimit {
		excess := len(s.history) - s.historyLimit
		trimmed := make([]StreamEvent, s.historyLimit)
		copy(trimmed, s.history[excess:])
		s.history = trimmed
	}
	subscribers := make([]chan StreamEvent, 0, len(s.subs))
	for _, ch := range s.subs {
		subscribers = append(subscribers, ch)
	}
	s.mu.Unlock()

	for _, ch := range subscribers {
		select {
		case ch <- cloneStreamEvent(update):
		default:
		}
	}
}

// Subscribe registers a subscriber for events after cursor. The returned
// backlog holds retained events newer than the cursor.
func (s *EventStream) Subscribe(ctx context.Context, cursor string) (<-chan StreamEvent, func(), []StreamEvent) {
	updates := make(chan StreamEvent, s.buffer)

	var since uint64
	if trimmed := strings.TrimSpace(cursor); trimmed != "" {
		if parsed, err := strconv.ParseUint(trimmed, 10, 64); err == nil {
			since = parsed
		}
	}

	s.mu.Lock()
	id := s.nextID
	s.nextID++
	s.subs[id] = updates
	backlog := make([]StreamEvent, 0, len(s.history))
	for _, entry := range s.history {
		if entry.Sequence > since {
			backlog = append(backlog, cloneStreamEvent(entry))
		}
	}
	s.mu.Unlock()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			s.mu.Lock()
			if sub, ok := s.subs[id]; ok {
				delete(s.subs, id)
				close(sub)
			}
			s.mu.Unlock()
		})
	}
	go func() {
		<-ctx.Done()
		cancel()
	}()
	return updates, cancel, backlog
}

// Subscribers reports the number of live subscribers.
func (s *EventStream) Subscribers() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.subs)
}

// ServeHTTP upgrades the request and streams events until the client leaves.
// The optional cursor query parameter resumes after a known sequence and the
// optional type parameter filters by event type.
func (s *EventStream) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	cursor := r.URL.Query().Get("cursor")
	filter := strings.TrimSpace(r.URL.Query().Get("type"))
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{OriginPatterns: []string{"*"}})
	if err != nil {
		return
	}
	defer conn.Close(websocket.StatusNormalClosure, "stream closed")
	ctx := conn.CloseRead(r.Context())
	if err := s.stream(ctx, conn, cursor, filter); err != nil {
		if status := websocket.CloseStatus(err); status == -1 {
			_ = conn.Close(websocket.StatusInternalError, "stream error")
		}
	}
}

func (s *EventStream) stream(ctx context.Context, conn *websocket.Conn, cursor, filter string) error {
	updates, cancel, backlog := s.Subscribe(ctx, cursor)
	defer cancel()

	for _, update := range backlog {
		if err := s.write(ctx, conn, update, filter); err != nil {
			return err
		}
	}
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case update, ok := <-updates:
			if !ok {
				return nil
			}
			if err := s.write(ctx, conn, update, filter); err != nil {
				return err
			}
		}
	}
}

func (s *EventStream) write(ctx context.Context, conn *websocket.Conn, update StreamEvent, filter string) error {
	if filter != "" && update.Type != filter {
		return nil
	}
	data, err := json.Marshal(update)
	if err != nil {
		return err
	}
	writeCtx, cancel := context.WithTimeout(ctx, s.writeTimeout)
	defer cancel()
	return conn.Write(writeCtx, websocket.MessageText, data)
}
