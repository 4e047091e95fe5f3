// Package hub fans task messages out to live viewers.
package hub

import (
	"context"
	"io"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Mirror receives every published message, in publish order, outside the hub lock.
type Mirror interface {
	Mirror(ctx context.Context, msg Message) error
}

// Options tunes retention and the mirror queue.
type Options struct {
	Backlog      int // messages kept per task; viewers replay from here
	SeenLimit    int // dedup entries before a viewer purges its set
	MirrorBuffer int
	Mirror       Mirror
	Logger       *log.Logger
	// OnDrop is called when a viewer fell so far behind that n messages left the backlog unseen.
	OnDrop func(taskID string, n int)
}

func (o Options) normalize() Options {
	if o.Backlog <= 0 {
		o.Backlog = 2000
	}
	if o.SeenLimit <= 0 {
		o.SeenLimit = 1000
	}
	if o.MirrorBuffer <= 0 {
		o.MirrorBuffer = 1024
	}
	if o.Logger == nil {
		o.Logger = log.New(io.Discard, "", 0)
	}
	return o
}

// topic is the per-task queue. backlog[0] has sequence number base.
type topic struct {
	backlog  []Message
	base     int
	wake     chan struct{}
	viewers  int
	closed   bool
	closedAt time.Time
}

// Hub keeps one topic per task id. Producers never block on viewers.
type Hub struct {
	opts   Options
	mu     sync.Mutex
	topics map[string]*topic

	mirrorCh chan Message
	stop     chan struct{}
	wg       sync.WaitGroup
}

// New creates a Hub. Close must be called when a Mirror is configured.
func New(opts Options) *Hub {
	h := &Hub{
		opts:   opts.normalize(),
		topics: make(map[string]*topic),
		stop:   make(chan struct{}),
	}
	if h.opts.Mirror != nil {
		h.mirrorCh = make(chan Message, h.opts.MirrorBuffer)
		h.wg.Add(1)
		go h.mirrorLoop()
	}
	return h
}

// Publish appends msg to taskID's queue and wakes its viewers. It returns msg with ID,
// TaskID and timestamp filled in. A completion closes the topic.
func (h *Hub) Publish(taskID string, msg Message) Message {
	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}
	if msg.At.IsZero() {
		msg.At = time.Now().UTC()
	}
	msg.TaskID = taskID

	h.mu.Lock()
	t := h.topicLocked(taskID)
	if t.closed {
		h.mu.Unlock()
		h.opts.Logger.Printf("publish after completion ignored: task=%s kind=%s", taskID, msg.Kind)
		return msg
	}
	t.backlog = append(t.backlog, msg)
	if over := len(t.backlog) - h.opts.Backlog; over > 0 {
		t.backlog = append([]Message(nil), t.backlog[over:]...)
		t.base += over
	}
	if msg.IsCompletion() {
		t.closed = true
		t.closedAt = msg.At
	}
	close(t.wake)
	t.wake = make(chan struct{})
	h.mu.Unlock()

	if h.mirrorCh != nil {
		select {
		case h.mirrorCh <- msg:
		default:
			h.opts.Logger.Printf("mirror queue full, dropping message task=%s id=%s", taskID, msg.ID)
		}
	}
	return msg
}

// Subscribe opens a viewer on taskID that replays the retained backlog before live messages.
func (h *Hub) Subscribe(taskID string) *Viewer {
	return h.SubscribeAfter(taskID, "")
}

// SubscribeAfter is Subscribe resuming after the message with lastID, when it is still retained.
func (h *Hub) SubscribeAfter(taskID, lastID string) *Viewer {
	h.mu.Lock()
	defer h.mu.Unlock()
	t := h.topicLocked(taskID)
	t.viewers++
	v := &Viewer{
		id:        uuid.NewString(),
		taskID:    taskID,
		hub:       h,
		cursor:    t.base,
		seen:      make(map[string]struct{}),
		seenLimit: h.opts.SeenLimit,
	}
	if lastID != "" {
		for i, m := range t.backlog {
			if m.ID == lastID {
				v.cursor = t.base + i + 1
				break
			}
		}
	}
	return v
}

// next returns the message at the viewer's cursor, or a channel that is closed when one arrives.
func (h *Hub) next(v *Viewer) (Message, bool, <-chan struct{}) {
	h.mu.Lock()
	defer h.mu.Unlock()
	t, ok := h.topics[v.taskID]
	if !ok {
		return Message{ID: "forgotten-" + v.id, TaskID: v.taskID, Kind: KindCompletion, At: time.Now().UTC()}, true, nil
	}
	if v.cursor < t.base {
		lost := t.base - v.cursor
		v.cursor = t.base
		if h.opts.OnDrop != nil {
			h.opts.OnDrop(v.taskID, lost)
		}
	}
	if idx := v.cursor - t.base; idx < len(t.backlog) {
		v.cursor++
		return t.backlog[idx], true, nil
	}
	return Message{}, false, t.wake
}

func (h *Hub) release(v *Viewer) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if t, ok := h.topics[v.taskID]; ok && t.viewers > 0 {
		t.viewers--
	}
}

// Closed reports whether taskID has published its completion.
func (h *Hub) Closed(taskID string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	t, ok := h.topics[taskID]
	return ok && t.closed
}

// Backlog returns a copy of the retained messages for taskID.
func (h *Hub) Backlog(taskID string) []Message {
	h.mu.Lock()
	defer h.mu.Unlock()
	t, ok := h.topics[taskID]
	if !ok {
		return nil
	}
	return append([]Message(nil), t.backlog...)
}

// Viewers returns the number of open viewers on taskID.
func (h *Hub) Viewers(taskID string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	if t, ok := h.topics[taskID]; ok {
		return t.viewers
	}
	return 0
}

// Forget drops all state for taskID. Waiting viewers receive a completion.
func (h *Hub) Forget(taskID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if t, ok := h.topics[taskID]; ok {
		close(t.wake)
		delete(h.topics, taskID)
	}
}

// Sweep forgets topics that completed before cutoff and returns how many were removed.
func (h *Hub) Sweep(cutoff time.Time) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	n := 0
	for id, t := range h.topics {
		if t.closed && t.closedAt.Before(cutoff) {
			close(t.wake)
			delete(h.topics, id)
			n++
		}
	}
	return n
}

// Close stops the mirror goroutine after draining queued messages.
func (h *Hub) Close() {
	select {
	case <-h.stop:
		return
	default:
		close(h.stop)
	}
	h.wg.Wait()
}

func (h *Hub) topicLocked(taskID string) *topic {
	t, ok := h.topics[taskID]
	if !ok {
		t = &topic{wake: make(chan struct{})}
		h.topics[taskID] = t
	}
	return t
}

func (h *Hub) mirrorLoop() {
	defer h.wg.Done()
	send := func(msg Message) {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := h.opts.Mirror.Mirror(ctx, msg); err != nil {
			h.opts.Logger.Printf("mirror task=%s id=%s: %v", msg.TaskID, msg.ID, err)
		}
	}
	for {
		select {
		case msg := <-h.mirrorCh:
			send(msg)
		case <-h.stop:
			for {
				select {
				case msg := <-h.mirrorCh:
					send(msg)
				default:
					return
				}
			}
		}
	}
}
