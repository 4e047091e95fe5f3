package hub

import "context"

// Viewer is one live connection on a task. It is not safe for concurrent use.
type Viewer struct {
	id     string
	taskID string
	hub    *Hub
	cursor int

	seen      map[string]struct{}
	seenLimit int
	done      bool
	released  bool
}

// TaskID returns the task this viewer follows.
func (v *Viewer) TaskID() string { return v.taskID }

// Next blocks until a message not yet shown on this connection is available.
// After the completion has been returned, or ctx is done, it returns false.
func (v *Viewer) Next(ctx context.Context) (Message, bool) {
	for !v.done {
		msg, ok := v.receive(ctx)
		if !ok {
			return Message{}, false
		}
		if _, dup := v.seen[msg.ID]; dup {
			continue
		}
		if msg.IsCompletion() {
			v.done = true
			v.seen = make(map[string]struct{})
			v.Close()
			return msg, true
		}
		if len(v.seen) >= v.seenLimit {
			v.seen = make(map[string]struct{})
		}
		v.seen[msg.ID] = struct{}{}
		return msg, true
	}
	return Message{}, false
}

func (v *Viewer) receive(ctx context.Context) (Message, bool) {
	for {
		msg, ok, wake := v.hub.next(v)
		if ok {
			return msg, true
		}
		select {
		case <-wake:
		case <-ctx.Done():
			return Message{}, false
		}
	}
}

// Seen returns the size of the dedup set.
func (v *Viewer) Seen() int { return len(v.seen) }

// Close detaches the viewer from the hub. It is safe to call more than once.
func (v *Viewer) Close() {
	if v.released {
		return
	}
	v.released = true
	v.hub.release(v)
}
