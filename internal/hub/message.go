package hub

import "time"

// Kind tags a Message variant.
type Kind string

const (
	KindLog        Kind = "log"
	KindFile       Kind = "file"
	KindCompletion Kind = "completion"
)

// Message is one broadcast item. Path is only set for KindFile.
type Message struct {
	ID     string    `json:"id"`
	TaskID string    `json:"task_id"`
	Kind   Kind      `json:"kind"`
	Text   string    `json:"content,omitempty"`
	Path   string    `json:"path,omitempty"`
	At     time.Time `json:"at"`
}

// Log is a normalized agent or service line.
func Log(text string) Message {
	return Message{Kind: KindLog, Text: text}
}

// FileNotice announces a newly archived artifact.
func FileNotice(text, path string) Message {
	return Message{Kind: KindFile, Text: text, Path: path}
}

// Completion ends delivery for every viewer of a task.
func Completion() Message {
	return Message{Kind: KindCompletion}
}

// IsCompletion reports whether m is the end-of-task sentinel.
func (m Message) IsCompletion() bool { return m.Kind == KindCompletion }
