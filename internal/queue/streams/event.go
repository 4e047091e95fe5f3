package streams

import (
	"errors"
	"fmt"
	"time"

	"github.com/mohammad-safakhou/opentask/internal/hub"
)

// A stream entry carries one hub message as flat fields, readable with
// XRANGE from redis-cli. The version field lets readers skip entries written
// in a layout they do not understand.
const (
	entryVersion = "1"

	fieldVersion = "v"
	fieldID      = "id"
	fieldTask    = "task_id"
	fieldKind    = "kind"
	fieldContent = "content"
	fieldPath    = "path"
	fieldAt      = "at"
)

// Entry is one stream record decoded back into the message that produced it.
type Entry struct {
	StreamID string
	Message  hub.Message
}

func knownKind(k hub.Kind) bool {
	switch k {
	case hub.KindLog, hub.KindFile, hub.KindCompletion:
		return true
	}
	return false
}

// entryValues flattens msg for XADD. Messages must already carry the id,
// task and timestamp the hub assigns on publish.
func entryValues(msg hub.Message) (map[string]interface{}, error) {
	switch {
	case msg.ID == "":
		return nil, errors.New("message id is required")
	case msg.TaskID == "":
		return nil, errors.New("message task_id is required")
	case msg.At.IsZero():
		return nil, errors.New("message time is required")
	case !knownKind(msg.Kind):
		return nil, fmt.Errorf("message kind %q unknown", msg.Kind)
	}
	values := map[string]interface{}{
		fieldVersion: entryVersion,
		fieldID:      msg.ID,
		fieldTask:    msg.TaskID,
		fieldKind:    string(msg.Kind),
		fieldAt:      msg.At.UTC().Format(time.RFC3339Nano),
	}
	if msg.Text != "" {
		values[fieldContent] = msg.Text
	}
	if msg.Path != "" {
		values[fieldPath] = msg.Path
	}
	return values, nil
}

// parseEntry is the inverse of entryValues.
func parseEntry(values map[string]interface{}) (hub.Message, error) {
	str := func(key string) string {
		s, _ := values[key].(string)
		return s
	}
	if v := str(fieldVersion); v != entryVersion {
		return hub.Message{}, fmt.Errorf("entry version %q not supported", v)
	}
	msg := hub.Message{
		ID:     str(fieldID),
		TaskID: str(fieldTask),
		Kind:   hub.Kind(str(fieldKind)),
		Text:   str(fieldContent),
		Path:   str(fieldPath),
	}
	if msg.ID == "" || msg.TaskID == "" {
		return hub.Message{}, errors.New("entry without id or task_id")
	}
	if !knownKind(msg.Kind) {
		return hub.Message{}, fmt.Errorf("entry kind %q unknown", msg.Kind)
	}
	at, err := time.Parse(time.RFC3339Nano, str(fieldAt))
	if err != nil {
		return hub.Message{}, fmt.Errorf("entry time: %w", err)
	}
	msg.At = at.UTC()
	return msg, nil
}
