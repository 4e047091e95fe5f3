package archive

import (
	"bytes"
	"fmt"
	"time"

	"github.com/klauspost/compress/zstd"
	"gopkg.in/yaml.v3"
)

// Header is the YAML front matter of an archived transcript.
type Header struct {
	TaskID     string    `yaml:"task_id"`
	UserID     string    `yaml:"user_id"`
	Prompt     string    `yaml:"prompt"`
	Status     string    `yaml:"status"`
	StartedAt  time.Time `yaml:"started_at"`
	FinishedAt time.Time `yaml:"finished_at"`
	Files      []string  `yaml:"files,omitempty"`
	Summary    string    `yaml:"summary,omitempty"`
}

// Transcript is a run's full cleaned log with its metadata.
type Transcript struct {
	Header Header
	Body   string
}

const separator = "---\n"

var (
	zstdEncoder *zstd.Encoder
	zstdDecoder *zstd.Decoder
	zstdMagic   = []byte{0x28, 0xb5, 0x2f, 0xfd}
)

func init() {
	var err error
	zstdEncoder, err = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		panic("archive: zstd encoder: " + err.Error())
	}
	zstdDecoder, err = zstd.NewReader(nil)
	if err != nil {
		panic("archive: zstd decoder: " + err.Error())
	}
}

// RenderTranscript writes the header as YAML, a --- line, then the body.
func RenderTranscript(t Transcript) []byte {
	var buf bytes.Buffer
	head, err := yaml.Marshal(t.Header)
	if err != nil {
		// Header holds only strings and times.
		head = []byte(fmt.Sprintf("task_id: %q\n", t.Header.TaskID))
	}
	buf.Write(head)
	buf.WriteString(separator)
	buf.WriteString(t.Body)
	return buf.Bytes()
}

// ParseTranscript reverses RenderTranscript, decompressing zstd input first.
// Input without a header is returned as the body.
func ParseTranscript(raw []byte) (Transcript, error) {
	if bytes.HasPrefix(raw, zstdMagic) {
		out, err := zstdDecoder.DecodeAll(raw, nil)
		if err != nil {
			return Transcript{}, fmt.Errorf("zstd decompress: %w", err)
		}
		raw = out
	}
	var head []byte
	var body []byte
	if bytes.HasPrefix(raw, []byte(separator)) {
		body = raw[len(separator):]
	} else if i := bytes.Index(raw, []byte("\n"+separator)); i >= 0 {
		head = raw[:i+1]
		body = raw[i+1+len(separator):]
	} else {
		return Transcript{Body: string(raw)}, nil
	}
	var t Transcript
	if len(head) > 0 {
		if err := yaml.Unmarshal(head, &t.Header); err != nil {
			return Transcript{}, fmt.Errorf("transcript header: %w", err)
		}
	}
	t.Body = string(body)
	return t, nil
}
