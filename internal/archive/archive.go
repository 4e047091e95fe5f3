// Package archive moves task artifacts and transcripts into blob storage.
package archive

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/mohammad-safakhou/opentask/internal/blob"
)

// Result describes an uploaded artifact.
type Result struct {
	URL         string
	Key         string
	Filename    string
	ContentType string
	Size        int64
}

type Options struct {
	// Compress stores transcripts zstd-compressed.
	Compress bool
	Logger   *log.Logger
}

// Archiver uploads local files and rendered transcripts to a blob store.
type Archiver struct {
	blobs    blob.Store
	compress bool
	logger   *log.Logger
	now      func() time.Time
}

func New(blobs blob.Store, opts Options) *Archiver {
	logger := opts.Logger
	if logger == nil {
		logger = log.New(io.Discard, "", 0)
	}
	return &Archiver{blobs: blobs, compress: opts.Compress, logger: logger, now: time.Now}
}

// Archive uploads localPath under tasks/{taskID} and removes the local copy.
// On upload failure the local file is left in place and the error returned.
func (a *Archiver) Archive(ctx context.Context, taskID, localPath string) (Result, error) {
	res, err := a.Upload(ctx, taskID, localPath)
	if err != nil {
		return Result{}, err
	}
	a.RemoveLocal(localPath)
	return res, nil
}

// Upload copies localPath to tasks/{taskID} and leaves the local file alone,
// so callers can record the object before letting go of the original.
func (a *Archiver) Upload(ctx context.Context, taskID, localPath string) (Result, error) {
	f, err := os.Open(localPath)
	if err != nil {
		return Result{}, err
	}
	defer f.Close()
	info, err := f.Stat()
	if err != nil {
		return Result{}, err
	}
	if info.IsDir() {
		return Result{}, fmt.Errorf("archive %s: is a directory", localPath)
	}

	name := filepath.Base(localPath)
	res := Result{
		Key:         BuildKey("tasks/"+taskID, name, a.now()),
		Filename:    name,
		ContentType: ContentType(name),
		Size:        info.Size(),
	}
	res.URL, err = a.blobs.Put(ctx, res.Key, f, res.Size, res.ContentType)
	if err != nil {
		return Result{}, fmt.Errorf("upload %s: %w", name, err)
	}
	return res, nil
}

// RemoveLocal deletes an uploaded file's original. Failures are only logged.
func (a *Archiver) RemoveLocal(localPath string) {
	if err := os.Remove(localPath); err != nil && !os.IsNotExist(err) {
		a.logger.Printf("uploaded %s but could not remove local copy: %v", localPath, err)
	}
}

// ArchiveText uploads content as prefix/name and returns its URL.
func (a *Archiver) ArchiveText(ctx context.Context, content, name, prefix string) (string, error) {
	key := strings.Trim(prefix, "/") + "/" + SafeFilename(name)
	return a.blobs.Put(ctx, key, strings.NewReader(content), int64(len(content)), "text/plain; charset=utf-8")
}

// ArchiveTranscript renders t and stores it under logs/.
func (a *Archiver) ArchiveTranscript(ctx context.Context, t Transcript) (string, error) {
	body := RenderTranscript(t)
	name := TranscriptName(t.Header.TaskID, a.now())
	contentType := "text/plain; charset=utf-8"
	if a.compress {
		body = zstdEncoder.EncodeAll(body, nil)
		name += ".zst"
		contentType = "application/zstd"
	}
	return a.blobs.Put(ctx, "logs/"+name, bytes.NewReader(body), int64(len(body)), contentType)
}

// ReadTranscript fetches and decodes a transcript stored by ArchiveTranscript.
func (a *Archiver) ReadTranscript(ctx context.Context, url string) (Transcript, error) {
	raw, err := a.blobs.Get(ctx, url)
	if err != nil {
		return Transcript{}, err
	}
	return ParseTranscript(raw)
}

// Remove deletes an archived object. Objects already gone report false.
func (a *Archiver) Remove(ctx context.Context, url string) (bool, error) {
	if url == "" {
		return false, nil
	}
	ok, err := a.blobs.Delete(ctx, url)
	if errors.Is(err, blob.ErrNotFound) {
		return false, nil
	}
	return ok, err
}

// BuildKey returns prefix/{UTC timestamp with microseconds}_{8 hex}_{safe name}.
func BuildKey(prefix, filename string, now time.Time) string {
	now = now.UTC()
	ts := now.Format("20060102150405") + fmt.Sprintf("%06d", now.Nanosecond()/1000)
	return fmt.Sprintf("%s/%s_%s_%s", strings.Trim(prefix, "/"), ts, uuid.NewString()[:8], SafeFilename(filename))
}

// TranscriptName is task_{id}_log_{YYYYmmddHHMMSS}.txt.
func TranscriptName(taskID string, now time.Time) string {
	return fmt.Sprintf("task_%s_log_%s.txt", taskID, now.UTC().Format("20060102150405"))
}

// SafeFilename keeps letters, digits, '.', '-', '_' and spaces, then turns
// each space into an underscore.
func SafeFilename(name string) string {
	var b strings.Builder
	for _, r := range name {
		switch {
		case r == '.' || r == '-' || r == '_':
			b.WriteRune(r)
		case r == ' ':
			b.WriteByte('_')
		case isAlnum(r):
			b.WriteRune(r)
		}
	}
	if b.Len() == 0 {
		return "file"
	}
	return b.String()
}
