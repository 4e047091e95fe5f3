// Package orchestrator drives a task from submission to a terminal status:
// it runs the agent, broadcasts its cleaned output, archives the files it
// produces and summarizes the run.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/mohammad-safakhou/opentask/internal/agent"
	"github.com/mohammad-safakhou/opentask/internal/archive"
	"github.com/mohammad-safakhou/opentask/internal/hub"
	"github.com/mohammad-safakhou/opentask/internal/identify"
	"github.com/mohammad-safakhou/opentask/internal/logline"
	"github.com/mohammad-safakhou/opentask/internal/runtime"
	"github.com/mohammad-safakhou/opentask/internal/search"
	"github.com/mohammad-safakhou/opentask/internal/store"
	"github.com/mohammad-safakhou/opentask/internal/summarize"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

var tracer = otel.Tracer("opentask/internal/orchestrator")

// ErrTaskActive is returned when deleting a task that has not finished.
var ErrTaskActive = errors.New("task is still running")

// Deps are the components a task run flows through. Search and Metrics are optional.
type Deps struct {
	Store      *store.Store
	Hub        *hub.Hub
	Agent      agent.Agent
	Identify   *identify.Engine
	Summarizer *summarize.Summarizer
	Archiver   *archive.Archiver
	Search     *search.Index
	Metrics    *runtime.Metrics
	Logger     *log.Logger

	// SegmentThreshold is the number of transcript bytes after which the
	// accumulated segment is scanned for files while the agent keeps running.
	SegmentThreshold int
}

type Orchestrator struct {
	deps   Deps
	logger *log.Logger
	now    func() time.Time
	wg     sync.WaitGroup
}

func New(deps Deps) *Orchestrator {
	if deps.Logger == nil {
		deps.Logger = log.New(io.Discard, "", 0)
	}
	if deps.SegmentThreshold <= 0 {
		deps.SegmentThreshold = summarize.DefaultThreshold
	}
	return &Orchestrator{deps: deps, logger: deps.Logger, now: time.Now}
}

// Start records a pending task and executes it in the background. The run is
// detached from ctx: a task is never cancelled once started.
func (o *Orchestrator) Start(ctx context.Context, userID, prompt string) (store.Task, error) {
	task, err := o.deps.Store.CreateTask(ctx, userID, prompt)
	if err != nil {
		return store.Task{}, err
	}
	runCtx := context.WithoutCancel(ctx)
	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		if _, err := o.Execute(runCtx, task); err != nil {
			o.logger.Printf("task %s: %v", task.ID, err)
		}
	}()
	return task, nil
}

// Wait blocks until every task started with Start has finished.
func (o *Orchestrator) Wait() { o.wg.Wait() }

// Execute runs task to a terminal status. Whatever happens in the agent,
// finalization runs: the transcript is scanned and archived, the task is moved
// to completed or failed, and viewers receive the completion message.
func (o *Orchestrator) Execute(ctx context.Context, task store.Task) (final store.Task, err error) {
	ctx, span := tracer.Start(ctx, "orchestrator.Execute")
	span.SetAttributes(attribute.String("task.id", task.ID))
	defer span.End()

	r := newRun(task, o.deps.SegmentThreshold, o.now())
	var runErr error
	defer func() {
		if p := recover(); p != nil {
			o.logger.Printf("task %s: agent panicked: %v", task.ID, p)
			runErr = fmt.Errorf("agent panicked: %v", p)
		}
		final, err = o.finalize(ctx, r, runErr)
		if runErr != nil {
			span.RecordError(runErr)
			span.SetStatus(codes.Error, runErr.Error())
		}
	}()

	running, err := o.deps.Store.Transition(ctx, task, store.StatusRunning)
	if err != nil {
		runErr = fmt.Errorf("start task: %w", err)
		return
	}
	r.task = running
	o.logger.Printf("task %s: running", task.ID)

	output, agentErr := o.deps.Agent.Run(ctx, task.Prompt, func(line string) { o.emit(ctx, r, line) })
	if r.emitted() == 0 && output != "" {
		for _, line := range strings.Split(output, "\n") {
			o.emit(ctx, r, line)
		}
	}
	runErr = agentErr
	return
}

// emit handles one raw agent line: clean it, broadcast it, buffer it, and
// scan the segment for files once it is full.
func (o *Orchestrator) emit(ctx context.Context, r *run, raw string) {
	line := logline.Normalize(raw)
	if line == "" {
		return
	}
	o.deps.Hub.Publish(r.task.ID, hub.Log(line))
	segment := r.append(line)
	if segment == "" {
		return
	}
	r.pending.Add(1)
	go func() {
		defer r.pending.Done()
		defer func() {
			if p := recover(); p != nil {
				o.logger.Printf("task %s: segment scan panicked: %v", r.task.ID, p)
			}
		}()
		o.collect(ctx, r, o.deps.Identify.Identify(ctx, segment, r.task.Prompt))
	}()
}

// collect archives every newly identified path and records it as a task file.
// The local copy is removed only once the file is recorded; a file that fails
// either step stays on disk and leaves no object behind.
func (o *Orchestrator) collect(ctx context.Context, r *run, paths []string) {
	for _, p := range paths {
		if !r.claim(p) {
			continue
		}
		local := o.deps.Identify.Resolve(p)
		res, err := o.deps.Archiver.Upload(ctx, r.task.ID, local)
		if err != nil {
			o.logger.Printf("task %s: archive %s: %v", r.task.ID, p, err)
			r.release(p)
			continue
		}
		f, err := o.deps.Store.AddFile(ctx, store.TaskFile{
			TaskID:      r.task.ID,
			Filename:    res.Filename,
			StorageURL:  res.URL,
			ContentType: res.ContentType,
			Size:        res.Size,
		})
		if err != nil {
			o.logger.Printf("task %s: record file %s: %v", r.task.ID, p, err)
			if _, rerr := o.deps.Archiver.Remove(ctx, res.URL); rerr != nil {
				o.logger.Printf("task %s: remove unrecorded %s: %v", r.task.ID, res.URL, rerr)
			}
			r.release(p)
			continue
		}
		o.deps.Archiver.RemoveLocal(local)
		r.archived(f.Filename)
		o.deps.Hub.Publish(r.task.ID, hub.FileNotice("File saved: "+f.Filename, f.StorageURL))
	}
}

func (o *Orchestrator) finalize(ctx context.Context, r *run, runErr error) (task store.Task, err error) {
	task = r.task
	defer o.deps.Hub.Publish(task.ID, hub.Completion())
	defer func() {
		if p := recover(); p != nil {
			o.logger.Printf("task %s: finalization panicked: %v", task.ID, p)
			err = fmt.Errorf("finalize task %s: %v", task.ID, p)
			if !task.Status.Terminal() {
				if t, terr := o.deps.Store.Transition(ctx, task, store.StatusFailed); terr == nil {
					task = t
				}
			}
		}
	}()

	r.pending.Wait()

	status := store.StatusCompleted
	if runErr != nil {
		status = store.StatusFailed
		line := logline.Format(logline.SeverityError, "task failed: "+runErr.Error())
		r.note(line)
		o.deps.Hub.Publish(task.ID, hub.Log(line))
	}

	transcript := r.text()
	o.collect(ctx, r, o.deps.Identify.Identify(ctx, transcript, task.Prompt))

	summary := o.deps.Summarizer.Summarize(ctx, task.ID, task.Prompt, transcript, func(line string) {
		o.deps.Hub.Publish(task.ID, hub.Log(line))
	})

	finished := o.now()
	files := r.archivedFiles()
	url, aerr := o.deps.Archiver.ArchiveTranscript(ctx, archive.Transcript{
		Header: archive.Header{
			TaskID:     task.ID,
			UserID:     task.UserID,
			Prompt:     task.Prompt,
			Status:     string(status),
			StartedAt:  r.started,
			FinishedAt: finished,
			Files:      files,
			Summary:    summary.Summary,
		},
		Body: transcript,
	})
	if aerr != nil {
		o.logger.Printf("task %s: archive transcript: %v", task.ID, aerr)
	} else {
		task.LogURL = url
	}

	done, terr := o.deps.Store.Transition(ctx, task, status)
	if terr != nil {
		o.logger.Printf("task %s: transition to %s: %v", task.ID, status, terr)
		return task, terr
	}
	task = done
	o.deps.Metrics.TaskFinished(string(status), finished.Sub(r.started))
	o.logger.Printf("task %s: %s (%d files)", task.ID, status, len(files))

	if o.deps.Search != nil {
		if err := o.deps.Search.Add(search.Doc{
			TaskID:     task.ID,
			UserID:     task.UserID,
			Prompt:     task.Prompt,
			Summary:    summary.Summary,
			Transcript: transcript,
			Files:      files,
			Status:     string(status),
			FinishedAt: finished,
		}); err != nil {
			o.logger.Printf("task %s: index: %v", task.ID, err)
		}
	}
	return task, nil
}

// Summary returns the live summary status of a task, falling back to the
// summary stored in its archived transcript.
func (o *Orchestrator) Summary(ctx context.Context, task store.Task) (summarize.Status, bool) {
	if st, ok := o.deps.Summarizer.Tracker().Get(task.ID); ok {
		return st, true
	}
	if task.LogURL == "" {
		return summarize.Status{}, false
	}
	t, err := o.deps.Archiver.ReadTranscript(ctx, task.LogURL)
	if err != nil {
		o.logger.Printf("task %s: read transcript: %v", task.ID, err)
		return summarize.Status{}, false
	}
	return summarize.Status{Message: "summary ready", Summary: t.Header.Summary, UpdatedAt: t.Header.FinishedAt}, true
}

// Transcript loads the archived transcript of a finished task.
func (o *Orchestrator) Transcript(ctx context.Context, task store.Task) (archive.Transcript, error) {
	if task.LogURL == "" {
		return archive.Transcript{}, fmt.Errorf("task %s has no transcript", task.ID)
	}
	return o.deps.Archiver.ReadTranscript(ctx, task.LogURL)
}

// Delete removes a finished task's archived objects, its row and file rows,
// and any in-memory state kept for it.
func (o *Orchestrator) Delete(ctx context.Context, id string) error {
	task, err := o.deps.Store.GetTask(ctx, id)
	if err != nil {
		return err
	}
	if !task.Status.Terminal() {
		return ErrTaskActive
	}
	files, err := o.deps.Store.ListFiles(ctx, id)
	if err != nil {
		return err
	}
	for _, f := range files {
		if _, err := o.deps.Archiver.Remove(ctx, f.StorageURL); err != nil {
			o.logger.Printf("task %s: remove %s: %v", id, f.StorageURL, err)
		}
	}
	if _, err := o.deps.Archiver.Remove(ctx, task.LogURL); err != nil {
		o.logger.Printf("task %s: remove transcript: %v", id, err)
	}
	if err := o.deps.Store.DeleteTask(ctx, id); err != nil {
		return err
	}
	o.deps.Hub.Forget(id)
	o.deps.Summarizer.Tracker().Forget(id)
	if o.deps.Search != nil {
		if err := o.deps.Search.Remove(id); err != nil {
			o.logger.Printf("task %s: unindex: %v", id, err)
		}
	}
	return nil
}
