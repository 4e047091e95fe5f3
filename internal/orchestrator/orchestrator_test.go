package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/mohammad-safakhou/opentask/internal/agent"
	"github.com/mohammad-safakhou/opentask/internal/archive"
	"github.com/mohammad-safakhou/opentask/internal/blob"
	"github.com/mohammad-safakhou/opentask/internal/hub"
	"github.com/mohammad-safakhou/opentask/internal/identify"
	"github.com/mohammad-safakhou/opentask/internal/search"
	"github.com/mohammad-safakhou/opentask/internal/store"
	"github.com/mohammad-safakhou/opentask/internal/summarize"
	"github.com/mohammad-safakhou/opentask/provider"
)

type stubClient struct{ reply string }

func (c stubClient) Complete(context.Context, provider.Request) (string, error) { return c.reply, nil }

func (c stubClient) Stream(_ context.Context, _ provider.Request, onToken func(string)) (string, error) {
	onToken(c.reply)
	return c.reply, nil
}

func (stubClient) Configured() bool { return true }

type harness struct {
	orch    *Orchestrator
	store   *store.Store
	hub     *hub.Hub
	workdir string
	blobDir string
	blobs   blob.Store
	index   *search.Index
}

func newHarness(t *testing.T, a agent.Agent, threshold int) *harness {
	t.Helper()
	return newHarnessIn(t, a, threshold, t.TempDir(), t.TempDir())
}

func newHarnessIn(t *testing.T, a agent.Agent, threshold int, workdir, blobDir string) *harness {
	t.Helper()
	blobs, err := blob.NewFile(blobDir, "")
	if err != nil {
		t.Fatalf("blob.NewFile: %v", err)
	}
	index, err := search.New()
	if err != nil {
		t.Fatalf("search.New: %v", err)
	}
	t.Cleanup(func() { index.Close() })

	h := &harness{
		store:   store.New(nil, nil),
		hub:     hub.New(hub.Options{}),
		workdir: workdir,
		blobDir: blobDir,
		blobs:   blobs,
		index:   index,
	}
	h.orch = New(Deps{
		Store:            h.store,
		Hub:              h.hub,
		Agent:            a,
		Identify:         identify.New(identify.Options{Workdir: workdir, Exclude: []string{blobDir}}),
		Summarizer:       summarize.New(summarize.Options{Client: stubClient{reply: "The agent wrote the requested notes."}}),
		Archiver:         archive.New(blobs, archive.Options{}),
		Search:           index,
		SegmentThreshold: threshold,
	})
	return h
}

func (h *harness) run(t *testing.T, prompt string) store.Task {
	t.Helper()
	ctx := context.Background()
	task, err := h.store.CreateTask(ctx, "user-1", prompt)
	if err != nil {
		t.Fatalf("CreateTask: %v", err)
	}
	final, err := h.orch.Execute(ctx, task)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	return final
}

func writer(workdir string, files map[string]string, lines ...string) agent.Func {
	return func(_ context.Context, _ string, emit func(string)) (string, error) {
		for name, body := range files {
			if err := os.WriteFile(filepath.Join(workdir, name), []byte(body), 0o644); err != nil {
				return "", err
			}
		}
		for _, l := range lines {
			emit(l)
		}
		return strings.Join(lines, "\n"), nil
	}
}

func TestExecuteArchivesSavedFile(t *testing.T) {
	var h *harness
	h = newHarness(t, agent.Func(func(ctx context.Context, prompt string, emit func(string)) (string, error) {
		return writer(h.workdir, map[string]string{"notes.txt": "remember the milk"},
			"2025-03-10 12:34:56.789 | INFO     | app.tool.save:run:42 - Content successfully saved to notes.txt")(ctx, prompt, emit)
	}), 0)

	task := h.run(t, "write notes.txt")

	if task.Status != store.StatusCompleted || task.CompletedAt == nil {
		t.Fatalf("task = %+v", task)
	}
	if task.LogURL == "" {
		t.Fatalf("transcript url not recorded")
	}
	files, err := h.store.ListFiles(context.Background(), task.ID)
	if err != nil {
		t.Fatalf("ListFiles: %v", err)
	}
	if len(files) != 1 || files[0].Filename != "notes.txt" || files[0].ContentType != "text/plain" {
		t.Fatalf("files = %+v", files)
	}
	if _, err := os.Stat(filepath.Join(h.workdir, "notes.txt")); !os.IsNotExist(err) {
		t.Fatalf("local copy should be removed after upload, stat err = %v", err)
	}

	backlog := h.hub.Backlog(task.ID)
	if len(backlog) == 0 || !backlog[len(backlog)-1].IsCompletion() {
		t.Fatalf("backlog must end with completion: %+v", backlog)
	}
	if backlog[0].Kind != hub.KindLog || backlog[0].Text != "Content successfully saved to notes.txt" {
		t.Fatalf("first message = %+v", backlog[0])
	}
	notices := 0
	for _, m := range backlog {
		if m.Kind == hub.KindFile {
			notices++
			if m.Path != files[0].StorageURL {
				t.Fatalf("file notice path = %q, want %q", m.Path, files[0].StorageURL)
			}
		}
	}
	if notices != 1 {
		t.Fatalf("file notices = %d, want 1", notices)
	}

	tr, err := h.orch.Transcript(context.Background(), task)
	if err != nil {
		t.Fatalf("Transcript: %v", err)
	}
	if tr.Body != "Content successfully saved to notes.txt\n" || tr.Header.Status != "completed" {
		t.Fatalf("transcript = %+v", tr)
	}
	if len(tr.Header.Files) != 1 || tr.Header.Files[0] != "notes.txt" {
		t.Fatalf("transcript files = %v", tr.Header.Files)
	}

	st, ok := h.orch.Summary(context.Background(), task)
	if !ok || st.InProgress || st.Summary != "The agent wrote the requested notes." {
		t.Fatalf("summary = %+v ok=%v", st, ok)
	}
	hits, err := h.index.Search("notes", "user-1", 5)
	if err != nil || len(hits) != 1 || hits[0].TaskID != task.ID {
		t.Fatalf("search hits = %+v err=%v", hits, err)
	}
}

func TestExecuteAgentErrorFailsTask(t *testing.T) {
	h := newHarness(t, agent.Func(func(_ context.Context, _ string, emit func(string)) (string, error) {
		emit("INFO: starting")
		return "", errors.New("exit status 3")
	}), 0)

	task := h.run(t, "do something impossible")
	if task.Status != store.StatusFailed || task.CompletedAt == nil {
		t.Fatalf("task = %+v", task)
	}
	tr, err := h.orch.Transcript(context.Background(), task)
	if err != nil {
		t.Fatalf("Transcript: %v", err)
	}
	if !strings.Contains(tr.Body, "ERROR | task failed: exit status 3") {
		t.Fatalf("transcript missing failure note:\n%s", tr.Body)
	}
	backlog := h.hub.Backlog(task.ID)
	if !backlog[len(backlog)-1].IsCompletion() {
		t.Fatalf("completion not emitted")
	}
}

func TestExecuteRecoversAgentPanic(t *testing.T) {
	h := newHarness(t, agent.Func(func(_ context.Context, _ string, emit func(string)) (string, error) {
		emit("about to crash")
		panic("nil map write")
	}), 0)

	task := h.run(t, "crash please")
	if task.Status != store.StatusFailed {
		t.Fatalf("status = %s, want failed", task.Status)
	}
	if !h.hub.Closed(task.ID) {
		t.Fatalf("completion not emitted after panic")
	}
	got, err := h.store.GetTask(context.Background(), task.ID)
	if err != nil || got.Status != store.StatusFailed {
		t.Fatalf("stored task = %+v err=%v", got, err)
	}
}

func TestExecuteUsesReturnedOutputWhenNothingEmitted(t *testing.T) {
	h := newHarness(t, agent.Func(func(context.Context, string, func(string)) (string, error) {
		return "INFO: one\nWARNING | two\n", nil
	}), 0)

	task := h.run(t, "quiet agent")
	var logs []string
	for _, m := range h.hub.Backlog(task.ID) {
		if m.Kind == hub.KindLog {
			logs = append(logs, m.Text)
		}
	}
	if len(logs) < 2 || logs[0] != "one" || logs[1] != "two" {
		t.Fatalf("logs = %q", logs)
	}
}

func TestSegmentScanArchivesEachFileOnce(t *testing.T) {
	var h *harness
	h = newHarness(t, agent.Func(func(_ context.Context, _ string, emit func(string)) (string, error) {
		if err := os.WriteFile(filepath.Join(h.workdir, "report.md"), []byte("# report"), 0o644); err != nil {
			return "", err
		}
		emit("Successfully saved to report.md")
		for i := 0; i < 20; i++ {
			emit(fmt.Sprintf("step %02d of a long running job", i))
		}
		emit("report.md saved")
		return "", nil
	}), 64)

	task := h.run(t, "write a report")
	files, err := h.store.ListFiles(context.Background(), task.ID)
	if err != nil {
		t.Fatalf("ListFiles: %v", err)
	}
	if len(files) != 1 || files[0].Filename != "report.md" {
		t.Fatalf("files = %+v", files)
	}
}

func TestConcurrentViewersSeeSameCompletion(t *testing.T) {
	h := newHarness(t, agent.Func(func(_ context.Context, _ string, emit func(string)) (string, error) {
		for i := 0; i < 40; i++ {
			emit(fmt.Sprintf("INFO | line %d", i))
		}
		return "", nil
	}), 0)

	ctx := context.Background()
	task, err := h.store.CreateTask(ctx, "user-1", "count to forty")
	if err != nil {
		t.Fatalf("CreateTask: %v", err)
	}
	viewers := []*hub.Viewer{h.hub.Subscribe(task.ID), h.hub.Subscribe(task.ID)}

	type seen struct {
		logs       int
		completion string
	}
	results := make([]seen, len(viewers))
	var wg sync.WaitGroup
	for i, v := range viewers {
		wg.Add(1)
		go func(i int, v *hub.Viewer) {
			defer wg.Done()
			waitCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
			defer cancel()
			for {
				msg, ok := v.Next(waitCtx)
				if !ok {
					return
				}
				switch {
				case msg.IsCompletion():
					results[i].completion = msg.ID
					return
				case msg.Kind == hub.KindLog:
					results[i].logs++
				}
			}
		}(i, v)
	}

	if _, err := h.orch.Execute(ctx, task); err != nil {
		t.Fatalf("Execute: %v", err)
	}
	wg.Wait()

	if results[0].completion == "" || results[0].completion != results[1].completion {
		t.Fatalf("completions differ: %+v", results)
	}
	if results[0].logs < 40 || results[0].logs != results[1].logs {
		t.Fatalf("log counts differ: %+v", results)
	}
}

func TestStartRunsDetached(t *testing.T) {
	h := newHarness(t, agent.Func(func(_ context.Context, _ string, emit func(string)) (string, error) {
		emit("done")
		return "", nil
	}), 0)

	ctx, cancel := context.WithCancel(context.Background())
	task, err := h.orch.Start(ctx, "user-1", "background job")
	cancel()
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	if task.Status != store.StatusPending {
		t.Fatalf("Start should return the pending task, got %s", task.Status)
	}
	h.orch.Wait()

	got, err := h.store.GetTask(context.Background(), task.ID)
	if err != nil || got.Status != store.StatusCompleted {
		t.Fatalf("task = %+v err=%v", got, err)
	}

	if _, err := h.orch.Start(context.Background(), "user-1", "   "); !errors.Is(err, store.ErrInvalidTask) {
		t.Fatalf("empty prompt err = %v", err)
	}
}

func TestDeleteRemovesArtifacts(t *testing.T) {
	var h *harness
	h = newHarness(t, agent.Func(func(ctx context.Context, prompt string, emit func(string)) (string, error) {
		return writer(h.workdir, map[string]string{"data.csv": "a,b\n1,2\n"}, "File data.csv saved")(ctx, prompt, emit)
	}), 0)
	ctx := context.Background()
	task := h.run(t, "export data")

	count := func() int {
		n := 0
		filepath.WalkDir(h.blobDir, func(_ string, d os.DirEntry, err error) error {
			if err == nil && !d.IsDir() {
				n++
			}
			return nil
		})
		return n
	}
	if got := count(); got != 2 {
		t.Fatalf("blobs before delete = %d, want file + transcript", got)
	}

	if err := h.orch.Delete(ctx, task.ID); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if got := count(); got != 0 {
		t.Fatalf("blobs after delete = %d", got)
	}
	if _, err := h.store.GetTask(ctx, task.ID); !errors.Is(err, store.ErrTaskNotFound) {
		t.Fatalf("GetTask after delete err = %v", err)
	}
	if _, ok := h.orch.Summary(ctx, task); ok {
		t.Fatalf("summary status should be forgotten")
	}
	if hits, _ := h.index.Search("export", "user-1", 5); len(hits) != 0 {
		t.Fatalf("search still returns deleted task: %+v", hits)
	}
}

func TestDeleteRejectsActiveTask(t *testing.T) {
	h := newHarness(t, agent.Func(func(context.Context, string, func(string)) (string, error) { return "", nil }), 0)
	ctx := context.Background()
	task, err := h.store.CreateTask(ctx, "user-1", "pending job")
	if err != nil {
		t.Fatalf("CreateTask: %v", err)
	}
	if _, err := h.store.Transition(ctx, task, store.StatusRunning); err != nil {
		t.Fatalf("Transition: %v", err)
	}
	if err := h.orch.Delete(ctx, task.ID); !errors.Is(err, ErrTaskActive) {
		t.Fatalf("Delete err = %v, want ErrTaskActive", err)
	}
}

func filesUnder(t *testing.T, dir string) []string {
	t.Helper()
	var out []string
	filepath.WalkDir(dir, func(p string, d os.DirEntry, err error) error {
		if err == nil && !d.IsDir() {
			out = append(out, p)
		}
		return nil
	})
	return out
}

func TestExecuteLeavesFilesOutsideWorkdirAlone(t *testing.T) {
	outside := filepath.Join(t.TempDir(), "site-packages", "json", "decoder.py")
	if err := os.MkdirAll(filepath.Dir(outside), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(outside, []byte("def decode(): pass\n"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	h := newHarness(t, agent.Func(func(_ context.Context, _ string, emit func(string)) (string, error) {
		emit("Traceback (most recent call last):")
		emit(`  File "` + outside + `", line 337, in decode`)
		emit("json.decoder.JSONDecodeError: Expecting value: line 1 column 1 (char 0)")
		return "", nil
	}), 0)

	task := h.run(t, "parse the response")
	files, err := h.store.ListFiles(context.Background(), task.ID)
	if err != nil || len(files) != 0 {
		t.Fatalf("files = %+v err=%v", files, err)
	}
	if _, err := os.Stat(outside); err != nil {
		t.Fatalf("file outside the working tree was touched: %v", err)
	}
}

func TestLaterTaskDoesNotReclaimArchivedBlobs(t *testing.T) {
	workdir := t.TempDir()
	blobDir := filepath.Join(workdir, "data", "blobs")
	var h *harness
	first := true
	h = newHarnessIn(t, agent.Func(func(ctx context.Context, prompt string, emit func(string)) (string, error) {
		if first {
			first = false
			return writer(h.workdir, map[string]string{"notes.txt": "remember the milk"},
				"Content successfully saved to notes.txt")(ctx, prompt, emit)
		}
		emit("thinking about the weather")
		return "", nil
	}), 0, workdir, blobDir)

	ctx := context.Background()
	one := h.run(t, "write notes.txt")
	two := h.run(t, "what is the weather")

	oneFiles, err := h.store.ListFiles(ctx, one.ID)
	if err != nil || len(oneFiles) != 1 {
		t.Fatalf("first task files = %+v err=%v", oneFiles, err)
	}
	twoFiles, err := h.store.ListFiles(ctx, two.ID)
	if err != nil || len(twoFiles) != 0 {
		t.Fatalf("second task claimed %+v err=%v", twoFiles, err)
	}
	if _, err := h.blobs.Get(ctx, oneFiles[0].StorageURL); err != nil {
		t.Fatalf("first task file unreadable: %v", err)
	}
	if _, err := h.orch.Transcript(ctx, one); err != nil {
		t.Fatalf("first task transcript unreadable: %v", err)
	}
}

func TestUnrecordedFileStaysLocal(t *testing.T) {
	var h *harness
	h = newHarness(t, agent.Func(func(ctx context.Context, prompt string, emit func(string)) (string, error) {
		out, err := writer(h.workdir, map[string]string{"notes.txt": "draft"},
			"Content successfully saved to notes.txt")(ctx, prompt, emit)
		// the task row disappears while the agent is still running
		tasks, _ := h.store.ListTasksByUser(ctx, "user-1", 10, 0)
		for _, ts := range tasks {
			_ = h.store.DeleteTask(ctx, ts.ID)
		}
		return out, err
	}), 0)

	ctx := context.Background()
	task, err := h.store.CreateTask(ctx, "user-1", "write notes.txt")
	if err != nil {
		t.Fatalf("CreateTask: %v", err)
	}
	if _, err := h.orch.Execute(ctx, task); err == nil {
		t.Fatalf("expected finalization error for a deleted task")
	}
	if _, err := os.Stat(filepath.Join(h.workdir, "notes.txt")); err != nil {
		t.Fatalf("local file lost after failed record: %v", err)
	}
	if got := filesUnder(t, filepath.Join(h.blobDir, "tasks")); len(got) != 0 {
		t.Fatalf("orphaned artifacts left in blob store: %v", got)
	}
	if !h.hub.Closed(task.ID) {
		t.Fatalf("completion not emitted")
	}
}
