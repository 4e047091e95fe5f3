// Package identify finds the files a task produced by reading its log.
package identify

import (
	"context"
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/mohammad-safakhou/opentask/internal/retry"
	"github.com/mohammad-safakhou/opentask/provider"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
)

// NoFilesSentinel is the reply the language service gives when the log names no files.
const NoFilesSentinel = "NO_FILES_FOUND"

const (
	SourcePattern  = "pattern"
	SourceSemantic = "semantic"
	SourceRecent   = "recent"
)

var (
	tracer     = otel.Tracer("opentask/internal/identify")
	listMarker = regexp.MustCompile(`^\s*(?:[-*•]|\d+[.)])\s+`)
)

const systemPrompt = "You are a precise log analyst. Extract the paths of files that were generated or saved, as they appear in the execution log. " +
	"Return only file paths, one per line, with no explanation. If no files were produced, return " + NoFilesSentinel + "."

type Options struct {
	Workdir      string
	Client       provider.Client
	Window       int
	RecentWindow time.Duration
	Retry        retry.Policy
	Temperature  float32
	MaxTokens    int
	// Recent lists recently written files when neither extractor finds anything.
	// Defaults to a modification-time scan of Workdir.
	Recent RecentFiles
	// Exclude lists directories whose files are never task artifacts, such as
	// the blob store root when it lives next to the agent's files.
	Exclude []string
	Logger  *log.Logger
	// OnFound is called with the number of files each source contributed.
	OnFound func(source string, n int)
}

// Engine unions a pattern extractor and a language-service extractor, keeping
// only regular files that resolve inside Workdir and outside Exclude.
type Engine struct {
	opts    Options
	root    string
	exclude []string
	logger  *log.Logger
	now     func() time.Time
}

func New(opts Options) *Engine {
	if opts.Workdir == "" {
		opts.Workdir = "."
	}
	if abs, err := filepath.Abs(opts.Workdir); err == nil {
		opts.Workdir = abs
	}
	if opts.Client == nil {
		opts.Client = provider.Unconfigured{}
	}
	if opts.Window <= 0 {
		opts.Window = 10000
	}
	if opts.RecentWindow <= 0 {
		opts.RecentWindow = 60 * time.Second
	}
	if opts.MaxTokens <= 0 {
		opts.MaxTokens = 1000
	}
	root := realPath(opts.Workdir)
	exclude := realPaths(opts.Exclude)
	if opts.Recent == nil {
		opts.Recent = Scan{Root: root, Exclude: exclude}
	}
	logger := opts.Logger
	if logger == nil {
		logger = log.New(io.Discard, "", 0)
	}
	return &Engine{opts: opts, root: root, exclude: exclude, logger: logger, now: time.Now}
}

func (e *Engine) Workdir() string { return e.opts.Workdir }

// Identify returns the sorted set of existing files mentioned in logText.
// Extractor failures are logged; the worst case is an empty result.
func (e *Engine) Identify(ctx context.Context, logText, prompt string) []string {
	ctx, span := tracer.Start(ctx, "identify.Identify")
	defer span.End()

	found := make(map[string]struct{})
	add := func(source string, paths []string) {
		for _, p := range paths {
			found[p] = struct{}{}
		}
		if e.opts.OnFound != nil && len(paths) > 0 {
			e.opts.OnFound(source, len(paths))
		}
	}

	add(SourcePattern, e.guard(SourcePattern, func() ([]string, error) { return e.Patterns(logText), nil }))
	if e.opts.Client.Configured() {
		add(SourceSemantic, e.guard(SourceSemantic, func() ([]string, error) { return e.Semantic(ctx, logText, prompt) }))
	}
	if len(found) == 0 {
		add(SourceRecent, e.guard(SourceRecent, func() ([]string, error) { return e.Recent(), nil }))
	}

	out := make([]string, 0, len(found))
	for p := range found {
		out = append(out, p)
	}
	sort.Strings(out)
	span.SetAttributes(attribute.Int("files", len(out)))
	return out
}

// guard runs one extractor, turning errors and panics into an empty result.
func (e *Engine) guard(source string, fn func() ([]string, error)) (out []string) {
	defer func() {
		if r := recover(); r != nil {
			e.logger.Printf("%s extractor panicked: %v", source, r)
			out = nil
		}
	}()
	out, err := fn()
	if err != nil {
		e.logger.Printf("%s extractor failed: %v", source, err)
		return nil
	}
	return out
}

// Patterns applies the regular-expression extractor.
func (e *Engine) Patterns(logText string) []string {
	var out []string
	for _, c := range Candidates(logText) {
		if e.accept(c) {
			out = append(out, c)
		}
	}
	return out
}

// Semantic asks the language service for paths in the tail of logText and
// keeps the ones that exist.
func (e *Engine) Semantic(ctx context.Context, logText, prompt string) ([]string, error) {
	window := tail(logText, e.opts.Window)
	req := provider.Request{
		System:      systemPrompt,
		User:        fmt.Sprintf("The user asked: %s\n\nList every file generated or saved in this log, in the order they were produced.\n\nLog:\n%s", prompt, window),
		Temperature: e.opts.Temperature,
		MaxTokens:   e.opts.MaxTokens,
	}
	reply, err := retry.Do(ctx, e.opts.Retry, retry.Text(func(ctx context.Context, _ int) (string, error) {
		return e.opts.Client.Complete(ctx, req)
	}))
	if err != nil {
		return nil, err
	}
	reply = strings.TrimSpace(reply)
	if reply == NoFilesSentinel {
		return nil, nil
	}
	var out []string
	for _, line := range strings.Split(reply, "\n") {
		c := cleanCandidate(listMarker.ReplaceAllString(line, ""))
		if c == "" || c == NoFilesSentinel {
			continue
		}
		if e.accept(c) {
			out = append(out, c)
		} else {
			e.logger.Printf("dropping unverified path from language service: %q", c)
		}
	}
	return out, nil
}

// Recent lists files written within RecentWindow.
func (e *Engine) Recent() []string {
	var out []string
	for _, p := range e.opts.Recent.Recent(e.now().Add(-e.opts.RecentWindow)) {
		if e.accept(p) {
			out = append(out, p)
		}
	}
	return out
}

// Resolve maps a returned path to its absolute location.
func (e *Engine) Resolve(p string) string {
	if filepath.IsAbs(p) {
		return p
	}
	return filepath.Join(e.opts.Workdir, p)
}

// accept keeps p when it is a regular file whose real location, after
// following symlinks, is inside the working tree and outside every excluded
// directory. Anything accepted here is later uploaded and removed locally.
func (e *Engine) accept(p string) bool {
	if p == "" || Excluded(p) {
		return false
	}
	real, err := filepath.EvalSymlinks(e.Resolve(p))
	if err != nil || !under(e.root, real) {
		return false
	}
	for _, dir := range e.exclude {
		if under(dir, real) {
			return false
		}
	}
	info, err := os.Stat(real)
	return err == nil && info.Mode().IsRegular()
}

// tail returns at most n trailing characters of s, cut on a rune boundary.
func tail(s string, n int) string {
	if len(s) <= n {
		return s
	}
	cut := len(s) - n
	for cut < len(s) && !utf8.RuneStart(s[cut]) {
		cut++
	}
	return s[cut:]
}
