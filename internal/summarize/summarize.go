// Package summarize condenses a task transcript of any length into one summary,
// summarizing segments separately and merging the results.
package summarize

import (
	"context"
	"fmt"
	"io"
	"log"
	"strings"
	"time"

	"github.com/mohammad-safakhou/opentask/internal/retry"
	"github.com/mohammad-safakhou/opentask/provider"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
)

const (
	DefaultThreshold = 20000

	NotConfiguredSummary = "Summary unavailable: no language service is configured."
	AllFailedSummary     = "Summary unavailable: all segments failed to summarize."
)

var tracer = otel.Tracer("opentask/internal/summarize")

const systemPrompt = "You analyze task execution logs and write concise, factual summaries."

const fullAnalysis = `Summarize this task execution log. Cover:
1. the main goal of the task
2. whether it completed successfully
3. which files were produced, with their content and purpose
4. any notable errors or problems
Keep it under 300 words.

Task prompt: %s

%s:
%s`

const newInformation = `This is part %d of %d of a long task execution log. Earlier parts have already been summarized.
Report only information that is new in this part: progress toward the goal, files produced, errors or problems.
Do not repeat the task description. Keep it under 200 words.

Task prompt: %s

Log part %d:
%s`

const mergeSummaries = `These are summaries of consecutive parts of one task execution log.
Merge them into a single summary: remove duplicates and integrate the parts in order. Cover:
1. the main goal of the task
2. whether it completed successfully
3. which files were produced, with their content and purpose
4. any notable errors or problems
Keep it under 300 words.

Task prompt: %s

%s`

type Options struct {
	Client      provider.Client
	Threshold   int
	Retry       retry.Policy
	MergeRetry  retry.Policy
	Temperature float32
	MaxTokens   int
	Tracker     *Tracker
	Logger      *log.Logger
	// OnAttempt is called after each language service call with op "segment" or
	// "merge" and outcome "success" or "failure".
	OnAttempt func(op, outcome string)
}

// Result is a finished summary and how it was produced.
type Result struct {
	Summary  string
	Segments int
	Failed   int
	Merged   bool
}

type Summarizer struct {
	opts   Options
	logger *log.Logger
}

func New(opts Options) *Summarizer {
	if opts.Client == nil {
		opts.Client = provider.Unconfigured{}
	}
	if opts.Threshold <= 0 {
		opts.Threshold = DefaultThreshold
	}
	if opts.Retry.Attempts <= 0 {
		opts.Retry = retry.Policy{Attempts: 3, Backoff: 2 * time.Second}
	}
	if opts.MergeRetry.Attempts <= 0 {
		opts.MergeRetry = opts.Retry
	}
	if opts.MaxTokens <= 0 {
		opts.MaxTokens = 500
	}
	if opts.Tracker == nil {
		opts.Tracker = NewTracker()
	}
	logger := opts.Logger
	if logger == nil {
		logger = log.New(io.Discard, "", 0)
	}
	return &Summarizer{opts: opts, logger: logger}
}

func (s *Summarizer) Tracker() *Tracker { return s.opts.Tracker }

// Summarize produces the summary of fullLog. progress receives streamed output
// line by line, prefixed with the part being summarized. It never fails: every
// failure mode yields explanatory text, and the task's status is left not in
// progress on return.
func (s *Summarizer) Summarize(ctx context.Context, taskID, prompt, fullLog string, progress func(string)) (res Result) {
	ctx, span := tracer.Start(ctx, "summarize.Summarize")
	defer span.End()
	if progress == nil {
		progress = func(string) {}
	}

	s.opts.Tracker.progress(taskID, "generating summary")
	var note string
	defer func() {
		if r := recover(); r != nil {
			s.logger.Printf("task %s: summarizer panicked: %v", taskID, r)
			res = Result{Summary: fmt.Sprintf("Summary unavailable: %v", r), Segments: res.Segments, Failed: res.Segments}
			note = "summarizer failed"
		}
		msg := "summary ready"
		switch {
		case note != "":
			msg = note
		case res.Failed > 0:
			msg = fmt.Sprintf("%d of %d segments failed", res.Failed, res.Segments)
		}
		s.opts.Tracker.finish(taskID, res.Summary, msg)
		span.SetAttributes(attribute.Int("segments", res.Segments), attribute.Int("failed", res.Failed), attribute.Bool("merged", res.Merged))
	}()

	if !s.opts.Client.Configured() {
		note = "language service not configured"
		return Result{Summary: NotConfiguredSummary}
	}

	segments := Split(fullLog, s.opts.Threshold)
	res.Segments = len(segments)

	if len(segments) == 1 {
		s.opts.Tracker.progress(taskID, "summarizing log")
		out, err := s.segment(ctx, 1, 1, prompt, segments[0], progress)
		if err != nil {
			s.logger.Printf("task %s: summary failed: %v", taskID, err)
			res.Failed = 1
			res.Summary = AllFailedSummary
			return res
		}
		res.Summary = out
		return res
	}

	var labeled []string
	for i, seg := range segments {
		s.opts.Tracker.progress(taskID, fmt.Sprintf("summarizing segment %d/%d", i+1, len(segments)))
		out, err := s.segment(ctx, i+1, len(segments), prompt, seg, progress)
		if err != nil {
			s.logger.Printf("task %s: segment %d/%d failed: %v", taskID, i+1, len(segments), err)
			res.Failed++
			continue
		}
		labeled = append(labeled, fmt.Sprintf("Segment %d/%d:\n%s", i+1, len(segments), strings.TrimSpace(out)))
	}

	switch len(labeled) {
	case 0:
		res.Summary = AllFailedSummary
		return res
	case 1:
		res.Summary = s.withFailures(labeled[0], res)
		return res
	}

	s.opts.Tracker.progress(taskID, fmt.Sprintf("merging %d segment summaries", len(labeled)))
	merged, err := s.merge(ctx, prompt, labeled, progress)
	if err != nil {
		s.logger.Printf("task %s: merge failed, concatenating segment summaries: %v", taskID, err)
		res.Summary = s.withFailures(strings.Join(labeled, "\n\n"), res)
		return res
	}
	res.Merged = true
	res.Summary = merged
	return res
}

func (s *Summarizer) withFailures(summary string, res Result) string {
	if res.Failed == 0 {
		return summary
	}
	return fmt.Sprintf("%s\n\n(%d of %d segments could not be summarized)", summary, res.Failed, res.Segments)
}

func (s *Summarizer) segment(ctx context.Context, n, total int, prompt, text string, progress func(string)) (string, error) {
	var user string
	switch {
	case total == 1:
		user = fmt.Sprintf(fullAnalysis, prompt, "Execution log", text)
	case n == 1:
		user = fmt.Sprintf(fullAnalysis, prompt, fmt.Sprintf("Log part 1 of %d", total), text)
	default:
		user = fmt.Sprintf(newInformation, n, total, prompt, n, text)
	}
	label := "[summary]"
	if total > 1 {
		label = fmt.Sprintf("[summary %d/%d]", n, total)
	}
	return s.call(ctx, "segment", s.opts.Retry, user, label, progress)
}

func (s *Summarizer) merge(ctx context.Context, prompt string, labeled []string, progress func(string)) (string, error) {
	user := fmt.Sprintf(mergeSummaries, prompt, strings.Join(labeled, "\n\n"))
	return s.call(ctx, "merge", s.opts.MergeRetry, user, "[summary merge]", progress)
}

func (s *Summarizer) call(ctx context.Context, op string, p retry.Policy, user, label string, progress func(string)) (string, error) {
	req := provider.Request{
		System:      systemPrompt,
		User:        user,
		Temperature: s.opts.Temperature,
		MaxTokens:   s.opts.MaxTokens,
	}
	if p.OnRetry == nil {
		p.OnRetry = func(attempt int, err error) {
			s.logger.Printf("%s %s attempt %d failed: %v", label, op, attempt, err)
		}
	}
	return retry.Do(ctx, p, retry.Text(func(ctx context.Context, _ int) (string, error) {
		lines := &lineWriter{prefix: label + " ", emit: progress}
		out, err := s.opts.Client.Stream(ctx, req, lines.write)
		lines.flush()
		outcome := "success"
		if err != nil || strings.TrimSpace(out) == "" {
			outcome = "failure"
		}
		if s.opts.OnAttempt != nil {
			s.opts.OnAttempt(op, outcome)
		}
		return out, err
	}))
}

// lineWriter regroups streamed tokens into whole lines.
type lineWriter struct {
	prefix string
	emit   func(string)
	buf    strings.Builder
}

func (w *lineWriter) write(token string) {
	for {
		i := strings.IndexByte(token, '\n')
		if i < 0 {
			w.buf.WriteString(token)
			return
		}
		w.buf.WriteString(token[:i])
		w.line()
		token = token[i+1:]
	}
}

func (w *lineWriter) flush() {
	if w.buf.Len() > 0 {
		w.line()
	}
}

func (w *lineWriter) line() {
	text := strings.TrimRight(w.buf.String(), "\r ")
	w.buf.Reset()
	if strings.TrimSpace(text) != "" {
		w.emit(w.prefix + text)
	}
}
