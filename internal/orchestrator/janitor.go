package orchestrator

import (
	"fmt"
	"io"
	"log"
	"sync"
	"time"

	"github.com/gorhill/cronexpr"
	"github.com/mohammad-safakhou/opentask/internal/hub"
)

// Pruner drops per-task state last touched before cutoff.
type Pruner interface {
	Prune(cutoff time.Time) int
}

// Janitor periodically releases in-memory state of finished tasks: closed hub
// topics, summary statuses and write-tracker entries.
type Janitor struct {
	expr      *cronexpr.Expression
	retention time.Duration
	hub       *hub.Hub
	pruners   []Pruner
	logger    *log.Logger

	stop chan struct{}
	once sync.Once
	done chan struct{}
}

func NewJanitor(schedule string, retention time.Duration, h *hub.Hub, logger *log.Logger, pruners ...Pruner) (*Janitor, error) {
	expr, err := cronexpr.Parse(schedule)
	if err != nil {
		return nil, fmt.Errorf("janitor schedule %q: %w", schedule, err)
	}
	if logger == nil {
		logger = log.New(io.Discard, "", 0)
	}
	return &Janitor{
		expr:      expr,
		retention: retention,
		hub:       h,
		pruners:   pruners,
		logger:    logger,
		stop:      make(chan struct{}),
		done:      make(chan struct{}),
	}, nil
}

// Start runs sweeps on the schedule until Stop.
func (j *Janitor) Start() {
	go func() {
		defer close(j.done)
		for {
			next := j.expr.Next(time.Now())
			if next.IsZero() {
				j.logger.Printf("schedule has no upcoming run; janitor idle")
				<-j.stop
				return
			}
			timer := time.NewTimer(time.Until(next))
			select {
			case <-j.stop:
				timer.Stop()
				return
			case now := <-timer.C:
				j.Sweep(now)
			}
		}
	}()
}

func (j *Janitor) Stop() {
	j.once.Do(func() { close(j.stop) })
}

// Wait blocks until a started janitor has stopped.
func (j *Janitor) Wait() { <-j.done }

// Sweep forgets everything older than the retention window and returns how
// many entries were released.
func (j *Janitor) Sweep(now time.Time) int {
	cutoff := now.Add(-j.retention)
	n := 0
	if j.hub != nil {
		n += j.hub.Sweep(cutoff)
	}
	for _, p := range j.pruners {
		n += p.Prune(cutoff)
	}
	if n > 0 {
		j.logger.Printf("released %d entries older than %s", n, cutoff.Format(time.RFC3339))
	}
	return n
}
