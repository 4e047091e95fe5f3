// Package search keeps a full-text index over finished tasks.
package search

import (
	"strings"
	"sync"
	"time"

	"github.com/blevesearch/bleve"
)

// Doc is the indexed view of one task.
type Doc struct {
	TaskID     string    `json:"task_id"`
	UserID     string    `json:"user_id"`
	Prompt     string    `json:"prompt"`
	Summary    string    `json:"summary"`
	Transcript string    `json:"transcript"`
	Files      []string  `json:"files"`
	Status     string    `json:"status"`
	FinishedAt time.Time `json:"finished_at"`
}

type Hit struct {
	TaskID  string  `json:"task_id"`
	Prompt  string  `json:"prompt"`
	Snippet string  `json:"snippet"`
	Score   float64 `json:"score"`
	Rank    int     `json:"rank"`
}

// Index is an in-memory BM25 index; it is rebuilt as tasks finish and does
// not survive restarts.
type Index struct {
	bleve bleve.Index
	mu    sync.RWMutex
	meta  map[string]Doc
}

func New() (*Index, error) {
	index, err := bleve.NewMemOnly(bleve.NewIndexMapping())
	if err != nil {
		return nil, err
	}
	return &Index{bleve: index, meta: make(map[string]Doc)}, nil
}

func (x *Index) Add(d Doc) error {
	x.mu.Lock()
	x.meta[d.TaskID] = d
	x.mu.Unlock()
	return x.bleve.Index(d.TaskID, d)
}

func (x *Index) Remove(taskID string) error {
	x.mu.Lock()
	delete(x.meta, taskID)
	x.mu.Unlock()
	return x.bleve.Delete(taskID)
}

// Search returns up to k tasks matching q, restricted to userID when set.
func (x *Index) Search(q, userID string, k int) ([]Hit, error) {
	if k <= 0 {
		k = 10
	}
	query := bleve.NewQueryStringQuery(q)
	req := bleve.NewSearchRequestOptions(query, k*3, 0, false)
	res, err := x.bleve.Search(req)
	if err != nil {
		return nil, err
	}
	x.mu.RLock()
	defer x.mu.RUnlock()
	out := []Hit{}
	for _, hit := range res.Hits {
		doc, ok := x.meta[hit.ID]
		if !ok || (userID != "" && doc.UserID != userID) {
			continue
		}
		out = append(out, Hit{
			TaskID:  hit.ID,
			Prompt:  doc.Prompt,
			Snippet: snippet(doc.Summary, doc.Transcript),
			Score:   hit.Score,
			Rank:    len(out) + 1,
		})
		if len(out) >= k {
			break
		}
	}
	return out, nil
}

func (x *Index) Close() error { return x.bleve.Close() }

func snippet(parts ...string) string {
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		r := []rune(p)
		if len(r) > 200 {
			return string(r[:200]) + "…"
		}
		return p
	}
	return ""
}
