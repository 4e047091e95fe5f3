package identify

import (
	"io/fs"
	"path/filepath"
	"sort"
	"time"
)

// RecentFiles lists files under the working tree written since a point in time,
// as paths relative to that tree.
type RecentFiles interface {
	Recent(since time.Time) []string
}

// Scan walks Root and reports regular files by modification time, skipping
// the absolute directories in Exclude.
type Scan struct {
	Root    string
	Exclude []string
}

func (s Scan) Recent(since time.Time) []string {
	var out []string
	_ = filepath.WalkDir(s.Root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		rel, relErr := filepath.Rel(s.Root, path)
		if relErr != nil || rel == "." {
			return nil
		}
		if Excluded(rel) || s.skipped(path) {
			if d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		if d.IsDir() || !d.Type().IsRegular() {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return nil
		}
		if info.ModTime().After(since) {
			out = append(out, rel)
		}
		return nil
	})
	sort.Strings(out)
	return out
}

func (s Scan) skipped(path string) bool {
	for _, dir := range s.Exclude {
		if under(dir, path) {
			return true
		}
	}
	return false
}
