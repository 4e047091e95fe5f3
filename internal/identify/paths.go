package identify

import (
	"path/filepath"
	"strings"
)

// realPath returns the absolute, symlink-free form of p. Paths that do not
// exist yet keep their absolute form.
func realPath(p string) string {
	abs, err := filepath.Abs(p)
	if err != nil {
		return filepath.Clean(p)
	}
	if real, err := filepath.EvalSymlinks(abs); err == nil {
		return real
	}
	return abs
}

// under reports whether p is root or lies below it. Both must be absolute.
func under(root, p string) bool {
	rel, err := filepath.Rel(root, p)
	if err != nil || filepath.IsAbs(rel) {
		return false
	}
	return rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator))
}

func realPaths(dirs []string) []string {
	out := make([]string, 0, len(dirs))
	for _, d := range dirs {
		if strings.TrimSpace(d) == "" {
			continue
		}
		out = append(out, realPath(d))
	}
	return out
}

// SkipFunc returns a directory filter for trees rooted at root: it skips names
// Excluded rejects and every directory inside one of dirs.
func SkipFunc(root string, dirs ...string) func(rel string) bool {
	base := realPath(root)
	skip := realPaths(dirs)
	return func(rel string) bool {
		if Excluded(rel) {
			return true
		}
		p := filepath.Join(base, rel)
		for _, d := range skip {
			if under(d, p) {
				return true
			}
		}
		return false
	}
}
