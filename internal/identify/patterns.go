package identify

import (
	"path/filepath"
	"regexp"
	"strings"
)

const pathExpr = `(?P<path>[\w\-./\\]+\.\w+)`

// patterns are tried in priority order; the last is a bare filename token.
var patterns = []*regexp.Regexp{
	regexp.MustCompile(`(?:保存|创建|生成|写入|saved|created|generated|written)(?:[了到至])?\s*(?:文件|file)?[：:]*\s*(?:为|as|to)?[：:]*\s*` + pathExpr),
	regexp.MustCompile(`(?:文件|file)\s*(?:已)?(?:成功)?(?:保存|创建|生成|写入|saved|created|generated|written)(?:[了到至])?[：:]*\s*(?:为|as|to)?[：:]*\s*` + pathExpr),
	regexp.MustCompile(pathExpr + `\s*(?:文件)?(?:已)?(?:成功)?(?:保存|创建|生成|写入|saved|created|generated|written)`),
	regexp.MustCompile(`Content successfully saved to ` + pathExpr),
	regexp.MustCompile(`Successfully (?:saved|created|generated|written) (?:to|as|into) ` + pathExpr),
	regexp.MustCompile(pathExpr),
}

// Candidates returns every path-like token the patterns find in text, in
// priority order, without checking the filesystem.
func Candidates(text string) []string {
	seen := make(map[string]struct{})
	var out []string
	for _, re := range patterns {
		idx := re.SubexpIndex("path")
		for _, m := range re.FindAllStringSubmatch(text, -1) {
			p := cleanCandidate(m[idx])
			if p == "" {
				continue
			}
			if _, ok := seen[p]; ok {
				continue
			}
			seen[p] = struct{}{}
			out = append(out, p)
		}
	}
	return out
}

func cleanCandidate(p string) string {
	p = strings.Trim(strings.TrimSpace(p), `"'`+"`")
	p = strings.TrimRight(p, ".,;:")
	if p == "" {
		return ""
	}
	return filepath.Clean(filepath.FromSlash(strings.ReplaceAll(p, "\\", "/")))
}

var excludedSuffixes = []string{".pyc", ".log", ".tmp", "~"}

// Excluded reports whether p names something that is never a task artifact:
// dot-files, compiled caches, VCS metadata, logs and temporary files.
func Excluded(p string) bool {
	slash := filepath.ToSlash(p)
	for _, part := range strings.Split(slash, "/") {
		switch {
		case part == "" || part == "." || part == "..":
			continue
		case strings.HasPrefix(part, "."), part == "__pycache__", part == "FETCH_HEAD":
			return true
		}
	}
	lower := strings.ToLower(slash)
	for _, s := range excludedSuffixes {
		if strings.HasSuffix(lower, s) {
			return true
		}
	}
	return false
}
