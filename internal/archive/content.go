package archive

import (
	"mime"
	"path/filepath"
	"strings"
	"unicode"
)

var contentTypes = map[string]string{
	"txt":  "text/plain",
	"html": "text/html",
	"css":  "text/css",
	"js":   "application/javascript",
	"json": "application/json",
	"xml":  "application/xml",
	"pdf":  "application/pdf",
	"zip":  "application/zip",
	"png":  "image/png",
	"jpg":  "image/jpeg",
	"jpeg": "image/jpeg",
	"gif":  "image/gif",
	"webp": "image/webp",
	"mp3":  "audio/mpeg",
	"wav":  "audio/wav",
	"mp4":  "video/mp4",
	"py":   "text/x-python",
	"md":   "text/markdown",
	"csv":  "text/csv",
	"yaml": "application/yaml",
	"yml":  "application/yaml",
	"go":   "text/x-go",
}

// ContentType maps a filename's extension to a MIME type.
func ContentType(name string) string {
	ext := strings.ToLower(filepath.Ext(name))
	if ext == "" {
		return "application/octet-stream"
	}
	if ct, ok := contentTypes[ext[1:]]; ok {
		return ct
	}
	if ct := mime.TypeByExtension(ext); ct != "" {
		return ct
	}
	return "application/octet-stream"
}

func isAlnum(r rune) bool {
	return unicode.IsLetter(r) || unicode.IsDigit(r)
}
