package summarize

import "unicode/utf8"

// Split cuts text into consecutive pieces of at most size runes. Joining the
// pieces gives back text; text that fits is returned as the only piece.
func Split(text string, size int) []string {
	if size <= 0 || utf8.RuneCountInString(text) <= size {
		return []string{text}
	}
	var out []string
	n, start := 0, 0
	for i := range text {
		if n == size {
			out = append(out, text[start:i])
			start, n = i, 0
		}
		n++
	}
	return append(out, text[start:])
}
