// Package logline cleans raw agent output lines before they are broadcast or buffered.
package logline

import (
	"regexp"
	"strings"

	"github.com/charmbracelet/x/ansi"
)

// Severity is the level attached to a normalized line.
type Severity string

const (
	SeverityDebug    Severity = "debug"
	SeverityInfo     Severity = "info"
	SeveritySuccess  Severity = "success"
	SeverityWarning  Severity = "warning"
	SeverityError    Severity = "error"
	SeverityCritical Severity = "critical"
)

// Line is a raw line together with its cleaned text and severity.
type Line struct {
	Raw      string
	Text     string
	Severity Severity
}

const levelAlt = `TRACE|DEBUG|INFO|SUCCESS|WARNING|WARN|ERROR|CRITICAL|FATAL`

// Prefix rules in priority order. Each must consume a non-empty prefix.
var prefixRules = []*regexp.Regexp{
	// 2025-03-10 12:34:56.789 | INFO     | app.agent.base:run:137 - message
	regexp.MustCompile(`^\d{4}-\d{2}-\d{2}[ T]\d{2}:\d{2}:\d{2}(?:[.,]\d+)?\s*\|\s*(?P<level>` + levelAlt + `)\s*\|\s*(?:[\w.<>-]+(?::[\w<>-]+)*:\d+\s+-\s+)?`),
	// INFO: message, WARNING | message, ERROR：message
	regexp.MustCompile(`^(?P<level>` + levelAlt + `)\s*(?:[:：]|\|)\s*`),
	// | INFO | message
	regexp.MustCompile(`^\|\s*(?P<level>` + levelAlt + `)\s*\|\s*`),
}

var trailingSeparators = regexp.MustCompile(`[\s|]+$`)

// Normalize strips recognized timestamp/level/origin prefixes and trailing separators.
// Unmatched input comes back trimmed. Normalize(Normalize(s)) == Normalize(s).
func Normalize(raw string) string {
	text, _ := strip(raw)
	return text
}

// Classify returns the severity carried by the line's prefix, defaulting to info.
func Classify(raw string) Severity {
	_, sev := strip(raw)
	return sev
}

// Parse normalizes and classifies raw in one pass.
func Parse(raw string) Line {
	text, sev := strip(raw)
	return Line{Raw: raw, Text: text, Severity: sev}
}

// Format renders a service-authored line in the same "LEVEL | text" shape agents use.
func Format(sev Severity, text string) string {
	return strings.ToUpper(string(sev)) + " | " + text
}

func strip(raw string) (string, Severity) {
	text := clean(raw)
	sev := Severity("")
	for {
		next, level := stripOnce(text)
		if sev == "" && level != "" {
			sev = severityOf(level)
		}
		if next == text {
			break
		}
		text = next
	}
	if sev == "" {
		sev = guess(text)
	}
	return text, sev
}

func stripOnce(text string) (string, string) {
	for _, re := range prefixRules {
		m := re.FindStringSubmatchIndex(text)
		if m == nil || m[1] == 0 {
			continue
		}
		level := ""
		if idx := re.SubexpIndex("level"); idx >= 0 && m[2*idx] >= 0 {
			level = text[m[2*idx]:m[2*idx+1]]
		}
		return trim(text[m[1]:]), level
	}
	return trim(text), ""
}

// clean drops terminal control sequences and keeps only the last carriage-return rewrite.
func clean(raw string) string {
	s := ansi.Strip(raw)
	s = strings.TrimRight(s, "\r\n")
	if i := strings.LastIndexByte(s, '\r'); i >= 0 {
		s = s[i+1:]
	}
	return trim(s)
}

func trim(s string) string {
	s = trailingSeparators.ReplaceAllString(s, "")
	return strings.TrimSpace(s)
}

func severityOf(level string) Severity {
	switch strings.ToUpper(level) {
	case "TRACE", "DEBUG":
		return SeverityDebug
	case "SUCCESS":
		return SeveritySuccess
	case "WARNING", "WARN":
		return SeverityWarning
	case "ERROR":
		return SeverityError
	case "CRITICAL", "FATAL":
		return SeverityCritical
	default:
		return SeverityInfo
	}
}

func guess(text string) Severity {
	if strings.HasPrefix(text, "Traceback (most recent call last)") {
		return SeverityError
	}
	return SeverityInfo
}
